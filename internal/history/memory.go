package history

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps turns and users in process memory. Used by the ask
// command and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	turns     []Turn
	byMessage map[string]struct{}
	users     map[string]User
	nextTurn  int64
	nextUser  int64
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byMessage: map[string]struct{}{},
		users:     map[string]User{},
		now:       time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, turn Turn) (Turn, error) {
	if _, err := ParseRole(string(turn.Role)); err != nil {
		return Turn{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byMessage[turn.CurrentMessageID]; exists {
		return Turn{}, ErrDuplicateMessage
	}
	s.nextTurn++
	turn.ID = s.nextTurn
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.now()
	}
	s.turns = append(s.turns, turn)
	s.byMessage[turn.CurrentMessageID] = struct{}{}
	return turn, nil
}

func (s *MemoryStore) Query(_ context.Context, q Query) ([]Turn, error) {
	s.mu.RLock()
	matched := make([]Turn, 0)
	for _, t := range s.turns {
		if q.Matches(t) {
			matched = append(matched, t)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			if q.Order == OrderDesc {
				return matched[i].ID > matched[j].ID
			}
			return matched[i].ID < matched[j].ID
		}
		if q.Order == OrderDesc {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

func (s *MemoryStore) EnsureUser(_ context.Context, platform, externalID, displayName string) (User, error) {
	key := strings.TrimSpace(platform) + "\x00" + strings.TrimSpace(externalID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[key]; ok {
		return u, nil
	}
	s.nextUser++
	u := User{
		ID:          s.nextUser,
		Platform:    strings.TrimSpace(platform),
		ExternalID:  strings.TrimSpace(externalID),
		DisplayName: displayName,
		CreatedAt:   s.now(),
	}
	s.users[key] = u
	return u, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// Len returns the number of stored turns.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}
