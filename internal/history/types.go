package history

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("history: not found")
	// ErrDuplicateMessage is returned when a turn reuses a current message id.
	ErrDuplicateMessage = errors.New("history: duplicate current message id")
)

// Role is the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole validates a persisted role value.
func ParseRole(raw string) (Role, error) {
	switch Role(raw) {
	case RoleUser:
		return RoleUser, nil
	case RoleAssistant:
		return RoleAssistant, nil
	default:
		return "", fmt.Errorf("history: invalid role %q", raw)
	}
}

func (r Role) String() string { return string(r) }

// AssistantOffset is added to the paired user turn's timestamp so the two
// never tie when ordered by creation time.
const AssistantOffset = time.Second

// Turn is one persisted conversation row.
type Turn struct {
	ID               int64     `json:"id"`
	UID              int64     `json:"uid"`
	StartMessageID   string    `json:"start_message_id"`
	CurrentMessageID string    `json:"current_message_id"`
	Model            string    `json:"model,omitempty"`
	Command          string    `json:"command"`
	Role             Role      `json:"role"`
	Content          string    `json:"content"`
	System           string    `json:"system,omitempty"`
	UsageTokens      int       `json:"usage_tokens"`
	CreatedAt        time.Time `json:"created_at"`
}

// Order controls the createdAt sort direction of a query.
type Order int

const (
	OrderAsc Order = iota
	OrderDesc
)

// Query filters turns. Zero-valued filter fields are ignored; UID is always
// applied.
type Query struct {
	UID               int64
	StartMessageID    string
	CurrentMessageID  string
	CreatedAtOrBefore time.Time
	Order             Order
	Limit             int
}

// Matches reports whether t satisfies the filter part of q.
func (q Query) Matches(t Turn) bool {
	if t.UID != q.UID {
		return false
	}
	if q.StartMessageID != "" && t.StartMessageID != q.StartMessageID {
		return false
	}
	if q.CurrentMessageID != "" && t.CurrentMessageID != q.CurrentMessageID {
		return false
	}
	if !q.CreatedAtOrBefore.IsZero() && t.CreatedAt.After(q.CreatedAtOrBefore) {
		return false
	}
	return true
}

// Store is the append-only turn table. There is no update or delete.
type Store interface {
	Create(ctx context.Context, turn Turn) (Turn, error)
	Query(ctx context.Context, q Query) ([]Turn, error)
}

// User is the host-owned identity that turns reference.
type User struct {
	ID          int64     `json:"id"`
	Platform    string    `json:"platform"`
	ExternalID  string    `json:"external_id"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// UserStore resolves platform identities to user ids, creating them on first contact.
type UserStore interface {
	EnsureUser(ctx context.Context, platform, externalID, displayName string) (User, error)
}

// Backend bundles everything a storage driver provides.
type Backend interface {
	Store
	UserStore
	Ping(ctx context.Context) error
	Close() error
}
