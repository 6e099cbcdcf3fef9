package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/memohai/qianfanbot/internal/history"
)

// Resolver maps a quoted message back to the thread it belongs to.
type Resolver struct {
	store  history.Store
	logger *slog.Logger
}

func NewResolver(log *slog.Logger, store history.Store) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		store:  store,
		logger: log.With(slog.String("service", "conversation")),
	}
}

// Resolve finds the turn carried by quotedMessageID for uid and returns the
// thread window ending at that turn. At most maxRounds stored turns are read
// before trimming, so the window may hold fewer. Returns ErrNotFound when the
// quote is unknown or belongs to another user.
func (r *Resolver) Resolve(ctx context.Context, uid int64, quotedMessageID string, maxRounds int) (Thread, error) {
	quotedMessageID = strings.TrimSpace(quotedMessageID)
	if uid == 0 || quotedMessageID == "" {
		return Thread{}, ErrUnsupported
	}

	matches, err := r.store.Query(ctx, history.Query{
		UID:              uid,
		CurrentMessageID: quotedMessageID,
		Limit:            1,
	})
	if err != nil {
		return Thread{}, fmt.Errorf("lookup quoted turn: %w", err)
	}
	if len(matches) == 0 {
		return Thread{}, ErrNotFound
	}
	anchor := matches[0]
	thread := Thread{
		StartMessageID: anchor.StartMessageID,
		Command:        anchor.Command,
		System:         anchor.System,
		Model:          anchor.Model,
		Turns:          []history.Turn{},
	}
	if maxRounds <= 0 {
		return thread, nil
	}

	window, err := r.store.Query(ctx, history.Query{
		UID:               uid,
		StartMessageID:    anchor.StartMessageID,
		CreatedAtOrBefore: anchor.CreatedAt,
		Order:             history.OrderDesc,
		Limit:             maxRounds,
	})
	if err != nil {
		return Thread{}, fmt.Errorf("load thread window: %w", err)
	}
	reverse(window)

	window = trimEnds(window)
	if !alternates(window) {
		r.logger.Warn("thread turns do not alternate; normalizing",
			slog.Int64("uid", uid),
			slog.String("start_message_id", anchor.StartMessageID),
			slog.String("quoted_message_id", quotedMessageID),
			slog.Int("turns", len(window)),
		)
		window = normalize(window)
		thread.Repaired = true
	}
	thread.Turns = window
	return thread, nil
}

func reverse(turns []history.Turn) {
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
}

// trimEnds drops one leading assistant turn and one trailing user turn.
func trimEnds(turns []history.Turn) []history.Turn {
	if len(turns) > 0 && turns[0].Role == history.RoleAssistant {
		turns = turns[1:]
	}
	if len(turns) > 0 && turns[len(turns)-1].Role == history.RoleUser {
		turns = turns[:len(turns)-1]
	}
	return turns
}

// alternates reports whether turns go user, assistant, user, ... and end on assistant.
func alternates(turns []history.Turn) bool {
	if len(turns)%2 != 0 {
		return false
	}
	for i, t := range turns {
		want := history.RoleUser
		if i%2 == 1 {
			want = history.RoleAssistant
		}
		if t.Role != want {
			return false
		}
	}
	return true
}

// normalize collapses each run of same-role turns to its latest turn, then
// strips leading assistants and trailing users until the window alternates.
func normalize(turns []history.Turn) []history.Turn {
	out := make([]history.Turn, 0, len(turns))
	for _, t := range turns {
		if n := len(out); n > 0 && out[n-1].Role == t.Role {
			out[n-1] = t
			continue
		}
		out = append(out, t)
	}
	for len(out) > 0 && out[0].Role == history.RoleAssistant {
		out = out[1:]
	}
	for len(out) > 0 && out[len(out)-1].Role == history.RoleUser {
		out = out[:len(out)-1]
	}
	return out
}
