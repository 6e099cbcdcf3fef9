package history

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestParseRole(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"user", "assistant"} {
		if _, err := ParseRole(raw); err != nil {
			t.Fatalf("ParseRole(%q): %v", raw, err)
		}
	}
	for _, raw := range []string{"", "system", "User"} {
		if _, err := ParseRole(raw); err == nil {
			t.Fatalf("ParseRole(%q) should fail", raw)
		}
	}
}

func TestMemoryStoreRejectsDuplicateMessage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()
	turn := Turn{UID: 1, StartMessageID: "m1", CurrentMessageID: "m1", Command: "chat", Role: RoleUser, Content: "hi"}
	if _, err := s.Create(ctx, turn); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Create(ctx, turn); !errors.Is(err, ErrDuplicateMessage) {
		t.Fatalf("expected ErrDuplicateMessage, got %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("expected one row, got %d", s.Len())
	}
}

func TestMemoryStoreRejectsInvalidRole(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	_, err := s.Create(context.Background(), Turn{UID: 1, CurrentMessageID: "x", Role: "system"})
	if err == nil {
		t.Fatalf("expected invalid role error")
	}
}

func TestMemoryStoreQueryFiltersAndOrders(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []Turn{
		{UID: 1, StartMessageID: "a", CurrentMessageID: "a3", Role: RoleUser, CreatedAt: base.Add(3 * time.Second)},
		{UID: 1, StartMessageID: "a", CurrentMessageID: "a1", Role: RoleUser, CreatedAt: base.Add(1 * time.Second)},
		{UID: 1, StartMessageID: "a", CurrentMessageID: "a2", Role: RoleAssistant, CreatedAt: base.Add(2 * time.Second)},
		{UID: 2, StartMessageID: "a", CurrentMessageID: "b1", Role: RoleUser, CreatedAt: base},
		{UID: 1, StartMessageID: "z", CurrentMessageID: "z1", Role: RoleUser, CreatedAt: base},
	}
	for _, r := range rows {
		if _, err := s.Create(ctx, r); err != nil {
			t.Fatalf("create %s: %v", r.CurrentMessageID, err)
		}
	}

	got, err := s.Query(ctx, Query{UID: 1, StartMessageID: "a", CreatedAtOrBefore: base.Add(2 * time.Second), Order: OrderDesc, Limit: 5})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 || got[0].CurrentMessageID != "a2" || got[1].CurrentMessageID != "a1" {
		t.Fatalf("unexpected rows: %+v", got)
	}

	got, err = s.Query(ctx, Query{UID: 1, StartMessageID: "a", Order: OrderAsc, Limit: 2})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 || got[0].CurrentMessageID != "a1" || got[1].CurrentMessageID != "a2" {
		t.Fatalf("unexpected asc rows: %+v", got)
	}
}

func TestMemoryStoreEnsureUserIsStable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()
	a, _ := s.EnsureUser(ctx, "telegram", "42", "alice")
	b, _ := s.EnsureUser(ctx, "telegram", "42", "alice renamed")
	c, _ := s.EnsureUser(ctx, "discord", "42", "alice")
	if a.ID != b.ID {
		t.Fatalf("same identity should map to one user: %d vs %d", a.ID, b.ID)
	}
	if a.ID == c.ID {
		t.Fatalf("different platforms should not share users")
	}
}
