package conversation

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/memohai/qianfanbot/internal/history"
)

var t0 = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

type countingStore struct {
	*history.MemoryStore
	queries int
}

func (s *countingStore) Query(ctx context.Context, q history.Query) ([]history.Turn, error) {
	s.queries++
	return s.MemoryStore.Query(ctx, q)
}

func seed(t *testing.T, store history.Store, uid int64, start string, rows ...history.Turn) {
	t.Helper()
	for _, row := range rows {
		row.UID = uid
		row.StartMessageID = start
		if row.Command == "" {
			row.Command = "chat"
		}
		if _, err := store.Create(context.Background(), row); err != nil {
			t.Fatalf("seed %s: %v", row.CurrentMessageID, err)
		}
	}
}

func userTurn(id, content string, at time.Duration) history.Turn {
	return history.Turn{CurrentMessageID: id, Role: history.RoleUser, Content: content, CreatedAt: t0.Add(at)}
}

func assistantTurn(id, content string, at time.Duration) history.Turn {
	return history.Turn{CurrentMessageID: id, Role: history.RoleAssistant, Content: content, Model: "ERNIE-Bot", CreatedAt: t0.Add(at)}
}

func roles(turns []history.Turn) []history.Role {
	out := make([]history.Role, 0, len(turns))
	for _, t := range turns {
		out = append(out, t.Role)
	}
	return out
}

func ids(turns []history.Turn) []string {
	out := make([]string, 0, len(turns))
	for _, t := range turns {
		out = append(out, t.CurrentMessageID)
	}
	return out
}

func TestResolveQuotingAssistantKeepsPair(t *testing.T) {
	t.Parallel()
	store := history.NewMemoryStore()
	seed(t, store, 1, "m1",
		history.Turn{CurrentMessageID: "m1", Role: history.RoleUser, Content: "hello", System: "be brief", CreatedAt: t0},
		history.Turn{CurrentMessageID: "m2", Role: history.RoleAssistant, Content: "hi there", System: "be brief", Model: "ERNIE-Bot-4", CreatedAt: t0.Add(history.AssistantOffset)},
	)
	r := NewResolver(nil, store)

	thread, err := r.Resolve(context.Background(), 1, "m2", 10)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if thread.StartMessageID != "m1" || thread.Command != "chat" || thread.System != "be brief" || thread.Model != "ERNIE-Bot-4" {
		t.Fatalf("unexpected thread metadata: %+v", thread)
	}
	want := []Message{
		{Role: history.RoleUser, Content: "hello"},
		{Role: history.RoleAssistant, Content: "hi there"},
		{Role: history.RoleUser, Content: "and then?"},
	}
	if got := thread.WithPrompt("and then?"); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected context:\n got %+v\nwant %+v", got, want)
	}
	if thread.Repaired {
		t.Fatalf("clean thread should not be flagged")
	}
}

func TestResolveQuotingUserTurnTrimsIt(t *testing.T) {
	t.Parallel()
	store := history.NewMemoryStore()
	seed(t, store, 1, "m1",
		userTurn("m1", "q1", 0),
		assistantTurn("m2", "a1", time.Second),
		userTurn("m3", "q2", time.Minute),
		assistantTurn("m4", "a2", time.Minute+time.Second),
	)
	r := NewResolver(nil, store)

	thread, err := r.Resolve(context.Background(), 1, "m3", 10)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := ids(thread.Turns); !reflect.DeepEqual(got, []string{"m1", "m2"}) {
		t.Fatalf("expected [m1 m2], got %v", got)
	}
}

func TestResolveUnknownOrForeignQuote(t *testing.T) {
	t.Parallel()
	store := history.NewMemoryStore()
	seed(t, store, 2, "m1", userTurn("m1", "mine", 0), assistantTurn("m2", "reply", time.Second))
	r := NewResolver(nil, store)

	for _, quoted := range []string{"m2", "missing"} {
		if _, err := r.Resolve(context.Background(), 1, quoted, 10); !errors.Is(err, ErrNotFound) {
			t.Fatalf("quote %q: expected ErrNotFound, got %v", quoted, err)
		}
	}
}

func TestResolveShortCircuitsWithoutStoreAccess(t *testing.T) {
	t.Parallel()
	store := &countingStore{MemoryStore: history.NewMemoryStore()}
	r := NewResolver(nil, store)

	if _, err := r.Resolve(context.Background(), 0, "m1", 10); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported for missing user, got %v", err)
	}
	if _, err := r.Resolve(context.Background(), 1, " ", 10); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported for missing quote, got %v", err)
	}
	if store.queries != 0 {
		t.Fatalf("store should not be queried, got %d queries", store.queries)
	}
}

func TestResolveWindowBoundedByMaxRounds(t *testing.T) {
	t.Parallel()
	store := history.NewMemoryStore()
	var rows []history.Turn
	for i := 0; i < 6; i++ {
		at := time.Duration(i) * time.Minute
		rows = append(rows,
			userTurn(string(rune('a'+i))+"u", "q", at),
			assistantTurn(string(rune('a'+i))+"a", "a", at+history.AssistantOffset),
		)
	}
	seed(t, store, 1, "au", rows...)
	r := NewResolver(nil, store)

	cases := []struct {
		maxRounds int
		wantLen   int
	}{
		{maxRounds: 4, wantLen: 4},
		{maxRounds: 5, wantLen: 4},
		{maxRounds: 1, wantLen: 0},
		{maxRounds: 100, wantLen: 12},
	}
	for _, tc := range cases {
		thread, err := r.Resolve(context.Background(), 1, "fa", tc.maxRounds)
		if err != nil {
			t.Fatalf("maxRounds=%d: %v", tc.maxRounds, err)
		}
		if len(thread.Turns) != tc.wantLen {
			t.Fatalf("maxRounds=%d: expected %d turns, got %d (%v)", tc.maxRounds, tc.wantLen, len(thread.Turns), ids(thread.Turns))
		}
		if len(thread.Turns) > 0 {
			if thread.Turns[0].Role != history.RoleUser || thread.Turns[len(thread.Turns)-1].Role != history.RoleAssistant {
				t.Fatalf("maxRounds=%d: bad bounds %v", tc.maxRounds, roles(thread.Turns))
			}
			if last := thread.Turns[len(thread.Turns)-1].CurrentMessageID; last != "fa" {
				t.Fatalf("window should end at the quoted turn, got %s", last)
			}
		}
	}
}

func TestResolveZeroRoundsReturnsMetadataOnly(t *testing.T) {
	t.Parallel()
	store := history.NewMemoryStore()
	seed(t, store, 1, "m1", userTurn("m1", "q", 0), assistantTurn("m2", "a", time.Second))
	thread, err := NewResolver(nil, store).Resolve(context.Background(), 1, "m2", 0)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if thread.StartMessageID != "m1" || len(thread.Turns) != 0 {
		t.Fatalf("unexpected thread: %+v", thread)
	}
}

func TestResolveOrdersByCreatedAtNotInsertion(t *testing.T) {
	t.Parallel()
	store := history.NewMemoryStore()
	seed(t, store, 1, "m1",
		assistantTurn("m4", "a2", 3*time.Second),
		userTurn("m3", "q2", 2*time.Second),
		assistantTurn("m2", "a1", time.Second),
		userTurn("m1", "q1", 0),
	)
	thread, err := NewResolver(nil, store).Resolve(context.Background(), 1, "m4", 10)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := ids(thread.Turns); !reflect.DeepEqual(got, []string{"m1", "m2", "m3", "m4"}) {
		t.Fatalf("expected chronological order, got %v", got)
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	t.Parallel()
	store := history.NewMemoryStore()
	seed(t, store, 1, "m1", userTurn("m1", "q", 0), assistantTurn("m2", "a", time.Second))
	r := NewResolver(nil, store)
	first, err := r.Resolve(context.Background(), 1, "m2", 10)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second, err := r.Resolve(context.Background(), 1, "m2", 10)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("results differ:\n%+v\n%+v", first, second)
	}
}

func TestResolveRepairsOrphanedUserTurn(t *testing.T) {
	t.Parallel()
	store := history.NewMemoryStore()
	// m3 never got an answer; m4 was asked again in the same thread.
	seed(t, store, 1, "m1",
		userTurn("m1", "q1", 0),
		assistantTurn("m2", "a1", time.Second),
		userTurn("m3", "lost", time.Minute),
		userTurn("m4", "q2", 2*time.Minute),
		assistantTurn("m5", "a2", 2*time.Minute+time.Second),
	)
	thread, err := NewResolver(nil, store).Resolve(context.Background(), 1, "m5", 10)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !thread.Repaired {
		t.Fatalf("expected repaired flag")
	}
	if got := ids(thread.Turns); !reflect.DeepEqual(got, []string{"m1", "m2", "m4", "m5"}) {
		t.Fatalf("unexpected repaired window %v", got)
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()
	u := func(id string) history.Turn { return history.Turn{CurrentMessageID: id, Role: history.RoleUser} }
	a := func(id string) history.Turn { return history.Turn{CurrentMessageID: id, Role: history.RoleAssistant} }
	cases := []struct {
		name string
		in   []history.Turn
		want []string
	}{
		{"double leading assistant", []history.Turn{a("1"), a("2"), u("3"), a("4")}, []string{"3", "4"}},
		{"double trailing user", []history.Turn{u("1"), a("2"), u("3"), u("4")}, []string{"1", "2"}},
		{"all users", []history.Turn{u("1"), u("2")}, []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := ids(normalize(tc.in))
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
			if !alternates(normalize(tc.in)) {
				t.Fatalf("normalized window should alternate")
			}
		})
	}
}
