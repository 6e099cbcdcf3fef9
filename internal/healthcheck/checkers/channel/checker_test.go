package channelchecker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/memohai/qianfanbot/internal/channel"
)

type fakeConnectionObserver struct {
	items []channel.ConnectionStatus
}

func (f *fakeConnectionObserver) Statuses() []channel.ConnectionStatus {
	return f.items
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCheckerListChecks(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	checker := NewChecker(newTestLogger(), &fakeConnectionObserver{
		items: []channel.ConnectionStatus{
			{ChannelType: "discord", Running: false, LastError: "connect timeout", UpdatedAt: now},
			{ChannelType: "telegram", Running: true, UpdatedAt: now},
		},
	})

	items := checker.ListChecks(context.Background())
	if len(items) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(items))
	}
	if items[0].ID != "channel.connection.discord" || items[0].Status != "error" {
		t.Fatalf("unexpected discord check: %+v", items[0])
	}
	if items[0].Detail != "connect timeout" {
		t.Fatalf("unexpected detail: %s", items[0].Detail)
	}
	if items[1].ID != "channel.connection.telegram" || items[1].Status != "ok" {
		t.Fatalf("unexpected telegram check: %+v", items[1])
	}
}

func TestCheckerNilObserver(t *testing.T) {
	t.Parallel()

	checker := NewChecker(newTestLogger(), nil)
	items := checker.ListChecks(context.Background())
	if len(items) != 1 {
		t.Fatalf("expected service warning check, got %d", len(items))
	}
	if items[0].Status != "warn" {
		t.Fatalf("expected warn status, got %s", items[0].Status)
	}
}
