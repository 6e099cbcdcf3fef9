package storechecker

import (
	"context"
	"log/slog"
	"time"

	"github.com/memohai/qianfanbot/internal/healthcheck"
)

const (
	checkTypeStore = "store.ping"
	pingTimeout    = 3 * time.Second
)

// Pinger is implemented by every history backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker pings the history backend.
type Checker struct {
	logger *slog.Logger
	driver string
	pinger Pinger
}

func NewChecker(log *slog.Logger, driver string, pinger Pinger) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger: log.With(slog.String("checker", "healthcheck_store")),
		driver: driver,
		pinger: pinger,
	}
}

func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	item := healthcheck.CheckResult{
		ID:       checkTypeStore + "." + c.driver,
		Type:     checkTypeStore,
		Status:   healthcheck.StatusOK,
		Summary:  "History store is reachable.",
		Metadata: map[string]any{"driver": c.driver},
	}
	if c.pinger == nil {
		item.Status = healthcheck.StatusWarn
		item.Summary = "History store is not configured."
		return []healthcheck.CheckResult{item}
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	start := time.Now()
	if err := c.pinger.Ping(pingCtx); err != nil {
		c.logger.Warn("store ping failed", slog.String("driver", c.driver), slog.Any("error", err))
		item.Status = healthcheck.StatusError
		item.Summary = "History store ping failed."
		item.Detail = err.Error()
	}
	item.Metadata["latency_ms"] = time.Since(start).Milliseconds()
	return []healthcheck.CheckResult{item}
}
