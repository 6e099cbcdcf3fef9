package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/qianfanbot/internal/healthcheck"
)

type PingHandler struct {
	logger   *slog.Logger
	checkers []healthcheck.Checker
}

func NewPingHandler(log *slog.Logger, checkers ...healthcheck.Checker) *PingHandler {
	if log == nil {
		log = slog.Default()
	}
	return &PingHandler{
		logger:   log.With(slog.String("handler", "ping")),
		checkers: checkers,
	}
}

func (h *PingHandler) Register(e *echo.Echo) {
	e.GET("/ping", h.Ping)
	e.HEAD("/health", h.PingHead)
	e.GET("/health", h.Health)
}

func (h *PingHandler) Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (h *PingHandler) PingHead(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// Health runs every checker and answers 503 when any check failed.
func (h *PingHandler) Health(c echo.Context) error {
	report := healthcheck.Run(c.Request().Context(), h.checkers...)
	code := http.StatusOK
	if report.Status == healthcheck.StatusError {
		h.logger.Warn("health check failed", slog.Int("checks", len(report.Checks)))
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, report)
}
