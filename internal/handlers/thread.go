package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/memohai/qianfanbot/internal/auth"
	"github.com/memohai/qianfanbot/internal/bot"
	"github.com/memohai/qianfanbot/internal/channel/adapters/web"
	"github.com/memohai/qianfanbot/internal/conversation"
	"github.com/memohai/qianfanbot/internal/history"
)

// ThreadResolver is satisfied by *conversation.Resolver.
type ThreadResolver interface {
	Resolve(ctx context.Context, uid int64, quotedMessageID string, maxRounds int) (conversation.Thread, error)
}

// ThreadHandler shows the context a reply to a web message would carry.
type ThreadHandler struct {
	resolver    ThreadResolver
	users       history.UserStore
	rounds      int
	openHistory bool
	logger      *slog.Logger
}

// NewThreadHandler builds the handler. With openHistory false every lookup is
// refused before any store access.
func NewThreadHandler(log *slog.Logger, resolver ThreadResolver, users history.UserStore, rounds int, openHistory bool) *ThreadHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ThreadHandler{
		resolver:    resolver,
		users:       users,
		rounds:      rounds,
		openHistory: openHistory,
		logger:      log.With(slog.String("handler", "thread")),
	}
}

func (h *ThreadHandler) Register(e *echo.Echo) {
	e.GET("/api/threads/:message_id", h.GetThread)
}

// GetThread resolves the thread window ending at a reply id returned by
// POST /api/messages. The optional rounds query overrides the window size.
func (h *ThreadHandler) GetThread(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	if !h.openHistory {
		return echo.NewHTTPError(http.StatusNotFound, bot.ReplyHistoryDisabled)
	}
	messageID := strings.TrimSpace(c.Param("message_id"))
	if messageID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message id is required")
	}
	rounds := h.rounds
	if raw := strings.TrimSpace(c.QueryParam("rounds")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "rounds must be a non-negative integer")
		}
		rounds = n
	}
	if h.resolver == nil || h.users == nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "history not configured")
	}

	ctx := c.Request().Context()
	user, err := h.users.EnsureUser(ctx, web.Type.String(), userID, auth.DisplayNameFromContext(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	thread, err := h.resolver.Resolve(ctx, user.ID, bot.HistoryID(web.Type, messageID), rounds)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, thread)
	case errors.Is(err, conversation.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, conversation.ErrUnsupported):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		h.logger.Error("resolve thread failed", slog.String("message_id", messageID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
