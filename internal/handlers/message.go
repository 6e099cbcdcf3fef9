package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/memohai/qianfanbot/internal/auth"
	"github.com/memohai/qianfanbot/internal/channel"
	"github.com/memohai/qianfanbot/internal/channel/adapters/web"
)

// MessageHandler feeds API messages through the bot and returns its replies.
type MessageHandler struct {
	processor channel.InboundProcessor
	adapter   *web.WebAdapter
	logger    *slog.Logger
}

func NewMessageHandler(log *slog.Logger, processor channel.InboundProcessor, adapter *web.WebAdapter) *MessageHandler {
	if log == nil {
		log = slog.Default()
	}
	return &MessageHandler{
		processor: processor,
		adapter:   adapter,
		logger:    log.With(slog.String("handler", "message")),
	}
}

func (h *MessageHandler) Register(e *echo.Echo) {
	e.POST("/api/messages", h.SendMessage)
}

type sendMessageRequest struct {
	Text    string `json:"text"`
	ReplyTo string `json:"reply_to,omitempty"`
}

type attachmentResponse struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
	Mime string `json:"mime,omitempty"`
	Data []byte `json:"data"`
}

type replyResponse struct {
	ID          string               `json:"id"`
	Text        string               `json:"text,omitempty"`
	Attachments []attachmentResponse `json:"attachments,omitempty"`
}

type sendMessageResponse struct {
	MessageID string          `json:"message_id"`
	Replies   []replyResponse `json:"replies"`
}

// SendMessage handles one message synchronously. Quote a reply id in
// reply_to to continue that conversation.
func (h *MessageHandler) SendMessage(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	if h.processor == nil || h.adapter == nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "web channel not configured")
	}
	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Text) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}

	msg := h.adapter.NewInbound(userID, auth.DisplayNameFromContext(c), req.Text, req.ReplyTo)
	err = h.processor.HandleInbound(c.Request().Context(), msg)
	replies := h.adapter.Take(msg.Message.ID)
	if err != nil {
		h.logger.Error("handle web message failed", slog.String("message_id", msg.Message.ID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	resp := sendMessageResponse{MessageID: msg.Message.ID, Replies: make([]replyResponse, 0, len(replies))}
	for _, r := range replies {
		item := replyResponse{ID: r.ID, Text: r.Message.Text}
		for _, att := range r.Message.Attachments {
			item.Attachments = append(item.Attachments, attachmentResponse{
				Type: string(att.Type),
				Name: att.Name,
				Mime: att.Mime,
				Data: att.Data,
			})
		}
		resp.Replies = append(resp.Replies, item)
	}
	return c.JSON(http.StatusOK, resp)
}
