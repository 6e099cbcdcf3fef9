package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/qianfanbot/internal/channel"
)

// ChannelLister is satisfied by *channel.Manager.
type ChannelLister interface {
	Registry() *channel.Registry
	Statuses() []channel.ConnectionStatus
}

type ChannelHandler struct {
	channels ChannelLister
}

func NewChannelHandler(channels ChannelLister) *ChannelHandler {
	return &ChannelHandler{channels: channels}
}

func (h *ChannelHandler) Register(e *echo.Echo) {
	e.GET("/api/channels", h.ListChannels)
}

type channelResponse struct {
	channel.Descriptor
	Status *channel.ConnectionStatus `json:"status,omitempty"`
}

// ListChannels returns every registered platform with its connection status.
func (h *ChannelHandler) ListChannels(c echo.Context) error {
	if h.channels == nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "channel manager not configured")
	}
	statuses := map[channel.ChannelType]channel.ConnectionStatus{}
	for _, s := range h.channels.Statuses() {
		statuses[s.ChannelType] = s
	}
	adapters := h.channels.Registry().List()
	items := make([]channelResponse, 0, len(adapters))
	for _, a := range adapters {
		item := channelResponse{Descriptor: a.Descriptor()}
		if s, ok := statuses[a.Type()]; ok {
			item.Status = &s
		}
		items = append(items, item)
	}
	return c.JSON(http.StatusOK, items)
}
