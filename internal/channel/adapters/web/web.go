// Package web implements the HTTP channel. Inbound messages arrive through the
// API handler and replies are held until the handler collects them.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/memohai/qianfanbot/internal/channel"
)

const Type channel.ChannelType = "web"

// ConversationType marks web messages. It is neither private nor group so
// the private-chat gate does not apply.
const ConversationType = "web"

const defaultSentLimit = 4096

// Reply is one message the bot sent in answer to a web request.
type Reply struct {
	ID      string          `json:"id"`
	Message channel.Message `json:"message"`
}

type sentEntry struct {
	owner string
	id    string
}

// WebAdapter delivers replies to HTTP callers.
type WebAdapter struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string][]Reply
	sent    map[string]string
	order   []sentEntry
	limit   int
}

func NewWebAdapter(log *slog.Logger) *WebAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &WebAdapter{
		logger:  log.With(slog.String("adapter", "web")),
		pending: map[string][]Reply{},
		sent:    map[string]string{},
		limit:   defaultSentLimit,
	}
}

func (a *WebAdapter) Type() channel.ChannelType {
	return Type
}

func (a *WebAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "Web",
		Capabilities: channel.Capabilities{
			Text:        true,
			Reply:       true,
			Attachments: true,
			Private:     true,
		},
	}
}

// NewInbound builds the inbound message for a web user. The quoted id counts
// as a reply to the bot when the adapter sent it to the same user.
func (a *WebAdapter) NewInbound(userID, displayName, text, quotedID string) channel.InboundMessage {
	userID = strings.TrimSpace(userID)
	quotedID = strings.TrimSpace(quotedID)
	msg := channel.InboundMessage{
		Channel:     Type,
		Message:     channel.Message{ID: uuid.NewString(), Text: text},
		ReplyTarget: userID,
		Sender: channel.Identity{
			SubjectID:   userID,
			DisplayName: strings.TrimSpace(displayName),
		},
		Conversation: channel.Conversation{ID: userID, Type: ConversationType},
		ReceivedAt:   time.Now().UTC(),
		Metadata:     map[string]any{},
	}
	if quotedID != "" {
		msg.Message.Reply = &channel.ReplyRef{Target: userID, MessageID: quotedID}
		msg.Metadata[channel.MetaReplyToBot] = a.sentTo(userID, quotedID)
	}
	return msg
}

// Send records the reply under the message it answers.
func (a *WebAdapter) Send(_ context.Context, msg channel.OutboundMessage) (channel.SendResult, error) {
	target := strings.TrimSpace(msg.Target)
	if target == "" {
		return channel.SendResult{}, fmt.Errorf("web target is required")
	}
	if msg.Message.Reply == nil || strings.TrimSpace(msg.Message.Reply.MessageID) == "" {
		return channel.SendResult{}, fmt.Errorf("web reply requires the inbound message id")
	}
	key := strings.TrimSpace(msg.Message.Reply.MessageID)
	reply := Reply{ID: uuid.NewString(), Message: msg.Message}

	a.mu.Lock()
	a.pending[key] = append(a.pending[key], reply)
	a.remember(target, reply.ID)
	a.mu.Unlock()

	a.logger.Debug("reply captured", slog.String("target", target), slog.String("reply_to", key))
	return channel.SendResult{MessageID: reply.ID}, nil
}

// Take removes and returns the replies sent for an inbound message.
func (a *WebAdapter) Take(inboundID string) []Reply {
	a.mu.Lock()
	defer a.mu.Unlock()
	replies := a.pending[inboundID]
	delete(a.pending, inboundID)
	return replies
}

// remember keeps the most recent sent ids. Callers hold mu.
func (a *WebAdapter) remember(owner, id string) {
	a.sent[id] = owner
	a.order = append(a.order, sentEntry{owner: owner, id: id})
	for len(a.order) > a.limit {
		delete(a.sent, a.order[0].id)
		a.order = a.order[1:]
	}
}

func (a *WebAdapter) sentTo(owner, id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sent[id] == owner
}
