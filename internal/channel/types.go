// Package channel provides a unified abstraction for the messaging platforms
// the bot listens on. Adapters deliver inbound messages together with the id of
// the message they quote and send replies that quote the user's message.
package channel

import (
	"strings"
	"time"
)

// ChannelType identifies a messaging platform (e.g., "telegram", "discord").
type ChannelType string

func (c ChannelType) String() string {
	return string(c)
}

// Conversation types.
const (
	ConversationPrivate = "private"
	ConversationGroup   = "group"
)

// Identity represents a sender's identity on a channel.
type Identity struct {
	SubjectID   string
	DisplayName string
	Attributes  map[string]string
}

// Attribute returns the trimmed value for the given key, or empty string if absent.
func (i Identity) Attribute(key string) string {
	if i.Attributes == nil {
		return ""
	}
	return strings.TrimSpace(i.Attributes[key])
}

// Conversation holds metadata about the chat or group context.
type Conversation struct {
	ID   string
	Type string
	Name string
}

// Metadata keys set by adapters.
const (
	MetaReplyToBot  = "is_reply_to_bot"
	MetaIsMentioned = "is_mentioned"

	// MetaBotName is the bot's own handle on platforms that suffix commands
	// with "@name".
	MetaBotName = "bot_name"
)

// InboundMessage is a message received from an external channel.
type InboundMessage struct {
	Channel      ChannelType
	Message      Message
	ReplyTarget  string
	Sender       Identity
	Conversation Conversation
	ReceivedAt   time.Time
	Metadata     map[string]any
}

// IsPrivate reports whether the message came from a direct conversation.
func (m InboundMessage) IsPrivate() bool {
	switch strings.ToLower(strings.TrimSpace(m.Conversation.Type)) {
	case ConversationPrivate, "p2p", "dm":
		return true
	}
	return false
}

// MetaBool reads a boolean metadata flag.
func (m InboundMessage) MetaBool(key string) bool {
	if m.Metadata == nil {
		return false
	}
	v, _ := m.Metadata[key].(bool)
	return v
}

// MetaString reads a string metadata value.
func (m InboundMessage) MetaString(key string) string {
	if m.Metadata == nil {
		return ""
	}
	v, _ := m.Metadata[key].(string)
	return strings.TrimSpace(v)
}

// QuotedMessageID returns the id of the message this one replies to, if any.
func (m InboundMessage) QuotedMessageID() string {
	if m.Message.Reply == nil {
		return ""
	}
	return strings.TrimSpace(m.Message.Reply.MessageID)
}

// ReplyRef points at the message being quoted.
type ReplyRef struct {
	Target    string `json:"target,omitempty"`
	MessageID string `json:"message_id"`
}

// AttachmentType classifies attachments.
type AttachmentType string

const (
	AttachmentImage AttachmentType = "image"
)

// Attachment carries inline media. Data holds the raw bytes.
type Attachment struct {
	Type AttachmentType `json:"type"`
	Name string         `json:"name,omitempty"`
	Mime string         `json:"mime,omitempty"`
	Data []byte         `json:"-"`
}

// Message is the platform-neutral message body.
type Message struct {
	ID          string       `json:"id,omitempty"`
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Reply       *ReplyRef    `json:"reply,omitempty"`
}

// PlainText returns the trimmed text.
func (m Message) PlainText() string {
	return strings.TrimSpace(m.Text)
}

// IsEmpty reports whether there is nothing to send.
func (m Message) IsEmpty() bool {
	return m.PlainText() == "" && len(m.Attachments) == 0
}

// OutboundMessage pairs a delivery target with the message content.
type OutboundMessage struct {
	Target  string  `json:"target"`
	Message Message `json:"message"`
}

// SendResult identifies the delivered platform message.
type SendResult struct {
	MessageID string `json:"message_id"`
}
