package bot

import (
	"strings"
	"time"

	"github.com/memohai/qianfanbot/internal/channel"
)

// Session carries everything the dispatcher knows about one inbound message.
type Session struct {
	Channel         channel.ChannelType
	Target          string
	MessageID       string
	QuotedMessageID string
	ReplyToBot      bool
	BotName         string
	Private         bool
	UID             int64
	ExternalUserID  string
	DisplayName     string
	ReceivedAt      time.Time
}

// NewSession extracts the session fields from an inbound message. UID is
// filled later once the user record exists.
func NewSession(msg channel.InboundMessage) Session {
	return Session{
		Channel:         msg.Channel,
		Target:          strings.TrimSpace(msg.ReplyTarget),
		MessageID:       strings.TrimSpace(msg.Message.ID),
		QuotedMessageID: msg.QuotedMessageID(),
		ReplyToBot:      msg.MetaBool(channel.MetaReplyToBot),
		BotName:         msg.MetaString(channel.MetaBotName),
		Private:         msg.IsPrivate(),
		ExternalUserID:  strings.TrimSpace(msg.Sender.SubjectID),
		DisplayName:     strings.TrimSpace(msg.Sender.DisplayName),
		ReceivedAt:      msg.ReceivedAt,
	}
}

// HistoryID namespaces a platform message id so ids from different
// platforms never collide in the turn table.
func (s Session) HistoryID(messageID string) string {
	return HistoryID(s.Channel, messageID)
}

// HistoryID returns the stored form of a platform message id.
func HistoryID(ct channel.ChannelType, messageID string) string {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return ""
	}
	return ct.String() + ":" + messageID
}
