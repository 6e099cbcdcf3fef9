// Package discord connects the bot to Discord through the gateway.
package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/memohai/qianfanbot/internal/channel"
)

// Type is the registered channel type for Discord.
const Type channel.ChannelType = "discord"

const (
	discordMaxMessageLength = 2000
	inboundDedupTTL         = time.Minute
)

// messageSender is the subset of *discordgo.Session used for delivery.
type messageSender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type DiscordAdapter struct {
	logger *slog.Logger
	token  string

	mu           sync.Mutex
	session      *discordgo.Session
	remove       func()
	seenMessages map[string]time.Time
}

func NewDiscordAdapter(log *slog.Logger, token string) *DiscordAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &DiscordAdapter{
		logger:       log.With(slog.String("adapter", "discord")),
		token:        strings.TrimSpace(token),
		seenMessages: make(map[string]time.Time),
	}
}

func (a *DiscordAdapter) Type() channel.ChannelType {
	return Type
}

func (a *DiscordAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "Discord",
		Capabilities: channel.Capabilities{
			Text:        true,
			Reply:       true,
			Attachments: true,
			Private:     true,
		},
		MaxTextRunes: discordMaxMessageLength,
	}
}

func (a *DiscordAdapter) getSession() (*discordgo.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil {
		return a.session, nil
	}
	if a.token == "" {
		return nil, errors.New("discord bot token is required")
	}
	session, err := discordgo.New("Bot " + a.token)
	if err != nil {
		a.logger.Error("create session failed", slog.Any("error", err))
		return nil, err
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	a.session = session
	return session, nil
}

func (a *DiscordAdapter) Connect(ctx context.Context, handler channel.InboundHandler) (channel.Connection, error) {
	session, err := a.getSession()
	if err != nil {
		return nil, err
	}
	a.logger.Info("start")

	remove := session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if ctx.Err() != nil || m == nil || m.Message == nil {
			return
		}
		botID := ""
		if s.State != nil && s.State.User != nil {
			botID = s.State.User.ID
		}
		msg, ok := toInboundMessage(m.Message, botID)
		if !ok || a.isDuplicateInbound(m.ID) {
			return
		}
		if err := handler(ctx, msg); err != nil {
			a.logger.Error("handle inbound failed", slog.String("message_id", m.ID), slog.Any("error", err))
		}
	})
	if old := a.swapHandlerRemover(remove); old != nil {
		old()
	}

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord open connection: %w", err)
	}

	stop := func(context.Context) error {
		a.logger.Info("stop")
		if remove := a.swapHandlerRemover(nil); remove != nil {
			remove()
		}
		return session.Close()
	}
	return channel.NewConnection(Type, stop), nil
}

func toInboundMessage(m *discordgo.Message, botID string) (channel.InboundMessage, bool) {
	if m == nil || m.Author == nil || m.Author.Bot {
		return channel.InboundMessage{}, false
	}
	text := strings.TrimSpace(m.Content)
	if text == "" {
		return channel.InboundMessage{}, false
	}
	chatType := channel.ConversationPrivate
	if m.GuildID != "" {
		chatType = channel.ConversationGroup
	}
	var reply *channel.ReplyRef
	if m.MessageReference != nil && m.MessageReference.MessageID != "" {
		reply = &channel.ReplyRef{Target: m.MessageReference.ChannelID, MessageID: m.MessageReference.MessageID}
	}
	isReplyToBot := botID != "" &&
		m.ReferencedMessage != nil &&
		m.ReferencedMessage.Author != nil &&
		m.ReferencedMessage.Author.ID == botID
	receivedAt := m.Timestamp.UTC()
	if m.Timestamp.IsZero() {
		receivedAt = time.Now().UTC()
	}
	return channel.InboundMessage{
		Channel: Type,
		Message: channel.Message{
			ID:    m.ID,
			Text:  text,
			Reply: reply,
		},
		ReplyTarget: m.ChannelID,
		Sender: channel.Identity{
			SubjectID:   m.Author.ID,
			DisplayName: m.Author.Username,
			Attributes: map[string]string{
				"user_id":  m.Author.ID,
				"username": m.Author.Username,
			},
		},
		Conversation: channel.Conversation{
			ID:   m.ChannelID,
			Type: chatType,
		},
		ReceivedAt: receivedAt,
		Metadata: map[string]any{
			"guild_id":              m.GuildID,
			channel.MetaIsMentioned: isBotMentioned(m, botID),
			channel.MetaReplyToBot:  isReplyToBot,
		},
	}, true
}

func isBotMentioned(msg *discordgo.Message, botID string) bool {
	if msg == nil || botID == "" {
		return false
	}
	for _, mention := range msg.Mentions {
		if mention != nil && mention.ID == botID {
			return true
		}
	}
	return strings.Contains(msg.Content, "<@"+botID+">") || strings.Contains(msg.Content, "<@!"+botID+">")
}

func (a *DiscordAdapter) Send(ctx context.Context, msg channel.OutboundMessage) (channel.SendResult, error) {
	if err := ctx.Err(); err != nil {
		return channel.SendResult{}, err
	}
	session, err := a.getSession()
	if err != nil {
		return channel.SendResult{}, err
	}
	return sendDiscordMessage(session, msg)
}

func sendDiscordMessage(session messageSender, msg channel.OutboundMessage) (channel.SendResult, error) {
	channelID := strings.TrimSpace(msg.Target)
	if channelID == "" {
		return channel.SendResult{}, errors.New("discord target is required")
	}
	data := &discordgo.MessageSend{Content: truncateDiscordText(msg.Message.PlainText())}
	if msg.Message.Reply != nil && msg.Message.Reply.MessageID != "" {
		data.Reference = &discordgo.MessageReference{
			ChannelID: channelID,
			MessageID: msg.Message.Reply.MessageID,
		}
	}
	for _, att := range msg.Message.Attachments {
		if att.Type != channel.AttachmentImage || len(att.Data) == 0 {
			continue
		}
		name := att.Name
		if name == "" {
			name = "image.png"
		}
		mime := att.Mime
		if mime == "" {
			mime = "image/png"
		}
		data.Files = append(data.Files, &discordgo.File{Name: name, ContentType: mime, Reader: bytes.NewReader(att.Data)})
	}
	sent, err := session.ChannelMessageSendComplex(channelID, data)
	if err != nil {
		return channel.SendResult{}, err
	}
	return channel.SendResult{MessageID: sent.ID}, nil
}

// truncateDiscordText keeps text within the 2000 character limit on a rune boundary.
func truncateDiscordText(text string) string {
	if utf8.RuneCountInString(text) <= discordMaxMessageLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:discordMaxMessageLength-3]) + "..."
}

func (a *DiscordAdapter) isDuplicateInbound(messageID string) bool {
	if strings.TrimSpace(messageID) == "" {
		return false
	}
	now := time.Now().UTC()
	expireBefore := now.Add(-inboundDedupTTL)

	a.mu.Lock()
	defer a.mu.Unlock()
	for key, seenAt := range a.seenMessages {
		if seenAt.Before(expireBefore) {
			delete(a.seenMessages, key)
		}
	}
	if _, ok := a.seenMessages[messageID]; ok {
		return true
	}
	a.seenMessages[messageID] = now
	return false
}

// swapHandlerRemover stores remove and returns the previous remover.
func (a *DiscordAdapter) swapHandlerRemover(remove func()) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	old := a.remove
	a.remove = remove
	return old
}
