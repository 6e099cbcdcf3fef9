// Package telegram connects the bot to Telegram through long polling.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/memohai/qianfanbot/internal/channel"
)

// Type is the registered channel type for Telegram.
const Type channel.ChannelType = "telegram"

const telegramMaxMessageLength = 4096

// TelegramAdapter implements channel.Adapter, channel.Sender and channel.Receiver.
type TelegramAdapter struct {
	logger *slog.Logger
	token  string

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

// NewTelegramAdapter creates a TelegramAdapter for one bot token.
func NewTelegramAdapter(log *slog.Logger, token string) *TelegramAdapter {
	if log == nil {
		log = slog.Default()
	}
	adapter := &TelegramAdapter{
		logger: log.With(slog.String("adapter", "telegram")),
		token:  strings.TrimSpace(token),
	}
	_ = tgbotapi.SetLogger(&slogBotLogger{log: adapter.logger})
	return adapter
}

func (a *TelegramAdapter) getBot() (*tgbotapi.BotAPI, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bot != nil {
		return a.bot, nil
	}
	if a.token == "" {
		return nil, errors.New("telegram bot token is required")
	}
	bot, err := tgbotapi.NewBotAPI(a.token)
	if err != nil {
		a.logger.Error("create bot failed", slog.Any("error", err))
		return nil, err
	}
	a.bot = bot
	return bot, nil
}

func (a *TelegramAdapter) Type() channel.ChannelType {
	return Type
}

func (a *TelegramAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "Telegram",
		Capabilities: channel.Capabilities{
			Text:        true,
			Reply:       true,
			Attachments: true,
			Private:     true,
		},
		MaxTextRunes: telegramMaxMessageLength,
	}
}

// Connect starts long-polling for Telegram updates and forwards messages to the handler.
func (a *TelegramAdapter) Connect(ctx context.Context, handler channel.InboundHandler) (channel.Connection, error) {
	bot, err := a.getBot()
	if err != nil {
		return nil, err
	}
	a.logger.Info("start", slog.String("username", bot.Self.UserName))
	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 30
	updates := bot.GetUpdatesChan(updateConfig)
	connCtx, cancel := context.WithCancel(ctx)

	go func() {
		for {
			select {
			case <-connCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					a.logger.Info("updates channel closed")
					return
				}
				msg, ok := toInboundMessage(update.Message, bot.Self)
				if !ok {
					continue
				}
				if err := handler(connCtx, msg); err != nil {
					a.logger.Error("handle inbound failed", slog.String("message_id", msg.Message.ID), slog.Any("error", err))
				}
			}
		}
	}()

	stop := func(_ context.Context) error {
		a.logger.Info("stop")
		bot.StopReceivingUpdates()
		cancel()
		// Drain so the polling goroutine inside the library can exit.
		for {
			select {
			case _, ok := <-updates:
				if !ok {
					return nil
				}
			default:
				return nil
			}
		}
	}
	return channel.NewConnection(Type, stop), nil
}

// toInboundMessage converts a Telegram message. Message ids are namespaced by
// chat because Telegram numbers messages per chat.
func toInboundMessage(msg *tgbotapi.Message, self tgbotapi.User) (channel.InboundMessage, bool) {
	if msg == nil || msg.Chat == nil {
		return channel.InboundMessage{}, false
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}
	if text == "" {
		return channel.InboundMessage{}, false
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	subjectID, displayName, attrs := resolveTelegramSender(msg)
	conversationType := channel.ConversationGroup
	if msg.Chat.IsPrivate() {
		conversationType = channel.ConversationPrivate
	}
	conversationName := strings.TrimSpace(msg.Chat.Title)
	if conversationName == "" {
		conversationName = displayName
	}
	receivedAt := time.Now().UTC()
	if msg.Date > 0 {
		receivedAt = time.Unix(int64(msg.Date), 0).UTC()
	}
	return channel.InboundMessage{
		Channel: Type,
		Message: channel.Message{
			ID:    formatMessageID(msg.Chat.ID, msg.MessageID),
			Text:  text,
			Reply: buildTelegramReplyRef(msg, chatID),
		},
		ReplyTarget: chatID,
		Sender: channel.Identity{
			SubjectID:   subjectID,
			DisplayName: displayName,
			Attributes:  attrs,
		},
		Conversation: channel.Conversation{
			ID:   chatID,
			Type: conversationType,
			Name: conversationName,
		},
		ReceivedAt: receivedAt,
		Metadata: map[string]any{
			channel.MetaReplyToBot:  isReplyToBot(msg, self.ID),
			channel.MetaIsMentioned: isTelegramBotMentioned(msg, self.UserName),
			channel.MetaBotName:     self.UserName,
		},
	}, true
}

func formatMessageID(chatID int64, messageID int) string {
	return strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(messageID)
}

// parseMessageID accepts both the namespaced "chat:message" form and a bare
// message number.
func parseMessageID(raw string) int {
	raw = strings.TrimSpace(raw)
	if idx := strings.LastIndex(raw, ":"); idx >= 0 {
		raw = raw[idx+1:]
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return value
}

func buildTelegramReplyRef(msg *tgbotapi.Message, chatID string) *channel.ReplyRef {
	if msg == nil || msg.ReplyToMessage == nil {
		return nil
	}
	target := strings.TrimSpace(chatID)
	ref := &channel.ReplyRef{Target: target, MessageID: strconv.Itoa(msg.ReplyToMessage.MessageID)}
	if msg.Chat != nil {
		ref.MessageID = formatMessageID(msg.Chat.ID, msg.ReplyToMessage.MessageID)
	}
	return ref
}

func isReplyToBot(msg *tgbotapi.Message, botID int64) bool {
	if msg == nil || msg.ReplyToMessage == nil || msg.ReplyToMessage.From == nil {
		return false
	}
	return botID != 0 && msg.ReplyToMessage.From.ID == botID
}

func resolveTelegramSender(msg *tgbotapi.Message) (string, string, map[string]string) {
	attrs := map[string]string{}
	if msg == nil {
		return "", "", attrs
	}
	if msg.Chat != nil {
		attrs["chat_id"] = strconv.FormatInt(msg.Chat.ID, 10)
	}
	if msg.From != nil {
		userID := strconv.FormatInt(msg.From.ID, 10)
		attrs["user_id"] = userID
		username := strings.TrimSpace(msg.From.UserName)
		if username != "" {
			attrs["username"] = username
		}
		displayName := username
		if displayName == "" {
			displayName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		}
		return userID, displayName, attrs
	}
	if msg.SenderChat != nil {
		senderChatID := strconv.FormatInt(msg.SenderChat.ID, 10)
		attrs["sender_chat_id"] = senderChatID
		displayName := strings.TrimSpace(msg.SenderChat.Title)
		if displayName == "" {
			displayName = strings.TrimSpace(msg.SenderChat.UserName)
		}
		return senderChatID, displayName, attrs
	}
	return "", "", attrs
}

func isTelegramBotMentioned(msg *tgbotapi.Message, botUsername string) bool {
	if msg == nil {
		return false
	}
	normalizedBot := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(botUsername), "@"))
	if normalizedBot != "" {
		text := msg.Text
		if text == "" {
			text = msg.Caption
		}
		if strings.Contains(strings.ToLower(text), "@"+normalizedBot) {
			return true
		}
	}
	for _, entity := range append(append([]tgbotapi.MessageEntity{}, msg.Entities...), msg.CaptionEntities...) {
		if entity.Type == "text_mention" && entity.User != nil && entity.User.IsBot {
			return true
		}
	}
	return false
}

// Send delivers text or an image. The returned id uses the same namespaced
// form as inbound messages so replies to it can be matched later.
func (a *TelegramAdapter) Send(ctx context.Context, msg channel.OutboundMessage) (channel.SendResult, error) {
	if err := ctx.Err(); err != nil {
		return channel.SendResult{}, err
	}
	bot, err := a.getBot()
	if err != nil {
		return channel.SendResult{}, err
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(msg.Target), 10, 64)
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("telegram target must be a chat_id: %w", err)
	}
	replyTo := 0
	if msg.Message.Reply != nil {
		replyTo = parseMessageID(msg.Message.Reply.MessageID)
	}
	cfg := buildSendable(chatID, msg.Message, replyTo)
	sent, err := bot.Send(cfg)
	if err != nil {
		return channel.SendResult{}, err
	}
	return channel.SendResult{MessageID: formatMessageID(chatID, sent.MessageID)}, nil
}

func buildSendable(chatID int64, msg channel.Message, replyTo int) tgbotapi.Chattable {
	text := truncateTelegramText(sanitizeTelegramText(msg.PlainText()))
	for _, att := range msg.Attachments {
		if att.Type != channel.AttachmentImage || len(att.Data) == 0 {
			continue
		}
		name := att.Name
		if name == "" {
			name = "image.png"
		}
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: name, Bytes: att.Data})
		photo.Caption = truncateCaption(text)
		photo.ReplyToMessageID = replyTo
		return photo
	}
	message := tgbotapi.NewMessage(chatID, text)
	message.ReplyToMessageID = replyTo
	return message
}

const telegramMaxCaptionLength = 1024

func truncateCaption(text string) string {
	if utf8.RuneCountInString(text) <= telegramMaxCaptionLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:telegramMaxCaptionLength-3]) + "..."
}

func sanitizeTelegramText(text string) string {
	if utf8.ValidString(text) {
		return text
	}
	return strings.ToValidUTF8(text, "")
}

// truncateTelegramText truncates text to telegramMaxMessageLength on a valid
// UTF-8 rune boundary, appending "..." when truncation occurs.
func truncateTelegramText(text string) string {
	if len(text) <= telegramMaxMessageLength {
		return text
	}
	const suffix = "..."
	limit := telegramMaxMessageLength - len(suffix)
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return text[:limit] + suffix
}

type slogBotLogger struct {
	log *slog.Logger
}

func (l *slogBotLogger) Println(v ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (l *slogBotLogger) Printf(format string, v ...any) {
	l.log.Debug(fmt.Sprintf(format, v...))
}
