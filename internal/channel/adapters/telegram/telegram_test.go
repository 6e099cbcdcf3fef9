package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/memohai/qianfanbot/internal/channel"
)

func TestResolveTelegramSender(t *testing.T) {
	t.Parallel()

	externalID, displayName, attrs := resolveTelegramSender(nil)
	if externalID != "" || displayName != "" || len(attrs) != 0 {
		t.Fatalf("expected empty sender")
	}
	msg := &tgbotapi.Message{
		From: &tgbotapi.User{ID: 123, UserName: "alice"},
	}
	externalID, displayName, attrs = resolveTelegramSender(msg)
	if externalID != "123" || displayName != "alice" {
		t.Fatalf("unexpected sender: %s %s", externalID, displayName)
	}
	if attrs["user_id"] != "123" || attrs["username"] != "alice" {
		t.Fatalf("unexpected attrs: %#v", attrs)
	}
}

func TestResolveTelegramSender_SenderChat(t *testing.T) {
	t.Parallel()

	msg := &tgbotapi.Message{
		Chat:       &tgbotapi.Chat{ID: -100},
		SenderChat: &tgbotapi.Chat{ID: -200, Title: "News"},
	}
	externalID, displayName, attrs := resolveTelegramSender(msg)
	if externalID != "-200" || displayName != "News" || attrs["chat_id"] != "-100" {
		t.Fatalf("unexpected sender chat: %s %s %#v", externalID, displayName, attrs)
	}
}

func TestIsTelegramBotMentioned(t *testing.T) {
	t.Parallel()

	if isTelegramBotMentioned(nil, "bot") {
		t.Fatal("nil message should not be a mention")
	}
	if !isTelegramBotMentioned(&tgbotapi.Message{Text: "/chat@QianfanBot hi"}, "@qianfanbot") {
		t.Fatal("expected mention via username")
	}
	entity := &tgbotapi.Message{
		Text:     "hey",
		Entities: []tgbotapi.MessageEntity{{Type: "text_mention", User: &tgbotapi.User{IsBot: true}}},
	}
	if !isTelegramBotMentioned(entity, "") {
		t.Fatal("expected mention via entity")
	}
	if isTelegramBotMentioned(&tgbotapi.Message{Text: "hello"}, "qianfanbot") {
		t.Fatal("plain text is not a mention")
	}
}

func TestBuildTelegramReplyRef(t *testing.T) {
	t.Parallel()

	if buildTelegramReplyRef(nil, "123") != nil {
		t.Fatal("nil msg should return nil")
	}
	msg := &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: -100}}
	if buildTelegramReplyRef(msg, "-100") != nil {
		t.Fatal("msg without ReplyToMessage should return nil")
	}
	msg.ReplyToMessage = &tgbotapi.Message{MessageID: 42}
	ref := buildTelegramReplyRef(msg, "  -100  ")
	if ref == nil {
		t.Fatal("expected non-nil ref")
	}
	if ref.MessageID != "-100:42" || ref.Target != "-100" {
		t.Fatalf("unexpected ref: %+v", ref)
	}
}

func TestParseMessageID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want int
	}{
		{"-100:42", 42},
		{"7", 7},
		{" 12:9 ", 9},
		{"", 0},
		{"abc", 0},
	}
	for _, tt := range tests {
		if got := parseMessageID(tt.in); got != tt.want {
			t.Fatalf("parseMessageID(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestToInboundMessage(t *testing.T) {
	t.Parallel()

	self := tgbotapi.User{ID: 999, UserName: "qianfanbot", IsBot: true}
	msg := &tgbotapi.Message{
		MessageID: 10,
		Date:      1700000000,
		Text:      "  what about tomorrow?  ",
		Chat:      &tgbotapi.Chat{ID: 55, Type: "private"},
		From:      &tgbotapi.User{ID: 7, FirstName: "Ann", LastName: "Lee"},
		ReplyToMessage: &tgbotapi.Message{
			MessageID: 9,
			From:      &tgbotapi.User{ID: 999, IsBot: true},
		},
	}
	in, ok := toInboundMessage(msg, self)
	if !ok {
		t.Fatal("expected message to convert")
	}
	if in.Channel != Type || in.Message.ID != "55:10" || in.Message.Text != "what about tomorrow?" {
		t.Fatalf("unexpected message: %+v", in.Message)
	}
	if in.QuotedMessageID() != "55:9" || !in.MetaBool(channel.MetaReplyToBot) {
		t.Fatalf("expected reply to bot: %+v", in)
	}
	if in.MetaString(channel.MetaBotName) != "qianfanbot" {
		t.Fatalf("expected bot name metadata: %+v", in.Metadata)
	}
	if !in.IsPrivate() || in.ReplyTarget != "55" || in.Sender.SubjectID != "7" || in.Sender.DisplayName != "Ann Lee" {
		t.Fatalf("unexpected routing fields: %+v", in)
	}
	if in.ReceivedAt.Unix() != 1700000000 {
		t.Fatalf("unexpected receive time %v", in.ReceivedAt)
	}

	if _, ok := toInboundMessage(&tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 1}}, self); ok {
		t.Fatal("empty text should be skipped")
	}
	group := &tgbotapi.Message{
		MessageID:      3,
		Text:           "/chat hi",
		Chat:           &tgbotapi.Chat{ID: -5, Type: "supergroup", Title: "Team"},
		From:           &tgbotapi.User{ID: 8},
		ReplyToMessage: &tgbotapi.Message{MessageID: 2, From: &tgbotapi.User{ID: 8}},
	}
	in, ok = toInboundMessage(group, self)
	if !ok || in.IsPrivate() || in.MetaBool(channel.MetaReplyToBot) || in.Conversation.Name != "Team" {
		t.Fatalf("unexpected group conversion: %+v", in)
	}
}

func TestBuildSendable(t *testing.T) {
	t.Parallel()

	text, ok := buildSendable(55, channel.Message{Text: "hello"}, 9).(tgbotapi.MessageConfig)
	if !ok {
		t.Fatal("expected a text message")
	}
	if text.Text != "hello" || text.ReplyToMessageID != 9 || text.ChatID != 55 {
		t.Fatalf("unexpected text config: %+v", text)
	}

	photo, ok := buildSendable(55, channel.Message{
		Text:        "a cat",
		Attachments: []channel.Attachment{{Type: channel.AttachmentImage, Data: []byte{1, 2}}},
	}, 9).(tgbotapi.PhotoConfig)
	if !ok {
		t.Fatal("expected a photo")
	}
	if photo.Caption != "a cat" || photo.ReplyToMessageID != 9 {
		t.Fatalf("unexpected photo config: %+v", photo)
	}
	if file, ok := photo.File.(tgbotapi.FileBytes); !ok || file.Name != "image.png" {
		t.Fatalf("unexpected photo file: %#v", photo.File)
	}
}

func TestTelegramDescriptor(t *testing.T) {
	t.Parallel()

	a := NewTelegramAdapter(nil, "")
	desc := a.Descriptor()
	if a.Type() != Type || !desc.Capabilities.Reply || desc.MaxTextRunes != telegramMaxMessageLength {
		t.Fatalf("unexpected descriptor: %+v", desc)
	}
	if _, err := a.getBot(); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestTruncateTelegramText(t *testing.T) {
	t.Parallel()

	short := "hello"
	if got := truncateTelegramText(short); got != short {
		t.Fatalf("short text should not be truncated: %q", got)
	}
	exact := strings.Repeat("a", telegramMaxMessageLength)
	if got := truncateTelegramText(exact); got != exact {
		t.Fatalf("exact-limit text should not be truncated, len=%d", len(got))
	}
	over := strings.Repeat("a", telegramMaxMessageLength+100)
	got := truncateTelegramText(over)
	if len(got) > telegramMaxMessageLength || !strings.HasSuffix(got, "...") {
		t.Fatalf("unexpected ascii truncation, len=%d", len(got))
	}

	multi := strings.Repeat("你", telegramMaxMessageLength)
	got = truncateTelegramText(multi)
	if len(got) > telegramMaxMessageLength || !strings.HasSuffix(got, "...") {
		t.Fatalf("unexpected multi-byte truncation, len=%d", len(got))
	}
	if !utf8.ValidString(strings.TrimSuffix(got, "...")) {
		t.Fatal("truncated text contains invalid UTF-8")
	}
}

func TestSanitizeTelegramText(t *testing.T) {
	t.Parallel()

	if got := sanitizeTelegramText("ok"); got != "ok" {
		t.Fatalf("valid text changed: %q", got)
	}
	if got := sanitizeTelegramText("a\xffb"); got != "ab" {
		t.Fatalf("unexpected sanitized text: %q", got)
	}
}
