package discord

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/memohai/qianfanbot/internal/channel"
)

type fakeSession struct {
	channelID string
	data      *discordgo.MessageSend
	err       error
}

func (s *fakeSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	s.channelID = channelID
	s.data = data
	if s.err != nil {
		return nil, s.err
	}
	return &discordgo.Message{ID: "sent-1", ChannelID: channelID}, nil
}

func TestToInboundMessage(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	m := &discordgo.Message{
		ID:        "m2",
		ChannelID: "c1",
		GuildID:   "g1",
		Content:   " tell me more ",
		Timestamp: ts,
		Author:    &discordgo.User{ID: "u1", Username: "ann"},
		MessageReference: &discordgo.MessageReference{
			ChannelID: "c1",
			MessageID: "m1",
		},
		ReferencedMessage: &discordgo.Message{ID: "m1", Author: &discordgo.User{ID: "bot", Bot: true}},
	}
	in, ok := toInboundMessage(m, "bot")
	if !ok {
		t.Fatal("expected conversion")
	}
	if in.Message.ID != "m2" || in.Message.Text != "tell me more" || in.QuotedMessageID() != "m1" {
		t.Fatalf("unexpected message: %+v", in.Message)
	}
	if !in.MetaBool(channel.MetaReplyToBot) || in.IsPrivate() || in.ReplyTarget != "c1" {
		t.Fatalf("unexpected routing: %+v", in)
	}
	if !in.ReceivedAt.Equal(ts) || in.Sender.SubjectID != "u1" {
		t.Fatalf("unexpected sender or time: %+v", in)
	}

	dm := &discordgo.Message{ID: "m3", ChannelID: "dm", Content: "hi", Author: &discordgo.User{ID: "u1"}}
	in, ok = toInboundMessage(dm, "bot")
	if !ok || !in.IsPrivate() || in.MetaBool(channel.MetaReplyToBot) || in.QuotedMessageID() != "" {
		t.Fatalf("unexpected dm conversion: %+v", in)
	}

	if _, ok := toInboundMessage(&discordgo.Message{Content: "x", Author: &discordgo.User{Bot: true}}, "bot"); ok {
		t.Fatal("bot authors should be ignored")
	}
	if _, ok := toInboundMessage(&discordgo.Message{Content: "  ", Author: &discordgo.User{ID: "u"}}, "bot"); ok {
		t.Fatal("empty content should be ignored")
	}
}

func TestIsBotMentioned(t *testing.T) {
	t.Parallel()

	if !isBotMentioned(&discordgo.Message{Mentions: []*discordgo.User{{ID: "bot"}}}, "bot") {
		t.Fatal("expected mention via mentions list")
	}
	if !isBotMentioned(&discordgo.Message{Content: "<@!bot> /chat hi"}, "bot") {
		t.Fatal("expected mention via nick syntax")
	}
	if isBotMentioned(&discordgo.Message{Content: "hello"}, "bot") || isBotMentioned(nil, "bot") {
		t.Fatal("unexpected mention")
	}
}

func TestSendDiscordMessage(t *testing.T) {
	t.Parallel()

	s := &fakeSession{}
	res, err := sendDiscordMessage(s, channel.OutboundMessage{
		Target: "c1",
		Message: channel.Message{
			Text:        "here you go",
			Reply:       &channel.ReplyRef{MessageID: "m1"},
			Attachments: []channel.Attachment{{Type: channel.AttachmentImage, Data: []byte("png")}},
		},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.MessageID != "sent-1" || s.channelID != "c1" {
		t.Fatalf("unexpected result %+v", res)
	}
	if s.data.Reference == nil || s.data.Reference.MessageID != "m1" {
		t.Fatalf("expected reply reference: %+v", s.data)
	}
	if len(s.data.Files) != 1 || s.data.Files[0].Name != "image.png" {
		t.Fatalf("expected one image file: %+v", s.data.Files)
	}
	body, _ := io.ReadAll(s.data.Files[0].Reader)
	if string(body) != "png" {
		t.Fatalf("unexpected file body %q", body)
	}

	if _, err := sendDiscordMessage(s, channel.OutboundMessage{Target: " "}); err == nil {
		t.Fatal("expected error for empty target")
	}
	failing := &fakeSession{err: errors.New("rate limited")}
	if _, err := sendDiscordMessage(failing, channel.OutboundMessage{Target: "c", Message: channel.Message{Text: "x"}}); err == nil {
		t.Fatal("expected send error")
	}
}

func TestTruncateDiscordText(t *testing.T) {
	t.Parallel()

	if got := truncateDiscordText("short"); got != "short" {
		t.Fatalf("unexpected %q", got)
	}
	got := truncateDiscordText(strings.Repeat("好", discordMaxMessageLength+5))
	if utf8.RuneCountInString(got) != discordMaxMessageLength || !strings.HasSuffix(got, "...") {
		t.Fatalf("unexpected truncation length %d", utf8.RuneCountInString(got))
	}
}

func TestIsDuplicateInbound(t *testing.T) {
	t.Parallel()

	a := NewDiscordAdapter(nil, "token")
	if a.isDuplicateInbound("m1") {
		t.Fatal("first sighting is not a duplicate")
	}
	if !a.isDuplicateInbound("m1") {
		t.Fatal("second sighting should be a duplicate")
	}
	if a.isDuplicateInbound("") {
		t.Fatal("empty id is never a duplicate")
	}
}
