package feishu

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/memohai/qianfanbot/internal/channel"
)

type textContent struct {
	Text string `json:"text"`
}

type postElement struct {
	Tag  string `json:"tag"`
	Text string `json:"text"`
}

type postContent struct {
	Content [][]postElement `json:"content"`
}

// extractFeishuInbound maps a receive event onto an inbound message. Only text
// and post bodies carry a prompt; other message types arrive with empty text
// and are dropped by the caller.
func extractFeishuInbound(event *larkim.P2MessageReceiveV1, botOpenID string) channel.InboundMessage {
	in := channel.InboundMessage{Channel: Type, ReceivedAt: time.Now().UTC()}
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return in
	}
	m := event.Event.Message

	in.Message.ID = deref(m.MessageId)
	in.Message.Text = messageText(deref(m.MessageType), deref(m.Content), m.Mentions)
	if parent := deref(m.ParentId); parent != "" {
		in.Message.Reply = &channel.ReplyRef{MessageID: parent}
	}
	if ms, err := strconv.ParseInt(deref(m.CreateTime), 10, 64); err == nil && ms > 0 {
		in.ReceivedAt = time.UnixMilli(ms).UTC()
	}

	var userID, openID string
	if s := event.Event.Sender; s != nil && s.SenderId != nil {
		userID, openID = deref(s.SenderId.UserId), deref(s.SenderId.OpenId)
	}
	in.Sender = channel.Identity{SubjectID: firstNonEmpty(openID, userID), Attributes: map[string]string{}}
	if userID != "" {
		in.Sender.Attributes["user_id"] = userID
	}
	if openID != "" {
		in.Sender.Attributes["open_id"] = openID
	}

	in.Conversation = channel.Conversation{ID: deref(m.ChatId), Type: deref(m.ChatType)}
	in.ReplyTarget = in.Sender.SubjectID
	if !in.IsPrivate() && in.Conversation.ID != "" {
		in.ReplyTarget = "chat_id:" + in.Conversation.ID
	}
	in.Metadata = map[string]any{
		channel.MetaIsMentioned: mentionsBot(m.Mentions, botOpenID),
	}
	return in
}

func messageText(msgType, raw string, mentions []*larkim.MentionEvent) string {
	switch msgType {
	case larkim.MsgTypeText:
		var c textContent
		if json.Unmarshal([]byte(raw), &c) != nil {
			return ""
		}
		for _, mention := range mentions {
			if mention == nil {
				continue
			}
			if key := deref(mention.Key); key != "" {
				c.Text = strings.ReplaceAll(c.Text, key, "")
			}
		}
		return strings.TrimSpace(c.Text)
	case larkim.MsgTypePost:
		var c postContent
		if json.Unmarshal([]byte(raw), &c) != nil {
			return ""
		}
		return postText(c)
	}
	return ""
}

// postText joins the text runs of a post. Mentions and media are skipped so
// "@bot /chat ..." still parses as a command.
func postText(c postContent) string {
	var parts []string
	for _, line := range c.Content {
		for _, el := range line {
			if el.Tag != "text" && el.Tag != "a" {
				continue
			}
			if text := strings.TrimSpace(el.Text); text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.Join(parts, " ")
}

// mentionsBot reports whether the mention list names the bot. An unknown bot
// id counts any mention.
func mentionsBot(mentions []*larkim.MentionEvent, botOpenID string) bool {
	if botOpenID == "" {
		return len(mentions) > 0
	}
	for _, mention := range mentions {
		if mention != nil && mention.Id != nil && deref(mention.Id.OpenId) == botOpenID {
			return true
		}
	}
	return false
}

var receiveIDTypes = []struct {
	prefix string
	kind   string
}{
	{"open_id:", larkim.ReceiveIdTypeOpenId},
	{"user_id:", larkim.ReceiveIdTypeUserId},
	{"chat_id:", larkim.ReceiveIdTypeChatId},
}

// resolveFeishuReceiveID splits a reply target into the receive id and its
// type. A bare id is an open_id.
func resolveFeishuReceiveID(target string) (string, string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", "", fmt.Errorf("feishu target is required")
	}
	for _, t := range receiveIDTypes {
		if id, ok := strings.CutPrefix(target, t.prefix); ok {
			return id, t.kind, nil
		}
	}
	return target, larkim.ReceiveIdTypeOpenId, nil
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(*p)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
