// Package feishu connects the bot to Feishu (Lark) over the long-connection event stream.
package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"

	"github.com/memohai/qianfanbot/internal/channel"
)

// Type is the registered channel type for Feishu.
const Type channel.ChannelType = "feishu"

const senderTypeApp = "app"

type messageAPI interface {
	Create(ctx context.Context, req *larkim.CreateMessageReq, options ...larkcore.RequestOptionFunc) (*larkim.CreateMessageResp, error)
	Reply(ctx context.Context, req *larkim.ReplyMessageReq, options ...larkcore.RequestOptionFunc) (*larkim.ReplyMessageResp, error)
	Get(ctx context.Context, req *larkim.GetMessageReq, options ...larkcore.RequestOptionFunc) (*larkim.GetMessageResp, error)
}

type imageAPI interface {
	Create(ctx context.Context, req *larkim.CreateImageReq, options ...larkcore.RequestOptionFunc) (*larkim.CreateImageResp, error)
}

// FeishuAdapter implements channel.Adapter, channel.Sender and channel.Receiver for Feishu.
type FeishuAdapter struct {
	logger *slog.Logger
	cfg    Config

	mu       sync.Mutex
	client   *lark.Client
	messages messageAPI
	images   imageAPI
}

// NewFeishuAdapter creates a FeishuAdapter for one app.
func NewFeishuAdapter(log *slog.Logger, cfg Config) *FeishuAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &FeishuAdapter{
		logger: log.With(slog.String("adapter", "feishu")),
		cfg:    cfg,
	}
}

func (a *FeishuAdapter) Type() channel.ChannelType {
	return Type
}

func (a *FeishuAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "Feishu",
		Capabilities: channel.Capabilities{
			Text:        true,
			Reply:       true,
			Attachments: true,
			Private:     true,
		},
	}
}

func (a *FeishuAdapter) apis() (messageAPI, imageAPI, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.messages != nil && a.images != nil {
		return a.messages, a.images, nil
	}
	if err := a.cfg.validate(); err != nil {
		return nil, nil, err
	}
	if a.client == nil {
		a.client = lark.NewClient(a.cfg.AppID, a.cfg.AppSecret, lark.WithOpenBaseUrl(a.cfg.openBaseURL()))
	}
	a.messages = a.client.Im.V1.Message
	a.images = a.client.Im.V1.Image
	return a.messages, a.images, nil
}

// discoverBotOpenID asks the bot info endpoint for the bot's own open_id.
func (a *FeishuAdapter) discoverBotOpenID(ctx context.Context) (string, error) {
	if _, _, err := a.apis(); err != nil {
		return "", err
	}
	resp, err := a.client.Get(ctx, "/open-apis/bot/v3/info", nil, larkcore.AccessTokenTypeTenant)
	if err != nil {
		return "", fmt.Errorf("feishu discover self: %w", err)
	}
	var body struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Bot  struct {
			OpenID string `json:"open_id"`
		} `json:"bot"`
	}
	if err := json.Unmarshal(resp.RawBody, &body); err != nil {
		return "", fmt.Errorf("feishu discover self: parse response: %w", err)
	}
	if body.Code != 0 {
		return "", fmt.Errorf("feishu discover self: %s (code: %d)", body.Msg, body.Code)
	}
	return strings.TrimSpace(body.Bot.OpenID), nil
}

// Connect opens the event stream and reconnects until ctx is cancelled or the connection is stopped.
func (a *FeishuAdapter) Connect(ctx context.Context, handler channel.InboundHandler) (channel.Connection, error) {
	if err := a.cfg.validate(); err != nil {
		return nil, err
	}
	botOpenID, err := a.discoverBotOpenID(ctx)
	if err != nil {
		a.logger.Warn("discover self failed; any mention counts as bot mention", slog.Any("error", err))
	}
	a.logger.Info("start", slog.String("bot_open_id", botOpenID))
	connCtx, cancel := context.WithCancel(ctx)

	newClient := func() *larkws.Client {
		eventDispatcher := dispatcher.NewEventDispatcher(a.cfg.VerificationToken, a.cfg.EncryptKey)
		eventDispatcher.OnP2MessageReceiveV1(func(_ context.Context, event *larkim.P2MessageReceiveV1) error {
			if connCtx.Err() != nil {
				return nil
			}
			msg := extractFeishuInbound(event, botOpenID)
			if msg.Message.PlainText() == "" {
				return nil
			}
			if parent := msg.QuotedMessageID(); parent != "" {
				msg.Metadata[channel.MetaReplyToBot] = a.isBotMessage(connCtx, parent)
			}
			if err := handler(connCtx, msg); err != nil {
				a.logger.Error("handle inbound failed", slog.String("message_id", msg.Message.ID), slog.Any("error", err))
			}
			return nil
		})
		eventDispatcher.OnP2MessageReadV1(func(_ context.Context, _ *larkim.P2MessageReadV1) error {
			return nil
		})
		return larkws.NewClient(
			a.cfg.AppID,
			a.cfg.AppSecret,
			larkws.WithEventHandler(eventDispatcher),
			larkws.WithDomain(a.cfg.openBaseURL()),
			larkws.WithLogger(newLarkSlogLogger(a.logger)),
			larkws.WithLogLevel(larkcore.LogLevelInfo),
		)
	}

	go func() {
		const reconnectDelay = 3 * time.Second
		for {
			if connCtx.Err() != nil {
				return
			}
			err := newClient().Start(connCtx)
			if connCtx.Err() != nil {
				return
			}
			if err != nil {
				a.logger.Error("client start failed", slog.Any("error", err))
			} else {
				a.logger.Warn("client exited without error; reconnecting")
			}
			timer := time.NewTimer(reconnectDelay)
			select {
			case <-connCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()

	stop := func(context.Context) error {
		a.logger.Info("stop")
		cancel()
		return nil
	}
	return channel.NewConnection(Type, stop), nil
}

// isBotMessage reports whether messageID was sent by this app.
func (a *FeishuAdapter) isBotMessage(ctx context.Context, messageID string) bool {
	messages, _, err := a.apis()
	if err != nil {
		return false
	}
	resp, err := messages.Get(ctx, larkim.NewGetMessageReqBuilder().MessageId(messageID).Build())
	if err != nil || resp == nil || !resp.Success() || resp.Data == nil || len(resp.Data.Items) == 0 {
		a.logger.Debug("lookup parent message failed", slog.String("message_id", messageID), slog.Any("error", err))
		return false
	}
	sender := resp.Data.Items[0].Sender
	if sender == nil || sender.SenderType == nil || *sender.SenderType != senderTypeApp {
		return false
	}
	return sender.Id == nil || *sender.Id == a.cfg.AppID
}

// Send delivers text or an uploaded image, as a reply when a quoted message is given.
func (a *FeishuAdapter) Send(ctx context.Context, msg channel.OutboundMessage) (channel.SendResult, error) {
	messages, images, err := a.apis()
	if err != nil {
		return channel.SendResult{}, err
	}
	receiveID, receiveType, err := resolveFeishuReceiveID(msg.Target)
	if err != nil {
		return channel.SendResult{}, err
	}

	msgType, content, err := a.buildContent(ctx, images, msg.Message)
	if err != nil {
		return channel.SendResult{}, err
	}

	if msg.Message.Reply != nil && msg.Message.Reply.MessageID != "" {
		req := larkim.NewReplyMessageReqBuilder().
			MessageId(msg.Message.Reply.MessageID).
			Body(larkim.NewReplyMessageReqBodyBuilder().
				Content(content).
				MsgType(msgType).
				Uuid(uuid.NewString()).
				Build()).
			Build()
		resp, err := messages.Reply(ctx, req)
		if err != nil {
			return channel.SendResult{}, err
		}
		if resp == nil || !resp.Success() {
			return channel.SendResult{}, responseError("reply", resp)
		}
		if resp.Data == nil {
			return channel.SendResult{}, nil
		}
		return channel.SendResult{MessageID: deref(resp.Data.MessageId)}, nil
	}

	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(receiveType).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(receiveID).
			MsgType(msgType).
			Content(content).
			Uuid(uuid.NewString()).
			Build()).
		Build()
	resp, err := messages.Create(ctx, req)
	if err != nil {
		return channel.SendResult{}, err
	}
	if resp == nil || !resp.Success() {
		return channel.SendResult{}, responseError("send", resp)
	}
	if resp.Data == nil {
		return channel.SendResult{}, nil
	}
	return channel.SendResult{MessageID: deref(resp.Data.MessageId)}, nil
}

// buildContent returns the message type and JSON content. An image attachment
// wins over text since Feishu image messages carry no caption.
func (a *FeishuAdapter) buildContent(ctx context.Context, images imageAPI, msg channel.Message) (string, string, error) {
	for _, att := range msg.Attachments {
		if att.Type != channel.AttachmentImage || len(att.Data) == 0 {
			continue
		}
		req := larkim.NewCreateImageReqBuilder().
			Body(larkim.NewCreateImageReqBodyBuilder().
				ImageType(larkim.ImageTypeMessage).
				Image(bytes.NewReader(att.Data)).
				Build()).
			Build()
		resp, err := images.Create(ctx, req)
		if err != nil {
			return "", "", fmt.Errorf("failed to upload image: %w", err)
		}
		if resp == nil || !resp.Success() || resp.Data == nil || resp.Data.ImageKey == nil {
			return "", "", responseError("upload image", resp)
		}
		payload, err := json.Marshal(map[string]string{"image_key": *resp.Data.ImageKey})
		if err != nil {
			return "", "", err
		}
		return larkim.MsgTypeImage, string(payload), nil
	}
	text := msg.PlainText()
	if text == "" {
		return "", "", errors.New("message is required")
	}
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal text content: %w", err)
	}
	return larkim.MsgTypeText, string(payload), nil
}

type codeResponse interface {
	Success() bool
}

func responseError(op string, resp codeResponse) error {
	switch r := resp.(type) {
	case *larkim.CreateMessageResp:
		if r != nil {
			return fmt.Errorf("feishu %s failed: %s (code: %d)", op, r.Msg, r.Code)
		}
	case *larkim.ReplyMessageResp:
		if r != nil {
			return fmt.Errorf("feishu %s failed: %s (code: %d)", op, r.Msg, r.Code)
		}
	case *larkim.CreateImageResp:
		if r != nil {
			return fmt.Errorf("feishu %s failed: %s (code: %d)", op, r.Msg, r.Code)
		}
	}
	return fmt.Errorf("feishu %s failed: empty response", op)
}

type larkSlogLogger struct {
	log *slog.Logger
}

func newLarkSlogLogger(log *slog.Logger) larkcore.Logger {
	return &larkSlogLogger{log: log}
}

func (l *larkSlogLogger) Debug(_ context.Context, args ...interface{}) {
	l.log.Debug(fmt.Sprint(args...))
}

func (l *larkSlogLogger) Info(_ context.Context, args ...interface{}) {
	l.log.Info(fmt.Sprint(args...))
}

func (l *larkSlogLogger) Warn(_ context.Context, args ...interface{}) {
	l.log.Warn(fmt.Sprint(args...))
}

func (l *larkSlogLogger) Error(_ context.Context, args ...interface{}) {
	l.log.Error(fmt.Sprint(args...))
}
