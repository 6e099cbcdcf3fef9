// Package bot turns inbound channel messages into model calls and threaded replies.
package bot

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/memohai/qianfanbot/internal/channel"
	"github.com/memohai/qianfanbot/internal/conversation"
	"github.com/memohai/qianfanbot/internal/history"
	"github.com/memohai/qianfanbot/internal/qianfan"
)

// Replier delivers outbound messages. *channel.Manager implements it.
type Replier interface {
	Send(ctx context.Context, channelType channel.ChannelType, msg channel.OutboundMessage) (channel.SendResult, error)
	Descriptor(channelType channel.ChannelType) (channel.Descriptor, bool)
}

// Recorder receives dispatcher events for metrics.
type Recorder interface {
	CommandHandled(command, outcome string)
	TurnPersisted(role history.Role)
}

type nopRecorder struct{}

func (nopRecorder) CommandHandled(string, string) {}
func (nopRecorder) TurnPersisted(history.Role) {}

// Deps are the collaborators of a Dispatcher.
type Deps struct {
	Client  qianfan.Client
	Store   history.Store
	Users   history.UserStore
	Replier Replier
	Metrics Recorder
}

// Dispatcher handles one inbound message end to end. It implements
// channel.InboundProcessor.
type Dispatcher struct {
	opts     Options
	client   qianfan.Client
	store    history.Store
	users    history.UserStore
	resolver *conversation.Resolver
	replier  Replier
	metrics  Recorder
	logger   *slog.Logger
	now      func() time.Time
}

func NewDispatcher(log *slog.Logger, opts Options, deps Deps) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopRecorder{}
	}
	return &Dispatcher{
		opts:     opts,
		client:   deps.Client,
		store:    deps.Store,
		users:    deps.Users,
		resolver: conversation.NewResolver(log, deps.Store),
		replier:  deps.Replier,
		metrics:  deps.Metrics,
		logger:   log.With(slog.String("service", "bot")),
		now:      time.Now,
	}
}

// Resolver exposes the thread resolver used by the dispatcher.
func (d *Dispatcher) Resolver() *conversation.Resolver {
	return d.resolver
}

// HandleInbound parses the message and runs the matching command. User-facing
// failures are answered on the channel and swallowed; only delivery errors are
// returned.
func (d *Dispatcher) HandleInbound(ctx context.Context, msg channel.InboundMessage) error {
	if d.client == nil || d.replier == nil {
		return errors.New("bot dispatcher not configured")
	}
	text := msg.Message.PlainText()
	if text == "" {
		return nil
	}
	sess := NewSession(msg)
	cmd, ok := ParseCommand(text, sess.BotName)
	if !ok {
		// A plain reply to the bot continues the thread.
		if !d.opts.OpenHistory || !sess.ReplyToBot || sess.QuotedMessageID == "" {
			return nil
		}
		cmd = Command{Name: CommandChat, Prompt: text}
	}
	d.logger.Debug("inbound command",
		slog.String("channel", sess.Channel.String()),
		slog.String("message_id", sess.MessageID),
		slog.String("command", cmd.Name),
		slog.Bool("quoted", sess.QuotedMessageID != ""),
	)

	if sess.Private && !d.opts.OpenPrivate {
		return d.reject(ctx, sess, cmd.Name, ReplyPrivateDisabled)
	}
	if cmd.Prompt == "" {
		return d.reject(ctx, sess, cmd.Name, ReplyEmptyPrompt)
	}
	if d.users != nil && sess.ExternalUserID != "" {
		user, err := d.users.EnsureUser(ctx, sess.Channel.String(), sess.ExternalUserID, sess.DisplayName)
		if err != nil {
			d.logger.Warn("ensure user failed", slog.String("channel", sess.Channel.String()), slog.Any("error", err))
		} else {
			sess.UID = user.ID
		}
	}

	switch cmd.Name {
	case CommandImagine:
		return d.imagine(ctx, sess, cmd.Prompt)
	default:
		return d.chat(ctx, sess, cmd.Prompt)
	}
}

func (d *Dispatcher) chat(ctx context.Context, sess Session, prompt string) error {
	thread, outcome, notice := d.resolveThread(ctx, sess)
	if notice != "" {
		return d.reject(ctx, sess, CommandChat, notice, outcome)
	}
	model := d.opts.ChatModel
	if thread.Model != "" {
		model = thread.Model
	}
	system := d.opts.System
	if thread.StartMessageID != "" {
		system = thread.System
	}

	req := qianfan.ChatRequest{
		Model:        model,
		Messages:     toModelMessages(thread.WithPrompt(prompt)),
		System:       system,
		Temperature:  d.opts.Temperature,
		TopP:         d.opts.TopP,
		PenaltyScore: d.opts.PenaltyScore,
		UserID:       sess.ExternalUserID,
	}
	res, err := d.client.Chat(ctx, req)
	if err != nil {
		d.logger.Error("chat request failed",
			slog.String("channel", sess.Channel.String()),
			slog.String("model", model),
			slog.Any("error", err),
		)
		return d.reject(ctx, sess, CommandChat, ReplyRemoteError, OutcomeError)
	}
	if res.NeedClearHistory {
		d.logger.Info("chat flagged sensitive", slog.String("channel", sess.Channel.String()), slog.Int64("uid", sess.UID))
		return d.reject(ctx, sess, CommandChat, ReplySensitive, OutcomeSensitive)
	}

	answer := res.Result
	if d.opts.OpenModelDisplay {
		answer += modelFooter(model)
	}
	sent, err := d.reply(ctx, sess, channel.Message{Text: answer})
	if err != nil {
		d.metrics.CommandHandled(CommandChat, OutcomeError)
		return err
	}
	d.metrics.CommandHandled(CommandChat, OutcomeOK)

	if d.opts.OpenHistory {
		d.persist(ctx, sess, thread, model, system, prompt, res, sent.MessageID)
	}
	return nil
}

// resolveThread returns the thread being continued, or a notice to send instead.
// A quote the dispatcher cannot use starts a fresh thread unless the user
// explicitly replied to the bot.
func (d *Dispatcher) resolveThread(ctx context.Context, sess Session) (conversation.Thread, string, string) {
	if sess.QuotedMessageID == "" {
		return conversation.Thread{}, "", ""
	}
	if !d.opts.OpenHistory {
		if sess.ReplyToBot {
			return conversation.Thread{}, OutcomeRejected, ReplyHistoryDisabled
		}
		return conversation.Thread{}, "", ""
	}
	if !d.canReply(sess.Channel) || sess.UID == 0 {
		if sess.ReplyToBot {
			return conversation.Thread{}, OutcomeRejected, ReplyUnsupported
		}
		return conversation.Thread{}, "", ""
	}
	thread, err := d.resolver.Resolve(ctx, sess.UID, sess.HistoryID(sess.QuotedMessageID), d.opts.HistoryRound)
	switch {
	case err == nil:
		return thread, "", ""
	case errors.Is(err, conversation.ErrNotFound):
		if sess.ReplyToBot {
			return conversation.Thread{}, OutcomeNotFound, ReplyNotFound
		}
		return conversation.Thread{}, "", ""
	case errors.Is(err, conversation.ErrUnsupported):
		return conversation.Thread{}, OutcomeRejected, ReplyUnsupported
	default:
		d.logger.Error("resolve thread failed", slog.Int64("uid", sess.UID), slog.Any("error", err))
		return conversation.Thread{}, OutcomeError, ReplyRemoteError
	}
}

// persist appends the user and assistant turns. The two writes are
// independent; a duplicate id means the message was already handled.
func (d *Dispatcher) persist(ctx context.Context, sess Session, thread conversation.Thread, model, system, prompt string, res qianfan.ChatResult, sentID string) {
	userID := sess.HistoryID(sess.MessageID)
	assistantID := sess.HistoryID(sentID)
	if d.store == nil || sess.UID == 0 || userID == "" || assistantID == "" {
		return
	}
	startID := thread.StartMessageID
	command := thread.Command
	if startID == "" {
		startID = userID
		command = CommandChat
	}
	userAt := d.now().UTC()
	if n := len(thread.Turns); n > 0 {
		if last := thread.Turns[n-1].CreatedAt; !userAt.After(last) {
			userAt = last.Add(time.Millisecond)
		}
	}
	turns := []history.Turn{
		{
			UID:              sess.UID,
			StartMessageID:   startID,
			CurrentMessageID: userID,
			Model:            model,
			Command:          command,
			Role:             history.RoleUser,
			Content:          prompt,
			System:           system,
			UsageTokens:      res.PromptTokens,
			CreatedAt:        userAt,
		},
		{
			UID:              sess.UID,
			StartMessageID:   startID,
			CurrentMessageID: assistantID,
			Model:            model,
			Command:          command,
			Role:             history.RoleAssistant,
			Content:          res.Result,
			System:           system,
			UsageTokens:      res.CompletionTokens,
			CreatedAt:        userAt.Add(history.AssistantOffset),
		},
	}
	for _, turn := range turns {
		if _, err := d.store.Create(ctx, turn); err != nil {
			if errors.Is(err, history.ErrDuplicateMessage) {
				d.logger.Info("turn already stored", slog.String("current_message_id", turn.CurrentMessageID))
				continue
			}
			d.logger.Error("persist turn failed",
				slog.String("role", turn.Role.String()),
				slog.String("current_message_id", turn.CurrentMessageID),
				slog.Any("error", err),
			)
			continue
		}
		d.metrics.TurnPersisted(turn.Role)
	}
}

func (d *Dispatcher) imagine(ctx context.Context, sess Session, prompt string) error {
	if !d.opts.OpenImagine {
		return d.reject(ctx, sess, CommandImagine, ReplyImagineDisabled)
	}
	if desc, ok := d.replier.Descriptor(sess.Channel); ok && !desc.Capabilities.Attachments {
		return d.reject(ctx, sess, CommandImagine, ReplyNoAttachments)
	}
	res, err := d.client.Text2Image(ctx, qianfan.ImageRequest{Prompt: prompt, UserID: sess.ExternalUserID})
	if err != nil {
		d.logger.Error("text2image request failed", slog.String("channel", sess.Channel.String()), slog.Any("error", err))
		return d.reject(ctx, sess, CommandImagine, ReplyRemoteError, OutcomeError)
	}
	data, err := base64.StdEncoding.DecodeString(res.Base64)
	if err != nil {
		d.logger.Error("decode image failed", slog.Any("error", err))
		return d.reject(ctx, sess, CommandImagine, ReplyRemoteError, OutcomeError)
	}
	_, err = d.reply(ctx, sess, channel.Message{
		Attachments: []channel.Attachment{{
			Type: channel.AttachmentImage,
			Name: "imagine.png",
			Mime: "image/png",
			Data: data,
		}},
	})
	if err != nil {
		d.metrics.CommandHandled(CommandImagine, OutcomeError)
		return err
	}
	d.metrics.CommandHandled(CommandImagine, OutcomeOK)
	return nil
}

// reject answers with a fixed notice. The optional outcome defaults to rejected.
func (d *Dispatcher) reject(ctx context.Context, sess Session, command, notice string, outcome ...string) error {
	result := OutcomeRejected
	if len(outcome) > 0 && outcome[0] != "" {
		result = outcome[0]
	}
	d.metrics.CommandHandled(command, result)
	_, err := d.reply(ctx, sess, channel.Message{Text: notice})
	return err
}

func (d *Dispatcher) reply(ctx context.Context, sess Session, msg channel.Message) (channel.SendResult, error) {
	if sess.MessageID != "" && d.canReply(sess.Channel) {
		msg.Reply = &channel.ReplyRef{Target: sess.Target, MessageID: sess.MessageID}
	}
	res, err := d.replier.Send(ctx, sess.Channel, channel.OutboundMessage{Target: sess.Target, Message: msg})
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("send reply: %w", err)
	}
	return res, nil
}

func (d *Dispatcher) canReply(ct channel.ChannelType) bool {
	desc, ok := d.replier.Descriptor(ct)
	return ok && desc.Capabilities.Reply
}

func toModelMessages(msgs []conversation.Message) []qianfan.Message {
	out := make([]qianfan.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, qianfan.Message{Role: m.Role.String(), Content: strings.TrimSpace(m.Content)})
	}
	return out
}
