package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/memohai/qianfanbot/internal/bot"
	"github.com/memohai/qianfanbot/internal/channel"
	"github.com/memohai/qianfanbot/internal/channel/adapters/web"
	"github.com/memohai/qianfanbot/internal/config"
	"github.com/memohai/qianfanbot/internal/history"
	"github.com/memohai/qianfanbot/internal/logger"
)

const askUser = "cli"

var askCmd = &cobra.Command{
	Use:   "ask [prompt]",
	Short: "Chat with the model from the terminal",
	Long: `Send one prompt and print the answer. Without a prompt, ask reads lines
from stdin and each line continues the conversation. Lines may also be
/chat or /imagine commands; images are written to imagine-N.png.`,
	RunE: runAsk,
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logger.New(os.Stderr, "warn", cfg.Log.Format)
	client, closeClient, err := buildClient(log, cfg)
	if err != nil {
		return err
	}
	defer closeClient()

	store := history.NewMemoryStore()
	adapter := web.NewWebAdapter(log)
	registry := channel.NewRegistry()
	registry.MustRegister(adapter)
	opts := bot.OptionsFromConfig(cfg)
	opts.OpenHistory = true
	if opts.HistoryRound <= 0 {
		opts.HistoryRound = config.DefaultHistoryRound
	}
	dispatcher := bot.NewDispatcher(log, opts, bot.Deps{
		Client:  client,
		Store:   store,
		Users:   store,
		Replier: channel.NewManager(log, registry, nil),
	})
	session := &askSession{
		dispatcher: dispatcher,
		adapter:    adapter,
		store:      store,
		out:        cmd.OutOrStdout(),
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if len(args) > 0 {
		return session.send(ctx, strings.Join(args, " "))
	}
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for scanner.Scan() {
		if err := session.send(ctx, scanner.Text()); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// askSession quotes the last stored answer on every plain line so the
// dispatcher treats the terminal as one reply thread. Explicit commands start
// a new thread.
type askSession struct {
	dispatcher *bot.Dispatcher
	adapter    *web.WebAdapter
	store      *history.MemoryStore
	out        io.Writer
	lastReply  string
	images     int
}

func (s *askSession) send(ctx context.Context, line string) error {
	text := strings.TrimSpace(line)
	if text == "" {
		return nil
	}
	quote := s.lastReply
	if _, ok := bot.ParseCommand(text, ""); ok {
		quote = ""
	} else if quote == "" {
		text = "/" + bot.CommandChat + " " + text
	}

	stored := s.store.Len()
	msg := s.adapter.NewInbound(askUser, "", text, quote)
	if err := s.dispatcher.HandleInbound(ctx, msg); err != nil {
		return err
	}
	for _, r := range s.adapter.Take(msg.Message.ID) {
		if r.Message.Text != "" {
			fmt.Fprintln(s.out, r.Message.Text)
			if s.store.Len() > stored {
				s.lastReply = r.ID
			}
		}
		for _, att := range r.Message.Attachments {
			s.images++
			name := fmt.Sprintf("imagine-%d.png", s.images)
			if err := os.WriteFile(name, att.Data, 0o644); err != nil {
				return fmt.Errorf("write image: %w", err)
			}
			fmt.Fprintf(s.out, "image written to %s\n", name)
		}
	}
	return nil
}
