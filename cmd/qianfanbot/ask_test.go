package main

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/qianfanbot/internal/bot"
	"github.com/memohai/qianfanbot/internal/channel"
	"github.com/memohai/qianfanbot/internal/channel/adapters/web"
	"github.com/memohai/qianfanbot/internal/history"
	"github.com/memohai/qianfanbot/internal/qianfan"
)

type scriptedClient struct {
	chats []qianfan.ChatRequest
}

func (c *scriptedClient) Chat(_ context.Context, req qianfan.ChatRequest) (qianfan.ChatResult, error) {
	c.chats = append(c.chats, req)
	return qianfan.ChatResult{Result: fmt.Sprintf("reply %d", len(c.chats))}, nil
}

func (c *scriptedClient) Text2Image(context.Context, qianfan.ImageRequest) (qianfan.ImageResult, error) {
	return qianfan.ImageResult{}, qianfan.ErrEmptyImage
}

func newTestAskSession(client qianfan.Client) (*askSession, *bytes.Buffer) {
	store := history.NewMemoryStore()
	adapter := web.NewWebAdapter(nil)
	registry := channel.NewRegistry()
	registry.MustRegister(adapter)
	out := &bytes.Buffer{}
	dispatcher := bot.NewDispatcher(nil, bot.Options{ChatModel: "ERNIE-Bot", OpenHistory: true, HistoryRound: 10}, bot.Deps{
		Client:  client,
		Store:   store,
		Users:   store,
		Replier: channel.NewManager(nil, registry, nil),
	})
	return &askSession{dispatcher: dispatcher, adapter: adapter, store: store, out: out}, out
}

func TestAskSessionContinuesThread(t *testing.T) {
	t.Parallel()
	client := &scriptedClient{}
	session, out := newTestAskSession(client)
	ctx := context.Background()

	require.NoError(t, session.send(ctx, "hello"))
	require.NoError(t, session.send(ctx, "and then?"))
	require.NoError(t, session.send(ctx, "/chat new topic"))

	require.Len(t, client.chats, 3)
	assert.Len(t, client.chats[0].Messages, 1)
	assert.Len(t, client.chats[1].Messages, 3)
	assert.Equal(t, "reply 1", client.chats[1].Messages[1].Content)
	assert.Len(t, client.chats[2].Messages, 1)
	assert.Equal(t, "reply 1\nreply 2\nreply 3\n", out.String())
}

func TestAskSessionKeepsThreadAfterFailedCommand(t *testing.T) {
	t.Parallel()
	client := &scriptedClient{}
	session, _ := newTestAskSession(client)
	ctx := context.Background()

	require.NoError(t, session.send(ctx, "hello"))
	first := session.lastReply
	require.NotEmpty(t, first)

	require.NoError(t, session.send(ctx, "/imagine a cat"))
	assert.Equal(t, first, session.lastReply)

	require.NoError(t, session.send(ctx, "  "))
	require.NoError(t, session.send(ctx, "still here"))
	require.Len(t, client.chats, 2)
	assert.Len(t, client.chats[1].Messages, 3)
}
