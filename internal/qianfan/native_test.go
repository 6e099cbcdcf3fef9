package qianfan

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQianfan struct {
	tokenCalls atomic.Int32
	chatCalls  atomic.Int32
	mu         sync.Mutex
	lastPath   string
	lastToken  string
	lastBody   map[string]any
	chatReply  func(w http.ResponseWriter)
}

func (f *fakeQianfan) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.URL.Path == tokenPath {
		f.tokenCalls.Add(1)
		if r.URL.Query().Get("client_id") != "ak" || r.URL.Query().Get("client_secret") != "sk" {
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "invalid_client", "error_description": "unknown client id"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-1", "expires_in": 2592000})
		return
	}
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	f.lastPath = r.URL.Path
	f.lastToken = r.URL.Query().Get("access_token")
	f.lastBody = body
	f.mu.Unlock()
	if r.URL.Path == imagePath {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{{"b64_image": "aW1n"}}})
		return
	}
	f.chatCalls.Add(1)
	if f.chatReply != nil {
		f.chatReply(w)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":     "as-1",
		"result": "你好",
		"usage":  map[string]any{"prompt_tokens": 3, "completion_tokens": 5, "total_tokens": 8},
	})
}

func (f *fakeQianfan) last() (string, string, map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastPath, f.lastToken, f.lastBody
}

func newTestClient(t *testing.T, f *fakeQianfan, tokens TokenCache) *NativeClient {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return NewNativeClient(nil, NativeConfig{BaseURL: srv.URL, APIKey: "ak", SecretKey: "sk", Timeout: 5 * time.Second}, tokens)
}

func TestNativeChatSendsSystemOnlyForErnie(t *testing.T) {
	t.Parallel()
	f := &fakeQianfan{}
	c := newTestClient(t, f, nil)
	temp := 0.8

	res, err := c.Chat(context.Background(), ChatRequest{
		Model:       "ERNIE-Bot-4",
		Messages:    []Message{{Role: "user", Content: "hi"}},
		System:      "be kind",
		Temperature: &temp,
		UserID:      "42",
	})
	require.NoError(t, err)
	assert.Equal(t, "你好", res.Result)
	assert.Equal(t, 3, res.PromptTokens)
	assert.Equal(t, 5, res.CompletionTokens)
	path, token, body := f.last()
	assert.Equal(t, chatPathPrefix+"completions_pro", path)
	assert.Equal(t, "tok-1", token)
	assert.Equal(t, "be kind", body["system"])
	assert.Equal(t, "42", body["user_id"])
	assert.Equal(t, 0.8, body["temperature"])
	_, hasTopP := body["top_p"]
	assert.False(t, hasTopP)

	_, err = c.Chat(context.Background(), ChatRequest{
		Model:    "Llama-2-7b-chat",
		Messages: []Message{{Role: "user", Content: "hi"}},
		System:   "ignored",
	})
	require.NoError(t, err)
	path, _, body = f.last()
	assert.Equal(t, chatPathPrefix+"llama_2_7b", path)
	_, hasSystem := body["system"]
	assert.False(t, hasSystem, "system must not be sent to non-ERNIE models")
	assert.Equal(t, int32(1), f.tokenCalls.Load(), "token should be cached")
}

func TestNativeChatNeedClearHistory(t *testing.T) {
	t.Parallel()
	f := &fakeQianfan{chatReply: func(w http.ResponseWriter) {
		_ = json.NewEncoder(w).Encode(map[string]any{"result": "", "need_clear_history": true})
	}}
	c := newTestClient(t, f, nil)
	res, err := c.Chat(context.Background(), ChatRequest{Model: "ERNIE-Bot", Messages: []Message{{Role: "user", Content: "x"}}})
	require.NoError(t, err)
	assert.True(t, res.NeedClearHistory)
}

func TestNativeChatInvalidTokenIsDroppedWithoutRetry(t *testing.T) {
	t.Parallel()
	f := &fakeQianfan{chatReply: func(w http.ResponseWriter) {
		_ = json.NewEncoder(w).Encode(map[string]any{"error_code": 110, "error_msg": "Access token invalid or no longer valid"})
	}}
	tokens := NewMemoryTokenCache()
	c := newTestClient(t, f, tokens)

	_, err := c.Chat(context.Background(), ChatRequest{Model: "ERNIE-Bot", Messages: []Message{{Role: "user", Content: "x"}}})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, 110, apiErr.Code)
	assert.True(t, apiErr.TokenInvalid())
	assert.Equal(t, int32(1), f.chatCalls.Load(), "no automatic retry")

	_, ok, _ := tokens.Get(context.Background())
	assert.False(t, ok, "stale token should be invalidated")
}

func TestNativeChatRejectsUnknownModelAndConflictingSampling(t *testing.T) {
	t.Parallel()
	f := &fakeQianfan{}
	c := newTestClient(t, f, nil)
	_, err := c.Chat(context.Background(), ChatRequest{Model: "gpt-4"})
	require.Error(t, err)

	a, b := 0.5, 0.5
	_, err = c.Chat(context.Background(), ChatRequest{Model: "ERNIE-Bot", Temperature: &a, TopP: &b})
	require.Error(t, err)
	assert.Equal(t, int32(0), f.chatCalls.Load())
}

func TestNativeTokenError(t *testing.T) {
	t.Parallel()
	f := &fakeQianfan{}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	c := NewNativeClient(nil, NativeConfig{BaseURL: srv.URL, APIKey: "bad", SecretKey: "sk"}, nil)

	_, err := c.Chat(context.Background(), ChatRequest{Model: "ERNIE-Bot", Messages: []Message{{Role: "user", Content: "x"}}})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Contains(t, apiErr.Message, "invalid_client")
}

func TestNativeText2Image(t *testing.T) {
	t.Parallel()
	f := &fakeQianfan{}
	c := newTestClient(t, f, nil)
	res, err := c.Text2Image(context.Background(), ImageRequest{Prompt: "a cat", UserID: "7"})
	require.NoError(t, err)
	assert.Equal(t, "aW1n", res.Base64)
	_, _, body := f.last()
	assert.Equal(t, "a cat", body["prompt"])
	assert.Equal(t, "7", body["user_id"])
}

func TestMemoryTokenCacheExpires(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryTokenCache()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "t", time.Minute))
	got, ok, _ := c.Get(ctx)
	assert.True(t, ok)
	assert.Equal(t, "t", got)

	now = now.Add(2 * time.Minute)
	_, ok, _ = c.Get(ctx)
	assert.False(t, ok)
}

func TestChatEndpointsCoverSystemModels(t *testing.T) {
	t.Parallel()
	for model := range systemModels {
		if _, ok := ChatEndpoint(model); !ok {
			t.Fatalf("missing endpoint for %s", model)
		}
	}
}
