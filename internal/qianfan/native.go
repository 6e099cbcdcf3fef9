package qianfan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/singleflight"
)

const (
	tokenPath      = "/oauth/2.0/token"
	chatPathPrefix = "/rpc/2.0/ai_custom/v1/wenxinworkshop/chat/"
	imagePath      = "/rpc/2.0/ai_custom/v1/wenxinworkshop/text2image/sd_xl"

	// tokenSafetyMargin is subtracted from expires_in so a token is never
	// used right at its expiry.
	tokenSafetyMargin = 5 * time.Minute
)

// NativeConfig configures NativeClient.
type NativeConfig struct {
	BaseURL   string
	APIKey    string
	SecretKey string
	Timeout   time.Duration
}

// NativeClient calls the wenxinworkshop v1 API authenticated by an OAuth
// client-credentials access token.
type NativeClient struct {
	http      *resty.Client
	apiKey    string
	secretKey string
	tokens    TokenCache
	group     singleflight.Group
	logger    *slog.Logger
}

func NewNativeClient(log *slog.Logger, cfg NativeConfig, tokens TokenCache) *NativeClient {
	if log == nil {
		log = slog.Default()
	}
	if tokens == nil {
		tokens = NewMemoryTokenCache()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &NativeClient{
		http: resty.New().
			SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
			SetHeader("Content-Type", "application/json").
			SetTimeout(cfg.Timeout),
		apiKey:    cfg.APIKey,
		secretKey: cfg.SecretKey,
		tokens:    tokens,
		logger:    log.With(slog.String("service", "qianfan")),
	}
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

type apiErrorBody struct {
	ErrorCode int    `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`
}

type chatBody struct {
	Messages     []Message `json:"messages"`
	System       string    `json:"system,omitempty"`
	Temperature  *float64  `json:"temperature,omitempty"`
	TopP         *float64  `json:"top_p,omitempty"`
	PenaltyScore *float64  `json:"penalty_score,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	apiErrorBody
	ID               string `json:"id"`
	Result           string `json:"result"`
	IsTruncated      bool   `json:"is_truncated"`
	NeedClearHistory bool   `json:"need_clear_history"`
	Usage            usage  `json:"usage"`
}

type imageBody struct {
	Prompt string `json:"prompt"`
	UserID string `json:"user_id,omitempty"`
}

type imageResponse struct {
	apiErrorBody
	Data []struct {
		B64Image string `json:"b64_image"`
	} `json:"data"`
}

// accessToken returns a cached token or fetches one. Concurrent misses share
// a single request.
func (c *NativeClient) accessToken(ctx context.Context) (string, error) {
	if token, ok, err := c.tokens.Get(ctx); err != nil {
		c.logger.Warn("token cache read failed", slog.Any("error", err))
	} else if ok {
		return token, nil
	}
	v, err, _ := c.group.Do("token", func() (any, error) {
		return c.fetchToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *NativeClient) fetchToken(ctx context.Context) (string, error) {
	if c.apiKey == "" || c.secretKey == "" {
		return "", errors.New("qianfan: api key and secret key are required")
	}
	var out tokenResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"grant_type":    "client_credentials",
			"client_id":     c.apiKey,
			"client_secret": c.secretKey,
		}).
		SetResult(&out).
		SetError(&out).
		Post(tokenPath)
	if err != nil {
		return "", fmt.Errorf("request access token: %w", err)
	}
	if resp.IsError() || out.AccessToken == "" {
		msg := strings.TrimSpace(out.Error + " " + out.ErrorDescription)
		if msg == "" {
			msg = resp.String()
		}
		return "", &APIError{Status: resp.StatusCode(), Message: msg}
	}
	ttl := time.Duration(out.ExpiresIn)*time.Second - tokenSafetyMargin
	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := c.tokens.Set(ctx, out.AccessToken, ttl); err != nil {
		c.logger.Warn("token cache write failed", slog.Any("error", err))
	}
	c.logger.Info("access token refreshed", slog.Duration("ttl", ttl))
	return out.AccessToken, nil
}

// checkAPIError converts transport and body errors. A stale token is
// dropped from the cache so the next call fetches a new one.
func (c *NativeClient) checkAPIError(ctx context.Context, resp *resty.Response, body apiErrorBody) error {
	if body.ErrorCode != 0 {
		apiErr := &APIError{Status: resp.StatusCode(), Code: body.ErrorCode, Message: body.ErrorMsg}
		if apiErr.TokenInvalid() {
			if err := c.tokens.Invalidate(ctx); err != nil {
				c.logger.Warn("token cache invalidate failed", slog.Any("error", err))
			}
		}
		return apiErr
	}
	if resp.IsError() {
		return &APIError{Status: resp.StatusCode(), Message: resp.String()}
	}
	return nil
}

func (c *NativeClient) Chat(ctx context.Context, req ChatRequest) (ChatResult, error) {
	endpoint, ok := ChatEndpoint(req.Model)
	if !ok {
		return ChatResult{}, fmt.Errorf("qianfan: unsupported chat model %q", req.Model)
	}
	if req.Temperature != nil && req.TopP != nil {
		return ChatResult{}, errors.New("qianfan: temperature and top_p are mutually exclusive")
	}
	token, err := c.accessToken(ctx)
	if err != nil {
		return ChatResult{}, err
	}
	body := chatBody{
		Messages:     req.Messages,
		Temperature:  req.Temperature,
		TopP:         req.TopP,
		PenaltyScore: req.PenaltyScore,
		UserID:       req.UserID,
	}
	if SupportsSystem(req.Model) {
		body.System = req.System
	}

	var out chatResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("access_token", token).
		SetBody(body).
		SetResult(&out).
		SetError(&out).
		Post(chatPathPrefix + endpoint)
	if err != nil {
		return ChatResult{}, fmt.Errorf("chat request: %w", err)
	}
	if err := c.checkAPIError(ctx, resp, out.apiErrorBody); err != nil {
		return ChatResult{}, err
	}
	c.logger.Debug("chat completed",
		slog.String("model", req.Model),
		slog.String("id", out.ID),
		slog.Int("total_tokens", out.Usage.TotalTokens),
		slog.Bool("need_clear_history", out.NeedClearHistory),
	)
	return ChatResult{
		Result:           out.Result,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
		TotalTokens:      out.Usage.TotalTokens,
		NeedClearHistory: out.NeedClearHistory,
	}, nil
}

func (c *NativeClient) Text2Image(ctx context.Context, req ImageRequest) (ImageResult, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return ImageResult{}, err
	}
	var out imageResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("access_token", token).
		SetBody(imageBody{Prompt: req.Prompt, UserID: req.UserID}).
		SetResult(&out).
		SetError(&out).
		Post(imagePath)
	if err != nil {
		return ImageResult{}, fmt.Errorf("text2image request: %w", err)
	}
	if err := c.checkAPIError(ctx, resp, out.apiErrorBody); err != nil {
		return ImageResult{}, err
	}
	if len(out.Data) == 0 || out.Data[0].B64Image == "" {
		return ImageResult{}, ErrEmptyImage
	}
	return ImageResult{Base64: out.Data[0].B64Image}, nil
}

var _ Client = (*NativeClient)(nil)
