package qianfan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures an OpenAI-compatible endpoint such as the Qianfan
// v2 gateway.
type OpenAIConfig struct {
	BaseURL    string
	APIKey     string
	ImageModel string
}

// OpenAIClient implements Client over the chat/completions and
// images/generations routes.
type OpenAIClient struct {
	client     *openai.Client
	imageModel string
	logger     *slog.Logger
}

func NewOpenAIClient(log *slog.Logger, cfg OpenAIConfig) *OpenAIClient {
	if log == nil {
		log = slog.Default()
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		oc.BaseURL = strings.TrimRight(base, "/")
	}
	imageModel := cfg.ImageModel
	if imageModel == "" {
		imageModel = "sd_xl"
	}
	return &OpenAIClient{
		client:     openai.NewClientWithConfig(oc),
		imageModel: imageModel,
		logger:     log.With(slog.String("service", "qianfan"), slog.String("provider", "openai")),
	}
}

func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (ChatResult, error) {
	if req.Temperature != nil && req.TopP != nil {
		return ChatResult{}, errors.New("qianfan: temperature and top_p are mutually exclusive")
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" && SupportsSystem(req.Model) {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	creq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		User:     req.UserID,
	}
	if req.Temperature != nil {
		creq.Temperature = float32(*req.Temperature)
	}
	if req.TopP != nil {
		creq.TopP = float32(*req.TopP)
	}
	if req.PenaltyScore != nil {
		// penalty_score is 1.0 (off) to 2.0.
		creq.FrequencyPenalty = float32(*req.PenaltyScore - 1)
	}

	resp, err := c.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return ChatResult{}, wrapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return ChatResult{}, errors.New("qianfan: chat response has no choices")
	}
	choice := resp.Choices[0]
	return ChatResult{
		Result:           choice.Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		NeedClearHistory: choice.FinishReason == openai.FinishReasonContentFilter,
	}, nil
}

func (c *OpenAIClient) Text2Image(ctx context.Context, req ImageRequest) (ImageResult, error) {
	resp, err := c.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         req.Prompt,
		Model:          c.imageModel,
		N:              1,
		Size:           openai.CreateImageSize1024x1024,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
		User:           req.UserID,
	})
	if err != nil {
		return ImageResult{}, wrapOpenAIError(err)
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return ImageResult{}, ErrEmptyImage
	}
	return ImageResult{Base64: resp.Data[0].B64JSON}, nil
}

func wrapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &APIError{Status: apiErr.HTTPStatusCode, Message: apiErr.Message}
	}
	return fmt.Errorf("openai request: %w", err)
}

var _ Client = (*OpenAIClient)(nil)
