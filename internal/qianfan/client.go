// Package qianfan talks to Baidu Qianfan chat and text-to-image endpoints.
package qianfan

import (
	"context"
	"errors"
	"fmt"
)

// Message is one role/content pair sent to the model. Roles alternate user,
// assistant, ... and the list ends with a user message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a single chat completion call.
type ChatRequest struct {
	Model        string
	Messages     []Message
	System       string
	Temperature  *float64
	TopP         *float64
	PenaltyScore *float64
	UserID       string
}

// ChatResult is the model answer and its accounting.
type ChatResult struct {
	Result           string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	// NeedClearHistory is set when the service flagged the conversation as
	// sensitive; the answer must not be stored.
	NeedClearHistory bool
}

type ImageRequest struct {
	Prompt string
	UserID string
}

type ImageResult struct {
	// Base64 is the PNG image without a data URL prefix.
	Base64 string
}

// Client is the remote model surface used by the bot.
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResult, error)
	Text2Image(ctx context.Context, req ImageRequest) (ImageResult, error)
}

// ErrEmptyImage is returned when the image endpoint answered without data.
var ErrEmptyImage = errors.New("qianfan: empty image response")

// APIError is an error_code/error_msg answer, or a non-2xx HTTP status.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("qianfan api error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("qianfan http %d: %s", e.Status, e.Message)
}

// Token errors returned by the service when the access token is stale.
const (
	codeTokenInvalid = 110
	codeTokenExpired = 111
)

// TokenInvalid reports whether the error means the cached access token must be dropped.
func (e *APIError) TokenInvalid() bool {
	return e.Code == codeTokenInvalid || e.Code == codeTokenExpired
}

// systemModels accept the system field.
var systemModels = map[string]struct{}{
	"ERNIE-Bot":       {},
	"ERNIE-Bot-4":     {},
	"ERNIE-Bot-turbo": {},
}

// SupportsSystem reports whether model honors a system prompt.
func SupportsSystem(model string) bool {
	_, ok := systemModels[model]
	return ok
}

// chatEndpoints maps model names to wenxinworkshop chat paths.
var chatEndpoints = map[string]string{
	"ERNIE-Bot-4":                  "completions_pro",
	"ERNIE-Bot":                    "completions",
	"ERNIE-Bot-turbo":              "eb-instant",
	"BLOOMZ-7B":                    "bloomz_7b1",
	"Qianfan-BLOOMZ-7B-compressed": "qianfan_bloomz_7b_compressed",
	"Llama-2-7b-chat":              "llama_2_7b",
	"Llama-2-13b-chat":             "llama_2_13b",
	"Llama-2-70b-chat":             "llama_2_70b",
	"Qianfan-Chinese-Llama-2-7B":   "qianfan_chinese_llama_2_7b",
	"ChatGLM2-6B-32K":              "chatglm2_6b_32k",
	"AquilaChat-7B":                "aquilachat_7b",
}

// ChatEndpoint returns the endpoint segment for model.
func ChatEndpoint(model string) (string, bool) {
	ep, ok := chatEndpoints[model]
	return ep, ok
}
