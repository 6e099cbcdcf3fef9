// Package conversation rebuilds reply-threaded chat context from stored turns.
package conversation

import (
	"errors"

	"github.com/memohai/qianfanbot/internal/history"
)

var (
	// ErrNotFound means the quoted message is not a tracked turn owned by the user.
	ErrNotFound = errors.New("conversation: quoted message is not part of a conversation you started")
	// ErrUnsupported means the quote cannot be resolved at all: no user record
	// or no quoted message id from the platform.
	ErrUnsupported = errors.New("conversation: multi-turn conversation is not supported here")
)

// Message is one role-tagged entry of model context.
type Message struct {
	Role    history.Role `json:"role"`
	Content string       `json:"content"`
}

// Thread is the resumable state of a conversation.
type Thread struct {
	StartMessageID string         `json:"start_message_id"`
	Command        string         `json:"command"`
	System         string         `json:"system,omitempty"`
	Model          string         `json:"model,omitempty"`
	Turns          []history.Turn `json:"turns"`
	// Repaired is set when stored turns did not alternate after the
	// leading/trailing trim and had to be normalized.
	Repaired bool `json:"repaired,omitempty"`
}

// Messages returns the turns as model context.
func (t Thread) Messages() []Message {
	out := make([]Message, 0, len(t.Turns))
	for _, turn := range t.Turns {
		out = append(out, Message{Role: turn.Role, Content: turn.Content})
	}
	return out
}

// WithPrompt returns the context followed by prompt as the final user message.
func (t Thread) WithPrompt(prompt string) []Message {
	return append(t.Messages(), Message{Role: history.RoleUser, Content: prompt})
}
