package ai

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is an assembled prompt context plus the response-length budget.
type Request struct {
	Messages []Message
	// MaxTokens bounds the reply length. Zero lets the provider decide.
	MaxTokens int
}

type Provider interface {
	Chat(ctx context.Context, req Request) (string, error)
}
