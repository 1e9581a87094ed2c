// Package provider defines the model provider abstraction: a completion
// request, the tokens it consumed, and the Provider interface implemented
// by each backend.
package provider

import "context"

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn in a completion request.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is a provider-agnostic completion request. The model name decides
// which backend handles it; temperature and max tokens come from the prompt
// definition, never from the caller.
type Request struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	Messages    []Message `json:"messages"`
}

// Usage reports tokens consumed by one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response is a completed model call.
type Response struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// Provider is a model backend capable of non-streaming completions.
type Provider interface {
	// Name returns the provider identifier (e.g. "openai").
	Name() string
	// Complete sends the request and blocks until the full response arrives.
	Complete(ctx context.Context, req *Request) (*Response, error)
}
