// Package openai provides a model provider backed by the OpenAI Chat
// Completions API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/mendhq/mend/fault"
	"github.com/mendhq/mend/provider"
)

const defaultAPIURL = "https://api.openai.com/v1/chat/completions"

// Provider is an OpenAI Chat Completions provider.
type Provider struct {
	apiKey string
	apiURL string
	client *http.Client
}

// Option configures the provider.
type Option func(*Provider)

// WithBaseURL overrides the API endpoint. Tests point this at a local server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.apiURL = url }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// New creates an OpenAI provider with the given API key.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey: apiKey,
		apiURL: defaultAPIURL,
		client: &http.Client{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "openai" }

// --- OpenAI API request/response types ---

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature"`
	Messages    []openAIMessage `json:"messages"`
}

type openAIChoice struct {
	Index        int           `json:"index"`
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
	Error   *openAIError   `json:"error,omitempty"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// Complete sends a non-streaming request and returns the full response.
func (p *Provider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	oreq := &openAIRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	for _, m := range req.Messages {
		oreq.Messages = append(oreq.Messages, openAIMessage{Role: string(m.Role), Content: m.Content})
	}

	body, err := json.Marshal(oreq)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fault.Classify(fmt.Errorf("openai: http: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: read response: %w", err)
	}

	if err := classifyStatus(httpResp.StatusCode, respBody); err != nil {
		return nil, err
	}

	var or openAIResponse
	if err := json.Unmarshal(respBody, &or); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}
	if or.Error != nil {
		return nil, fault.Newf(fault.ModelInvalidResponse, "openai API error: %s: %s", or.Error.Type, or.Error.Message)
	}
	if len(or.Choices) == 0 {
		return nil, fault.New(fault.ModelInvalidResponse, "openai: response has no choices")
	}

	return &provider.Response{
		Content: or.Choices[0].Message.Content,
		Usage: provider.Usage{
			PromptTokens:     or.Usage.PromptTokens,
			CompletionTokens: or.Usage.CompletionTokens,
		},
	}, nil
}

func classifyStatus(status int, body []byte) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusTooManyRequests:
		return fault.Newf(fault.ModelRateLimit, "openai: rate limited (429): %s", truncate(body))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fault.Newf(fault.ProviderAuthFailed, "openai: authentication failed (%d)", status)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fault.Newf(fault.ModelTimeout, "openai: upstream timeout (%d)", status)
	case status >= 500:
		return fault.Newf(fault.NetworkConnection, "openai: server error (%d): %s", status, truncate(body))
	default:
		return fault.Newf(fault.ModelInvalidResponse, "openai: unexpected status %d: %s", status, truncate(body))
	}
}

func truncate(b []byte) string {
	const max = 300
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
