// Package anthropic provides a model provider backed by the Anthropic
// Messages API.
package anthropic

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

const (
	defaultAPIURL    = "https://api.anthropic.com/v1/messages"
	anthropicVersion = "2023-06-01"
)

// Provider is an Anthropic Messages API provider.
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

// New creates an Anthropic provider with the given API key.
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
func (p *Provider) Name() string { return "anthropic" }

// --- Anthropic API request/response types ---

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	ID      string                  `json:"id"`
	Type    string                  `json:"type"`
	Content []anthropicContentBlock `json:"content"`
	Model   string                  `json:"model"`
	Usage   anthropicUsage          `json:"usage"`
	Error   *anthropicError         `json:"error,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Complete sends a non-streaming request and returns the full response.
// The system message is lifted out of the turn list per the Messages API.
func (p *Provider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	areq := &anthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if areq.MaxTokens <= 0 {
		areq.MaxTokens = 4096
	}
	for _, m := range req.Messages {
		if m.Role == provider.RoleSystem {
			areq.System = m.Content
			continue
		}
		areq.Messages = append(areq.Messages, anthropicMessage{Role: string(m.Role), Content: m.Content})
	}

	body, err := json.Marshal(areq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fault.Classify(fmt.Errorf("anthropic: http: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: read response: %w", err)
	}

	if err := classifyStatus(httpResp.StatusCode, respBody); err != nil {
		return nil, err
	}

	var ar anthropicResponse
	if err := json.Unmarshal(respBody, &ar); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}
	if ar.Error != nil {
		return nil, fault.Newf(fault.ModelInvalidResponse, "anthropic API error: %s: %s", ar.Error.Type, ar.Error.Message)
	}

	var content string
	for _, block := range ar.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return &provider.Response{
		Content: content,
		Usage: provider.Usage{
			PromptTokens:     ar.Usage.InputTokens,
			CompletionTokens: ar.Usage.OutputTokens,
		},
	}, nil
}

func classifyStatus(status int, body []byte) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusTooManyRequests:
		return fault.Newf(fault.ModelRateLimit, "anthropic: rate limited (429): %s", truncate(body))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fault.Newf(fault.ProviderAuthFailed, "anthropic: authentication failed (%d)", status)
	case status == 529:
		// Anthropic's overloaded status; treated like a rate limit.
		return fault.Newf(fault.ModelRateLimit, "anthropic: overloaded (529)")
	case status >= 500:
		return fault.Newf(fault.NetworkConnection, "anthropic: server error (%d): %s", status, truncate(body))
	default:
		return fault.Newf(fault.ModelInvalidResponse, "anthropic: unexpected status %d: %s", status, truncate(body))
	}
}

func truncate(b []byte) string {
	const max = 300
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
