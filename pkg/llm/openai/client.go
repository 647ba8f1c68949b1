package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/user/llmtunnel/pkg/llm"
)

// ErrMalformedResponse is returned when a 200 response does not carry a
// usable assistant message.
var ErrMalformedResponse = errors.New("malformed completion response")

// StatusError is returned for non-200 responses from the API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// Client implements the llm.Provider interface for OpenAI-compatible APIs,
// including a local llama-server.
type Client struct {
	config     *llm.Config
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a new OpenAI-compatible client with the given configuration.
// The default HTTP client has no timeout: local completions can take minutes,
// so callers bound the call through the context instead.
func New(config *llm.Config, opts ...Option) *Client {
	c := &Client{
		config:     config,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// chatRequest is the OpenAI chat completions request body.
type chatRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []llm.Message `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float32      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream"`
}

// Complete sends a chat completion request and returns the full response.
func (c *Client) Complete(ctx context.Context, messages []llm.Message) (*llm.Response, error) {
	reqBody := chatRequest{
		Model:    c.config.Model,
		Messages: messages,
	}

	if c.config.MaxTokens > 0 {
		reqBody.MaxTokens = c.config.MaxTokens
	}

	if c.config.Temperature != 0 {
		temp := c.config.Temperature
		reqBody.Temperature = &temp
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := strings.TrimRight(c.config.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	return parseResponse(respBody)
}

func parseResponse(body []byte) (*llm.Response, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformedResponse)
	}

	parsed := gjson.ParseBytes(body)
	choice := parsed.Get("choices.0")
	if !choice.Exists() {
		return nil, fmt.Errorf("%w: no choices in response", ErrMalformedResponse)
	}

	content := choice.Get("message.content")
	if content.Type != gjson.String {
		return nil, fmt.Errorf("%w: missing message content", ErrMalformedResponse)
	}
	if role := choice.Get("message.role"); role.Exists() && role.String() != string(llm.RoleAssistant) {
		return nil, fmt.Errorf("%w: unexpected role %q", ErrMalformedResponse, role.String())
	}

	usage := parsed.Get("usage")
	return &llm.Response{
		Content:      content.String(),
		FinishReason: choice.Get("finish_reason").String(),
		Usage: llm.Usage{
			InputTokens:  int(usage.Get("prompt_tokens").Int()),
			OutputTokens: int(usage.Get("completion_tokens").Int()),
			TotalTokens:  int(usage.Get("total_tokens").Int()),
		},
	}, nil
}
