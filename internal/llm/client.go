package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrMissingAPIKey reports an absent model credential.
	ErrMissingAPIKey = errors.New("model api key is not configured")
	// ErrNoMessages reports an empty request.
	ErrNoMessages = errors.New("at least one message is required")
)

// UpstreamError carries the status and body of a failed model call.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("model call failed status=%d body=%s", e.Status, e.Body)
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Client sends chat-style message arrays to a language model endpoint and
// returns the raw completion body. No retries happen at this layer.
type Client interface {
	Complete(ctx context.Context, messages []Message) ([]byte, error)
}

type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// HTTPClient talks to any endpoint honoring the chat-completions contract:
// POST {model, messages} in, choices[0].message.content out.
type HTTPClient struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	client      *http.Client
}

func NewHTTPClient(cfg Config) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-4o-mini"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL:     baseURL,
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       model,
		temperature: cfg.Temperature,
		client:      &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Complete(ctx context.Context, messages []Message) ([]byte, error) {
	if len(messages) == 0 {
		return nil, ErrNoMessages
	}
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	body, err := json.Marshal(map[string]any{
		"model":       c.model,
		"messages":    messages,
		"temperature": c.temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &UpstreamError{Status: 0, Body: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read chat response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, &UpstreamError{Status: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}

// Content extracts choices[0].message.content from a raw completion body.
func Content(raw []byte) (string, error) {
	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode completion response: %w", err)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "", errors.New("completion contains no message content")
	}
	return parsed.Choices[0].Message.Content, nil
}
