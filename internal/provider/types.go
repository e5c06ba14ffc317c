package provider

import (
	"context"
	"fmt"
	"time"
)

// Provider is an LLM backend that answers a single completion request.
type Provider interface {
	ID() string
	Name() string
	Complete(ctx context.Context, req *Request) (*Response, error)
	HealthCheck(ctx context.Context) error
}

// Request is a non-streaming completion request.
type Request struct {
	Model       string    `json:"model"`
	System      string    `json:"-"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	// JSON asks the backend for a JSON object when it supports that.
	JSON bool `json:"-"`
}

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response is a completion.
type Response struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Config holds configuration for a provider instance.
type Config struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"` // openai | anthropic
	Name     string            `json:"name"`
	Endpoint string            `json:"endpoint"`
	APIKey   string            `json:"api_key"`
	Model    string            `json:"model"`
	Extra    map[string]string `json:"extra,omitempty"`
	Timeout  time.Duration     `json:"timeout,omitempty"`
}

// APIError is a non-2xx reply from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: API error %d: %s", e.Provider, e.StatusCode, e.Body)
}
