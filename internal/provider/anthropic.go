package provider

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

const anthropicVersion = "2023-06-01"

// AnthropicProvider talks to the Claude messages API.
type AnthropicProvider struct {
	config Config
	client *http.Client
	logger *zap.Logger
}

// NewAnthropicProvider creates an Anthropic provider.
func NewAnthropicProvider(cfg Config, logger *zap.Logger) *AnthropicProvider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.anthropic.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "claude-3-5-haiku-20241022"
	}
	return &AnthropicProvider{
		config: cfg,
		client: newHTTPClient(cfg.Timeout),
		logger: logger,
	}
}

func (p *AnthropicProvider) ID() string   { return p.config.ID }
func (p *AnthropicProvider) Name() string { return p.config.Name }

type anthropicRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	System      string    `json:"system,omitempty"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *AnthropicProvider) headers() map[string]string {
	return map[string]string{
		"x-api-key":         p.config.APIKey,
		"anthropic-version": anthropicVersion,
	}
}

// Complete sends a messages request. System-role messages are folded
// into the system prompt.
func (p *AnthropicProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	body := anthropicRequest{
		Model:       req.Model,
		System:      req.System,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if body.Model == "" {
		body.Model = p.config.Model
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = 4096
	}
	var system []string
	if body.System != "" {
		system = append(system, body.System)
	}
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		body.Messages = append(body.Messages, m)
	}
	body.System = strings.Join(system, "\n\n")
	if req.JSON {
		body.System += "\n\nRespond with a single JSON object and nothing else."
		body.System = strings.TrimSpace(body.System)
	}

	var out anthropicResponse
	if err := postJSON(ctx, p.client, p.config.ID, p.config.Endpoint+"/messages", p.headers(), body, &out); err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, c := range out.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	p.logger.Debug("completion",
		zap.String("provider", p.config.ID),
		zap.String("model", out.Model),
		zap.Int("tokens", out.Usage.InputTokens+out.Usage.OutputTokens))

	return &Response{
		ID:           out.ID,
		Model:        out.Model,
		Content:      text.String(),
		FinishReason: out.StopReason,
		Usage: Usage{
			PromptTokens:     out.Usage.InputTokens,
			CompletionTokens: out.Usage.OutputTokens,
			TotalTokens:      out.Usage.InputTokens + out.Usage.OutputTokens,
		},
	}, nil
}

// HealthCheck sends a one-token request.
func (p *AnthropicProvider) HealthCheck(ctx context.Context) error {
	_, err := p.Complete(ctx, &Request{
		Messages:  []Message{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	return err
}
