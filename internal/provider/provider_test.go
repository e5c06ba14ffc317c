package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestOpenAIComplete(t *testing.T) {
	var got openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("auth = %q", r.Header.Get("Authorization"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"id":"c1","model":"gpt-4o-mini","choices":[{"message":{"role":"assistant","content":"{\"signal\":\"BUY\"}"},"finish_reason":"stop"}],"usage":{"total_tokens":12}}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(Config{ID: "oai", Endpoint: srv.URL, APIKey: "sk-test", Model: "gpt-4o-mini"}, zap.NewNop())
	resp, err := p.Complete(context.Background(), &Request{
		System:   "You are an analyst.",
		Messages: []Message{{Role: "user", Content: "000001"}},
		JSON:     true,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Content != `{"signal":"BUY"}` || resp.Usage.TotalTokens != 12 {
		t.Errorf("resp = %+v", resp)
	}
	if got.Model != "gpt-4o-mini" || len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Errorf("request = %+v", got)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_object" {
		t.Errorf("response format = %+v", got.ResponseFormat)
	}
}

func TestOpenAIAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(Config{ID: "oai", Endpoint: srv.URL}, zap.NewNop())
	_, err := p.Complete(context.Background(), &Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected APIError 429, got %v", err)
	}
	if !strings.Contains(apiErr.Body, "rate limited") {
		t.Errorf("body = %q", apiErr.Body)
	}
}

func TestAnthropicFoldsSystemMessages(t *testing.T) {
	var got anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("anthropic-version") != anthropicVersion {
			t.Errorf("version header = %q", r.Header.Get("anthropic-version"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"id":"m1","model":"claude","content":[{"type":"text","text":"HOLD"}],"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":1}}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider(Config{ID: "claude", Endpoint: srv.URL, APIKey: "k"}, zap.NewNop())
	resp, err := p.Complete(context.Background(), &Request{
		System: "base",
		Messages: []Message{
			{Role: "system", Content: "extra"},
			{Role: "user", Content: "000001"},
		},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Content != "HOLD" || resp.Usage.TotalTokens != 4 {
		t.Errorf("resp = %+v", resp)
	}
	if got.System != "base\n\nextra" || len(got.Messages) != 1 || got.MaxTokens != 4096 {
		t.Errorf("request = %+v", got)
	}
}

type stubProvider struct {
	id    string
	err   error
	calls int
}

func (s *stubProvider) ID() string   { return s.id }
func (s *stubProvider) Name() string { return s.id }
func (s *stubProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &Response{Content: s.id}, nil
}
func (s *stubProvider) HealthCheck(ctx context.Context) error { return s.err }

func TestRouterBindingAndFallback(t *testing.T) {
	r := NewRouter(zap.NewNop())
	primary := &stubProvider{id: "primary"}
	broken := &stubProvider{id: "broken", err: errors.New("503")}
	backup := &stubProvider{id: "backup"}
	r.Register(primary)
	r.Register(broken)
	r.Register(backup)
	r.Bind("sentiment", "broken")
	r.SetFallbacks([]string{"backup"})

	resp, err := r.Complete(context.Background(), "fundamental", &Request{})
	if err != nil || resp.Content != "primary" {
		t.Errorf("unbound caller: %v %+v", err, resp)
	}

	resp, err = r.Complete(context.Background(), "sentiment", &Request{})
	if err != nil {
		t.Fatalf("fallback: %v", err)
	}
	// broken, then the default
	if resp.Content != "primary" || broken.calls != 1 {
		t.Errorf("resp = %+v, broken calls = %d", resp, broken.calls)
	}

	primary.err = errors.New("down")
	resp, err = r.Complete(context.Background(), "sentiment", &Request{})
	if err != nil || resp.Content != "backup" {
		t.Errorf("chain end: %v %+v", err, resp)
	}

	if ids := r.IDs(); len(ids) != 3 || ids[0] != "backup" {
		t.Errorf("ids = %v", ids)
	}
}

func TestRouterNoProviders(t *testing.T) {
	r := NewRouter(zap.NewNop())
	if _, err := r.Complete(context.Background(), "x", &Request{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewByType(t *testing.T) {
	if _, err := New(Config{ID: "a", Type: "anthropic"}, zap.NewNop()); err != nil {
		t.Error(err)
	}
	if _, err := New(Config{ID: "b", Type: "cohere"}, zap.NewNop()); err == nil {
		t.Error("expected unknown type error")
	}
}
