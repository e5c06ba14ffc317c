//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-analyst/internal/analyst"
	"github.com/nidhogg/nuka-analyst/internal/api"
	"github.com/nidhogg/nuka-analyst/internal/notify"
	"github.com/nidhogg/nuka-analyst/internal/orchestrator"
	"github.com/nidhogg/nuka-analyst/internal/provider"
	"github.com/nidhogg/nuka-analyst/internal/registry"
	"github.com/nidhogg/nuka-analyst/internal/store"
	"github.com/prometheus/client_golang/prometheus"
)

// Package-level shared state, set by TestMain.
var (
	testLogger   *zap.Logger
	testPGStore  *store.Store
	testRedisURL string
)

// startPostgres starts a PostgreSQL testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("nuka_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return dsn, cleanup, nil
}

// startRedis starts a Redis testcontainer, returns URL + cleanup func.
func startRedis(ctx context.Context) (string, func(), error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return "", nil, fmt.Errorf("start redis: %w", err)
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("redis endpoint: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return "redis://" + endpoint, cleanup, nil
}

// brokenModel makes the fake LLM answer with a 500.
const brokenModel = "broken"

// newFakeLLM serves OpenAI-style chat completions. Every analyst gets a
// BUY report naming the symbol it was asked about.
func newFakeLLM(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model    string             `json:"model"`
			Messages []provider.Message `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Model == brokenModel {
			http.Error(w, `{"error":"model overloaded"}`, http.StatusInternalServerError)
			return
		}
		var user string
		for _, m := range req.Messages {
			if m.Role == "user" {
				user = m.Content
			}
		}
		confidence := 0.6
		if strings.Contains(user, "Upstream") || strings.Contains(user, "- fundamental:") {
			confidence = 0.9
		}
		report, _ := json.Marshal(map[string]any{
			"signal":     "BUY",
			"confidence": confidence,
			"summary":    "looks cheap",
			"highlights": []string{"low p/e"},
		})
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "cmpl-1",
			"model": req.Model,
			"choices": []map[string]any{{
				"message":       map[string]string{"role": "assistant", "content": string(report)},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 10, "total_tokens": 20},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// captureNotifier records every message it is asked to send.
type captureNotifier struct {
	mu   sync.Mutex
	sent []*notify.Message
}

func (c *captureNotifier) Platform() string { return "capture" }

func (c *captureNotifier) Notify(ctx context.Context, msg *notify.Message) error {
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	c.mu.Unlock()
	return nil
}

func (c *captureNotifier) Close() error { return nil }

func (c *captureNotifier) messages() []*notify.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*notify.Message(nil), c.sent...)
}

// stack is a fully wired server over real Postgres and Redis.
type stack struct {
	server   *httptest.Server
	orch     *orchestrator.Orchestrator
	bus      *orchestrator.EventBus
	notifier *captureNotifier
}

// setupStack wires fundamental, technical (after fundamental) and a news
// analyst whose model always fails.
func setupStack(t *testing.T) *stack {
	t.Helper()
	llm := newFakeLLM(t)

	router := provider.NewRouter(testLogger)
	router.Register(provider.NewOpenAIProvider(provider.Config{
		ID: "fake", Name: "Fake LLM", Endpoint: llm.URL, APIKey: "test", Model: "fake-1",
	}, testLogger))

	reg := registry.New(testLogger)
	workers := []struct {
		meta  registry.Metadata
		model string
	}{
		{registry.Metadata{Name: "fundamental", Category: registry.CategoryAnalyst, Priority: 3}, ""},
		{registry.Metadata{Name: "technical", Category: registry.CategoryAnalyst, Priority: 2, DependsOn: []string{"fundamental"}}, ""},
		{registry.Metadata{Name: "news", Category: registry.CategoryAnalyst, Priority: 1}, brokenModel},
	}
	for _, w := range workers {
		a := analyst.New(analyst.Config{Name: w.meta.Name, Prompt: analyst.DefaultPrompt(w.meta.Name), Model: w.model}, router, testLogger)
		if err := reg.Register(w.meta, a); err != nil {
			t.Fatalf("register %s: %v", w.meta.Name, err)
		}
	}

	orch, err := orchestrator.New(reg, analyst.NewVotingAdvisor("advisor"), orchestrator.Config{}, testLogger)
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	t.Cleanup(orch.Close)

	bus, err := orchestrator.NewEventBus(testRedisURL, testLogger)
	if err != nil {
		t.Fatalf("event bus: %v", err)
	}
	t.Cleanup(func() { bus.Close() })

	notifier := &captureNotifier{}
	broadcaster := notify.NewBroadcaster(testLogger, notifier)

	promReg := prometheus.NewRegistry()
	orch.AddMonitor(orchestrator.NewLogMonitor(testLogger), orchestrator.NewMetrics(promReg), bus)
	orch.AddListener(testPGStore, bus, broadcaster)

	handler := api.NewHandler(orch, testPGStore, broadcaster, promReg, testLogger)
	srv := httptest.NewServer(handler.Router())
	t.Cleanup(srv.Close)

	return &stack{server: srv, orch: orch, bus: bus, notifier: notifier}
}
