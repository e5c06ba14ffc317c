package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nidhogg/nuka-analyst/internal/task"
)

const sample = `{
  "server": {"port": ${NUKA_TEST_PORT:4000}, "log_level": "debug"},
  "orchestrator": {"pool_size": 4, "overall_timeout": "90s", "aggregation_timeout": "20s"},
  "workers": [
    {"name": "fundamental", "priority": 3, "timeout": "45s", "provider": "main"},
    {"name": "technical", "depends_on": ["fundamental"]}
  ],
  "advisor": {"mode": "llm", "timeout": "15s"},
  "profiles": {"quick": {"workers": ["technical"], "overall_timeout": "10s"}},
  "providers": [{"id": "main", "type": "openai", "api_key": "${NUKA_TEST_KEY}", "timeout": "1m"}],
  "database": {"redis": {"url": "${NUKA_TEST_REDIS:redis://localhost:6379/0}"}}
}`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadSubstitutesEnv(t *testing.T) {
	t.Setenv("NUKA_TEST_KEY", "sk-test")
	t.Setenv("NUKA_TEST_PORT", "")

	cfg, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 4000 {
		t.Errorf("port = %d, want default 4000", cfg.Server.Port)
	}
	if cfg.Providers[0].APIKey != "sk-test" {
		t.Errorf("api key = %q", cfg.Providers[0].APIKey)
	}
	if cfg.Database.Redis.URL != "redis://localhost:6379/0" {
		t.Errorf("redis url = %q", cfg.Database.Redis.URL)
	}
	if got := cfg.Providers[0].Provider().Timeout; got != time.Minute {
		t.Errorf("provider timeout = %v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Port != 3210 || cfg.Server.LogLevel != "info" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Orchestrator.DegradedAfter != 3 || cfg.Orchestrator.UnhealthyAfter != 5 {
		t.Errorf("thresholds = %d/%d", cfg.Orchestrator.DegradedAfter, cfg.Orchestrator.UnhealthyAfter)
	}
	if cfg.Advisor.Mode != AdvisorVote {
		t.Errorf("advisor mode = %q", cfg.Advisor.Mode)
	}
	if len(cfg.Workers) != 6 {
		t.Fatalf("default workers = %d, want 6", len(cfg.Workers))
	}
	for _, w := range cfg.Workers {
		if w.Category != "analyst" {
			t.Errorf("%s category = %q", w.Name, w.Category)
		}
		if w.Analyst().Prompt == "" {
			t.Errorf("%s has no prompt", w.Name)
		}
	}
}

func TestConversions(t *testing.T) {
	t.Setenv("NUKA_TEST_KEY", "k")
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	oc := cfg.OrchestratorSettings()
	if oc.PoolSize != 4 || oc.OverallTimeout != 90*time.Second {
		t.Errorf("orchestrator = %+v", oc)
	}
	if oc.AggregationTimeout != 15*time.Second {
		t.Errorf("advisor timeout should win, got %v", oc.AggregationTimeout)
	}

	quick := oc.Profiles[task.ProfileQuick]
	if len(quick.Workers) != 1 || quick.Workers[0] != "technical" {
		t.Errorf("quick workers = %v", quick.Workers)
	}
	if quick.OverallTimeout != 10*time.Second || quick.WorkerTimeout != 30*time.Second {
		t.Errorf("quick timeouts = %v/%v", quick.OverallTimeout, quick.WorkerTimeout)
	}
	if _, ok := oc.Profiles[task.ProfileDeep]; !ok {
		t.Error("built-in deep profile lost")
	}

	meta := cfg.Workers[0].Metadata()
	if meta.Name != "fundamental" || meta.Priority != 3 || meta.Timeout != 45*time.Second {
		t.Errorf("metadata = %+v", meta)
	}
	if deps := cfg.Workers[1].Metadata().DependsOn; len(deps) != 1 || deps[0] != "fundamental" {
		t.Errorf("depends_on = %v", deps)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]struct {
		json string
		want string
	}{
		"bad duration":     {`{"orchestrator": {"overall_timeout": "soon"}}`, "parse"},
		"numeric duration": {`{"orchestrator": {"overall_timeout": 30}}`, "duration must be a string"},
		"duplicate worker": {`{"workers": [{"name": "a"}, {"name": "a"}]}`, `duplicate worker "a"`},
		"unknown provider": {`{"workers": [{"name": "a", "provider": "x"}]}`, `unknown provider "x"`},
		"llm no provider":  {`{"advisor": {"mode": "llm"}}`, "needs at least one provider"},
		"bad mode":         {`{"advisor": {"mode": "oracle"}}`, "want vote or llm"},
		"profile worker":   {`{"profiles": {"quick": {"workers": ["ghost"]}}}`, `unknown worker "ghost"`},
		"thresholds":       {`{"orchestrator": {"degraded_after": 6, "unhealthy_after": 2}}`, "unhealthy_after"},
		"slack channel":    {`{"notify": {"slack": {"enabled": true, "token": "x"}}}`, "token and channel"},
		"fallback":         {`{"provider_fallbacks": ["nope"]}`, "provider_fallbacks"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(tc.json))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "nuka-analyst.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Workers) != 6 || len(cfg.Providers) != 2 {
		t.Errorf("workers = %d, providers = %d", len(cfg.Workers), len(cfg.Providers))
	}
	if got := cfg.OrchestratorSettings().Profiles[task.ProfileRealtime].Workers; len(got) != 3 {
		t.Errorf("realtime workers = %v", got)
	}
}
