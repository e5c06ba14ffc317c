package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/nidhogg/nuka-analyst/internal/analyst"
	"github.com/nidhogg/nuka-analyst/internal/orchestrator"
	"github.com/nidhogg/nuka-analyst/internal/provider"
	"github.com/nidhogg/nuka-analyst/internal/registry"
	"github.com/nidhogg/nuka-analyst/internal/task"
)

// Config is the top-level configuration structure.
type Config struct {
	Server       ServerConfig             `json:"server"`
	Orchestrator OrchestratorConfig       `json:"orchestrator"`
	Workers      []WorkerConfig           `json:"workers"`
	Advisor      AdvisorConfig            `json:"advisor"`
	Profiles     map[string]ProfileConfig `json:"profiles"`
	Providers    []ProviderConfig         `json:"providers"`
	Fallbacks    []string                 `json:"provider_fallbacks,omitempty"`
	Database     DatabaseConfig           `json:"database"`
	Notify       NotifyConfig             `json:"notify"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type OrchestratorConfig struct {
	PoolSize           int      `json:"pool_size"`
	QueueSize          int      `json:"queue_size"`
	TaskConcurrency    int      `json:"task_concurrency"`
	OverallTimeout     Duration `json:"overall_timeout"`
	WorkerTimeout      Duration `json:"worker_timeout"`
	AggregationTimeout Duration `json:"aggregation_timeout"`
	ListenerTimeout    Duration `json:"listener_timeout"`
	DegradedAfter      int      `json:"degraded_after"`
	UnhealthyAfter     int      `json:"unhealthy_after"`
	BatchConcurrency   int      `json:"batch_concurrency"`
	SnapshotInterval   Duration `json:"snapshot_interval"`
}

type WorkerConfig struct {
	Name         string   `json:"name"`
	Category     string   `json:"category"`
	Priority     int      `json:"priority"`
	Timeout      Duration `json:"timeout"`
	DependsOn    []string `json:"depends_on,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Prompt       string   `json:"prompt,omitempty"`
	Provider     string   `json:"provider,omitempty"`
	Model        string   `json:"model,omitempty"`
	Temperature  float64  `json:"temperature,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
}

const (
	AdvisorVote = "vote"
	AdvisorLLM  = "llm"
)

type AdvisorConfig struct {
	Name          string   `json:"name"`
	Mode          string   `json:"mode"` // vote | llm
	Timeout       Duration `json:"timeout"`
	Prompt        string   `json:"prompt,omitempty"`
	Provider      string   `json:"provider,omitempty"`
	Model         string   `json:"model,omitempty"`
	MinConfidence float64  `json:"min_confidence,omitempty"`
}

type ProfileConfig struct {
	Workers        []string `json:"workers"`
	WorkerTimeout  Duration `json:"worker_timeout"`
	OverallTimeout Duration `json:"overall_timeout"`
}

type ProviderConfig struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Name     string            `json:"name"`
	Endpoint string            `json:"endpoint"`
	APIKey   string            `json:"api_key"`
	Model    string            `json:"model"`
	Timeout  Duration          `json:"timeout"`
	Extra    map[string]string `json:"extra,omitempty"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN        string `json:"dsn"`
	Migrations string `json:"migrations"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type NotifyConfig struct {
	FailuresOnly bool          `json:"failures_only"`
	Slack        ChannelConfig `json:"slack"`
	Discord      ChannelConfig `json:"discord"`
}

type ChannelConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	Channel string `json:"channel"`
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable
// references, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse is Load without the file.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3210
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Orchestrator.DegradedAfter == 0 {
		c.Orchestrator.DegradedAfter = 3
	}
	if c.Orchestrator.UnhealthyAfter == 0 {
		c.Orchestrator.UnhealthyAfter = 5
	}
	if c.Orchestrator.SnapshotInterval == 0 {
		c.Orchestrator.SnapshotInterval = Duration(time.Minute)
	}
	if c.Advisor.Mode == "" {
		c.Advisor.Mode = AdvisorVote
	}
	if c.Advisor.Name == "" {
		c.Advisor.Name = "advisor"
	}
	if c.Database.Postgres.Migrations == "" {
		c.Database.Postgres.Migrations = "migrations"
	}
	if len(c.Workers) == 0 {
		for _, name := range analyst.DefaultNames() {
			c.Workers = append(c.Workers, WorkerConfig{Name: name})
		}
	}
	for i := range c.Workers {
		if c.Workers[i].Category == "" {
			c.Workers[i].Category = string(registry.CategoryAnalyst)
		}
	}
}

// Validate reports the first structural problem in the config.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Orchestrator.UnhealthyAfter < c.Orchestrator.DegradedAfter {
		return fmt.Errorf("orchestrator.unhealthy_after (%d) must not be below degraded_after (%d)",
			c.Orchestrator.UnhealthyAfter, c.Orchestrator.DegradedAfter)
	}

	providers := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.ID == "" {
			return errors.New("provider without id")
		}
		if providers[p.ID] {
			return fmt.Errorf("duplicate provider %q", p.ID)
		}
		providers[p.ID] = true
	}

	workers := make(map[string]bool, len(c.Workers))
	for _, w := range c.Workers {
		if w.Name == "" {
			return errors.New("worker without name")
		}
		if workers[w.Name] {
			return fmt.Errorf("duplicate worker %q", w.Name)
		}
		workers[w.Name] = true
		if w.Provider != "" && !providers[w.Provider] {
			return fmt.Errorf("worker %q: unknown provider %q", w.Name, w.Provider)
		}
	}

	switch c.Advisor.Mode {
	case AdvisorVote:
	case AdvisorLLM:
		if len(c.Providers) == 0 {
			return errors.New("advisor mode llm needs at least one provider")
		}
	default:
		return fmt.Errorf("advisor.mode %q: want vote or llm", c.Advisor.Mode)
	}

	for name, p := range c.Profiles {
		for _, w := range p.Workers {
			if !workers[w] {
				return fmt.Errorf("profile %q: unknown worker %q", name, w)
			}
		}
	}
	for _, id := range c.Fallbacks {
		if !providers[id] {
			return fmt.Errorf("provider_fallbacks: unknown provider %q", id)
		}
	}
	if c.Notify.Slack.Enabled && (c.Notify.Slack.Token == "" || c.Notify.Slack.Channel == "") {
		return errors.New("notify.slack needs token and channel")
	}
	if c.Notify.Discord.Enabled && (c.Notify.Discord.Token == "" || c.Notify.Discord.Channel == "") {
		return errors.New("notify.discord needs token and channel")
	}
	return nil
}

// OrchestratorSettings converts the orchestrator section. Unset values
// fall back to orchestrator defaults.
func (c *Config) OrchestratorSettings() orchestrator.Config {
	o := c.Orchestrator
	aggTimeout := o.AggregationTimeout.Std()
	if c.Advisor.Timeout > 0 {
		aggTimeout = c.Advisor.Timeout.Std()
	}
	return orchestrator.Config{
		PoolSize:             o.PoolSize,
		QueueSize:            o.QueueSize,
		TaskConcurrency:      o.TaskConcurrency,
		OverallTimeout:       o.OverallTimeout.Std(),
		DefaultWorkerTimeout: o.WorkerTimeout.Std(),
		AggregationTimeout:   aggTimeout,
		ListenerTimeout:      o.ListenerTimeout.Std(),
		BatchConcurrency:     o.BatchConcurrency,
		Profiles:             c.TaskProfiles(),
	}
}

// TaskProfiles merges configured profiles over the built-in ones.
func (c *Config) TaskProfiles() map[string]task.Profile {
	out := task.DefaultProfiles()
	for name, p := range c.Profiles {
		merged := out[name]
		merged.Name = name
		if len(p.Workers) > 0 {
			merged.Workers = append([]string(nil), p.Workers...)
		}
		if p.WorkerTimeout > 0 {
			merged.WorkerTimeout = p.WorkerTimeout.Std()
		}
		if p.OverallTimeout > 0 {
			merged.OverallTimeout = p.OverallTimeout.Std()
		}
		out[name] = merged
	}
	return out
}

// Metadata converts a worker entry to registry metadata.
func (w WorkerConfig) Metadata() registry.Metadata {
	return registry.Metadata{
		Name:         w.Name,
		Category:     registry.Category(w.Category),
		Priority:     w.Priority,
		Timeout:      w.Timeout.Std(),
		DependsOn:    append([]string(nil), w.DependsOn...),
		Capabilities: append([]string(nil), w.Capabilities...),
	}
}

// Analyst converts a worker entry to an analyst config. An empty prompt
// selects the built-in prompt for the worker's name.
func (w WorkerConfig) Analyst() analyst.Config {
	prompt := w.Prompt
	if prompt == "" {
		prompt = analyst.DefaultPrompt(w.Name)
	}
	return analyst.Config{
		Name:        w.Name,
		Prompt:      prompt,
		Model:       w.Model,
		Temperature: w.Temperature,
		MaxTokens:   w.MaxTokens,
	}
}

// Provider converts a provider entry.
func (p ProviderConfig) Provider() provider.Config {
	return provider.Config{
		ID:       p.ID,
		Type:     p.Type,
		Name:     p.Name,
		Endpoint: p.Endpoint,
		APIKey:   p.APIKey,
		Model:    p.Model,
		Extra:    p.Extra,
		Timeout:  p.Timeout.Std(),
	}
}
