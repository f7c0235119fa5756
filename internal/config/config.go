package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/sleuth/internal/logger"
	"github.com/harun/sleuth/internal/tracing"
	"github.com/harun/sleuth/pkg/fanout"
	"github.com/harun/sleuth/pkg/llm"
	"github.com/harun/sleuth/pkg/objectstore"
	"github.com/harun/sleuth/pkg/retry"
	"github.com/harun/sleuth/pkg/taskhub"
	"github.com/harun/sleuth/pkg/workerpool"
	"github.com/harun/sleuth/pkg/workflow"
)

// Config represents the main Sleuth configuration
type Config struct {
	// Data directory, defaults to ~/.sleuth
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Logging logger.Config `json:"logging" mapstructure:"logging"`

	Store      objectstore.Config `json:"store" mapstructure:"store"`
	Hub        taskhub.Config     `json:"hub" mapstructure:"hub"`
	Retry      retry.Config       `json:"retry" mapstructure:"retry"`
	Workflow   workflow.Config    `json:"workflow" mapstructure:"workflow"`
	ResumePool workerpool.Config  `json:"resume_pool" mapstructure:"resume_pool"`
	Fanout     fanout.Config      `json:"fanout" mapstructure:"fanout"`
	Tools      ToolsConfig        `json:"tools" mapstructure:"tools"`

	AI      AIConfig       `json:"ai" mapstructure:"ai"`
	Metrics MetricsConfig  `json:"metrics" mapstructure:"metrics"`
	Tracing tracing.Config `json:"tracing" mapstructure:"tracing"`
}

// ToolsConfig holds tool execution limits
type ToolsConfig struct {
	Timeout        time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxOutputChars int           `json:"max_output_chars" mapstructure:"max_output_chars"`
	HTTPTimeout    time.Duration `json:"http_timeout" mapstructure:"http_timeout"`
}

// AIConfig holds LLM provider profiles
type AIConfig struct {
	DefaultProfile string      `json:"default_profile" mapstructure:"default_profile"`
	Profiles       []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile is one provider credential
type AIProfile struct {
	ID            string  `json:"id" mapstructure:"id"`
	Provider      string  `json:"provider" mapstructure:"provider"` // anthropic, openai, gemini
	Model         string  `json:"model" mapstructure:"model"`
	APIKey        string  `json:"api_key" mapstructure:"api_key"`
	BaseURL       string  `json:"base_url,omitempty" mapstructure:"base_url"`
	Priority      int     `json:"priority" mapstructure:"priority"`
	RatePerSecond float64 `json:"rate_per_second,omitempty" mapstructure:"rate_per_second"`
	Burst         int     `json:"burst,omitempty" mapstructure:"burst"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled    bool   `json:"enabled" mapstructure:"enabled"`
	ListenAddr string `json:"listen_addr" mapstructure:"listen_addr"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	logging := logger.DefaultConfig()
	logging.Console = false

	return &Config{
		Logging: logging,
		Store: objectstore.Config{
			MaxItems: objectstore.DefaultMaxItems,
		},
		Hub: taskhub.Config{
			HistoryLimit: taskhub.DefaultHistoryLimit,
		},
		Retry:    retry.DefaultConfig(),
		Workflow: workflow.DefaultConfig(),
		ResumePool: workerpool.Config{
			Workers:   workerpool.DefaultWorkers,
			QueueSize: workerpool.DefaultQueueSize,
		},
		Fanout: fanout.Config{
			MaxConcurrency: fanout.DefaultMaxConcurrency,
			DefaultTimeout: fanout.DefaultTimeout,
		},
		Tools: ToolsConfig{
			Timeout:        30 * time.Second,
			MaxOutputChars: 20000,
			HTTPTimeout:    15 * time.Second,
		},
		AI: AIConfig{
			Profiles: []AIProfile{},
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9464",
		},
		Tracing: tracing.Config{
			Enabled:     false,
			ServiceName: "sleuth",
			SampleRatio: 1,
		},
	}
}

// LLMProfiles converts the AI section for llm.NewFromProfiles. The default
// profile, when set, is tried before every other profile.
func (c *Config) LLMProfiles() []llm.Profile {
	minPriority := 0
	for i, p := range c.AI.Profiles {
		if i == 0 || p.Priority < minPriority {
			minPriority = p.Priority
		}
	}

	profiles := make([]llm.Profile, 0, len(c.AI.Profiles))
	for _, p := range c.AI.Profiles {
		priority := p.Priority
		if c.AI.DefaultProfile != "" && p.ID == c.AI.DefaultProfile {
			priority = minPriority - 1
		}
		profiles = append(profiles, llm.Profile{
			ID:            p.ID,
			Provider:      p.Provider,
			Model:         p.Model,
			APIKey:        p.APIKey,
			BaseURL:       p.BaseURL,
			Priority:      priority,
			RatePerSecond: p.RatePerSecond,
			Burst:         p.Burst,
		})
	}
	return profiles
}

// String returns a JSON representation of the config with API keys masked
func (c *Config) String() string {
	masked := *c
	masked.AI.Profiles = make([]AIProfile, len(c.AI.Profiles))
	for i, p := range c.AI.Profiles {
		p.APIKey = maskKey(p.APIKey)
		masked.AI.Profiles[i] = p
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Require at least one AI profile
	if len(c.AI.Profiles) == 0 {
		return fmt.Errorf("no AI credentials configured: at least one AI profile is required")
	}

	v := NewValidator()
	seen := make(map[string]bool, len(c.AI.Profiles))
	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if seen[profile.ID] {
			return fmt.Errorf("AI profile %s: duplicate ID", profile.ID)
		}
		seen[profile.ID] = true
		if err := v.ValidateProvider(profile.Provider); err != nil {
			return fmt.Errorf("AI profile %s: %w", profile.ID, err)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("AI profile %s: api_key is required", profile.ID)
		}
		if profile.RatePerSecond < 0 || profile.Burst < 0 {
			return fmt.Errorf("AI profile %s: rate limits must be >= 0", profile.ID)
		}
	}
	if c.AI.DefaultProfile != "" && !seen[c.AI.DefaultProfile] {
		return fmt.Errorf("default profile %s does not exist", c.AI.DefaultProfile)
	}

	if err := v.ValidateLogLevel(c.Logging.Level); err != nil {
		return err
	}
	if err := v.ValidateTemperature(c.Workflow.Temperature); err != nil {
		return err
	}
	if c.Workflow.MaxSteps <= 0 {
		return fmt.Errorf("workflow.max_steps must be positive")
	}
	if c.Store.MaxItems <= 0 {
		return fmt.Errorf("store.max_items must be positive")
	}
	if c.Hub.HistoryLimit < 0 {
		return fmt.Errorf("hub.history_limit must be >= 0")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	if c.Retry.BackoffFactor < 1 {
		return fmt.Errorf("retry.backoff_factor must be >= 1")
	}
	if c.ResumePool.Workers <= 0 || c.ResumePool.QueueSize <= 0 {
		return fmt.Errorf("resume_pool workers and queue_size must be positive")
	}
	if c.Fanout.MaxConcurrency <= 0 {
		return fmt.Errorf("fanout.max_concurrency must be positive")
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics are enabled")
	}

	return nil
}
