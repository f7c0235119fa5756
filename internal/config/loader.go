package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const envPrefix = "SLEUTH"

// envKeys can be overridden with SLEUTH_<KEY>, dots replaced by underscores.
var envKeys = []string{
	"data_dir",
	"logging.level",
	"logging.file",
	"logging.console",
	"workflow.max_steps",
	"workflow.temperature",
	"ai.default_profile",
	"metrics.enabled",
	"metrics.listen_addr",
	"tracing.enabled",
}

// envProviders get a synthetic profile when SLEUTH_<PROVIDER>_API_KEY is set.
var envProviders = []string{"anthropic", "openai", "gemini"}

// ErrNoConfigFile is returned by Watch when Load fell back to defaults.
var ErrNoConfigFile = errors.New("config file not found")

// Loader handles configuration loading
type Loader struct {
	configPath string

	mu sync.Mutex
	v  *viper.Viper
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// DefaultPath returns ~/.sleuth/sleuth.json
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".sleuth", "sleuth.json"), nil
}

// Load loads the configuration from file. A missing file yields the
// defaults plus environment overrides.
func (l *Loader) Load() (*Config, error) {
	configPath, err := l.path()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	// Read environment variables
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}
	for _, provider := range envProviders {
		_ = v.BindEnv(provider + "_api_key")
	}

	fileFound := true
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		fileFound = false
	} else if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	if fileFound {
		l.v = v
	} else {
		l.v = nil
	}
	l.mu.Unlock()
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	for _, provider := range envProviders {
		key := v.GetString(provider + "_api_key")
		if key == "" || hasProvider(cfg, provider) {
			continue
		}
		cfg.AI.Profiles = append(cfg.AI.Profiles, AIProfile{
			ID:       "env-" + provider,
			Provider: provider,
			APIKey:   key,
			Priority: 100 + len(cfg.AI.Profiles),
		})
	}

	// Set data directory if not specified
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".sleuth")
	}

	// Set logging file path if not specified
	if cfg.Logging.File == "" && !cfg.Logging.Console {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "sleuth.log")
	}
	return cfg, nil
}

func hasProvider(cfg *Config, provider string) bool {
	for _, p := range cfg.AI.Profiles {
		if p.Provider == provider {
			return true
		}
	}
	return false
}

// Watch reloads the file on every change and passes the result to onChange.
// A file that fails to parse is reported through err and the previous
// configuration stays in effect for the caller.
func (l *Loader) Watch(onChange func(cfg *Config, err error)) error {
	l.mu.Lock()
	v := l.v
	l.mu.Unlock()
	if v == nil {
		return ErrNoConfigFile
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if err := v.ReadInConfig(); err != nil {
			onChange(nil, fmt.Errorf("failed to reload config: %w", err))
			return
		}
		cfg, err := decode(v)
		onChange(cfg, err)
	})
	v.WatchConfig()
	return nil
}

// Save writes the sections a user normally edits. Tuning sections are left
// out so their defaults keep applying.
func (l *Loader) Save(cfg *Config) error {
	configPath, err := l.path()
	if err != nil {
		return err
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("data_dir", cfg.DataDir)
	v.Set("logging", cfg.Logging)
	v.Set("ai", cfg.AI)
	v.Set("metrics", cfg.Metrics)
	v.Set("tracing", cfg.Tracing)

	if err := v.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	path, err := l.path()
	if err != nil {
		return ""
	}
	return path
}

func (l *Loader) path() (string, error) {
	if l.configPath != "" {
		return l.configPath, nil
	}
	return DefaultPath()
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
