package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. STEPFLOW_AGENT_MAX_STEPS
const EnvPrefix = "STEPFLOW"

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

// Load loads the configuration from file, falling back to defaults when the
// file does not exist. Environment variables override both.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if ext := strings.TrimPrefix(filepath.Ext(configPath), "."); ext == "" {
			v.SetConfigType("json")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.v = v
	l.mu.Unlock()

	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".stepflow")
	}

	return cfg, nil
}

// setDefaults registers every scalar key so AutomaticEnv can override keys
// that are absent from the file.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("agent.max_steps", cfg.Agent.MaxSteps)
	v.SetDefault("agent.max_idle_thinks", cfg.Agent.MaxIdleThinks)
	v.SetDefault("agent.system_prompt", cfg.Agent.SystemPrompt)
	v.SetDefault("agent.next_step_prompt", cfg.Agent.NextStepPrompt)
	v.SetDefault("agent.model", cfg.Agent.Model)
	v.SetDefault("agent.temperature", cfg.Agent.Temperature)
	v.SetDefault("agent.max_tokens", cfg.Agent.MaxTokens)
	v.SetDefault("agent.special_tools", cfg.Agent.SpecialTools)
	v.SetDefault("agent.human_input_tools", cfg.Agent.HumanInputTools)

	v.SetDefault("markers.awaiting_input", cfg.Markers.AwaitingInput)
	v.SetDefault("markers.error", cfg.Markers.Error)
	v.SetDefault("markers.final_answer", cfg.Markers.FinalAnswer)

	v.SetDefault("ai.cooldown_seconds", cfg.AI.CooldownSeconds)

	v.SetDefault("tools.timeout_seconds", cfg.Tools.TimeoutSeconds)
	v.SetDefault("tools.allow", cfg.Tools.Allow)
	v.SetDefault("tools.deny", cfg.Tools.Deny)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.max_size", cfg.Logging.MaxSize)
	v.SetDefault("logging.max_age", cfg.Logging.MaxAge)
	v.SetDefault("logging.compress", cfg.Logging.Compress)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)
	v.SetDefault("logging.audit_file", cfg.Logging.AuditFile)

	v.SetDefault("gateway.port", cfg.Gateway.Port)
	v.SetDefault("gateway.host", cfg.Gateway.Host)
	v.SetDefault("gateway.requests_per_second", cfg.Gateway.RequestsPerSecond)
	v.SetDefault("gateway.burst", cfg.Gateway.Burst)

	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)

	v.SetDefault("metrics.session_stats_schedule", cfg.Metrics.SessionStatsSchedule)

	v.SetDefault("hooks.enabled", cfg.Hooks.Enabled)

	v.SetDefault("data_dir", cfg.DataDir)
}

// Watch reloads the configuration whenever the file changes and hands the
// result to fn. Load must have succeeded with an existing file first.
func (l *Loader) Watch(fn func(cfg *Config, err error)) error {
	l.mu.Lock()
	v := l.v
	l.mu.Unlock()

	if v == nil || v.ConfigFileUsed() == "" {
		return fmt.Errorf("no config file loaded to watch")
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		l.mu.Lock()
		cfg, err := decode(v)
		l.mu.Unlock()
		if err == nil {
			err = cfg.Validate()
		}
		fn(cfg, err)
	})
	v.WatchConfig()

	return nil
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("no config path available")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	if filepath.Ext(configPath) == "" {
		v.SetConfigType("json")
	}

	v.Set("agent", cfg.Agent)
	v.Set("markers", cfg.Markers)
	v.Set("ai", cfg.AI)
	v.Set("tools", cfg.Tools)
	v.Set("logging", cfg.Logging)
	v.Set("gateway", cfg.Gateway)
	v.Set("tracing", cfg.Tracing)
	v.Set("metrics", cfg.Metrics)
	v.Set("data_dir", cfg.DataDir)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".stepflow", "stepflow.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
