package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

var validProviders = []string{"anthropic", "openai"}

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateProvider validates a provider name
func (v *Validator) ValidateProvider(provider string) error {
	for _, valid := range validProviders {
		if provider == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid provider %q (must be one of: %s)", provider, strings.Join(validProviders, ", "))
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 1 {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateSchedule validates a cron expression, descriptors such as "@every 30s" included
func (v *Validator) ValidateSchedule(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation and reports every problem found
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	if cfg.Agent.MaxSteps <= 0 {
		errs = append(errs, fmt.Errorf("agent.max_steps must be positive, got %d", cfg.Agent.MaxSteps))
	}
	if cfg.Agent.MaxIdleThinks < 0 {
		errs = append(errs, fmt.Errorf("agent.max_idle_thinks must be >= 0"))
	}
	if cfg.Agent.Model == "" {
		errs = append(errs, fmt.Errorf("agent.model is required"))
	}
	if cfg.Agent.Temperature != 0 {
		if err := v.ValidateTemperature(cfg.Agent.Temperature); err != nil {
			errs = append(errs, fmt.Errorf("agent: %w", err))
		}
	}
	if cfg.Agent.MaxTokens != 0 {
		if err := v.ValidateMaxTokens(cfg.Agent.MaxTokens); err != nil {
			errs = append(errs, fmt.Errorf("agent: %w", err))
		}
	}

	if cfg.Markers.AwaitingInput == "" || cfg.Markers.Error == "" || cfg.Markers.FinalAnswer == "" {
		errs = append(errs, fmt.Errorf("markers: awaiting_input, error and final_answer must be non-empty"))
	}

	seen := make(map[string]bool)
	for i, profile := range cfg.AI.Profiles {
		if profile.ID == "" {
			errs = append(errs, fmt.Errorf("AI profile %d: ID is required", i))
			continue
		}
		if seen[profile.ID] {
			errs = append(errs, fmt.Errorf("AI profile %s: duplicate ID", profile.ID))
		}
		seen[profile.ID] = true

		if err := v.ValidateProvider(profile.Provider); err != nil {
			errs = append(errs, fmt.Errorf("AI profile %s: %w", profile.ID, err))
			continue
		}
		if err := v.ValidateAPIKey(profile.APIKey, profile.Provider); err != nil {
			errs = append(errs, fmt.Errorf("AI profile %s: %w", profile.ID, err))
		}
	}
	if cfg.AI.CooldownSeconds < 0 {
		errs = append(errs, fmt.Errorf("ai.cooldown_seconds must be >= 0"))
	}

	if cfg.Tools.TimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("tools.timeout_seconds must be positive"))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port out of range: %d", cfg.Gateway.Port))
	}
	if cfg.Gateway.RequestsPerSecond < 0 || cfg.Gateway.Burst < 0 {
		errs = append(errs, fmt.Errorf("gateway rate limit values must be >= 0"))
	}

	if cfg.Metrics.SessionStatsSchedule != "" {
		if err := v.ValidateSchedule(cfg.Metrics.SessionStatsSchedule); err != nil {
			errs = append(errs, fmt.Errorf("metrics: %w", err))
		}
	}

	if cfg.Hooks.Enabled {
		for i, hook := range cfg.Hooks.Hooks {
			if hook.Event == "" || hook.Script == "" {
				errs = append(errs, fmt.Errorf("hook %d: event and script are required", i))
			}
			if hook.TimeoutSeconds < 0 {
				errs = append(errs, fmt.Errorf("hook %d: timeout_seconds must be >= 0", i))
			}
		}
	}

	return errs
}

// Validate returns all validation problems joined into one error
func (v *Validator) Validate(cfg *Config) error {
	return errors.Join(v.ValidateConfig(cfg)...)
}
