package config

import (
	"encoding/json"
)

// Config represents the stepflow configuration
type Config struct {
	Agent   AgentConfig   `json:"agent" mapstructure:"agent"`
	Markers MarkersConfig `json:"markers" mapstructure:"markers"`
	AI      AIConfig      `json:"ai" mapstructure:"ai"`
	Tools   ToolsConfig   `json:"tools" mapstructure:"tools"`
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
	Hooks   HooksConfig   `json:"hooks" mapstructure:"hooks"`

	// Data directory for logs and the audit trail
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// AgentConfig holds the think/act loop settings
type AgentConfig struct {
	MaxSteps        int      `json:"max_steps" mapstructure:"max_steps"`
	MaxIdleThinks   int      `json:"max_idle_thinks" mapstructure:"max_idle_thinks"`
	SystemPrompt    string   `json:"system_prompt" mapstructure:"system_prompt"`
	NextStepPrompt  string   `json:"next_step_prompt" mapstructure:"next_step_prompt"`
	Model           string   `json:"model" mapstructure:"model"`
	Temperature     float64  `json:"temperature" mapstructure:"temperature"`
	MaxTokens       int      `json:"max_tokens" mapstructure:"max_tokens"`
	SpecialTools    []string `json:"special_tools" mapstructure:"special_tools"`         // finish the session when run
	HumanInputTools []string `json:"human_input_tools" mapstructure:"human_input_tools"` // park the session for a reply
}

// MarkersConfig holds the substrings the classifier looks for
type MarkersConfig struct {
	AwaitingInput string `json:"awaiting_input" mapstructure:"awaiting_input"`
	Error         string `json:"error" mapstructure:"error"`
	FinalAnswer   string `json:"final_answer" mapstructure:"final_answer"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles        []AIProfile `json:"profiles" mapstructure:"profiles"`
	CooldownSeconds int         `json:"cooldown_seconds" mapstructure:"cooldown_seconds"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url" mapstructure:"base_url"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// ToolsConfig holds tool execution settings
type ToolsConfig struct {
	TimeoutSeconds int      `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	Allow          []string `json:"allow" mapstructure:"allow"`
	Deny           []string `json:"deny" mapstructure:"deny"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port              int     `json:"port" mapstructure:"port"`
	Host              string  `json:"host" mapstructure:"host"`
	RequestsPerSecond float64 `json:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `json:"burst" mapstructure:"burst"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// MetricsConfig holds metrics job settings
type MetricsConfig struct {
	SessionStatsSchedule string `json:"session_stats_schedule" mapstructure:"session_stats_schedule"`
}

// HooksConfig holds shell hooks run on daemon and signal events
type HooksConfig struct {
	Enabled bool         `json:"enabled" mapstructure:"enabled"`
	Hooks   []HookConfig `json:"hooks" mapstructure:"hooks"`
}

// HookConfig binds a script to an event such as "daemon:startup" or "signal:completed"
type HookConfig struct {
	ID             string `json:"id" mapstructure:"id"`
	Event          string `json:"event" mapstructure:"event"`
	Script         string `json:"script" mapstructure:"script"`
	TimeoutSeconds int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	Enabled        bool   `json:"enabled" mapstructure:"enabled"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			MaxSteps:        10,
			MaxIdleThinks:   3,
			SystemPrompt:    "You are an agent that works toward the user's goal one step at a time.",
			NextStepPrompt:  "Decide the next step. Call a tool, or answer when the task is done.",
			Model:           "claude-sonnet-4",
			Temperature:     0.7,
			MaxTokens:       4096,
			SpecialTools:    []string{"terminate"},
			HumanInputTools: []string{"ask_human"},
		},
		Markers: MarkersConfig{
			AwaitingInput: "tool 'ask_human' execute result is",
			Error:         "Error",
			FinalAnswer:   "Results:",
		},
		AI: AIConfig{
			Profiles:        []AIProfile{},
			CooldownSeconds: 60,
		},
		Tools: ToolsConfig{
			TimeoutSeconds: 30,
			Allow:          []string{"*"},
			Deny:           []string{},
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Gateway: GatewayConfig{
			Port:              8080,
			Host:              "0.0.0.0",
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "stepflow",
		},
		Metrics: MetricsConfig{
			SessionStatsSchedule: "@every 30s",
		},
	}
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	masked.AI.Profiles = make([]AIProfile, len(c.AI.Profiles))
	for i, p := range c.AI.Profiles {
		if p.APIKey != "" {
			p.APIKey = "***"
		}
		masked.AI.Profiles[i] = p
	}
	data, _ := json.MarshalIndent(&masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	return NewValidator().Validate(c)
}
