// Package config handles agentd role definition loading.
//
// A role definition is a small YAML document that declares which model an
// agent uses, which triggers wake it, which guardrails bound it, and how
// autonomous iteration behaves. The daemon turns one role file into one
// live process.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the role file search order.
// An explicit path (from -role flag) is checked first.
// Then: ./role.yaml, ~/.config/agentd/role.yaml, /etc/agentd/role.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"role.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "agentd", "role.yaml"))
	}

	paths = append(paths, "/etc/agentd/role.yaml")
	return paths
}

// FindRole locates a role file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindRole(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("role file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no role file found (searched: %v)", DefaultSearchPaths())
}

// Role is a complete role definition document.
type Role struct {
	APIVersion string   `yaml:"apiVersion"`
	Kind       string   `yaml:"kind"`
	Metadata   Metadata `yaml:"metadata"`
	Spec       Spec     `yaml:"spec"`
}

// Metadata identifies a role.
type Metadata struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Labels      map[string]string `yaml:"labels"`
}

// Spec holds the operational body of a role definition.
type Spec struct {
	// Role is the system prompt handed to the model on every run.
	Role          string        `yaml:"role"`
	Model         Model         `yaml:"model"`
	Triggers      []Trigger     `yaml:"triggers"`
	Autonomy      *Autonomy     `yaml:"autonomy"`
	Guardrails    Guardrails    `yaml:"guardrails"`
	Memory        *Memory       `yaml:"memory"`
	Sessions      *Sessions     `yaml:"sessions"`
	Sinks         []Sink        `yaml:"sinks"`
	Conversations Conversations `yaml:"conversations"`
	LogLevel      string        `yaml:"log_level"`
	AuditLog      string        `yaml:"audit_log"`
}

// Model selects the LLM provider endpoint for this role.
type Model struct {
	Provider string `yaml:"provider"` // openai, ollama, or any compatible endpoint
	Name     string `yaml:"name"`
	// BaseURL is the chat-completions endpoint root. Defaults per provider.
	BaseURL string `yaml:"base_url"`
	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`
	// MaxToolRounds bounds the provider-side tool loop within one iteration.
	MaxToolRounds int `yaml:"max_tool_rounds"`
}

// Guardrails bound a run regardless of what the agent wants.
type Guardrails struct {
	MaxIterations            int   `yaml:"max_iterations"`
	AutonomousTokenBudget    int64 `yaml:"autonomous_token_budget"`
	AutonomousTimeoutSeconds int   `yaml:"autonomous_timeout_seconds"`
	DaemonTokenBudget        int64 `yaml:"daemon_token_budget"`
	DaemonDailyTokenBudget   int64 `yaml:"daemon_daily_token_budget"`
}

// Autonomy configures the iterative loop. A role without an autonomy
// block never iterates: every trigger is a single model call.
type Autonomy struct {
	ContinuationPrompt      string  `yaml:"continuation_prompt"`
	MaxHistoryMessages      int     `yaml:"max_history_messages"`
	MaxPlanSteps            int     `yaml:"max_plan_steps"`
	IterationDelaySeconds   float64 `yaml:"iteration_delay_seconds"`
	MaxScheduledPerRun      int     `yaml:"max_scheduled_per_run"`
	MaxScheduledTotal       int     `yaml:"max_scheduled_total"`
	MaxScheduleDelaySeconds int     `yaml:"max_schedule_delay_seconds"`
	MaxNoToolCallIterations int     `yaml:"max_no_tool_call_iterations"`
}

// Trigger configures one event source. Type discriminates which of the
// remaining fields apply; the trigger dispatcher switches on it.
type Trigger struct {
	Type       string `yaml:"type"`
	Autonomous bool   `yaml:"autonomous"`

	// cron
	Schedule string `yaml:"schedule"`
	Prompt   string `yaml:"prompt"`
	Timezone string `yaml:"timezone"`

	// file_watch
	Paths           []string `yaml:"paths"`
	Extensions      []string `yaml:"extensions"`
	PromptTemplate  string   `yaml:"prompt_template"`
	DebounceSeconds float64  `yaml:"debounce_seconds"`
	ProcessExisting bool     `yaml:"process_existing"`

	// webhook
	Path         string `yaml:"path"`
	Port         int    `yaml:"port"`
	Method       string `yaml:"method"`
	Secret       string `yaml:"secret"`
	RateLimitRPM int    `yaml:"rate_limit_rpm"`

	// telegram + discord
	TokenEnv       string   `yaml:"token_env"`
	AllowedUsers   []string `yaml:"allowed_users"`
	AllowedUserIDs []int64  `yaml:"allowed_user_ids"`

	// discord
	ChannelIDs   []string `yaml:"channel_ids"`
	AllowedRoles []string `yaml:"allowed_roles"`

	// mqtt
	Broker             string   `yaml:"broker"`
	Topics             []string `yaml:"topics"`
	ClientID           string   `yaml:"client_id"`
	UsernameEnv        string   `yaml:"username_env"`
	PasswordEnv        string   `yaml:"password_env"`
	RateLimitPerMinute int      `yaml:"rate_limit_per_minute"`
}

// Memory configures the episodic memory store.
type Memory struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Sessions configures autonomous-run session persistence.
type Sessions struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Sink configures one output destination for run results.
type Sink struct {
	Type   string `yaml:"type"`   // console, file
	Path   string `yaml:"path"`   // file sink only
	Format string `yaml:"format"` // text (default) or html
}

// Conversations configures the per-chat history cache.
type Conversations struct {
	MaxEntries int `yaml:"max_entries"`
	TTLSeconds int `yaml:"ttl_seconds"`
}

// Load reads a role definition from a YAML file. Environment variables
// in the document are expanded before parsing, so secrets can be
// referenced as ${VAR} without appearing in the file.
func Load(path string) (*Role, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	role := &Role{}
	if err := yaml.Unmarshal([]byte(expanded), role); err != nil {
		return nil, fmt.Errorf("parse role file %s: %w", path, err)
	}

	role.ApplyDefaults()
	if err := role.Validate(); err != nil {
		return nil, fmt.Errorf("invalid role file %s: %w", path, err)
	}

	return role, nil
}

// Default values for optional fields.
const (
	DefaultMaxIterations           = 10
	DefaultContinuationPrompt      = "Continue working on the task. If everything is done, call finish_task with a summary and status."
	DefaultMaxHistoryMessages      = 40
	DefaultMaxPlanSteps            = 20
	DefaultMaxScheduledPerRun      = 3
	DefaultMaxScheduledTotal       = 50
	DefaultMaxScheduleDelaySeconds = 86400
	DefaultMaxNoToolCallIterations = 3
	DefaultConversationMaxEntries  = 200
	DefaultConversationTTLSeconds  = 3600
	DefaultMaxToolRounds           = 8
)

// ApplyDefaults fills zero-valued optional fields in place.
func (r *Role) ApplyDefaults() {
	s := &r.Spec

	if s.Guardrails.MaxIterations <= 0 {
		s.Guardrails.MaxIterations = DefaultMaxIterations
	}
	if s.Model.MaxToolRounds <= 0 {
		s.Model.MaxToolRounds = DefaultMaxToolRounds
	}
	if s.Conversations.MaxEntries <= 0 {
		s.Conversations.MaxEntries = DefaultConversationMaxEntries
	}
	if s.Conversations.TTLSeconds <= 0 {
		s.Conversations.TTLSeconds = DefaultConversationTTLSeconds
	}

	if a := s.Autonomy; a != nil {
		if a.ContinuationPrompt == "" {
			a.ContinuationPrompt = DefaultContinuationPrompt
		}
		if a.MaxHistoryMessages <= 0 {
			a.MaxHistoryMessages = DefaultMaxHistoryMessages
		}
		if a.MaxPlanSteps <= 0 {
			a.MaxPlanSteps = DefaultMaxPlanSteps
		}
		if a.MaxScheduledPerRun <= 0 {
			a.MaxScheduledPerRun = DefaultMaxScheduledPerRun
		}
		if a.MaxScheduledTotal <= 0 {
			a.MaxScheduledTotal = DefaultMaxScheduledTotal
		}
		if a.MaxScheduleDelaySeconds <= 0 {
			a.MaxScheduleDelaySeconds = DefaultMaxScheduleDelaySeconds
		}
		if a.MaxNoToolCallIterations <= 0 {
			a.MaxNoToolCallIterations = DefaultMaxNoToolCallIterations
		}
	}

	for i := range s.Triggers {
		t := &s.Triggers[i]
		switch t.Type {
		case "cron":
			if t.Timezone == "" {
				t.Timezone = "UTC"
			}
		case "file_watch":
			if t.PromptTemplate == "" {
				t.PromptTemplate = "File changed: {path}"
			}
			if t.DebounceSeconds <= 0 {
				t.DebounceSeconds = 1.0
			}
		case "webhook":
			if t.Path == "" {
				t.Path = "/webhook"
			}
			if t.Port == 0 {
				t.Port = 8080
			}
			if t.Method == "" {
				t.Method = "POST"
			}
			if t.RateLimitRPM <= 0 {
				t.RateLimitRPM = 60
			}
		case "telegram":
			if t.TokenEnv == "" {
				t.TokenEnv = "TELEGRAM_BOT_TOKEN"
			}
			if t.PromptTemplate == "" {
				t.PromptTemplate = "{message}"
			}
		case "discord":
			if t.TokenEnv == "" {
				t.TokenEnv = "DISCORD_BOT_TOKEN"
			}
			if t.PromptTemplate == "" {
				t.PromptTemplate = "{message}"
			}
		case "mqtt":
			if t.PromptTemplate == "" {
				t.PromptTemplate = "MQTT {topic}: {payload}"
			}
			if t.RateLimitPerMinute <= 0 {
				t.RateLimitPerMinute = 60
			}
		}
	}
}

// Validate rejects role files that cannot produce a working daemon.
// Unknown trigger types are allowed here — the dispatcher skips them —
// but structurally broken triggers of known types are errors.
func (r *Role) Validate() error {
	if r.Metadata.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}
	if r.Spec.Model.Name == "" {
		return fmt.Errorf("spec.model.name is required")
	}

	for i, t := range r.Spec.Triggers {
		switch t.Type {
		case "cron":
			if t.Schedule == "" {
				return fmt.Errorf("trigger %d (cron): schedule is required", i)
			}
			if t.Prompt == "" {
				return fmt.Errorf("trigger %d (cron): prompt is required", i)
			}
		case "file_watch":
			if len(t.Paths) == 0 {
				return fmt.Errorf("trigger %d (file_watch): at least one path is required", i)
			}
		case "mqtt":
			if t.Broker == "" {
				return fmt.Errorf("trigger %d (mqtt): broker is required", i)
			}
			if len(t.Topics) == 0 {
				return fmt.Errorf("trigger %d (mqtt): at least one topic is required", i)
			}
		}
	}

	return nil
}

// AutonomousTriggerTypes returns the set of trigger types routed to the
// autonomous loop. Self-scheduled follow-ups are always autonomous.
func (r *Role) AutonomousTriggerTypes() map[string]bool {
	types := map[string]bool{"scheduled": true}
	for _, t := range r.Spec.Triggers {
		if t.Autonomous && t.Type != "" {
			types[t.Type] = true
		}
	}
	return types
}
