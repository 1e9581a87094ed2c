// Package config defines the mend service configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	Database  DatabaseConfig  `json:"database" yaml:"database"`
	Workspace WorkspaceConfig `json:"workspace" yaml:"workspace"`
	Providers ProvidersConfig `json:"providers" yaml:"providers"`
	GitHub    GitHubConfig    `json:"github" yaml:"github"`
	Prompts   PromptsConfig   `json:"prompts" yaml:"prompts"`
	Budget    BudgetConfig    `json:"budget" yaml:"budget"`
	Queue     QueueConfig     `json:"queue" yaml:"queue"`
	Sandbox   SandboxConfig   `json:"sandbox" yaml:"sandbox"`
	LogLevel  string          `json:"log_level" yaml:"log_level"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":8380"
}

// AuthConfig controls API authentication.
type AuthConfig struct {
	JWTSecret string       `json:"jwt_secret" yaml:"jwt_secret"`
	Users     []UserConfig `json:"users" yaml:"users"`
}

// UserConfig is one API user. PasswordHash is a bcrypt hash.
type UserConfig struct {
	Username     string `json:"username" yaml:"username"`
	PasswordHash string `json:"password_hash" yaml:"password_hash"`
}

// DatabaseConfig controls the SQLite database.
type DatabaseConfig struct {
	Path string `json:"path" yaml:"path"`
}

// WorkspaceConfig controls where repositories are cloned.
type WorkspaceConfig struct {
	Dir string `json:"dir" yaml:"dir"`
}

// ProvidersConfig holds model provider credentials. Keys support ${VAR}
// expansion from the environment.
type ProvidersConfig struct {
	OpenAI    ProviderConfig `json:"openai" yaml:"openai"`
	Anthropic ProviderConfig `json:"anthropic" yaml:"anthropic"`
}

// ProviderConfig is one provider's settings.
type ProviderConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// GitHubConfig holds the token used for cloning, pushing, and opening PRs.
type GitHubConfig struct {
	Token string `json:"token" yaml:"token"`
}

// PromptsConfig controls the prompt registry.
type PromptsConfig struct {
	// OverlayDir, when set, overrides embedded prompt definitions with
	// same-named JSON files on disk.
	OverlayDir string `json:"overlay_dir,omitempty" yaml:"overlay_dir"`
	// Models pins purposes to models, overriding the definitions' defaults,
	// e.g. fix_generation: claude-3-5-sonnet-20241022.
	Models map[string]string `json:"models,omitempty" yaml:"models"`
}

// BudgetConfig caps model spend.
type BudgetConfig struct {
	MaxCostPerTaskUSD       float64 `json:"max_cost_per_task_usd" yaml:"max_cost_per_task_usd"`
	MaxTokensPerTask        int     `json:"max_tokens_per_task" yaml:"max_tokens_per_task"`
	MaxCostPerUserPerDayUSD float64 `json:"max_cost_per_user_per_day_usd" yaml:"max_cost_per_user_per_day_usd"`
}

// QueueConfig caps admission and concurrency.
type QueueConfig struct {
	MaxActiveTasks        int      `json:"max_active_tasks" yaml:"max_active_tasks"`
	MaxTasksPerUserPerDay int      `json:"max_tasks_per_user_per_day" yaml:"max_tasks_per_user_per_day"`
	Workers               int      `json:"workers" yaml:"workers"`
	TaskTimeoutMinutes    int      `json:"task_timeout_minutes" yaml:"task_timeout_minutes"`
	AllowedHosts          []string `json:"allowed_hosts" yaml:"allowed_hosts"`
}

// TaskTimeout returns the task deadline as a duration.
func (q QueueConfig) TaskTimeout() time.Duration {
	return time.Duration(q.TaskTimeoutMinutes) * time.Minute
}

// SandboxConfig controls the container test runs.
type SandboxConfig struct {
	Image              string `json:"image" yaml:"image"`
	MemoryLimitMB      int    `json:"memory_limit_mb" yaml:"memory_limit_mb"`
	TestTimeoutSeconds int    `json:"test_timeout_seconds" yaml:"test_timeout_seconds"`
	NetworkMode        string `json:"network_mode" yaml:"network_mode"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8380",
		},
		Database: DatabaseConfig{
			Path: "./data/mend.db",
		},
		Workspace: WorkspaceConfig{
			Dir: "./data/workspaces",
		},
		Providers: ProvidersConfig{
			OpenAI:    ProviderConfig{APIKey: "${OPENAI_API_KEY}", Enabled: true},
			Anthropic: ProviderConfig{APIKey: "${ANTHROPIC_API_KEY}", Enabled: true},
		},
		GitHub: GitHubConfig{
			Token: "${GITHUB_TOKEN}",
		},
		Budget: BudgetConfig{
			MaxCostPerTaskUSD:       5.00,
			MaxTokensPerTask:        500_000,
			MaxCostPerUserPerDayUSD: 50.00,
		},
		Queue: QueueConfig{
			MaxActiveTasks:        100,
			MaxTasksPerUserPerDay: 20,
			Workers:               4,
			TaskTimeoutMinutes:    30,
			AllowedHosts:          []string{"github.com"},
		},
		Sandbox: SandboxConfig{
			Image:              "node:20-bookworm-slim",
			MemoryLimitMB:      2048,
			TestTimeoutSeconds: 300,
			NetworkMode:        "none",
		},
		LogLevel: "info",
	}
}

// Load reads a YAML config file over the defaults and expands ${VAR}
// references from the environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.expandEnv()
	return cfg, nil
}

// LoadOrDefault loads path if it exists, otherwise returns the defaults
// with environment references expanded.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	cfg := DefaultConfig()
	cfg.expandEnv()
	return cfg, nil
}

// expandEnv resolves ${VAR} in credential fields. Unset variables expand
// to the empty string, which downstream treats as "not configured".
func (c *Config) expandEnv() {
	c.Auth.JWTSecret = os.ExpandEnv(c.Auth.JWTSecret)
	c.Providers.OpenAI.APIKey = os.ExpandEnv(c.Providers.OpenAI.APIKey)
	c.Providers.Anthropic.APIKey = os.ExpandEnv(c.Providers.Anthropic.APIKey)
	c.GitHub.Token = os.ExpandEnv(c.GitHub.Token)
}
