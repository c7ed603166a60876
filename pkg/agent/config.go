package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/halyard-dev/halyard/pkg/llm"
	"github.com/halyard-dev/halyard/pkg/llm/models"
)

// FileConfig is the YAML structure of the halyard config file.
type FileConfig struct {
	// Provider: "anthropic" | "openai" | "bedrock" | "proxy", or any
	// openai-compatible host via BaseURL.
	Provider string `yaml:"provider"`

	// Model ID (e.g. "claude-opus-4-5", "gpt-5").
	Model string `yaml:"model"`

	// BaseURL overrides the default endpoint (OpenRouter, Groq, local
	// llama.cpp, a halyard proxy, ...).
	BaseURL string `yaml:"base_url"`

	// APIKey can be a literal key or "${ENV_VAR}" to read from environment.
	APIKey string `yaml:"api_key"`

	// SystemPrompt replaces the built-in prompt when set.
	SystemPrompt string `yaml:"system_prompt"`

	// MaxTokens caps the response length (0 = provider default).
	MaxTokens int `yaml:"max_tokens"`

	// Temperature controls sampling randomness (nil = provider default).
	Temperature *float64 `yaml:"temperature"`

	// Reasoning selects the extended-reasoning level for models that
	// support it: "off" | "minimal" | "low" | "medium" | "high" | "xhigh".
	Reasoning string `yaml:"reasoning"`

	// CacheRetention controls prompt caching: "none" | "short" | "long".
	CacheRetention string `yaml:"cache_retention"`

	// Region is used by Amazon Bedrock (e.g. "us-east-1").
	// Defaults to AWS_DEFAULT_REGION / ~/.aws/config.
	Region string `yaml:"region"`

	// Profile is the AWS profile name for Bedrock authentication.
	Profile string `yaml:"profile"`

	// MaxTurns caps the number of model calls per prompt (0 = unlimited).
	MaxTurns int `yaml:"max_turns"`

	// ContextWindow overrides the model registry's window, in tokens.
	ContextWindow int `yaml:"context_window"`

	// SessionDir overrides where session files are written.
	SessionDir string `yaml:"session_dir"`

	// Compaction controls automatic context compaction.
	Compaction CompactionFileConfig `yaml:"compaction"`

	// Tools configures built-in and plugin tools.
	Tools ToolsConfig `yaml:"tools"`
}

// CompactionFileConfig holds the compaction thresholds. Zero values fall back
// to the orchestrator's defaults.
type CompactionFileConfig struct {
	Enabled          bool `yaml:"enabled"`
	ContextWindow    int  `yaml:"context_window"`
	ReserveTokens    int  `yaml:"reserve_tokens"`
	KeepRecentTokens int  `yaml:"keep_recent_tokens"`
}

// ToolsConfig controls which built-in tools are registered and which plugin
// executables are loaded.
type ToolsConfig struct {
	// Preset selects the built-in tool set.
	// Values: "coding" (default) | "readonly" | "all" | "none"
	Preset string `yaml:"preset"`

	// WorkDir is the working directory for file tools.
	// Defaults to the process working directory.
	WorkDir string `yaml:"work_dir"`

	// Plugins lists external tool executables to load at startup.
	Plugins []PluginConfig `yaml:"plugins"`
}

// PluginConfig describes a single external tool plugin.
type PluginConfig struct {
	// Path is the path to the executable.
	Path string `yaml:"path"`
	// Args are extra CLI arguments passed to the plugin process.
	Args []string `yaml:"args"`
}

// ToolPreset returns the resolved builtin preset, defaulting to "coding".
func (c *FileConfig) ToolPreset() string {
	p := strings.ToLower(strings.TrimSpace(c.Tools.Preset))
	if p == "" {
		return "coding"
	}
	return p
}

// ResolveModel returns the model triple for the configured provider/model.
// Known models take their API from the model registry; everything else falls
// back to the provider's conventional wire protocol.
func (c *FileConfig) ResolveModel() llm.Model {
	if info := models.Lookup(c.Model); info != nil && info.Provider == c.Provider {
		return info.Ref()
	}
	return llm.Model{Provider: c.Provider, API: apiForProvider(c.Provider), ID: c.Model}
}

// apiForProvider maps a provider name to its wire protocol. The strings
// match the API constants of the corresponding adapter packages.
func apiForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "anthropic-messages"
	case "bedrock":
		return "bedrock-converse"
	case "proxy":
		return "proxy"
	default:
		// openai, openrouter, groq, xai, local hosts: all speak completions.
		return "openai-completions"
	}
}

// ResolveContextWindow returns the effective context window: the explicit
// override when set, else the model registry's figure (0 when unknown).
func (c *FileConfig) ResolveContextWindow() int {
	if c.ContextWindow > 0 {
		return c.ContextWindow
	}
	if c.Compaction.ContextWindow > 0 {
		return c.Compaction.ContextWindow
	}
	return models.ContextWindowFor(c.Model)
}

// StreamOpts renders the config's per-call stream options.
func (c *FileConfig) StreamOpts() llm.StreamOptions {
	opts := llm.StreamOptions{
		MaxTokens:   c.MaxTokens,
		Temperature: c.Temperature,
		APIKey:      c.APIKey,
	}
	if c.Reasoning != "" {
		opts.Reasoning = llm.ReasoningLevel(c.Reasoning)
	}
	if c.CacheRetention != "" {
		opts.CacheRetention = llm.CacheRetention(c.CacheRetention)
	}
	return opts
}

// ConfigDir returns the halyard config directory ($XDG_CONFIG_HOME/halyard,
// falling back to ~/.config/halyard).
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "halyard")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".halyard"
	}
	return filepath.Join(home, ".config", "halyard")
}

// DefaultConfigPath returns the conventional config file location.
func DefaultConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// LoadFileConfig reads and parses a YAML config file, expanding ${ENV_VAR}
// references before parsing.
func LoadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg FileConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := validateFileConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validateFileConfig(cfg *FileConfig) error {
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	if cfg.Provider == "" {
		return fmt.Errorf("config: provider is required")
	}
	if cfg.Model == "" {
		return fmt.Errorf("config: model is required")
	}
	switch cfg.Reasoning {
	case "", "off", "minimal", "low", "medium", "high", "xhigh":
	default:
		return fmt.Errorf("config: unknown reasoning level %q", cfg.Reasoning)
	}
	switch cfg.CacheRetention {
	case "", "none", "short", "long":
	default:
		return fmt.Errorf("config: unknown cache_retention %q", cfg.CacheRetention)
	}
	return nil
}
