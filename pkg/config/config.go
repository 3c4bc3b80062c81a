// Package config defines the runtime's YAML configuration and its loader.
// Values support ${VAR} and ${VAR:-default} environment expansion; .env and
// .env.local files are honored.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/jaato-labs/jaato/pkg/permission"
	"github.com/jaato-labs/jaato/pkg/provider"
)

// Config is the root configuration.
type Config struct {
	Model             string              `yaml:"model" mapstructure:"model"`
	SystemInstruction string              `yaml:"system_instruction,omitempty" mapstructure:"system_instruction"`
	Provider          ProviderConfig      `yaml:"provider" mapstructure:"provider"`
	Permission        PermissionConfig    `yaml:"permission" mapstructure:"permission"`
	Plugins           PluginsConfig       `yaml:"plugins" mapstructure:"plugins"`
	Ledger            LedgerConfig        `yaml:"ledger" mapstructure:"ledger"`
	GC                GCConfig            `yaml:"gc" mapstructure:"gc"`
	Orchestrator      OrchestratorConfig  `yaml:"orchestrator" mapstructure:"orchestrator"`
	Observability     ObservabilityConfig `yaml:"observability" mapstructure:"observability"`
	Sessions          SessionsConfig      `yaml:"sessions" mapstructure:"sessions"`
}

type ProviderConfig struct {
	Name string              `yaml:"name" mapstructure:"name"`
	Auth provider.AuthConfig `yaml:"auth" mapstructure:"auth"`
}

type PermissionConfig struct {
	Default    string            `yaml:"default" mapstructure:"default"` // allow | deny | ask
	Channel    string            `yaml:"channel" mapstructure:"channel"` // console | webhook | file
	WebhookURL string            `yaml:"webhook_url,omitempty" mapstructure:"webhook_url"`
	FileDir    string            `yaml:"file_dir,omitempty" mapstructure:"file_dir"`
	Timeout    time.Duration     `yaml:"timeout,omitempty" mapstructure:"timeout"`
	Whitelist  []permission.Rule `yaml:"whitelist,omitempty" mapstructure:"whitelist"`
	Blacklist  []permission.Rule `yaml:"blacklist,omitempty" mapstructure:"blacklist"`
}

// Policy converts the config into a permission policy.
func (p PermissionConfig) Policy() permission.Policy {
	return permission.Policy{
		Default:   p.Default,
		Whitelist: p.Whitelist,
		Blacklist: p.Blacklist,
		Timeout:   p.Timeout,
	}
}

type PluginsConfig struct {
	Dir    string                    `yaml:"dir,omitempty" mapstructure:"dir"`
	Expose map[string]map[string]any `yaml:"expose,omitempty" mapstructure:"expose"`
}

type LedgerConfig struct {
	Path string `yaml:"path,omitempty" mapstructure:"path"`
}

type GCConfig struct {
	Enabled          bool    `yaml:"enabled" mapstructure:"enabled"`
	ContextThreshold float64 `yaml:"context_threshold,omitempty" mapstructure:"context_threshold"`
	TurnLimit        int     `yaml:"turn_limit,omitempty" mapstructure:"turn_limit"`
}

type OrchestratorConfig struct {
	MaxToolIterations int `yaml:"max_tool_iterations,omitempty" mapstructure:"max_tool_iterations"`
	MaxParallelTools  int `yaml:"max_parallel_tools,omitempty" mapstructure:"max_parallel_tools"`
}

type ObservabilityConfig struct {
	TracingEnabled bool   `yaml:"tracing_enabled" mapstructure:"tracing_enabled"`
	MetricsEnabled bool   `yaml:"metrics_enabled" mapstructure:"metrics_enabled"`
	MetricsAddr    string `yaml:"metrics_addr,omitempty" mapstructure:"metrics_addr"`
	OTLPEndpoint   string `yaml:"otlp_endpoint,omitempty" mapstructure:"otlp_endpoint"`
}

type SessionsConfig struct {
	Dir string `yaml:"dir,omitempty" mapstructure:"dir"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Model == "" {
		c.Model = os.Getenv("JAATO_MODEL")
	}
	if c.Model == "" {
		c.Model = "gemini-2.5-flash"
	}
	if c.Provider.Name == "" {
		c.Provider.Name = "gemini"
	}
	if c.Provider.Auth.Method == "" {
		c.Provider.Auth = provider.AuthFromEnv()
	}
	if c.Permission.Default == "" {
		c.Permission.Default = permission.DefaultAsk
	}
	if c.Permission.Channel == "" {
		c.Permission.Channel = "console"
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = "jaato-ledger.jsonl"
	}
	if c.Orchestrator.MaxToolIterations == 0 {
		c.Orchestrator.MaxToolIterations = 8
	}
	if c.Orchestrator.MaxParallelTools == 0 {
		c.Orchestrator.MaxParallelTools = 4
	}
	if c.Observability.MetricsAddr == "" {
		c.Observability.MetricsAddr = ":9090"
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	switch c.Permission.Default {
	case permission.DefaultAllow, permission.DefaultDeny, permission.DefaultAsk:
	default:
		return fmt.Errorf("permission.default must be allow, deny or ask, got %q", c.Permission.Default)
	}
	switch c.Permission.Channel {
	case "console", "file":
	case "webhook":
		if c.Permission.WebhookURL == "" {
			return fmt.Errorf("permission.channel is webhook but webhook_url is empty")
		}
	default:
		return fmt.Errorf("permission.channel must be console, webhook or file, got %q", c.Permission.Channel)
	}
	return nil
}

// Load reads, expands and decodes a config file, then applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config bytes.
func Parse(data []byte) (*Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	expanded := ExpandEnvVarsInData(raw)

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(expanded); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}
