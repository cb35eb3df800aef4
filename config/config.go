// Package config loads the taskmesh configuration from a YAML file and
// TASKMESH_ prefixed environment variables.
//
// Environment variables use the key path with dots replaced by underscores,
// e.g. TASKMESH_SERVER_ADDR or TASKMESH_AGENT_STEP_BUDGET. Viper lowercases
// map keys, so tool names in registry.consent_overrides and task types in
// policies are matched case-insensitively.
package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hupe1980/taskmesh/orchestrator"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "TASKMESH"

// Config is the complete taskmesh configuration.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	Agent        AgentConfig        `mapstructure:"agent"`
	Consent      ConsentConfig      `mapstructure:"consent"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Registry     RegistryConfig     `mapstructure:"registry"`
	Gateway      GatewayConfig      `mapstructure:"gateway"`
	Audit        AuditConfig        `mapstructure:"audit"`

	// Policies maps task types to aggregation policies.
	Policies map[string]string `mapstructure:"policies"`
}

// ServerConfig configures the HTTP task API.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	CORSOrigins       []string      `mapstructure:"cors_origins"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

// AgentConfig configures agent runs.
type AgentConfig struct {
	StepBudget       int           `mapstructure:"step_budget"`
	ModelCallTimeout time.Duration `mapstructure:"model_call_timeout"`
}

// ConsentConfig configures the consent gate.
type ConsentConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// OrchestratorConfig configures task execution defaults.
type OrchestratorConfig struct {
	MaxRetries    int           `mapstructure:"max_retries"`
	MaxParallel   int           `mapstructure:"max_parallel"`
	DefaultPolicy string        `mapstructure:"default_policy"`
	TaskTimeout   time.Duration `mapstructure:"task_timeout"`
	EventBuffer   int           `mapstructure:"event_buffer"`
}

// RegistryConfig configures tool discovery and invocation.
type RegistryConfig struct {
	RefreshInterval  time.Duration    `mapstructure:"refresh_interval"`
	TTL              time.Duration    `mapstructure:"ttl"`
	InvokeTimeout    time.Duration    `mapstructure:"invoke_timeout"`
	MaxRetries       int              `mapstructure:"max_retries"`
	CacheSize        int              `mapstructure:"cache_size"`
	CacheTTL         time.Duration    `mapstructure:"cache_ttl"`
	ConsentOverrides map[string]bool  `mapstructure:"consent_overrides"`
	Providers        []ProviderConfig `mapstructure:"providers"`
}

// ProviderConfig describes one tool provider.
type ProviderConfig struct {
	Name    string            `mapstructure:"name"`
	Type    string            `mapstructure:"type"` // http or file
	URL     string            `mapstructure:"url"`
	Path    string            `mapstructure:"path"`
	Headers map[string]string `mapstructure:"headers"`
}

// GatewayConfig configures the model gateway.
type GatewayConfig struct {
	FailureThreshold int             `mapstructure:"failure_threshold"`
	Cooldown         time.Duration   `mapstructure:"cooldown"`
	CallTimeout      time.Duration   `mapstructure:"call_timeout"`
	Backends         []BackendConfig `mapstructure:"backends"`
}

// BackendConfig describes one model backend.
type BackendConfig struct {
	Name          string        `mapstructure:"name"`
	Provider      string        `mapstructure:"provider"` // openai or anthropic
	Model         string        `mapstructure:"model"`
	Class         string        `mapstructure:"class"`
	Priority      int           `mapstructure:"priority"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	QueueWait     time.Duration `mapstructure:"queue_wait"`
	APIKeyEnv     string        `mapstructure:"api_key_env"`
	BaseURL       string        `mapstructure:"base_url"`
}

// AuditConfig selects the audit log backend.
type AuditConfig struct {
	Driver string `mapstructure:"driver"` // memory or sqlite
	DSN    string `mapstructure:"dsn"`
}

// defaults are applied before the file and the environment.
var defaults = map[string]any{
	"server.addr":                 ":8080",
	"server.cors_origins":         []string{"*"},
	"server.heartbeat_interval":   "15s",
	"server.shutdown_timeout":     "10s",
	"log.level":                   "info",
	"log.format":                  "json",
	"agent.step_budget":           25,
	"agent.model_call_timeout":    "60s",
	"consent.timeout":             "5m",
	"orchestrator.max_retries":    2,
	"orchestrator.max_parallel":   0,
	"orchestrator.default_policy": "first_success",
	"orchestrator.task_timeout":   "0s",
	"orchestrator.event_buffer":   256,
	"registry.refresh_interval":   "30s",
	"registry.ttl":                "5m",
	"registry.invoke_timeout":     "30s",
	"registry.max_retries":        3,
	"registry.cache_size":         0,
	"registry.cache_ttl":          "1m",
	"gateway.failure_threshold":   5,
	"gateway.cooldown":            "30s",
	"gateway.call_timeout":        "60s",
	"audit.driver":                "memory",
	"audit.dsn":                   "taskmesh-audit.db",
}

// Loader reads configuration through a viper instance.
type Loader struct {
	v    *viper.Viper
	file string
}

// NewLoader creates a loader with a private viper instance.
func NewLoader() *Loader {
	return NewLoaderWithViper(viper.New())
}

// NewLoaderWithViper creates a loader on top of v, e.g. one with bound CLI
// flags.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{v: v}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.file = path
	return l
}

// Load reads defaults, the config file (when set) and the environment, and
// validates the result.
func (l *Loader) Load() (*Config, error) {
	v := l.v
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.file != "" {
		v.SetConfigFile(l.file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", l.file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load is shorthand for NewLoader().WithConfigFile(path).Load(). An empty
// path loads defaults and the environment only.
func Load(path string) (*Config, error) {
	return NewLoader().WithConfigFile(path).Load()
}

// Validate checks enumerations and required fields.
func (c *Config) Validate() error {
	var errs []error

	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}

	switch c.Audit.Driver {
	case "memory":
	case "sqlite":
		if c.Audit.DSN == "" {
			errs = append(errs, errors.New("audit.dsn is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("audit.driver must be memory or sqlite, got %q", c.Audit.Driver))
	}

	if c.Agent.StepBudget <= 0 {
		errs = append(errs, errors.New("agent.step_budget must be positive"))
	}

	if c.Server.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("server.heartbeat_interval must be positive, got %s", c.Server.HeartbeatInterval))
	}

	if _, err := orchestrator.ParsePolicy(c.Orchestrator.DefaultPolicy); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator.default_policy: %w", err))
	}
	for _, taskType := range slices.Sorted(maps.Keys(c.Policies)) {
		if _, err := orchestrator.ParsePolicy(c.Policies[taskType]); err != nil {
			errs = append(errs, fmt.Errorf("policies.%s: %w", taskType, err))
		}
	}

	for i, p := range c.Registry.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("registry.providers[%d]: name is required", i))
		}
		switch p.Type {
		case "http":
			if p.URL == "" {
				errs = append(errs, fmt.Errorf("registry.providers[%d]: url is required for http providers", i))
			}
		case "file":
			if p.Path == "" {
				errs = append(errs, fmt.Errorf("registry.providers[%d]: path is required for file providers", i))
			}
		default:
			errs = append(errs, fmt.Errorf("registry.providers[%d]: type must be http or file, got %q", i, p.Type))
		}
	}

	for i, b := range c.Gateway.Backends {
		if b.Name == "" {
			errs = append(errs, fmt.Errorf("gateway.backends[%d]: name is required", i))
		}
		if b.Provider != "openai" && b.Provider != "anthropic" {
			errs = append(errs, fmt.Errorf("gateway.backends[%d]: provider must be openai or anthropic, got %q", i, b.Provider))
		}
		if b.Model == "" {
			errs = append(errs, fmt.Errorf("gateway.backends[%d]: model is required", i))
		}
	}

	return errors.Join(errs...)
}
