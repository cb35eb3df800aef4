package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskmesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 15*time.Second, cfg.Server.HeartbeatInterval)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 25, cfg.Agent.StepBudget)
	assert.Equal(t, 5*time.Minute, cfg.Consent.Timeout)
	assert.Equal(t, 2, cfg.Orchestrator.MaxRetries)
	assert.Equal(t, "first_success", cfg.Orchestrator.DefaultPolicy)
	assert.Equal(t, 30*time.Second, cfg.Registry.RefreshInterval)
	assert.Equal(t, 5, cfg.Gateway.FailureThreshold)
	assert.Equal(t, "memory", cfg.Audit.Driver)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: 127.0.0.1:9000
log:
  level: debug
  format: text
agent:
  step_budget: 8
  model_call_timeout: 20s
orchestrator:
  max_retries: 1
  task_timeout: 2m
registry:
  consent_overrides:
    refund: true
  providers:
    - name: billing
      type: http
      url: http://billing.local/tools
    - name: builtin
      type: file
      path: ./tools.yaml
gateway:
  cooldown: 1m
  backends:
    - name: primary
      provider: openai
      model: gpt-4o-mini
      class: fast
      priority: 1
      max_concurrent: 4
      queue_wait: 500ms
      api_key_env: OPENAI_API_KEY
    - name: fallback
      provider: anthropic
      model: claude-haiku
      priority: 2
audit:
  driver: sqlite
  dsn: /tmp/audit.db
policies:
  research: quorum
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 8, cfg.Agent.StepBudget)
	assert.Equal(t, 20*time.Second, cfg.Agent.ModelCallTimeout)
	assert.Equal(t, 1, cfg.Orchestrator.MaxRetries)
	assert.Equal(t, 2*time.Minute, cfg.Orchestrator.TaskTimeout)
	assert.True(t, cfg.Registry.ConsentOverrides["refund"])

	require.Len(t, cfg.Registry.Providers, 2)
	assert.Equal(t, "http", cfg.Registry.Providers[0].Type)
	assert.Equal(t, "./tools.yaml", cfg.Registry.Providers[1].Path)

	require.Len(t, cfg.Gateway.Backends, 2)
	assert.Equal(t, time.Minute, cfg.Gateway.Cooldown)
	b := cfg.Gateway.Backends[0]
	assert.Equal(t, "fast", b.Class)
	assert.Equal(t, 4, b.MaxConcurrent)
	assert.Equal(t, 500*time.Millisecond, b.QueueWait)
	assert.Equal(t, "OPENAI_API_KEY", b.APIKeyEnv)

	assert.Equal(t, "sqlite", cfg.Audit.Driver)
	assert.Equal(t, "quorum", cfg.Policies["research"])

	// Unset keys keep their defaults.
	assert.Equal(t, 5*time.Minute, cfg.Consent.Timeout)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: :9000\n")
	t.Setenv("TASKMESH_SERVER_ADDR", ":7000")
	t.Setenv("TASKMESH_AGENT_STEP_BUDGET", "3")
	t.Setenv("TASKMESH_CONSENT_TIMEOUT", "10s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, 3, cfg.Agent.StepBudget)
	assert.Equal(t, 10*time.Second, cfg.Consent.Timeout)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoaderWithViper(t *testing.T) {
	v := viper.New()
	v.Set("log.level", "warn")

	cfg, err := NewLoaderWithViper(v).Load()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"log format", "log:\n  format: xml\n", "log.format"},
		{"audit driver", "audit:\n  driver: postgres\n", "audit.driver"},
		{"step budget", "agent:\n  step_budget: 0\n", "step_budget"},
		{"provider type", "registry:\n  providers:\n    - name: x\n      type: grpc\n", "type must be http or file"},
		{"provider url", "registry:\n  providers:\n    - name: x\n      type: http\n", "url is required"},
		{"backend provider", "gateway:\n  backends:\n    - name: x\n      provider: local\n      model: m\n", "provider must be openai or anthropic"},
		{"backend model", "gateway:\n  backends:\n    - name: x\n      provider: openai\n", "model is required"},
		{"zero heartbeat", "server:\n  heartbeat_interval: 0s\n", "server.heartbeat_interval must be positive"},
		{"negative heartbeat", "server:\n  heartbeat_interval: -5s\n", "server.heartbeat_interval must be positive"},
		{"default policy", "orchestrator:\n  default_policy: first_sucess\n", "orchestrator.default_policy"},
		{"task type policy", "policies:\n  research: majority\n", "policies.research"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_ZeroHeartbeatFromEnv(t *testing.T) {
	t.Setenv("TASKMESH_SERVER_HEARTBEAT_INTERVAL", "0s")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.heartbeat_interval")
}

func TestValidate_PolicyNamesAreNormalized(t *testing.T) {
	cfg, err := Load(writeConfig(t, "orchestrator:\n  default_policy: \" Quorum \"\npolicies:\n  research: BEST_EFFORT\n"))
	require.NoError(t, err)
	assert.Equal(t, " Quorum ", cfg.Orchestrator.DefaultPolicy)
	assert.Equal(t, "BEST_EFFORT", cfg.Policies["research"])
}
