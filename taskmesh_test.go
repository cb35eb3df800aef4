package taskmesh

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/agent"
	"github.com/hupe1980/taskmesh/audit"
	"github.com/hupe1980/taskmesh/config"
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/gateway"
	"github.com/hupe1980/taskmesh/internal/testutil"
	"github.com/hupe1980/taskmesh/orchestrator"
	"github.com/hupe1980/taskmesh/tool"
)

func echoBackend() gateway.Backend {
	return gateway.Backend{Name: "scripted", Model: testutil.TextModel("done")}
}

func TestNew_SubmitSync(t *testing.T) {
	clock := tool.NewFunctionTool("clock", "Current time", nil, func(context.Context, map[string]any) (any, error) {
		return time.Now().UTC().Format(time.RFC3339), nil
	})

	m, err := New(func(o *Options) {
		o.Backends = []gateway.Backend{echoBackend()}
		o.Providers = []tool.Provider{tool.NewLocalProvider("local", clock)}
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, m.Close(context.Background())) }()

	require.NoError(t, m.Start(context.Background()))
	require.Len(t, m.Registry().Catalog(), 1)

	snap, err := m.SubmitSync(context.Background(), "what time is it", orchestrator.Config{})
	require.NoError(t, err)
	assert.Equal(t, core.TaskCompleted, snap.Status)
	assert.Equal(t, "done", *snap.Result)

	entries, err := m.Audit().Replay(context.Background(), snap.ID, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestNew_SubmitSyncCancelsOnContext(t *testing.T) {
	m, err := New(func(o *Options) {
		o.Backends = []gateway.Backend{{Name: "blocker", Model: testutil.BlockingModel()}}
	})
	require.NoError(t, err)
	defer func() { _ = m.Close(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = m.SubmitSync(ctx, "never answers", orchestrator.Config{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNew_NoBackendsFailsTask(t *testing.T) {
	m, err := New()
	require.NoError(t, err)
	defer func() { _ = m.Close(context.Background()) }()

	snap, err := m.SubmitSync(context.Background(), "hello", orchestrator.Config{})
	require.NoError(t, err)
	assert.Equal(t, core.TaskFailed, snap.Status)
	assert.Equal(t, core.ReasonModelUnavailable, snap.Error.Code)
}

func TestNewFromConfig(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "tools.yaml")
	require.NoError(t, os.WriteFile(manifest, []byte(`
endpoint: http://127.0.0.1:1
tools:
  - name: weather
    version: 1.0.0
    description: Current weather
    inputSchema:
      type: object
`), 0o600))

	cfgFile := filepath.Join(dir, "taskmesh.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte(`
log:
  level: error
registry:
  refresh_interval: 0s
  providers:
    - name: files
      type: file
      path: `+manifest+`
gateway:
  backends:
    - name: gpt
      provider: openai
      model: gpt-4o-mini
      api_key_env: TASKMESH_TEST_OPENAI_KEY
    - name: claude
      provider: anthropic
      model: claude-3-5-haiku-latest
      class: deep
      api_key_env: TASKMESH_TEST_ANTHROPIC_KEY
audit:
  driver: sqlite
  dsn: `+filepath.Join(dir, "audit.db")+`
policies:
  research: quorum
`), 0o600))
	t.Setenv("TASKMESH_TEST_OPENAI_KEY", "sk-test")
	t.Setenv("TASKMESH_TEST_ANTHROPIC_KEY", "sk-ant-test")

	cfg, err := config.Load(cfgFile)
	require.NoError(t, err)

	m, err := NewFromConfig(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, m.Close(context.Background())) }()

	assert.ElementsMatch(t, []string{gateway.DefaultClass, "deep"}, m.Gateway().Classes())
	assert.IsType(t, &audit.SQLiteLog{}, m.Audit())

	require.NoError(t, m.Start(context.Background()))
	catalog := m.Registry().Catalog()
	require.Len(t, catalog, 1)
	assert.Equal(t, "weather", catalog[0].Name)
	assert.Equal(t, "files", catalog[0].Provider)
}

func TestNewFromConfig_OverrideBackends(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Policies = map[string]string{"research": "quorum"}

	m, err := NewFromConfig(context.Background(), cfg, func(o *Options) {
		o.Backends = []gateway.Backend{echoBackend()}
	})
	require.NoError(t, err)
	defer func() { _ = m.Close(context.Background()) }()

	snap, err := m.SubmitSync(context.Background(), "hi", orchestrator.Config{})
	require.NoError(t, err)
	assert.Equal(t, "done", *snap.Result)
	assert.Equal(t, orchestrator.PolicyFirstSuccess, snap.Config.Policy)

	snap, err = m.SubmitSync(context.Background(), "research topic", orchestrator.Config{
		Type:   "research",
		Agents: []agent.Spec{{Role: "a"}, {Role: "b"}, {Role: "c"}},
	})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.PolicyQuorum, snap.Config.Policy)
	assert.Equal(t, 2, snap.Config.Quorum)
	assert.Equal(t, "done", *snap.Result)
}

func TestBackendsAndProviders(t *testing.T) {
	_, err := Backends([]config.BackendConfig{{Name: "x", Provider: "local", Model: "m"}})
	assert.Error(t, err)

	_, err = Providers([]config.ProviderConfig{{Name: "x", Type: "grpc"}})
	assert.Error(t, err)

	ps, err := Providers([]config.ProviderConfig{
		{Name: "remote", Type: "http", URL: "http://tools.local"},
		{Name: "disk", Type: "file", Path: "tools.yaml"},
	})
	require.NoError(t, err)
	require.Len(t, ps, 2)
	assert.Equal(t, "remote", ps[0].Name())
	assert.Equal(t, "disk", ps[1].Name())
}
