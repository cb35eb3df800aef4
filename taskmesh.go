// Package taskmesh wires the task orchestration core into one handle: the
// model gateway, the tool registry, the consent gate, the agent runner, the
// orchestrator and the audit log.
//
// Most applications either build a TaskMesh from a loaded config file with
// NewFromConfig, or call New with explicit backends and tool providers and
// then:
//  1. Start it to run tool discovery in the background
//  2. Submit tasks (Submit, or SubmitSync to wait for the outcome)
//  3. Serve the HTTP task API via Server
//
// Defaults keep everything in memory and are suitable for local development
// and tests.
package taskmesh

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/hupe1980/taskmesh/agent"
	"github.com/hupe1980/taskmesh/audit"
	"github.com/hupe1980/taskmesh/config"
	"github.com/hupe1980/taskmesh/consent"
	"github.com/hupe1980/taskmesh/gateway"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/metrics"
	"github.com/hupe1980/taskmesh/model"
	"github.com/hupe1980/taskmesh/model/anthropic"
	"github.com/hupe1980/taskmesh/model/openai"
	"github.com/hupe1980/taskmesh/orchestrator"
	"github.com/hupe1980/taskmesh/server"
	"github.com/hupe1980/taskmesh/task"
	"github.com/hupe1980/taskmesh/tool"
)

// Options configures a TaskMesh. Zero durations and counts keep the
// defaults of the component they belong to.
type Options struct {
	// Backends serve model calls. At least one is required to run tasks.
	Backends []gateway.Backend
	// Providers supply tools to the registry.
	Providers []tool.Provider

	// Stores (default to in-memory implementations if not provided)
	Store task.Store
	Audit audit.Log

	Logger  logging.Logger
	Metrics *metrics.Metrics

	// Agent runs
	StepBudget       int
	ModelCallTimeout time.Duration

	// Consent
	ConsentTimeout time.Duration

	// Gateway
	FailureThreshold int
	Cooldown         time.Duration
	CallTimeout      time.Duration

	// Tool registry
	RefreshInterval  time.Duration
	ToolTTL          time.Duration
	ToolTimeout      time.Duration
	ToolRetries      int
	CacheSize        int
	CacheTTL         time.Duration
	ConsentOverrides map[string]bool

	// Orchestrator. MaxRetries is a pointer because zero disables retries.
	MaxRetries    *int
	MaxParallel   int
	TaskTimeout   time.Duration
	DefaultPolicy orchestrator.Policy
	Policies      map[string]orchestrator.Policy
	EventBuffer   int
}

// TaskMesh aggregates the wired components.
type TaskMesh struct {
	opts     Options
	gateway  *gateway.Gateway
	registry *tool.Registry
	gate     *consent.Gate
	runner   *agent.Runner
	orch     *orchestrator.Orchestrator
}

// New wires a TaskMesh. Unset stores get in-memory implementations.
func New(optFns ...func(o *Options)) (*TaskMesh, error) {
	opts := Options{
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	if opts.Store == nil {
		opts.Store = task.NewInMemoryStore()
	}
	if opts.Audit == nil {
		opts.Audit = audit.NewMemoryLog()
	}

	gw, err := gateway.New(opts.Backends, func(o *gateway.Options) {
		setIf(&o.FailureThreshold, opts.FailureThreshold)
		setIf(&o.Cooldown, opts.Cooldown)
		setIf(&o.CallTimeout, opts.CallTimeout)
		o.Logger = withComponent(opts.Logger, "gateway")
		o.Metrics = opts.Metrics
	})
	if err != nil {
		return nil, err
	}

	registry := tool.NewRegistry(opts.Providers, func(o *tool.Options) {
		setIf(&o.RefreshInterval, opts.RefreshInterval)
		setIf(&o.TTL, opts.ToolTTL)
		setIf(&o.DefaultTimeout, opts.ToolTimeout)
		setIf(&o.MaxRetries, opts.ToolRetries)
		setIf(&o.CacheSize, opts.CacheSize)
		setIf(&o.CacheTTL, opts.CacheTTL)
		o.ConsentOverrides = opts.ConsentOverrides
		o.Logger = withComponent(opts.Logger, "registry")
		o.Metrics = opts.Metrics
	})

	m := &TaskMesh{opts: opts, gateway: gw, registry: registry}

	m.gate = consent.NewGate(func(o *consent.Options) {
		setIf(&o.Timeout, opts.ConsentTimeout)
		o.Audit = opts.Audit
		o.Logger = withComponent(opts.Logger, "consent")
		o.Metrics = opts.Metrics
		o.OnRequest = func(req consent.Request) { m.orch.ConsentRequested(req) }
		o.OnResolve = func(req consent.Request, v consent.Verdict, err error) { m.orch.ConsentResolved(req, v, err) }
	})

	m.runner = agent.NewRunner(gw, registry, m.gate, func(o *agent.Options) {
		setIf(&o.StepBudget, opts.StepBudget)
		setIf(&o.ModelCallTimeout, opts.ModelCallTimeout)
		o.Audit = opts.Audit
		o.Logger = withComponent(opts.Logger, "agent")
	})

	m.orch = orchestrator.New(m.runner, m.gate, func(o *orchestrator.Options) {
		o.Store = opts.Store
		o.Audit = opts.Audit
		o.Logger = withComponent(opts.Logger, "orchestrator")
		o.Metrics = opts.Metrics
		if opts.MaxRetries != nil {
			o.MaxRetries = *opts.MaxRetries
		}
		setIf(&o.MaxParallel, opts.MaxParallel)
		setIf(&o.TaskTimeout, opts.TaskTimeout)
		setIf(&o.DefaultPolicy, opts.DefaultPolicy)
		setIf(&o.EventBuffer, opts.EventBuffer)
		o.Policies = opts.Policies
	})

	return m, nil
}

// NewFromConfig wires a TaskMesh from a loaded configuration. optFns are
// applied after the config and may override any of it.
func NewFromConfig(ctx context.Context, cfg *config.Config, optFns ...func(o *Options)) (*TaskMesh, error) {
	logger := logging.NewLogger(&logging.LoggerConfig{
		Level:     logging.ParseLevel(cfg.Log.Level),
		Format:    cfg.Log.Format,
		Output:    os.Stderr,
		Component: "taskmesh",
	})

	backends, err := Backends(cfg.Gateway.Backends)
	if err != nil {
		return nil, err
	}
	providers, err := Providers(cfg.Registry.Providers)
	if err != nil {
		return nil, err
	}

	defaultPolicy, err := orchestrator.ParsePolicy(cfg.Orchestrator.DefaultPolicy)
	if err != nil {
		return nil, fmt.Errorf("orchestrator.default_policy: %w", err)
	}
	policies := make(map[string]orchestrator.Policy, len(cfg.Policies))
	for taskType, name := range cfg.Policies {
		p, err := orchestrator.ParsePolicy(name)
		if err != nil {
			return nil, fmt.Errorf("policies.%s: %w", taskType, err)
		}
		policies[taskType] = p
	}

	maxRetries := cfg.Orchestrator.MaxRetries
	base := func(o *Options) {
		o.Backends = backends
		o.Providers = providers
		o.Logger = logger
		o.Metrics = metrics.Default()

		o.StepBudget = cfg.Agent.StepBudget
		o.ModelCallTimeout = cfg.Agent.ModelCallTimeout
		o.ConsentTimeout = cfg.Consent.Timeout

		o.FailureThreshold = cfg.Gateway.FailureThreshold
		o.Cooldown = cfg.Gateway.Cooldown
		o.CallTimeout = cfg.Gateway.CallTimeout

		o.RefreshInterval = cfg.Registry.RefreshInterval
		o.ToolTTL = cfg.Registry.TTL
		o.ToolTimeout = cfg.Registry.InvokeTimeout
		o.ToolRetries = cfg.Registry.MaxRetries
		o.CacheSize = cfg.Registry.CacheSize
		o.CacheTTL = cfg.Registry.CacheTTL
		o.ConsentOverrides = cfg.Registry.ConsentOverrides

		o.MaxRetries = &maxRetries
		o.MaxParallel = cfg.Orchestrator.MaxParallel
		o.TaskTimeout = cfg.Orchestrator.TaskTimeout
		o.DefaultPolicy = defaultPolicy
		o.Policies = policies
		o.EventBuffer = cfg.Orchestrator.EventBuffer
	}

	var auditLog audit.Log
	if cfg.Audit.Driver == "sqlite" {
		l, err := audit.OpenSQLite(ctx, cfg.Audit.DSN)
		if err != nil {
			return nil, err
		}
		auditLog = l
	}

	m, err := New(append([]func(o *Options){base, func(o *Options) {
		if auditLog != nil {
			o.Audit = auditLog
		}
	}}, optFns...)...)
	if err != nil && auditLog != nil {
		_ = auditLog.Close()
	}
	return m, err
}

// Backends builds gateway backends from their configuration. API keys are
// read from the environment variable each backend names.
func Backends(cfgs []config.BackendConfig) ([]gateway.Backend, error) {
	out := make([]gateway.Backend, 0, len(cfgs))
	for _, c := range cfgs {
		var apiKey string
		if c.APIKeyEnv != "" {
			apiKey = os.Getenv(c.APIKeyEnv)
		}

		var m model.Model
		switch c.Provider {
		case "openai":
			m = openai.NewModel(func(o *openai.Options) {
				o.Model = c.Model
				o.APIKey = apiKey
				o.BaseURL = c.BaseURL
			})
		case "anthropic":
			m = anthropic.NewModel(func(o *anthropic.Options) {
				o.Model = anthropicsdk.Model(c.Model)
				o.APIKey = apiKey
				o.BaseURL = c.BaseURL
			})
		default:
			return nil, fmt.Errorf("backend %s: unknown provider %q", c.Name, c.Provider)
		}

		out = append(out, gateway.Backend{
			Name:          c.Name,
			Class:         c.Class,
			Priority:      c.Priority,
			Model:         m,
			MaxConcurrent: c.MaxConcurrent,
			QueueWait:     c.QueueWait,
		})
	}
	return out, nil
}

// Providers builds tool providers from their configuration.
func Providers(cfgs []config.ProviderConfig) ([]tool.Provider, error) {
	out := make([]tool.Provider, 0, len(cfgs))
	for _, c := range cfgs {
		headers := func(o *tool.HTTPOptions) { o.Headers = c.Headers }
		switch c.Type {
		case "http":
			out = append(out, tool.NewHTTPProvider(c.Name, c.URL, headers))
		case "file":
			out = append(out, tool.NewFileProvider(c.Name, c.Path, headers))
		default:
			return nil, fmt.Errorf("provider %s: unknown type %q", c.Name, c.Type)
		}
	}
	return out, nil
}

// Start runs the initial tool discovery and keeps refreshing the registry
// until ctx is done.
func (m *TaskMesh) Start(ctx context.Context) error {
	return m.registry.Start(ctx)
}

// Submit starts a task asynchronously and returns its id.
func (m *TaskMesh) Submit(ctx context.Context, prompt string, cfg orchestrator.Config) (string, error) {
	return m.orch.Submit(ctx, prompt, cfg)
}

// SubmitSync starts a task and waits for its terminal snapshot. If ctx ends
// first the task is cancelled.
func (m *TaskMesh) SubmitSync(ctx context.Context, prompt string, cfg orchestrator.Config) (orchestrator.Snapshot, error) {
	id, err := m.orch.Submit(ctx, prompt, cfg)
	if err != nil {
		return orchestrator.Snapshot{}, err
	}

	snap, err := m.orch.Wait(ctx, id)
	if err != nil {
		_ = m.orch.Cancel(id)
		return orchestrator.Snapshot{}, err
	}
	return snap, nil
}

// Server returns the HTTP task API for this mesh.
func (m *TaskMesh) Server(optFns ...func(o *server.Options)) *server.Server {
	return server.New(m.orch, append([]func(o *server.Options){func(o *server.Options) {
		o.Logger = withComponent(m.opts.Logger, "server")
		o.Audit = m.opts.Audit
		o.Catalog = m.registry
	}}, optFns...)...)
}

// Orchestrator returns the task orchestrator.
func (m *TaskMesh) Orchestrator() *orchestrator.Orchestrator { return m.orch }

// Registry returns the tool registry.
func (m *TaskMesh) Registry() *tool.Registry { return m.registry }

// Gateway returns the model gateway.
func (m *TaskMesh) Gateway() *gateway.Gateway { return m.gateway }

// ConsentGate returns the consent gate.
func (m *TaskMesh) ConsentGate() *consent.Gate { return m.gate }

// Audit returns the audit log.
func (m *TaskMesh) Audit() audit.Log { return m.opts.Audit }

// Close cancels active tasks, waits for them to stop and closes the audit
// log.
func (m *TaskMesh) Close(ctx context.Context) error {
	return errors.Join(m.orch.Close(ctx), m.opts.Audit.Close())
}

func setIf[T comparable](dst *T, v T) {
	var zero T
	if v != zero {
		*dst = v
	}
}

func withComponent(l logging.Logger, component string) logging.Logger {
	if sl, ok := l.(*logging.StructuredLogger); ok {
		return sl.WithComponent(component)
	}
	return l
}
