package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/mod/semver"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/internal/util"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/metrics"
)

// Options configure a Registry.
type Options struct {
	RefreshInterval  time.Duration   // Periodic discovery interval used by Start
	TTL              time.Duration   // Descriptors unseen for longer are evicted
	DefaultTimeout   time.Duration   // Per-invocation timeout when a descriptor sets none
	MaxRetries       int             // Retries for idempotent tools on transient errors
	InitialBackoff   time.Duration   // First retry delay
	MaxBackoff       time.Duration   // Retry delay cap
	CacheSize        int             // Idempotent result cache entries; 0 disables
	CacheTTL         time.Duration   // Cached result lifetime
	ConsentOverrides map[string]bool // Tool name -> RequiresConsent override
	Logger           logging.Logger
	Metrics          *metrics.Metrics
	Tracer           trace.Tracer
	Now              func() time.Time
}

// InvokeOptions carry per-call metadata recorded on the ToolInvocation.
type InvokeOptions struct {
	CorrelationID string
	ConsentID     string
}

// invokeFunc is the invocation closure bound to a provider at discovery.
type invokeFunc func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

type entry struct {
	desc     core.ToolDescriptor
	provider string
	lastSeen time.Time
	invoke   invokeFunc
}

// table is an immutable snapshot of discovered tools. Versions per name are
// sorted highest first.
type table struct {
	byName map[string][]*entry
}

func (t *table) lookup(name, version string) (*entry, bool) {
	for _, e := range t.byName[name] {
		if e.desc.Version == version || e.desc.CanonicalVersion() == core.CanonicalVersion(version) {
			return e, true
		}
	}
	return nil, false
}

// Registry discovers tools from providers and invokes them. Reads go through
// an atomically swapped snapshot and never block on discovery.
type Registry struct {
	providers []Provider
	snapshot  atomic.Pointer[table]
	discoMu   sync.Mutex
	cache     *resultCache
	opts      Options
}

// NewRegistry creates a registry over the given providers.
func NewRegistry(providers []Provider, optFns ...func(o *Options)) *Registry {
	opts := Options{
		RefreshInterval: 30 * time.Second,
		TTL:             5 * time.Minute,
		DefaultTimeout:  30 * time.Second,
		MaxRetries:      3,
		InitialBackoff:  100 * time.Millisecond,
		MaxBackoff:      2 * time.Second,
		CacheTTL:        defaultCacheTTL,
		Logger:          logging.NoOpLogger{},
		Now:             time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/hupe1980/taskmesh/tool")
	}

	r := &Registry{
		providers: providers,
		cache:     newResultCache(opts.CacheSize, opts.CacheTTL),
		opts:      opts,
	}
	r.snapshot.Store(&table{byName: map[string][]*entry{}})

	return r
}

type listing struct {
	descs []core.ToolDescriptor
	err   error
}

// Discover queries every provider concurrently, validates the descriptors and
// atomically publishes a new snapshot. A provider that fails keeps its
// previous descriptors until they exceed the TTL. Provider failures are
// returned joined; the snapshot is updated regardless.
func (r *Registry) Discover(ctx context.Context) ([]core.ToolDescriptor, error) {
	r.discoMu.Lock()
	defer r.discoMu.Unlock()

	results := make([]listing, len(r.providers))

	var g errgroup.Group
	for i, p := range r.providers {
		g.Go(func() error {
			descs, err := p.List(ctx)
			results[i] = listing{descs: descs, err: err}
			return nil
		})
	}
	_ = g.Wait()

	now := r.opts.Now()
	prev := r.snapshot.Load()
	next := &table{byName: map[string][]*entry{}}
	seen := map[string]struct{}{}

	var errs []error
	for i, p := range r.providers {
		res := results[i]
		if res.err != nil {
			errs = append(errs, fmt.Errorf("provider %s: %w", p.Name(), res.err))
			r.opts.Logger.Warn("registry.discover.provider_failed", "provider", p.Name(), "error", res.err.Error())
			r.carryOver(prev, next, p.Name(), now, seen)
			continue
		}
		for _, d := range res.descs {
			if err := validateDescriptor(d); err != nil {
				r.opts.Logger.Warn("registry.discover.invalid_descriptor", "provider", p.Name(), "tool", d.Key(), "error", err.Error())
				continue
			}
			if _, dup := seen[d.Key()]; dup {
				continue
			}
			seen[d.Key()] = struct{}{}

			d.Provider = p.Name()
			d.DiscoveredAt = now
			if override, ok := r.opts.ConsentOverrides[d.Name]; ok {
				d.RequiresConsent = override
			}
			next.byName[d.Name] = append(next.byName[d.Name], &entry{
				desc:     d,
				provider: p.Name(),
				lastSeen: now,
				invoke:   bind(p, d.Name, d.Version),
			})
		}
	}

	for _, list := range next.byName {
		sortVersions(list)
	}
	r.snapshot.Store(next)

	r.opts.Logger.Debug("registry.discover.completed", "tools", len(seen), "failed_providers", len(errs))

	return r.Catalog(), errors.Join(errs...)
}

// carryOver copies a failed provider's still-fresh entries into next.
func (r *Registry) carryOver(prev, next *table, provider string, now time.Time, seen map[string]struct{}) {
	for name, list := range prev.byName {
		for _, e := range list {
			if e.provider != provider || r.expired(e, now) {
				continue
			}
			if _, dup := seen[e.desc.Key()]; dup {
				continue
			}
			seen[e.desc.Key()] = struct{}{}
			next.byName[name] = append(next.byName[name], e)
		}
	}
}

func (r *Registry) expired(e *entry, now time.Time) bool {
	return r.opts.TTL > 0 && now.Sub(e.lastSeen) > r.opts.TTL
}

// Sweep evicts descriptors that have not been seen within the TTL.
func (r *Registry) Sweep() int {
	r.discoMu.Lock()
	defer r.discoMu.Unlock()

	now := r.opts.Now()
	prev := r.snapshot.Load()
	next := &table{byName: make(map[string][]*entry, len(prev.byName))}
	evicted := 0

	for name, list := range prev.byName {
		for _, e := range list {
			if r.expired(e, now) {
				evicted++
				r.opts.Logger.Info("registry.sweep.evicted", "tool", e.desc.Key(), "provider", e.provider)
				continue
			}
			next.byName[name] = append(next.byName[name], e)
		}
	}
	if evicted > 0 {
		r.snapshot.Store(next)
	}

	return evicted
}

// Start runs an initial discovery and then, until ctx is done, refreshes
// every RefreshInterval and sweeps expired descriptors. Without a refresh
// interval only the sweep runs, every TTL. It returns after the initial
// discovery.
func (r *Registry) Start(ctx context.Context) error {
	if _, err := r.Discover(ctx); err != nil {
		r.opts.Logger.Warn("registry.start.partial", "error", err.Error())
	}

	refresh := r.opts.RefreshInterval > 0
	interval := r.opts.RefreshInterval
	if !refresh {
		interval = r.opts.TTL
	}
	if interval <= 0 {
		return nil
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if refresh {
					if _, err := r.Discover(ctx); err != nil && ctx.Err() == nil {
						r.opts.Logger.Warn("registry.refresh.partial", "error", err.Error())
					}
				}
				if n := r.Sweep(); n > 0 {
					r.opts.Logger.Debug("registry.sweep", "evicted", n)
				}
			}
		}
	}()

	return nil
}

// Catalog lists the current snapshot sorted by name, then version descending.
func (r *Registry) Catalog() []core.ToolDescriptor {
	t := r.snapshot.Load()

	names := make([]string, 0, len(t.byName))
	for n := range t.byName {
		names = append(names, n)
	}
	sort.Strings(names)

	var out []core.ToolDescriptor
	for _, n := range names {
		for _, e := range t.byName[n] {
			out = append(out, e.desc)
		}
	}

	return out
}

// Resolve returns the exact version when one is given, otherwise the highest
// stable version. "latest" is treated like an empty version.
func (r *Registry) Resolve(name, version string) (core.ToolDescriptor, error) {
	t := r.snapshot.Load()

	if version != "" && version != "latest" {
		if e, ok := t.lookup(name, version); ok {
			return e.desc, nil
		}
		return core.ToolDescriptor{}, fmt.Errorf("%w: %s@%s", core.ErrToolNotFound, name, version)
	}

	for _, e := range t.byName[name] {
		if e.desc.IsStable() {
			return e.desc, nil
		}
	}

	return core.ToolDescriptor{}, fmt.Errorf("%w: no stable version of %s", core.ErrToolNotFound, name)
}

// Invoke calls the tool described by desc. The returned ToolInvocation is
// finalized exactly once and is populated even when err is non-nil.
func (r *Registry) Invoke(ctx context.Context, desc core.ToolDescriptor, input json.RawMessage, optFns ...func(o *InvokeOptions)) (core.ToolInvocation, error) {
	var io InvokeOptions
	for _, fn := range optFns {
		fn(&io)
	}

	inv := core.ToolInvocation{
		ID:            core.NewID(),
		Tool:          desc.Name,
		Version:       desc.Version,
		CorrelationID: io.CorrelationID,
		ConsentID:     io.ConsentID,
		Input:         input,
		StartedAt:     r.opts.Now(),
	}

	ctx, span := r.opts.Tracer.Start(ctx, "tool.invoke", trace.WithAttributes(
		attribute.String("tool.name", desc.Name),
		attribute.String("tool.version", desc.Version),
	))
	defer span.End()

	start := time.Now()
	out, retries, cached, err := r.invoke(ctx, desc, input)

	inv.Duration = time.Since(start)
	inv.Retries = retries
	inv.Cached = cached
	if err != nil {
		inv.Error = core.FailureFrom(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		inv.Output = out
	}

	outcome := "ok"
	switch {
	case err == nil:
	case core.IsTransient(err):
		outcome = "transient"
	default:
		outcome = "permanent"
	}
	r.opts.Metrics.ObserveToolInvocation(desc.Name, outcome, inv.Duration)
	if sl, ok := r.opts.Logger.(*logging.StructuredLogger); ok {
		sl.LogToolCall(desc.Name, desc.Version, inv.Duration, retries, err)
	} else {
		r.opts.Logger.Debug("tool.invoke.finished", "tool", desc.Key(), "outcome", outcome, "retries", retries)
	}

	return inv, err
}

func (r *Registry) invoke(ctx context.Context, desc core.ToolDescriptor, input json.RawMessage) (json.RawMessage, int, bool, error) {
	e, ok := r.snapshot.Load().lookup(desc.Name, desc.Version)
	if !ok {
		return nil, 0, false, fmt.Errorf("%w: %s", core.ErrToolNotFound, desc.Key())
	}
	desc = e.desc

	if err := validateInput(desc, input); err != nil {
		return nil, 0, false, err
	}

	var key string
	if desc.Idempotent && r.cache != nil {
		key = cacheKey(desc.Key(), input)
		if out, hit := r.cache.get(key); hit {
			return out, 0, true, nil
		}
	}

	timeout := desc.Timeout(r.opts.DefaultTimeout)
	attempt := func() (json.RawMessage, error) {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		out, err := e.invoke(callCtx, input)
		if err == nil {
			if verr := validateOutput(desc, out); verr != nil {
				return nil, verr
			}
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil {
			return nil, core.NewTransientToolError(desc.Name, CodeTimeout, fmt.Errorf("no result within %s: %w", timeout, context.DeadlineExceeded))
		}
		var te *core.ToolError
		if !errors.As(err, &te) {
			return nil, core.NewPermanentToolError(desc.Name, CodeExecution, err)
		}
		return nil, te
	}

	if !desc.Idempotent || r.opts.MaxRetries <= 0 {
		out, err := attempt()
		if err == nil && key != "" {
			r.cache.add(key, out)
		}
		return out, 0, false, err
	}

	retries := -1
	op := func() (json.RawMessage, error) {
		retries++
		if retries > 0 {
			r.opts.Metrics.ToolRetried(desc.Name)
		}
		out, err := attempt()
		if err != nil && (!core.IsTransient(err) || ctx.Err() != nil) {
			return nil, backoff.Permanent(err)
		}
		return out, err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.opts.InitialBackoff
	eb.MaxInterval = r.opts.MaxBackoff

	out, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(r.opts.MaxRetries+1)),
		backoff.WithNotify(func(err error, d time.Duration) {
			r.opts.Logger.Info("tool.invoke.retry", "tool", desc.Key(), "delay", d, "error", err.Error())
		}),
	)
	if retries < 0 {
		retries = 0
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, retries, false, ctx.Err()
		}
		return nil, retries, false, err
	}

	if key != "" {
		r.cache.add(key, out)
	}

	return out, retries, false, nil
}

// CacheLen reports the number of cached results.
func (r *Registry) CacheLen() int { return r.cache.len() }

func bind(p Provider, name, version string) invokeFunc {
	return func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		return p.Invoke(ctx, name, version, input)
	}
}

func validateDescriptor(d core.ToolDescriptor) error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("missing name")
	}
	if !semver.IsValid(d.CanonicalVersion()) {
		return fmt.Errorf("invalid semantic version %q", d.Version)
	}
	if err := util.CheckObjectSchema(d.InputSchema); err != nil {
		return fmt.Errorf("input schema: %w", err)
	}
	if err := util.CheckObjectSchema(d.OutputSchema); err != nil {
		return fmt.Errorf("output schema: %w", err)
	}
	return nil
}

func validateInput(desc core.ToolDescriptor, input json.RawMessage) error {
	if _, err := util.ValidateInput(input, desc.InputSchema); err != nil {
		return core.NewPermanentToolError(desc.Name, CodeValidation, err)
	}
	return nil
}

func validateOutput(desc core.ToolDescriptor, out json.RawMessage) error {
	if desc.OutputSchema == nil {
		return nil
	}
	if _, err := util.ValidateInput(out, desc.OutputSchema); err != nil {
		return core.NewPermanentToolError(desc.Name, CodeInvalidOutput, err)
	}
	return nil
}

func sortVersions(list []*entry) {
	sort.SliceStable(list, func(i, j int) bool {
		return semver.Compare(list[i].desc.CanonicalVersion(), list[j].desc.CanonicalVersion()) > 0
	})
}
