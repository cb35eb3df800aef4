// Package gateway routes model requests to configured backends grouped by
// capability class. Each backend is protected by a circuit breaker and an
// in-flight limiter; failed calls fall back to the next backend in priority
// order within the same request.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/metrics"
	"github.com/hupe1980/taskmesh/model"
)

// DefaultClass is used when a hint names no capability class.
const DefaultClass = "default"

// Backend is one model endpoint serving a capability class.
type Backend struct {
	Name          string
	Class         string
	Priority      int // Lower values are tried first
	Model         model.Model
	MaxConcurrent int           // <= 0 means unbounded
	QueueWait     time.Duration // How long callers wait for a free slot
}

// Hint steers backend selection for a single request.
type Hint struct {
	Class   string
	Timeout time.Duration // Overrides Options.CallTimeout when > 0
}

// Result is the response of a successful Generate call.
type Result struct {
	model.Response
	Backend  string
	Attempts int
}

// Options configure the gateway.
type Options struct {
	FailureThreshold int
	Cooldown         time.Duration
	CallTimeout      time.Duration
	Logger           logging.Logger
	Metrics          *metrics.Metrics
	Tracer           trace.Tracer
	Now              func() time.Time
}

type backend struct {
	Backend
	breaker *Breaker
	limiter *limiter
}

// Gateway selects a backend per request. It is safe for concurrent use.
type Gateway struct {
	classes map[string][]*backend
	opts    Options
}

// New builds a gateway for the given backends.
func New(backends []Backend, optFns ...func(o *Options)) (*Gateway, error) {
	bc := DefaultBreakerConfig()
	opts := Options{
		FailureThreshold: bc.FailureThreshold,
		Cooldown:         bc.Cooldown,
		CallTimeout:      60 * time.Second,
		Logger:           logging.NoOpLogger{},
		Now:              time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/hupe1980/taskmesh/gateway")
	}
	opts.Logger = logging.OrNoOp(opts.Logger)

	breakerConfig := BreakerConfig{
		FailureThreshold: opts.FailureThreshold,
		Cooldown:         opts.Cooldown,
		Now:              opts.Now,
		OnStateChange: func(name string, from, to BreakerState) {
			opts.Metrics.SetBreakerState(name, int(to))
			opts.Logger.Warn("gateway.breaker.state", "backend", name, "from", from.String(), "to", to.String())
		},
	}

	g := &Gateway{classes: map[string][]*backend{}, opts: opts}
	seen := map[string]struct{}{}

	for _, b := range backends {
		if b.Name == "" {
			return nil, errors.New("gateway: backend without name")
		}
		if b.Model == nil {
			return nil, fmt.Errorf("gateway: backend %s has no model", b.Name)
		}
		if _, dup := seen[b.Name]; dup {
			return nil, fmt.Errorf("gateway: duplicate backend %s", b.Name)
		}
		seen[b.Name] = struct{}{}
		if b.Class == "" {
			b.Class = DefaultClass
		}

		be := &backend{
			Backend: b,
			limiter: newLimiter(b.MaxConcurrent),
			breaker: NewBreaker(b.Name, breakerConfig),
		}
		g.classes[b.Class] = append(g.classes[b.Class], be)
	}

	for _, list := range g.classes {
		sort.SliceStable(list, func(i, j int) bool { return list[i].Priority < list[j].Priority })
	}

	return g, nil
}

// Classes returns the configured capability classes.
func (g *Gateway) Classes() []string {
	out := make([]string, 0, len(g.classes))
	for c := range g.classes {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Generate sends req to the first admissible backend of the hinted class,
// falling back in priority order when a backend fails. It returns
// ModelUnavailableError when every backend is open or failed and
// ErrGatewaySaturated when the remaining backends stayed busy for their
// queue wait.
func (g *Gateway) Generate(ctx context.Context, req model.Request, hint Hint) (Result, error) {
	class := hint.Class
	if class == "" {
		class = DefaultClass
	}
	list, ok := g.classes[class]
	if !ok || len(list) == 0 {
		return Result{}, &core.ModelUnavailableError{Class: class, Err: fmt.Errorf("no backends for class %q", class)}
	}

	ctx, span := g.opts.Tracer.Start(ctx, "gateway.generate", trace.WithAttributes(attribute.String("model.class", class)))
	defer span.End()

	res, err := g.generate(ctx, class, list, req, hint)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	span.SetAttributes(attribute.String("model.backend", res.Backend), attribute.Int("model.attempts", res.Attempts))

	return res, nil
}

func (g *Gateway) generate(ctx context.Context, class string, list []*backend, req model.Request, hint Hint) (Result, error) {
	var (
		attempts int
		lastErr  error
		tried    = make(map[string]struct{}, len(list))
	)

	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		b, err := g.admit(ctx, list, tried)
		if err != nil {
			return Result{}, err
		}
		if b == nil {
			if attempts == 0 {
				return Result{}, &core.ModelUnavailableError{Class: class}
			}
			return Result{}, &core.ModelUnavailableError{Class: class, Attempts: attempts, Err: lastErr}
		}

		tried[b.Name] = struct{}{}
		attempts++

		resp, err := g.call(ctx, b, req, hint)
		if err == nil {
			return Result{Response: resp, Backend: b.Name, Attempts: attempts}, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		lastErr = err
		g.opts.Logger.Warn("gateway.fallback", "backend", b.Name, "class", class, "error", err.Error())
	}
}

// admit picks the first untried backend whose breaker allows a request and
// whose limiter has room. When every allowed backend is busy it waits on the
// highest priority one for its queue wait. A nil backend means every
// remaining backend is open.
func (g *Gateway) admit(ctx context.Context, list []*backend, tried map[string]struct{}) (*backend, error) {
	var waitOn *backend

	for _, b := range list {
		if _, done := tried[b.Name]; done {
			continue
		}
		if !b.breaker.Available() {
			continue
		}
		if !b.limiter.tryAcquire() {
			if waitOn == nil {
				waitOn = b
			}
			continue
		}
		if b.breaker.Allow() {
			return b, nil
		}
		b.limiter.release()
	}

	if waitOn == nil {
		return nil, nil
	}

	ok, err := waitOn.limiter.acquire(ctx, waitOn.QueueWait)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: backend %s has %d calls in flight", core.ErrGatewaySaturated, waitOn.Name, waitOn.limiter.inFlight())
	}
	if !waitOn.breaker.Allow() {
		waitOn.limiter.release()
		return nil, nil
	}

	return waitOn, nil
}

func (g *Gateway) call(ctx context.Context, b *backend, req model.Request, hint Hint) (model.Response, error) {
	defer b.limiter.release()

	timeout := g.opts.CallTimeout
	if hint.Timeout > 0 {
		timeout = hint.Timeout
	}
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := model.Collect(callCtx, b.Model, req)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		b.breaker.Success()
		g.opts.Metrics.ObserveModelCall(b.Name, "ok", elapsed)
		g.logCall(b, elapsed, nil)
	case ctx.Err() != nil:
		b.breaker.Release()
		g.opts.Metrics.ObserveModelCall(b.Name, "cancelled", elapsed)
	default:
		b.breaker.Failure()
		g.opts.Metrics.ObserveModelCall(b.Name, "error", elapsed)
		g.logCall(b, elapsed, err)
	}

	return resp, err
}

func (g *Gateway) logCall(b *backend, d time.Duration, err error) {
	if sl, ok := g.opts.Logger.(*logging.StructuredLogger); ok {
		sl.LogModelCall(b.Name, b.Class, d, err)
		return
	}
	if err != nil {
		g.opts.Logger.Warn("model.call.failed", "backend", b.Name, "class", b.Class, "duration", d, "error", err.Error())
		return
	}
	g.opts.Logger.Debug("model.call.completed", "backend", b.Name, "class", b.Class, "duration", d)
}

// BackendState reports the breaker state of a backend.
func (g *Gateway) BackendState(name string) (BreakerState, bool) {
	for _, list := range g.classes {
		for _, b := range list {
			if b.Name == name {
				return b.breaker.State(), true
			}
		}
	}
	return StateClosed, false
}
