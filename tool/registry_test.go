package tool

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/core"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyProvider wraps a provider and fails List while failing is set.
type flakyProvider struct {
	Provider
	failing atomic.Bool
}

func (p *flakyProvider) List(ctx context.Context) ([]core.ToolDescriptor, error) {
	if p.failing.Load() {
		return nil, errors.New("connection refused")
	}
	return p.Provider.List(ctx)
}

var citySchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"city": map[string]any{"type": "string"},
	},
	"required": []string{"city"},
}

func echoTool(version string, optFns ...func(d *core.ToolDescriptor)) *FunctionTool {
	fns := append([]func(d *core.ToolDescriptor){func(d *core.ToolDescriptor) { d.Version = version }}, optFns...)
	return NewFunctionTool("weather", "Current weather", citySchema, func(_ context.Context, args map[string]any) (any, error) {
		return map[string]any{"city": args["city"], "version": version}, nil
	}, fns...)
}

func TestRegistry_ResolveHighestStableVersion(t *testing.T) {
	p := NewLocalProvider("local",
		echoTool("1.0.0"),
		echoTool("1.2.0"),
		echoTool("2.0.0-beta.1"),
		echoTool("1.5.0", func(d *core.ToolDescriptor) { d.Stability = core.StabilityExperimental }),
	)
	r := NewRegistry([]Provider{p})

	_, err := r.Discover(context.Background())
	require.NoError(t, err)

	d, err := r.Resolve("weather", "")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", d.Version)
	assert.Equal(t, "local", d.Provider)

	d, err = r.Resolve("weather", "latest")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", d.Version)

	d, err = r.Resolve("weather", "2.0.0-beta.1")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0-beta.1", d.Version)

	_, err = r.Resolve("weather", "3.0.0")
	assert.ErrorIs(t, err, core.ErrToolNotFound)

	_, err = r.Resolve("unknown", "")
	assert.ErrorIs(t, err, core.ErrToolNotFound)

	catalog := r.Catalog()
	require.Len(t, catalog, 4)
	assert.Equal(t, "2.0.0-beta.1", catalog[0].Version)
}

func TestRegistry_DiscoverSkipsInvalidDescriptors(t *testing.T) {
	bad := NewFunctionTool("broken", "bad version", nil, nil, func(d *core.ToolDescriptor) { d.Version = "latest-ish" })
	badSchema := NewFunctionTool("array_input", "bad schema", map[string]any{"type": "array"}, nil)
	r := NewRegistry([]Provider{NewLocalProvider("local", echoTool("1.0.0"), bad, badSchema)})

	descs, err := r.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, descs, 1)
	assert.Equal(t, "weather", descs[0].Name)
}

func TestRegistry_FirstProviderWinsOnDuplicateKey(t *testing.T) {
	a := NewLocalProvider("a", echoTool("1.0.0"))
	b := NewLocalProvider("b", echoTool("1.0.0"))
	r := NewRegistry([]Provider{a, b})

	_, err := r.Discover(context.Background())
	require.NoError(t, err)

	d, err := r.Resolve("weather", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "a", d.Provider)
	assert.Len(t, r.Catalog(), 1)
}

func TestRegistry_ConsentOverride(t *testing.T) {
	r := NewRegistry([]Provider{NewLocalProvider("local", echoTool("1.0.0"))}, func(o *Options) {
		o.ConsentOverrides = map[string]bool{"weather": true}
	})

	_, err := r.Discover(context.Background())
	require.NoError(t, err)

	d, err := r.Resolve("weather", "")
	require.NoError(t, err)
	assert.True(t, d.RequiresConsent)
}

func TestRegistry_FailedProviderKeepsEntriesUntilTTL(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	flaky := &flakyProvider{Provider: NewLocalProvider("remote", echoTool("1.0.0"))}
	r := NewRegistry([]Provider{flaky}, func(o *Options) {
		o.TTL = time.Minute
		o.Now = clock.Now
	})

	_, err := r.Discover(context.Background())
	require.NoError(t, err)

	flaky.failing.Store(true)
	clock.Advance(30 * time.Second)

	descs, err := r.Discover(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote")
	assert.Len(t, descs, 1)

	clock.Advance(45 * time.Second)

	descs, err = r.Discover(context.Background())
	require.Error(t, err)
	assert.Empty(t, descs)

	_, err = r.Resolve("weather", "")
	assert.ErrorIs(t, err, core.ErrToolNotFound)
}

func TestRegistry_SweepEvictsStaleEntries(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	r := NewRegistry([]Provider{NewLocalProvider("local", echoTool("1.0.0"))}, func(o *Options) {
		o.TTL = time.Minute
		o.Now = clock.Now
	})

	_, err := r.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, r.Sweep())

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, r.Sweep())
	assert.Empty(t, r.Catalog())
}

func TestRegistry_ConcurrentDiscoverAndResolve(t *testing.T) {
	r := NewRegistry([]Provider{NewLocalProvider("local", echoTool("1.0.0"), echoTool("1.1.0"))})
	_, err := r.Discover(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = r.Discover(context.Background())
		}()
		go func() {
			defer wg.Done()
			d, err := r.Resolve("weather", "")
			assert.NoError(t, err)
			assert.Equal(t, "1.1.0", d.Version)
		}()
	}
	wg.Wait()
}

func TestRegistry_InvokeValidatesInput(t *testing.T) {
	var calls atomic.Int32
	ft := NewFunctionTool("weather", "Current weather", citySchema, func(context.Context, map[string]any) (any, error) {
		calls.Add(1)
		return "sunny", nil
	})
	r := NewRegistry([]Provider{NewLocalProvider("local", ft)})
	_, err := r.Discover(context.Background())
	require.NoError(t, err)

	d, err := r.Resolve("weather", "")
	require.NoError(t, err)

	inv, err := r.Invoke(context.Background(), d, json.RawMessage(`{"country":"DE"}`), func(o *InvokeOptions) {
		o.CorrelationID = "call-1"
	})
	var te *core.ToolError
	require.ErrorAs(t, err, &te)
	assert.False(t, te.Transient)
	assert.Equal(t, CodeValidation, te.Code)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, "call-1", inv.CorrelationID)
	require.NotNil(t, inv.Error)
	assert.Equal(t, core.ReasonToolPermanent, inv.Error.Code)
	assert.False(t, inv.Succeeded())

	inv, err = r.Invoke(context.Background(), d, json.RawMessage(`{"city":"Berlin"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `"sunny"`, string(inv.Output))
	assert.True(t, inv.Succeeded())
}

func TestRegistry_InvokeUnknownTool(t *testing.T) {
	r := NewRegistry(nil)

	_, err := r.Invoke(context.Background(), core.ToolDescriptor{Name: "ghost", Version: "1.0.0"}, nil)
	assert.ErrorIs(t, err, core.ErrToolNotFound)
}

func flakyTool(failures int32, idempotent bool, calls *atomic.Int32) *FunctionTool {
	return NewFunctionTool("lookup", "Flaky lookup", nil, func(context.Context, map[string]any) (any, error) {
		n := calls.Add(1)
		if n <= failures {
			return nil, core.NewTransientToolError("lookup", CodeUnavailable, errors.New("503"))
		}
		return map[string]any{"ok": true}, nil
	}, func(d *core.ToolDescriptor) { d.Idempotent = idempotent })
}

func fastRetries(o *Options) {
	o.MaxRetries = 3
	o.InitialBackoff = time.Millisecond
	o.MaxBackoff = 2 * time.Millisecond
}

func TestRegistry_RetriesIdempotentTransientFailures(t *testing.T) {
	var calls atomic.Int32
	r := NewRegistry([]Provider{NewLocalProvider("local", flakyTool(2, true, &calls))}, fastRetries)
	_, err := r.Discover(context.Background())
	require.NoError(t, err)

	d, err := r.Resolve("lookup", "")
	require.NoError(t, err)

	inv, err := r.Invoke(context.Background(), d, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2, inv.Retries)
	assert.JSONEq(t, `{"ok":true}`, string(inv.Output))
}

func TestRegistry_RetriesAreBounded(t *testing.T) {
	var calls atomic.Int32
	r := NewRegistry([]Provider{NewLocalProvider("local", flakyTool(100, true, &calls))}, fastRetries)
	_, err := r.Discover(context.Background())
	require.NoError(t, err)

	d, _ := r.Resolve("lookup", "")
	inv, err := r.Invoke(context.Background(), d, nil)
	require.Error(t, err)
	assert.True(t, core.IsTransient(err))
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, 3, inv.Retries)
	assert.Equal(t, core.ReasonToolTransient, inv.Error.Code)
}

func TestRegistry_DoesNotRetryNonIdempotentTools(t *testing.T) {
	var calls atomic.Int32
	r := NewRegistry([]Provider{NewLocalProvider("local", flakyTool(1, false, &calls))}, fastRetries)
	_, err := r.Discover(context.Background())
	require.NoError(t, err)

	d, _ := r.Resolve("lookup", "")
	inv, err := r.Invoke(context.Background(), d, nil)
	require.Error(t, err)
	assert.True(t, core.IsTransient(err))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, inv.Retries)
}

func TestRegistry_InvokeTimeoutIsTransient(t *testing.T) {
	slow := NewFunctionTool("slow", "Never answers", nil, func(ctx context.Context, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, func(d *core.ToolDescriptor) { d.TimeoutMS = 20 })

	r := NewRegistry([]Provider{NewLocalProvider("local", slow)})
	_, err := r.Discover(context.Background())
	require.NoError(t, err)

	d, _ := r.Resolve("slow", "")
	inv, err := r.Invoke(context.Background(), d, nil)

	var te *core.ToolError
	require.ErrorAs(t, err, &te)
	assert.True(t, te.Transient)
	assert.Equal(t, CodeTimeout, te.Code)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, core.ReasonToolTransient, inv.Error.Code)
}

func TestRegistry_InvokeHonoursCallerCancellation(t *testing.T) {
	started := make(chan struct{})
	blocking := NewFunctionTool("block", "Blocks", nil, func(ctx context.Context, _ map[string]any) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, func(d *core.ToolDescriptor) { d.Idempotent = true })

	r := NewRegistry([]Provider{NewLocalProvider("local", blocking)}, fastRetries)
	_, err := r.Discover(context.Background())
	require.NoError(t, err)
	d, _ := r.Resolve("block", "")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	inv, err := r.Invoke(ctx, d, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, core.ReasonCancelled, inv.Error.Code)
}

func TestRegistry_CachesIdempotentResults(t *testing.T) {
	var calls atomic.Int32
	ft := NewFunctionTool("weather", "Current weather", citySchema, func(_ context.Context, args map[string]any) (any, error) {
		calls.Add(1)
		return map[string]any{"temp": 21}, nil
	}, func(d *core.ToolDescriptor) { d.Idempotent = true })

	r := NewRegistry([]Provider{NewLocalProvider("local", ft)}, func(o *Options) {
		o.CacheSize = 8
	})
	_, err := r.Discover(context.Background())
	require.NoError(t, err)
	d, _ := r.Resolve("weather", "")

	first, err := r.Invoke(context.Background(), d, json.RawMessage(`{"city":"Berlin","unit":"c"}`))
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := r.Invoke(context.Background(), d, json.RawMessage(`{"unit":"c", "city":"Berlin"}`))
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.JSONEq(t, string(first.Output), string(second.Output))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, r.CacheLen())

	_, err = r.Invoke(context.Background(), d, json.RawMessage(`{"city":"Paris"}`))
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRegistry_OutputSchemaViolation(t *testing.T) {
	ft := NewFunctionTool("weather", "Current weather", nil, func(context.Context, map[string]any) (any, error) {
		return map[string]any{"temp": "warm"}, nil
	}, func(d *core.ToolDescriptor) {
		d.OutputSchema = map[string]any{
			"type": "object",
			"properties": map[string]any{
				"temp": map[string]any{"type": "number"},
			},
		}
	})

	r := NewRegistry([]Provider{NewLocalProvider("local", ft)})
	_, err := r.Discover(context.Background())
	require.NoError(t, err)
	d, _ := r.Resolve("weather", "")

	_, err = r.Invoke(context.Background(), d, nil)
	var te *core.ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, CodeInvalidOutput, te.Code)
	assert.False(t, te.Transient)
}

func TestRegistry_StartRefreshesUntilCancelled(t *testing.T) {
	local := NewLocalProvider("local", echoTool("1.0.0"))
	r := NewRegistry([]Provider{local}, func(o *Options) {
		o.RefreshInterval = 5 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, r.Start(ctx))
	assert.Len(t, r.Catalog(), 1)

	local.Add(echoTool("1.1.0"))
	assert.Eventually(t, func() bool {
		d, err := r.Resolve("weather", "")
		return err == nil && d.Version == "1.1.0"
	}, time.Second, 5*time.Millisecond)
}

func TestRegistry_CachesWithoutRetries(t *testing.T) {
	var calls atomic.Int32
	ft := NewFunctionTool("weather", "Current weather", citySchema, func(_ context.Context, args map[string]any) (any, error) {
		calls.Add(1)
		return map[string]any{"temp": 21}, nil
	}, func(d *core.ToolDescriptor) { d.Idempotent = true })

	r := NewRegistry([]Provider{NewLocalProvider("local", ft)}, func(o *Options) {
		o.MaxRetries = 0
		o.CacheSize = 8
	})
	_, err := r.Discover(context.Background())
	require.NoError(t, err)
	d, _ := r.Resolve("weather", "")

	first, err := r.Invoke(context.Background(), d, json.RawMessage(`{"city":"Berlin"}`))
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := r.Invoke(context.Background(), d, json.RawMessage(`{"city":"Berlin"}`))
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, r.CacheLen())
}

func TestRegistry_StartSweepsExpiredEntries(t *testing.T) {
	r := NewRegistry([]Provider{NewLocalProvider("local", echoTool("1.0.0"))}, func(o *Options) {
		o.RefreshInterval = 0
		o.TTL = 20 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, r.Start(ctx))
	assert.Len(t, r.Catalog(), 1)

	assert.Eventually(t, func() bool {
		return len(r.Catalog()) == 0
	}, time.Second, 5*time.Millisecond)

	_, err := r.Resolve("weather", "")
	assert.ErrorIs(t, err, core.ErrToolNotFound)
}
