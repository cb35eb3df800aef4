package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hupe1980/taskmesh/core"
)

// FakeProvider is an in-memory tool provider with injectable failures. It
// implements tool.Provider.
type FakeProvider struct {
	name string

	mu        sync.Mutex
	tools     map[string]fakeTool
	order     []string
	failures  map[string][]error
	calls     map[string]int
	listErr   error
	listCalls int
}

type fakeTool struct {
	desc   core.ToolDescriptor
	output json.RawMessage
}

// NewFakeProvider creates an empty provider.
func NewFakeProvider(name string) *FakeProvider {
	return &FakeProvider{
		name:     name,
		tools:    map[string]fakeTool{},
		failures: map[string][]error{},
		calls:    map[string]int{},
	}
}

// Add registers a descriptor that answers every invocation with output
// (chainable). The version defaults to 1.0.0.
func (p *FakeProvider) Add(desc core.ToolDescriptor, output string) *FakeProvider {
	if desc.Version == "" {
		desc.Version = "1.0.0"
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.tools[desc.Key()]; !ok {
		p.order = append(p.order, desc.Key())
	}
	p.tools[desc.Key()] = fakeTool{desc: desc, output: json.RawMessage(output)}
	return p
}

// FailNext makes the next invocations of name fail with errs, in order
// (chainable).
func (p *FakeProvider) FailNext(name string, errs ...error) *FakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[name] = append(p.failures[name], errs...)
	return p
}

// FailList makes List fail with err until it is reset with nil.
func (p *FakeProvider) FailList(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listErr = err
}

// Calls returns how often name was invoked.
func (p *FakeProvider) Calls(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[name]
}

// ListCalls returns how often List was called.
func (p *FakeProvider) ListCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listCalls
}

// Name implements tool.Provider.
func (p *FakeProvider) Name() string { return p.name }

// List implements tool.Provider.
func (p *FakeProvider) List(context.Context) ([]core.ToolDescriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listCalls++
	if p.listErr != nil {
		return nil, p.listErr
	}
	out := make([]core.ToolDescriptor, 0, len(p.order))
	for _, k := range p.order {
		out = append(out, p.tools[k].desc)
	}
	return out, nil
}

// Invoke implements tool.Provider.
func (p *FakeProvider) Invoke(ctx context.Context, name, version string, _ json.RawMessage) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[name]++

	if errs := p.failures[name]; len(errs) > 0 {
		p.failures[name] = errs[1:]
		return nil, errs[0]
	}

	t, ok := p.tools[name+"@"+version]
	if !ok {
		return nil, fmt.Errorf("%w: %s@%s", core.ErrToolNotFound, name, version)
	}
	return t.output, nil
}
