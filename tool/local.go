package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/internal/util"
)

// Func is the implementation of an in-process tool. Arguments have already
// been validated against the tool's input schema.
type Func func(ctx context.Context, args map[string]any) (any, error)

// FunctionTool exposes a plain Go function as a tool.
//
// A FunctionTool has no mutable state after construction and is safe for
// concurrent use.
type FunctionTool struct {
	desc core.ToolDescriptor
	fn   Func
}

// NewFunctionTool constructs a FunctionTool from an explicit schema.
//
// Example:
//
//	sum := tool.NewFunctionTool("calculate_sum", "Add two numbers",
//	  map[string]any{
//	    "type": "object",
//	    "properties": map[string]any{
//	      "a": map[string]any{"type": "number"},
//	      "b": map[string]any{"type": "number"},
//	    },
//	    "required": []string{"a", "b"},
//	  },
//	  func(ctx context.Context, args map[string]any) (any, error) {
//	    return args["a"].(float64) + args["b"].(float64), nil
//	  },
//	  func(d *core.ToolDescriptor) { d.Idempotent = true },
//	)
func NewFunctionTool(name, description string, schema map[string]any, fn Func, optFns ...func(d *core.ToolDescriptor)) *FunctionTool {
	desc := core.ToolDescriptor{
		Name:        name,
		Version:     "1.0.0",
		Description: description,
		InputSchema: schema,
	}
	for _, o := range optFns {
		o(&desc)
	}
	return &FunctionTool{desc: desc, fn: fn}
}

// NewFunctionToolFromStruct derives the input schema from a struct type.
func NewFunctionToolFromStruct(name, description string, structType any, fn Func, optFns ...func(d *core.ToolDescriptor)) *FunctionTool {
	return NewFunctionTool(name, description, util.CreateSchema(structType), fn, optFns...)
}

// Descriptor returns the tool's descriptor.
func (t *FunctionTool) Descriptor() core.ToolDescriptor { return t.desc }

// Call validates args and runs the function. Plain errors become permanent
// execution errors; *core.ToolError values pass through unchanged.
func (t *FunctionTool) Call(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	args, err := util.ValidateInput(input, t.desc.InputSchema)
	if err != nil {
		return nil, core.NewPermanentToolError(t.desc.Name, CodeValidation, err)
	}

	result, err := t.fn(ctx, args)
	if err != nil {
		var te *core.ToolError
		if errors.As(err, &te) {
			return nil, te
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, core.NewPermanentToolError(t.desc.Name, CodeExecution, err)
	}

	out, err := json.Marshal(result)
	if err != nil {
		return nil, core.NewPermanentToolError(t.desc.Name, CodeInvalidOutput, fmt.Errorf("marshal result: %w", err))
	}

	return out, nil
}

// LocalProvider serves in-process FunctionTools.
type LocalProvider struct {
	name string

	mu    sync.RWMutex
	tools map[string]*FunctionTool // keyed by name@version
}

// NewLocalProvider creates a provider pre-populated with tools.
func NewLocalProvider(name string, tools ...*FunctionTool) *LocalProvider {
	p := &LocalProvider{name: name, tools: make(map[string]*FunctionTool, len(tools))}
	for _, t := range tools {
		p.Add(t)
	}
	return p
}

// Add registers (or replaces) a tool version.
func (p *LocalProvider) Add(t *FunctionTool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	d := t.desc
	d.Provider = p.name
	p.tools[d.Key()] = &FunctionTool{desc: d, fn: t.fn}
}

// Remove unregisters a tool version.
func (p *LocalProvider) Remove(name, version string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.tools, name+"@"+version)
}

// Name implements Provider.
func (p *LocalProvider) Name() string { return p.name }

// List implements Provider.
func (p *LocalProvider) List(context.Context) ([]core.ToolDescriptor, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]core.ToolDescriptor, 0, len(p.tools))
	for _, t := range p.tools {
		out = append(out, t.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })

	return out, nil
}

// Invoke implements Provider.
func (p *LocalProvider) Invoke(ctx context.Context, name, version string, input json.RawMessage) (json.RawMessage, error) {
	p.mu.RLock()
	t, ok := p.tools[name+"@"+version]
	p.mu.RUnlock()

	if !ok {
		return nil, core.NewPermanentToolError(name, CodeNotFound, fmt.Errorf("%w: %s@%s on provider %s", core.ErrToolNotFound, name, version, p.name))
	}

	return t.Call(ctx, input)
}
