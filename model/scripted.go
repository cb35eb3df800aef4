package model

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/taskmesh/core"
)

// Step is one scripted model turn.
type Step struct {
	Response Response
	Err      error
	Delay    time.Duration
}

// TextStep returns a step answering with plain text.
func TextStep(text string) Step {
	return Step{Response: TextResponse(text)}
}

// ToolCallStep returns a step requesting the given tool calls.
func ToolCallStep(calls ...core.FunctionCall) Step {
	return Step{Response: ToolCallResponse(calls...)}
}

// ErrStep returns a failing step.
func ErrStep(err error) Step { return Step{Err: err} }

// TextResponse builds a final text response.
func TextResponse(text string) Response {
	return Response{
		Content:      core.Content{Role: RoleAssistant, Parts: []core.Part{core.TextPart{Text: text}}},
		FinishReason: "stop",
	}
}

// ToolCallResponse builds a final response requesting tool calls.
func ToolCallResponse(calls ...core.FunctionCall) Response {
	parts := make([]core.Part, 0, len(calls))
	for _, c := range calls {
		parts = append(parts, core.FunctionCallPart{FunctionCall: c})
	}
	return Response{
		Content:      core.Content{Role: RoleAssistant, Parts: parts},
		FinishReason: "tool_calls",
	}
}

// ScriptFunc computes a response for the n-th call (zero based).
type ScriptFunc func(ctx context.Context, req Request, call int) (Response, error)

// ScriptedModel is a deterministic in-memory Model for tests and examples.
// It replays a fixed list of steps; once exhausted the last step repeats.
type ScriptedModel struct {
	info  Info
	fn    ScriptFunc
	calls atomic.Int64

	mu       sync.Mutex
	requests []Request
}

// NewScriptedModel constructs a model replaying steps in order.
func NewScriptedModel(name string, steps ...Step) *ScriptedModel {
	return NewFuncModel(name, func(ctx context.Context, _ Request, call int) (Response, error) {
		if len(steps) == 0 {
			return Response{}, fmt.Errorf("scripted model %s has no steps", name)
		}
		s := steps[min(call, len(steps)-1)]
		if s.Delay > 0 {
			t := time.NewTimer(s.Delay)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-t.C:
			}
		}
		return s.Response, s.Err
	})
}

// NewFuncModel constructs a model backed by fn.
func NewFuncModel(name string, fn ScriptFunc) *ScriptedModel {
	return &ScriptedModel{
		info: Info{Name: name, Provider: "scripted", SupportsTools: true},
		fn:   fn,
	}
}

// Generate implements Model.
func (m *ScriptedModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 1)
	errCh := make(chan error, 1)

	call := int(m.calls.Add(1) - 1)
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	go func() {
		defer close(respCh)
		defer close(errCh)

		resp, err := m.fn(ctx, req, call)
		if err != nil {
			errCh <- err
			return
		}
		resp.Partial = false
		respCh <- resp
	}()

	return respCh, errCh
}

// Info implements Model.
func (m *ScriptedModel) Info() Info { return m.info }

// Calls returns how many times Generate was invoked.
func (m *ScriptedModel) Calls() int { return int(m.calls.Load()) }

// Requests returns a copy of every request received so far.
func (m *ScriptedModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}
