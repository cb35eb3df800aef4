// Package tool implements the tool registry: discovery of tool descriptors
// from providers, version resolution, and invocation with input validation,
// per-tool timeouts, bounded retries for idempotent tools and an optional
// result cache.
package tool

import (
	"context"
	"encoding/json"

	"github.com/hupe1980/taskmesh/core"
)

// Provider is a source of tools. Implementations must be safe for concurrent
// use.
//
// List returns the provider's current descriptors. Invoke executes one tool
// version with JSON input and returns JSON output; failures should be
// reported as *core.ToolError so the registry can classify them as transient
// or permanent.
type Provider interface {
	Name() string
	List(ctx context.Context) ([]core.ToolDescriptor, error)
	Invoke(ctx context.Context, name, version string, input json.RawMessage) (json.RawMessage, error)
}

// Error codes attached to *core.ToolError.
const (
	CodeValidation    = "validation"
	CodeExecution     = "execution"
	CodeTimeout       = "timeout"
	CodeUnavailable   = "unavailable"
	CodeInvalidOutput = "invalid_output"
	CodeNotFound      = "not_found"
)

// invokeRequest is the body of POST /tools/{name}/invoke.
type invokeRequest struct {
	Version string          `json:"version,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
}

// invokeResponse is the body answered by a tool provider endpoint.
type invokeResponse struct {
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	Code      string          `json:"code,omitempty"`
	Transient bool            `json:"transient,omitempty"`
}
