package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/taskmesh/core"
)

// Conversation roles used in Request.Contents.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolDefinition declaratively exposes a callable function to the model.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes an individual function (tool) exposed to the model.
// Parameters is a JSON Schema object (draft agnostic, minimal subset expected).
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
}

// ToolDefinitionFromDescriptor exposes a discovered tool to the model.
func ToolDefinitionFromDescriptor(d core.ToolDescriptor) ToolDefinition {
	params := d.InputSchema
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return ToolDefinition{
		Type: "function",
		Function: FunctionDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  params,
		},
	}
}

// Request captures the normalized model input produced by the agent runner.
type Request struct {
	Instructions string           `json:"instructions"` // System instructions for the model
	Contents     []core.Content   `json:"contents"`     // Conversation converted to provider messages
	Tools        []ToolDefinition `json:"tools,omitempty"`
	Stream       bool             `json:"stream,omitempty"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a (partial or final) chunk emitted by a streaming model.
type Response struct {
	ID           string       `json:"id"`
	Partial      bool         `json:"partial"` // Indicates if this is a partial response
	Content      core.Content `json:"content"`
	FinishReason string       `json:"finish_reason"` // "stop", "length", "tool_calls", etc.
	Usage        *TokenUsage  `json:"usage,omitempty"`
}

// ToolCalls returns the tool calls of the response as envelope ToolCalls.
func (r Response) ToolCalls() []core.ToolCall {
	fcs := r.Content.FunctionCalls()
	if len(fcs) == 0 {
		return nil
	}
	calls := make([]core.ToolCall, 0, len(fcs))
	for _, fc := range fcs {
		args := json.RawMessage(strings.TrimSpace(fc.Arguments))
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		calls = append(calls, core.ToolCall{ID: fc.ID, Name: fc.Name, Arguments: args})
	}
	return calls
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "scripted", etc.
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the minimal interface required by the gateway to drive generation.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// ErrNoResponse is returned by Collect when a model closes its stream without
// emitting a final response.
var ErrNoResponse = errors.New("model produced no final response")

// Collect drains a Generate call and returns the final (non-partial) response.
func Collect(ctx context.Context, m Model, req Request) (Response, error) {
	respCh, errCh := m.Generate(ctx, req)

	var (
		final Response
		have  bool
	)

	for respCh != nil || errCh != nil {
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case r, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			if !r.Partial {
				final = r
				have = true
			}
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return Response{}, err
			}
		}
	}

	if !have {
		return Response{}, fmt.Errorf("%s: %w", m.Info().Name, ErrNoResponse)
	}

	return final, nil
}
