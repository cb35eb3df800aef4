package testutil

import (
	"encoding/json"
	"time"

	"github.com/hupe1980/taskmesh/core"
)

// HistoryBuilder provides a fluent helper for constructing run histories.
// Each message is parented to the previous one unless Parent overrides it.
// Example:
//
//	msgs := NewHistoryBuilder("task-1", "run-1").
//		Prompt("what is 2+2").
//		ToolCall("c1", "calculate_sum", `{"a":2,"b":2}`).
//		ToolResult("c1", "calculate_sum", `4`).
//		ModelResponse("4").
//		Build()
type HistoryBuilder struct {
	taskID string
	runID  string
	agent  string
	now    time.Time
	msgs   []core.Message
	parent *string
}

// NewHistoryBuilder creates a builder for one run of a task. The agent id
// defaults to "agent".
func NewHistoryBuilder(taskID, runID string) *HistoryBuilder {
	return &HistoryBuilder{
		taskID: taskID,
		runID:  runID,
		agent:  "agent",
		now:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// Agent sets the agent id used as sender and recipient (chainable).
func (b *HistoryBuilder) Agent(id string) *HistoryBuilder { b.agent = id; return b }

// Parent makes the next message a child of the message with id instead of
// the previous one (chainable).
func (b *HistoryBuilder) Parent(id string) *HistoryBuilder { b.parent = &id; return b }

// Prompt appends a user prompt (chainable).
func (b *HistoryBuilder) Prompt(text string) *HistoryBuilder {
	return b.add(core.SenderUser, b.agent, core.KindPrompt, "", core.PromptPayload{Text: text})
}

// ModelResponse appends a final model answer (chainable).
func (b *HistoryBuilder) ModelResponse(text string) *HistoryBuilder {
	return b.add(core.SenderModel, b.agent, core.KindModelResponse, "", core.ModelResponsePayload{Text: text})
}

// ToolCall appends a tool call with JSON arguments (chainable).
func (b *HistoryBuilder) ToolCall(correlationID, name, args string) *HistoryBuilder {
	return b.add(b.agent, core.ToolSender(name), core.KindToolCall, correlationID, core.ToolCallPayload{
		Name:      name,
		Arguments: json.RawMessage(args),
	})
}

// ToolResult appends the JSON output answering a tool call (chainable).
func (b *HistoryBuilder) ToolResult(correlationID, name, output string) *HistoryBuilder {
	return b.add(core.ToolSender(name), b.agent, core.KindToolResult, correlationID, core.ToolResultPayload{
		Name:   name,
		Output: json.RawMessage(output),
	})
}

// Error appends an error message. A non-empty correlationID answers the tool
// call with that id (chainable).
func (b *HistoryBuilder) Error(correlationID string, code core.ReasonCode, msg string) *HistoryBuilder {
	sender := b.agent
	if correlationID != "" {
		sender = core.SenderOrchestrator
	}
	return b.add(sender, b.agent, core.KindError, correlationID, core.ErrorPayload{Code: code, Message: msg})
}

// Control appends a control signal (chainable).
func (b *HistoryBuilder) Control(signal, reason string) *HistoryBuilder {
	return b.add(core.SenderOrchestrator, b.agent, core.KindControl, "", core.ControlPayload{Signal: signal, Reason: reason})
}

// Message appends a prebuilt message unchanged (chainable).
func (b *HistoryBuilder) Message(m core.Message) *HistoryBuilder {
	b.msgs = append(b.msgs, m)
	b.parent = nil
	return b
}

// Build returns a copy of the history.
func (b *HistoryBuilder) Build() []core.Message {
	return append([]core.Message(nil), b.msgs...)
}

func (b *HistoryBuilder) add(sender, recipient string, kind core.Kind, correlationID string, payload any) *HistoryBuilder {
	m, err := core.NewMessage(b.taskID, b.runID, sender, recipient, kind, payload)
	if err != nil {
		panic(err)
	}

	b.now = b.now.Add(time.Millisecond)
	m.Timestamp = b.now

	switch {
	case b.parent != nil:
		m = m.WithParent(*b.parent)
		b.parent = nil
	case len(b.msgs) > 0:
		m = m.WithParent(b.msgs[len(b.msgs)-1].ID)
	}
	if correlationID != "" {
		m = m.WithCorrelation(correlationID)
	}

	b.msgs = append(b.msgs, m)
	return b
}
