package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a Message.
type Kind string

const (
	KindPrompt        Kind = "prompt"
	KindModelResponse Kind = "model_response"
	KindToolCall      Kind = "tool_call"
	KindToolResult    Kind = "tool_result"
	KindControl       Kind = "control"
	KindError         Kind = "error"
)

// Valid reports whether k is one of the known message kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindPrompt, KindModelResponse, KindToolCall, KindToolResult, KindControl, KindError:
		return true
	}
	return false
}

// Well known senders and recipients.
const (
	SenderUser         = "user"
	SenderModel        = "model"
	SenderOrchestrator = "orchestrator"
	toolSenderPrefix   = "tool:"
)

// ToolSender returns the sender identifier used for messages produced by a tool.
func ToolSender(name string) string { return toolSenderPrefix + name }

// IsToolSender reports whether sender identifies a tool and returns its name.
func IsToolSender(sender string) (string, bool) {
	if !strings.HasPrefix(sender, toolSenderPrefix) {
		return "", false
	}
	return strings.TrimPrefix(sender, toolSenderPrefix), true
}

// Message is the canonical (Harmony) envelope used for all agent, model and
// tool communication. Messages are immutable once written: components append
// new messages instead of editing existing ones, and ParentID links each
// reasoning step to its cause so a task history forms a DAG.
//
// CorrelationID pairs a tool_call with its tool_result (or error). Every
// tool_call in a run is answered by exactly one of them.
type Message struct {
	ID            string          `json:"id"`
	TaskID        string          `json:"taskId"`
	RunID         string          `json:"runId,omitempty"`
	Sender        string          `json:"sender"`
	Recipient     string          `json:"recipient"`
	Kind          Kind            `json:"kind"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	ParentID      *string         `json:"parentId"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// PromptPayload carries user input or agent instructions.
type PromptPayload struct {
	Text        string `json:"text"`
	Instruction string `json:"instruction,omitempty"`
}

// ToolCall is a single tool request emitted by a model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Version   string          `json:"version,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ModelResponsePayload is the normalized model completion.
type ModelResponsePayload struct {
	Text         string     `json:"text,omitempty"`
	ToolCalls    []ToolCall `json:"toolCalls,omitempty"`
	FinishReason string     `json:"finishReason,omitempty"`
	Backend      string     `json:"backend,omitempty"`
}

// ToolCallPayload is the payload of a tool_call message.
type ToolCallPayload struct {
	Name      string          `json:"name"`
	Version   string          `json:"version,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResultPayload is the payload of a tool_result message.
type ToolResultPayload struct {
	Name    string          `json:"name"`
	Version string          `json:"version,omitempty"`
	Output  json.RawMessage `json:"output,omitempty"`
}

// ErrorPayload is the payload of an error message.
type ErrorPayload struct {
	Code      ReasonCode `json:"code"`
	Message   string     `json:"message"`
	Transient bool       `json:"transient,omitempty"`
}

// Control signals.
const (
	SignalCancelled = "cancelled"
	SignalFailed    = "failed"
)

// ControlPayload is the payload of a control message.
type ControlPayload struct {
	Signal string `json:"signal"`
	Reason string `json:"reason,omitempty"`
}

// NewID generates a new unique identifier for messages, tasks and runs.
func NewID() string { return uuid.NewString() }

// NewMessage builds a Message with a fresh id and UTC timestamp, marshalling
// payload into the envelope. A nil payload leaves Payload empty.
func NewMessage(taskID, runID, sender, recipient string, kind Kind, payload any) (Message, error) {
	m := Message{
		ID:        NewID(),
		TaskID:    taskID,
		RunID:     runID,
		Sender:    sender,
		Recipient: recipient,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		m.Payload = raw
	}
	return m, nil
}

// WithParent returns a copy of m linked to parentID.
func (m Message) WithParent(parentID string) Message {
	if parentID == "" {
		m.ParentID = nil
		return m
	}
	m.ParentID = &parentID
	return m
}

// WithCorrelation returns a copy of m carrying the correlation id.
func (m Message) WithCorrelation(id string) Message {
	m.CorrelationID = id
	return m
}

// DecodePayload unmarshals the message payload into v.
func (m Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: %s message %s has no payload", ErrInvalidMessage, m.Kind, m.ID)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", ErrInvalidMessage, m.Kind, err)
	}
	return nil
}

// Parent returns the parent message id or "".
func (m Message) Parent() string {
	if m.ParentID == nil {
		return ""
	}
	return *m.ParentID
}
