// Package audit provides the append-only, per-task sequenced audit log.
//
// Every entry is keyed by task id and carries a per-task sequence number that
// starts at 1 and increases by one with each append. Entries are never
// modified; Replay returns them in sequence order.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/taskmesh/core"
)

// Kind classifies an audit entry.
type Kind string

const (
	KindMessage         Kind = "message"
	KindModelCall       Kind = "model_call"
	KindToolInvocation  Kind = "tool_invocation"
	KindConsentDecision Kind = "consent_decision"
	KindTaskStatus      Kind = "task_status"
	KindRunStatus       Kind = "run_status"
	KindError           Kind = "error"
)

// ErrEmptyTaskID is returned when an entry carries no task id.
var ErrEmptyTaskID = errors.New("audit: task id is required")

// Entry is one audit record.
type Entry struct {
	TaskID    string          `json:"taskId"`
	Seq       uint64          `json:"seq"`
	Kind      Kind            `json:"kind"`
	RunID     string          `json:"runId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Log is an append-only audit log. Append assigns Seq (and Timestamp when
// zero) and returns the stored entry.
type Log interface {
	Append(ctx context.Context, e Entry) (Entry, error)
	Replay(ctx context.Context, taskID string, fromSeq uint64) ([]Entry, error)
	Purge(ctx context.Context, taskID string) error
	Close() error
}

// Write marshals payload and appends it to l. A nil log is a no-op.
func Write(ctx context.Context, l Log, taskID, runID string, kind Kind, payload any) (Entry, error) {
	if l == nil {
		return Entry{}, nil
	}

	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
		raw = json.RawMessage(`null`)
	case json.RawMessage:
		raw = p
	case core.Message:
		b, err := core.Encode(p)
		if err != nil {
			return Entry{}, fmt.Errorf("audit: encode message: %w", err)
		}
		raw = b
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return Entry{}, fmt.Errorf("audit: marshal %s payload: %w", kind, err)
		}
		raw = b
	}

	return l.Append(ctx, Entry{TaskID: taskID, RunID: runID, Kind: kind, Payload: raw})
}

// ErrorPayload is the payload of KindError entries.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusPayload is the payload of KindTaskStatus and KindRunStatus entries.
type StatusPayload struct {
	From   string `json:"from,omitempty"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// ModelCallPayload is the payload of KindModelCall entries.
type ModelCallPayload struct {
	Backend      string `json:"backend"`
	Class        string `json:"class,omitempty"`
	Attempts     int    `json:"attempts"`
	FinishReason string `json:"finishReason,omitempty"`
	ToolCalls    int    `json:"toolCalls"`
	InputTokens  int    `json:"inputTokens,omitempty"`
	OutputTokens int    `json:"outputTokens,omitempty"`
	DurationMS   int64  `json:"durationMs"`
	Error        string `json:"error,omitempty"`
}
