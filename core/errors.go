package core

import (
	"context"
	"errors"
	"fmt"
)

// ReasonCode is the machine readable failure classification surfaced on the
// terminal status_changed event and in audit entries.
type ReasonCode string

const (
	ReasonToolTransient      ReasonCode = "tool_transient"
	ReasonToolPermanent      ReasonCode = "tool_permanent"
	ReasonToolNotFound       ReasonCode = "tool_not_found"
	ReasonModelUnavailable   ReasonCode = "model_unavailable"
	ReasonGatewaySaturated   ReasonCode = "gateway_saturated"
	ReasonConsentDenied      ReasonCode = "consent_denied"
	ReasonStepBudgetExceeded ReasonCode = "step_budget_exceeded"
	ReasonNoConsensus        ReasonCode = "no_consensus"
	ReasonCancelled          ReasonCode = "cancelled"
	ReasonTimeout            ReasonCode = "timeout"
	ReasonInvalidInput       ReasonCode = "invalid_input"
	ReasonInternal           ReasonCode = "internal"
)

var (
	// ErrInvalidMessage is returned by the codec for malformed envelopes.
	ErrInvalidMessage = errors.New("invalid message")

	ErrToolNotFound       = errors.New("tool not found")
	ErrGatewaySaturated   = errors.New("gateway saturated")
	ErrModelUnavailable   = errors.New("model unavailable")
	ErrConsentDenied      = errors.New("consent denied")
	ErrStepBudgetExceeded = errors.New("step budget exceeded")
	ErrCancelled          = errors.New("cancelled")
	ErrNoConsensus        = errors.New("no consensus")
	ErrTaskNotFound       = errors.New("task not found")
	ErrTaskTerminal       = errors.New("task already terminal")

	// ErrConsentTimeout is a denial caused by an expired consent wait.
	ErrConsentTimeout = fmt.Errorf("%w: timed out waiting for decision", ErrConsentDenied)
)

// ToolError reports a failed tool invocation. Transient errors may be retried;
// permanent errors are fed back to the model.
type ToolError struct {
	Tool      string
	Code      string
	Message   string
	Transient bool
	Err       error
}

// NewTransientToolError creates a retryable tool error.
func NewTransientToolError(tool, code string, err error) *ToolError {
	return &ToolError{Tool: tool, Code: code, Message: errMessage(err), Transient: true, Err: err}
}

// NewPermanentToolError creates a non retryable tool error.
func NewPermanentToolError(tool, code string, err error) *ToolError {
	return &ToolError{Tool: tool, Code: code, Message: errMessage(err), Err: err}
}

func (e *ToolError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Code != "" {
		return fmt.Sprintf("tool %s: %s error (%s): %s", e.Tool, kind, e.Code, e.Message)
	}
	return fmt.Sprintf("tool %s: %s error: %s", e.Tool, kind, e.Message)
}

func (e *ToolError) Unwrap() error { return e.Err }

// ModelUnavailableError is returned by the gateway when no backend of a
// capability class could serve a request.
type ModelUnavailableError struct {
	Class    string
	Attempts int
	Err      error
}

func (e *ModelUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("model unavailable for class %q after %d attempt(s): %v", e.Class, e.Attempts, e.Err)
	}
	return fmt.Sprintf("model unavailable for class %q: all backends open", e.Class)
}

func (e *ModelUnavailableError) Unwrap() error { return e.Err }

// Is matches ErrModelUnavailable.
func (e *ModelUnavailableError) Is(target error) bool { return target == ErrModelUnavailable }

// AggregationError is returned when run results cannot be merged into a task
// outcome.
type AggregationError struct {
	Policy string
	Reason string
	Err    error
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("aggregation (%s): %s", e.Policy, e.Reason)
}

func (e *AggregationError) Unwrap() error { return e.Err }

// Is matches ErrNoConsensus.
func (e *AggregationError) Is(target error) bool { return target == ErrNoConsensus }

// IsTransient reports whether err is worth retrying with a fresh attempt.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te.Transient
	}
	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, ErrModelUnavailable), errors.Is(err, ErrGatewaySaturated):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

// ReasonFor maps an error to its reason code.
func ReasonFor(err error) ReasonCode {
	var te *ToolError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ReasonCancelled
	case errors.Is(err, ErrConsentDenied):
		return ReasonConsentDenied
	case errors.Is(err, ErrStepBudgetExceeded):
		return ReasonStepBudgetExceeded
	case errors.Is(err, ErrNoConsensus):
		return ReasonNoConsensus
	case errors.Is(err, ErrToolNotFound):
		return ReasonToolNotFound
	case errors.As(err, &te):
		if te.Transient {
			return ReasonToolTransient
		}
		return ReasonToolPermanent
	case errors.Is(err, ErrModelUnavailable):
		return ReasonModelUnavailable
	case errors.Is(err, ErrGatewaySaturated):
		return ReasonGatewaySaturated
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, ErrInvalidMessage):
		return ReasonInvalidInput
	}
	return ReasonInternal
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
