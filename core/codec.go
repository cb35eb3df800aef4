package core

import (
	"encoding/json"
	"fmt"
)

// Encode serializes a message to its JSON wire form after validating it.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode parses a JSON envelope and validates it.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Validate checks the structural invariants of a single envelope.
func (m Message) Validate() error {
	switch {
	case m.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidMessage)
	case m.TaskID == "":
		return fmt.Errorf("%w: message %s missing taskId", ErrInvalidMessage, m.ID)
	case m.Sender == "":
		return fmt.Errorf("%w: message %s missing sender", ErrInvalidMessage, m.ID)
	case !m.Kind.Valid():
		return fmt.Errorf("%w: message %s has unknown kind %q", ErrInvalidMessage, m.ID, m.Kind)
	case m.Timestamp.IsZero():
		return fmt.Errorf("%w: message %s missing timestamp", ErrInvalidMessage, m.ID)
	case m.ParentID != nil && *m.ParentID == m.ID:
		return fmt.Errorf("%w: message %s is its own parent", ErrInvalidMessage, m.ID)
	}

	if len(m.Payload) > 0 && !json.Valid(m.Payload) {
		return fmt.Errorf("%w: message %s payload is not valid JSON", ErrInvalidMessage, m.ID)
	}

	switch m.Kind {
	case KindToolCall, KindToolResult:
		if m.CorrelationID == "" {
			return fmt.Errorf("%w: %s message %s missing correlationId", ErrInvalidMessage, m.Kind, m.ID)
		}
	}

	return nil
}

// ValidateHistory checks the pairing invariant over an ordered run history:
// every tool_call is answered by exactly one later tool_result or error
// carrying the same correlation id, and no result appears without its call.
// Parents must reference earlier messages.
func ValidateHistory(msgs []Message) error {
	seen := make(map[string]struct{}, len(msgs))
	open := make(map[string]string)
	answered := make(map[string]struct{})

	for _, m := range msgs {
		if err := m.Validate(); err != nil {
			return err
		}
		if p := m.Parent(); p != "" {
			if _, ok := seen[p]; !ok {
				return fmt.Errorf("%w: message %s references unknown parent %s", ErrInvalidMessage, m.ID, p)
			}
		}
		seen[m.ID] = struct{}{}

		switch m.Kind {
		case KindToolCall:
			if _, dup := open[m.CorrelationID]; dup {
				return fmt.Errorf("%w: duplicate tool_call correlation %s", ErrInvalidMessage, m.CorrelationID)
			}
			if _, done := answered[m.CorrelationID]; done {
				return fmt.Errorf("%w: duplicate tool_call correlation %s", ErrInvalidMessage, m.CorrelationID)
			}
			open[m.CorrelationID] = m.ID
		case KindToolResult, KindError:
			if m.CorrelationID == "" {
				continue
			}
			if _, ok := open[m.CorrelationID]; !ok {
				return fmt.Errorf("%w: %s %s answers no open tool_call (%s)", ErrInvalidMessage, m.Kind, m.ID, m.CorrelationID)
			}
			delete(open, m.CorrelationID)
			answered[m.CorrelationID] = struct{}{}
		}
	}

	for corr, id := range open {
		return fmt.Errorf("%w: tool_call %s (%s) has no result", ErrInvalidMessage, id, corr)
	}

	return nil
}
