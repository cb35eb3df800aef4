package core

import "time"

// ConsentScope controls how long a consent decision applies.
type ConsentScope string

const (
	// ScopeOneShot applies to exactly one invocation.
	ScopeOneShot ConsentScope = "one_shot"
	// ScopeTask applies to every invocation of the tool within the task.
	ScopeTask ConsentScope = "task"
	// ScopePersistent applies to every task of the user.
	ScopePersistent ConsentScope = "persistent"
)

// Valid reports whether s is a known scope.
func (s ConsentScope) Valid() bool {
	return s == ScopeOneShot || s == ScopeTask || s == ScopePersistent
}

// Decision is the outcome of a consent check.
type Decision string

const (
	DecisionGranted Decision = "granted"
	DecisionDenied  Decision = "denied"
	DecisionPending Decision = "pending"
)

// ConsentRecord is a recorded user decision. Records are read-only after
// creation.
type ConsentRecord struct {
	ID        string       `json:"id"`
	TaskID    string       `json:"taskId"`
	UserID    string       `json:"userId,omitempty"`
	Tool      string       `json:"tool"`
	Scope     ConsentScope `json:"scope"`
	Granted   bool         `json:"granted"`
	Timestamp time.Time    `json:"timestamp"`
}
