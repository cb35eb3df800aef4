package core

import (
	"errors"
	"slices"
	"time"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is completed, failed or cancelled.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// RunStatus is the lifecycle state of an AgentRun.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the run can no longer change.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// Failure is the serializable form of a task or run error.
type Failure struct {
	Code    ReasonCode `json:"code"`
	Message string     `json:"message"`
}

// Error implements error so a Failure can travel through error returns.
func (f *Failure) Error() string { return string(f.Code) + ": " + f.Message }

// FailureFrom converts err into a Failure. A nil error yields nil.
func FailureFrom(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return &Failure{Code: f.Code, Message: f.Message}
	}
	return &Failure{Code: ReasonFor(err), Message: err.Error()}
}

// Task is one unit of user-requested work.
type Task struct {
	ID        string     `json:"id"`
	Prompt    string     `json:"prompt"`
	Type      string     `json:"type,omitempty"`
	UserID    string     `json:"userId,omitempty"`
	Status    TaskStatus `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	RunIDs    []string   `json:"runIds"`
	Result    *string    `json:"result,omitempty"`
	Error     *Failure   `json:"error,omitempty"`
	Cancelled bool       `json:"cancelled"`
}

// Clone returns a deep copy safe to hand to readers.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.RunIDs = slices.Clone(t.RunIDs)
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	return &c
}

// AgentRun is one agent's execution attempt within a task.
type AgentRun struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"taskId"`
	Role       string    `json:"role"`
	Status     RunStatus `json:"status"`
	MessageIDs []string  `json:"messageIds"`
	Result     *string   `json:"result,omitempty"`
	Error      *Failure  `json:"error,omitempty"`
	Attempt    int       `json:"attempt"`
	StartedAt  time.Time `json:"startedAt,omitzero"`
	FinishedAt time.Time `json:"finishedAt,omitzero"`
}

// NewAgentRun creates a pending run for the given task and role.
func NewAgentRun(taskID, role string, attempt int) *AgentRun {
	return &AgentRun{
		ID:      NewID(),
		TaskID:  taskID,
		Role:    role,
		Status:  RunPending,
		Attempt: attempt,
	}
}

// IsTerminal reports whether the run has finished.
func (r *AgentRun) IsTerminal() bool { return r.Status.IsTerminal() }

// Clone returns a deep copy of the run.
func (r *AgentRun) Clone() *AgentRun {
	if r == nil {
		return nil
	}
	c := *r
	c.MessageIDs = slices.Clone(r.MessageIDs)
	if r.Result != nil {
		v := *r.Result
		c.Result = &v
	}
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	return &c
}
