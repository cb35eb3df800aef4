package agent

import (
	"strings"

	"github.com/hupe1980/taskmesh/core"
)

// Spec describes one agent of a task.
type Spec struct {
	// Role labels the run ("researcher", "critic", ...).
	Role string `json:"role" yaml:"role"`
	// Instruction is the system instruction template.
	Instruction Instruction `json:"instruction,omitzero" yaml:"instruction"`
	// Class is the gateway capability class; empty selects the default class.
	Class string `json:"class,omitempty" yaml:"class"`
	// Tools restricts the catalog the model sees. Entries are tool names or
	// name@version pins. Empty allows every stable tool.
	Tools []string `json:"tools,omitempty" yaml:"tools"`
	// StepBudget overrides the runner's default budget when > 0.
	StepBudget int `json:"stepBudget,omitempty" yaml:"stepBudget"`
}

// allowed returns the pinned version for name ("" when unpinned) and whether
// the spec permits the tool at all.
func (s Spec) allowed(name string) (string, bool) {
	if len(s.Tools) == 0 {
		return "", true
	}
	for _, t := range s.Tools {
		n, v, _ := strings.Cut(t, "@")
		if n == name {
			return v, true
		}
	}
	return "", false
}

// TaskContext carries the task-level inputs of a run.
type TaskContext struct {
	TaskID string
	UserID string
	Prompt string
	Spec   Spec
	// Vars are extra template variables; prompt and role are always set.
	Vars map[string]any
	// Sink receives every message the run appends, in order.
	Sink func(core.Message)
}

func (tc TaskContext) vars() map[string]any {
	vars := make(map[string]any, len(tc.Vars)+3)
	for k, v := range tc.Vars {
		vars[k] = v
	}
	vars["prompt"] = tc.Prompt
	vars["role"] = tc.Spec.Role
	vars["task_id"] = tc.TaskID
	return vars
}
