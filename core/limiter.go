package core

import (
	"fmt"
	"sync"
)

// DefaultStepBudget is the number of model round trips an AgentRun may take
// when no explicit budget is configured.
const DefaultStepBudget = 25

// StepBudget enforces a maximum number of model round trips per run.
type StepBudget struct {
	max   int
	count int
	mu    sync.Mutex
}

// NewStepBudget creates a new budget with a max number of steps.
// If max <= 0, DefaultStepBudget is used.
func NewStepBudget(max int) *StepBudget {
	if max <= 0 {
		max = DefaultStepBudget
	}
	return &StepBudget{max: max}
}

// Consume records one step and returns ErrStepBudgetExceeded once the budget
// is exhausted.
func (b *StepBudget) Consume() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count >= b.max {
		return fmt.Errorf("%w: %d steps", ErrStepBudgetExceeded, b.max)
	}
	b.count++

	return nil
}

// Used returns the number of steps consumed so far.
func (b *StepBudget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.count
}

// Remaining returns how many steps are left.
func (b *StepBudget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.max - b.count
}

// Max returns the configured budget.
func (b *StepBudget) Max() int { return b.max }
