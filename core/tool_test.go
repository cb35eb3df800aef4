package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestToolDescriptor_IsStable(t *testing.T) {
	assert.True(t, ToolDescriptor{Name: "a", Version: "1.2.0"}.IsStable())
	assert.True(t, ToolDescriptor{Name: "a", Version: "v1.2.0", Stability: "stable"}.IsStable())
	assert.False(t, ToolDescriptor{Name: "a", Version: "2.0.0-rc.1"}.IsStable())
	assert.False(t, ToolDescriptor{Name: "a", Version: "2.0.0", Stability: "beta"}.IsStable())
}

func TestToolDescriptor_KeyAndTimeout(t *testing.T) {
	d := ToolDescriptor{Name: "weather", Version: "1.0.0"}
	assert.Equal(t, "weather@1.0.0", d.Key())
	assert.Equal(t, 3*time.Second, d.Timeout(3*time.Second))

	d.TimeoutMS = 250
	assert.Equal(t, 250*time.Millisecond, d.Timeout(3*time.Second))
}

func TestTaskClone_IsDeep(t *testing.T) {
	res := "4"
	task := &Task{ID: "t", RunIDs: []string{"r1"}, Result: &res, Error: &Failure{Code: ReasonInternal}}
	c := task.Clone()
	c.RunIDs[0] = "changed"
	*c.Result = "5"
	c.Error.Code = ReasonTimeout

	assert.Equal(t, "r1", task.RunIDs[0])
	assert.Equal(t, "4", *task.Result)
	assert.Equal(t, ReasonInternal, task.Error.Code)
	assert.True(t, TaskCancelled.IsTerminal())
	assert.False(t, TaskRunning.IsTerminal())
}
