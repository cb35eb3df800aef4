package task

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/core"
)

// Interface compliance (compile-time assertion)
var _ Store = (*InMemoryStore)(nil)

func newTask(id string) *core.Task {
	return &core.Task{ID: id, Prompt: "p", Status: core.TaskPending}
}

func TestInMemoryStore_CreateGet(t *testing.T) {
	s := NewInMemoryStore()
	require.NoError(t, s.Create(newTask("t1")))
	require.Error(t, s.Create(newTask("t1")))

	got, err := s.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, core.TaskPending, got.Status)

	got.Status = core.TaskFailed
	again, _ := s.Get("t1")
	assert.Equal(t, core.TaskPending, again.Status, "returned snapshot must be a clone")

	_, err = s.Get("missing")
	assert.ErrorIs(t, err, core.ErrTaskNotFound)
}

func TestInMemoryStore_UpdateRollsBackOnError(t *testing.T) {
	s := NewInMemoryStore()
	require.NoError(t, s.Create(newTask("t1")))

	boom := errors.New("boom")
	_, err := s.Update("t1", func(tk *core.Task) error {
		tk.Status = core.TaskRunning
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, _ := s.Get("t1")
	assert.Equal(t, core.TaskPending, got.Status)

	updated, err := s.Update("t1", func(tk *core.Task) error {
		tk.Status = core.TaskRunning
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, core.TaskRunning, updated.Status)
}

func TestInMemoryStore_Runs(t *testing.T) {
	s := NewInMemoryStore()
	require.NoError(t, s.Create(newTask("t1")))

	r1 := core.NewAgentRun("t1", "a", 1)
	r2 := core.NewAgentRun("t1", "b", 1)
	require.NoError(t, s.PutRun(r1))
	require.NoError(t, s.PutRun(r2))
	require.NoError(t, s.PutRun(r1), "re-putting a run must not duplicate its id")
	require.ErrorIs(t, s.PutRun(core.NewAgentRun("other", "a", 1)), core.ErrTaskNotFound)

	_, err := s.UpdateRun(r1.ID, func(r *core.AgentRun) error {
		r.MessageIDs = append(r.MessageIDs, "m1")
		return nil
	})
	require.NoError(t, err)

	runs := s.Runs("t1")
	require.Len(t, runs, 2)
	assert.Equal(t, "a", runs[0].Role)
	assert.Equal(t, []string{"m1"}, runs[0].MessageIDs)

	tk, _ := s.Get("t1")
	assert.Equal(t, []string{r1.ID, r2.ID}, tk.RunIDs)

	_, err = s.UpdateRun("nope", func(*core.AgentRun) error { return nil })
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestInMemoryStore_DeleteAndList(t *testing.T) {
	s := NewInMemoryStore()
	require.NoError(t, s.Create(newTask("t1")))
	require.NoError(t, s.Create(newTask("t2")))
	r := core.NewAgentRun("t1", "a", 1)
	require.NoError(t, s.PutRun(r))

	require.NoError(t, s.Delete("t1"))
	assert.ErrorIs(t, s.Delete("t1"), core.ErrTaskNotFound)
	_, err := s.UpdateRun(r.ID, func(*core.AgentRun) error { return nil })
	assert.ErrorIs(t, err, ErrRunNotFound)

	list := s.List()
	require.Len(t, list, 1)
	assert.Equal(t, "t2", list[0].ID)
}

func TestInMemoryStore_ConcurrentUpdates(t *testing.T) {
	s := NewInMemoryStore()
	require.NoError(t, s.Create(newTask("t1")))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := core.NewAgentRun("t1", "a", 1)
			_ = s.PutRun(r)
			_, _ = s.Get("t1")
		}()
	}
	wg.Wait()

	tk, _ := s.Get("t1")
	assert.Len(t, tk.RunIDs, 50)
	assert.Len(t, s.Runs("t1"), 50)
}
