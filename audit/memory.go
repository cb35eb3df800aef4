package audit

import (
	"context"
	"sync"
	"time"
)

// MemoryLog is a volatile Log keeping entries in process memory. Each task
// has its own mutex and counter so appends for different tasks never contend.
type MemoryLog struct {
	tasks sync.Map // task id -> *taskLog
	now   func() time.Time
}

type taskLog struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryLog creates an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{now: time.Now}
}

func (l *MemoryLog) taskLog(taskID string) *taskLog {
	if tl, ok := l.tasks.Load(taskID); ok {
		return tl.(*taskLog)
	}
	tl, _ := l.tasks.LoadOrStore(taskID, &taskLog{})
	return tl.(*taskLog)
}

// Append implements Log.
func (l *MemoryLog) Append(_ context.Context, e Entry) (Entry, error) {
	if e.TaskID == "" {
		return Entry{}, ErrEmptyTaskID
	}

	tl := l.taskLog(e.TaskID)
	tl.mu.Lock()
	defer tl.mu.Unlock()

	e.Seq = uint64(len(tl.entries)) + 1
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	tl.entries = append(tl.entries, e)

	return e, nil
}

// Replay implements Log.
func (l *MemoryLog) Replay(_ context.Context, taskID string, fromSeq uint64) ([]Entry, error) {
	v, ok := l.tasks.Load(taskID)
	if !ok {
		return []Entry{}, nil
	}
	tl := v.(*taskLog)

	tl.mu.Lock()
	defer tl.mu.Unlock()

	start := 0
	if fromSeq > 1 {
		start = int(fromSeq - 1)
	}
	if start >= len(tl.entries) {
		return []Entry{}, nil
	}

	out := make([]Entry, len(tl.entries)-start)
	copy(out, tl.entries[start:])

	return out, nil
}

// Purge implements Log.
func (l *MemoryLog) Purge(_ context.Context, taskID string) error {
	l.tasks.Delete(taskID)
	return nil
}

// Close implements Log.
func (l *MemoryLog) Close() error { return nil }
