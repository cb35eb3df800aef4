package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/core"
)

func openTestSQLite(t *testing.T) (*SQLiteLog, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "audit.db")
	l, err := OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	return l, path
}

func backends(t *testing.T) map[string]Log {
	sqlite, _ := openTestSQLite(t)
	return map[string]Log{
		"memory": NewMemoryLog(),
		"sqlite": sqlite,
	}
}

func TestLog_AppendAssignsPerTaskSequence(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			e1, err := Write(ctx, l, "task-a", "run-1", KindMessage, map[string]string{"text": "hi"})
			require.NoError(t, err)
			e2, err := Write(ctx, l, "task-a", "", KindTaskStatus, StatusPayload{From: "pending", To: "running"})
			require.NoError(t, err)
			other, err := Write(ctx, l, "task-b", "", KindError, ErrorPayload{Code: "internal", Message: "boom"})
			require.NoError(t, err)

			assert.Equal(t, uint64(1), e1.Seq)
			assert.Equal(t, uint64(2), e2.Seq)
			assert.Equal(t, uint64(1), other.Seq)
			assert.False(t, e1.Timestamp.IsZero())

			entries, err := l.Replay(ctx, "task-a", 0)
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, KindMessage, entries[0].Kind)
			assert.Equal(t, "run-1", entries[0].RunID)
			assert.JSONEq(t, `{"text":"hi"}`, string(entries[0].Payload))

			var status StatusPayload
			require.NoError(t, json.Unmarshal(entries[1].Payload, &status))
			assert.Equal(t, "running", status.To)

			from2, err := l.Replay(ctx, "task-a", 2)
			require.NoError(t, err)
			require.Len(t, from2, 1)
			assert.Equal(t, uint64(2), from2[0].Seq)

			none, err := l.Replay(ctx, "task-a", 10)
			require.NoError(t, err)
			assert.Empty(t, none)

			unknown, err := l.Replay(ctx, "nope", 0)
			require.NoError(t, err)
			assert.Empty(t, unknown)
		})
	}
}

func TestLog_RejectsMissingTaskID(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := l.Append(context.Background(), Entry{Kind: KindMessage})
			assert.ErrorIs(t, err, ErrEmptyTaskID)
		})
	}
}

func TestLog_ConcurrentAppendsAreGapFree(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			var wg sync.WaitGroup
			for i := range 20 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := Write(ctx, l, "task-c", fmt.Sprintf("run-%d", i%3), KindRunStatus, StatusPayload{To: "running"})
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			entries, err := l.Replay(ctx, "task-c", 1)
			require.NoError(t, err)
			require.Len(t, entries, 20)
			for i, e := range entries {
				assert.Equal(t, uint64(i+1), e.Seq)
			}
		})
	}
}

func TestLog_Purge(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := Write(ctx, l, "task-d", "", KindMessage, nil)
			require.NoError(t, err)
			require.NoError(t, l.Purge(ctx, "task-d"))

			entries, err := l.Replay(ctx, "task-d", 0)
			require.NoError(t, err)
			assert.Empty(t, entries)

			e, err := Write(ctx, l, "task-d", "", KindMessage, nil)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), e.Seq)
		})
	}
}

func TestSQLiteLog_ReopenContinuesSequence(t *testing.T) {
	ctx := context.Background()
	l, path := openTestSQLite(t)

	for range 3 {
		_, err := Write(ctx, l, "task-e", "", KindMessage, json.RawMessage(`{"n":1}`))
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	reopened, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	e, err := Write(ctx, reopened, "task-e", "", KindMessage, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), e.Seq)

	entries, err := reopened.Replay(ctx, "task-e", 0)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.JSONEq(t, `{"n":1}`, string(entries[0].Payload))
	assert.JSONEq(t, `null`, string(entries[3].Payload))
}

func TestWrite_NilLogIsNoop(t *testing.T) {
	e, err := Write(context.Background(), nil, "task", "", KindMessage, "x")
	require.NoError(t, err)
	assert.Zero(t, e.Seq)
}

func TestWrite_MessagesUseEnvelopeCodec(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()

	msg, err := core.NewMessage("task", "run", core.SenderUser, "agent", core.KindPrompt, core.PromptPayload{Text: "hi"})
	require.NoError(t, err)

	e, err := Write(ctx, l, "task", "run", KindMessage, msg)
	require.NoError(t, err)
	decoded, err := core.Decode(e.Payload)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, decoded.ID)

	invalid := msg
	invalid.Kind = "gossip"
	_, err = Write(ctx, l, "task", "run", KindMessage, invalid)
	assert.ErrorIs(t, err, core.ErrInvalidMessage)

	entries, err := l.Replay(ctx, "task", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
