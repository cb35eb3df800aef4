package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(ch <-chan Event) []Event {
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestEventLog_SlowSubscriberIsDropped(t *testing.T) {
	l := newEventLog("t1", 1, time.Now)
	ch, done, _ := l.subscribe(0)

	l.append(EventRunStatusChanged, nil, false)
	l.append(EventRunStatusChanged, nil, false) // overflows the buffer of one
	l.append(EventRunStatusChanged, nil, false)

	<-done
	got := drain(ch)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.Equal(t, 0, l.subscribers())

	// A dropped subscriber resumes from the next sequence number.
	again, _, unsubscribe := l.subscribe(2)
	defer unsubscribe()
	assert.Equal(t, uint64(2), (<-again).Seq)
	assert.Equal(t, uint64(3), (<-again).Seq)
}

func TestEventLog_TerminalClosesSubscribers(t *testing.T) {
	l := newEventLog("t1", 8, time.Now)
	ch, _, _ := l.subscribe(0)

	l.append(EventStatusChanged, StatusPayload{To: "pending"}, false)
	l.append(EventStatusChanged, StatusPayload{To: "completed"}, true)

	_, ok := l.append(EventConsentResolved, nil, false)
	assert.False(t, ok, "appends after the terminal event are dropped")

	got := drain(ch)
	require.Len(t, got, 2)
	assert.JSONEq(t, `{"to":"completed"}`, string(got[1].Payload))

	late, done, _ := l.subscribe(2)
	<-done
	assert.Len(t, drain(late), 1)

	beyond, _, _ := l.subscribe(10)
	assert.Empty(t, drain(beyond))
}

func TestEventLog_Unsubscribe(t *testing.T) {
	l := newEventLog("t1", 8, time.Now)
	ch, done, unsubscribe := l.subscribe(0)
	unsubscribe()
	unsubscribe()
	<-done
	assert.Empty(t, drain(ch))

	l.append(EventRunStatusChanged, nil, false)
	assert.Len(t, l.snapshot(), 1)
}
