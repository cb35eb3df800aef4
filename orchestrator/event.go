package orchestrator

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/core"
)

// EventKind classifies task events.
type EventKind string

const (
	EventStatusChanged    EventKind = "status_changed"
	EventMessageAppended  EventKind = "message_appended"
	EventConsentRequested EventKind = "consent_requested"
	EventConsentResolved  EventKind = "consent_resolved"
	EventRunStatusChanged EventKind = "run_status_changed"
)

// Event is one entry of a task's event stream. Seq starts at 1 and is gap
// free per task.
type Event struct {
	TaskID    string          `json:"taskId"`
	Seq       uint64          `json:"seq"`
	Kind      EventKind       `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// StatusPayload is the payload of status_changed events.
type StatusPayload struct {
	From   core.TaskStatus `json:"from,omitempty"`
	To     core.TaskStatus `json:"to"`
	Result *string         `json:"result,omitempty"`
	Error  *core.Failure   `json:"error,omitempty"`
}

// RunStatusPayload is the payload of run_status_changed events.
type RunStatusPayload struct {
	RunID   string         `json:"runId"`
	Role    string         `json:"role"`
	Attempt int            `json:"attempt"`
	From    core.RunStatus `json:"from,omitempty"`
	To      core.RunStatus `json:"to"`
	Error   *core.Failure  `json:"error,omitempty"`
}

// ConsentPayload is the payload of consent_requested and consent_resolved
// events.
type ConsentPayload struct {
	RunID         string            `json:"runId,omitempty"`
	Tool          string            `json:"tool"`
	CorrelationID string            `json:"correlationId"`
	Input         json.RawMessage   `json:"input,omitempty"`
	Decision      core.Decision     `json:"decision,omitempty"`
	Scope         core.ConsentScope `json:"scope,omitempty"`
	RecordID      string            `json:"recordId,omitempty"`
	Error         *core.Failure     `json:"error,omitempty"`
}

func encode(v any) json.RawMessage {
	var (
		b   []byte
		err error
	)
	if m, ok := v.(core.Message); ok {
		b, err = core.Encode(m)
	} else {
		b, err = json.Marshal(v)
	}
	if err != nil {
		return json.RawMessage(`null`)
	}
	return b
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// eventLog is the append-only event list of one task plus its live
// subscribers. Subscribers that fall behind by more than the buffer size are
// dropped so producers never block.
type eventLog struct {
	taskID string
	buffer int
	now    func() time.Time

	mu     sync.Mutex
	events []Event
	subs   map[*subscriber]struct{}
	closed bool
}

func newEventLog(taskID string, buffer int, now func() time.Time) *eventLog {
	return &eventLog{
		taskID: taskID,
		buffer: buffer,
		now:    now,
		subs:   map[*subscriber]struct{}{},
	}
}

// append records an event and fans it out. A terminal event closes the log
// and every subscriber after delivery. Appends to a closed log are dropped.
func (l *eventLog) append(kind EventKind, payload any, terminal bool) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return Event{}, false
	}

	ev := Event{
		TaskID:    l.taskID,
		Seq:       uint64(len(l.events)) + 1,
		Kind:      kind,
		Payload:   encode(payload),
		Timestamp: l.now(),
	}
	l.events = append(l.events, ev)

	for s := range l.subs {
		select {
		case s.ch <- ev:
		default:
			l.dropLocked(s)
		}
	}

	if terminal {
		l.closed = true
		for s := range l.subs {
			l.dropLocked(s)
		}
	}
	return ev, true
}

func (l *eventLog) dropLocked(s *subscriber) {
	delete(l.subs, s)
	close(s.ch)
	close(s.done)
}

// subscribe replays events with Seq >= fromSeq and then follows live events.
// The returned channel is closed after the terminal event, on overflow, or
// when unsubscribe is called; done is closed at the same time.
func (l *eventLog) subscribe(fromSeq uint64) (events <-chan Event, done <-chan struct{}, unsubscribe func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := 0
	if fromSeq > 1 {
		start = min(int(fromSeq-1), len(l.events))
	}
	backlog := l.events[start:]

	s := &subscriber{
		ch:   make(chan Event, len(backlog)+l.buffer),
		done: make(chan struct{}),
	}
	for _, ev := range backlog {
		s.ch <- ev
	}

	if l.closed {
		close(s.ch)
		close(s.done)
		return s.ch, s.done, func() {}
	}

	l.subs[s] = struct{}{}
	return s.ch, s.done, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if _, ok := l.subs[s]; ok {
			l.dropLocked(s)
		}
	}
}

// snapshot returns a copy of all events.
func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

func (l *eventLog) subscribers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}
