// Package consent implements the consent gate that guards tools marked as
// requiring user approval.
//
// CheckOrRequest never blocks: it answers from recorded decisions or
// registers a pending request and returns DecisionPending. Await suspends the
// caller until Decide resolves the request, the wait times out, or the
// context is cancelled. Timeouts and cancellations resolve as denied.
package consent

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/audit"
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/metrics"
)

var (
	// ErrNotPending is returned by Await for an unknown correlation id.
	ErrNotPending = errors.New("consent: no pending request")
	// ErrInvalidResolution is returned by Decide for malformed decisions.
	ErrInvalidResolution = errors.New("consent: invalid resolution")
)

// Request asks whether a tool may be invoked.
type Request struct {
	TaskID        string          `json:"taskId"`
	RunID         string          `json:"runId,omitempty"`
	UserID        string          `json:"userId,omitempty"`
	Tool          string          `json:"tool"`
	CorrelationID string          `json:"correlationId"`
	Input         json.RawMessage `json:"input,omitempty"`
}

// Resolution is a user's answer to a consent request. CorrelationID is
// optional; without it a one-shot decision resolves the oldest pending
// request for the task and tool.
type Resolution struct {
	TaskID        string            `json:"taskId"`
	UserID        string            `json:"userId,omitempty"`
	Tool          string            `json:"toolName"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Granted       bool              `json:"granted"`
	Scope         core.ConsentScope `json:"scope,omitempty"`
}

// Verdict is the answer of CheckOrRequest and Await. Record is set when the
// answer is backed by a recorded user decision.
type Verdict struct {
	Decision core.Decision
	Record   *core.ConsentRecord
}

// Granted reports whether the verdict allows the invocation.
func (v Verdict) Granted() bool { return v.Decision == core.DecisionGranted }

// Options configure a Gate.
type Options struct {
	Timeout time.Duration // Maximum Await duration; default 5m

	// OnRequest is called (outside the gate lock) for every new pending
	// request.
	OnRequest func(req Request)

	// OnResolve is called (outside the gate lock) when a pending request is
	// resolved by a decision, a timeout or a cancellation.
	OnResolve func(req Request, v Verdict, err error)

	Audit   audit.Log
	Logger  logging.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type taskTool struct{ task, tool string }

type userTool struct{ user, tool string }

type waiter struct {
	req  Request
	seq  uint64
	done chan struct{}

	verdict Verdict
	err     error
}

// Gate is the consent gate. It is safe for concurrent use.
type Gate struct {
	opts Options

	mu         sync.Mutex
	oneShot    map[taskTool][]*core.ConsentRecord
	taskWide   map[taskTool]*core.ConsentRecord
	persistent map[userTool]*core.ConsentRecord
	records    map[string][]core.ConsentRecord // by task
	pending    map[string]*waiter              // by correlation id
	finished   map[string]*waiter              // resolved, not yet awaited
	seq        uint64
}

// NewGate creates a consent gate.
func NewGate(optFns ...func(o *Options)) *Gate {
	opts := Options{
		Timeout: 5 * time.Minute,
		Logger:  logging.NoOpLogger{},
		Now:     time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)

	return &Gate{
		opts:       opts,
		oneShot:    map[taskTool][]*core.ConsentRecord{},
		taskWide:   map[taskTool]*core.ConsentRecord{},
		persistent: map[userTool]*core.ConsentRecord{},
		records:    map[string][]core.ConsentRecord{},
		pending:    map[string]*waiter{},
		finished:   map[string]*waiter{},
	}
}

// CheckOrRequest answers from recorded decisions, in order: an unconsumed
// one-shot decision for the task and tool (consumed here), a task-wide
// decision, a persistent decision for the user. Without any it registers a
// pending request keyed by req.CorrelationID and returns DecisionPending.
func (g *Gate) CheckOrRequest(ctx context.Context, req Request) (Verdict, error) {
	if req.TaskID == "" || req.Tool == "" || req.CorrelationID == "" {
		return Verdict{Decision: core.DecisionDenied}, fmt.Errorf("consent: task id, tool and correlation id are required")
	}
	if err := ctx.Err(); err != nil {
		return Verdict{Decision: core.DecisionDenied}, err
	}

	g.mu.Lock()

	if rec := g.lookupLocked(req); rec != nil {
		g.mu.Unlock()
		return verdictFor(rec), nil
	}

	if _, exists := g.pending[req.CorrelationID]; exists {
		g.mu.Unlock()
		return Verdict{Decision: core.DecisionPending}, nil
	}

	g.seq++
	g.pending[req.CorrelationID] = &waiter{req: req, seq: g.seq, done: make(chan struct{})}
	g.mu.Unlock()

	g.opts.Logger.Info("consent.requested", "task_id", req.TaskID, "tool", req.Tool, "correlation_id", req.CorrelationID)
	if g.opts.OnRequest != nil {
		g.opts.OnRequest(req)
	}

	return Verdict{Decision: core.DecisionPending}, nil
}

func (g *Gate) lookupLocked(req Request) *core.ConsentRecord {
	k := taskTool{req.TaskID, req.Tool}
	if list := g.oneShot[k]; len(list) > 0 {
		rec := list[0]
		if len(list) == 1 {
			delete(g.oneShot, k)
		} else {
			g.oneShot[k] = list[1:]
		}
		return rec
	}
	if rec, ok := g.taskWide[k]; ok {
		return rec
	}
	if req.UserID != "" {
		if rec, ok := g.persistent[userTool{req.UserID, req.Tool}]; ok {
			return rec
		}
	}
	return nil
}

// Await blocks until the pending request identified by correlationID is
// resolved. A timeout yields ErrConsentTimeout; cancellation of ctx yields a
// denial wrapping the context error. Both count as denied.
func (g *Gate) Await(ctx context.Context, correlationID string) (Verdict, error) {
	g.mu.Lock()
	w, ok := g.pending[correlationID]
	if !ok {
		if w, ok = g.finished[correlationID]; ok {
			delete(g.finished, correlationID)
		}
	}
	g.mu.Unlock()
	if !ok {
		return Verdict{Decision: core.DecisionDenied}, fmt.Errorf("%w: %s", ErrNotPending, correlationID)
	}
	defer g.collect(w)

	var timeout <-chan time.Time
	if g.opts.Timeout > 0 {
		timer := time.NewTimer(g.opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-w.done:
		return w.verdict, w.err
	case <-timeout:
		g.resolve(ctx, w, Verdict{Decision: core.DecisionDenied}, core.ErrConsentTimeout, "timeout")
	case <-ctx.Done():
		g.resolve(ctx, w, Verdict{Decision: core.DecisionDenied}, fmt.Errorf("%w: %w", core.ErrConsentDenied, ctx.Err()), "cancelled")
	}

	<-w.done
	return w.verdict, w.err
}

// collect drops w from the finished table once its verdict was read.
func (g *Gate) collect(w *waiter) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cur, ok := g.finished[w.req.CorrelationID]; ok && cur == w {
		delete(g.finished, w.req.CorrelationID)
	}
}

// finishLocked moves w from pending to finished and wakes its waiter.
func (g *Gate) finishLocked(w *waiter, v Verdict, err error) {
	delete(g.pending, w.req.CorrelationID)
	g.finished[w.req.CorrelationID] = w
	w.verdict, w.err = v, err
	close(w.done)
}

// resolve settles w unless a concurrent decision already did.
func (g *Gate) resolve(ctx context.Context, w *waiter, v Verdict, err error, source string) {
	g.mu.Lock()
	if cur, ok := g.pending[w.req.CorrelationID]; !ok || cur != w {
		g.mu.Unlock()
		return
	}
	g.finishLocked(w, v, err)
	g.mu.Unlock()

	g.settled(ctx, w.req, v, err, source)
}

func (g *Gate) settled(ctx context.Context, req Request, v Verdict, err error, source string) {
	ctx = context.WithoutCancel(ctx)

	if source != "user" {
		g.opts.Metrics.ConsentDecided(string(v.Decision), source)
		if _, aerr := audit.Write(ctx, g.opts.Audit, req.TaskID, req.RunID, audit.KindConsentDecision, map[string]any{
			"tool":          req.Tool,
			"correlationId": req.CorrelationID,
			"decision":      v.Decision,
			"source":        source,
		}); aerr != nil {
			g.opts.Logger.Error("consent.audit.failed", "task_id", req.TaskID, "error", aerr.Error())
		}
	}

	args := []any{"task_id", req.TaskID, "tool", req.Tool, "correlation_id", req.CorrelationID, "decision", string(v.Decision), "source", source}
	if err != nil {
		args = append(args, "error", err.Error())
	}
	g.opts.Logger.Info("consent.resolved", args...)

	if g.opts.OnResolve != nil {
		g.opts.OnResolve(req, v, err)
	}
}

// Decide records a user decision and resolves matching pending requests.
//
// One-shot decisions resolve exactly one pending request (the one named by
// CorrelationID, otherwise the oldest for the task and tool); without a
// pending request they are stored for the next check. Task and persistent
// decisions are stored and resolve every matching pending request.
func (g *Gate) Decide(ctx context.Context, res Resolution) (core.ConsentRecord, error) {
	if res.TaskID == "" || res.Tool == "" {
		return core.ConsentRecord{}, fmt.Errorf("%w: task id and tool are required", ErrInvalidResolution)
	}
	if res.Scope == "" {
		res.Scope = core.ScopeOneShot
	}
	if !res.Scope.Valid() {
		return core.ConsentRecord{}, fmt.Errorf("%w: invalid scope %q", ErrInvalidResolution, res.Scope)
	}
	if res.Scope == core.ScopePersistent && res.UserID == "" {
		return core.ConsentRecord{}, fmt.Errorf("%w: persistent scope requires a user id", ErrInvalidResolution)
	}

	rec := core.ConsentRecord{
		ID:        core.NewID(),
		TaskID:    res.TaskID,
		UserID:    res.UserID,
		Tool:      res.Tool,
		Scope:     res.Scope,
		Granted:   res.Granted,
		Timestamp: g.opts.Now(),
	}
	stored := &rec
	v := verdictFor(stored)

	var decisionErr error
	if !rec.Granted {
		decisionErr = fmt.Errorf("%w: %s denied by user", core.ErrConsentDenied, rec.Tool)
	}

	g.mu.Lock()
	g.records[rec.TaskID] = append(g.records[rec.TaskID], rec)

	var woken []*waiter
	switch rec.Scope {
	case core.ScopeOneShot:
		if w := g.matchOneLocked(res); w != nil {
			woken = append(woken, w)
		} else {
			k := taskTool{rec.TaskID, rec.Tool}
			g.oneShot[k] = append(g.oneShot[k], stored)
		}
	case core.ScopeTask:
		g.taskWide[taskTool{rec.TaskID, rec.Tool}] = stored
		woken = g.matchAllLocked(func(r Request) bool { return r.TaskID == rec.TaskID && r.Tool == rec.Tool })
	case core.ScopePersistent:
		g.persistent[userTool{rec.UserID, rec.Tool}] = stored
		woken = g.matchAllLocked(func(r Request) bool {
			return r.Tool == rec.Tool && (r.UserID == rec.UserID || r.TaskID == rec.TaskID)
		})
	}

	for _, w := range woken {
		g.finishLocked(w, v, decisionErr)
	}
	g.mu.Unlock()

	g.opts.Metrics.ConsentDecided(string(v.Decision), "user")
	if _, err := audit.Write(ctx, g.opts.Audit, rec.TaskID, "", audit.KindConsentDecision, rec); err != nil {
		g.opts.Logger.Error("consent.audit.failed", "task_id", rec.TaskID, "error", err.Error())
	}
	g.opts.Logger.Info("consent.decided", "task_id", rec.TaskID, "tool", rec.Tool, "scope", string(rec.Scope), "granted", rec.Granted, "resolved", len(woken))

	for _, w := range woken {
		g.settled(ctx, w.req, v, decisionErr, "user")
	}

	return rec, nil
}

func (g *Gate) matchOneLocked(res Resolution) *waiter {
	if res.CorrelationID != "" {
		if w, ok := g.pending[res.CorrelationID]; ok && w.req.TaskID == res.TaskID && w.req.Tool == res.Tool {
			return w
		}
		return nil
	}

	var oldest *waiter
	for _, w := range g.pending {
		if w.req.TaskID != res.TaskID || w.req.Tool != res.Tool {
			continue
		}
		if oldest == nil || w.seq < oldest.seq {
			oldest = w
		}
	}
	return oldest
}

func (g *Gate) matchAllLocked(match func(Request) bool) []*waiter {
	var out []*waiter
	for _, w := range g.pending {
		if match(w.req) {
			out = append(out, w)
		}
	}
	return out
}

// CancelTask resolves every pending request of the task as denied.
func (g *Gate) CancelTask(ctx context.Context, taskID string) int {
	g.mu.Lock()
	var ws []*waiter
	for _, w := range g.pending {
		if w.req.TaskID == taskID {
			ws = append(ws, w)
		}
	}
	g.mu.Unlock()

	err := fmt.Errorf("%w: %w", core.ErrConsentDenied, core.ErrCancelled)
	for _, w := range ws {
		g.resolve(ctx, w, Verdict{Decision: core.DecisionDenied}, err, "cancelled")
	}

	return len(ws)
}

// Pending lists the unresolved requests of a task.
func (g *Gate) Pending(taskID string) []Request {
	g.mu.Lock()
	defer g.mu.Unlock()

	var ws []*waiter
	for _, w := range g.pending {
		if w.req.TaskID == taskID {
			ws = append(ws, w)
		}
	}
	slices.SortFunc(ws, func(a, b *waiter) int { return cmp.Compare(a.seq, b.seq) })

	out := make([]Request, len(ws))
	for i, w := range ws {
		out[i] = w.req
	}
	return out
}

// Records returns the decisions recorded for a task in decision order.
func (g *Gate) Records(taskID string) []core.ConsentRecord {
	g.mu.Lock()
	defer g.mu.Unlock()

	return append([]core.ConsentRecord(nil), g.records[taskID]...)
}

// ForgetTask drops the task's records and task-scoped decisions. Persistent
// decisions are kept.
func (g *Gate) ForgetTask(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.records, taskID)
	for id, w := range g.finished {
		if w.req.TaskID == taskID {
			delete(g.finished, id)
		}
	}
	for k := range g.oneShot {
		if k.task == taskID {
			delete(g.oneShot, k)
		}
	}
	for k := range g.taskWide {
		if k.task == taskID {
			delete(g.taskWide, k)
		}
	}
}

func verdictFor(rec *core.ConsentRecord) Verdict {
	cp := *rec
	if rec.Granted {
		return Verdict{Decision: core.DecisionGranted, Record: &cp}
	}
	return Verdict{Decision: core.DecisionDenied, Record: &cp}
}
