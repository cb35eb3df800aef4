package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/taskmesh/agent"
	"github.com/hupe1980/taskmesh/audit"
	"github.com/hupe1980/taskmesh/consent"
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/metrics"
	"github.com/hupe1980/taskmesh/task"
)

// ErrTaskActive is returned by Purge for tasks that are not terminal yet.
var ErrTaskActive = errors.New("task is still active")

// Runner executes one AgentRun. *agent.Runner implements it.
type Runner interface {
	Run(ctx context.Context, run *core.AgentRun, tc agent.TaskContext) (agent.Result, error)
}

// ConsentGate is the part of the consent gate the orchestrator drives.
// *consent.Gate implements it.
type ConsentGate interface {
	Decide(ctx context.Context, res consent.Resolution) (core.ConsentRecord, error)
	CancelTask(ctx context.Context, taskID string) int
	ForgetTask(taskID string)
}

// Options configure an Orchestrator.
type Options struct {
	// Store keeps task and run snapshots. Defaults to an in-memory store.
	Store task.Store

	Audit   audit.Log
	Logger  logging.Logger
	Metrics *metrics.Metrics

	// Reducers resolves Config.Reducer. Defaults to NewReducers(TieBreaker).
	Reducers   *Reducers
	TieBreaker TieBreaker

	// DefaultPolicy applies when neither the config nor Policies name one.
	DefaultPolicy Policy
	// Policies maps task types to their aggregation policy.
	Policies map[string]Policy

	MaxRetries  int           // Fresh attempts after a transient run failure; default 2
	MaxParallel int           // Concurrent runs per task; 0 is unlimited
	TaskTimeout time.Duration // Default task timeout; 0 disables it

	// EventBuffer bounds how far a live subscriber may fall behind before it
	// is dropped. Default 256.
	EventBuffer int

	Now func() time.Time
}

// Snapshot is a consistent view of a task and its runs.
type Snapshot struct {
	core.Task
	Config Config          `json:"config"`
	Runs   []core.AgentRun `json:"runs"`
}

type taskState struct {
	id     string
	prompt string
	cfg    Config
	events *eventLog
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu              sync.Mutex
	cancelRequested bool
	terminal        bool
}

// Orchestrator runs tasks. It is safe for concurrent use.
type Orchestrator struct {
	runner Runner
	gate   ConsentGate
	opts   Options
	closed atomic.Bool

	mu    sync.RWMutex
	tasks map[string]*taskState
}

// New creates an Orchestrator. gate may be nil, in which case Decide fails
// and cancellation does not touch consent waits.
func New(runner Runner, gate ConsentGate, optFns ...func(o *Options)) *Orchestrator {
	opts := Options{
		DefaultPolicy: PolicyFirstSuccess,
		MaxRetries:    2,
		EventBuffer:   256,
		Logger:        logging.NoOpLogger{},
		Now:           time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	if opts.Store == nil {
		opts.Store = task.NewInMemoryStore()
	}
	if opts.Reducers == nil {
		opts.Reducers = NewReducers(opts.TieBreaker)
	}

	return &Orchestrator{
		runner: runner,
		gate:   gate,
		opts:   opts,
		tasks:  map[string]*taskState{},
	}
}

// Submit validates cfg, records a pending task and starts executing it in
// the background. The task outlives ctx; use Cancel to stop it.
func (o *Orchestrator) Submit(ctx context.Context, prompt string, cfg Config) (string, error) {
	if o.closed.Load() {
		return "", fmt.Errorf("%w: orchestrator closed", core.ErrCancelled)
	}
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("%w: prompt is required", ErrInvalidConfig)
	}
	cfg, err := cfg.resolve(o.opts)
	if err != nil {
		return "", err
	}

	now := o.opts.Now()
	t := &core.Task{
		ID:        core.NewID(),
		Prompt:    prompt,
		Type:      cfg.Type,
		UserID:    cfg.UserID,
		Status:    core.TaskPending,
		CreatedAt: now,
		UpdatedAt: now,
		RunIDs:    []string{},
	}
	if err := o.opts.Store.Create(t); err != nil {
		return "", err
	}

	taskCtx, cancel := context.WithCancelCause(context.Background())
	ts := &taskState{
		id:     t.ID,
		prompt: prompt,
		cfg:    cfg,
		events: newEventLog(t.ID, o.opts.EventBuffer, o.opts.Now),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	o.mu.Lock()
	o.tasks[t.ID] = ts
	o.mu.Unlock()

	o.opts.Metrics.TaskStarted()
	o.opts.Logger.Info("task.submitted",
		"task_id", t.ID,
		"agents", len(cfg.Agents),
		"mode", cfg.Mode,
		"policy", cfg.Policy,
	)
	o.emitStatus(ctx, ts, "", core.TaskPending, nil, nil)

	go o.execute(taskCtx, ts)

	return t.ID, nil
}

// Get returns a snapshot of the task and its runs.
func (o *Orchestrator) Get(taskID string) (Snapshot, error) {
	ts, err := o.state(taskID)
	if err != nil {
		return Snapshot{}, err
	}
	t, err := o.opts.Store.Get(taskID)
	if err != nil {
		return Snapshot{}, err
	}

	runs := o.opts.Store.Runs(taskID)
	snap := Snapshot{Task: *t, Config: ts.cfg, Runs: make([]core.AgentRun, 0, len(runs))}
	for _, r := range runs {
		snap.Runs = append(snap.Runs, *r)
	}
	return snap, nil
}

// Wait blocks until the task is terminal and returns its final snapshot.
func (o *Orchestrator) Wait(ctx context.Context, taskID string) (Snapshot, error) {
	ts, err := o.state(taskID)
	if err != nil {
		return Snapshot{}, err
	}
	select {
	case <-ts.done:
		return o.Get(taskID)
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Cancel requests cancellation of a pending or running task. Every in-flight
// run is cancelled and outstanding consent waits resolve as denied. The task
// reaches the cancelled status once its runs have stopped.
func (o *Orchestrator) Cancel(taskID string) error {
	ts, err := o.state(taskID)
	if err != nil {
		return err
	}

	ts.mu.Lock()
	if ts.terminal {
		ts.mu.Unlock()
		return fmt.Errorf("%w: %s", core.ErrTaskTerminal, taskID)
	}
	already := ts.cancelRequested
	ts.cancelRequested = true
	ts.mu.Unlock()

	if already {
		return nil
	}

	_, _ = o.opts.Store.Update(taskID, func(t *core.Task) error {
		t.Cancelled = true
		return nil
	})
	o.opts.Logger.Info("task.cancel.requested", "task_id", taskID)

	ts.cancel(fmt.Errorf("%w: task %s cancelled by request", core.ErrCancelled, taskID))
	if o.gate != nil {
		o.gate.CancelTask(context.Background(), taskID)
	}
	return nil
}

// Stream replays the task's events with Seq >= fromSeq and then follows live
// events. The channel is closed after the terminal status_changed event, when
// ctx is done, or when the subscriber falls too far behind; a dropped
// subscriber may reconnect with the next sequence number it expects.
func (o *Orchestrator) Stream(ctx context.Context, taskID string, fromSeq uint64) (<-chan Event, error) {
	ts, err := o.state(taskID)
	if err != nil {
		return nil, err
	}

	events, done, unsubscribe := ts.events.subscribe(fromSeq)
	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-done:
		}
	}()
	return events, nil
}

// Events returns every event recorded for the task so far.
func (o *Orchestrator) Events(taskID string) ([]Event, error) {
	ts, err := o.state(taskID)
	if err != nil {
		return nil, err
	}
	return ts.events.snapshot(), nil
}

// Decide passes a user's consent decision for a tool to the consent gate.
func (o *Orchestrator) Decide(ctx context.Context, taskID, tool string, granted bool, scope core.ConsentScope) error {
	ts, err := o.state(taskID)
	if err != nil {
		return err
	}
	if o.gate == nil {
		return errors.New("consent gate not configured")
	}

	t, err := o.opts.Store.Get(taskID)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", core.ErrTaskTerminal, taskID)
	}

	_, err = o.gate.Decide(ctx, consent.Resolution{
		TaskID:  taskID,
		UserID:  ts.cfg.UserID,
		Tool:    tool,
		Granted: granted,
		Scope:   scope,
	})
	return err
}

// Purge removes a terminal task with its runs, events, consent records and
// audit entries.
func (o *Orchestrator) Purge(ctx context.Context, taskID string) error {
	ts, err := o.state(taskID)
	if err != nil {
		return err
	}

	select {
	case <-ts.done:
	default:
		return fmt.Errorf("%w: %s", ErrTaskActive, taskID)
	}

	if err := o.opts.Store.Delete(taskID); err != nil {
		return err
	}

	o.mu.Lock()
	delete(o.tasks, taskID)
	o.mu.Unlock()

	if o.gate != nil {
		o.gate.ForgetTask(taskID)
	}
	if o.opts.Audit != nil {
		if err := o.opts.Audit.Purge(ctx, taskID); err != nil {
			return fmt.Errorf("purge audit of task %s: %w", taskID, err)
		}
	}

	o.opts.Logger.Info("task.purged", "task_id", taskID)
	return nil
}

// ConsentRequested records a consent_requested event. Wire it to
// consent.Options.OnRequest.
func (o *Orchestrator) ConsentRequested(req consent.Request) {
	ts, err := o.state(req.TaskID)
	if err != nil {
		return
	}
	ts.events.append(EventConsentRequested, ConsentPayload{
		RunID:         req.RunID,
		Tool:          req.Tool,
		CorrelationID: req.CorrelationID,
		Input:         req.Input,
	}, false)
}

// ConsentResolved records a consent_resolved event. Wire it to
// consent.Options.OnResolve.
func (o *Orchestrator) ConsentResolved(req consent.Request, v consent.Verdict, err error) {
	ts, stateErr := o.state(req.TaskID)
	if stateErr != nil {
		return
	}
	p := ConsentPayload{
		RunID:         req.RunID,
		Tool:          req.Tool,
		CorrelationID: req.CorrelationID,
		Decision:      v.Decision,
		Error:         core.FailureFrom(err),
	}
	if v.Record != nil {
		p.Scope = v.Record.Scope
		p.RecordID = v.Record.ID
	}
	ts.events.append(EventConsentResolved, p, false)
}

// Close cancels every active task and waits for them to stop. Submit fails
// after Close.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.closed.Store(true)

	o.mu.RLock()
	states := make([]*taskState, 0, len(o.tasks))
	for _, ts := range o.tasks {
		states = append(states, ts)
	}
	o.mu.RUnlock()

	for _, ts := range states {
		_ = o.Cancel(ts.id)
	}
	for _, ts := range states {
		select {
		case <-ts.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (o *Orchestrator) state(taskID string) (*taskState, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ts, ok := o.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrTaskNotFound, taskID)
	}
	return ts, nil
}
