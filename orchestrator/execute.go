package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/taskmesh/agent"
	"github.com/hupe1980/taskmesh/audit"
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
)

// errSettled cancels runs that are still in flight once the policy has
// decided the task outcome.
var errSettled = fmt.Errorf("%w: task outcome already decided", core.ErrCancelled)

func (o *Orchestrator) execute(ctx context.Context, ts *taskState) {
	defer close(ts.done)
	defer ts.cancel(nil)

	if ts.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ts.cfg.Timeout))
		defer cancel()
	}

	reducer, _ := o.opts.Reducers.Get(ts.cfg.Reducer)
	c := newCollector(ts.cfg, reducer)

	if ts.cfg.Mode == ModeSequential {
		o.runSequential(ctx, ts, c)
	} else {
		o.runParallel(ctx, ts, c)
	}

	result, err := c.result()
	o.finish(ctx, ts, result, err)
}

// runParallel starts every spec concurrently, bounded by MaxParallel, and
// feeds outcomes to the collector in completion order. Once the outcome is
// decided the remaining runs are cancelled; runParallel returns after all of
// them have stopped.
func (o *Orchestrator) runParallel(ctx context.Context, ts *taskState, c *collector) {
	runCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)

	outcomes := make(chan outcome, len(ts.cfg.Agents))

	var g errgroup.Group
	if ts.cfg.MaxParallel > 0 {
		g.SetLimit(ts.cfg.MaxParallel)
	}

	go func() {
		for _, spec := range ts.cfg.Agents {
			g.Go(func() error {
				outcomes <- o.runSpec(runCtx, ts, spec, ts.prompt)
				return nil
			})
		}
		_ = g.Wait()
		close(outcomes)
	}()

	decided := false
	for out := range outcomes {
		if decided {
			continue
		}
		if c.observe(out) {
			decided = true
			stop(errSettled)
		}
	}
}

// runSequential runs the specs one after the other. Each run after a
// successful one sees that result as context.
func (o *Orchestrator) runSequential(ctx context.Context, ts *taskState, c *collector) {
	prompt := ts.prompt
	for _, spec := range ts.cfg.Agents {
		out := o.runSpec(ctx, ts, spec, prompt)
		if c.observe(out) {
			return
		}
		if out.err == nil {
			prompt = fmt.Sprintf("%s\n\nResult from %s:\n%s", ts.prompt, out.role, out.result.Text)
		}
	}
}

// runSpec executes one spec, retrying transient failures with fresh
// attempts while the task is still live.
func (o *Orchestrator) runSpec(ctx context.Context, ts *taskState, spec agent.Spec, prompt string) outcome {
	if ctx.Err() != nil {
		return outcome{role: spec.Role, err: fmt.Errorf("%s: not started: %w", spec.Role, context.Cause(ctx))}
	}

	for attempt := 1; ; attempt++ {
		res, err := o.runOnce(ctx, ts, spec, prompt, attempt)
		if err == nil {
			return outcome{role: spec.Role, result: res}
		}
		if attempt > *ts.cfg.MaxRetries || !core.IsTransient(err) || ctx.Err() != nil {
			return outcome{role: spec.Role, err: err}
		}

		o.opts.Metrics.RunRetried()
		o.opts.Logger.Warn("task.run.retry",
			"task_id", ts.id,
			"role", spec.Role,
			"attempt", attempt,
			"error", err.Error(),
		)
	}
}

func (o *Orchestrator) runOnce(ctx context.Context, ts *taskState, spec agent.Spec, prompt string, attempt int) (agent.Result, error) {
	run := core.NewAgentRun(ts.id, spec.Role, attempt)
	if err := o.opts.Store.PutRun(run); err != nil {
		return agent.Result{}, err
	}
	o.emitRun(ctx, ts, run, "")
	o.transition(ctx, ts, core.TaskRunning, nil, nil)

	started, err := o.opts.Store.UpdateRun(run.ID, func(r *core.AgentRun) error {
		r.Status = core.RunRunning
		r.StartedAt = o.opts.Now()
		return nil
	})
	if err != nil {
		return agent.Result{}, err
	}
	o.emitRun(ctx, ts, started, core.RunPending)

	tc := agent.TaskContext{
		TaskID: ts.id,
		UserID: ts.cfg.UserID,
		Prompt: prompt,
		Spec:   spec,
		Vars:   ts.cfg.Vars,
		Sink: func(m core.Message) {
			_, _ = o.opts.Store.UpdateRun(run.ID, func(r *core.AgentRun) error {
				r.MessageIDs = append(r.MessageIDs, m.ID)
				return nil
			})
			ts.events.append(EventMessageAppended, m, false)
		},
	}

	res, runErr := o.runner.Run(ctx, started, tc)

	status := core.RunCompleted
	switch {
	case runErr == nil:
	case core.ReasonFor(runErr) == core.ReasonCancelled:
		status = core.RunCancelled
	default:
		status = core.RunFailed
	}

	finished, err := o.opts.Store.UpdateRun(run.ID, func(r *core.AgentRun) error {
		r.Status = status
		r.FinishedAt = o.opts.Now()
		if runErr != nil {
			r.Error = core.FailureFrom(runErr)
			return nil
		}
		text := res.Text
		r.Result = &text
		return nil
	})
	if err == nil {
		o.emitRun(ctx, ts, finished, core.RunRunning)
	}
	o.opts.Metrics.RunFinished(string(status))

	return res, runErr
}

// finish performs the terminal transition. An acknowledged Cancel always
// wins; a task whose deadline expired fails with reason timeout unless the
// policy already reported no consensus.
func (o *Orchestrator) finish(ctx context.Context, ts *taskState, result string, err error) {
	ts.mu.Lock()
	cancelled := ts.cancelRequested
	ts.terminal = true
	ts.mu.Unlock()

	switch {
	case cancelled:
		o.transition(ctx, ts, core.TaskCancelled, nil, &core.Failure{
			Code:    core.ReasonCancelled,
			Message: "task cancelled",
		})
	case err == nil:
		o.transition(ctx, ts, core.TaskCompleted, &result, nil)
	default:
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, core.ErrNoConsensus) {
			err = fmt.Errorf("task timed out after %s: %w", time.Duration(ts.cfg.Timeout), context.DeadlineExceeded)
		}
		failure := core.FailureFrom(err)
		_, _ = audit.Write(context.WithoutCancel(ctx), o.opts.Audit, ts.id, "", audit.KindError, audit.ErrorPayload{
			Code:    string(failure.Code),
			Message: failure.Message,
		})
		o.transition(ctx, ts, core.TaskFailed, nil, failure)
	}
}

// transition moves the task to status to. The update is a compare-and-set
// on the stored status: terminal tasks never change and running is only
// entered from pending. It reports whether the transition happened.
func (o *Orchestrator) transition(ctx context.Context, ts *taskState, to core.TaskStatus, result *string, failure *core.Failure) bool {
	var from core.TaskStatus
	_, err := o.opts.Store.Update(ts.id, func(t *core.Task) error {
		if t.Status.IsTerminal() {
			return core.ErrTaskTerminal
		}
		if to == core.TaskRunning && t.Status != core.TaskPending {
			return errNoTransition
		}
		from = t.Status
		t.Status = to
		t.UpdatedAt = o.opts.Now()
		t.Result = result
		t.Error = failure
		if to == core.TaskCancelled {
			t.Cancelled = true
		}
		return nil
	})
	if err != nil {
		return false
	}

	o.emitStatus(ctx, ts, from, to, result, failure)

	if to.IsTerminal() {
		var reason core.ReasonCode
		if failure != nil {
			reason = failure.Code
		}
		o.opts.Metrics.TaskFinished(string(to), string(reason))
	}
	return true
}

var errNoTransition = errors.New("no transition")

// emitStatus audits a task status change and then publishes it.
func (o *Orchestrator) emitStatus(ctx context.Context, ts *taskState, from, to core.TaskStatus, result *string, failure *core.Failure) {
	var reason, detail string
	if failure != nil {
		reason, detail = string(failure.Code), failure.Message
	}

	if _, err := audit.Write(context.WithoutCancel(ctx), o.opts.Audit, ts.id, "", audit.KindTaskStatus, audit.StatusPayload{
		From:   string(from),
		To:     string(to),
		Reason: reason,
		Detail: detail,
	}); err != nil {
		o.opts.Logger.Warn("task.audit.failed", "task_id", ts.id, "error", err.Error())
	}

	ts.events.append(EventStatusChanged, StatusPayload{
		From:   from,
		To:     to,
		Result: result,
		Error:  failure,
	}, to.IsTerminal())

	if sl, ok := o.opts.Logger.(*logging.StructuredLogger); ok {
		sl.LogTaskTransition(ts.id, string(from), string(to), reason)
	} else {
		o.opts.Logger.Info("task.status.changed", "task_id", ts.id, "from", from, "to", to, "reason", reason)
	}
}

// emitRun audits a run status change and then publishes it.
func (o *Orchestrator) emitRun(ctx context.Context, ts *taskState, run *core.AgentRun, from core.RunStatus) {
	var reason, detail string
	if run.Error != nil {
		reason, detail = string(run.Error.Code), run.Error.Message
	}

	if _, err := audit.Write(context.WithoutCancel(ctx), o.opts.Audit, ts.id, run.ID, audit.KindRunStatus, audit.StatusPayload{
		From:   string(from),
		To:     string(run.Status),
		Reason: reason,
		Detail: detail,
	}); err != nil {
		o.opts.Logger.Warn("task.audit.failed", "task_id", ts.id, "run_id", run.ID, "error", err.Error())
	}

	ts.events.append(EventRunStatusChanged, RunStatusPayload{
		RunID:   run.ID,
		Role:    run.Role,
		Attempt: run.Attempt,
		From:    from,
		To:      run.Status,
		Error:   run.Error,
	}, false)

	o.opts.Logger.Debug("task.run.status.changed",
		"task_id", ts.id,
		"run_id", run.ID,
		"role", run.Role,
		"from", from,
		"to", run.Status,
	)
}
