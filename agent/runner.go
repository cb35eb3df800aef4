package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/taskmesh/audit"
	"github.com/hupe1980/taskmesh/consent"
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/gateway"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/model"
	"github.com/hupe1980/taskmesh/tool"
)

// Gateway routes model requests to a backend.
type Gateway interface {
	Generate(ctx context.Context, req model.Request, hint gateway.Hint) (gateway.Result, error)
}

// ToolRegistry resolves and invokes tools.
type ToolRegistry interface {
	Catalog() []core.ToolDescriptor
	Resolve(name, version string) (core.ToolDescriptor, error)
	Invoke(ctx context.Context, desc core.ToolDescriptor, input json.RawMessage, optFns ...func(o *tool.InvokeOptions)) (core.ToolInvocation, error)
}

// ConsentGate decides whether consent-gated tools may run.
type ConsentGate interface {
	CheckOrRequest(ctx context.Context, req consent.Request) (consent.Verdict, error)
	Await(ctx context.Context, correlationID string) (consent.Verdict, error)
}

// Options configure a Runner.
type Options struct {
	StepBudget       int           // Model round trips per run; default core.DefaultStepBudget
	ModelCallTimeout time.Duration // Per model call; 0 uses the gateway default
	Audit            audit.Log
	Logger           logging.Logger
	Tracer           trace.Tracer
}

// Result is the outcome of a completed run.
type Result struct {
	Text     string          `json:"text"`
	Output   json.RawMessage `json:"output,omitempty"` // Text parsed as JSON when it is an object or array
	Backend  string          `json:"backend,omitempty"`
	Steps    int             `json:"steps"`
	Messages []core.Message  `json:"-"`
}

// Runner executes AgentRuns. A Runner is stateless between runs and safe for
// concurrent use.
type Runner struct {
	gateway Gateway
	tools   ToolRegistry
	consent ConsentGate
	opts    Options
}

// NewRunner creates a Runner. gate may be nil, in which case every tool that
// requires consent is denied.
func NewRunner(gw Gateway, tools ToolRegistry, gate ConsentGate, optFns ...func(o *Options)) *Runner {
	opts := Options{
		StepBudget: core.DefaultStepBudget,
		Logger:     logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/hupe1980/taskmesh/agent")
	}

	return &Runner{gateway: gw, tools: tools, consent: gate, opts: opts}
}

type state string

const (
	stateAwaitModel   state = "await_model"
	stateAwaitConsent state = "await_consent"
	stateAwaitTool    state = "await_tool"
	stateFinal        state = "final"
)

// execution is the mutable state of one run.
type execution struct {
	r      *Runner
	run    *core.AgentRun
	tc     TaskContext
	log    logging.Logger
	budget *core.StepBudget

	instruction string
	history     []core.Message
	lastID      string
	openCall    string // correlation id of an unanswered tool_call

	queue     []core.ToolCall
	callIDs   map[string]struct{}
	rejected  map[string]error // call id -> argument error
	call      core.ToolCall
	desc      core.ToolDescriptor
	consentID string

	backend string
	final   string
}

// Run drives run to a terminal state. The returned error is nil on success,
// wraps core.ErrCancelled when ctx was cancelled, and otherwise carries the
// failure that ended the run.
func (r *Runner) Run(ctx context.Context, run *core.AgentRun, tc TaskContext) (Result, error) {
	budget := r.opts.StepBudget
	if tc.Spec.StepBudget > 0 {
		budget = tc.Spec.StepBudget
	}

	log := r.opts.Logger
	if sl, ok := log.(*logging.StructuredLogger); ok {
		log = sl.WithComponent("agent").WithTask(run.TaskID, run.ID)
	}

	ex := &execution{r: r, run: run, tc: tc, log: log, budget: core.NewStepBudget(budget)}

	ctx, span := r.opts.Tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("task.id", run.TaskID),
		attribute.String("run.id", run.ID),
		attribute.String("run.role", run.Role),
		attribute.Int("run.attempt", run.Attempt),
	))
	defer span.End()

	res, err := ex.execute(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(core.ReasonFor(err)))
	}
	span.SetAttributes(attribute.Int("run.steps", res.Steps))

	return res, err
}

func (ex *execution) execute(ctx context.Context) (Result, error) {
	instruction, err := ex.tc.Spec.Instruction.Resolve(ex.tc.vars())
	if err != nil {
		err = fmt.Errorf("render instruction: %w", err)
		ex.emitError(ctx, err)
		return ex.result(), err
	}
	ex.instruction = instruction

	if err := ex.append(ctx, core.SenderUser, ex.agentID(), core.KindPrompt, "",
		core.PromptPayload{Text: ex.tc.Prompt, Instruction: instruction}); err != nil {
		return ex.result(), err
	}

	st := stateAwaitModel
	for st != stateFinal {
		if ctx.Err() != nil {
			return ex.cancelled(ctx)
		}

		ex.log.Debug("agent.state", "state", string(st), "step", ex.budget.Used())

		var err error
		switch st {
		case stateAwaitModel:
			st, err = ex.awaitModel(ctx)
		case stateAwaitConsent:
			st, err = ex.awaitConsent(ctx)
		case stateAwaitTool:
			st, err = ex.awaitTool(ctx)
		default:
			err = fmt.Errorf("unknown state %q", st)
		}

		if err != nil {
			if ctx.Err() != nil {
				return ex.cancelled(ctx)
			}
			ex.log.Warn("agent.run.failed", "state", string(st), "reason", string(core.ReasonFor(err)), "error", err.Error())
			return ex.result(), err
		}
	}

	ex.log.Info("agent.run.completed", "steps", ex.budget.Used(), "backend", ex.backend)

	return ex.result(), nil
}

func (ex *execution) awaitModel(ctx context.Context) (state, error) {
	if err := ex.budget.Consume(); err != nil {
		ex.emitError(ctx, err)
		return "", err
	}

	req := model.Request{
		Instructions: ex.instruction,
		Contents:     toContents(ex.history),
		Tools:        ex.toolDefinitions(),
	}

	stepCtx, span := ex.r.opts.Tracer.Start(ctx, "agent.step", trace.WithAttributes(
		attribute.Int("step", ex.budget.Used()),
		attribute.String("class", ex.tc.Spec.Class),
	))

	start := time.Now()
	res, err := ex.r.gateway.Generate(stepCtx, req, gateway.Hint{Class: ex.tc.Spec.Class, Timeout: ex.r.opts.ModelCallTimeout})
	dur := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	calls := ex.normalizeCalls(res.ToolCalls())

	ex.auditModelCall(ctx, res, len(calls), dur, err)
	if sl, ok := ex.log.(*logging.StructuredLogger); ok {
		sl.LogModelCall(res.Backend, ex.tc.Spec.Class, dur, err)
	}

	if err != nil {
		if ctx.Err() == nil {
			ex.emitError(ctx, err)
		}
		return "", err
	}

	ex.backend = res.Backend
	text := res.Content.Text()

	if err := ex.append(ctx, core.SenderModel, ex.agentID(), core.KindModelResponse, "", core.ModelResponsePayload{
		Text:         text,
		ToolCalls:    calls,
		FinishReason: res.FinishReason,
		Backend:      res.Backend,
	}); err != nil {
		return "", err
	}

	if len(calls) == 0 {
		ex.final = text
		return stateFinal, nil
	}

	ex.queue = calls

	return ex.dispatch(ctx)
}

// dispatch announces the next queued tool call and resolves its descriptor.
// Calls whose tool cannot be resolved are answered with an error message and
// skipped. With an empty queue the run returns to the model.
func (ex *execution) dispatch(ctx context.Context) (state, error) {
	for len(ex.queue) > 0 {
		call := ex.queue[0]
		ex.queue = ex.queue[1:]
		ex.call = call
		ex.desc = core.ToolDescriptor{}
		ex.consentID = ""

		if err := ex.append(ctx, ex.agentID(), core.ToolSender(call.Name), core.KindToolCall, call.ID, core.ToolCallPayload{
			Name:      call.Name,
			Version:   call.Version,
			Arguments: call.Arguments,
		}); err != nil {
			return "", err
		}

		if err, ok := ex.rejected[call.ID]; ok {
			delete(ex.rejected, call.ID)
			ex.emitError(ctx, err)
			continue
		}

		desc, err := ex.resolve(call)
		if err != nil {
			ex.emitError(ctx, err)
			continue
		}
		ex.desc = desc

		if desc.RequiresConsent {
			return stateAwaitConsent, nil
		}
		return stateAwaitTool, nil
	}

	return stateAwaitModel, nil
}

// normalizeCalls makes call ids unique within the run and replaces
// arguments that are not a JSON object by their raw text as a JSON string.
// Such calls are remembered as rejected and answered with a validation error
// when dispatched.
func (ex *execution) normalizeCalls(calls []core.ToolCall) []core.ToolCall {
	if ex.callIDs == nil {
		ex.callIDs = map[string]struct{}{}
		ex.rejected = map[string]error{}
	}

	for i := range calls {
		c := &calls[i]
		if _, dup := ex.callIDs[c.ID]; c.ID == "" || dup {
			c.ID = core.NewID()
		}
		ex.callIDs[c.ID] = struct{}{}

		if isObject(c.Arguments) {
			continue
		}
		raw := string(c.Arguments)
		quoted, _ := json.Marshal(raw)
		c.Arguments = quoted
		ex.rejected[c.ID] = core.NewPermanentToolError(c.Name, tool.CodeValidation,
			fmt.Errorf("arguments must be a JSON object, got %q", raw))
	}

	return calls
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}

func (ex *execution) resolve(call core.ToolCall) (core.ToolDescriptor, error) {
	pin, ok := ex.tc.Spec.allowed(call.Name)
	if !ok {
		return core.ToolDescriptor{}, fmt.Errorf("%w: %s is not available to %s", core.ErrToolNotFound, call.Name, ex.agentID())
	}
	version := call.Version
	if version == "" {
		version = pin
	}
	return ex.r.tools.Resolve(call.Name, version)
}

func (ex *execution) awaitConsent(ctx context.Context) (state, error) {
	if ex.r.consent == nil {
		err := fmt.Errorf("%w: %s requires consent and no consent gate is configured", core.ErrConsentDenied, ex.desc.Name)
		ex.emitError(ctx, err)
		return "", err
	}

	// Model call ids are only unique within a run; the gate's pending table
	// is shared by all tasks.
	key := ex.run.ID + ":" + ex.call.ID
	req := consent.Request{
		TaskID:        ex.run.TaskID,
		RunID:         ex.run.ID,
		UserID:        ex.tc.UserID,
		Tool:          ex.desc.Name,
		CorrelationID: key,
		Input:         ex.call.Arguments,
	}

	v, err := ex.r.consent.CheckOrRequest(ctx, req)
	if err == nil && v.Decision == core.DecisionPending {
		ex.log.Info("agent.consent.waiting", "tool", ex.desc.Name, "correlation_id", key)
		v, err = ex.r.consent.Await(ctx, key)
	}
	if err == nil && !v.Granted() {
		err = fmt.Errorf("%w: %s", core.ErrConsentDenied, ex.desc.Name)
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		if !errors.Is(err, core.ErrConsentDenied) {
			err = fmt.Errorf("%w: %w", core.ErrConsentDenied, err)
		}
		ex.emitError(ctx, err)
		return "", err
	}

	if v.Record != nil {
		ex.consentID = v.Record.ID
	}

	return stateAwaitTool, nil
}

func (ex *execution) awaitTool(ctx context.Context) (state, error) {
	desc, call := ex.desc, ex.call

	inv, err := ex.r.tools.Invoke(ctx, desc, call.Arguments, func(o *tool.InvokeOptions) {
		o.CorrelationID = call.ID
		o.ConsentID = ex.consentID
	})

	if _, aerr := audit.Write(context.WithoutCancel(ctx), ex.r.opts.Audit, ex.run.TaskID, ex.run.ID, audit.KindToolInvocation, inv); aerr != nil {
		ex.log.Error("agent.audit.failed", "kind", string(audit.KindToolInvocation), "error", aerr.Error())
	}

	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		ex.emitError(ctx, err)
		if core.IsTransient(err) {
			return "", err
		}
		// Permanent failures go back to the model, which may retry deliberately.
		return ex.dispatch(ctx)
	}

	if err := ex.append(ctx, core.ToolSender(desc.Name), ex.agentID(), core.KindToolResult, call.ID, core.ToolResultPayload{
		Name:    desc.Name,
		Version: desc.Version,
		Output:  inv.Output,
	}); err != nil {
		return "", err
	}

	return ex.dispatch(ctx)
}

// cancelled answers an open tool call, writes the cancelled control message
// and returns the cancellation error.
func (ex *execution) cancelled(ctx context.Context) (Result, error) {
	cause := ctx.Err()
	detached := context.WithoutCancel(ctx)

	var err error
	reason := core.SignalCancelled
	if errors.Is(cause, context.DeadlineExceeded) {
		reason = string(core.ReasonTimeout)
		err = fmt.Errorf("run %s: %w", ex.run.ID, cause)
	} else {
		err = fmt.Errorf("run %s: %w: %w", ex.run.ID, core.ErrCancelled, cause)
	}

	if ex.openCall != "" {
		ex.emitError(detached, err)
	}
	_ = ex.append(detached, core.SenderOrchestrator, ex.agentID(), core.KindControl, "", core.ControlPayload{
		Signal: core.SignalCancelled,
		Reason: reason,
	})

	ex.log.Info("agent.run.cancelled", "reason", reason, "steps", ex.budget.Used())

	return ex.result(), err
}

// emitError appends an error message. While a tool call is open the error
// answers it and carries its correlation id.
func (ex *execution) emitError(ctx context.Context, err error) {
	sender, corr := ex.agentID(), ""
	if ex.openCall != "" {
		sender, corr = core.ToolSender(ex.call.Name), ex.openCall
	}

	_ = ex.append(ctx, sender, ex.agentID(), core.KindError, corr, core.ErrorPayload{
		Code:      core.ReasonFor(err),
		Message:   err.Error(),
		Transient: core.IsTransient(err),
	})
}

// append records a new message in the run history, the audit log and the
// task sink.
func (ex *execution) append(ctx context.Context, sender, recipient string, kind core.Kind, correlationID string, payload any) error {
	msg, err := core.NewMessage(ex.run.TaskID, ex.run.ID, sender, recipient, kind, payload)
	if err != nil {
		return err
	}
	msg = msg.WithParent(ex.lastID).WithCorrelation(correlationID)

	if err := msg.Validate(); err != nil {
		return err
	}

	ex.history = append(ex.history, msg)
	ex.lastID = msg.ID

	switch {
	case kind == core.KindToolCall:
		ex.openCall = correlationID
	case correlationID != "" && correlationID == ex.openCall:
		ex.openCall = ""
	}

	if _, aerr := audit.Write(context.WithoutCancel(ctx), ex.r.opts.Audit, ex.run.TaskID, ex.run.ID, audit.KindMessage, msg); aerr != nil {
		ex.log.Error("agent.audit.failed", "kind", string(audit.KindMessage), "error", aerr.Error())
	}
	if ex.tc.Sink != nil {
		ex.tc.Sink(msg)
	}

	return nil
}

func (ex *execution) auditModelCall(ctx context.Context, res gateway.Result, toolCalls int, dur time.Duration, err error) {
	p := audit.ModelCallPayload{
		Backend:      res.Backend,
		Class:        ex.tc.Spec.Class,
		Attempts:     res.Attempts,
		FinishReason: res.FinishReason,
		ToolCalls:    toolCalls,
		DurationMS:   dur.Milliseconds(),
	}
	if res.Usage != nil {
		p.InputTokens = res.Usage.PromptTokens
		p.OutputTokens = res.Usage.CompletionTokens
	}
	if err != nil {
		p.Error = err.Error()
	}

	if _, aerr := audit.Write(context.WithoutCancel(ctx), ex.r.opts.Audit, ex.run.TaskID, ex.run.ID, audit.KindModelCall, p); aerr != nil {
		ex.log.Error("agent.audit.failed", "kind", string(audit.KindModelCall), "error", aerr.Error())
	}
}

// toolDefinitions exposes the tools the spec allows, one version per name.
func (ex *execution) toolDefinitions() []model.ToolDefinition {
	var (
		defs []model.ToolDefinition
		seen = map[string]struct{}{}
	)

	for _, d := range ex.r.tools.Catalog() {
		if _, ok := seen[d.Name]; ok {
			continue
		}
		seen[d.Name] = struct{}{}

		pin, ok := ex.tc.Spec.allowed(d.Name)
		if !ok {
			continue
		}
		desc, err := ex.r.tools.Resolve(d.Name, pin)
		if err != nil {
			continue
		}
		defs = append(defs, model.ToolDefinitionFromDescriptor(desc))
	}

	return defs
}

func (ex *execution) agentID() string {
	if ex.run.Role != "" {
		return ex.run.Role
	}
	return ex.run.ID
}

func (ex *execution) result() Result {
	res := Result{
		Text:     ex.final,
		Backend:  ex.backend,
		Steps:    ex.budget.Used(),
		Messages: append([]core.Message(nil), ex.history...),
	}

	trimmed := bytes.TrimSpace([]byte(ex.final))
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid(trimmed) {
		res.Output = json.RawMessage(trimmed)
	}

	return res
}
