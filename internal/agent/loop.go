// Package agent runs the plan/act/observe loop that turns a user message into
// a final answer.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/felixgeelhaar/noetik/internal/memory"
	"github.com/felixgeelhaar/noetik/internal/observe"
	"github.com/felixgeelhaar/noetik/internal/planner"
	"github.com/felixgeelhaar/noetik/internal/tools"
	"github.com/felixgeelhaar/noetik/internal/ui"
)

// ToolExecutor runs tool calls. Execute must not panic.
type ToolExecutor interface {
	Execute(ctx context.Context, call tools.Call) tools.Result
	Catalog() []tools.Descriptor
}

// Retriever is the vector memory as the loop uses it.
type Retriever interface {
	Query(ctx context.Context, text string, k int) ([]memory.Fragment, error)
	Insert(ctx context.Context, text string, meta map[string]string) (string, error)
}

// TraceSink persists the JSON trace of each invocation.
type TraceSink interface {
	SaveTrace(ctx context.Context, sessionID string, trace []byte) error
}

// Agent orchestrates planner, tools and memory. It holds no per-invocation
// state, so one Agent serves concurrent Runs.
type Agent struct {
	planner planner.Planner
	tools   ToolExecutor
	store   memory.Store
	cfg     Config

	memory  Retriever
	traces  TraceSink
	events  *EventBus
	observe *observe.Observer
	ui      ui.UI
}

type Option func(*Agent)

func WithVectorMemory(r Retriever) Option {
	return func(a *Agent) { a.memory = r }
}

func WithTraceSink(s TraceSink) Option {
	return func(a *Agent) { a.traces = s }
}

func WithEventBus(eb *EventBus) Option {
	return func(a *Agent) { a.events = eb }
}

func WithObserver(o *observe.Observer) Option {
	return func(a *Agent) {
		if o != nil {
			a.observe = o
		}
	}
}

func WithUI(u ui.UI) Option {
	return func(a *Agent) {
		if u != nil {
			a.ui = u
		}
	}
}

func New(p planner.Planner, te ToolExecutor, s memory.Store, cfg Config, opts ...Option) *Agent {
	a := &Agent{
		planner: p,
		tools:   te,
		store:   s,
		cfg:     cfg.withDefaults(),
		observe: observe.Nop(),
		ui:      ui.SilentUI{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Config returns the effective configuration.
func (a *Agent) Config() Config {
	return a.cfg
}

// Run processes one message to completion. Every planner and tool failure
// ends up either as an observation in the transcript or as a terminal
// Result. A non-nil error is returned only alongside an Aborted result, when
// ctx is canceled or the transcript store fails.
func (a *Agent) Run(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}

	ctx, span := a.observe.StartSpan(ctx, "agent.Run")
	defer span.End()

	res := &Result{State: StateStarted, Trace: Trace{}}

	sessionID, err := a.resolveSession(ctx, req.SessionID)
	if err != nil {
		res.SessionID = req.SessionID
		return a.fail(ctx, res, fmt.Errorf("resolve session: %w", err))
	}
	res.SessionID = sessionID
	span.SetAttributes(observe.KeySession.String(sessionID))
	log := a.observe.Log().With().Str("session", sessionID).Logger()

	a.publish(EventRunStart, sessionID, map[string]any{"message": req.Message})
	a.ui.UpdateStatus(string(StateStarted))

	userTurn, err := a.store.Append(ctx, sessionID, memory.Turn{Role: memory.RoleUser, Content: req.Message})
	if err != nil {
		return a.fail(ctx, res, err)
	}
	lastTurnID := userTurn.ID

	memories := a.retrieve(ctx, sessionID, req.Message)

	for res.Steps < a.cfg.MaxSteps {
		if err := ctx.Err(); err != nil {
			return a.cancel(ctx, res, err)
		}

		step := res.Steps + 1
		res.State = StatePlanning
		a.ui.UpdateStatus(string(StatePlanning))
		a.ui.UpdateStep(step, a.cfg.MaxSteps)
		a.publish(EventStepStart, sessionID, map[string]any{"step": step})

		transcript, err := a.store.Recent(ctx, sessionID, a.cfg.HistoryWindow)
		if err != nil {
			return a.fail(ctx, res, err)
		}
		pc := &planner.Context{
			Transcript: transcript,
			Memories:   memories,
			Tools:      a.tools.Catalog(),
		}

		decision, attempts, err := a.plan(ctx, sessionID, pc)
		res.Retries += attempts - 1
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return a.cancel(ctx, res, ctxErr)
			}
			log.Warn().Int("step", step).Err(err).Msg("planner failed, aborting")
			return a.abort(ctx, res, ReasonPlannerExhausted)
		}

		res.Steps = step
		a.publish(EventPlannerDecision, sessionID, map[string]any{
			"step":     step,
			"decision": decision.String(),
		})

		switch decision.Action {
		case planner.ActionCallTool:
			res.State = StateExecutingTool
			a.ui.UpdateStatus(string(StateExecutingTool))

			call := *decision.Call
			call.TurnID = lastTurnID
			result := a.execute(ctx, sessionID, step, call)
			res.Trace = append(res.Trace, Step{Decision: decision, Result: &result})

			// The observation is recorded even if the caller has gone away.
			toolTurn, err := a.store.Append(context.WithoutCancel(ctx), sessionID, memory.Turn{
				Role:    memory.RoleTool,
				Content: result.Content(),
				Tool: &memory.ToolRef{
					Name:   call.Tool,
					Args:   call.Args,
					Status: string(result.Status),
				},
			})
			if err != nil {
				return a.fail(ctx, res, err)
			}
			lastTurnID = toolTurn.ID

		case planner.ActionRespond:
			res.State = StateResponding
			a.ui.UpdateStatus(string(StateResponding))
			res.Trace = append(res.Trace, Step{Decision: decision})

			answerTurn, err := a.store.Append(context.WithoutCancel(ctx), sessionID, memory.Turn{
				Role:    memory.RoleAssistant,
				Content: decision.Answer,
			})
			if err != nil {
				return a.fail(ctx, res, err)
			}
			a.archive(ctx, sessionID, answerTurn.ID, req.Message, decision.Answer)

			res.Answer = decision.Answer
			return a.finish(ctx, res, StateTerminated, ReasonAnswered), nil
		}
	}

	log.Warn().Int("steps", res.Steps).Msg("step budget exhausted")
	if _, err := a.store.Append(context.WithoutCancel(ctx), sessionID, memory.Turn{
		Role:    memory.RoleAssistant,
		Content: a.cfg.FallbackAnswer,
	}); err != nil {
		return a.fail(ctx, res, err)
	}
	res.Answer = a.cfg.FallbackAnswer
	return a.finish(ctx, res, StateTerminated, ReasonStepBudget), nil
}

func (a *Agent) resolveSession(ctx context.Context, id string) (string, error) {
	if id != "" {
		ok, err := a.store.HasSession(ctx, id)
		if err != nil {
			return "", err
		}
		if ok {
			return id, nil
		}
		a.observe.Log().Info().Str("requested", id).Msg("unknown session, starting a new one")
	}
	return a.store.CreateSession(ctx)
}

// retrieve queries vector memory. Failures degrade to no retrieved context.
func (a *Agent) retrieve(ctx context.Context, sessionID, text string) []memory.Fragment {
	if a.memory == nil || a.cfg.MemoryResults <= 0 {
		return nil
	}
	frags, err := a.memory.Query(ctx, text, a.cfg.MemoryResults)
	if err != nil {
		if errors.Is(err, memory.ErrEmbeddingUnavailable) {
			a.observe.Log().Warn().Str("session", sessionID).Err(err).Msg("embedding unavailable, continuing without retrieved context")
		} else {
			a.observe.Log().Warn().Str("session", sessionID).Err(err).Msg("memory query failed, continuing without retrieved context")
		}
		a.publish(EventMemoryUnavailable, sessionID, map[string]any{"error": err.Error()})
		return nil
	}
	if len(frags) > 0 {
		a.observe.Log().Info().Str("session", sessionID).Int("count", len(frags)).Msg("retrieved relevant memories")
		a.publish(EventMemoryRetrieved, sessionID, map[string]any{"count": len(frags)})
	}
	return frags
}

// plan asks the planner for a decision, re-prompting with a correction note
// up to MaxPlannerRetries times. It returns the number of attempts made.
func (a *Agent) plan(ctx context.Context, sessionID string, pc *planner.Context) (planner.Decision, int, error) {
	ctx, span := a.observe.StartSpan(ctx, "agent.plan", observe.KeySession.String(sessionID))
	defer span.End()

	var lastErr error
	attempts := 0
	for attempts <= a.cfg.MaxPlannerRetries {
		if attempts > 0 {
			pc.Correction = a.cfg.CorrectionNote + "\nProblem: " + lastErr.Error()
			a.publish(EventPlannerRetry, sessionID, map[string]any{
				"attempt": attempts + 1,
				"error":   lastErr.Error(),
			})
		}
		attempts++

		d, err := a.propose(ctx, pc)
		if err == nil {
			return d, attempts, nil
		}
		if ctx.Err() != nil {
			return planner.Decision{}, attempts, ctx.Err()
		}
		a.observe.Log().Warn().Str("session", sessionID).Int("attempt", attempts).Err(err).Msg("planner reply rejected")
		lastErr = err
	}
	return planner.Decision{}, attempts, fmt.Errorf("%w: %v", ErrPlannerRetriesExhausted, lastErr)
}

func (a *Agent) propose(ctx context.Context, pc *planner.Context) (planner.Decision, error) {
	if a.cfg.PlannerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.PlannerTimeout)
		defer cancel()
	}
	d, err := a.planner.Propose(ctx, pc)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, planner.ErrOracleTimeout) {
			err = fmt.Errorf("%w: %v", planner.ErrOracleTimeout, err)
		}
		return planner.Decision{}, err
	}
	if err := d.Validate(); err != nil {
		return planner.Decision{}, &planner.ParseError{Reason: err.Error()}
	}
	return d, nil
}

// execute runs a tool to completion: cancellation of ctx does not interrupt
// it, only the tool timeout does.
func (a *Agent) execute(ctx context.Context, sessionID string, step int, call tools.Call) tools.Result {
	ctx, span := a.observe.StartSpan(context.WithoutCancel(ctx), "agent.tool",
		observe.KeySession.String(sessionID), observe.KeyStep.Int(step), observe.KeyTool.String(call.Tool))
	defer span.End()

	if a.cfg.ToolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.ToolTimeout)
		defer cancel()
	}

	a.ui.Log(fmt.Sprintf("Step %d: calling %s", step, call.Tool))
	a.publish(EventToolCallStart, sessionID, map[string]any{"step": step, "tool": call.Tool})

	result := a.tools.Execute(ctx, call)

	ev := a.observe.Log().Info().Str("session", sessionID)
	if !result.OK() {
		ev = a.observe.Log().Warn().Str("session", sessionID).Str("kind", string(result.Error.Kind))
	}
	ev.Str("tool", call.Tool).Int("step", step).Int("duration_ms", int(result.Duration.Milliseconds())).Msg("tool call finished")

	a.publish(EventToolCallEnd, sessionID, map[string]any{
		"step":        step,
		"tool":        call.Tool,
		"status":      string(result.Status),
		"duration_ms": result.Duration.Milliseconds(),
	})
	return result
}

// archive stores the answered exchange in vector memory. Failures are logged.
func (a *Agent) archive(ctx context.Context, sessionID, turnID, question, answer string) {
	if a.memory == nil || !a.cfg.ArchiveAnswers {
		return
	}
	text := fmt.Sprintf("User: %s\nAssistant: %s", question, answer)
	meta := map[string]string{"session_id": sessionID, "turn_id": turnID}
	id, err := a.memory.Insert(context.WithoutCancel(ctx), text, meta)
	if err != nil {
		a.observe.Log().Warn().Str("session", sessionID).Err(err).Msg("failed to archive memory")
		return
	}
	a.observe.Log().Info().Str("session", sessionID).Str("fragment", id).Msg("archived exchange")
	a.publish(EventMemoryArchived, sessionID, map[string]any{"fragment_id": id})
}

// abort ends the run with the user-visible abort answer.
func (a *Agent) abort(ctx context.Context, res *Result, reason Reason) (*Result, error) {
	if _, err := a.store.Append(context.WithoutCancel(ctx), res.SessionID, memory.Turn{
		Role:    memory.RoleAssistant,
		Content: a.cfg.AbortAnswer,
	}); err != nil {
		return a.fail(ctx, res, err)
	}
	res.Answer = a.cfg.AbortAnswer
	return a.finish(ctx, res, StateAborted, reason), nil
}

// cancel ends the run because ctx is done.
func (a *Agent) cancel(ctx context.Context, res *Result, cause error) (*Result, error) {
	if _, err := a.store.Append(context.WithoutCancel(ctx), res.SessionID, memory.Turn{
		Role:    memory.RoleAssistant,
		Content: a.cfg.AbortAnswer,
	}); err != nil {
		a.observe.Log().Error().Str("session", res.SessionID).Err(err).Msg("failed to record cancellation")
	}
	res.Answer = a.cfg.AbortAnswer
	return a.finish(ctx, res, StateAborted, ReasonCanceled), cause
}

// fail ends the run because the transcript store failed.
func (a *Agent) fail(ctx context.Context, res *Result, err error) (*Result, error) {
	a.observe.Log().Error().Str("session", res.SessionID).Err(err).Msg("transcript store failed")
	res.Answer = a.cfg.AbortAnswer
	return a.finish(ctx, res, StateAborted, ReasonStoreFailed), fmt.Errorf("transcript store: %w", err)
}

func (a *Agent) finish(ctx context.Context, res *Result, state State, reason Reason) *Result {
	res.State = state
	res.Reason = reason
	a.ui.UpdateStatus(string(state))

	evType := EventRunComplete
	if state == StateAborted {
		evType = EventRunAborted
	}
	a.publish(evType, res.SessionID, map[string]any{
		"state":  string(state),
		"reason": string(reason),
		"steps":  res.Steps,
		"answer": res.Answer,
	})

	a.observe.Log().Info().
		Str("session", res.SessionID).
		Str("state", string(state)).
		Str("reason", string(reason)).
		Int("steps", res.Steps).
		Int("retries", res.Retries).
		Msg("run finished")

	if a.traces != nil && res.SessionID != "" {
		data, err := json.Marshal(res.Trace)
		if err == nil {
			err = a.traces.SaveTrace(context.WithoutCancel(ctx), res.SessionID, data)
		}
		if err != nil {
			a.observe.Log().Warn().Str("session", res.SessionID).Err(err).Msg("failed to persist trace")
		}
	}
	return res
}

func (a *Agent) publish(t EventType, sessionID string, data map[string]any) {
	if a.events != nil {
		a.events.PublishWithData(t, sessionID, data)
	}
}
