package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Executor validates tool calls against the registry and runs their
// handlers. Execute never panics and never returns an error: every outcome
// is a Result.
type Executor struct {
	registry *Registry
	timeout  time.Duration
	now      func() time.Time
}

type ExecutorOption func(*Executor)

// WithTimeout bounds each handler's context. Zero means no bound.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.timeout = d
	}
}

func NewExecutor(r *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry: r,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Catalog returns the tool catalog for planner prompts.
func (e *Executor) Catalog() []Descriptor {
	return e.registry.List()
}

// Execute resolves, validates and runs a call.
func (e *Executor) Execute(ctx context.Context, call Call) Result {
	start := e.now()
	res := e.execute(ctx, call)
	res.Tool = call.Tool
	res.Duration = e.now().Sub(start)
	return res
}

func (e *Executor) execute(ctx context.Context, call Call) Result {
	ent, err := e.registry.lookup(call.Tool)
	if err != nil {
		return failure(KindUnknownTool, fmt.Sprintf("no tool named %q is registered", call.Tool))
	}

	normalized, err := normalize(call.Args)
	if err != nil {
		return failure(KindInvalidArguments, fmt.Sprintf("arguments are not JSON-compatible: %v", err))
	}
	if err := ent.schema.Validate(normalized); err != nil {
		return failure(KindInvalidArguments, describeValidation(err))
	}
	args, err := coerce(ent.spec.Params, normalized.(map[string]any))
	if err != nil {
		return failure(KindInvalidArguments, err.Error())
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	payload, err := invoke(ctx, ent.spec.Handler, args)
	if err != nil {
		msg := err.Error()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
			msg = fmt.Sprintf("%s (timed out after %s)", msg, e.timeout)
		}
		return failure(KindExecutionFailed, msg)
	}
	if _, err := json.Marshal(payload); err != nil {
		return failure(KindExecutionFailed, fmt.Sprintf("payload is not JSON-serializable: %v", err))
	}
	return Result{Status: StatusOK, Payload: payload}
}

// invoke runs the handler, converting a panic into an error.
func invoke(ctx context.Context, h Handler, args Args) (payload any, err error) {
	defer func() {
		if r := recover(); r != nil {
			payload = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, args)
}

func failure(kind FailureKind, msg string) Result {
	return Result{
		Status: StatusError,
		Error:  &Failure{Kind: kind, Message: msg},
	}
}
