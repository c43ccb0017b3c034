// Package planner asks a language model for the agent's next action and
// parses the reply into a Decision under a strict grammar.
package planner

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/felixgeelhaar/noetik/internal/memory"
	"github.com/felixgeelhaar/noetik/internal/provider"
	"github.com/felixgeelhaar/noetik/internal/tools"
)

// Context is everything a planner sees for one proposal.
type Context struct {
	Transcript []memory.Turn
	Memories   []memory.Fragment
	Tools      []tools.Descriptor
	// Correction is set when re-prompting after a rejected reply.
	Correction string
}

// Planner proposes the next action. Implementations hold no state between
// calls beyond what Context carries.
type Planner interface {
	Propose(ctx context.Context, pc *Context) (Decision, error)
}

// Func adapts a function to the Planner interface.
type Func func(ctx context.Context, pc *Context) (Decision, error)

func (f Func) Propose(ctx context.Context, pc *Context) (Decision, error) {
	return f(ctx, pc)
}

// ProviderPlanner drives a provider.Provider.
type ProviderPlanner struct {
	provider     provider.Provider
	systemPrompt string
	nativeTools  bool
	limiter      *rate.Limiter
}

type Option func(*ProviderPlanner)

// WithSystemPrompt replaces DefaultSystemPrompt.
func WithSystemPrompt(prompt string) Option {
	return func(p *ProviderPlanner) {
		p.systemPrompt = prompt
	}
}

// WithNativeTools offers the catalog as native function definitions as well
// as in the prompt.
func WithNativeTools(enabled bool) Option {
	return func(p *ProviderPlanner) {
		p.nativeTools = enabled
	}
}

// WithRateLimit caps oracle calls per second across all sessions sharing
// this planner.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(p *ProviderPlanner) {
		if perSecond <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func NewProviderPlanner(prov provider.Provider, opts ...Option) *ProviderPlanner {
	p := &ProviderPlanner{
		provider:     prov,
		systemPrompt: DefaultSystemPrompt,
		nativeTools:  true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *ProviderPlanner) Propose(ctx context.Context, pc *Context) (Decision, error) {
	if p.limiter != nil {
		// Wait fails early when the deadline would pass before a token frees up.
		if err := p.limiter.Wait(ctx); err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return Decision{}, ctx.Err()
			}
			return Decision{}, fmt.Errorf("%w: %v", ErrOracleTimeout, err)
		}
	}

	var defs []provider.Tool
	if p.nativeTools {
		defs = ProviderTools(pc.Tools)
	}

	resp, err := p.provider.Chat(ctx, BuildMessages(pc, p.systemPrompt), defs)
	if err != nil {
		return Decision{}, oracleError(ctx, err)
	}
	return Parse(resp, pc.Tools)
}

// oracleError classifies a failed oracle call. Caller cancellation is passed
// through untouched.
func oracleError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrOracleTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
}
