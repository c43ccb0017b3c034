package agent

import (
	"github.com/felixgeelhaar/noetik/internal/planner"
	"github.com/felixgeelhaar/noetik/internal/tools"
)

// State is a position in the loop's state machine:
//
//	Started -> Planning -> (ExecutingTool | Responding)
//	ExecutingTool -> Planning
//	Responding -> Terminated
//	Planning -> Aborted (planner retries exhausted, cancellation)
type State string

const (
	StateStarted       State = "started"
	StatePlanning      State = "planning"
	StateExecutingTool State = "executing_tool"
	StateResponding    State = "responding"
	StateTerminated    State = "terminated"
	StateAborted       State = "aborted"
)

// Terminal reports whether s ends an invocation.
func (s State) Terminal() bool {
	return s == StateTerminated || s == StateAborted
}

// Reason explains how an invocation ended.
type Reason string

const (
	ReasonAnswered         Reason = "answered"
	ReasonStepBudget       Reason = "step_budget_exhausted"
	ReasonPlannerExhausted Reason = "planner_retries_exhausted"
	ReasonCanceled         Reason = "canceled"
	ReasonStoreFailed      Reason = "store_failed"
)

// Step pairs a planner decision with the tool result it produced, if any.
type Step struct {
	Decision planner.Decision `json:"decision"`
	Result   *tools.Result    `json:"result,omitempty"`
}

// Trace is the ordered record of one invocation.
type Trace []Step

// Request is one user message to process.
type Request struct {
	Message string `json:"message"`
	// SessionID continues a session; empty or unknown ids start a new one.
	SessionID string `json:"session_id,omitempty"`
}

// Result is the outcome of one invocation.
type Result struct {
	SessionID string `json:"session_id"`
	Answer    string `json:"answer"`
	State     State  `json:"state"`
	Reason    Reason `json:"reason"`
	// Steps counts completed plan/act cycles; planner retries do not count.
	Steps   int   `json:"steps"`
	Retries int   `json:"retries"`
	Trace   Trace `json:"trace"`
}
