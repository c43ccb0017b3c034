// Package tools holds the tool registry and the executor that dispatches
// planner tool calls to registered handlers.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ParamType is the JSON type a tool parameter accepts.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeObject  ParamType = "object"
	TypeArray   ParamType = "array"
	TypeAny     ParamType = "any"
)

func (t ParamType) valid() bool {
	switch t {
	case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeObject, TypeArray, TypeAny:
		return true
	}
	return false
}

// Param describes one named argument of a tool.
type Param struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Description string    `json:"description,omitempty"`
	Required    bool      `json:"required"`
}

// Handler performs a tool invocation. The returned payload must be
// JSON-serializable.
type Handler func(ctx context.Context, args Args) (any, error)

// Spec is what gets registered: the tool's identity, its parameter schema and
// the handler that runs it.
type Spec struct {
	Name        string
	Description string
	Params      []Param
	// Capability tags what the tool touches, e.g. "shell" or "filesystem".
	Capability string
	Handler    Handler
}

// Descriptor is the catalog entry for a tool, as shown to the planner.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Capability  string         `json:"capability,omitempty"`
	Params      []Param        `json:"params"`
	Schema      map[string]any `json:"schema"`
}

// Signature renders the descriptor as name(param: type, optional?: type).
func (d Descriptor) Signature() string {
	parts := make([]string, 0, len(d.Params))
	for _, p := range d.Params {
		name := p.Name
		if !p.Required {
			name += "?"
		}
		parts = append(parts, fmt.Sprintf("%s: %s", name, p.Type))
	}
	return fmt.Sprintf("%s(%s)", d.Name, strings.Join(parts, ", "))
}

// Call is a request to run a tool, as produced by the planner.
type Call struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
	// TurnID references the transcript turn that led to the call.
	TurnID string `json:"turn_id,omitempty"`
}

// Status is the outcome tag of a tool result.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// FailureKind classifies tool failures.
type FailureKind string

const (
	KindUnknownTool      FailureKind = "unknown_tool"
	KindInvalidArguments FailureKind = "invalid_arguments"
	KindExecutionFailed  FailureKind = "tool_execution_failed"
)

// Failure is the error half of a Result.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// Result is the normalized outcome of one tool call.
type Result struct {
	Tool     string        `json:"tool"`
	Status   Status        `json:"status"`
	Payload  any           `json:"payload,omitempty"`
	Error    *Failure      `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

func (r Result) OK() bool {
	return r.Status == StatusOK
}

// Content renders the result as text for the transcript. Successful string
// payloads are used verbatim; anything else is JSON.
func (r Result) Content() string {
	if r.Error != nil {
		return fmt.Sprintf("%s: %s", r.Error.Kind, r.Error.Message)
	}
	if s, ok := r.Payload.(string); ok {
		return s
	}
	b, err := json.Marshal(r.Payload)
	if err != nil {
		return fmt.Sprintf("%v", r.Payload)
	}
	return string(b)
}

// Err maps a failed result back to its sentinel error.
func (r Result) Err() error {
	if r.Error == nil {
		return nil
	}
	var base error
	switch r.Error.Kind {
	case KindUnknownTool:
		base = ErrUnknownTool
	case KindInvalidArguments:
		base = ErrInvalidArguments
	default:
		base = ErrToolExecutionFailed
	}
	return fmt.Errorf("%w: %s", base, r.Error.Message)
}

// Args is the validated, coerced argument mapping a handler receives.
// Integer parameters arrive as int64 and number parameters as float64.
type Args map[string]any

func (a Args) Has(name string) bool {
	_, ok := a[name]
	return ok
}

func (a Args) String(name string) string {
	s, _ := a[name].(string)
	return s
}

func (a Args) Int(name string) int64 {
	switch v := a[name].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

func (a Args) Float(name string) float64 {
	switch v := a[name].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

func (a Args) Bool(name string) bool {
	b, _ := a[name].(bool)
	return b
}
