package planner

import (
	"fmt"

	"github.com/felixgeelhaar/noetik/internal/tools"
)

// Action discriminates a Decision.
type Action string

const (
	ActionCallTool Action = "call_tool"
	ActionRespond  Action = "respond"
)

// Decision is the planner's proposed next step: exactly one of a tool call
// or a final answer.
type Decision struct {
	Action Action      `json:"action"`
	Call   *tools.Call `json:"call,omitempty"`
	Answer string      `json:"answer,omitempty"`
}

// CallTool builds a tool-call decision.
func CallTool(name string, args map[string]any) Decision {
	if args == nil {
		args = map[string]any{}
	}
	return Decision{Action: ActionCallTool, Call: &tools.Call{Tool: name, Args: args}}
}

// Respond builds a final-answer decision.
func Respond(answer string) Decision {
	return Decision{Action: ActionRespond, Answer: answer}
}

// Validate checks that exactly one variant is populated.
func (d Decision) Validate() error {
	switch d.Action {
	case ActionCallTool:
		if d.Call == nil || d.Call.Tool == "" {
			return fmt.Errorf("call_tool decision without a tool")
		}
		if d.Answer != "" {
			return fmt.Errorf("call_tool decision carries an answer")
		}
	case ActionRespond:
		if d.Call != nil {
			return fmt.Errorf("respond decision carries a tool call")
		}
	default:
		return fmt.Errorf("unknown action %q", d.Action)
	}
	return nil
}

func (d Decision) String() string {
	if d.Action == ActionCallTool && d.Call != nil {
		return fmt.Sprintf("call_tool(%s)", d.Call.Tool)
	}
	return fmt.Sprintf("respond(%q)", d.Answer)
}
