package planner

import (
	"fmt"
	"strings"

	"github.com/felixgeelhaar/noetik/internal/memory"
	"github.com/felixgeelhaar/noetik/internal/provider"
	"github.com/felixgeelhaar/noetik/internal/tools"
)

// DefaultSystemPrompt introduces the agent and the reply grammar. The tool
// catalog is appended after it.
const DefaultSystemPrompt = `You are noetik, an assistant that works step by step.
At each step reply with exactly one of the following, and nothing else:

{"tool": "<tool name>", "args": {<arguments>}}
    to call one tool. You will see its result in the next message.
Answer: <text>
    to give the final answer to the user.`

// BuildMessages serializes the planning context into oracle messages: the
// system prompt with the tool catalog, retrieved memory, the transcript and
// an optional correction note.
func BuildMessages(pc *Context, systemPrompt string) []provider.Message {
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}

	var sys strings.Builder
	sys.WriteString(systemPrompt)
	sys.WriteString("\n\n")
	sys.WriteString(RenderCatalog(pc.Tools))

	msgs := []provider.Message{{Role: "system", Content: sys.String()}}

	if block := RenderMemories(pc.Memories); block != "" {
		msgs = append(msgs, provider.Message{Role: "system", Content: block})
	}

	for _, t := range pc.Transcript {
		msgs = append(msgs, turnMessage(t))
	}

	if pc.Correction != "" {
		msgs = append(msgs, provider.Message{Role: "user", Content: pc.Correction})
	}
	return msgs
}

// RenderCatalog lists tools one per line, in catalog order.
func RenderCatalog(catalog []tools.Descriptor) string {
	if len(catalog) == 0 {
		return "No tools are available. Reply with " + AnswerPrefix + " <text>."
	}
	var b strings.Builder
	b.WriteString("Available tools:")
	for _, d := range catalog {
		b.WriteString("\n- ")
		b.WriteString(d.Signature())
		if d.Capability != "" {
			fmt.Fprintf(&b, " [%s]", d.Capability)
		}
		if d.Description != "" {
			b.WriteString(": ")
			b.WriteString(d.Description)
		}
	}
	return b.String()
}

// RenderMemories formats retrieved fragments, or returns "" when there are
// none.
func RenderMemories(frags []memory.Fragment) string {
	if len(frags) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant information from past conversations:")
	for _, f := range frags {
		fmt.Fprintf(&b, "\n- %s (similarity %.2f)", strings.ReplaceAll(f.Text, "\n", " "), f.Score)
	}
	return b.String()
}

func turnMessage(t memory.Turn) provider.Message {
	switch t.Role {
	case memory.RoleAssistant:
		return provider.Message{Role: "assistant", Content: t.Content}
	case memory.RoleTool:
		name, status := "unknown", "ok"
		if t.Tool != nil {
			name = t.Tool.Name
			if t.Tool.Status != "" {
				status = t.Tool.Status
			}
		}
		return provider.Message{Role: "user", Content: fmt.Sprintf("Tool %s returned %s: %s", name, status, t.Content)}
	default:
		return provider.Message{Role: "user", Content: t.Content}
	}
}

// ProviderTools converts the catalog into native function definitions.
func ProviderTools(catalog []tools.Descriptor) []provider.Tool {
	out := make([]provider.Tool, 0, len(catalog))
	for _, d := range catalog {
		params := make([]provider.ToolParam, 0, len(d.Params))
		for _, p := range d.Params {
			params = append(params, provider.ToolParam{
				Name:        p.Name,
				Type:        string(p.Type),
				Description: p.Description,
				Required:    p.Required,
			})
		}
		out = append(out, provider.Tool{Name: d.Name, Description: d.Description, Parameters: params})
	}
	return out
}
