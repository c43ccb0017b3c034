// Package provider adapts language-model backends to a single chat and
// embedding interface.
package provider

import (
	"context"
	"errors"
)

// ErrEmbeddingUnsupported is returned by Embed on backends without an
// embedding endpoint.
var ErrEmbeddingUnsupported = errors.New("provider: embeddings not supported")

// SupportsEmbedding reports whether p can produce embeddings.
func SupportsEmbedding(p Provider) bool {
	switch p.(type) {
	case *AnthropicProvider, *CLIProvider:
		return false
	}
	return true
}

// Message represents a chat message. Role is "system", "user" or
// "assistant".
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response represents the output from the model.
type Response struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// ToolCall is a native function call emitted by the model. Args is the raw
// JSON argument object.
type ToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Args string `json:"args"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Tool is a function definition offered to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  []ToolParam
}

// ToolParam is one argument of a Tool. Type is a JSON Schema type name, or
// "any".
type ToolParam struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// JSONSchema renders the tool's parameters as a JSON Schema object.
func (t Tool) JSONSchema() map[string]any {
	props := make(map[string]any, len(t.Parameters))
	required := []string{}
	for _, p := range t.Parameters {
		prop := map[string]any{}
		if p.Type != "" && p.Type != "any" {
			prop["type"] = p.Type
		}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// Provider defines the interface for AI model interactions.
type Provider interface {
	// Chat sends a list of messages to the model and returns a response.
	// tools may be empty.
	Chat(ctx context.Context, messages []Message, tools []Tool) (*Response, error)

	// Embed generates a vector embedding for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Name returns the provider identifier (e.g., "stub", "openai").
	Name() string
}

// splitSystem separates leading system messages from the conversation.
func splitSystem(messages []Message) (string, []Message) {
	var system string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}
