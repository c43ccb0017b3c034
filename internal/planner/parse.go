package planner

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/felixgeelhaar/noetik/internal/provider"
	"github.com/felixgeelhaar/noetik/internal/tools"
)

// AnswerPrefix introduces a plain-text final answer.
const AnswerPrefix = "Answer:"

const decisionSchema = `{
	"oneOf": [
		{
			"type": "object",
			"properties": {
				"tool": {"type": "string", "minLength": 1},
				"args": {"type": "object"}
			},
			"required": ["tool"],
			"additionalProperties": false
		},
		{
			"type": "object",
			"properties": {
				"answer": {"type": "string", "minLength": 1}
			},
			"required": ["answer"],
			"additionalProperties": false
		}
	]
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func decisionValidator() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(decisionSchema))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal decision schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("decision.json", doc); err != nil {
			schemaErr = fmt.Errorf("add decision schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile("decision.json")
	})
	return schema, schemaErr
}

// Parse turns an oracle response into a Decision. Anything outside the
// grammar fails closed with a *ParseError:
//
//	Answer: <text>
//	{"tool": "<name>", "args": {...}}
//	{"answer": "<text>"}
//
// optionally wrapped in one code fence, or exactly one native tool call.
// Tool names must appear in catalog.
func Parse(resp *provider.Response, catalog []tools.Descriptor) (Decision, error) {
	if resp == nil {
		return Decision{}, parseErr("", "empty response")
	}
	if len(resp.ToolCalls) > 0 {
		return parseNative(resp.ToolCalls, catalog)
	}
	return ParseText(resp.Content, catalog)
}

// ParseText applies the text grammar to raw.
func ParseText(raw string, catalog []tools.Descriptor) (Decision, error) {
	text, err := unfence(strings.TrimSpace(raw))
	if err != nil {
		return Decision{}, parseErr(raw, "%v", err)
	}
	if text == "" {
		return Decision{}, parseErr(raw, "empty output")
	}

	if rest, ok := strings.CutPrefix(text, AnswerPrefix); ok {
		answer := strings.TrimSpace(rest)
		if answer == "" {
			return Decision{}, parseErr(raw, "empty answer")
		}
		return Respond(answer), nil
	}

	if !strings.HasPrefix(text, "{") {
		return Decision{}, parseErr(raw, "output is neither %q nor a JSON object", AnswerPrefix)
	}
	return parseObject(raw, text, catalog)
}

func parseObject(raw, text string, catalog []tools.Descriptor) (Decision, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return Decision{}, parseErr(raw, "malformed JSON: %v", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Decision{}, parseErr(raw, "trailing data after JSON object")
	}

	validator, err := decisionValidator()
	if err != nil {
		return Decision{}, err
	}
	if err := validator.Validate(v); err != nil {
		return Decision{}, parseErr(raw, "does not match decision schema: %s", flatten(err))
	}

	obj := v.(map[string]any)
	if answer, ok := obj["answer"].(string); ok {
		answer = strings.TrimSpace(answer)
		if answer == "" {
			return Decision{}, parseErr(raw, "empty answer")
		}
		return Respond(answer), nil
	}

	name := obj["tool"].(string)
	if !inCatalog(name, catalog) {
		return Decision{}, parseErr(raw, "unknown tool %q", name)
	}
	args, _ := obj["args"].(map[string]any)
	return CallTool(name, args), nil
}

func parseNative(calls []provider.ToolCall, catalog []tools.Descriptor) (Decision, error) {
	raw, _ := json.Marshal(calls)
	if len(calls) > 1 {
		return Decision{}, parseErr(string(raw), "expected one tool call, got %d", len(calls))
	}
	call := calls[0]
	if call.Name == "" {
		return Decision{}, parseErr(string(raw), "tool call without a name")
	}
	if !inCatalog(call.Name, catalog) {
		return Decision{}, parseErr(string(raw), "unknown tool %q", call.Name)
	}

	args := map[string]any{}
	if s := strings.TrimSpace(call.Args); s != "" && s != "null" {
		dec := json.NewDecoder(bytes.NewReader([]byte(s)))
		dec.UseNumber()
		if err := dec.Decode(&args); err != nil {
			return Decision{}, parseErr(string(raw), "tool arguments are not a JSON object: %v", err)
		}
		if _, err := dec.Token(); !errors.Is(err, io.EOF) {
			return Decision{}, parseErr(string(raw), "trailing data after tool arguments")
		}
	}
	return CallTool(call.Name, args), nil
}

// unfence removes one enclosing ``` block, with or without a language tag.
func unfence(text string) (string, error) {
	if !strings.HasPrefix(text, "```") {
		return text, nil
	}
	if !strings.HasSuffix(text, "```") || len(text) < 6 {
		return "", errors.New("unterminated code fence")
	}
	body := strings.TrimSuffix(text, "```")
	nl := strings.IndexByte(body, '\n')
	if nl < 0 {
		return "", errors.New("code fence without body")
	}
	if tag := strings.TrimSpace(body[3:nl]); strings.ContainsAny(tag, " {") {
		return "", errors.New("malformed code fence")
	}
	body = strings.TrimSpace(body[nl+1:])
	if strings.Contains(body, "```") {
		return "", errors.New("more than one code fence")
	}
	return body, nil
}

func inCatalog(name string, catalog []tools.Descriptor) bool {
	for _, d := range catalog {
		if d.Name == name {
			return true
		}
	}
	return false
}

func flatten(err error) string {
	var parts []string
	for _, l := range strings.Split(err.Error(), "\n") {
		l = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(l), "-"))
		if l != "" && !strings.HasPrefix(l, "jsonschema validation failed") {
			parts = append(parts, l)
		}
	}
	return strings.Join(parts, "; ")
}
