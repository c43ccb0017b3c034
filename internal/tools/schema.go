package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaDoc builds the JSON Schema object describing a tool's arguments.
// Extra keys are rejected.
func schemaDoc(params []Param) map[string]any {
	props := make(map[string]any, len(params))
	required := []any{}
	for _, p := range params {
		prop := map[string]any{}
		if p.Type != TypeAny {
			prop["type"] = string(p.Type)
		}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	doc := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

// compileSchema compiles doc under the given resource name.
func compileSchema(name string, doc map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, parsed); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// normalize converts arbitrary Go argument values into the shape the
// validator expects: maps, slices, strings, bools and json.Number.
func normalize(args map[string]any) (any, error) {
	if args == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}

// coerce turns validated json.Number values into int64 or float64 according
// to the declared parameter type. Integers outside the int64 range are
// rejected.
func coerce(params []Param, v map[string]any) (Args, error) {
	types := make(map[string]ParamType, len(params))
	for _, p := range params {
		types[p.Name] = p.Type
	}
	out := make(Args, len(v))
	for k, val := range v {
		if n, ok := val.(json.Number); ok && types[k] == TypeInteger {
			if i, err := n.Int64(); err == nil {
				out[k] = i
				continue
			}
			// 2.0 and 1e3 are valid integers but not valid Int64 literals.
			f, err := n.Float64()
			if err != nil || f < math.MinInt64 || f >= math.MaxInt64 {
				return nil, fmt.Errorf("%s: %s is out of range for a 64-bit integer", k, n)
			}
			out[k] = int64(f)
			continue
		}
		out[k] = plain(val)
	}
	return out, nil
}

func plain(v any) any {
	switch t := v.(type) {
	case json.Number:
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, e := range t {
			t[k] = plain(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = plain(e)
		}
		return t
	}
	return v
}

// describeValidation flattens a validation error into one line.
func describeValidation(err error) string {
	var lines []string
	for _, l := range strings.Split(err.Error(), "\n") {
		l = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(l), "-"))
		if l == "" || strings.HasPrefix(l, "jsonschema validation failed") {
			continue
		}
		lines = append(lines, l)
	}
	if len(lines) == 0 {
		return err.Error()
	}
	return strings.Join(lines, "; ")
}
