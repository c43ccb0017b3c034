// Package builtin provides the tools registered at startup.
package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/felixgeelhaar/noetik/internal/guard"
	"github.com/felixgeelhaar/noetik/internal/memory"
	"github.com/felixgeelhaar/noetik/internal/tools"
)

// Searcher is the part of the vector memory the memory_search tool needs.
type Searcher interface {
	Query(ctx context.Context, text string, k int) ([]memory.Fragment, error)
}

// Deps carries what the built-in tools act on.
type Deps struct {
	Guard *guard.Guard
	// Memory enables memory_search when set.
	Memory Searcher
	// WorkDir is the root for relative file paths and shell commands.
	WorkDir string
	Now     func() time.Time
}

// Specs returns the built-in tool specs permitted by the guard, in their
// registration order.
func Specs(d Deps) []tools.Spec {
	if d.Guard == nil {
		d.Guard = guard.New(guard.DefaultPolicy)
	}
	if d.Now == nil {
		d.Now = time.Now
	}

	all := []tools.Spec{
		echoSpec(),
		addSpec(),
		currentTimeSpec(d.Now),
		shellSpec(d.Guard, d.WorkDir),
		readFileSpec(d.Guard, d.WorkDir),
	}
	if d.Memory != nil {
		all = append(all, memorySearchSpec(d.Memory))
	}

	specs := make([]tools.Spec, 0, len(all))
	for _, s := range all {
		if d.Guard.AllowsTool(s.Name) {
			specs = append(specs, s)
		}
	}
	return specs
}

// Register adds the permitted built-in tools to r.
func Register(r *tools.Registry, d Deps) error {
	for _, s := range Specs(d) {
		if err := r.Register(s); err != nil {
			return fmt.Errorf("register %s: %w", s.Name, err)
		}
	}
	return nil
}

func echoSpec() tools.Spec {
	return tools.Spec{
		Name:        "echo",
		Description: "Return the given text unchanged.",
		Capability:  "utility",
		Params: []tools.Param{
			{Name: "text", Type: tools.TypeString, Description: "text to echo", Required: true},
		},
		Handler: func(ctx context.Context, args tools.Args) (any, error) {
			return args.String("text"), nil
		},
	}
}

func addSpec() tools.Spec {
	return tools.Spec{
		Name:        "add",
		Description: "Add two integers.",
		Capability:  "math",
		Params: []tools.Param{
			{Name: "a", Type: tools.TypeInteger, Required: true},
			{Name: "b", Type: tools.TypeInteger, Required: true},
		},
		Handler: func(ctx context.Context, args tools.Args) (any, error) {
			return args.Int("a") + args.Int("b"), nil
		},
	}
}

func currentTimeSpec(now func() time.Time) tools.Spec {
	return tools.Spec{
		Name:        "current_time",
		Description: "Current date and time, RFC 3339. Optional IANA timezone such as Europe/Paris.",
		Capability:  "utility",
		Params: []tools.Param{
			{Name: "timezone", Type: tools.TypeString, Description: "IANA timezone name"},
		},
		Handler: func(ctx context.Context, args tools.Args) (any, error) {
			t := now()
			if tz := args.String("timezone"); tz != "" {
				loc, err := time.LoadLocation(tz)
				if err != nil {
					return nil, fmt.Errorf("unknown timezone %q", tz)
				}
				t = t.In(loc)
			}
			return t.Format(time.RFC3339), nil
		},
	}
}

func memorySearchSpec(m Searcher) tools.Spec {
	return tools.Spec{
		Name:        "memory_search",
		Description: "Search past conversations for text similar to the query.",
		Capability:  "memory",
		Params: []tools.Param{
			{Name: "query", Type: tools.TypeString, Required: true},
			{Name: "k", Type: tools.TypeInteger, Description: "number of results, default 3"},
		},
		Handler: func(ctx context.Context, args tools.Args) (any, error) {
			k := 3
			if args.Has("k") {
				k = int(args.Int("k"))
			}
			frags, err := m.Query(ctx, args.String("query"), k)
			if err != nil {
				return nil, err
			}
			type hit struct {
				Text      string  `json:"text"`
				Score     float32 `json:"score"`
				SessionID string  `json:"session_id,omitempty"`
			}
			hits := make([]hit, 0, len(frags))
			for _, f := range frags {
				hits = append(hits, hit{Text: f.Text, Score: f.Score, SessionID: f.SessionID})
			}
			return hits, nil
		},
	}
}
