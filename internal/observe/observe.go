// Package observe bundles structured logging and tracing for the agent.
package observe

import (
	"context"
	"io"
	"strings"

	"github.com/felixgeelhaar/bolt/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("noetik")

// Span attribute keys shared by the loop and the API.
const (
	KeySession = attribute.Key("noetik.session_id")
	KeyStep    = attribute.Key("noetik.step")
	KeyTool    = attribute.Key("noetik.tool")
)

// Options select the log handler and threshold.
type Options struct {
	// Format is "console" or "json".
	Format string
	// Level is one of debug, info, warn, error. Anything below warn turns
	// on informational output.
	Level string
}

// Observer pairs a logger with the package tracer.
type Observer struct {
	log *bolt.Logger
}

// New creates an Observer with console output.
// If verbose is false, only warnings and errors are shown.
func New(out io.Writer, verbose bool) *Observer {
	return newObserver(bolt.New(bolt.NewConsoleHandler(out)), verbose)
}

// NewJSON creates an Observer that writes one JSON object per line.
func NewJSON(out io.Writer, verbose bool) *Observer {
	return newObserver(bolt.New(bolt.NewJSONHandler(out)), verbose)
}

// Open builds an Observer from configuration.
func Open(out io.Writer, opts Options) *Observer {
	verbose := Verbose(opts.Level)
	if strings.EqualFold(opts.Format, "json") {
		return NewJSON(out, verbose)
	}
	return New(out, verbose)
}

// Verbose reports whether a level name asks for more than warnings.
func Verbose(level string) bool {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "info", "trace":
		return true
	}
	return false
}

// Nop returns an Observer that discards everything.
func Nop() *Observer {
	return New(io.Discard, false)
}

func newObserver(l *bolt.Logger, verbose bool) *Observer {
	if !verbose {
		l.SetLevel(bolt.WARN)
	}
	return &Observer{log: l}
}

// Log returns the underlying logger.
func (o *Observer) Log() *bolt.Logger {
	return o.log
}

// StartSpan starts a span carrying the given attributes.
func (o *Observer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if len(attrs) == 0 {
		return tracer.Start(ctx, name)
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
