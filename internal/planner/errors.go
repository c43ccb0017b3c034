package planner

import (
	"errors"
	"fmt"
)

var (
	ErrPlannerParse      = errors.New("planner parse error")
	ErrOracleTimeout     = errors.New("planner oracle timed out")
	ErrOracleUnavailable = errors.New("planner oracle unavailable")
)

// ParseError reports oracle output that does not match the decision grammar.
type ParseError struct {
	Reason string
	Raw    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s", ErrPlannerParse, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return ErrPlannerParse
}

func parseErr(raw, format string, args ...any) error {
	return &ParseError{Reason: fmt.Sprintf(format, args...), Raw: raw}
}
