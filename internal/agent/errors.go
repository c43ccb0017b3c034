package agent

import "errors"

var (
	ErrEmptyMessage            = errors.New("empty message")
	ErrPlannerRetriesExhausted = errors.New("planner retries exhausted")
)
