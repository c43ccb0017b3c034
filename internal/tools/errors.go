package tools

import "errors"

var (
	ErrDuplicateTool       = errors.New("tool already registered")
	ErrUnknownTool         = errors.New("unknown tool")
	ErrInvalidSpec         = errors.New("invalid tool spec")
	ErrRegistrySealed      = errors.New("tool registry is sealed")
	ErrInvalidArguments    = errors.New("invalid arguments")
	ErrToolExecutionFailed = errors.New("tool execution failed")
)
