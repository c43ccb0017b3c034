package builtin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/felixgeelhaar/noetik/internal/guard"
	"github.com/felixgeelhaar/noetik/internal/tools"
)

const shellTimeout = 30 * time.Second

// ShellOutput is the run_shell payload.
type ShellOutput struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

func shellSpec(g *guard.Guard, workDir string) tools.Spec {
	return tools.Spec{
		Name:        "run_shell",
		Description: "Execute a shell command and return its combined output and exit code.",
		Capability:  "shell",
		Params: []tools.Param{
			{Name: "cmd", Type: tools.TypeString, Description: "the command line to run", Required: true},
			{Name: "dir", Type: tools.TypeString, Description: "working directory, relative to the workspace"},
		},
		Handler: func(ctx context.Context, args tools.Args) (any, error) {
			cmdStr := args.String("cmd")

			// 1. Guard Check
			if v := g.CheckShell(cmdStr); v != nil {
				return nil, fmt.Errorf("guard violation: %s", v.Message)
			}
			dir := workDir
			if d := args.String("dir"); d != "" {
				if v := g.CheckDangerousPath(d); v != nil {
					return nil, fmt.Errorf("guard violation: %s", v.Message)
				}
				dir = filepath.Join(workDir, d)
			}

			// 2. Real Execution with Timeout
			execCtx, cancel := context.WithTimeout(ctx, shellTimeout)
			defer cancel()

			cmd := exec.CommandContext(execCtx, "bash", "-c", cmdStr) // #nosec G204
			cmd.Dir = dir
			output, err := cmd.CombinedOutput()

			result := ShellOutput{Output: g.Truncate(string(output))}
			if err != nil {
				if execCtx.Err() != nil {
					return nil, fmt.Errorf("command timed out: %w", execCtx.Err())
				}
				var exitErr *exec.ExitError
				if !errors.As(err, &exitErr) {
					return nil, fmt.Errorf("failed to run command: %w", err)
				}
				result.ExitCode = exitErr.ExitCode()
			}
			return result, nil
		},
	}
}

func readFileSpec(g *guard.Guard, workDir string) tools.Spec {
	return tools.Spec{
		Name:        "read_file",
		Description: "Read a text file from the workspace.",
		Capability:  "filesystem",
		Params: []tools.Param{
			{Name: "path", Type: tools.TypeString, Description: "path relative to the workspace", Required: true},
		},
		Handler: func(ctx context.Context, args tools.Args) (any, error) {
			path := args.String("path")
			if v := g.CheckFile(path); v != nil {
				return nil, fmt.Errorf("guard violation: %s", v.Message)
			}
			data, err := os.ReadFile(filepath.Join(workDir, path)) // #nosec G304
			if err != nil {
				return nil, err
			}
			return g.Truncate(string(data)), nil
		},
	}
}
