package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/noetik/internal/agent"
	"github.com/felixgeelhaar/noetik/internal/ui"
	"github.com/felixgeelhaar/noetik/internal/ui/tui"
)

var askFlags struct {
	sessionID   string
	showTrace   bool
	interactive bool
}

var askCmd = &cobra.Command{
	Use:   "ask [message]",
	Short: "Answer a single message",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		req := agent.Request{
			Message:   strings.Join(args, " "),
			SessionID: askFlags.sessionID,
		}
		if askFlags.interactive {
			return askInteractive(ctx, req)
		}

		var u ui.UI
		if flags.verbose && !flags.jsonOutput {
			u = ui.NewLineUI(cmd.ErrOrStderr())
		}
		rt, err := NewRuntime(ctx, flags, cmd.ErrOrStderr(), u)
		if err != nil {
			return err
		}
		defer rt.Close()

		res, err := rt.Agent.Run(ctx, req)
		if res != nil {
			if perr := printResult(cmd.OutOrStdout(), res, flags.jsonOutput, askFlags.showTrace); perr != nil {
				return perr
			}
		}
		return err
	},
}

// printResult writes the answer, or the whole result as JSON.
func printResult(out io.Writer, res *agent.Result, asJSON, withTrace bool) error {
	if asJSON {
		if !withTrace {
			res.Trace = nil
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	if withTrace {
		for i, step := range res.Trace {
			line := fmt.Sprintf("[%d] %s", i+1, step.Decision)
			if step.Result != nil {
				line += fmt.Sprintf(" -> %s: %s", step.Result.Status, step.Result.Content())
			}
			fmt.Fprintln(out, line)
		}
	}
	fmt.Fprintln(out, res.Answer)
	return nil
}

// askInteractive runs the request behind the TUI progress view.
func askInteractive(ctx context.Context, req agent.Request) error {
	var rt *Runtime
	model := tui.NewModel(ctx, "noetik", 0, func(ctx context.Context, message string) (string, error) {
		res, err := rt.Agent.Run(ctx, agent.Request{Message: message, SessionID: req.SessionID})
		if res == nil {
			return "", err
		}
		req.SessionID = res.SessionID
		return res.Answer, err
	})
	program := tea.NewProgram(model, tea.WithContext(ctx))

	var err error
	rt, err = NewRuntime(ctx, flags, io.Discard, tui.NewTUI(program))
	if err != nil {
		return err
	}
	defer rt.Close()

	go func() {
		program.Send(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(req.Message)})
		program.Send(tea.KeyMsg{Type: tea.KeyEnter})
	}()

	_, err = program.Run()
	return err
}

func init() {
	RootCmd.AddCommand(askCmd)
	askCmd.Flags().StringVarP(&askFlags.sessionID, "session", "s", "", "Continue an existing session")
	askCmd.Flags().BoolVar(&askFlags.showTrace, "trace", false, "Print the step trace")
	askCmd.Flags().BoolVarP(&askFlags.interactive, "interactive", "i", false, "Show progress in a TUI")
}
