package cli

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/noetik/internal/agent"
)

var chatSessionID string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start a conversation bound to one session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		rt, err := NewRuntime(ctx, flags, cmd.ErrOrStderr(), nil)
		if err != nil {
			return err
		}
		defer rt.Close()

		out := cmd.OutOrStdout()
		sessionID := chatSessionID
		scanner := bufio.NewScanner(cmd.InOrStdin())
		fmt.Fprint(out, "> ")
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			switch line {
			case "":
				fmt.Fprint(out, "> ")
				continue
			case "exit", "quit":
				return nil
			}

			res, err := rt.Agent.Run(ctx, agent.Request{Message: line, SessionID: sessionID})
			if err != nil {
				return err
			}
			if sessionID != res.SessionID {
				sessionID = res.SessionID
				rt.Observer.Log().Info().Str("session", sessionID).Msg("chat session")
			}
			fmt.Fprintln(out, res.Answer)
			fmt.Fprint(out, "> ")
		}
		fmt.Fprintln(out)
		return scanner.Err()
	},
}

func init() {
	RootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVarP(&chatSessionID, "session", "s", "", "Continue an existing session")
}
