package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/noetik/internal/memory"
)

var showLimit int

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect stored sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List past sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ts, closeFn, err := openTranscripts(cmd.Context(), flags)
		if err != nil {
			return err
		}
		defer closeFn()

		sessions, err := ts.Sessions(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if flags.jsonOutput {
			return json.NewEncoder(out).Encode(sessions)
		}
		if len(sessions) == 0 {
			fmt.Fprintln(out, "No sessions yet.")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCREATED\tTURNS")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%d\n", s.ID, s.CreatedAt.Local().Format(time.DateTime), s.Turns)
		}
		return w.Flush()
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show [session-id]",
	Short: "Show the most recent turns of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ts, closeFn, err := openTranscripts(cmd.Context(), flags)
		if err != nil {
			return err
		}
		defer closeFn()

		turns, err := ts.Recent(cmd.Context(), args[0], showLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if flags.jsonOutput {
			return json.NewEncoder(out).Encode(turns)
		}
		for _, t := range turns {
			fmt.Fprintln(out, formatTurn(t))
		}
		return nil
	},
}

func formatTurn(t memory.Turn) string {
	ts := t.Timestamp.Local().Format(time.TimeOnly)
	if t.Role == memory.RoleTool && t.Tool != nil {
		return fmt.Sprintf("%s  tool %s [%s]: %s", ts, t.Tool.Name, t.Tool.Status, t.Content)
	}
	return fmt.Sprintf("%s  %s: %s", ts, t.Role, t.Content)
}

func init() {
	RootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsShowCmd.Flags().IntVarP(&showLimit, "limit", "n", 20, "Number of turns to show")
}
