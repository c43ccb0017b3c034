package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/noetik/internal/api"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the agent over HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// The server always logs; JSON suits log collectors.
		f := flags
		if !cmd.Flags().Changed("json") {
			f.jsonOutput = true
		}
		rt, err := NewRuntime(ctx, f, cmd.ErrOrStderr(), nil)
		if err != nil {
			return err
		}
		defer rt.Close()

		addr := rt.Config.Server.Addr
		if serveAddr != "" {
			addr = serveAddr
		}
		srv := api.NewServer(addr, rt.Agent, rt.Sessions,
			api.WithTraceStore(rt.Store),
			api.WithEventBus(rt.Events),
			api.WithObserver(rt.Observer),
		)
		return srv.Start(ctx)
	},
}

func init() {
	RootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config, :8080)")
}
