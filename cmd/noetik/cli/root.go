// Package cli implements the noetik command line.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// globalFlags are shared by every command.
type globalFlags struct {
	configPath   string
	dataDir      string
	providerType string
	modelName    string
	verbose      bool
	jsonOutput   bool
}

var flags globalFlags

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "noetik",
	Short: "Tool-using conversational agent",
	Long: `Noetik answers questions by planning with a language model, calling tools and
remembering past conversations. Each message runs a bounded plan/act/observe loop.`,
	SilenceUsage: true,
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pf := RootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "Config file (default: ./noetik.yaml or ~/.noetik/config.yaml)")
	pf.StringVar(&flags.dataDir, "data-dir", "", "Data directory (default ~/.noetik)")
	pf.StringVarP(&flags.providerType, "provider", "p", "", "AI provider (ollama, openai, gemini, anthropic, cli, stub)")
	pf.StringVarP(&flags.modelName, "model", "m", "", "Model name (default depends on provider)")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "Enable verbose logging")
	pf.BoolVar(&flags.jsonOutput, "json", false, "JSON output for logs and results")
}
