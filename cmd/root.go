package cmd

import (
	"io"

	"github.com/chainlab/testchain/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// rootCmd represents the root CLI command object which all other commands stem from.
var rootCmd = &cobra.Command{
	Use:   "testchain",
	Short: "Manages the lifecycle of local Ethereum test blockchains",
	Long:  "testchain spawns, supervises, snapshots, and tears down local geth/ganache-cli development chains.",
}

// cmdLogger is the logger used by the cmd package itself, before a request-scoped sub-logger is derived.
var cmdLogger = logging.NewLogger(zerolog.InfoLevel, true, make([]io.Writer, 0)...)

// cfgFile is the path to the operator configuration file, set via the --config persistent flag.
var cfgFile string

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a JSON configuration file (defaults to the built-in defaults if omitted)")
}

// Execute provides an exportable function to invoke the CLI. Returns an error if one was encountered.
func Execute() error {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	return rootCmd.Execute()
}
