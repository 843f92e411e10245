package cmd

import (
	"context"
	"fmt"

	"github.com/chainlab/testchain/facade"
	"github.com/chainlab/testchain/version"
	"github.com/spf13/cobra"
)

// versionCmd represents the version command that displays build information plus, when a Chain Manager can be
// initialized against the resolved config, the configured Geth and Ganache binaries' own reported versions.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build and configured EVM binary version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Print(version.GetInfo().String())

		cfg, err := loadConfig()
		if err != nil {
			return nil
		}
		f, err := facade.New(cfg, cmdLogger)
		if err != nil {
			return nil
		}
		defer f.Close()

		info := f.Version(context.Background())
		if info.Geth != "" {
			fmt.Printf("  geth:       %s\n", info.Geth)
		}
		if info.Ganache != "" {
			fmt.Printf("  ganache-cli: %s\n", info.Ganache)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
