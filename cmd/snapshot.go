package cmd

import (
	"fmt"

	"github.com/chainlab/testchain/cmd/exitcodes"
	"github.com/chainlab/testchain/facade"
	"github.com/spf13/cobra"
)

// snapshotCmd is the parent command for snapshot index operations that don't require a live chain: the index
// is persistent (bbolt-backed), so these work with no chain running, per spec.md §4.7. bbolt locks the index
// file, so they fail while another testchain process (such as a running `start`) holds it open.
var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspect or remove indexed snapshots",
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every described (non-transient) snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeInvalidConfig)
		}
		f, err := facade.New(cfg, cmdLogger)
		if err != nil {
			return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeUnexpectedError)
		}
		defer f.Close()

		snapshots, err := f.ListSnapshots()
		if err != nil {
			return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeUnexpectedError)
		}
		for _, s := range snapshots {
			fmt.Printf("%s\t%s\t%s\t%s\n", s.ID, s.ChainType, s.CreatedAt.Format("2006-01-02T15:04:05Z07:00"), s.Description)
		}
		return nil
	},
}

var snapshotRemoveCmd = &cobra.Command{
	Use:   "remove <snapshot-id>",
	Short: "Delete a snapshot's archive and index entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeInvalidConfig)
		}
		f, err := facade.New(cfg, cmdLogger)
		if err != nil {
			return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeUnexpectedError)
		}
		defer f.Close()

		if err := f.RemoveSnapshot(args[0]); err != nil {
			return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeUnexpectedError)
		}
		return nil
	},
}

func init() {
	snapshotCmd.AddCommand(snapshotListCmd, snapshotRemoveCmd)
	rootCmd.AddCommand(snapshotCmd)
}
