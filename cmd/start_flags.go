package cmd

import (
	"github.com/chainlab/testchain/chaintypes"
	"github.com/spf13/pflag"
)

// startFlags holds the raw --flag values for the start command, mirroring the teacher's fuzz_flags.go pattern
// of a dedicated flags-registration file per command.
type startFlags struct {
	chainType       string
	accounts        int
	blockMineTimeMs int
	networkID       int
	dbPath          string
	httpPort        int
	wsPort          int
	cleanOnStop     bool
	outputLogPath   string
	snapshotID      string
}

func addStartFlags(flags *pflag.FlagSet, f *startFlags) {
	flags.StringVar(&f.chainType, "type", string(chaintypes.EVMGeth), "evm implementation to launch (geth or ganache)")
	flags.IntVar(&f.accounts, "accounts", 1, "number of pre-funded accounts to create")
	flags.IntVar(&f.blockMineTimeMs, "block-mine-time", 0, "milliseconds between mined blocks (0 = instamine)")
	flags.IntVar(&f.networkID, "network-id", 999, "evm network id")
	flags.StringVar(&f.dbPath, "db-path", "", "data directory (defaults to an allocator-assigned path)")
	flags.IntVar(&f.httpPort, "http-port", 0, "rpc http port (defaults to an allocator-assigned port)")
	flags.IntVar(&f.wsPort, "ws-port", 0, "rpc websocket port (defaults to an allocator-assigned port)")
	flags.BoolVar(&f.cleanOnStop, "clean-on-stop", false, "remove the data directory after an explicit stop")
	flags.StringVar(&f.outputLogPath, "output-log", "", "path to append the evm process's stdout/stderr to (empty discards it)")
	flags.StringVar(&f.snapshotID, "snapshot-id", "", "seed the data directory from this snapshot before launch")
}

func (f *startFlags) toChainConfig() chaintypes.ChainConfig {
	return chaintypes.ChainConfig{
		Type:              chaintypes.EVMType(f.chainType),
		AccountsRequested: f.accounts,
		BlockMineTimeMs:   f.blockMineTimeMs,
		NetworkID:         f.networkID,
		DBPath:            f.dbPath,
		HTTPPort:          f.httpPort,
		WSPort:            f.wsPort,
		CleanOnStop:       f.cleanOnStop,
		OutputLogPath:     f.outputLogPath,
		SnapshotID:        f.snapshotID,
	}
}
