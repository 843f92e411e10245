// Package chaintypes defines the data model shared across the chain manager: the request used to launch a chain,
// the accounts it is funded with, its lifecycle status, and the details exposed back to callers.
package chaintypes

import (
	"math/big"
	"time"
)

// EVMType identifies which EVM implementation backs a chain.
type EVMType string

const (
	// EVMGeth identifies the go-ethereum "geth" development-mode EVM.
	EVMGeth EVMType = "geth"
	// EVMGanache identifies the ganache-cli EVM.
	EVMGanache EVMType = "ganache"
)

// Status describes where a Chain Worker is in its lifecycle state machine.
type Status string

const (
	// StatusInitializing is set while the worker is starting its adapter for the first time.
	StatusInitializing Status = "initializing"
	// StatusActive is set once the readiness probe has succeeded and the chain is serving RPC calls.
	StatusActive Status = "active"
	// StatusSnapshotTaking is set while an archive snapshot is being created.
	StatusSnapshotTaking Status = "snapshot_taking"
	// StatusSnapshotReverting is set while an archive snapshot is being restored.
	StatusSnapshotReverting Status = "snapshot_reverting"
	// StatusTerminating is set while the worker is tearing its adapter down in response to Stop.
	StatusTerminating Status = "terminating"
	// StatusStopped is the terminal state after a clean Stop.
	StatusStopped Status = "stopped"
	// StatusFailed is the terminal state after a start failure or runtime crash.
	StatusFailed Status = "failed"
)

// IsLive returns true if the status is anything other than the two terminal states.
func (s Status) IsLive() bool {
	return s != StatusStopped && s != StatusFailed
}

// Account is a pre-funded account belonging to a chain. PrivKey is only populated for Ganache accounts, whose
// keys the provisioner generates itself; Geth accounts never carry one.
type Account struct {
	// Address is a "0x"-prefixed, 40 hex character Ethereum address.
	Address string `json:"address"`
	// Balance is the account's initial balance in wei. A 21-digit 100 ETH default overflows any fixed-width
	// integer type, so balances are arbitrary-precision.
	Balance *big.Int `json:"balance"`
	// PrivKey is the 64 hex character private key, when known.
	PrivKey string `json:"privKey,omitempty"`
}

// ChainConfig is the immutable-after-start request describing one chain. Fields left at their zero value are
// filled in by the Resource Allocator before the chain is launched.
type ChainConfig struct {
	// ID is an opaque decimal-string identifier. Absent at submission; assigned by the allocator.
	ID string `json:"id,omitempty"`
	// Type selects which EVM implementation backs this chain.
	Type EVMType `json:"type"`
	// AccountsRequested is the number of pre-funded accounts to create. Defaults to 1.
	AccountsRequested int `json:"accountsRequested"`
	// BlockMineTimeMs is the interval between mined blocks. Zero means instamine (mine on every transaction).
	BlockMineTimeMs int `json:"blockMineTimeMs"`
	// NetworkID is the EVM's network identifier. Defaults to 999.
	NetworkID int `json:"networkId"`
	// DBPath is the chain's data directory. Absent means the allocator assigns base_path/id.
	DBPath string `json:"dbPath,omitempty"`
	// HTTPPort is the JSON-RPC HTTP port. Absent means the allocator assigns one.
	HTTPPort int `json:"httpPort,omitempty"`
	// WSPort is the JSON-RPC WebSocket port. Absent means the allocator assigns one. For Ganache this is always
	// coerced to equal HTTPPort.
	WSPort int `json:"wsPort,omitempty"`
	// CleanOnStop indicates the data directory should be removed after an explicit Stop.
	CleanOnStop bool `json:"cleanOnStop"`
	// OutputLogPath is where the EVM process's stdout/stderr is appended. Empty means discard.
	OutputLogPath string `json:"outputLogPath,omitempty"`
	// SnapshotID, if set, seeds the data directory from that snapshot before launch. No new accounts are created
	// in that case.
	SnapshotID string `json:"snapshotId,omitempty"`
}

// DefaultChainConfig returns a ChainConfig with spec.md §3's stated defaults applied. ID/ports/DBPath are left
// blank for the Resource Allocator to fill in.
func DefaultChainConfig(evmType EVMType) ChainConfig {
	return ChainConfig{
		Type:              evmType,
		AccountsRequested: 1,
		BlockMineTimeMs:   0,
		NetworkID:         999,
	}
}

// ChainHandle is the public view of a live (or recently live) chain, as returned by Facade.Details.
type ChainHandle struct {
	ID       string    `json:"id"`
	Type     EVMType   `json:"type"`
	Status   Status    `json:"status"`
	Accounts []Account `json:"accounts"`
	Coinbase string    `json:"coinbase"`
	RPCURL   string    `json:"rpcUrl"`
	WSURL    string    `json:"wsUrl"`
}

// SnapshotDetails describes one archived snapshot of a chain's data directory.
type SnapshotDetails struct {
	// ID is the archive's base filename (without the .tgz extension).
	ID string `json:"id"`
	// ChainType records which EVM implementation produced the snapshot, needed to pick the right adapter on restore.
	ChainType EVMType `json:"chainType"`
	// Description is operator-supplied free text. An empty description means the snapshot is transient: the
	// archive is kept but no index row exists for it.
	Description string `json:"description"`
	// Path is the absolute path to the .tgz archive on disk.
	Path string `json:"path"`
	// CreatedAt records when the snapshot was taken.
	CreatedAt time.Time `json:"createdAt"`
}
