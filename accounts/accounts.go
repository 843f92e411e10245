// Package accounts implements the Account Provisioner (spec.md §4.2): EVM-specific creation or discovery of a
// chain's pre-funded accounts.
package accounts

import (
	"fmt"
	"math/big"
	"os/exec"

	"github.com/chainlab/testchain/chainerr"
	"github.com/chainlab/testchain/chaintypes"
	"github.com/chainlab/testchain/config"
	"github.com/chainlab/testchain/utils"
)

// defaultBalanceWeiDecimal is the fixed initial balance given to every provisioned account: 100 ETH expressed in
// wei (10^20). This overflows a uint64 (max ~1.8x10^19), so it is parsed into a big.Int rather than declared as
// an untyped numeric constant.
const defaultBalanceWeiDecimal = "100000000000000000000"

// DefaultBalanceWei returns a fresh *big.Int holding the default initial balance, in wei, given to every
// provisioned account. A fresh value is returned each call since *big.Int is mutable and callers must not share
// one across accounts.
func DefaultBalanceWei() *big.Int {
	balance, ok := new(big.Int).SetString(defaultBalanceWeiDecimal, 10)
	if !ok {
		panic("accounts: defaultBalanceWeiDecimal is not a valid base-10 integer")
	}
	return balance
}

// GethAccounts provisions or discovers accounts for a Geth chain. If dbPath is empty on disk (a fresh data
// directory), it spawns `geth account new` accountsRequested times against the configured password file. If the
// directory already holds a keystore, it instead parses `geth account list` for existing addresses. Either way
// the returned slice preserves creation/listing order, with index 0 as the coinbase.
func GethAccounts(paths config.EVMPaths, dbPath string, accountsRequested int, dirIsFresh bool) ([]chaintypes.Account, error) {
	if dirIsFresh {
		return createGethAccounts(paths, dbPath, accountsRequested)
	}
	return listGethAccounts(paths, dbPath)
}

func createGethAccounts(paths config.EVMPaths, dbPath string, count int) ([]chaintypes.Account, error) {
	accountList := make([]chaintypes.Account, 0, count)
	for i := 0; i < count; i++ {
		cmd := exec.Command(paths.GethBinary, "--datadir", dbPath, "account", "new", "--password", paths.GethPasswordFile)
		stdout, stderr, _, err := utils.RunCommandWithOutputAndError(cmd)
		if err != nil {
			return nil, chainerr.Wrap(chainerr.KindStartFailure, fmt.Sprintf("geth account new failed: %s", stderr), err)
		}

		addresses := utils.ExtractAddressesFromText(string(stdout))
		if len(addresses) == 0 {
			return nil, chainerr.New(chainerr.KindStartFailure, "geth account new produced no address")
		}

		accountList = append(accountList, chaintypes.Account{
			Address: addresses[0],
			Balance: DefaultBalanceWei(),
		})
	}
	return accountList, nil
}

func listGethAccounts(paths config.EVMPaths, dbPath string) ([]chaintypes.Account, error) {
	cmd := exec.Command(paths.GethBinary, "--datadir", dbPath, "account", "list")
	stdout, stderr, _, err := utils.RunCommandWithOutputAndError(cmd)
	if err != nil {
		return nil, chainerr.Wrap(chainerr.KindStartFailure, fmt.Sprintf("geth account list failed: %s", stderr), err)
	}

	addresses := utils.ExtractAddressesFromText(string(stdout))
	if len(addresses) == 0 {
		return nil, chainerr.New(chainerr.KindStartFailure, "existing data directory has no accounts")
	}

	accountList := make([]chaintypes.Account, 0, len(addresses))
	for _, addr := range addresses {
		accountList = append(accountList, chaintypes.Account{
			Address: addr,
			Balance: DefaultBalanceWei(),
		})
	}
	return accountList, nil
}

// GanacheAccounts generates count fresh secp256k1 key pairs, each pre-funded with DefaultBalanceWei, for a
// Ganache chain's --account command-line flags (spec.md §4.2). The private keys are random, not derived
// deterministically: two calls with the same count return different accounts.
func GanacheAccounts(count int) ([]chaintypes.Account, error) {
	accountList := make([]chaintypes.Account, 0, count)
	for i := 0; i < count; i++ {
		priv, err := utils.NewPrivateKey()
		if err != nil {
			return nil, chainerr.Wrap(chainerr.KindStartFailure, "failed to generate ganache account key", err)
		}

		accountList = append(accountList, chaintypes.Account{
			Address: utils.AddressFromPrivateKey(priv),
			Balance: DefaultBalanceWei(),
			PrivKey: utils.PrivateKeyToHex(priv),
		})
	}
	return accountList, nil
}
