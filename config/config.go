// Package config describes the operator-provided configuration for the chain manager, per spec.md §6.
package config

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// PortRange is an inclusive range of TCP ports the Resource Allocator draws dynamic port assignments from.
type PortRange struct {
	Min uint16 `json:"min"`
	Max uint16 `json:"max"`
}

// EVMPaths describes the on-disk locations of the external binaries and support files the EVM Adapters invoke.
// These are the "external collaborators" spec.md §1 places out of scope for this module to implement, but the
// manager still needs to know where to find them.
type EVMPaths struct {
	// GethBinary is the path to the geth executable.
	GethBinary string `json:"gethBinary"`
	// GethPasswordFile is the path to the password file used to unlock accounts/produce new ones.
	GethPasswordFile string `json:"gethPasswordFile"`
	// GanacheBinary is the path to the ganache-cli wrapper script/executable.
	GanacheBinary string `json:"ganacheBinary"`
}

// Config is the full operator configuration read at process startup.
type Config struct {
	// BasePath is the root directory under which every chain's data directory is created.
	BasePath string `json:"basePath"`
	// SnapshotBasePath is the directory archived snapshots (.tgz files) are written to.
	SnapshotBasePath string `json:"snapshotBasePath"`
	// SnapshotDBPath is the directory holding the bbolt-backed snapshot index.
	SnapshotDBPath string `json:"snapshotDbPath"`
	// KillTimeoutMs bounds every external call that could block forever (adapter start/stop, snapshot
	// create/extract).
	KillTimeoutMs int `json:"killTimeoutMs"`
	// FrontURL is the hostname used to build rpc_url/ws_url returned to clients.
	FrontURL string `json:"frontUrl"`
	// EVMPortRange is the single, unified dynamic port range (spec.md §9 open question) used for both HTTP and
	// WS port allocation.
	EVMPortRange PortRange `json:"evmPortRange"`
	// Paths locates the external EVM binaries and support files.
	Paths EVMPaths `json:"paths"`
	// RestartRateLimit bounds how many times the Supervisor will transiently restart a crashed worker within
	// RestartRateWindowSeconds.
	RestartRateLimit int `json:"restartRateLimit"`
	// RestartRateWindowSeconds is the sliding window the restart rate limit is measured over.
	RestartRateWindowSeconds int `json:"restartRateWindowSeconds"`
}

// DefaultConfig returns the operator configuration defaults stated in spec.md §6 and §9.
func DefaultConfig() Config {
	return Config{
		BasePath:         "/tmp/chains",
		SnapshotBasePath: "/tmp/snapshots",
		SnapshotDBPath:   "/tmp/db/snapshots",
		KillTimeoutMs:    180_000,
		FrontURL:         "localhost",
		EVMPortRange: PortRange{
			Min: 8500,
			Max: 8600,
		},
		Paths: EVMPaths{
			GethBinary:       "geth",
			GethPasswordFile: "",
			GanacheBinary:    "ganache-cli",
		},
		RestartRateLimit:         3,
		RestartRateWindowSeconds: 60,
	}
}

// ReadConfigFromFile loads a Config from a JSON file at the given path.
func ReadConfigFromFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, errors.WithStack(err)
	}
	return &cfg, nil
}

// WriteConfigToFile serializes a Config as indented JSON and writes it to the given path.
func WriteConfigToFile(cfg *Config, path string) error {
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.WriteFile(path, b, 0644))
}
