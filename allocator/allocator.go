// Package allocator implements the Resource Allocator (spec.md §4.1): it generates unused chain identifiers and
// allocates TCP ports and on-disk data directories, arbitrating them against the Chain Registry and the
// filesystem so that no two live workers ever share a port or path.
package allocator

import (
	"math/rand/v2"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/chainlab/testchain/config"
	"github.com/chainlab/testchain/logging"
	"github.com/pkg/errors"
)

// Registry is the subset of the Chain Registry's contract the allocator needs to check for ID and path
// collisions. The concrete *registry.Registry implements this.
type Registry interface {
	// Has reports whether a worker is registered under the given chain ID.
	Has(id string) bool
	// PathInUse reports whether any live worker declares dbPath as its data directory.
	PathInUse(dbPath string) bool
}

// Allocator draws unused chain IDs, ports, and data directory paths.
type Allocator struct {
	cfg      config.Config
	registry Registry
	logger   *logging.Logger
}

// New creates an Allocator bound to the given configuration and registry.
func New(cfg config.Config, registry Registry, logger *logging.Logger) *Allocator {
	return &Allocator{
		cfg:      cfg,
		registry: registry,
		logger:   logger.NewSubLogger("service", logging.AllocatorService),
	}
}

// NewID generates a 64-bit random integer rendered as a decimal string, retrying until the candidate is absent
// both from the registry and from the filesystem at base_path/id, per spec.md §4.1/§9.
func (a *Allocator) NewID() (string, error) {
	for attempt := 0; attempt < 1000; attempt++ {
		candidate := strconv.FormatUint(rand.Uint64(), 10)

		if a.registry.Has(candidate) {
			continue
		}
		if a.PathInUse(a.DefaultDBPath(candidate)) {
			continue
		}
		return candidate, nil
	}
	return "", errors.New("could not find an unused chain id after 1000 attempts")
}

// DefaultDBPath returns the default data directory for a chain ID: base_path/id.
func (a *Allocator) DefaultDBPath(id string) string {
	return filepath.Join(a.cfg.BasePath, id)
}

// PathInUse reports whether dbPath is claimed by a live worker or already exists on disk.
func (a *Allocator) PathInUse(dbPath string) bool {
	if a.registry.PathInUse(dbPath) {
		return true
	}
	_, err := os.Stat(dbPath)
	return err == nil
}

// PortInUse probes whether a TCP port is currently bindable on all local interfaces. A port that cannot be
// bound is considered in use. This is advisory only: spec.md §4.1 notes a race is possible between this probe
// and the EVM actually binding the port, which is why the adapter's start surfaces port_in_use_at_launch as an
// authoritative failure.
func (a *Allocator) PortInUse(port int) bool {
	addr := net.JoinHostPort("", strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return true
	}
	_ = ln.Close()
	return false
}

// AllocatePorts draws an unused HTTP port and an unused WS port from the configured EVMPortRange. Callers for
// Ganache chains should coerce ws_port to http_port themselves before any probing, per spec.md §4.1, so that
// only one port is actually probed for those chains.
func (a *Allocator) AllocatePorts() (httpPort int, wsPort int, err error) {
	httpPort, err = a.allocateOnePort(nil)
	if err != nil {
		return 0, 0, err
	}
	wsPort, err = a.allocateOnePort(map[int]bool{httpPort: true})
	if err != nil {
		return 0, 0, err
	}
	return httpPort, wsPort, nil
}

// allocateOnePort scans the configured range for a bindable port not present in exclude.
func (a *Allocator) allocateOnePort(exclude map[int]bool) (int, error) {
	minPort := int(a.cfg.EVMPortRange.Min)
	maxPort := int(a.cfg.EVMPortRange.Max)
	if maxPort < minPort {
		return 0, errors.Errorf("invalid EVM port range %d..%d", minPort, maxPort)
	}

	span := maxPort - minPort + 1
	start := rand.IntN(span)
	for i := 0; i < span; i++ {
		candidate := minPort + (start+i)%span
		if exclude[candidate] {
			continue
		}
		if !a.PortInUse(candidate) {
			return candidate, nil
		}
	}
	return 0, errors.Errorf("no unused port available in range %d..%d", minPort, maxPort)
}
