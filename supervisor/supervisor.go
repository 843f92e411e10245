// Package supervisor implements the Chain Supervisor (spec.md §4.6): it spawns Chain Workers under a transient
// restart policy and bounds their shutdown by a configured kill timeout. Grounded on the teacher's
// fuzzing.Fuzzer goroutine + context.Context lifecycle idiom (fuzzing/fuzzer.go Start/Stop), generalized here to
// one context per supervised chain rather than one context for the whole process.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/chainlab/testchain/config"
	"github.com/chainlab/testchain/logging"
	"github.com/chainlab/testchain/worker"
	"github.com/pkg/errors"
)

// tracked holds the bookkeeping the supervisor needs for one currently-running worker goroutine.
type tracked struct {
	cancel context.CancelFunc
}

// Supervisor spawns Chain Workers, restarting them transiently (on unexpected crash only, up to a rate limit)
// and bounding their shutdown by the configured kill timeout.
type Supervisor struct {
	cfg    config.Config
	logger *logging.Logger

	mu           sync.Mutex
	shuttingDown bool
	live         map[string]*tracked
	restarts     map[string][]time.Time
	wg           sync.WaitGroup
}

// New creates a Supervisor bound to cfg (for RestartRateLimit/RestartRateWindowSeconds).
func New(cfg config.Config, logger *logging.Logger) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		logger:   logger.NewSubLogger("service", logging.SupervisorService),
		live:     make(map[string]*tracked),
		restarts: make(map[string][]time.Time),
	}
}

// Spawn starts first running in its own goroutine under a transient restart policy: if it exits because of an
// unexpected crash (Run's restartable return value is true) and the rate limit has not been exceeded, factory
// is invoked to build a fresh Worker (with a fresh Adapter) bound to the same chain ID, and that is run in its
// place. Spawn returns an error if the supervisor is shutting down.
func (s *Supervisor) Spawn(id string, first *worker.Worker, factory func() *worker.Worker) error {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return errors.New("supervisor is shutting down, refusing to spawn new workers")
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.runLoop(id, first, factory)
	return nil
}

func (s *Supervisor) runLoop(id string, w *worker.Worker, factory func() *worker.Worker) {
	defer s.wg.Done()

	for {
		ctx, cancel := context.WithCancel(context.Background())
		s.mu.Lock()
		s.live[id] = &tracked{cancel: cancel}
		s.mu.Unlock()

		err, restartable := w.Run(ctx)
		cancel()

		s.mu.Lock()
		delete(s.live, id)
		shuttingDown := s.shuttingDown
		s.mu.Unlock()

		if err == nil || !restartable || shuttingDown {
			return
		}
		if !s.allowRestart(id) {
			s.logger.Warn("chain", id, "exceeded restart rate limit, giving up")
			return
		}

		s.logger.Warn("chain", id, "crashed unexpectedly, restarting it transiently:", err)
		w = factory()
	}
}

// allowRestart reports whether id may be restarted again right now, enforcing RestartRateLimit restarts within
// RestartRateWindowSeconds, per spec.md §4.6.
func (s *Supervisor) allowRestart(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	window := time.Duration(s.cfg.RestartRateWindowSeconds) * time.Second
	cutoff := time.Now().Add(-window)

	kept := s.restarts[id][:0]
	for _, t := range s.restarts[id] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= s.cfg.RestartRateLimit {
		s.restarts[id] = kept
		return false
	}
	s.restarts[id] = append(kept, time.Now())
	return true
}

// CancelWorker forcibly cancels the context of the live worker for id, if any, bypassing its cooperative stop
// sequence. Intended only for use after a cooperative Stop has already exceeded the configured kill timeout.
func (s *Supervisor) CancelWorker(id string) {
	s.mu.Lock()
	t, ok := s.live[id]
	s.mu.Unlock()
	if ok {
		t.cancel()
	}
}

// Shutdown marks the supervisor as draining (refusing new spawns and restarts) and waits for every currently
// running worker goroutine to exit, bounded by ctx, per spec.md §4.9's "teardown at shutdown after draining all
// workers" design note. Callers are expected to have already asked each live worker to stop cooperatively
// before calling Shutdown.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shuttingDown = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
}

// KillTimeout returns the configured bound on a single worker's shutdown, as time.Duration.
func (s *Supervisor) KillTimeout() time.Duration {
	return time.Duration(s.cfg.KillTimeoutMs) * time.Millisecond
}
