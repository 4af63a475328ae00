// Package maintenance runs the node's periodic jobs: lease renewal and the
// stalled-agent sweep. Lease expiration is the distributed timeout; there is
// no per-message timeout in the engine.
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/roostlabs/roost/pkg/agent"
	"github.com/roostlabs/roost/pkg/lease"
	"github.com/roostlabs/roost/pkg/registry"
)

// storeDownThreshold is how many consecutive renewal failures are tolerated
// before the backing store is declared gone. A stateful ownership layer
// without its store cannot safely continue.
const storeDownThreshold = 3

// Options configures the maintenance service.
type Options struct {
	Leases   *lease.Manager
	Registry *registry.Registry
	// LeaseTimeout is the TTL of owner bindings; renewal runs at half this.
	LeaseTimeout time.Duration
	// OnStoreDown is invoked once when renewal keeps failing, so the daemon
	// can shut the node down.
	OnStoreDown func(err error)
}

// Service schedules renewal and sweep jobs on a cron runner.
type Service struct {
	opts Options
	cron *cron.Cron

	mu           sync.Mutex
	lastProgress map[string]uint64
	failures     int
	downFired    bool
}

// New creates the service. Start schedules the jobs.
func New(opts Options) *Service {
	return &Service{
		opts:         opts,
		cron:         cron.New(),
		lastProgress: make(map[string]uint64),
	}
}

// Start registers and starts the periodic jobs: renewal at half the lease
// timeout so an owned binding never expires between passes, and the stall
// sweep at the full timeout.
func (s *Service) Start() error {
	renewEvery := s.opts.LeaseTimeout / 2
	if renewEvery < time.Second {
		renewEvery = time.Second
	}
	if _, err := s.cron.AddFunc("@every "+renewEvery.String(), s.renew); err != nil {
		return err
	}
	sweepEvery := s.opts.LeaseTimeout
	if sweepEvery < time.Second {
		sweepEvery = time.Second
	}
	if _, err := s.cron.AddFunc("@every "+sweepEvery.String(), s.sweep); err != nil {
		return err
	}
	s.cron.Start()
	log.Info().
		Dur("renewEvery", renewEvery).
		Dur("sweepEvery", sweepEvery).
		Msg("Maintenance jobs scheduled")
	return nil
}

// Stop halts the cron runner and waits for running jobs.
func (s *Service) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// renew refreshes every lease this node holds; ids that came back gone are
// force-shut and evicted.
func (s *Service) renew() {
	ids := s.opts.Registry.IDs()
	if len(ids) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.LeaseTimeout/2)
	defer cancel()

	gone, err := s.opts.Leases.Renew(ctx, ids)
	if err != nil {
		s.renewFailed(err)
		return
	}
	s.renewSucceeded()
	if len(gone) > 0 {
		s.opts.Registry.DropGone(gone)
		s.forget(gone)
	}
}

func (s *Service) renewFailed(err error) {
	s.mu.Lock()
	s.failures++
	fire := s.failures >= storeDownThreshold && !s.downFired
	if fire {
		s.downFired = true
	}
	failures := s.failures
	s.mu.Unlock()

	log.Error().Err(err).Int("consecutiveFailures", failures).Msg("Lease renewal failed")
	if fire && s.opts.OnStoreDown != nil {
		s.opts.OnStoreDown(err)
	}
}

func (s *Service) renewSucceeded() {
	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()
}

// sweep force-shuts agents that have made no progress since the last check
// while input is queued behind them.
func (s *Service) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	s.opts.Registry.ForEach(func(a *agent.Agent) {
		id := a.ID()
		seen[id] = true
		progress := a.Progress()
		last, tracked := s.lastProgress[id]
		s.lastProgress[id] = progress

		if tracked && progress == last && a.QueueDepth() > 0 && !a.IsShutdown() {
			a.ForceShutdown("no progress since last sweep")
			s.opts.Registry.Remove(id)
			log.Warn().Str("agentId", id).Msg("Stalled agent shut down")
		}
	})

	for id := range s.lastProgress {
		if !seen[id] {
			delete(s.lastProgress, id)
		}
	}
}

func (s *Service) forget(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.lastProgress, id)
	}
}
