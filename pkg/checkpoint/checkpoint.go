// Package checkpoint persists agent snapshots through the ownership-guarded
// lease store, optionally coalescing many writes into one batched round trip.
package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/roostlabs/roost/internal/observability"
	"github.com/roostlabs/roost/pkg/lease"
)

// Config controls write coalescing. MaxPendingUpdates of 1 (or less)
// disables coalescing entirely.
type Config struct {
	// Interval is the period of the forced batch flush.
	Interval time.Duration
	// MaxPendingUpdates flushes the batch as soon as it reaches this size.
	MaxPendingUpdates int
}

type pendingUpdate struct {
	agentID string
	state   []byte
	done    func(error)
}

// Store writes, reads and deletes agent checkpoints. All operations are
// conditioned on the local node owning the referenced agents; ownership loss
// surfaces as a lease.ConflictError.
type Store struct {
	leases lease.Store
	cfg    Config

	mu      sync.Mutex
	pending []pendingUpdate

	kick      chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a Store. When coalescing is enabled the store owns a flush
// goroutine until Close.
func New(leases lease.Store, cfg Config) *Store {
	observability.EnsureRegistered()
	s := &Store{
		leases: leases,
		cfg:    cfg,
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if s.coalescing() {
		s.wg.Add(1)
		go s.flushLoop()
	}
	return s
}

func (s *Store) coalescing() bool {
	return s.cfg.MaxPendingUpdates > 1
}

// Update persists one agent snapshot. done is invoked exactly once, on a
// fresh goroutine rather than synchronously, with the write's result. In
// coalescing mode the write lands with the next batch flush.
func (s *Store) Update(ctx context.Context, agentID string, state []byte, done func(error)) {
	if !s.coalescing() {
		err := s.leases.UpdateState(ctx, []lease.StateUpdate{{AgentID: agentID, State: state}})
		observability.RecordCheckpointWrite("direct", err == nil)
		go done(err)
		return
	}

	s.mu.Lock()
	s.pending = append(s.pending, pendingUpdate{agentID: agentID, state: state, done: done})
	full := len(s.pending) >= s.cfg.MaxPendingUpdates
	s.mu.Unlock()

	if full {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

// Get fetches the checkpoint for an agent this node owns. Returns
// lease.ErrNotFound when no checkpoint exists.
func (s *Store) Get(ctx context.Context, agentID string) ([]byte, error) {
	return s.leases.GetState(ctx, agentID)
}

// Delete erases the checkpoint and releases the lease for an agent this
// node owns.
func (s *Store) Delete(ctx context.Context, agentID string) error {
	return s.leases.DeleteState(ctx, agentID)
}

// flushLoop services size kicks and the periodic interval.
func (s *Store) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.kick:
			s.flush()
		case <-ticker.C:
			s.flush()
		case <-s.done:
			s.flush()
			return
		}
	}
}

// flush writes the whole pending batch in one guarded multi-id round trip.
// A failed batch is never retried as a batch: every entry is resubmitted
// individually so a single id that lost ownership cannot fail its siblings.
func (s *Store) flush() {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	observability.RecordFlushBatch(len(batch))

	ctx := context.Background()
	updates := make([]lease.StateUpdate, len(batch))
	for i, entry := range batch {
		updates[i] = lease.StateUpdate{AgentID: entry.agentID, State: entry.state}
	}

	err := s.leases.UpdateState(ctx, updates)
	observability.RecordCheckpointWrite("batched", err == nil)
	if err == nil {
		for _, entry := range batch {
			go entry.done(nil)
		}
		return
	}

	log.Warn().Err(err).Int("batch", len(batch)).Msg("Coalesced checkpoint flush failed, resubmitting entries individually")
	for _, entry := range batch {
		entryErr := s.leases.UpdateState(ctx, []lease.StateUpdate{{AgentID: entry.agentID, State: entry.state}})
		observability.RecordCheckpointWrite("resubmit", entryErr == nil)
		go entry.done(entryErr)
	}
}

// Close flushes any pending batch and stops the flush goroutine.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	return nil
}
