package checkpoint

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roostlabs/roost/pkg/lease"
)

// fakeLeaseStore records UpdateState calls and fails the ones its failNext
// predicate selects, so tests can exercise the batch-then-resubmit path.
type fakeLeaseStore struct {
	mu      sync.Mutex
	batches [][]lease.StateUpdate
	data    map[string][]byte
	fail    func(updates []lease.StateUpdate) error
}

func newFakeLeaseStore() *fakeLeaseStore {
	return &fakeLeaseStore{data: make(map[string][]byte)}
}

func (f *fakeLeaseStore) GrabLease(ctx context.Context, agentID string) (lease.GrabResult, error) {
	return lease.GrabResult{Acquired: true}, nil
}

func (f *fakeLeaseStore) RenewLeases(ctx context.Context, agentIDs []string) ([]string, error) {
	return nil, nil
}

func (f *fakeLeaseStore) UpdateState(ctx context.Context, updates []lease.StateUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, updates)
	if f.fail != nil {
		if err := f.fail(updates); err != nil {
			return err
		}
	}
	for _, u := range updates {
		f.data[u.AgentID] = u.State
	}
	return nil
}

func (f *fakeLeaseStore) GetState(ctx context.Context, agentID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.data[agentID]
	if !ok {
		return nil, lease.ErrNotFound
	}
	return state, nil
}

func (f *fakeLeaseStore) DeleteState(ctx context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, agentID)
	return nil
}

func (f *fakeLeaseStore) Close() error { return nil }

func (f *fakeLeaseStore) batchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	sizes := make([]int, len(f.batches))
	for i, b := range f.batches {
		sizes[i] = len(b)
	}
	return sizes
}

func await(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("done callback never fired")
		return nil
	}
}

func TestDirectMode(t *testing.T) {
	fake := newFakeLeaseStore()
	s := New(fake, Config{MaxPendingUpdates: 1})
	defer s.Close()

	done := make(chan error, 1)
	s.Update(context.Background(), "agent-1", []byte(`{"v":1}`), func(err error) { done <- err })
	require.NoError(t, await(t, done))

	state, err := s.Get(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(state))

	// Every direct write is its own round trip.
	assert.Equal(t, []int{1}, fake.batchSizes())
}

func TestDirectModeFailure(t *testing.T) {
	fake := newFakeLeaseStore()
	fake.fail = func([]lease.StateUpdate) error {
		return &lease.ConflictError{AgentID: "agent-1", Owner: "node-b"}
	}
	s := New(fake, Config{MaxPendingUpdates: 1})
	defer s.Close()

	done := make(chan error, 1)
	s.Update(context.Background(), "agent-1", []byte(`{}`), func(err error) { done <- err })

	err := await(t, done)
	require.Error(t, err)
	assert.True(t, lease.IsConflict(err))
}

func TestCoalescingFlushesOnThreshold(t *testing.T) {
	fake := newFakeLeaseStore()
	s := New(fake, Config{Interval: time.Hour, MaxPendingUpdates: 3})
	defer s.Close()

	done := make(chan error, 3)
	for _, id := range []string{"agent-1", "agent-2", "agent-3"} {
		s.Update(context.Background(), id, []byte(`{}`), func(err error) { done <- err })
	}

	for i := 0; i < 3; i++ {
		require.NoError(t, await(t, done))
	}

	// All three writes landed as one guarded batch.
	assert.Equal(t, []int{3}, fake.batchSizes())
}

func TestCoalescingFlushesOnInterval(t *testing.T) {
	fake := newFakeLeaseStore()
	s := New(fake, Config{Interval: 20 * time.Millisecond, MaxPendingUpdates: 100})
	defer s.Close()

	done := make(chan error, 1)
	s.Update(context.Background(), "agent-1", []byte(`{}`), func(err error) { done <- err })

	require.NoError(t, await(t, done))
	assert.Equal(t, []int{1}, fake.batchSizes())
}

func TestFailedBatchResubmitsIndividually(t *testing.T) {
	fake := newFakeLeaseStore()
	conflict := &lease.ConflictError{AgentID: "agent-2", Owner: "node-b"}
	fake.fail = func(updates []lease.StateUpdate) error {
		// The whole batch fails; on resubmission only the lost id fails.
		if len(updates) > 1 {
			return conflict
		}
		if updates[0].AgentID == "agent-2" {
			return conflict
		}
		return nil
	}

	s := New(fake, Config{Interval: time.Hour, MaxPendingUpdates: 3})
	defer s.Close()

	results := make(map[string]chan error)
	for _, id := range []string{"agent-1", "agent-2", "agent-3"} {
		ch := make(chan error, 1)
		results[id] = ch
		id := id
		s.Update(context.Background(), id, []byte(`{}`), func(err error) { results[id] <- err })
	}

	// Siblings of the lost id still commit.
	assert.NoError(t, await(t, results["agent-1"]))
	assert.NoError(t, await(t, results["agent-3"]))

	err := await(t, results["agent-2"])
	require.Error(t, err)
	assert.True(t, lease.IsConflict(err))

	// One failed batch of 3, then 3 individual resubmissions.
	assert.Equal(t, []int{3, 1, 1, 1}, fake.batchSizes())
}

func TestCloseFlushesPending(t *testing.T) {
	fake := newFakeLeaseStore()
	s := New(fake, Config{Interval: time.Hour, MaxPendingUpdates: 100})

	done := make(chan error, 1)
	s.Update(context.Background(), "agent-1", []byte(`{"v":9}`), func(err error) { done <- err })

	require.NoError(t, s.Close())
	require.NoError(t, await(t, done))

	state, err := s.Get(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, `{"v":9}`, string(state))
}

func TestDelete(t *testing.T) {
	fake := newFakeLeaseStore()
	s := New(fake, Config{MaxPendingUpdates: 1})
	defer s.Close()

	done := make(chan error, 1)
	s.Update(context.Background(), "agent-1", []byte(`{}`), func(err error) { done <- err })
	require.NoError(t, await(t, done))

	require.NoError(t, s.Delete(context.Background(), "agent-1"))
	_, err := s.Get(context.Background(), "agent-1")
	assert.ErrorIs(t, err, lease.ErrNotFound)
}
