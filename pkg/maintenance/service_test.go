package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roostlabs/roost/pkg/agent"
	"github.com/roostlabs/roost/pkg/checkpoint"
	"github.com/roostlabs/roost/pkg/document"
	"github.com/roostlabs/roost/pkg/envelope"
	"github.com/roostlabs/roost/pkg/lease"
	"github.com/roostlabs/roost/pkg/mailbox"
	"github.com/roostlabs/roost/pkg/registry"
)

const testLeaseTimeout = 30 * time.Second

type harness struct {
	mr       *miniredis.Miniredis
	registry *registry.Registry
	service  *Service
	queue    *mailbox.Mailbox

	storeDown chan error
}

func newHarness(t *testing.T, factory registry.Factory) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store, err := lease.New(client, lease.Options{NodeID: "node-a", Timeout: testLeaseTimeout})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	checkpoints := checkpoint.New(store, checkpoint.Config{MaxPendingUpdates: 1})
	t.Cleanup(func() { checkpoints.Close() })
	queue := mailbox.New()
	t.Cleanup(func() { queue.Close() })

	leases := lease.NewManager(store, "node-a")
	reg, err := registry.New(registry.Options{
		Factory:              factory,
		Leases:               leases,
		Checkpoints:          checkpoints,
		Queue:                queue,
		CreateOnFirstMessage: true,
	})
	require.NoError(t, err)

	h := &harness{
		mr:        mr,
		registry:  reg,
		queue:     queue,
		storeDown: make(chan error, 1),
	}
	h.service = New(Options{
		Leases:       leases,
		Registry:     reg,
		LeaseTimeout: testLeaseTimeout,
		OnStoreDown: func(err error) {
			h.storeDown <- err
		},
	})
	return h
}

func TestStartStop(t *testing.T) {
	h := newHarness(t, document.Factory)
	require.NoError(t, h.service.Start())
	h.service.Stop()
}

func TestRenewEvictsGoneAgents(t *testing.T) {
	h := newHarness(t, document.Factory)
	ctx := context.Background()

	kept, se := h.registry.Resolve(ctx, "agent-kept")
	require.Nil(t, se)
	lost, se := h.registry.Resolve(ctx, "agent-lost")
	require.Nil(t, se)

	// Another node stole the second lease.
	require.NoError(t, h.mr.Set("agent-lost", "node-b"))

	h.service.renew()

	assert.False(t, kept.IsShutdown())
	assert.True(t, lost.IsShutdown())
	_, resident := h.registry.Get("agent-lost")
	assert.False(t, resident)
	assert.Equal(t, 1, h.registry.Len())
}

func TestRenewKeepsLeasesAlive(t *testing.T) {
	h := newHarness(t, document.Factory)
	ctx := context.Background()

	_, se := h.registry.Resolve(ctx, "agent-1")
	require.Nil(t, se)

	h.mr.FastForward(testLeaseTimeout / 2)
	h.service.renew()
	h.mr.FastForward(testLeaseTimeout/2 + time.Second)

	// Without the renewal this binding would have expired by now.
	owner, err := h.mr.Get("agent-1")
	require.NoError(t, err)
	assert.Equal(t, "node-a", owner)
}

func TestStoreDownFiresOnceAfterConsecutiveFailures(t *testing.T) {
	h := newHarness(t, document.Factory)
	ctx := context.Background()

	_, se := h.registry.Resolve(ctx, "agent-1")
	require.Nil(t, se)

	h.mr.Close()

	for i := 0; i < storeDownThreshold+2; i++ {
		h.service.renew()
	}

	select {
	case err := <-h.storeDown:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("store-down callback never fired")
	}

	select {
	case <-h.storeDown:
		t.Fatal("store-down callback fired more than once")
	default:
	}
}

func TestRecoveryResetsFailureCount(t *testing.T) {
	h := newHarness(t, document.Factory)
	ctx := context.Background()

	_, se := h.registry.Resolve(ctx, "agent-1")
	require.Nil(t, se)

	h.service.renewFailed(errors.New("blip"))
	h.service.renewFailed(errors.New("blip"))
	h.service.renewSucceeded()
	h.service.renewFailed(errors.New("blip"))
	h.service.renewFailed(errors.New("blip"))

	select {
	case <-h.storeDown:
		t.Fatal("intermittent failures must not be declared fatal")
	default:
	}
}

// stallingFactory builds agents whose only method blocks until released, so
// tests can pin a transaction in flight and queue input behind it.
func stallingFactory(release chan struct{}) registry.Factory {
	return func(agentID string) (agent.Options, error) {
		store := document.New()
		return agent.Options{
			Children: []agent.Child{store},
			Methods: map[string]agent.Handler{
				"block": func(ctx context.Context, msg *envelope.Message) (*envelope.Result, error) {
					<-release
					return &envelope.Result{Data: json.RawMessage(`true`)}, nil
				},
			},
		}, nil
	}
}

func TestSweepShutsDownStalledAgent(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	h := newHarness(t, stallingFactory(release))
	ctx := context.Background()

	a, se := h.registry.Resolve(ctx, "agent-1")
	require.Nil(t, se)

	// One transaction stuck in flight, one queued behind it.
	for i := 0; i < 2; i++ {
		go a.Deliver(ctx, &envelope.Message{To: "agent-1", From: "caller", Method: "block", ID: "req"})
	}
	require.Eventually(t, func() bool {
		return a.QueueDepth() > 0
	}, time.Second, time.Millisecond)

	// First sweep records the baseline, second detects zero progress.
	h.service.sweep()
	require.False(t, a.IsShutdown())
	h.service.sweep()

	assert.True(t, a.IsShutdown())
	_, resident := h.registry.Get("agent-1")
	assert.False(t, resident)
}

func TestSweepSparesProgressingAgent(t *testing.T) {
	h := newHarness(t, document.Factory)
	ctx := context.Background()

	a, se := h.registry.Resolve(ctx, "agent-1")
	require.Nil(t, se)

	deliverSet := func() {
		reply := a.Deliver(ctx, &envelope.Message{
			To: "agent-1", From: "caller", Method: "document.set",
			Params: json.RawMessage(`{"key":"k","value":1}`), ID: "req",
		})
		require.Nil(t, reply.Error)
	}

	deliverSet()
	h.service.sweep()
	deliverSet()
	h.service.sweep()

	assert.False(t, a.IsShutdown())
	_, resident := h.registry.Get("agent-1")
	assert.True(t, resident)
}
