package lease

import (
	"context"
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"

	"github.com/roostlabs/roost/internal/observability"
)

// Manager translates raw store responses into ownership decisions for the
// local node.
type Manager struct {
	store  Store
	nodeID string
}

// NewNodeID generates a fresh node identity.
func NewNodeID() (string, error) {
	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("lease: generate node id: %w", err)
	}
	return "node-" + id, nil
}

// NewManager creates a Manager for the given store and node identity.
func NewManager(store Store, nodeID string) *Manager {
	observability.EnsureRegistered()
	return &Manager{store: store, nodeID: nodeID}
}

// NodeID returns the local node identity.
func (m *Manager) NodeID() string {
	return m.nodeID
}

// Grab attempts to take or refresh the lease for an agent. A held lease is a
// normal outcome: ok is false and owner identifies the current holder.
func (m *Manager) Grab(ctx context.Context, agentID string) (ok bool, owner string, err error) {
	res, err := m.store.GrabLease(ctx, agentID)
	if err != nil {
		observability.RecordLeaseGrab("error")
		return false, "", err
	}
	if !res.Acquired {
		observability.RecordLeaseGrab("lost")
		log.Debug().
			Str("agentId", agentID).
			Str("owner", res.Owner).
			Msg("Lease held by another node")
		return false, res.Owner, nil
	}
	observability.RecordLeaseGrab("acquired")
	return true, m.nodeID, nil
}

// Renew refreshes every lease this node believes it holds and returns the
// ids whose ownership was lost in the meantime.
func (m *Manager) Renew(ctx context.Context, agentIDs []string) ([]string, error) {
	gone, err := m.store.RenewLeases(ctx, agentIDs)
	if err != nil {
		return nil, err
	}
	observability.RecordLeaseRenew(len(agentIDs)-len(gone), len(gone))
	return gone, nil
}
