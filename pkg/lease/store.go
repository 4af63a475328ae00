package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by GetState when no checkpoint exists for the id.
var ErrNotFound = errors.New("lease: no state for agent")

// ConflictError reports that an ownership-guarded operation found an id the
// caller's node does not own. The guarded batch performed no mutation.
type ConflictError struct {
	AgentID string
	Owner   string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	if e.Owner == "" {
		return fmt.Sprintf("lease: agent %s is not owned by this node", e.AgentID)
	}
	return fmt.Sprintf("lease: agent %s is owned by node %s", e.AgentID, e.Owner)
}

// IsConflict reports whether err is an ownership conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// GrabResult is the outcome of a lease grab. Losing the grab is a normal
// outcome, not an error: Owner identifies the current holder.
type GrabResult struct {
	Acquired bool
	Owner    string
}

// StateUpdate is one entry of a guarded multi-id checkpoint write.
type StateUpdate struct {
	AgentID string
	State   []byte
}

// Store is the external lease and checkpoint record store. The owner binding
// for an agent lives at the bare agent id with a TTL equal to the lease
// timeout; the serialized snapshot lives at "data:"+agentID. UpdateState,
// GetState and DeleteState are conditioned on ownership: the whole call fails
// with a ConflictError and performs no mutation if any referenced id is owned
// by another node.
type Store interface {
	GrabLease(ctx context.Context, agentID string) (GrabResult, error)
	RenewLeases(ctx context.Context, agentIDs []string) (gone []string, err error)
	UpdateState(ctx context.Context, updates []StateUpdate) error
	GetState(ctx context.Context, agentID string) ([]byte, error)
	DeleteState(ctx context.Context, agentID string) error
	Close() error
}

// Strategy selects how the store achieves its atomic compare-and-swap.
type Strategy string

const (
	// StrategyScript performs each operation as a single server-side Lua
	// script: one indivisible round trip, safe to pipeline. Preferred.
	StrategyScript Strategy = "script"
	// StrategyWatch performs an optimistic WATCH/MULTI/EXEC compare-and-swap,
	// serialized through a single-concurrency task queue so watch windows
	// never interleave on the shared connection.
	StrategyWatch Strategy = "watch"
)

// Options configures a Store.
type Options struct {
	// NodeID is the identity written into owner bindings.
	NodeID string
	// Timeout is the lease TTL; an unrenewed binding expires after this.
	Timeout time.Duration
	// Strategy selects the CAS backend. Defaults to StrategyScript.
	Strategy Strategy
}

// New creates a Store over the given Redis client.
func New(client *redis.Client, opts Options) (Store, error) {
	if opts.NodeID == "" {
		return nil, errors.New("lease: node id is required")
	}
	if opts.Timeout <= 0 {
		return nil, errors.New("lease: timeout must be positive")
	}
	switch opts.Strategy {
	case StrategyScript, "":
		return newScriptStore(client, opts), nil
	case StrategyWatch:
		return newWatchStore(client, opts), nil
	default:
		return nil, fmt.Errorf("lease: unknown strategy %q", opts.Strategy)
	}
}

// ownerKey holds the current owner node id for an agent.
func ownerKey(agentID string) string {
	return agentID
}

// dataKey holds the serialized checkpoint for an agent.
func dataKey(agentID string) string {
	return "data:" + agentID
}
