package agent

import (
	"context"
	"encoding/json"

	"github.com/roostlabs/roost/pkg/envelope"
)

// Child is a transactional participant in an agent's local two-phase commit.
// The coordinator holds an ordered list of children, fixed at agent
// construction.
//
// Contract requirement: Begin and Prepare must confine their effects to
// in-memory state and the snapshot contribution Prepare returns. Abort is
// assumed to fully reverse everything since Begin; external side effects
// belong in Commit and must be idempotent, because a commit interrupted by
// failure may be re-driven after the agent is recreated from its last
// checkpoint.
type Child interface {
	// Name keys this child's share of the durable snapshot.
	Name() string
	// Init sets up state from nothing. Runs once, at first creation.
	Init()
	// Resume restores the child's share of a prior snapshot. The share is
	// nil when the snapshot predates this child.
	Resume(share json.RawMessage) error
	// Begin opens a transaction for the message. Children typically copy
	// their rollback state here.
	Begin(msg *envelope.Message)
	// Prepare returns the child's serializable contribution to the durable
	// snapshot, or an error to abort the transaction.
	Prepare() (json.RawMessage, error)
	// Commit finalizes the transaction after the snapshot persisted.
	Commit() error
	// Abort rolls back in-memory state to what Begin saw.
	Abort() error
}

// Handler executes one method on behalf of the agent. A returned Result may
// itself carry an application-level error: that is data, committed like any
// success. A returned Go error (or a panic) is an exceptional dispatch
// failure and aborts the transaction. Return an *envelope.SystemError to
// select the error code, e.g. CodeInvalidParams.
type Handler func(ctx context.Context, msg *envelope.Message) (*envelope.Result, error)

// resolveMethods flattens default methods and custom overrides into a single
// dispatch map, resolved once at agent construction rather than per call.
func resolveMethods(defaults, overrides map[string]Handler) map[string]Handler {
	methods := make(map[string]Handler, len(defaults)+len(overrides))
	for name, h := range defaults {
		methods[name] = h
	}
	for name, h := range overrides {
		methods[name] = h
	}
	return methods
}
