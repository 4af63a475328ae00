// Package registry owns the lookup table of agents resident on this node
// and the policy for materializing them: grab the lease, load the last
// checkpoint, resume or create.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/roostlabs/roost/internal/observability"
	"github.com/roostlabs/roost/pkg/agent"
	"github.com/roostlabs/roost/pkg/envelope"
	"github.com/roostlabs/roost/pkg/lease"
	"github.com/roostlabs/roost/pkg/mailbox"
)

// Factory produces the application-defined parts of an agent: its
// transactional children, method table and terminate hook. The registry
// fills in identity, checkpointing and queueing.
type Factory func(agentID string) (agent.Options, error)

// Options configures a Registry.
type Options struct {
	Factory     Factory
	Leases      *lease.Manager
	Checkpoints agent.Checkpointer
	Queue       *mailbox.Mailbox
	// CreateOnFirstMessage materializes a fresh agent when a message
	// addresses an id with no checkpoint. When false such messages fail
	// with a no-such-agent error.
	CreateOnFirstMessage bool
}

// Registry is the only holder of the live-agent table; there is no implicit
// global state.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*agent.Agent
	opts   Options
}

// New creates an empty Registry.
func New(opts Options) (*Registry, error) {
	if opts.Factory == nil {
		return nil, errors.New("registry: factory is required")
	}
	if opts.Leases == nil || opts.Checkpoints == nil || opts.Queue == nil {
		return nil, errors.New("registry: leases, checkpoints and queue are required")
	}
	observability.EnsureRegistered()
	return &Registry{
		agents: make(map[string]*agent.Agent),
		opts:   opts,
	}, nil
}

// Get returns the live agent for id, if resident.
func (r *Registry) Get(agentID string) (*agent.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	return a, ok
}

// IDs lists the ids of all resident agents.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	return ids
}

// ForEach visits every resident agent.
func (r *Registry) ForEach(fn func(a *agent.Agent)) {
	r.mu.RLock()
	agents := make([]*agent.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	r.mu.RUnlock()
	for _, a := range agents {
		fn(a)
	}
}

// Len returns the number of resident agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Resolve returns the agent for id, materializing it if necessary: take the
// lease, then resume from the last checkpoint or init a fresh agent subject
// to the creation policy. Ownership by another node is a redirect, not an
// error.
func (r *Registry) Resolve(ctx context.Context, agentID string) (*agent.Agent, *envelope.SystemError) {
	if a, ok := r.Get(agentID); ok {
		return a, nil
	}

	ok, owner, err := r.opts.Leases.Grab(ctx, agentID)
	if err != nil {
		return nil, &envelope.SystemError{Code: envelope.CodeInternalError, Message: "lease grab failed: " + err.Error()}
	}
	if !ok {
		return nil, &envelope.SystemError{
			Code:    envelope.CodeForcedRedirect,
			Message: fmt.Sprintf("agent %s is owned by node %s", agentID, owner),
			Owner:   owner,
		}
	}

	a, resumed, se := r.materialize(ctx, agentID)
	if se != nil {
		return nil, se
	}
	action := "agent_created"
	if resumed {
		action = "agent_resumed"
	}
	observability.RecordLifecycleAudit(ctx, action, agentID, "success", nil)

	r.mu.Lock()
	if existing, ok := r.agents[agentID]; ok {
		// Lost the materialization race to a concurrent Resolve.
		r.mu.Unlock()
		return existing, nil
	}
	r.agents[agentID] = a
	size := len(r.agents)
	r.mu.Unlock()

	observability.SetLiveAgents(size)
	return a, nil
}

func (r *Registry) materialize(ctx context.Context, agentID string) (*agent.Agent, bool, *envelope.SystemError) {
	opts, err := r.opts.Factory(agentID)
	if err != nil {
		return nil, false, &envelope.SystemError{Code: envelope.CodeInternalError, Message: "agent factory failed: " + err.Error()}
	}
	opts.ID = agentID
	opts.Checkpoints = r.opts.Checkpoints
	opts.Queue = r.opts.Queue

	raw, err := r.opts.Checkpoints.Get(ctx, agentID)
	switch {
	case err == nil:
		a, err := agent.Resume(opts, raw)
		if err != nil {
			return nil, false, &envelope.SystemError{Code: envelope.CodeInternalError, Message: err.Error()}
		}
		return a, true, nil
	case errors.Is(err, lease.ErrNotFound):
		if !r.opts.CreateOnFirstMessage {
			return nil, false, &envelope.SystemError{
				Code:    envelope.CodeNoSuchAgent,
				Message: fmt.Sprintf("agent %s does not exist", agentID),
			}
		}
		a, err := agent.New(opts)
		if err != nil {
			return nil, false, &envelope.SystemError{Code: envelope.CodeInternalError, Message: err.Error()}
		}
		return a, false, nil
	case lease.IsConflict(err):
		var ce *lease.ConflictError
		errors.As(err, &ce)
		return nil, false, &envelope.SystemError{
			Code:    envelope.CodeForcedRedirect,
			Message: err.Error(),
			Owner:   ce.Owner,
		}
	default:
		return nil, false, &envelope.SystemError{Code: envelope.CodeCheckpointFailure, Message: "checkpoint read failed: " + err.Error()}
	}
}

// Remove drops an agent from the table without touching its durable state.
func (r *Registry) Remove(agentID string) {
	r.mu.Lock()
	delete(r.agents, agentID)
	size := len(r.agents)
	r.mu.Unlock()
	observability.SetLiveAgents(size)
}

// DropGone force-shuts agents whose leases were lost and evicts them. Their
// checkpoints stay put for whichever node owns them now.
func (r *Registry) DropGone(gone []string) {
	for _, id := range gone {
		if a, ok := r.Get(id); ok {
			a.ForceShutdown("lease lost")
		}
		r.Remove(id)
		observability.RecordOwnershipAudit(context.Background(), "lease_lost", id, nil)
		log.Warn().Str("agentId", id).Msg("Agent evicted after lease loss")
	}
}

// Destroy shuts an agent down, erases its checkpoint and forgets it. A later
// message for the same id starts a fresh init.
func (r *Registry) Destroy(ctx context.Context, agentID string) error {
	a, ok := r.Get(agentID)
	if !ok {
		var se *envelope.SystemError
		a, se = r.Resolve(ctx, agentID)
		if se != nil {
			return se
		}
	}
	if err := a.Destroy(ctx); err != nil {
		return err
	}
	r.Remove(agentID)
	observability.RecordLifecycleAudit(ctx, "agent_destroyed", agentID, "success", nil)
	return nil
}

// TerminateAll runs every resident agent's terminate hook, for a deliberate
// node shutdown or migration.
func (r *Registry) TerminateAll(ctx context.Context) {
	r.ForEach(func(a *agent.Agent) {
		a.Terminate(ctx)
	})
}
