package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/roostlabs/roost/pkg/envelope"
	"github.com/roostlabs/roost/pkg/mailbox"
)

// Checkpointer persists agent snapshots. Satisfied by checkpoint.Store.
type Checkpointer interface {
	Update(ctx context.Context, agentID string, state []byte, done func(error))
	Get(ctx context.Context, agentID string) ([]byte, error)
	Delete(ctx context.Context, agentID string) error
}

// snapshot is the durable form of an agent: its version counter plus each
// transactional child's contribution, keyed by child name.
type snapshot struct {
	Version  int64                      `json:"version"`
	Children map[string]json.RawMessage `json:"children"`
}

// Options configures an agent.
type Options struct {
	// ID is the agent's identity.
	ID string
	// Children participate in the local two-phase commit, in order.
	Children []Child
	// DefaultMethods and Methods form the dispatch table; Methods override
	// defaults with the same name.
	DefaultMethods map[string]Handler
	Methods        map[string]Handler
	// Checkpoints persists committed snapshots.
	Checkpoints Checkpointer
	// Queue serializes this agent's input.
	Queue *mailbox.Mailbox
	// Terminate is an optional best-effort hook run before a deliberate
	// shutdown. Its failure never blocks the shutdown itself.
	Terminate func(ctx context.Context) error
}

// Agent is a long-lived, checkpointed, single-threaded computation unit.
// All mutation happens under the mailbox's per-agent serialization; the
// distributed lease protects the durable checkpoint, not the in-memory
// transaction.
type Agent struct {
	id          string
	children    []Child
	methods     map[string]Handler
	checkpoints Checkpointer
	queue       *mailbox.Mailbox
	terminate   func(ctx context.Context) error
	logger      zerolog.Logger

	// version is only touched from the serialized transaction path.
	version  int64
	shutdown atomic.Bool
	progress atomic.Uint64
}

func build(opts Options) (*Agent, error) {
	if opts.ID == "" {
		return nil, errors.New("agent: id is required")
	}
	if opts.Checkpoints == nil {
		return nil, errors.New("agent: checkpointer is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("agent: mailbox is required")
	}
	seen := make(map[string]bool, len(opts.Children))
	for _, c := range opts.Children {
		if seen[c.Name()] {
			return nil, fmt.Errorf("agent: duplicate child name %q", c.Name())
		}
		seen[c.Name()] = true
	}
	return &Agent{
		id:          opts.ID,
		children:    opts.Children,
		methods:     resolveMethods(opts.DefaultMethods, opts.Methods),
		checkpoints: opts.Checkpoints,
		queue:       opts.Queue,
		terminate:   opts.Terminate,
		logger:      log.With().Str("agent_id", opts.ID).Logger(),
	}, nil
}

// New creates a fresh agent, initializing every child's state from nothing.
func New(opts Options) (*Agent, error) {
	a, err := build(opts)
	if err != nil {
		return nil, err
	}
	for _, c := range a.children {
		c.Init()
	}
	a.logger.Info().Msg("Agent initialized")
	return a, nil
}

// Resume recreates an agent from a prior checkpoint, restoring each child's
// share of the snapshot and the version counter.
func Resume(opts Options, raw []byte) (*Agent, error) {
	a, err := build(opts)
	if err != nil {
		return nil, err
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("agent: decode checkpoint for %s: %w", opts.ID, err)
	}
	for _, c := range a.children {
		if err := c.Resume(snap.Children[c.Name()]); err != nil {
			return nil, fmt.Errorf("agent: resume child %s of %s: %w", c.Name(), opts.ID, err)
		}
	}
	a.version = snap.Version
	a.logger.Info().Int64("version", snap.Version).Msg("Agent resumed from checkpoint")
	return a, nil
}

// ID returns the agent's identity.
func (a *Agent) ID() string {
	return a.id
}

// Version returns the last committed state version.
func (a *Agent) Version() int64 {
	return a.version
}

// IsShutdown reports whether the agent accepts input.
func (a *Agent) IsShutdown() bool {
	return a.shutdown.Load()
}

// Progress returns a counter that moves on every committed transaction.
// External liveness checks compare it across sweeps.
func (a *Agent) Progress() uint64 {
	return a.progress.Load()
}

// QueueDepth returns how many messages are waiting behind the in-flight one.
func (a *Agent) QueueDepth() int {
	return a.queue.Depth(a.id)
}

// Deliver runs one message through the transaction pipeline and returns the
// reply (or system-error reply). For notifications the reply is produced but
// the caller decides whether to send it.
func (a *Agent) Deliver(ctx context.Context, msg *envelope.Message) *envelope.Message {
	if a.shutdown.Load() {
		return msg.ErrorReply(envelope.NewSystemError(msg, envelope.CodeShutdownAgent, "agent is shut down"))
	}
	value, err := a.queue.Enqueue(ctx, a.id, func(taskCtx context.Context) (interface{}, error) {
		return a.process(taskCtx, msg), nil
	})
	if err != nil {
		if errors.Is(err, mailbox.ErrShutdown) {
			return msg.ErrorReply(envelope.NewSystemError(msg, envelope.CodeShutdownAgent, "agent is shut down"))
		}
		return msg.ErrorReply(envelope.NewSystemError(msg, envelope.CodeInternalError, err.Error()))
	}
	return value.(*envelope.Message)
}

// ForceShutdown makes the agent non-responsive without touching its durable
// state. Recovery is recreate-and-resume, possibly on another node.
func (a *Agent) ForceShutdown(reason string) {
	if a.shutdown.Swap(true) {
		return
	}
	a.queue.Shutdown(a.id)
	a.logger.Warn().Str("reason", reason).Msg("Agent forced into shutdown")
}

// Terminate runs the best-effort terminate hook and then shuts the agent
// down. Hook failure is logged, never propagated: it must not block the
// shutdown.
func (a *Agent) Terminate(ctx context.Context) {
	if a.terminate != nil && !a.shutdown.Load() {
		if err := a.terminate(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Terminate hook failed")
		}
	}
	a.ForceShutdown("terminate")
}

// Destroy shuts the agent down and durably erases its checkpoint, releasing
// the lease. Recreating the same id afterwards starts a fresh Init with no
// memory of prior state.
func (a *Agent) Destroy(ctx context.Context) error {
	a.ForceShutdown("destroy")
	if err := a.checkpoints.Delete(ctx, a.id); err != nil {
		return fmt.Errorf("agent: destroy %s: %w", a.id, err)
	}
	a.queue.Remove(a.id)
	a.logger.Info().Msg("Agent destroyed")
	return nil
}
