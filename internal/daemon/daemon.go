// Package daemon wires the engine together: config, logging, the Redis
// lease/checkpoint store, the mailbox, the agent registry and the
// maintenance jobs, plus the message delivery entry point transports call
// into.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/roostlabs/roost/internal/config"
	"github.com/roostlabs/roost/internal/logger"
	"github.com/roostlabs/roost/internal/observability"
	"github.com/roostlabs/roost/internal/tracing"
	"github.com/roostlabs/roost/pkg/checkpoint"
	"github.com/roostlabs/roost/pkg/envelope"
	"github.com/roostlabs/roost/pkg/lease"
	"github.com/roostlabs/roost/pkg/mailbox"
	"github.com/roostlabs/roost/pkg/maintenance"
	"github.com/roostlabs/roost/pkg/registry"
)

// Daemon is one roost node: it owns every engine component and their
// shutdown order.
type Daemon struct {
	cfg    *config.Config
	loader *config.Loader
	nodeID string

	logger      *logger.Logger
	store       lease.Store
	leases      *lease.Manager
	checkpoints *checkpoint.Store
	queue       *mailbox.Mailbox
	registry    *registry.Registry
	maintenance *maintenance.Service
	watcher     *config.Watcher

	fatal    chan error
	stopOnce sync.Once
}

// New builds a daemon from config. The factory supplies each agent's
// transactional children and method table.
func New(cfg *config.Config, loader *config.Loader, factory registry.Factory) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("daemon: invalid config: %w", err)
	}

	lg, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return nil, err
	}

	nodeID := cfg.Node.ID
	if nodeID == "" {
		nodeID, err = lease.NewNodeID()
		if err != nil {
			return nil, err
		}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	store, err := lease.New(client, lease.Options{
		NodeID:   nodeID,
		Timeout:  cfg.Lease.Timeout(),
		Strategy: lease.Strategy(cfg.Lease.Strategy),
	})
	if err != nil {
		return nil, err
	}

	leases := lease.NewManager(store, nodeID)
	checkpoints := checkpoint.New(store, checkpoint.Config{
		Interval:          cfg.Coalescing.Interval(),
		MaxPendingUpdates: cfg.Coalescing.MaxPendingUpdates,
	})
	queue := mailbox.New()

	reg, err := registry.New(registry.Options{
		Factory:              factory,
		Leases:               leases,
		Checkpoints:          checkpoints,
		Queue:                queue,
		CreateOnFirstMessage: cfg.Agents.CreateOnFirstMessage,
	})
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:         cfg,
		loader:      loader,
		nodeID:      nodeID,
		logger:      lg,
		store:       store,
		leases:      leases,
		checkpoints: checkpoints,
		queue:       queue,
		registry:    reg,
		fatal:       make(chan error, 1),
	}

	d.maintenance = maintenance.New(maintenance.Options{
		Leases:       leases,
		Registry:     reg,
		LeaseTimeout: cfg.Lease.Timeout(),
		OnStoreDown:  d.storeDown,
	})

	return d, nil
}

// NodeID returns this node's identity.
func (d *Daemon) NodeID() string {
	return d.nodeID
}

// Registry exposes the agent registry, mostly for tests and tooling.
func (d *Daemon) Registry() *registry.Registry {
	return d.registry
}

// Start brings up tracing, metrics, the config watcher and the maintenance
// jobs. It does not block.
func (d *Daemon) Start() error {
	if err := tracing.Init("roost"); err != nil {
		return fmt.Errorf("daemon: init tracing: %w", err)
	}

	if d.cfg.Metrics.Enabled {
		go func() {
			if err := observability.Serve(d.cfg.Metrics.Addr); err != nil {
				log.Error().Err(err).Msg("Metrics endpoint failed")
			}
		}()
	}

	if d.loader != nil {
		watcher, err := config.NewWatcher(d.loader, d.applyReload)
		if err != nil {
			log.Warn().Err(err).Msg("Config watcher unavailable, continuing without hot reload")
		} else {
			d.watcher = watcher
		}
	}

	if err := d.maintenance.Start(); err != nil {
		return fmt.Errorf("daemon: start maintenance: %w", err)
	}

	if d.cfg.DataDir != "" {
		if err := observability.InitAuditLogger(filepath.Join(d.cfg.DataDir, "audit.log")); err != nil {
			log.Warn().Err(err).Msg("Audit log unavailable, events go to stderr")
		}
	}
	observability.RecordNodeAudit(context.Background(), "node_started", "success",
		map[string]interface{}{"node_id": d.nodeID})

	log.Info().
		Str("node_id", d.nodeID).
		Str("redis", d.cfg.Redis.Addr).
		Str("strategy", d.cfg.Lease.Strategy).
		Msg("Node started")
	return nil
}

// Fatal delivers at most one unrecoverable error, e.g. the backing store
// going away.
func (d *Daemon) Fatal() <-chan error {
	return d.fatal
}

func (d *Daemon) storeDown(err error) {
	select {
	case d.fatal <- fmt.Errorf("daemon: backing store unreachable: %w", err):
	default:
	}
}

// applyReload applies the runtime-changeable subset of a reloaded config.
func (d *Daemon) applyReload(cfg *config.Config) {
	if cfg.Logging.Level != d.cfg.Logging.Level {
		if err := logger.SetLevel(cfg.Logging.Level); err != nil {
			log.Warn().Err(err).Msg("Ignoring invalid log level from reloaded config")
			return
		}
		d.cfg.Logging.Level = cfg.Logging.Level
		log.Info().Str("level", cfg.Logging.Level).Msg("Log level changed")
	}
}

// Deliver runs one raw inbound frame through the engine and returns the
// encoded reply, or nil for a notification that committed successfully.
func (d *Daemon) Deliver(ctx context.Context, raw []byte) []byte {
	ctx = tracing.WithNodeID(ctx, d.nodeID)

	msg, se := envelope.Decode(raw)
	if se != nil {
		return encodeReply(&envelope.Message{Error: se})
	}

	if d.cfg.Auth.Token != "" && msg.Token != d.cfg.Auth.Token {
		observability.RecordSecurityAudit(ctx, "token_rejected", msg.To, "failure", nil)
		return encodeReply(msg.ErrorReply(envelope.NewSystemError(msg, envelope.CodeNotAuthorized, "bad token")))
	}

	// Notifications carry no request id; give them a correlation id so log
	// lines and spans for one frame can still be tied together.
	if msg.ID == "" {
		ctx = tracing.WithMessageID(ctx, uuid.NewString())
	}

	a, se := d.registry.Resolve(ctx, msg.To)
	if se != nil {
		return encodeReply(msg.ErrorReply(se))
	}

	reply := a.Deliver(ctx, msg)
	if msg.IsNotification() && reply.Error == nil {
		return nil
	}
	return encodeReply(reply)
}

// DestroyAgent erases an agent's durable state and forgets it.
func (d *Daemon) DestroyAgent(ctx context.Context, agentID string) error {
	return d.registry.Destroy(ctx, agentID)
}

// Stop shuts the node down: terminate hooks for every resident agent, then
// the maintenance jobs, pending checkpoint flushes and the store.
func (d *Daemon) Stop(ctx context.Context) error {
	var errs []error
	d.stopOnce.Do(func() {
		log.Info().Str("node_id", d.nodeID).Msg("Node stopping")

		d.registry.TerminateAll(ctx)
		d.maintenance.Stop()
		observability.RecordNodeAudit(ctx, "node_stopped", "success",
			map[string]interface{}{"node_id": d.nodeID})
		if err := observability.GetAuditLogger().Close(); err != nil {
			errs = append(errs, err)
		}

		if d.watcher != nil {
			if err := d.watcher.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := d.queue.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := d.checkpoints.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := d.store.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := tracing.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := d.logger.Close(); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

func encodeReply(reply *envelope.Message) []byte {
	data, err := reply.Encode()
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode reply")
		return []byte(`{"error":{"code":-32603,"message":"reply encoding failed"}}`)
	}
	return data
}
