package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/roostlabs/roost/internal/observability"
	"github.com/roostlabs/roost/internal/tracing"
	"github.com/roostlabs/roost/pkg/envelope"
)

// completion guarantees exactly one reply reaches the caller even when
// concurrent error sources race: the first completion wins, all others are
// discarded.
type completion struct {
	once  sync.Once
	reply *envelope.Message
}

func (c *completion) complete(reply *envelope.Message) {
	c.once.Do(func() {
		c.reply = reply
	})
}

// process drives one message through BEGIN, DISPATCH, PREPARE, PERSIST and
// COMMIT. Runs under the mailbox's per-agent serialization: no phase of two
// different messages ever interleaves for the same agent.
//
// Failure classification: dispatch and prepare failures are safe to abort,
// because no durable write has been attempted. Once the checkpoint write is
// in flight, a persist or commit failure leaves the durable outcome
// ambiguous, so abort would be unsound; the agent is forced into shutdown
// and recovery is deferred to recreation from the last committed checkpoint.
func (a *Agent) process(ctx context.Context, msg *envelope.Message) *envelope.Message {
	start := time.Now()
	ctx = tracing.WithAgentID(ctx, a.id)
	if msg.ID != "" {
		// Keep any correlation id the transport already assigned.
		ctx = tracing.WithMessageID(ctx, msg.ID)
	}
	ctx, span := tracing.StartSpan(ctx, "agent.transaction",
		attribute.String("agent_id", a.id),
		attribute.String("method", msg.Method),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, a.logger)

	comp := &completion{}

	// BEGIN: fan out to every child so each can snapshot rollback state.
	for _, c := range a.children {
		c.Begin(msg)
	}

	// DISPATCH under a panic boundary. An application-level error inside the
	// Result is data and commits normally; a handler error or panic aborts.
	result, dispatchErr := a.dispatch(ctx, msg)
	if dispatchErr != nil {
		return a.abort(logger, comp, msg, dispatchErr, start)
	}

	// PREPARE: collect each child's serializable share of the snapshot.
	shares := make(map[string]json.RawMessage, len(a.children))
	for _, c := range a.children {
		share, err := c.Prepare()
		if err != nil {
			se := envelope.NewSystemError(msg, envelope.CodePrepareFailure,
				fmt.Sprintf("child %s failed to prepare: %v", c.Name(), err))
			return a.abort(logger, comp, msg, se, start)
		}
		shares[c.Name()] = share
	}

	// PERSIST: one ownership-guarded checkpoint write for the combined
	// snapshot. From here on abort is unsound.
	raw, err := json.Marshal(snapshot{Version: a.version + 1, Children: shares})
	if err != nil {
		se := envelope.NewSystemError(msg, envelope.CodePrepareFailure, "snapshot not serializable: "+err.Error())
		return a.abort(logger, comp, msg, se, start)
	}
	persistDone := make(chan error, 1)
	a.checkpoints.Update(ctx, a.id, raw, func(err error) {
		persistDone <- err
	})
	if err := <-persistDone; err != nil {
		return a.shutdownOn(logger, comp, msg, envelope.CodeCheckpointFailure,
			"checkpoint write failed: "+err.Error(), start)
	}

	// COMMIT: a failure here, after a durable persist, is also unsafe to
	// abort.
	for _, c := range a.children {
		if err := c.Commit(); err != nil {
			return a.shutdownOn(logger, comp, msg, envelope.CodeCommitFailure,
				fmt.Sprintf("child %s failed to commit: %v", c.Name(), err), start)
		}
	}

	a.version++
	a.progress.Add(1)
	observability.RecordTransaction("commit", time.Since(start))
	logger.Debug().Int64("version", a.version).Msg("Transaction committed")

	comp.complete(msg.Reply(result))
	return comp.reply
}

// dispatch locates and invokes the target method. Panics become errors so
// the abort path sees them like any other dispatch failure.
func (a *Agent) dispatch(ctx context.Context, msg *envelope.Message) (result *envelope.Result, err error) {
	handler, ok := a.methods[msg.Method]
	if !ok {
		return nil, envelope.NewSystemError(msg, envelope.CodeMethodNotFound,
			fmt.Sprintf("no method %q", msg.Method))
	}
	defer func() {
		if r := recover(); r != nil {
			err = envelope.NewSystemError(msg, envelope.CodeExceptionThrown,
				fmt.Sprintf("panic in %s: %v", msg.Method, r))
			a.logger.Error().
				Str("method", msg.Method).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Handler panicked")
		}
	}()
	result, err = handler(ctx, msg)
	if err != nil {
		var se *envelope.SystemError
		if errors.As(err, &se) {
			return nil, se
		}
		return nil, envelope.NewSystemError(msg, envelope.CodeExceptionThrown, err.Error())
	}
	return result, nil
}

// abort rolls every child back and returns the original error to the
// caller. A failure while aborting means in-memory state can no longer be
// trusted, which is treated exactly like a persist failure: force shutdown.
func (a *Agent) abort(logger zerolog.Logger, comp *completion, msg *envelope.Message, cause error, start time.Time) *envelope.Message {
	for _, c := range a.children {
		if err := c.Abort(); err != nil {
			return a.shutdownOn(logger, comp, msg, envelope.CodeInternalError,
				fmt.Sprintf("abort of child %s failed: %v", c.Name(), err), start)
		}
	}
	observability.RecordTransaction("abort", time.Since(start))
	logger.Warn().Err(cause).Msg("Transaction aborted")

	var se *envelope.SystemError
	if !errors.As(cause, &se) {
		se = envelope.NewSystemError(msg, envelope.CodeExceptionThrown, cause.Error())
	}
	comp.complete(msg.ErrorReply(se))
	return comp.reply
}

// shutdownOn forces the agent into its absorbing shutdown state and replies
// with the given system error.
func (a *Agent) shutdownOn(logger zerolog.Logger, comp *completion, msg *envelope.Message, code envelope.Code, text string, start time.Time) *envelope.Message {
	a.ForceShutdown(text)
	observability.RecordTransaction("shutdown", time.Since(start))
	logger.Error().Str("code", code.String()).Str("cause", text).Msg("Transaction failed, agent shut down")
	comp.complete(msg.ErrorReply(envelope.NewSystemError(msg, code, text)))
	return comp.reply
}
