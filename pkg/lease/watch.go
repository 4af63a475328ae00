package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// casRetries bounds the optimistic retry loop when a watched key changes
// between the read and the commit.
const casRetries = 8

// watchStore implements the Store CAS with WATCH/MULTI/EXEC. Operations are
// funneled through a single-concurrency task queue: an optimistic read must
// never interleave with an unrelated write on the same connection, or the
// watch window of one operation could be invalidated by another local call.
type watchStore struct {
	client *redis.Client
	node   string
	ttl    time.Duration

	tasks     chan func()
	done      chan struct{}
	closeOnce sync.Once
}

func newWatchStore(client *redis.Client, opts Options) *watchStore {
	s := &watchStore{
		client: client,
		node:   opts.NodeID,
		ttl:    opts.Timeout,
		tasks:  make(chan func()),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// run executes submitted operations one at a time.
func (s *watchStore) run() {
	for {
		select {
		case task := <-s.tasks:
			task()
		case <-s.done:
			return
		}
	}
}

// serialize runs fn on the store's single-flight queue and waits for it.
func (s *watchStore) serialize(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	task := func() {
		result <- fn()
	}
	select {
	case s.tasks <- task:
	case <-s.done:
		return errors.New("lease: store is closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cas retries the watched transaction while the optimistic check keeps
// losing races.
func (s *watchStore) cas(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		log.Debug().Int("attempt", attempt+1).Strs("keys", keys).Msg("Optimistic CAS lost race, retrying")
	}
	return fmt.Errorf("lease: optimistic CAS gave up after %d attempts", casRetries)
}

func (s *watchStore) GrabLease(ctx context.Context, agentID string) (GrabResult, error) {
	var res GrabResult
	err := s.serialize(ctx, func() error {
		key := ownerKey(agentID)
		return s.cas(ctx, func(tx *redis.Tx) error {
			owner, err := tx.Get(ctx, key).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if err == nil && owner != s.node {
				res = GrabResult{Acquired: false, Owner: owner}
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, s.node, s.ttl)
				return nil
			})
			if err == nil {
				res = GrabResult{Acquired: true, Owner: s.node}
			}
			return err
		}, key)
	})
	if err != nil {
		return GrabResult{}, fmt.Errorf("lease: grab %s: %w", agentID, err)
	}
	return res, nil
}

func (s *watchStore) RenewLeases(ctx context.Context, agentIDs []string) ([]string, error) {
	if len(agentIDs) == 0 {
		return nil, nil
	}
	var gone []string
	err := s.serialize(ctx, func() error {
		keys := make([]string, len(agentIDs))
		for i, id := range agentIDs {
			keys[i] = ownerKey(id)
		}
		return s.cas(ctx, func(tx *redis.Tx) error {
			owners, err := tx.MGet(ctx, keys...).Result()
			if err != nil {
				return err
			}
			gone = gone[:0]
			var owned []string
			for i, raw := range owners {
				if owner, ok := raw.(string); ok && owner == s.node {
					owned = append(owned, keys[i])
				} else {
					gone = append(gone, agentIDs[i])
				}
			}
			if len(owned) == 0 {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, key := range owned {
					pipe.PExpire(ctx, key, s.ttl)
				}
				return nil
			})
			return err
		}, keys...)
	})
	if err != nil {
		return nil, fmt.Errorf("lease: renew: %w", err)
	}
	if len(gone) > 0 {
		log.Warn().Str("node", s.node).Strs("gone", gone).Msg("Lost ownership of agents")
	}
	return gone, nil
}

func (s *watchStore) UpdateState(ctx context.Context, updates []StateUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	err := s.serialize(ctx, func() error {
		keys := make([]string, len(updates))
		for i, u := range updates {
			keys[i] = ownerKey(u.AgentID)
		}
		return s.cas(ctx, func(tx *redis.Tx) error {
			owners, err := tx.MGet(ctx, keys...).Result()
			if err != nil {
				return err
			}
			for i, raw := range owners {
				owner, ok := raw.(string)
				if !ok {
					return &ConflictError{AgentID: updates[i].AgentID}
				}
				if owner != s.node {
					return &ConflictError{AgentID: updates[i].AgentID, Owner: owner}
				}
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pairs := make([]interface{}, 0, len(updates)*2)
				for _, u := range updates {
					pairs = append(pairs, dataKey(u.AgentID), u.State)
				}
				pipe.MSet(ctx, pairs...)
				return nil
			})
			return err
		}, keys...)
	})
	if err != nil {
		if IsConflict(err) {
			return err
		}
		return fmt.Errorf("lease: update state: %w", err)
	}
	return nil
}

func (s *watchStore) GetState(ctx context.Context, agentID string) ([]byte, error) {
	var data []byte
	err := s.serialize(ctx, func() error {
		key := ownerKey(agentID)
		return s.cas(ctx, func(tx *redis.Tx) error {
			owner, err := tx.Get(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				return &ConflictError{AgentID: agentID}
			}
			if err != nil {
				return err
			}
			if owner != s.node {
				return &ConflictError{AgentID: agentID, Owner: owner}
			}
			var cmd *redis.StringCmd
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				cmd = pipe.Get(ctx, dataKey(agentID))
				return nil
			})
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return ErrNotFound
				}
				return err
			}
			raw, err := cmd.Bytes()
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			data = raw
			return nil
		}, key)
	})
	if err != nil {
		if IsConflict(err) || errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("lease: get state %s: %w", agentID, err)
	}
	return data, nil
}

func (s *watchStore) DeleteState(ctx context.Context, agentID string) error {
	err := s.serialize(ctx, func() error {
		key := ownerKey(agentID)
		return s.cas(ctx, func(tx *redis.Tx) error {
			owner, err := tx.Get(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				return &ConflictError{AgentID: agentID}
			}
			if err != nil {
				return err
			}
			if owner != s.node {
				return &ConflictError{AgentID: agentID, Owner: owner}
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, dataKey(agentID), key)
				return nil
			})
			return err
		}, key)
	})
	if err != nil {
		if IsConflict(err) {
			return err
		}
		return fmt.Errorf("lease: delete state %s: %w", agentID, err)
	}
	return nil
}

func (s *watchStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return s.client.Close()
}
