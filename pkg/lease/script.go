package lease

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Server-side CAS: each script re-reads the ownership bindings and performs
// the data operation in one indivisible round trip, so unrelated calls can be
// pipelined freely. Scripts return {1, ...} on success, {0, key, owner} on an
// ownership conflict and {2} when a guarded read finds no data.

var grabScript = redis.NewScript(`
local owner = redis.call("GET", KEYS[1])
if owner ~= false and owner ~= ARGV[1] then
  return {0, owner}
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return {1, ARGV[1]}
`)

var renewScript = redis.NewScript(`
local gone = {}
for i = 1, #KEYS do
  if redis.call("GET", KEYS[i]) == ARGV[1] then
    redis.call("PEXPIRE", KEYS[i], ARGV[2])
  else
    gone[#gone + 1] = KEYS[i]
  end
end
return gone
`)

var updateScript = redis.NewScript(`
local n = #KEYS / 2
for i = 1, n do
  local owner = redis.call("GET", KEYS[i])
  if owner ~= ARGV[1] then
    return {0, KEYS[i], owner or ""}
  end
end
for i = 1, n do
  redis.call("SET", KEYS[n + i], ARGV[i + 1])
end
return {1}
`)

var getScript = redis.NewScript(`
local owner = redis.call("GET", KEYS[1])
if owner ~= ARGV[1] then
  return {0, KEYS[1], owner or ""}
end
local data = redis.call("GET", KEYS[2])
if data == false then
  return {2}
end
return {1, data}
`)

var deleteScript = redis.NewScript(`
local owner = redis.call("GET", KEYS[1])
if owner ~= ARGV[1] then
  return {0, KEYS[1], owner or ""}
end
redis.call("DEL", KEYS[2], KEYS[1])
return {1}
`)

type scriptStore struct {
	client *redis.Client
	node   string
	ttlMs  int64
}

func newScriptStore(client *redis.Client, opts Options) *scriptStore {
	return &scriptStore{
		client: client,
		node:   opts.NodeID,
		ttlMs:  opts.Timeout.Milliseconds(),
	}
}

// GrabLease succeeds when the binding is absent or already ours; either way
// the binding is rewritten with a fresh expiration. Losing to another node
// is reported in the result, not as an error.
func (s *scriptStore) GrabLease(ctx context.Context, agentID string) (GrabResult, error) {
	res, err := grabScript.Run(ctx, s.client, []string{ownerKey(agentID)}, s.node, s.ttlMs).Result()
	if err != nil {
		return GrabResult{}, fmt.Errorf("lease: grab %s: %w", agentID, err)
	}
	reply, err := scriptReply(res)
	if err != nil {
		return GrabResult{}, err
	}
	if reply.status == 0 {
		return GrabResult{Acquired: false, Owner: reply.owner}, nil
	}
	return GrabResult{Acquired: true, Owner: s.node}, nil
}

// RenewLeases refreshes the expiration of every id still owned by this node
// and reports the rest as gone. The whole call is one atomic script.
func (s *scriptStore) RenewLeases(ctx context.Context, agentIDs []string) ([]string, error) {
	if len(agentIDs) == 0 {
		return nil, nil
	}
	keys := make([]string, len(agentIDs))
	for i, id := range agentIDs {
		keys[i] = ownerKey(id)
	}
	res, err := renewScript.Run(ctx, s.client, keys, s.node, s.ttlMs).Result()
	if err != nil {
		return nil, fmt.Errorf("lease: renew: %w", err)
	}
	items, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("lease: unexpected renew reply %T", res)
	}
	gone := make([]string, 0, len(items))
	for _, item := range items {
		id, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("lease: unexpected renew entry %T", item)
		}
		gone = append(gone, id)
	}
	if len(gone) > 0 {
		log.Warn().Str("node", s.node).Strs("gone", gone).Msg("Lost ownership of agents")
	}
	return gone, nil
}

// UpdateState writes every snapshot in one guarded batch. Any id owned by a
// different node fails the whole call with no mutation.
func (s *scriptStore) UpdateState(ctx context.Context, updates []StateUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	keys := make([]string, 0, len(updates)*2)
	args := make([]interface{}, 0, len(updates)+1)
	args = append(args, s.node)
	for _, u := range updates {
		keys = append(keys, ownerKey(u.AgentID))
	}
	for _, u := range updates {
		keys = append(keys, dataKey(u.AgentID))
		args = append(args, string(u.State))
	}
	res, err := updateScript.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		return fmt.Errorf("lease: update state: %w", err)
	}
	reply, err := scriptReply(res)
	if err != nil {
		return err
	}
	if reply.status == 0 {
		return &ConflictError{AgentID: reply.key, Owner: reply.owner}
	}
	return nil
}

// GetState reads the snapshot for an agent this node owns.
func (s *scriptStore) GetState(ctx context.Context, agentID string) ([]byte, error) {
	res, err := getScript.Run(ctx, s.client, []string{ownerKey(agentID), dataKey(agentID)}, s.node).Result()
	if err != nil {
		return nil, fmt.Errorf("lease: get state %s: %w", agentID, err)
	}
	reply, err := scriptReply(res)
	if err != nil {
		return nil, err
	}
	switch reply.status {
	case 0:
		return nil, &ConflictError{AgentID: agentID, Owner: reply.owner}
	case 2:
		return nil, ErrNotFound
	default:
		return []byte(reply.data), nil
	}
}

// DeleteState erases the snapshot and relinquishes the lease for an agent
// this node owns.
func (s *scriptStore) DeleteState(ctx context.Context, agentID string) error {
	res, err := deleteScript.Run(ctx, s.client, []string{ownerKey(agentID), dataKey(agentID)}, s.node).Result()
	if err != nil {
		return fmt.Errorf("lease: delete state %s: %w", agentID, err)
	}
	reply, err := scriptReply(res)
	if err != nil {
		return err
	}
	if reply.status == 0 {
		return &ConflictError{AgentID: agentID, Owner: reply.owner}
	}
	return nil
}

// Close releases the underlying client.
func (s *scriptStore) Close() error {
	return s.client.Close()
}

type parsedReply struct {
	status int64
	key    string
	owner  string
	data   string
}

// scriptReply unpacks the {status, ...} tables the scripts return.
func scriptReply(res interface{}) (parsedReply, error) {
	items, ok := res.([]interface{})
	if !ok || len(items) == 0 {
		return parsedReply{}, fmt.Errorf("lease: unexpected script reply %T", res)
	}
	status, ok := items[0].(int64)
	if !ok {
		return parsedReply{}, fmt.Errorf("lease: unexpected script status %T", items[0])
	}
	reply := parsedReply{status: status}
	switch status {
	case 0:
		if len(items) == 2 {
			reply.owner, _ = items[1].(string)
		}
		if len(items) >= 3 {
			reply.key, _ = items[1].(string)
			reply.owner, _ = items[2].(string)
		}
	case 1:
		if len(items) >= 2 {
			reply.data, _ = items[1].(string)
		}
	}
	return reply, nil
}
