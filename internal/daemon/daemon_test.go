package daemon

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roostlabs/roost/internal/config"
	"github.com/roostlabs/roost/pkg/document"
	"github.com/roostlabs/roost/pkg/envelope"
)

func testConfig(mr *miniredis.Miniredis) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Node.ID = "node-test"
	cfg.Redis.Addr = mr.Addr()
	cfg.Logging.Level = "error"
	cfg.Logging.Console = false
	cfg.Logging.Pretty = false
	// Direct checkpoint writes keep the tests deterministic.
	cfg.Coalescing.MaxPendingUpdates = 1
	return cfg
}

func newTestDaemon(t *testing.T, cfg *config.Config) *Daemon {
	t.Helper()
	d, err := New(cfg, nil, document.Factory)
	require.NoError(t, err)
	t.Cleanup(func() { d.Stop(context.Background()) })
	return d
}

func decodeReply(t *testing.T, raw []byte) *envelope.Message {
	t.Helper()
	require.NotNil(t, raw)
	var msg envelope.Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	return &msg
}

func TestNewValidatesConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Addr = ""
	_, err := New(cfg, nil, document.Factory)
	require.Error(t, err)
}

func TestDeliverEndToEnd(t *testing.T) {
	mr := miniredis.RunT(t)
	d := newTestDaemon(t, testConfig(mr))
	ctx := context.Background()

	raw := d.Deliver(ctx, []byte(`{"to":"agent-1","from":"caller","method":"document.set","params":{"key":"color","value":"teal"},"id":"r1"}`))
	reply := decodeReply(t, raw)
	require.Nil(t, reply.Error)
	assert.Equal(t, "caller", reply.To)
	assert.Equal(t, "agent-1", reply.From)
	assert.Equal(t, "r1", reply.ID)

	raw = d.Deliver(ctx, []byte(`{"to":"agent-1","from":"caller","method":"document.get","params":{"key":"color"},"id":"r2"}`))
	reply = decodeReply(t, raw)
	require.Nil(t, reply.Error)
	assert.Equal(t, json.RawMessage(`"teal"`), reply.Result.Data)

	// The committed snapshot is durable under the data key.
	assert.True(t, mr.Exists("data:agent-1"))
	owner, err := mr.Get("agent-1")
	require.NoError(t, err)
	assert.Equal(t, "node-test", owner)
}

func TestDeliverNotification(t *testing.T) {
	mr := miniredis.RunT(t)
	d := newTestDaemon(t, testConfig(mr))
	ctx := context.Background()

	// A committed notification produces no reply frame.
	raw := d.Deliver(ctx, []byte(`{"to":"agent-1","method":"document.set","params":{"key":"k","value":1}}`))
	assert.Nil(t, raw)

	// A failed notification still surfaces its error.
	raw = d.Deliver(ctx, []byte(`{"to":"agent-1","method":"document.nope"}`))
	reply := decodeReply(t, raw)
	require.NotNil(t, reply.Error)
	assert.Equal(t, envelope.CodeMethodNotFound, reply.Error.Code)
}

func TestDeliverMalformedFrames(t *testing.T) {
	mr := miniredis.RunT(t)
	d := newTestDaemon(t, testConfig(mr))
	ctx := context.Background()

	reply := decodeReply(t, d.Deliver(ctx, []byte(`{broken`)))
	require.NotNil(t, reply.Error)
	assert.Equal(t, envelope.CodeParseError, reply.Error.Code)

	reply = decodeReply(t, d.Deliver(ctx, []byte(`{"to":"agent-1"}`)))
	require.NotNil(t, reply.Error)
	assert.Equal(t, envelope.CodeInvalidRequest, reply.Error.Code)
}

func TestDeliverAuthToken(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(mr)
	cfg.Auth.Token = "secret"
	d := newTestDaemon(t, cfg)
	ctx := context.Background()

	reply := decodeReply(t, d.Deliver(ctx, []byte(`{"to":"agent-1","method":"document.keys","id":"r1"}`)))
	require.NotNil(t, reply.Error)
	assert.Equal(t, envelope.CodeNotAuthorized, reply.Error.Code)

	reply = decodeReply(t, d.Deliver(ctx, []byte(`{"token":"wrong","to":"agent-1","method":"document.keys","id":"r2"}`)))
	require.NotNil(t, reply.Error)
	assert.Equal(t, envelope.CodeNotAuthorized, reply.Error.Code)

	reply = decodeReply(t, d.Deliver(ctx, []byte(`{"token":"secret","to":"agent-1","method":"document.keys","id":"r3"}`)))
	assert.Nil(t, reply.Error)
}

func TestDestroyAgent(t *testing.T) {
	mr := miniredis.RunT(t)
	d := newTestDaemon(t, testConfig(mr))
	ctx := context.Background()

	raw := d.Deliver(ctx, []byte(`{"to":"agent-1","from":"caller","method":"document.set","params":{"key":"k","value":1},"id":"r1"}`))
	require.Nil(t, decodeReply(t, raw).Error)
	require.True(t, mr.Exists("data:agent-1"))

	require.NoError(t, d.DestroyAgent(ctx, "agent-1"))
	assert.False(t, mr.Exists("data:agent-1"))
	assert.False(t, mr.Exists("agent-1"))
	assert.Equal(t, 0, d.Registry().Len())

	// The id comes back as a fresh agent with no memory.
	raw = d.Deliver(ctx, []byte(`{"to":"agent-1","from":"caller","method":"document.get","params":{"key":"k"},"id":"r2"}`))
	reply := decodeReply(t, raw)
	require.Nil(t, reply.Error)
	assert.NotNil(t, reply.Result.Error)
}

func TestStopIsIdempotent(t *testing.T) {
	mr := miniredis.RunT(t)
	d := newTestDaemon(t, testConfig(mr))
	ctx := context.Background()

	require.NoError(t, d.Stop(ctx))
	require.NoError(t, d.Stop(ctx))
}

func TestGeneratedNodeID(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(mr)
	cfg.Node.ID = ""
	d := newTestDaemon(t, cfg)

	assert.NotEmpty(t, d.NodeID())
	assert.Contains(t, d.NodeID(), "node-")
}
