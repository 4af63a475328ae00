package mailbox

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/roostlabs/roost/internal/observability"
)

// ErrShutdown rejects input for an agent that has been shut down.
var ErrShutdown = errors.New("mailbox: agent is shut down")

// Task is one message transaction to be executed under the agent's queue.
type Task func(ctx context.Context) (interface{}, error)

type outcome struct {
	value interface{}
	err   error
}

type record struct {
	task   Task
	ctx    context.Context
	result chan outcome
}

// queueState serializes one agent's input: at most one task in flight, the
// rest strictly FIFO behind it.
type queueState struct {
	mu       sync.Mutex
	queue    []*record
	running  bool
	shutdown bool
}

// Mailbox provides one serialized input queue per agent id. A new message
// for an agent cannot begin until the previous message's full transaction
// has reached a terminal phase.
type Mailbox struct {
	mu     sync.RWMutex
	queues map[string]*queueState
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an empty Mailbox.
func New() *Mailbox {
	observability.EnsureRegistered()
	ctx, cancel := context.WithCancel(context.Background())
	return &Mailbox{
		queues: make(map[string]*queueState),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (m *Mailbox) state(agentID string) *queueState {
	m.mu.RLock()
	qs, ok := m.queues[agentID]
	m.mu.RUnlock()
	if ok {
		return qs
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if qs, ok = m.queues[agentID]; ok {
		return qs
	}
	qs = &queueState{}
	m.queues[agentID] = qs
	return qs
}

// Enqueue submits a task for the agent and blocks until its result. It fails
// immediately with ErrShutdown if the agent has been shut down.
func (m *Mailbox) Enqueue(ctx context.Context, agentID string, task Task) (interface{}, error) {
	qs := m.state(agentID)

	qs.mu.Lock()
	if qs.shutdown {
		qs.mu.Unlock()
		observability.RecordRejected()
		return nil, ErrShutdown
	}
	rec := &record{
		task:   task,
		ctx:    ctx,
		result: make(chan outcome, 1),
	}
	qs.queue = append(qs.queue, rec)
	depth := len(qs.queue)
	start := !qs.running
	if start {
		qs.running = true
	}
	qs.mu.Unlock()

	observability.RecordEnqueue()
	log.Debug().Str("agentId", agentID).Int("depth", depth).Msg("Message enqueued")

	if start {
		m.wg.Add(1)
		go m.run(agentID, qs)
	}

	res := <-rec.result
	return res.value, res.err
}

// run drains the agent's queue one task at a time.
func (m *Mailbox) run(agentID string, qs *queueState) {
	defer m.wg.Done()
	for {
		qs.mu.Lock()
		if len(qs.queue) == 0 {
			qs.running = false
			qs.mu.Unlock()
			return
		}
		rec := qs.queue[0]
		qs.queue = qs.queue[1:]
		qs.mu.Unlock()

		observability.RecordTaskStarted()
		value, err := m.execute(rec)
		observability.RecordTaskFinished()
		rec.result <- outcome{value: value, err: err}
	}
}

func (m *Mailbox) execute(rec *record) (interface{}, error) {
	taskCtx := rec.ctx
	if taskCtx == nil {
		taskCtx = context.Background()
	}
	runCtx, cancel := context.WithCancel(taskCtx)
	stop := context.AfterFunc(m.ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()
	return rec.task(runCtx)
}

// Shutdown marks the agent's queue closed and rejects everything queued
// behind the task currently in flight.
func (m *Mailbox) Shutdown(agentID string) {
	qs := m.state(agentID)

	qs.mu.Lock()
	qs.shutdown = true
	drained := qs.queue
	qs.queue = nil
	qs.mu.Unlock()

	for _, rec := range drained {
		rec.result <- outcome{err: ErrShutdown}
	}
	if len(drained) > 0 {
		observability.RecordDrained(len(drained))
		log.Info().Str("agentId", agentID).Int("drained", len(drained)).Msg("Mailbox shut down, queued messages rejected")
	}
}

// Remove forgets the agent's queue entirely. A destroyed agent id that is
// recreated later starts with a fresh, open mailbox.
func (m *Mailbox) Remove(agentID string) {
	m.Shutdown(agentID)
	m.mu.Lock()
	delete(m.queues, agentID)
	m.mu.Unlock()
}

// Depth returns the number of queued (not yet started) tasks for an agent.
func (m *Mailbox) Depth(agentID string) int {
	m.mu.RLock()
	qs, ok := m.queues[agentID]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	qs.mu.Lock()
	defer qs.mu.Unlock()
	return len(qs.queue)
}

// Close rejects all queued tasks and waits for in-flight ones.
func (m *Mailbox) Close() error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.queues))
	for id := range m.queues {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.Shutdown(id)
	}
	m.cancel()
	m.wg.Wait()
	return nil
}
