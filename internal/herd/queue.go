// Package herd implements the orchestration core: the skill-tagged task
// queue, per-node workers, the node registry, and the dispatcher that ties
// them together.
package herd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"herd-backend/internal/metrics"
	"herd-backend/internal/nodes"

	"github.com/google/uuid"
)

// ErrDispatchTimeout is returned by AwaitResult when no worker completed the
// task inside the wait window.
var ErrDispatchTimeout = errors.New("task was not completed in time")

// TaskResult is what a worker posts back after executing a task's payload.
type TaskResult struct {
	NodeKey string
	Infer   *nodes.InferResponse
}

// TaskPayload performs the remote call once a worker hands it a node
// identity.
type TaskPayload func(ctx context.Context, nodeKey string) (*TaskResult, error)

type taskEntry struct {
	id           uuid.UUID
	payload      TaskPayload
	skill        string
	allowedNodes []string
	createdAt    time.Time
}

type taskOutcome struct {
	result *TaskResult
	err    error
}

// TaskQueue is a FIFO of skill-tagged tasks with claim/complete/await
// semantics. All operations are safe for concurrent use.
type TaskQueue struct {
	mu      sync.Mutex
	entries []taskEntry
	waiters map[uuid.UUID]chan taskOutcome
	wake    chan struct{}
}

func NewTaskQueue() *TaskQueue {
	return &TaskQueue{
		waiters: make(map[uuid.UUID]chan taskOutcome),
		wake:    make(chan struct{}),
	}
}

// Enqueue appends a task to the tail, creates its completion slot, and wakes
// every blocked worker. Each woken worker re-probes and sleeps again on a
// miss, so spurious wakeups are expected.
func (q *TaskQueue) Enqueue(payload TaskPayload, skill string, allowedNodes []string) uuid.UUID {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := uuid.New()
	q.entries = append(q.entries, taskEntry{
		id:           id,
		payload:      payload,
		skill:        skill,
		allowedNodes: allowedNodes,
		createdAt:    time.Now(),
	})
	q.waiters[id] = make(chan taskOutcome, 1)

	metrics.TasksEnqueued.WithLabelValues(skill).Inc()
	metrics.QueueDepth.Set(float64(len(q.entries)))

	close(q.wake)
	q.wake = make(chan struct{})

	return id
}

// TryClaim pops the head entry and hands it to the caller when its skill is
// in the caller's skill set and its allow-list is empty or contains the
// caller's node. A head entry this caller cannot serve goes back onto the
// tail so unrelated skills keep flowing; ordering across skills is therefore
// not strict FIFO.
func (q *TaskQueue) TryClaim(skills map[string]struct{}, nodeKey string) (uuid.UUID, TaskPayload, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return uuid.Nil, nil, false
	}

	entry := q.entries[0]
	q.entries = q.entries[1:]

	if _, ok := skills[entry.skill]; ok && nodeAllowed(entry.allowedNodes, nodeKey) {
		metrics.QueueDepth.Set(float64(len(q.entries)))
		return entry.id, entry.payload, true
	}

	// Requeue at the tail so unrelated skills keep flowing. No wakeup is
	// signalled here: a rotation adds no new work, and workers re-probe on
	// a timer to pick up entries another worker's miss moved behind the
	// head. Broadcasting instead would make every sleeping worker spin
	// whenever two unservable entries keep trading places.
	q.entries = append(q.entries, entry)
	return uuid.Nil, nil, false
}

func nodeAllowed(allowed []string, nodeKey string) bool {
	return len(allowed) == 0 || slices.Contains(allowed, nodeKey)
}

// NewWork returns the channel closed by the next Enqueue. Workers must
// capture it before probing so an enqueue landing between probe and wait is
// not missed.
func (q *TaskQueue) NewWork() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.wake
}

// Complete posts a task's outcome. A result arriving after its waiter timed
// out is discarded; this is the documented late-result race, not an error.
func (q *TaskQueue) Complete(id uuid.UUID, result *TaskResult, err error) {
	q.mu.Lock()
	waiter, ok := q.waiters[id]
	q.mu.Unlock()

	if !ok {
		slog.Warn("discarding late result, waiter already gone", "task_id", id)
		metrics.LateResultsDiscarded.Inc()
		return
	}

	waiter <- taskOutcome{result: result, err: err}
}

// AwaitResult blocks until the task completes or the timeout elapses. On
// timeout the completion slot is collected and the task, if still unclaimed,
// is removed from the queue.
func (q *TaskQueue) AwaitResult(ctx context.Context, id uuid.UUID, timeout time.Duration) (*TaskResult, error) {
	q.mu.Lock()
	waiter, ok := q.waiters[id]
	q.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no pending task %s", id)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case outcome := <-waiter:
		q.forget(id)
		return outcome.result, outcome.err
	case <-timer.C:
		q.forget(id)
		return nil, ErrDispatchTimeout
	case <-ctx.Done():
		q.forget(id)
		return nil, ctx.Err()
	}
}

// Pending reports the number of queued, unclaimed tasks.
func (q *TaskQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *TaskQueue) forget(id uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.waiters, id)
	for i, entry := range q.entries {
		if entry.id == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	metrics.QueueDepth.Set(float64(len(q.entries)))
}
