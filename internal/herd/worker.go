package herd

import (
	"context"
	"time"

	"herd-backend/internal/metrics"
)

// Another worker's miss rotates the head to the tail without a wakeup, so a
// sleeping worker may have servable work sitting behind entries it already
// declined. The periodic re-probe bounds how long such work waits; enqueues
// still wake workers immediately.
const reprobeInterval = 250 * time.Millisecond

// Worker is the claim loop bound to one node. Its skill set is a snapshot
// taken at construction and never mutated; a skill change on the node means
// replacing the worker, not updating it.
type Worker struct {
	NodeKey    string
	Generation int

	skills map[string]struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWorker(nodeKey string, generation int, skills []string) *Worker {
	set := make(map[string]struct{}, len(skills))
	for _, s := range skills {
		set[s] = struct{}{}
	}
	return &Worker{
		NodeKey:    nodeKey,
		Generation: generation,
		skills:     set,
		done:       make(chan struct{}),
	}
}

func (w *Worker) Skills() []string {
	out := make([]string, 0, len(w.skills))
	for s := range w.skills {
		out = append(out, s)
	}
	return out
}

func (w *Worker) HasSkill(skill string) bool {
	_, ok := w.skills[skill]
	return ok
}

func (w *Worker) Start(ctx context.Context, queue *TaskQueue) {
	ctx, w.cancel = context.WithCancel(ctx)
	metrics.WorkersActive.Inc()
	go w.run(ctx, queue)
}

func (w *Worker) run(ctx context.Context, queue *TaskQueue) {
	defer close(w.done)
	defer metrics.WorkersActive.Dec()

	for {
		if ctx.Err() != nil {
			return
		}

		wake := queue.NewWork()

		id, payload, ok := queue.TryClaim(w.skills, w.NodeKey)
		if !ok {
			timer := time.NewTimer(reprobeInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-wake:
				timer.Stop()
			case <-timer.C:
			}
			continue
		}

		// The payload runs detached from the worker's own cancellation:
		// Stop does not preempt a call already in flight, so the call may
		// finish and post its result after the worker is nominally stopped.
		// The queue drops such results if the waiter is gone.
		result, err := payload(context.WithoutCancel(ctx), w.NodeKey)
		queue.Complete(id, result, err)
	}
}

// Stop requests cooperative cancellation. It takes effect at the worker's
// next suspension point and does not wait for an in-flight task to finish.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
}

// Done is closed once the claim loop has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}
