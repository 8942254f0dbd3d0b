package herd

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Pool owns the workers, one per node with a non-empty skill set. Replacing
// a worker is always stop-then-start so two workers never serve the same
// node at once.
type Pool struct {
	queue    *TaskQueue
	registry *Registry

	mu          sync.Mutex
	baseCtx     context.Context
	workers     map[string]*Worker
	generations map[string]int
}

func NewPool(queue *TaskQueue, registry *Registry) *Pool {
	return &Pool{
		queue:       queue,
		registry:    registry,
		baseCtx:     context.Background(),
		workers:     make(map[string]*Worker),
		generations: make(map[string]int),
	}
}

// Bind sets the long-lived context worker claim loops run under. The
// context passed to SwitchModel bounds only the remote calls made during
// the switch; workers must outlive the request that started them.
func (p *Pool) Bind(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.baseCtx = ctx
}

// StartAll starts one worker for every node whose derived skill set is
// non-empty. Nodes with nothing to offer get no worker; a node whose skill
// set went empty since the last call has its worker stopped. A node whose
// live worker already holds the freshly derived skill set is left alone, so
// repeated calls from listings and reloads do not churn the pool.
func (p *Pool) StartAll() {
	states := p.registry.States()

	for key, state := range states {
		if len(state.Skills) == 0 {
			p.stopWorker(key)
			continue
		}
		if p.workerCurrent(key, state.Skills) {
			continue
		}
		p.replaceWorker(key, state.Skills)
	}

	// Drop workers for nodes removed from the configuration.
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, w := range p.workers {
		if _, ok := states[key]; !ok {
			w.Stop()
			delete(p.workers, key)
		}
	}
}

// SwitchModel loads a new model on the node, re-probes it, then replaces its
// worker: the old worker stops before a new one starts. If the fresh skill
// set is empty the worker is stopped and not replaced.
func (p *Pool) SwitchModel(ctx context.Context, nodeKey, modelKey string) (*NodeState, error) {
	client, err := p.registry.Client(nodeKey)
	if err != nil {
		return nil, err
	}

	if err := client.LoadModel(ctx, modelKey); err != nil {
		p.registry.MarkOffline(nodeKey)
		p.stopWorker(nodeKey)
		return nil, fmt.Errorf("error switching node %s to model %s: %w", nodeKey, modelKey, err)
	}

	state, err := p.registry.RefreshNode(ctx, nodeKey)
	if err != nil {
		return nil, err
	}

	// Stop strictly before start; a brief window with no worker is fine
	// since the node's skill set has changed anyway. Tasks claimed before
	// the switch run to completion regardless.
	p.stopWorker(nodeKey)
	if len(state.Skills) > 0 {
		p.replaceWorker(nodeKey, state.Skills)
	} else {
		slog.Info("node has no skills after model switch, leaving it without a worker",
			"node", nodeKey, "model", modelKey)
	}

	return state, nil
}

// Worker returns the live worker for a node, if any.
func (p *Pool) Worker(nodeKey string) (*Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[nodeKey]
	return w, ok
}

func (p *Pool) StopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, w := range p.workers {
		w.Stop()
		delete(p.workers, key)
	}
}

// workerCurrent reports whether the node has a live worker holding exactly
// this skill set.
func (p *Pool) workerCurrent(nodeKey string, skills []string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[nodeKey]
	if !ok {
		return false
	}
	select {
	case <-w.Done():
		return false
	default:
	}
	if len(skills) != len(w.skills) {
		return false
	}
	for _, s := range skills {
		if !w.HasSkill(s) {
			return false
		}
	}
	return true
}

func (p *Pool) stopWorker(nodeKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w, ok := p.workers[nodeKey]; ok {
		w.Stop()
		delete(p.workers, nodeKey)
	}
}

func (p *Pool) replaceWorker(nodeKey string, skills []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if old, ok := p.workers[nodeKey]; ok {
		old.Stop()
		delete(p.workers, nodeKey)
	}

	p.generations[nodeKey]++
	w := NewWorker(nodeKey, p.generations[nodeKey], skills)
	w.Start(p.baseCtx, p.queue)
	p.workers[nodeKey] = w

	slog.Info("started worker", "node", nodeKey, "generation", w.Generation, "skills", skills)
}
