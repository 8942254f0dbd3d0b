package herd

import (
	"context"
	"time"

	"herd-backend/internal/config"
	"herd-backend/internal/prompt"

	"gorm.io/gorm"
)

// Orchestrator owns the queue, registry, pool, and dispatcher for one
// logical coordinator. All mutable orchestration state lives here so
// multiple independent instances can coexist in one process.
type Orchestrator struct {
	Directory  *config.Directory
	Queue      *TaskQueue
	Registry   *Registry
	Pool       *Pool
	Dispatcher *Dispatcher
}

type Options struct {
	DispatchTimeout time.Duration
	ClientFactory   ClientFactory
}

func NewOrchestrator(db *gorm.DB, directory *config.Directory, opts Options) *Orchestrator {
	queue := NewTaskQueue()
	registry := NewRegistry(directory, db, opts.ClientFactory)
	pool := NewPool(queue, registry)
	renderer := prompt.NewRenderer(directory)
	dispatcher := NewDispatcher(queue, registry, renderer, db, opts.DispatchTimeout)

	return &Orchestrator{
		Directory:  directory,
		Queue:      queue,
		Registry:   registry,
		Pool:       pool,
		Dispatcher: dispatcher,
	}
}

// Start performs the initial refresh and brings up one worker per eligible
// node. The context becomes the base context for all worker claim loops, so
// it must live as long as the orchestrator itself.
func (o *Orchestrator) Start(ctx context.Context) {
	o.Pool.Bind(ctx)
	o.Registry.Refresh(ctx)
	o.Pool.StartAll()
}

// OnDirectoryReload re-derives node skills and rebuilds workers after the
// prompt or node configuration changed underneath us. Workers whose skill
// set is unchanged keep running.
func (o *Orchestrator) OnDirectoryReload(ctx context.Context) {
	o.Registry.Refresh(ctx)
	o.Pool.StartAll()
}

func (o *Orchestrator) Stop() {
	o.Pool.StopAll()
}
