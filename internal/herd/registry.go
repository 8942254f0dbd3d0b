package herd

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"herd-backend/internal/config"
	"herd-backend/internal/database"
	"herd-backend/internal/metrics"
	"herd-backend/internal/nodes"

	"gorm.io/gorm"
)

type NodeStatus string

const (
	StatusUnknown NodeStatus = "unknown"
	StatusOffline NodeStatus = "offline"
	StatusOnline  NodeStatus = "online"
)

// NodeState is the live view of one configured node. It transitions only
// through Refresh/RefreshNode (or a model switch, which refreshes), never
// ad hoc: Unknown -> Offline | Online(skills).
type NodeState struct {
	Key         string
	Status      NodeStatus
	LoadedModel string
	Models      []nodes.ModelOption
	SystemStats map[string]any
	Skills      []string
	InferStats  *database.NodeUsage
	LastRefresh time.Time
}

// ClientFactory builds the remote client for a node's configuration.
// Swappable in tests.
type ClientFactory func(cfg config.Node) nodes.Client

// Registry holds configuration and live state for every backend node.
type Registry struct {
	directory *config.Directory
	newClient ClientFactory
	db        *gorm.DB

	mu     sync.RWMutex
	states map[string]*NodeState
}

func NewRegistry(directory *config.Directory, db *gorm.DB, factory ClientFactory) *Registry {
	if factory == nil {
		factory = nodes.NewClient
	}
	return &Registry{
		directory: directory,
		newClient: factory,
		db:        db,
		states:    make(map[string]*NodeState),
	}
}

// DeriveSkills computes the prompt keys a node can serve: every prompt whose
// target-model list contains the loaded model. The skill set is always this
// pure function of (loaded model, prompt map) and is never set directly.
func DeriveSkills(loadedModel string, prompts map[string]config.Prompt) []string {
	var skills []string
	for key, p := range prompts {
		for _, target := range p.TargetModels {
			if target == loadedModel {
				skills = append(skills, key)
				break
			}
		}
	}
	sort.Strings(skills)
	return skills
}

// Refresh queries every configured node for its current model and derives
// its skill set. An unreachable node is marked offline with an empty skill
// set and never aborts the refresh of the others.
func (r *Registry) Refresh(ctx context.Context) {
	snap := r.directory.Snapshot()

	stats, err := database.GetNodeStats(ctx, r.db, 24)
	if err != nil {
		slog.Error("error loading node statistics, continuing without", "error", err)
		stats = nil
	}

	keys := make([]string, 0, len(snap.Nodes))
	for key := range snap.Nodes {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	fresh := make(map[string]*NodeState, len(keys))
	online := 0
	for _, key := range keys {
		state := r.probeNode(ctx, key, snap.Nodes[key], snap.Prompts)
		if usage, ok := stats[key]; ok {
			u := usage
			state.InferStats = &u
		}
		if state.Status == StatusOnline {
			online++
		}
		fresh[key] = state
	}

	r.mu.Lock()
	r.states = fresh
	r.mu.Unlock()

	metrics.NodesOnline.Set(float64(online))
}

// RefreshNode re-probes a single node, leaving the others untouched.
func (r *Registry) RefreshNode(ctx context.Context, key string) (*NodeState, error) {
	snap := r.directory.Snapshot()
	cfg, ok := snap.Nodes[key]
	if !ok {
		return nil, fmt.Errorf("unknown node %q", key)
	}

	state := r.probeNode(ctx, key, cfg, snap.Prompts)

	r.mu.Lock()
	if prev, ok := r.states[key]; ok && prev.InferStats != nil {
		state.InferStats = prev.InferStats
	}
	r.states[key] = state
	r.mu.Unlock()

	copy := *state
	return &copy, nil
}

func (r *Registry) probeNode(ctx context.Context, key string, cfg config.Node, prompts map[string]config.Prompt) *NodeState {
	state := &NodeState{Key: key, LastRefresh: time.Now()}

	models, err := r.newClient(cfg).Models(ctx)
	if err != nil {
		slog.Warn("node unreachable, marking offline", "node", key, "error", err)
		state.Status = StatusOffline
		state.Skills = nil
		return state
	}

	state.Status = StatusOnline
	state.Models = models.Models
	state.LoadedModel = models.LoadedModel
	state.SystemStats = models.SystemStats
	state.Skills = DeriveSkills(models.LoadedModel, prompts)
	return state
}

// MarkOffline forces a node offline with an empty skill set, used when a
// model-switch call fails before the node can be re-probed.
func (r *Registry) MarkOffline(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if state, ok := r.states[key]; ok {
		state.Status = StatusOffline
		state.Skills = nil
	} else {
		r.states[key] = &NodeState{Key: key, Status: StatusOffline, LastRefresh: time.Now()}
	}
}

// State returns a copy of one node's live state.
func (r *Registry) State(key string) (NodeState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.states[key]
	if !ok {
		return NodeState{}, false
	}
	return *state, true
}

// States returns a copy of every node's live state keyed by node.
func (r *Registry) States() map[string]NodeState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]NodeState, len(r.states))
	for key, state := range r.states {
		out[key] = *state
	}
	return out
}

// Client builds a remote client for a node from the current directory
// snapshot, so address and credential changes take effect on reload.
func (r *Registry) Client(key string) (nodes.Client, error) {
	cfg, ok := r.directory.Snapshot().Nodes[key]
	if !ok {
		return nil, fmt.Errorf("unknown node %q", key)
	}
	return r.newClient(cfg), nil
}

func (r *Registry) Directory() *config.Directory {
	return r.directory
}
