package herd_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"herd-backend/internal/config"
	"herd-backend/internal/database"
	"herd-backend/internal/herd"
	"herd-backend/internal/nodes"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func createDB(t *testing.T, create ...any) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, database.GetMigrator(db).Migrate())

	for _, c := range create {
		require.NoError(t, db.Create(c).Error)
	}

	return db
}

// fakeClient stands in for a remote node. Every node config's BaseURL doubles
// as the lookup key so one factory can serve a whole test cluster.
type fakeClient struct {
	mu sync.Mutex

	models      []string
	loadedModel string

	unreachable bool
	failLoad    bool

	inferFn func(req nodes.InferRequest) (*nodes.InferResponse, error)
}

func (c *fakeClient) Models(ctx context.Context) (*nodes.ModelsResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.unreachable {
		return nil, errors.New("connection refused")
	}

	opts := make([]nodes.ModelOption, 0, len(c.models))
	for _, m := range c.models {
		opts = append(opts, nodes.ModelOption{Option: m, Selected: m == c.loadedModel})
	}
	return &nodes.ModelsResponse{Models: opts, LoadedModel: c.loadedModel}, nil
}

func (c *fakeClient) LoadModel(ctx context.Context, modelKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.unreachable || c.failLoad {
		return errors.New("load failed")
	}
	c.loadedModel = modelKey
	return nil
}

func (c *fakeClient) Infer(ctx context.Context, req nodes.InferRequest) (*nodes.InferResponse, error) {
	c.mu.Lock()
	fn := c.inferFn
	c.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	return &nodes.InferResponse{
		Response:       "echo: " + req.InferInput,
		InputTokens:    3,
		OutputTokens:   5,
		ElapsedSeconds: 0.1,
		ModelName:      c.loadedModel,
	}, nil
}

type fakeCluster struct {
	clients map[string]*fakeClient
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{clients: make(map[string]*fakeClient)}
}

func (f *fakeCluster) add(key string, client *fakeClient) {
	f.clients[key] = client
}

func (f *fakeCluster) factory(cfg config.Node) nodes.Client {
	if client, ok := f.clients[cfg.BaseURL]; ok {
		return client
	}
	return &fakeClient{unreachable: true}
}

func testSnapshot(nodeKeys []string, prompts map[string]config.Prompt) *config.Snapshot {
	nodeCfgs := make(map[string]config.Node, len(nodeKeys))
	for _, key := range nodeKeys {
		nodeCfgs[key] = config.Node{BaseURL: key, Type: config.NodeTypeLlama}
	}
	return &config.Snapshot{
		Nodes:   nodeCfgs,
		Roles:   map[string]config.Role{},
		Users:   map[string]config.User{},
		Prompts: prompts,
	}
}

func newTestOrchestrator(t *testing.T, cluster *fakeCluster, snap *config.Snapshot, opts herd.Options) *herd.Orchestrator {
	t.Helper()

	db := createDB(t)
	directory := config.NewStaticDirectory(snap)
	opts.ClientFactory = cluster.factory

	orchestrator := herd.NewOrchestrator(db, directory, opts)
	t.Cleanup(orchestrator.Stop)
	return orchestrator
}
