package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	backend "herd-backend/internal/api"
	"herd-backend/internal/auth"
	"herd-backend/internal/config"
	"herd-backend/internal/database"
	"herd-backend/internal/herd"
	"herd-backend/internal/nodes"
	"herd-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
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

type stubClient struct {
	loadedModel string
	models      []string
	unreachable bool
}

func (c *stubClient) Models(ctx context.Context) (*nodes.ModelsResponse, error) {
	if c.unreachable {
		return nil, errors.New("connection refused")
	}
	opts := make([]nodes.ModelOption, 0, len(c.models))
	for _, m := range c.models {
		opts = append(opts, nodes.ModelOption{Option: m, Selected: m == c.loadedModel})
	}
	return &nodes.ModelsResponse{Models: opts, LoadedModel: c.loadedModel}, nil
}

func (c *stubClient) LoadModel(ctx context.Context, modelKey string) error {
	if c.unreachable {
		return errors.New("connection refused")
	}
	c.loadedModel = modelKey
	return nil
}

func (c *stubClient) Infer(ctx context.Context, req nodes.InferRequest) (*nodes.InferResponse, error) {
	return &nodes.InferResponse{
		Response:       "echo: " + req.InferInput,
		InputTokens:    4,
		OutputTokens:   8,
		ElapsedSeconds: 0.2,
		ModelName:      c.loadedModel,
	}, nil
}

func testSnapshot() *config.Snapshot {
	return &config.Snapshot{
		Nodes: map[string]config.Node{
			"gpu-1": {BaseURL: "gpu-1", Type: config.NodeTypeLlama},
		},
		Roles: map[string]config.Role{
			"analyst": {
				AllowPaths: []string{
					"/api/v1/infer", "/api/v1/history", "/api/v1/prompts",
					"/api/v1/allowed_tabs", "/api/v1/score", "/api/v1/feedback",
				},
				AllowPrompts: []string{"summarize"},
				AllowTabs:    []string{"Infer", "History"},
				Limit: []config.Quota{
					{Type: config.QuotaRequests, IntervalHours: 24, Limit: 5},
				},
			},
			"admin": {
				AllowPaths: []string{
					"/api/v1/infer", "/api/v1/llamas", "/api/v1/switch_model",
					"/api/v1/stats/nodes", "/api/v1/history",
				},
				AllowPrompts: []string{"summarize", "translate"},
				AllowTabs:    []string{"Infer", "Nodes", "History"},
			},
		},
		Users: map[string]config.User{
			"alice": {Name: "Alice", Role: "analyst", Token: "token-alice"},
			"admin": {Name: "Root", Role: "admin", Token: "token-admin"},
		},
		Prompts: map[string]config.Prompt{
			"summarize": {Template: "Summarize: {{.text}}", Version: "1", TargetModels: []string{"model-x"}},
			"translate": {Template: "Translate: {{.text}}", Version: "1", TargetModels: []string{"model-y"}},
		},
	}
}

func newTestServer(t *testing.T, db *gorm.DB, client *stubClient) (*chi.Mux, *herd.Orchestrator) {
	t.Helper()

	directory := config.NewStaticDirectory(testSnapshot())
	orchestrator := herd.NewOrchestrator(db, directory, herd.Options{
		DispatchTimeout: 2 * time.Second,
		ClientFactory:   func(cfg config.Node) nodes.Client { return client },
	})
	orchestrator.Start(context.Background())
	t.Cleanup(orchestrator.Stop)

	service := backend.NewBackendService(orchestrator, auth.NewGate(directory, db))

	router := chi.NewRouter()
	router.Route("/api/v1", service.AddRoutes)
	return router, orchestrator
}

func doRequest(t *testing.T, router http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewBuffer(data)
	} else {
		reader = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsUnauthenticated(t *testing.T) {
	router, _ := newTestServer(t, createDB(t), &stubClient{models: []string{"model-x"}, loadedModel: "model-x"})

	rec := doRequest(t, router, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownTokenRejected(t *testing.T) {
	router, _ := newTestServer(t, createDB(t), &stubClient{models: []string{"model-x"}, loadedModel: "model-x"})

	rec := doRequest(t, router, http.MethodGet, "/api/v1/history", "token-nobody", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/api/v1/history", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPathOutsideRoleRejected(t *testing.T) {
	router, _ := newTestServer(t, createDB(t), &stubClient{models: []string{"model-x"}, loadedModel: "model-x"})

	rec := doRequest(t, router, http.MethodPost, "/api/v1/switch_model", "token-alice",
		api.SwitchModelRequest{NodeKey: "gpu-1", ModelKey: "model-y"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestInferRoundTrip(t *testing.T) {
	db := createDB(t)
	router, _ := newTestServer(t, db, &stubClient{models: []string{"model-x"}, loadedModel: "model-x"})

	rec := doRequest(t, router, http.MethodPost, "/api/v1/infer", "token-alice",
		api.InferRequest{PromptKey: "summarize", Text: "a long story", SessionId: "s1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var response api.InferResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "gpu-1", response.NodeKey)
	assert.Equal(t, "echo: Summarize: a long story", response.Response)
	assert.Equal(t, "model-x", response.ModelName)
	assert.NotEqual(t, uuid.Nil, response.InferenceId)

	record, err := database.GetInference(context.Background(), db, response.InferenceId)
	require.NoError(t, err)
	assert.Equal(t, "alice", record.UserKey)
	assert.Equal(t, "s1", record.SessionId)
}

func TestInferPromptOutsideRoleRejected(t *testing.T) {
	router, _ := newTestServer(t, createDB(t), &stubClient{models: []string{"model-x"}, loadedModel: "model-x"})

	rec := doRequest(t, router, http.MethodPost, "/api/v1/infer", "token-alice",
		api.InferRequest{PromptKey: "translate", Text: "hello"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "translate")
}

func TestInferQuotaExceeded(t *testing.T) {
	rows := make([]any, 0, 5)
	for i := 0; i < 5; i++ {
		rows = append(rows, &database.Inference{
			Id: uuid.New(), UserKey: "alice", CreatedTs: time.Now().UTC().Add(-time.Minute),
		})
	}
	db := createDB(t, rows...)
	router, _ := newTestServer(t, db, &stubClient{models: []string{"model-x"}, loadedModel: "model-x"})

	rec := doRequest(t, router, http.MethodPost, "/api/v1/infer", "token-alice",
		api.InferRequest{PromptKey: "summarize", Text: "hello"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "5 >= 5")
}

func TestInferNoCapacity(t *testing.T) {
	db := createDB(t)
	directory := config.NewStaticDirectory(testSnapshot())
	orchestrator := herd.NewOrchestrator(db, directory, herd.Options{
		DispatchTimeout: 50 * time.Millisecond,
		ClientFactory: func(cfg config.Node) nodes.Client {
			return &stubClient{unreachable: true}
		},
	})
	orchestrator.Start(context.Background())
	t.Cleanup(orchestrator.Stop)

	service := backend.NewBackendService(orchestrator, auth.NewGate(directory, db))
	router := chi.NewRouter()
	router.Route("/api/v1", service.AddRoutes)

	rec := doRequest(t, router, http.MethodPost, "/api/v1/infer", "token-alice",
		api.InferRequest{PromptKey: "summarize", Text: "hello"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	records, err := database.ListInference(context.Background(), db, 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestScoreAndFeedback(t *testing.T) {
	db := createDB(t)
	router, _ := newTestServer(t, db, &stubClient{models: []string{"model-x"}, loadedModel: "model-x"})

	rec := doRequest(t, router, http.MethodPost, "/api/v1/infer", "token-alice",
		api.InferRequest{PromptKey: "summarize", Text: "rate me"})
	require.Equal(t, http.StatusOK, rec.Code)

	var response api.InferResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))

	rec = doRequest(t, router, http.MethodPost, "/api/v1/score", "token-alice",
		api.ScoreRequest{InferenceId: response.InferenceId, Score: 4})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/api/v1/feedback", "token-alice",
		api.FeedbackRequest{InferenceId: response.InferenceId, Feedback: "pretty good"})
	assert.Equal(t, http.StatusOK, rec.Code)

	record, err := database.GetInference(context.Background(), db, response.InferenceId)
	require.NoError(t, err)
	assert.Equal(t, int32(4), record.Score.Int32)
	assert.Equal(t, "pretty good", record.Feedback.String)
}

func TestScoreValidation(t *testing.T) {
	router, _ := newTestServer(t, createDB(t), &stubClient{models: []string{"model-x"}, loadedModel: "model-x"})

	rec := doRequest(t, router, http.MethodPost, "/api/v1/score", "token-alice",
		api.ScoreRequest{InferenceId: uuid.New(), Score: 9})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/api/v1/score", "token-alice",
		api.ScoreRequest{InferenceId: uuid.New(), Score: 3})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistoryWithQueryFilter(t *testing.T) {
	db := createDB(t,
		&database.Inference{Id: uuid.New(), UserKey: "alice", NodeKey: "gpu-1", PromptKey: "summarize", Response: "about foxes", CreatedTs: time.Now().UTC()},
		&database.Inference{Id: uuid.New(), UserKey: "admin", NodeKey: "gpu-1", PromptKey: "translate", Response: "about wolves", CreatedTs: time.Now().UTC()},
	)
	router, _ := newTestServer(t, db, &stubClient{models: []string{"model-x"}, loadedModel: "model-x"})

	rec := doRequest(t, router, http.MethodGet, `/api/v1/history?query=`+
		`user+%3D+%22alice%22`, "token-alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var response api.HistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	require.Len(t, response.Records, 1)
	assert.Equal(t, "alice", response.Records[0].UserKey)

	rec = doRequest(t, router, http.MethodGet, "/api/v1/history?query=user+~+nope", "token-alice", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAllowedTabs(t *testing.T) {
	router, _ := newTestServer(t, createDB(t), &stubClient{models: []string{"model-x"}, loadedModel: "model-x"})

	rec := doRequest(t, router, http.MethodGet, "/api/v1/allowed_tabs", "token-alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var response api.AllowedTabsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, []string{"Infer", "History"}, response.Tabs)
}

func TestListNodes(t *testing.T) {
	router, _ := newTestServer(t, createDB(t), &stubClient{models: []string{"model-x", "model-y"}, loadedModel: "model-x"})

	rec := doRequest(t, router, http.MethodGet, "/api/v1/llamas", "token-admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var response []api.NodeReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	require.Len(t, response, 1)
	assert.Equal(t, "gpu-1", response[0].Key)
	assert.Equal(t, "online", response[0].Status)
	assert.Equal(t, "model-x", response[0].LoadedModel)
	assert.Equal(t, []string{"summarize"}, response[0].Skills)
	assert.Len(t, response[0].Models, 2)
}

func TestListPrompts(t *testing.T) {
	router, _ := newTestServer(t, createDB(t), &stubClient{models: []string{"model-x"}, loadedModel: "model-x"})

	rec := doRequest(t, router, http.MethodGet, "/api/v1/prompts", "token-alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var response []api.PromptInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))

	// The analyst role only sees summarize; translate is filtered out.
	require.Len(t, response, 1)
	assert.Equal(t, "summarize", response[0].Key)
	assert.True(t, response[0].Available)
	assert.Equal(t, []string{"gpu-1"}, response[0].MappedNodes)
}

func TestSwitchModel(t *testing.T) {
	client := &stubClient{models: []string{"model-x", "model-y"}, loadedModel: "model-x"}
	router, orchestrator := newTestServer(t, createDB(t), client)

	rec := doRequest(t, router, http.MethodPost, "/api/v1/switch_model", "token-admin",
		api.SwitchModelRequest{NodeKey: "gpu-1", ModelKey: "model-y"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var response api.SwitchModelResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "model-y", response.LoadedModel)
	assert.Equal(t, []string{"translate"}, response.Skills)

	state, ok := orchestrator.Registry.State("gpu-1")
	require.True(t, ok)
	assert.Equal(t, "model-y", state.LoadedModel)
}

func TestSwitchModelSurvivesRequestCancellation(t *testing.T) {
	client := &stubClient{models: []string{"model-x", "model-y"}, loadedModel: "model-x"}
	router, orchestrator := newTestServer(t, createDB(t), client)

	body, err := json.Marshal(api.SwitchModelRequest{NodeKey: "gpu-1", ModelKey: "model-y"})
	require.NoError(t, err)

	reqCtx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/switch_model", bytes.NewBuffer(body)).WithContext(reqCtx)
	req.Header.Set("Authorization", "Bearer token-admin")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// net/http cancels the request context as soon as the handler
	// returns; the replacement worker must not go down with it.
	cancel()

	worker, ok := orchestrator.Pool.Worker("gpu-1")
	require.True(t, ok)
	select {
	case <-worker.Done():
		t.Fatal("worker exited after the request context was cancelled")
	case <-time.After(50 * time.Millisecond):
	}

	infer := doRequest(t, router, http.MethodPost, "/api/v1/infer", "token-admin",
		api.InferRequest{PromptKey: "translate", Text: "hola"})
	assert.Equal(t, http.StatusOK, infer.Code, infer.Body.String())
}

func TestNodeStats(t *testing.T) {
	db := createDB(t,
		&database.Inference{Id: uuid.New(), NodeKey: "gpu-1", InputTokens: 10, OutputTokens: 10, ElapsedSeconds: 5, CreatedTs: time.Now().UTC().Add(-time.Hour)},
	)
	router, _ := newTestServer(t, db, &stubClient{models: []string{"model-x"}, loadedModel: "model-x"})

	rec := doRequest(t, router, http.MethodGet, "/api/v1/stats/nodes?hours=12", "token-admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var response api.NodeStatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, 12, response.WindowHours)
	require.Contains(t, response.Nodes, "gpu-1")
	assert.Equal(t, int64(1), response.Nodes["gpu-1"].RequestCount)
}
