package api

import (
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sort"
	"strings"

	"herd-backend/internal/auth"
	"herd-backend/internal/database"
	"herd-backend/internal/herd"
	"herd-backend/pkg/api"

	"github.com/go-chi/chi/v5"
)

type BackendService struct {
	orchestrator *herd.Orchestrator
	gate         *auth.Gate
}

func NewBackendService(orchestrator *herd.Orchestrator, gate *auth.Gate) *BackendService {
	return &BackendService{orchestrator: orchestrator, gate: gate}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))

	r.Group(func(r chi.Router) {
		r.Use(s.AuthMiddleware)

		r.Post("/infer", RestHandler(s.Infer))
		r.Get("/llamas", RestHandler(s.ListNodes))
		r.Get("/prompts", RestHandler(s.ListPrompts))
		r.Post("/switch_model", RestHandler(s.SwitchModel))
		r.Post("/score", RestHandler(s.Score))
		r.Post("/feedback", RestHandler(s.Feedback))
		r.Get("/history", RestHandler(s.History))
		r.Get("/allowed_tabs", RestHandler(s.AllowedTabs))
		r.Get("/stats/nodes", RestHandler(s.NodeStats))
	})
}

// AuthMiddleware authenticates the bearer token and authorizes the request
// path against the caller's role before any handler runs. Quota checks are
// deferred to the handlers that consume capacity.
func (s *BackendService) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer"))

		principal, err := s.gate.Authenticate(token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				http.Error(w, err.Error(), http.StatusUnauthorized)
			} else {
				slog.Error("error authenticating request", "error", err)
				http.Error(w, "error authenticating request", http.StatusInternalServerError)
			}
			return
		}

		if err := s.gate.AuthorizePath(principal, r.URL.Path); err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

func principalFrom(r *http.Request) (*auth.Principal, error) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		return nil, CodedErrorf(http.StatusUnauthorized, "no authenticated user on request")
	}
	return p, nil
}

func (s *BackendService) Infer(r *http.Request) (any, error) {
	principal, err := principalFrom(r)
	if err != nil {
		return nil, err
	}

	req, err := ParseRequest[api.InferRequest](r)
	if err != nil {
		return nil, err
	}
	if req.PromptKey == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "prompt_key is required")
	}

	ctx := r.Context()

	if err := s.gate.Authorize(ctx, principal, r.URL.Path, req.PromptKey); err != nil {
		var denied *auth.DeniedError
		if errors.As(err, &denied) {
			return nil, CodedError(http.StatusForbidden, denied)
		}
		slog.Error("error authorizing inference", "user", principal.Key, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error authorizing request")
	}

	if _, ok := s.orchestrator.Directory.Snapshot().Prompts[req.PromptKey]; !ok {
		return nil, CodedErrorf(http.StatusBadRequest, "unknown prompt '%s'", req.PromptKey)
	}

	outcome, err := s.orchestrator.Dispatcher.Infer(ctx, herd.InferInput{
		UserKey:       principal.Key,
		RawInput:      req.Text,
		PromptKey:     req.PromptKey,
		SessionId:     req.SessionId,
		Vars:          req.Vars,
		ParamOverride: req.Param,
		AllowedNodes:  principal.Role.AllowNodes,
		MaskContent:   principal.User.OptOutLogging,
	})
	if err != nil {
		if errors.Is(err, herd.ErrCapacityExhausted) {
			return nil, CodedError(http.StatusServiceUnavailable, herd.ErrCapacityExhausted)
		}
		slog.Error("error dispatching inference", "prompt", req.PromptKey, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error running inference")
	}

	return api.InferResponse{
		InferenceId:    outcome.InferenceId,
		NodeKey:        outcome.NodeKey,
		ModelName:      outcome.ModelName,
		Response:       outcome.Response,
		InputTokens:    outcome.InputTokens,
		OutputTokens:   outcome.OutputTokens,
		ElapsedSeconds: outcome.ElapsedSeconds,
	}, nil
}

func (s *BackendService) ListNodes(r *http.Request) (any, error) {
	s.orchestrator.Registry.Refresh(r.Context())
	s.orchestrator.Pool.StartAll()

	states := s.orchestrator.Registry.States()

	reports := make([]api.NodeReport, 0, len(states))
	for _, state := range states {
		reports = append(reports, nodeReport(state))
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].Key < reports[j].Key })

	return reports, nil
}

func nodeReport(state herd.NodeState) api.NodeReport {
	report := api.NodeReport{
		Key:         state.Key,
		Status:      string(state.Status),
		LoadedModel: state.LoadedModel,
		Skills:      state.Skills,
		SystemStats: state.SystemStats,
		LastRefresh: state.LastRefresh,
	}
	for _, opt := range state.Models {
		report.Models = append(report.Models, api.ModelOption{Option: opt.Option, Selected: opt.Selected})
	}
	if state.InferStats != nil {
		usage := nodeUsage(*state.InferStats)
		report.InferStats = &usage
	}
	return report
}

func nodeUsage(u database.NodeUsage) api.NodeUsage {
	return api.NodeUsage{
		RequestCount:      u.RequestCount,
		SumInputTokens:    u.SumInputTokens,
		SumOutputTokens:   u.SumOutputTokens,
		AvgElapsedSeconds: u.AvgElapsedSeconds,
		SumElapsedSeconds: u.SumElapsedSeconds,
		PctUsedSeconds:    u.PctUsedSeconds,
	}
}

func (s *BackendService) ListPrompts(r *http.Request) (any, error) {
	principal, err := principalFrom(r)
	if err != nil {
		return nil, err
	}

	snap := s.orchestrator.Directory.Snapshot()
	states := s.orchestrator.Registry.States()

	infos := make([]api.PromptInfo, 0, len(snap.Prompts))
	for key, prompt := range snap.Prompts {
		if !slices.Contains(principal.Role.AllowPrompts, key) {
			continue
		}

		var mapped []string
		for nodeKey, state := range states {
			if state.Status != herd.StatusOnline {
				continue
			}
			if len(principal.Role.AllowNodes) > 0 && !slices.Contains(principal.Role.AllowNodes, nodeKey) {
				continue
			}
			if slices.Contains(state.Skills, key) {
				mapped = append(mapped, nodeKey)
			}
		}
		sort.Strings(mapped)

		infos = append(infos, api.PromptInfo{
			Key:          key,
			Version:      prompt.Version,
			TargetModels: prompt.TargetModels,
			Template:     prompt.Template,
			Defaults:     prompt.Defaults,
			MappedNodes:  mapped,
			Available:    len(mapped) > 0,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })

	return infos, nil
}

func (s *BackendService) SwitchModel(r *http.Request) (any, error) {
	req, err := ParseRequest[api.SwitchModelRequest](r)
	if err != nil {
		return nil, err
	}
	if req.NodeKey == "" || req.ModelKey == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "NodeKey and ModelKey are required")
	}

	state, err := s.orchestrator.Pool.SwitchModel(r.Context(), req.NodeKey, req.ModelKey)
	if err != nil {
		slog.Error("error switching model", "node", req.NodeKey, "model", req.ModelKey, "error", err)
		return nil, CodedErrorf(http.StatusBadGateway, "error switching model on node '%s': %v", req.NodeKey, err)
	}

	return api.SwitchModelResponse{
		NodeKey:     state.Key,
		LoadedModel: state.LoadedModel,
		Skills:      state.Skills,
	}, nil
}

func (s *BackendService) Score(r *http.Request) (any, error) {
	req, err := ParseRequest[api.ScoreRequest](r)
	if err != nil {
		return nil, err
	}
	if req.Score < 1 || req.Score > 5 {
		return nil, CodedErrorf(http.StatusBadRequest, "score must be between 1 and 5")
	}

	err = database.UpdateInference(r.Context(), s.orchestrator.Dispatcher.DB(), req.InferenceId, map[string]any{
		"score": sql.NullInt32{Int32: req.Score, Valid: true},
	})
	if err != nil {
		return nil, inferenceUpdateError(req.InferenceId.String(), err)
	}

	return nil, nil
}

func (s *BackendService) Feedback(r *http.Request) (any, error) {
	req, err := ParseRequest[api.FeedbackRequest](r)
	if err != nil {
		return nil, err
	}
	if req.Feedback == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "feedback must not be empty")
	}

	err = database.UpdateInference(r.Context(), s.orchestrator.Dispatcher.DB(), req.InferenceId, map[string]any{
		"feedback": sql.NullString{String: req.Feedback, Valid: true},
	})
	if err != nil {
		return nil, inferenceUpdateError(req.InferenceId.String(), err)
	}

	return nil, nil
}

func inferenceUpdateError(id string, err error) error {
	if errors.Is(err, database.ErrInferenceNotFound) {
		return CodedErrorf(http.StatusNotFound, "inference '%s' not found", id)
	}
	slog.Error("error updating inference record", "inference_id", id, "error", err)
	return CodedErrorf(http.StatusInternalServerError, "error updating inference record")
}

func (s *BackendService) History(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[api.HistoryParams](r)
	if err != nil {
		return nil, err
	}

	var filter database.Filter
	if params.Query != "" {
		filter, err = database.ParseHistoryQuery(params.Query)
		if err != nil {
			return nil, CodedErrorf(http.StatusBadRequest, "invalid history query: %v", err)
		}
	}

	records, err := database.ListInference(r.Context(), s.orchestrator.Dispatcher.DB(), params.Limit)
	if err != nil {
		slog.Error("error listing inference history", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving history")
	}

	out := make([]api.InferenceRecord, 0, len(records))
	for i := range records {
		if filter != nil && !filter.Matches(&records[i]) {
			continue
		}
		out = append(out, inferenceRecord(&records[i]))
	}

	return api.HistoryResponse{Records: out}, nil
}

func inferenceRecord(rec *database.Inference) api.InferenceRecord {
	out := api.InferenceRecord{
		Id:             rec.Id,
		NodeKey:        rec.NodeKey,
		PromptKey:      rec.PromptKey,
		PromptVersion:  rec.PromptVersion,
		UserKey:        rec.UserKey,
		SessionId:      rec.SessionId,
		RawInput:       rec.RawInput,
		InferInput:     rec.InferInput,
		Response:       rec.Response,
		InputTokens:    rec.InputTokens,
		OutputTokens:   rec.OutputTokens,
		ElapsedSeconds: rec.ElapsedSeconds,
		CreatedTs:      rec.CreatedTs,
	}
	if rec.Score.Valid {
		score := rec.Score.Int32
		out.Score = &score
	}
	if rec.Feedback.Valid {
		feedback := rec.Feedback.String
		out.Feedback = &feedback
	}
	return out
}

func (s *BackendService) AllowedTabs(r *http.Request) (any, error) {
	principal, err := principalFrom(r)
	if err != nil {
		return nil, err
	}
	tabs := principal.Role.AllowTabs
	if tabs == nil {
		tabs = []string{}
	}
	return api.AllowedTabsResponse{Tabs: tabs}, nil
}

func (s *BackendService) NodeStats(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[api.NodeStatsParams](r)
	if err != nil {
		return nil, err
	}
	if params.Hours <= 0 {
		params.Hours = 24
	}

	stats, err := database.GetNodeStats(r.Context(), s.orchestrator.Dispatcher.DB(), params.Hours)
	if err != nil {
		slog.Error("error aggregating node statistics", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error aggregating node statistics")
	}

	nodes := make(map[string]api.NodeUsage, len(stats))
	for key, usage := range stats {
		nodes[key] = nodeUsage(usage)
	}

	return api.NodeStatsResponse{WindowHours: params.Hours, Nodes: nodes}, nil
}
