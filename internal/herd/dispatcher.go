package herd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"herd-backend/internal/database"
	"herd-backend/internal/metrics"
	"herd-backend/internal/nodes"
	"herd-backend/internal/prompt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrCapacityExhausted is returned when no eligible worker claimed and
// completed the task inside the dispatch window. No history record is
// written for such requests.
var ErrCapacityExhausted = errors.New("no backend available to serve the request")

const DefaultDispatchTimeout = 30 * time.Second

// maskedContent replaces raw/rendered text and responses in history records
// for users who opted out of content logging.
const maskedContent = "[redacted]"

// InferInput is one authorized inference request, pre-resolved by the gate:
// AllowedNodes is the caller's role restriction, already intersected with
// nothing else (an empty list means any node).
type InferInput struct {
	UserKey       string
	RawInput      string
	PromptKey     string
	SessionId     string
	Vars          map[string]string
	ParamOverride map[string]any
	AllowedNodes  []string
	MaskContent   bool
}

type InferOutcome struct {
	InferenceId    uuid.UUID
	NodeKey        string
	Response       string
	ModelName      string
	InputTokens    int
	OutputTokens   int
	ElapsedSeconds float64
}

// Dispatcher renders a request, enqueues it with its skill and eligibility
// constraints, waits for a result, and writes the history record.
type Dispatcher struct {
	queue    *TaskQueue
	registry *Registry
	renderer *prompt.Renderer
	db       *gorm.DB
	timeout  time.Duration
}

func NewDispatcher(queue *TaskQueue, registry *Registry, renderer *prompt.Renderer, db *gorm.DB, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}
	return &Dispatcher{queue: queue, registry: registry, renderer: renderer, db: db, timeout: timeout}
}

// DB exposes the history store for the read-side endpoints.
func (d *Dispatcher) DB() *gorm.DB {
	return d.db
}

func (d *Dispatcher) Infer(ctx context.Context, in InferInput) (*InferOutcome, error) {
	rendered, err := d.renderer.Render(in.PromptKey, in.RawInput, in.Vars)
	if err != nil {
		return nil, err
	}

	param := rendered.Param
	if len(in.ParamOverride) > 0 {
		merged := make(map[string]any, len(param)+len(in.ParamOverride))
		for k, v := range param {
			merged[k] = v
		}
		for k, v := range in.ParamOverride {
			merged[k] = v
		}
		param = merged
	}

	payload := func(ctx context.Context, nodeKey string) (*TaskResult, error) {
		client, err := d.registry.Client(nodeKey)
		if err != nil {
			return nil, err
		}

		res, err := client.Infer(ctx, nodes.InferRequest{
			InferInput: rendered.Text,
			RawInput:   in.RawInput,
			PromptKey:  in.PromptKey,
			SessionId:  in.SessionId,
			Param:      param,
		})
		if err != nil {
			return nil, fmt.Errorf("inference on node %s failed: %w", nodeKey, err)
		}
		return &TaskResult{NodeKey: nodeKey, Infer: res}, nil
	}

	start := time.Now()
	taskId := d.queue.Enqueue(payload, in.PromptKey, in.AllowedNodes)

	result, err := d.queue.AwaitResult(ctx, taskId, d.timeout)
	if err != nil {
		if errors.Is(err, ErrDispatchTimeout) {
			// Treated as never having happened for audit purposes.
			metrics.TasksTimedOut.WithLabelValues(in.PromptKey).Inc()
			slog.Warn("dispatch timed out", "prompt", in.PromptKey, "user", in.UserKey, "timeout", d.timeout)
			return nil, ErrCapacityExhausted
		}
		return nil, err
	}

	rec := &database.Inference{
		NodeKey:        result.NodeKey,
		PromptKey:      in.PromptKey,
		PromptVersion:  rendered.Version,
		UserKey:        in.UserKey,
		SessionId:      in.SessionId,
		RawInput:       in.RawInput,
		InferInput:     rendered.Text,
		Response:       result.Infer.Response,
		InputTokens:    result.Infer.InputTokens,
		OutputTokens:   result.Infer.OutputTokens,
		ElapsedSeconds: result.Infer.ElapsedSeconds,
		Score:          sql.NullInt32{},
	}
	if in.MaskContent {
		rec.RawInput = maskedContent
		rec.InferInput = maskedContent
		rec.Response = maskedContent
	}

	recordId, err := database.CreateInference(ctx, d.db, rec)
	if err != nil {
		return nil, err
	}

	metrics.InferenceLatency.WithLabelValues(result.NodeKey, in.PromptKey).Observe(time.Since(start).Seconds())
	metrics.InferenceTokens.WithLabelValues(result.NodeKey, "input").Add(float64(result.Infer.InputTokens))
	metrics.InferenceTokens.WithLabelValues(result.NodeKey, "output").Add(float64(result.Infer.OutputTokens))

	return &InferOutcome{
		InferenceId:    recordId,
		NodeKey:        result.NodeKey,
		Response:       result.Infer.Response,
		ModelName:      result.Infer.ModelName,
		InputTokens:    result.Infer.InputTokens,
		OutputTokens:   result.Infer.OutputTokens,
		ElapsedSeconds: result.Infer.ElapsedSeconds,
	}, nil
}
