// Package nodes implements the remote contract of backend serving nodes:
// model listing, model switching, and inference.
package nodes

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"herd-backend/internal/config"

	"github.com/go-resty/resty/v2"
)

type ModelOption struct {
	Option   string `json:"option"`
	Selected bool   `json:"selected"`
}

type ModelsResponse struct {
	Models      []ModelOption  `json:"models"`
	LoadedModel string         `json:"loaded_model"`
	SystemStats map[string]any `json:"system_stats"`
}

type InferRequest struct {
	InferInput string         `json:"infer_input"`
	RawInput   string         `json:"raw_input,omitempty"`
	PromptKey  string         `json:"prompt_key,omitempty"`
	SessionId  string         `json:"session_id,omitempty"`
	Param      map[string]any `json:"param,omitempty"`
}

type InferResponse struct {
	Response       string  `json:"response"`
	InputTokens    int     `json:"input_tokens"`
	OutputTokens   int     `json:"output_tokens"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	ModelName      string  `json:"model_name"`
}

type Client interface {
	Models(ctx context.Context) (*ModelsResponse, error)

	LoadModel(ctx context.Context, modelKey string) error

	Infer(ctx context.Context, req InferRequest) (*InferResponse, error)
}

// NewClient builds the right client for a node's configured type.
func NewClient(cfg config.Node) Client {
	if cfg.Type == config.NodeTypeHosted {
		return NewHostedClient(cfg)
	}
	return NewHTTPClient(cfg)
}

const (
	modelsTimeout = 10 * time.Second
	loadTimeout   = 30 * time.Second
	inferTimeout  = 120 * time.Second
)

// HTTPClient talks to a llama node over its HTTP API, authenticating with
// the node's configured header-keyed credential.
type HTTPClient struct {
	client *resty.Client
}

func NewHTTPClient(cfg config.Node) *HTTPClient {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader(cfg.APIKeyName, cfg.APIKey)

	return &HTTPClient{client: client}
}

func (c *HTTPClient) Models(ctx context.Context) (*ModelsResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, modelsTimeout)
	defer cancel()

	var models ModelsResponse
	res, err := c.client.R().
		SetContext(ctx).
		SetResult(&models).
		Get("/api/v1/models")
	if err != nil {
		return nil, fmt.Errorf("error fetching models: %w", err)
	}
	if res.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("models request failed with status %d: %s", res.StatusCode(), res.String())
	}

	return &models, nil
}

func (c *HTTPClient) LoadModel(ctx context.Context, modelKey string) error {
	ctx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()

	res, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"model_key": modelKey}).
		Post("/api/v1/load_model")
	if err != nil {
		return fmt.Errorf("error loading model %s: %w", modelKey, err)
	}
	if res.StatusCode() != http.StatusOK {
		return fmt.Errorf("load_model request failed with status %d: %s", res.StatusCode(), res.String())
	}

	return nil
}

func (c *HTTPClient) Infer(ctx context.Context, req InferRequest) (*InferResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, inferTimeout)
	defer cancel()

	var out InferResponse
	res, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/api/v1/infer")
	if err != nil {
		return nil, fmt.Errorf("error performing inference: %w", err)
	}
	if res.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("infer request failed with status %d: %s", res.StatusCode(), res.String())
	}

	return &out, nil
}
