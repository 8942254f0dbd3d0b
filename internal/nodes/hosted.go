package nodes

import (
	"context"
	"fmt"
	"time"

	"herd-backend/internal/config"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// HostedClient adapts an OpenAI-compatible hosted API onto the node
// contract. A hosted node serves exactly one fixed model; LoadModel only
// accepts that model and is otherwise a no-op.
type HostedClient struct {
	client openai.Client
	model  string
}

func NewHostedClient(cfg config.Node) *HostedClient {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &HostedClient{
		client: openai.NewClient(opts...),
		model:  cfg.HostedModel,
	}
}

func (c *HostedClient) Models(ctx context.Context) (*ModelsResponse, error) {
	return &ModelsResponse{
		Models:      []ModelOption{{Option: c.model, Selected: true}},
		LoadedModel: c.model,
		SystemStats: map[string]any{},
	}, nil
}

func (c *HostedClient) LoadModel(ctx context.Context, modelKey string) error {
	if modelKey != c.model {
		return fmt.Errorf("hosted node serves only model %q, cannot load %q", c.model, modelKey)
	}
	return nil
}

func (c *HostedClient) Infer(ctx context.Context, req InferRequest) (*InferResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, inferTimeout)
	defer cancel()

	chatOpts := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(req.InferInput),
		},
		Model: c.model,
	}
	// YAML decodes numbers as int or float64 depending on how they are
	// written; JSON always gives float64.
	switch temp := req.Param["temperature"].(type) {
	case int:
		chatOpts.Temperature = openai.Float(float64(temp))
	case float64:
		chatOpts.Temperature = openai.Float(temp)
	}
	switch maxTokens := req.Param["max_tokens"].(type) {
	case int:
		chatOpts.MaxTokens = openai.Int(int64(maxTokens))
	case float64:
		chatOpts.MaxTokens = openai.Int(int64(maxTokens))
	}

	start := time.Now()
	res, err := c.client.Chat.Completions.New(ctx, chatOpts)
	if err != nil {
		return nil, fmt.Errorf("hosted inference failed: %w", err)
	}
	if len(res.Choices) == 0 {
		return nil, fmt.Errorf("hosted inference returned no choices")
	}

	return &InferResponse{
		Response:       res.Choices[0].Message.Content,
		InputTokens:    int(res.Usage.PromptTokens),
		OutputTokens:   int(res.Usage.CompletionTokens),
		ElapsedSeconds: time.Since(start).Seconds(),
		ModelName:      c.model,
	}, nil
}
