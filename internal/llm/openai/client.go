package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/spigell/resume-worker/internal/llm"
	"github.com/spigell/resume-worker/internal/logger"
)

const defaultModel = "gpt-4o-mini"

type chatCompletions interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Client talks to any OpenAI-compatible chat completions endpoint.
type Client struct {
	completions chatCompletions
	model       string
	temperature float64
	logger      *zap.Logger
}

var _ llm.Completer = (*Client)(nil)

// New creates a Client. An empty baseURL targets api.openai.com.
func New(apiKey, baseURL, model string, temperature float64, log *zap.Logger) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	if model = strings.TrimSpace(model); model == "" {
		model = defaultModel
	}

	client := openai.NewClient(opts...)

	return &Client{
		completions: client.Chat.Completions,
		model:       model,
		temperature: temperature,
		logger:      logger.WithCommonFields(log, llm.ProviderOpenAI, model),
	}, nil
}

func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	if c == nil || c.completions == nil {
		return "", errors.New("openai client is not initialized")
	}

	user = strings.TrimSpace(user)
	if user == "" {
		return "", errors.New("prompt must not be empty")
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if system = strings.TrimSpace(system); system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(user))

	resp, err := c.completions.New(ctx, openai.ChatCompletionNewParams{
		Messages:    openai.F(messages),
		Model:       openai.F(openai.ChatModel(c.model)),
		Temperature: openai.F(c.temperature),
	})
	if err != nil {
		return "", fmt.Errorf("create chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("openai api returned no choices")
	}

	output := strings.TrimSpace(resp.Choices[0].Message.Content)
	if output == "" {
		return "", errors.New("openai api returned empty response")
	}

	c.logger.Debug("openai response received",
		zap.String("finish_reason", string(resp.Choices[0].FinishReason)),
		zap.Int64("total_tokens", resp.Usage.TotalTokens),
	)

	return output, nil
}

func (c *Client) Model() string {
	if c == nil {
		return ""
	}
	return c.model
}
