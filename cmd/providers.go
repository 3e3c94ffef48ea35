package cmd

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/resume-worker/internal/llm"
	"github.com/spigell/resume-worker/internal/llm/gemini"
	"github.com/spigell/resume-worker/internal/llm/openai"
	"github.com/spigell/resume-worker/internal/secrets"
)

func newCompleter(ctx context.Context, cfg AIConfig, logger *zap.Logger) (llm.Completer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case llm.ProviderGemini, "":
		apiKey, err := secrets.Load(secrets.Source{
			Name:  "gemini api key",
			Value: cfg.Gemini.APIKey,
			File:  cfg.Gemini.APIKeyFile,
			Hint:  "set GOOGLE_API_KEY, GOOGLE_API_KEY_FILE or ai.gemini.api-key-file",
		})
		if err != nil {
			return nil, err
		}
		generator, err := gemini.NewGenerator(ctx, apiKey, cfg.Gemini.Model, float32(cfg.Temperature), logger)
		if err != nil {
			return nil, err
		}
		return generator, nil
	case llm.ProviderOpenAI:
		apiKey, err := secrets.Load(secrets.Source{
			Name:  "openai api key",
			Value: cfg.OpenAI.APIKey,
			File:  cfg.OpenAI.APIKeyFile,
			Hint:  "set OPENAI_API_KEY, OPENAI_API_KEY_FILE or ai.openai.api-key-file",
		})
		if err != nil {
			return nil, err
		}
		client, err := openai.New(apiKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model, cfg.Temperature, logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unsupported ai provider: %s", cfg.Provider)
	}
}
