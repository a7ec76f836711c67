package llmfactory

import (
	"github.com/cockroachdb/errors"
	"github.com/effective-security/optimade-agent/pkg/llms"
	"github.com/effective-security/optimade-agent/pkg/llms/openai"
	"github.com/effective-security/xlog"
)

// NewLLM is a wrapper for CreateLLM to allow for overriding the default implementation.
var NewLLM = CreateLLM

// Load reads the environment and returns the configured model.
func Load() (llms.Model, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	return NewLLM(cfg)
}

// CreateLLM builds the model for the selected provider. All three providers
// speak the OpenAI chat completions protocol and differ only in base URL,
// credentials and default model.
func CreateLLM(cfg *Config) (llms.Model, error) {
	var provider openai.ProviderType
	switch cfg.Provider {
	case ProviderNameOpenAI:
		provider = openai.ProviderOpenAI
	case ProviderNameOpenRouter:
		provider = openai.ProviderOpenRouter
	case ProviderNameDeepSeek:
		provider = openai.ProviderDeepSeek
	default:
		return nil, errors.Newf("unsupported provider: %s", cfg.Provider)
	}

	opts := []openai.Option{
		openai.WithProvider(provider),
		openai.WithModel(cfg.Model),
	}
	if cfg.Token != "" {
		opts = append(opts, openai.WithToken(cfg.Token))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	model, err := openai.New(opts...)
	if err != nil {
		return nil, err
	}

	logger.KV(xlog.DEBUG,
		"status", "created_llm",
		"provider", cfg.Provider,
		"model", cfg.Model,
	)

	return model, nil
}
