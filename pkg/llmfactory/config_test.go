package llmfactory_test

import (
	"testing"

	"github.com/effective-security/optimade-agent/pkg/llmfactory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("API_PROVIDER", "")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENAI_BASE_URL", "")
	t.Setenv("OPENAI_MODEL", "")

	cfg, err := llmfactory.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, llmfactory.ProviderNameOpenAI, cfg.Provider)
	assert.Equal(t, "sk-test", cfg.Token)
	assert.Empty(t, cfg.BaseURL)
	assert.Equal(t, "gpt-4o-mini", cfg.Model)
}

func TestLoadConfigMissingKeyNamesVariable(t *testing.T) {
	tcases := []struct {
		provider string
		envVar   string
	}{
		{"openai", "OPENAI_API_KEY"},
		{"openrouter", "OPENROUTER_API_KEY"},
		{"deepseek", "DEEPSEEK_API_KEY"},
	}

	for _, tc := range tcases {
		t.Run(tc.provider, func(t *testing.T) {
			t.Setenv("API_PROVIDER", tc.provider)
			t.Setenv(tc.envVar, "")

			_, err := llmfactory.LoadConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.envVar)
		})
	}
}

func TestLoadConfigOpenRouter(t *testing.T) {
	t.Setenv("API_PROVIDER", "OpenRouter")
	t.Setenv("OPENROUTER_API_KEY", "sk-or")
	t.Setenv("OPENROUTER_BASE_URL", "")
	t.Setenv("OPENROUTER_MODEL", "")

	cfg, err := llmfactory.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, llmfactory.ProviderNameOpenRouter, cfg.Provider)
	assert.Equal(t, "https://openrouter.ai/api/v1", cfg.BaseURL)
	assert.Equal(t, "openai/gpt-4o-mini", cfg.Model)

	t.Setenv("OPENROUTER_MODEL", "anthropic/claude-sonnet-4")
	cfg, err = llmfactory.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude-sonnet-4", cfg.Model)
}

func TestLoadConfigDeepSeek(t *testing.T) {
	t.Setenv("API_PROVIDER", "deepseek")
	t.Setenv("DEEPSEEK_API_KEY", "sk-ds")
	t.Setenv("DEEPSEEK_BASE_URL", "")
	t.Setenv("DEEPSEEK_MODEL", "")

	cfg, err := llmfactory.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://api.deepseek.com", cfg.BaseURL)
	assert.Equal(t, "deepseek-chat", cfg.Model)
}

func TestLoadConfigUnsupportedProvider(t *testing.T) {
	t.Setenv("API_PROVIDER", "bedrock")

	_, err := llmfactory.LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bedrock")
}

func TestCreateLLM(t *testing.T) {
	cfg := &llmfactory.Config{
		Provider: llmfactory.ProviderNameOpenRouter,
		Token:    "sk-or",
		BaseURL:  "https://openrouter.ai/api/v1",
		Model:    "openai/gpt-4o-mini",
	}

	model, err := llmfactory.CreateLLM(cfg)
	require.NoError(t, err)
	assert.Equal(t, "openai/gpt-4o-mini", model.GetName())
	assert.Equal(t, "OPENROUTER", string(model.GetProviderType()))
}

func TestCreateLLMUnsupported(t *testing.T) {
	_, err := llmfactory.CreateLLM(&llmfactory.Config{Provider: "azure"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "azure")
}
