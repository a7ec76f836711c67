package llmfactory

import (
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/optimade-agent", "llmfactory")

// Provider selector values recognized in API_PROVIDER.
const (
	ProviderNameOpenAI     = "openai"
	ProviderNameOpenRouter = "openrouter"
	ProviderNameDeepSeek   = "deepseek"
)

const (
	providerEnvVarName = "API_PROVIDER"

	openAITokenEnvVarName   = "OPENAI_API_KEY" //nolint:gosec
	openAIBaseURLEnvVarName = "OPENAI_BASE_URL"
	openAIModelEnvVarName   = "OPENAI_MODEL"

	openRouterTokenEnvVarName   = "OPENROUTER_API_KEY" //nolint:gosec
	openRouterBaseURLEnvVarName = "OPENROUTER_BASE_URL"
	openRouterModelEnvVarName   = "OPENROUTER_MODEL"

	deepSeekTokenEnvVarName   = "DEEPSEEK_API_KEY" //nolint:gosec
	deepSeekBaseURLEnvVarName = "DEEPSEEK_BASE_URL"
	deepSeekModelEnvVarName   = "DEEPSEEK_MODEL"
)

const (
	defaultOpenAIModel     = "gpt-4o-mini"
	defaultOpenRouterURL   = "https://openrouter.ai/api/v1"
	defaultOpenRouterModel = "openai/gpt-4o-mini"
	defaultDeepSeekURL     = "https://api.deepseek.com"
	defaultDeepSeekModel   = "deepseek-chat"
)

// FallbackRoute is a common gateway route known to support tool use,
// substituted by the orchestration loop when the configured route does not.
const FallbackRoute = "openai/gpt-4o-mini"

// Config selects the LLM backend. It is loaded once at startup from the
// environment and treated as read-only afterwards.
type Config struct {
	// Provider is one of openai, openrouter, deepseek.
	Provider string `json:"provider" yaml:"provider"`
	// Token is the API key for the selected provider.
	Token string `json:"-" yaml:"-"`
	// BaseURL overrides the provider endpoint.
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	// Model is the model name or gateway route.
	Model string `json:"model,omitempty" yaml:"model,omitempty"`
}

// LoadConfig reads the provider selection from the environment.
// A missing credential for the selected provider is a fatal configuration
// error naming the exact variable.
func LoadConfig() (*Config, error) {
	provider := strings.ToLower(values.StringsCoalesce(os.Getenv(providerEnvVarName), ProviderNameOpenAI))

	cfg := &Config{
		Provider: provider,
	}

	switch provider {
	case ProviderNameOpenAI:
		cfg.Token = os.Getenv(openAITokenEnvVarName)
		if cfg.Token == "" {
			return nil, errors.Newf("missing required environment variable: %s", openAITokenEnvVarName)
		}
		cfg.BaseURL = os.Getenv(openAIBaseURLEnvVarName)
		cfg.Model = values.StringsCoalesce(os.Getenv(openAIModelEnvVarName), defaultOpenAIModel)

	case ProviderNameOpenRouter:
		cfg.Token = os.Getenv(openRouterTokenEnvVarName)
		if cfg.Token == "" {
			return nil, errors.Newf("missing required environment variable: %s", openRouterTokenEnvVarName)
		}
		cfg.BaseURL = values.StringsCoalesce(os.Getenv(openRouterBaseURLEnvVarName), defaultOpenRouterURL)
		cfg.Model = values.StringsCoalesce(os.Getenv(openRouterModelEnvVarName), defaultOpenRouterModel)

	case ProviderNameDeepSeek:
		cfg.Token = os.Getenv(deepSeekTokenEnvVarName)
		if cfg.Token == "" {
			return nil, errors.Newf("missing required environment variable: %s", deepSeekTokenEnvVarName)
		}
		cfg.BaseURL = os.Getenv(deepSeekBaseURLEnvVarName)
		if cfg.BaseURL == "" {
			logger.KV(xlog.INFO,
				"status", "using_default_base_url",
				"provider", provider,
				"base_url", defaultDeepSeekURL,
			)
			cfg.BaseURL = defaultDeepSeekURL
		}
		cfg.Model = values.StringsCoalesce(os.Getenv(deepSeekModelEnvVarName), defaultDeepSeekModel)

	default:
		return nil, errors.Newf("unsupported %s: %s", providerEnvVarName, provider)
	}

	return cfg, nil
}
