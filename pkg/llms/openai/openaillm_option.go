package openai

import (
	"net/http"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/optimade-agent/pkg/llms/openai/internal/openaiclient"
)

const (
	tokenEnvVarName   = "OPENAI_API_KEY"  //nolint:gosec
	modelEnvVarName   = "OPENAI_MODEL"    //nolint:gosec
	baseURLEnvVarName = "OPENAI_BASE_URL" //nolint:gosec
)

type ProviderType = openaiclient.ProviderType

const (
	ProviderOpenAI     = openaiclient.ProviderOpenAI
	ProviderOpenRouter = openaiclient.ProviderOpenRouter
	ProviderDeepSeek   = openaiclient.ProviderDeepSeek
)

type options struct {
	token      string
	model      string
	baseURL    string
	provider   ProviderType
	httpClient openaiclient.Doer
}

// Option is a functional option for the OpenAI client.
type Option func(*options)

// WithToken passes the API token to the client. If not set, the token
// is read from the OPENAI_API_KEY environment variable.
func WithToken(token string) Option {
	return func(opts *options) {
		opts.token = token
	}
}

// WithModel passes the model name or gateway route to the client. If not set,
// the model is read from the OPENAI_MODEL environment variable.
func WithModel(model string) Option {
	return func(opts *options) {
		opts.model = model
	}
}

// WithBaseURL passes the base url to the client. If not set, the base url
// is read from the OPENAI_BASE_URL environment variable. If still not set,
// the default value https://api.openai.com/v1 is used.
func WithBaseURL(baseURL string) Option {
	return func(opts *options) {
		opts.baseURL = baseURL
	}
}

// WithProvider passes the provider type to the client. If not set, the
// default value is ProviderOpenAI.
func WithProvider(provider ProviderType) Option {
	return func(opts *options) {
		opts.provider = provider
	}
}

// WithHTTPClient allows setting a custom HTTP client. If not set, the default
// value is http.DefaultClient.
func WithHTTPClient(client openaiclient.Doer) Option {
	return func(opts *options) {
		opts.httpClient = client
	}
}

func newClient(opts ...Option) (*openaiclient.Client, error) {
	options := &options{
		token:      os.Getenv(tokenEnvVarName),
		model:      os.Getenv(modelEnvVarName),
		baseURL:    os.Getenv(baseURLEnvVarName),
		provider:   ProviderOpenAI,
		httpClient: http.DefaultClient,
	}

	for _, opt := range opts {
		opt(options)
	}

	if options.token == "" {
		return nil, errors.Newf("missing API token, set it via WithToken or the %s environment variable", tokenEnvVarName)
	}

	return openaiclient.New(options.provider, options.model, options.token,
		options.baseURL, options.httpClient)
}
