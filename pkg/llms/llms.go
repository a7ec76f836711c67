package llms

import (
	"context"
)

// ProviderType is the type of provider.
type ProviderType string

const (
	// ProviderOpenAI is the OpenAI platform API.
	ProviderOpenAI ProviderType = "OPENAI"
	// ProviderOpenRouter is the OpenRouter multi-route gateway,
	// OpenAI compatible on the wire.
	ProviderOpenRouter ProviderType = "OPENROUTER"
	// ProviderDeepSeek is the DeepSeek platform API, OpenAI compatible.
	ProviderDeepSeek ProviderType = "DEEPSEEK"
)

// Model is an interface chat models implement.
type Model interface {
	// GetProviderType returns the type of provider.
	GetProviderType() ProviderType
	// GetName returns the configured model name or gateway route.
	GetName() string
	// GenerateContent asks the model to generate content from a sequence of
	// messages. It's the most general interface for chat models that support
	// tool calling.
	GenerateContent(ctx context.Context, messages []Message, options ...CallOption) (*ContentResponse, error)
}

// Capability is a bitmask indicating supported features of an LLM provider.
type Capability uint64

const (
	// Basic text or chat generation
	CapabilityText Capability = 1 << iota

	// Function/tool calling
	CapabilityFunctionCalling
	CapabilityMultiToolCalling

	// System prompt support
	CapabilitySystemPrompt
)

var providerCapabilities = map[ProviderType]Capability{
	ProviderOpenAI: CapabilityText |
		CapabilityFunctionCalling |
		CapabilityMultiToolCalling |
		CapabilitySystemPrompt,

	// OpenRouter capabilities depend on the routed model; tool use may still
	// be rejected at request time, see openai.IsToolUseUnsupported.
	ProviderOpenRouter: CapabilityText |
		CapabilityFunctionCalling |
		CapabilityMultiToolCalling |
		CapabilitySystemPrompt,

	ProviderDeepSeek: CapabilityText |
		CapabilityFunctionCalling |
		CapabilityMultiToolCalling |
		CapabilitySystemPrompt,
}

func ProviderCapabilities(pt ProviderType) Capability {
	return providerCapabilities[pt]
}

func (p ProviderType) Supports(cap Capability) bool {
	return ProviderCapabilities(p)&cap != 0
}
