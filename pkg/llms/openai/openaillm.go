package openai

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/optimade-agent/pkg/llms"
	"github.com/effective-security/optimade-agent/pkg/llms/openai/internal/openaiclient"
)

type ChatMessage = openaiclient.ChatMessage

// APIError is a non-200 reply from the backend.
type APIError = openaiclient.APIError

const (
	RoleSystem    = "system"
	RoleAssistant = "assistant"
	RoleUser      = "user"
	RoleTool      = "tool"
)

// ErrEmptyResponse is returned when the backend returns no choices.
var ErrEmptyResponse = openaiclient.ErrEmptyResponse

// LLM is an OpenAI compatible chat completions model. It serves the OpenAI
// platform as well as OpenRouter and DeepSeek, which speak the same wire
// protocol with a different base URL.
type LLM struct {
	client *openaiclient.Client
}

var _ llms.Model = (*LLM)(nil)

// New returns a new OpenAI compatible LLM.
func New(opts ...Option) (*LLM, error) {
	c, err := newClient(opts...)
	if err != nil {
		return nil, err
	}
	return &LLM{
		client: c,
	}, nil
}

// GetProviderType implements the Model interface.
func (o *LLM) GetProviderType() llms.ProviderType {
	return llms.ProviderType(o.client.Provider)
}

// GetName implements the Model interface.
func (o *LLM) GetName() string {
	return o.client.Model
}

// WithRoute replaces the configured model route and returns the receiver,
// used by the gateway fallback policy.
func (o *LLM) WithRoute(model string) *LLM {
	o.client.Model = model
	return o
}

// GenerateContent implements the Model interface.
func (o *LLM) GenerateContent(ctx context.Context, messages []llms.Message, options ...llms.CallOption) (*llms.ContentResponse, error) {
	opts := llms.CallOptions{}
	for _, opt := range options {
		opt(&opts)
	}

	chatMsgs := make([]*ChatMessage, 0, len(messages))
	for _, mc := range messages {
		msg := &ChatMessage{}
		switch mc.Role {
		case llms.RoleSystem:
			msg.Role = RoleSystem
		case llms.RoleAI:
			msg.Role = RoleAssistant
		case llms.RoleHuman:
			msg.Role = RoleUser
		case llms.RoleTool:
			msg.Role = RoleTool
			// a tool message carries exactly one ToolCallResponse part
			if len(mc.Parts) != 1 {
				return nil, errors.Newf("expected exactly one part for role %v, got %d", mc.Role, len(mc.Parts))
			}
			switch p := mc.Parts[0].(type) {
			case llms.ToolCallResponse:
				msg.ToolCallID = p.ToolCallID
				msg.Content = p.Content
			default:
				return nil, errors.Newf("expected part of type ToolCallResponse for role %v, got %T", mc.Role, mc.Parts[0])
			}
		default:
			return nil, errors.Newf("role %v not supported", mc.Role)
		}

		if msg.Role != RoleTool {
			texts, toolCalls := extractParts(mc.Parts)
			msg.Content = strings.Join(texts, "\n")
			msg.ToolCalls = toolCallsFromToolCalls(toolCalls)
		}

		chatMsgs = append(chatMsgs, msg)
	}

	req := &openaiclient.ChatRequest{
		Model:       opts.Model,
		Messages:    chatMsgs,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		ToolChoice:  opts.ToolChoice,
	}

	for _, tool := range opts.Tools {
		t, err := toolFromTool(tool)
		if err != nil {
			return nil, errors.WithMessage(err, "failed to convert llms tool to openai tool")
		}
		req.Tools = append(req.Tools, t)
	}

	result, err := o.client.CreateChat(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(result.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	choices := make([]*llms.ContentChoice, len(result.Choices))
	for i, c := range result.Choices {
		choices[i] = &llms.ContentChoice{
			Content:          c.Message.Content,
			StopReason:       c.FinishReason,
			ReasoningContent: c.Message.ReasoningContent,
			GenerationInfo: map[string]any{
				"InputTokens":  int64(result.Usage.PromptTokens),
				"OutputTokens": int64(result.Usage.CompletionTokens),
				"TotalTokens":  int64(result.Usage.TotalTokens),
			},
		}
		for _, tool := range c.Message.ToolCalls {
			choices[i].ToolCalls = append(choices[i].ToolCalls, llms.ToolCall{
				ID:   tool.ID,
				Type: string(tool.Type),
				FunctionCall: &llms.FunctionCall{
					Name:      tool.Function.Name,
					Arguments: tool.Function.Arguments,
				},
			})
		}
	}
	return &llms.ContentResponse{Choices: choices}, nil
}

// IsToolUseUnsupported reports whether the error is the gateway's refusal to
// route a tool-calling request. The wording match against the upstream error
// format is a heuristic and is kept in this single place so it can be
// replaced when the gateway exposes a stable code.
func IsToolUseUnsupported(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == 404 &&
		strings.Contains(strings.ToLower(apiErr.Message), "support tool use")
}

// extractParts splits message parts into plain text and tool calls.
func extractParts(parts []llms.ContentPart) ([]string, []llms.ToolCall) {
	var texts []string
	var toolCalls []llms.ToolCall
	for _, part := range parts {
		switch p := part.(type) {
		case llms.TextContent:
			texts = append(texts, p.Text)
		case llms.ToolCall:
			toolCalls = append(toolCalls, p)
		}
	}
	return texts, toolCalls
}

// toolFromTool converts an llms.Tool to a Tool.
func toolFromTool(t llms.Tool) (openaiclient.Tool, error) {
	tool := openaiclient.Tool{
		Type: openaiclient.ToolType(t.Type),
	}
	switch t.Type {
	case string(openaiclient.ToolTypeFunction):
		tool.Function = openaiclient.FunctionDefinition{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		}
	default:
		return openaiclient.Tool{}, errors.Newf("tool type %v not supported", t.Type)
	}
	return tool, nil
}

// toolCallsFromToolCalls converts a slice of llms.ToolCall to a slice of ToolCall.
func toolCallsFromToolCalls(tcs []llms.ToolCall) []openaiclient.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	toolCalls := make([]openaiclient.ToolCall, len(tcs))
	for i, tc := range tcs {
		toolCalls[i] = openaiclient.ToolCall{
			ID:   tc.ID,
			Type: openaiclient.ToolType(tc.Type),
			Function: openaiclient.ToolFunction{
				Name:      tc.FunctionCall.Name,
				Arguments: tc.FunctionCall.Arguments,
			},
		}
	}
	return toolCalls
}
