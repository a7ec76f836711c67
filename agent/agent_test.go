package agent_test

import (
	"context"
	"testing"

	"github.com/effective-security/optimade-agent/agent"
	"github.com/effective-security/optimade-agent/mcpclient"
	"github.com/effective-security/optimade-agent/pkg/llmfactory"
	"github.com/effective-security/optimade-agent/pkg/llms"
	"github.com/effective-security/optimade-agent/pkg/llms/openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedCall struct {
	messages []llms.Message
	opts     llms.CallOptions
}

type fakeModel struct {
	provider  llms.ProviderType
	name      string
	responses []*llms.ContentResponse
	errs      []error
	calls     []recordedCall
	route     string
}

func (m *fakeModel) GetProviderType() llms.ProviderType { return m.provider }
func (m *fakeModel) GetName() string                    { return m.name }

func (m *fakeModel) WithRoute(model string) *openai.LLM {
	m.route = model
	return nil
}

func (m *fakeModel) GenerateContent(_ context.Context, messages []llms.Message, options ...llms.CallOption) (*llms.ContentResponse, error) {
	opts := llms.CallOptions{}
	for _, opt := range options {
		opt(&opts)
	}
	m.calls = append(m.calls, recordedCall{messages: messages, opts: opts})

	i := len(m.calls) - 1
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if i >= len(m.responses) {
		panic("unexpected completion call")
	}
	return m.responses[i], nil
}

type fakeSession struct {
	tools   []mcpclient.ToolDescriptor
	results map[string]*mcpclient.CallToolResult
	errs    map[string]error
	called  []string
}

func (s *fakeSession) Tools() []mcpclient.ToolDescriptor { return s.tools }

func (s *fakeSession) CallTool(_ context.Context, name string, _ map[string]any) (*mcpclient.CallToolResult, error) {
	s.called = append(s.called, name)
	if err := s.errs[name]; err != nil {
		return nil, err
	}
	return s.results[name], nil
}

func textChoice(content string) *llms.ContentResponse {
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: content}},
	}
}

func toolChoice(content string, calls ...llms.ToolCall) *llms.ContentResponse {
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: content, ToolCalls: calls}},
	}
}

func call(id, name, args string) llms.ToolCall {
	return llms.ToolCall{
		ID:   id,
		Type: "function",
		FunctionCall: &llms.FunctionCall{
			Name:      name,
			Arguments: args,
		},
	}
}

func textResult(text string) *mcpclient.CallToolResult {
	return &mcpclient.CallToolResult{
		Content: []mcpclient.Content{{Type: "text", Text: text}},
	}
}

func TestProcessQuery_NoToolCalls(t *testing.T) {
	model := &fakeModel{
		provider:  llms.ProviderOpenAI,
		name:      "gpt-4o-mini",
		responses: []*llms.ContentResponse{textChoice("direct answer")},
	}
	session := &fakeSession{}

	a := agent.New(model, session)
	answer, err := a.ProcessQuery(context.Background(), "what is OPTIMADE?")
	require.NoError(t, err)
	assert.Equal(t, "direct answer", answer)

	// no tool calls means no follow-up completion
	require.Len(t, model.calls, 1)
	assert.NotEmpty(t, model.calls[0].opts.ToolChoice)
	assert.Equal(t, 1200, model.calls[0].opts.MaxTokens)
	assert.Empty(t, session.called)

	entries := a.History().Last(10)
	require.Len(t, entries, 1)
	assert.Equal(t, "what is OPTIMADE?", entries[0].Query)
}

func TestProcessQuery_EmptyChoices(t *testing.T) {
	model := &fakeModel{
		provider:  llms.ProviderOpenAI,
		name:      "gpt-4o-mini",
		responses: []*llms.ContentResponse{{}},
	}
	session := &fakeSession{}

	a := agent.New(model, session)
	_, err := a.ProcessQuery(context.Background(), "anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty response")

	// the failed cycle leaves no trace in the query log
	assert.Equal(t, 0, a.History().Len())
	assert.Empty(t, session.called)
}

func TestProcessQuery_ToolCallOrder(t *testing.T) {
	model := &fakeModel{
		provider: llms.ProviderOpenAI,
		name:     "gpt-4o-mini",
		responses: []*llms.ContentResponse{
			toolChoice("let me check",
				call("c1", "list_providers", `{}`),
				call("c2", "query_optimade", `{"filter":"nelements=2"}`),
			),
			textChoice("summary"),
		},
	}
	session := &fakeSession{
		tools: []mcpclient.ToolDescriptor{
			{Name: "list_providers"},
			{Name: "query_optimade"},
		},
		results: map[string]*mcpclient.CallToolResult{
			"list_providers": textResult("providers: mp, oqmd"),
			"query_optimade": textResult("42 structures"),
		},
	}

	a := agent.New(model, session)
	answer, err := a.ProcessQuery(context.Background(), "binary materials")
	require.NoError(t, err)

	// execution order follows the model's order
	assert.Equal(t, []string{"list_providers", "query_optimade"}, session.called)

	// exactly one follow-up, issued without a function schema
	require.Len(t, model.calls, 2)
	assert.Empty(t, model.calls[1].opts.Tools)
	assert.Equal(t, 1000, model.calls[1].opts.MaxTokens)

	// tool role messages appear in call order in the follow-up sequence
	followMsgs := model.calls[1].messages
	var toolResponses []llms.ToolCallResponse
	for _, msg := range followMsgs {
		if msg.Role != llms.RoleTool {
			continue
		}
		for _, p := range msg.Parts {
			if tr, ok := p.(llms.ToolCallResponse); ok {
				toolResponses = append(toolResponses, tr)
			}
		}
	}
	require.Len(t, toolResponses, 2)
	assert.Equal(t, "c1", toolResponses[0].ToolCallID)
	assert.Equal(t, "c2", toolResponses[1].ToolCallID)

	assert.Contains(t, answer, "let me check")
	assert.Contains(t, answer, "[tool call list_providers]")
	assert.Contains(t, answer, "[tool call query_optimade]")
	assert.Contains(t, answer, "42 structures")
	assert.Contains(t, answer, "summary")
}

func TestProcessQuery_ToolFailureContinues(t *testing.T) {
	model := &fakeModel{
		provider: llms.ProviderOpenAI,
		name:     "gpt-4o-mini",
		responses: []*llms.ContentResponse{
			toolChoice("", call("c1", "lint_filter", `{"filter":"bad(("}`)),
			textChoice("the filter is invalid"),
		},
	}
	session := &fakeSession{
		tools: []mcpclient.ToolDescriptor{{Name: "lint_filter"}},
		errs: map[string]error{
			"lint_filter": assert.AnError,
		},
	}

	a := agent.New(model, session)
	answer, err := a.ProcessQuery(context.Background(), "check my filter")
	require.NoError(t, err)

	// the failure is embedded as text and the follow-up is still issued
	require.Len(t, model.calls, 2)
	assert.Contains(t, answer, "<<tool lint_filter failed:")
	assert.Contains(t, answer, "the filter is invalid")

	followMsgs := model.calls[1].messages
	last := followMsgs[len(followMsgs)-1]
	require.Equal(t, llms.RoleTool, last.Role)
	tr, ok := last.Parts[0].(llms.ToolCallResponse)
	require.True(t, ok)
	assert.Contains(t, tr.Content, "lint_filter")
}

func TestProcessQuery_MalformedArgsDefaultToEmpty(t *testing.T) {
	model := &fakeModel{
		provider: llms.ProviderOpenAI,
		name:     "gpt-4o-mini",
		responses: []*llms.ContentResponse{
			toolChoice("", call("c1", "list_providers", `{not json`)),
			textChoice("done"),
		},
	}
	session := &fakeSession{
		tools: []mcpclient.ToolDescriptor{{Name: "list_providers"}},
		results: map[string]*mcpclient.CallToolResult{
			"list_providers": textResult("ok"),
		},
	}

	a := agent.New(model, session)
	answer, err := a.ProcessQuery(context.Background(), "providers?")
	require.NoError(t, err)
	assert.Contains(t, answer, "args={}")
}

func TestProcessQuery_RouteFallback(t *testing.T) {
	routingErr := &openai.APIError{
		StatusCode: 404,
		Message:    "No endpoints found that support tool use",
	}

	t.Run("retried_once", func(t *testing.T) {
		model := &fakeModel{
			provider:  llms.ProviderOpenRouter,
			name:      "some/unsupported-route",
			errs:      []error{routingErr},
			responses: []*llms.ContentResponse{nil, textChoice("answer")},
		}
		a := agent.New(model, &fakeSession{})

		answer, err := a.ProcessQuery(context.Background(), "q")
		require.NoError(t, err)
		assert.Equal(t, "answer", answer)
		assert.Len(t, model.calls, 2)
		assert.Equal(t, llmfactory.FallbackRoute, model.route)
	})

	t.Run("second_failure_is_fatal", func(t *testing.T) {
		model := &fakeModel{
			provider: llms.ProviderOpenRouter,
			name:     "some/unsupported-route",
			errs:     []error{routingErr, routingErr},
		}
		a := agent.New(model, &fakeSession{})

		_, err := a.ProcessQuery(context.Background(), "q")
		require.Error(t, err)
		assert.Len(t, model.calls, 2)
	})

	t.Run("other_provider_not_retried", func(t *testing.T) {
		model := &fakeModel{
			provider: llms.ProviderOpenAI,
			name:     "gpt-4o-mini",
			errs:     []error{routingErr},
		}
		a := agent.New(model, &fakeSession{})

		_, err := a.ProcessQuery(context.Background(), "q")
		require.Error(t, err)
		assert.Len(t, model.calls, 1)
	})
}
