// Package agent drives the tool-calling orchestration loop: one user query
// becomes a first completion with the tool schema attached, zero or more
// sequential tool invocations, and a follow-up completion summarizing the
// results.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/optimade-agent/mcpclient"
	"github.com/effective-security/optimade-agent/pkg/llmfactory"
	"github.com/effective-security/optimade-agent/pkg/llms"
	"github.com/effective-security/optimade-agent/pkg/llms/openai"
	"github.com/effective-security/optimade-agent/pkg/llmutils"
	"github.com/effective-security/optimade-agent/pkg/metricskey"
	"github.com/effective-security/xlog"
	"github.com/google/uuid"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/optimade-agent", "agent")

// Token ceilings for the two completion phases. The follow-up is smaller
// since it only summarizes tool output.
const (
	firstCallMaxTokens    = 1200
	followupCallMaxTokens = 1000
)

// Session is the tool-providing side of the loop, satisfied by
// mcpclient.Client.
type Session interface {
	Tools() []mcpclient.ToolDescriptor
	CallTool(ctx context.Context, name string, args map[string]any) (*mcpclient.CallToolResult, error)
}

// routable is implemented by models whose route can be swapped at runtime,
// used by the gateway fallback policy.
type routable interface {
	WithRoute(model string) *openai.LLM
}

// Agent processes queries one at a time against one session. It is not safe
// for concurrent use: the message sequence and tool ordering of a cycle must
// not interleave.
type Agent struct {
	model   llms.Model
	session Session
	history *History
}

// New creates an agent over the given model and session.
func New(model llms.Model, session Session) *Agent {
	return &Agent{
		model:   model,
		session: session,
		history: NewHistory(),
	}
}

// History returns the bounded query log.
func (a *Agent) History() *History {
	return a.history
}

// ProcessQuery runs one orchestration cycle and returns the newline-joined
// answer. Individual tool failures are absorbed into the conversation; a
// completion failure is fatal for this query only.
func (a *Agent) ProcessQuery(ctx context.Context, query string) (string, error) {
	started := time.Now()
	defer metricskey.PerfQuery.MeasureSince(started, a.model.GetName())

	qid := uuid.NewString()
	logger.ContextKV(ctx, xlog.DEBUG,
		"status", "process_query",
		"qid", qid,
		"query", query,
	)

	messages := []llms.Message{
		llms.MessageFromTextParts(llms.RoleSystem, systemPrompt),
		llms.MessageFromTextParts(llms.RoleHuman, query),
	}
	tools := ToFunctionSchema(a.session.Tools())

	resp, err := a.completeWithTools(ctx, messages, tools)
	if err != nil {
		metricskey.StatsQueriesFailed.IncrCounter(1, a.model.GetName())
		return "", err
	}

	if len(resp.Choices) == 0 {
		metricskey.StatsQueriesFailed.IncrCounter(1, a.model.GetName())
		logger.ContextKV(ctx, xlog.ERROR,
			"status", "empty_response",
			"qid", qid,
		)
		return "", errors.New("empty response from model")
	}

	var chunks []string
	choice := resp.Choices[0]
	if choice.Content != "" {
		chunks = append(chunks, choice.Content)
	}

	if len(choice.ToolCalls) > 0 {
		// replay the assistant turn verbatim so the follow-up completion can
		// reference the tool call ids
		parts := make([]llms.ContentPart, 0, len(choice.ToolCalls)+1)
		if choice.Content != "" {
			parts = append(parts, llms.TextPart(choice.Content))
		}
		for _, tc := range choice.ToolCalls {
			parts = append(parts, tc)
		}
		messages = append(messages, llms.MessageFromParts(llms.RoleAI, parts...))

		// tool calls run sequentially in model order, later calls may depend
		// on earlier ones and the session is not safe for concurrent use
		for _, tc := range choice.ToolCalls {
			name := tc.FunctionCall.Name
			args := parseToolArgs(tc.FunctionCall.Arguments)

			logger.ContextKV(ctx, xlog.INFO,
				"status", "tool_call",
				"qid", qid,
				"tool", name,
				"args", llmutils.ToJSON(args),
			)

			resultText := a.executeToolCall(ctx, name, args)
			chunks = append(chunks, fmt.Sprintf("[tool call %s] args=%s result=%s",
				name, llmutils.ToJSON(args), resultText))

			messages = append(messages, llms.MessageFromToolResponse(llms.RoleTool, llms.ToolCallResponse{
				ToolCallID: tc.ID,
				Name:       name,
				Content:    resultText,
			}))
		}

		// no function schema on the follow-up, tool use must not recurse
		follow, err := a.model.GenerateContent(ctx, messages,
			llms.WithMaxTokens(followupCallMaxTokens))
		if err != nil {
			metricskey.StatsQueriesFailed.IncrCounter(1, a.model.GetName())
			return "", err
		}
		a.recordUsage(follow)
		if len(follow.Choices) > 0 && follow.Choices[0].Content != "" {
			chunks = append(chunks, follow.Choices[0].Content)
		}
	}

	a.history.Add(query, chunks)
	metricskey.StatsQueriesSucceeded.IncrCounter(1, a.model.GetName())

	return strings.Join(chunks, "\n"), nil
}

// completeWithTools issues the first completion. If the gateway rejects the
// configured route for tool use, it swaps in the fallback route and retries
// exactly once; any other failure propagates.
func (a *Agent) completeWithTools(ctx context.Context, messages []llms.Message, tools []llms.Tool) (*llms.ContentResponse, error) {
	opts := []llms.CallOption{
		llms.WithMaxTokens(firstCallMaxTokens),
		llms.WithTools(tools),
		llms.WithToolChoice("auto"),
	}

	resp, err := a.model.GenerateContent(ctx, messages, opts...)
	if err == nil {
		a.recordUsage(resp)
		return resp, nil
	}

	r, ok := a.model.(routable)
	if !ok ||
		a.model.GetProviderType() != llms.ProviderOpenRouter ||
		!openai.IsToolUseUnsupported(err) {
		return nil, err
	}

	logger.ContextKV(ctx, xlog.WARNING,
		"status", "route_fallback",
		"route", a.model.GetName(),
		"fallback", llmfactory.FallbackRoute,
		"err", err.Error(),
	)
	metricskey.StatsCompletionsRetried.IncrCounter(1, a.model.GetName())
	r.WithRoute(llmfactory.FallbackRoute)

	resp, err = a.model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return nil, err
	}
	a.recordUsage(resp)
	return resp, nil
}

// executeToolCall invokes one tool and renders its result. A failed call is
// returned as an error string so the model can react to it.
func (a *Agent) executeToolCall(ctx context.Context, name string, args map[string]any) string {
	started := time.Now()
	result, err := a.session.CallTool(ctx, name, args)
	metricskey.PerfToolCall.MeasureSince(started, name)
	if err != nil {
		metricskey.StatsToolCallsFailed.IncrCounter(1, name)
		logger.ContextKV(ctx, xlog.ERROR,
			"status", "tool_call_failed",
			"tool", name,
			"err", err.Error(),
		)
		return fmt.Sprintf("<<tool %s failed: %s>>", name, err.Error())
	}
	metricskey.StatsToolCallsSucceeded.IncrCounter(1, name)
	return FormatResult(result)
}

// parseToolArgs decodes the model's argument payload, defaulting to an empty
// object when it is absent or malformed.
func parseToolArgs(raw string) map[string]any {
	args := map[string]any{}
	if raw == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		logger.KV(xlog.WARNING,
			"status", "invalid_tool_args",
			"err", err.Error(),
		)
		return map[string]any{}
	}
	return args
}

// recordUsage publishes the token usage reported by a completion.
func (a *Agent) recordUsage(resp *llms.ContentResponse) {
	in, out, total := llmutils.CountTokens(resp)
	model := a.model.GetName()
	metricskey.StatsLLMInputTokens.IncrCounter(float64(in), model)
	metricskey.StatsLLMOutputTokens.IncrCounter(float64(out), model)
	metricskey.StatsLLMTotalTokens.IncrCounter(float64(total), model)
}
