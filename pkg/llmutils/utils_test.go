package llmutils_test

import (
	"testing"

	"github.com/effective-security/optimade-agent/pkg/llms"
	"github.com/effective-security/optimade-agent/pkg/llmutils"
	"github.com/stretchr/testify/assert"
)

func TestJSONIndent(t *testing.T) {
	assert.Equal(t, "{\n\t\"a\": 1\n}", llmutils.JSONIndent(`{"a":1}`))
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "plain", llmutils.Stringify("plain"))
	assert.Equal(t, "part", llmutils.Stringify(llms.TextPart("part")))
	assert.Contains(t, llmutils.Stringify(map[string]int{"a": 1}), `"a": 1`)
}

func TestEnsureEndsWithNewline(t *testing.T) {
	assert.Equal(t, "", llmutils.EnsureEndsWithNewline("  "))
	assert.Equal(t, "a\n", llmutils.EnsureEndsWithNewline("a"))
	assert.Equal(t, "a\n", llmutils.EnsureEndsWithNewline("  a\n\n"))
}

func TestCountTokens(t *testing.T) {
	resp := &llms.ContentResponse{
		Choices: []*llms.ContentChoice{
			{
				GenerationInfo: map[string]any{
					"InputTokens":  int64(10),
					"OutputTokens": int64(5),
					"TotalTokens":  int64(15),
				},
			},
			{
				GenerationInfo: map[string]any{
					"InputTokens":  int64(1),
					"OutputTokens": int64(2),
					"TotalTokens":  int64(3),
				},
			},
		},
	}
	in, out, total := llmutils.CountTokens(resp)
	assert.Equal(t, int64(11), in)
	assert.Equal(t, int64(7), out)
	assert.Equal(t, int64(18), total)
}

func TestCountMessagesContentSize(t *testing.T) {
	msgs := []llms.Message{
		llms.MessageFromTextParts(llms.RoleHuman, "hello"),
		llms.MessageFromToolResponse(llms.RoleTool, llms.ToolCallResponse{
			ToolCallID: "c1",
			Name:       "query_optimade",
			Content:    "result",
		}),
	}
	size := llmutils.CountMessagesContentSize(msgs)
	// role + text of the first, role + id + name + content of the second
	exp := uint64(len("human") + len("hello") + len("tool") + len("c1") + len("query_optimade") + len("result"))
	assert.Equal(t, exp, size)
}
