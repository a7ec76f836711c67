package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/effective-security/optimade-agent/mcpclient"
	"github.com/effective-security/optimade-agent/pkg/llms"
	"github.com/effective-security/optimade-agent/pkg/llmutils"
	"github.com/effective-security/xlog"
	"github.com/invopop/jsonschema"
)

// ToFunctionSchema maps the discovered tool catalog to the function-calling
// schema sent to the model. The output preserves catalog order and every
// entry carries a valid parameters object, defaulting to an empty object
// schema when the server did not provide one.
func ToFunctionSchema(catalog []mcpclient.ToolDescriptor) []llms.Tool {
	tools := make([]llms.Tool, 0, len(catalog))
	for _, t := range catalog {
		params := emptyObjectSchema()
		if len(t.InputSchema) > 0 {
			var s jsonschema.Schema
			if err := json.Unmarshal(t.InputSchema, &s); err == nil {
				params = &s
			} else {
				logger.KV(xlog.WARNING,
					"status", "invalid_tool_schema",
					"tool", t.Name,
					"err", err.Error(),
				)
			}
		}
		tools = append(tools, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return tools
}

func emptyObjectSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:       "object",
		Properties: jsonschema.NewProperties(),
	}
}

// FormatResult renders a tool result as text for the model: structured
// content first as indented JSON, then each text part in order, then a
// stringified fallback for anything else. It never fails; an empty result
// falls back to the raw value's string form.
func FormatResult(result *mcpclient.CallToolResult) string {
	if result == nil {
		return "<nil>"
	}

	var parts []string
	if len(result.StructuredContent) > 0 {
		if indented := llmutils.JSONIndent(string(result.StructuredContent)); indented != "" {
			parts = append(parts, indented)
		} else {
			parts = append(parts, string(result.StructuredContent))
		}
	}
	for _, c := range result.Content {
		switch c.Type {
		case "text":
			if c.Text != "" {
				parts = append(parts, c.Text)
			}
		case "image":
			parts = append(parts, fmt.Sprintf("[image %s %d bytes]", c.MimeType, len(c.Data)))
		default:
			parts = append(parts, llmutils.Stringify(c))
		}
	}

	joined := strings.Join(parts, "\n")
	if joined == "" {
		return llmutils.Stringify(result)
	}
	return joined
}
