package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/nugget/hark/internal/llm"
	"github.com/nugget/hark/internal/mcp"
)

// LLMModel adapts an llm.Client to Model.
type LLMModel struct {
	client llm.Client
	model  string
	logger *slog.Logger
}

// NewLLMModel returns a Model that asks client for model replies.
func NewLLMModel(client llm.Client, model string, logger *slog.Logger) *LLMModel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMModel{client: client, model: model, logger: logger}
}

// thinkBlock matches reasoning traces some local models prepend.
var thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)

// Next sends the history and catalog to the backend and classifies the
// reply. Reasoning traces are dropped before classification.
func (m *LLMModel) Next(ctx context.Context, conv *Conversation, catalog *mcp.Catalog) (Reply, error) {
	resp, err := m.client.Chat(ctx, m.model, toMessages(conv), toTools(catalog))
	if err != nil {
		return Reply{}, err
	}
	m.logger.Log(ctx, llm.LevelTrace, "model reply",
		"model", resp.Model,
		"content", resp.Message.Content,
		"tool_calls", len(resp.Message.ToolCalls),
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
	)

	reply := Reply{Text: strings.TrimSpace(thinkBlock.ReplaceAllString(resp.Message.Content, ""))}
	for _, tc := range resp.Message.ToolCalls {
		reply.Calls = append(reply.Calls, Call{CallID: tc.ID, Tool: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	return reply, nil
}

// toMessages renders a conversation for a chat backend. Consecutive
// tool requests become one assistant message; each result becomes a
// tool message tied to its request's CallID.
func toMessages(conv *Conversation) []llm.Message {
	var out []llm.Message
	if conv.System != "" {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: conv.System})
	}
	for _, t := range conv.Turns() {
		switch t := t.(type) {
		case UserText:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: t.Text, Images: t.Attachments})
		case ToolInvocationRequest:
			call := llm.ToolCall{ID: t.CallID, Function: llm.FunctionCall{Name: t.Tool, Arguments: t.Arguments}}
			if n := len(out); n > 0 && out[n-1].Role == llm.RoleAssistant && len(out[n-1].ToolCalls) > 0 {
				out[n-1].ToolCalls = append(out[n-1].ToolCalls, call)
				continue
			}
			out = append(out, llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{call}})
		case ToolInvocationResult:
			callID := ""
			if req, ok := conv.request(t.RequestID); ok {
				callID = req.CallID
			}
			out = append(out, llm.Message{
				Role:       llm.RoleTool,
				Content:    resultContent(t),
				ToolCallID: callID,
				ToolName:   t.Tool,
			})
		case FinalAnswer:
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: t.Text})
		}
	}
	return out
}

// resultContent is the text the model reads for one result. Failures
// are wrapped in a small JSON object so the model can tell them apart
// from tool output.
func resultContent(r ToolInvocationResult) string {
	var msg string
	switch {
	case r.Err != nil:
		msg = r.Err.Error()
		if kind, ok := mcp.KindOf(r.Err); ok {
			data, _ := json.Marshal(map[string]string{"error": msg, "kind": string(kind)})
			return string(data)
		}
	case r.IsError:
		msg = r.Payload
	default:
		return r.Payload
	}
	data, _ := json.Marshal(map[string]string{"error": msg})
	return string(data)
}

func toTools(catalog *mcp.Catalog) []llm.Tool {
	descs := catalog.Tools()
	tools := make([]llm.Tool, 0, len(descs))
	for _, d := range descs {
		params := d.InputSchema
		if d.Schema != nil {
			params = d.Schema.Map()
		}
		tools = append(tools, llm.Tool{Name: d.Name, Description: d.Description, Parameters: params})
	}
	return tools
}

// newCallID builds a model-side call id when a backend omits one.
func newCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
