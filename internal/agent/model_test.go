package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/nugget/hark/internal/llm"
	"github.com/nugget/hark/internal/mcp"
)

type stubLLM struct {
	resp     *llm.ChatResponse
	err      error
	messages []llm.Message
	tools    []llm.Tool
}

func (s *stubLLM) Chat(_ context.Context, _ string, messages []llm.Message, tools []llm.Tool) (*llm.ChatResponse, error) {
	s.messages, s.tools = messages, tools
	return s.resp, s.err
}

func (s *stubLLM) Ping(context.Context) error { return nil }

func TestToMessages(t *testing.T) {
	conv := NewConversation("what is here?", "what is here?", "You are helpful.", "ask")
	r1 := ToolInvocationRequest{ID: uuid.New(), CallID: "c1", Tool: "run_command", Arguments: map[string]any{"cmd": "ls"}}
	r2 := ToolInvocationRequest{ID: uuid.New(), CallID: "c2", Tool: "search_docs", Arguments: map[string]any{}}
	conv.Append(r1)
	conv.Append(r2)
	conv.Append(ToolInvocationResult{RequestID: r1.ID, Tool: "run_command", Payload: "a.txt"})
	conv.Append(ToolInvocationResult{RequestID: r2.ID, Tool: "search_docs", Err: &mcp.InvocationError{Kind: mcp.UnknownTool, Tool: "search_docs"}})
	conv.Append(FinalAnswer{Text: "There is a.txt."})

	got := toMessages(conv)
	want := []llm.Message{
		{Role: "system", Content: "You are helpful."},
		{Role: "user", Content: "what is here?"},
		{Role: "assistant", ToolCalls: []llm.ToolCall{
			{ID: "c1", Function: llm.FunctionCall{Name: "run_command", Arguments: map[string]any{"cmd": "ls"}}},
			{ID: "c2", Function: llm.FunctionCall{Name: "search_docs", Arguments: map[string]any{}}},
		}},
		{Role: "tool", Content: "a.txt", ToolCallID: "c1", ToolName: "run_command"},
		{Role: "tool", Content: `{"error":"tool search_docs: unknown_tool","kind":"unknown_tool"}`, ToolCallID: "c2", ToolName: "search_docs"},
		{Role: "assistant", Content: "There is a.txt."},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("messages (-want +got):\n%s", diff)
	}
}

func TestToMessages_Attachments(t *testing.T) {
	img := llm.Image{Name: "a.png", MIMEType: "image/png", Data: []byte("png")}
	conv := NewConversation("what is this?", "what is this?", "", "ask", img)

	got := toMessages(conv)
	want := []llm.Message{{Role: "user", Content: "what is this?", Images: []llm.Image{img}}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("messages (-want +got):\n%s", diff)
	}
}

func TestResultContent(t *testing.T) {
	tests := []struct {
		name string
		in   ToolInvocationResult
		want string
	}{
		{"payload", ToolInvocationResult{Payload: "ok"}, "ok"},
		{"tool error", ToolInvocationResult{Payload: "denied", IsError: true}, `{"error":"denied"}`},
		{"plain error", ToolInvocationResult{Err: errors.New("boom")}, `{"error":"boom"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resultContent(tt.in); got != tt.want {
				t.Errorf("resultContent = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLLMModel_Next(t *testing.T) {
	schema := map[string]any{"type": "object", "properties": map[string]any{"cmd": map[string]any{"type": "string"}}}
	catalog := mcp.NewCatalog([]mcp.ToolDescriptor{tool("term", "run_command", schema)})

	t.Run("final text strips reasoning", func(t *testing.T) {
		stub := &stubLLM{resp: &llm.ChatResponse{Message: llm.Message{Content: "<think>\nhmm\n</think>\n\nAll done."}}}
		reply, err := NewLLMModel(stub, "qwen3:4b", nil).Next(context.Background(), NewConversation("q", "q", "", "ask"), catalog)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if reply.Text != "All done." || len(reply.Calls) != 0 {
			t.Errorf("reply = %+v", reply)
		}
		if len(stub.tools) != 1 || stub.tools[0].Name != "run_command" || stub.tools[0].Parameters["type"] != "object" {
			t.Errorf("tools sent = %+v", stub.tools)
		}
	})

	t.Run("tool calls", func(t *testing.T) {
		stub := &stubLLM{resp: &llm.ChatResponse{Message: llm.Message{
			Content: "<think>need ls</think>",
			ToolCalls: []llm.ToolCall{{ID: "x1", Function: llm.FunctionCall{Name: "run_command", Arguments: map[string]any{"cmd": "ls"}}}},
		}}}
		reply, err := NewLLMModel(stub, "m", nil).Next(context.Background(), NewConversation("q", "q", "", "ask"), catalog)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		want := Reply{Calls: []Call{{CallID: "x1", Tool: "run_command", Arguments: map[string]any{"cmd": "ls"}}}}
		if diff := cmp.Diff(want, reply); diff != "" {
			t.Errorf("reply (-want +got):\n%s", diff)
		}
	})

	t.Run("backend error", func(t *testing.T) {
		boom := errors.New("503")
		_, err := NewLLMModel(&stubLLM{err: boom}, "m", nil).Next(context.Background(), NewConversation("q", "q", "", "ask"), catalog)
		if !errors.Is(err, boom) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestConversation(t *testing.T) {
	conv := NewConversation("raw", "composed", "", "capture")
	if conv.Request != "raw" || conv.Turns()[0].(UserText).Text != "composed" {
		t.Errorf("conversation = %+v", conv)
	}
	if _, ok := conv.Final(); ok {
		t.Error("new conversation has no final answer")
	}

	turns := conv.Turns()
	turns[0] = FinalAnswer{}
	if _, ok := conv.Turns()[0].(UserText); !ok {
		t.Error("Turns must return a copy")
	}

	conv.Append(FinalAnswer{Text: "bye"})
	if f, ok := conv.Final(); !ok || f.Text != "bye" {
		t.Errorf("Final = %+v, %v", f, ok)
	}
}
