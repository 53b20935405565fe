package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestOpenAIClient_Chat(t *testing.T) {
	bodies := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies <- body
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1760000000,
			"model": "gpt-4o-mini",
			"choices": [{
				"index": 0,
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"content": null,
					"tool_calls": [{
						"id": "call_9",
						"type": "function",
						"function": {"name": "run_command", "arguments": "{\"command\":\"ls -la\"}"}
					}]
				}
			}],
			"usage": {"prompt_tokens": 21, "completion_tokens": 7, "total_tokens": 28}
		}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL})
	messages := []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "list files"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call_1", Function: FunctionCall{Name: "run_command", Arguments: map[string]any{"command": "pwd"}}}}},
		{Role: RoleTool, ToolCallID: "call_1", ToolName: "run_command", Content: "/home"},
	}
	tools := []Tool{{Name: "run_command", Description: "Run", Parameters: map[string]any{"type": "object"}}}

	resp, err := c.Chat(context.Background(), "gpt-4o-mini", messages, tools)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	body := <-bodies
	if body["model"] != "gpt-4o-mini" {
		t.Errorf("model = %v", body["model"])
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 4 {
		t.Fatalf("messages = %v", body["messages"])
	}
	roles := make([]string, len(msgs))
	for i, m := range msgs {
		roles[i], _ = m.(map[string]any)["role"].(string)
	}
	if diff := cmp.Diff([]string{"system", "user", "assistant", "tool"}, roles); diff != "" {
		t.Errorf("roles (-want +got):\n%s", diff)
	}
	if id := msgs[3].(map[string]any)["tool_call_id"]; id != "call_1" {
		t.Errorf("tool_call_id = %v", id)
	}
	calls, _ := msgs[2].(map[string]any)["tool_calls"].([]any)
	if len(calls) != 1 || calls[0].(map[string]any)["function"].(map[string]any)["arguments"] != `{"command":"pwd"}` {
		t.Errorf("assistant tool_calls = %v", calls)
	}
	if tl, _ := body["tools"].([]any); len(tl) != 1 {
		t.Errorf("tools = %v", body["tools"])
	}

	want := []ToolCall{{ID: "call_9", Function: FunctionCall{Name: "run_command", Arguments: map[string]any{"command": "ls -la"}}}}
	if diff := cmp.Diff(want, resp.Message.ToolCalls); diff != "" {
		t.Errorf("tool calls (-want +got):\n%s", diff)
	}
	if resp.Message.Content != "" || resp.InputTokens != 21 || resp.OutputTokens != 7 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestOpenAIClient_BadArguments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","created":1,"model":"m","choices":[{"index":0,"finish_reason":"tool_calls","message":{"role":"assistant","content":null,"tool_calls":[{"id":"c","type":"function","function":{"name":"f","arguments":"not json"}}]}}]}`))
	}))
	defer srv.Close()

	_, err := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: srv.URL}).Chat(context.Background(), "m", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "not a JSON object") {
		t.Errorf("err = %v", err)
	}
}

func TestToOpenAIMessages_Images(t *testing.T) {
	msgs := toOpenAIMessages([]Message{
		{Role: RoleUser, Content: "describe", Images: []Image{{MIMEType: "image/jpeg", Data: []byte("jpg")}}},
	})
	data, err := json.Marshal(msgs)
	if err != nil {
		t.Fatal(err)
	}
	var decoded []struct {
		Role    string `json:"role"`
		Content []struct {
			Type     string `json:"type"`
			Text     string `json:"text"`
			ImageURL struct {
				URL string `json:"url"`
			} `json:"image_url"`
		} `json:"content"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	if len(decoded) != 1 || len(decoded[0].Content) != 2 {
		t.Fatalf("messages = %s", data)
	}
	parts := decoded[0].Content
	if parts[0].Type != "text" || parts[0].Text != "describe" {
		t.Errorf("text part = %+v", parts[0])
	}
	if parts[1].Type != "image_url" || parts[1].ImageURL.URL != "data:image/jpeg;base64,anBn" {
		t.Errorf("image part = %+v", parts[1])
	}
}
