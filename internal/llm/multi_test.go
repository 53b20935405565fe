package llm

import (
	"context"
	"errors"
	"testing"
)

type stubClient struct {
	name    string
	pingErr error
	models  []string
}

func (s *stubClient) Chat(_ context.Context, model string, _ []Message, _ []Tool) (*ChatResponse, error) {
	s.models = append(s.models, model)
	return &ChatResponse{Model: model, Message: Message{Role: RoleAssistant, Content: s.name}}, nil
}

func (s *stubClient) Ping(context.Context) error { return s.pingErr }

func TestMultiClient_Routing(t *testing.T) {
	local := &stubClient{name: "ollama"}
	cloud := &stubClient{name: "gemini"}
	m := NewMultiClient(local)
	m.AddProvider("gemini", cloud)
	m.AddModel("gemini-2.0-flash", "gemini")
	m.AddModel("orphan", "nobody")

	tests := []struct {
		model     string
		want      string
		wantModel string
	}{
		{"gemini-2.0-flash", "gemini", "gemini-2.0-flash"},
		{"gemini/gemini-1.5-pro", "gemini", "gemini-1.5-pro"},
		{"qwen3:4b", "ollama", "qwen3:4b"},
		{"orphan", "ollama", "orphan"},
		{"library/llama3", "ollama", "library/llama3"},
	}
	for _, tt := range tests {
		resp, err := m.Chat(context.Background(), tt.model, nil, nil)
		if err != nil {
			t.Fatalf("Chat(%s): %v", tt.model, err)
		}
		if resp.Message.Content != tt.want {
			t.Errorf("Chat(%s) routed to %q, want %q", tt.model, resp.Message.Content, tt.want)
		}
		if resp.Model != tt.wantModel {
			t.Errorf("Chat(%s) sent model %q, want %q", tt.model, resp.Model, tt.wantModel)
		}
	}

	if got := m.Providers(); len(got) != 1 || got[0] != "gemini" {
		t.Errorf("Providers() = %v, want [gemini]", got)
	}
}

func TestMultiClient_NoFallback(t *testing.T) {
	m := NewMultiClient(nil)
	if _, err := m.Chat(context.Background(), "x", nil, nil); err == nil {
		t.Error("expected error without a provider")
	}
	if err := m.Ping(context.Background()); err == nil {
		t.Error("Ping with no providers should fail")
	}
}

func TestMultiClient_PingJoinsErrors(t *testing.T) {
	down := errors.New("down")
	m := NewMultiClient(&stubClient{})
	m.AddProvider("openai", &stubClient{pingErr: down})
	if err := m.Ping(context.Background()); !errors.Is(err, down) {
		t.Errorf("Ping = %v, want wrapped down", err)
	}
}
