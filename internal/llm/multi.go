package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// MultiClient picks a provider per request. A model is routed by, in
// order: an explicit "provider/model" prefix naming a registered
// provider (the prefix is stripped before the call), a mapping added
// with AddModel, or the fallback.
type MultiClient struct {
	providers map[string]Client
	routes    map[string]string // model → provider
	fallback  Client
}

// NewMultiClient creates a router whose unmatched models go to fallback.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		providers: make(map[string]Client),
		routes:    make(map[string]string),
		fallback:  fallback,
	}
}

// AddProvider registers client under name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.providers[name] = client
}

// AddModel routes model to the named provider.
func (m *MultiClient) AddModel(model, provider string) {
	m.routes[model] = provider
}

// Providers lists registered provider names, sorted.
func (m *MultiClient) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for n := range m.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// resolve returns the client for model and the model name to send it.
func (m *MultiClient) resolve(model string) (Client, string) {
	if provider, rest, ok := strings.Cut(model, "/"); ok {
		if c, ok := m.providers[provider]; ok {
			return c, rest
		}
	}
	if provider, ok := m.routes[model]; ok {
		if c, ok := m.providers[provider]; ok {
			return c, model
		}
	}
	return m.fallback, model
}

// Chat forwards to the provider resolved for model.
func (m *MultiClient) Chat(ctx context.Context, model string, messages []Message, tools []Tool) (*ChatResponse, error) {
	client, name := m.resolve(model)
	if client == nil {
		return nil, fmt.Errorf("no provider configured for model %q", model)
	}
	return client.Chat(ctx, name, messages, tools)
}

// Ping checks the fallback and every other registered provider, joining
// the failures.
func (m *MultiClient) Ping(ctx context.Context) error {
	if m.fallback == nil && len(m.providers) == 0 {
		return errors.New("no providers configured")
	}
	var errs []error
	if m.fallback != nil {
		if err := m.fallback.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("fallback: %w", err))
		}
	}
	for _, name := range m.Providers() {
		c := m.providers[name]
		if c == m.fallback {
			continue
		}
		if err := c.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
