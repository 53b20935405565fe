package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// serversFileEntry is one value of the "mcpServers" object. Both the
// "transport" and "type" spellings are accepted for the transport.
type serversFileEntry struct {
	Command   string            `json:"command"`
	Args      []string          `json:"args"`
	Env       map[string]string `json:"env"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers"`
	Transport string            `json:"transport"`
	Type      string            `json:"type"`
	Timeout   string            `json:"timeout"`
	Disabled  bool              `json:"disabled"`
}

// LoadServersFile reads a {"mcpServers": {"name": {...}}} JSON file and
// returns its servers in file order. Disabled entries are skipped.
// ${VAR} references are expanded before parsing.
func LoadServersFile(path string) ([]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read servers file: %w", err)
	}

	var doc struct {
		MCPServers json.RawMessage `json:"mcpServers"`
	}
	if err := json.Unmarshal([]byte(os.ExpandEnv(string(data))), &doc); err != nil {
		return nil, fmt.Errorf("parse servers file %s: %w", path, err)
	}
	if len(doc.MCPServers) == 0 {
		return nil, fmt.Errorf("servers file %s: missing mcpServers object", path)
	}

	// Object key order is registration order, which decides collision
	// winners, so walk tokens instead of decoding into a map.
	dec := json.NewDecoder(bytes.NewReader(doc.MCPServers))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil, fmt.Errorf("servers file %s: mcpServers must be an object", path)
	}

	var servers []ServerConfig
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("servers file %s: %w", path, err)
		}
		name, _ := tok.(string)

		var e serversFileEntry
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("servers file %s: server %q: %w", path, name, err)
		}
		if e.Disabled {
			continue
		}

		sc := ServerConfig{
			Name:      name,
			Transport: normalizeTransport(e.Transport, e.Type),
			Command:   e.Command,
			Args:      e.Args,
			Env:       e.Env,
			URL:       e.URL,
			Headers:   e.Headers,
		}
		if e.Timeout != "" {
			d, err := time.ParseDuration(e.Timeout)
			if err != nil {
				return nil, fmt.Errorf("servers file %s: server %q: timeout: %w", path, name, err)
			}
			sc.Timeout = d
		}
		servers = append(servers, sc)
	}
	return servers, nil
}

func normalizeTransport(transport, typ string) string {
	t := transport
	if t == "" {
		t = typ
	}
	switch t {
	case "streamable-http", "streamableHttp", "http":
		return TransportHTTP
	case "ws":
		return TransportWebSocket
	}
	return t
}
