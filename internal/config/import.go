package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// desktopServer is one entry of an mcpServers JSON document, the format
// used by desktop MCP hosts.
type desktopServer struct {
	Command  string            `mapstructure:"command"`
	Args     []string          `mapstructure:"args"`
	Env      map[string]string `mapstructure:"env"`
	Cwd      string            `mapstructure:"cwd"`
	Type     string            `mapstructure:"type"`
	URL      string            `mapstructure:"url"`
	Headers  map[string]string `mapstructure:"headers"`
	Disabled bool              `mapstructure:"disabled"`
}

// ImportServersFile reads a {"mcpServers": {...}} JSON file and returns
// the entries as server configs, sorted by name. Entries with a command
// become stdio servers; entries with a url become sse servers when their
// type is "sse" and http servers otherwise.
func ImportServersFile(path string) ([]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read servers file: %w", err)
	}
	return ImportServers(data)
}

// ImportServers decodes an mcpServers JSON document.
func ImportServers(data []byte) ([]ServerConfig, error) {
	var doc struct {
		MCPServers map[string]map[string]any `json:"mcpServers"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse servers file: %w", err)
	}

	names := make([]string, 0, len(doc.MCPServers))
	for name := range doc.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)

	servers := make([]ServerConfig, 0, len(names))
	for _, name := range names {
		var entry desktopServer
		if err := mapstructure.Decode(doc.MCPServers[name], &entry); err != nil {
			return nil, fmt.Errorf("servers file entry %q: %w", name, err)
		}
		sc, err := entry.toServerConfig(name)
		if err != nil {
			return nil, err
		}
		servers = append(servers, sc)
	}
	return servers, nil
}

func (d desktopServer) toServerConfig(name string) (ServerConfig, error) {
	sc := ServerConfig{Name: name}
	if d.Disabled {
		off := false
		sc.Enabled = &off
	}

	switch {
	case d.Command != "":
		sc.Transport = TransportStdio
		sc.Stdio = &StdioConfig{
			Command: d.Command,
			Args:    d.Args,
			Env:     d.Env,
			Cwd:     d.Cwd,
		}
	case d.URL != "" && strings.EqualFold(d.Type, TransportSSE):
		sc.Transport = TransportSSE
		sc.SSE = &SSEConfig{URL: d.URL, Headers: d.Headers}
	case d.URL != "":
		sc.Transport = TransportHTTP
		sc.HTTP = &HTTPConfig{URL: d.URL, Headers: d.Headers}
	default:
		return ServerConfig{}, fmt.Errorf("servers file entry %q has neither command nor url", name)
	}
	return sc, nil
}
