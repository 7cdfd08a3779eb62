package mcp

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// ToolFilter selects which of a server's tools are exposed. Patterns are
// doublestar globs matched against the server's own tool names.
//
//   - If Include is non-empty, only tools matching one of its patterns pass.
//   - Otherwise tools matching an Exclude pattern are dropped.
//   - If both are empty, every tool passes.
type ToolFilter struct {
	Include []string
	Exclude []string
}

// Allows reports whether the tool passes the filter. A malformed
// pattern matches nothing.
func (f ToolFilter) Allows(tool string) bool {
	if len(f.Include) > 0 {
		return matchAny(f.Include, tool)
	}
	return !matchAny(f.Exclude, tool)
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

// CatalogEntry is one tool exposed under its namespaced name.
type CatalogEntry struct {
	Name   string `json:"name"`
	Server string `json:"server"`
	Tool   Tool   `json:"tool"`
}

// Catalog namespaces the tools of one server and applies filter. The
// result keeps the server's ordering.
func Catalog(server string, tools []Tool, filter ToolFilter) []CatalogEntry {
	entries := make([]CatalogEntry, 0, len(tools))
	for _, t := range tools {
		if !filter.Allows(t.Name) {
			continue
		}
		entries = append(entries, CatalogEntry{
			Name:   ToolName(server, t.Name),
			Server: server,
			Tool:   t,
		})
	}
	return entries
}

// ToolName generates a namespaced tool name from an MCP server name and
// tool name. Both components are sanitized to contain only lowercase
// alphanumeric characters and underscores.
func ToolName(serverName, mcpToolName string) string {
	server := sanitize(serverName)
	tool := sanitize(mcpToolName)
	return fmt.Sprintf("mcp_%s_%s", server, tool)
}

// sanitize converts a name to lowercase and replaces non-alphanumeric
// characters (except underscore) with underscores. Consecutive
// underscores are collapsed and leading/trailing underscores are trimmed.
func sanitize(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, "-", "_")
	s = sanitizeRe.ReplaceAllString(s, "_")

	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}

	return strings.Trim(s, "_")
}
