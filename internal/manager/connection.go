package manager

import (
	"sync"
	"time"

	"github.com/nugget/mcpvisor/internal/mcp"
)

// Connection is one live, initialized MCP server.
type Connection struct {
	// ID is unique per start; a restart produces a new ID.
	ID          string
	Name        string
	Config      mcp.ServerConfig
	Client      *mcp.Client
	Transport   mcp.Transport
	ConnectedAt time.Time

	mu        sync.Mutex
	toolCount int
	healthy   bool
	lastCheck time.Time
	lastErr   string
	latency   time.Duration
}

// ConnectionStatus is a point-in-time snapshot of a [Connection],
// shaped for JSON.
type ConnectionStatus struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Transport       string    `json:"transport"`
	Connected       bool      `json:"connected"`
	Healthy         bool      `json:"healthy"`
	ToolCount       int       `json:"tool_count"`
	ConnectedAt     time.Time `json:"connected_at"`
	LastCheck       time.Time `json:"last_check,omitzero"`
	LatencyMS       int64     `json:"latency_ms"`
	LastError       string    `json:"last_error,omitempty"`
	ServerName      string    `json:"server_name,omitempty"`
	ServerVersion   string    `json:"server_version,omitempty"`
	ProtocolVersion string    `json:"protocol_version,omitempty"`
}

// ToolCount returns the number of tools seen at the last successful
// tools/list.
func (c *Connection) ToolCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.toolCount
}

// Healthy reports the outcome of the most recent health check. A
// freshly started connection is healthy.
func (c *Connection) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy
}

// Status returns a snapshot of the connection.
func (c *Connection) Status() ConnectionStatus {
	c.mu.Lock()
	s := ConnectionStatus{
		ID:          c.ID,
		Name:        c.Name,
		Transport:   string(c.Config.Kind()),
		Healthy:     c.healthy,
		ToolCount:   c.toolCount,
		ConnectedAt: c.ConnectedAt,
		LastCheck:   c.lastCheck,
		LatencyMS:   c.latency.Milliseconds(),
		LastError:   c.lastErr,
	}
	c.mu.Unlock()

	s.Connected = c.Transport.IsConnected() && c.Client.Ready()
	if info := c.Client.ServerInfo(); info != nil {
		s.ServerName = info.ServerInfo.Name
		s.ServerVersion = info.ServerInfo.Version
		s.ProtocolVersion = info.ProtocolVersion
	}
	return s
}

func (c *Connection) recordHealth(r HealthResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthy = r.Healthy
	c.lastCheck = time.Now()
	c.latency = r.Latency
	c.lastErr = r.Error
	if r.Healthy {
		c.toolCount = r.ToolCount
	}
}
