// Package manager owns the set of live MCP server connections. It
// starts, stops and restarts servers by name, runs health checks, and
// publishes lifecycle events to an [events.Bus].
//
// Operations on different servers run concurrently. Operations on the
// same server name are serialized, so one name never has two live
// transports.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/mcpvisor/internal/connwatch"
	"github.com/nugget/mcpvisor/internal/events"
	"github.com/nugget/mcpvisor/internal/mcp"
)

// ErrServerNotFound is returned for operations that need a registered
// server and were given an unknown name.
var ErrServerNotFound = errors.New("server not found")

// errNotConnected is the health check message for unknown names.
const errNotConnected = "Server not connected"

// Defaults for zero-value [Options] fields.
const (
	DefaultInitTimeout      = 30 * time.Second
	DefaultHealthTimeout    = 5 * time.Second
	DefaultRestartDelay     = 500 * time.Millisecond
	DefaultStartConcurrency = 4
)

// TransportFactory builds an unconnected transport for cfg.
type TransportFactory func(cfg mcp.ServerConfig, logger *slog.Logger) (mcp.Transport, error)

// Options configures a [Manager].
type Options struct {
	Logger *slog.Logger

	// Bus receives lifecycle events. Nil disables publishing.
	Bus *events.Bus

	// InitTimeout bounds the initialize handshake and the first
	// tools/list of each start.
	InitTimeout time.Duration

	// RequestTimeout is the per-request timeout given to each client
	// unless the server config sets its own. Zero keeps the client
	// default.
	RequestTimeout time.Duration

	// HealthTimeout bounds each health check.
	HealthTimeout time.Duration

	// RestartDelay is the pause between stop and start in RestartServer.
	RestartDelay time.Duration

	// StartConcurrency bounds how many servers StartAll starts at once.
	StartConcurrency int

	// HealthInterval enables background health watching of every
	// started server. Zero disables it.
	HealthInterval time.Duration

	// TransportFactory replaces mcp.NewTransport. Used by tests.
	TransportFactory TransportFactory
}

// HealthResult is the outcome of one health check.
type HealthResult struct {
	Healthy   bool
	Latency   time.Duration
	ToolCount int
	Error     string
}

// Manager is the registry of live connections.
type Manager struct {
	opts    Options
	logger  *slog.Logger
	bus     *events.Bus
	factory TransportFactory
	watch   *connwatch.Manager

	mu    sync.RWMutex
	conns map[string]*Connection

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates an empty manager.
func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = DefaultInitTimeout
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = DefaultHealthTimeout
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = DefaultRestartDelay
	}
	if opts.StartConcurrency <= 0 {
		opts.StartConcurrency = DefaultStartConcurrency
	}
	factory := opts.TransportFactory
	if factory == nil {
		factory = mcp.NewTransport
	}
	return &Manager{
		opts:    opts,
		logger:  opts.Logger,
		bus:     opts.Bus,
		factory: factory,
		watch:   connwatch.NewManager(opts.Logger),
		conns:   make(map[string]*Connection),
		locks:   make(map[string]*sync.Mutex),
	}
}

// lock serializes lifecycle operations on one server name.
func (m *Manager) lock(name string) func() {
	m.locksMu.Lock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	m.locksMu.Unlock()

	l.Lock()
	return l.Unlock
}

func (m *Manager) get(name string) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[name]
}

// Connection returns the live connection for name.
func (m *Manager) Connection(name string) (*Connection, bool) {
	c := m.get(name)
	return c, c != nil
}

// Client returns the client of the live connection for name.
func (m *Manager) Client(name string) (*mcp.Client, bool) {
	c := m.get(name)
	if c == nil {
		return nil, false
	}
	return c.Client, true
}

// Connections returns the live connections sorted by name.
func (m *Manager) Connections() []*Connection {
	m.mu.RLock()
	conns := lo.Values(m.conns)
	m.mu.RUnlock()

	sort.Slice(conns, func(i, j int) bool { return conns[i].Name < conns[j].Name })
	return conns
}

// Status returns a snapshot of every live connection sorted by name.
func (m *Manager) Status() []ConnectionStatus {
	return lo.Map(m.Connections(), func(c *Connection, _ int) ConnectionStatus {
		return c.Status()
	})
}

// StartServer connects to the server described by cfg, performs the
// MCP handshake and registers the connection. A server that is already
// running is returned as is.
//
// Listing tools after the handshake is best effort: a server that
// rejects tools/list still starts, with a tool count of zero.
func (m *Manager) StartServer(ctx context.Context, cfg mcp.ServerConfig) (*Connection, error) {
	unlock := m.lock(cfg.Name)
	defer unlock()

	if c := m.get(cfg.Name); c != nil {
		return c, nil
	}
	return m.start(ctx, cfg)
}

func (m *Manager) start(ctx context.Context, cfg mcp.ServerConfig) (*Connection, error) {
	logger := m.logger.With("mcp_server", cfg.Name)

	conn, err := m.connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("MCP server failed to start",
			"transport", cfg.Kind(),
			"error", err,
		)
		m.bus.Emit(events.SourceManager, events.KindServerFailed, map[string]any{
			"server":    cfg.Name,
			"transport": string(cfg.Kind()),
			"error":     err.Error(),
			"code":      string(mcp.CodeOf(err)),
		})
		return nil, err
	}

	m.mu.Lock()
	m.conns[cfg.Name] = conn
	m.mu.Unlock()

	go m.watchClose(conn)
	if m.opts.HealthInterval > 0 {
		m.watchHealth(conn)
	}

	info := conn.Client.ServerInfo()
	logger.Info("MCP server started",
		"transport", cfg.Kind(),
		"connection_id", conn.ID,
		"tools", conn.ToolCount(),
	)
	m.bus.Emit(events.SourceManager, events.KindServerStarted, map[string]any{
		"server":         cfg.Name,
		"transport":      string(cfg.Kind()),
		"connection_id":  conn.ID,
		"tool_count":     conn.ToolCount(),
		"server_name":    info.ServerInfo.Name,
		"server_version": info.ServerInfo.Version,
	})
	return conn, nil
}

// connect builds, connects and initializes a client for cfg. On failure
// everything it opened is closed again.
func (m *Manager) connect(ctx context.Context, cfg mcp.ServerConfig, logger *slog.Logger) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	transport, err := m.factory(cfg, m.logger)
	if err != nil {
		return nil, err
	}
	if err := transport.Connect(ctx); err != nil {
		transport.Disconnect()
		return nil, err
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = m.opts.RequestTimeout
	}
	client := mcp.NewClient(cfg.Name, transport, m.logger, mcp.WithRequestTimeout(timeout))

	initCtx, cancel := context.WithTimeout(ctx, m.opts.InitTimeout)
	defer cancel()

	if _, err := client.Initialize(initCtx, nil); err != nil {
		client.Close()
		return nil, err
	}

	conn := &Connection{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Name:        cfg.Name,
		Config:      cfg,
		Client:      client,
		Transport:   transport,
		ConnectedAt: time.Now(),
		healthy:     true,
	}

	tools, err := client.ListTools(initCtx)
	if err != nil {
		logger.Warn("tools/list failed, continuing without tools", "error", err)
	} else {
		conn.toolCount = len(tools)
	}
	return conn, nil
}

// watchClose unregisters conn when its transport closes without a stop
// request.
func (m *Manager) watchClose(conn *Connection) {
	<-conn.Client.Done()

	unlock := m.lock(conn.Name)
	defer unlock()

	m.mu.Lock()
	current := m.conns[conn.Name] == conn
	if current {
		delete(m.conns, conn.Name)
	}
	m.mu.Unlock()
	if !current {
		return
	}

	m.watch.Unwatch(conn.Name)

	data := map[string]any{
		"server":        conn.Name,
		"transport":     string(conn.Config.Kind()),
		"connection_id": conn.ID,
	}
	if err := conn.Client.Err(); err != nil {
		data["error"] = err.Error()
	}
	m.logger.Warn("MCP server connection closed",
		"mcp_server", conn.Name,
		"connection_id", conn.ID,
		"error", conn.Client.Err(),
	)
	m.bus.Emit(events.SourceManager, events.KindServerClosed, data)
}

// StopServer disconnects the named server and forgets it. Stopping a
// server that is not running does nothing.
func (m *Manager) StopServer(name string) error {
	unlock := m.lock(name)
	defer unlock()
	return m.stop(name)
}

func (m *Manager) stop(name string) error {
	m.mu.Lock()
	conn := m.conns[name]
	delete(m.conns, name)
	m.mu.Unlock()

	if conn == nil {
		return nil
	}

	m.watch.Unwatch(name)
	err := conn.Client.Close()

	m.logger.Info("MCP server stopped",
		"mcp_server", name,
		"connection_id", conn.ID,
	)
	m.bus.Emit(events.SourceManager, events.KindServerStopped, map[string]any{
		"server":        name,
		"transport":     string(conn.Config.Kind()),
		"connection_id": conn.ID,
	})
	return err
}

// RestartServer stops the named server, waits RestartDelay, and starts
// it again from the config it was started with.
func (m *Manager) RestartServer(ctx context.Context, name string) (*Connection, error) {
	unlock := m.lock(name)
	defer unlock()

	old := m.get(name)
	if old == nil {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	cfg := old.Config

	if err := m.stop(name); err != nil {
		m.logger.Debug("error closing MCP server during restart",
			"mcp_server", name,
			"error", err,
		)
	}
	if !connwatch.SleepCtx(ctx, m.opts.RestartDelay) {
		return nil, ctx.Err()
	}

	conn, err := m.start(ctx, cfg)
	if err != nil {
		return nil, err
	}
	m.bus.Emit(events.SourceManager, events.KindServerRestarted, map[string]any{
		"server":        name,
		"transport":     string(cfg.Kind()),
		"connection_id": conn.ID,
	})
	return conn, nil
}

// HealthCheck lists the named server's tools within HealthTimeout and
// records the outcome on its connection. It never returns an error:
// an unknown name or a failed call yields an unhealthy result.
func (m *Manager) HealthCheck(ctx context.Context, name string) HealthResult {
	conn := m.get(name)
	if conn == nil {
		return HealthResult{Healthy: false, Error: errNotConnected}
	}
	return m.check(ctx, conn)
}

func (m *Manager) check(ctx context.Context, conn *Connection) HealthResult {
	ctx, cancel := context.WithTimeout(ctx, m.opts.HealthTimeout)
	defer cancel()

	start := time.Now()
	tools, err := conn.Client.ListTools(ctx)
	r := HealthResult{Latency: time.Since(start)}
	if err != nil {
		r.Error = err.Error()
	} else {
		r.Healthy = true
		r.ToolCount = len(tools)
	}
	conn.recordHealth(r)

	m.bus.Emit(events.SourceManager, events.KindServerHealth, map[string]any{
		"server":     conn.Name,
		"healthy":    r.Healthy,
		"latency_ms": r.Latency.Milliseconds(),
		"tool_count": conn.ToolCount(),
		"error":      r.Error,
	})
	return r
}

// watchHealth registers a background watcher for conn. Servers that do
// not advertise tools are probed with ping.
func (m *Manager) watchHealth(conn *Connection) {
	probe := func(ctx context.Context) error {
		if info := conn.Client.ServerInfo(); info == nil || info.Capabilities.Tools == nil {
			return conn.Client.Ping(ctx)
		}
		if r := m.check(ctx, conn); !r.Healthy {
			return errors.New(r.Error)
		}
		return nil
	}

	m.watch.Watch(context.Background(), connwatch.WatcherConfig{
		Name:  conn.Name,
		Probe: probe,
		Backoff: connwatch.BackoffConfig{
			MaxRetries:   1,
			PollInterval: m.opts.HealthInterval,
			ProbeTimeout: m.opts.HealthTimeout,
		},
		OnReady: func() {
			m.bus.Emit(events.SourceWatch, events.KindServerHealth, map[string]any{
				"server":  conn.Name,
				"healthy": true,
			})
		},
		OnDown: func(err error) {
			m.bus.Emit(events.SourceWatch, events.KindServerHealth, map[string]any{
				"server":  conn.Name,
				"healthy": false,
				"error":   err.Error(),
			})
		},
		Logger: m.logger,
	})
}

// WatchStatus returns the background watcher status of every watched
// server.
func (m *Manager) WatchStatus() map[string]connwatch.ServiceStatus {
	return m.watch.Status()
}

// StartAll starts every enabled server in configs, at most
// StartConcurrency at a time. Failures are logged and skipped; the
// result holds only the servers that came up.
func (m *Manager) StartAll(ctx context.Context, configs []mcp.ServerConfig) map[string]*Connection {
	var (
		mu      sync.Mutex
		started = make(map[string]*Connection, len(configs))
	)

	g := new(errgroup.Group)
	g.SetLimit(m.opts.StartConcurrency)
	for _, cfg := range configs {
		if !cfg.IsEnabled() {
			m.logger.Debug("skipping disabled MCP server", "mcp_server", cfg.Name)
			continue
		}
		g.Go(func() error {
			conn, err := m.StartServer(ctx, cfg)
			if err != nil {
				return nil
			}
			mu.Lock()
			started[cfg.Name] = conn
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	m.logger.Info("MCP servers started",
		"started", len(started),
		"configured", len(configs),
	)
	return started
}

// StopAll stops every running server.
func (m *Manager) StopAll() {
	m.mu.RLock()
	names := lo.Keys(m.conns)
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.StopServer(name); err != nil {
				m.logger.Warn("error stopping MCP server",
					"mcp_server", name,
					"error", err,
				)
			}
		}()
	}
	wg.Wait()
	m.watch.Stop()
}

// Tools returns the tools of the named server, from the client's cache
// when it is still valid.
func (m *Manager) Tools(ctx context.Context, name string) ([]mcp.Tool, error) {
	conn := m.get(name)
	if conn == nil {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	if tools, ok := conn.Client.Tools(); ok {
		return tools, nil
	}
	return conn.Client.ListTools(ctx)
}

// Catalog returns the namespaced, filtered tool catalog across all live
// servers. Servers whose tools cannot be listed are logged and skipped.
func (m *Manager) Catalog(ctx context.Context) []mcp.CatalogEntry {
	var out []mcp.CatalogEntry
	for _, conn := range m.Connections() {
		tools, err := m.Tools(ctx, conn.Name)
		if err != nil {
			m.logger.Warn("failed to list MCP tools",
				"mcp_server", conn.Name,
				"error", err,
			)
			continue
		}
		out = append(out, mcp.Catalog(conn.Name, tools, conn.Config.Filter())...)
	}
	return out
}
