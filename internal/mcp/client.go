package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/morikuni/failure/v2"

	"github.com/nugget/mcpvisor/internal/buildinfo"
	"github.com/nugget/mcpvisor/internal/config"
)

// ProtocolVersion is the MCP protocol version advertised during
// initialization.
const ProtocolVersion = "2024-11-05"

const (
	defaultRequestTimeout = 30 * time.Second

	// maxListPages bounds nextCursor pagination against servers that
	// never stop returning a cursor.
	maxListPages = 100
)

// NotificationHandler receives notifications sent by the server. It runs
// on the client's event loop and must not block or call back into the
// client.
type NotificationHandler func(method string, params json.RawMessage)

// ClientOption configures a [Client].
type ClientOption func(*Client)

// WithRequestTimeout bounds how long each request waits for its
// response. Values <= 0 keep the default of 30s.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClientInfo overrides the clientInfo sent by Initialize when no
// explicit params are given.
func WithClientInfo(info Implementation) ClientOption {
	return func(c *Client) {
		c.info = info
	}
}

// WithNotificationHandler registers h for server notifications.
func WithNotificationHandler(h NotificationHandler) ClientOption {
	return func(c *Client) {
		c.onNotify = h
	}
}

// outcome resolves one pending request.
type outcome struct {
	result json.RawMessage
	err    error
}

// Client connects to a single MCP server and provides typed access to
// the MCP protocol operations. Requests may be issued concurrently;
// responses are matched to callers by request ID.
//
// Every method except Initialize fails with ErrConnection until the
// handshake has completed, and again once the transport has closed.
type Client struct {
	name      string
	transport Transport
	logger    *slog.Logger
	timeout   time.Duration
	info      Implementation
	onNotify  NotificationHandler
	nextID    atomic.Int64

	initMu sync.Mutex

	mu         sync.Mutex
	pending    map[int64]chan outcome
	ready      bool
	closed     bool
	closeErr   error
	server     *InitializeResult
	tools      []Tool
	toolsValid bool

	done chan struct{}
}

// NewClient creates an MCP client for the given server and starts
// consuming the transport's events. The transport may be connected
// before or after NewClient, but must be connected before Initialize.
func NewClient(name string, transport Transport, logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		name:      name,
		transport: transport,
		logger:    logger.With("mcp_server", name),
		timeout:   defaultRequestTimeout,
		info:      Implementation{Name: buildinfo.Name, Version: buildinfo.Version},
		pending:   make(map[int64]chan outcome),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.pump()
	return c
}

// Name returns the server name this client is connected to.
func (c *Client) Name() string {
	return c.name
}

// Ready reports whether the handshake has completed and the transport
// is still open.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Done is closed once the transport's event stream has ended and every
// pending request has been failed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the transport closed, or nil for a requested
// close or a client that is still open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// ServerInfo returns the initialize result, or nil before the handshake.
func (c *Client) ServerInfo() *InitializeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

// Initialize performs the MCP handshake: it sends an initialize request,
// waits for the result, then sends the notifications/initialized
// notification. Nil params advertise [ProtocolVersion] and the client
// info. Calling Initialize on a ready client returns the earlier result.
// Every failure carries ErrInitialization.
func (c *Client) Initialize(ctx context.Context, params *InitializeParams) (*InitializeResult, error) {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	if r := c.ServerInfo(); r != nil && c.Ready() {
		return r, nil
	}

	if params == nil {
		params = &InitializeParams{
			ProtocolVersion: ProtocolVersion,
			ClientInfo:      c.info,
		}
	}
	fields := failure.Context{"server": c.name}

	var result InitializeResult
	if err := c.call(ctx, methodInitialize, params, &result); err != nil {
		return nil, translate(err, ErrInitialization, "initialize failed", fields)
	}
	if result.ProtocolVersion == "" {
		return nil, newError(ErrInitialization, "initialize result has no protocol version", fields)
	}

	if err := c.transport.Send(ctx, NewNotification(notificationInitialized, nil)); err != nil {
		return nil, translate(err, ErrInitialization, "send initialized notification", fields)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, newError(ErrInitialization, "connection closed during initialize", fields)
	}
	c.ready = true
	c.server = &result
	c.mu.Unlock()

	if result.ProtocolVersion != params.ProtocolVersion {
		c.logger.Warn("MCP server negotiated a different protocol version",
			"requested", params.ProtocolVersion,
			"negotiated", result.ProtocolVersion,
		)
	}
	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)
	return &result, nil
}

// ListTools calls tools/list, following pagination, and refreshes the
// cache returned by [Client.Tools].
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	tools, err := listAll[Tool](ctx, c, methodToolsList, func() *toolsListResult { return new(toolsListResult) })
	if err != nil {
		return nil, err
	}
	if tools == nil {
		tools = []Tool{}
	}

	c.mu.Lock()
	c.tools = tools
	c.toolsValid = true
	c.mu.Unlock()

	c.logger.Debug("discovered MCP tools", "count", len(tools))
	return tools, nil
}

// Tools returns the tool list from the last successful ListTools. The
// boolean is false when nothing is cached or the server announced that
// its tool list changed since.
func (c *Client) Tools() ([]Tool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.toolsValid {
		return nil, false
	}
	out := make([]Tool, len(c.tools))
	copy(out, c.tools)
	return out, true
}

// CallTool invokes a tool by name. A result with IsError set is returned
// without an error; only protocol and transport failures produce one.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	params := struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments,omitempty"`
	}{name, args}

	var result CallToolResult
	if err := c.call(ctx, methodToolsCall, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListResources calls resources/list, following pagination.
func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	return listAll[Resource](ctx, c, methodResourcesList, func() *resourcesListResult { return new(resourcesListResult) })
}

// ListResourceTemplates calls resources/templates/list, following
// pagination.
func (c *Client) ListResourceTemplates(ctx context.Context) ([]ResourceTemplate, error) {
	return listAll[ResourceTemplate](ctx, c, methodResourceTemplatesList, func() *resourceTemplatesListResult { return new(resourceTemplatesListResult) })
}

// ReadResource calls resources/read for uri.
func (c *Client) ReadResource(ctx context.Context, uri string) (*ReadResourceResult, error) {
	params := struct {
		URI string `json:"uri"`
	}{uri}

	var result ReadResourceResult
	if err := c.call(ctx, methodResourcesRead, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListPrompts calls prompts/list, following pagination.
func (c *Client) ListPrompts(ctx context.Context) ([]Prompt, error) {
	return listAll[Prompt](ctx, c, methodPromptsList, func() *promptsListResult { return new(promptsListResult) })
}

// GetPrompt calls prompts/get for the named prompt.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*GetPromptResult, error) {
	params := struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments,omitempty"`
	}{name, args}

	var result GetPromptResult
	if err := c.call(ctx, methodPromptsGet, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Ping checks whether the MCP server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, methodPing, nil, nil)
}

// Close disconnects the transport. Pending requests have failed with
// ErrConnection by the time Close returns.
func (c *Client) Close() error {
	c.logger.Info("closing MCP client")
	err := c.transport.Disconnect()
	c.shutdown(nil)
	return err
}

// call sends one request and waits for its response, the request
// timeout, ctx, or the transport closing, whichever comes first. A
// server error is returned as a wrapped [*RPCError].
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	fields := failure.Context{"server": c.name, "method": method}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return newError(ErrConnection, "client is closed", fields)
	}
	if !c.ready && method != methodInitialize {
		c.mu.Unlock()
		return newError(ErrConnection, "client not initialized", fields)
	}
	id := c.nextID.Add(1)
	ch := make(chan outcome, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	fields["id"] = strconv.FormatInt(id, 10)
	c.logger.Log(ctx, config.LevelTrace, "MCP request", "method", method, "id", id)

	// The request timeout covers Send too: over HTTP the whole round trip
	// happens inside it.
	reqCtx, cancel := context.WithTimeoutCause(ctx, c.timeout, errRequestTimeout)
	defer cancel()

	timedOut := func() error {
		c.forget(id)
		return newError(ErrTimeout, fmt.Sprintf("%s timed out after %s", method, c.timeout), fields)
	}

	if err := c.transport.Send(reqCtx, NewRequest(id, method, params)); err != nil {
		if ctx.Err() == nil && errors.Is(context.Cause(reqCtx), errRequestTimeout) {
			return timedOut()
		}
		c.forget(id)
		return err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			var rpcErr *RPCError
			if errors.As(res.err, &rpcErr) {
				return fmt.Errorf("%s: %w", method, rpcErr)
			}
			return res.err
		}
		if out == nil || len(res.result) == 0 {
			return nil
		}
		if err := json.Unmarshal(res.result, out); err != nil {
			return translate(err, ErrTransport, "decode "+method+" result", fields)
		}
		return nil
	case <-reqCtx.Done():
		if ctx.Err() != nil {
			c.forget(id)
			return ctxError(ctx, method+" cancelled", fields)
		}
		return timedOut()
	}
}

// errRequestTimeout is the cancellation cause of a request whose own
// timeout expired.
var errRequestTimeout = errors.New("request timeout")

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// page is one response of a paginated list method.
type page[T any] interface {
	next() string
	entries() []T
}

func (p paginated) next() string { return p.NextCursor }

func (r *toolsListResult) entries() []Tool                         { return r.Tools }
func (r *resourcesListResult) entries() []Resource                 { return r.Resources }
func (r *resourceTemplatesListResult) entries() []ResourceTemplate { return r.ResourceTemplates }
func (r *promptsListResult) entries() []Prompt                     { return r.Prompts }

// listAll calls method until the server stops returning a cursor.
func listAll[T any, P page[T]](ctx context.Context, c *Client, method string, newPage func() P) ([]T, error) {
	var all []T
	var cursor string
	for range maxListPages {
		var params any
		if cursor != "" {
			params = map[string]string{"cursor": cursor}
		}
		p := newPage()
		if err := c.call(ctx, method, params, p); err != nil {
			return nil, err
		}
		all = append(all, p.entries()...)
		cursor = p.next()
		if cursor == "" {
			return all, nil
		}
	}
	return nil, newError(ErrTransport, fmt.Sprintf("%s returned more than %d pages", method, maxListPages), failure.Context{
		"server": c.name,
		"method": method,
	})
}

// pump consumes transport events until the stream ends.
func (c *Client) pump() {
	defer close(c.done)
	for ev := range c.transport.Events() {
		switch ev.Kind {
		case EventMessage:
			c.dispatch(ev.Message)
		case EventError:
			c.logger.Warn("MCP transport error", "error", ev.Err)
		case EventClosed:
			if ev.Err != nil {
				c.logger.Warn("MCP transport closed unexpectedly", "error", ev.Err)
			}
			c.shutdown(ev.Err)
		}
	}
	c.shutdown(nil)
}

func (c *Client) dispatch(msg *Message) {
	switch {
	case msg.IsResponse():
		c.resolve(msg)
	case msg.IsNotification():
		c.notify(msg)
	case msg.IsRequest():
		go c.answer(msg)
	}
}

// resolve hands a response to the caller waiting on its ID. The pending
// entry is removed under the lock, so each request resolves once.
func (c *Client) resolve(msg *Message) {
	id, ok := msg.IntID()
	if !ok {
		c.logger.Debug("dropping response with non-numeric id", "id", string(msg.ID))
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("dropping response for unknown request", "id", id)
		return
	}
	if msg.Error != nil {
		ch <- outcome{err: msg.Error}
		return
	}
	ch <- outcome{result: msg.Result}
}

func (c *Client) notify(msg *Message) {
	if msg.Method == notificationToolsListChanged {
		c.mu.Lock()
		c.toolsValid = false
		c.mu.Unlock()
		c.logger.Info("MCP server tool list changed")
	}
	if c.onNotify != nil {
		c.onNotify(msg.Method, msg.Params)
	}
}

// answer replies to a server-initiated request. Only ping is supported.
func (c *Client) answer(msg *Message) {
	var resp *Response
	if msg.Method == methodPing {
		resp, _ = NewResult(msg.ID, struct{}{})
	} else {
		resp = NewErrorResponse(msg.ID, CodeMethodNotFound, "method not found: "+msg.Method)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := c.transport.Send(ctx, resp); err != nil {
		c.logger.Debug("failed to answer MCP server request", "method", msg.Method, "error", err)
	}
}

// shutdown fails every pending request and marks the client closed.
// Only the first call has any effect.
func (c *Client) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.ready = false
	c.closeErr = cause
	pending := c.pending
	c.pending = make(map[int64]chan outcome)
	c.mu.Unlock()

	for id, ch := range pending {
		fields := failure.Context{"server": c.name, "id": strconv.FormatInt(id, 10)}
		if cause != nil {
			ch <- outcome{err: translate(cause, ErrConnection, "connection closed", fields)}
		} else {
			ch <- outcome{err: newError(ErrConnection, "connection closed", fields)}
		}
	}
	if len(pending) > 0 {
		c.logger.Debug("failed pending MCP requests on close", "count", len(pending))
	}
}
