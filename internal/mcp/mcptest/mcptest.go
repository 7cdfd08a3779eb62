// Package mcptest provides an in-memory MCP transport for tests of code
// built on top of mcp.Client.
package mcptest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/nugget/mcpvisor/internal/mcp"
)

// Handler answers one request. Returning an *mcp.RPCError sends it as a
// JSON-RPC error; any other error becomes an internal error. ctx is
// cancelled when the transport closes.
type Handler func(ctx context.Context, method string, params json.RawMessage) (any, error)

// ErrNotConnected is returned by Send on a transport that is not
// connected.
var ErrNotConnected = errors.New("mcptest: transport not connected")

// Transport is an mcp.Transport backed by a Handler. Each request is
// answered on its own goroutine, so responses may arrive out of order.
type Transport struct {
	handler Handler
	ch      chan mcp.Event
	ctx     context.Context
	cancel  context.CancelFunc

	// ConnectErr, when set, is returned by Connect.
	ConnectErr error

	mu        sync.Mutex
	connected bool
	closed    bool
	methods   []string
	inflight  sync.WaitGroup
}

// NewTransport returns an unconnected transport answering with h.
func NewTransport(h Handler) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		handler: h,
		ch:      make(chan mcp.Event, 64),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (t *Transport) Kind() mcp.TransportKind { return mcp.TransportStdio }

func (t *Transport) Events() <-chan mcp.Event { return t.ch }

func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) Connect(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("mcptest: transport is closed")
	}
	if t.ConnectErr != nil {
		return t.ConnectErr
	}
	t.connected = true
	return nil
}

// Methods returns the methods of every request and notification sent so
// far, in order.
func (t *Transport) Methods() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.methods...)
}

func (t *Transport) Send(_ context.Context, msg mcp.Outbound) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return ErrNotConnected
	}

	switch m := msg.(type) {
	case *mcp.Request:
		t.methods = append(t.methods, m.Method)
		params, err := json.Marshal(m.Params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		t.inflight.Add(1)
		go t.answer(m.ID, m.Method, params)
	case *mcp.Notification:
		t.methods = append(t.methods, m.Method)
	}
	return nil
}

func (t *Transport) answer(id int64, method string, params json.RawMessage) {
	defer t.inflight.Done()

	msg := &mcp.Message{JSONRPC: "2.0", ID: json.RawMessage(strconv.FormatInt(id, 10))}
	result, err := t.handler(t.ctx, method, params)
	var rpcErr *mcp.RPCError
	switch {
	case errors.As(err, &rpcErr):
		msg.Error = rpcErr
	case err != nil:
		msg.Error = &mcp.RPCError{Code: mcp.CodeInternalError, Message: err.Error()}
	default:
		data, merr := json.Marshal(result)
		if merr != nil {
			msg.Error = &mcp.RPCError{Code: mcp.CodeInternalError, Message: merr.Error()}
		} else {
			msg.Result = data
		}
	}

	select {
	case t.ch <- mcp.Event{Kind: mcp.EventMessage, Message: msg}:
	case <-t.ctx.Done():
	}
}

// Notify delivers a server notification to the client. It does
// nothing once the transport has closed.
func (t *Transport) Notify(method string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.inflight.Add(1)
	t.mu.Unlock()
	defer t.inflight.Done()

	select {
	case t.ch <- mcp.Event{Kind: mcp.EventMessage, Message: &mcp.Message{JSONRPC: "2.0", Method: method}}:
	case <-t.ctx.Done():
	}
}

func (t *Transport) Disconnect() error {
	t.close(nil)
	return nil
}

// Crash closes the transport as if the server went away with err.
func (t *Transport) Crash(err error) {
	t.close(err)
}

func (t *Transport) close(err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.connected = false
	t.mu.Unlock()

	t.cancel()
	t.inflight.Wait()
	select {
	case t.ch <- mcp.Event{Kind: mcp.EventClosed, Err: err}:
	default:
	}
	close(t.ch)
}

// Server is a scripted MCP server for use as a Handler.
type Server struct {
	Name  string
	Tools []mcp.Tool

	mu       sync.Mutex
	toolsErr error
	block    bool
}

// NewServer returns a server advertising the named tools.
func NewServer(name string, tools ...string) *Server {
	s := &Server{Name: name}
	for _, tool := range tools {
		s.Tools = append(s.Tools, mcp.Tool{
			Name:        tool,
			Description: "test tool " + tool,
			InputSchema: map[string]any{"type": "object"},
		})
	}
	return s
}

// FailTools makes tools/list fail with err; nil restores it.
func (s *Server) FailTools(err error) {
	s.mu.Lock()
	s.toolsErr = err
	s.mu.Unlock()
}

// BlockTools makes tools/list hang until the request is abandoned.
func (s *Server) BlockTools(block bool) {
	s.mu.Lock()
	s.block = block
	s.mu.Unlock()
}

// Handle implements Handler. It answers initialize, ping, tools/list
// and tools/call; tools/call echoes its arguments as JSON text.
func (s *Server) Handle(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "initialize":
		return mcp.InitializeResult{
			ProtocolVersion: mcp.ProtocolVersion,
			ServerInfo:      mcp.Implementation{Name: s.Name, Version: "1.0.0"},
			Capabilities:    mcp.ServerCapabilities{Tools: &mcp.ListChanged{}},
		}, nil
	case "ping":
		return struct{}{}, nil
	case "tools/list":
		s.mu.Lock()
		err, block := s.toolsErr, s.block
		s.mu.Unlock()
		if block {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		if err != nil {
			return nil, err
		}
		return map[string]any{"tools": s.Tools}, nil
	case "tools/call":
		var req struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, &mcp.RPCError{Code: mcp.CodeInvalidParams, Message: err.Error()}
		}
		args, _ := json.Marshal(req.Arguments)
		return mcp.CallToolResult{Content: []mcp.Content{{Type: "text", Text: req.Name + " " + string(args)}}}, nil
	}
	return nil, &mcp.RPCError{Code: mcp.CodeMethodNotFound, Message: "Method not found"}
}

// Transport returns a new unconnected transport answered by s.
func (s *Server) Transport() *Transport {
	return NewTransport(s.Handle)
}
