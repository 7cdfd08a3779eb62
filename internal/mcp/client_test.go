package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// fakeTransport is an in-memory Transport. Every Send is recorded and
// handed to handler, which may answer through reply and replyError.
type fakeTransport struct {
	events    *eventStream
	connected atomic.Bool
	handler   func(f *fakeTransport, msg Outbound)

	mu   sync.Mutex
	sent []Outbound
}

func newFakeTransport(handler func(f *fakeTransport, msg Outbound)) *fakeTransport {
	f := &fakeTransport{events: newEventStream(), handler: handler}
	f.connected.Store(true)
	return f
}

func (f *fakeTransport) Connect(context.Context) error { f.connected.Store(true); return nil }
func (f *fakeTransport) Events() <-chan Event          { return f.events.events() }
func (f *fakeTransport) IsConnected() bool             { return f.connected.Load() }
func (f *fakeTransport) Kind() TransportKind           { return TransportStdio }

func (f *fakeTransport) Disconnect() error {
	f.connected.Store(false)
	f.events.finish(nil)
	return nil
}

func (f *fakeTransport) Send(_ context.Context, msg Outbound) error {
	if !f.IsConnected() {
		return newError(ErrConnection, "transport not connected", nil)
	}
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	if f.handler != nil {
		f.handler(f, msg)
	}
	return nil
}

func (f *fakeTransport) reply(id int64, result any) {
	data, _ := json.Marshal(result)
	f.events.message(&Message{
		JSONRPC: jsonrpcVersion,
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
		Result:  data,
	})
}

func (f *fakeTransport) replyError(id int64, rpcErr *RPCError) {
	f.events.message(&Message{
		JSONRPC: jsonrpcVersion,
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
		Error:   rpcErr,
	})
}

func (f *fakeTransport) requests() []*Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Request
	for _, m := range f.sent {
		if r, ok := m.(*Request); ok {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeTransport) notifications() []*Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Notification
	for _, m := range f.sent {
		if n, ok := m.(*Notification); ok {
			out = append(out, n)
		}
	}
	return out
}

func (f *fakeTransport) responses() []*Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Response
	for _, m := range f.sent {
		if r, ok := m.(*Response); ok {
			out = append(out, r)
		}
	}
	return out
}

var testInitResult = InitializeResult{
	ProtocolVersion: ProtocolVersion,
	ServerInfo:      Implementation{Name: "test-server", Version: "1.0.0"},
	Capabilities:    ServerCapabilities{Tools: &ListChanged{ListChanged: true}},
}

// answering replies to each request with results[method], or with a
// method-not-found error when the method is absent. An *RPCError value
// is sent as an error response.
func answering(results map[string]any) func(*fakeTransport, Outbound) {
	return func(f *fakeTransport, msg Outbound) {
		req, ok := msg.(*Request)
		if !ok {
			return
		}
		res, ok := results[req.Method]
		if !ok {
			f.replyError(req.ID, &RPCError{Code: CodeMethodNotFound, Message: "Method not found"})
			return
		}
		if rpcErr, isErr := res.(*RPCError); isErr {
			f.replyError(req.ID, rpcErr)
			return
		}
		f.reply(req.ID, res)
	}
}

func newReadyClient(t *testing.T, handler func(*fakeTransport, Outbound), opts ...ClientOption) (*Client, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport(handler)
	client := NewClient("test", ft, nil, opts...)
	t.Cleanup(func() { client.Close() })

	if _, err := client.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return client, ft
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClient_Initialize(t *testing.T) {
	client, ft := newReadyClient(t, answering(map[string]any{
		"initialize": testInitResult,
	}))

	reqs := ft.requests()
	if len(reqs) != 1 {
		t.Fatalf("sent %d requests, want 1", len(reqs))
	}
	if reqs[0].Method != "initialize" {
		t.Errorf("method = %q, want %q", reqs[0].Method, "initialize")
	}
	params, ok := reqs[0].Params.(*InitializeParams)
	if !ok {
		t.Fatalf("params type = %T, want *InitializeParams", reqs[0].Params)
	}
	if params.ProtocolVersion != ProtocolVersion {
		t.Errorf("protocolVersion = %q, want %q", params.ProtocolVersion, ProtocolVersion)
	}
	if params.ClientInfo.Name != "mcpvisor" {
		t.Errorf("clientInfo.name = %q, want %q", params.ClientInfo.Name, "mcpvisor")
	}

	notifs := ft.notifications()
	if len(notifs) != 1 {
		t.Fatalf("sent %d notifications, want 1", len(notifs))
	}
	if notifs[0].Method != "notifications/initialized" {
		t.Errorf("notification method = %q, want %q", notifs[0].Method, "notifications/initialized")
	}

	if !client.Ready() {
		t.Error("Ready() = false after Initialize")
	}
	if diff := cmp.Diff(&testInitResult, client.ServerInfo()); diff != "" {
		t.Errorf("ServerInfo mismatch (-want +got):\n%s", diff)
	}
}

func TestClient_InitializeTwiceReturnsCachedResult(t *testing.T) {
	client, ft := newReadyClient(t, answering(map[string]any{
		"initialize": testInitResult,
	}))

	result, err := client.Initialize(context.Background(), nil)
	if err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	if result.ServerInfo.Name != "test-server" {
		t.Errorf("server name = %q, want %q", result.ServerInfo.Name, "test-server")
	}
	if n := len(ft.requests()); n != 1 {
		t.Errorf("sent %d requests, want 1", n)
	}
}

func TestClient_InitializeRejected(t *testing.T) {
	ft := newFakeTransport(answering(map[string]any{
		"initialize": &RPCError{Code: CodeInvalidParams, Message: "unsupported protocol version"},
	}))
	client := NewClient("test", ft, nil)
	defer client.Close()

	_, err := client.Initialize(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error for rejected initialize")
	}
	if got := CodeOf(err); got != ErrInitialization {
		t.Errorf("CodeOf = %q, want %q", got, ErrInitialization)
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error %v does not wrap *RPCError", err)
	}
	if rpcErr.Code != CodeInvalidParams {
		t.Errorf("rpc code = %d, want %d", rpcErr.Code, CodeInvalidParams)
	}
	if client.Ready() {
		t.Error("Ready() = true after failed initialize")
	}
	if n := len(ft.notifications()); n != 0 {
		t.Errorf("sent %d notifications after failed initialize, want 0", n)
	}
}

func TestClient_CallsRequireInitialize(t *testing.T) {
	ft := newFakeTransport(answering(map[string]any{}))
	client := NewClient("test", ft, nil)
	defer client.Close()

	ctx := context.Background()
	calls := map[string]func() error{
		"ListTools":     func() error { _, err := client.ListTools(ctx); return err },
		"CallTool":      func() error { _, err := client.CallTool(ctx, "x", nil); return err },
		"ListResources": func() error { _, err := client.ListResources(ctx); return err },
		"ReadResource":  func() error { _, err := client.ReadResource(ctx, "file:///x"); return err },
		"ListPrompts":   func() error { _, err := client.ListPrompts(ctx); return err },
		"GetPrompt":     func() error { _, err := client.GetPrompt(ctx, "p", nil); return err },
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			err := call()
			if !IsCode(err, ErrConnection) {
				t.Errorf("error = %v, want %s", err, ErrConnection)
			}
		})
	}
	if n := len(ft.requests()); n != 0 {
		t.Errorf("sent %d requests before initialize, want 0", n)
	}
}

func TestClient_ListToolsPaginates(t *testing.T) {
	client, ft := newReadyClient(t, func(f *fakeTransport, msg Outbound) {
		req, ok := msg.(*Request)
		if !ok {
			return
		}
		switch req.Method {
		case "initialize":
			f.reply(req.ID, testInitResult)
		case "tools/list":
			if params, ok := req.Params.(map[string]string); ok && params["cursor"] == "page2" {
				f.reply(req.ID, map[string]any{
					"tools": []Tool{{Name: "call_service", InputSchema: map[string]any{"type": "object"}}},
				})
				return
			}
			f.reply(req.ID, map[string]any{
				"tools":      []Tool{{Name: "get_entities", Description: "Get all entities", InputSchema: map[string]any{"type": "object"}}},
				"nextCursor": "page2",
			})
		}
	})

	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	var names []string
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	if diff := cmp.Diff([]string{"get_entities", "call_service"}, names); diff != "" {
		t.Errorf("tool names mismatch (-want +got):\n%s", diff)
	}

	cached, ok := client.Tools()
	if !ok || len(cached) != 2 {
		t.Errorf("Tools() = %d tools, %v; want 2, true", len(cached), ok)
	}

	// initialize + two pages
	if n := len(ft.requests()); n != 3 {
		t.Errorf("sent %d requests, want 3", n)
	}
}

func TestClient_ListChangedInvalidatesCache(t *testing.T) {
	notified := make(chan string, 1)
	client, ft := newReadyClient(t, answering(map[string]any{
		"initialize": testInitResult,
		"tools/list": map[string]any{"tools": []Tool{{Name: "a"}}},
	}), WithNotificationHandler(func(method string, _ json.RawMessage) {
		notified <- method
	}))

	if _, err := client.ListTools(context.Background()); err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if _, ok := client.Tools(); !ok {
		t.Fatal("Tools() not cached after ListTools")
	}

	ft.events.message(&Message{JSONRPC: jsonrpcVersion, Method: "notifications/tools/list_changed"})

	select {
	case method := <-notified:
		if method != "notifications/tools/list_changed" {
			t.Errorf("notified method = %q", method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification handler not called")
	}
	if _, ok := client.Tools(); ok {
		t.Error("Tools() still cached after list_changed")
	}
}

func TestClient_CallTool(t *testing.T) {
	client, ft := newReadyClient(t, answering(map[string]any{
		"initialize": testInitResult,
		"tools/call": CallToolResult{
			Content: []Content{
				{Type: "text", Text: "line one"},
				{Type: "image", Data: "aGVsbG8=", MimeType: "image/png"},
				{Type: "text", Text: "line two"},
			},
		},
	}))

	result, err := client.CallTool(context.Background(), "get_state", map[string]any{"entity_id": "light.kitchen"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if want := "line one\n[image]\nline two"; result.Text() != want {
		t.Errorf("Text() = %q, want %q", result.Text(), want)
	}

	reqs := ft.requests()
	data, err := json.Marshal(reqs[len(reqs)-1].Params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	if want := `{"name":"get_state","arguments":{"entity_id":"light.kitchen"}}`; string(data) != want {
		t.Errorf("params = %s, want %s", data, want)
	}
}

func TestClient_CallToolReportsToolError(t *testing.T) {
	client, _ := newReadyClient(t, answering(map[string]any{
		"initialize": testInitResult,
		"tools/call": CallToolResult{
			Content: []Content{{Type: "text", Text: "entity not found"}},
			IsError: true,
		},
	}))

	result, err := client.CallTool(context.Background(), "get_state", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !result.IsError {
		t.Error("IsError = false, want true")
	}
	if result.Text() != "entity not found" {
		t.Errorf("Text() = %q", result.Text())
	}
}

func TestClient_RPCErrorPassthrough(t *testing.T) {
	client, _ := newReadyClient(t, answering(map[string]any{
		"initialize": testInitResult,
		"tools/call": &RPCError{Code: CodeInvalidParams, Message: "missing argument: entity_id"},
	}))

	_, err := client.CallTool(context.Background(), "get_state", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error %v does not wrap *RPCError", err)
	}
	if rpcErr.Message != "missing argument: entity_id" {
		t.Errorf("message = %q", rpcErr.Message)
	}
	if code := CodeOf(err); code != "" {
		t.Errorf("CodeOf = %q, want no code for a server error", code)
	}
}

func TestClient_ResourcesAndPrompts(t *testing.T) {
	client, _ := newReadyClient(t, answering(map[string]any{
		"initialize":               testInitResult,
		"resources/list":           map[string]any{"resources": []Resource{{URI: "file:///a.txt", Name: "a"}}},
		"resources/templates/list": map[string]any{"resourceTemplates": []ResourceTemplate{{URITemplate: "file:///{path}", Name: "files"}}},
		"resources/read":           ReadResourceResult{Contents: []ResourceContents{{URI: "file:///a.txt", Text: "hello"}}},
		"prompts/list":             map[string]any{"prompts": []Prompt{{Name: "summarize", Arguments: []PromptArgument{{Name: "topic", Required: true}}}}},
		"prompts/get": GetPromptResult{Messages: []PromptMessage{
			{Role: "user", Content: Content{Type: "text", Text: "Summarize cats"}},
		}},
	}))
	ctx := context.Background()

	resources, err := client.ListResources(ctx)
	if err != nil || len(resources) != 1 || resources[0].URI != "file:///a.txt" {
		t.Errorf("ListResources = %v, %v", resources, err)
	}
	templates, err := client.ListResourceTemplates(ctx)
	if err != nil || len(templates) != 1 || templates[0].URITemplate != "file:///{path}" {
		t.Errorf("ListResourceTemplates = %v, %v", templates, err)
	}
	read, err := client.ReadResource(ctx, "file:///a.txt")
	if err != nil || len(read.Contents) != 1 || read.Contents[0].Text != "hello" {
		t.Errorf("ReadResource = %v, %v", read, err)
	}
	prompts, err := client.ListPrompts(ctx)
	if err != nil || len(prompts) != 1 || !prompts[0].Arguments[0].Required {
		t.Errorf("ListPrompts = %v, %v", prompts, err)
	}
	prompt, err := client.GetPrompt(ctx, "summarize", map[string]string{"topic": "cats"})
	if err != nil || len(prompt.Messages) != 1 || prompt.Messages[0].Content.Text != "Summarize cats" {
		t.Errorf("GetPrompt = %v, %v", prompt, err)
	}
}

func TestClient_ConcurrentCallsCorrelate(t *testing.T) {
	const n = 20

	var mu sync.Mutex
	var held []*Request
	client, _ := newReadyClient(t, func(f *fakeTransport, msg Outbound) {
		req, ok := msg.(*Request)
		if !ok {
			return
		}
		if req.Method == "initialize" {
			f.reply(req.ID, testInitResult)
			return
		}
		mu.Lock()
		held = append(held, req)
		if len(held) < n {
			mu.Unlock()
			return
		}
		batch := held
		held = nil
		mu.Unlock()

		// Answer in reverse order, echoing each request's argument.
		go func() {
			for i := len(batch) - 1; i >= 0; i-- {
				r := batch[i]
				var params struct {
					Arguments map[string]any `json:"arguments"`
				}
				data, _ := json.Marshal(r.Params)
				_ = json.Unmarshal(data, &params)
				f.reply(r.ID, CallToolResult{Content: []Content{{Type: "text", Text: fmt.Sprint(params.Arguments["n"])}}})
			}
		}()
	})

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := client.CallTool(context.Background(), "echo", map[string]any{"n": i})
			if err != nil {
				errs <- err
				return
			}
			if got, want := result.Text(), strconv.Itoa(i); got != want {
				errs <- fmt.Errorf("caller %d got %q", i, got)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestClient_Timeout(t *testing.T) {
	client, _ := newReadyClient(t, func(f *fakeTransport, msg Outbound) {
		if req, ok := msg.(*Request); ok && req.Method == "initialize" {
			f.reply(req.ID, testInitResult)
		}
	}, WithRequestTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := client.ListTools(context.Background())
	if !IsCode(err, ErrTimeout) {
		t.Fatalf("error = %v, want %s", err, ErrTimeout)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %v", elapsed)
	}

	client.mu.Lock()
	pending := len(client.pending)
	client.mu.Unlock()
	if pending != 0 {
		t.Errorf("%d pending requests left after timeout", pending)
	}
}

func TestClient_ContextCancel(t *testing.T) {
	client, _ := newReadyClient(t, func(f *fakeTransport, msg Outbound) {
		if req, ok := msg.(*Request); ok && req.Method == "initialize" {
			f.reply(req.ID, testInitResult)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := client.ListTools(ctx)
	if !IsCode(err, ErrTimeout) {
		t.Errorf("deadline error = %v, want %s", err, ErrTimeout)
	}

	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	_, err = client.ListTools(ctx)
	if !IsCode(err, ErrConnection) {
		t.Errorf("cancel error = %v, want %s", err, ErrConnection)
	}
}

// silentAfterInit answers initialize and nothing else.
func silentAfterInit(f *fakeTransport, msg Outbound) {
	if req, ok := msg.(*Request); ok && req.Method == "initialize" {
		f.reply(req.ID, testInitResult)
	}
}

func startPendingCalls(t *testing.T, client *Client, n int) <-chan error {
	t.Helper()
	errs := make(chan error, n)
	for range n {
		go func() {
			_, err := client.ListTools(context.Background())
			errs <- err
		}()
	}
	waitFor(t, "pending requests", func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return len(client.pending) == n
	})
	return errs
}

func TestClient_CloseFailsPending(t *testing.T) {
	const n = 5
	client, _ := newReadyClient(t, silentAfterInit)
	errs := startPendingCalls(t, client, n)

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for range n {
		select {
		case err := <-errs:
			if !IsCode(err, ErrConnection) {
				t.Errorf("pending call error = %v, want %s", err, ErrConnection)
			}
		case <-time.After(time.Second):
			t.Fatal("pending call not resolved after Close")
		}
	}

	if client.Ready() {
		t.Error("Ready() = true after Close")
	}
	if _, err := client.ListTools(context.Background()); !IsCode(err, ErrConnection) {
		t.Errorf("call after Close = %v, want %s", err, ErrConnection)
	}
	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Error("Done not closed after Close")
	}
}

func TestClient_TransportCloseFailsPending(t *testing.T) {
	const n = 3
	client, ft := newReadyClient(t, silentAfterInit)
	errs := startPendingCalls(t, client, n)

	crash := newError(ErrConnection, "subprocess exited with code 1", nil)
	ft.connected.Store(false)
	ft.events.finish(crash)

	for range n {
		select {
		case err := <-errs:
			if !IsCode(err, ErrConnection) {
				t.Errorf("pending call error = %v, want %s", err, ErrConnection)
			}
		case <-time.After(time.Second):
			t.Fatal("pending call not resolved after transport close")
		}
	}
	<-client.Done()
	if client.Err() == nil {
		t.Error("Err() = nil after unexpected close")
	}
	if client.Ready() {
		t.Error("Ready() = true after transport close")
	}
}

func TestClient_AnswersServerRequests(t *testing.T) {
	_, ft := newReadyClient(t, answering(map[string]any{
		"initialize": testInitResult,
	}))

	ft.events.message(&Message{JSONRPC: jsonrpcVersion, ID: json.RawMessage(`"srv-1"`), Method: "ping"})
	ft.events.message(&Message{JSONRPC: jsonrpcVersion, ID: json.RawMessage(`7`), Method: "sampling/createMessage"})

	waitFor(t, "responses to server requests", func() bool {
		return len(ft.responses()) == 2
	})

	byID := map[string]*Response{}
	for _, r := range ft.responses() {
		byID[string(r.ID)] = r
	}
	ping := byID[`"srv-1"`]
	if ping == nil || ping.Error != nil || string(ping.Result) != "{}" {
		t.Errorf("ping response = %+v", ping)
	}
	other := byID["7"]
	if other == nil || other.Error == nil || other.Error.Code != CodeMethodNotFound {
		t.Errorf("unsupported request response = %+v", other)
	}
}

func TestClient_DropsUnknownResponses(t *testing.T) {
	client, ft := newReadyClient(t, answering(map[string]any{
		"initialize": testInitResult,
		"ping":       struct{}{},
	}))

	ft.reply(9999, map[string]any{})
	ft.events.message(&Message{JSONRPC: jsonrpcVersion, ID: json.RawMessage(`"not-ours"`), Result: json.RawMessage(`{}`)})

	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping after stray responses: %v", err)
	}
}
