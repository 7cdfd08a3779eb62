package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nugget/mcpvisor/internal/connwatch"
)

func TestSSEDecoder(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []sseEvent
	}{
		{
			name:  "single data event",
			input: "data: hello\n\n",
			want:  []sseEvent{{Data: "hello"}},
		},
		{
			name:  "all fields",
			input: "event: endpoint\nid: 42\nretry: 1500\ndata: /message\n\n",
			want:  []sseEvent{{Event: "endpoint", ID: "42", HasID: true, Retry: 1500 * time.Millisecond, Data: "/message"}},
		},
		{
			name:  "multi-line data joined with newline",
			input: "data: {\"a\":\ndata: 1}\n\n",
			want:  []sseEvent{{Data: "{\"a\":\n1}"}},
		},
		{
			name:  "crlf line endings",
			input: "event: message\r\ndata: x\r\n\r\n",
			want:  []sseEvent{{Event: "message", Data: "x"}},
		},
		{
			name:  "comments and extra blank lines ignored",
			input: ": ping\n\n\n: another\ndata: y\n\n",
			want:  []sseEvent{{Data: "y"}},
		},
		{
			name:  "only one leading space stripped",
			input: "data:  two spaces\ndata:none\n\n",
			want:  []sseEvent{{Data: " two spaces\nnone"}},
		},
		{
			name:  "invalid retry ignored",
			input: "retry: soon\ndata: z\n\n",
			want:  []sseEvent{{Data: "z"}},
		},
		{
			name:  "id with NUL ignored",
			input: "id: a\x00b\ndata: z\n\n",
			want:  []sseEvent{{Data: "z"}},
		},
		{
			name:  "empty id resets",
			input: "id\ndata: z\n\n",
			want:  []sseEvent{{HasID: true, Data: "z"}},
		},
		{
			name:  "unknown fields ignored",
			input: "foo: bar\ndata: z\n\n",
			want:  []sseEvent{{Data: "z"}},
		},
		{
			name:  "trailing partial event discarded",
			input: "data: one\n\ndata: partial\n",
			want:  []sseEvent{{Data: "one"}},
		},
		{
			name:  "two events",
			input: "data: 1\n\nevent: endpoint\ndata: 2\n\n",
			want:  []sseEvent{{Data: "1"}, {Event: "endpoint", Data: "2"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := newSSEDecoder(strings.NewReader(tt.input))
			var got []sseEvent
			for {
				ev, err := dec.Next()
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					t.Fatalf("Next: %v", err)
				}
				got = append(got, *ev)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("events mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// sseTestServer serves an event stream at /sse and records POSTs.
type sseTestServer struct {
	*httptest.Server

	// onStream writes the initial events of each stream request. The
	// stream then stays open until the client goes away.
	onStream func(w io.Writer, r *http.Request)

	mu    sync.Mutex
	posts []string
	gets  atomic.Int32
}

func newSSETestServer(t *testing.T, onStream func(w io.Writer, r *http.Request)) *sseTestServer {
	s := &sseTestServer{onStream: onStream}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			s.mu.Lock()
			s.posts = append(s.posts, r.URL.String())
			s.mu.Unlock()
			w.WriteHeader(http.StatusAccepted)
			return
		}
		if strings.TrimSuffix(r.URL.Path, "/") != "/sse" {
			http.NotFound(w, r)
			return
		}
		s.gets.Add(1)
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("stream Accept = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if s.onStream != nil {
			s.onStream(w, r)
		}
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *sseTestServer) postedTo() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.posts...)
}

func TestSSETransport_EndpointEvent(t *testing.T) {
	tests := []struct {
		name     string
		endpoint func(base string) string
		want     string
	}{
		{"absolute", func(base string) string { return base + "/custom/msg" }, "/custom/msg"},
		{"relative", func(string) string { return "/rel/msg?sessionId=abc" }, "/rel/msg?sessionId=abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var srv *sseTestServer
			srv = newSSETestServer(t, func(w io.Writer, _ *http.Request) {
				fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", tt.endpoint(srv.URL))
			})

			tr := NewSSETransport(SSEConfig{URL: srv.URL + "/sse"})
			defer tr.Disconnect()
			if err := tr.Connect(context.Background()); err != nil {
				t.Fatalf("Connect: %v", err)
			}

			waitFor(t, "endpoint event", func() bool { return tr.Endpoint() != "" })

			if err := tr.Send(context.Background(), NewRequest(1, "ping", nil)); err != nil {
				t.Fatalf("Send: %v", err)
			}
			if diff := cmp.Diff([]string{tt.want}, srv.postedTo()); diff != "" {
				t.Errorf("POST targets mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSSETransport_FallbackEndpoint(t *testing.T) {
	srv := newSSETestServer(t, func(w io.Writer, _ *http.Request) {
		io.WriteString(w, ": no endpoint here\n\n")
	})

	tests := []struct {
		name       string
		messageURL string
		want       string
	}{
		{"default", "", "/sse/message"},
		{"configured relative", "/rpc", "/rpc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(srv.postedTo())
			tr := NewSSETransport(SSEConfig{
				URL:          srv.URL + "/sse/",
				MessageURL:   tt.messageURL,
				EndpointWait: 50 * time.Millisecond,
			})
			defer tr.Disconnect()
			if err := tr.Connect(context.Background()); err != nil {
				t.Fatalf("Connect: %v", err)
			}

			if err := tr.Send(context.Background(), NewRequest(1, "ping", nil)); err != nil {
				t.Fatalf("Send: %v", err)
			}
			posts := srv.postedTo()[before:]
			if diff := cmp.Diff([]string{tt.want}, posts); diff != "" {
				t.Errorf("POST targets mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSSETransport_DeliversMessages(t *testing.T) {
	srv := newSSETestServer(t, func(w io.Writer, _ *http.Request) {
		io.WriteString(w, "event: endpoint\ndata: /msg\n\n")
		io.WriteString(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{}}\n\n")
		io.WriteString(w, "data: {broken\n\n")
		io.WriteString(w, "event: heartbeat\ndata: ignored\n\n")
		io.WriteString(w, "data: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/tools/list_changed\"}\n\n")
	})

	tr := NewSSETransport(SSEConfig{URL: srv.URL + "/sse"})
	defer tr.Disconnect()
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ev := nextEvent(t, tr)
	if ev.Kind != EventMessage || !ev.Message.IsResponse() {
		t.Errorf("first event = %v, want response", ev.Kind)
	}
	ev = nextEvent(t, tr)
	if ev.Kind != EventError || !IsCode(ev.Err, ErrTransport) {
		t.Errorf("second event = %v %v, want transport error", ev.Kind, ev.Err)
	}
	ev = nextEvent(t, tr)
	if ev.Kind != EventMessage || !ev.Message.IsNotification() {
		t.Errorf("third event = %v, want notification", ev.Kind)
	}
	if !tr.IsConnected() {
		t.Error("malformed event closed the transport")
	}
}

func TestSSETransport_ConnectFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr := NewSSETransport(SSEConfig{URL: srv.URL + "/sse"})
	if err := tr.Connect(context.Background()); !IsCode(err, ErrConnection) {
		t.Errorf("Connect() = %v, want %s", err, ErrConnection)
	}

	tr = NewSSETransport(SSEConfig{URL: "mailto:someone@example.com"})
	if err := tr.Connect(context.Background()); !IsCode(err, ErrConnection) {
		t.Errorf("Connect(bad url) = %v, want %s", err, ErrConnection)
	}
}

func TestSSETransport_ReconnectsThenGivesUp(t *testing.T) {
	var (
		mu       sync.Mutex
		gets     []time.Time
		resumeID []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		mu.Lock()
		gets = append(gets, time.Now())
		n := len(gets)
		if n > 1 {
			resumeID = append(resumeID, r.Header.Get("Last-Event-ID"))
		}
		mu.Unlock()

		if n > 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		// The first stream delivers one event and then ends.
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "id: 7\nretry: 10\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/message\"}\n\n")
	}))
	defer srv.Close()

	tr := NewSSETransport(SSEConfig{
		URL: srv.URL + "/sse",
		Reconnect: connwatch.BackoffConfig{
			InitialDelay: 5 * time.Millisecond,
			MaxDelay:     40 * time.Millisecond,
			MaxRetries:   4,
		},
	})
	defer tr.Disconnect()
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	events := drain(t, tr)
	var kinds []EventKind
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	if diff := cmp.Diff([]EventKind{EventMessage, EventError, EventClosed}, kinds); diff != "" {
		t.Fatalf("event kinds mismatch (-want +got):\n%s", diff)
	}
	if !IsCode(events[2].Err, ErrConnection) {
		t.Errorf("close error = %v, want %s", events[2].Err, ErrConnection)
	}
	if tr.IsConnected() {
		t.Error("IsConnected() = true after reconnect attempts ran out")
	}
	if err := tr.Send(context.Background(), NewRequest(1, "ping", nil)); !IsCode(err, ErrConnection) {
		t.Errorf("Send after give-up = %v, want %s", err, ErrConnection)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(gets) != 5 {
		t.Fatalf("stream requests = %d, want 1 + 4 reconnects", len(gets))
	}
	for i, id := range resumeID {
		if id != "7" {
			t.Errorf("reconnect %d Last-Event-ID = %q, want %q", i+1, id, "7")
		}
	}
	// Seeded from retry: 10ms, doubling, capped at 40ms.
	wantMin := []time.Duration{20 * time.Millisecond, 40 * time.Millisecond, 40 * time.Millisecond}
	for i, want := range wantMin {
		if gap := gets[i+2].Sub(gets[i+1]); gap < want {
			t.Errorf("gap before reconnect %d = %v, want >= %v", i+2, gap, want)
		}
	}
}

func TestSSETransport_SendWaitsForReopenedStream(t *testing.T) {
	drop := make(chan struct{})
	var (
		mu    sync.Mutex
		posts []string
		gets  int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			mu.Lock()
			posts = append(posts, r.URL.String())
			mu.Unlock()
			w.WriteHeader(http.StatusAccepted)
			return
		}
		mu.Lock()
		gets++
		n := gets
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: endpoint\ndata: /msg?session=%d\n\n", n)
		w.(http.Flusher).Flush()
		if n == 1 {
			<-drop
			return
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	tr := NewSSETransport(SSEConfig{
		URL:          srv.URL + "/sse",
		EndpointWait: 50 * time.Millisecond,
		Reconnect: connwatch.BackoffConfig{
			InitialDelay: 300 * time.Millisecond,
			MaxDelay:     time.Second,
			MaxRetries:   3,
		},
	})
	defer tr.Disconnect()
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "first endpoint", func() bool { return strings.HasSuffix(tr.Endpoint(), "session=1") })

	close(drop)
	waitFor(t, "endpoint reset", func() bool { return tr.Endpoint() == "" })

	if err := tr.Send(context.Background(), NewRequest(1, "ping", nil)); err != nil {
		t.Fatalf("Send during reconnect: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]string{"/msg?session=2"}, posts); diff != "" {
		t.Errorf("POST targets mismatch (-want +got):\n%s", diff)
	}
}

func TestSSETransport_SendFailsWhenReconnectGivesUp(t *testing.T) {
	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gets.Add(1) > 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "event: endpoint\ndata: /msg\n\n")
	}))
	defer srv.Close()

	tr := NewSSETransport(SSEConfig{
		URL: srv.URL + "/sse",
		Reconnect: connwatch.BackoffConfig{
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     100 * time.Millisecond,
			MaxRetries:   2,
		},
	})
	defer tr.Disconnect()
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "stream lost", func() bool { return gets.Load() > 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Send(ctx, NewRequest(1, "ping", nil)); !IsCode(err, ErrConnection) {
		t.Errorf("Send() = %v, want %s", err, ErrConnection)
	}
}

func TestSSETransport_DisconnectStopsReconnects(t *testing.T) {
	srv := newSSETestServer(t, func(w io.Writer, _ *http.Request) {
		io.WriteString(w, "event: endpoint\ndata: /msg\n\n")
	})

	tr := NewSSETransport(SSEConfig{URL: srv.URL + "/sse"})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := tr.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := tr.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}

	events := drain(t, tr)
	if len(events) != 1 || events[0].Kind != EventClosed || events[0].Err != nil {
		t.Errorf("events after Disconnect = %v, want a single clean close", events)
	}

	time.Sleep(50 * time.Millisecond)
	if n := srv.gets.Load(); n != 1 {
		t.Errorf("stream requests = %d after Disconnect, want 1", n)
	}
	if tr.IsConnected() {
		t.Error("IsConnected() = true after Disconnect")
	}
}

func TestSSETransport_RoundTripWithMCPServer(t *testing.T) {
	ts := server.NewTestServer(newTestMCPServer())
	defer ts.Close()

	tr := NewSSETransport(SSEConfig{URL: ts.URL + "/sse"})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	client := NewClient("helper", tr, nil)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := client.Initialize(ctx, nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	result, err := client.CallTool(ctx, "echo", map[string]any{"message": "hello over sse"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result.Text() != "hello over sse" {
		t.Errorf("CallTool text = %q", result.Text())
	}
	if tr.Endpoint() == "" {
		t.Error("no endpoint announced by the server")
	}
}
