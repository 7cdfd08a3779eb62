package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/morikuni/failure/v2"

	"github.com/nugget/mcpvisor/internal/config"
	"github.com/nugget/mcpvisor/internal/connwatch"
	"github.com/nugget/mcpvisor/internal/httpkit"
)

const (
	defaultEndpointWait      = 2 * time.Second
	defaultReconnectAttempts = 5
	defaultReconnectDelay    = time.Second
	defaultReconnectMax      = 30 * time.Second
)

// SSETransport receives messages on a server-sent event stream and
// posts outbound messages to the endpoint announced by the stream's
// "endpoint" event. A lost stream is reopened with exponential backoff,
// resuming from the last event ID.
type SSETransport struct {
	config  SSEConfig
	logger  *slog.Logger
	events  *eventStream
	state   atomic.Int32
	stream  *http.Client
	poster  *poster
	base    *url.URL
	backoff connwatch.BackoffConfig

	mu           sync.Mutex
	endpoint     string
	gate         *endpointGate
	lastEventID  string
	retryHint    time.Duration
	cancelStream context.CancelFunc
	loopDone     chan struct{}
	stopping     bool
}

// endpointGate is closed once the POST target for the current stream is
// known, either from an endpoint event or because the wait expired. The
// wait only starts once the gate is armed by an open stream.
type endpointGate struct {
	once  sync.Once
	ch    chan struct{}
	mu    sync.Mutex
	timer *time.Timer
}

func newEndpointGate() *endpointGate {
	return &endpointGate{ch: make(chan struct{})}
}

// arm starts the fallback timer. Later calls are no-ops.
func (g *endpointGate) arm(wait time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer == nil {
		g.timer = time.AfterFunc(wait, g.open)
	}
}

func (g *endpointGate) open() {
	g.once.Do(func() { close(g.ch) })
}

func (g *endpointGate) stop() {
	g.mu.Lock()
	if g.timer != nil {
		g.timer.Stop()
	}
	g.mu.Unlock()
	g.open()
}

// NewSSETransport creates an SSE transport for the given config.
func NewSSETransport(cfg SSEConfig) *SSETransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	streamClient, postClient := cfg.HTTPClient, cfg.HTTPClient
	if streamClient == nil {
		streamClient = httpkit.NewClient(httpkit.WithStreaming(), httpkit.WithTrace(logger))
		postClient = httpkit.NewClient(httpkit.WithTimeout(timeout), httpkit.WithTrace(logger))
	}

	backoff := cfg.Reconnect
	if backoff.InitialDelay <= 0 {
		backoff.InitialDelay = defaultReconnectDelay
	}
	if backoff.MaxDelay <= 0 {
		backoff.MaxDelay = defaultReconnectMax
	}
	if backoff.MaxRetries <= 0 {
		backoff.MaxRetries = defaultReconnectAttempts
	}

	events := newEventStream()
	return &SSETransport{
		config:  cfg,
		logger:  logger,
		events:  events,
		stream:  streamClient,
		poster:  newPoster(postClient, cfg.Headers, cfg.Auth, cfg.Retries, cfg.RetryDelay, events, logger),
		backoff: backoff.WithDefaults(),
	}
}

// Kind implements [Transport].
func (t *SSETransport) Kind() TransportKind { return TransportSSE }

// Events implements [Transport].
func (t *SSETransport) Events() <-chan Event { return t.events.events() }

// IsConnected implements [Transport]. It stays true while a lost stream
// is being reopened and turns false once reconnect attempts run out.
func (t *SSETransport) IsConnected() bool {
	return connState(t.state.Load()) == stateConnected
}

// Endpoint returns the POST target announced by the stream, or "" when
// none has been received on the current stream.
func (t *SSETransport) Endpoint() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endpoint
}

// Connect opens the event stream. The stream outlives ctx; ctx only
// bounds the wait for the response headers.
func (t *SSETransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	fields := failure.Context{"url": t.config.URL}
	switch connState(t.state.Load()) {
	case stateConnected:
		return nil
	case stateClosed:
		return newError(ErrConnection, "transport is closed", fields)
	}
	if err := validateURL(t.config.URL, "sse", fields); err != nil {
		return err
	}
	base, err := url.Parse(t.config.URL)
	if err != nil {
		return translate(err, ErrConnection, "parse url", fields)
	}
	t.base = base

	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	body, err := t.open(streamCtx, "")
	if !stop() {
		if body != nil {
			body.Close()
		}
		cancel()
		return ctxError(ctx, "connect cancelled", fields)
	}
	if err != nil {
		cancel()
		return translate(err, ErrConnection, "open event stream", fields)
	}

	t.cancelStream = cancel
	t.loopDone = make(chan struct{})
	t.resetEndpointLocked()
	t.armEndpointLocked()
	t.state.Store(int32(stateConnected))

	go t.readLoop(streamCtx, body)

	t.logger.Info("MCP SSE stream connected", "url", t.config.URL)
	return nil
}

// open issues the stream GET. A non-2xx status is an error.
func (t *SSETransport) open(ctx context.Context, lastEventID string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.config.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	if err := applyHeaders(req, t.config.Headers, t.config.Auth); err != nil {
		return nil, err
	}

	resp, err := t.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", t.config.URL, err)
	}
	if !httpkit.IsSuccess(resp.StatusCode) {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		return nil, fmt.Errorf("event stream returned %d: %s", resp.StatusCode, errBody)
	}
	return resp.Body, nil
}

// resetEndpointLocked forgets the announced endpoint; a new stream
// announces its own. Sends block on the new gate until it is armed and
// opens. Caller must hold t.mu.
func (t *SSETransport) resetEndpointLocked() {
	old := t.gate
	t.endpoint = ""
	t.gate = newEndpointGate()
	if old != nil {
		old.stop()
	}
}

// armEndpointLocked starts the wait for the current stream's endpoint
// event. Caller must hold t.mu.
func (t *SSETransport) armEndpointLocked() {
	wait := t.config.EndpointWait
	if wait <= 0 {
		wait = defaultEndpointWait
	}
	t.gate.arm(wait)
}

func (t *SSETransport) resetEndpoint() {
	t.mu.Lock()
	t.resetEndpointLocked()
	t.mu.Unlock()
}

func (t *SSETransport) isStopping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopping
}

// readLoop consumes the stream and reconnects when it ends. It closes
// the event stream once reconnecting is no longer possible.
func (t *SSETransport) readLoop(ctx context.Context, body io.ReadCloser) {
	defer close(t.loopDone)

	for {
		err := t.consume(body)
		body.Close()
		if t.isStopping() || ctx.Err() != nil {
			return
		}

		t.logger.Warn("MCP SSE stream lost, reconnecting", "url", t.config.URL, "error", err)
		t.resetEndpoint()

		body, err = t.reconnect(ctx)
		if err != nil {
			if t.isStopping() || ctx.Err() != nil {
				return
			}
			t.state.Store(int32(stateClosed))
			t.mu.Lock()
			gate := t.gate
			t.mu.Unlock()
			gate.stop()
			t.poster.cancelAll()
			t.events.fail(err)
			t.events.finish(err)
			return
		}
	}
}

// reconnect reopens the stream with backoff. The server's retry hint,
// when one was sent, seeds the first delay.
func (t *SSETransport) reconnect(ctx context.Context) (io.ReadCloser, error) {
	t.mu.Lock()
	hint, lastID := t.retryHint, t.lastEventID
	t.mu.Unlock()

	backoff := connwatch.NewBackoff(t.backoff)
	backoff.Seed(hint)

	var lastErr error
	for {
		delay, ok := backoff.Next()
		if !ok {
			fields := failure.Context{
				"url":      t.config.URL,
				"attempts": strconv.Itoa(backoff.Attempts()),
			}
			if lastErr != nil {
				return nil, translate(lastErr, ErrConnection, "event stream reconnect attempts exhausted", fields)
			}
			return nil, newError(ErrConnection, "event stream reconnect attempts exhausted", fields)
		}
		if !connwatch.SleepCtx(ctx, delay) {
			return nil, ctx.Err()
		}

		body, err := t.open(ctx, lastID)
		if err == nil {
			t.mu.Lock()
			t.armEndpointLocked()
			t.mu.Unlock()
			t.logger.Info("MCP SSE stream reconnected",
				"url", t.config.URL,
				"attempt", backoff.Attempts(),
				"last_event_id", lastID,
			)
			return body, nil
		}
		lastErr = err
		t.logger.Debug("MCP SSE reconnect failed",
			"url", t.config.URL,
			"attempt", backoff.Attempts(),
			"error", err,
		)
	}
}

// consume dispatches events until the body ends.
func (t *SSETransport) consume(body io.Reader) error {
	dec := newSSEDecoder(body)
	for {
		ev, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return err
		}

		t.mu.Lock()
		if ev.HasID {
			t.lastEventID = ev.ID
		}
		if ev.Retry > 0 {
			t.retryHint = ev.Retry
		}
		t.mu.Unlock()

		t.logger.Log(context.Background(), config.LevelTrace, "MCP SSE recv",
			"event", ev.Event,
			"id", ev.ID,
			"data", ev.Data,
		)

		switch ev.Event {
		case "endpoint":
			t.setEndpoint(ev.Data)
		case "", "message":
			if ev.Data == "" {
				continue
			}
			msgs, err := DecodeMessages([]byte(ev.Data))
			if err != nil {
				t.events.fail(translate(err, ErrTransport, "malformed message on event stream", failure.Context{
					"url":  t.config.URL,
					"data": truncate(ev.Data, 200),
				}))
				continue
			}
			for _, msg := range msgs {
				t.events.message(msg)
			}
		default:
			t.logger.Debug("ignoring MCP SSE event", "event", ev.Event)
		}
	}
}

// setEndpoint records the POST target. Relative URLs resolve against the
// stream URL.
func (t *SSETransport) setEndpoint(data string) {
	ref, err := url.Parse(strings.TrimSpace(data))
	if err != nil || data == "" {
		t.events.fail(newError(ErrTransport, "invalid endpoint event", failure.Context{"data": truncate(data, 200)}))
		return
	}

	t.mu.Lock()
	t.endpoint = t.base.ResolveReference(ref).String()
	gate := t.gate
	endpoint := t.endpoint
	t.mu.Unlock()

	gate.stop()
	t.logger.Debug("MCP SSE endpoint announced", "endpoint", endpoint)
}

// messageURL returns where to POST: the announced endpoint, or the
// fallback once the wait for one has expired. While the stream is being
// reopened it waits for the new stream.
func (t *SSETransport) messageURL(ctx context.Context) (string, error) {
	fields := failure.Context{"url": t.config.URL}
	for {
		t.mu.Lock()
		gate := t.gate
		t.mu.Unlock()

		select {
		case <-gate.ch:
		case <-ctx.Done():
			return "", ctxError(ctx, "waiting for endpoint event", fields)
		}
		if !t.IsConnected() {
			return "", newError(ErrConnection, "transport not connected", fields)
		}

		t.mu.Lock()
		if t.gate != gate {
			t.mu.Unlock()
			continue
		}
		target := t.endpoint
		if target == "" {
			target = t.fallbackURL()
		}
		t.mu.Unlock()
		return target, nil
	}
}

// fallbackURL is MessageURL resolved against the stream URL, or the
// stream URL with "/message" appended. Caller must hold t.mu.
func (t *SSETransport) fallbackURL() string {
	if t.config.MessageURL != "" {
		if ref, err := url.Parse(t.config.MessageURL); err == nil {
			return t.base.ResolveReference(ref).String()
		}
		return t.config.MessageURL
	}
	return strings.TrimRight(t.config.URL, "/") + "/message"
}

// Send posts msg to the message endpoint.
func (t *SSETransport) Send(ctx context.Context, msg Outbound) error {
	if !t.IsConnected() {
		return newError(ErrConnection, "transport not connected", failure.Context{"url": t.config.URL})
	}
	target, err := t.messageURL(ctx)
	if err != nil {
		return err
	}
	return t.poster.post(ctx, target, msg)
}

// Disconnect stops the stream, suppresses reconnects, aborts in-flight
// POSTs and closes the event stream.
func (t *SSETransport) Disconnect() error {
	t.mu.Lock()
	t.stopping = true
	cancel, done, gate := t.cancelStream, t.loopDone, t.gate
	t.state.Store(int32(stateClosed))
	t.mu.Unlock()

	if gate != nil {
		gate.stop()
	}
	t.poster.cancelAll()
	if cancel != nil {
		cancel()
	}
	t.events.finish(nil)
	if done != nil {
		<-done
	}
	return nil
}

// sseEvent is one dispatched server-sent event.
type sseEvent struct {
	Event string
	Data  string
	ID    string
	HasID bool
	Retry time.Duration
}

// sseDecoder parses the text/event-stream format: "field: value" lines,
// ":" comments, events terminated by a blank line, CRLF tolerated.
type sseDecoder struct {
	r *bufio.Reader
}

func newSSEDecoder(r io.Reader) *sseDecoder {
	return &sseDecoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next event. Events carrying only an id or retry field
// are returned with empty Data. It returns io.EOF at the end of the
// stream; a trailing event without its blank line is discarded.
func (d *sseDecoder) Next() (*sseEvent, error) {
	var (
		ev      sseEvent
		data    []string
		hasData bool
		touched bool
	)
	for {
		line, err := d.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if !touched {
				continue
			}
			if hasData {
				ev.Data = strings.Join(data, "\n")
			}
			return &ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			ev.Event = value
			touched = true
		case "data":
			data = append(data, value)
			hasData = true
			touched = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				ev.ID = value
				ev.HasID = true
				touched = true
			}
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				ev.Retry = time.Duration(ms) * time.Millisecond
				touched = true
			}
		}
	}
}
