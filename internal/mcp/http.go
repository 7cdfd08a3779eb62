package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/morikuni/failure/v2"

	"github.com/nugget/mcpvisor/internal/config"
	"github.com/nugget/mcpvisor/internal/connwatch"
	"github.com/nugget/mcpvisor/internal/httpkit"
)

const (
	defaultHTTPTimeout  = 30 * time.Second
	defaultHTTPRetries  = 3
	defaultRetryDelay   = time.Second
	maxResponseBody     = 10 << 20 // 10 MiB
	sessionHeader       = "Mcp-Session-Id"
	legacySessionHeader = "Mcp-Session"
)

// HTTPTransport communicates with an MCP server over HTTP. Each
// outbound message is sent as a POST; any messages in the response body
// (a JSON object, a JSON batch, or an event stream) are delivered on
// the event channel before Send returns.
type HTTPTransport struct {
	config HTTPConfig
	logger *slog.Logger
	events *eventStream
	state  atomic.Int32
	poster *poster
}

// NewHTTPTransport creates an HTTP transport for the given config.
// The underlying HTTP client is constructed via httpkit unless one is
// supplied.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	client := cfg.HTTPClient
	if client == nil {
		client = httpkit.NewClient(
			httpkit.WithTimeout(timeout),
			httpkit.WithTrace(logger),
		)
	}

	events := newEventStream()
	return &HTTPTransport{
		config: cfg,
		logger: logger,
		events: events,
		poster: newPoster(client, cfg.Headers, cfg.Auth, cfg.Retries, cfg.RetryDelay, events, logger),
	}
}

// Kind implements [Transport].
func (t *HTTPTransport) Kind() TransportKind { return TransportHTTP }

// Events implements [Transport].
func (t *HTTPTransport) Events() <-chan Event { return t.events.events() }

// IsConnected implements [Transport].
func (t *HTTPTransport) IsConnected() bool {
	return connState(t.state.Load()) == stateConnected
}

// SessionID returns the session identifier the server assigned, if any.
func (t *HTTPTransport) SessionID() string {
	return t.poster.session()
}

// Connect probes the endpoint with a GET. Any 2xx status counts as
// reachable, and so does 404 from servers that only route POST.
// Network failures and every other status fail with ErrConnection.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	fields := failure.Context{"url": t.config.URL}
	switch connState(t.state.Load()) {
	case stateConnected:
		return nil
	case stateClosed:
		return newError(ErrConnection, "transport is closed", fields)
	}
	if err := validateURL(t.config.URL, "http", fields); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.config.URL, nil)
	if err != nil {
		return translate(err, ErrConnection, "create probe request", fields)
	}
	req.Header.Set("Accept", "application/json, text/event-stream")
	if err := applyHeaders(req, t.config.Headers, t.config.Auth); err != nil {
		return translate(err, ErrConnection, "apply auth", fields)
	}

	resp, err := t.poster.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctxError(ctx, "connect probe cancelled", fields)
		}
		return translate(err, ErrConnection, "connect probe failed", fields)
	}
	httpkit.DrainAndClose(resp.Body, 4096)

	if !httpkit.IsSuccess(resp.StatusCode) && resp.StatusCode != http.StatusNotFound {
		fields["status"] = strconv.Itoa(resp.StatusCode)
		return newError(ErrConnection, fmt.Sprintf("connect probe returned %d", resp.StatusCode), fields)
	}

	if !t.state.CompareAndSwap(int32(stateIdle), int32(stateConnected)) {
		return newError(ErrConnection, "transport is closed", fields)
	}
	t.logger.Info("MCP HTTP endpoint reachable", "url", t.config.URL, "status", resp.StatusCode)
	return nil
}

// Send posts msg to the endpoint.
func (t *HTTPTransport) Send(ctx context.Context, msg Outbound) error {
	if !t.IsConnected() {
		return newError(ErrConnection, "transport not connected", failure.Context{"url": t.config.URL})
	}
	return t.poster.post(ctx, t.config.URL, msg)
}

// Disconnect aborts in-flight requests and closes the event stream.
func (t *HTTPTransport) Disconnect() error {
	t.state.Store(int32(stateClosed))
	t.poster.cancelAll()
	t.events.finish(nil)
	return nil
}

// poster sends JSON-RPC messages as HTTP POSTs and delivers whatever the
// response body carries. It is shared by the http and sse transports.
type poster struct {
	client     *http.Client
	headers    map[string]string
	auth       *Auth
	attempts   int
	retryDelay time.Duration
	events     *eventStream
	logger     *slog.Logger

	mu       sync.Mutex
	inflight map[uint64]context.CancelFunc
	seq      uint64
	closed   bool
	sid      string
}

func newPoster(client *http.Client, headers map[string]string, auth *Auth, retries int, retryDelay time.Duration, events *eventStream, logger *slog.Logger) *poster {
	if retries <= 0 {
		retries = defaultHTTPRetries
	}
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	return &poster{
		client:     client,
		headers:    headers,
		auth:       auth,
		attempts:   retries,
		retryDelay: retryDelay,
		events:     events,
		logger:     logger,
		inflight:   make(map[uint64]context.CancelFunc),
	}
}

func (p *poster) session() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sid
}

// track registers cancel so cancelAll can abort the request.
func (p *poster) track(cancel context.CancelFunc) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, false
	}
	p.seq++
	p.inflight[p.seq] = cancel
	return p.seq, true
}

func (p *poster) untrack(id uint64) {
	p.mu.Lock()
	delete(p.inflight, id)
	p.mu.Unlock()
}

func (p *poster) cancelAll() {
	p.mu.Lock()
	p.closed = true
	cancels := make([]context.CancelFunc, 0, len(p.inflight))
	for id, cancel := range p.inflight {
		cancels = append(cancels, cancel)
		delete(p.inflight, id)
	}
	p.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// post sends msg to target. Network-level failures are retried with
// exponential backoff (retryDelay * 2^attempt); an HTTP error status
// fails immediately with ErrTransport.
func (p *poster) post(ctx context.Context, target string, msg Outbound) error {
	fields := failure.Context{"url": target}

	body, err := json.Marshal(msg)
	if err != nil {
		return translate(err, ErrTransport, "marshal message", fields)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	id, ok := p.track(cancel)
	if !ok {
		return newError(ErrConnection, "transport disconnected", fields)
	}
	defer p.untrack(id)

	p.logger.Log(ctx, config.LevelTrace, "MCP HTTP send", "url", target, "body", string(body))

	var lastErr error
	for attempt := 0; attempt < p.attempts; attempt++ {
		if attempt > 0 {
			delay := p.retryDelay << (attempt - 1)
			p.logger.Debug("retrying MCP POST after network error",
				"url", target,
				"attempt", attempt+1,
				"max_attempts", p.attempts,
				"delay", delay.String(),
				"error", lastErr,
			)
			if !connwatch.SleepCtx(ctx, delay) {
				break
			}
		}

		resp, err := p.do(ctx, target, body)
		if err == nil {
			return p.handle(resp, fields)
		}
		lastErr = err
		if ctx.Err() != nil || isRequestBuildError(err) {
			break
		}
	}

	if ctx.Err() != nil {
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return newError(ErrConnection, "transport disconnected", fields)
		}
		return ctxError(ctx, "POST cancelled", fields)
	}
	fields["attempts"] = strconv.Itoa(p.attempts)
	return translate(lastErr, ErrTransport, "POST failed", fields)
}

// requestBuildError marks failures that happen before anything is sent.
type requestBuildError struct{ err error }

func (e *requestBuildError) Error() string { return e.err.Error() }
func (e *requestBuildError) Unwrap() error { return e.err }

func isRequestBuildError(err error) bool {
	var rb *requestBuildError
	return errors.As(err, &rb)
}

func (p *poster) do(ctx context.Context, target string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, &requestBuildError{fmt.Errorf("create HTTP request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if err := applyHeaders(req, p.headers, p.auth); err != nil {
		return nil, &requestBuildError{err}
	}
	if sid := p.session(); sid != "" {
		req.Header.Set(sessionHeader, sid)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request to %s: %w", target, err)
	}
	return resp, nil
}

// handle checks the status and delivers any messages in the body.
func (p *poster) handle(resp *http.Response, fields failure.Context) error {
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	sid := resp.Header.Get(sessionHeader)
	if sid == "" {
		sid = resp.Header.Get(legacySessionHeader)
	}
	if sid != "" {
		p.mu.Lock()
		p.sid = sid
		p.mu.Unlock()
	}

	if !httpkit.IsSuccess(resp.StatusCode) {
		errBody := httpkit.ReadErrorBody(resp.Body, 1<<20)
		fields["status"] = strconv.Itoa(resp.StatusCode)
		fields["body"] = truncate(errBody, 200)
		return newError(ErrTransport, fmt.Sprintf("MCP server returned %d", resp.StatusCode), fields)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return p.handleStream(resp.Body, fields)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return translate(err, ErrTransport, "read response body", fields)
	}
	if len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	p.logger.Log(context.Background(), config.LevelTrace, "MCP HTTP recv", "body", string(respBody))

	msgs, err := DecodeMessages(respBody)
	if err != nil {
		fields["body"] = truncate(string(respBody), 200)
		return translate(err, ErrTransport, "malformed response body", fields)
	}
	for _, msg := range msgs {
		p.events.message(msg)
	}
	return nil
}

// handleStream delivers messages from an event-stream response body.
// Malformed events are reported on the event channel and skipped.
func (p *poster) handleStream(body io.Reader, fields failure.Context) error {
	dec := newSSEDecoder(body)
	for {
		ev, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return translate(err, ErrTransport, "read event stream response", fields)
		}
		if ev.Data == "" || (ev.Event != "" && ev.Event != "message") {
			continue
		}
		p.logger.Log(context.Background(), config.LevelTrace, "MCP HTTP stream recv", "data", ev.Data)
		msgs, err := DecodeMessages([]byte(ev.Data))
		if err != nil {
			p.events.fail(translate(err, ErrTransport, "malformed event in response stream", fields))
			continue
		}
		for _, msg := range msgs {
			p.events.message(msg)
		}
	}
}
