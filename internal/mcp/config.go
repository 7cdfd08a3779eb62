package mcp

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/morikuni/failure/v2"

	"github.com/nugget/mcpvisor/internal/connwatch"
)

var serverNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// TransportConfig is the per-transport part of a [ServerConfig]. It is
// implemented by [*StdioConfig], [*HTTPConfig] and [*SSEConfig] only.
type TransportConfig interface {
	Kind() TransportKind
	transportConfig()
}

// ServerConfig describes one MCP server.
type ServerConfig struct {
	// Name identifies the server in logs, events and tool names.
	Name string

	// Transport selects and configures the channel to the server.
	Transport TransportConfig

	// Enabled is nil or true for servers that should be started.
	Enabled *bool

	// IncludeTools and ExcludeTools filter the tools this server
	// contributes to the catalog. Patterns are doublestar globs.
	IncludeTools []string
	ExcludeTools []string

	// RequestTimeout overrides the client's default per-request timeout.
	RequestTimeout time.Duration
}

// IsEnabled reports whether the server should be started.
func (c ServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Kind returns the configured transport kind, or "" when unset.
func (c ServerConfig) Kind() TransportKind {
	if c.Transport == nil {
		return ""
	}
	return c.Transport.Kind()
}

// Filter returns the tool filter for this server.
func (c ServerConfig) Filter() ToolFilter {
	return ToolFilter{Include: c.IncludeTools, Exclude: c.ExcludeTools}
}

// Validate reports the first problem that would stop the server from
// being started.
func (c ServerConfig) Validate() error {
	if !serverNamePattern.MatchString(c.Name) {
		return newError(ErrConnection, fmt.Sprintf("invalid server name %q", c.Name), nil)
	}
	fields := failure.Context{"server": c.Name}
	switch tc := c.Transport.(type) {
	case *StdioConfig:
		if tc == nil || tc.Command == "" {
			return newError(ErrConnection, "stdio transport requires a command", fields)
		}
	case *HTTPConfig:
		if tc == nil {
			return newError(ErrConnection, "http transport requires a url", fields)
		}
		return validateURL(tc.URL, "http", fields)
	case *SSEConfig:
		if tc == nil {
			return newError(ErrConnection, "sse transport requires a url", fields)
		}
		return validateURL(tc.URL, "sse", fields)
	case nil:
		return newError(ErrConnection, "no transport configured", fields)
	default:
		return newError(ErrConnection, fmt.Sprintf("unsupported transport %T", tc), fields)
	}
	return nil
}

func validateURL(raw, kind string, fields failure.Context) error {
	if raw == "" {
		return newError(ErrConnection, kind+" transport requires a url", fields)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return newError(ErrConnection, fmt.Sprintf("%s transport url %q must be an absolute http(s) URL", kind, raw), fields)
	}
	return nil
}

// NewTransport builds the transport described by cfg. The transport is
// not connected.
func NewTransport(cfg ServerConfig, logger *slog.Logger) (Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("mcp_server", cfg.Name)

	switch tc := cfg.Transport.(type) {
	case *StdioConfig:
		c := *tc
		c.Logger = logger
		return NewStdioTransport(c), nil
	case *HTTPConfig:
		c := *tc
		c.Logger = logger
		return NewHTTPTransport(c), nil
	case *SSEConfig:
		c := *tc
		c.Logger = logger
		return NewSSETransport(c), nil
	}
	// Validate rejects every other case.
	return nil, newError(ErrConnection, "unsupported transport", failure.Context{"server": cfg.Name})
}

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env overrides entries of the current process environment for
	// the subprocess.
	Env map[string]string

	// Cwd is the working directory of the subprocess. Empty means the
	// current directory.
	Cwd string

	// GracePeriod is how long Disconnect waits for the subprocess to
	// exit after stdin is closed before killing its process group
	// (default 5s).
	GracePeriod time.Duration

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

func (*StdioConfig) Kind() TransportKind { return TransportStdio }
func (*StdioConfig) transportConfig()    {}

// HTTPConfig configures an HTTP MCP transport that posts every message
// to a single endpoint and reads replies from the response body.
type HTTPConfig struct {
	// URL is the MCP server endpoint.
	URL string

	// Headers are additional HTTP headers sent with every request.
	Headers map[string]string

	// Auth attaches credentials to every request. Optional.
	Auth *Auth

	// Timeout bounds each HTTP exchange (default 30s).
	Timeout time.Duration

	// Retries is the number of POST attempts made for network-level
	// failures (default 3). HTTP error statuses are never retried.
	Retries int

	// RetryDelay is the backoff unit; attempt n waits RetryDelay*2^n
	// (default 1s).
	RetryDelay time.Duration

	// HTTPClient replaces the httpkit client. Optional.
	HTTPClient *http.Client

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

func (*HTTPConfig) Kind() TransportKind { return TransportHTTP }
func (*HTTPConfig) transportConfig()    {}

// SSEConfig configures a transport that receives messages on a
// server-sent event stream and posts outbound messages to the endpoint
// the stream announces.
type SSEConfig struct {
	// URL is the event stream endpoint.
	URL string

	// MessageURL is the POST target used until the stream announces an
	// endpoint. Relative values resolve against URL. Empty means URL
	// with "/message" appended.
	MessageURL string

	// Headers are sent on the stream request and on every POST.
	Headers map[string]string

	// Auth attaches credentials to every request. Optional.
	Auth *Auth

	// Timeout bounds each POST (default 30s). The stream has no timeout.
	Timeout time.Duration

	// Retries and RetryDelay apply to POSTs as for [HTTPConfig].
	Retries    int
	RetryDelay time.Duration

	// Reconnect paces stream reconnects. MaxRetries bounds the number of
	// consecutive attempts (default 5). A retry hint from the server
	// seeds the first delay.
	Reconnect connwatch.BackoffConfig

	// EndpointWait is how long a send waits for the endpoint event
	// before falling back to MessageURL (default 2s).
	EndpointWait time.Duration

	// HTTPClient replaces the httpkit clients for both the stream and
	// POSTs. Optional.
	HTTPClient *http.Client

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

func (*SSEConfig) Kind() TransportKind { return TransportSSE }
func (*SSEConfig) transportConfig()    {}
