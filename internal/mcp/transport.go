package mcp

import (
	"context"
	"sync"
)

// TransportKind names one of the supported transports.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
	TransportSSE   TransportKind = "sse"
)

// Valid reports whether k is a known transport kind.
func (k TransportKind) Valid() bool {
	switch k {
	case TransportStdio, TransportHTTP, TransportSSE:
		return true
	}
	return false
}

// Transport is a bidirectional JSON-RPC channel to one MCP server.
//
// Inbound traffic is delivered on the channel returned by Events rather
// than through callbacks. The channel carries decoded messages and
// asynchronous errors, ends with a single [EventClosed], and is then
// closed. Transports are single-use: after the channel closes, Connect
// fails and a new transport must be built.
type Transport interface {
	// Connect establishes the channel. Calling it on a connected
	// transport is a no-op.
	Connect(ctx context.Context) error

	// Disconnect tears the channel down and releases its resources. It
	// is idempotent and never fails on an unconnected transport.
	Disconnect() error

	// Send writes one message. It fails with ErrConnection when the
	// transport is not connected.
	Send(ctx context.Context, msg Outbound) error

	// Events returns the inbound event stream. It is the same channel
	// for the life of the transport.
	Events() <-chan Event

	// IsConnected reports whether the channel is currently usable.
	IsConnected() bool

	// Kind reports which transport this is.
	Kind() TransportKind
}

// EventKind discriminates [Event] values.
type EventKind int

const (
	// EventMessage carries one decoded inbound message.
	EventMessage EventKind = iota + 1
	// EventError reports an asynchronous transport problem. The channel
	// stays open unless an EventClosed follows.
	EventError
	// EventClosed is the final event on the stream.
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	}
	return "unknown"
}

// Event is one item on a transport's event stream.
type Event struct {
	Kind    EventKind
	Message *Message // EventMessage
	Err     error    // EventError, and EventClosed when the close was unexpected
}

// eventBuffer bounds how far a transport may run ahead of its reader.
const eventBuffer = 64

// eventStream is the shared plumbing behind Transport.Events. Emitters
// block while the buffer is full, until the stream is finished.
type eventStream struct {
	ch      chan Event
	abandon chan struct{}

	mu       sync.RWMutex
	finished bool
	once     sync.Once
}

func newEventStream() *eventStream {
	return &eventStream{
		ch:      make(chan Event, eventBuffer),
		abandon: make(chan struct{}),
	}
}

func (s *eventStream) events() <-chan Event {
	return s.ch
}

// emit delivers ev unless the stream has already finished. It reports
// whether the event was queued.
func (s *eventStream) emit(ev Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.finished {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	case <-s.abandon:
		return false
	}
}

func (s *eventStream) message(msg *Message) bool {
	return s.emit(Event{Kind: EventMessage, Message: msg})
}

func (s *eventStream) fail(err error) bool {
	return s.emit(Event{Kind: EventError, Err: err})
}

// finish emits EventClosed and closes the channel. Only the first call
// has any effect. Emitters blocked on a full buffer are released first,
// so finish never waits on a slow reader.
func (s *eventStream) finish(err error) {
	s.once.Do(func() {
		close(s.abandon)
		s.mu.Lock()
		defer s.mu.Unlock()
		s.finished = true
		select {
		case s.ch <- Event{Kind: EventClosed, Err: err}:
		default:
		}
		close(s.ch)
	})
}

// connState tracks a transport's lifecycle.
type connState int32

const (
	stateIdle connState = iota
	stateConnected
	stateClosed
)
