package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// jsonrpcVersion is the JSON-RPC protocol version used by MCP.
const jsonrpcVersion = "2.0"

// Standard JSON-RPC 2.0 error codes used when answering server requests.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Outbound is a message the client can hand to a [Transport]. It is
// implemented by [*Request], [*Notification] and [*Response] only.
type Outbound interface {
	outbound()
}

// Request is a JSON-RPC 2.0 request message.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest creates a JSON-RPC 2.0 request with the given method and params.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

func (*Request) outbound() {}

// Notification is a JSON-RPC 2.0 notification (no ID, no response expected).
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification creates a JSON-RPC 2.0 notification.
func NewNotification(method string, params any) *Notification {
	return &Notification{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  params,
	}
}

func (*Notification) outbound() {}

// Response is a JSON-RPC 2.0 response the client sends back when the
// server issues a request of its own. The ID is echoed verbatim, so
// string and numeric IDs both survive the round trip.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func (*Response) outbound() {}

// NewResult builds a success response for the request with the given ID.
func NewResult(id json.RawMessage, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{JSONRPC: jsonrpcVersion, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response for the request with the given ID.
func NewErrorResponse(id json.RawMessage, code int, message string) *Response {
	return &Response{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	}
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Message is any inbound JSON-RPC 2.0 message. Which fields are set
// decides what it is: a response carries an ID and no method, a
// notification carries a method and no ID, and a server-initiated
// request carries both.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func (m *Message) hasID() bool {
	return len(m.ID) > 0 && !bytes.Equal(m.ID, []byte("null"))
}

// IsResponse reports whether m answers an earlier request.
func (m *Message) IsResponse() bool { return m.hasID() && m.Method == "" }

// IsNotification reports whether m is a one-way message from the server.
func (m *Message) IsNotification() bool { return !m.hasID() && m.Method != "" }

// IsRequest reports whether m is a request the server expects us to answer.
func (m *Message) IsRequest() bool { return m.hasID() && m.Method != "" }

// IntID returns the numeric request ID of m. Responses to requests sent
// by [Client] always carry integer IDs; anything else reports false.
func (m *Message) IntID() (int64, bool) {
	if !m.hasID() {
		return 0, false
	}
	id, err := strconv.ParseInt(string(m.ID), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// DecodeMessages parses a single JSON-RPC message or a batch array.
// Every element must declare jsonrpc "2.0".
func DecodeMessages(data []byte) ([]*Message, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty message")
	}

	var msgs []*Message
	if data[0] == '[' {
		if err := json.Unmarshal(data, &msgs); err != nil {
			return nil, fmt.Errorf("decode batch: %w", err)
		}
	} else {
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		msgs = []*Message{&msg}
	}

	for _, msg := range msgs {
		if msg == nil {
			return nil, fmt.Errorf("null message in batch")
		}
		if msg.JSONRPC != jsonrpcVersion {
			return nil, fmt.Errorf("unsupported jsonrpc version %q", msg.JSONRPC)
		}
		if !msg.hasID() && msg.Method == "" {
			return nil, fmt.Errorf("message has neither id nor method")
		}
	}
	return msgs, nil
}
