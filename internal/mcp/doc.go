// Package mcp implements the client side of the Model Context Protocol.
//
// MCP speaks JSON-RPC 2.0 over one of three transports: stdio (a
// subprocess exchanging newline-delimited JSON), HTTP (one POST per
// message) and SSE (a long-lived event stream for inbound traffic plus
// POSTs to an endpoint the stream announces). Every transport delivers
// inbound traffic as a single channel of [Event] values.
//
// A [Client] wraps one transport, correlates responses with requests by
// ID, applies per-request timeouts and performs the initialize
// handshake that must precede every other call. Failures carry an
// [ErrorCode]; JSON-RPC errors returned by the server surface as
// [*RPCError].
package mcp
