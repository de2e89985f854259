// internal/rpc/message.go
package rpc

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 wire types.
// See: https://www.jsonrpc.org/specification

const Version = "2.0"

// message is the single envelope for everything that crosses the pipe. A
// request has ID+Method, a response has ID plus Result or Error, and a
// notification has Method without ID.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// isResponse reports whether the message answers one of our requests.
func (m *message) isResponse() bool {
	return m.ID != nil && m.Method == ""
}

// isServerRequest reports whether the message is an engine-initiated
// request that expects a response (e.g. an approval prompt).
func (m *message) isServerRequest() bool {
	return m.ID != nil && m.Method != ""
}

// isNotification reports whether the message is one-way.
func (m *message) isNotification() bool {
	return m.ID == nil && m.Method != ""
}

// Error is a JSON-RPC 2.0 error object. The engine rejecting a call yields
// one of these; it is scoped to that call and never fatal to the transport.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Handshake methods. Nothing else may be sent before the handshake
// completes.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "initialized"
)

// initializeParams is sent with the initialize request.
type initializeParams struct {
	ClientInfo clientInfo `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}
