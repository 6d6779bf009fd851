// Package protocol defines the JSON-RPC 2.0 message surface spoken over the
// WebSocket connection: requests (execute, control, status), responses, and
// server-initiated notifications (output, heartbeat, stall, completed, error).
package protocol

import (
	"encoding/json"
	"fmt"
)

const Version = "2.0"

// JSON-RPC 2.0 standard error codes.
const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603
)

// Service-specific error codes.
const (
	ErrCodeSessionLimit       = -32001
	ErrCodeCommandNotAllowed  = -32002
	ErrCodeProcessNotFound    = -32003
	ErrCodeSpawnFailed        = -32004
	ErrCodeInvalidTransition  = -32005
	ErrCodeControlUnsupported = -32006
	ErrCodeTimeout            = -32007
)

// Request is an inbound JSON-RPC request. ID is raw so the caller's
// correlation id (number or string) is echoed back untouched.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Response is an outbound JSON-RPC response tied to a request ID.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Notification is a server-initiated message with no ID.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewResponse builds a success response echoing the request id.
func NewResponse(id json.RawMessage, result any) Response {
	return Response{JSONRPC: Version, Result: result, ID: id}
}

// NewError builds an error response echoing the request id.
func NewError(id json.RawMessage, code int, message string) Response {
	return Response{JSONRPC: Version, Error: &Error{Code: code, Message: message}, ID: id}
}

// NewNotification builds a server-initiated notification.
func NewNotification(method string, params any) Notification {
	return Notification{JSONRPC: Version, Method: method, Params: params}
}

// Request parameter payloads.

type ExecuteParams struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout,omitempty"` // estimated when omitted
}

type ControlParams struct {
	Action    string `json:"action"` // pause | resume | cancel
	SessionID string `json:"session_id"`
}

type StatusParams struct {
	SessionID string `json:"session_id"`
}

// Result payloads.

type ExecuteResult struct {
	SessionID string `json:"session_id"`
	PID       int    `json:"pid"`
	PGID      int    `json:"pgid"`
	Timeout   int    `json:"timeout_seconds"`
	Estimated bool   `json:"estimated"`
}

type ControlResult struct {
	Accepted bool   `json:"accepted"`
	Status   string `json:"status"`
}

type StatusResult struct {
	SessionID       string  `json:"session_id"`
	State           string  `json:"state"`
	ElapsedSeconds  float64 `json:"elapsed"`
	LastActivityAge float64 `json:"last_activity_age"`
}

// Notification method names.
const (
	MethodConnected = "connected"
	MethodOutput    = "process.output"
	MethodHeartbeat = "process.heartbeat"
	MethodStall     = "process.stall"
	MethodCompleted = "process.completed"
	MethodError     = "process.error"
)

// Notification payloads, each correlated to a session.

type ConnectedEvent struct {
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

type OutputEvent struct {
	SessionID string `json:"session_id"`
	Stream    string `json:"stream"` // stdout | stderr
	Data      string `json:"data"`
	Seq       uint64 `json:"seq"`
}

type HeartbeatEvent struct {
	SessionID      string  `json:"session_id"`
	ElapsedSeconds float64 `json:"elapsed"`
}

type StallEvent struct {
	SessionID       string  `json:"session_id"`
	InactiveSeconds float64 `json:"inactive_seconds"`
}

type CompletedEvent struct {
	SessionID string `json:"session_id"`
	ExitCode  int    `json:"exit_code"`
	Verified  bool   `json:"verified"`
}

type ErrorEvent struct {
	SessionID string `json:"session_id"`
	Code      int    `json:"code"`
	Message   string `json:"message"`
}
