package ws

import "github.com/xiaot623/dataagent/internal/domain"

// Message types from client to relay
const (
	TypeStart  = "start"
	TypeCancel = "cancel"
)

// Message types from relay to client
const (
	TypeRunStarted  = "run_started"
	TypeNode        = "node"
	TypeDecodeError = "decode_error"
	TypeComplete    = "complete"
	TypeError       = "error"
	TypeCancelled   = "cancelled"
)

// Error codes
const (
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeInvalidRequest = "invalid_request"
	ErrorCodePolicyDenied   = "policy_denied"
	ErrorCodeRunNotActive   = "run_not_active"
	ErrorCodeStreamFailed   = "stream_failed"
	ErrorCodeInternal       = "internal"
)

// BaseMessage contains common fields for all messages.
type BaseMessage struct {
	Type      string `json:"type"`
	Ts        int64  `json:"ts"`
	RequestID string `json:"request_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`
}

// StartMessage asks the relay to start a run.
type StartMessage struct {
	BaseMessage
	Request domain.StreamRequest `json:"request"`
}

// CancelMessage asks the relay to cancel a run.
type CancelMessage struct {
	BaseMessage
}

// RunStartedMessage acknowledges a start.
type RunStartedMessage struct {
	BaseMessage
	ThreadID string `json:"thread_id,omitempty"`
}

// NodeMessage carries one node event.
type NodeMessage struct {
	BaseMessage
	Seq   int              `json:"seq"`
	Event domain.NodeEvent `json:"event"`
}

// DecodeErrorMessage reports a malformed upstream message; the run continues.
type DecodeErrorMessage struct {
	BaseMessage
	Message string `json:"message"`
}

// FinishMessage ends a run: complete, cancelled or error.
type FinishMessage struct {
	BaseMessage
	ThreadID string `json:"thread_id,omitempty"`
	Events   int    `json:"events"`
}

// ErrorMessage reports a failure for a request or a run.
type ErrorMessage struct {
	BaseMessage
	Code     string `json:"code"`
	Message  string `json:"message"`
	ThreadID string `json:"thread_id,omitempty"`
}
