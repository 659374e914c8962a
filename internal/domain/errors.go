package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors, checked with errors.Is.
var (
	// ErrInvalidRequest indicates a StreamRequest failed validation.
	ErrInvalidRequest = errors.New("dataagent: invalid request")

	// ErrDecode indicates one pushed message could not be decoded into a NodeEvent.
	ErrDecode = errors.New("dataagent: malformed node event")

	// ErrTransport indicates a connection-level failure before normal completion.
	ErrTransport = errors.New("dataagent: stream transport failed")

	// ErrCancelled indicates the caller cancelled the session.
	ErrCancelled = errors.New("dataagent: stream cancelled by caller")
)

// ValidationError names the request field that failed validation.
type ValidationError struct {
	Field  string
	Value  any
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("%s %s (value: %v)", e.Field, e.Reason, e.Value)
	}
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// DecodeError describes one malformed pushed message. It is never terminal on
// its own.
type DecodeError struct {
	Raw string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to parse server response: %v", e.Err)
}

// Is lets errors.Is(err, ErrDecode) match.
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// TransportError is a connection-level failure. Op names where it happened:
// "open", "status", "read", "eof" or "server" (a named error frame).
type TransportError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode > 0:
		return fmt.Sprintf("stream connection failed: %s: status %d: %s", e.Op, e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("stream connection failed: %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("stream connection failed: %s: %s", e.Op, e.Message)
	}
}

// Is lets errors.Is(err, ErrTransport) match.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
