// Package domain defines the core domain models for the data agent stream client.
package domain

import "strings"

// TextType tells a consumer how to interpret NodeEvent.Text.
type TextType string

const (
	TextTypeJSON      TextType = "JSON"
	TextTypePython    TextType = "PYTHON"
	TextTypeSQL       TextType = "SQL"
	TextTypeHTML      TextType = "HTML"
	TextTypeMarkdown  TextType = "MARK_DOWN"
	TextTypeResultSet TextType = "RESULT_SET"
	TextTypeText      TextType = "TEXT"
)

// ParseTextType normalizes a wire text type. MARKDOWN and MARK_DOWN both map to
// TextTypeMarkdown; unknown values are returned unchanged.
func ParseTextType(s string) TextType {
	switch v := strings.ToUpper(strings.TrimSpace(s)); v {
	case "MARKDOWN", "MARK_DOWN":
		return TextTypeMarkdown
	case "":
		return TextTypeText
	default:
		return TextType(v)
	}
}

// Known reports whether t is one of the text types the agent server emits.
func (t TextType) Known() bool {
	switch t {
	case TextTypeJSON, TextTypePython, TextTypeSQL, TextTypeHTML,
		TextTypeMarkdown, TextTypeResultSet, TextTypeText:
		return true
	}
	return false
}

// SessionState represents the state of one stream session.
type SessionState string

const (
	SessionStateIdle       SessionState = "IDLE"
	SessionStateConnecting SessionState = "CONNECTING"
	SessionStateOpen       SessionState = "OPEN"
	SessionStateCompleted  SessionState = "COMPLETED"
	SessionStateFailed     SessionState = "FAILED"
	SessionStateCancelled  SessionState = "CANCELLED"
)

// Terminal reports whether no further transitions can leave s.
func (s SessionState) Terminal() bool {
	switch s {
	case SessionStateCompleted, SessionStateFailed, SessionStateCancelled:
		return true
	}
	return false
}

// SSE event names used by the agent server.
const (
	StreamEventMessage  = "message"
	StreamEventComplete = "complete"
	StreamEventError    = "error"
)
