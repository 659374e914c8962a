package domain

import (
	"encoding/json"
	"errors"
)

// NodeEvent is one unit pushed by the agent server while it executes a query
// graph. Text may be a fragment of a larger unit from the same node.
type NodeEvent struct {
	AgentID  string   `json:"agentId"`
	ThreadID string   `json:"threadId"`
	NodeName string   `json:"nodeName"`
	TextType TextType `json:"textType"`
	Text     string   `json:"text"`
	Error    bool     `json:"error"`
	Complete bool     `json:"complete"`
}

// DecodeNodeEvent parses one pushed message payload.
func DecodeNodeEvent(data []byte) (NodeEvent, error) {
	var evt NodeEvent
	if len(data) == 0 {
		return evt, &DecodeError{Raw: "", Err: errors.New("empty payload")}
	}
	if err := json.Unmarshal(data, &evt); err != nil {
		return NodeEvent{}, &DecodeError{Raw: string(data), Err: err}
	}
	evt.TextType = ParseTextType(string(evt.TextType))
	return evt, nil
}
