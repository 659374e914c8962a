package domain

import (
	"net/url"
	"strconv"
	"strings"
)

// Request parameter names on the wire.
const (
	ParamAgentID              = "agentId"
	ParamThreadID             = "threadId"
	ParamQuery                = "query"
	ParamHumanFeedback        = "humanFeedback"
	ParamHumanFeedbackContent = "humanFeedbackContent"
	ParamRejectedPlan         = "rejectedPlan"
	ParamNL2SQLOnly           = "nl2sqlOnly"
)

// StreamRequest holds the parameters of one query execution.
type StreamRequest struct {
	AgentID              string `json:"agentId"`
	ThreadID             string `json:"threadId,omitempty"`
	Query                string `json:"query"`
	HumanFeedback        bool   `json:"humanFeedback"`
	HumanFeedbackContent string `json:"humanFeedbackContent,omitempty"`
	RejectedPlan         bool   `json:"rejectedPlan"`
	NL2SQLOnly           bool   `json:"nl2sqlOnly"`
}

// Validate checks the required fields.
func (r StreamRequest) Validate() error {
	if strings.TrimSpace(r.AgentID) == "" {
		return &ValidationError{Field: ParamAgentID, Reason: "is required", Err: ErrInvalidRequest}
	}
	if strings.TrimSpace(r.Query) == "" {
		return &ValidationError{Field: ParamQuery, Reason: "is required", Err: ErrInvalidRequest}
	}
	return nil
}

// Params encodes the request as query-string parameters. threadId is omitted when
// empty and humanFeedbackContent is only present when HumanFeedback is set.
func (r StreamRequest) Params() url.Values {
	params := url.Values{}
	params.Set(ParamAgentID, r.AgentID)
	if r.ThreadID != "" {
		params.Set(ParamThreadID, r.ThreadID)
	}
	params.Set(ParamQuery, r.Query)
	params.Set(ParamHumanFeedback, strconv.FormatBool(r.HumanFeedback))
	params.Set(ParamRejectedPlan, strconv.FormatBool(r.RejectedPlan))
	params.Set(ParamNL2SQLOnly, strconv.FormatBool(r.NL2SQLOnly))
	if r.HumanFeedback && r.HumanFeedbackContent != "" {
		params.Set(ParamHumanFeedbackContent, r.HumanFeedbackContent)
	}
	return params
}

// ParseStreamRequest decodes parameters produced by Params. Missing booleans
// default to false.
func ParseStreamRequest(params url.Values) (StreamRequest, error) {
	req := StreamRequest{
		AgentID:  params.Get(ParamAgentID),
		ThreadID: params.Get(ParamThreadID),
		Query:    params.Get(ParamQuery),
	}

	var err error
	if req.HumanFeedback, err = parseBoolParam(params, ParamHumanFeedback); err != nil {
		return req, err
	}
	if req.RejectedPlan, err = parseBoolParam(params, ParamRejectedPlan); err != nil {
		return req, err
	}
	if req.NL2SQLOnly, err = parseBoolParam(params, ParamNL2SQLOnly); err != nil {
		return req, err
	}
	if req.HumanFeedback {
		req.HumanFeedbackContent = params.Get(ParamHumanFeedbackContent)
	}
	return req, nil
}

func parseBoolParam(params url.Values, key string) (bool, error) {
	raw := params.Get(key)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, &ValidationError{Field: key, Value: raw, Reason: "must be true or false", Err: ErrInvalidRequest}
	}
	return v, nil
}
