package domain

import (
	"errors"
	"net/url"
	"testing"
)

func TestStreamRequestParamsRoundTrip(t *testing.T) {
	req := StreamRequest{
		AgentID:              "a1",
		ThreadID:             "t-42",
		Query:                "top 10 customers by revenue",
		HumanFeedback:        true,
		HumanFeedbackContent: "use last quarter only",
		RejectedPlan:         true,
		NL2SQLOnly:           false,
	}

	params := req.Params()
	if got := params.Get(ParamHumanFeedbackContent); got != "use last quarter only" {
		t.Fatalf("unexpected humanFeedbackContent: %q", got)
	}

	// Force a trip through the encoded query string.
	decodedParams, err := url.ParseQuery(params.Encode())
	if err != nil {
		t.Fatalf("ParseQuery failed: %v", err)
	}
	got, err := ParseStreamRequest(decodedParams)
	if err != nil {
		t.Fatalf("ParseStreamRequest failed: %v", err)
	}
	if got != req {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", got, req)
	}
}

func TestStreamRequestParamsOmitsOptionalFields(t *testing.T) {
	req := StreamRequest{
		AgentID:              "a1",
		Query:                "q",
		HumanFeedback:        false,
		HumanFeedbackContent: "ignored",
	}

	params := req.Params()
	if _, ok := params[ParamHumanFeedbackContent]; ok {
		t.Fatalf("humanFeedbackContent must be omitted when humanFeedback is false")
	}
	if _, ok := params[ParamThreadID]; ok {
		t.Fatalf("threadId must be omitted when empty")
	}
	for _, key := range []string{ParamHumanFeedback, ParamRejectedPlan, ParamNL2SQLOnly} {
		if params.Get(key) != "false" {
			t.Fatalf("expected %s=false, got %q", key, params.Get(key))
		}
	}

	got, err := ParseStreamRequest(params)
	if err != nil {
		t.Fatalf("ParseStreamRequest failed: %v", err)
	}
	if got.HumanFeedbackContent != "" {
		t.Fatalf("unexpected content after round trip: %q", got.HumanFeedbackContent)
	}
}

func TestParseStreamRequestRejectsBadBool(t *testing.T) {
	params := url.Values{}
	params.Set(ParamAgentID, "a1")
	params.Set(ParamQuery, "q")
	params.Set(ParamNL2SQLOnly, "maybe")

	_, err := ParseStreamRequest(params)
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestStreamRequestValidate(t *testing.T) {
	cases := []struct {
		name  string
		req   StreamRequest
		field string
	}{
		{"missing agent", StreamRequest{Query: "q"}, ParamAgentID},
		{"blank agent", StreamRequest{AgentID: "  ", Query: "q"}, ParamAgentID},
		{"missing query", StreamRequest{AgentID: "a1"}, ParamQuery},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate()
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if vErr.Field != tc.field {
				t.Fatalf("expected field %s, got %s", tc.field, vErr.Field)
			}
		})
	}

	if err := (StreamRequest{AgentID: "a1", Query: "q"}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
