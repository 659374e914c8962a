// Package policy evaluates the query admission policy with OPA.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"github.com/xiaot623/dataagent/internal/domain"
)

// Decisions returned by the policy.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Decision is the outcome of one evaluation.
type Decision struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

// Allowed reports whether the request may start.
func (d Decision) Allowed() bool {
	return d.Decision != DecisionDeny
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a policy engine from Rego source declaring package
// query_policy with rules decision and reason.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("decision = data.query_policy.decision; reason = data.query_policy.reason"),
		rego.Module("query_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate checks req against the policy.
func (e *Engine) Evaluate(ctx context.Context, req domain.StreamRequest) (Decision, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(Input(req)))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	// The policy is expected to define defaults for both rules.
	if len(results) == 0 {
		return Decision{Decision: DecisionAllow, Reason: "default"}, nil
	}

	d := Decision{Decision: DecisionAllow}
	if s, ok := results[0].Bindings["decision"].(string); ok {
		d.Decision = s
	}
	if s, ok := results[0].Bindings["reason"].(string); ok {
		d.Reason = s
	}
	if d.Decision != DecisionAllow && d.Decision != DecisionDeny {
		return Decision{}, fmt.Errorf("policy returned unknown decision %q", d.Decision)
	}
	return d, nil
}

// Input is the policy document for one request, keyed by wire parameter names.
func Input(req domain.StreamRequest) map[string]any {
	return map[string]any{
		domain.ParamAgentID:              req.AgentID,
		domain.ParamThreadID:             req.ThreadID,
		domain.ParamQuery:                req.Query,
		domain.ParamHumanFeedback:        req.HumanFeedback,
		domain.ParamHumanFeedbackContent: req.HumanFeedbackContent,
		domain.ParamRejectedPlan:         req.RejectedPlan,
		domain.ParamNL2SQLOnly:           req.NL2SQLOnly,
	}
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package query_policy

max_query_length = 4000

default decision = "allow"

decision = "deny" {
	count(deny_reasons) > 0
}

default reason = ""

reason = concat("; ", sort(deny_reasons)) {
	count(deny_reasons) > 0
}

# Feedback on a plan must say what to change.
deny_reasons["human feedback requires content"] {
	input.humanFeedback
	trim_space(input.humanFeedbackContent) == ""
}

deny_reasons["nl2sqlOnly cannot be combined with human feedback"] {
	input.nl2sqlOnly
	input.humanFeedback
}

deny_reasons[msg] {
	count(input.query) > max_query_length
	msg := sprintf("query exceeds %d characters", [max_query_length])
}
`
