package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/dataagent/internal/domain"
)

func TestDefaultPolicy(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, DefaultPolicy)
	require.NoError(t, err)

	tests := []struct {
		name       string
		req        domain.StreamRequest
		wantAllow  bool
		wantReason string
	}{
		{
			name:      "plain query",
			req:       domain.StreamRequest{AgentID: "a1", Query: "top regions"},
			wantAllow: true,
		},
		{
			name:      "feedback with content",
			req:       domain.StreamRequest{AgentID: "a1", ThreadID: "t1", Query: "q", HumanFeedback: true, HumanFeedbackContent: "only 2024"},
			wantAllow: true,
		},
		{
			name:       "feedback without content",
			req:        domain.StreamRequest{AgentID: "a1", ThreadID: "t1", Query: "q", HumanFeedback: true, HumanFeedbackContent: "  "},
			wantReason: "human feedback requires content",
		},
		{
			name:       "nl2sql with feedback",
			req:        domain.StreamRequest{AgentID: "a1", Query: "q", NL2SQLOnly: true, HumanFeedback: true, HumanFeedbackContent: "x"},
			wantReason: "nl2sqlOnly cannot be combined with human feedback",
		},
		{
			name:       "query too long",
			req:        domain.StreamRequest{AgentID: "a1", Query: strings.Repeat("a", 4001)},
			wantReason: "query exceeds 4000 characters",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := engine.Evaluate(ctx, tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAllow, d.Allowed())
			if tt.wantReason != "" {
				assert.Equal(t, DecisionDeny, d.Decision)
				assert.Contains(t, d.Reason, tt.wantReason)
			} else {
				assert.Empty(t, d.Reason)
			}
		})
	}
}

func TestCustomPolicy(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, `
package query_policy

default decision = "allow"
default reason = ""

decision = "deny" { input.agentId == "blocked" }
reason = "agent disabled" { input.agentId == "blocked" }
`)
	require.NoError(t, err)

	d, err := engine.Evaluate(ctx, domain.StreamRequest{AgentID: "blocked", Query: "q"})
	require.NoError(t, err)
	assert.False(t, d.Allowed())
	assert.Equal(t, "agent disabled", d.Reason)
}

func TestInvalidPolicy(t *testing.T) {
	_, err := NewEngine(context.Background(), "package query_policy\n decision = {")
	assert.Error(t, err)
}
