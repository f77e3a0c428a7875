// Package policy evaluates the OPA queue eligibility policy.
package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"

	"github.com/xiaot623/gogo/dispatcher/internal/domain"
)

// Decisions returned by the queue policy.
const (
	DecisionAllow = "allow"
	DecisionSkip  = "skip"
)

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.queue_policy.decision"),
		rego.Module("queue_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// LoadEngine reads the policy from path, or uses DefaultPolicy when path is empty.
func LoadEngine(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue policy: %w", err)
	}
	return NewEngine(ctx, string(content))
}

// Evaluate returns the decision for one queue snapshot.
func (e *Engine) Evaluate(ctx context.Context, q domain.QueueSnapshot) (string, error) {
	input := map[string]interface{}{
		"queue_id":        q.QueueID,
		"friendly_name":   q.FriendlyName,
		"current_size":    q.CurrentSize,
		"average_wait_ms": q.AverageWaitTime.Milliseconds(),
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	// A policy without a default rule yields no result for unmatched input.
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAllow, nil
	}

	if s, ok := results[0].Expressions[0].Value.(string); ok {
		return s, nil
	}
	return DecisionAllow, nil
}

// Eligible reports whether the queue may be offered.
func (e *Engine) Eligible(ctx context.Context, q domain.QueueSnapshot) (bool, error) {
	decision, err := e.Evaluate(ctx, q)
	if err != nil {
		return false, err
	}
	return decision != DecisionSkip, nil
}

// DefaultPolicy allows every queue.
const DefaultPolicy = `
package queue_policy

default decision = "allow"
`
