// Package policy gates decision actions with an OPA policy.
package policy

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/open-policy-agent/opa/rego"

	"github.com/vanky2viva/omni-assistant/internal/domain"
)

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.action_policy.gate"),
		rego.Module("action_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// NewEngineFromFile loads the policy from path, or DefaultPolicy when path is empty.
func NewEngineFromFile(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return NewEngine(ctx, string(content))
}

// Input is the document a policy sees for one action.
type Input struct {
	Type      string   `json:"type"`
	Target    string   `json:"target"`
	Delta     *float64 `json:"delta,omitempty"`
	Priority  string   `json:"priority,omitempty"`
	RiskLevel string   `json:"risk_level,omitempty"`
}

// NewInput builds the policy input for action under the decision's risk level.
// Deltas that cannot be read as numbers are left out.
func NewInput(risk domain.RiskLevel, action domain.DecisionAction) Input {
	in := Input{
		Type:      action.Type,
		Target:    action.Target,
		RiskLevel: string(risk),
	}
	if action.Delta != nil {
		if f, ok := action.Delta.Float(); ok {
			in.Delta = &f
		}
	}
	if action.Priority != nil {
		in.Priority = strings.ToLower(action.Priority.String())
	}
	return in
}

// Evaluate returns the gate for one action.
func (e *Engine) Evaluate(ctx context.Context, input Input) (domain.ActionGate, error) {
	doc := map[string]interface{}{
		"type":       input.Type,
		"target":     input.Target,
		"risk_level": input.RiskLevel,
	}
	if input.Delta != nil {
		doc["delta"] = *input.Delta
	}
	if input.Priority != "" {
		doc["priority"] = input.Priority
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return domain.GateReview, nil
	}

	s, ok := results[0].Expressions[0].Value.(string)
	if !ok {
		return "", fmt.Errorf("policy returned %T, want string", results[0].Expressions[0].Value)
	}
	switch gate := domain.ActionGate(s); gate {
	case domain.GateAuto, domain.GateReview, domain.GateConfirm, domain.GateBlock:
		return gate, nil
	}
	return "", fmt.Errorf("policy returned unknown gate %q", s)
}

// Cards gates every action of d in order.
func (e *Engine) Cards(ctx context.Context, d *domain.DecisionData) ([]domain.DecisionCard, error) {
	if d == nil {
		return []domain.DecisionCard{}, nil
	}
	cards := make([]domain.DecisionCard, 0, len(d.Actions))
	for _, action := range d.Actions {
		gate, err := e.Evaluate(ctx, NewInput(d.RiskLevel, action))
		if err != nil {
			return nil, err
		}
		cards = append(cards, domain.DecisionCard{Action: action, Gate: gate})
	}
	return cards, nil
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package action_policy

default gate = "review"

destructive_types = {"delist_product", "delete_product", "stop_campaign", "clear_inventory"}

high_priority {
	input.priority == "high"
}

# Destructive actions under high risk never run from a card.
gate = "block" {
	destructive_types[input.type]
	input.risk_level == "high"
} else = "confirm" {
	is_number(input.delta)
	abs(input.delta) >= 20
} else = "confirm" {
	input.risk_level == "high"
} else = "auto" {
	input.risk_level == "low"
	not high_priority
}
`
