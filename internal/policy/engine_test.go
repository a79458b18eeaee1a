package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanky2viva/omni-assistant/internal/domain"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(context.Background(), DefaultPolicy)
	require.NoError(t, err)
	return e
}

func num(f float64) *float64 { return &f }

func TestDefaultPolicyGates(t *testing.T) {
	e := newTestEngine(t)
	cases := []struct {
		name  string
		input Input
		want  domain.ActionGate
	}{
		{"destructive under high risk", Input{Type: "delist_product", Target: "SKU-1", RiskLevel: "high"}, domain.GateBlock},
		{"destructive under medium risk", Input{Type: "delist_product", Target: "SKU-1", RiskLevel: "medium"}, domain.GateReview},
		{"large delta", Input{Type: "adjust_price", Target: "SKU-1", Delta: num(-25), RiskLevel: "low"}, domain.GateConfirm},
		{"high risk", Input{Type: "adjust_price", Target: "SKU-1", Delta: num(5), RiskLevel: "high"}, domain.GateConfirm},
		{"low risk small delta", Input{Type: "adjust_price", Target: "SKU-1", Delta: num(5), RiskLevel: "low"}, domain.GateAuto},
		{"low risk high priority", Input{Type: "restock", Target: "SKU-2", Priority: "high", RiskLevel: "low"}, domain.GateReview},
		{"medium risk", Input{Type: "restock", Target: "SKU-2", RiskLevel: "medium"}, domain.GateReview},
		{"no risk level", Input{Type: "restock", Target: "SKU-2"}, domain.GateReview},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := e.Evaluate(context.Background(), tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNewInputReadsScalars(t *testing.T) {
	var action domain.DecisionAction
	require.NoError(t, json.Unmarshal([]byte(`{"type":"adjust_price","target":"SKU-1","delta":"+30%","priority":"HIGH"}`), &action))

	in := NewInput(domain.RiskMedium, action)
	require.NotNil(t, in.Delta)
	assert.InDelta(t, 30, *in.Delta, 1e-9)
	assert.Equal(t, "high", in.Priority)
	assert.Equal(t, "medium", in.RiskLevel)

	require.NoError(t, json.Unmarshal([]byte(`{"type":"x","target":"y","delta":"a lot"}`), &action))
	assert.Nil(t, NewInput(domain.RiskLow, action).Delta)
}

func TestCards(t *testing.T) {
	e := newTestEngine(t)
	var d domain.DecisionData
	require.NoError(t, json.Unmarshal([]byte(`{
		"riskLevel": "high",
		"actions": [
			{"type": "stop_campaign", "target": "CMP-9"},
			{"type": "adjust_price", "target": "SKU-1", "delta": -5}
		]
	}`), &d))

	cards, err := e.Cards(context.Background(), &d)
	require.NoError(t, err)
	require.Len(t, cards, 2)
	assert.Equal(t, domain.GateBlock, cards[0].Gate)
	assert.Equal(t, "CMP-9", cards[0].Action.Target)
	assert.Equal(t, domain.GateConfirm, cards[1].Gate)

	empty, err := e.Cards(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestCustomPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.rego")
	require.NoError(t, os.WriteFile(path, []byte(`
package action_policy

default gate = "confirm"
`), 0o644))

	e, err := NewEngineFromFile(context.Background(), path)
	require.NoError(t, err)
	got, err := e.Evaluate(context.Background(), Input{Type: "restock", Target: "SKU", RiskLevel: "low"})
	require.NoError(t, err)
	assert.Equal(t, domain.GateConfirm, got)
}

func TestUnknownGateIsAnError(t *testing.T) {
	e, err := NewEngine(context.Background(), `
package action_policy

default gate = "launch"
`)
	require.NoError(t, err)
	_, err = e.Evaluate(context.Background(), Input{Type: "x", Target: "y"})
	assert.Error(t, err)
}

func TestInvalidPolicy(t *testing.T) {
	_, err := NewEngine(context.Background(), "package action_policy\n\ngate = {")
	assert.Error(t, err)
}
