package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// DecisionData is the structured payload a model may embed in an answer.
type DecisionData struct {
	DecisionSummary string            `json:"decisionSummary,omitempty"`
	RiskLevel       RiskLevel         `json:"riskLevel,omitempty"`
	Actions         []DecisionAction  `json:"actions"`
	Metadata        *DecisionMetadata `json:"metadata,omitempty"`
}

// Clone returns a deep copy.
func (d DecisionData) Clone() DecisionData {
	out := d
	if d.Actions != nil {
		out.Actions = append([]DecisionAction(nil), d.Actions...)
	}
	if d.Metadata != nil {
		m := *d.Metadata
		out.Metadata = &m
	}
	return out
}

// DecisionAction is one recommended operation.
type DecisionAction struct {
	Type     string  `json:"type"`
	Target   string  `json:"target"`
	Delta    *Scalar `json:"delta,omitempty"`
	Reason   string  `json:"reason,omitempty"`
	Priority *Scalar `json:"priority,omitempty"`
}

// DecisionMetadata describes how a decision was produced.
type DecisionMetadata struct {
	Confidence   *Scalar `json:"confidence,omitempty"`
	AnalysisDate string  `json:"analysisDate,omitempty"`
	DataRange    string  `json:"dataRange,omitempty"`
}

// Scalar holds a JSON value that models emit either as a number or a string,
// e.g. a delta of -15 or "-15%".
type Scalar struct {
	Text   string
	Number *float64
}

// UnmarshalJSON accepts a JSON number or string.
func (s *Scalar) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return fmt.Errorf("empty scalar")
	}
	switch b[0] {
	case '"':
		var text string
		if err := json.Unmarshal(b, &text); err != nil {
			return err
		}
		s.Text = text
		s.Number = nil
		return nil
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n float64
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		s.Number = &n
		s.Text = string(b)
		return nil
	}
	return fmt.Errorf("scalar must be a number or string, got %s", b)
}

// MarshalJSON writes the original kind back.
func (s Scalar) MarshalJSON() ([]byte, error) {
	if s.Number != nil {
		return json.Marshal(*s.Number)
	}
	return json.Marshal(s.Text)
}

// Float returns the numeric value, parsing strings such as "+12.5%" when needed.
func (s Scalar) Float() (float64, bool) {
	if s.Number != nil {
		return *s.Number, true
	}
	text := bytes.TrimSpace([]byte(s.Text))
	text = bytes.TrimSuffix(text, []byte("%"))
	text = bytes.TrimPrefix(text, []byte("+"))
	if len(text) == 0 {
		return 0, false
	}
	n, err := strconv.ParseFloat(string(text), 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// String returns the textual form.
func (s Scalar) String() string {
	if s.Number != nil && s.Text == "" {
		return strconv.FormatFloat(*s.Number, 'f', -1, 64)
	}
	return s.Text
}

// DecisionCard is an action paired with its policy gate, ready for display.
type DecisionCard struct {
	Action DecisionAction `json:"action"`
	Gate   ActionGate     `json:"gate"`
}

// DecisionView is the decision of one assistant turn prepared for the UI.
type DecisionView struct {
	TurnID          string            `json:"turn_id"`
	DecisionSummary string            `json:"decision_summary,omitempty"`
	RiskLevel       RiskLevel         `json:"risk_level,omitempty"`
	Metadata        *DecisionMetadata `json:"metadata,omitempty"`
	Cards           []DecisionCard    `json:"cards"`
}

// Suggestion is a follow-up prompt offered to the user.
type Suggestion struct {
	Key         string `json:"key" yaml:"key"`
	Label       string `json:"label" yaml:"label"`
	Description string `json:"description" yaml:"description"`
}
