// Package decision extracts the structured decision payload a model embeds in
// its answer as a fenced code block.
package decision

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/vanky2viva/omni-assistant/internal/domain"
)

const (
	// MaxScanBytes bounds how much of an answer is searched for a block.
	MaxScanBytes = 256 << 10
	// MaxBlockBytes bounds the interior of an accepted block.
	MaxBlockBytes = 64 << 10
)

// fencePattern matches the first ```json or ```decision block, non-greedy.
// Go's regexp is RE2, so matching is linear in the input.
var fencePattern = regexp.MustCompile("(?s)```[ \\t]*(?i:json|decision)\\b\\s*(.*?)```")

// Extract returns the decision payload embedded in content, or nil when there
// is none or it does not have the expected shape.
func Extract(content string) *domain.DecisionData {
	if len(content) > MaxScanBytes {
		content = content[:MaxScanBytes]
	}
	m := fencePattern.FindStringSubmatchIndex(content)
	if m == nil {
		return nil
	}
	body := strings.TrimSpace(content[m[2]:m[3]])
	if body == "" || len(body) > MaxBlockBytes {
		return nil
	}
	return parse([]byte(body))
}

// rawDecision mirrors DecisionData but keeps presence information so that an
// arbitrary JSON object is not mistaken for a decision.
type rawDecision struct {
	DecisionSummary *string                  `json:"decisionSummary"`
	RiskLevel       *string                  `json:"riskLevel"`
	Actions         *[]domain.DecisionAction `json:"actions"`
	Metadata        *domain.DecisionMetadata `json:"metadata"`
}

func parse(body []byte) *domain.DecisionData {
	if len(body) == 0 || body[0] != '{' {
		return nil
	}
	var raw rawDecision
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&raw); err != nil {
		return nil
	}
	if dec.More() {
		return nil
	}
	if raw.DecisionSummary == nil && raw.RiskLevel == nil && raw.Actions == nil {
		return nil
	}

	out := &domain.DecisionData{Actions: []domain.DecisionAction{}, Metadata: raw.Metadata}
	if raw.DecisionSummary != nil {
		out.DecisionSummary = *raw.DecisionSummary
	}
	if raw.RiskLevel != nil {
		level := domain.RiskLevel(strings.ToLower(strings.TrimSpace(*raw.RiskLevel)))
		if !level.Valid() {
			return nil
		}
		out.RiskLevel = level
	}
	if raw.Actions != nil {
		for _, a := range *raw.Actions {
			if strings.TrimSpace(a.Type) == "" || strings.TrimSpace(a.Target) == "" {
				return nil
			}
			out.Actions = append(out.Actions, a)
		}
	}
	return out
}
