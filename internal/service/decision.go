package service

import (
	"context"
	"fmt"

	"github.com/vanky2viva/omni-assistant/internal/conversation"
	"github.com/vanky2viva/omni-assistant/internal/domain"
	"github.com/vanky2viva/omni-assistant/internal/suggestion"
)

// Suggestions returns follow-up prompts for the latest user message of a
// conversation.
func (s *Service) Suggestions(key string) ([]domain.Suggestion, error) {
	snap, err := s.Snapshot(key)
	if err != nil {
		return nil, err
	}
	last, _ := snap.LastUserMessage()
	return suggestion.Generate(last), nil
}

// Decision returns the decision of an assistant turn with one gated card per
// action. Without a gate every action needs review.
func (s *Service) Decision(ctx context.Context, key, turnID string) (*domain.DecisionView, error) {
	snap, err := s.Snapshot(key)
	if err != nil {
		return nil, err
	}
	turn, ok := snap.Turn(turnID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", conversation.ErrTurnNotFound, turnID)
	}
	if turn.Decision == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoDecision, turnID)
	}

	view := &domain.DecisionView{
		TurnID:          turn.ID,
		DecisionSummary: turn.Decision.DecisionSummary,
		RiskLevel:       turn.Decision.RiskLevel,
		Metadata:        turn.Decision.Metadata,
	}
	if s.gate == nil {
		view.Cards = make([]domain.DecisionCard, 0, len(turn.Decision.Actions))
		for _, a := range turn.Decision.Actions {
			view.Cards = append(view.Cards, domain.DecisionCard{Action: a, Gate: domain.GateReview})
		}
		return view, nil
	}
	cards, err := s.gate.Cards(ctx, turn.Decision)
	if err != nil {
		return nil, fmt.Errorf("failed to gate decision: %w", err)
	}
	view.Cards = cards
	return view, nil
}
