package service

import (
	"context"
	"fmt"

	"github.com/vanky2viva/omni-assistant/internal/domain"
)

// GetMessages lists archived turns of a backend session.
func (s *Service) GetMessages(ctx context.Context, sessionID string, limit int, before string) ([]domain.ArchivedTurn, error) {
	if s.archive == nil {
		return []domain.ArchivedTurn{}, nil
	}
	turns, err := s.archive.ListTurns(ctx, sessionID, limit, before)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	return turns, nil
}
