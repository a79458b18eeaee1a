package service

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/vanky2viva/omni-assistant/internal/domain"
	"github.com/vanky2viva/omni-assistant/internal/session"
)

// historyWriters saves an exchange with every writer at once and joins their
// errors. A slow writer does not eat into the deadline of the others.
type historyWriters []session.HistoryWriter

func (w historyWriters) SaveExchange(ctx context.Context, ex domain.Exchange) error {
	errs := make([]error, len(w))
	var g errgroup.Group
	for i, h := range w {
		i, h := i, h
		g.Go(func() error {
			errs[i] = h.SaveExchange(ctx, ex)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// archiveWriter files exchanges without a session id under the conversation key.
type archiveWriter struct {
	archive Archive
	key     string
}

func (a archiveWriter) SaveExchange(ctx context.Context, ex domain.Exchange) error {
	if ex.SessionID == "" {
		ex.SessionID = a.key
	}
	return a.archive.SaveExchange(ctx, ex)
}

func (s *Service) historyWriter(key string) session.HistoryWriter {
	var writers historyWriters
	if s.archive != nil {
		writers = append(writers, archiveWriter{archive: s.archive, key: key})
	}
	if s.backend != nil {
		writers = append(writers, s.backend)
	}
	if len(writers) == 0 {
		return nil
	}
	return writers
}
