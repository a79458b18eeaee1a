package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/vanky2viva/omni-assistant/internal/config"
	"github.com/vanky2viva/omni-assistant/internal/repository"
	"github.com/vanky2viva/omni-assistant/internal/session"
)

// stores are the durable backends selected by the configuration.
type stores struct {
	archive *repository.SQLiteStore
	ids     session.IDStore
	closers []func() error
}

// openStores opens the SQLite archive and the session id store, which is the
// same SQLite database unless SESSION_STORE=redis.
func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	db, err := repository.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &stores{archive: db, ids: db, closers: []func() error{db.Close}}

	switch cfg.SessionStore {
	case config.SessionStoreSQLite, "":
	case config.SessionStoreRedis:
		kv := repository.NewRedisIDStore(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
		if err := kv.Ping(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		s.ids = kv
		s.closers = append(s.closers, kv.Close)
	default:
		s.Close()
		return nil, fmt.Errorf("unknown session store %q", cfg.SessionStore)
	}

	log.Info().Str("database", cfg.DatabaseURL).Str("session_store", cfg.SessionStore).Msg("stores opened")
	return s, nil
}

// Close closes the stores in reverse order of opening.
func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			log.Warn().Err(err).Msg("failed to close store")
		}
	}
}
