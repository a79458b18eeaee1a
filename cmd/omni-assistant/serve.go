package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vanky2viva/omni-assistant/internal/adapter/assistantapi"
	"github.com/vanky2viva/omni-assistant/internal/config"
	"github.com/vanky2viva/omni-assistant/internal/hub"
	"github.com/vanky2viva/omni-assistant/internal/policy"
	"github.com/vanky2viva/omni-assistant/internal/service"
	httpserver "github.com/vanky2viva/omni-assistant/internal/transport/http"
	"github.com/vanky2viva/omni-assistant/internal/transport/ws"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&cfg.HTTPPort, "port", cfg.HTTPPort, "HTTP port")
	flags.StringVar(&cfg.DatabaseURL, "db", cfg.DatabaseURL, "SQLite database DSN")
	flags.StringVar(&cfg.SessionStore, "session-store", cfg.SessionStore, "session id store (sqlite or redis)")
	flags.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for --session-store=redis")
	flags.StringVar(&cfg.PolicyFile, "policy", cfg.PolicyFile, "Rego policy file for decision cards")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := log.With().Str("component", "serve").Logger()

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	engine, err := policy.NewEngineFromFile(ctx, cfg.PolicyFile)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	backend := assistantapi.NewAssistantClient(cfg.Mode, cfg.BackendURL,
		assistantapi.WithPaths(cfg.StreamPath, cfg.HistoryPath))

	connectionHub := hub.NewHub()
	svc := service.New(cfg, backend, st.ids, st.archive, engine, connectionHub)
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := svc.Shutdown(drainCtx); err != nil {
			logger.Warn().Err(err).Msg("pending history writes not finished")
		}
	}()

	e := httpserver.NewServer(svc, ws.NewServer(cfg, connectionHub, svc))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		connectionHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		logger.Info().Str("addr", addr).Str("backend", cfg.BackendURL).Str("mode", cfg.Mode).Msg("gateway started")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info().Msg("gateway stopped")
	return err
}
