package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vanky2viva/omni-assistant/internal/adapter/assistantapi"
	"github.com/vanky2viva/omni-assistant/internal/config"
	"github.com/vanky2viva/omni-assistant/internal/session"
	"github.com/vanky2viva/omni-assistant/internal/suggestion"
)

func newChatCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the assistant in the terminal (Ctrl-C cancels the current answer)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.DatabaseURL, "db", cfg.DatabaseURL, "SQLite database DSN")
	flags.StringVar(&cfg.SessionKey, "session-key", cfg.SessionKey, "key the session id is stored under")
	flags.StringVar(&cfg.ShopID, "shop-id", cfg.ShopID, "shop the questions refer to")
	flags.StringVar(&cfg.Model, "model", cfg.Model, "model requested from the backend")
	return cmd
}

func runChat(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	backend := assistantapi.NewAssistantClient(cfg.Mode, cfg.BackendURL,
		assistantapi.WithPaths(cfg.StreamPath, cfg.HistoryPath))

	sess := session.New(session.Config{
		Name:              "cli",
		SessionKey:        cfg.SessionKey,
		Model:             cfg.Model,
		Temperature:       cfg.Temperature,
		IncludeSystemData: cfg.IncludeSystemData,
		DataSummaryDays:   cfg.DataSummaryDays,
		ShopID:            cfg.ShopID,
		HistoryTimeout:    cfg.HistoryTimeout,
	}, session.Deps{Streamer: backend, History: backend, IDs: st.ids})
	defer sess.Close()

	if err := sess.Init(ctx); err != nil {
		return err
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	return chatLoop(ctx, sess, in, out, interrupts)
}

// chatLoop reads one message per line until EOF or /quit. An interrupt while
// an answer streams cancels it; an interrupt while idle ends the loop.
func chatLoop(ctx context.Context, sess *session.Session, in io.Reader, out io.Writer, interrupts <-chan os.Signal) error {
	r := newRenderer(out)
	unsubscribe := sess.Subscribe(r.render)
	defer unsubscribe()

	if id := sess.SessionID(); id != "" {
		fmt.Fprintf(out, "session: %s\n", id)
	}
	fmt.Fprintln(out, "Type a message and press Enter. Commands: /suggest, /quit")

	done := make(chan struct{})
	defer close(done)
	lines := scanLines(in, done)

	for {
		fmt.Fprint(out, "> ")
		var line string
		select {
		case <-ctx.Done():
			return nil
		case <-interrupts:
			fmt.Fprintln(out)
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}

		switch {
		case line == "":
			continue
		case line == "/quit":
			fmt.Fprintln(out, "Bye!")
			return nil
		case line == "/suggest":
			last, _ := sess.Snapshot().LastUserMessage()
			if err := writeSuggestions(out, "text", suggestion.Generate(last)); err != nil {
				return err
			}
			continue
		}

		if _, err := sess.Submit(ctx, line); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		if err := waitAnswer(ctx, sess, interrupts); err != nil {
			return err
		}
	}
}

func waitAnswer(ctx context.Context, sess *session.Session, interrupts <-chan os.Signal) error {
	done := make(chan error, 1)
	go func() { done <- sess.Wait(ctx) }()
	select {
	case err := <-done:
		return err
	case <-interrupts:
		sess.Cancel()
		return <-done
	case <-ctx.Done():
		sess.Cancel()
		<-done
		return nil
	}
}
