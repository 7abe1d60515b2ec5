package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/boardsync/internal/bus"
	"github.com/agentworkforce/boardsync/internal/logging"
	"github.com/agentworkforce/boardsync/internal/session"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync client until interrupted",
	Long: `Load every collection, follow the server's push stream and replay
queued writes whenever the server becomes reachable.

Examples:
  # Follow one project
  boardsync run --base-url https://board.example.com --project-id p1

  # Take the client offline without stopping it
  touch /tmp/boardsync.offline   # with --offline-flag-file /tmp/boardsync.offline`,
	RunE: runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stderr := cmd.ErrOrStderr()
	s, err := session.New(cfg, session.Options{
		Warn: func(message string) {
			fmt.Fprintf(stderr, "warning: %s\n", message)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			logging.Logger.Warn().Err(err).Msg("shutdown incomplete")
		}
	}()
	unsubscribe := logBusEvents(s.Bus, logging.WithComponent("events"))
	defer unsubscribe()

	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	<-ctx.Done()
	logging.Logger.Info().Interface("counts", s.Stores.Counts()).Msg("shutting down")
	return nil
}

// logBusEvents traces everything published on b at debug level, and the
// connection-level events at info.
func logBusEvents(b *bus.Bus, logger zerolog.Logger) func() {
	unsubs := []func(){
		b.Subscribe(bus.KindEntitySync, func(ev bus.Event) {
			if ev.Sync == nil {
				return
			}
			logger.Debug().
				Str("entity", string(ev.Sync.Entity)).
				Str("action", string(ev.Sync.Action)).
				Str("id", ev.Sync.EntityID).
				Msg("entity changed")
		}),
		b.Subscribe(bus.KindNotificationPush, func(ev bus.Event) {
			if ev.Notification == nil {
				return
			}
			logger.Info().Str("title", ev.Notification.Title).Msg("notification")
		}),
		b.Subscribe(bus.KindReconnected, func(bus.Event) {
			logger.Info().Msg("push channel reconnected")
		}),
		b.Subscribe(bus.KindQueueDrained, func(bus.Event) {
			logger.Info().Msg("queued changes synced")
		}),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}
