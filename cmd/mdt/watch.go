package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"mdt-realtime/pkg/ontology"
	"mdt-realtime/pkg/realtime"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <agency>",
		Short: "Mirror an agency from a running broker and log every change",
		Long: `Connect every synchronizer to an agency and log the events they emit.

watch needs a running broker (MDT_NATS_URL, or the configured port on
localhost) and read access to the server's database for the initial load.

Example:
  mdt watch sasp
  MDT_NATS_URL=nats://mdt.internal:4222 mdt watch lspd`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(rootOpts, args[0])
		},
	}
	return cmd
}

func runWatch(rootOpts *RootOptions, agency string) error {
	cfg, log, err := loadConfig(rootOpts)
	if err != nil {
		return err
	}

	s, err := openStack(cfg, log, false, nil)
	if err != nil {
		return err
	}
	defer s.close(context.Background())

	const key = "watch"
	defer watchEntities(s.registry.Dispatch(), key, log)()
	defer watchEntities(s.registry.Events(), key, log)()
	defer watchEntities(s.registry.Defcon().Synchronizer, key, log)()
	defer watchEntities(s.registry.Warrants(), key, log)()
	defer watchEntities(s.registry.Organizations(), key, log)()
	defer watchEntities(s.registry.Territories(), key, log)()
	defer watchEntities(s.registry.POIs(), key, log)()
	defer s.registry.Defcon().SubscribeCurrent(key, realtime.Callbacks[ontology.DefconStatus]{
		OnCurrent: func(rec ontology.DefconStatus, ok bool) {
			if !ok {
				log.Info().Str("agency", agency).Msg("No active DEFCON level")
				return
			}
			log.Info().Str("agency", agency).Int("level", rec.Level).Str("id", rec.ID).Msg("DEFCON level")
		},
	}.Handle)()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.registry.Connect(ctx, agency); err != nil {
		return fmt.Errorf("failed to connect synchronizers: %w", err)
	}
	log.Info().Str("agency", agency).Msg("Watching changes, press Ctrl-C to stop")

	<-ctx.Done()
	return nil
}

// watchEntities logs every event of s.
func watchEntities[T any](s *realtime.Synchronizer[T], key string, log zerolog.Logger) (unsubscribe func()) {
	l := log.With().Str("entity", s.Name()).Logger()
	return s.Subscribe(key, func(ev realtime.Event[T]) {
		switch ev.Kind {
		case realtime.KindError:
			l.Warn().Err(ev.Err).Msg("channel error")
		case realtime.KindConnected:
			l.Info().Int("items", len(s.Items())).Msg("connected")
		default:
			l.Info().Str("kind", string(ev.Kind)).Str("id", ev.ID).Msg("change")
		}
	})
}
