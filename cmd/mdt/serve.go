package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"mdt-realtime/api"
	"mdt-realtime/pkg/services/workers"
	"mdt-realtime/pkg/shared"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

const (
	shutdownTimeout = 10 * time.Second
	mirrorRetry     = 5 * time.Second
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var agency string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the change feed and the server-side mirror",
		Long: `Run the MDT API server.

Writes made through the API are committed to SQLite and published on the
change feed. With an agency configured, the server mirrors that agency's
entities and streams their changes to websocket clients.

Example:
  mdt serve --agency sasp
  mdt serve --config ./mdt.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(rootOpts, agency)
		},
	}

	cmd.Flags().StringVar(&agency, "agency", "", "agency to mirror (overrides MDT_AGENCY)")

	return cmd
}

func runServe(rootOpts *RootOptions, agency string) error {
	cfg, log, err := loadConfig(rootOpts)
	if err != nil {
		return err
	}
	if agency != "" {
		cfg.Agency = agency
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s, err := openStack(cfg, log, true, reg)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.close(ctx)
	}()

	if err := s.nats.CreateMDTStreams(); err != nil {
		return fmt.Errorf("failed to create streams: %w", err)
	}
	if err := s.nats.CreateDurableConsumer(shared.StreamChanges, shared.ConsumerChangeAuditor, shared.SubjectChangesAll); err != nil {
		return fmt.Errorf("failed to create consumer %s: %w", shared.ConsumerChangeAuditor, err)
	}
	log.Info().Msg("NATS JetStream initialized successfully")

	workerManager, err := workers.NewManager(s.nats, log,
		workers.NewChangeAuditWorker(s.nats.JetStream(), s.db, log),
	)
	if err != nil {
		return fmt.Errorf("failed to create worker manager: %w", err)
	}
	if err := workerManager.Start(); err != nil {
		return fmt.Errorf("failed to start workers: %w", err)
	}
	defer func() {
		if err := workerManager.Stop(); err != nil {
			log.Warn().Err(err).Msg("Failed to stop workers")
		}
	}()

	if cfg.Agency != "" {
		mirrorCtx, stopMirror := context.WithCancel(context.Background())
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			mirror(mirrorCtx, s, cfg.Agency)
		}()
		defer func() {
			stopMirror()
			wg.Wait()
		}()
	} else {
		log.Info().Msg("No agency configured, server-side mirror disabled")
	}

	handlers := api.NewHandlers(s.tables, s.registry, s.db, s.nats, log, api.Options{
		Token:    cfg.APIToken,
		Agency:   cfg.Agency,
		Gatherer: reg,
		Version:  version,
	})

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           handlers.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.HTTPPort).Msg("Starting MDT API server")
		if cfg.APIToken == "mdt-dev-token" {
			log.Warn().Msg("Using the development bearer token, set MDT_API_TOKEN in production")
		}
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Shutting down server...")
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to shutdown server gracefully")
	}

	log.Info().Msg("Server shutdown complete")
	return nil
}

// mirror connects the registry to agency, retrying until every
// synchronizer is seeded or ctx is done. Connect is a no-op for the
// synchronizers that already succeeded.
func mirror(ctx context.Context, s *stack, agency string) {
	ticker := time.NewTicker(mirrorRetry)
	defer ticker.Stop()

	for {
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.SubscribeTimeout+mirrorRetry)
		err := s.registry.Connect(attemptCtx, agency)
		cancel()
		if err == nil {
			s.log.Info().Str("agency", agency).Msg("Mirroring agency")
			return
		}
		// Failures stay visible in /api/v1/sync/status until a retry succeeds.
		s.log.Error().Err(err).Str("agency", agency).Dur("retry_in", mirrorRetry).Msg("Failed to connect synchronizers")

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
