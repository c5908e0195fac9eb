package main

import (
	"context"
	"fmt"

	"mdt-realtime/api/services"
	"mdt-realtime/db"
	"mdt-realtime/pkg/config"
	"mdt-realtime/pkg/logging"
	"mdt-realtime/pkg/realtime"
	"mdt-realtime/pkg/services/changefeed"
	embeddednats "mdt-realtime/pkg/services/embedded-nats"
	"mdt-realtime/pkg/synchronizers"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// stack is the set of services shared by serve and watch.
type stack struct {
	cfg      *config.Config
	log      zerolog.Logger
	db       *db.Service
	nats     *embeddednats.EmbeddedNATS
	tables   *services.Tables
	registry *synchronizers.Registry
}

func loadConfig(opts *RootOptions) (*config.Config, zerolog.Logger, error) {
	cfg, dotenv, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Log.Level
	logCfg.Format = cfg.Log.Format
	log := logging.New(logCfg)

	if dotenv {
		log.Info().Msg("Loaded configuration from .env file")
	} else {
		log.Debug().Msg("No .env file found, using environment variables")
	}
	return cfg, log, nil
}

// openStack opens the database and the broker and builds the registry on
// top of them. With embedded set and no broker URL configured, an embedded
// broker is started.
func openStack(cfg *config.Config, log zerolog.Logger, embedded bool, reg prometheus.Registerer) (*stack, error) {
	dbCfg := db.DefaultConfig()
	dbCfg.DBPath = cfg.DBPath
	dbs, err := db.New(dbCfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database service: %w", err)
	}
	if err := dbs.VerifySchema(); err != nil {
		log.Warn().Err(err).Msg("Schema verification failed, attempting to initialize schema")
		if err := dbs.InitializeSchema(); err != nil {
			dbs.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	en, err := openBroker(cfg, log, embedded)
	if err != nil {
		dbs.Close()
		return nil, err
	}

	tables := services.NewTables(dbs, en, log)
	transport := changefeed.New(en.Connection(), log, cfg.SubscribeTimeout)
	registry := synchronizers.NewRegistry(transport, tables.Backends(), log, realtime.NewMetrics(reg))

	return &stack{
		cfg:      cfg,
		log:      log,
		db:       dbs,
		nats:     en,
		tables:   tables,
		registry: registry,
	}, nil
}

func openBroker(cfg *config.Config, log zerolog.Logger, embedded bool) (*embeddednats.EmbeddedNATS, error) {
	url := cfg.NATS.URL
	if url == "" && !embedded {
		url = fmt.Sprintf("nats://127.0.0.1:%d", cfg.NATS.Port)
	}
	if url != "" {
		en, err := embeddednats.Dial(url, log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
		}
		return en, nil
	}

	natsCfg := embeddednats.DefaultConfig()
	natsCfg.Port = cfg.NATS.Port
	natsCfg.DataDir = cfg.NATS.DataDir
	en, err := embeddednats.New(natsCfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded NATS: %w", err)
	}
	if err := en.Start(); err != nil {
		return nil, fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	return en, nil
}

func (s *stack) close(ctx context.Context) {
	if err := s.registry.Close(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Failed to close synchronizers")
	}
	if err := s.nats.Shutdown(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Failed to shutdown NATS")
	}
	if err := s.db.Close(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to close database")
	}
}
