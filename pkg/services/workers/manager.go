package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"

	embeddednats "mdt-realtime/pkg/services/embedded-nats"

	"github.com/rs/zerolog"
)

// Manager runs background consumers of the change stream.
type Manager struct {
	workers []Worker
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	log     zerolog.Logger
}

func NewManager(natsClient *embeddednats.EmbeddedNATS, log zerolog.Logger, workers ...Worker) (*Manager, error) {
	if natsClient.Connection() == nil {
		return nil, fmt.Errorf("NATS connection not initialized")
	}

	if natsClient.JetStream() == nil {
		return nil, fmt.Errorf("JetStream not initialized")
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		ctx:     ctx,
		cancel:  cancel,
		workers: workers,
		log:     log.With().Str("component", "workers").Logger(),
	}, nil
}

func (m *Manager) Start() error {
	for _, worker := range m.workers {
		m.wg.Add(1)
		go func(w Worker) {
			defer m.wg.Done()

			m.log.Info().Str("worker", w.Name()).Msg("starting worker")
			if err := w.Start(m.ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.log.Error().Err(err).Str("worker", w.Name()).Msg("worker error")
			}
			m.log.Info().Str("worker", w.Name()).Msg("worker stopped")
		}(worker)
	}

	m.log.Info().Int("count", len(m.workers)).Msg("started workers")
	return nil
}

// Stop cancels every worker and waits for them. The NATS connection is
// owned by the caller and left open.
func (m *Manager) Stop() error {
	m.cancel()

	for _, worker := range m.workers {
		if err := worker.Stop(); err != nil {
			m.log.Warn().Err(err).Str("worker", worker.Name()).Msg("error stopping worker")
		}
	}

	m.wg.Wait()

	m.log.Info().Msg("all workers stopped")
	return nil
}
