package workers

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

type Worker interface {
	Start(ctx context.Context) error
	Stop() error
	Name() string
}

// BaseWorker pulls batches from a durable JetStream consumer. Messages whose
// handler fails are nak'ed for redelivery.
type BaseWorker struct {
	name     string
	js       nats.JetStreamContext
	sub      *nats.Subscription
	consumer string
	stream   string
	subject  string
	log      zerolog.Logger
}

func NewBaseWorker(name string, js nats.JetStreamContext, stream, consumer, subject string, log zerolog.Logger) *BaseWorker {
	return &BaseWorker{
		name:     name,
		js:       js,
		consumer: consumer,
		stream:   stream,
		subject:  subject,
		log:      log.With().Str("worker", name).Logger(),
	}
}

func (w *BaseWorker) Name() string {
	return w.name
}

func (w *BaseWorker) Stop() error {
	if w.sub != nil {
		return w.sub.Drain()
	}
	return nil
}

func (w *BaseWorker) processMessages(ctx context.Context, handler func(*nats.Msg) error) error {
	sub, err := w.js.PullSubscribe(w.subject, w.consumer,
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.DeliverAll(),
		nats.Bind(w.stream, w.consumer),
	)
	if err != nil {
		return err
	}
	w.sub = sub

	w.log.Info().Str("stream", w.stream).Str("consumer", w.consumer).Msg("starting worker")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("worker stopping")
			return ctx.Err()
		default:
			msgs, err := sub.Fetch(10, nats.MaxWait(2*time.Second))
			if err != nil && !errors.Is(err, nats.ErrTimeout) {
				if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
					return err
				}
				w.log.Warn().Err(err).Msg("error fetching messages")
				continue
			}

			for _, msg := range msgs {
				if err := handler(msg); err != nil {
					w.log.Error().Err(err).Str("subject", msg.Subject).Msg("failed to handle message")
					if err := msg.Nak(); err != nil {
						w.log.Warn().Err(err).Msg("error nak'ing message")
					}
					continue
				}
				if err := msg.Ack(); err != nil {
					w.log.Warn().Err(err).Msg("error acknowledging message")
				}
			}
		}
	}
}
