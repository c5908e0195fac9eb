package embeddednats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mdt-realtime/pkg/shared"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

type Config struct {
	// Port -1 picks a random free port.
	Port            int
	DataDir         string
	MaxMemory       int64
	MaxFileStore    int64
	JetStreamDomain string
	EnableTLS       bool
	TLSCert         string
	TLSKey          string
}

// EmbeddedNATS owns the broker connection used for change events. It either
// runs an in-process server (Start) or attaches to an external one (Dial).
type EmbeddedNATS struct {
	server  *server.Server
	nc      *nats.Conn
	js      nats.JetStreamContext
	config  *Config
	streams map[string]*StreamConfig
	log     zerolog.Logger
}

type StreamConfig struct {
	Name            string
	Subjects        []string
	Retention       nats.RetentionPolicy
	MaxMsgs         int64
	MaxBytes        int64
	MaxAge          time.Duration
	MaxMsgSize      int32
	Replicas        int
	DuplicateWindow time.Duration
	AllowRollup     bool
	AllowDirect     bool
	DiscardPolicy   nats.DiscardPolicy
}

func DefaultConfig() *Config {
	return &Config{
		Port:            4222,
		DataDir:         "./data/nats",
		MaxMemory:       256 * 1024 * 1024,      // 256MB
		MaxFileStore:    2 * 1024 * 1024 * 1024, // 2GB
		JetStreamDomain: "mdt",
	}
}

func New(cfg *Config, log zerolog.Logger) (*EmbeddedNATS, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	return &EmbeddedNATS{
		config:  cfg,
		streams: make(map[string]*StreamConfig),
		log:     log.With().Str("component", "nats").Logger(),
	}, nil
}

// Dial connects to an external broker instead of starting one.
func Dial(url string, log zerolog.Logger) (*EmbeddedNATS, error) {
	en, _ := New(nil, log)
	if err := en.connect(url); err != nil {
		return nil, err
	}
	en.log.Info().Str("url", url).Msg("connected to external NATS")
	return en, nil
}

func (en *EmbeddedNATS) Start() error {
	opts := &server.Options{
		Port:      en.config.Port,
		JetStream: true,
		StoreDir:  en.config.DataDir,
		NoSigs:    true,
	}

	opts.JetStreamMaxMemory = en.config.MaxMemory
	opts.JetStreamMaxStore = en.config.MaxFileStore

	if en.config.JetStreamDomain != "" {
		opts.JetStreamDomain = en.config.JetStreamDomain
	}

	if en.config.EnableTLS && en.config.TLSCert != "" && en.config.TLSKey != "" {
		opts.TLSCert = en.config.TLSCert
		opts.TLSKey = en.config.TLSKey
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		return fmt.Errorf("NATS server not ready for connections")
	}

	en.server = ns

	if err := en.connect(ns.ClientURL()); err != nil {
		return fmt.Errorf("failed to connect to embedded NATS: %w", err)
	}

	en.log.Info().Str("url", ns.ClientURL()).Msg("embedded NATS server started")
	return nil
}

func (en *EmbeddedNATS) connect(url string) error {
	nc, err := nats.Connect(url,
		nats.Name("mdt-realtime"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			en.log.Error().Err(err).Msg("NATS error")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				en.log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			en.log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	en.nc = nc
	en.js = js
	return nil
}

func (en *EmbeddedNATS) AddStream(streamConfig *StreamConfig) error {
	if en.js == nil {
		return fmt.Errorf("JetStream not initialized")
	}

	config := &nats.StreamConfig{
		Name:        streamConfig.Name,
		Subjects:    streamConfig.Subjects,
		Retention:   streamConfig.Retention,
		MaxMsgs:     streamConfig.MaxMsgs,
		MaxBytes:    streamConfig.MaxBytes,
		MaxAge:      streamConfig.MaxAge,
		MaxMsgSize:  streamConfig.MaxMsgSize,
		Replicas:    streamConfig.Replicas,
		Duplicates:  streamConfig.DuplicateWindow,
		AllowRollup: streamConfig.AllowRollup,
		AllowDirect: streamConfig.AllowDirect,
		Discard:     streamConfig.DiscardPolicy,
	}

	// Update the stream if it exists, otherwise create it
	stream, err := en.js.StreamInfo(streamConfig.Name)
	if err == nil {
		stream, err = en.js.UpdateStream(config)
		if err != nil {
			return fmt.Errorf("failed to update stream %s: %w", streamConfig.Name, err)
		}
	} else {
		stream, err = en.js.AddStream(config)
		if err != nil {
			return fmt.Errorf("failed to add stream %s: %w", streamConfig.Name, err)
		}
	}

	en.streams[streamConfig.Name] = streamConfig
	en.log.Info().Str("stream", stream.Config.Name).Strs("subjects", stream.Config.Subjects).Msg("stream ready")
	return nil
}

// CreateMDTStreams declares the change stream. It keeps a bounded history
// of row changes for the audit consumer.
func (en *EmbeddedNATS) CreateMDTStreams() error {
	return en.AddStream(&StreamConfig{
		Name:            shared.StreamChanges,
		Subjects:        []string{shared.SubjectChangesAll},
		Retention:       nats.LimitsPolicy,
		MaxMsgs:         100000,
		MaxBytes:        256 * 1024 * 1024, // 256MB
		MaxAge:          7 * 24 * time.Hour,
		MaxMsgSize:      1024 * 1024, // 1MB
		Replicas:        1,
		DuplicateWindow: 2 * time.Minute,
		AllowDirect:     true,
		DiscardPolicy:   nats.DiscardOld,
	})
}

func (en *EmbeddedNATS) PublishWithDedup(subject string, data []byte, msgID string) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, msgID)

	_, err := en.js.PublishMsg(msg)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	return nil
}

// PublishChange publishes a row change on its table subject and waits for
// the stream to store it. The event id doubles as the dedup id.
func (en *EmbeddedNATS) PublishChange(ctx context.Context, event *shared.ChangeEvent) error {
	if en.js == nil {
		return fmt.Errorf("JetStream not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode change event: %w", err)
	}

	subject := shared.ChangeSubject(event.Table, event.AgencyID, event.Op)
	if err := en.PublishWithDedup(subject, data, event.ID); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	return nil
}

func (en *EmbeddedNATS) CreateDurableConsumer(streamName, consumerName string, filterSubject string) error {
	config := &nats.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: filterSubject,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    3,
		MaxAckPending: 1000,
		DeliverPolicy: nats.DeliverAllPolicy,
		ReplayPolicy:  nats.ReplayInstantPolicy,
	}

	if _, err := en.js.ConsumerInfo(streamName, consumerName); err == nil {
		en.log.Debug().Str("consumer", consumerName).Str("stream", streamName).Msg("durable consumer already exists")
		return nil
	}

	if _, err := en.js.AddConsumer(streamName, config); err != nil {
		return fmt.Errorf("failed to create consumer %s: %w", consumerName, err)
	}

	en.log.Info().Str("consumer", consumerName).Str("stream", streamName).Msg("created durable consumer")
	return nil
}

func (en *EmbeddedNATS) Connection() *nats.Conn {
	return en.nc
}

func (en *EmbeddedNATS) JetStream() nats.JetStreamContext {
	return en.js
}

func (en *EmbeddedNATS) Shutdown(ctx context.Context) error {
	if en.nc != nil {
		if err := en.nc.Drain(); err != nil {
			en.nc.Close()
		}
	}

	if en.server != nil {
		en.server.Shutdown()
		done := make(chan struct{})
		go func() {
			en.server.WaitForShutdown()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

func (en *EmbeddedNATS) HealthCheck() error {
	if en.nc == nil {
		return fmt.Errorf("NATS connection not initialized")
	}

	if !en.nc.IsConnected() {
		return fmt.Errorf("NATS not connected")
	}

	if en.server != nil && !en.server.Running() {
		return fmt.Errorf("NATS server not running")
	}

	return nil
}
