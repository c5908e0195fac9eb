package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mdt-realtime/db"
	"mdt-realtime/pkg/shared"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// ChangeAuditWorker records every change event into audit_log. Redelivered
// events are ignored by the event_id uniqueness constraint.
type ChangeAuditWorker struct {
	*BaseWorker
	db  *db.Service
	now func() time.Time
}

func NewChangeAuditWorker(js nats.JetStreamContext, dbs *db.Service, log zerolog.Logger) *ChangeAuditWorker {
	return &ChangeAuditWorker{
		BaseWorker: NewBaseWorker(
			"ChangeAuditWorker",
			js,
			shared.StreamChanges,
			shared.ConsumerChangeAuditor,
			shared.SubjectChangesAll,
			log,
		),
		db:  dbs,
		now: time.Now,
	}
}

func (w *ChangeAuditWorker) Start(ctx context.Context) error {
	return w.processMessages(ctx, func(msg *nats.Msg) error {
		return w.record(ctx, msg.Subject, msg.Data)
	})
}

func (w *ChangeAuditWorker) record(ctx context.Context, subject string, data []byte) error {
	var event shared.ChangeEvent
	if err := json.Unmarshal(data, &event); err != nil {
		// Redelivery cannot fix a malformed payload.
		w.log.Warn().Err(err).Str("subject", subject).Msg("dropping malformed change event")
		return nil
	}
	if event.ID == "" {
		w.log.Warn().Str("subject", subject).Msg("dropping change event without id")
		return nil
	}

	_, err := w.db.DB.ExecContext(ctx, `
		INSERT INTO audit_log (audit_id, event_id, table_name, op, agency_id, record_id, subject, occurred_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING`,
		uuid.New().String(),
		event.ID,
		event.Table,
		event.Op,
		event.AgencyID,
		event.RecordID,
		subject,
		event.Timestamp.UTC().Format(time.RFC3339Nano),
		w.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to record change %s: %w", event.ID, err)
	}

	w.log.Debug().Str("table", event.Table).Str("op", event.Op).Str("record_id", event.RecordID).Msg("recorded change")
	return nil
}
