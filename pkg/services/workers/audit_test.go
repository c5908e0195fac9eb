package workers

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"mdt-realtime/db"
	embeddednats "mdt-realtime/pkg/services/embedded-nats"
	"mdt-realtime/pkg/shared"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *db.Service {
	t.Helper()
	cfg := db.DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "mdt.db")
	dbs, err := db.New(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { dbs.Close() })
	return dbs
}

func auditCount(t *testing.T, dbs *db.Service) int {
	t.Helper()
	var n int
	require.NoError(t, dbs.DB.QueryRow(`SELECT COUNT(*) FROM audit_log`).Scan(&n))
	return n
}

func TestChangeAuditWorker_RecordIsIdempotent(t *testing.T) {
	dbs := newTestDB(t)
	w := NewChangeAuditWorker(nil, dbs, zerolog.Nop())

	data, err := json.Marshal(shared.ChangeEvent{
		ID:        "evt-1",
		Table:     shared.TableDispatchCalls,
		Op:        shared.OpUpdate,
		AgencyID:  "lspd",
		RecordID:  "DIS-2025-0001",
		Timestamp: time.Now(),
	})
	require.NoError(t, err)

	subject := shared.ChangeSubject(shared.TableDispatchCalls, "lspd", shared.OpUpdate)
	require.NoError(t, w.record(context.Background(), subject, data))
	require.NoError(t, w.record(context.Background(), subject, data))

	assert.Equal(t, 1, auditCount(t, dbs))

	var table, op, recordID, gotSubject string
	require.NoError(t, dbs.DB.QueryRow(`SELECT table_name, op, record_id, subject FROM audit_log WHERE event_id = 'evt-1'`).
		Scan(&table, &op, &recordID, &gotSubject))
	assert.Equal(t, shared.TableDispatchCalls, table)
	assert.Equal(t, shared.OpUpdate, op)
	assert.Equal(t, "DIS-2025-0001", recordID)
	assert.Equal(t, subject, gotSubject)
}

func TestChangeAuditWorker_DropsMalformed(t *testing.T) {
	dbs := newTestDB(t)
	w := NewChangeAuditWorker(nil, dbs, zerolog.Nop())

	assert.NoError(t, w.record(context.Background(), "mdt.changes.x.y.insert", []byte("not json")))
	assert.NoError(t, w.record(context.Background(), "mdt.changes.x.y.insert", []byte(`{"table":"x"}`)))
	assert.Zero(t, auditCount(t, dbs))
}

func TestManager_AuditsPublishedChanges(t *testing.T) {
	dbs := newTestDB(t)

	cfg := embeddednats.DefaultConfig()
	cfg.Port = -1
	cfg.DataDir = t.TempDir()
	en, err := embeddednats.New(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, en.Start())
	t.Cleanup(func() { en.Shutdown(context.Background()) })

	require.NoError(t, en.CreateMDTStreams())
	require.NoError(t, en.CreateDurableConsumer(shared.StreamChanges, shared.ConsumerChangeAuditor, shared.SubjectChangesAll))

	m, err := NewManager(en, zerolog.Nop(), NewChangeAuditWorker(en.JetStream(), dbs, zerolog.Nop()))
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(func() { m.Stop() })

	for i, op := range []string{shared.OpInsert, shared.OpDelete} {
		require.NoError(t, en.PublishChange(context.Background(), &shared.ChangeEvent{
			ID:        []string{"a", "b"}[i],
			Table:     shared.TableWarrants,
			Op:        op,
			AgencyID:  "sasp",
			RecordID:  "WAR-2025-0001",
			Timestamp: time.Now(),
		}))
	}

	assert.Eventually(t, func() bool {
		var n int
		_ = dbs.DB.QueryRow(`SELECT COUNT(*) FROM audit_log`).Scan(&n)
		return n == 2
	}, 10*time.Second, 50*time.Millisecond)
}
