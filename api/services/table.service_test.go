package services

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"mdt-realtime/db"
	"mdt-realtime/pkg/ontology"
	"mdt-realtime/pkg/realtime"
	"mdt-realtime/pkg/shared"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*shared.ChangeEvent
	err    error
}

func (p *recordingPublisher) PublishChange(_ context.Context, event *shared.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) ops() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ops []string
	for _, e := range p.events {
		ops = append(ops, e.Op)
	}
	return ops
}

// gatedPublisher blocks the first update it receives until release is
// closed.
type gatedPublisher struct {
	recordingPublisher
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *gatedPublisher) PublishChange(ctx context.Context, event *shared.ChangeEvent) error {
	if event.Op == shared.OpUpdate {
		p.once.Do(func() {
			close(p.entered)
			<-p.release
		})
	}
	return p.recordingPublisher.PublishChange(ctx, event)
}

func newTestDB(t *testing.T) *db.Service {
	t.Helper()
	cfg := db.DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "mdt.db")
	dbs, err := db.New(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { dbs.Close() })
	return dbs
}

func newWarrants(t *testing.T) (*Table[ontology.Warrant], *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	table := NewTable[ontology.Warrant](newTestDB(t), TableConfig{Name: shared.TableWarrants, Prefix: shared.PrefixWarrant}, pub, zerolog.Nop())
	clock := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	table.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return table, pub
}

func TestTable_CreateGeneratesIDAndTimestamps(t *testing.T) {
	table, pub := newWarrants(t)
	ctx := context.Background()

	created, err := table.Create(ctx, ontology.Warrant{AgencyID: "sasp", SubjectName: "J. Doe", Status: "active"})
	require.NoError(t, err)

	assert.True(t, realtime.ValidID(created.ID), created.ID)
	assert.Regexp(t, `^WAR-2025-`, created.ID)
	assert.False(t, created.CreatedAt.IsZero())
	assert.Equal(t, created.CreatedAt, created.UpdatedAt)

	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	assert.Equal(t, shared.OpInsert, ev.Op)
	assert.Equal(t, shared.TableWarrants, ev.Table)
	assert.Equal(t, "sasp", ev.AgencyID)
	assert.Equal(t, created.ID, ev.RecordID)
	assert.NotEmpty(t, ev.ID)
	assert.Contains(t, string(ev.Record), `"subject_name":"J. Doe"`)
}

func TestTable_ListByAgencyNewestFirst(t *testing.T) {
	table, _ := newWarrants(t)
	ctx := context.Background()

	for _, w := range []ontology.Warrant{
		{ID: "WAR-2025-0001", AgencyID: "sasp", SubjectName: "A"},
		{ID: "WAR-2025-0002", AgencyID: "lspd", SubjectName: "B"},
		{ID: "WAR-2025-0003", AgencyID: "sasp", SubjectName: "C"},
	} {
		_, err := table.Create(ctx, w)
		require.NoError(t, err)
	}

	items, err := table.List(ctx, "sasp")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "WAR-2025-0003", items[0].ID)
	assert.Equal(t, "WAR-2025-0001", items[1].ID)

	all, err := table.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := table.List(ctx, "bcso")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestTable_UpdateMergesAndKeepsImmutableFields(t *testing.T) {
	table, pub := newWarrants(t)
	ctx := context.Background()

	created, err := table.Create(ctx, ontology.Warrant{ID: "WAR-2025-0010", AgencyID: "sasp", SubjectName: "A", Status: "active"})
	require.NoError(t, err)

	updated, err := table.Update(ctx, created.ID, map[string]any{
		"status":     ontology.WarrantStatusExecuted,
		"id":         "WAR-2025-9999",
		"created_at": "1999-01-01T00:00:00Z",
	})
	require.NoError(t, err)

	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, "A", updated.SubjectName)
	assert.Equal(t, ontology.WarrantStatusExecuted, updated.Status)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)
	assert.True(t, updated.UpdatedAt.After(created.UpdatedAt))

	got, err := table.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, updated, got)
	assert.Equal(t, []string{shared.OpInsert, shared.OpUpdate}, pub.ops())
}

func TestTable_ConcurrentUpdatesPublishInCommitOrder(t *testing.T) {
	pub := &gatedPublisher{entered: make(chan struct{}), release: make(chan struct{})}
	table := NewTable[ontology.Warrant](newTestDB(t), TableConfig{Name: shared.TableWarrants, Prefix: shared.PrefixWarrant}, pub, zerolog.Nop())
	ctx := context.Background()

	_, err := table.Create(ctx, ontology.Warrant{ID: "WAR-2025-0030", AgencyID: "sasp", SubjectName: "A", Status: "active"})
	require.NoError(t, err)

	firstDone := make(chan error, 1)
	go func() {
		_, err := table.Update(ctx, "WAR-2025-0030", map[string]any{"status": "first"})
		firstDone <- err
	}()
	<-pub.entered

	secondDone := make(chan error, 1)
	go func() {
		_, err := table.Update(ctx, "WAR-2025-0030", map[string]any{"status": "second"})
		secondDone <- err
	}()

	// The second write waits for the first change to be published.
	assert.Never(t, func() bool { return len(secondDone) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	close(pub.release)
	require.NoError(t, <-firstDone)
	require.NoError(t, <-secondDone)

	got, err := table.Get(ctx, "WAR-2025-0030")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Status)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.events, 3)
	var last ontology.Warrant
	require.NoError(t, json.Unmarshal(pub.events[2].Record, &last))
	assert.Equal(t, "second", last.Status)
}

func TestTable_AgencyMovePublishesDeleteThenInsert(t *testing.T) {
	table, pub := newWarrants(t)
	ctx := context.Background()

	_, err := table.Create(ctx, ontology.Warrant{ID: "WAR-2025-0031", AgencyID: "sasp", SubjectName: "A"})
	require.NoError(t, err)
	moved, err := table.Update(ctx, "WAR-2025-0031", map[string]any{"agency_id": "samc"})
	require.NoError(t, err)
	assert.Equal(t, "samc", moved.AgencyID)

	assert.Equal(t, []string{shared.OpInsert, shared.OpDelete, shared.OpInsert}, pub.ops())
	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Equal(t, "sasp", pub.events[1].AgencyID)
	assert.Empty(t, pub.events[1].Record)
	assert.Equal(t, "samc", pub.events[2].AgencyID)
	assert.Equal(t, "WAR-2025-0031", pub.events[2].RecordID)
}

func TestTable_UpdateRejectsBadTypes(t *testing.T) {
	table, _ := newWarrants(t)
	ctx := context.Background()

	_, err := table.Create(ctx, ontology.Warrant{ID: "WAR-2025-0011", AgencyID: "sasp", SubjectName: "A"})
	require.NoError(t, err)

	_, err = table.Update(ctx, "WAR-2025-0011", map[string]any{"charges": 42})
	require.True(t, realtime.IsConstraint(err), err)
}

func TestTable_NotFound(t *testing.T) {
	table, pub := newWarrants(t)
	ctx := context.Background()

	_, err := table.Update(ctx, "WAR-2025-0404", map[string]any{"status": "executed"})
	assert.ErrorIs(t, err, realtime.ErrNotFound)

	assert.ErrorIs(t, table.Delete(ctx, "WAR-2025-0404"), realtime.ErrNotFound)

	_, err = table.Get(ctx, "WAR-2025-0404")
	assert.ErrorIs(t, err, realtime.ErrNotFound)

	assert.Empty(t, pub.events)
}

func TestTable_DeletePublishesIDOnly(t *testing.T) {
	table, pub := newWarrants(t)
	ctx := context.Background()

	_, err := table.Create(ctx, ontology.Warrant{ID: "WAR-2025-0020", AgencyID: "sasp", SubjectName: "A"})
	require.NoError(t, err)
	require.NoError(t, table.Delete(ctx, "WAR-2025-0020"))

	require.Len(t, pub.events, 2)
	del := pub.events[1]
	assert.Equal(t, shared.OpDelete, del.Op)
	assert.Equal(t, "WAR-2025-0020", del.RecordID)
	assert.Equal(t, "sasp", del.AgencyID)
	assert.Empty(t, del.Record)

	items, err := table.List(ctx, "sasp")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestTable_ConstraintErrors(t *testing.T) {
	table, pub := newWarrants(t)
	ctx := context.Background()

	_, err := table.Create(ctx, ontology.Warrant{ID: "WAR-2025-0030", AgencyID: "sasp", SubjectName: "A"})
	require.NoError(t, err)

	_, err = table.Create(ctx, ontology.Warrant{ID: "WAR-2025-0030", AgencyID: "sasp", SubjectName: "B"})
	var ce *realtime.ConstraintError
	require.True(t, errors.As(err, &ce), err)
	assert.Equal(t, shared.TableWarrants, ce.Table)
	assert.Equal(t, "a record with this id already exists", ce.Hint)

	_, err = table.Create(ctx, ontology.Warrant{SubjectName: "no agency"})
	require.True(t, errors.As(err, &ce), err)
	assert.Equal(t, "agency_id must be set", ce.Hint)

	assert.Len(t, pub.events, 1)
}

func TestTable_PublishFailureDoesNotFailWrite(t *testing.T) {
	table, pub := newWarrants(t)
	pub.err = errors.New("broker down")

	created, err := table.Create(context.Background(), ontology.Warrant{AgencyID: "sasp", SubjectName: "A"})
	require.NoError(t, err)

	_, err = table.Get(context.Background(), created.ID)
	assert.NoError(t, err)
}

func TestTable_CanceledContextIsUnavailable(t *testing.T) {
	table, _ := newWarrants(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := table.List(ctx, "sasp")
	assert.ErrorIs(t, err, realtime.ErrUnavailable)
}
