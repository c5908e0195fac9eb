package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"mdt-realtime/db"
	"mdt-realtime/pkg/realtime"
	"mdt-realtime/pkg/shared"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Fixed-width UTC layout so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// ChangePublisher receives one event per committed row change.
type ChangePublisher interface {
	PublishChange(ctx context.Context, event *shared.ChangeEvent) error
}

type TableConfig struct {
	Name   string
	Prefix string
}

// Table is the CRUD backend of one synchronized table. Rows are stored as
// JSON documents with the id, agency and timestamps lifted into columns.
// Every committed write is published to the ChangePublisher, in commit
// order.
type Table[T any] struct {
	db        *db.Service
	cfg       TableConfig
	publisher ChangePublisher
	log       zerolog.Logger
	now       func() time.Time

	// writeMu is held from the write until its change event is published.
	writeMu sync.Mutex
}

// NewTable builds a table backend. publisher may be nil.
func NewTable[T any](dbs *db.Service, cfg TableConfig, publisher ChangePublisher, log zerolog.Logger) *Table[T] {
	return &Table[T]{
		db:        dbs,
		cfg:       cfg,
		publisher: publisher,
		log:       log.With().Str("component", "table").Str("table", cfg.Name).Logger(),
		now:       time.Now,
	}
}

func (t *Table[T]) Name() string {
	return t.cfg.Name
}

// List returns the rows of agency, newest first. An empty agency lists
// every row.
func (t *Table[T]) List(ctx context.Context, agency string) ([]T, error) {
	query := fmt.Sprintf(`SELECT data FROM %s`, t.cfg.Name)
	var args []any
	if agency != "" {
		query += ` WHERE agency_id = ?`
		args = append(args, agency)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	rows, err := t.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, t.classify("list", err)
	}
	defer rows.Close()

	items := []T{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", t.cfg.Name, err)
		}
		var item T
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, fmt.Errorf("failed to decode %s row: %w", t.cfg.Name, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, t.classify("list", err)
	}
	return items, nil
}

func (t *Table[T]) Get(ctx context.Context, id string) (T, error) {
	var item T
	var raw string
	err := t.db.DB.QueryRowContext(ctx, fmt.Sprintf(`SELECT data FROM %s WHERE id = ?`, t.cfg.Name), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return item, fmt.Errorf("%s %s: %w", t.cfg.Name, id, realtime.ErrNotFound)
	}
	if err != nil {
		return item, t.classify("get", err)
	}
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return item, fmt.Errorf("failed to decode %s row: %w", t.cfg.Name, err)
	}
	return item, nil
}

// Create inserts entity and returns the stored record. An entity without
// id gets a generated one.
func (t *Table[T]) Create(ctx context.Context, entity T) (T, error) {
	var zero T

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	fields, err := toFields(entity)
	if err != nil {
		return zero, err
	}
	id, _ := fields["id"].(string)
	if id == "" {
		id = realtime.GenerateID(t.cfg.Prefix, t.now())
		fields["id"] = id
	}
	agency, _ := fields[shared.PartitionColumn].(string)
	ts := t.now().UTC().Format(timeLayout)
	fields["created_at"] = ts
	fields["updated_at"] = ts

	data, created, err := encode[T](fields)
	if err != nil {
		return zero, t.invalid(err)
	}

	_, err = t.db.DB.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, agency_id, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`, t.cfg.Name),
		id, agency, string(data), ts, ts,
	)
	if err != nil {
		return zero, t.classify("create", err)
	}

	t.publish(ctx, shared.OpInsert, agency, id, data)
	return created, nil
}

// Update merges updates into the stored document. id and created_at are
// immutable and silently kept. A record moved to another agency is
// published as a delete for the old agency followed by an insert for the
// new one, so mirrors of either agency converge.
func (t *Table[T]) Update(ctx context.Context, id string, updates map[string]any) (T, error) {
	var zero T
	var (
		data      []byte
		updated   T
		agency    string
		oldAgency string
	)

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	err := t.db.Transaction(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT agency_id, data FROM %s WHERE id = ?`, t.cfg.Name), id).Scan(&oldAgency, &raw)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s %s: %w", t.cfg.Name, id, realtime.ErrNotFound)
		}
		if err != nil {
			return t.classify("update", err)
		}

		fields := map[string]any{}
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			return fmt.Errorf("failed to decode %s row: %w", t.cfg.Name, err)
		}
		for k, v := range updates {
			switch k {
			case "id", "created_at":
				continue
			}
			fields[k] = v
		}
		ts := t.now().UTC().Format(timeLayout)
		fields["updated_at"] = ts
		agency, _ = fields[shared.PartitionColumn].(string)

		data, updated, err = encode[T](fields)
		if err != nil {
			return t.invalid(err)
		}

		_, err = tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET agency_id = ?, data = ?, updated_at = ? WHERE id = ?`, t.cfg.Name),
			agency, string(data), ts, id,
		)
		if err != nil {
			return t.classify("update", err)
		}
		return nil
	})
	if err != nil {
		return zero, err
	}

	if agency != oldAgency {
		t.publish(ctx, shared.OpDelete, oldAgency, id, nil)
		t.publish(ctx, shared.OpInsert, agency, id, data)
		return updated, nil
	}
	t.publish(ctx, shared.OpUpdate, agency, id, data)
	return updated, nil
}

func (t *Table[T]) Delete(ctx context.Context, id string) error {
	var agency string

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	err := t.db.Transaction(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT agency_id FROM %s WHERE id = ?`, t.cfg.Name), id).Scan(&agency)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s %s: %w", t.cfg.Name, id, realtime.ErrNotFound)
		}
		if err != nil {
			return t.classify("delete", err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, t.cfg.Name), id); err != nil {
			return t.classify("delete", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	t.publish(ctx, shared.OpDelete, agency, id, nil)
	return nil
}

// publish emits the change event. Deletes carry the id only.
func (t *Table[T]) publish(ctx context.Context, op, agency, id string, record []byte) {
	if t.publisher == nil {
		return
	}

	event := &shared.ChangeEvent{
		ID:        uuid.New().String(),
		Table:     t.cfg.Name,
		Op:        op,
		AgencyID:  agency,
		RecordID:  id,
		Timestamp: t.now().UTC(),
		Source:    "mdt-backend",
	}
	if op != shared.OpDelete {
		event.Record = record
	}

	if err := t.publisher.PublishChange(ctx, event); err != nil {
		t.log.Error().Err(err).Str("op", op).Str("record_id", id).Msg("failed to publish change event")
		return
	}
	t.log.Debug().Str("op", op).Str("record_id", id).Str("agency", agency).Msg("published change event")
}

func (t *Table[T]) classify(op string, err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrConstraint:
			hint := ""
			switch se.ExtendedCode {
			case sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintUnique:
				hint = "a record with this id already exists"
			case sqlite3.ErrConstraintCheck, sqlite3.ErrConstraintNotNull:
				hint = "agency_id must be set"
			}
			return &realtime.ConstraintError{Table: t.cfg.Name, Message: se.Error(), Hint: hint, Err: err}
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrCantOpen, sqlite3.ErrIoErr:
			return fmt.Errorf("%s %s: %w: %w", t.cfg.Name, op, realtime.ErrUnavailable, err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%s %s: %w: %w", t.cfg.Name, op, realtime.ErrUnavailable, err)
	}
	return fmt.Errorf("%s %s: %w", t.cfg.Name, op, err)
}

func (t *Table[T]) invalid(err error) error {
	return &realtime.ConstraintError{
		Table:   t.cfg.Name,
		Message: err.Error(),
		Hint:    "check field names and types",
		Err:     err,
	}
}

func toFields(entity any) (map[string]any, error) {
	raw, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	fields := map[string]any{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	return fields, nil
}

// encode serializes fields and checks they still decode into T.
func encode[T any](fields map[string]any) ([]byte, T, error) {
	var out T
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, out, err
	}
	return data, out, nil
}
