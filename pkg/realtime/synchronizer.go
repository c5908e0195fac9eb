// Package realtime keeps a live local mirror of a server-side table.
//
// A Synchronizer owns one Store, one Notifier and one Lifecycle for a single
// entity type. It opens at most one transport channel at a time, reconciles
// the change events it receives into the Store and fans them out to local
// subscribers. The same Store is updated with the canonical records returned
// by the CRUD facade, so both paths converge on identical content.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config describes one entity type.
type Config[T any] struct {
	// Name labels logs and metrics, e.g. "dispatch_call".
	Name string
	// Table is the backing table the channel listens on.
	Table string
	// Prefix is used by GenerateID.
	Prefix string
	// PartitionColumn is the column used for server-side filters.
	PartitionColumn string
	// ServerFilter scopes the channel to the partition at the transport.
	// When false every row of the table is delivered and filtered here.
	ServerFilter bool

	ID        func(T) string
	Partition func(T) string
	// WithID returns a copy of the entity carrying id. Optional; when set,
	// Create assigns a generated id to entities that have none.
	WithID func(T, string) T
	// Less orders the store. Nil means most recent first.
	Less func(a, b T) bool
}

// Synchronizer is the generic realtime engine for one entity type.
type Synchronizer[T any] struct {
	cfg       Config[T]
	transport Transport
	backend   Backend[T]
	log       zerolog.Logger
	metrics   *Metrics
	now       func() time.Time

	store    *Store[T]
	notifier *Notifier[T]
	life     *Lifecycle

	// connectMu serializes Connect and Disconnect.
	connectMu sync.Mutex
	// deliverMu serializes everything that touches the store or fans out.
	deliverMu      sync.Mutex
	storePartition string

	errMu   sync.RWMutex
	lastErr error
}

// New builds a disconnected synchronizer. metrics may be nil.
func New[T any](cfg Config[T], transport Transport, backend Backend[T], log zerolog.Logger, metrics *Metrics) *Synchronizer[T] {
	log = log.With().Str("component", "sync").Str("entity", cfg.Name).Logger()
	s := &Synchronizer[T]{
		cfg:       cfg,
		transport: transport,
		backend:   backend,
		log:       log,
		metrics:   metrics,
		now:       time.Now,
		store:     NewStore(cfg.ID, cfg.Less),
		notifier:  NewNotifier[T](log),
		life:      NewLifecycle(),
	}
	s.notifier.onLen = func(n int) { metrics.setSubscribers(cfg.Name, n) }
	return s
}

func (s *Synchronizer[T]) Name() string {
	return s.cfg.Name
}

// Connect opens the channel for partition and seeds the store with one
// backend read. It is a no-op when already subscribed to partition. A
// different partition first tears the current channel down.
//
// Connect must not be called from inside a subscriber callback.
func (s *Synchronizer[T]) Connect(ctx context.Context, partition string) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	state, current, _ := s.life.Snapshot()
	if state == StateSubscribed && current == partition {
		return nil
	}
	if state != StateDisconnected {
		if err := s.teardown(); err != nil {
			s.log.Warn().Err(err).Str("partition", current).Msg("failed to close previous channel")
		}
	}

	s.deliverMu.Lock()
	if s.storePartition != partition {
		s.store.Reset()
		s.storePartition = partition
	}
	s.deliverMu.Unlock()

	gen := s.life.Begin(partition)
	ch := s.transport.Open(fmt.Sprintf("realtime:%s:%s", s.cfg.Table, partition))
	s.life.Attach(gen, ch)

	var filter *Filter
	if s.cfg.ServerFilter {
		filter = &Filter{Column: s.cfg.PartitionColumn, Value: partition}
	}
	for _, kind := range []Kind{KindInsert, KindUpdate, KindDelete} {
		ch.On(kind, s.cfg.Table, filter, func(c Change) { s.handleChange(gen, c) })
	}

	s.log.Info().Str("partition", partition).Str("channel", ch.Name()).Bool("server_filter", s.cfg.ServerFilter).Msg("opening realtime channel")
	ch.Subscribe(func(st Status, err error) { s.handleStatus(gen, st, err) })

	items, err := s.backend.List(ctx, partition)
	s.metrics.crudCall(s.cfg.Name, "list", err)
	if err != nil {
		s.setLastErr(err)
		s.log.Error().Err(err).Str("partition", partition).Msg("initial load failed")
		// An unseeded store is never left subscribed, so a retry reloads.
		if cerr := s.teardown(); cerr != nil {
			s.log.Warn().Err(cerr).Msg("failed to close channel after initial load failure")
		}
		return fmt.Errorf("%s: initial load for %q: %w", s.cfg.Name, partition, err)
	}

	s.deliverMu.Lock()
	if s.life.Current(gen) {
		s.store.Load(items)
	}
	s.deliverMu.Unlock()

	s.log.Debug().Str("partition", partition).Int("records", len(items)).Msg("initial load complete")
	return nil
}

// Disconnect closes the channel. Registrations survive. Calling it while
// disconnected does nothing.
func (s *Synchronizer[T]) Disconnect(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()
	return s.teardown()
}

func (s *Synchronizer[T]) teardown() error {
	ch := s.life.Reset()
	s.metrics.setConnected(s.cfg.Name, false)
	if ch == nil {
		return nil
	}
	s.log.Info().Str("channel", ch.Name()).Msg("closing realtime channel")
	if err := s.transport.Close(ch); err != nil {
		return fmt.Errorf("%s: close channel %s: %w", s.cfg.Name, ch.Name(), err)
	}
	return nil
}

// Subscribe registers handler under key. When the synchronizer is already
// subscribed the handler receives a connected event before Subscribe
// returns.
func (s *Synchronizer[T]) Subscribe(key string, handler Handler[T]) (unsubscribe func()) {
	unsubscribe = s.notifier.Subscribe(key, handler)
	if s.life.Status().Connected {
		s.notifier.Deliver(key, handler, Event[T]{Kind: KindConnected})
	}
	return unsubscribe
}

func (s *Synchronizer[T]) handleStatus(gen uint64, st Status, cause error) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	switch st {
	case StatusSubscribed:
		if !s.life.Transition(gen, StateSubscribed) {
			return
		}
		s.metrics.setConnected(s.cfg.Name, true)
		s.log.Info().Msg("realtime channel subscribed")
		s.notifier.Publish(Event[T]{Kind: KindConnected})

	case StatusChannelError, StatusTimedOut:
		state, fallback := StateError, ErrChannel
		if st == StatusTimedOut {
			state, fallback = StateTimedOut, ErrTimedOut
		}
		if !s.life.Transition(gen, state) {
			return
		}
		if cause == nil {
			cause = fallback
		}
		s.metrics.setConnected(s.cfg.Name, false)
		s.log.Warn().Err(cause).Str("status", string(st)).Msg("realtime channel failed")
		s.notifier.Publish(Event[T]{Kind: KindError, Err: fmt.Errorf("%s realtime channel %s: %w", s.cfg.Name, st, cause)})

	case StatusClosed:
		if !s.life.Transition(gen, StateClosed) {
			return
		}
		s.metrics.setConnected(s.cfg.Name, false)
		s.log.Info().Msg("realtime channel closed by transport")
	}
}

func (s *Synchronizer[T]) handleChange(gen uint64, c Change) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	partition, ok := s.life.Partition(gen)
	if !ok {
		s.metrics.event(s.cfg.Name, c.Kind, ResultStale)
		return
	}

	switch c.Kind {
	case KindDelete:
		id := c.OldID
		if id == "" && len(c.Record) > 0 {
			if entity, err := s.decode(c.Record); err == nil {
				id = s.cfg.ID(entity)
			}
		}
		if id == "" {
			s.metrics.event(s.cfg.Name, c.Kind, ResultInvalid)
			s.log.Warn().Msg("delete event without identifier")
			return
		}
		// Deletes carry no partition and cannot be filtered.
		s.store.Delete(id)
		s.metrics.event(s.cfg.Name, c.Kind, ResultApplied)
		s.notifier.Publish(Event[T]{Kind: KindDelete, ID: id})

	case KindInsert, KindUpdate:
		entity, err := s.decode(c.Record)
		if err != nil {
			s.metrics.event(s.cfg.Name, c.Kind, ResultInvalid)
			s.log.Warn().Err(err).Str("kind", string(c.Kind)).Msg("dropping undecodable change")
			return
		}
		if s.cfg.Partition(entity) != partition {
			s.evict(s.cfg.ID(entity))
			s.metrics.event(s.cfg.Name, c.Kind, ResultFiltered)
			return
		}
		s.apply(c.Kind, entity)

	default:
		s.metrics.event(s.cfg.Name, c.Kind, ResultInvalid)
	}
}

// evict removes a held record that moved to another partition. Callers
// hold deliverMu.
func (s *Synchronizer[T]) evict(id string) {
	if s.store.Delete(id) {
		s.notifier.Publish(Event[T]{Kind: KindDelete, ID: id})
	}
}

// apply reconciles entity into the store and fans it out when the store
// changed. Callers hold deliverMu.
func (s *Synchronizer[T]) apply(kind Kind, entity T) {
	var changed bool
	if kind == KindInsert {
		changed = s.store.Insert(entity)
	} else {
		changed = s.store.Update(entity)
	}
	if !changed {
		s.metrics.event(s.cfg.Name, kind, ResultIgnored)
		return
	}
	s.metrics.event(s.cfg.Name, kind, ResultApplied)
	s.notifier.Publish(Event[T]{Kind: kind, Entity: entity, ID: s.cfg.ID(entity)})
}

func (s *Synchronizer[T]) decode(raw json.RawMessage) (T, error) {
	var entity T
	if len(raw) == 0 {
		return entity, fmt.Errorf("empty record")
	}
	if err := json.Unmarshal(raw, &entity); err != nil {
		return entity, fmt.Errorf("decode %s record: %w", s.cfg.Name, err)
	}
	if s.cfg.ID(entity) == "" {
		return entity, fmt.Errorf("%s record without id", s.cfg.Name)
	}
	return entity, nil
}

// merge funnels a canonical record returned by the backend into the store,
// when it belongs to the active partition.
func (s *Synchronizer[T]) merge(kind Kind, entity T) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	state, partition, _ := s.life.Snapshot()
	if state == StateDisconnected {
		return
	}
	if partition != s.cfg.Partition(entity) {
		s.evict(s.cfg.ID(entity))
		return
	}
	s.apply(kind, entity)
}

func (s *Synchronizer[T]) mergeDelete(id string) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	s.evict(id)
}

// List reads partition straight from the backend.
func (s *Synchronizer[T]) List(ctx context.Context, partition string) ([]T, error) {
	items, err := s.backend.List(ctx, partition)
	s.metrics.crudCall(s.cfg.Name, "list", err)
	if err != nil {
		s.setLastErr(err)
		return nil, fmt.Errorf("%s: list: %w", s.cfg.Name, err)
	}
	if s.cfg.Less != nil {
		slices.SortStableFunc(items, func(a, b T) int {
			switch {
			case s.cfg.Less(a, b):
				return -1
			case s.cfg.Less(b, a):
				return 1
			}
			return 0
		})
	}
	return items, nil
}

// Create persists entity and merges the canonical record.
func (s *Synchronizer[T]) Create(ctx context.Context, entity T) (T, error) {
	if s.cfg.WithID != nil && s.cfg.ID(entity) == "" {
		entity = s.cfg.WithID(entity, s.GenerateID())
	}
	created, err := s.backend.Create(ctx, entity)
	s.metrics.crudCall(s.cfg.Name, "create", err)
	if err != nil {
		s.setLastErr(err)
		var zero T
		return zero, fmt.Errorf("%s: create: %w", s.cfg.Name, err)
	}
	s.merge(KindInsert, created)
	return created, nil
}

// Update applies a partial update and merges the canonical record.
func (s *Synchronizer[T]) Update(ctx context.Context, id string, updates map[string]any) (T, error) {
	updated, err := s.backend.Update(ctx, id, updates)
	s.metrics.crudCall(s.cfg.Name, "update", err)
	if err != nil {
		s.setLastErr(err)
		var zero T
		return zero, fmt.Errorf("%s: update %s: %w", s.cfg.Name, id, err)
	}
	s.merge(KindUpdate, updated)
	return updated, nil
}

func (s *Synchronizer[T]) Delete(ctx context.Context, id string) error {
	err := s.backend.Delete(ctx, id)
	s.metrics.crudCall(s.cfg.Name, "delete", err)
	if err != nil {
		s.setLastErr(err)
		return fmt.Errorf("%s: delete %s: %w", s.cfg.Name, id, err)
	}
	s.mergeDelete(id)
	return nil
}

// GenerateID returns a fresh client-side id, avoiding ids already held.
func (s *Synchronizer[T]) GenerateID() string {
	id := GenerateID(s.cfg.Prefix, s.now())
	for i := 0; i < 8; i++ {
		if _, taken := s.store.Get(id); !taken {
			break
		}
		id = GenerateID(s.cfg.Prefix, s.now())
	}
	return id
}

func (s *Synchronizer[T]) Status() ConnectionStatus {
	return s.life.Status()
}

// Items returns a copy of the mirrored records.
func (s *Synchronizer[T]) Items() []T {
	return s.store.Items()
}

func (s *Synchronizer[T]) Get(id string) (T, bool) {
	return s.store.Get(id)
}

// LastError returns the most recent backend error, if any.
func (s *Synchronizer[T]) LastError() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	return s.lastErr
}

func (s *Synchronizer[T]) setLastErr(err error) {
	s.errMu.Lock()
	s.lastErr = err
	s.errMu.Unlock()
}
