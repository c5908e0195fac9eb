package synchronizers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"mdt-realtime/pkg/ontology"
	"mdt-realtime/pkg/realtime"
)

type fakeBinding struct {
	kind    realtime.Kind
	table   string
	filter  *realtime.Filter
	handler func(realtime.Change)
}

type fakeChannel struct {
	name     string
	bindings []fakeBinding
	closed   bool
}

func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) On(kind realtime.Kind, table string, filter *realtime.Filter, handler func(realtime.Change)) {
	c.bindings = append(c.bindings, fakeBinding{kind: kind, table: table, filter: filter, handler: handler})
}

func (c *fakeChannel) Subscribe(status func(realtime.Status, error)) {
	status(realtime.StatusSubscribed, nil)
}

// fakeTransport acknowledges every subscription synchronously.
type fakeTransport struct {
	mu       sync.Mutex
	channels []*fakeChannel
}

func (t *fakeTransport) Open(name string) realtime.Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := &fakeChannel{name: name}
	t.channels = append(t.channels, ch)
	return ch
}

func (t *fakeTransport) Close(ch realtime.Channel) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch.(*fakeChannel).closed = true
	return nil
}

func (t *fakeTransport) open() []*fakeChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*fakeChannel
	for _, ch := range t.channels {
		if !ch.closed {
			out = append(out, ch)
		}
	}
	return out
}

func (t *fakeTransport) emit(kind realtime.Kind, table string, record any, oldID string) {
	var raw json.RawMessage
	partition := ""
	if record != nil {
		raw, _ = json.Marshal(record)
		var probe struct {
			AgencyID string `json:"agency_id"`
		}
		_ = json.Unmarshal(raw, &probe)
		partition = probe.AgencyID
	}
	c := realtime.Change{Kind: kind, Table: table, Partition: partition, Record: raw, OldID: oldID}
	for _, ch := range t.open() {
		for _, b := range ch.bindings {
			if b.kind != kind || b.table != table {
				continue
			}
			if b.filter != nil && kind != realtime.KindDelete && b.filter.Value != partition {
				continue
			}
			b.handler(c)
		}
	}
}

// defconBackend is an in-memory DEFCON table with a ticking clock.
type defconBackend struct {
	mu      sync.Mutex
	records []ontology.DefconStatus
	clock   time.Time
	seq     int
	// listGate, when set, blocks List until it is closed.
	listGate chan struct{}
}

func newDefconBackend() *defconBackend {
	return &defconBackend{clock: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)}
}

func (b *defconBackend) tick() time.Time {
	b.clock = b.clock.Add(time.Minute)
	return b.clock
}

func (b *defconBackend) seed(rec ontology.DefconStatus) ontology.DefconStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rec.ID == "" {
		b.seq++
		rec.ID = fmt.Sprintf("DEF-2025-%04d", b.seq)
	}
	rec.CreatedAt = b.tick()
	rec.UpdatedAt = rec.CreatedAt
	b.records = append([]ontology.DefconStatus{rec}, b.records...)
	return rec
}

func (b *defconBackend) List(ctx context.Context, partition string) ([]ontology.DefconStatus, error) {
	b.mu.Lock()
	gate := b.listGate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	var out []ontology.DefconStatus
	for _, r := range b.records {
		if partition == "" || r.AgencyID == partition {
			out = append(out, r)
		}
	}
	return out, nil
}

func (b *defconBackend) Create(ctx context.Context, rec ontology.DefconStatus) (ontology.DefconStatus, error) {
	return b.seed(rec), nil
}

func (b *defconBackend) Update(ctx context.Context, id string, updates map[string]any) (ontology.DefconStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, r := range b.records {
		if r.ID != id {
			continue
		}
		if v, ok := updates["is_active"].(bool); ok {
			r.IsActive = v
		}
		if v, ok := updates["level"].(int); ok {
			r.Level = v
		}
		r.UpdatedAt = b.tick()
		b.records[i] = r
		return r, nil
	}
	return ontology.DefconStatus{}, realtime.ErrNotFound
}

func (b *defconBackend) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, r := range b.records {
		if r.ID == id {
			b.records = append(b.records[:i], b.records[i+1:]...)
			return nil
		}
	}
	return realtime.ErrNotFound
}

func (b *defconBackend) setGate(gate chan struct{}) {
	b.mu.Lock()
	b.listGate = gate
	b.mu.Unlock()
}

// currents records current events.
type currents struct {
	mu     sync.Mutex
	values []string
}

func (c *currents) handle(ev realtime.Event[ontology.DefconStatus]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev.Kind != realtime.KindCurrent {
		return
	}
	if ev.ID == "" {
		c.values = append(c.values, "none")
		return
	}
	c.values = append(c.values, fmt.Sprintf("%s:%d", ev.ID, ev.Entity.Level))
}

func (c *currents) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.values...)
}
