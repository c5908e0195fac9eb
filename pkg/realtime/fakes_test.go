package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type call struct {
	ID        string    `json:"id"`
	AgencyID  string    `json:"agency_id"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func callConfig() Config[call] {
	return Config[call]{
		Name:            "dispatch_call",
		Table:           "dispatch_calls",
		Prefix:          "DIS",
		PartitionColumn: "agency_id",
		ID:              func(c call) string { return c.ID },
		Partition:       func(c call) string { return c.AgencyID },
		WithID: func(c call, id string) call {
			c.ID = id
			return c
		},
	}
}

func rawCall(c call) json.RawMessage {
	b, err := json.Marshal(c)
	if err != nil {
		panic(err)
	}
	return b
}

type binding struct {
	kind    Kind
	table   string
	filter  *Filter
	handler func(Change)
}

type fakeChannel struct {
	name     string
	bindings []binding
	status   func(Status, error)
	closed   bool
}

func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) On(kind Kind, table string, filter *Filter, handler func(Change)) {
	c.bindings = append(c.bindings, binding{kind: kind, table: table, filter: filter, handler: handler})
}

func (c *fakeChannel) Subscribe(status func(Status, error)) {
	c.status = status
}

// fakeTransport acknowledges subscriptions synchronously unless manualAck
// is set.
type fakeTransport struct {
	mu        sync.Mutex
	channels  []*fakeChannel
	manualAck bool
}

func (t *fakeTransport) Open(name string) Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := &fakeChannel{name: name}
	t.channels = append(t.channels, ch)
	return &ackingChannel{fakeChannel: ch, t: t}
}

func (t *fakeTransport) Close(ch Channel) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch.(*ackingChannel).closed = true
	return nil
}

type ackingChannel struct {
	*fakeChannel
	t *fakeTransport
}

func (c *ackingChannel) Subscribe(status func(Status, error)) {
	c.fakeChannel.Subscribe(status)
	c.t.mu.Lock()
	manual := c.t.manualAck
	c.t.mu.Unlock()
	if !manual {
		status(StatusSubscribed, nil)
	}
}

func (t *fakeTransport) active() []*fakeChannel {
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

// emit delivers c to open channels, honoring server-side filters.
func (t *fakeTransport) emit(c Change) {
	t.deliver(c, false)
}

// emitIncludingClosed also invokes handlers of closed channels, as a late
// callback from a torn-down subscription would.
func (t *fakeTransport) emitIncludingClosed(c Change) {
	t.deliver(c, true)
}

func (t *fakeTransport) deliver(c Change, includeClosed bool) {
	t.mu.Lock()
	var targets []func(Change)
	for _, ch := range t.channels {
		if ch.closed && !includeClosed {
			continue
		}
		for _, b := range ch.bindings {
			if b.kind != c.Kind || b.table != c.Table {
				continue
			}
			if b.filter != nil && c.Kind != KindDelete && c.Partition != b.filter.Value {
				continue
			}
			targets = append(targets, b.handler)
		}
	}
	t.mu.Unlock()
	for _, h := range targets {
		h(c)
	}
}

func (t *fakeTransport) signal(st Status, err error) {
	for _, ch := range t.active() {
		if ch.status != nil {
			ch.status(st, err)
		}
	}
}

type fakeBackend struct {
	mu      sync.Mutex
	records []call
	err     error
	lists   int
	// onList runs at the start of every List, before the snapshot is taken.
	onList func()
}

func (b *fakeBackend) setErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

func (b *fakeBackend) List(ctx context.Context, partition string) ([]call, error) {
	if b.onList != nil {
		b.onList()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lists++
	if b.err != nil {
		return nil, b.err
	}
	var out []call
	for _, r := range b.records {
		if partition == "" || r.AgencyID == partition {
			out = append(out, r)
		}
	}
	return out, nil
}

func (b *fakeBackend) Create(ctx context.Context, c call) (call, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return call{}, b.err
	}
	for _, r := range b.records {
		if r.ID == c.ID {
			return call{}, &ConstraintError{Table: "dispatch_calls", Message: "duplicate key", Hint: "id already exists"}
		}
	}
	c.CreatedAt = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	b.records = append([]call{c}, b.records...)
	return c, nil
}

func (b *fakeBackend) Update(ctx context.Context, id string, updates map[string]any) (call, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return call{}, b.err
	}
	for i, r := range b.records {
		if r.ID != id {
			continue
		}
		fields := map[string]any{}
		raw, _ := json.Marshal(r)
		_ = json.Unmarshal(raw, &fields)
		for k, v := range updates {
			fields[k] = v
		}
		raw, _ = json.Marshal(fields)
		var merged call
		if err := json.Unmarshal(raw, &merged); err != nil {
			return call{}, err
		}
		b.records[i] = merged
		return merged, nil
	}
	return call{}, ErrNotFound
}

func (b *fakeBackend) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	for i, r := range b.records {
		if r.ID == id {
			b.records = append(b.records[:i], b.records[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// recorder collects events per subscriber.
type recorder struct {
	mu     sync.Mutex
	events []Event[call]
}

func (r *recorder) handle(ev Event[call]) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *recorder) count(kind Kind) int {
	n := 0
	for _, k := range r.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func (r *recorder) last() Event[call] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}
