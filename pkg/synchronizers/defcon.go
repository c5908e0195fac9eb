package synchronizers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mdt-realtime/pkg/ontology"
	"mdt-realtime/pkg/realtime"

	"github.com/rs/zerolog"
)

const (
	trackerKey    = "defcon.current"
	reloadTimeout = 10 * time.Second
)

// DefconTracker is the DEFCON synchronizer plus the agency's current alert
// level: the newest active record. The projection follows inserts and
// updates, and is reloaded from the backend in the background when the
// current record is deactivated or deleted.
type DefconTracker struct {
	*realtime.Synchronizer[ontology.DefconStatus]

	log      zerolog.Logger
	notifier *realtime.Notifier[ontology.DefconStatus]

	// pubMu orders projection changes with their fan-out.
	pubMu sync.Mutex

	mu      sync.RWMutex
	current ontology.DefconStatus
	has     bool
	// version increments on every projection change so a reload started
	// before a newer change can be discarded.
	version uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDefconTracker(s *realtime.Synchronizer[ontology.DefconStatus], log zerolog.Logger) *DefconTracker {
	ctx, cancel := context.WithCancel(context.Background())
	log = log.With().Str("component", "defcon").Logger()
	d := &DefconTracker{
		Synchronizer: s,
		log:          log,
		notifier:     realtime.NewNotifier[ontology.DefconStatus](log),
		ctx:          ctx,
		cancel:       cancel,
	}
	s.Subscribe(trackerKey, d.observe)
	return d
}

// Connect connects the synchronizer and computes the projection from the
// initial load.
func (d *DefconTracker) Connect(ctx context.Context, partition string) error {
	if d.Status().Partition != partition {
		d.set(ontology.DefconStatus{}, false, nil)
	}
	if err := d.Synchronizer.Connect(ctx, partition); err != nil {
		return err
	}
	d.recompute()
	return nil
}

// Current returns the active DEFCON record, if any.
func (d *DefconTracker) Current() (ontology.DefconStatus, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current, d.has
}

// SubscribeCurrent registers handler for projection changes and replays the
// current value to it before returning. It must not be called from inside
// a current handler.
func (d *DefconTracker) SubscribeCurrent(key string, handler realtime.Handler[ontology.DefconStatus]) (unsubscribe func()) {
	d.pubMu.Lock()
	defer d.pubMu.Unlock()

	unsubscribe = d.notifier.Subscribe(key, handler)
	cur, ok := d.Current()
	d.notifier.Deliver(key, handler, currentEvent(cur, ok))
	return unsubscribe
}

// Activate deactivates the current record of agency and creates a new
// active one at level.
func (d *DefconTracker) Activate(ctx context.Context, agency string, level int, reason, setBy string) (ontology.DefconStatus, error) {
	next := ontology.DefconStatus{
		AgencyID: agency,
		Level:    level,
		IsActive: true,
		Reason:   reason,
		SetBy:    setBy,
	}
	if err := next.Validate(); err != nil {
		return ontology.DefconStatus{}, err
	}

	active, err := d.activeRecords(ctx, agency)
	if err != nil {
		return ontology.DefconStatus{}, err
	}
	for _, rec := range active {
		if _, err := d.Update(ctx, rec.ID, map[string]any{"is_active": false}); err != nil {
			return ontology.DefconStatus{}, fmt.Errorf("deactivate %s: %w", rec.ID, err)
		}
	}

	created, err := d.Create(ctx, next)
	if err != nil {
		return ontology.DefconStatus{}, err
	}
	d.log.Info().Str("agency", agency).Int("level", level).Str("set_by", setBy).Msg("DEFCON level activated")
	return created, nil
}

// Close stops background reloads.
func (d *DefconTracker) Close() {
	d.cancel()
	d.wg.Wait()
}

func (d *DefconTracker) activeRecords(ctx context.Context, agency string) ([]ontology.DefconStatus, error) {
	if st := d.Status(); st.Connected && st.Partition == agency {
		var out []ontology.DefconStatus
		for _, rec := range d.Items() {
			if rec.IsActive {
				out = append(out, rec)
			}
		}
		return out, nil
	}
	items, err := d.List(ctx, agency)
	if err != nil {
		return nil, err
	}
	var out []ontology.DefconStatus
	for _, rec := range items {
		if rec.IsActive {
			out = append(out, rec)
		}
	}
	return out, nil
}

// observe runs inside the synchronizer's delivery.
func (d *DefconTracker) observe(ev realtime.Event[ontology.DefconStatus]) {
	switch ev.Kind {
	case realtime.KindInsert, realtime.KindUpdate:
		rec := ev.Entity
		cur, ok := d.Current()
		switch {
		case rec.IsActive && (!ok || rec.ID == cur.ID || rec.NewerThan(cur)):
			d.set(rec, true, nil)
		case !rec.IsActive && ok && rec.ID == cur.ID:
			d.invalidate()
		}
	case realtime.KindDelete:
		if cur, ok := d.Current(); ok && cur.ID == ev.ID {
			d.invalidate()
		}
	}
}

func (d *DefconTracker) invalidate() {
	var version uint64
	d.set(ontology.DefconStatus{}, false, &version)

	partition := d.Status().Partition
	if partition == "" {
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.reload(partition, version)
	}()
}

func (d *DefconTracker) reload(partition string, version uint64) {
	ctx, cancel := context.WithTimeout(d.ctx, reloadTimeout)
	defer cancel()

	items, err := d.List(ctx, partition)
	if err != nil {
		d.log.Warn().Err(err).Str("partition", partition).Msg("failed to reload current DEFCON level")
		return
	}
	cur, ok := NewestActive(items)

	d.pubMu.Lock()
	defer d.pubMu.Unlock()

	d.mu.Lock()
	if d.version != version || d.Status().Partition != partition {
		d.mu.Unlock()
		return
	}
	changed := ok != d.has || (ok && !cur.Equal(d.current))
	if changed {
		d.current, d.has = cur, ok
		d.version++
	}
	d.mu.Unlock()

	if changed {
		d.notifier.Publish(currentEvent(cur, ok))
	}
}

// recompute derives the projection from the mirrored records.
func (d *DefconTracker) recompute() {
	cur, ok := NewestActive(d.Items())
	d.set(cur, ok, nil)
}

// set replaces the projection and announces it when it changed. version,
// when not nil, receives the new projection version.
func (d *DefconTracker) set(cur ontology.DefconStatus, ok bool, version *uint64) {
	d.pubMu.Lock()
	defer d.pubMu.Unlock()

	d.mu.Lock()
	changed := ok != d.has || (ok && !cur.Equal(d.current))
	if changed {
		d.current, d.has = cur, ok
		d.version++
	}
	if version != nil {
		*version = d.version
	}
	d.mu.Unlock()

	if changed {
		d.notifier.Publish(currentEvent(cur, ok))
	}
}

// NewestActive picks the most recently created active record.
func NewestActive(items []ontology.DefconStatus) (ontology.DefconStatus, bool) {
	var cur ontology.DefconStatus
	found := false
	for _, rec := range items {
		if rec.IsActive && (!found || rec.NewerThan(cur)) {
			cur, found = rec, true
		}
	}
	return cur, found
}

func currentEvent(cur ontology.DefconStatus, ok bool) realtime.Event[ontology.DefconStatus] {
	if !ok {
		return realtime.Event[ontology.DefconStatus]{Kind: realtime.KindCurrent}
	}
	return realtime.Event[ontology.DefconStatus]{Kind: realtime.KindCurrent, Entity: cur, ID: cur.ID}
}
