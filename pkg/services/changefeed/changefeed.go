// Package changefeed carries table change events from NATS to realtime
// synchronizers. Each channel holds one core subscription per table subject,
// so every change of a table reaches its handlers in publish order.
package changefeed

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"mdt-realtime/pkg/realtime"
	"mdt-realtime/pkg/shared"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const DefaultSubscribeTimeout = 5 * time.Second

// Transport implements realtime.Transport on a NATS connection.
type Transport struct {
	nc      *nats.Conn
	log     zerolog.Logger
	timeout time.Duration

	mu       sync.Mutex
	channels map[*Channel]struct{}
}

// New wraps nc. Connection-level disconnect, reconnect and close events are
// relayed to every open channel; handlers already set on nc keep running.
func New(nc *nats.Conn, log zerolog.Logger, subscribeTimeout time.Duration) *Transport {
	if subscribeTimeout <= 0 {
		subscribeTimeout = DefaultSubscribeTimeout
	}
	t := &Transport{
		nc:       nc,
		log:      log.With().Str("component", "changefeed").Logger(),
		timeout:  subscribeTimeout,
		channels: make(map[*Channel]struct{}),
	}

	prevDisconnect := nc.Opts.DisconnectedErrCB
	prevReconnect := nc.Opts.ReconnectedCB
	prevClosed := nc.Opts.ClosedCB

	nc.SetDisconnectErrHandler(func(c *nats.Conn, err error) {
		if prevDisconnect != nil {
			prevDisconnect(c, err)
		}
		if err == nil {
			err = nats.ErrConnectionReconnecting
		}
		t.broadcast(realtime.StatusChannelError, err)
	})
	nc.SetReconnectHandler(func(c *nats.Conn) {
		if prevReconnect != nil {
			prevReconnect(c)
		}
		// Subscriptions are replayed by the client on reconnect.
		t.broadcast(realtime.StatusSubscribed, nil)
	})
	nc.SetClosedHandler(func(c *nats.Conn) {
		if prevClosed != nil {
			prevClosed(c)
		}
		t.broadcast(realtime.StatusClosed, nil)
	})

	return t
}

func (t *Transport) Open(name string) realtime.Channel {
	return &Channel{t: t, name: name, log: t.log.With().Str("channel", name).Logger()}
}

func (t *Transport) Close(ch realtime.Channel) error {
	c, ok := ch.(*Channel)
	if !ok {
		return fmt.Errorf("changefeed: foreign channel %s", ch.Name())
	}

	t.mu.Lock()
	delete(t.channels, c)
	t.mu.Unlock()

	return c.close()
}

// Active reports the number of subscribed channels.
func (t *Transport) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.channels)
}

func (t *Transport) broadcast(st realtime.Status, err error) {
	t.mu.Lock()
	channels := make([]*Channel, 0, len(t.channels))
	for c := range t.channels {
		channels = append(channels, c)
	}
	t.mu.Unlock()

	for _, c := range channels {
		c.report(st, err)
	}
}

type binding struct {
	kind    realtime.Kind
	table   string
	filter  *realtime.Filter
	handler func(realtime.Change)
}

// Channel is one named group of bindings.
type Channel struct {
	t    *Transport
	name string
	log  zerolog.Logger

	mu       sync.Mutex
	bindings []binding
	subs     []*nats.Subscription
	status   func(realtime.Status, error)
	closed   bool
}

func (c *Channel) Name() string {
	return c.name
}

func (c *Channel) On(kind realtime.Kind, table string, filter *realtime.Filter, handler func(realtime.Change)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings = append(c.bindings, binding{kind: kind, table: table, filter: filter, handler: handler})
}

// Subscribe opens the subscriptions and confirms them with a server round
// trip. The outcome is reported asynchronously.
func (c *Channel) Subscribe(status func(realtime.Status, error)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.status = status

	groups := make(map[string][]binding)
	var subjects []string
	for _, b := range c.bindings {
		subject, err := subjectFor(b)
		if err != nil {
			c.mu.Unlock()
			c.report(realtime.StatusChannelError, err)
			return
		}
		if _, seen := groups[subject]; !seen {
			subjects = append(subjects, subject)
		}
		groups[subject] = append(groups[subject], b)
	}

	for _, subject := range subjects {
		bindings := groups[subject]
		sub, err := c.t.nc.Subscribe(subject, func(msg *nats.Msg) { c.dispatch(bindings, msg) })
		if err != nil {
			c.unsubscribeLocked()
			c.mu.Unlock()
			c.report(realtime.StatusChannelError, fmt.Errorf("subscribe %s: %w", subject, err))
			return
		}
		c.subs = append(c.subs, sub)
	}
	c.mu.Unlock()

	c.t.mu.Lock()
	c.t.channels[c] = struct{}{}
	c.t.mu.Unlock()

	c.log.Debug().Strs("subjects", subjects).Msg("subscribing")

	go func() {
		err := c.t.nc.FlushTimeout(c.t.timeout)
		switch {
		case err == nil:
			c.report(realtime.StatusSubscribed, nil)
		case errors.Is(err, nats.ErrTimeout):
			c.report(realtime.StatusTimedOut, err)
		default:
			c.report(realtime.StatusChannelError, err)
		}
	}()
}

// subjectFor maps a binding to its subject. Only the agency column can be
// filtered at the broker.
func subjectFor(b binding) (string, error) {
	if b.filter == nil {
		return shared.TableChangesSubject(b.table, ""), nil
	}
	if b.filter.Column != shared.PartitionColumn {
		return "", fmt.Errorf("changefeed: cannot filter %s on column %q", b.table, b.filter.Column)
	}
	if b.filter.Value == "" {
		return "", fmt.Errorf("changefeed: empty filter value for %s", b.table)
	}
	return shared.TableChangesSubject(b.table, b.filter.Value), nil
}

func (c *Channel) dispatch(bindings []binding, msg *nats.Msg) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	var event shared.ChangeEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		c.log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed change event")
		return
	}
	if event.Op == "" || event.Table == "" {
		table, _, op, err := shared.ParseChangeSubject(msg.Subject)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping change event without op")
			return
		}
		event.Table, event.Op = table, op
	}

	change := realtime.Change{
		Kind:      realtime.Kind(event.Op),
		Table:     event.Table,
		Partition: event.AgencyID,
		Record:    event.Record,
	}
	if change.Kind == realtime.KindDelete {
		change.OldID = event.RecordID
	}

	for _, b := range bindings {
		if b.kind == change.Kind {
			b.handler(change)
		}
	}
}

func (c *Channel) report(st realtime.Status, err error) {
	c.mu.Lock()
	status := c.status
	closed := c.closed
	c.mu.Unlock()
	if closed || status == nil {
		return
	}
	status(st, err)
}

func (c *Channel) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.unsubscribeLocked()
}

func (c *Channel) unsubscribeLocked() error {
	var errs []error
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	c.subs = nil
	return errors.Join(errs...)
}
