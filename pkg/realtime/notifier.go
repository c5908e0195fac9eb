package realtime

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

type registration[T any] struct {
	key     string
	handler Handler[T]
	token   uint64
}

// Notifier fans events out to registered handlers, synchronously and in
// registration order. A panicking handler is logged and skipped.
type Notifier[T any] struct {
	mu    sync.RWMutex
	regs  []*registration[T]
	seq   uint64
	log   zerolog.Logger
	onLen func(n int)
}

// NewNotifier builds an empty notifier.
func NewNotifier[T any](log zerolog.Logger) *Notifier[T] {
	return &Notifier[T]{log: log}
}

// Subscribe registers handler under key. Registering an existing key
// replaces its handler without changing its position. The returned function
// removes this registration only; it is a no-op once the key was replaced
// or already removed.
func (n *Notifier[T]) Subscribe(key string, handler Handler[T]) (unsubscribe func()) {
	n.mu.Lock()
	n.seq++
	token := n.seq
	replaced := false
	for _, reg := range n.regs {
		if reg.key == key {
			reg.handler = handler
			reg.token = token
			replaced = true
			break
		}
	}
	if !replaced {
		n.regs = append(n.regs, &registration[T]{key: key, handler: handler, token: token})
	}
	count := len(n.regs)
	n.mu.Unlock()

	if n.onLen != nil {
		n.onLen(count)
	}

	var once sync.Once
	return func() {
		once.Do(func() { n.remove(key, token) })
	}
}

func (n *Notifier[T]) remove(key string, token uint64) {
	n.mu.Lock()
	for i, reg := range n.regs {
		if reg.key == key && reg.token == token {
			n.regs = append(n.regs[:i], n.regs[i+1:]...)
			break
		}
	}
	count := len(n.regs)
	n.mu.Unlock()

	if n.onLen != nil {
		n.onLen(count)
	}
}

// Len returns the number of registrations.
func (n *Notifier[T]) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.regs)
}

// Publish delivers ev to every registration present when it is called.
func (n *Notifier[T]) Publish(ev Event[T]) {
	n.mu.RLock()
	snapshot := make([]*registration[T], len(n.regs))
	copy(snapshot, n.regs)
	n.mu.RUnlock()

	for _, reg := range snapshot {
		n.deliver(reg.key, reg.handler, ev)
	}
}

// Deliver sends ev to a single handler inside the same failure boundary as
// Publish.
func (n *Notifier[T]) Deliver(key string, handler Handler[T], ev Event[T]) {
	n.deliver(key, handler, ev)
}

func (n *Notifier[T]) deliver(key string, handler Handler[T], ev Event[T]) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Error().
				Str("subscriber", key).
				Str("kind", string(ev.Kind)).
				Str("panic", fmt.Sprint(r)).
				Msg("subscriber callback panicked")
		}
	}()
	handler(ev)
}
