package realtime

import "sync"

// State is the synchronizer connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateSubscribed   State = "subscribed"
	StateError        State = "error"
	StateTimedOut     State = "timed_out"
	StateClosed       State = "closed"
)

// ConnectionStatus is the public view of a Lifecycle.
type ConnectionStatus struct {
	Connected bool   `json:"is_connected"`
	Partition string `json:"partition_key,omitempty"`
	State     State  `json:"state"`
}

// Lifecycle tracks the single transport channel of a synchronizer.
//
// Every Begin hands out a new generation. Callbacks registered on a channel
// keep the generation they were opened with and must check Current before
// touching shared state, so a channel torn down by Reset can no longer
// mutate anything.
type Lifecycle struct {
	mu         sync.RWMutex
	state      State
	partition  string
	channel    Channel
	generation uint64
}

func NewLifecycle() *Lifecycle {
	return &Lifecycle{state: StateDisconnected}
}

// Begin records a new connection attempt and returns its generation.
func (l *Lifecycle) Begin(partition string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.generation++
	l.state = StateConnecting
	l.partition = partition
	l.channel = nil
	return l.generation
}

// Attach stores the channel opened for generation gen.
func (l *Lifecycle) Attach(gen uint64, ch Channel) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.generation {
		return false
	}
	l.channel = ch
	return true
}

// Transition moves generation gen to state. It returns false when gen is
// stale.
func (l *Lifecycle) Transition(gen uint64, state State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.generation || l.state == StateDisconnected {
		return false
	}
	l.state = state
	return true
}

// Reset invalidates the current generation and returns the channel that
// has to be closed, if any.
func (l *Lifecycle) Reset() Channel {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := l.channel
	l.generation++
	l.state = StateDisconnected
	l.partition = ""
	l.channel = nil
	return ch
}

// Current reports whether gen is still the live generation.
func (l *Lifecycle) Current(gen uint64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return gen == l.generation && l.state != StateDisconnected
}

// Partition returns the active partition for generation gen.
func (l *Lifecycle) Partition(gen uint64) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if gen != l.generation || l.state == StateDisconnected {
		return "", false
	}
	return l.partition, true
}

// Snapshot returns the current state, partition and generation at once.
func (l *Lifecycle) Snapshot() (State, string, uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state, l.partition, l.generation
}

func (l *Lifecycle) Status() ConnectionStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return ConnectionStatus{
		Connected: l.state == StateSubscribed,
		Partition: l.partition,
		State:     l.state,
	}
}
