package realtime

import "encoding/json"

// Status is a connection-lifecycle signal emitted by a Channel.
type Status string

const (
	StatusSubscribed   Status = "subscribed"
	StatusChannelError Status = "channel_error"
	StatusTimedOut     Status = "timed_out"
	StatusClosed       Status = "closed"
)

// Change is one change-data-capture notification. Record carries the full
// row for inserts and updates. Deletes only carry OldID.
type Change struct {
	Kind      Kind
	Table     string
	Partition string
	Record    json.RawMessage
	OldID     string
}

// Filter scopes a binding server-side to one partition value.
type Filter struct {
	Column string
	Value  string
}

// Channel is a named transport subscription. Bindings are registered with
// On before Subscribe is called.
type Channel interface {
	Name() string
	// On binds handler to one change kind of one table. A nil filter
	// delivers every row of the table.
	On(kind Kind, table string, filter *Filter, handler func(Change))
	// Subscribe starts delivery. status may be invoked synchronously
	// before Subscribe returns and again later on lifecycle changes.
	Subscribe(status func(Status, error))
}

// Transport opens and closes channels on the change-data-capture stream.
type Transport interface {
	Open(name string) Channel
	Close(ch Channel) error
}
