package realtime

// Kind tags the variant carried by an Event.
type Kind string

const (
	KindInsert    Kind = "insert"
	KindUpdate    Kind = "update"
	KindDelete    Kind = "delete"
	KindError     Kind = "error"
	KindConnected Kind = "connected"
	// KindCurrent announces a change of a derived "current record" projection.
	// Entity holds the new value; ID is empty when no record qualifies.
	KindCurrent Kind = "current"
)

// Event is the single value delivered to subscribers. Which fields are set
// depends on Kind:
//
//	insert, update  Entity (ID mirrors the entity id)
//	delete          ID only
//	error           Err
//	connected       nothing
//	current         Entity and ID, or neither
type Event[T any] struct {
	Kind   Kind
	Entity T
	ID     string
	Err    error
}

// Handler receives events fanned out by a Notifier.
type Handler[T any] func(Event[T])

// Callbacks is the optional per-kind callback bundle. Use Handle as the
// Handler passed to Subscribe.
type Callbacks[T any] struct {
	OnInsert    func(T)
	OnUpdate    func(T)
	OnDelete    func(id string)
	OnError     func(error)
	OnConnected func()
	OnCurrent   func(entity T, ok bool)
}

// Handle dispatches ev to the matching callback, ignoring unset ones.
func (c Callbacks[T]) Handle(ev Event[T]) {
	switch ev.Kind {
	case KindInsert:
		if c.OnInsert != nil {
			c.OnInsert(ev.Entity)
		}
	case KindUpdate:
		if c.OnUpdate != nil {
			c.OnUpdate(ev.Entity)
		}
	case KindDelete:
		if c.OnDelete != nil {
			c.OnDelete(ev.ID)
		}
	case KindError:
		if c.OnError != nil {
			c.OnError(ev.Err)
		}
	case KindConnected:
		if c.OnConnected != nil {
			c.OnConnected()
		}
	case KindCurrent:
		if c.OnCurrent != nil {
			c.OnCurrent(ev.Entity, ev.ID != "")
		}
	}
}
