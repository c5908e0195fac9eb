package realtime

import "github.com/prometheus/client_golang/prometheus"

// Event outcomes recorded by Metrics.
const (
	ResultApplied  = "applied"
	ResultIgnored  = "ignored"
	ResultFiltered = "filtered"
	ResultStale    = "stale"
	ResultInvalid  = "invalid"
)

// Metrics holds the collectors shared by every synchronizer of a process.
// A nil *Metrics records nothing.
type Metrics struct {
	events      *prometheus.CounterVec
	connected   *prometheus.GaugeVec
	subscribers *prometheus.GaugeVec
	crud        *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mdt",
			Subsystem: "sync",
			Name:      "events_total",
			Help:      "Change events received per entity type, kind and reconciliation result.",
		}, []string{"entity", "kind", "result"}),
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mdt",
			Subsystem: "sync",
			Name:      "connected",
			Help:      "1 while the entity synchronizer holds a subscribed channel.",
		}, []string{"entity"}),
		subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mdt",
			Subsystem: "sync",
			Name:      "subscribers",
			Help:      "Registered local subscribers per entity type.",
		}, []string{"entity"}),
		crud: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mdt",
			Subsystem: "sync",
			Name:      "crud_total",
			Help:      "CRUD facade calls per entity type, operation and outcome.",
		}, []string{"entity", "op", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.events, m.connected, m.subscribers, m.crud)
	}
	return m
}

func (m *Metrics) event(entity string, kind Kind, result string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(entity, string(kind), result).Inc()
}

func (m *Metrics) setConnected(entity string, connected bool) {
	if m == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1
	}
	m.connected.WithLabelValues(entity).Set(v)
}

func (m *Metrics) setSubscribers(entity string, n int) {
	if m == nil {
		return
	}
	m.subscribers.WithLabelValues(entity).Set(float64(n))
}

func (m *Metrics) crudCall(entity, op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.crud.WithLabelValues(entity, op, outcome).Inc()
}
