package shared

import (
	"encoding/json"
	"time"
)

// API Response types
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ChangeEvent is the envelope published for every committed row change.
// Record is absent on deletes: only RecordID identifies the removed row.
type ChangeEvent struct {
	ID        string          `json:"id"`
	Table     string          `json:"table"`
	Op        string          `json:"op"`
	AgencyID  string          `json:"agency_id,omitempty"`
	RecordID  string          `json:"record_id"`
	Record    json.RawMessage `json:"record,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
}

// Health check
type HealthStatus struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Version   string            `json:"version,omitempty"`
	Uptime    time.Duration     `json:"uptime,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Details   map[string]string `json:"details,omitempty"`
}

// Synchronized tables
const (
	TableDispatchCalls  = "dispatch_calls"
	TableCalendarEvents = "calendar_events"
	TableDefconStatus   = "defcon_status"
	TableWarrants       = "warrants"
	TableOrganizations  = "organizations"
	TableTerritories    = "territories"
	TableTerritoryPOIs  = "territory_pois"
)

// Client-side id prefixes
const (
	PrefixDispatchCall  = "DIS"
	PrefixCalendarEvent = "EVT"
	PrefixDefcon        = "DEF"
	PrefixWarrant       = "WAR"
	PrefixOrganization  = "ORG"
	PrefixTerritory     = "TER"
	PrefixTerritoryPOI  = "POI"
)

// PartitionColumn is the agency column every synchronized table carries.
const PartitionColumn = "agency_id"
