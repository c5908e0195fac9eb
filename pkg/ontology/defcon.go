package ontology

import (
	"fmt"
	"time"
)

// DEFCON levels run from 5 (normal readiness) down to 1 (maximum).
const (
	DefconMin = 1
	DefconMax = 5
)

type DefconStatus struct {
	ID        string    `json:"id" db:"id"`
	AgencyID  string    `json:"agency_id" db:"agency_id"`
	Level     int       `json:"level"`
	IsActive  bool      `json:"is_active"`
	Reason    string    `json:"reason,omitempty"`
	SetBy     string    `json:"set_by,omitempty"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

func (d DefconStatus) Key() string    { return d.ID }
func (d DefconStatus) Agency() string { return d.AgencyID }

func (d DefconStatus) WithKey(id string) DefconStatus {
	d.ID = id
	return d
}

// Equal reports whether d and other hold the same values. Timestamps are
// compared as instants, ignoring location.
func (d DefconStatus) Equal(other DefconStatus) bool {
	return d.ID == other.ID &&
		d.AgencyID == other.AgencyID &&
		d.Level == other.Level &&
		d.IsActive == other.IsActive &&
		d.Reason == other.Reason &&
		d.SetBy == other.SetBy &&
		d.CreatedAt.Equal(other.CreatedAt) &&
		d.UpdatedAt.Equal(other.UpdatedAt)
}

// NewerThan reports whether d was created after other. Ties fall back to
// the id so the choice is stable.
func (d DefconStatus) NewerThan(other DefconStatus) bool {
	if d.CreatedAt.Equal(other.CreatedAt) {
		return d.ID > other.ID
	}
	return d.CreatedAt.After(other.CreatedAt)
}

func (d DefconStatus) Validate() error {
	if d.AgencyID == "" {
		return fmt.Errorf("agency_id is required")
	}
	if d.Level < DefconMin || d.Level > DefconMax {
		return fmt.Errorf("level must be between %d and %d, got %d", DefconMin, DefconMax, d.Level)
	}
	return nil
}
