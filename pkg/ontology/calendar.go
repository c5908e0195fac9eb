package ontology

import (
	"errors"
	"time"
)

type CalendarEvent struct {
	ID          string    `json:"id" db:"id"`
	AgencyID    string    `json:"agency_id" db:"agency_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Category    string    `json:"category,omitempty"`
	StartsAt    time.Time `json:"start_date"`
	EndsAt      time.Time `json:"end_date"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

func (e CalendarEvent) Key() string    { return e.ID }
func (e CalendarEvent) Agency() string { return e.AgencyID }

func (e CalendarEvent) WithKey(id string) CalendarEvent {
	e.ID = id
	return e
}

// StartsBefore orders events chronologically, ties broken by id.
func StartsBefore(a, b CalendarEvent) bool {
	if a.StartsAt.Equal(b.StartsAt) {
		return a.ID < b.ID
	}
	return a.StartsAt.Before(b.StartsAt)
}

func (e CalendarEvent) Validate() error {
	if e.AgencyID == "" {
		return errors.New("agency_id is required")
	}
	if e.Title == "" {
		return errors.New("title is required")
	}
	if e.StartsAt.IsZero() {
		return errors.New("start_date is required")
	}
	if !e.EndsAt.IsZero() && e.EndsAt.Before(e.StartsAt) {
		return errors.New("end_date is before start_date")
	}
	return nil
}
