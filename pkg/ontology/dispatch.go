package ontology

import (
	"errors"
	"time"
)

// Dispatch call status values
const (
	CallStatusPending  = "pending"
	CallStatusAssigned = "assigned"
	CallStatusEnRoute  = "en_route"
	CallStatusOnScene  = "on_scene"
	CallStatusResolved = "resolved"
)

// Priority levels
const (
	PriorityLow      = "low"
	PriorityNormal   = "normal"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

type DispatchCall struct {
	ID            string    `json:"id" db:"id"`
	AgencyID      string    `json:"agency_id" db:"agency_id"`
	CallType      string    `json:"call_type"`
	Title         string    `json:"title"`
	Description   string    `json:"description,omitempty"`
	Location      string    `json:"location,omitempty"`
	Caller        string    `json:"caller,omitempty"`
	Priority      string    `json:"priority"`
	Status        string    `json:"status"`
	AssignedUnits []string  `json:"assigned_units,omitempty"`
	CreatedBy     string    `json:"created_by,omitempty"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

func (c DispatchCall) Key() string    { return c.ID }
func (c DispatchCall) Agency() string { return c.AgencyID }

func (c DispatchCall) WithKey(id string) DispatchCall {
	c.ID = id
	return c
}

// Normalize fills defaults for a new call.
func (c DispatchCall) Normalize() DispatchCall {
	if c.Status == "" {
		c.Status = CallStatusPending
	}
	if c.Priority == "" {
		c.Priority = PriorityNormal
	}
	return c
}

func (c DispatchCall) Validate() error {
	if c.AgencyID == "" {
		return errors.New("agency_id is required")
	}
	if c.Title == "" {
		return errors.New("title is required")
	}
	return nil
}
