package ontology

import (
	"errors"
	"time"
)

// Warrant status values
const (
	WarrantStatusActive    = "active"
	WarrantStatusExecuted  = "executed"
	WarrantStatusCancelled = "cancelled"
)

type Warrant struct {
	ID          string     `json:"id" db:"id"`
	AgencyID    string     `json:"agency_id" db:"agency_id"`
	SubjectName string     `json:"subject_name"`
	WarrantType string     `json:"warrant_type,omitempty"`
	Charges     []string   `json:"charges,omitempty"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"`
	IssuedBy    string     `json:"issued_by,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

func (w Warrant) Key() string    { return w.ID }
func (w Warrant) Agency() string { return w.AgencyID }

func (w Warrant) WithKey(id string) Warrant {
	w.ID = id
	return w
}

func (w Warrant) Normalize() Warrant {
	if w.Status == "" {
		w.Status = WarrantStatusActive
	}
	return w
}

func (w Warrant) Validate() error {
	if w.AgencyID == "" {
		return errors.New("agency_id is required")
	}
	if w.SubjectName == "" {
		return errors.New("subject_name is required")
	}
	return nil
}
