package ontology

import (
	"errors"
	"time"
)

// Organization types
const (
	OrgTypeGang     = "gang"
	OrgTypeCartel   = "cartel"
	OrgTypeMafia    = "mafia"
	OrgTypeBusiness = "business"
)

// Organization is a group tracked by an agency.
type Organization struct {
	ID        string    `json:"id" db:"id"`
	AgencyID  string    `json:"agency_id" db:"agency_id"`
	Name      string    `json:"name"`
	OrgType   string    `json:"org_type"`
	Color     string    `json:"color,omitempty"`
	Threat    string    `json:"threat_level,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

func (o Organization) Key() string    { return o.ID }
func (o Organization) Agency() string { return o.AgencyID }

func (o Organization) WithKey(id string) Organization {
	o.ID = id
	return o
}

func (o Organization) Validate() error {
	if o.AgencyID == "" {
		return errors.New("agency_id is required")
	}
	if o.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Territory is an area claimed by an organization.
type Territory struct {
	ID             string    `json:"id" db:"id"`
	AgencyID       string    `json:"agency_id" db:"agency_id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	Color          string    `json:"color,omitempty"`
	Polygon        []Point   `json:"polygon,omitempty"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

func (t Territory) Key() string    { return t.ID }
func (t Territory) Agency() string { return t.AgencyID }

func (t Territory) WithKey(id string) Territory {
	t.ID = id
	return t
}

func (t Territory) Validate() error {
	if t.AgencyID == "" {
		return errors.New("agency_id is required")
	}
	if t.OrganizationID == "" {
		return errors.New("organization_id is required")
	}
	if t.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

// TerritoryPOI is a point of interest inside a territory.
type TerritoryPOI struct {
	ID          string    `json:"id" db:"id"`
	AgencyID    string    `json:"agency_id" db:"agency_id"`
	TerritoryID string    `json:"territory_id"`
	Name        string    `json:"name"`
	POIType     string    `json:"poi_type,omitempty"`
	Description string    `json:"description,omitempty"`
	Position    Point     `json:"position"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

func (p TerritoryPOI) Key() string    { return p.ID }
func (p TerritoryPOI) Agency() string { return p.AgencyID }

func (p TerritoryPOI) WithKey(id string) TerritoryPOI {
	p.ID = id
	return p
}

func (p TerritoryPOI) Validate() error {
	if p.AgencyID == "" {
		return errors.New("agency_id is required")
	}
	if p.TerritoryID == "" {
		return errors.New("territory_id is required")
	}
	if p.Name == "" {
		return errors.New("name is required")
	}
	return nil
}
