package services

import (
	"mdt-realtime/db"
	"mdt-realtime/pkg/ontology"
	"mdt-realtime/pkg/shared"
	"mdt-realtime/pkg/synchronizers"

	"github.com/rs/zerolog"
)

// Tables bundles the backend of every synchronized table.
type Tables struct {
	Dispatch      *Table[ontology.DispatchCall]
	Events        *Table[ontology.CalendarEvent]
	Defcon        *Table[ontology.DefconStatus]
	Warrants      *Table[ontology.Warrant]
	Organizations *Table[ontology.Organization]
	Territories   *Table[ontology.Territory]
	POIs          *Table[ontology.TerritoryPOI]
}

func NewTables(dbs *db.Service, publisher ChangePublisher, log zerolog.Logger) *Tables {
	return &Tables{
		Dispatch:      NewTable[ontology.DispatchCall](dbs, TableConfig{Name: shared.TableDispatchCalls, Prefix: shared.PrefixDispatchCall}, publisher, log),
		Events:        NewTable[ontology.CalendarEvent](dbs, TableConfig{Name: shared.TableCalendarEvents, Prefix: shared.PrefixCalendarEvent}, publisher, log),
		Defcon:        NewTable[ontology.DefconStatus](dbs, TableConfig{Name: shared.TableDefconStatus, Prefix: shared.PrefixDefcon}, publisher, log),
		Warrants:      NewTable[ontology.Warrant](dbs, TableConfig{Name: shared.TableWarrants, Prefix: shared.PrefixWarrant}, publisher, log),
		Organizations: NewTable[ontology.Organization](dbs, TableConfig{Name: shared.TableOrganizations, Prefix: shared.PrefixOrganization}, publisher, log),
		Territories:   NewTable[ontology.Territory](dbs, TableConfig{Name: shared.TableTerritories, Prefix: shared.PrefixTerritory}, publisher, log),
		POIs:          NewTable[ontology.TerritoryPOI](dbs, TableConfig{Name: shared.TableTerritoryPOIs, Prefix: shared.PrefixTerritoryPOI}, publisher, log),
	}
}

// Backends exposes the tables as synchronizer backends.
func (t *Tables) Backends() synchronizers.Backends {
	return synchronizers.Backends{
		Dispatch:      t.Dispatch,
		Events:        t.Events,
		Defcon:        t.Defcon,
		Warrants:      t.Warrants,
		Organizations: t.Organizations,
		Territories:   t.Territories,
		POIs:          t.POIs,
	}
}
