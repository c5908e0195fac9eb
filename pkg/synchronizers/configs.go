package synchronizers

import (
	"mdt-realtime/pkg/ontology"
	"mdt-realtime/pkg/realtime"
	"mdt-realtime/pkg/shared"
)

// Dispatch calls, calendar events, DEFCON and warrants listen to the whole
// table and filter by agency locally. Organizations, territories and POIs
// are filtered at the broker.

func DispatchConfig() realtime.Config[ontology.DispatchCall] {
	return realtime.Config[ontology.DispatchCall]{
		Name:            "dispatch_call",
		Table:           shared.TableDispatchCalls,
		Prefix:          shared.PrefixDispatchCall,
		PartitionColumn: shared.PartitionColumn,
		ID:              ontology.DispatchCall.Key,
		Partition:       ontology.DispatchCall.Agency,
		WithID:          ontology.DispatchCall.WithKey,
	}
}

// EventsConfig keeps calendar events ordered by start date.
func EventsConfig() realtime.Config[ontology.CalendarEvent] {
	return realtime.Config[ontology.CalendarEvent]{
		Name:            "calendar_event",
		Table:           shared.TableCalendarEvents,
		Prefix:          shared.PrefixCalendarEvent,
		PartitionColumn: shared.PartitionColumn,
		ID:              ontology.CalendarEvent.Key,
		Partition:       ontology.CalendarEvent.Agency,
		WithID:          ontology.CalendarEvent.WithKey,
		Less:            ontology.StartsBefore,
	}
}

func DefconConfig() realtime.Config[ontology.DefconStatus] {
	return realtime.Config[ontology.DefconStatus]{
		Name:            "defcon",
		Table:           shared.TableDefconStatus,
		Prefix:          shared.PrefixDefcon,
		PartitionColumn: shared.PartitionColumn,
		ID:              ontology.DefconStatus.Key,
		Partition:       ontology.DefconStatus.Agency,
		WithID:          ontology.DefconStatus.WithKey,
	}
}

func WarrantsConfig() realtime.Config[ontology.Warrant] {
	return realtime.Config[ontology.Warrant]{
		Name:            "warrant",
		Table:           shared.TableWarrants,
		Prefix:          shared.PrefixWarrant,
		PartitionColumn: shared.PartitionColumn,
		ID:              ontology.Warrant.Key,
		Partition:       ontology.Warrant.Agency,
		WithID:          ontology.Warrant.WithKey,
	}
}

func OrganizationsConfig() realtime.Config[ontology.Organization] {
	return realtime.Config[ontology.Organization]{
		Name:            "organization",
		Table:           shared.TableOrganizations,
		Prefix:          shared.PrefixOrganization,
		PartitionColumn: shared.PartitionColumn,
		ServerFilter:    true,
		ID:              ontology.Organization.Key,
		Partition:       ontology.Organization.Agency,
		WithID:          ontology.Organization.WithKey,
	}
}

func TerritoriesConfig() realtime.Config[ontology.Territory] {
	return realtime.Config[ontology.Territory]{
		Name:            "territory",
		Table:           shared.TableTerritories,
		Prefix:          shared.PrefixTerritory,
		PartitionColumn: shared.PartitionColumn,
		ServerFilter:    true,
		ID:              ontology.Territory.Key,
		Partition:       ontology.Territory.Agency,
		WithID:          ontology.Territory.WithKey,
	}
}

func POIsConfig() realtime.Config[ontology.TerritoryPOI] {
	return realtime.Config[ontology.TerritoryPOI]{
		Name:            "territory_poi",
		Table:           shared.TableTerritoryPOIs,
		Prefix:          shared.PrefixTerritoryPOI,
		PartitionColumn: shared.PartitionColumn,
		ServerFilter:    true,
		ID:              ontology.TerritoryPOI.Key,
		Partition:       ontology.TerritoryPOI.Agency,
		WithID:          ontology.TerritoryPOI.WithKey,
	}
}
