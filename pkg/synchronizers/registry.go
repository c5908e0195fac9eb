// Package synchronizers wires one realtime synchronizer per MDT entity type.
package synchronizers

import (
	"context"
	"errors"
	"fmt"

	"mdt-realtime/pkg/ontology"
	"mdt-realtime/pkg/realtime"

	"github.com/rs/zerolog"
)

// Syncer is the type-independent surface of a synchronizer.
type Syncer interface {
	Name() string
	Connect(ctx context.Context, partition string) error
	Disconnect(ctx context.Context) error
	Status() realtime.ConnectionStatus
	LastError() error
}

// Backends holds the CRUD facade of every entity type.
type Backends struct {
	Dispatch      realtime.Backend[ontology.DispatchCall]
	Events        realtime.Backend[ontology.CalendarEvent]
	Defcon        realtime.Backend[ontology.DefconStatus]
	Warrants      realtime.Backend[ontology.Warrant]
	Organizations realtime.Backend[ontology.Organization]
	Territories   realtime.Backend[ontology.Territory]
	POIs          realtime.Backend[ontology.TerritoryPOI]
}

// Registry is built once per process and handed to whoever needs a
// synchronizer.
type Registry struct {
	dispatch      *realtime.Synchronizer[ontology.DispatchCall]
	events        *realtime.Synchronizer[ontology.CalendarEvent]
	defcon        *DefconTracker
	warrants      *realtime.Synchronizer[ontology.Warrant]
	organizations *realtime.Synchronizer[ontology.Organization]
	territories   *realtime.Synchronizer[ontology.Territory]
	pois          *realtime.Synchronizer[ontology.TerritoryPOI]

	all []Syncer
	log zerolog.Logger
}

func NewRegistry(transport realtime.Transport, backends Backends, log zerolog.Logger, metrics *realtime.Metrics) *Registry {
	r := &Registry{
		dispatch:      realtime.New(DispatchConfig(), transport, backends.Dispatch, log, metrics),
		events:        realtime.New(EventsConfig(), transport, backends.Events, log, metrics),
		defcon:        NewDefconTracker(realtime.New(DefconConfig(), transport, backends.Defcon, log, metrics), log),
		warrants:      realtime.New(WarrantsConfig(), transport, backends.Warrants, log, metrics),
		organizations: realtime.New(OrganizationsConfig(), transport, backends.Organizations, log, metrics),
		territories:   realtime.New(TerritoriesConfig(), transport, backends.Territories, log, metrics),
		pois:          realtime.New(POIsConfig(), transport, backends.POIs, log, metrics),
		log:           log.With().Str("component", "registry").Logger(),
	}
	r.all = []Syncer{r.dispatch, r.events, r.defcon, r.warrants, r.organizations, r.territories, r.pois}
	return r
}

func (r *Registry) Dispatch() *realtime.Synchronizer[ontology.DispatchCall] { return r.dispatch }
func (r *Registry) Events() *realtime.Synchronizer[ontology.CalendarEvent]  { return r.events }
func (r *Registry) Defcon() *DefconTracker                                  { return r.defcon }
func (r *Registry) Warrants() *realtime.Synchronizer[ontology.Warrant]      { return r.warrants }
func (r *Registry) Organizations() *realtime.Synchronizer[ontology.Organization] {
	return r.organizations
}
func (r *Registry) Territories() *realtime.Synchronizer[ontology.Territory] { return r.territories }
func (r *Registry) POIs() *realtime.Synchronizer[ontology.TerritoryPOI]     { return r.pois }

// All returns every synchronizer in a fixed order.
func (r *Registry) All() []Syncer {
	return append([]Syncer(nil), r.all...)
}

// Lookup finds a synchronizer by name.
func (r *Registry) Lookup(name string) (Syncer, bool) {
	for _, s := range r.all {
		if s.Name() == name {
			return s, true
		}
	}
	return nil, false
}

// Connect connects every synchronizer to partition. It keeps going after a
// failure and returns the joined errors.
func (r *Registry) Connect(ctx context.Context, partition string) error {
	var errs []error
	for _, s := range r.all {
		if err := s.Connect(ctx, partition); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("connect %q: %w", partition, errors.Join(errs...))
	}
	r.log.Info().Str("partition", partition).Int("synchronizers", len(r.all)).Msg("registry connected")
	return nil
}

func (r *Registry) Disconnect(ctx context.Context) error {
	var errs []error
	for _, s := range r.all {
		if err := s.Disconnect(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Status reports the connection status of every synchronizer by name.
func (r *Registry) Status() map[string]realtime.ConnectionStatus {
	out := make(map[string]realtime.ConnectionStatus, len(r.all))
	for _, s := range r.all {
		out[s.Name()] = s.Status()
	}
	return out
}

// Close disconnects everything and stops background work.
func (r *Registry) Close(ctx context.Context) error {
	err := r.Disconnect(ctx)
	r.defcon.Close()
	return err
}
