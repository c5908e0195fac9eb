package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"mdt-realtime/api/middleware"
	"mdt-realtime/api/services"
	"mdt-realtime/db"
	"mdt-realtime/pkg/ontology"
	"mdt-realtime/pkg/realtime"
	"mdt-realtime/pkg/shared"
	"mdt-realtime/pkg/synchronizers"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// HealthChecker reports broker health.
type HealthChecker interface {
	HealthCheck() error
}

type Options struct {
	Token string
	// Agency is the partition the registry mirrors, if any.
	Agency string
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Version  string
}

type Handlers struct {
	tables   *services.Tables
	registry *synchronizers.Registry
	db       *db.Service
	nats     HealthChecker
	opts     Options
	log      zerolog.Logger
	upgrader websocket.Upgrader
	started  time.Time
}

func NewHandlers(tables *services.Tables, registry *synchronizers.Registry, dbs *db.Service, nats HealthChecker, log zerolog.Logger, opts Options) *Handlers {
	return &Handlers{
		tables:   tables,
		registry: registry,
		db:       dbs,
		nats:     nats,
		opts:     opts,
		log:      log.With().Str("component", "api").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		started: time.Now(),
	}
}

// resource serves the CRUD routes of one entity type through its
// synchronizer, so writes made here land in the server-side mirror too.
type resource[T any] struct {
	name    string
	sync    *realtime.Synchronizer[T]
	get     func(ctx context.Context, id string) (T, error)
	prepare func(T) (T, error)
}

func (res resource[T]) list(w http.ResponseWriter, r *http.Request) {
	agency := r.URL.Query().Get("agency_id")
	if agency == "" {
		sendError(w, http.StatusBadRequest, "MISSING_AGENCY_ID", "agency_id is required")
		return
	}

	items, err := res.sync.List(r.Context(), agency)
	if err != nil {
		sendFailure(w, "LIST_FAILED", err)
		return
	}
	sendSuccess(w, http.StatusOK, items)
}

func (res resource[T]) getOne(w http.ResponseWriter, r *http.Request) {
	item, err := res.get(r.Context(), r.URL.Query().Get("id"))
	if err != nil {
		sendFailure(w, "GET_FAILED", err)
		return
	}
	sendSuccess(w, http.StatusOK, item)
}

func (res resource[T]) create(w http.ResponseWriter, r *http.Request) {
	var req T
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	req, err := res.prepare(req)
	if err != nil {
		sendError(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
		return
	}

	created, err := res.sync.Create(r.Context(), req)
	if err != nil {
		sendFailure(w, "CREATE_FAILED", err)
		return
	}
	sendSuccess(w, http.StatusCreated, created)
}

func (res resource[T]) update(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		sendError(w, http.StatusBadRequest, "MISSING_ID", "id is required")
		return
	}

	var updates map[string]any
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		sendError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if len(updates) == 0 {
		sendError(w, http.StatusBadRequest, "INVALID_REQUEST", "no fields to update")
		return
	}

	updated, err := res.sync.Update(r.Context(), id, updates)
	if err != nil {
		sendFailure(w, "UPDATE_FAILED", err)
		return
	}
	sendSuccess(w, http.StatusOK, updated)
}

func (res resource[T]) remove(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		sendError(w, http.StatusBadRequest, "MISSING_ID", "id is required")
		return
	}

	if err := res.sync.Delete(r.Context(), id); err != nil {
		sendFailure(w, "DELETE_FAILED", err)
		return
	}
	sendSuccess(w, http.StatusOK, map[string]string{"message": res.name + " deleted successfully", "id": id})
}

func (res resource[T]) route(h *Handlers, mux *http.ServeMux, path string) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			middleware.BearerAuth(h.opts.Token, res.create)(w, r)
		case http.MethodGet:
			if r.URL.Query().Get("id") != "" {
				middleware.BearerAuth(h.opts.Token, res.getOne)(w, r)
			} else {
				middleware.BearerAuth(h.opts.Token, res.list)(w, r)
			}
		case http.MethodPut:
			middleware.BearerAuth(h.opts.Token, res.update)(w, r)
		case http.MethodDelete:
			middleware.BearerAuth(h.opts.Token, res.remove)(w, r)
		default:
			sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
	})
}

func validate[T interface{ Validate() error }](v T) (T, error) {
	return v, v.Validate()
}

// DEFCON handlers

type activateRequest struct {
	AgencyID string `json:"agency_id"`
	Level    int    `json:"level"`
	Reason   string `json:"reason,omitempty"`
	SetBy    string `json:"set_by,omitempty"`
}

type currentDefcon struct {
	AgencyID string                 `json:"agency_id"`
	Active   bool                   `json:"active"`
	Current  *ontology.DefconStatus `json:"current,omitempty"`
}

func (h *Handlers) CurrentDefcon(w http.ResponseWriter, r *http.Request) {
	agency := r.URL.Query().Get("agency_id")
	if agency == "" {
		sendError(w, http.StatusBadRequest, "MISSING_AGENCY_ID", "agency_id is required")
		return
	}

	tracker := h.registry.Defcon()
	var (
		cur ontology.DefconStatus
		ok  bool
	)
	if st := tracker.Status(); st.Connected && st.Partition == agency {
		cur, ok = tracker.Current()
	} else {
		items, err := tracker.List(r.Context(), agency)
		if err != nil {
			sendFailure(w, "GET_FAILED", err)
			return
		}
		cur, ok = synchronizers.NewestActive(items)
	}

	resp := currentDefcon{AgencyID: agency, Active: ok}
	if ok {
		resp.Current = &cur
	}
	sendSuccess(w, http.StatusOK, resp)
}

func (h *Handlers) ActivateDefcon(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	probe := ontology.DefconStatus{AgencyID: req.AgencyID, Level: req.Level}
	if err := probe.Validate(); err != nil {
		sendError(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
		return
	}

	created, err := h.registry.Defcon().Activate(r.Context(), req.AgencyID, req.Level, req.Reason, req.SetBy)
	if err != nil {
		sendFailure(w, "ACTIVATE_FAILED", err)
		return
	}
	sendSuccess(w, http.StatusCreated, created)
}

// Sync status

type syncStatus struct {
	realtime.ConnectionStatus
	LastError string `json:"last_error,omitempty"`
}

func (h *Handlers) SyncStatus(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]syncStatus)
	for _, s := range h.registry.All() {
		st := syncStatus{ConnectionStatus: s.Status()}
		if err := s.LastError(); err != nil {
			st.LastError = err.Error()
		}
		out[s.Name()] = st
	}
	sendSuccess(w, http.StatusOK, out)
}

// Health check
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	health := shared.HealthStatus{
		Status:    "healthy",
		Service:   "mdt-realtime",
		Version:   h.opts.Version,
		Uptime:    time.Since(h.started),
		Timestamp: time.Now(),
		Details:   make(map[string]string),
	}

	if err := h.db.Health(); err != nil {
		health.Status = "unhealthy"
		health.Details["database"] = "unhealthy: " + err.Error()
	} else {
		health.Details["database"] = "healthy"
	}
	stats := h.db.GetStats()
	health.Details["database.open_connections"] = strconv.Itoa(stats.OpenConnections)
	health.Details["database.in_use"] = strconv.Itoa(stats.InUse)
	health.Details["database.wait_count"] = strconv.FormatInt(stats.WaitCount, 10)

	if err := h.nats.HealthCheck(); err != nil {
		health.Status = "unhealthy"
		health.Details["nats"] = "unhealthy: " + err.Error()
	} else {
		health.Details["nats"] = "healthy"
	}

	if h.opts.Agency != "" {
		for name, st := range h.registry.Status() {
			if st.Connected {
				health.Details["sync."+name] = string(st.State)
				continue
			}
			// A dropped mirror degrades the service without making it unusable.
			if health.Status == "healthy" {
				health.Status = "degraded"
			}
			health.Details["sync."+name] = string(st.State)
		}
	}

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	sendSuccess(w, statusCode, health)
}

// Helper functions
func sendSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := shared.Response{
		Success: true,
		Data:    data,
	}

	json.NewEncoder(w).Encode(response)
}

func sendError(w http.ResponseWriter, statusCode int, code, message string) {
	sendErrorDetails(w, statusCode, code, message, "")
}

func sendErrorDetails(w http.ResponseWriter, statusCode int, code, message, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := shared.Response{
		Success: false,
		Error: &shared.Error{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	json.NewEncoder(w).Encode(response)
}

// sendFailure maps a backend error onto a status code. fallback is the
// error code used for unclassified failures.
func sendFailure(w http.ResponseWriter, fallback string, err error) {
	var ce *realtime.ConstraintError
	switch {
	case errors.Is(err, realtime.ErrNotFound):
		sendError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.As(err, &ce):
		sendErrorDetails(w, http.StatusConflict, "CONSTRAINT_VIOLATION", ce.Message, ce.Hint)
	case errors.Is(err, realtime.ErrUnavailable):
		sendError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
	default:
		sendError(w, http.StatusInternalServerError, fallback, err.Error())
	}
}

// RegisterRoutes sets up all API routes
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	// Health check and metrics (no auth required)
	mux.HandleFunc("/health", h.HealthCheck)
	if h.opts.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(h.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	resource[ontology.DispatchCall]{
		name: "dispatch call",
		sync: h.registry.Dispatch(),
		get:  h.tables.Dispatch.Get,
		prepare: func(c ontology.DispatchCall) (ontology.DispatchCall, error) {
			return validate(c.Normalize())
		},
	}.route(h, mux, "/api/v1/dispatch-calls")

	resource[ontology.CalendarEvent]{
		name:    "event",
		sync:    h.registry.Events(),
		get:     h.tables.Events.Get,
		prepare: validate[ontology.CalendarEvent],
	}.route(h, mux, "/api/v1/events")

	resource[ontology.DefconStatus]{
		name:    "DEFCON record",
		sync:    h.registry.Defcon().Synchronizer,
		get:     h.tables.Defcon.Get,
		prepare: validate[ontology.DefconStatus],
	}.route(h, mux, "/api/v1/defcon")

	resource[ontology.Warrant]{
		name: "warrant",
		sync: h.registry.Warrants(),
		get:  h.tables.Warrants.Get,
		prepare: func(wr ontology.Warrant) (ontology.Warrant, error) {
			return validate(wr.Normalize())
		},
	}.route(h, mux, "/api/v1/warrants")

	resource[ontology.Organization]{
		name:    "organization",
		sync:    h.registry.Organizations(),
		get:     h.tables.Organizations.Get,
		prepare: validate[ontology.Organization],
	}.route(h, mux, "/api/v1/organizations")

	resource[ontology.Territory]{
		name:    "territory",
		sync:    h.registry.Territories(),
		get:     h.tables.Territories.Get,
		prepare: validate[ontology.Territory],
	}.route(h, mux, "/api/v1/territories")

	resource[ontology.TerritoryPOI]{
		name:    "point of interest",
		sync:    h.registry.POIs(),
		get:     h.tables.POIs.Get,
		prepare: validate[ontology.TerritoryPOI],
	}.route(h, mux, "/api/v1/pois")

	mux.HandleFunc("/api/v1/defcon/current", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
			return
		}
		middleware.BearerAuth(h.opts.Token, h.CurrentDefcon)(w, r)
	})

	mux.HandleFunc("/api/v1/defcon/activate", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
			return
		}
		middleware.BearerAuth(h.opts.Token, h.ActivateDefcon)(w, r)
	})

	mux.HandleFunc("/api/v1/sync/status", middleware.BearerAuth(h.opts.Token, h.SyncStatus))
	mux.HandleFunc("/api/v1/live", middleware.BearerAuth(h.opts.Token, h.Live))
}

// Handler wraps the mux with the CORS and request logging middleware.
func (h *Handlers) Handler() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return middleware.RequestLogger(h.log)(middleware.CORS(mux))
}
