package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mdt-realtime/api/services"
	"mdt-realtime/db"
	"mdt-realtime/pkg/realtime"
	"mdt-realtime/pkg/services/changefeed"
	embeddednats "mdt-realtime/pkg/services/embedded-nats"
	"mdt-realtime/pkg/synchronizers"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "test-token"

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details string `json:"details"`
	} `json:"error"`
}

func newTestServer(t *testing.T, agency string) (*httptest.Server, *synchronizers.Registry) {
	t.Helper()

	dbCfg := db.DefaultConfig()
	dbCfg.DBPath = filepath.Join(t.TempDir(), "mdt.db")
	dbs, err := db.New(dbCfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { dbs.Close() })

	natsCfg := embeddednats.DefaultConfig()
	natsCfg.Port = -1
	natsCfg.DataDir = t.TempDir()
	en, err := embeddednats.New(natsCfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, en.Start())
	t.Cleanup(func() { en.Shutdown(context.Background()) })
	require.NoError(t, en.CreateMDTStreams())

	reg := prometheus.NewRegistry()
	tables := services.NewTables(dbs, en, zerolog.Nop())
	registry := synchronizers.NewRegistry(
		changefeed.New(en.Connection(), zerolog.Nop(), time.Second),
		tables.Backends(),
		zerolog.Nop(),
		realtime.NewMetrics(reg),
	)
	t.Cleanup(func() { registry.Close(context.Background()) })

	if agency != "" {
		require.NoError(t, registry.Connect(context.Background(), agency))
		require.Eventually(t, func() bool {
			for _, st := range registry.Status() {
				if !st.Connected {
					return false
				}
			}
			return true
		}, 5*time.Second, 10*time.Millisecond)
	}

	h := NewHandlers(tables, registry, dbs, en, zerolog.Nop(), Options{
		Token:    testToken,
		Agency:   agency,
		Gatherer: reg,
		Version:  "test",
	})
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)
	return srv, registry
}

func call(t *testing.T, srv *httptest.Server, method, path string, body any) (int, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

type warrantView struct {
	ID          string `json:"id"`
	AgencyID    string `json:"agency_id"`
	SubjectName string `json:"subject_name"`
	Status      string `json:"status"`
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, "")

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.True(t, env.Success)
	assert.Contains(t, string(env.Data), `"database":"healthy"`)
	assert.Contains(t, string(env.Data), `"nats":"healthy"`)
	assert.Contains(t, string(env.Data), `"database.open_connections":"`)
}

func TestAPI_RequiresToken(t *testing.T) {
	srv, _ := newTestServer(t, "")

	resp, err := http.Get(srv.URL + "/api/v1/warrants?agency_id=sasp")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWarrantsCRUD(t *testing.T) {
	srv, _ := newTestServer(t, "")

	status, env := call(t, srv, http.MethodPost, "/api/v1/warrants", map[string]any{
		"agency_id":    "sasp",
		"subject_name": "J. Doe",
		"charges":      []string{"grand theft auto"},
	})
	require.Equal(t, http.StatusCreated, status, env.Error)
	created := decode[warrantView](t, env.Data)
	assert.True(t, realtime.ValidID(created.ID), created.ID)
	assert.Equal(t, "active", created.Status)

	status, env = call(t, srv, http.MethodGet, "/api/v1/warrants?agency_id=sasp", nil)
	require.Equal(t, http.StatusOK, status)
	list := decode[[]warrantView](t, env.Data)
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)

	status, env = call(t, srv, http.MethodPut, "/api/v1/warrants?id="+created.ID, map[string]any{"status": "executed"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "executed", decode[warrantView](t, env.Data).Status)

	status, env = call(t, srv, http.MethodGet, "/api/v1/warrants?id="+created.ID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "executed", decode[warrantView](t, env.Data).Status)

	status, _ = call(t, srv, http.MethodDelete, "/api/v1/warrants?id="+created.ID, nil)
	require.Equal(t, http.StatusOK, status)

	status, env = call(t, srv, http.MethodDelete, "/api/v1/warrants?id="+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestCreate_Errors(t *testing.T) {
	srv, _ := newTestServer(t, "")

	status, env := call(t, srv, http.MethodPost, "/api/v1/dispatch-calls", map[string]any{"agency_id": "sasp"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_FAILED", env.Error.Code)

	body := map[string]any{"id": "ORG-2025-0001", "agency_id": "sasp", "name": "Vagos", "org_type": "gang"}
	status, _ = call(t, srv, http.MethodPost, "/api/v1/organizations", body)
	require.Equal(t, http.StatusCreated, status)

	status, env = call(t, srv, http.MethodPost, "/api/v1/organizations", body)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "CONSTRAINT_VIOLATION", env.Error.Code)
	assert.Equal(t, "a record with this id already exists", env.Error.Details)

	status, env = call(t, srv, http.MethodGet, "/api/v1/organizations", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "MISSING_AGENCY_ID", env.Error.Code)

	status, _ = call(t, srv, http.MethodPatch, "/api/v1/organizations", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, status)
}

func TestDefconEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, "sasp")

	status, env := call(t, srv, http.MethodGet, "/api/v1/defcon/current?agency_id=sasp", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"agency_id":"sasp","active":false}`, string(env.Data))

	status, env = call(t, srv, http.MethodPost, "/api/v1/defcon/activate", map[string]any{"agency_id": "sasp", "level": 7})
	assert.Equal(t, http.StatusBadRequest, status)

	status, env = call(t, srv, http.MethodPost, "/api/v1/defcon/activate", map[string]any{"agency_id": "sasp", "level": 2, "set_by": "cmdr.hale"})
	require.Equal(t, http.StatusCreated, status, env.Error)

	for _, agency := range []string{"sasp", "lspd"} {
		status, env = call(t, srv, http.MethodGet, "/api/v1/defcon/current?agency_id="+agency, nil)
		require.Equal(t, http.StatusOK, status)
		cur := decode[currentDefcon](t, env.Data)
		if agency == "sasp" {
			require.True(t, cur.Active)
			assert.Equal(t, 2, cur.Current.Level)
		} else {
			assert.False(t, cur.Active)
		}
	}
}

func TestSyncStatusAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t, "sasp")

	status, env := call(t, srv, http.MethodGet, "/api/v1/sync/status", nil)
	require.Equal(t, http.StatusOK, status)
	statuses := decode[map[string]syncStatus](t, env.Data)
	assert.Len(t, statuses, 7)
	assert.True(t, statuses["warrant"].Connected)
	assert.Equal(t, "sasp", statuses["warrant"].Partition)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `mdt_sync_connected{entity="warrant"} 1`)
}

func TestLiveFeed(t *testing.T) {
	srv, _ := newTestServer(t, "sasp")

	header := http.Header{}
	header.Set("Authorization", "Bearer "+testToken)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/live?kind=warrants&agency_id=sasp"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var first liveMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, realtime.KindConnected, first.Type)
	assert.Equal(t, "warrants", first.Kind)

	status, env := call(t, srv, http.MethodPost, "/api/v1/warrants", map[string]any{"agency_id": "sasp", "subject_name": "R. Roe"})
	require.Equal(t, http.StatusCreated, status)
	created := decode[warrantView](t, env.Data)

	var second struct {
		Type   realtime.Kind `json:"type"`
		ID     string        `json:"id"`
		Entity warrantView   `json:"entity"`
	}
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, realtime.KindInsert, second.Type)
	assert.Equal(t, created.ID, second.ID)
	assert.Equal(t, "R. Roe", second.Entity.SubjectName)
}

func TestLiveFeed_Rejections(t *testing.T) {
	srv, _ := newTestServer(t, "sasp")

	status, env := call(t, srv, http.MethodGet, "/api/v1/live?kind=warrants&agency_id=lspd", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "AGENCY_NOT_MIRRORED", env.Error.Code)

	status, env = call(t, srv, http.MethodGet, "/api/v1/live?kind=vehicles", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_KIND", env.Error.Code)
}
