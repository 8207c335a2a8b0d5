package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/internal/database"
	"github.com/clipforge/clipforge/internal/events"
	"github.com/clipforge/clipforge/internal/gateway"
	"github.com/clipforge/clipforge/internal/logger"
	"github.com/clipforge/clipforge/internal/stages"
	"github.com/clipforge/clipforge/internal/worker"
)

type stubDispatcher struct {
	mu  sync.Mutex
	ids []string
}

func (d *stubDispatcher) DispatchProcess(ctx context.Context, workUnitID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, workUnitID)
	return nil
}

type serverFixture struct {
	server     *Server
	store      *worker.Store
	dispatcher *stubDispatcher
}

func newServerFixture(t *testing.T, authToken string) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenForTest()
	require.NoError(t, err)
	store := worker.NewStore(db)
	dispatcher := &stubDispatcher{}
	service := worker.NewService(store, dispatcher, logger.Nop())

	bus := events.NewLocalBus(logger.Nop(), 64)
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { bus.Stop(context.Background()) })

	gw := gateway.New(bus, store, gateway.TokenAuthenticator{Token: authToken}, config.GatewayConfig{
		IdleTimeout:  time.Minute,
		WriteTimeout: time.Second,
	}, logger.Nop())

	srv := New(config.ServerConfig{
		Host:      "127.0.0.1",
		Port:      0,
		AuthToken: authToken,
	}, service, gw, bus, logger.Nop())

	return &serverFixture{server: srv, store: store, dispatcher: dispatcher}
}

func (f *serverFixture) request(t *testing.T, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, req)
	return w
}

func TestEnqueueEndpoint(t *testing.T) {
	f := newServerFixture(t, "")

	body := map[string]interface{}{
		"owner_id":  "owner-1",
		"target_id": "target-1",
		"params":    map[string]string{"source_url": "http://origin/video.mp4"},
	}

	w := f.request(t, http.MethodPost, "/api/work-units", body, "")
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		WorkUnit struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"work_unit"`
		Created bool `json:"created"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Created)
	assert.Equal(t, "pending", resp.WorkUnit.Status)
	assert.Equal(t, []string{resp.WorkUnit.ID}, f.dispatcher.ids)

	// Duplicate enqueue answers 200 with the same unit.
	w = f.request(t, http.MethodPost, "/api/work-units", body, "")
	require.Equal(t, http.StatusOK, w.Code)
	var dup struct {
		WorkUnit struct {
			ID string `json:"id"`
		} `json:"work_unit"`
		Created bool `json:"created"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dup))
	assert.False(t, dup.Created)
	assert.Equal(t, resp.WorkUnit.ID, dup.WorkUnit.ID)
	assert.Len(t, f.dispatcher.ids, 1)
}

func TestEnqueueValidation(t *testing.T) {
	f := newServerFixture(t, "")

	w := f.request(t, http.MethodPost, "/api/work-units", map[string]interface{}{
		"params": map[string]string{"source_url": "http://a"},
	}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.request(t, http.MethodPost, "/api/work-units", map[string]interface{}{
		"target_id": "target-1",
	}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetAndListEndpoints(t *testing.T) {
	f := newServerFixture(t, "")
	ctx := context.Background()

	unit, _, err := f.store.Enqueue(ctx, "owner-1", "target-1", stages.KindProcess, `{"source_url":"http://a"}`)
	require.NoError(t, err)

	w := f.request(t, http.MethodGet, "/api/work-units/"+unit.ID, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), unit.ID)

	w = f.request(t, http.MethodGet, "/api/work-units/ghost", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.request(t, http.MethodGet, "/api/work-units?target_id=target-1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)

	w = f.request(t, http.MethodGet, "/api/work-units", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelEndpoint(t *testing.T) {
	f := newServerFixture(t, "")
	ctx := context.Background()

	unit, _, err := f.store.Enqueue(ctx, "owner-1", "target-1", stages.KindProcess, `{"source_url":"http://a"}`)
	require.NoError(t, err)

	w := f.request(t, http.MethodPost, "/api/work-units/"+unit.ID+"/cancel", nil, "")
	assert.Equal(t, http.StatusAccepted, w.Code)

	got, err := f.store.Get(ctx, unit.ID)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)

	// Canceling a terminal unit conflicts.
	_, err = f.store.Claim(ctx, unit.ID)
	require.NoError(t, err)
	_, err = f.store.MarkSuccess(ctx, unit.ID, "")
	require.NoError(t, err)

	w = f.request(t, http.MethodPost, "/api/work-units/"+unit.ID+"/cancel", nil, "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestStagesEndpoint(t *testing.T) {
	f := newServerFixture(t, "")

	w := f.request(t, http.MethodGet, "/api/stages", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Kind   string         `json:"kind"`
		Stages []stages.Stage `json:"stages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, stages.KindProcess, resp.Kind)
	require.Len(t, resp.Stages, 8)
	assert.Equal(t, stages.StageTransfer, resp.Stages[0].Name)
	assert.InDelta(t, 100, resp.Stages[7].ProgressCeiling, 0.001)
}

func TestStatusEndpoint(t *testing.T) {
	f := newServerFixture(t, "")
	ctx := context.Background()

	_, _, err := f.store.Enqueue(ctx, "owner-1", "target-1", stages.KindProcess, "{}")
	require.NoError(t, err)

	w := f.request(t, http.MethodGet, "/api/status", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Contains(t, status, "work_units")
	assert.Contains(t, status, "sessions")
	assert.Contains(t, status, "uptime_seconds")
}

func TestAPIAuthentication(t *testing.T) {
	f := newServerFixture(t, "secret")

	w := f.request(t, http.MethodGet, "/api/status", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.request(t, http.MethodGet, "/api/status", nil, "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.request(t, http.MethodGet, "/api/status", nil, "secret")
	assert.Equal(t, http.StatusOK, w.Code)

	// Health stays open for probes.
	w = f.request(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}
