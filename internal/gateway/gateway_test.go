package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/internal/database"
	"github.com/clipforge/clipforge/internal/events"
	"github.com/clipforge/clipforge/internal/logger"
	"github.com/clipforge/clipforge/internal/stages"
	"github.com/clipforge/clipforge/internal/worker"
)

type gatewayFixture struct {
	bus     *events.LocalBus
	store   *worker.Store
	gateway *Gateway
	server  *httptest.Server
}

func newGatewayFixture(t *testing.T, token string) *gatewayFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenForTest()
	require.NoError(t, err)
	store := worker.NewStore(db)

	bus := events.NewLocalBus(logger.Nop(), 64)
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { bus.Stop(context.Background()) })

	gw := New(bus, store, TokenAuthenticator{Token: token}, config.GatewayConfig{
		IdleTimeout:  2 * time.Second,
		WriteTimeout: time.Second,
	}, logger.Nop())

	router := gin.New()
	gw.RegisterRoutes(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &gatewayFixture{bus: bus, store: store, gateway: gw, server: server}
}

func (f *gatewayFixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func (f *gatewayFixture) seedUnit(t *testing.T, targetID string) *database.WorkUnit {
	t.Helper()
	unit, _, err := f.store.Enqueue(context.Background(), "owner-1", targetID, stages.KindProcess,
		`{"source_url":"http://a"}`)
	require.NoError(t, err)
	return unit
}

func TestGatewaySubscribeBootstrapsAndStreams(t *testing.T) {
	f := newGatewayFixture(t, "")
	unit := f.seedUnit(t, "target-1")
	conn := f.dial(t, "")

	require.NoError(t, conn.WriteJSON(Message{Type: MsgSubscribe, TargetID: "target-1"}))

	boot := readMessage(t, conn)
	assert.Equal(t, MsgBootstrap, boot.Type)
	assert.Equal(t, "target-1", boot.TargetID)
	data, ok := boot.Data.(map[string]interface{})
	require.True(t, ok)
	wu, ok := data["work_unit"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, unit.ID, wu["id"])
	assert.Equal(t, string(database.StatusPending), wu["status"])
	assert.Len(t, data["stages"], 8)

	// Events published after the bootstrap stream live.
	err := f.bus.Publish(context.Background(), events.ProgressEvent{
		TargetID:   "target-1",
		WorkUnitID: unit.ID,
		Stage:      stages.StageConvert,
		Progress:   37.5,
		Status:     string(database.StatusRunning),
	})
	require.NoError(t, err)

	prog := readMessage(t, conn)
	assert.Equal(t, MsgProgress, prog.Type)
	ev, ok := prog.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, stages.StageConvert, ev["stage"])
	assert.InDelta(t, 37.5, ev["progress"].(float64), 0.001)
}

func TestGatewayUnsubscribeStopsStream(t *testing.T) {
	f := newGatewayFixture(t, "")
	unit := f.seedUnit(t, "target-1")
	conn := f.dial(t, "")

	require.NoError(t, conn.WriteJSON(Message{Type: MsgSubscribe, TargetID: "target-1"}))
	readMessage(t, conn) // bootstrap

	require.NoError(t, conn.WriteJSON(Message{Type: MsgUnsubscribe, TargetID: "target-1"}))

	// Wait for the unsubscribe to land before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for f.bus.SubscriberCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Zero(t, f.bus.SubscriberCount())

	err := f.bus.Publish(context.Background(), events.ProgressEvent{
		TargetID: "target-1", WorkUnitID: unit.ID, Progress: 50,
	})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var msg Message
	assert.Error(t, conn.ReadJSON(&msg), "no frames after unsubscribe")
}

func TestGatewaySubscribeUnknownTarget(t *testing.T) {
	f := newGatewayFixture(t, "")
	conn := f.dial(t, "")

	require.NoError(t, conn.WriteJSON(Message{Type: MsgSubscribe, TargetID: "ghost"}))

	msg := readMessage(t, conn)
	assert.Equal(t, MsgError, msg.Type)
	assert.Contains(t, msg.Error, "ghost")

	// The session survives the error.
	f.seedUnit(t, "target-1")
	require.NoError(t, conn.WriteJSON(Message{Type: MsgSubscribe, TargetID: "target-1"}))
	assert.Equal(t, MsgBootstrap, readMessage(t, conn).Type)
}

func TestGatewayMalformedFrameKeepsSession(t *testing.T) {
	f := newGatewayFixture(t, "")
	conn := f.dial(t, "")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{broken")))
	msg := readMessage(t, conn)
	assert.Equal(t, MsgError, msg.Type)

	require.NoError(t, conn.WriteJSON(Message{Type: "nonsense"}))
	msg = readMessage(t, conn)
	assert.Equal(t, MsgError, msg.Type)
	assert.Contains(t, msg.Error, "nonsense")
}

func TestGatewayAuthentication(t *testing.T) {
	f := newGatewayFixture(t, "secret")

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn := f.dial(t, "?token=secret")
	f.seedUnit(t, "target-1")
	require.NoError(t, conn.WriteJSON(Message{Type: MsgSubscribe, TargetID: "target-1"}))
	assert.Equal(t, MsgBootstrap, readMessage(t, conn).Type)
}

func TestGatewaySessionCountAndCleanup(t *testing.T) {
	f := newGatewayFixture(t, "")
	f.seedUnit(t, "target-1")

	conn := f.dial(t, "")
	require.NoError(t, conn.WriteJSON(Message{Type: MsgSubscribe, TargetID: "target-1"}))
	readMessage(t, conn)

	assert.Equal(t, int64(1), f.gateway.SessionCount())
	assert.Equal(t, 1, f.bus.SubscriberCount())

	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for (f.gateway.SessionCount() != 0 || f.bus.SubscriberCount() != 0) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Zero(t, f.gateway.SessionCount())
	assert.Zero(t, f.bus.SubscriberCount(), "subscriptions must be torn down with the session")
}
