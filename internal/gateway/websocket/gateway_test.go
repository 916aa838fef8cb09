package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headspace/headspace/internal/broadcast"
	"github.com/headspace/headspace/internal/common/config"
	"github.com/headspace/headspace/internal/common/logger"
	"github.com/headspace/headspace/internal/db"
	"github.com/headspace/headspace/internal/events"
	"github.com/headspace/headspace/internal/events/bus"
	"github.com/headspace/headspace/internal/models"
	"github.com/headspace/headspace/internal/store"
	ws "github.com/headspace/headspace/pkg/websocket"
)

func testLog(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(&logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func testCasterConfig() config.BroadcasterConfig {
	return config.BroadcasterConfig{
		BufferSize:     16,
		Heartbeat:      30,
		MaxSubscribers: 4,
		WriteGrace:     60,
		CatchupLimit:   500,
	}
}

func newTestRepo(t *testing.T) *store.Repository {
	t.Helper()
	conn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"), 0)
	require.NoError(t, err)
	repo, err := store.NewWithDB(conn, conn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return repo
}

type gatewayFixture struct {
	gw     *Gateway
	caster *broadcast.Broadcaster
	bus    *bus.MemoryEventBus
	url    string
}

func newGatewayFixture(t *testing.T, repo *store.Repository) *gatewayFixture {
	return newGatewayFixtureWithConfig(t, repo, testCasterConfig())
}

func newGatewayFixtureWithConfig(t *testing.T, repo *store.Repository, cfg config.BroadcasterConfig) *gatewayFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := testLog(t)

	mb := bus.NewMemoryEventBus(log)
	caster := broadcast.New(repo, mb, cfg, log)
	require.NoError(t, caster.Start(context.Background()))
	t.Cleanup(caster.Stop)

	gw := NewGateway(caster, log)
	ctx, cancel := context.WithCancel(context.Background())
	go gw.Hub.Run(ctx)
	t.Cleanup(cancel)

	r := gin.New()
	r.GET("/ws", gw.Handler.HandleConnection)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &gatewayFixture{gw: gw, caster: caster, bus: mb, url: srv.URL}
}

// wsConn is a test-side connection. The write pump batches queued messages
// into one frame with newline separators, so reads split before decoding.
type wsConn struct {
	t       *testing.T
	conn    *gorillaws.Conn
	pending [][]byte
}

func dialGateway(t *testing.T, serverURL string) *wsConn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
	dialer := gorillaws.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(wsURL, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { _ = conn.Close() })
	return &wsConn{t: t, conn: conn}
}

func (c *wsConn) sendRequest(id, action string, payload interface{}) {
	c.t.Helper()
	msg, err := ws.NewRequest(id, action, payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(msg))
}

func (c *wsConn) next() *ws.Message {
	c.t.Helper()
	for len(c.pending) == 0 {
		require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := c.conn.ReadMessage()
		require.NoError(c.t, err)
		for _, part := range bytes.Split(data, []byte{'\n'}) {
			if len(part) > 0 {
				c.pending = append(c.pending, part)
			}
		}
	}
	raw := c.pending[0]
	c.pending = c.pending[1:]
	var msg ws.Message
	require.NoError(c.t, json.Unmarshal(raw, &msg))
	return &msg
}

func payloadOf(t *testing.T, msg *ws.Message) map[string]interface{} {
	t.Helper()
	var payload map[string]interface{}
	require.NoError(t, msg.ParsePayload(&payload))
	return payload
}

func stateEvent(sessionID string, eventID int64) *bus.Event {
	return bus.NewEvent(events.SessionStateChanged, "test", map[string]interface{}{
		"event_id":   eventID,
		"session_id": sessionID,
		"project_id": "p1",
		"from":       "processing",
		"to":         "awaiting_input",
	})
}

func TestGatewayHealthCheck(t *testing.T) {
	fx := newGatewayFixture(t, nil)
	conn := dialGateway(t, fx.url)

	conn.sendRequest("req-1", ws.ActionHealthCheck, nil)

	msg := conn.next()
	assert.Equal(t, ws.MessageTypeResponse, msg.Type)
	assert.Equal(t, "req-1", msg.ID)
	assert.Equal(t, ws.ActionHealthCheck, msg.Action)
	payload := payloadOf(t, msg)
	assert.Equal(t, "ok", payload["status"])
	assert.Equal(t, "headspace", payload["service"])
}

func TestGatewayUnknownAction(t *testing.T) {
	fx := newGatewayFixture(t, nil)
	conn := dialGateway(t, fx.url)

	conn.sendRequest("req-1", "project.export", nil)

	msg := conn.next()
	assert.Equal(t, ws.MessageTypeError, msg.Type)
	assert.Equal(t, "req-1", msg.ID)
	assert.Equal(t, ws.ErrorCodeUnknownAction, payloadOf(t, msg)["code"])
}

func TestGatewayMalformedMessage(t *testing.T) {
	fx := newGatewayFixture(t, nil)
	conn := dialGateway(t, fx.url)

	require.NoError(t, conn.conn.WriteMessage(gorillaws.TextMessage, []byte("not json")))

	msg := conn.next()
	assert.Equal(t, ws.MessageTypeError, msg.Type)
	assert.Equal(t, ws.ErrorCodeBadRequest, payloadOf(t, msg)["code"])
}

func TestGatewayStreamSubscribeLive(t *testing.T) {
	fx := newGatewayFixture(t, nil)
	conn := dialGateway(t, fx.url)

	require.Eventually(t, func() bool { return fx.gw.Hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	conn.sendRequest("sub-1", ws.ActionStreamSubscribe, StreamSubscribeRequest{})

	ack := conn.next()
	assert.Equal(t, ws.MessageTypeResponse, ack.Type)
	assert.Equal(t, "sub-1", ack.ID)
	ackPayload := payloadOf(t, ack)
	assert.Equal(t, true, ackPayload["subscribed"])
	assert.NotEmpty(t, ackPayload["subscription_id"])

	require.NoError(t, fx.bus.Publish(context.Background(),
		events.BuildSessionStateSubject("s1"), stateEvent("s1", 1)))

	note := conn.next()
	assert.Equal(t, ws.MessageTypeNotification, note.Type)
	assert.Equal(t, ws.ActionStreamEvent, note.Action)
	payload := payloadOf(t, note)
	assert.Equal(t, float64(1), payload["id"])
	assert.Equal(t, broadcast.KindStateChanged, payload["kind"])
	data, ok := payload["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "s1", data["session_id"])
	assert.Equal(t, "awaiting_input", data["to"])
}

func TestGatewayStreamReplay(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	p := &models.Project{Name: "webapp", Path: "/home/dev/webapp"}
	require.NoError(t, repo.CreateProject(ctx, p))
	s := &models.Session{ExternalID: "uuid-1", ProjectID: p.ID}
	require.NoError(t, repo.CreateSession(ctx, s))
	for _, typ := range []string{
		models.EventSessionRegistered,
		models.EventHookReceived,
		models.EventSessionInactive,
	} {
		require.NoError(t, repo.AppendEvent(ctx, &models.Event{
			Type: typ, ProjectID: &p.ID, SessionID: &s.ID,
		}))
	}

	fx := newGatewayFixture(t, repo)
	conn := dialGateway(t, fx.url)

	after := int64(1)
	conn.sendRequest("sub-1", ws.ActionStreamSubscribe, StreamSubscribeRequest{LastEventID: &after})

	ack := conn.next()
	require.Equal(t, ws.MessageTypeResponse, ack.Type)

	first := payloadOf(t, conn.next())
	assert.Equal(t, float64(2), first["id"])
	assert.Equal(t, broadcast.KindHookReceived, first["kind"])
	second := payloadOf(t, conn.next())
	assert.Equal(t, float64(3), second["id"])
	assert.Equal(t, broadcast.KindSessionInactive, second["kind"])

	// Live frames pick up after the replayed ids.
	require.NoError(t, fx.bus.Publish(ctx,
		events.BuildSessionStateSubject(s.ID), stateEvent(s.ID, 4)))
	third := payloadOf(t, conn.next())
	assert.Equal(t, float64(4), third["id"])
	assert.Equal(t, broadcast.KindStateChanged, third["kind"])
}

func TestGatewayStreamFilterScope(t *testing.T) {
	fx := newGatewayFixture(t, nil)
	conn := dialGateway(t, fx.url)

	conn.sendRequest("sub-1", ws.ActionStreamSubscribe, StreamSubscribeRequest{
		Types:     []string{broadcast.KindStateChanged},
		SessionID: "s1",
	})
	require.Equal(t, ws.MessageTypeResponse, conn.next().Type)

	ctx := context.Background()
	require.NoError(t, fx.bus.Publish(ctx, events.BuildSessionStateSubject("s2"), stateEvent("s2", 1)))
	require.NoError(t, fx.bus.Publish(ctx, events.BuildCardRefreshSubject("s1"),
		bus.NewEvent(events.SessionCardRefresh, "test", map[string]interface{}{"session_id": "s1"})))
	require.NoError(t, fx.bus.Publish(ctx, events.BuildSessionStateSubject("s1"), stateEvent("s1", 2)))

	payload := payloadOf(t, conn.next())
	assert.Equal(t, broadcast.KindStateChanged, payload["kind"])
	data, ok := payload["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "s1", data["session_id"])
}

func TestGatewayResubscribeReplacesFilter(t *testing.T) {
	fx := newGatewayFixture(t, nil)
	conn := dialGateway(t, fx.url)

	conn.sendRequest("sub-1", ws.ActionStreamSubscribe, StreamSubscribeRequest{SessionID: "s1"})
	require.Equal(t, ws.MessageTypeResponse, conn.next().Type)

	conn.sendRequest("sub-2", ws.ActionStreamSubscribe, StreamSubscribeRequest{SessionID: "s2"})
	ack := conn.next()
	require.Equal(t, "sub-2", ack.ID)
	assert.Equal(t, 1, fx.caster.SubscriberCount(), "old subscription released")

	ctx := context.Background()
	require.NoError(t, fx.bus.Publish(ctx, events.BuildSessionStateSubject("s1"), stateEvent("s1", 1)))
	require.NoError(t, fx.bus.Publish(ctx, events.BuildSessionStateSubject("s2"), stateEvent("s2", 2)))

	payload := payloadOf(t, conn.next())
	data, ok := payload["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "s2", data["session_id"])
}

func TestGatewayStreamUnsubscribe(t *testing.T) {
	fx := newGatewayFixture(t, nil)
	conn := dialGateway(t, fx.url)

	conn.sendRequest("sub-1", ws.ActionStreamSubscribe, StreamSubscribeRequest{})
	require.Equal(t, ws.MessageTypeResponse, conn.next().Type)
	assert.Equal(t, 1, fx.caster.SubscriberCount())

	conn.sendRequest("unsub-1", ws.ActionStreamUnsubscribe, nil)
	ack := conn.next()
	assert.Equal(t, "unsub-1", ack.ID)
	assert.Equal(t, false, payloadOf(t, ack)["subscribed"])
	assert.Zero(t, fx.caster.SubscriberCount())

	// Frames published now have nowhere to go; the next message on the wire
	// is the health response.
	require.NoError(t, fx.bus.Publish(context.Background(),
		events.BuildSessionStateSubject("s1"), stateEvent("s1", 1)))
	conn.sendRequest("hc-1", ws.ActionHealthCheck, nil)
	assert.Equal(t, "hc-1", conn.next().ID)
}

func TestGatewayStreamSubscribeValidation(t *testing.T) {
	fx := newGatewayFixture(t, nil)
	conn := dialGateway(t, fx.url)

	conn.sendRequest("sub-1", ws.ActionStreamSubscribe, StreamSubscribeRequest{Types: []string{"bogus"}})
	msg := conn.next()
	assert.Equal(t, ws.MessageTypeError, msg.Type)
	payload := payloadOf(t, msg)
	assert.Equal(t, ws.ErrorCodeValidation, payload["code"])
	assert.Contains(t, payload["message"], "unknown event type")

	neg := int64(-1)
	conn.sendRequest("sub-2", ws.ActionStreamSubscribe, StreamSubscribeRequest{LastEventID: &neg})
	msg = conn.next()
	assert.Equal(t, ws.MessageTypeError, msg.Type)
	assert.Equal(t, ws.ErrorCodeValidation, payloadOf(t, msg)["code"])
	assert.Zero(t, fx.caster.SubscriberCount())
}

func TestGatewaySubscriberLimit(t *testing.T) {
	cfg := testCasterConfig()
	cfg.MaxSubscribers = 1
	fx := newGatewayFixtureWithConfig(t, nil, cfg)

	_, err := fx.caster.Subscribe(broadcast.Filter{})
	require.NoError(t, err)

	conn := dialGateway(t, fx.url)
	conn.sendRequest("sub-1", ws.ActionStreamSubscribe, StreamSubscribeRequest{})

	msg := conn.next()
	assert.Equal(t, ws.MessageTypeError, msg.Type)
	payload := payloadOf(t, msg)
	assert.Equal(t, ws.ErrorCodeUnavailable, payload["code"])
	assert.Contains(t, payload["message"], "subscriber limit")
}

func TestGatewayRegistersHealthHandler(t *testing.T) {
	log := testLog(t)
	gw := NewGateway(broadcast.New(nil, nil, testCasterConfig(), log), log)
	assert.True(t, gw.Dispatcher.HasHandler(ws.ActionHealthCheck))
}
