package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testServer struct {
	*httptest.Server
	conns    chan *websocket.Conn
	authSeen chan string
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{conns: make(chan *websocket.Conn, 4), authSeen: make(chan string, 4)}
	upgrader := websocket.Upgrader{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.authSeen <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.conns <- conn
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 10*time.Millisecond)
}

func TestClient_DispatchesEventsAndEmits(t *testing.T) {
	ts := setupTestServer(t)
	client := New(ts.wsURL(), func() string { return "tok" }, 20*time.Millisecond, zap.NewNop())

	got := make(chan json.RawMessage, 1)
	client.On(EventSensorUpdate, func(data json.RawMessage) { got <- data })

	client.Start(context.Background())
	defer client.Stop()

	var server *websocket.Conn
	select {
	case server = <-ts.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
	}
	assert.Equal(t, "Bearer tok", <-ts.authSeen)
	waitFor(t, client.Connected)

	require.NoError(t, server.WriteJSON(map[string]any{
		"event": EventSensorUpdate,
		"data":  map[string]any{"uuid": "x", "out_temp": "90.1"},
	}))
	select {
	case data := <-got:
		assert.JSONEq(t, `{"uuid":"x","out_temp":"90.1"}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("event not dispatched")
	}

	require.NoError(t, client.Emit(EventJoinSensor, "x"))
	var f frame
	require.NoError(t, server.ReadJSON(&f))
	assert.Equal(t, EventJoinSensor, f.Event)
	assert.JSONEq(t, `"x"`, string(f.Data))
}

func TestClient_SkipsMalformedFramesWithoutReconnecting(t *testing.T) {
	ts := setupTestServer(t)
	client := New(ts.wsURL(), func() string { return "tok" }, 10*time.Second, zap.NewNop())

	got := make(chan json.RawMessage, 1)
	client.On(EventSensorUpdate, func(data json.RawMessage) { got <- data })
	disconnects := make(chan struct{}, 4)
	client.On(EventDisconnect, func(json.RawMessage) { disconnects <- struct{}{} })

	client.Start(context.Background())
	defer client.Stop()

	var server *websocket.Conn
	select {
	case server = <-ts.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
	}
	waitFor(t, client.Connected)

	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"event":42,"data":{}}`)))
	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"event":`)))
	require.NoError(t, server.WriteJSON(map[string]any{"event": EventSensorUpdate, "data": map[string]any{"uuid": "y"}}))

	select {
	case data := <-got:
		assert.JSONEq(t, `{"uuid":"y"}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("event after malformed frames not dispatched")
	}
	assert.True(t, client.Connected())
	assert.Empty(t, disconnects)
}

func TestClient_OffIsIdempotent(t *testing.T) {
	client := New("ws://unused", func() string { return "" }, time.Second, zap.NewNop())

	off := client.On(EventPairingCode, func(json.RawMessage) {})
	client.On(EventPairingCode, func(json.RawMessage) {})
	assert.Equal(t, 2, client.Listeners(EventPairingCode))

	off()
	off()
	assert.Equal(t, 1, client.Listeners(EventPairingCode))
}

func TestClient_EmitWithoutConnection(t *testing.T) {
	client := New("ws://unused", func() string { return "" }, time.Second, zap.NewNop())
	assert.ErrorIs(t, client.Emit(EventStartProvisioning, nil), ErrNotConnected)
}

func TestClient_StaysOfflineWithoutToken(t *testing.T) {
	ts := setupTestServer(t)
	client := New(ts.wsURL(), func() string { return "" }, 10*time.Millisecond, zap.NewNop())

	client.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	assert.False(t, client.Connected())
	assert.Len(t, ts.conns, 0)

	client.Stop()
	client.Stop()
}

func TestClient_ReconnectsAfterServerDrop(t *testing.T) {
	ts := setupTestServer(t)
	client := New(ts.wsURL(), func() string { return "tok" }, 10*time.Millisecond, zap.NewNop())

	connects := make(chan struct{}, 4)
	client.On(EventConnect, func(json.RawMessage) { connects <- struct{}{} })

	client.Start(context.Background())
	defer client.Stop()

	first := <-ts.conns
	<-connects
	require.NoError(t, first.Close())

	select {
	case <-ts.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not reconnect")
	}
	select {
	case <-connects:
	case <-time.After(2 * time.Second):
		t.Fatal("connect event not dispatched after reconnect")
	}
}
