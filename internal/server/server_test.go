package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"coinstream/internal/botbridge"
	"coinstream/internal/candlestore"
	"coinstream/internal/granularity"
	"coinstream/internal/orderbook"
	"coinstream/internal/registry"
	"coinstream/pkg/broadcaster"
)

type stubHub struct {
	snapshots map[string][]byte
}

func (h *stubHub) CachedSnapshot(product string) ([]byte, bool) {
	data, ok := h.snapshots[product]
	return data, ok
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	deps := Deps{
		Broadcaster: broadcaster.New(zap.NewNop()),
		Registry:    registry.New(zap.NewNop()),
		Hub:         &stubHub{snapshots: make(map[string][]byte)},
		Orderbook:   orderbook.New(nil, zap.NewNop()),
		Candles:     candlestore.New(nil, zap.NewNop()),
		BotBridge:   botbridge.New("", zap.NewNop()),
	}
	s := New(Config{ClientSendQueue: 8}, deps, zap.NewNop())
	srv := httptest.NewServer(s.mux)
	t.Cleanup(srv.Close)
	return s, srv
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHandleWS_SendsConnectedFrameOnOpen(t *testing.T) {
	_, srv := newTestServer(t)
	conn := dialWS(t, srv)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame connectedFrame
	require.NoError(t, json.Unmarshal(data, &frame))
	require.Equal(t, "connected", frame.Type)
	require.NotEmpty(t, frame.ClientID)
}

func TestHandleWS_SubscribeAcksAndRegistersRefcount(t *testing.T) {
	s, srv := newTestServer(t)
	conn := dialWS(t, srv)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage() // connected
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(inboundFrame{Type: "subscribe", Pair: "BTC-USD", Granularity: "1m"}))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ack subscribedFrame
	require.NoError(t, json.Unmarshal(data, &ack))
	require.Equal(t, "subscribed", ack.Type)
	require.Equal(t, "BTC-USD", ack.Pair)

	require.Eventually(t, func() bool {
		return len(s.deps.Registry.Subscribers("BTC-USD", granularity.Min1)) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestHandleWS_UnsubscribeAcks(t *testing.T) {
	_, srv := newTestServer(t)
	conn := dialWS(t, srv)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, _ = conn.ReadMessage()

	require.NoError(t, conn.WriteJSON(inboundFrame{Type: "subscribe", Pair: "ETH-USD", Granularity: "1m"}))
	_, _, err := conn.ReadMessage()
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(inboundFrame{Type: "unsubscribe", Pair: "ETH-USD", Granularity: "1m"}))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ack unsubscribedFrame
	require.NoError(t, json.Unmarshal(data, &ack))
	require.Equal(t, "unsubscribed", ack.Type)
}

func TestHandleWS_RequestLevel2SnapshotDeliversCached(t *testing.T) {
	s, srv := newTestServer(t)
	stub := s.deps.Hub.(*stubHub)
	stub.snapshots["BTC-USD"] = []byte(`{"type":"level2","data":{"type":"snapshot"}}`)

	conn := dialWS(t, srv)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, _ = conn.ReadMessage()

	require.NoError(t, conn.WriteJSON(inboundFrame{Type: "requestLevel2Snapshot", Pair: "BTC-USD"}))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(data), "snapshot")
}

func TestHandleWS_UnknownFrameTypeForwardsToBotBridgeAndIsDroppedWhenUnconfigured(t *testing.T) {
	_, srv := newTestServer(t)
	conn := dialWS(t, srv)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, _ = conn.ReadMessage()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "placeOrder"}))

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "bot bridge has no URL configured, so no reply is forwarded")
}

func TestDropClient_UnsubscribesUpstreamOnDisconnect(t *testing.T) {
	s, srv := newTestServer(t)
	conn := dialWS(t, srv)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, _ = conn.ReadMessage()

	require.NoError(t, conn.WriteJSON(inboundFrame{Type: "subscribe", Pair: "BTC-USD", Granularity: "1m"}))
	_, _, err := conn.ReadMessage()
	require.NoError(t, err)

	conn.Close()

	require.Eventually(t, func() bool {
		return len(s.deps.Registry.Subscribers("BTC-USD", granularity.Min1)) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestShutdown_ClosesConnectionsAndStopsServer(t *testing.T) {
	s, srv := newTestServer(t)
	conn := dialWS(t, srv)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, _ = conn.ReadMessage()

	require.NoError(t, s.Shutdown(context.Background()))
	require.Equal(t, stateStopped, s.state)
}
