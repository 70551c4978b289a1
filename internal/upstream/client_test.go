package upstream

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"coinstream/internal/coreerr"
	"coinstream/internal/token"
)

func generateTestECKeyPEM(t *testing.T) string {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}))
}

func TestCalculateBackoff_ExponentialWithCap(t *testing.T) {
	cfg := Config{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     1 * time.Second,
		BackoffFactor:  2.0,
	}

	require.Equal(t, 100*time.Millisecond, calculateBackoff(1, cfg))
	require.Equal(t, 200*time.Millisecond, calculateBackoff(2, cfg))
	require.Equal(t, 400*time.Millisecond, calculateBackoff(3, cfg))
	require.Equal(t, 800*time.Millisecond, calculateBackoff(4, cfg))
	require.Equal(t, 1*time.Second, calculateBackoff(5, cfg))
	require.Equal(t, 1*time.Second, calculateBackoff(6, cfg))
}

func TestDetectAuthRejection(t *testing.T) {
	require.ErrorIs(t, detectAuthRejection([]byte(`{"type":"error","message":"401 Unauthorized"}`)), coreerr.ErrAuthRejected)
	require.NoError(t, detectAuthRejection([]byte(`{"type":"ticker"}`)))
	require.NoError(t, detectAuthRejection([]byte(`not json`)))
}

func testMinter(t *testing.T) *token.Minter {
	t.Helper()
	m, err := token.New("test-key", generateTestECKeyPEM(t), 90*time.Second, zap.NewNop())
	require.NoError(t, err)
	return m
}

func TestClient_SubscribeBeforeConnectRecordsDesiredState(t *testing.T) {
	c := New(Config{URL: "ws://unused"}, testMinter(t), zap.NewNop())

	require.NoError(t, c.SubscribeTrades("BTC-USD"))
	require.Equal(t, StateIdle, c.State())

	c.mu.RLock()
	_, ok := c.subs[subKey{product: "BTC-USD", channel: ChannelMarketTrades}]
	c.mu.RUnlock()
	require.True(t, ok)
}

func TestClient_ConnectResubscribesAndReceivesFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan subscribeFrame, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f subscribeFrame
			if json.Unmarshal(msg, &f) == nil {
				received <- f
			}
			trade := `{"channel":"market_trades","events":[{"type":"update","trades":[` +
				`{"product_id":"BTC-USD","price":"100","size":"1","side":"BUY","time":"2024-01-01T00:00:00Z"}]}]}`
			conn.WriteMessage(websocket.TextMessage, []byte(trade))
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := New(Config{URL: wsURL, MaxReconnectAttempts: 1}, testMinter(t), zap.NewNop())
	require.NoError(t, c.SubscribeTrades("BTC-USD"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	select {
	case f := <-received:
		require.Equal(t, "subscribe", f.Type)
		require.Equal(t, []string{"BTC-USD"}, f.ProductIDs)
		require.Equal(t, string(ChannelMarketTrades), f.Channel)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscribe frame")
	}

	select {
	case ev := <-c.Events():
		tr, ok := ev.(Trade)
		require.True(t, ok)
		require.Equal(t, "BTC-USD", tr.Product)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for decoded trade event")
	}
}
