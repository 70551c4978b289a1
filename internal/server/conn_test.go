package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestIsDroppable_IncompleteCandleOnly(t *testing.T) {
	require.True(t, isDroppable([]byte(`{"type":"candle","candleType":"incomplete"}`)))
	require.False(t, isDroppable([]byte(`{"type":"candle","candleType":"complete"}`)))
	require.False(t, isDroppable([]byte(`{"type":"ticker"}`)))
	require.False(t, isDroppable([]byte(`not json`)))
}

func newTestClientConn(t *testing.T, capacity int) (*clientConn, *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		connCh <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientSide, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientSide.Close() })

	serverSide := <-connCh
	t.Cleanup(func() { serverSide.Close() })

	cc := newClientConn("c1", serverSide, capacity, zap.NewNop())
	t.Cleanup(cc.Close)
	return cc, clientSide
}

func TestClientConnSend_DeliversFrame(t *testing.T) {
	cc, clientSide := newTestClientConn(t, 8)

	require.NoError(t, cc.Send([]byte(`{"type":"ticker"}`)))

	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := clientSide.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, `{"type":"ticker"}`, string(data))
}

func TestClientConnSend_EvictsDroppableFrameWhenFull(t *testing.T) {
	cc, _ := newTestClientConn(t, 2)

	// Fill the queue directly without waking the writer, to deterministically
	// exercise the eviction path rather than racing the drain goroutine.
	cc.mu.Lock()
	cc.queue = []queuedFrame{
		{data: []byte(`{"type":"candle","candleType":"incomplete"}`), droppable: true},
		{data: []byte(`{"type":"ticker"}`), droppable: false},
	}
	cc.mu.Unlock()

	err := cc.Send([]byte(`{"type":"candle","candleType":"complete"}`))
	require.NoError(t, err)

	cc.mu.Lock()
	defer cc.mu.Unlock()
	require.Len(t, cc.queue, 2, "the incomplete candle should have been evicted to make room")
	require.False(t, cc.queue[0].droppable)
}

func TestClientConnSend_ClosesWithBackpressureWhenNoDroppableFrame(t *testing.T) {
	cc, clientSide := newTestClientConn(t, 1)

	cc.mu.Lock()
	cc.queue = []queuedFrame{{data: []byte(`{"type":"ticker"}`), droppable: false}}
	cc.mu.Unlock()

	err := cc.Send([]byte(`{"type":"ticker"}`))
	require.Error(t, err)

	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = clientSide.ReadMessage()
	require.Error(t, err, "server should have closed the connection")
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	require.Equal(t, websocket.CloseTryAgainLater, closeErr.Code)
}
