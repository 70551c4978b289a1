package botbridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestForward_NotConfiguredReturnsSentinel(t *testing.T) {
	b := New("", zap.NewNop())
	_, err := b.Forward(context.Background(), []byte(`{"type":"ping"}`))
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestForward_RelaysRequestAndResponseVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/bot", r.URL.Path)
		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		require.Equal(t, `{"type":"placeOrder"}`, string(body))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	b := New(srv.URL, zap.NewNop())
	resp, err := b.Forward(context.Background(), []byte(`{"type":"placeOrder"}`))
	require.NoError(t, err)
	require.Equal(t, `{"ok":true}`, string(resp))
}

func TestForward_NonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	b := New(srv.URL, zap.NewNop())
	_, err := b.Forward(context.Background(), []byte(`{}`))
	require.Error(t, err)
}
