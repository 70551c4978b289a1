package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandleTime_ReturnsConsistentFields(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/time")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body timeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, body.UnixTimeS, body.TimestampMS/1000)
	require.NotEmpty(t, body.ISO)
}

func TestHandleHealth_ReportsUpstreamUnknownWithoutClient(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "healthy", body.Status)
	require.Equal(t, "unknown", body.UpstreamState)
}

func TestHandleOrderbook_MissingProductIsBadRequest(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/orderbook/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleOrderbook_NoRedisReturnsFailureEnvelope(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/orderbook/BTC-USD")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var body restEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.False(t, body.Success)
	require.NotEmpty(t, body.Error)
}

func TestHandleOrderbook_UnknownModeIs404(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/orderbook/BTC-USD/bogus")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleCandles_UnknownGranularityIsBadRequest(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/candles/BTC-USD/3m")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleCandles_NoRedisNoRESTClientReturnsEmptyList(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/candles/BTC-USD/1m?hours=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body candleListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.True(t, body.Success)
	require.Equal(t, "BTC-USD", body.Pair)
	require.Equal(t, "1m", body.Granularity)
	require.Empty(t, body.Data)
}

func TestParseIntParam_FallsBackOnMissingOrInvalid(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?count=abc", nil)
	require.Equal(t, 20, parseIntParam(r, "count", 20))

	r = httptest.NewRequest(http.MethodGet, "/?count=5", nil)
	require.Equal(t, 5, parseIntParam(r, "count", 20))
}

func TestParseFloatParam_FallsBackOnMissingOrInvalid(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?depth=abc", nil)
	require.Equal(t, 100.0, parseFloatParam(r, "depth", 100))

	r = httptest.NewRequest(http.MethodGet, "/?depth=50.5", nil)
	require.Equal(t, 50.5, parseFloatParam(r, "depth", 100))
}
