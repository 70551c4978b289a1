package updater

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"coinstream/internal/candlestore"
	"coinstream/internal/granularity"
)

func TestPeriodFor_CoversEveryGranularity(t *testing.T) {
	for _, label := range granularity.All {
		period, ok := periodFor[label]
		require.True(t, ok, "missing poll period for %s", label)
		require.Greater(t, period, time.Duration(0))
	}
}

func TestPeriodFor_ShorterGranularitiesPollMoreOften(t *testing.T) {
	require.Less(t, periodFor[granularity.Min1], periodFor[granularity.Day1])
}

func TestNew_DefaultsInvalidGaps(t *testing.T) {
	u := New(NewRESTClient("http://example.invalid"), candlestore.New(nil, zap.NewNop()), 0, 0, zap.NewNop())
	require.Equal(t, 100*time.Millisecond, u.minRequestGap)
	require.Equal(t, 2*time.Second, u.rateLimitBackoff)
}

func TestWaitForRequestSlot_EnforcesMinimumGap(t *testing.T) {
	u := New(NewRESTClient("http://example.invalid"), candlestore.New(nil, zap.NewNop()), 50*time.Millisecond, time.Second, zap.NewNop())

	ctx := context.Background()
	start := time.Now()
	u.waitForRequestSlot(ctx)
	u.waitForRequestSlot(ctx)
	elapsed := time.Since(start)

	require.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
}

func TestTick_EmitsFetchStartThenErrorWhenRedisUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candles":[{"start":"60","low":"99","high":"101","open":"100","close":"100.5","volume":"4"}]}`))
	}))
	defer srv.Close()

	u := New(NewRESTClient(srv.URL), candlestore.New(nil, zap.NewNop()), time.Millisecond, time.Second, zap.NewNop())

	u.tick(context.Background(), "BTC-USD", granularity.Min1)

	var events []DatabaseActivity
	for {
		select {
		case ev := <-u.Events():
			events = append(events, ev)
			continue
		default:
		}
		break
	}

	require.Len(t, events, 2)
	require.Equal(t, FetchStart, events[0].Type)
	require.Equal(t, ActivityError, events[1].Type)
	require.Equal(t, 1, u.ErrorCount("BTC-USD", granularity.Min1))
}

func TestTick_EmitsErrorOnRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	u := New(NewRESTClient(srv.URL), candlestore.New(nil, zap.NewNop()), time.Millisecond, time.Millisecond, zap.NewNop())

	start := time.Now()
	u.tick(context.Background(), "BTC-USD", granularity.Min1)
	elapsed := time.Since(start)

	require.GreaterOrEqual(t, elapsed, time.Millisecond)
	require.Equal(t, 1, u.ErrorCount("BTC-USD", granularity.Min1))
}
