package upstream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeFrame_Ticker(t *testing.T) {
	raw := []byte(`{
		"channel": "ticker",
		"timestamp": "2024-01-01T00:00:00Z",
		"events": [{"type":"update","tickers":[
			{"product_id":"BTC-USD","price":"42000.5","best_bid":"41999","best_ask":"42001","volume_24_h":"1234.5"}
		]}]
	}`)

	events, err := decodeFrame(raw)
	require.NoError(t, err)
	require.Len(t, events, 1)

	tk, ok := events[0].(Ticker)
	require.True(t, ok)
	require.Equal(t, "BTC-USD", tk.ProductID)
	require.Equal(t, 42000.5, tk.Price)
	require.Equal(t, 41999.0, tk.BestBid)
	require.Equal(t, 42001.0, tk.BestAsk)
}

func TestDecodeFrame_Trades(t *testing.T) {
	raw := []byte(`{
		"channel": "market_trades",
		"events": [{"type":"update","trades":[
			{"product_id":"BTC-USD","price":"100","size":"1.5","side":"BUY","time":"2024-01-01T00:00:30Z"},
			{"product_id":"BTC-USD","price":"101","size":"2","side":"SELL","time":"2024-01-01T00:00:31Z"}
		]}]
	}`)

	events, err := decodeFrame(raw)
	require.NoError(t, err)
	require.Len(t, events, 2)

	tr0 := events[0].(Trade)
	require.Equal(t, "buy", tr0.Side)
	require.Equal(t, 100.0, tr0.Price)
	require.Equal(t, 1.5, tr0.Size)

	tr1 := events[1].(Trade)
	require.Equal(t, "sell", tr1.Side)
}

func TestDecodeFrame_L2Snapshot(t *testing.T) {
	raw := []byte(`{
		"channel": "l2_data",
		"events": [{"type":"snapshot","product_id":"BTC-USD","updates":[
			{"side":"bid","event_time":"2024-01-01T00:00:00Z","price_level":"100","new_quantity":"1"},
			{"side":"offer","event_time":"2024-01-01T00:00:00Z","price_level":"101","new_quantity":"2"}
		]}]
	}`)

	events, err := decodeFrame(raw)
	require.NoError(t, err)
	require.Len(t, events, 1)

	snap, ok := events[0].(BookSnapshot)
	require.True(t, ok)
	require.Equal(t, "BTC-USD", snap.Product)
	require.Equal(t, []Level{{Price: 100, Size: 1}}, snap.Bids)
	require.Equal(t, []Level{{Price: 101, Size: 2}}, snap.Asks)
}

func TestDecodeFrame_L2Update(t *testing.T) {
	raw := []byte(`{
		"channel": "l2_data",
		"events": [{"type":"update","product_id":"BTC-USD","updates":[
			{"side":"bid","event_time":"2024-01-01T00:00:05Z","price_level":"99","new_quantity":"0"}
		]}]
	}`)

	events, err := decodeFrame(raw)
	require.NoError(t, err)
	require.Len(t, events, 1)

	upd, ok := events[0].(BookUpdate)
	require.True(t, ok)
	require.Equal(t, []Level{{Price: 99, Size: 0}}, upd.Bids)
}

func TestDecodeFrame_Subscriptions(t *testing.T) {
	raw := []byte(`{
		"channel": "subscriptions",
		"events": [{"subscriptions":{"market_trades":["BTC-USD"]}}]
	}`)

	events, err := decodeFrame(raw)
	require.NoError(t, err)
	require.Len(t, events, 1)

	ack, ok := events[0].(SubscriptionsAck)
	require.True(t, ok)
	require.Equal(t, ChannelMarketTrades, ack.Channel)
	require.Equal(t, []string{"BTC-USD"}, ack.ProductIDs)
}

func TestDecodeFrame_UnrecognizedChannel(t *testing.T) {
	_, err := decodeFrame([]byte(`{"channel":"bogus","events":[]}`))
	require.Error(t, err)
}

func TestDecodeFrame_MalformedJSON(t *testing.T) {
	_, err := decodeFrame([]byte(`not json`))
	require.Error(t, err)
}
