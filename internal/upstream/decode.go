package upstream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// wireMessage is the outer envelope every exchange frame arrives in,
// discriminated by channel rather than a per-message type field.
type wireMessage struct {
	Channel     string          `json:"channel"`
	Timestamp   string          `json:"timestamp"`
	SequenceNum int64           `json:"sequence_num"`
	Events      json.RawMessage `json:"events"`
}

type tickerEventsEnvelope struct {
	Events []struct {
		Type    string `json:"type"`
		Tickers []struct {
			ProductID string `json:"product_id"`
			Price     string `json:"price"`
			BestBid   string `json:"best_bid"`
			BestAsk   string `json:"best_ask"`
			Volume24h string `json:"volume_24_h"`
		} `json:"tickers"`
	}
}

type tradeEventsEnvelope struct {
	Events []struct {
		Type   string `json:"type"`
		Trades []struct {
			ProductID string `json:"product_id"`
			Price     string `json:"price"`
			Size      string `json:"size"`
			Side      string `json:"side"`
			Time      string `json:"time"`
		} `json:"trades"`
	}
}

type l2EventsEnvelope struct {
	Events []struct {
		Type      string `json:"type"`
		ProductID string `json:"product_id"`
		Updates   []struct {
			Side        string `json:"side"`
			EventTime   string `json:"event_time"`
			PriceLevel  string `json:"price_level"`
			NewQuantity string `json:"new_quantity"`
		} `json:"updates"`
	}
}

type subscriptionsEventsEnvelope struct {
	Events []struct {
		Subscriptions map[string][]string `json:"subscriptions"`
	}
}

// decodeFrame parses a raw wire message into zero or more typed events,
// routed by the channel discriminator field per spec: the wire protocol does
// not carry a reliable top-level message-type field.
func decodeFrame(raw []byte) ([]Event, error) {
	var msg wireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch Channel(msg.Channel) {
	case ChannelTicker:
		return decodeTicker(msg.Events)
	case ChannelMarketTrades:
		return decodeTrades(msg.Events)
	case ChannelL2Data:
		return decodeL2(msg.Events)
	case "subscriptions":
		return decodeSubscriptions(msg.Events)
	default:
		return nil, fmt.Errorf("unrecognized channel: %q", msg.Channel)
	}
}

func decodeTicker(raw json.RawMessage) ([]Event, error) {
	var env tickerEventsEnvelope
	if err := json.Unmarshal(raw, &env.Events); err != nil {
		return nil, fmt.Errorf("decode ticker events: %w", err)
	}
	now := time.Now().Unix()
	var out []Event
	for _, e := range env.Events {
		for _, t := range e.Tickers {
			out = append(out, Ticker{
				ProductID: t.ProductID,
				Price:     parseFloatOrZero(t.Price),
				BestBid:   parseFloatOrZero(t.BestBid),
				BestAsk:   parseFloatOrZero(t.BestAsk),
				Volume24h: parseFloatOrZero(t.Volume24h),
				TsSeconds: now,
			})
		}
	}
	return out, nil
}

func decodeTrades(raw json.RawMessage) ([]Event, error) {
	var env tradeEventsEnvelope
	if err := json.Unmarshal(raw, &env.Events); err != nil {
		return nil, fmt.Errorf("decode trade events: %w", err)
	}
	var out []Event
	for _, e := range env.Events {
		for _, tr := range e.Trades {
			ts := parseRFC3339ToUnixSeconds(tr.Time)
			out = append(out, Trade{
				Product:   tr.ProductID,
				Price:     parseFloatOrZero(tr.Price),
				Size:      parseFloatOrZero(tr.Size),
				TsSeconds: ts,
				Side:      normalizeSide(tr.Side),
			})
		}
	}
	return out, nil
}

func decodeL2(raw json.RawMessage) ([]Event, error) {
	var env l2EventsEnvelope
	if err := json.Unmarshal(raw, &env.Events); err != nil {
		return nil, fmt.Errorf("decode l2 events: %w", err)
	}
	var out []Event
	for _, e := range env.Events {
		var bids, asks []Level
		for _, u := range e.Updates {
			lvl := Level{Price: parseFloatOrZero(u.PriceLevel), Size: parseFloatOrZero(u.NewQuantity)}
			if normalizeSide(u.Side) == "buy" {
				bids = append(bids, lvl)
			} else {
				asks = append(asks, lvl)
			}
		}
		if e.Type == "snapshot" {
			out = append(out, BookSnapshot{Product: e.ProductID, Bids: bids, Asks: asks})
		} else {
			out = append(out, BookUpdate{Product: e.ProductID, Bids: bids, Asks: asks})
		}
	}
	return out, nil
}

func decodeSubscriptions(raw json.RawMessage) ([]Event, error) {
	var env subscriptionsEventsEnvelope
	if err := json.Unmarshal(raw, &env.Events); err != nil {
		return nil, fmt.Errorf("decode subscriptions events: %w", err)
	}
	var out []Event
	for _, e := range env.Events {
		for channel, productIDs := range e.Subscriptions {
			out = append(out, SubscriptionsAck{Channel: Channel(channel), ProductIDs: productIDs})
		}
	}
	return out, nil
}

func parseFloatOrZero(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func normalizeSide(side string) string {
	switch side {
	case "BUY", "buy", "bid":
		return "buy"
	default:
		return "sell"
	}
}

// parseRFC3339ToUnixSeconds floors a wire timestamp to whole seconds,
// per spec.md's "any millisecond value received is floored to seconds".
func parseRFC3339ToUnixSeconds(value string) int64 {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Now().Unix()
	}
	return t.Unix()
}
