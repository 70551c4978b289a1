package hub

// candleFrame is the flat JSON frame delivered to a client subscribed to a
// (product, granularity) pair, matching the wire shape clients already parse
// for REST candle responses.
type candleFrame struct {
	Type        string  `json:"type"`
	Pair        string  `json:"pair"`
	Granularity string  `json:"granularity"`
	Time        int64   `json:"time"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
	CandleType  string  `json:"candleType"`
}

// tickerFrame carries a best-bid/best-ask/price update, nested under data.
type tickerFrame struct {
	Type string     `json:"type"`
	Data tickerData `json:"data"`
}

type tickerData struct {
	ProductID string  `json:"product_id"`
	Price     float64 `json:"price"`
	BestBid   float64 `json:"best_bid"`
	BestAsk   float64 `json:"best_ask"`
	Time      int64   `json:"time"`
	Volume24h float64 `json:"volume_24h"`
}

// level2Frame is the nested envelope for both full snapshots and incremental
// updates; Data.Type discriminates which.
type level2Frame struct {
	Type string     `json:"type"`
	Data level2Data `json:"data"`
}

type level2Data struct {
	Type      string       `json:"type"`
	ProductID string       `json:"product_id"`
	Bids      []levelFrame `json:"bids"`
	Asks      []levelFrame `json:"asks"`
}

type levelFrame struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// orderbookDeltaFrame wraps a Redis pub/sub delta payload for client delivery.
type orderbookDeltaFrame struct {
	Type    string             `json:"type"`
	Channel string             `json:"channel"`
	Data    orderbookDeltaData `json:"data"`
}

type orderbookDeltaData struct {
	ProductID string       `json:"productId"`
	Timestamp int64        `json:"timestamp"`
	Bids      []levelFrame `json:"bids"`
	Asks      []levelFrame `json:"asks"`
}

// databaseActivityData is one element of a batched database_activity frame.
type databaseActivityData struct {
	Type        string  `json:"type"`
	Pair        string  `json:"pair"`
	Granularity string  `json:"granularity"`
	Operation   string  `json:"operation"`
	Count       int     `json:"count,omitempty"`
	LatestPrice float64 `json:"latest_price,omitempty"`
	Error       string  `json:"error,omitempty"`
}
