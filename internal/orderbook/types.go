package orderbook

// Level is a single price/size pair. Size 0 in a Change means "remove level".
type Level struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// Side identifies a book side.
type Side string

const (
	Bid Side = "bid"
	Ask Side = "ask"
)

// Change is one incremental level update.
type Change struct {
	Side  Side
	Price float64
	Size  float64
}

// Meta is the per-product metadata blob stored alongside bids/asks.
type Meta struct {
	BestBid      float64 `json:"best_bid"`
	BestAsk      float64 `json:"best_ask"`
	BidCount     int     `json:"bid_count"`
	AskCount     int     `json:"ask_count"`
	LastUpdateMS int64   `json:"last_update_ms"`
}

// Full is a complete book view returned by GetFull/GetRange/GetTop.
type Full struct {
	Product string  `json:"product"`
	Bids    []Level `json:"bids"`
	Asks    []Level `json:"asks"`
	Meta    Meta    `json:"meta"`
}

// DeltaPayload is the JSON shape published on orderbook:{p}:delta.
type DeltaPayload struct {
	Product string  `json:"product"`
	TsMS    int64   `json:"ts_ms"`
	Bids    []Level `json:"bids"`
	Asks    []Level `json:"asks"`
}
