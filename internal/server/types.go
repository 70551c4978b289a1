package server

// inboundFrame is the minimal shape every client frame is first decoded
// into; Type discriminates how the rest of the payload is interpreted.
type inboundFrame struct {
	Type        string `json:"type"`
	Pair        string `json:"pair"`
	Product     string `json:"product_id"`
	Granularity string `json:"granularity"`
	Count       int    `json:"count"`
}

// product prefers the Coinbase-style product_id field, falling back to pair
// for clients that use the candle-store naming instead.
func (f inboundFrame) product() string {
	if f.Product != "" {
		return f.Product
	}
	return f.Pair
}

type connectedFrame struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
	Message  string `json:"message"`
}

type subscribedFrame struct {
	Type        string `json:"type"`
	Pair        string `json:"pair"`
	Granularity string `json:"granularity,omitempty"`
}

type unsubscribedFrame struct {
	Type        string `json:"type"`
	Pair        string `json:"pair"`
	Granularity string `json:"granularity,omitempty"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// restEnvelope is the common wrapper every REST endpoint (other than
// /api/time and /health, which have their own flat shapes) replies with.
type restEnvelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Cached  bool        `json:"cached,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type candleListResponse struct {
	Success     bool             `json:"success"`
	Pair        string           `json:"pair"`
	Granularity string           `json:"granularity"`
	Count       int              `json:"count"`
	TimeRange   timeRange        `json:"timeRange"`
	Metadata    candleListMeta   `json:"metadata"`
	Data        []candleListItem `json:"data"`
}

type timeRange struct {
	StartTS int64 `json:"start"`
	EndTS   int64 `json:"end"`
}

type candleListMeta struct {
	TotalDatabaseCount int64       `json:"totalDatabaseCount"`
	StorageMetadata    interface{} `json:"storageMetadata,omitempty"`
}

type candleListItem struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

type timeResponse struct {
	TimestampMS int64  `json:"timestamp_ms"`
	UnixTimeS   int64  `json:"unixTime_s"`
	ISO         string `json:"iso"`
}

type healthResponse struct {
	Status          string         `json:"status"`
	Service         string         `json:"service"`
	UptimeSeconds   float64        `json:"uptime_seconds"`
	MemoryAllocMB   float64        `json:"memory_alloc_mb"`
	UpstreamState   string         `json:"upstream_state"`
	ConnectedClient int            `json:"connected_clients"`
	Subscriptions   map[string]int `json:"subscriptions_by_product,omitempty"`
}
