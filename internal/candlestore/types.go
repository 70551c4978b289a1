package candlestore

import (
	"coinstream/internal/candle"
	"coinstream/internal/granularity"
)

// Meta is the per-(product,granularity) metadata blob stored at meta:{p}:{g}.
type Meta struct {
	FirstTimestamp int64 `json:"first_timestamp"`
	LastTimestamp  int64 `json:"last_timestamp"`
	TotalCandles   int64 `json:"total_candles"`
}

// record is the JSON shape stored as a sorted-set member, scored by OpenTS.
type record struct {
	OpenTS int64   `json:"open_ts"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

func recordFromCandle(c candle.Candle) record {
	return record{
		OpenTS: c.OpenTS,
		Open:   c.OHLCV.Open,
		High:   c.OHLCV.High,
		Low:    c.OHLCV.Low,
		Close:  c.OHLCV.Close,
		Volume: c.OHLCV.Volume,
	}
}

func (r record) toCandle(product string, label granularity.Label) candle.Candle {
	return candle.Candle{
		Product:     product,
		Granularity: label,
		OpenTS:      r.OpenTS,
		OHLCV: candle.OHLCV{
			Open:   r.Open,
			High:   r.High,
			Low:    r.Low,
			Close:  r.Close,
			Volume: r.Volume,
		},
	}
}
