// Package candle folds a product's trade stream into OHLCV buckets at every
// configured granularity simultaneously, detecting gaps and emitting each
// completed bucket exactly once.
package candle

import (
	"sync"

	"go.uber.org/zap"

	"coinstream/internal/granularity"
)

// granularityState is the live bucket plus idempotency guard for one
// (product, granularity) pair.
type granularityState struct {
	current               *Candle
	lastEmittedCompleteTS int64 // -1 until the first completion
}

// Aggregator folds trades for a single product across its configured
// granularities. It is exclusively owned by one writer goroutine; ProcessTrade
// must not be called concurrently with itself for the same Aggregator.
type Aggregator struct {
	product       string
	granularities []granularity.Label
	states        map[granularity.Label]*granularityState
	logger        *zap.Logger

	mu     sync.Mutex
	events chan Event
}

// NewAggregator constructs an Aggregator for product across granularities.
func NewAggregator(product string, granularities []granularity.Label, logger *zap.Logger) *Aggregator {
	states := make(map[granularity.Label]*granularityState, len(granularities))
	for _, g := range granularities {
		states[g] = &granularityState{lastEmittedCompleteTS: -1}
	}
	return &Aggregator{
		product:       product,
		granularities: granularities,
		states:        states,
		logger:        logger.Named("candle").With(zap.String("product", product)),
		events:        make(chan Event, 4096),
	}
}

// Events returns the channel of CandleEvent/GapEvent values this aggregator emits.
func (a *Aggregator) Events() <-chan Event {
	return a.events
}

// ProcessTrade folds one trade into every configured granularity's bucket.
// tsSeconds must already be floored to whole seconds.
func (a *Aggregator) ProcessTrade(price, size float64, tsSeconds int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, label := range a.granularities {
		width := granularity.MustSeconds(label)
		bucketTS := granularity.BucketStart(tsSeconds, width)
		state := a.states[label]

		switch {
		case state.current == nil:
			state.current = newCandle(a.product, label, bucketTS, price, size)

		case bucketTS == state.current.OpenTS:
			foldInto(state.current, price, size)

		case bucketTS > state.current.OpenTS:
			completed := *state.current
			if completed.OpenTS > state.lastEmittedCompleteTS {
				a.emit(CandleEvent{
					Product:            a.product,
					GranularitySeconds: width,
					Type:               Complete,
					Candle:             completed,
				})
				state.lastEmittedCompleteTS = completed.OpenTS
			}

			if gap := bucketTS - completed.OpenTS; gap > width {
				a.emit(GapEvent{
					Product:            a.product,
					GranularitySeconds: width,
					FirstMissingTS:     completed.OpenTS + width,
					Count:              gap/width - 1,
				})
			}

			state.current = newCandle(a.product, label, bucketTS, price, size)

		default: // bucketTS < state.current.OpenTS: late trade, dropped per spec
			a.logger.Debug("dropping late trade",
				zap.String("granularity", string(label)),
				zap.Int64("trade_bucket_ts", bucketTS),
				zap.Int64("current_bucket_ts", state.current.OpenTS))
			continue
		}

		a.emit(CandleEvent{
			Product:            a.product,
			GranularitySeconds: width,
			Type:               Incomplete,
			Candle:             *state.current,
		})
	}
}

func newCandle(product string, label granularity.Label, openTS int64, price, size float64) *Candle {
	return &Candle{
		Product:     product,
		Granularity: label,
		OpenTS:      openTS,
		OHLCV: OHLCV{
			Open:   price,
			High:   price,
			Low:    price,
			Close:  price,
			Volume: size,
		},
	}
}

func foldInto(c *Candle, price, size float64) {
	if price > c.OHLCV.High {
		c.OHLCV.High = price
	}
	if price < c.OHLCV.Low {
		c.OHLCV.Low = price
	}
	c.OHLCV.Close = price
	c.OHLCV.Volume += size
}

func (a *Aggregator) emit(ev Event) {
	select {
	case a.events <- ev:
	default:
		a.logger.Warn("candle event channel full, dropping event")
	}
}
