package updater

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"coinstream/internal/candle"
	"coinstream/internal/coreerr"
	"coinstream/internal/granularity"
)

// restGranularity maps a Label to the upstream REST candle endpoint's
// granularity query value (Coinbase Advanced Trade's enum names).
var restGranularity = map[granularity.Label]string{
	granularity.Min1:   "ONE_MINUTE",
	granularity.Min5:   "FIVE_MINUTE",
	granularity.Min15:  "FIFTEEN_MINUTE",
	granularity.Min30:  "THIRTY_MINUTE",
	granularity.Hour1:  "ONE_HOUR",
	granularity.Hour2:  "TWO_HOUR",
	granularity.Hour4:  "FOUR_HOUR",
	granularity.Hour6:  "SIX_HOUR",
	granularity.Hour12: "TWELVE_HOUR",
	granularity.Day1:   "ONE_DAY",
}

// candleResponse is the upstream REST candle endpoint's response envelope:
// GET /products/{product}/candles?granularity=...&limit=...
type candleResponse struct {
	Candles []wireCandle `json:"candles"`
}

type wireCandle struct {
	Start  string `json:"start"`
	Low    string `json:"low"`
	High   string `json:"high"`
	Open   string `json:"open"`
	Close  string `json:"close"`
	Volume string `json:"volume"`
}

// RESTClient fetches historical/backfill candles from the upstream REST API.
type RESTClient struct {
	baseURL string
	http    *http.Client
}

// NewRESTClient constructs a RESTClient with a 10s request timeout.
func NewRESTClient(baseURL string) *RESTClient {
	return &RESTClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// FetchCandles fetches up to limit most recent candles for (product, label).
func (c *RESTClient) FetchCandles(ctx context.Context, product string, label granularity.Label, limit int) ([]candle.Candle, error) {
	gran, ok := restGranularity[label]
	if !ok {
		return nil, fmt.Errorf("updater: unknown granularity %q", label)
	}

	u := fmt.Sprintf("%s/products/%s/candles?granularity=%s&limit=%d",
		c.baseURL, url.PathEscape(product), gran, limit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", coreerr.ErrTransientUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, coreerr.ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", coreerr.ErrTransientUpstream, resp.StatusCode)
	}

	var body candleResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode candles: %v", coreerr.ErrDecode, err)
	}

	out := make([]candle.Candle, 0, len(body.Candles))
	for _, wc := range body.Candles {
		c, ok := wc.toCandle(product, label)
		if !ok {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (wc wireCandle) toCandle(product string, label granularity.Label) (candle.Candle, bool) {
	start, err := strconv.ParseInt(wc.Start, 10, 64)
	if err != nil {
		return candle.Candle{}, false
	}
	open, oerr := strconv.ParseFloat(wc.Open, 64)
	high, herr := strconv.ParseFloat(wc.High, 64)
	low, lerr := strconv.ParseFloat(wc.Low, 64)
	closePrice, cerr := strconv.ParseFloat(wc.Close, 64)
	volume, verr := strconv.ParseFloat(wc.Volume, 64)
	if oerr != nil || herr != nil || lerr != nil || cerr != nil || verr != nil {
		return candle.Candle{}, false
	}

	return candle.Candle{
		Product:     product,
		Granularity: label,
		OpenTS:      start,
		OHLCV: candle.OHLCV{
			Open:   open,
			High:   high,
			Low:    low,
			Close:  closePrice,
			Volume: volume,
		},
	}, true
}
