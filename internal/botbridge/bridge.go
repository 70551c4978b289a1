// Package botbridge relays opaque bot-command frames verbatim to a sibling
// bot service; the Local Server forwards whatever it can't itself route
// (subscribe/unsubscribe/requestLevel2Snapshot) to here unexamined.
package botbridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ErrNotConfigured is returned by Forward when no bridge URL is configured;
// callers should treat this as "drop the frame", not a hard failure.
var ErrNotConfigured = errors.New("botbridge: no bridge URL configured")

// Bridge forwards raw frames to a sibling bot service over HTTP.
type Bridge struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// New constructs a Bridge. baseURL may be empty, in which case Forward
// always returns ErrNotConfigured.
func New(baseURL string, logger *zap.Logger) *Bridge {
	return &Bridge{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
		logger:  logger.Named("botbridge"),
	}
}

// Forward POSTs frame verbatim to the sibling service's /bot endpoint and
// returns its response body verbatim, for relay back to the client socket.
func (b *Bridge) Forward(ctx context.Context, frame []byte) ([]byte, error) {
	if b.baseURL == "" {
		return nil, ErrNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/bot", bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("botbridge: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		b.logger.Warn("bot bridge request failed", zap.Error(err))
		return nil, fmt.Errorf("botbridge: request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("botbridge: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("botbridge: sibling service returned %d", resp.StatusCode)
	}

	return body, nil
}
