// Package coreerr defines the sentinel error kinds shared across coinstream's
// components, matching the error taxonomy components are expected to branch on
// (reconnect, refresh, drop, no-op, retry, or exit).
package coreerr

import "errors"

var (
	// ErrCredentialMissing means the token minter has no key material to sign with.
	ErrCredentialMissing = errors.New("coreerr: credential missing")

	// ErrSigningFailed means token signing failed for a cryptographic reason.
	ErrSigningFailed = errors.New("coreerr: signing failed")

	// ErrTransientUpstream means the upstream connection failed in a way that
	// warrants a reconnect with backoff.
	ErrTransientUpstream = errors.New("coreerr: transient upstream error")

	// ErrAuthRejected means the upstream rejected the current token (401/403);
	// the caller should refresh the token and reconnect once, outside backoff.
	ErrAuthRejected = errors.New("coreerr: auth rejected")

	// ErrDecode means a frame could not be decoded; the caller should drop it
	// and increment a counter, not tear down the connection.
	ErrDecode = errors.New("coreerr: decode error")

	// ErrRedisUnavailable means Redis is unreachable; the caller should treat
	// the affected operation as a no-op returning empty results.
	ErrRedisUnavailable = errors.New("coreerr: redis unavailable")

	// ErrBackpressure means a client send queue is full; the caller should drop
	// low-priority messages before closing the socket.
	ErrBackpressure = errors.New("coreerr: backpressure")

	// ErrRateLimited means a REST call hit a 429; the caller should back off an
	// extra interval before retrying on the next tick.
	ErrRateLimited = errors.New("coreerr: rate limited")

	// ErrFatal means an unrecoverable configuration or credential error at
	// startup; the process should exit non-zero without trying to run.
	ErrFatal = errors.New("coreerr: fatal startup error")
)
