// Package token mints and caches short-lived bearer tokens for the upstream
// exchange feed, signed with an EC private key, renewing them in the
// background well before they expire.
package token

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"coinstream/internal/coreerr"
)

// Minter mints and caches ES256 JWT bearer tokens for a single key.
type Minter struct {
	keyName  string
	priv     *ecdsa.PrivateKey
	lifetime time.Duration
	logger   *zap.Logger

	mu        sync.RWMutex
	cached    string
	mintedAt  time.Time
	expiresAt time.Time
}

// New parses privatePEM as an EC private key and constructs a Minter for keyName.
// lifetime is the TTL stamped into each minted token's exp claim.
func New(keyName, privatePEM string, lifetime time.Duration, logger *zap.Logger) (*Minter, error) {
	if keyName == "" || privatePEM == "" {
		return nil, coreerr.ErrCredentialMissing
	}
	priv, err := parseECPrivateKey(privatePEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", coreerr.ErrSigningFailed, err)
	}
	if lifetime <= 0 {
		lifetime = 120 * time.Second
	}
	return &Minter{
		keyName:  keyName,
		priv:     priv,
		lifetime: lifetime,
		logger:   logger.Named("token"),
	}, nil
}

func parseECPrivateKey(privatePEM string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(privatePEM))
	if block == nil {
		return nil, fmt.Errorf("invalid private key: no PEM block")
	}
	switch block.Type {
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		priv, ok := k.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("not an EC private key")
		}
		return priv, nil
	default:
		return nil, fmt.Errorf("unsupported key type: %s", block.Type)
	}
}

// refreshWindow is how far ahead of expiry Token mints a replacement rather
// than handing out the cached value.
const refreshWindow = 30 * time.Second

// Token returns the cached token unless it expires within refreshWindow, in
// which case it mints a fresh one.
func (m *Minter) Token() (string, error) {
	m.mu.RLock()
	cached, expiresAt := m.cached, m.expiresAt
	m.mu.RUnlock()

	if cached != "" && time.Until(expiresAt) > refreshWindow {
		return cached, nil
	}
	return m.mint()
}

func (m *Minter) mint() (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub": m.keyName,
		"aud": "coinstream_upstream_feed",
		"iat": now.Unix(),
		"exp": now.Add(m.lifetime).Unix(),
		"nbf": now.Add(-5 * time.Second).Unix(),
		"jti": uuid.New().String(),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	signed, err := t.SignedString(m.priv)
	if err != nil {
		return "", fmt.Errorf("%w: %v", coreerr.ErrSigningFailed, err)
	}

	m.mu.Lock()
	m.cached = signed
	m.mintedAt = now
	m.expiresAt = now.Add(m.lifetime)
	m.mu.Unlock()

	return signed, nil
}

// RunRenewalLoop mints a fresh token every interval until done is closed,
// logging (not returning) signing failures so a transient key issue doesn't
// take down the caller's goroutine.
func (m *Minter) RunRenewalLoop(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if _, err := m.mint(); err != nil {
				m.logger.Error("token renewal failed", zap.Error(err))
			}
		}
	}
}
