package callback

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Token defaults.
const (
	// TokenTTL is how long a session token stays valid after Generate.
	TokenTTL = 5 * time.Minute

	// tokenSweepInterval is the cadence of the background expiry sweep.
	tokenSweepInterval = 60 * time.Second

	// tokenBytes is the entropy of a token; 32 bytes encode to 64 hex chars.
	tokenBytes = 32
)

// TokenStatus classifies a token presented for validation. The server maps
// expired and unknown tokens to different error messages, so the distinction
// is preserved here rather than collapsed into a boolean.
type TokenStatus int

const (
	// TokenValid means the token exists and has not expired.
	TokenValid TokenStatus = iota
	// TokenExpired means a record exists but its expiry has passed. The
	// record is purged as a side effect of the lookup.
	TokenExpired
	// TokenUnknown means no record exists for the token, or it was empty.
	TokenUnknown
)

type tokenRecord struct {
	createdAt time.Time
	expiresAt time.Time
}

// TokenManager issues, validates, and expires single-use session tokens.
// Tokens become single-use because the callback server invalidates them on
// first successful use; that is what prevents replay.
type TokenManager struct {
	mu     sync.Mutex
	tokens map[string]tokenRecord
	ttl    time.Duration

	done     chan struct{}
	stopOnce sync.Once

	now func() time.Time // stubbed in tests
}

// NewTokenManager creates a manager with the given TTL (TokenTTL if
// non-positive) and starts its background expiry sweep. Call Stop to halt the
// sweep; the sweep is advisory cleanup only and never extends token life.
func NewTokenManager(ttl time.Duration) *TokenManager {
	if ttl <= 0 {
		ttl = TokenTTL
	}
	m := &TokenManager{
		tokens: make(map[string]tokenRecord),
		ttl:    ttl,
		done:   make(chan struct{}),
		now:    time.Now,
	}
	go m.sweepLoop()
	return m
}

// Generate creates, stores, and returns a fresh token: 256 bits from
// crypto/rand, hex encoded.
func (m *TokenManager) Generate() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("callback: generating session token: %w", err)
	}
	token := hex.EncodeToString(buf)

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.tokens[token] = tokenRecord{createdAt: now, expiresAt: now.Add(m.ttl)}
	return token, nil
}

// Validate reports whether token is present and unexpired.
func (m *TokenManager) Validate(token string) bool {
	return m.Status(token) == TokenValid
}

// Status classifies token, purging it if it turns out to be expired. An empty
// token is TokenUnknown.
func (m *TokenManager) Status(token string) TokenStatus {
	if token == "" {
		return TokenUnknown
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.tokens[token]
	if !ok {
		return TokenUnknown
	}
	if m.now().After(rec.expiresAt) {
		delete(m.tokens, token)
		return TokenExpired
	}
	return TokenValid
}

// Invalidate removes token unconditionally. A no-op for absent tokens.
func (m *TokenManager) Invalidate(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, token)
}

// Stop halts the background sweep. Idempotent.
func (m *TokenManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
	})
}

func (m *TokenManager) sweepLoop() {
	ticker := time.NewTicker(tokenSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep removes every expired token.
func (m *TokenManager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for token, rec := range m.tokens {
		if now.After(rec.expiresAt) {
			delete(m.tokens, token)
		}
	}
}
