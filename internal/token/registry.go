package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gaspardpetit/mirrx/core/logx"
	"github.com/gaspardpetit/mirrx/core/secret"
)

const (
	// DefaultExpiry is how long a token stays valid after its last
	// successful validation.
	DefaultExpiry = time.Hour
	// DefaultSweepInterval is how often expired tokens are collected.
	DefaultSweepInterval = time.Minute
)

// Metadata describes the peer a token was issued for.
type Metadata struct {
	Device     string `json:"device"`
	UserAgent  string `json:"user_agent"`
	RemoteAddr string `json:"remote_addr"`
}

// Token is a short-lived pairing credential. Expiry is sliding: every
// successful validation refreshes LastUsedAt.
type Token struct {
	ID         string
	Metadata   Metadata
	IssuedAt   time.Time
	LastUsedAt time.Time
}

// Registry issues and validates pairing tokens.
type Registry struct {
	mu     sync.Mutex
	tokens map[string]*Token
	expiry time.Duration
	now    func() time.Time
}

// NewRegistry returns an empty Registry. A non-positive expiry falls back to
// DefaultExpiry.
func NewRegistry(expiry time.Duration) *Registry {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Registry{
		tokens: make(map[string]*Token),
		expiry: expiry,
		now:    time.Now,
	}
}

// newID derives a 128-bit token identifier by hashing a random UUID together
// with the current time. The UUID supplies the entropy; the hash keeps the
// identifier opaque and fixed-width.
func newID(now time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s%d", uuid.NewString(), now.UnixNano())))
	return hex.EncodeToString(sum[:])[:32]
}

// Issue creates and stores a new token bound to meta. It never fails.
func (r *Registry) Issue(meta Metadata) Token {
	now := r.now()
	t := &Token{
		ID:         newID(now),
		Metadata:   meta,
		IssuedAt:   now,
		LastUsedAt: now,
	}
	r.mu.Lock()
	r.tokens[t.ID] = t
	r.mu.Unlock()
	logx.Log.Info().Str("token", secret.Mask(t.ID)).Str("device", meta.Device).Msg("token issued")
	return *t
}

// Validate reports whether a live, non-expired token with the given id
// exists. On success the token's expiry window is refreshed, so validation
// doubles as a keep-alive. Absent and expired tokens both yield false.
func (r *Registry) Validate(id string) bool {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[id]
	if !ok {
		return false
	}
	if now.Sub(t.LastUsedAt) > r.expiry {
		// Expired but not yet swept; treat the same as unknown.
		delete(r.tokens, id)
		return false
	}
	t.LastUsedAt = now
	return true
}

// Lookup returns a snapshot of the token without refreshing its expiry.
func (r *Registry) Lookup(id string) (Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[id]
	if !ok {
		return Token{}, false
	}
	return *t, true
}

// Count returns the number of stored tokens, including any that have expired
// but not yet been swept.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}

// SweepExpired removes tokens whose last use is older than the expiry window
// and returns how many were removed.
func (r *Registry) SweepExpired() int {
	now := r.now()
	r.mu.Lock()
	removed := 0
	for id, t := range r.tokens {
		if now.Sub(t.LastUsedAt) > r.expiry {
			delete(r.tokens, id)
			removed++
		}
	}
	r.mu.Unlock()
	if removed > 0 {
		logx.Log.Debug().Int("removed", removed).Msg("swept expired tokens")
	}
	return removed
}

// Run sweeps expired tokens on a fixed interval until ctx is canceled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepExpired()
		}
	}
}
