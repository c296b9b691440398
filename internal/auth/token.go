// Package auth produces and periodically refreshes the provider
// authentication token (a JWT) that accompanies every request made with
// token-based APNs authentication.
package auth

import (
	"crypto/ecdsa"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultRefreshInterval is the interval at which a new token is minted.
// APNs rejects tokens older than one hour; staying well under that bound
// also avoids the server's dislike of tokens issued more than ~20 minutes
// in the future relative to its own clock skew tolerance.
const DefaultRefreshInterval = 55 * time.Minute

// Token is an immutable, already-signed provider authentication token.
type Token struct {
	KeyID     string
	TeamID    string
	IssuedAt  time.Time
	Encoded   string // three dot-separated base64url segments
	Signature string // the Authorization header value: "bearer " + Encoded
}

// Provider issues and rotates a single Token shared by every connection a
// client opens. CurrentToken is safe under arbitrary concurrent callers;
// the token value is swapped atomically at refresh time, never mutated.
type Provider struct {
	keyID  string
	teamID string
	key    *ecdsa.PrivateKey

	refreshInterval time.Duration
	current         atomic.Pointer[Token]

	mu       sync.Mutex // serializes refresh() against itself
	lastIat  time.Time
	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewProvider builds a Provider and mints its first token immediately.
// Signing failure here (an invalid key) is fatal, matching the spec's
// "signing failure is fatal at provider construction" rule — once this
// succeeds, later refreshes cannot fail for the same reason.
func NewProvider(keyID, teamID string, key *ecdsa.PrivateKey, refreshInterval time.Duration) (*Provider, error) {
	if len(keyID) != 10 {
		return nil, fmt.Errorf("auth: keyID must be 10 characters, got %d", len(keyID))
	}
	if len(teamID) != 10 {
		return nil, fmt.Errorf("auth: teamID must be 10 characters, got %d", len(teamID))
	}
	if key == nil {
		return nil, fmt.Errorf("auth: signing key is nil")
	}
	if refreshInterval <= 0 {
		refreshInterval = DefaultRefreshInterval
	}

	p := &Provider{
		keyID:           keyID,
		teamID:          teamID,
		key:             key,
		refreshInterval: refreshInterval,
		stop:            make(chan struct{}),
	}

	if err := p.refresh(time.Now()); err != nil {
		return nil, fmt.Errorf("auth: initial token signing failed: %w", err)
	}

	p.wg.Add(1)
	go p.refreshLoop()

	return p, nil
}

// CurrentToken returns the most recently issued token. It never blocks.
func (p *Provider) CurrentToken() *Token {
	return p.current.Load()
}

// refresh mints a new token for issuedAt and swaps it in atomically.
// issuedAt is forced to be >= the previous token's issuedAt, which keeps
// the "issuedAt is monotonically non-decreasing" invariant true even if
// the wall clock ever steps backwards.
func (p *Provider) refresh(issuedAt time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if issuedAt.Before(p.lastIat) {
		issuedAt = p.lastIat
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": p.teamID,
		"iat": issuedAt.UTC().Unix(),
	})
	token.Header["kid"] = p.keyID

	encoded, err := token.SignedString(p.key)
	if err != nil {
		return err
	}

	p.lastIat = issuedAt
	p.current.Store(&Token{
		KeyID:     p.keyID,
		TeamID:    p.teamID,
		IssuedAt:  issuedAt,
		Encoded:   encoded,
		Signature: "bearer " + encoded,
	})
	return nil
}

func (p *Provider) refreshLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			// A transient signing failure here is impossible per the
			// spec once construction has succeeded once; if it somehow
			// occurred we keep serving the previous (still valid) token
			// rather than panic the refresh loop.
			_ = p.refresh(now)
		case <-p.stop:
			return
		}
	}
}

// Close stops the refresh timer. In-flight requests already carrying the
// current token are unaffected.
func (p *Provider) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
}
