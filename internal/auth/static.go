package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// StaticProvider serves a bearer token handed to the agent by the UI.
// JWTs are checked against their exp claim minus a refresh buffer; opaque
// tokens are passed through and rejected by the remote if stale.
type StaticProvider struct {
	mu     sync.RWMutex
	token  string
	buffer time.Duration
	now    func() time.Time
}

// NewStaticProvider creates a provider for token
func NewStaticProvider(token string, buffer time.Duration) *StaticProvider {
	return &StaticProvider{token: token, buffer: buffer, now: time.Now}
}

// SetToken replaces the token after the user signs in again
func (p *StaticProvider) SetToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = token
}

func (p *StaticProvider) GetValidToken(ctx context.Context) (string, error) {
	p.mu.RLock()
	token := p.token
	p.mu.RUnlock()

	if token == "" {
		return "", invalid(errors.New("no access token available"))
	}

	exp, isJWT, err := expiry(token)
	if err != nil {
		return "", invalid(err)
	}
	if isJWT && !p.now().Before(exp.Add(-p.buffer)) {
		return "", invalid(errors.New("access token expired"))
	}
	return token, nil
}

// expiry reads the exp claim without verifying the signature
func expiry(token string) (time.Time, bool, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return time.Time{}, false, nil
		}
		return time.Time{}, true, err
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, true, err
	}
	if exp == nil {
		return time.Time{}, false, nil
	}
	return exp.Time, true, nil
}
