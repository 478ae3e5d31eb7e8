package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/medsync/agent/internal/observability"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// OAuthProvider refreshes a signed-in user's Google token and keeps it in a
// token file so the session survives restarts.
type OAuthProvider struct {
	config    *oauth2.Config
	tokenFile string
	buffer    time.Duration

	mu    sync.Mutex
	token *oauth2.Token
}

// NewGoogleConfig builds the OAuth client config for the Google endpoint
func NewGoogleConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       Scopes,
	}
}

// NewOAuthProvider loads the persisted token, if any. A missing token file
// is not an error: GetValidToken reports CredentialInvalid until SetToken.
func NewOAuthProvider(config *oauth2.Config, tokenFile string, buffer time.Duration) (*OAuthProvider, error) {
	p := &OAuthProvider{config: config, tokenFile: tokenFile, buffer: buffer}

	data, err := os.ReadFile(tokenFile)
	if errors.Is(err, os.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}

	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parse token file: %w", err)
	}
	p.token = &tok
	return p, nil
}

func (p *OAuthProvider) GetValidToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token == nil || (p.token.AccessToken == "" && p.token.RefreshToken == "") {
		return "", invalid(errors.New("not signed in"))
	}

	// The inner source only holds the refresh token so that the outer
	// buffer, not the library default, decides when to refresh.
	refresher := p.config.TokenSource(ctx, &oauth2.Token{RefreshToken: p.token.RefreshToken})
	src := oauth2.ReuseTokenSourceWithExpiry(p.token, refresher, p.buffer)
	tok, err := src.Token()
	if err != nil {
		observability.WithContext(ctx).WithError(err).Warn("token refresh failed")
		return "", tokenError(err)
	}

	if tok.AccessToken != p.token.AccessToken {
		p.token = tok
		if err := p.persist(tok); err != nil {
			observability.WithContext(ctx).WithError(err).Warn("could not persist refreshed token")
		}
	}
	return tok.AccessToken, nil
}

// SetToken stores a fresh session obtained from a new sign-in
func (p *OAuthProvider) SetToken(tok *oauth2.Token) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = tok
	return p.persist(tok)
}

func (p *OAuthProvider) persist(tok *oauth2.Token) error {
	if p.tokenFile == "" {
		return nil
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(p.tokenFile), ".token-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), p.tokenFile)
}
