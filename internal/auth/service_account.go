package auth

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/medsync/agent/internal/observability"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// ServiceAccountProvider obtains tokens from Google application credentials,
// for deployments where the spreadsheet is shared with a service account.
type ServiceAccountProvider struct {
	credentials []byte
	buffer      time.Duration

	mu          sync.Mutex
	source      oauth2.TokenSource
	token       string
	tokenExpiry time.Time
}

// NewServiceAccountProvider reads credentialsPath if set; otherwise default
// credentials (GOOGLE_APPLICATION_CREDENTIALS) are used on first call.
func NewServiceAccountProvider(credentialsPath string, buffer time.Duration) (*ServiceAccountProvider, error) {
	p := &ServiceAccountProvider{buffer: buffer}
	if credentialsPath == "" {
		return p, nil
	}

	data, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}
	p.credentials = data
	return p, nil
}

func (p *ServiceAccountProvider) GetValidToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && time.Now().Add(p.buffer).Before(p.tokenExpiry) {
		return p.token, nil
	}

	if p.source == nil {
		src, err := p.tokenSource(ctx)
		if err != nil {
			return "", invalid(err)
		}
		p.source = src
	}

	tok, err := p.source.Token()
	if err != nil {
		return "", tokenError(err)
	}

	p.token = tok.AccessToken
	p.tokenExpiry = tok.Expiry
	observability.WithContext(ctx).Debugf("obtained service account token, expires at %v", p.tokenExpiry)
	return p.token, nil
}

func (p *ServiceAccountProvider) tokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	// The source outlives this call, so it must not capture a request context.
	bg := context.WithoutCancel(ctx)

	if len(p.credentials) > 0 {
		creds, err := google.CredentialsFromJSON(bg, p.credentials, Scopes...)
		if err != nil {
			return nil, fmt.Errorf("failed to create credentials: %w", err)
		}
		return creds.TokenSource, nil
	}

	creds, err := google.FindDefaultCredentials(bg, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("no default credentials: %w", err)
	}
	return creds.TokenSource, nil
}
