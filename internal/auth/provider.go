// Package auth supplies access tokens for the remote store and backup channels.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/medsync/agent/internal/models"
	"golang.org/x/oauth2"
)

// Scopes requested for the remote spreadsheet and Drive backups
var Scopes = []string{
	"https://www.googleapis.com/auth/spreadsheets",
	"https://www.googleapis.com/auth/drive.file",
}

// Provider returns a usable access token or an error wrapping
// models.ErrCredentialInvalid when the user has to sign in again.
type Provider interface {
	GetValidToken(ctx context.Context) (string, error)
}

// invalid wraps cause so that errors.Is(err, models.ErrCredentialInvalid) holds
func invalid(cause error) error {
	if errors.Is(cause, models.ErrCredentialInvalid) {
		return cause
	}
	return fmt.Errorf("%w: %w", models.ErrCredentialInvalid, cause)
}

// tokenError classifies a failed token fetch. A refused token endpoint means
// the grant is unusable; a transport failure leaves it intact.
func tokenError(cause error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(cause, &retrieveErr) {
		return invalid(cause)
	}
	if models.IsNetworkFailure(cause) {
		return fmt.Errorf("%w: %w", models.ErrNetworkUnavailable, cause)
	}
	return invalid(cause)
}

type providerSource struct {
	p Provider
}

// TokenSource adapts a Provider for Google API clients
func TokenSource(p Provider) oauth2.TokenSource {
	return &providerSource{p: p}
}

func (s *providerSource) Token() (*oauth2.Token, error) {
	token, err := s.p.GetValidToken(context.Background())
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: token, TokenType: "Bearer"}, nil
}
