package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medsync/agent/internal/models"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ayse@example.com",
		"exp": exp.Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func TestStaticProvider_GetValidToken(t *testing.T) {
	now := time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)
	buffer := 5 * time.Minute

	tests := []struct {
		name    string
		token   func(t *testing.T) string
		wantErr bool
	}{
		{
			name:  "jwt well before expiry",
			token: func(t *testing.T) string { return signedToken(t, now.Add(time.Hour)) },
		},
		{
			name:    "jwt inside the refresh buffer",
			token:   func(t *testing.T) string { return signedToken(t, now.Add(2*time.Minute)) },
			wantErr: true,
		},
		{
			name:    "expired jwt",
			token:   func(t *testing.T) string { return signedToken(t, now.Add(-time.Hour)) },
			wantErr: true,
		},
		{
			name:  "opaque token passes through",
			token: func(t *testing.T) string { return "ya29.opaque-access-token" },
		},
		{
			name:    "no token",
			token:   func(t *testing.T) string { return "" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := tt.token(t)
			p := NewStaticProvider(token, buffer)
			p.now = func() time.Time { return now }

			got, err := p.GetValidToken(context.Background())
			if tt.wantErr {
				assert.ErrorIs(t, err, models.ErrCredentialInvalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, token, got)
		})
	}
}

func TestStaticProvider_SetToken(t *testing.T) {
	p := NewStaticProvider("", time.Minute)

	_, err := p.GetValidToken(context.Background())
	require.ErrorIs(t, err, models.ErrCredentialInvalid)

	p.SetToken("fresh-token")
	got, err := p.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", got)
}

func TestTokenSource(t *testing.T) {
	tok, err := TokenSource(NewStaticProvider("abc", time.Minute)).Token()
	require.NoError(t, err)
	assert.Equal(t, "abc", tok.AccessToken)
	assert.Equal(t, "Bearer", tok.TokenType)

	_, err = TokenSource(NewStaticProvider("", time.Minute)).Token()
	assert.ErrorIs(t, err, models.ErrCredentialInvalid)
}
