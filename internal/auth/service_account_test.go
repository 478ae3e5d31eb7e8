package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medsync/agent/internal/models"
)

func TestServiceAccountProvider_MissingFile(t *testing.T) {
	_, err := NewServiceAccountProvider(filepath.Join(t.TempDir(), "missing.json"), time.Minute)
	assert.Error(t, err)
}

func TestServiceAccountProvider_BadCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sa.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"service_account"}`), 0600))

	p, err := NewServiceAccountProvider(path, time.Minute)
	require.NoError(t, err)

	_, err = p.GetValidToken(context.Background())
	assert.ErrorIs(t, err, models.ErrCredentialInvalid)
}
