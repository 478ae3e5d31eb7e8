package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points Load at a temp data dir and a config file that may not exist
func isolate(t *testing.T, configJSON string) string {
	t.Helper()
	dir := t.TempDir()

	path := filepath.Join(dir, "config.json")
	if configJSON != "" {
		require.NoError(t, os.WriteFile(path, []byte(configJSON), 0600))
	}
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("MEDSYNC_DATA_DIR", filepath.Join(dir, "data"))
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	dir := isolate(t, "")

	cfg, err := Load()
	require.NoError(t, err)

	dataDir := filepath.Join(dir, "data")
	assert.Equal(t, dataDir, cfg.DataDir)
	assert.DirExists(t, dataDir)
	assert.Equal(t, filepath.Join(dataDir, "medsync.db"), cfg.DatabasePath)
	assert.Equal(t, filepath.Join(dataDir, "token.json"), cfg.Auth.TokenFile)
	assert.Equal(t, filepath.Join(dataDir, "emergency_backup.json"), cfg.Backup.FilePath)
	assert.False(t, cfg.UsePostgres())

	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Sync.OperationTimeout())
	assert.Equal(t, 5*time.Second, cfg.Sync.BackoffInitial())
	assert.Equal(t, 5*time.Minute, cfg.Sync.BackoffMax())
	assert.Equal(t, 50*time.Minute, cfg.Auth.RefreshBuffer())
	assert.Equal(t, 24*time.Hour, cfg.Backup.Interval())
	assert.Equal(t, "X-API-Key", cfg.Security.APIKeyHeader)
}

func TestLoad_FileThenEnv(t *testing.T) {
	isolate(t, `{
		"ownerEmail": "ayse@example.com",
		"sync": {"maxRetries": 5, "operationTimeoutSeconds": 10, "backoffInitialSeconds": 2, "backoffMaxSeconds": 60, "connectivityIntervalSeconds": 30},
		"remote": {"defaultSheetId": "from-file"},
		"backup": {"schedule": "0 3 * * *", "intervalHours": 12, "filePath": "/var/backups/medsync.json"}
	}`)
	t.Setenv("REMOTE_SHEET_ID", "from-env")
	t.Setenv("MEDSYNC_OWNER_EMAIL", " Mehmet@Example.com ")
	t.Setenv("SYNC_MAX_RETRIES", "7")
	t.Setenv("BACKUP_ENABLED", "false")
	t.Setenv("API_KEY", "secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Remote.DefaultSheetID)
	assert.Equal(t, "mehmet@example.com", cfg.OwnerEmail)
	assert.Equal(t, 7, cfg.Sync.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.Sync.OperationTimeout())
	assert.Equal(t, "0 3 * * *", cfg.Backup.Schedule)
	assert.Equal(t, 12*time.Hour, cfg.Backup.Interval())
	assert.Equal(t, "/var/backups/medsync.json", cfg.Backup.FilePath)
	assert.False(t, cfg.Backup.Enabled)
	assert.Equal(t, "secret", cfg.Security.APIKey)
}

func TestLoad_IgnoresBadEnvNumbers(t *testing.T) {
	isolate(t, "")
	t.Setenv("SYNC_MAX_RETRIES", "lots")
	t.Setenv("BACKUP_INTERVAL_HOURS", "-1")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.Equal(t, 24, cfg.Backup.IntervalHours)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"malformed file", `{"sync":`},
		{"bad owner email", `{"ownerEmail": "not-an-email"}`},
		{"backoff max below initial", `{"sync": {"backoffInitialSeconds": 60, "backoffMaxSeconds": 10}}`},
		{"bad probe url", `{"sync": {"connectivityProbeUrl": "::nope"}}`},
		{"zero retries", `{"sync": {"maxRetries": 0}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t, tt.json)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_Postgres(t *testing.T) {
	isolate(t, "")
	t.Setenv("DATABASE_URL", "postgres://medsync@localhost/medsync?sslmode=disable")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.UsePostgres())
}
