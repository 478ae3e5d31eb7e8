package services

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.com/medsync/agent/internal/repository"
)

func TestFileChannel(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "emergency.json")
	ch := NewFileChannel(path)

	_, ok, err := ch.Load()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, ch.Write(ctx, []byte(`{"version":"1.0"}`)))
	require.NoError(t, ch.Write(ctx, []byte(`{"version":"1.0","medicines":[]}`)))

	data, ok, err := ch.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"version":"1.0","medicines":[]}`, string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// No temp files are left next to the backup
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, ch.Write(cancelled, []byte("x")))
}

func TestDownloadChannel(t *testing.T) {
	ch := NewDownloadChannel()

	_, _, ok := ch.Latest()
	assert.False(t, ok)

	data := []byte(`{"version":"1.0"}`)
	require.NoError(t, ch.Write(context.Background(), data))
	data[0] = 'X'

	got, at, ok := ch.Latest()
	require.True(t, ok)
	assert.Equal(t, `{"version":"1.0"}`, string(got))
	assert.False(t, at.IsZero())
}

// uploadRecorder captures media uploads to a fake Google API
type uploadRecorder struct {
	mu     sync.Mutex
	bodies []string
	paths  []string
	reply  interface{}
}

func (u *uploadRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	u.mu.Lock()
	u.bodies = append(u.bodies, string(body))
	u.paths = append(u.paths, r.URL.Path)
	u.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(u.reply)
}

func TestDriveChannel(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	rec := &uploadRecorder{reply: map[string]string{"id": "drive-file-1"}}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "token"})
	ch, err := NewDriveChannel(ctx, ts, "folder-1", srv.URL+"/", env.state)
	require.NoError(t, err)
	at := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	ch.now = func() time.Time { return at }

	require.NoError(t, ch.Write(ctx, []byte(`{"version":"1.0","marker":"drive"}`)))

	require.Len(t, rec.bodies, 1)
	assert.Contains(t, rec.bodies[0], `"marker":"drive"`)
	assert.Contains(t, rec.bodies[0], "medsync_backup_2024-03-15.json")
	assert.Contains(t, rec.bodies[0], "folder-1")

	id, err := env.state.Get(ctx, repository.StateKeyDriveFileID)
	require.NoError(t, err)
	assert.Equal(t, "drive-file-1", id)

	when, err := env.state.GetTime(ctx, repository.StateKeyDriveAt)
	require.NoError(t, err)
	assert.True(t, at.Equal(when))
}

func TestGCSChannel(t *testing.T) {
	ctx := context.Background()

	rec := &uploadRecorder{reply: map[string]string{
		"bucket": "medsync-backups",
		"name":   "ayse/medsync_backup_2024-03-15.json",
	}}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	ch, err := NewGCSChannel(ctx, "medsync-backups", "ayse/",
		option.WithEndpoint(srv.URL+"/storage/v1/"),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	defer ch.Close()
	ch.now = func() time.Time { return time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC) }

	require.NoError(t, ch.Write(ctx, []byte(`{"version":"1.0","marker":"gcs"}`)))

	require.NotEmpty(t, rec.bodies)
	joined := strings.Join(rec.bodies, "\n")
	assert.Contains(t, joined, `"marker":"gcs"`)
	assert.Contains(t, joined, "ayse/medsync_backup_2024-03-15.json")
}
