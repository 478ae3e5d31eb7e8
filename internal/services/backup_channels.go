package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/medsync/agent/internal/repository"
)

const backupMimeType = "application/json"

// BackupChannel is one destination a snapshot is written to
type BackupChannel interface {
	Name() string
	Write(ctx context.Context, data []byte) error
}

// backupFileName returns the dated name used for remote copies
func backupFileName(at time.Time) string {
	return fmt.Sprintf("medsync_backup_%s.json", at.Format("2006-01-02"))
}

// FileChannel keeps the device-local fallback copy
type FileChannel struct {
	path string
	mu   sync.Mutex
}

// NewFileChannel creates a FileChannel writing to path
func NewFileChannel(path string) *FileChannel {
	return &FileChannel{path: path}
}

func (c *FileChannel) Name() string { return "file" }

// Path returns the file the channel writes to
func (c *FileChannel) Path() string { return c.path }

// Write replaces the file atomically
func (c *FileChannel) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0700); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".backup-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write backup: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync backup: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return err
	}
	return os.Rename(tmpName, c.path)
}

// Load returns the last written backup. ok is false when none exists.
func (c *FileChannel) Load() (data []byte, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err = os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// DownloadChannel holds the latest snapshot for the download endpoint
type DownloadChannel struct {
	mu        sync.RWMutex
	data      []byte
	writtenAt time.Time
}

// NewDownloadChannel creates an empty DownloadChannel
func NewDownloadChannel() *DownloadChannel {
	return &DownloadChannel{}
}

func (c *DownloadChannel) Name() string { return "download" }

func (c *DownloadChannel) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = append([]byte(nil), data...)
	c.writtenAt = time.Now()
	return nil
}

// Latest returns a copy of the most recent snapshot bytes
func (c *DownloadChannel) Latest() ([]byte, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.data == nil {
		return nil, time.Time{}, false
	}
	return append([]byte(nil), c.data...), c.writtenAt, true
}

// DriveChannel uploads each backup as a new Drive file
type DriveChannel struct {
	svc      *drive.Service
	folderID string
	state    repository.StateRepo
	now      func() time.Time
}

// NewDriveChannel creates a Drive client authorized by ts. endpoint overrides
// the API base URL and is only set in tests.
func NewDriveChannel(ctx context.Context, ts oauth2.TokenSource, folderID, endpoint string, state repository.StateRepo) (*DriveChannel, error) {
	opts := []option.ClientOption{option.WithTokenSource(ts)}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive client: %w", err)
	}
	return &DriveChannel{svc: svc, folderID: folderID, state: state, now: time.Now}, nil
}

func (c *DriveChannel) Name() string { return "drive" }

func (c *DriveChannel) Write(ctx context.Context, data []byte) error {
	now := c.now()
	file := &drive.File{
		Name:        backupFileName(now),
		MimeType:    backupMimeType,
		Description: "medsync automatic backup",
	}
	if c.folderID != "" {
		file.Parents = []string{c.folderID}
	}

	created, err := c.svc.Files.Create(file).
		Media(bytes.NewReader(data), googleapi.ContentType(backupMimeType)).
		Fields("id").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("drive upload failed: %w", err)
	}

	if c.state != nil {
		if err := c.state.Set(ctx, repository.StateKeyDriveFileID, created.Id); err != nil {
			return err
		}
		if err := c.state.SetTime(ctx, repository.StateKeyDriveAt, now); err != nil {
			return err
		}
	}
	return nil
}

// GCSChannel writes backups to a Cloud Storage bucket
type GCSChannel struct {
	client *storage.Client
	bucket string
	prefix string
	now    func() time.Time
}

// NewGCSChannel creates a GCSChannel. Extra client options are passed through.
func NewGCSChannel(ctx context.Context, bucket, prefix string, opts ...option.ClientOption) (*GCSChannel, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCSChannel{client: client, bucket: bucket, prefix: prefix, now: time.Now}, nil
}

func (c *GCSChannel) Name() string { return "gcs" }

func (c *GCSChannel) Write(ctx context.Context, data []byte) error {
	obj := c.client.Bucket(c.bucket).Object(c.prefix + backupFileName(c.now()))

	w := obj.NewWriter(ctx)
	w.ContentType = backupMimeType
	// Single request upload; snapshots are small.
	w.ChunkSize = 0

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("while writing backup object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("while closing backup object writer: %w", err)
	}
	return nil
}

// Close releases the storage client
func (c *GCSChannel) Close() error {
	return c.client.Close()
}
