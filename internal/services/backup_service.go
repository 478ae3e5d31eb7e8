package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/medsync/agent/internal/models"
	"github.com/medsync/agent/internal/observability"
	"github.com/medsync/agent/internal/repository"
)

// Backup run reasons
const (
	BackupReasonStartup   = "startup"
	BackupReasonScheduled = "scheduled"
	BackupReasonManual    = "manual"
	BackupReasonExit      = "exit"
)

var errBackupRunning = errors.New("backup already running")

// ChannelResult is the outcome of writing one snapshot to one channel
type ChannelResult struct {
	Channel    string `json:"channel"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// BackupReport summarises one backup run
type BackupReport struct {
	Reason    string          `json:"reason"`
	StartedAt time.Time       `json:"startedAt"`
	Bytes     int             `json:"bytes"`
	Checksum  string          `json:"checksum"`
	Results   []ChannelResult `json:"results"`
}

// Succeeded counts the channels that accepted the snapshot
func (r *BackupReport) Succeeded() int {
	n := 0
	for _, res := range r.Results {
		if res.OK {
			n++
		}
	}
	return n
}

// Failed returns the channels that did not
func (r *BackupReport) Failed() []string {
	var out []string
	for _, res := range r.Results {
		if !res.OK {
			out = append(out, res.Channel)
		}
	}
	return out
}

// BackupStatus represents the current state of scheduled backups
type BackupStatus struct {
	Enabled            bool          `json:"enabled"`
	Running            bool          `json:"running"`
	Schedule           string        `json:"schedule"`
	LastAutoBackup     *time.Time    `json:"lastAutoBackup,omitempty"`
	NextScheduled      *time.Time    `json:"nextScheduledBackup,omitempty"`
	LastDriveFileID    string        `json:"lastDriveFileId,omitempty"`
	LastDriveBackup    *time.Time    `json:"lastDriveBackup,omitempty"`
	HasEmergencyBackup bool          `json:"hasEmergencyBackup"`
	Channels           []string      `json:"channels"`
	LastReport         *BackupReport `json:"lastReport,omitempty"`
}

// snapshotReader is the read side needed to export an owner's data
type snapshotReader interface {
	MedicinesByOwner(ctx context.Context, email string) ([]*models.MedicineRecord, error)
	DoseEventsByOwner(ctx context.Context, email string) ([]*models.DoseEvent, error)
	ProfilesByOwner(ctx context.Context, email string) ([]*models.UserProfile, error)
}

// BackupServiceConfig configures scheduling
type BackupServiceConfig struct {
	OwnerEmail   string
	Schedule     string
	Interval     time.Duration
	BackupOnExit bool
}

// BackupService exports, writes and restores snapshots of the Local Store
type BackupService struct {
	reader     snapshotReader
	writer     repository.RecordWriter
	agentState repository.StateRepo
	channels   []BackupChannel
	emergency  *FileChannel
	download   *DownloadChannel
	cfg        BackupServiceConfig
	metrics    *observability.BackupMetrics
	onComplete func(*BackupReport)
	now        func() time.Time

	mu         sync.RWMutex
	cron       *cron.Cron
	entryID    cron.EntryID
	running    bool
	lastReport *BackupReport
	startup    sync.WaitGroup
}

// NewBackupService creates a new BackupService. emergency and download are
// also used as channels when non-nil; extra holds remote channels.
func NewBackupService(
	reader snapshotReader,
	writer repository.RecordWriter,
	agentState repository.StateRepo,
	emergency *FileChannel,
	download *DownloadChannel,
	extra []BackupChannel,
	cfg BackupServiceConfig,
) *BackupService {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 24h"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}

	var channels []BackupChannel
	if emergency != nil {
		channels = append(channels, emergency)
	}
	if download != nil {
		channels = append(channels, download)
	}
	channels = append(channels, extra...)

	metrics, err := observability.NewBackupMetrics()
	if err != nil {
		observability.Warnf("Backup metrics unavailable: %v", err)
	}

	return &BackupService{
		reader:     reader,
		writer:     writer,
		agentState: agentState,
		channels:   channels,
		emergency:  emergency,
		download:   download,
		cfg:        cfg,
		metrics:    metrics,
		now:        time.Now,
	}
}

// OnComplete registers a callback run after every backup
func (s *BackupService) OnComplete(fn func(*BackupReport)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onComplete = fn
}

// Channels returns the configured channels
func (s *BackupService) Channels() []BackupChannel {
	return s.channels
}

// ExportSnapshot collects everything the Local Store holds for owner. It
// never writes.
func (s *BackupService) ExportSnapshot(ctx context.Context, owner string) (*models.Snapshot, error) {
	owner = normalizeEmail(owner)
	if owner == "" {
		return nil, fmt.Errorf("%w: owner email is required", models.ErrMissingKey)
	}

	meds, err := s.reader.MedicinesByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	doses, err := s.reader.DoseEventsByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	profiles, err := s.reader.ProfilesByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}

	snap := &models.Snapshot{
		Version:    models.SnapshotVersion,
		CreatedAt:  s.now().UTC(),
		Medicines:  meds,
		DoseEvents: doses,
		Profiles:   profiles,
	}
	if snap.Medicines == nil {
		snap.Medicines = []*models.MedicineRecord{}
	}
	if snap.DoseEvents == nil {
		snap.DoseEvents = []*models.DoseEvent{}
	}
	if snap.Profiles == nil {
		snap.Profiles = []*models.UserProfile{}
	}
	return snap, nil
}

// MarshalSnapshot renders snap as indented JSON
func MarshalSnapshot(snap *models.Snapshot) ([]byte, error) {
	return json.MarshalIndent(snap, "", "  ")
}

// WriteSnapshot writes snap to every channel concurrently. A failing channel
// never stops the others; each outcome is recorded in the report.
func (s *BackupService) WriteSnapshot(ctx context.Context, snap *models.Snapshot, channels []BackupChannel) (*BackupReport, error) {
	data, err := MarshalSnapshot(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	report := &BackupReport{
		StartedAt: s.now().UTC(),
		Bytes:     len(data),
		Checksum:  Checksum(data),
		Results:   make([]ChannelResult, len(channels)),
	}

	var g errgroup.Group
	for i, ch := range channels {
		g.Go(func() error {
			ctx, span := observability.StartRemoteSpan(ctx, "backup", "write", observability.BackupChannel(ch.Name()))
			defer span.End()

			start := time.Now()
			werr := ch.Write(ctx, data)
			elapsed := time.Since(start)
			observability.AddEvent(span, "written", observability.Duration(elapsed))
			res := ChannelResult{
				Channel:    ch.Name(),
				OK:         werr == nil,
				DurationMs: elapsed.Milliseconds(),
			}
			if werr != nil {
				werr = fmt.Errorf("%w: %s: %v", models.ErrBackupChannelFailed, ch.Name(), werr)
				res.Error = werr.Error()
				observability.RecordError(span, werr)
				s.metrics.RecordChannelError(ctx, ch.Name())
				observability.WithContext(ctx).WithField("channel", ch.Name()).WithError(werr).Warn("Backup channel failed")
			} else {
				observability.SetSuccess(span)
			}
			report.Results[i] = res
			return nil
		})
	}
	g.Wait()

	return report, nil
}

// ParseSnapshot decodes a backup document without checking its version
func ParseSnapshot(data []byte) (*models.Snapshot, error) {
	var snap models.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("invalid backup file: %w", err)
	}
	return &snap, nil
}

// RestoreSnapshot re-puts every record in snap. A snapshot with any other
// version is rejected before anything is written. Restored records are not
// queued for sync.
func (s *BackupService) RestoreSnapshot(ctx context.Context, snap *models.Snapshot) error {
	if snap == nil || snap.Version != models.SnapshotVersion {
		return models.ErrRestoreVersionMismatch
	}

	ctx, span := observability.StartServiceSpan(ctx, "backup", "restore")
	defer span.End()

	for _, m := range snap.Medicines {
		if m == nil {
			continue
		}
		if err := s.writer.PutMedicine(ctx, m); err != nil {
			observability.RecordError(span, err)
			return fmt.Errorf("restore medicine %s: %w", m.ID, err)
		}
	}
	for _, d := range snap.DoseEvents {
		if d == nil {
			continue
		}
		if err := s.writer.PutDoseEvent(ctx, d); err != nil {
			observability.RecordError(span, err)
			return fmt.Errorf("restore dose event %s: %w", d.ID, err)
		}
	}
	for _, p := range snap.Profiles {
		if p == nil {
			continue
		}
		if err := s.writer.PutProfile(ctx, p); err != nil {
			observability.RecordError(span, err)
			return fmt.Errorf("restore profile %s: %w", p.Email, err)
		}
	}

	observability.SetSuccess(span)
	observability.WithContext(ctx).WithFields(map[string]interface{}{
		"medicines":   len(snap.Medicines),
		"dose_events": len(snap.DoseEvents),
		"profiles":    len(snap.Profiles),
	}).Info("Backup restored")
	return nil
}

// RestoreBackup parses and restores an uploaded backup file
func (s *BackupService) RestoreBackup(ctx context.Context, data []byte) (*models.Snapshot, error) {
	snap, err := ParseSnapshot(data)
	if err != nil {
		return nil, err
	}
	if err := s.RestoreSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// RestoreEmergencyBackup restores the device-local fallback copy
func (s *BackupService) RestoreEmergencyBackup(ctx context.Context) (*models.Snapshot, error) {
	if s.emergency == nil {
		return nil, models.ErrRecordNotFound
	}
	data, ok, err := s.emergency.Load()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.ErrRecordNotFound
	}
	return s.RestoreBackup(ctx, data)
}

// ExportBackup returns the owner's snapshot as a downloadable JSON document
// and keeps a copy in the download channel.
func (s *BackupService) ExportBackup(ctx context.Context) ([]byte, error) {
	snap, err := s.ExportSnapshot(ctx, s.cfg.OwnerEmail)
	if err != nil {
		return nil, err
	}
	data, err := MarshalSnapshot(snap)
	if err != nil {
		return nil, err
	}
	if s.download != nil {
		s.download.Write(ctx, data)
	}
	return data, nil
}

// CreateAutoBackup exports the owner's data and writes it to every channel.
// Failures are logged and left for the next scheduled run.
func (s *BackupService) CreateAutoBackup(ctx context.Context, reason string) (*BackupReport, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		observability.Info("Backup already running, skipping")
		return nil, errBackupRunning
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ctx, span := observability.StartServiceSpan(ctx, "backup", "auto_backup")
	defer span.End()

	snap, err := s.ExportSnapshot(ctx, s.cfg.OwnerEmail)
	if err != nil {
		observability.RecordError(span, err)
		observability.WithContext(ctx).WithError(err).Error("Backup export failed")
		return nil, err
	}

	report, err := s.WriteSnapshot(ctx, snap, s.channels)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	report.Reason = reason
	s.metrics.RecordRun(ctx, reason, report.Bytes)

	if report.Succeeded() > 0 && s.agentState != nil {
		if err := s.agentState.SetTime(ctx, repository.StateKeyLastBackupAt, report.StartedAt); err != nil {
			observability.WithContext(ctx).WithError(err).Warn("could not persist last backup time")
		}
	}

	logger := observability.WithContext(ctx).WithFields(map[string]interface{}{
		"reason":    reason,
		"bytes":     report.Bytes,
		"succeeded": report.Succeeded(),
	})
	if failed := report.Failed(); len(failed) > 0 {
		logger.WithField("failed", strings.Join(failed, ",")).Warn("Backup completed with failures")
	} else {
		logger.Info("Backup completed")
		observability.SetSuccess(span)
	}

	s.mu.Lock()
	s.lastReport = report
	notify := s.onComplete
	s.mu.Unlock()
	if notify != nil {
		notify(report)
	}
	return report, nil
}

// RunNow triggers an immediate backup
func (s *BackupService) RunNow(ctx context.Context) (*BackupReport, error) {
	return s.CreateAutoBackup(ctx, BackupReasonManual)
}

// Start schedules periodic backups and runs one right away if the last
// backup is older than the interval.
func (s *BackupService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cron != nil {
		s.mu.Unlock()
		return nil
	}

	c := cron.New(cron.WithChain(cron.Recover(cronLogger{})))
	id, err := c.AddFunc(s.cfg.Schedule, func() {
		s.CreateAutoBackup(ctx, BackupReasonScheduled)
	})
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("invalid backup schedule %q: %w", s.cfg.Schedule, err)
	}
	s.cron = c
	s.entryID = id
	c.Start()
	s.mu.Unlock()

	observability.Infof("Backup service started (%s)", s.cfg.Schedule)

	if s.isDue(ctx) {
		s.startup.Add(1)
		go func() {
			defer s.startup.Done()
			s.CreateAutoBackup(ctx, BackupReasonStartup)
		}()
	}
	return nil
}

// isDue reports whether no backup has been taken within the interval
func (s *BackupService) isDue(ctx context.Context) bool {
	if s.agentState == nil {
		return true
	}
	last, err := s.agentState.GetTime(ctx, repository.StateKeyLastBackupAt)
	if err != nil {
		observability.WithContext(ctx).WithError(err).Warn("could not read last backup time")
		return true
	}
	return last.IsZero() || s.now().Sub(last) >= s.cfg.Interval
}

// Stop halts the scheduler, waits for a running scheduled or startup job,
// takes the process-exit backup when configured and releases the channels.
// The service cannot be started again afterwards.
func (s *BackupService) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
		observability.Info("Backup service stopped")
	}

	startupDone := make(chan struct{})
	go func() {
		s.startup.Wait()
		close(startupDone)
	}()
	select {
	case <-startupDone:
	case <-ctx.Done():
	}

	if s.cfg.BackupOnExit {
		if _, err := s.CreateAutoBackup(ctx, BackupReasonExit); err != nil {
			observability.WithContext(ctx).WithError(err).Warn("Exit backup not taken")
		}
	}

	for _, ch := range s.channels {
		if c, ok := ch.(io.Closer); ok {
			if err := c.Close(); err != nil {
				observability.WithContext(ctx).WithField("channel", ch.Name()).WithError(err).Warn("could not close backup channel")
			}
		}
	}
}

// IsEnabled returns whether scheduled backups are running
func (s *BackupService) IsEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cron != nil
}

// Status returns the current backup status
func (s *BackupService) Status(ctx context.Context) BackupStatus {
	s.mu.RLock()
	status := BackupStatus{
		Enabled:    s.cron != nil,
		Running:    s.running,
		Schedule:   s.cfg.Schedule,
		LastReport: s.lastReport,
	}
	if s.cron != nil {
		if next := s.cron.Entry(s.entryID).Next; !next.IsZero() {
			status.NextScheduled = &next
		}
	}
	s.mu.RUnlock()

	for _, ch := range s.channels {
		status.Channels = append(status.Channels, ch.Name())
	}

	if s.agentState != nil {
		if t, err := s.agentState.GetTime(ctx, repository.StateKeyLastBackupAt); err == nil && !t.IsZero() {
			status.LastAutoBackup = &t
		}
		if t, err := s.agentState.GetTime(ctx, repository.StateKeyDriveAt); err == nil && !t.IsZero() {
			status.LastDriveBackup = &t
		}
		if id, err := s.agentState.Get(ctx, repository.StateKeyDriveFileID); err == nil {
			status.LastDriveFileID = id
		}
	}

	if s.emergency != nil {
		if _, ok, err := s.emergency.Load(); err == nil && ok {
			status.HasEmergencyBackup = true
		}
	}
	return status
}

// cronLogger routes cron's panic recovery through the agent logger
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	observability.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	observability.WithFields(kvFields(keysAndValues)).WithError(err).Error(msg)
}

func kvFields(kv []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
