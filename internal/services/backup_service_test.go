package services

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medsync/agent/internal/models"
	"github.com/medsync/agent/internal/repository"
)

// failingChannel always rejects the snapshot
type failingChannel struct{ calls int32 }

func (c *failingChannel) Name() string { return "broken" }

func (c *failingChannel) Write(ctx context.Context, data []byte) error {
	atomic.AddInt32(&c.calls, 1)
	return errors.New("disk on fire")
}

// gatedChannel holds its first write until released
type gatedChannel struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
	closed  atomic.Bool
}

func newGatedChannel() *gatedChannel {
	return &gatedChannel{entered: make(chan struct{}), release: make(chan struct{})}
}

func (c *gatedChannel) Name() string { return "gated" }

func (c *gatedChannel) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *gatedChannel) Write(ctx context.Context, data []byte) error {
	c.once.Do(func() { close(c.entered) })
	<-c.release
	return nil
}

func newBackupService(t *testing.T, env *testEnv, extra ...BackupChannel) (*BackupService, *FileChannel, *DownloadChannel) {
	t.Helper()
	file := NewFileChannel(filepath.Join(t.TempDir(), "backups", "emergency.json"))
	download := NewDownloadChannel()
	svc := NewBackupService(env.store, env.store, env.state, file, download, extra, BackupServiceConfig{
		OwnerEmail: testOwner,
		Schedule:   "@every 1h",
		Interval:   time.Hour,
	})
	svc.now = func() time.Time { return time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC) }
	return svc, file, download
}

func seedRecords(t *testing.T, env *testEnv) {
	t.Helper()
	ctx := context.Background()

	med, err := env.records.AddMedicine(ctx, testOwner, testMedicineInput(10))
	require.NoError(t, err)
	_, _, err = env.records.RecordDose(ctx, testOwner, med.ID, models.RecordDoseRequest{Status: models.DoseStatusTaken})
	require.NoError(t, err)
	_, err = env.records.SaveProfile(ctx, &models.UserProfile{Email: testOwner, FirstName: "Ayse", LastName: "Yilmaz", Age: 67})
	require.NoError(t, err)

	_, err = env.records.AddMedicine(ctx, "mehmet@example.com", testMedicineInput(3))
	require.NoError(t, err)
}

var ignoreCreatedAt = cmpopts.IgnoreFields(models.Snapshot{}, "CreatedAt")

func TestBackupService_ExportSnapshot(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedRecords(t, env)
	svc, _, _ := newBackupService(t, env)

	snap, err := svc.ExportSnapshot(ctx, testOwner)
	require.NoError(t, err)
	assert.Equal(t, models.SnapshotVersion, snap.Version)
	assert.Len(t, snap.Medicines, 1)
	assert.Len(t, snap.DoseEvents, 1)
	assert.Len(t, snap.Profiles, 1)
	assert.Equal(t, 9, snap.Medicines[0].StockCount)

	// Export never writes
	assert.Equal(t, 5, env.queueSize(t))

	_, err = svc.ExportSnapshot(ctx, " ")
	assert.ErrorIs(t, err, models.ErrMissingKey)
}

func TestBackupService_RestoreIsIdempotent(t *testing.T) {
	ctx := context.Background()
	source := newTestEnv(t)
	seedRecords(t, source)
	sourceSvc, _, _ := newBackupService(t, source)

	snap, err := sourceSvc.ExportSnapshot(ctx, testOwner)
	require.NoError(t, err)
	data, err := MarshalSnapshot(snap)
	require.NoError(t, err)

	target := newTestEnv(t)
	svc, _, _ := newBackupService(t, target)

	_, err = svc.RestoreBackup(ctx, data)
	require.NoError(t, err)
	once, err := svc.ExportSnapshot(ctx, testOwner)
	require.NoError(t, err)

	_, err = svc.RestoreBackup(ctx, data)
	require.NoError(t, err)
	twice, err := svc.ExportSnapshot(ctx, testOwner)
	require.NoError(t, err)

	if diff := cmp.Diff(once, twice, ignoreCreatedAt); diff != "" {
		t.Errorf("second restore changed the store (-once +twice):\n%s", diff)
	}
	if diff := cmp.Diff(snap, once, ignoreCreatedAt); diff != "" {
		t.Errorf("restored data differs from the export (-export +restored):\n%s", diff)
	}

	// Restored records are not queued for sync
	assert.Equal(t, 0, target.queueSize(t))
}

func TestBackupService_EmptyRoundTrip(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	svc, _, _ := newBackupService(t, env)

	snap, err := svc.ExportSnapshot(ctx, testOwner)
	require.NoError(t, err)
	assert.True(t, snap.IsEmpty())

	data, err := MarshalSnapshot(snap)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"medicines": []`)

	_, err = svc.RestoreBackup(ctx, data)
	require.NoError(t, err)

	after, err := svc.ExportSnapshot(ctx, testOwner)
	require.NoError(t, err)
	assert.True(t, after.IsEmpty())
}

func TestBackupService_RejectsOtherVersions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedRecords(t, env)
	svc, _, _ := newBackupService(t, env)

	before, err := svc.ExportSnapshot(ctx, testOwner)
	require.NoError(t, err)

	incoming := &models.Snapshot{
		Version:   "2.0",
		Medicines: []*models.MedicineRecord{medicineWithID("m-new", 99)},
	}
	err = svc.RestoreSnapshot(ctx, incoming)
	assert.ErrorIs(t, err, models.ErrRestoreVersionMismatch)

	_, err = svc.RestoreBackup(ctx, []byte(`{"version":"","medicines":[]}`))
	assert.ErrorIs(t, err, models.ErrRestoreVersionMismatch)

	after, err := svc.ExportSnapshot(ctx, testOwner)
	require.NoError(t, err)
	if diff := cmp.Diff(before, after, ignoreCreatedAt); diff != "" {
		t.Errorf("rejected restore changed the store:\n%s", diff)
	}

	_, err = svc.RestoreBackup(ctx, []byte("not json"))
	assert.Error(t, err)
}

func TestBackupService_PartialChannelFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedRecords(t, env)
	broken := &failingChannel{}
	svc, file, download := newBackupService(t, env, broken)

	var notified *BackupReport
	svc.OnComplete(func(r *BackupReport) { notified = r })

	report, err := svc.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, BackupReasonManual, report.Reason)
	assert.Equal(t, 2, report.Succeeded())
	assert.Equal(t, []string{"broken"}, report.Failed())
	assert.Same(t, report, notified)
	assert.Equal(t, int32(1), atomic.LoadInt32(&broken.calls))

	for _, res := range report.Results {
		if res.Channel == "broken" {
			assert.Contains(t, res.Error, models.ErrBackupChannelFailed.Error())
		}
	}

	written, ok, err := file.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, VerifyChecksum(written, report.Checksum))

	latest, _, ok := download.Latest()
	require.True(t, ok)
	assert.Equal(t, written, latest)

	last, err := env.state.GetTime(ctx, repository.StateKeyLastBackupAt)
	require.NoError(t, err)
	assert.False(t, last.IsZero())
}

func TestBackupService_AllChannelsFail(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	svc := NewBackupService(env.store, env.store, env.state, nil, nil, []BackupChannel{&failingChannel{}}, BackupServiceConfig{
		OwnerEmail: testOwner,
	})

	report, err := svc.CreateAutoBackup(ctx, BackupReasonScheduled)
	require.NoError(t, err)
	assert.Zero(t, report.Succeeded())

	last, err := env.state.GetTime(ctx, repository.StateKeyLastBackupAt)
	require.NoError(t, err)
	assert.True(t, last.IsZero(), "a backup nobody stored does not count")
}

func TestBackupService_EmergencyRestore(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	svc, _, _ := newBackupService(t, env)

	_, err := svc.RestoreEmergencyBackup(ctx)
	assert.ErrorIs(t, err, models.ErrRecordNotFound)

	seedRecords(t, env)
	_, err = svc.RunNow(ctx)
	require.NoError(t, err)

	before, err := svc.ExportSnapshot(ctx, testOwner)
	require.NoError(t, err)

	// Lose the local data, then restore from the device copy
	for _, m := range before.Medicines {
		require.NoError(t, env.store.Delete(ctx, models.EntityMedicine, m.ID))
	}

	snap, err := svc.RestoreEmergencyBackup(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Medicines, 1)

	after, err := svc.ExportSnapshot(ctx, testOwner)
	require.NoError(t, err)
	if diff := cmp.Diff(before, after, ignoreCreatedAt); diff != "" {
		t.Errorf("emergency restore mismatch:\n%s", diff)
	}
}

func TestBackupService_StartAndStatus(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedRecords(t, env)

	file := NewFileChannel(filepath.Join(t.TempDir(), "emergency.json"))
	svc := NewBackupService(env.store, env.store, env.state, file, NewDownloadChannel(), nil, BackupServiceConfig{
		OwnerEmail:   testOwner,
		Schedule:     "@every 1h",
		Interval:     time.Hour,
		BackupOnExit: true,
	})

	status := svc.Status(ctx)
	assert.False(t, status.Enabled)
	assert.Equal(t, []string{"file", "download"}, status.Channels)
	assert.False(t, status.HasEmergencyBackup)

	require.NoError(t, svc.Start(ctx))
	assert.True(t, svc.IsEnabled())

	// Never backed up, so a startup backup runs right away
	require.Eventually(t, func() bool {
		s := svc.Status(ctx)
		return s.LastReport != nil && !s.Running
	}, 5*time.Second, 10*time.Millisecond)

	status = svc.Status(ctx)
	assert.True(t, status.Enabled)
	assert.True(t, status.HasEmergencyBackup)
	assert.Equal(t, BackupReasonStartup, status.LastReport.Reason)
	assert.NotNil(t, status.NextScheduled)
	assert.NotNil(t, status.LastAutoBackup)

	var reasons []string
	svc.OnComplete(func(r *BackupReport) { reasons = append(reasons, r.Reason) })

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	svc.Stop(stopCtx)

	assert.False(t, svc.IsEnabled())
	assert.Contains(t, reasons, BackupReasonExit)
}

func TestBackupService_StopWaitsForStartupBackup(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedRecords(t, env)

	gate := newGatedChannel()
	svc := NewBackupService(env.store, env.store, env.state, nil, nil, []BackupChannel{gate}, BackupServiceConfig{
		OwnerEmail:   testOwner,
		Schedule:     "@every 1h",
		Interval:     time.Hour,
		BackupOnExit: true,
	})

	var mu sync.Mutex
	var reasons []string
	svc.OnComplete(func(r *BackupReport) {
		mu.Lock()
		defer mu.Unlock()
		reasons = append(reasons, r.Reason)
	})

	require.NoError(t, svc.Start(ctx))
	<-gate.entered

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(gate.release)
	}()

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	svc.Stop(stopCtx)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{BackupReasonStartup, BackupReasonExit}, reasons)
	assert.True(t, gate.closed.Load())
}

func TestBackupService_StartSkipsRecentBackup(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	svc, file, _ := newBackupService(t, env)
	svc.now = time.Now

	require.NoError(t, env.state.SetTime(ctx, repository.StateKeyLastBackupAt, time.Now().Add(-time.Minute)))
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop(ctx)

	time.Sleep(50 * time.Millisecond)
	_, ok, err := file.Load()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBackupService_InvalidSchedule(t *testing.T) {
	env := newTestEnv(t)
	svc := NewBackupService(env.store, env.store, env.state, nil, nil, nil, BackupServiceConfig{
		OwnerEmail: testOwner,
		Schedule:   "whenever",
	})

	assert.Error(t, svc.Start(context.Background()))
	assert.False(t, svc.IsEnabled())
}
