package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/medsync/agent/internal/auth"
	"github.com/medsync/agent/internal/models"
	"github.com/medsync/agent/internal/observability"
	"github.com/medsync/agent/internal/remote"
	"github.com/medsync/agent/internal/repository"
)

// errNoRemoteStore stops a drain without consuming retry budget
var errNoRemoteStore = errors.New("no remote store configured for owner")

// SyncManagerConfig tunes the drain loop
type SyncManagerConfig struct {
	DefaultStoreID   string
	MaxRetries       int
	OperationTimeout time.Duration
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
}

// DefaultSyncManagerConfig returns the stock retry cap, timeout and backoff
func DefaultSyncManagerConfig() SyncManagerConfig {
	return SyncManagerConfig{
		MaxRetries:       3,
		OperationTimeout: 30 * time.Second,
		BackoffInitial:   5 * time.Second,
		BackoffMax:       5 * time.Minute,
	}
}

type profileReader interface {
	GetProfile(ctx context.Context, email string) (*models.UserProfile, error)
}

// SyncManager drains the sync queue against the remote store, one
// operation at a time in FIFO order.
type SyncManager struct {
	queue      *SyncQueue
	confirmer  repository.SyncConfirmer
	profiles   profileReader
	store      remote.Store
	creds      auth.Provider
	notifier   Notifier
	agentState repository.StateRepo
	metrics    *observability.SyncMetrics
	cfg        SyncManagerConfig

	isSyncing atomic.Bool
	trigger   chan string

	mu                 sync.Mutex
	state              string
	online             bool
	credentialsBlocked bool
	lastError          string
	lastSyncAt         *time.Time
	nextAttemptAt      *time.Time
	backoff            *backoff.ExponentialBackOff
	backoffTimer       *time.Timer
	backoffGen         uint64
}

// NewSyncManager creates a SyncManager. It starts offline; call SetOnline
// or run a ConnectivityMonitor. notifier and agentState may be nil.
func NewSyncManager(
	queue *SyncQueue,
	confirmer repository.SyncConfirmer,
	profiles profileReader,
	store remote.Store,
	creds auth.Provider,
	notifier Notifier,
	agentState repository.StateRepo,
	cfg SyncManagerConfig,
) *SyncManager {
	defaults := DefaultSyncManagerConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = defaults.OperationTimeout
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = defaults.BackoffInitial
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BackoffInitial
	b.MaxInterval = cfg.BackoffMax
	b.Reset()

	metrics, err := observability.NewSyncMetrics()
	if err != nil {
		observability.Warnf("Sync metrics unavailable: %v", err)
	}

	return &SyncManager{
		queue:      queue,
		confirmer:  confirmer,
		profiles:   profiles,
		store:      store,
		creds:      creds,
		notifier:   notifier,
		agentState: agentState,
		metrics:    metrics,
		cfg:        cfg,
		trigger:    make(chan string, 1),
		state:      models.SyncStateIdle,
		backoff:    b,
	}
}

// LoadState restores the last successful sync time
func (m *SyncManager) LoadState(ctx context.Context) error {
	if m.agentState == nil {
		return nil
	}
	t, err := m.agentState.GetTime(ctx, repository.StateKeyLastSyncAt)
	if err != nil {
		return err
	}
	if !t.IsZero() {
		m.mu.Lock()
		m.lastSyncAt = &t
		m.mu.Unlock()
	}
	return nil
}

// Run owns the drain loop until ctx is done. Drains requested by triggers
// and the backoff timer are executed here, one at a time.
func (m *SyncManager) Run(ctx context.Context) {
	observability.Info("Sync manager started")
	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.cancelBackoffLocked()
			m.mu.Unlock()
			observability.Info("Sync manager stopped")
			return
		case reason := <-m.trigger:
			if err := m.drain(ctx, reason); err != nil && !errors.Is(err, models.ErrSyncInProgress) && ctx.Err() == nil {
				observability.WithContext(ctx).WithField("trigger", reason).WithError(err).Warn("drain stopped with error")
			}
		}
	}
}

// Drain processes the queue synchronously until it is empty or a failure
// stops it. Returns ErrSyncInProgress if a drain is already running.
func (m *SyncManager) Drain(ctx context.Context) error {
	return m.drain(ctx, "direct")
}

// TriggerManualSync requests a drain, cutting any backoff wait short
func (m *SyncManager) TriggerManualSync() {
	m.kick("manual")
}

// NotifyEnqueued requests a drain when online. A queue in BACKOFF keeps
// waiting for its timer; a running drain picks the trigger up when it ends.
func (m *SyncManager) NotifyEnqueued() {
	m.mu.Lock()
	ready := m.online && m.state != models.SyncStateBackoff
	m.mu.Unlock()
	if ready {
		m.kick("enqueue")
	}
}

// SetOnline records a connectivity signal. Going offline moves the manager
// to IDLE and cancels any backoff; an in-flight call is left to settle.
func (m *SyncManager) SetOnline(online bool) {
	m.mu.Lock()
	was := m.online
	m.online = online
	if !online {
		m.cancelBackoffLocked()
		if m.state != models.SyncStateDraining {
			m.state = models.SyncStateIdle
		}
	}
	m.mu.Unlock()

	if online && !was {
		observability.Info("Connectivity restored")
		m.kick("connectivity")
	} else if !online && was {
		observability.Info("Connectivity lost")
	}
	m.publishStatus(context.Background())
}

// CredentialsRefreshed lifts the block set by a CredentialInvalid failure
func (m *SyncManager) CredentialsRefreshed() {
	m.mu.Lock()
	m.credentialsBlocked = false
	m.lastError = ""
	m.mu.Unlock()
	m.kick("credentials")
}

// Status reports the observable sync state
func (m *SyncManager) Status(ctx context.Context) models.SyncStatus {
	size, err := m.queue.Size(ctx)
	if err != nil {
		observability.WithContext(ctx).WithError(err).Warn("could not read queue size")
		size = -1
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return models.SyncStatus{
		QueueLength:        size,
		IsSyncing:          m.isSyncing.Load(),
		IsOnline:           m.online,
		State:              m.state,
		CredentialsBlocked: m.credentialsBlocked,
		LastError:          m.lastError,
		LastSyncAt:         m.lastSyncAt,
		NextAttemptAt:      m.nextAttemptAt,
	}
}

func (m *SyncManager) kick(reason string) {
	select {
	case m.trigger <- reason:
	default:
	}
}

func (m *SyncManager) drain(ctx context.Context, reason string) error {
	if !m.isSyncing.CompareAndSwap(false, true) {
		return models.ErrSyncInProgress
	}
	defer m.isSyncing.Store(false)

	m.mu.Lock()
	if !m.online || m.credentialsBlocked {
		m.mu.Unlock()
		return nil
	}
	m.cancelBackoffLocked()
	m.state = models.SyncStateDraining
	m.mu.Unlock()
	m.publishStatus(ctx)

	ctx, span := observability.StartServiceSpan(ctx, "SyncManager", "drain")
	defer span.End()

	start := time.Now()
	err := m.drainLoop(ctx)
	if err != nil {
		observability.RecordError(span, err)
	} else {
		observability.SetSuccess(span)
	}

	remaining, sizeErr := m.queue.Size(ctx)
	if sizeErr != nil {
		observability.WithContext(ctx).WithError(sizeErr).Warn("could not read queue size after drain")
	}
	m.metrics.RecordDrain(ctx, reason, float64(time.Since(start).Milliseconds()), remaining)
	m.publishStatus(ctx)
	return err
}

func (m *SyncManager) drainLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			m.setState(models.SyncStateIdle)
			return err
		}
		if !m.isOnline() {
			m.setState(models.SyncStateIdle)
			return nil
		}

		op, err := m.queue.PeekHead(ctx)
		if err != nil {
			m.enterBackoff(err)
			return err
		}
		if op == nil {
			m.mu.Lock()
			m.state = models.SyncStateIdle
			m.nextAttemptAt = nil
			m.mu.Unlock()
			return nil
		}

		// Left over from a crash between the last failed attempt and the drop.
		if op.RetryCount >= m.cfg.MaxRetries {
			if err := m.drop(ctx, op, op.RetryCount, errors.New("attempts exhausted before restart")); err != nil {
				m.enterBackoff(err)
				return err
			}
			continue
		}

		pushErr := m.push(ctx, op)
		if pushErr != nil && ctx.Err() != nil {
			// Shutdown, not a remote verdict.
			m.setState(models.SyncStateIdle)
			return ctx.Err()
		}
		if pushErr == nil {
			if err := m.confirm(ctx, op); err != nil {
				m.enterBackoff(err)
				return err
			}
			continue
		}

		if errors.Is(pushErr, errNoRemoteStore) {
			m.mu.Lock()
			m.state = models.SyncStateIdle
			m.lastError = pushErr.Error()
			m.mu.Unlock()
			return nil
		}

		if !models.IsRetryBudgetConsuming(pushErr) {
			m.metrics.RecordAttempt(ctx, string(op.TargetEntity), "network")
			m.enterBackoff(pushErr)
			return nil
		}

		m.metrics.RecordAttempt(ctx, string(op.TargetEntity), "rejected")
		attempts, err := m.queue.IncrementRetry(ctx, op.ID)
		if err != nil {
			m.enterBackoff(err)
			return err
		}

		credential := errors.Is(pushErr, models.ErrCredentialInvalid)
		if attempts >= m.cfg.MaxRetries {
			if err := m.drop(ctx, op, attempts, pushErr); err != nil {
				m.enterBackoff(err)
				return err
			}
			if !credential {
				continue
			}
		}

		if credential {
			m.mu.Lock()
			m.credentialsBlocked = true
			m.state = models.SyncStateIdle
			m.lastError = pushErr.Error()
			m.mu.Unlock()
			observability.WithContext(ctx).Warn("Credentials invalid, sync paused until sign-in")
			return nil
		}

		m.enterBackoff(pushErr)
		return nil
	}
}

// push sends one operation to the remote store under the per-operation timeout
func (m *SyncManager) push(ctx context.Context, op *models.SyncOperation) error {
	ctx, span := observability.StartServiceSpan(ctx, "SyncManager", "push")
	defer span.End()
	span.SetAttributes(
		observability.OperationID(op.ID),
		observability.OperationKind(string(op.Kind)),
		observability.TargetEntity(string(op.TargetEntity)),
	)

	err := m.pushOnce(ctx, op)
	if err != nil {
		observability.RecordError(span, err)
		observability.WithContext(ctx).WithFields(map[string]interface{}{
			"operation": op.ID,
			"target":    string(op.TargetEntity),
			"retries":   op.RetryCount,
		}).WithError(err).Warn("remote append failed")
		return err
	}
	observability.SetSuccess(span)
	return nil
}

func (m *SyncManager) pushOnce(ctx context.Context, op *models.SyncOperation) error {
	if _, err := m.creds.GetValidToken(ctx); err != nil {
		return remote.Classify(err)
	}

	table, row, err := remote.EncodeOperation(op)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrRemoteRejected, err)
	}

	storeID, err := m.storeIDFor(ctx, op)
	if err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, m.cfg.OperationTimeout)
	defer cancel()

	return remote.Classify(m.store.AppendRows(opCtx, storeID, table, [][]string{row}))
}

// storeIDFor prefers the owner's own spreadsheet over the configured default
func (m *SyncManager) storeIDFor(ctx context.Context, op *models.SyncOperation) (string, error) {
	if m.profiles != nil && op.OwnerEmail != "" {
		profile, err := m.profiles.GetProfile(ctx, op.OwnerEmail)
		if err != nil {
			return "", err
		}
		if profile != nil && profile.RemoteSheetID != "" {
			return profile.RemoteSheetID, nil
		}
	}
	if m.cfg.DefaultStoreID != "" {
		return m.cfg.DefaultStoreID, nil
	}
	return "", errNoRemoteStore
}

// confirm marks the record synced unless a newer write is still queued,
// then removes the operation from the queue.
func (m *SyncManager) confirm(ctx context.Context, op *models.SyncOperation) error {
	err := m.queue.Serialize(func() error {
		if op.Kind != models.KindDelete {
			pending, err := m.queue.PendingForTarget(ctx, op.TargetEntity, op.TargetID)
			if err != nil {
				return err
			}
			if pending <= 1 {
				if err := m.confirmer.MarkConfirmed(ctx, op.TargetEntity, op.TargetID); err != nil {
					return err
				}
			}
		}

		removed, err := m.queue.Remove(ctx, op)
		if err != nil {
			return err
		}
		if !removed {
			observability.WithContext(ctx).WithField("operation", op.ID).Warn("confirmed operation was no longer at the head")
		}
		return nil
	})
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	m.mu.Lock()
	m.backoff.Reset()
	m.lastSyncAt = &now
	m.lastError = ""
	m.mu.Unlock()

	if m.agentState != nil {
		if err := m.agentState.SetTime(ctx, repository.StateKeyLastSyncAt, now); err != nil {
			observability.WithContext(ctx).WithError(err).Warn("could not persist last sync time")
		}
	}

	m.metrics.RecordAttempt(ctx, string(op.TargetEntity), "confirmed")
	return nil
}

// drop removes an operation that exhausted its retry budget and notifies
// the user once. The notification is sent only after the removal sticks.
func (m *SyncManager) drop(ctx context.Context, op *models.SyncOperation, attempts int, cause error) error {
	removed, err := m.queue.Remove(ctx, op)
	if err != nil {
		return err
	}
	if !removed {
		return nil
	}

	reason := fmt.Errorf("%w: %v", models.ErrRetryBudgetExhausted, cause)
	observability.WithContext(ctx).WithFields(map[string]interface{}{
		"operation": op.ID,
		"kind":      string(op.Kind),
		"target":    string(op.TargetEntity),
		"target_id": op.TargetID,
		"attempts":  attempts,
	}).Errorf("dropping operation: %v", reason)

	m.metrics.RecordDropped(ctx, string(op.TargetEntity))

	m.mu.Lock()
	m.lastError = reason.Error()
	m.mu.Unlock()

	if m.notifier != nil {
		m.notifier.OperationDropped(models.DroppedOperation{
			OperationID:  op.ID,
			Kind:         string(op.Kind),
			TargetEntity: op.TargetEntity,
			TargetID:     op.TargetID,
			Attempts:     attempts,
			Reason:       reason.Error(),
		})
	}
	return nil
}

// enterBackoff schedules the next drain, or goes IDLE when offline
func (m *SyncManager) enterBackoff(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastError = cause.Error()
	m.cancelBackoffLocked()
	if !m.online {
		m.state = models.SyncStateIdle
		return
	}

	delay := m.backoff.NextBackOff()
	next := time.Now().Add(delay)
	m.state = models.SyncStateBackoff
	m.nextAttemptAt = &next

	gen := m.backoffGen
	m.backoffTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		current := gen == m.backoffGen && m.state == models.SyncStateBackoff
		m.mu.Unlock()
		if current {
			m.kick("backoff")
		}
	})

	observability.WithFields(map[string]interface{}{
		"delay": delay.String(),
	}).Infof("Sync backing off: %v", cause)
}

// caller holds m.mu
func (m *SyncManager) cancelBackoffLocked() {
	m.backoffGen++
	if m.backoffTimer != nil {
		m.backoffTimer.Stop()
		m.backoffTimer = nil
	}
	m.nextAttemptAt = nil
}

func (m *SyncManager) setState(state string) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

func (m *SyncManager) isOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *SyncManager) publishStatus(ctx context.Context) {
	if m.notifier == nil {
		return
	}
	m.notifier.SyncStatusChanged(m.Status(ctx))
}
