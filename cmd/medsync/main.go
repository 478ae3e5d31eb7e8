package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.com/medsync/agent/internal/auth"
	"github.com/medsync/agent/internal/config"
	"github.com/medsync/agent/internal/handlers"
	"github.com/medsync/agent/internal/observability"
	"github.com/medsync/agent/internal/remote"
	"github.com/medsync/agent/internal/repository"
	"github.com/medsync/agent/internal/services"
)

const serviceName = "medsync-agent"

// @title MedSync Agent API
// @version 1.0
// @description Local API of the offline-first medication sync agent.
// @BasePath /
// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalf("Failed to load configuration: %v", err)
	}

	telemetry, err := observability.Initialize(ctx, observability.NewConfig(serviceName, handlers.Version))
	if err != nil {
		fatalf("Failed to initialize telemetry: %v", err)
	}

	// Without a local store there is no source of truth; refuse to start
	db, err := repository.Open(cfg.DatabasePath, cfg.DatabaseURL)
	if err != nil {
		fatalf("Failed to open local store: %v", err)
	}
	defer db.Close()
	if cfg.UsePostgres() {
		observability.Info("Using PostgreSQL local store")
	} else {
		observability.Infof("Using SQLite local store at %s", cfg.DatabasePath)
	}

	store := repository.NewLocalStore(db)
	queueRepo := repository.NewSyncQueueRepository(db)
	agentState := repository.NewAgentStateRepository(db)

	creds, err := newCredentialProvider(cfg)
	if err != nil {
		fatalf("Failed to initialize credentials: %v", err)
	}
	tokenSource := auth.TokenSource(creds)

	sheets, err := remote.NewSheetsStore(ctx, tokenSource, cfg.Remote.Endpoint)
	if err != nil {
		fatalf("Failed to initialize remote store: %v", err)
	}

	hub := services.NewWebSocketHub()
	queue := services.NewSyncQueue(queueRepo)

	manager := services.NewSyncManager(queue, store, store, sheets, creds, hub, agentState, services.SyncManagerConfig{
		DefaultStoreID:   cfg.Remote.DefaultSheetID,
		MaxRetries:       cfg.Sync.MaxRetries,
		OperationTimeout: cfg.Sync.OperationTimeout(),
		BackoffInitial:   cfg.Sync.BackoffInitial(),
		BackoffMax:       cfg.Sync.BackoffMax(),
	})
	if err := manager.LoadState(ctx); err != nil {
		observability.WithError(err).Warn("could not load sync state")
	}

	monitor := services.NewConnectivityMonitor(cfg.Sync.ConnectivityProbeURL, cfg.Sync.ConnectivityInterval(), manager)
	records := services.NewRecordService(store, queue, manager, sheets, cfg.Remote.DefaultSheetID)

	download := services.NewDownloadChannel()
	backups := services.NewBackupService(
		store, store, agentState,
		services.NewFileChannel(cfg.Backup.FilePath),
		download,
		remoteBackupChannels(ctx, cfg, tokenSource, agentState),
		services.BackupServiceConfig{
			OwnerEmail:   cfg.OwnerEmail,
			Schedule:     cfg.Backup.Schedule,
			Interval:     cfg.Backup.Interval(),
			BackupOnExit: cfg.Backup.Enabled && cfg.Backup.BackupOnExit && cfg.OwnerEmail != "",
		},
	)
	backups.OnComplete(hub.BackupCompleted)

	httpMetrics, err := observability.NewHTTPMetrics()
	if err != nil {
		observability.Warnf("HTTP metrics unavailable: %v", err)
	}

	if cfg.Security.APIKey == "" && cfg.Security.APIKeyHash == "" {
		observability.Warn("No API key configured; the local API is open to any local process")
	}

	router := handlers.NewRouter(handlers.RouterDeps{
		Records:      records,
		Manager:      manager,
		Queue:        queue,
		Backups:      backups,
		Download:     download,
		Hub:          hub,
		Credentials:  creds,
		HTTPMetrics:  httpMetrics,
		ServiceName:  serviceName,
		OwnerEmail:   cfg.OwnerEmail,
		APIKey:       cfg.Security.APIKey,
		APIKeyHash:   cfg.Security.APIKeyHash,
		APIKeyHeader: cfg.Security.APIKeyHeader,
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	var wg sync.WaitGroup
	workers, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	wg.Add(3)
	go func() { defer wg.Done(); hub.Run(workers) }()
	go func() { defer wg.Done(); manager.Run(workers) }()
	go func() { defer wg.Done(); monitor.Run(workers) }()

	if cfg.Backup.Enabled && cfg.OwnerEmail != "" {
		if err := backups.Start(workers); err != nil {
			fatalf("Failed to start backups: %v", err)
		}
	}

	go func() {
		observability.Infof("medsync agent starting on %s", cfg.ServerAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatalf("Server error: %v", err)
		}
	}()

	<-ctx.Done()
	observability.Info("Shutting down agent...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		observability.WithError(err).Error("Server forced to shutdown")
	}

	// Exit backup runs before the workers stop so it sees the final state.
	// Stop also closes the remote channel clients.
	backups.Stop(shutdownCtx)

	cancelWorkers()
	wg.Wait()

	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		observability.WithError(err).Warn("telemetry shutdown failed")
	}
	observability.Info("Agent stopped")
}

// newCredentialProvider picks a static token, an OAuth client or service
// account credentials, in that order.
func newCredentialProvider(cfg *config.Config) (auth.Provider, error) {
	buffer := cfg.Auth.RefreshBuffer()
	switch {
	case cfg.Auth.StaticToken != "":
		observability.Info("Using static access token")
		return auth.NewStaticProvider(cfg.Auth.StaticToken, buffer), nil
	case cfg.Auth.ClientID != "":
		observability.Infof("Using OAuth client with token file %s", cfg.Auth.TokenFile)
		return auth.NewOAuthProvider(auth.NewGoogleConfig(cfg.Auth.ClientID, cfg.Auth.ClientSecret), cfg.Auth.TokenFile, buffer)
	default:
		observability.Info("Using service account credentials")
		return auth.NewServiceAccountProvider(cfg.Auth.CredentialsFile, buffer)
	}
}

// remoteBackupChannels builds the optional Drive and Cloud Storage channels.
// A channel that cannot be created is logged and skipped.
func remoteBackupChannels(ctx context.Context, cfg *config.Config, ts oauth2.TokenSource, agentState repository.StateRepo) []services.BackupChannel {
	var channels []services.BackupChannel

	if cfg.Backup.DriveEnabled {
		drive, err := services.NewDriveChannel(ctx, ts, cfg.Backup.DriveFolderID, "", agentState)
		if err != nil {
			observability.WithError(err).Warn("Drive backups disabled")
		} else {
			channels = append(channels, drive)
		}
	}

	if cfg.Backup.GCSBucket != "" {
		gcs, err := services.NewGCSChannel(ctx, cfg.Backup.GCSBucket, cfg.Backup.GCSPrefix, option.WithTokenSource(ts))
		if err != nil {
			observability.WithError(err).Warn("Cloud Storage backups disabled")
		} else {
			channels = append(channels, gcs)
		}
	}
	return channels
}

func fatalf(format string, args ...interface{}) {
	observability.Errorf(format, args...)
	os.Exit(1)
}
