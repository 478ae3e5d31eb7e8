package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger"

	_ "github.com/medsync/agent/docs"
	"github.com/medsync/agent/internal/auth"
	custommw "github.com/medsync/agent/internal/middleware"
	"github.com/medsync/agent/internal/observability"
	"github.com/medsync/agent/internal/services"
)

// RouterDeps is everything the local API serves
type RouterDeps struct {
	Records      *services.RecordService
	Manager      *services.SyncManager
	Queue        *services.SyncQueue
	Backups      *services.BackupService
	Download     *services.DownloadChannel
	Hub          *services.WebSocketHub
	Credentials  auth.Provider
	HTTPMetrics  *observability.HTTPMetrics
	ServiceName  string
	OwnerEmail   string
	APIKey       string
	APIKeyHash   string
	APIKeyHeader string
}

// NewRouter builds the chi router for the local API
func NewRouter(d RouterDeps) http.Handler {
	healthHandler := NewHealthHandler()
	recordHandler := NewRecordHandler(d.Records)
	syncHandler := NewSyncHandler(d.Records, d.Manager, d.Queue)
	backupHandler := NewBackupHandler(d.Backups, d.Download)
	authHandler := NewAuthHandler(d.Credentials, d.Manager)

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(observability.RequestLogger)
	r.Use(chimw.Recoverer)
	if d.ServiceName != "" {
		r.Use(observability.TracingMiddleware(d.ServiceName))
	}
	if d.HTTPMetrics != nil {
		r.Use(observability.MetricsMiddleware(d.HTTPMetrics))
	}
	r.Use(custommw.APIKeyAuth(d.APIKey, d.APIKeyHash, d.APIKeyHeader))
	r.Use(custommw.OwnerRequired(d.OwnerEmail))

	r.Get("/health", healthHandler.HealthCheck)
	r.Get("/version", healthHandler.Version)
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))

	if d.Hub != nil {
		wsHandler := NewWebSocketHandler(d.Hub, d.Manager)
		r.Get("/ws", wsHandler.HandleConnection)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/records", recordHandler.GetRecords)

		r.Route("/medicines", func(r chi.Router) {
			r.Post("/", recordHandler.CreateMedicine)
			r.Put("/{id}", recordHandler.UpdateMedicine)
			r.Delete("/{id}", recordHandler.DeleteMedicine)
			r.Post("/{id}/doses", recordHandler.RecordDose)
		})

		r.Put("/profile", recordHandler.SaveProfile)

		r.Route("/sync", func(r chi.Router) {
			r.Post("/operations", syncHandler.EnqueueOperation)
			r.Get("/queue", syncHandler.ListQueue)
			r.Get("/status", syncHandler.GetStatus)
			r.Post("/trigger", syncHandler.TriggerSync)
			r.Post("/refresh", syncHandler.Refresh)
		})

		r.Post("/auth/token", authHandler.SetToken)

		r.Route("/backup", func(r chi.Router) {
			r.Get("/export", backupHandler.Export)
			r.Post("/restore", backupHandler.Restore)
			r.Post("/restore/emergency", backupHandler.RestoreEmergency)
			r.Post("/run", backupHandler.Run)
			r.Get("/status", backupHandler.Status)
		})
	})

	return r
}
