package handlers

import (
	"fmt"
	"io"
	"net/http"

	"github.com/medsync/agent/internal/middleware"
	"github.com/medsync/agent/internal/services"
)

const (
	// downloadName is the file name offered for a user-initiated export
	downloadName   = "medsync_backup.json"
	checksumHeader = "X-Backup-Checksum"
)

// BackupHandler handles export, restore and backup scheduling endpoints
type BackupHandler struct {
	backups  *services.BackupService
	download *services.DownloadChannel
}

// NewBackupHandler creates a new BackupHandler. download may be nil.
func NewBackupHandler(backups *services.BackupService, download *services.DownloadChannel) *BackupHandler {
	return &BackupHandler{backups: backups, download: download}
}

// RestoreResponse summarises what a restore wrote
type RestoreResponse struct {
	Version    string `json:"version"`
	Medicines  int    `json:"medicines"`
	DoseEvents int    `json:"doseEvents"`
	Profiles   int    `json:"profiles"`
}

// Export streams the owner's snapshot as a JSON attachment
// @Summary Export a backup
// @Tags backup
// @Produce json
// @Success 200 {object} models.Snapshot
// @Security ApiKeyAuth
// @Router /api/backup/export [get]
func (h *BackupHandler) Export(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwnerFromContext(r.Context())

	snap, err := h.backups.ExportSnapshot(r.Context(), owner)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	data, err := services.MarshalSnapshot(snap)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if h.download != nil {
		h.download.Write(r.Context(), data)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(checksumHeader, "sha256:"+services.Checksum(data))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", downloadName))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// Restore applies an uploaded backup. The body is either the raw JSON
// document or a multipart form with a "file" field.
// @Summary Restore a backup
// @Tags backup
// @Accept json
// @Accept multipart/form-data
// @Produce json
// @Param file formData file false "Backup file"
// @Success 200 {object} RestoreResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 422 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/backup/restore [post]
func (h *BackupHandler) Restore(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var src io.Reader = r.Body
	if err := r.ParseMultipartForm(maxBodyBytes); err == nil {
		file, _, err := r.FormFile("file")
		if err != nil {
			respondError(w, http.StatusBadRequest, "file field is required")
			return
		}
		defer file.Close()
		src = file
	}

	data, err := io.ReadAll(src)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Failed to read backup")
		return
	}

	if sum := r.Header.Get(checksumHeader); sum != "" && !services.VerifyChecksum(data, sum) {
		respondError(w, http.StatusBadRequest, "Backup checksum does not match")
		return
	}

	snap, err := services.ParseSnapshot(data)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.backups.RestoreSnapshot(r.Context(), snap); err != nil {
		respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, RestoreResponse{
		Version:    snap.Version,
		Medicines:  len(snap.Medicines),
		DoseEvents: len(snap.DoseEvents),
		Profiles:   len(snap.Profiles),
	})
}

// RestoreEmergency restores the device-local fallback copy
// @Summary Restore the emergency backup
// @Tags backup
// @Produce json
// @Success 200 {object} RestoreResponse
// @Failure 404 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/backup/restore/emergency [post]
func (h *BackupHandler) RestoreEmergency(w http.ResponseWriter, r *http.Request) {
	snap, err := h.backups.RestoreEmergencyBackup(r.Context())
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, RestoreResponse{
		Version:    snap.Version,
		Medicines:  len(snap.Medicines),
		DoseEvents: len(snap.DoseEvents),
		Profiles:   len(snap.Profiles),
	})
}

// Run takes a backup now and returns the per-channel report
// @Summary Run a backup now
// @Tags backup
// @Produce json
// @Success 200 {object} services.BackupReport
// @Security ApiKeyAuth
// @Router /api/backup/run [post]
func (h *BackupHandler) Run(w http.ResponseWriter, r *http.Request) {
	report, err := h.backups.RunNow(r.Context())
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// Status returns the backup schedule and last results
// @Summary Backup status
// @Tags backup
// @Produce json
// @Success 200 {object} services.BackupStatus
// @Security ApiKeyAuth
// @Router /api/backup/status [get]
func (h *BackupHandler) Status(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.backups.Status(r.Context()))
}
