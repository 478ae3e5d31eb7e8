package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/medsync/agent/internal/models"
	"github.com/medsync/agent/internal/observability"
)

// maxBodyBytes bounds request bodies, including uploaded backups
const maxBodyBytes = 16 << 20

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, models.ErrorResponse{Error: message})
}

// respondErr maps a sync core error onto an HTTP status
func respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		observability.WithContext(r.Context()).WithField("path", r.URL.Path).WithError(err).Error("request failed")
	}
	respondError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidRecord),
		errors.Is(err, models.ErrMissingKey),
		errors.Is(err, models.ErrUnknownKind),
		errors.Is(err, models.ErrUnknownTarget):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrCredentialInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrOwnerMismatch):
		return http.StatusForbidden
	case errors.Is(err, models.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrSyncInProgress):
		return http.StatusConflict
	case errors.Is(err, models.ErrRestoreVersionMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrNetworkUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, models.ErrRemoteRejected):
		return http.StatusBadGateway
	case errors.Is(err, models.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// decodeJSON reads a bounded JSON body into dst
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}
