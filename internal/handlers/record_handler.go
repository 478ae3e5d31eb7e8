package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/medsync/agent/internal/middleware"
	"github.com/medsync/agent/internal/models"
	"github.com/medsync/agent/internal/services"
)

// RecordHandler handles medicine, dose and profile endpoints
type RecordHandler struct {
	records *services.RecordService
}

// NewRecordHandler creates a new RecordHandler
func NewRecordHandler(records *services.RecordService) *RecordHandler {
	return &RecordHandler{records: records}
}

// DoseResponse is returned after recording a dose
type DoseResponse struct {
	Event    *models.DoseEvent      `json:"event"`
	Medicine *models.MedicineRecord `json:"medicine,omitempty"`
}

// GetRecords returns everything the Local Store holds for the owner
// @Summary List local records
// @Description Returns the owner's medicines, dose events and profile from the Local Store
// @Tags records
// @Produce json
// @Success 200 {object} models.LocalRecords
// @Failure 503 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/records [get]
func (h *RecordHandler) GetRecords(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwnerFromContext(r.Context())

	records, err := h.records.GetLocalRecords(r.Context(), owner)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if records.Medicines == nil {
		records.Medicines = []*models.MedicineRecord{}
	}
	if records.DoseEvents == nil {
		records.DoseEvents = []*models.DoseEvent{}
	}
	respondJSON(w, http.StatusOK, records)
}

// CreateMedicine adds a medicine
// @Summary Add a medicine
// @Tags medicines
// @Accept json
// @Produce json
// @Param request body models.MedicineRecord true "Medicine"
// @Success 201 {object} models.MedicineRecord
// @Failure 400 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/medicines/ [post]
func (h *RecordHandler) CreateMedicine(w http.ResponseWriter, r *http.Request) {
	var req models.MedicineRecord
	if !decodeJSON(w, r, &req) {
		return
	}

	owner := middleware.GetOwnerFromContext(r.Context())
	created, err := h.records.AddMedicine(r.Context(), owner, &req)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

// UpdateMedicine replaces the editable fields of a medicine
// @Summary Update a medicine
// @Tags medicines
// @Accept json
// @Produce json
// @Param id path string true "Medicine ID"
// @Param request body models.MedicineRecord true "Medicine"
// @Success 200 {object} models.MedicineRecord
// @Failure 400 {object} models.ErrorResponse
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/medicines/{id} [put]
func (h *RecordHandler) UpdateMedicine(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req models.MedicineRecord
	if !decodeJSON(w, r, &req) {
		return
	}

	owner := middleware.GetOwnerFromContext(r.Context())
	updated, err := h.records.UpdateMedicine(r.Context(), owner, id, &req)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

// DeleteMedicine deactivates a medicine; its dose history is kept
// @Summary Deactivate a medicine
// @Tags medicines
// @Produce json
// @Param id path string true "Medicine ID"
// @Success 200 {object} models.MedicineRecord
// @Failure 404 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/medicines/{id} [delete]
func (h *RecordHandler) DeleteMedicine(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	owner := middleware.GetOwnerFromContext(r.Context())

	updated, err := h.records.DeactivateMedicine(r.Context(), owner, id)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

// RecordDose logs a taken or snoozed dose
// @Summary Record a dose
// @Description A taken dose also decrements the medicine's stock
// @Tags medicines
// @Accept json
// @Produce json
// @Param id path string true "Medicine ID"
// @Param request body models.RecordDoseRequest true "Dose"
// @Success 201 {object} DoseResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/medicines/{id}/doses [post]
func (h *RecordHandler) RecordDose(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req models.RecordDoseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Status = strings.ToLower(strings.TrimSpace(req.Status))

	owner := middleware.GetOwnerFromContext(r.Context())
	event, medicine, err := h.records.RecordDose(r.Context(), owner, id, req)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, DoseResponse{Event: event, Medicine: medicine})
}

// SaveProfile creates or replaces the owner's profile
// @Summary Save the owner's profile
// @Tags profile
// @Accept json
// @Produce json
// @Param request body models.UserProfile true "Profile"
// @Success 200 {object} models.UserProfile
// @Failure 400 {object} models.ErrorResponse
// @Failure 403 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/profile [put]
func (h *RecordHandler) SaveProfile(w http.ResponseWriter, r *http.Request) {
	var req models.UserProfile
	if !decodeJSON(w, r, &req) {
		return
	}

	owner := middleware.GetOwnerFromContext(r.Context())
	if req.Email == "" {
		req.Email = owner
	}
	if !strings.EqualFold(strings.TrimSpace(req.Email), owner) {
		respondErr(w, r, models.ErrOwnerMismatch)
		return
	}

	saved, err := h.records.SaveProfile(r.Context(), &req)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, saved)
}
