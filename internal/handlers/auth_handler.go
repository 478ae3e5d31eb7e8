package handlers

import (
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/medsync/agent/internal/auth"
	"github.com/medsync/agent/internal/services"
)

// TokenRequest is the body of POST /api/auth/token. The UI posts the
// credential it obtained when the user signed in again.
type TokenRequest struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// AuthHandler hands a fresh credential to the provider and resumes sync
type AuthHandler struct {
	provider auth.Provider
	manager  *services.SyncManager
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(provider auth.Provider, manager *services.SyncManager) *AuthHandler {
	return &AuthHandler{provider: provider, manager: manager}
}

// SetToken installs a new credential and lifts a credential block
// @Summary Hand over a fresh credential
// @Tags auth
// @Accept json
// @Produce json
// @Param request body TokenRequest true "Credential"
// @Success 202 {object} models.SyncStatus
// @Failure 400 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/auth/token [post]
func (h *AuthHandler) SetToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.AccessToken = strings.TrimSpace(req.AccessToken)
	if req.AccessToken == "" {
		respondError(w, http.StatusBadRequest, "accessToken is required")
		return
	}

	switch p := h.provider.(type) {
	case *auth.StaticProvider:
		p.SetToken(req.AccessToken)
	case *auth.OAuthProvider:
		tok := &oauth2.Token{
			AccessToken:  req.AccessToken,
			RefreshToken: req.RefreshToken,
			TokenType:    "Bearer",
			Expiry:       req.Expiry,
		}
		if err := p.SetToken(tok); err != nil {
			respondErr(w, r, err)
			return
		}
	default:
		respondError(w, http.StatusConflict, "credential provider does not accept tokens")
		return
	}

	h.manager.CredentialsRefreshed()
	respondJSON(w, http.StatusAccepted, h.manager.Status(r.Context()))
}
