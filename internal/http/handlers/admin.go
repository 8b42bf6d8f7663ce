package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/droplink/server/internal/auth"
)

// AdminHandler serves operator endpoints. Routes are guarded by middleware.AdminOnly.
type AdminHandler struct {
	authService *auth.AuthService
	log         *slog.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(authService *auth.AuthService, log *slog.Logger) *AdminHandler {
	return &AdminHandler{authService: authService, log: log}
}

type unlockRequest struct {
	Username string `json:"username"`
}

type unlockResponse struct {
	Success  bool   `json:"success"`
	Username string `json:"username"`
}

// HandleUnlockAccount handles POST /auth/unlock-account
func (h *AdminHandler) HandleUnlockAccount(w http.ResponseWriter, r *http.Request) {
	var req unlockRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Username) == "" {
		respondWithError(w, http.StatusBadRequest, "username is required")
		return
	}

	u, err := h.authService.UnlockAccount(r.Context(), req.Username)
	if err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}
	respondWithJSON(w, http.StatusOK, unlockResponse{Success: true, Username: u.Username})
}

// HandleRotateKeys handles POST /auth/rotate-keys. It only plans the rotation;
// the operator applies it to the deployed configuration.
func (h *AdminHandler) HandleRotateKeys(w http.ResponseWriter, r *http.Request) {
	plan, err := h.authService.PlanKeyRotation(r.Context())
	if err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	respondWithJSON(w, http.StatusOK, plan)
}
