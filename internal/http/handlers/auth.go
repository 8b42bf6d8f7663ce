package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/droplink/server/internal/auth"
	"github.com/droplink/server/internal/middleware"
	"github.com/droplink/server/internal/model"
	"github.com/droplink/server/internal/password"
)

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	authService *auth.AuthService
	log         *slog.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(authService *auth.AuthService, log *slog.Logger) *AuthHandler {
	return &AuthHandler{authService: authService, log: log}
}

// tokenResponse is returned by every endpoint that hands out a token
type tokenResponse struct {
	Token    string `json:"token"`
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

func newTokenResponse(s auth.Session) tokenResponse {
	return tokenResponse{Token: s.Token, UserID: s.UserID, Username: s.Username}
}

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
}

// HandleRegister handles POST /auth/register
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		respondWithError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	sess, err := h.authService.Register(r.Context(), auth.RegisterInput{
		Username: req.Username,
		Password: req.Password,
		Email:    req.Email,
	})
	if err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}
	respondWithJSON(w, http.StatusOK, newTokenResponse(sess))
}

type loginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember_me"`
}

// HandleLogin handles POST /auth/login
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		respondWithError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	sess, err := h.authService.Login(r.Context(), req.Username, req.Password, req.RememberMe)
	if err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}
	respondWithJSON(w, http.StatusOK, newTokenResponse(sess))
}

// HandleRefresh handles POST /auth/refresh. The token comes from the Authorization header.
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	token, ok := middleware.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "missing or invalid authorization header")
		return
	}

	sess, err := h.authService.Refresh(r.Context(), token)
	if err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}
	respondWithJSON(w, http.StatusOK, newTokenResponse(sess))
}

type meResponse struct {
	UserID   int64   `json:"user_id"`
	Username string  `json:"username"`
	Email    *string `json:"email"`
}

// HandleMe handles GET /auth/me (protected). Returns the authenticated user.
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.authService.Me(r.Context(), userID)
	if err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}
	respondWithJSON(w, http.StatusOK, meResponse{
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
	})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// HandleChangePassword handles POST /auth/change-password (protected)
func (h *AuthHandler) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req changePasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.CurrentPassword == "" || req.NewPassword == "" {
		respondWithError(w, http.StatusBadRequest, "current_password and new_password are required")
		return
	}

	if err := h.authService.ChangePassword(r.Context(), userID, req.CurrentPassword, req.NewPassword); err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse{Success: true})
}

type changeUsernameRequest struct {
	NewUsername string `json:"new_username"`
	Password    string `json:"password"`
}

// HandleChangeUsername handles POST /auth/change-username (protected)
func (h *AuthHandler) HandleChangeUsername(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetClaims(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req changeUsernameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.NewUsername) == "" || req.Password == "" {
		respondWithError(w, http.StatusBadRequest, "new_username and password are required")
		return
	}

	sess, err := h.authService.ChangeUsername(r.Context(), claims, req.NewUsername, req.Password)
	if err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}
	respondWithJSON(w, http.StatusOK, newTokenResponse(sess))
}

type sendCodeRequest struct {
	Email string `json:"email"`
	Type  string `json:"type"`
}

type sendCodeResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	DevCode string `json:"dev_code,omitempty"`
}

// HandleSendVerificationCode handles POST /auth/send-verification-code
func (h *AuthHandler) HandleSendVerificationCode(w http.ResponseWriter, r *http.Request) {
	var req sendCodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		respondWithError(w, http.StatusBadRequest, "email is required")
		return
	}

	devCode, err := h.authService.SendVerificationCode(r.Context(), req.Email)
	if err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}
	respondWithJSON(w, http.StatusOK, sendCodeResponse{
		Success: true,
		Message: "verification code sent",
		DevCode: devCode,
	})
}

type verifyCodeRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

// HandleVerifyCode handles POST /auth/verify-code
func (h *AuthHandler) HandleVerifyCode(w http.ResponseWriter, r *http.Request) {
	var req verifyCodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Code == "" {
		respondWithError(w, http.StatusBadRequest, "email and code are required")
		return
	}

	if err := h.authService.VerifyEmailCode(r.Context(), req.Email, req.Code); err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse{Success: true})
}

// parseRecoveryType accepts the short client names and the stored purpose names.
func parseRecoveryType(s string) (model.CodePurpose, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "password", string(model.PurposeRecoveryPassword):
		return model.PurposeRecoveryPassword, true
	case "username", string(model.PurposeRecoveryUsername):
		return model.PurposeRecoveryUsername, true
	}
	return "", false
}

const errMsgRecoveryType = "type must be 'password' or 'username'"

// HandleSendRecoveryCode handles POST /auth/send-recovery-code
func (h *AuthHandler) HandleSendRecoveryCode(w http.ResponseWriter, r *http.Request) {
	var req sendCodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		respondWithError(w, http.StatusBadRequest, "email is required")
		return
	}
	purpose, ok := parseRecoveryType(req.Type)
	if !ok {
		respondWithError(w, http.StatusBadRequest, errMsgRecoveryType)
		return
	}

	devCode, err := h.authService.SendRecoveryCode(r.Context(), req.Email, purpose)
	if err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}
	respondWithJSON(w, http.StatusOK, sendCodeResponse{
		Success: true,
		Message: "recovery code sent",
		DevCode: devCode,
	})
}

type verifyRecoveryRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
	Type  string `json:"type"`
}

type verifyRecoveryResponse struct {
	Success  bool   `json:"success"`
	Username string `json:"username,omitempty"`
}

// HandleVerifyRecoveryCode handles POST /auth/verify-recovery-code
func (h *AuthHandler) HandleVerifyRecoveryCode(w http.ResponseWriter, r *http.Request) {
	var req verifyRecoveryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Code == "" {
		respondWithError(w, http.StatusBadRequest, "email and code are required")
		return
	}
	purpose, ok := parseRecoveryType(req.Type)
	if !ok {
		respondWithError(w, http.StatusBadRequest, errMsgRecoveryType)
		return
	}

	username, err := h.authService.VerifyRecoveryCode(r.Context(), req.Email, req.Code, purpose)
	if err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}
	respondWithJSON(w, http.StatusOK, verifyRecoveryResponse{Success: true, Username: username})
}

type resetPasswordRequest struct {
	Email       string `json:"email"`
	Code        string `json:"code"`
	NewPassword string `json:"new_password"`
}

// HandleResetPassword handles POST /auth/reset-password
func (h *AuthHandler) HandleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Code == "" || req.NewPassword == "" {
		respondWithError(w, http.StatusBadRequest, "email, code and new_password are required")
		return
	}

	if err := h.authService.ResetPassword(r.Context(), req.Email, req.Code, req.NewPassword); err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse{Success: true})
}

type strengthRequest struct {
	Password string `json:"password"`
	Username string `json:"username"`
}

type strengthResponse struct {
	Valid        bool                  `json:"valid"`
	Strength     string                `json:"strength"`
	Score        int                   `json:"score"`
	Errors       []string              `json:"errors"`
	Requirements password.Requirements `json:"requirements"`
}

// HandleCheckPasswordStrength handles POST /auth/check-password-strength
func (h *AuthHandler) HandleCheckPasswordStrength(w http.ResponseWriter, r *http.Request) {
	var req strengthRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, reqs := h.authService.CheckPasswordStrength(req.Password, req.Username)
	respondWithJSON(w, http.StatusOK, strengthResponse{
		Valid:        res.Valid,
		Strength:     res.Strength,
		Score:        res.Score,
		Errors:       res.Errors,
		Requirements: reqs,
	})
}
