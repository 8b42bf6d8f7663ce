package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/droplink/server/internal/auth"
)

const maxBodyBytes = 1 << 20

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error             string   `json:"error"`
	Errors            []string `json:"errors,omitempty"`
	RemainingAttempts *int     `json:"remaining_attempts,omitempty"`
	RetryAfterSeconds int      `json:"retry_after_seconds,omitempty"`
}

type successResponse struct {
	Success bool `json:"success"`
}

func respondWithJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondWithJSON(w, statusCode, errorResponse{Error: message})
}

// decodeJSON reads a JSON body into dst. It writes a 400 and returns false on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// respondWithServiceError maps an auth error to its HTTP status. Token failures
// and bad credentials get a low-detail message; the cause goes to the log.
func respondWithServiceError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	var (
		verr    *auth.ValidationError
		lerr    *auth.LockedError
		credErr *auth.CredentialsError
	)
	switch {
	case errors.As(err, &verr):
		respondWithJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Errors: verr.Reasons})
	case errors.As(err, &lerr):
		secs := lerr.RetryAfterSeconds()
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		respondWithJSON(w, http.StatusLocked, errorResponse{
			Error:             "account locked due to too many failed login attempts",
			RetryAfterSeconds: secs,
		})
	case errors.As(err, &credErr):
		remaining := credErr.Remaining
		respondWithJSON(w, http.StatusUnauthorized, errorResponse{
			Error:             auth.ErrInvalidCredentials.Error(),
			RemainingAttempts: &remaining,
		})
	case errors.Is(err, auth.ErrInvalidCredentials):
		respondWithError(w, http.StatusUnauthorized, auth.ErrInvalidCredentials.Error())
	case auth.IsTokenError(err):
		respondWithError(w, http.StatusUnauthorized, "invalid or expired token")
	case errors.Is(err, auth.ErrUsernameTaken), errors.Is(err, auth.ErrEmailTaken):
		respondWithError(w, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrCodeNotFound),
		errors.Is(err, auth.ErrCodeExpired),
		errors.Is(err, auth.ErrCodeMismatch):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrAccountNotFound), errors.Is(err, auth.ErrUserNotFound):
		respondWithError(w, http.StatusNotFound, err.Error())
	default:
		log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		respondWithError(w, http.StatusInternalServerError, "internal server error")
	}
}
