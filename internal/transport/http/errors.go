package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"livequiz-service/internal/auth"
	"livequiz-service/internal/domain"
)

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	var te *domain.TransientStoreError
	switch {
	case errors.Is(err, domain.ErrAuthenticationRequired), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrParticipantNotFound),
		errors.Is(err, domain.ErrLessonNotFound):
		return http.StatusNotFound
	case domain.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrSessionEnded),
		errors.Is(err, domain.ErrSessionStarted),
		errors.Is(err, domain.ErrSessionNotStarted),
		errors.Is(err, domain.ErrSubmissionInFlight),
		errors.Is(err, domain.ErrAnswerLocked),
		errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrJoinCodeExhausted), errors.As(err, &te):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) errorResponse {
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		return errorResponse{Error: ve.Message, Field: ve.Field}
	}
	var te *domain.TransientStoreError
	if errors.As(err, &te) {
		return errorResponse{Error: "temporarily unavailable, try again"}
	}
	if statusFor(err) == http.StatusInternalServerError {
		return errorResponse{Error: "request failed"}
	}
	return errorResponse{Error: err.Error()}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	writeJSON(w, status, errorBody(err))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// decode reads a JSON body into dst and validates it.
func (h *Handler) decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return &domain.ValidationError{Message: "invalid JSON body"}
	}
	if err := h.validate.Struct(dst); err != nil {
		var fields validator.ValidationErrors
		if errors.As(err, &fields) && len(fields) > 0 {
			f := fields[0]
			return &domain.ValidationError{Field: f.Field(), Message: "failed " + f.Tag() + " check"}
		}
		return &domain.ValidationError{Message: err.Error()}
	}
	return nil
}
