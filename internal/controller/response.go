package controller

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	appErrors "github.com/unclebandit/cartrecovery-backend/internal/errors"
	"github.com/unclebandit/cartrecovery-backend/internal/logger"
	"github.com/unclebandit/cartrecovery-backend/internal/service"
)

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteJSON encodes v as the response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithModule("http").WithError(err).Warn("encode response")
	}
}

// StatusFor maps an application error onto the HTTP status the API answers with.
func StatusFor(err error) int {
	var (
		validation *appErrors.ValidationError
		conflict   *appErrors.ConflictError
		restricted *appErrors.PlanRestrictedError
		cooldown   *appErrors.CooldownBlockedError
		provider   *appErrors.ProviderError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case appErrors.IsNotFound(err):
		return http.StatusNotFound
	case errors.As(err, &conflict), errors.Is(err, service.ErrFiringInProgress):
		return http.StatusConflict
	case errors.As(err, &restricted):
		return http.StatusForbidden
	case errors.As(err, &cooldown):
		return http.StatusTooManyRequests
	case errors.As(err, &provider):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// WriteError answers with the mapped status and {"error": ...}. Cooldown refusals also
// carry Retry-After in whole seconds.
func WriteError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	var cooldown *appErrors.CooldownBlockedError
	if errors.As(err, &cooldown) {
		secs := int(math.Ceil(cooldown.Remaining.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	if status == http.StatusInternalServerError {
		logger.WithModule("http").WithError(err).Error("request failed")
	}
	WriteJSON(w, status, ErrorResponse{Error: err.Error()})
}

// DecodeBody decodes the JSON request body into dst, reporting malformed input as a
// ValidationError.
func DecodeBody(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return appErrors.NewValidation("body", "invalid JSON: "+err.Error())
	}
	return nil
}

// QueryInt reads a positive integer query parameter; anything else yields 0 so the service
// applies its default.
func QueryInt(r *http.Request, name string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v < 1 {
		return 0
	}
	return v
}
