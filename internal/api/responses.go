// responses.go -- Package-wide HTTP response helpers.
//
// Shared by handlers and middleware. All messages are plain ASCII - no
// user-controlled input is interpolated, so string concat is safe here.
package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/MGallo-Code/aegis/internal/apperr"
	"github.com/MGallo-Code/aegis/internal/lock"
)

// InternalServerError logs the error and returns a generic 500 JSON response.
// Never exposes internal error details to prevent information leakage.
func InternalServerError(w http.ResponseWriter, r *http.Request, err error) {
	logError(r, "internal server error", "error", err)
	writeMessage(w, http.StatusInternalServerError, "internal server error")
}

// BadRequest returns a 400 JSON response with the given message.
// Use for client input validation failures.
func BadRequest(w http.ResponseWriter, r *http.Request, message string) {
	writeMessage(w, http.StatusBadRequest, message)
}

// Unauthorized returns a 401 JSON response with a generic message.
// Keep message generic so callers cannot tell which check failed.
func Unauthorized(w http.ResponseWriter, r *http.Request, message string) {
	writeMessage(w, http.StatusUnauthorized, message)
}

// Forbidden returns a 403 JSON response with a generic message.
func Forbidden(w http.ResponseWriter) {
	writeMessage(w, http.StatusForbidden, "forbidden")
}

// NotFound returns a 404 JSON response.
func NotFound(w http.ResponseWriter) {
	writeMessage(w, http.StatusNotFound, "not found")
}

// Conflict returns a 409 JSON response with the given message.
func Conflict(w http.ResponseWriter, message string) {
	writeMessage(w, http.StatusConflict, message)
}

// Locked returns a 423 JSON response for a resource held by another request.
func Locked(w http.ResponseWriter) {
	writeMessage(w, http.StatusLocked, "resource is locked, retry later")
}

// TooManyRequests returns a 429 JSON response with a Retry-After header in whole seconds.
func TooManyRequests(w http.ResponseWriter, retryAfterSeconds float64) {
	secs := int(math.Ceil(retryAfterSeconds))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeMessage(w, http.StatusTooManyRequests, "too many requests")
}

// ServiceUnavailable returns a 503 JSON response.
func ServiceUnavailable(w http.ResponseWriter, r *http.Request, err error) {
	logError(r, "dependency unavailable", "error", err)
	writeMessage(w, http.StatusServiceUnavailable, "service unavailable")
}

// OK returns a 200 JSON response with the given message.
func OK(w http.ResponseWriter, message string) {
	writeMessage(w, http.StatusOK, message)
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError maps an apperr class to its status code. Messages are fixed per
// class so error text never reaches the client.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, apperr.ErrRateLimited):
		d, _ := apperr.RetryAfter(err)
		logInfo(r, "request rate limited", "error", err)
		TooManyRequests(w, d.Seconds())
	case errors.Is(err, apperr.ErrValidation):
		logDebug(r, "request rejected", "error", err)
		BadRequest(w, r, "invalid request")
	case errors.Is(err, apperr.ErrAuthFailure), errors.Is(err, apperr.ErrExpired):
		logWarn(r, "authentication failed", "error", err)
		Unauthorized(w, r, "unauthorized")
	case errors.Is(err, apperr.ErrUnauthorized):
		logWarn(r, "access denied", "error", err)
		Forbidden(w)
	case errors.Is(err, apperr.ErrNotFound):
		NotFound(w)
	case errors.Is(err, apperr.ErrConflict):
		if isLockConflict(err) {
			Locked(w)
			return
		}
		Conflict(w, "conflict")
	case errors.Is(err, apperr.ErrLimitExceeded):
		Conflict(w, "limit exceeded")
	case errors.Is(err, apperr.ErrStoreUnavailable):
		ServiceUnavailable(w, r, err)
	default:
		InternalServerError(w, r, err)
	}
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"message":"` + message + `"}`))
}

func isLockConflict(err error) bool {
	return errors.Is(err, lock.ErrLocked)
}
