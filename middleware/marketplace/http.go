package marketplace

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"taskmarket-backend/core/marketplace"
)

// JSON writes a JSON response with status code.
func JSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, msg string) {
	JSON(w, status, map[string]string{"error": msg})
}

// Fail maps a marketplace error to its HTTP status and writes it.
func Fail(w http.ResponseWriter, err error) {
	Error(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, marketplace.ErrAlreadyInitialized):
		return http.StatusConflict
	case errors.Is(err, marketplace.ErrNotInitialized):
		return http.StatusConflict
	case errors.Is(err, marketplace.ErrTaskNotFound),
		errors.Is(err, marketplace.ErrBidNotFound),
		errors.Is(err, marketplace.ErrDisputeNotFound),
		errors.Is(err, marketplace.ErrNoFreelancer):
		return http.StatusNotFound
	case errors.Is(err, marketplace.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, marketplace.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, marketplace.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, marketplace.ErrTransferFailed):
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}
