package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/followswap/internal/domain"
)

// MessageEnvelope is the generic response wrapper.
type MessageEnvelope struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// FollowRequestEnvelope wraps a newly created follow request. The code is
// echoed once here so the owner can share it; it never appears in queue or
// history responses.
type FollowRequestEnvelope struct {
	RequestID        string `json:"request_id"`
	TargetHandle     string `json:"target_handle"`
	VerificationCode string `json:"verification_code"`
	ExpiresAt        int64  `json:"expires_at"`
}

// QueueEnvelope wraps the pending-queue listing.
type QueueEnvelope struct {
	Data []domain.QueueEntry `json:"data"`
}

// VerifyEnvelope wraps a successful verification.
type VerifyEnvelope struct {
	Message    string `json:"message"`
	NewBalance int    `json:"new_balance"`
}

// HistoryEnvelope wraps the follow-history listing.
type HistoryEnvelope struct {
	Data []domain.FollowRequest `json:"data"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, MessageEnvelope{Error: msg})
}

// writeDomainError maps domain sentinel errors to HTTP status codes. Invalid
// codes and already-resolved requests are routine outcomes, not faults.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidHandle), errors.Is(err, domain.ErrInvalidCode), errors.Is(err, domain.ErrBadRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrInsufficientPoints):
		writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, domain.ErrSelfVerification):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, domain.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "store unavailable, try again")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
