package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/followswap/internal/application/follow"
	"github.com/followswap/internal/domain"
	"github.com/followswap/internal/pkg/validate"
	"github.com/followswap/internal/transport/http/middleware"
	"github.com/go-chi/chi/v5"
)

// FollowHandler handles the follow-exchange endpoints.
type FollowHandler struct {
	svc follow.Service
}

func NewFollowHandler(svc follow.Service) *FollowHandler { return &FollowHandler{svc: svc} }

// identity extracts the authenticated caller from the JWT claims.
func identity(r *http.Request) (follow.Identity, bool) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		return follow.Identity{}, false
	}
	ident := follow.Identity{UserID: claims.UserID, Handle: claims.Handle, Email: claims.Email}
	if claims.Phone != "" {
		phone := claims.Phone
		ident.Phone = &phone
	}
	return ident, true
}

func (h *FollowHandler) Request(w http.ResponseWriter, r *http.Request) {
	ident, ok := identity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req domain.CreateFollowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	fr, err := h.svc.RequestFollow(r.Context(), ident, req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, FollowRequestEnvelope{
		RequestID:        fr.RequestID,
		TargetHandle:     fr.TargetHandle,
		VerificationCode: fr.VerificationCode,
		ExpiresAt:        fr.ExpiresAt,
	})
}

func (h *FollowHandler) Queue(w http.ResponseWriter, r *http.Request) {
	ident, ok := identity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := h.svc.ListQueue(r.Context(), ident, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, QueueEnvelope{Data: entries})
}

func (h *FollowHandler) Verify(w http.ResponseWriter, r *http.Request) {
	ident, ok := identity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	requestID := chi.URLParam(r, "id")
	var req domain.VerifyFollowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	balance, err := h.svc.VerifyFollow(r.Context(), ident, requestID, req.Code)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, VerifyEnvelope{Message: "follow verified", NewBalance: balance})
}

func (h *FollowHandler) Stats(w http.ResponseWriter, r *http.Request) {
	ident, ok := identity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	st, err := h.svc.Stats(r.Context(), ident)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *FollowHandler) History(w http.ResponseWriter, r *http.Request) {
	ident, ok := identity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	items, err := h.svc.History(r.Context(), ident)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryEnvelope{Data: items})
}
