// internal/membership/handler.go
package membership

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"clubpass/internal/identity"
	"clubpass/internal/ledger"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Register mounts the lifecycle routes. Payment confirmation is public: the
// gateway redirect carries no token and the session is verified server side.
func (h *Handler) Register(r chi.Router, authn func(http.Handler) http.Handler) {
	r.Get("/payments/success", h.handleConfirmRedirect)
	r.Post("/payments/confirm", h.handleConfirm)

	r.Group(func(r chi.Router) {
		r.Use(authn)
		r.Post("/clubs/{clubID}/join", h.handleJoin)
		r.Post("/events/{eventID}/register", h.handleRegister)
		r.Post("/checkout/{kind}/{recordID}/resume", h.handleResume)

		r.Get("/me/memberships", h.handleListMemberships)
		r.Get("/users/{userID}/memberships", h.handleListMemberships)
		r.Get("/me/registrations", h.handleListRegistrations)

		r.Post("/records/{kind}/{recordID}/expire", h.handleForceExpire)
		r.Get("/records/{kind}/{recordID}/history", h.handleHistory)
		r.Get("/anomalies", h.handleListAnomalies)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := err.Error()
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, ErrPaymentIncomplete):
		status = http.StatusPaymentRequired
	case errors.Is(err, ErrGatewayUnavailable):
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "30")
	case errors.Is(err, identity.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, ErrInvalidInput):
		status = http.StatusBadRequest
	default:
		// internal details stay in the logs
		msg = ErrInternal.Error()
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, invalid(err)
	}
	return id, nil
}

func recordRef(r *http.Request) (RecordRef, error) {
	id, err := pathID(r, "recordID")
	if err != nil {
		return RecordRef{}, err
	}
	return RecordRef{Kind: ledger.Kind(chi.URLParam(r, "kind")), RecordID: id}, nil
}

func (h *Handler) handleJoin(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.FromContext(r.Context())
	clubID, err := pathID(r, "clubID")
	if err != nil {
		writeError(w, err)
		return
	}

	out, err := h.service.Join(r.Context(), actor, JoinInput{ClubID: clubID})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.FromContext(r.Context())
	eventID, err := pathID(r, "eventID")
	if err != nil {
		writeError(w, err)
		return
	}

	out, err := h.service.Register(r.Context(), actor, RegisterInput{EventID: eventID})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.FromContext(r.Context())
	ref, err := recordRef(r)
	if err != nil {
		writeError(w, err)
		return
	}

	out, err := h.service.ResumeCheckout(r.Context(), actor, ref)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleConfirmRedirect(w http.ResponseWriter, r *http.Request) {
	h.confirm(w, r, ConfirmInput{SessionID: r.URL.Query().Get("session_id")})
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req ConfirmInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, invalid(err))
		return
	}
	h.confirm(w, r, req)
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request, in ConfirmInput) {
	out, err := h.service.ConfirmPayment(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleListMemberships(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.FromContext(r.Context())

	views, err := h.service.ListActiveMemberships(r.Context(), actor, chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) handleListRegistrations(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.FromContext(r.Context())

	views, err := h.service.ListRegistrations(r.Context(), actor, "")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) handleForceExpire(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.FromContext(r.Context())
	ref, err := recordRef(r)
	if err != nil {
		writeError(w, err)
		return
	}

	rec, err := h.service.ForceExpire(r.Context(), actor, ref)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.FromContext(r.Context())
	ref, err := recordRef(r)
	if err != nil {
		writeError(w, err)
		return
	}

	events, err := h.service.History(r.Context(), actor, ref)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handleListAnomalies(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.FromContext(r.Context())

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, invalid(errors.New("limit must be a non-negative integer")))
			return
		}
		limit = n
	}

	anomalies, err := h.service.ListAnomalies(r.Context(), actor, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, anomalies)
}
