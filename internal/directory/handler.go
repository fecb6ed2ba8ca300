// internal/directory/handler.go
package directory

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"clubpass/internal/identity"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Register mounts the directory routes on r. Reads and user sign-up are
// public; mutations of clubs and events run behind authn.
func (h *Handler) Register(r chi.Router, authn func(http.Handler) http.Handler) {
	r.Post("/users", h.handleRegisterUser)
	r.Get("/clubs/{clubID}", h.handleGetClub)
	r.Get("/events/{eventID}", h.handleGetEvent)

	r.Group(func(r chi.Router) {
		r.Use(authn)
		r.Post("/clubs", h.handleCreateClub)
		r.Post("/clubs/{clubID}/approve", h.handleApproveClub)
		r.Post("/clubs/{clubID}/events", h.handleCreateEvent)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrEmailTaken):
		status = http.StatusConflict
	case errors.Is(err, ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, identity.ErrForbidden):
		status = http.StatusForbidden
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, ErrInvalidInput
	}
	return id, nil
}

func (h *Handler) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	var req RegisterUserInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, invalid(err))
		return
	}

	user, err := h.service.RegisterUser(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (h *Handler) handleGetClub(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "clubID")
	if err != nil {
		writeError(w, err)
		return
	}
	club, err := h.service.GetClub(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, club)
}

func (h *Handler) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "eventID")
	if err != nil {
		writeError(w, err)
		return
	}
	event, err := h.service.GetEvent(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (h *Handler) handleCreateClub(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.FromContext(r.Context())

	var req CreateClubInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, invalid(err))
		return
	}

	club, err := h.service.CreateClub(r.Context(), actor, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, club)
}

func (h *Handler) handleApproveClub(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.FromContext(r.Context())
	id, err := pathID(r, "clubID")
	if err != nil {
		writeError(w, err)
		return
	}

	club, err := h.service.ApproveClub(r.Context(), actor, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, club)
}

func (h *Handler) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.FromContext(r.Context())
	clubID, err := pathID(r, "clubID")
	if err != nil {
		writeError(w, err)
		return
	}

	var req CreateEventInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, invalid(err))
		return
	}
	req.ClubID = clubID

	event, err := h.service.CreateEvent(r.Context(), actor, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}
