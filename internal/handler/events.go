package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quocanhdayyy/QLDChehe/internal/audit"
	"github.com/quocanhdayyy/QLDChehe/internal/model"
)

// CreateEvent handles POST /gift-events
func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req model.CreateEventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	p := principal(r)
	event, err := h.events.CreateEvent(r.Context(), req, p.UserID)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to create event")
		return
	}

	h.recordAudit(r.Context(), audit.ActionEventCreate, audit.EntityEvent, event.ID, p.UserID, nil, event)
	writeJSON(w, http.StatusCreated, event)
}

// ListEvents handles GET /gift-events?status=&page=&limit=
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	page, err := parsePagination(r)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to list events")
		return
	}
	filter := model.EventFilter{Status: model.EventStatus(r.URL.Query().Get("status"))}

	events, err := h.events.ListEvents(r.Context(), filter, page)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// GetEvent handles GET /gift-events/{id}
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.events.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err, "failed to get event")
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// UpdateEvent handles PATCH /gift-events/{id}
func (h *Handler) UpdateEvent(w http.ResponseWriter, r *http.Request) {
	var req model.UpdateEventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	before, after, err := h.events.UpdateEvent(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to update event")
		return
	}

	h.recordAudit(r.Context(), audit.ActionEventUpdate, audit.EntityEvent, after.ID, principal(r).UserID, before, after)
	writeJSON(w, http.StatusOK, after)
}

// DeleteEvent handles DELETE /gift-events/{id}
// Events that have registrations cannot be deleted.
func (h *Handler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.events.DeleteEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err, "failed to delete event")
		return
	}

	h.recordAudit(r.Context(), audit.ActionEventDelete, audit.EntityEvent, deleted.ID, principal(r).UserID, deleted, nil)
	w.WriteHeader(http.StatusNoContent)
}

// OpenEvent handles POST /gift-events/{id}/open
func (h *Handler) OpenEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.events.OpenEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err, "failed to open event")
		return
	}

	h.recordAudit(r.Context(), audit.ActionEventOpen, audit.EntityEvent, event.ID, principal(r).UserID, nil, event)
	writeJSON(w, http.StatusOK, event)
}

// CloseEvent handles POST /gift-events/{id}/close
func (h *Handler) CloseEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.events.CloseEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err, "failed to close event")
		return
	}

	h.recordAudit(r.Context(), audit.ActionEventClose, audit.EntityEvent, event.ID, principal(r).UserID, nil, event)
	writeJSON(w, http.StatusOK, event)
}
