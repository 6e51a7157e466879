package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/quocanhdayyy/QLDChehe/internal/audit"
	"github.com/quocanhdayyy/QLDChehe/internal/model"
	"github.com/quocanhdayyy/QLDChehe/internal/notify"
)

// Register handles POST /gift-events/{id}/register
// The caller registers the citizen linked to their account.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	res, err := h.registrations.Register(r.Context(), chi.URLParam(r, "id"), p.CitizenID)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to register")
		return
	}
	if !res.Success {
		writeJSON(w, reasonStatus(res.Reason), res)
		return
	}

	h.recordAudit(r.Context(), audit.ActionRegistrationCreate, audit.EntityRegistration, res.Registration.ID, p.UserID, nil, res.Registration)
	if res.Event != nil {
		title, msg := notify.RegistrationConfirmed(res.Event.Title)
		h.sendNotification(r.Context(), p.UserID, title, msg)
	}
	writeJSON(w, http.StatusCreated, res)
}

// ListRegistrations handles GET /gift-events/{id}/registrations?status=&page=&limit=
func (h *Handler) ListRegistrations(w http.ResponseWriter, r *http.Request) {
	page, err := parsePagination(r)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to list registrations")
		return
	}
	filter := model.RegistrationFilter{Status: model.RegistrationStatus(r.URL.Query().Get("status"))}

	regs, err := h.registrations.ListRegistrations(r.Context(), chi.URLParam(r, "id"), filter, page)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to list registrations")
		return
	}
	writeJSON(w, http.StatusOK, regs)
}

// MyRegistrations handles GET /gift-events/registrations/mine
func (h *Handler) MyRegistrations(w http.ResponseWriter, r *http.Request) {
	page, err := parsePagination(r)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to list registrations")
		return
	}
	filter := model.RegistrationFilter{Status: model.RegistrationStatus(r.URL.Query().Get("status"))}

	regs, err := h.registrations.ListRegistrationsForCitizen(r.Context(), principal(r).CitizenID, filter, page)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to list registrations")
		return
	}
	writeJSON(w, http.StatusOK, regs)
}

// Scan handles POST /gift-events/registrations/scan
// Marks the registration behind a scanned QR code as received.
func (h *Handler) Scan(w http.ResponseWriter, r *http.Request) {
	var req model.ScanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	code := strings.TrimSpace(req.QRCode)
	if code == "" {
		writeError(w, http.StatusBadRequest, "qr_code is required")
		return
	}

	p := principal(r)
	res, err := h.registrations.Redeem(r.Context(), code, p.UserID)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to redeem")
		return
	}
	if !res.Success {
		writeJSON(w, reasonStatus(res.Reason), res)
		return
	}

	h.recordAudit(r.Context(), audit.ActionRegistrationReceive, audit.EntityRegistration, res.Registration.ID, p.UserID, nil, res.Registration)
	if res.Citizen != nil && res.Event != nil {
		title, msg := notify.GiftReceived(res.Event.Title)
		h.sendNotification(r.Context(), res.Citizen.UserID, title, msg)
	}
	writeJSON(w, http.StatusOK, res)
}

// CancelRegistration handles POST /gift-events/registrations/{regID}/cancel
// Leaders may cancel any registration; citizens only their own.
func (h *Handler) CancelRegistration(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	owner := ""
	if !p.IsLeader() {
		if p.CitizenID == "" {
			writeError(w, http.StatusBadRequest, "citizen linkage required")
			return
		}
		owner = p.CitizenID
	}

	res, err := h.registrations.Cancel(r.Context(), chi.URLParam(r, "regID"), owner)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to cancel registration")
		return
	}
	if !res.Success {
		writeJSON(w, reasonStatus(res.Reason), res)
		return
	}

	h.recordAudit(r.Context(), audit.ActionRegistrationCancel, audit.EntityRegistration, res.Registration.ID, p.UserID, nil, res.Registration)
	writeJSON(w, http.StatusOK, res)
}
