package model

import "time"

// CreateEventRequest is the payload for creating a new gift event.
type CreateEventRequest struct {
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Type        string      `json:"type"`
	StartDate   time.Time   `json:"start_date"`
	EndDate     time.Time   `json:"end_date"`
	SlotsTotal  int         `json:"slots_total"`
	Conditions  Conditions  `json:"conditions"`
	Status      EventStatus `json:"status"`
}

// UpdateEventRequest is a partial update. Nil fields are left unchanged.
// SlotsRemaining is derived from SlotsTotal and cannot be set directly.
type UpdateEventRequest struct {
	Title       *string     `json:"title"`
	Description *string     `json:"description"`
	Type        *string     `json:"type"`
	StartDate   *time.Time  `json:"start_date"`
	EndDate     *time.Time  `json:"end_date"`
	SlotsTotal  *int        `json:"slots_total"`
	Conditions  *Conditions `json:"conditions"`
}

// ScanRequest is the payload staff submit when scanning a redemption code.
type ScanRequest struct {
	QRCode string `json:"qr_code"`
}

// ErrorResponse is a standard JSON error envelope.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason Reason `json:"reason,omitempty"`
}
