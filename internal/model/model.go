// Package model defines the core domain types for the gift event system.
package model

import "time"

// EventStatus is the lifecycle state of a gift event.
type EventStatus string

const (
	EventOpen      EventStatus = "OPEN"
	EventClosed    EventStatus = "CLOSED"
	EventExpired   EventStatus = "EXPIRED"
	EventCancelled EventStatus = "CANCELLED"
)

// Valid reports whether s is one of the known event statuses.
func (s EventStatus) Valid() bool {
	switch s {
	case EventOpen, EventClosed, EventExpired, EventCancelled:
		return true
	}
	return false
}

// RegistrationStatus is the lifecycle state of a registration.
type RegistrationStatus string

const (
	RegistrationRegistered RegistrationStatus = "REGISTERED"
	RegistrationReceived   RegistrationStatus = "RECEIVED"
	RegistrationCancelled  RegistrationStatus = "CANCELLED"
)

// Valid reports whether s is one of the known registration statuses.
func (s RegistrationStatus) Valid() bool {
	switch s {
	case RegistrationRegistered, RegistrationReceived, RegistrationCancelled:
		return true
	}
	return false
}

// AreaMatchMode selects how area tokens are compared with address components.
type AreaMatchMode string

const (
	// AreaMatchSubstring accepts an address component that contains the token.
	AreaMatchSubstring AreaMatchMode = "substring"
	// AreaMatchExact accepts an address component equal to the token.
	AreaMatchExact AreaMatchMode = "exact"
)

// Conditions holds the optional eligibility constraints of an event.
// A nil pointer or empty value means the constraint is not configured.
type Conditions struct {
	MinAge        *int          `json:"min_age,omitempty"`
	MaxAge        *int          `json:"max_age,omitempty"`
	AreaIDs       []string      `json:"area_ids,omitempty"`
	AreaMatch     AreaMatchMode `json:"area_match,omitempty"`
	PovertyStatus string        `json:"poverty_status,omitempty"`
	MinPoints     *int          `json:"min_points,omitempty"`
}

// Event represents a limited-capacity gift distribution.
type Event struct {
	ID             string      `json:"id"`
	Title          string      `json:"title"`
	Description    string      `json:"description"`
	Type           string      `json:"type,omitempty"`
	StartDate      time.Time   `json:"start_date"`
	EndDate        time.Time   `json:"end_date"`
	SlotsTotal     int         `json:"slots_total"`
	SlotsRemaining int         `json:"slots_remaining"`
	Conditions     Conditions  `json:"conditions"`
	Status         EventStatus `json:"status"`
	CreatedBy      string      `json:"created_by,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// InWindow reports whether t falls within [StartDate, EndDate].
func (e *Event) InWindow(t time.Time) bool {
	return !t.Before(e.StartDate) && !t.After(e.EndDate)
}

// Registration is a citizen's claim on one slot of an event.
type Registration struct {
	ID           string             `json:"id"`
	EventID      string             `json:"event_id"`
	CitizenID    string             `json:"citizen_id"`
	Token        string             `json:"qr_code"`
	Status       RegistrationStatus `json:"status"`
	RegisteredAt time.Time          `json:"registered_at"`
	ReceivedAt   *time.Time         `json:"received_at,omitempty"`
	ReceivedBy   string             `json:"received_by,omitempty"`
	CancelledAt  *time.Time         `json:"cancelled_at,omitempty"`
	Note         string             `json:"note,omitempty"`
}

// Address holds the household address components used for area matching.
type Address struct {
	Street   string `json:"street,omitempty"`
	Ward     string `json:"ward,omitempty"`
	District string `json:"district,omitempty"`
	City     string `json:"city,omitempty"`
}

// Components returns the address parts in matching order.
func (a Address) Components() []string {
	return []string{a.Ward, a.District, a.City, a.Street}
}

// CitizenProfile is a read-only snapshot of a citizen and their household,
// owned by the registry subsystem.
type CitizenProfile struct {
	ID            string     `json:"id"`
	FullName      string     `json:"full_name"`
	DateOfBirth   *time.Time `json:"date_of_birth,omitempty"`
	UserID        string     `json:"user_id,omitempty"`
	Points        int        `json:"points"`
	HouseholdID   string     `json:"household_id,omitempty"`
	Address       Address    `json:"address"`
	PovertyStatus string     `json:"poverty_status,omitempty"`
}
