package model

import (
	"math"
	"time"
)

// Reason is a business rejection code. Rejections are returned inside
// results and never as Go errors.
type Reason string

const (
	ReasonEventNotFound          Reason = "EVENT_NOT_FOUND"
	ReasonCitizenNotFound        Reason = "CITIZEN_NOT_FOUND"
	ReasonEventClosedOrOutOfTime Reason = "EVENT_CLOSED_OR_OUT_OF_TIME"
	ReasonAgeInfoMissing         Reason = "AGE_INFO_MISSING"
	ReasonAgeTooYoung            Reason = "AGE_TOO_YOUNG"
	ReasonAgeTooOld              Reason = "AGE_TOO_OLD"
	ReasonNotInArea              Reason = "NOT_IN_AREA"
	ReasonPovertyStatusMismatch  Reason = "POVERTY_STATUS_MISMATCH"
	ReasonInsufficientPoints     Reason = "INSUFFICIENT_POINTS"
	ReasonEventFullOrClosed      Reason = "EVENT_FULL_OR_CLOSED"
	ReasonAlreadyRegistered      Reason = "ALREADY_REGISTERED"
	ReasonNotFound               Reason = "NOT_FOUND"
	ReasonAlreadyReceived        Reason = "ALREADY_RECEIVED"
	ReasonRegistrationCancelled  Reason = "REGISTRATION_CANCELLED"
	ReasonNotCancellable         Reason = "NOT_CANCELLABLE"
)

// RegisterResult is the outcome of a registration attempt.
// On ALREADY_REGISTERED, Registration carries the existing record when known.
type RegisterResult struct {
	Success      bool          `json:"success"`
	Reason       Reason        `json:"reason,omitempty"`
	Registration *Registration `json:"registration,omitempty"`
	Event        *Event        `json:"event,omitempty"`
}

// RedeemResult is the outcome of scanning a redemption token.
type RedeemResult struct {
	Success      bool            `json:"success"`
	Reason       Reason          `json:"reason,omitempty"`
	Registration *Registration   `json:"registration,omitempty"`
	Event        *Event          `json:"event,omitempty"`
	Citizen      *CitizenProfile `json:"citizen,omitempty"`
}

// CancelResult is the outcome of cancelling a registration.
type CancelResult struct {
	Success      bool          `json:"success"`
	Reason       Reason        `json:"reason,omitempty"`
	Registration *Registration `json:"registration,omitempty"`
}

// RegistrationFilter narrows registration listings.
type RegistrationFilter struct {
	Status RegistrationStatus
}

// EventFilter narrows event listings.
type EventFilter struct {
	Status EventStatus
}

// MaxPage is the highest page number a listing accepts.
const MaxPage = 1_000_000

// Pagination is a 1-based page request.
type Pagination struct {
	Page  int
	Limit int
}

// Offset returns the number of rows to skip. It saturates at math.MaxInt
// instead of wrapping.
func (p Pagination) Offset() int {
	if p.Page <= 1 || p.Limit <= 0 {
		return 0
	}
	if p.Page-1 > math.MaxInt/p.Limit {
		return math.MaxInt
	}
	return (p.Page - 1) * p.Limit
}

// Normalize fills defaults, caps the limit and clamps the page to MaxPage.
func (p Pagination) Normalize(defaultLimit, maxLimit int) Pagination {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Page > MaxPage {
		p.Page = MaxPage
	}
	if p.Limit <= 0 {
		p.Limit = defaultLimit
	}
	if maxLimit > 0 && p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	return p
}

// Page is a paginated listing.
type Page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

// EventSummary is the event projection attached to citizen listings.
type EventSummary struct {
	ID        string      `json:"id"`
	Title     string      `json:"title"`
	StartDate time.Time   `json:"start_date"`
	EndDate   time.Time   `json:"end_date"`
	Status    EventStatus `json:"status"`
}

// CitizenSummary is the citizen projection attached to event listings.
type CitizenSummary struct {
	ID       string  `json:"id"`
	FullName string  `json:"full_name"`
	Address  Address `json:"address"`
}

// RegistrationView is a registration enriched for listings.
type RegistrationView struct {
	Registration
	Event   *EventSummary   `json:"event,omitempty"`
	Citizen *CitizenSummary `json:"citizen,omitempty"`
}
