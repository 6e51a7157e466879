// Package memory is an in-process implementation of the event and
// registration stores. Every operation runs under one mutex, which makes
// ReserveSlot and the unique indexes atomic.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quocanhdayyy/QLDChehe/internal/model"
	"github.com/quocanhdayyy/QLDChehe/internal/repository"
)

type pairKey struct {
	eventID   string
	citizenID string
}

// Store holds events and registrations behind a single lock.
type Store struct {
	mu            sync.RWMutex
	events        map[string]model.Event
	registrations map[string]model.Registration
	byToken       map[string]string
	activePair    map[pairKey]string
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		events:        make(map[string]model.Event),
		registrations: make(map[string]model.Registration),
		byToken:       make(map[string]string),
		activePair:    make(map[pairKey]string),
	}
}

// Events returns the event repository view of the store.
func (s *Store) Events() *EventRepository { return &EventRepository{s: s} }

// Registrations returns the registration repository view of the store.
func (s *Store) Registrations() *RegistrationRepository { return &RegistrationRepository{s: s} }

// EventRepository is the in-memory event store.
type EventRepository struct {
	s *Store
}

// Create stores an event, assigning an ID when empty.
func (r *EventRepository) Create(_ context.Context, event *model.Event) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if _, exists := r.s.events[event.ID]; exists {
		return fmt.Errorf("%w: event %s exists", repository.ErrConflict, event.ID)
	}
	r.s.events[event.ID] = cloneEvent(*event)
	return nil
}

// GetByID returns a copy of the event or ErrNotFound.
func (r *EventRepository) GetByID(_ context.Context, id string) (*model.Event, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	ev, ok := r.s.events[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := cloneEvent(ev)
	return &out, nil
}

// List returns events newest first and the total matching the filter.
func (r *EventRepository) List(_ context.Context, filter model.EventFilter, page model.Pagination) ([]model.Event, int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]model.Event, 0, len(r.s.events))
	for _, ev := range r.s.events {
		if filter.Status != "" && ev.Status != filter.Status {
			continue
		}
		out = append(out, cloneEvent(ev))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, page), len(out), nil
}

// Update applies the set fields. A new SlotsTotal shifts SlotsRemaining by
// the same delta, clamped to [0, SlotsTotal].
func (r *EventRepository) Update(_ context.Context, id string, req model.UpdateEventRequest, now time.Time) (*model.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	ev, ok := r.s.events[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if req.Title != nil {
		ev.Title = *req.Title
	}
	if req.Description != nil {
		ev.Description = *req.Description
	}
	if req.Type != nil {
		ev.Type = *req.Type
	}
	if req.StartDate != nil {
		ev.StartDate = *req.StartDate
	}
	if req.EndDate != nil {
		ev.EndDate = *req.EndDate
	}
	if req.Conditions != nil {
		ev.Conditions = cloneConditions(*req.Conditions)
	}
	if req.SlotsTotal != nil {
		newTotal := *req.SlotsTotal
		ev.SlotsRemaining = clamp(ev.SlotsRemaining+(newTotal-ev.SlotsTotal), 0, newTotal)
		ev.SlotsTotal = newTotal
	}
	ev.UpdatedAt = now
	r.s.events[id] = ev

	out := cloneEvent(ev)
	return &out, nil
}

// SetStatus changes the event status.
func (r *EventRepository) SetStatus(_ context.Context, id string, status model.EventStatus, now time.Time) (*model.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	ev, ok := r.s.events[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	ev.Status = status
	ev.UpdatedAt = now
	r.s.events[id] = ev

	out := cloneEvent(ev)
	return &out, nil
}

// Delete removes an event. It returns ErrConflict once any registration
// references it.
func (r *EventRepository) Delete(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.events[id]; !ok {
		return repository.ErrNotFound
	}
	for _, reg := range r.s.registrations {
		if reg.EventID == id {
			return fmt.Errorf("%w: event has registrations", repository.ErrConflict)
		}
	}
	delete(r.s.events, id)
	return nil
}

// ReserveSlot takes one slot from an OPEN event with slots left, or
// returns ErrSlotUnavailable.
func (r *EventRepository) ReserveSlot(_ context.Context, id string, now time.Time) (*model.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	ev, ok := r.s.events[id]
	if !ok || ev.Status != model.EventOpen || ev.SlotsRemaining <= 0 {
		return nil, repository.ErrSlotUnavailable
	}
	ev.SlotsRemaining--
	ev.UpdatedAt = now
	r.s.events[id] = ev

	out := cloneEvent(ev)
	return &out, nil
}

// ReleaseSlot gives one slot back.
func (r *EventRepository) ReleaseSlot(_ context.Context, id string, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	ev, ok := r.s.events[id]
	if !ok {
		return repository.ErrNotFound
	}
	ev.SlotsRemaining++
	ev.UpdatedAt = now
	r.s.events[id] = ev
	return nil
}

// ExpireEnded moves OPEN events whose end date has passed to EXPIRED.
func (r *EventRepository) ExpireEnded(_ context.Context, now time.Time) ([]model.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var expired []model.Event
	for id, ev := range r.s.events {
		if ev.Status != model.EventOpen || !ev.EndDate.Before(now) {
			continue
		}
		ev.Status = model.EventExpired
		ev.UpdatedAt = now
		r.s.events[id] = ev
		expired = append(expired, cloneEvent(ev))
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired, nil
}

// RegistrationRepository is the in-memory registration store.
type RegistrationRepository struct {
	s *Store
}

// FindActive returns the non-cancelled registration for the pair.
func (r *RegistrationRepository) FindActive(_ context.Context, eventID, citizenID string) (*model.Registration, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	id, ok := r.s.activePair[pairKey{eventID, citizenID}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	reg := cloneRegistration(r.s.registrations[id])
	return &reg, nil
}

// Insert stores a registration. A taken ID is ErrConflict, a taken token
// ErrDuplicateToken and an active pair ErrDuplicateRegistration.
func (r *RegistrationRepository) Insert(_ context.Context, reg *model.Registration) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if reg.ID == "" {
		reg.ID = uuid.New().String()
	}
	if _, exists := r.s.registrations[reg.ID]; exists {
		return fmt.Errorf("%w: registration %s exists", repository.ErrConflict, reg.ID)
	}
	if _, exists := r.s.byToken[reg.Token]; exists {
		return repository.ErrDuplicateToken
	}
	key := pairKey{reg.EventID, reg.CitizenID}
	active := reg.Status != model.RegistrationCancelled
	if _, exists := r.s.activePair[key]; exists && active {
		return repository.ErrDuplicateRegistration
	}

	r.s.registrations[reg.ID] = cloneRegistration(*reg)
	r.s.byToken[reg.Token] = reg.ID
	if active {
		r.s.activePair[key] = reg.ID
	}
	return nil
}

// GetByID returns a registration by id.
func (r *RegistrationRepository) GetByID(_ context.Context, id string) (*model.Registration, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	reg, ok := r.s.registrations[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := cloneRegistration(reg)
	return &out, nil
}

// GetByToken returns a registration by redemption token.
func (r *RegistrationRepository) GetByToken(_ context.Context, token string) (*model.Registration, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	id, ok := r.s.byToken[token]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := cloneRegistration(r.s.registrations[id])
	return &out, nil
}

// MarkReceived flips a REGISTERED registration to RECEIVED exactly once.
func (r *RegistrationRepository) MarkReceived(_ context.Context, token, performedBy string, at time.Time) (*model.Registration, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	id, ok := r.s.byToken[token]
	if !ok {
		return nil, repository.ErrNotFound
	}
	reg := r.s.registrations[id]
	if reg.Status != model.RegistrationRegistered {
		return nil, repository.ErrInvalidState
	}
	reg.Status = model.RegistrationReceived
	reg.ReceivedAt = &at
	reg.ReceivedBy = performedBy
	r.s.registrations[id] = reg

	out := cloneRegistration(reg)
	return &out, nil
}

// Cancel marks a REGISTERED registration cancelled and frees its pair.
func (r *RegistrationRepository) Cancel(_ context.Context, id string, at time.Time) (*model.Registration, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	reg, ok := r.s.registrations[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if reg.Status != model.RegistrationRegistered {
		return nil, repository.ErrInvalidState
	}
	reg.Status = model.RegistrationCancelled
	reg.CancelledAt = &at
	r.s.registrations[id] = reg
	delete(r.s.activePair, pairKey{reg.EventID, reg.CitizenID})

	out := cloneRegistration(reg)
	return &out, nil
}

// ListByEvent returns an event's registrations, newest first.
func (r *RegistrationRepository) ListByEvent(_ context.Context, eventID string, filter model.RegistrationFilter, page model.Pagination) ([]model.Registration, int, error) {
	return r.list(func(reg model.Registration) bool { return reg.EventID == eventID }, filter, page)
}

// ListByCitizen returns a citizen's registrations, newest first.
func (r *RegistrationRepository) ListByCitizen(_ context.Context, citizenID string, filter model.RegistrationFilter, page model.Pagination) ([]model.Registration, int, error) {
	return r.list(func(reg model.Registration) bool { return reg.CitizenID == citizenID }, filter, page)
}

func (r *RegistrationRepository) list(match func(model.Registration) bool, filter model.RegistrationFilter, page model.Pagination) ([]model.Registration, int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]model.Registration, 0)
	for _, reg := range r.s.registrations {
		if !match(reg) {
			continue
		}
		if filter.Status != "" && reg.Status != filter.Status {
			continue
		}
		out = append(out, cloneRegistration(reg))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RegisteredAt.After(out[j].RegisteredAt)
	})
	return paginate(out, page), len(out), nil
}

func paginate[T any](items []T, page model.Pagination) []T {
	if page.Limit <= 0 {
		return items
	}
	start := page.Offset()
	if start < 0 || start >= len(items) {
		return []T{}
	}
	end := len(items)
	if page.Limit < end-start {
		end = start + page.Limit
	}
	return items[start:end]
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func cloneConditions(c model.Conditions) model.Conditions {
	if c.AreaIDs != nil {
		c.AreaIDs = append([]string(nil), c.AreaIDs...)
	}
	c.MinAge = cloneInt(c.MinAge)
	c.MaxAge = cloneInt(c.MaxAge)
	c.MinPoints = cloneInt(c.MinPoints)
	return c
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

func cloneEvent(ev model.Event) model.Event {
	ev.Conditions = cloneConditions(ev.Conditions)
	return ev
}

func cloneRegistration(reg model.Registration) model.Registration {
	if reg.ReceivedAt != nil {
		t := *reg.ReceivedAt
		reg.ReceivedAt = &t
	}
	if reg.CancelledAt != nil {
		t := *reg.CancelledAt
		reg.CancelledAt = &t
	}
	return reg
}
