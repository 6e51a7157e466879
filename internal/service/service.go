// Package service implements business logic, validation, and orchestration
// between HTTP handlers and the repository layer.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/quocanhdayyy/QLDChehe/internal/clock"
	"github.com/quocanhdayyy/QLDChehe/internal/metrics"
	"github.com/quocanhdayyy/QLDChehe/internal/model"
	"github.com/quocanhdayyy/QLDChehe/internal/repository"
)

const (
	eventsLimit   = 50
	maxSlotsTotal = 100_000
)

// EventService administers gift events.
type EventService struct {
	events  EventStore
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewEventService constructs an EventService with its dependencies.
func NewEventService(events EventStore, clk clock.Clock, log *zap.Logger, m *metrics.Metrics) *EventService {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &EventService{events: events, clock: clk, log: log.Named("events"), metrics: m}
}

// CreateEvent validates the request and stores a new event with all slots
// remaining.
func (s *EventService) CreateEvent(ctx context.Context, req model.CreateEventRequest, createdBy string) (*model.Event, error) {
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		return nil, invalid("title", "is required")
	}
	if req.StartDate.IsZero() {
		return nil, invalid("start_date", "is required")
	}
	if req.EndDate.IsZero() {
		return nil, invalid("end_date", "is required")
	}
	if req.EndDate.Before(req.StartDate) {
		return nil, invalid("end_date", "must not be before start_date")
	}
	if err := validateSlots(req.SlotsTotal); err != nil {
		return nil, err
	}
	if req.Status == "" {
		req.Status = model.EventOpen
	}
	if !req.Status.Valid() {
		return nil, invalid("status", "unknown event status %q", req.Status)
	}
	cond, err := normalizeConditions(req.Conditions)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	event := &model.Event{
		Title:          req.Title,
		Description:    strings.TrimSpace(req.Description),
		Type:           strings.TrimSpace(req.Type),
		StartDate:      req.StartDate,
		EndDate:        req.EndDate,
		SlotsTotal:     req.SlotsTotal,
		SlotsRemaining: req.SlotsTotal,
		Conditions:     cond,
		Status:         req.Status,
		CreatedBy:      createdBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.events.Create(ctx, event); err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}
	s.log.Info("event created", zap.String("event_id", event.ID), zap.Int("slots_total", event.SlotsTotal))
	return event, nil
}

// ListEvents returns events newest first.
func (s *EventService) ListEvents(ctx context.Context, filter model.EventFilter, page model.Pagination) (model.Page[model.Event], error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return model.Page[model.Event]{}, invalid("status", "unknown event status %q", filter.Status)
	}
	page = page.Normalize(eventsLimit, maxListLimit)
	events, total, err := s.events.List(ctx, filter, page)
	if err != nil {
		return model.Page[model.Event]{}, fmt.Errorf("list events: %w", err)
	}
	if events == nil {
		events = []model.Event{}
	}
	return model.Page[model.Event]{Items: events, Total: total, Page: page.Page, Limit: page.Limit}, nil
}

// GetEvent returns a single event by ID.
func (s *EventService) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	if id == "" {
		return nil, invalid("id", "is required")
	}
	event, err := s.events.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	return event, nil
}

// UpdateEvent applies a partial update and returns the event before and
// after the change. A new SlotsTotal shifts SlotsRemaining by the same
// difference, clamped to [0, SlotsTotal].
func (s *EventService) UpdateEvent(ctx context.Context, id string, req model.UpdateEventRequest) (before, after *model.Event, err error) {
	before, err = s.GetEvent(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	if req.Title != nil {
		t := strings.TrimSpace(*req.Title)
		if t == "" {
			return nil, nil, invalid("title", "must not be empty")
		}
		req.Title = &t
	}
	start, end := before.StartDate, before.EndDate
	if req.StartDate != nil {
		start = *req.StartDate
	}
	if req.EndDate != nil {
		end = *req.EndDate
	}
	if end.Before(start) {
		return nil, nil, invalid("end_date", "must not be before start_date")
	}
	if req.SlotsTotal != nil {
		if err := validateSlots(*req.SlotsTotal); err != nil {
			return nil, nil, err
		}
	}
	if req.Conditions != nil {
		cond, err := normalizeConditions(*req.Conditions)
		if err != nil {
			return nil, nil, err
		}
		req.Conditions = &cond
	}

	after, err = s.events.Update(ctx, id, req, s.clock.Now())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, repository.ErrNotFound
		}
		return nil, nil, fmt.Errorf("update event: %w", err)
	}
	return before, after, nil
}

// DeleteEvent removes an event that has never had a registration and
// returns the removed event.
func (s *EventService) DeleteEvent(ctx context.Context, id string) (*model.Event, error) {
	before, err := s.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.events.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("delete event: %w", err)
	}
	return before, nil
}

// OpenEvent sets the event status to OPEN.
func (s *EventService) OpenEvent(ctx context.Context, id string) (*model.Event, error) {
	return s.setStatus(ctx, id, model.EventOpen)
}

// CloseEvent sets the event status to CLOSED.
func (s *EventService) CloseEvent(ctx context.Context, id string) (*model.Event, error) {
	return s.setStatus(ctx, id, model.EventClosed)
}

func (s *EventService) setStatus(ctx context.Context, id string, status model.EventStatus) (*model.Event, error) {
	if id == "" {
		return nil, invalid("id", "is required")
	}
	ev, err := s.events.SetStatus(ctx, id, status, s.clock.Now())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("set event status: %w", err)
	}
	s.log.Info("event status changed", zap.String("event_id", id), zap.String("status", string(status)))
	return ev, nil
}

// ExpireEnded moves every OPEN event whose end date has passed to EXPIRED
// and returns the events it changed.
func (s *EventService) ExpireEnded(ctx context.Context) ([]model.Event, error) {
	expired, err := s.events.ExpireEnded(ctx, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("expire events: %w", err)
	}
	s.metrics.AddExpired(len(expired))
	return expired, nil
}

func validateSlots(n int) error {
	if n < 0 {
		return invalid("slots_total", "must not be negative")
	}
	if n > maxSlotsTotal {
		return invalid("slots_total", "cannot exceed %d", maxSlotsTotal)
	}
	return nil
}

func normalizeConditions(c model.Conditions) (model.Conditions, error) {
	if c.MinAge != nil && *c.MinAge < 0 {
		return c, invalid("conditions.min_age", "must not be negative")
	}
	if c.MaxAge != nil && *c.MaxAge < 0 {
		return c, invalid("conditions.max_age", "must not be negative")
	}
	if c.MinAge != nil && c.MaxAge != nil && *c.MinAge > *c.MaxAge {
		return c, invalid("conditions.max_age", "must not be below min_age")
	}
	if c.MinPoints != nil && *c.MinPoints < 0 {
		return c, invalid("conditions.min_points", "must not be negative")
	}
	switch c.AreaMatch {
	case "", model.AreaMatchSubstring, model.AreaMatchExact:
	default:
		return c, invalid("conditions.area_match", "unknown mode %q", c.AreaMatch)
	}

	var areas []string
	for _, a := range c.AreaIDs {
		if a = strings.TrimSpace(a); a != "" {
			areas = append(areas, a)
		}
	}
	c.AreaIDs = areas
	c.PovertyStatus = strings.TrimSpace(c.PovertyStatus)
	return c, nil
}
