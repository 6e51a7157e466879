package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quocanhdayyy/QLDChehe/internal/clock"
	"github.com/quocanhdayyy/QLDChehe/internal/eligibility"
	"github.com/quocanhdayyy/QLDChehe/internal/metrics"
	"github.com/quocanhdayyy/QLDChehe/internal/model"
	"github.com/quocanhdayyy/QLDChehe/internal/repository"
)

const (
	eventRegistrationsLimit   = 100
	citizenRegistrationsLimit = 50
	maxListLimit              = 500
	enrichConcurrency         = 8
)

const tracerName = "github.com/quocanhdayyy/QLDChehe/internal/service"

// RegistrationService orchestrates registration, redemption and cancellation.
// It holds no locks: slot accounting and duplicate detection are delegated
// to the store's conditional updates and unique indexes.
type RegistrationService struct {
	events        EventStore
	registrations RegistrationStore
	citizens      CitizenDirectory
	allocator     *SlotAllocator
	redeemer      *Redeemer
	clock         clock.Clock
	newToken      TokenSource
	log           *zap.Logger
	metrics       *metrics.Metrics
	tracer        trace.Tracer
}

// Option configures a RegistrationService.
type Option func(*RegistrationService)

// WithClock overrides the system clock.
func WithClock(c clock.Clock) Option {
	return func(s *RegistrationService) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *RegistrationService) { s.log = l }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *RegistrationService) { s.metrics = m }
}

// WithTokenSource overrides redemption token generation.
func WithTokenSource(fn TokenSource) Option {
	return func(s *RegistrationService) { s.newToken = fn }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *RegistrationService) { s.tracer = t }
}

// NewRegistrationService constructs a RegistrationService.
func NewRegistrationService(
	events EventStore,
	registrations RegistrationStore,
	citizens CitizenDirectory,
	opts ...Option,
) (*RegistrationService, error) {
	if events == nil {
		return nil, errors.New("event store is required")
	}
	if registrations == nil {
		return nil, errors.New("registration store is required")
	}
	if citizens == nil {
		return nil, errors.New("citizen directory is required")
	}

	s := &RegistrationService{
		events:        events,
		registrations: registrations,
		citizens:      citizens,
		clock:         clock.SystemClock{},
		newToken:      NewToken,
		log:           zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	s.log = s.log.Named("registration")
	s.allocator = NewSlotAllocator(events, s.clock, s.log, s.metrics)
	s.redeemer = NewRedeemer(registrations, events, citizens, s.clock, s.log)
	return s, nil
}

// Register claims one slot of eventID for citizenID.
//
// Business rejections come back as a result with Success=false and a
// Reason. A non-nil error means infrastructure failed; any slot reserved
// along the way has been released by then.
func (s *RegistrationService) Register(ctx context.Context, eventID, citizenID string) (res model.RegisterResult, err error) {
	started := time.Now()
	ctx, span := s.tracer.Start(ctx, "RegistrationService.Register", trace.WithAttributes(
		attribute.String("gift.event_id", eventID),
		attribute.String("gift.citizen_id", citizenID),
	))
	defer func() {
		outcome := outcomeLabel(res.Success, res.Reason, err)
		span.SetAttributes(attribute.String("gift.outcome", outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "register failed")
		}
		span.End()
		s.metrics.ObserveRegistration(outcome, started)
	}()

	eventID = strings.TrimSpace(eventID)
	citizenID = strings.TrimSpace(citizenID)
	if eventID == "" {
		return model.RegisterResult{}, invalid("event_id", "is required")
	}
	if citizenID == "" {
		return model.RegisterResult{}, invalid("citizen_id", "is required")
	}

	// Step 1: duplicate pre-check. The unique index hit in step 4 remains
	// the authority.
	existing, err := s.registrations.FindActive(ctx, eventID, citizenID)
	if err == nil {
		return model.RegisterResult{Reason: model.ReasonAlreadyRegistered, Registration: existing}, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return model.RegisterResult{}, fmt.Errorf("check existing registration: %w", err)
	}

	// Step 2: load event and citizen concurrently, then evaluate eligibility.
	event, profile, err := s.loadEventAndCitizen(ctx, eventID, citizenID)
	if err != nil {
		return model.RegisterResult{}, err
	}
	if event == nil {
		return model.RegisterResult{Reason: model.ReasonEventNotFound}, nil
	}
	now := s.clock.Now()
	if event.Status != model.EventOpen || !event.InWindow(now) {
		return model.RegisterResult{Reason: model.ReasonEventClosedOrOutOfTime, Event: event}, nil
	}
	if profile == nil {
		return model.RegisterResult{Reason: model.ReasonCitizenNotFound, Event: event}, nil
	}
	if verdict := eligibility.Evaluate(profile, event, now); !verdict.Eligible {
		return model.RegisterResult{Reason: verdict.Reason, Event: event}, nil
	}

	// Step 3: reserve a slot.
	reserved, err := s.allocator.Reserve(ctx, eventID)
	if err != nil {
		if errors.Is(err, repository.ErrSlotUnavailable) {
			return model.RegisterResult{Reason: model.ReasonEventFullOrClosed, Event: event}, nil
		}
		return model.RegisterResult{}, err
	}

	// Step 4: issue the token and persist. Every failure from here on
	// releases the reserved slot before returning.
	token, err := s.newToken()
	if err != nil {
		_ = s.allocator.Release(ctx, eventID)
		return model.RegisterResult{}, err
	}
	reg := &model.Registration{
		EventID:      eventID,
		CitizenID:    citizenID,
		Token:        token,
		Status:       model.RegistrationRegistered,
		RegisteredAt: s.clock.Now(),
	}
	if err := s.registrations.Insert(ctx, reg); err != nil {
		_ = s.allocator.Release(ctx, eventID)
		if errors.Is(err, repository.ErrDuplicateRegistration) {
			// A concurrent request for the same pair won the insert.
			winner, findErr := s.registrations.FindActive(context.WithoutCancel(ctx), eventID, citizenID)
			if findErr != nil {
				winner = nil
			}
			return model.RegisterResult{Reason: model.ReasonAlreadyRegistered, Registration: winner}, nil
		}
		s.log.Error("registration insert failed",
			zap.String("event_id", eventID),
			zap.String("citizen_id", citizenID),
			zap.Error(err),
		)
		return model.RegisterResult{}, fmt.Errorf("insert registration: %w", err)
	}

	s.log.Info("registered",
		zap.String("event_id", eventID),
		zap.String("citizen_id", citizenID),
		zap.String("registration_id", reg.ID),
		zap.Int("slots_remaining", reserved.SlotsRemaining),
	)
	return model.RegisterResult{Success: true, Registration: reg, Event: reserved}, nil
}

func (s *RegistrationService) loadEventAndCitizen(ctx context.Context, eventID, citizenID string) (*model.Event, *model.CitizenProfile, error) {
	var (
		event   *model.Event
		profile *model.CitizenProfile
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ev, err := s.events.GetByID(gctx, eventID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("load event: %w", err)
		}
		event = ev
		return nil
	})
	g.Go(func() error {
		p, err := s.citizens.GetCitizenWithHousehold(gctx, citizenID)
		if err != nil {
			return fmt.Errorf("load citizen: %w", err)
		}
		profile = p
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return event, profile, nil
}

// Redeem marks a redemption token as received.
func (s *RegistrationService) Redeem(ctx context.Context, token, performedBy string) (res model.RedeemResult, err error) {
	ctx, span := s.tracer.Start(ctx, "RegistrationService.Redeem")
	defer func() {
		outcome := outcomeLabel(res.Success, res.Reason, err)
		span.SetAttributes(attribute.String("gift.outcome", outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "redeem failed")
		}
		span.End()
		s.metrics.ObserveRedemption(outcome)
	}()

	return s.redeemer.Redeem(ctx, token, performedBy)
}

// Cancel withdraws a REGISTERED registration and returns its slot. When
// citizenID is non-empty the registration must belong to that citizen.
func (s *RegistrationService) Cancel(ctx context.Context, registrationID, citizenID string) (model.CancelResult, error) {
	registrationID = strings.TrimSpace(registrationID)
	if registrationID == "" {
		return model.CancelResult{}, invalid("registration_id", "is required")
	}

	current, err := s.registrations.GetByID(ctx, registrationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.CancelResult{Reason: model.ReasonNotFound}, nil
		}
		return model.CancelResult{}, fmt.Errorf("get registration: %w", err)
	}
	if citizenID != "" && current.CitizenID != citizenID {
		return model.CancelResult{Reason: model.ReasonNotFound}, nil
	}

	cancelled, err := s.registrations.Cancel(ctx, registrationID, s.clock.Now())
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrNotFound):
		return model.CancelResult{Reason: model.ReasonNotFound}, nil
	case errors.Is(err, repository.ErrInvalidState):
		latest, getErr := s.registrations.GetByID(ctx, registrationID)
		if getErr != nil {
			latest = current
		}
		reason := model.ReasonNotCancellable
		if latest.Status == model.RegistrationCancelled {
			reason = model.ReasonRegistrationCancelled
		}
		return model.CancelResult{Reason: reason, Registration: latest}, nil
	default:
		return model.CancelResult{}, fmt.Errorf("cancel registration: %w", err)
	}

	// The cancellation is committed; a failed release is logged by the
	// allocator and does not undo it.
	_ = s.allocator.Release(ctx, cancelled.EventID)
	return model.CancelResult{Success: true, Registration: cancelled}, nil
}

// ListRegistrations returns an event's registrations, newest first, with
// the citizen name and address attached.
func (s *RegistrationService) ListRegistrations(ctx context.Context, eventID string, filter model.RegistrationFilter, page model.Pagination) (model.Page[model.RegistrationView], error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return model.Page[model.RegistrationView]{}, invalid("status", "unknown registration status %q", filter.Status)
	}
	if _, err := s.events.GetByID(ctx, eventID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.Page[model.RegistrationView]{}, repository.ErrNotFound
		}
		return model.Page[model.RegistrationView]{}, fmt.Errorf("get event: %w", err)
	}

	page = page.Normalize(eventRegistrationsLimit, maxListLimit)
	regs, total, err := s.registrations.ListByEvent(ctx, eventID, filter, page)
	if err != nil {
		return model.Page[model.RegistrationView]{}, fmt.Errorf("list registrations: %w", err)
	}

	citizenIDs := distinct(regs, func(r model.Registration) string { return r.CitizenID })
	profiles, err := fetchAll(ctx, citizenIDs, func(ctx context.Context, id string) (*model.CitizenProfile, error) {
		return s.citizens.GetCitizenWithHousehold(ctx, id)
	})
	if err != nil {
		return model.Page[model.RegistrationView]{}, fmt.Errorf("load citizens: %w", err)
	}

	views := make([]model.RegistrationView, len(regs))
	for i, reg := range regs {
		views[i] = model.RegistrationView{Registration: reg}
		if p := profiles[reg.CitizenID]; p != nil {
			views[i].Citizen = &model.CitizenSummary{ID: p.ID, FullName: p.FullName, Address: p.Address}
		}
	}
	return model.Page[model.RegistrationView]{Items: views, Total: total, Page: page.Page, Limit: page.Limit}, nil
}

// ListRegistrationsForCitizen returns a citizen's registrations, newest
// first, with an event summary attached.
func (s *RegistrationService) ListRegistrationsForCitizen(ctx context.Context, citizenID string, filter model.RegistrationFilter, page model.Pagination) (model.Page[model.RegistrationView], error) {
	if strings.TrimSpace(citizenID) == "" {
		return model.Page[model.RegistrationView]{}, invalid("citizen_id", "is required")
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return model.Page[model.RegistrationView]{}, invalid("status", "unknown registration status %q", filter.Status)
	}

	page = page.Normalize(citizenRegistrationsLimit, maxListLimit)
	regs, total, err := s.registrations.ListByCitizen(ctx, citizenID, filter, page)
	if err != nil {
		return model.Page[model.RegistrationView]{}, fmt.Errorf("list registrations: %w", err)
	}

	eventIDs := distinct(regs, func(r model.Registration) string { return r.EventID })
	events, err := fetchAll(ctx, eventIDs, func(ctx context.Context, id string) (*model.Event, error) {
		ev, err := s.events.GetByID(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return ev, err
	})
	if err != nil {
		return model.Page[model.RegistrationView]{}, fmt.Errorf("load events: %w", err)
	}

	views := make([]model.RegistrationView, len(regs))
	for i, reg := range regs {
		views[i] = model.RegistrationView{Registration: reg}
		if ev := events[reg.EventID]; ev != nil {
			views[i].Event = &model.EventSummary{
				ID:        ev.ID,
				Title:     ev.Title,
				StartDate: ev.StartDate,
				EndDate:   ev.EndDate,
				Status:    ev.Status,
			}
		}
	}
	return model.Page[model.RegistrationView]{Items: views, Total: total, Page: page.Page, Limit: page.Limit}, nil
}

func distinct[T any](items []T, key func(T) string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		k := key(item)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// fetchAll loads every id with bounded concurrency. Each goroutine writes
// only its own slot of results.
func fetchAll[T any](ctx context.Context, ids []string, load func(context.Context, string) (*T, error)) (map[string]*T, error) {
	results := make([]*T, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(enrichConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			v, err := load(gctx, id)
			if err != nil {
				return err
			}
			results[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]*T, len(ids))
	for i, id := range ids {
		out[id] = results[i]
	}
	return out, nil
}

func outcomeLabel(success bool, reason model.Reason, err error) string {
	switch {
	case err != nil:
		return "error"
	case success:
		return "success"
	default:
		return string(reason)
	}
}
