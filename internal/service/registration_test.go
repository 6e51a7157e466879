package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/quocanhdayyy/QLDChehe/internal/citizen"
	"github.com/quocanhdayyy/QLDChehe/internal/clock"
	"github.com/quocanhdayyy/QLDChehe/internal/metrics"
	"github.com/quocanhdayyy/QLDChehe/internal/model"
	"github.com/quocanhdayyy/QLDChehe/internal/repository"
	"github.com/quocanhdayyy/QLDChehe/internal/repository/memory"
)

// =============================================================================
// Registration Service Test Suite
// =============================================================================
// Runs the orchestrator end to end against the in-memory store, which
// enforces the same atomicity and uniqueness rules as the SQL stores.

var testNow = time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)

type RegistrationServiceSuite struct {
	suite.Suite
	store    *memory.Store
	events   *memory.EventRepository
	regs     *memory.RegistrationRepository
	citizens *citizen.MemoryDirectory
	clock    *clock.Fixed
	metrics  *metrics.Metrics
	service  *RegistrationService
}

func TestRegistrationServiceSuite(t *testing.T) {
	suite.Run(t, new(RegistrationServiceSuite))
}

func (s *RegistrationServiceSuite) SetupTest() {
	s.store = memory.NewStore()
	s.events = s.store.Events()
	s.regs = s.store.Registrations()
	s.citizens = citizen.NewMemoryDirectory()
	s.clock = clock.NewFixed(testNow)
	s.metrics = metrics.New(prometheus.NewRegistry())

	svc, err := NewRegistrationService(s.events, s.regs, s.citizens,
		WithClock(s.clock),
		WithLogger(zap.NewNop()),
		WithMetrics(s.metrics),
	)
	s.Require().NoError(err)
	s.service = svc
}

func (s *RegistrationServiceSuite) addEvent(slots int, cond model.Conditions) *model.Event {
	ev := &model.Event{
		Title:          "Tet 2025",
		StartDate:      testNow.Add(-24 * time.Hour),
		EndDate:        testNow.Add(24 * time.Hour),
		SlotsTotal:     slots,
		SlotsRemaining: slots,
		Conditions:     cond,
		Status:         model.EventOpen,
		CreatedAt:      testNow,
		UpdatedAt:      testNow,
	}
	s.Require().NoError(s.events.Create(context.Background(), ev))
	return ev
}

func (s *RegistrationServiceSuite) addCitizen(id string, age int) model.CitizenProfile {
	dob := testNow.AddDate(-age, 0, -1)
	p := model.CitizenProfile{
		ID:          id,
		FullName:    "Citizen " + id,
		DateOfBirth: &dob,
		UserID:      "user-" + id,
		HouseholdID: "hh-" + id,
		Address:     model.Address{Ward: "Ward 3", District: "District 1", City: "Ho Chi Minh"},
	}
	s.citizens.Put(p)
	return p
}

func (s *RegistrationServiceSuite) remaining(eventID string) int {
	ev, err := s.events.GetByID(context.Background(), eventID)
	s.Require().NoError(err)
	return ev.SlotsRemaining
}

func (s *RegistrationServiceSuite) TestNew() {
	s.Run("nil event store returns error", func() {
		_, err := NewRegistrationService(nil, s.regs, s.citizens)
		s.ErrorContains(err, "event store is required")
	})
	s.Run("nil registration store returns error", func() {
		_, err := NewRegistrationService(s.events, nil, s.citizens)
		s.ErrorContains(err, "registration store is required")
	})
	s.Run("nil citizen directory returns error", func() {
		_, err := NewRegistrationService(s.events, s.regs, nil)
		s.ErrorContains(err, "citizen directory is required")
	})
}

// =============================================================================
// Register
// =============================================================================

func (s *RegistrationServiceSuite) TestRegisterUntilFull() {
	ctx := context.Background()
	ev := s.addEvent(2, model.Conditions{})
	for _, id := range []string{"a", "b", "c"} {
		s.addCitizen(id, 30)
	}

	resA, err := s.service.Register(ctx, ev.ID, "a")
	s.Require().NoError(err)
	s.True(resA.Success)
	s.Equal(1, resA.Event.SlotsRemaining)
	s.Equal(model.RegistrationRegistered, resA.Registration.Status)
	s.NotEmpty(resA.Registration.Token)
	s.Equal(testNow, resA.Registration.RegisteredAt)

	resB, err := s.service.Register(ctx, ev.ID, "b")
	s.Require().NoError(err)
	s.True(resB.Success)
	s.Equal(0, resB.Event.SlotsRemaining)
	s.NotEqual(resA.Registration.Token, resB.Registration.Token)

	resC, err := s.service.Register(ctx, ev.ID, "c")
	s.Require().NoError(err)
	s.False(resC.Success)
	s.Equal(model.ReasonEventFullOrClosed, resC.Reason)

	s.Equal(0, s.remaining(ev.ID))
	s.Equal(2.0, testutil.ToFloat64(s.metrics.RegistrationOutcomes.WithLabelValues("success")))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.RegistrationOutcomes.WithLabelValues(string(model.ReasonEventFullOrClosed))))
}

func (s *RegistrationServiceSuite) TestRegisterTwiceReturnsExisting() {
	ctx := context.Background()
	ev := s.addEvent(5, model.Conditions{})
	s.addCitizen("a", 30)

	first, err := s.service.Register(ctx, ev.ID, "a")
	s.Require().NoError(err)
	s.Require().True(first.Success)

	second, err := s.service.Register(ctx, ev.ID, "a")
	s.Require().NoError(err)
	s.False(second.Success)
	s.Equal(model.ReasonAlreadyRegistered, second.Reason)
	s.Require().NotNil(second.Registration)
	s.Equal(first.Registration.ID, second.Registration.ID)
	s.Equal(4, s.remaining(ev.ID))
}

func (s *RegistrationServiceSuite) TestRegisterRejections() {
	ctx := context.Background()
	minAge := 18

	s.Run("too young leaves slots unchanged", func() {
		ev := s.addEvent(3, model.Conditions{MinAge: &minAge})
		s.addCitizen("teen", 17)

		res, err := s.service.Register(ctx, ev.ID, "teen")
		s.Require().NoError(err)
		s.Equal(model.ReasonAgeTooYoung, res.Reason)
		s.Equal(3, s.remaining(ev.ID))
	})

	s.Run("missing birth date with an age bound", func() {
		ev := s.addEvent(3, model.Conditions{MinAge: &minAge})
		s.citizens.Put(model.CitizenProfile{ID: "nodob", FullName: "No DOB"})

		res, err := s.service.Register(ctx, ev.ID, "nodob")
		s.Require().NoError(err)
		s.Equal(model.ReasonAgeInfoMissing, res.Reason)
	})

	s.Run("closed event", func() {
		ev := s.addEvent(3, model.Conditions{})
		_, err := s.events.SetStatus(ctx, ev.ID, model.EventClosed, testNow)
		s.Require().NoError(err)
		s.addCitizen("a", 30)

		res, err := s.service.Register(ctx, ev.ID, "a")
		s.Require().NoError(err)
		s.Equal(model.ReasonEventClosedOrOutOfTime, res.Reason)
		s.Equal(3, s.remaining(ev.ID))
	})

	s.Run("outside the time window", func() {
		ev := s.addEvent(3, model.Conditions{})
		s.addCitizen("a", 30)
		s.clock.Set(ev.EndDate.Add(time.Second))
		defer s.clock.Set(testNow)

		res, err := s.service.Register(ctx, ev.ID, "a")
		s.Require().NoError(err)
		s.Equal(model.ReasonEventClosedOrOutOfTime, res.Reason)
	})

	s.Run("outside the area", func() {
		ev := s.addEvent(3, model.Conditions{AreaIDs: []string{"Ward 9"}})
		s.addCitizen("a", 30)

		res, err := s.service.Register(ctx, ev.ID, "a")
		s.Require().NoError(err)
		s.Equal(model.ReasonNotInArea, res.Reason)
	})

	s.Run("unknown event", func() {
		s.addCitizen("a", 30)
		res, err := s.service.Register(ctx, "missing", "a")
		s.Require().NoError(err)
		s.Equal(model.ReasonEventNotFound, res.Reason)
	})

	s.Run("closed event with unknown citizen", func() {
		ev := s.addEvent(3, model.Conditions{})
		_, err := s.events.SetStatus(ctx, ev.ID, model.EventClosed, testNow)
		s.Require().NoError(err)

		res, err := s.service.Register(ctx, ev.ID, "ghost")
		s.Require().NoError(err)
		s.Equal(model.ReasonEventClosedOrOutOfTime, res.Reason)
		s.Equal(3, s.remaining(ev.ID))
	})

	s.Run("ended event with unknown citizen", func() {
		ev := s.addEvent(3, model.Conditions{})
		s.clock.Set(ev.EndDate.Add(time.Second))
		defer s.clock.Set(testNow)

		res, err := s.service.Register(ctx, ev.ID, "ghost")
		s.Require().NoError(err)
		s.Equal(model.ReasonEventClosedOrOutOfTime, res.Reason)
	})

	s.Run("unknown citizen", func() {
		ev := s.addEvent(3, model.Conditions{})
		res, err := s.service.Register(ctx, ev.ID, "ghost")
		s.Require().NoError(err)
		s.Equal(model.ReasonCitizenNotFound, res.Reason)
		s.Equal(3, s.remaining(ev.ID))
	})
}

// spanNames records the names of started spans.
type spanNames struct {
	noop.Tracer
	mu    sync.Mutex
	names []string
}

func (t *spanNames) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	t.mu.Lock()
	t.names = append(t.names, name)
	t.mu.Unlock()
	return t.Tracer.Start(ctx, name, opts...)
}

func (s *RegistrationServiceSuite) TestSpansUseInjectedTracer() {
	ctx := context.Background()
	tracer := &spanNames{}
	svc, err := NewRegistrationService(s.events, s.regs, s.citizens,
		WithClock(s.clock),
		WithTracer(tracer),
	)
	s.Require().NoError(err)

	ev := s.addEvent(1, model.Conditions{})
	s.addCitizen("a", 30)
	res, err := svc.Register(ctx, ev.ID, "a")
	s.Require().NoError(err)
	s.Require().True(res.Success)
	_, err = svc.Redeem(ctx, res.Registration.Token, "staff-1")
	s.Require().NoError(err)

	s.Equal([]string{"RegistrationService.Register", "RegistrationService.Redeem"}, tracer.names)
}

func (s *RegistrationServiceSuite) TestRegisterValidatesInput() {
	_, err := s.service.Register(context.Background(), "", "a")
	var verr *ValidationError
	s.Require().ErrorAs(err, &verr)
	s.Equal("event_id", verr.Field)

	_, err = s.service.Register(context.Background(), "event", "  ")
	s.Require().ErrorAs(err, &verr)
	s.Equal("citizen_id", verr.Field)
}

// TestConcurrentRegistrationNeverOversells fires K+M distinct citizens at an
// event with K slots.
func (s *RegistrationServiceSuite) TestConcurrentRegistrationNeverOversells() {
	ctx := context.Background()
	const slots, extra = 5, 15
	ev := s.addEvent(slots, model.Conditions{})
	for i := range slots + extra {
		s.addCitizen(fmt.Sprintf("c%d", i), 30)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []model.RegisterResult
	)
	for i := range slots + extra {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.service.Register(ctx, ev.ID, fmt.Sprintf("c%d", i))
			s.NoError(err)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}()
	}
	wg.Wait()

	tokens := map[string]bool{}
	var full int
	for _, res := range results {
		if res.Success {
			s.False(tokens[res.Registration.Token], "token issued twice")
			tokens[res.Registration.Token] = true
			continue
		}
		s.Equal(model.ReasonEventFullOrClosed, res.Reason)
		full++
	}
	s.Len(tokens, slots)
	s.Equal(extra, full)
	s.Equal(0, s.remaining(ev.ID))
}

// TestConcurrentSameCitizen races one citizen against itself. Exactly one
// registration survives and every losing reservation is compensated.
func (s *RegistrationServiceSuite) TestConcurrentSameCitizen() {
	ctx := context.Background()
	const attempts = 12
	ev := s.addEvent(20, model.Conditions{})
	s.addCitizen("a", 30)

	var (
		wg                sync.WaitGroup
		mu                sync.Mutex
		success, rejected int
	)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.service.Register(ctx, ev.ID, "a")
			s.NoError(err)
			mu.Lock()
			defer mu.Unlock()
			if res.Success {
				success++
				return
			}
			s.Equal(model.ReasonAlreadyRegistered, res.Reason)
			rejected++
		}()
	}
	wg.Wait()

	s.Equal(1, success)
	s.Equal(attempts-1, rejected)
	s.Equal(19, s.remaining(ev.ID))
}

type failingInsert struct {
	RegistrationStore
	err error
}

func (f failingInsert) Insert(context.Context, *model.Registration) error { return f.err }

func (s *RegistrationServiceSuite) TestInsertFailureRestoresSlot() {
	ctx := context.Background()
	ev := s.addEvent(3, model.Conditions{})
	s.addCitizen("a", 30)

	broken := errors.New("connection reset")
	svc, err := NewRegistrationService(s.events, failingInsert{RegistrationStore: s.regs, err: broken}, s.citizens,
		WithClock(s.clock), WithMetrics(s.metrics))
	s.Require().NoError(err)

	_, err = svc.Register(ctx, ev.ID, "a")
	s.ErrorIs(err, broken)
	s.Equal(3, s.remaining(ev.ID))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.SlotCompensations.WithLabelValues("released")))
}

// =============================================================================
// Redeem
// =============================================================================

func (s *RegistrationServiceSuite) TestRedeemExactlyOnce() {
	ctx := context.Background()
	ev := s.addEvent(3, model.Conditions{})
	profile := s.addCitizen("a", 30)
	reg, err := s.service.Register(ctx, ev.ID, "a")
	s.Require().NoError(err)
	token := reg.Registration.Token

	s.clock.Advance(time.Hour)
	first, err := s.service.Redeem(ctx, token, "staff-1")
	s.Require().NoError(err)
	s.True(first.Success)
	s.Equal(model.RegistrationReceived, first.Registration.Status)
	s.Equal("staff-1", first.Registration.ReceivedBy)
	s.Require().NotNil(first.Event)
	s.Equal(ev.ID, first.Event.ID)
	s.Require().NotNil(first.Citizen)
	s.Equal(profile.UserID, first.Citizen.UserID)
	receivedAt := *first.Registration.ReceivedAt

	s.clock.Advance(time.Hour)
	second, err := s.service.Redeem(ctx, token, "staff-2")
	s.Require().NoError(err)
	s.False(second.Success)
	s.Equal(model.ReasonAlreadyReceived, second.Reason)
	s.Equal(receivedAt, *second.Registration.ReceivedAt)
	s.Equal("staff-1", second.Registration.ReceivedBy)
}

func (s *RegistrationServiceSuite) TestRedeemRejections() {
	ctx := context.Background()

	res, err := s.service.Redeem(ctx, "no-such-token", "staff-1")
	s.Require().NoError(err)
	s.Equal(model.ReasonNotFound, res.Reason)

	res, err = s.service.Redeem(ctx, "   ", "staff-1")
	s.Require().NoError(err)
	s.Equal(model.ReasonNotFound, res.Reason)

	ev := s.addEvent(3, model.Conditions{})
	s.addCitizen("a", 30)
	reg, err := s.service.Register(ctx, ev.ID, "a")
	s.Require().NoError(err)
	_, err = s.service.Cancel(ctx, reg.Registration.ID, "")
	s.Require().NoError(err)

	res, err = s.service.Redeem(ctx, reg.Registration.Token, "staff-1")
	s.Require().NoError(err)
	s.Equal(model.ReasonRegistrationCancelled, res.Reason)
}

func (s *RegistrationServiceSuite) TestConcurrentRedeem() {
	ctx := context.Background()
	ev := s.addEvent(3, model.Conditions{})
	s.addCitizen("a", 30)
	reg, err := s.service.Register(ctx, ev.ID, "a")
	s.Require().NoError(err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[model.Reason]int{}
	)
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.service.Redeem(ctx, reg.Registration.Token, fmt.Sprintf("staff-%d", i))
			s.NoError(err)
			mu.Lock()
			outcomes[res.Reason]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	s.Equal(1, outcomes[""])
	s.Equal(9, outcomes[model.ReasonAlreadyReceived])
}

// =============================================================================
// Cancel
// =============================================================================

func (s *RegistrationServiceSuite) TestCancelReleasesSlot() {
	ctx := context.Background()
	ev := s.addEvent(1, model.Conditions{})
	s.addCitizen("a", 30)
	s.addCitizen("b", 30)

	reg, err := s.service.Register(ctx, ev.ID, "a")
	s.Require().NoError(err)
	s.Equal(0, s.remaining(ev.ID))

	res, err := s.service.Cancel(ctx, reg.Registration.ID, "a")
	s.Require().NoError(err)
	s.True(res.Success)
	s.Equal(model.RegistrationCancelled, res.Registration.Status)
	s.Equal(1, s.remaining(ev.ID))

	again, err := s.service.Cancel(ctx, reg.Registration.ID, "a")
	s.Require().NoError(err)
	s.Equal(model.ReasonRegistrationCancelled, again.Reason)
	s.Equal(1, s.remaining(ev.ID))

	other, err := s.service.Register(ctx, ev.ID, "b")
	s.Require().NoError(err)
	s.True(other.Success)
}

func (s *RegistrationServiceSuite) TestCancelRejections() {
	ctx := context.Background()
	ev := s.addEvent(3, model.Conditions{})
	s.addCitizen("a", 30)
	reg, err := s.service.Register(ctx, ev.ID, "a")
	s.Require().NoError(err)

	res, err := s.service.Cancel(ctx, reg.Registration.ID, "someone-else")
	s.Require().NoError(err)
	s.Equal(model.ReasonNotFound, res.Reason)

	res, err = s.service.Cancel(ctx, "missing", "")
	s.Require().NoError(err)
	s.Equal(model.ReasonNotFound, res.Reason)

	_, err = s.service.Redeem(ctx, reg.Registration.Token, "staff-1")
	s.Require().NoError(err)
	res, err = s.service.Cancel(ctx, reg.Registration.ID, "")
	s.Require().NoError(err)
	s.Equal(model.ReasonNotCancellable, res.Reason)
	s.Equal(2, s.remaining(ev.ID))

	_, err = s.service.Cancel(ctx, "", "")
	var verr *ValidationError
	s.ErrorAs(err, &verr)
}

// =============================================================================
// Listings
// =============================================================================

func (s *RegistrationServiceSuite) TestListRegistrationsAttachesCitizens() {
	ctx := context.Background()
	ev := s.addEvent(10, model.Conditions{})
	for i, id := range []string{"a", "b", "c"} {
		s.addCitizen(id, 30)
		s.clock.Set(testNow.Add(time.Duration(i) * time.Minute))
		_, err := s.service.Register(ctx, ev.ID, id)
		s.Require().NoError(err)
	}

	page, err := s.service.ListRegistrations(ctx, ev.ID, model.RegistrationFilter{}, model.Pagination{})
	s.Require().NoError(err)
	s.Equal(3, page.Total)
	s.Equal(1, page.Page)
	s.Equal(100, page.Limit)
	s.Require().Len(page.Items, 3)
	s.Equal("c", page.Items[0].CitizenID)
	s.Require().NotNil(page.Items[0].Citizen)
	s.Equal("Citizen c", page.Items[0].Citizen.FullName)
	s.Equal("Ward 3", page.Items[0].Citizen.Address.Ward)

	_, err = s.service.ListRegistrations(ctx, "missing", model.RegistrationFilter{}, model.Pagination{})
	s.ErrorIs(err, repository.ErrNotFound)

	_, err = s.service.ListRegistrations(ctx, ev.ID, model.RegistrationFilter{Status: "LOST"}, model.Pagination{})
	var verr *ValidationError
	s.ErrorAs(err, &verr)
}

func (s *RegistrationServiceSuite) TestListRegistrationsHugePageIsEmpty() {
	ctx := context.Background()
	ev := s.addEvent(10, model.Conditions{})
	s.addCitizen("a", 30)
	_, err := s.service.Register(ctx, ev.ID, "a")
	s.Require().NoError(err)

	page, err := s.service.ListRegistrations(ctx, ev.ID, model.RegistrationFilter{}, model.Pagination{Page: math.MaxInt, Limit: 500})
	s.Require().NoError(err)
	s.Equal(1, page.Total)
	s.Equal(model.MaxPage, page.Page)
	s.Empty(page.Items)

	mine, err := s.service.ListRegistrationsForCitizen(ctx, "a", model.RegistrationFilter{}, model.Pagination{Page: math.MaxInt, Limit: 500})
	s.Require().NoError(err)
	s.Equal(1, mine.Total)
	s.Empty(mine.Items)
}

func (s *RegistrationServiceSuite) TestListRegistrationsForCitizenAttachesEvents() {
	ctx := context.Background()
	first := s.addEvent(10, model.Conditions{})
	second := s.addEvent(10, model.Conditions{})
	s.addCitizen("a", 30)

	_, err := s.service.Register(ctx, first.ID, "a")
	s.Require().NoError(err)
	s.clock.Advance(time.Minute)
	reg, err := s.service.Register(ctx, second.ID, "a")
	s.Require().NoError(err)
	_, err = s.service.Redeem(ctx, reg.Registration.Token, "staff-1")
	s.Require().NoError(err)

	page, err := s.service.ListRegistrationsForCitizen(ctx, "a", model.RegistrationFilter{}, model.Pagination{})
	s.Require().NoError(err)
	s.Equal(2, page.Total)
	s.Equal(50, page.Limit)
	s.Require().Len(page.Items, 2)
	s.Equal(second.ID, page.Items[0].EventID)
	s.Require().NotNil(page.Items[0].Event)
	s.Equal(second.Title, page.Items[0].Event.Title)
	s.Nil(page.Items[0].Citizen)

	received, err := s.service.ListRegistrationsForCitizen(ctx, "a",
		model.RegistrationFilter{Status: model.RegistrationReceived}, model.Pagination{Page: 1, Limit: 10})
	s.Require().NoError(err)
	s.Equal(1, received.Total)

	_, err = s.service.ListRegistrationsForCitizen(ctx, "", model.RegistrationFilter{}, model.Pagination{})
	var verr *ValidationError
	s.ErrorAs(err, &verr)
}
