// Package repotest is a conformance suite shared by every event and
// registration store implementation.
package repotest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/quocanhdayyy/QLDChehe/internal/model"
	"github.com/quocanhdayyy/QLDChehe/internal/repository"
	"github.com/quocanhdayyy/QLDChehe/internal/service"
)

// Factory returns empty stores for one test.
type Factory func(t *testing.T) (service.EventStore, service.RegistrationStore)

// StoreSuite exercises the store contracts. Embed it or run it with
// suite.Run(t, &repotest.StoreSuite{NewStores: ...}).
type StoreSuite struct {
	suite.Suite
	NewStores Factory

	events        service.EventStore
	registrations service.RegistrationStore
	now           time.Time
	seq           int
}

func (s *StoreSuite) SetupTest() {
	s.Require().NotNil(s.NewStores, "NewStores factory is required")
	s.events, s.registrations = s.NewStores(s.T())
	s.now = time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	s.seq = 0
}

func (s *StoreSuite) newEvent(slots int, status model.EventStatus) *model.Event {
	s.seq++
	minAge := 18
	ev := &model.Event{
		Title:          fmt.Sprintf("Tet gift %d", s.seq),
		Description:    "rice and oil",
		Type:           "TET",
		StartDate:      s.now.Add(-24 * time.Hour),
		EndDate:        s.now.Add(24 * time.Hour),
		SlotsTotal:     slots,
		SlotsRemaining: slots,
		Conditions:     model.Conditions{MinAge: &minAge, AreaIDs: []string{"Ward 3"}},
		Status:         status,
		CreatedBy:      "leader-1",
		CreatedAt:      s.now.Add(time.Duration(s.seq) * time.Second),
		UpdatedAt:      s.now.Add(time.Duration(s.seq) * time.Second),
	}
	s.Require().NoError(s.events.Create(context.Background(), ev))
	s.Require().NotEmpty(ev.ID)
	return ev
}

func (s *StoreSuite) newRegistration(eventID, citizenID, token string, at time.Time) *model.Registration {
	reg := &model.Registration{
		EventID:      eventID,
		CitizenID:    citizenID,
		Token:        token,
		Status:       model.RegistrationRegistered,
		RegisteredAt: at,
	}
	s.Require().NoError(s.registrations.Insert(context.Background(), reg))
	s.Require().NotEmpty(reg.ID)
	return reg
}

// ─── Events ───────────────────────────────────────────────────────────────────

func (s *StoreSuite) TestCreateAndGetEvent() {
	ctx := context.Background()
	created := s.newEvent(5, model.EventOpen)

	got, err := s.events.GetByID(ctx, created.ID)
	s.Require().NoError(err)
	s.Equal(created.Title, got.Title)
	s.Equal(5, got.SlotsTotal)
	s.Equal(5, got.SlotsRemaining)
	s.Equal(model.EventOpen, got.Status)
	s.WithinDuration(created.StartDate, got.StartDate, time.Millisecond)
	s.Require().NotNil(got.Conditions.MinAge)
	s.Equal(18, *got.Conditions.MinAge)
	s.Nil(got.Conditions.MaxAge)
	s.Equal([]string{"Ward 3"}, got.Conditions.AreaIDs)

	_, err = s.events.GetByID(ctx, "does-not-exist")
	s.ErrorIs(err, repository.ErrNotFound)
}

func (s *StoreSuite) TestReserveUntilFull() {
	ctx := context.Background()
	ev := s.newEvent(2, model.EventOpen)

	first, err := s.events.ReserveSlot(ctx, ev.ID, s.now)
	s.Require().NoError(err)
	s.Equal(1, first.SlotsRemaining)

	second, err := s.events.ReserveSlot(ctx, ev.ID, s.now)
	s.Require().NoError(err)
	s.Equal(0, second.SlotsRemaining)

	_, err = s.events.ReserveSlot(ctx, ev.ID, s.now)
	s.ErrorIs(err, repository.ErrSlotUnavailable)

	s.Require().NoError(s.events.ReleaseSlot(ctx, ev.ID, s.now))
	got, err := s.events.GetByID(ctx, ev.ID)
	s.Require().NoError(err)
	s.Equal(1, got.SlotsRemaining)
}

func (s *StoreSuite) TestReserveRequiresOpenEvent() {
	ctx := context.Background()
	closed := s.newEvent(3, model.EventClosed)

	_, err := s.events.ReserveSlot(ctx, closed.ID, s.now)
	s.ErrorIs(err, repository.ErrSlotUnavailable)

	_, err = s.events.ReserveSlot(ctx, "does-not-exist", s.now)
	s.ErrorIs(err, repository.ErrSlotUnavailable)

	got, err := s.events.GetByID(ctx, closed.ID)
	s.Require().NoError(err)
	s.Equal(3, got.SlotsRemaining)
}

func (s *StoreSuite) TestReleaseUnknownEvent() {
	err := s.events.ReleaseSlot(context.Background(), "does-not-exist", s.now)
	s.ErrorIs(err, repository.ErrNotFound)
}

// TestConcurrentReserveNeverOversells races more callers than there are
// slots. Exactly SlotsTotal callers must win and the counter must end at 0.
func (s *StoreSuite) TestConcurrentReserveNeverOversells() {
	ctx := context.Background()
	const slots, callers = 5, 40
	ev := s.newEvent(slots, model.EventOpen)

	var (
		wg                    sync.WaitGroup
		won, lost, unexpected atomic.Int32
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.events.ReserveSlot(ctx, ev.ID, s.now)
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, repository.ErrSlotUnavailable):
				lost.Add(1)
			default:
				unexpected.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Zero(unexpected.Load())
	s.Equal(int32(slots), won.Load())
	s.Equal(int32(callers-slots), lost.Load())

	got, err := s.events.GetByID(ctx, ev.ID)
	s.Require().NoError(err)
	s.Equal(0, got.SlotsRemaining)
}

func (s *StoreSuite) TestUpdateRecomputesRemaining() {
	ctx := context.Background()
	ev := s.newEvent(10, model.EventOpen)
	for range 3 {
		_, err := s.events.ReserveSlot(ctx, ev.ID, s.now)
		s.Require().NoError(err)
	}

	shrink := 5
	got, err := s.events.Update(ctx, ev.ID, model.UpdateEventRequest{SlotsTotal: &shrink}, s.now)
	s.Require().NoError(err)
	s.Equal(5, got.SlotsTotal)
	s.Equal(2, got.SlotsRemaining)

	belowTaken := 1
	got, err = s.events.Update(ctx, ev.ID, model.UpdateEventRequest{SlotsTotal: &belowTaken}, s.now)
	s.Require().NoError(err)
	s.Equal(1, got.SlotsTotal)
	s.Equal(0, got.SlotsRemaining)

	grow := 20
	got, err = s.events.Update(ctx, ev.ID, model.UpdateEventRequest{SlotsTotal: &grow}, s.now)
	s.Require().NoError(err)
	s.Equal(20, got.SlotsTotal)
	s.Equal(19, got.SlotsRemaining)
}

func (s *StoreSuite) TestUpdateLeavesUnsetFields() {
	ctx := context.Background()
	ev := s.newEvent(4, model.EventOpen)

	title := "Mid-autumn gift"
	maxAge := 60
	later := s.now.Add(time.Hour)
	got, err := s.events.Update(ctx, ev.ID, model.UpdateEventRequest{
		Title:      &title,
		Conditions: &model.Conditions{MaxAge: &maxAge},
	}, later)
	s.Require().NoError(err)
	s.Equal("Mid-autumn gift", got.Title)
	s.Equal(ev.Description, got.Description)
	s.Equal(4, got.SlotsTotal)
	s.Equal(4, got.SlotsRemaining)
	s.Nil(got.Conditions.MinAge)
	s.Require().NotNil(got.Conditions.MaxAge)
	s.Equal(60, *got.Conditions.MaxAge)
	s.WithinDuration(later, got.UpdatedAt, time.Millisecond)

	_, err = s.events.Update(ctx, "does-not-exist", model.UpdateEventRequest{Title: &title}, s.now)
	s.ErrorIs(err, repository.ErrNotFound)
}

func (s *StoreSuite) TestSetStatus() {
	ctx := context.Background()
	ev := s.newEvent(1, model.EventOpen)

	got, err := s.events.SetStatus(ctx, ev.ID, model.EventClosed, s.now)
	s.Require().NoError(err)
	s.Equal(model.EventClosed, got.Status)

	_, err = s.events.SetStatus(ctx, "does-not-exist", model.EventClosed, s.now)
	s.ErrorIs(err, repository.ErrNotFound)
}

func (s *StoreSuite) TestDeleteRefusedWithRegistrations() {
	ctx := context.Background()
	empty := s.newEvent(1, model.EventOpen)
	used := s.newEvent(1, model.EventOpen)
	s.newRegistration(used.ID, "citizen-1", "token-1", s.now)

	s.Require().NoError(s.events.Delete(ctx, empty.ID))
	_, err := s.events.GetByID(ctx, empty.ID)
	s.ErrorIs(err, repository.ErrNotFound)

	err = s.events.Delete(ctx, used.ID)
	s.ErrorIs(err, repository.ErrConflict)

	err = s.events.Delete(ctx, "does-not-exist")
	s.ErrorIs(err, repository.ErrNotFound)
}

func (s *StoreSuite) TestExpireEnded() {
	ctx := context.Background()
	ended := s.newEvent(1, model.EventOpen)
	running := s.newEvent(1, model.EventOpen)
	closedEnded := s.newEvent(1, model.EventClosed)

	past := s.now.Add(-time.Hour)
	for _, id := range []string{ended.ID, closedEnded.ID} {
		_, err := s.events.Update(ctx, id, model.UpdateEventRequest{
			StartDate: ptr(past.Add(-time.Hour)),
			EndDate:   &past,
		}, s.now)
		s.Require().NoError(err)
	}

	expired, err := s.events.ExpireEnded(ctx, s.now)
	s.Require().NoError(err)
	s.Require().Len(expired, 1)
	s.Equal(ended.ID, expired[0].ID)
	s.Equal(model.EventExpired, expired[0].Status)

	again, err := s.events.ExpireEnded(ctx, s.now)
	s.Require().NoError(err)
	s.Empty(again)

	for id, want := range map[string]model.EventStatus{
		running.ID:     model.EventOpen,
		closedEnded.ID: model.EventClosed,
	} {
		got, err := s.events.GetByID(ctx, id)
		s.Require().NoError(err)
		s.Equal(want, got.Status)
	}
}

func (s *StoreSuite) TestListEvents() {
	ctx := context.Background()
	a := s.newEvent(1, model.EventOpen)
	b := s.newEvent(1, model.EventClosed)
	c := s.newEvent(1, model.EventOpen)

	page, total, err := s.events.List(ctx, model.EventFilter{}, model.Pagination{Page: 1, Limit: 2})
	s.Require().NoError(err)
	s.Equal(3, total)
	s.Require().Len(page, 2)
	s.Equal(c.ID, page[0].ID)
	s.Equal(b.ID, page[1].ID)

	page, _, err = s.events.List(ctx, model.EventFilter{}, model.Pagination{Page: 2, Limit: 2})
	s.Require().NoError(err)
	s.Require().Len(page, 1)
	s.Equal(a.ID, page[0].ID)

	open, total, err := s.events.List(ctx, model.EventFilter{Status: model.EventOpen}, model.Pagination{Page: 1, Limit: 10})
	s.Require().NoError(err)
	s.Equal(2, total)
	s.Len(open, 2)
}

func (s *StoreSuite) TestReturnedEventDoesNotAliasStoredConditions() {
	ctx := context.Background()
	ev := s.newEvent(1, model.EventOpen)

	got, err := s.events.GetByID(ctx, ev.ID)
	s.Require().NoError(err)
	*got.Conditions.MinAge = 99
	got.Conditions.AreaIDs[0] = "Ward 9"

	again, err := s.events.GetByID(ctx, ev.ID)
	s.Require().NoError(err)
	s.Equal(18, *again.Conditions.MinAge)
	s.Equal([]string{"Ward 3"}, again.Conditions.AreaIDs)
}

func (s *StoreSuite) TestListPastTheLastPage() {
	ctx := context.Background()
	ev := s.newEvent(5, model.EventOpen)
	s.newRegistration(ev.ID, "citizen-1", "t1", s.now)

	for _, page := range []model.Pagination{
		{Page: 3, Limit: 2},
		{Page: model.MaxPage, Limit: 500},
		{Page: math.MaxInt, Limit: 500},
	} {
		events, total, err := s.events.List(ctx, model.EventFilter{}, page)
		s.Require().NoError(err)
		s.Equal(1, total)
		s.Empty(events)

		regs, total, err := s.registrations.ListByEvent(ctx, ev.ID, model.RegistrationFilter{}, page)
		s.Require().NoError(err)
		s.Equal(1, total)
		s.Empty(regs)
	}
}

// ─── Registrations ────────────────────────────────────────────────────────────

func (s *StoreSuite) TestInsertRejectsDuplicatePair() {
	ctx := context.Background()
	ev := s.newEvent(3, model.EventOpen)
	first := s.newRegistration(ev.ID, "citizen-1", "token-1", s.now)

	dup := &model.Registration{
		EventID: ev.ID, CitizenID: "citizen-1", Token: "token-2",
		Status: model.RegistrationRegistered, RegisteredAt: s.now,
	}
	err := s.registrations.Insert(ctx, dup)
	s.ErrorIs(err, repository.ErrDuplicateRegistration)
	s.ErrorIs(err, repository.ErrConflict)

	found, err := s.registrations.FindActive(ctx, ev.ID, "citizen-1")
	s.Require().NoError(err)
	s.Equal(first.ID, found.ID)
	s.Equal("token-1", found.Token)
}

func (s *StoreSuite) TestInsertRejectsDuplicateToken() {
	ctx := context.Background()
	ev := s.newEvent(3, model.EventOpen)
	s.newRegistration(ev.ID, "citizen-1", "same-token", s.now)

	err := s.registrations.Insert(ctx, &model.Registration{
		EventID: ev.ID, CitizenID: "citizen-2", Token: "same-token",
		Status: model.RegistrationRegistered, RegisteredAt: s.now,
	})
	s.ErrorIs(err, repository.ErrDuplicateToken)
	s.ErrorIs(err, repository.ErrConflict)
	s.NotErrorIs(err, repository.ErrDuplicateRegistration)
}

func (s *StoreSuite) TestInsertRejectsDuplicateID() {
	ctx := context.Background()
	ev := s.newEvent(3, model.EventOpen)
	first := s.newRegistration(ev.ID, "citizen-1", "token-1", s.now)

	err := s.registrations.Insert(ctx, &model.Registration{
		ID: first.ID, EventID: ev.ID, CitizenID: "citizen-2", Token: "token-2",
		Status: model.RegistrationRegistered, RegisteredAt: s.now,
	})
	s.ErrorIs(err, repository.ErrConflict)
	s.NotErrorIs(err, repository.ErrDuplicateRegistration)
	s.NotErrorIs(err, repository.ErrDuplicateToken)

	got, err := s.registrations.GetByID(ctx, first.ID)
	s.Require().NoError(err)
	s.Equal("citizen-1", got.CitizenID)
	s.Equal("token-1", got.Token)
}

func (s *StoreSuite) TestConcurrentInsertSamePair() {
	ctx := context.Background()
	ev := s.newEvent(50, model.EventOpen)
	const callers = 20

	var (
		wg        sync.WaitGroup
		won, dups atomic.Int32
	)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.registrations.Insert(ctx, &model.Registration{
				EventID: ev.ID, CitizenID: "citizen-1", Token: fmt.Sprintf("token-%d", i),
				Status: model.RegistrationRegistered, RegisteredAt: s.now,
			})
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, repository.ErrDuplicateRegistration):
				dups.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), won.Load())
	s.Equal(int32(callers-1), dups.Load())
}

func (s *StoreSuite) TestFindActiveMissing() {
	_, err := s.registrations.FindActive(context.Background(), "event", "citizen")
	s.ErrorIs(err, repository.ErrNotFound)
}

func (s *StoreSuite) TestCancelFreesThePair() {
	ctx := context.Background()
	ev := s.newEvent(3, model.EventOpen)
	reg := s.newRegistration(ev.ID, "citizen-1", "token-1", s.now)

	cancelled, err := s.registrations.Cancel(ctx, reg.ID, s.now.Add(time.Minute))
	s.Require().NoError(err)
	s.Equal(model.RegistrationCancelled, cancelled.Status)
	s.Require().NotNil(cancelled.CancelledAt)

	_, err = s.registrations.FindActive(ctx, ev.ID, "citizen-1")
	s.ErrorIs(err, repository.ErrNotFound)

	again := s.newRegistration(ev.ID, "citizen-1", "token-2", s.now.Add(2*time.Minute))
	s.NotEqual(reg.ID, again.ID)

	_, err = s.registrations.Cancel(ctx, reg.ID, s.now)
	s.ErrorIs(err, repository.ErrInvalidState)

	_, err = s.registrations.Cancel(ctx, "does-not-exist", s.now)
	s.ErrorIs(err, repository.ErrNotFound)
}

func (s *StoreSuite) TestMarkReceivedIsOneShot() {
	ctx := context.Background()
	ev := s.newEvent(3, model.EventOpen)
	reg := s.newRegistration(ev.ID, "citizen-1", "token-1", s.now)

	at := s.now.Add(time.Hour)
	received, err := s.registrations.MarkReceived(ctx, "token-1", "staff-1", at)
	s.Require().NoError(err)
	s.Equal(reg.ID, received.ID)
	s.Equal(model.RegistrationReceived, received.Status)
	s.Equal("staff-1", received.ReceivedBy)
	s.Require().NotNil(received.ReceivedAt)
	s.WithinDuration(at, *received.ReceivedAt, time.Millisecond)

	_, err = s.registrations.MarkReceived(ctx, "token-1", "staff-2", at.Add(time.Hour))
	s.ErrorIs(err, repository.ErrInvalidState)

	current, err := s.registrations.GetByToken(ctx, "token-1")
	s.Require().NoError(err)
	s.Equal("staff-1", current.ReceivedBy)
	s.WithinDuration(at, *current.ReceivedAt, time.Millisecond)

	_, err = s.registrations.MarkReceived(ctx, "unknown-token", "staff-1", at)
	s.ErrorIs(err, repository.ErrNotFound)

	_, err = s.registrations.Cancel(ctx, reg.ID, at)
	s.ErrorIs(err, repository.ErrInvalidState)
}

func (s *StoreSuite) TestMarkReceivedRejectsCancelled() {
	ctx := context.Background()
	ev := s.newEvent(3, model.EventOpen)
	reg := s.newRegistration(ev.ID, "citizen-1", "token-1", s.now)
	_, err := s.registrations.Cancel(ctx, reg.ID, s.now)
	s.Require().NoError(err)

	_, err = s.registrations.MarkReceived(ctx, "token-1", "staff-1", s.now)
	s.ErrorIs(err, repository.ErrInvalidState)
}

func (s *StoreSuite) TestConcurrentMarkReceived() {
	ctx := context.Background()
	ev := s.newEvent(3, model.EventOpen)
	s.newRegistration(ev.ID, "citizen-1", "token-1", s.now)
	const scanners = 10

	var (
		wg               sync.WaitGroup
		won, alreadyDone atomic.Int32
	)
	for i := range scanners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.registrations.MarkReceived(ctx, "token-1", fmt.Sprintf("staff-%d", i), s.now)
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, repository.ErrInvalidState):
				alreadyDone.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), won.Load())
	s.Equal(int32(scanners-1), alreadyDone.Load())
}

func (s *StoreSuite) TestListRegistrations() {
	ctx := context.Background()
	ev := s.newEvent(10, model.EventOpen)
	other := s.newEvent(10, model.EventOpen)

	r1 := s.newRegistration(ev.ID, "citizen-1", "t1", s.now)
	r2 := s.newRegistration(ev.ID, "citizen-2", "t2", s.now.Add(time.Minute))
	r3 := s.newRegistration(ev.ID, "citizen-3", "t3", s.now.Add(2*time.Minute))
	r4 := s.newRegistration(other.ID, "citizen-1", "t4", s.now.Add(3*time.Minute))
	_, err := s.registrations.MarkReceived(ctx, "t2", "staff-1", s.now.Add(time.Hour))
	s.Require().NoError(err)

	page, total, err := s.registrations.ListByEvent(ctx, ev.ID, model.RegistrationFilter{}, model.Pagination{Page: 1, Limit: 2})
	s.Require().NoError(err)
	s.Equal(3, total)
	s.Require().Len(page, 2)
	s.Equal(r3.ID, page[0].ID)
	s.Equal(r2.ID, page[1].ID)

	page, _, err = s.registrations.ListByEvent(ctx, ev.ID, model.RegistrationFilter{}, model.Pagination{Page: 2, Limit: 2})
	s.Require().NoError(err)
	s.Require().Len(page, 1)
	s.Equal(r1.ID, page[0].ID)

	received, total, err := s.registrations.ListByEvent(ctx, ev.ID,
		model.RegistrationFilter{Status: model.RegistrationReceived}, model.Pagination{Page: 1, Limit: 10})
	s.Require().NoError(err)
	s.Equal(1, total)
	s.Require().Len(received, 1)
	s.Equal(r2.ID, received[0].ID)

	mine, total, err := s.registrations.ListByCitizen(ctx, "citizen-1", model.RegistrationFilter{}, model.Pagination{Page: 1, Limit: 10})
	s.Require().NoError(err)
	s.Equal(2, total)
	s.Require().Len(mine, 2)
	s.Equal(r4.ID, mine[0].ID)
	s.Equal(r1.ID, mine[1].ID)
}

func ptr[T any](v T) *T { return &v }
