package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"github.com/quocanhdayyy/QLDChehe/internal/clock"
	"github.com/quocanhdayyy/QLDChehe/internal/model"
	"github.com/quocanhdayyy/QLDChehe/internal/repository"
	"github.com/quocanhdayyy/QLDChehe/internal/service/mocks"
)

// =============================================================================
// Failure Injection Suite
// =============================================================================
// Store failures that the in-memory store cannot produce on demand: lost
// insert races, token collisions, driver errors and cancelled contexts.

type RegistrationFailureSuite struct {
	suite.Suite
	ctrl     *gomock.Controller
	events   *mocks.MockEventStore
	regs     *mocks.MockRegistrationStore
	citizens *mocks.MockCitizenDirectory
	service  *RegistrationService
	event    *model.Event
}

func TestRegistrationFailureSuite(t *testing.T) {
	suite.Run(t, new(RegistrationFailureSuite))
}

func (s *RegistrationFailureSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.events = mocks.NewMockEventStore(s.ctrl)
	s.regs = mocks.NewMockRegistrationStore(s.ctrl)
	s.citizens = mocks.NewMockCitizenDirectory(s.ctrl)

	svc, err := NewRegistrationService(s.events, s.regs, s.citizens,
		WithClock(clock.NewFixed(testNow)),
		WithTokenSource(func() (string, error) { return "token-1", nil }),
	)
	s.Require().NoError(err)
	s.service = svc

	s.event = &model.Event{
		ID:             "event-1",
		StartDate:      testNow.Add(-time.Hour),
		EndDate:        testNow.Add(time.Hour),
		SlotsTotal:     3,
		SlotsRemaining: 3,
		Status:         model.EventOpen,
	}
}

func (s *RegistrationFailureSuite) TearDownTest() {
	s.ctrl.Finish()
}

// expectEligible wires the happy path up to and including the reservation.
func (s *RegistrationFailureSuite) expectEligible() {
	reserved := *s.event
	reserved.SlotsRemaining--
	s.regs.EXPECT().FindActive(gomock.Any(), "event-1", "citizen-1").Return(nil, repository.ErrNotFound)
	s.events.EXPECT().GetByID(gomock.Any(), "event-1").Return(s.event, nil)
	s.citizens.EXPECT().GetCitizenWithHousehold(gomock.Any(), "citizen-1").
		Return(&model.CitizenProfile{ID: "citizen-1"}, nil)
	s.events.EXPECT().ReserveSlot(gomock.Any(), "event-1", testNow).Return(&reserved, nil)
}

func (s *RegistrationFailureSuite) TestLostInsertRaceReturnsWinner() {
	s.expectEligible()
	winner := &model.Registration{ID: "reg-winner", EventID: "event-1", CitizenID: "citizen-1", Token: "other"}

	gomock.InOrder(
		s.regs.EXPECT().Insert(gomock.Any(), gomock.Any()).Return(repository.ErrDuplicateRegistration),
		s.events.EXPECT().ReleaseSlot(gomock.Any(), "event-1", testNow).Return(nil),
		s.regs.EXPECT().FindActive(gomock.Any(), "event-1", "citizen-1").Return(winner, nil),
	)

	res, err := s.service.Register(context.Background(), "event-1", "citizen-1")
	s.Require().NoError(err)
	s.False(res.Success)
	s.Equal(model.ReasonAlreadyRegistered, res.Reason)
	s.Equal(winner, res.Registration)
}

func (s *RegistrationFailureSuite) TestLostInsertRaceWithUnreadableWinner() {
	s.expectEligible()
	s.regs.EXPECT().Insert(gomock.Any(), gomock.Any()).Return(repository.ErrDuplicateRegistration)
	s.events.EXPECT().ReleaseSlot(gomock.Any(), "event-1", testNow).Return(nil)
	s.regs.EXPECT().FindActive(gomock.Any(), "event-1", "citizen-1").Return(nil, repository.ErrNotFound)

	res, err := s.service.Register(context.Background(), "event-1", "citizen-1")
	s.Require().NoError(err)
	s.Equal(model.ReasonAlreadyRegistered, res.Reason)
	s.Nil(res.Registration)
}

func (s *RegistrationFailureSuite) TestTokenCollisionIsAnError() {
	s.expectEligible()
	s.regs.EXPECT().Insert(gomock.Any(), gomock.Any()).Return(repository.ErrDuplicateToken)
	s.events.EXPECT().ReleaseSlot(gomock.Any(), "event-1", testNow).Return(nil)

	_, err := s.service.Register(context.Background(), "event-1", "citizen-1")
	s.ErrorIs(err, repository.ErrDuplicateToken)
}

func (s *RegistrationFailureSuite) TestInsertPersistsIssuedToken() {
	s.expectEligible()
	s.regs.EXPECT().Insert(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, reg *model.Registration) error {
			s.Equal("token-1", reg.Token)
			s.Equal(model.RegistrationRegistered, reg.Status)
			s.Equal(testNow, reg.RegisteredAt)
			reg.ID = "reg-1"
			return nil
		})

	res, err := s.service.Register(context.Background(), "event-1", "citizen-1")
	s.Require().NoError(err)
	s.True(res.Success)
	s.Equal("reg-1", res.Registration.ID)
	s.Equal(2, res.Event.SlotsRemaining)
}

func (s *RegistrationFailureSuite) TestReleaseSurvivesCallerCancellation() {
	ctx, cancel := context.WithCancel(context.Background())
	s.expectEligible()
	s.regs.EXPECT().Insert(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, *model.Registration) error {
			cancel()
			return context.Canceled
		})
	s.events.EXPECT().ReleaseSlot(gomock.Any(), "event-1", testNow).DoAndReturn(
		func(ctx context.Context, _ string, _ time.Time) error {
			s.NoError(ctx.Err(), "release must not inherit caller cancellation")
			return nil
		})

	_, err := s.service.Register(ctx, "event-1", "citizen-1")
	s.ErrorIs(err, context.Canceled)
}

func (s *RegistrationFailureSuite) TestTokenSourceFailureReleases() {
	broken := errors.New("entropy exhausted")
	svc, err := NewRegistrationService(s.events, s.regs, s.citizens,
		WithClock(clock.NewFixed(testNow)),
		WithTokenSource(func() (string, error) { return "", broken }),
	)
	s.Require().NoError(err)

	s.expectEligible()
	s.events.EXPECT().ReleaseSlot(gomock.Any(), "event-1", testNow).Return(nil)

	_, err = svc.Register(context.Background(), "event-1", "citizen-1")
	s.ErrorIs(err, broken)
}

func (s *RegistrationFailureSuite) TestFailedReleaseStillReturnsInsertError() {
	s.expectEligible()
	insertErr := errors.New("insert timeout")
	s.regs.EXPECT().Insert(gomock.Any(), gomock.Any()).Return(insertErr)
	s.events.EXPECT().ReleaseSlot(gomock.Any(), "event-1", testNow).Return(errors.New("release timeout"))

	_, err := s.service.Register(context.Background(), "event-1", "citizen-1")
	s.ErrorIs(err, insertErr)
}

func (s *RegistrationFailureSuite) TestLoadFailureSkipsReservation() {
	dbErr := errors.New("db down")
	s.regs.EXPECT().FindActive(gomock.Any(), "event-1", "citizen-1").Return(nil, repository.ErrNotFound)
	s.events.EXPECT().GetByID(gomock.Any(), "event-1").Return(nil, dbErr)
	s.citizens.EXPECT().GetCitizenWithHousehold(gomock.Any(), "citizen-1").Return(nil, nil).AnyTimes()

	_, err := s.service.Register(context.Background(), "event-1", "citizen-1")
	s.ErrorIs(err, dbErr)
}

func (s *RegistrationFailureSuite) TestDuplicateCheckFailure() {
	dbErr := errors.New("db down")
	s.regs.EXPECT().FindActive(gomock.Any(), "event-1", "citizen-1").Return(nil, dbErr)

	_, err := s.service.Register(context.Background(), "event-1", "citizen-1")
	s.ErrorIs(err, dbErr)
}

func (s *RegistrationFailureSuite) TestRedeemLookupFailuresDoNotUndoReceipt() {
	received := &model.Registration{ID: "reg-1", EventID: "event-1", CitizenID: "citizen-1", Status: model.RegistrationReceived}
	s.regs.EXPECT().MarkReceived(gomock.Any(), "token-1", "staff-1", testNow).Return(received, nil)
	s.events.EXPECT().GetByID(gomock.Any(), "event-1").Return(nil, errors.New("db down"))
	s.citizens.EXPECT().GetCitizenWithHousehold(gomock.Any(), "citizen-1").Return(nil, errors.New("registry down"))

	res, err := s.service.Redeem(context.Background(), "token-1", "staff-1")
	s.Require().NoError(err)
	s.True(res.Success)
	s.Nil(res.Event)
	s.Nil(res.Citizen)
}

func (s *RegistrationFailureSuite) TestRedeemStoreFailure() {
	dbErr := errors.New("db down")
	s.regs.EXPECT().MarkReceived(gomock.Any(), "token-1", "staff-1", testNow).Return(nil, dbErr)

	_, err := s.service.Redeem(context.Background(), "token-1", "staff-1")
	s.ErrorIs(err, dbErr)
}
