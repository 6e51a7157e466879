package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/quocanhdayyy/QLDChehe/internal/clock"
	"github.com/quocanhdayyy/QLDChehe/internal/model"
	"github.com/quocanhdayyy/QLDChehe/internal/repository"
)

// Redeemer moves a registration from REGISTERED to RECEIVED when staff scan
// its token. Only one scan of a token can win the conditional update.
type Redeemer struct {
	registrations RegistrationStore
	events        EventStore
	citizens      CitizenDirectory
	clock         clock.Clock
	log           *zap.Logger
}

// NewRedeemer constructs a Redeemer.
func NewRedeemer(registrations RegistrationStore, events EventStore, citizens CitizenDirectory, clk clock.Clock, log *zap.Logger) *Redeemer {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Redeemer{registrations: registrations, events: events, citizens: citizens, clock: clk, log: log}
}

// Redeem marks the token as received by performedBy. A repeated scan
// returns ALREADY_RECEIVED and leaves ReceivedAt unchanged.
func (r *Redeemer) Redeem(ctx context.Context, token, performedBy string) (model.RedeemResult, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return model.RedeemResult{Reason: model.ReasonNotFound}, nil
	}

	reg, err := r.registrations.MarkReceived(ctx, token, performedBy, r.clock.Now())
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrNotFound):
		return model.RedeemResult{Reason: model.ReasonNotFound}, nil
	case errors.Is(err, repository.ErrInvalidState):
		return r.rejectByState(ctx, token)
	default:
		return model.RedeemResult{}, fmt.Errorf("mark received: %w", err)
	}

	res := model.RedeemResult{Success: true, Registration: reg}
	r.attach(ctx, &res)
	return res, nil
}

func (r *Redeemer) rejectByState(ctx context.Context, token string) (model.RedeemResult, error) {
	current, err := r.registrations.GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.RedeemResult{Reason: model.ReasonNotFound}, nil
		}
		return model.RedeemResult{}, fmt.Errorf("get registration: %w", err)
	}
	reason := model.ReasonAlreadyReceived
	if current.Status == model.RegistrationCancelled {
		reason = model.ReasonRegistrationCancelled
	}
	return model.RedeemResult{Reason: reason, Registration: current}, nil
}

// attach loads the event and citizen for downstream notification. The
// receipt is already committed, so lookup failures are logged, not returned.
func (r *Redeemer) attach(ctx context.Context, res *model.RedeemResult) {
	reg := res.Registration
	ev, err := r.events.GetByID(ctx, reg.EventID)
	if err != nil {
		r.log.Warn("redeem: event lookup failed", zap.String("event_id", reg.EventID), zap.Error(err))
	} else {
		res.Event = ev
	}

	if r.citizens == nil {
		return
	}
	profile, err := r.citizens.GetCitizenWithHousehold(ctx, reg.CitizenID)
	if err != nil {
		r.log.Warn("redeem: citizen lookup failed", zap.String("citizen_id", reg.CitizenID), zap.Error(err))
		return
	}
	res.Citizen = profile
}
