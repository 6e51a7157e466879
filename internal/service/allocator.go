package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/quocanhdayyy/QLDChehe/internal/clock"
	"github.com/quocanhdayyy/QLDChehe/internal/metrics"
	"github.com/quocanhdayyy/QLDChehe/internal/model"
	"github.com/quocanhdayyy/QLDChehe/internal/repository"
)

// SlotAllocator hands out event slots. Reserve is a single conditional
// decrement in the store; Release is its compensation.
type SlotAllocator struct {
	events  EventStore
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewSlotAllocator constructs a SlotAllocator.
func NewSlotAllocator(events EventStore, clk clock.Clock, log *zap.Logger, m *metrics.Metrics) *SlotAllocator {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SlotAllocator{events: events, clock: clk, log: log, metrics: m}
}

// Reserve takes one slot and returns the post-decrement event. It returns
// repository.ErrSlotUnavailable when the event is missing, not OPEN or full.
func (a *SlotAllocator) Reserve(ctx context.Context, eventID string) (*model.Event, error) {
	ev, err := a.events.ReserveSlot(ctx, eventID, a.clock.Now())
	if err != nil {
		if errors.Is(err, repository.ErrSlotUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("reserve slot: %w", err)
	}
	return ev, nil
}

// Release returns one slot. It runs on a context detached from the caller's
// cancellation so that a compensating release is not dropped mid-flight.
func (a *SlotAllocator) Release(ctx context.Context, eventID string) error {
	err := a.events.ReleaseSlot(context.WithoutCancel(ctx), eventID, a.clock.Now())
	a.metrics.IncrementCompensation(err == nil)
	if err != nil {
		a.log.Error("slot release failed",
			zap.String("event_id", eventID),
			zap.Error(err),
		)
		return fmt.Errorf("release slot: %w", err)
	}
	return nil
}
