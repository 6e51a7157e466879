// Package worker runs periodic background jobs.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/quocanhdayyy/QLDChehe/internal/audit"
	"github.com/quocanhdayyy/QLDChehe/internal/model"
)

// Expirer moves ended events to EXPIRED and returns them.
type Expirer interface {
	ExpireEnded(ctx context.Context) ([]model.Event, error)
}

// ExpirySweeper periodically expires events whose end date has passed.
type ExpirySweeper struct {
	events   Expirer
	audit    audit.Recorder
	interval time.Duration
	log      *zap.Logger
}

// NewExpirySweeper returns a sweeper that runs every interval.
func NewExpirySweeper(events Expirer, rec audit.Recorder, interval time.Duration, log *zap.Logger) *ExpirySweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &ExpirySweeper{events: events, audit: rec, interval: interval, log: log.Named("expiry")}
}

// RunOnce performs a single sweep and returns the number of expired events.
func (w *ExpirySweeper) RunOnce(ctx context.Context) (int, error) {
	expired, err := w.events.ExpireEnded(ctx)
	if err != nil {
		return 0, err
	}
	for i := range expired {
		ev := &expired[i]
		if w.audit == nil {
			continue
		}
		if err := w.audit.Record(ctx, audit.ActionEventExpire, audit.EntityEvent, ev.ID, audit.ActorSystem, nil, ev); err != nil {
			w.log.Warn("audit expire failed", zap.String("event_id", ev.ID), zap.Error(err))
		}
	}
	if len(expired) > 0 {
		w.log.Info("events expired", zap.Int("count", len(expired)))
	}
	return len(expired), nil
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
func (w *ExpirySweeper) Run(ctx context.Context) {
	w.sweep(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *ExpirySweeper) sweep(ctx context.Context) {
	if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
		w.log.Error("expiry sweep failed", zap.Error(err))
	}
}
