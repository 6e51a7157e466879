package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quocanhdayyy/QLDChehe/internal/audit"
	"github.com/quocanhdayyy/QLDChehe/internal/clock"
	"github.com/quocanhdayyy/QLDChehe/internal/model"
	"github.com/quocanhdayyy/QLDChehe/internal/repository/memory"
	"github.com/quocanhdayyy/QLDChehe/internal/service"
)

type recorded struct {
	action   audit.Action
	entityID string
	actor    string
}

type captureRecorder struct {
	mu      sync.Mutex
	entries []recorded
}

func (c *captureRecorder) Record(_ context.Context, action audit.Action, _, entityID, actor string, _, _ any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, recorded{action: action, entityID: entityID, actor: actor})
	return nil
}

func (c *captureRecorder) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

type failingExpirer struct{ calls int }

func (f *failingExpirer) ExpireEnded(context.Context) ([]model.Event, error) {
	f.calls++
	return nil, errors.New("db down")
}

func TestRunOnceExpiresAndAudits(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	clk := clock.NewFixed(now)
	store := memory.NewStore()
	events := service.NewEventService(store.Events(), clk, zap.NewNop(), nil)

	ended, err := events.CreateEvent(ctx, model.CreateEventRequest{
		Title: "Ended", StartDate: now.Add(-48 * time.Hour), EndDate: now.Add(-time.Hour), SlotsTotal: 5,
	}, "leader-1")
	require.NoError(t, err)
	_, err = events.CreateEvent(ctx, model.CreateEventRequest{
		Title: "Running", StartDate: now, EndDate: now.Add(time.Hour), SlotsTotal: 5,
	}, "leader-1")
	require.NoError(t, err)

	rec := &captureRecorder{}
	w := NewExpirySweeper(events, rec, time.Hour, zap.NewNop())

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Equal(t, 1, rec.len())
	assert.Equal(t, recorded{action: audit.ActionEventExpire, entityID: ended.ID, actor: audit.ActorSystem}, rec.entries[0])

	got, err := events.GetEvent(ctx, ended.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EventExpired, got.Status)

	n, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunOnceReturnsStoreError(t *testing.T) {
	w := NewExpirySweeper(&failingExpirer{}, nil, time.Hour, nil)
	_, err := w.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestRunSweepsAtStartAndStopsOnCancel(t *testing.T) {
	exp := &failingExpirer{}
	w := NewExpirySweeper(exp, nil, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
	assert.Equal(t, 1, exp.calls)
}
