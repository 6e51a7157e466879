package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/quocanhdayyy/QLDChehe/internal/clock"
	"github.com/quocanhdayyy/QLDChehe/internal/model"
)

var auditNow = time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)

type published struct {
	topic, key string
	value      []byte
}

type capturePublisher struct {
	records []published
	err     error
}

func (c *capturePublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	if c.err != nil {
		return c.err
	}
	c.records = append(c.records, published{topic: topic, key: key, value: value})
	return nil
}

func TestNewEntrySnapshots(t *testing.T) {
	var nilEvent *model.Event
	e, err := NewEntry(ActionEventDelete, EntityEvent, "ev-1", "leader-1", &model.Event{ID: "ev-1", Title: "Tet"}, nilEvent, auditNow)
	require.NoError(t, err)

	assert.Contains(t, string(e.Before), `"title":"Tet"`)
	assert.Nil(t, e.After)
	assert.Equal(t, auditNow, e.At)

	_, err = NewEntry(ActionEventCreate, EntityEvent, "ev-1", "leader-1", nil, make(chan int), auditNow)
	assert.Error(t, err)
}

func TestKafkaRecorder(t *testing.T) {
	pub := &capturePublisher{}
	rec := NewKafkaRecorder(pub, "gift-audit", clock.NewFixed(auditNow))

	err := rec.Record(context.Background(), ActionRegistrationReceive, EntityRegistration, "reg-1", "staff-1",
		nil, &model.Registration{ID: "reg-1", Status: model.RegistrationReceived})
	require.NoError(t, err)
	require.Len(t, pub.records, 1)

	got := pub.records[0]
	assert.Equal(t, "gift-audit", got.topic)
	assert.Equal(t, "reg-1", got.key)

	var e Entry
	require.NoError(t, json.Unmarshal(got.value, &e))
	assert.Equal(t, ActionRegistrationReceive, e.Action)
	assert.Equal(t, "staff-1", e.Actor)
	assert.True(t, auditNow.Equal(e.At))
	assert.Contains(t, string(e.After), `"status":"RECEIVED"`)
}

func TestKafkaRecorderPublishFailure(t *testing.T) {
	pub := &capturePublisher{err: errors.New("broker down")}
	rec := NewKafkaRecorder(pub, "gift-audit", nil)

	err := rec.Record(context.Background(), ActionEventOpen, EntityEvent, "ev-1", "leader-1", nil, nil)
	assert.ErrorIs(t, err, pub.err)
}

func TestLogRecorder(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	rec := NewLogRecorder(zap.New(core), clock.NewFixed(auditNow))

	require.NoError(t, rec.Record(context.Background(), ActionEventExpire, EntityEvent, "ev-1", ActorSystem, nil, nil))

	entries := logs.FilterMessage("audit").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "GIFT_EVENT_EXPIRE", fields["action"])
	assert.Equal(t, ActorSystem, fields["actor"])
}
