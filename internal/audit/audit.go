// Package audit records administrative and registration actions.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/quocanhdayyy/QLDChehe/internal/broker"
	"github.com/quocanhdayyy/QLDChehe/internal/clock"
)

// Action names an audited operation.
type Action string

const (
	ActionEventCreate Action = "GIFT_EVENT_CREATE"
	ActionEventUpdate Action = "GIFT_EVENT_UPDATE"
	ActionEventDelete Action = "GIFT_EVENT_DELETE"
	ActionEventOpen   Action = "GIFT_EVENT_OPEN"
	ActionEventClose  Action = "GIFT_EVENT_CLOSE"
	ActionEventExpire Action = "GIFT_EVENT_EXPIRE"

	ActionRegistrationCreate  Action = "GIFT_REGISTRATION_CREATE"
	ActionRegistrationReceive Action = "GIFT_REGISTRATION_RECEIVE"
	ActionRegistrationCancel  Action = "GIFT_REGISTRATION_CANCEL"
)

// Entity types.
const (
	EntityEvent        = "GiftEvent"
	EntityRegistration = "GiftRegistration"
)

// ActorSystem is recorded for actions taken by background jobs.
const ActorSystem = "system"

// Recorder persists audit entries. before and after are snapshots of the
// entity and may be nil.
type Recorder interface {
	Record(ctx context.Context, action Action, entityType, entityID, actor string, before, after any) error
}

// Entry is the serialized form of one audited action.
type Entry struct {
	Action     Action          `json:"action"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Actor      string          `json:"actor"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	At         time.Time       `json:"at"`
}

// NewEntry snapshots before and after as JSON.
func NewEntry(action Action, entityType, entityID, actor string, before, after any, at time.Time) (Entry, error) {
	e := Entry{Action: action, EntityType: entityType, EntityID: entityID, Actor: actor, At: at}
	var err error
	if e.Before, err = snapshot(before); err != nil {
		return Entry{}, fmt.Errorf("snapshot before: %w", err)
	}
	if e.After, err = snapshot(after); err != nil {
		return Entry{}, fmt.Errorf("snapshot after: %w", err)
	}
	return e, nil
}

func snapshot(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return b, nil
}

// LogRecorder writes entries to a zap logger.
type LogRecorder struct {
	log   *zap.Logger
	clock clock.Clock
}

// NewLogRecorder writes entries to log.
func NewLogRecorder(log *zap.Logger, clk clock.Clock) *LogRecorder {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &LogRecorder{log: log.Named("audit"), clock: clk}
}

func (r *LogRecorder) Record(_ context.Context, action Action, entityType, entityID, actor string, before, after any) error {
	e, err := NewEntry(action, entityType, entityID, actor, before, after, r.clock.Now())
	if err != nil {
		return err
	}
	r.log.Info("audit",
		zap.String("action", string(e.Action)),
		zap.String("entity_type", e.EntityType),
		zap.String("entity_id", e.EntityID),
		zap.String("actor", e.Actor),
		zap.ByteString("before", e.Before),
		zap.ByteString("after", e.After),
	)
	return nil
}

// KafkaRecorder publishes entries as JSON keyed by entity ID.
type KafkaRecorder struct {
	pub   broker.Publisher
	topic string
	clock clock.Clock
}

// NewKafkaRecorder publishes entries to topic.
func NewKafkaRecorder(pub broker.Publisher, topic string, clk clock.Clock) *KafkaRecorder {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &KafkaRecorder{pub: pub, topic: topic, clock: clk}
}

func (r *KafkaRecorder) Record(ctx context.Context, action Action, entityType, entityID, actor string, before, after any) error {
	e, err := NewEntry(action, entityType, entityID, actor, before, after, r.clock.Now())
	if err != nil {
		return err
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	if err := r.pub.Publish(ctx, r.topic, entityID, payload); err != nil {
		return fmt.Errorf("publish audit entry: %w", err)
	}
	return nil
}
