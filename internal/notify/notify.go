// Package notify delivers user-facing notifications.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/quocanhdayyy/QLDChehe/internal/broker"
	"github.com/quocanhdayyy/QLDChehe/internal/clock"
)

// Dispatcher sends a notification to one user.
type Dispatcher interface {
	Notify(ctx context.Context, userID, title, message string) error
}

// Message is the published notification payload.
type Message struct {
	UserID  string    `json:"user_id"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	SentAt  time.Time `json:"sent_at"`
}

// LogDispatcher writes notifications to the log instead of delivering them.
type LogDispatcher struct {
	log *zap.Logger
}

// NewLogDispatcher returns a Dispatcher that only logs.
func NewLogDispatcher(log *zap.Logger) *LogDispatcher {
	return &LogDispatcher{log: log.Named("notify")}
}

func (d *LogDispatcher) Notify(_ context.Context, userID, title, message string) error {
	d.log.Info("notification",
		zap.String("user_id", userID),
		zap.String("title", title),
		zap.String("message", message),
	)
	return nil
}

// KafkaDispatcher publishes notifications keyed by user ID so a user's
// messages stay ordered.
type KafkaDispatcher struct {
	pub   broker.Publisher
	topic string
	clock clock.Clock
}

// NewKafkaDispatcher publishes notifications to topic, keyed by user.
func NewKafkaDispatcher(pub broker.Publisher, topic string, clk clock.Clock) *KafkaDispatcher {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &KafkaDispatcher{pub: pub, topic: topic, clock: clk}
}

func (d *KafkaDispatcher) Notify(ctx context.Context, userID, title, message string) error {
	if userID == "" {
		return fmt.Errorf("notify: user id is required")
	}
	payload, err := json.Marshal(Message{UserID: userID, Title: title, Message: message, SentAt: d.clock.Now()})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := d.pub.Publish(ctx, d.topic, userID, payload); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// RegistrationConfirmed is sent to the user who registered.
func RegistrationConfirmed(eventTitle string) (title, message string) {
	return "Gift registration confirmed",
		fmt.Sprintf("You are registered for %q. Show your QR code when you collect the gift.", eventTitle)
}

// GiftReceived is sent to the citizen's linked user after a scan.
func GiftReceived(eventTitle string) (title, message string) {
	return "Gift received", fmt.Sprintf("Your gift for %q has been handed over.", eventTitle)
}
