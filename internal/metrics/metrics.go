// Package metrics exposes Prometheus instruments for the gift event service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks registration outcomes, redemptions, slot compensation and
// expiry sweeps. A nil *Metrics is valid and records nothing.
type Metrics struct {
	RegistrationOutcomes *prometheus.CounterVec
	RedemptionOutcomes   *prometheus.CounterVec
	SlotCompensations    *prometheus.CounterVec
	EventsExpired        prometheus.Counter
	RegisterDuration     prometheus.Histogram
}

// New registers all instruments with reg. Pass prometheus.DefaultRegisterer
// in production and prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RegistrationOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gift_registrations_total",
			Help: "Registration attempts by outcome (success or rejection reason)",
		}, []string{"outcome"}),
		RedemptionOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gift_redemptions_total",
			Help: "Redemption scans by outcome (success or rejection reason)",
		}, []string{"outcome"}),
		SlotCompensations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gift_slot_compensations_total",
			Help: "Slots released after a failed insert, by result",
		}, []string{"result"}),
		EventsExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "gift_events_expired_total",
			Help: "Events moved to EXPIRED by the sweep",
		}),
		RegisterDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gift_register_duration_seconds",
			Help:    "Duration of Register calls",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}
}

// ObserveRegistration records a registration outcome. An empty outcome
// counts as success.
func (m *Metrics) ObserveRegistration(outcome string, start time.Time) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "success"
	}
	m.RegistrationOutcomes.WithLabelValues(outcome).Inc()
	m.RegisterDuration.Observe(time.Since(start).Seconds())
}

// ObserveRedemption records a redemption outcome.
func (m *Metrics) ObserveRedemption(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "success"
	}
	m.RedemptionOutcomes.WithLabelValues(outcome).Inc()
}

// IncrementCompensation records a slot release; ok reports whether it succeeded.
func (m *Metrics) IncrementCompensation(ok bool) {
	if m == nil {
		return
	}
	result := "released"
	if !ok {
		result = "failed"
	}
	m.SlotCompensations.WithLabelValues(result).Inc()
}

// AddExpired records events moved to EXPIRED.
func (m *Metrics) AddExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EventsExpired.Add(float64(n))
}
