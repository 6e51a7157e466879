package eligibility

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/quocanhdayyy/QLDChehe/internal/model"
)

var now = time.Date(2026, 1, 20, 9, 0, 0, 0, time.UTC)

func intPtr(v int) *int { return &v }

func openEvent(cond model.Conditions) *model.Event {
	return &model.Event{
		ID:         "ev-1",
		Status:     model.EventOpen,
		StartDate:  now.Add(-time.Hour),
		EndDate:    now.Add(time.Hour),
		SlotsTotal: 10,
		Conditions: cond,
	}
}

func bornYearsAgo(years int) *time.Time {
	dob := now.AddDate(-years, 0, -3)
	return &dob
}

func TestEvaluate_EventState(t *testing.T) {
	profile := &model.CitizenProfile{ID: "c-1"}

	tests := []struct {
		name  string
		event func() *model.Event
		want  Result
	}{
		{"open and in window", func() *model.Event { return openEvent(model.Conditions{}) }, Result{Eligible: true}},
		{"closed regardless of slots", func() *model.Event {
			ev := openEvent(model.Conditions{})
			ev.Status = model.EventClosed
			ev.SlotsRemaining = 10
			return ev
		}, Result{Reason: model.ReasonEventClosedOrOutOfTime}},
		{"expired", func() *model.Event {
			ev := openEvent(model.Conditions{})
			ev.Status = model.EventExpired
			return ev
		}, Result{Reason: model.ReasonEventClosedOrOutOfTime}},
		{"not started", func() *model.Event {
			ev := openEvent(model.Conditions{})
			ev.StartDate = now.Add(time.Minute)
			return ev
		}, Result{Reason: model.ReasonEventClosedOrOutOfTime}},
		{"already ended", func() *model.Event {
			ev := openEvent(model.Conditions{})
			ev.EndDate = now.Add(-time.Minute)
			return ev
		}, Result{Reason: model.ReasonEventClosedOrOutOfTime}},
		{"window bounds are inclusive", func() *model.Event {
			ev := openEvent(model.Conditions{})
			ev.StartDate = now
			ev.EndDate = now
			return ev
		}, Result{Eligible: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(profile, tt.event(), now))
		})
	}
}

func TestEvaluate_Age(t *testing.T) {
	adultOnly := openEvent(model.Conditions{MinAge: intPtr(18)})
	seniorCap := openEvent(model.Conditions{MaxAge: intPtr(60)})

	assert.Equal(t, model.ReasonAgeTooYoung,
		Evaluate(&model.CitizenProfile{DateOfBirth: bornYearsAgo(16)}, adultOnly, now).Reason)
	assert.Equal(t, model.ReasonAgeInfoMissing,
		Evaluate(&model.CitizenProfile{}, adultOnly, now).Reason)
	assert.True(t, Evaluate(&model.CitizenProfile{DateOfBirth: bornYearsAgo(18)}, adultOnly, now).Eligible)
	assert.Equal(t, model.ReasonAgeTooOld,
		Evaluate(&model.CitizenProfile{DateOfBirth: bornYearsAgo(61)}, seniorCap, now).Reason)
	assert.True(t, Evaluate(&model.CitizenProfile{DateOfBirth: bornYearsAgo(60)}, seniorCap, now).Eligible)
}

func TestEvaluate_NilProfileFailsAgeCheck(t *testing.T) {
	res := Evaluate(nil, openEvent(model.Conditions{MinAge: intPtr(1)}), now)
	assert.Equal(t, model.ReasonAgeInfoMissing, res.Reason)
}

func TestEvaluate_AgeCheckedBeforeArea(t *testing.T) {
	ev := openEvent(model.Conditions{MinAge: intPtr(18), AreaIDs: []string{"Ward 7"}})
	res := Evaluate(&model.CitizenProfile{DateOfBirth: bornYearsAgo(10)}, ev, now)
	assert.Equal(t, model.ReasonAgeTooYoung, res.Reason)
}

func TestAgeAt_UsesQuarterDayYears(t *testing.T) {
	dob := time.Date(2000, 1, 20, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 26, AgeAt(dob, now))
	assert.Equal(t, 25, AgeAt(dob, time.Date(2026, 1, 19, 0, 0, 0, 0, time.UTC)))
}

func TestEvaluate_Area(t *testing.T) {
	profile := &model.CitizenProfile{Address: model.Address{
		Street: "12 Le Loi", Ward: "Ward 7", District: "District 3", City: "Ho Chi Minh",
	}}

	tests := []struct {
		name string
		cond model.Conditions
		want bool
	}{
		{"substring match on ward", model.Conditions{AreaIDs: []string{"Ward 7"}}, true},
		{"substring match on partial token", model.Conditions{AreaIDs: []string{"District"}}, true},
		{"any token may match", model.Conditions{AreaIDs: []string{"Da Nang", "Chi Minh"}}, true},
		{"no match", model.Conditions{AreaIDs: []string{"Hanoi"}}, false},
		{"exact rejects partial token", model.Conditions{AreaIDs: []string{"District"}, AreaMatch: model.AreaMatchExact}, false},
		{"exact accepts full component", model.Conditions{AreaIDs: []string{"district 3"}, AreaMatch: model.AreaMatchExact}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Evaluate(profile, openEvent(tt.cond), now)
			if tt.want {
				assert.True(t, res.Eligible)
				return
			}
			assert.Equal(t, model.ReasonNotInArea, res.Reason)
		})
	}
}

func TestEvaluate_MissingAddressIsNotInArea(t *testing.T) {
	res := Evaluate(&model.CitizenProfile{}, openEvent(model.Conditions{AreaIDs: []string{"Ward 7"}}), now)
	assert.Equal(t, model.ReasonNotInArea, res.Reason)
}

func TestEvaluate_PovertyAndPoints(t *testing.T) {
	poor := openEvent(model.Conditions{PovertyStatus: "POOR"})
	assert.Equal(t, model.ReasonPovertyStatusMismatch, Evaluate(&model.CitizenProfile{}, poor, now).Reason)
	assert.True(t, Evaluate(&model.CitizenProfile{PovertyStatus: "poor"}, poor, now).Eligible)

	points := openEvent(model.Conditions{MinPoints: intPtr(50)})
	assert.Equal(t, model.ReasonInsufficientPoints, Evaluate(&model.CitizenProfile{Points: 49}, points, now).Reason)
	assert.True(t, Evaluate(&model.CitizenProfile{Points: 50}, points, now).Eligible)
}
