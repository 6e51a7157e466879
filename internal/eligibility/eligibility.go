// Package eligibility decides whether a citizen may register for a gift event.
//
// Evaluate is pure: it performs no I/O and reads the time only from its
// argument. Checks run in a fixed order and the first failing check decides
// the reason:
//
//  1. event is OPEN and now lies within [StartDate, EndDate]
//  2. age bounds (birth date required when any bound is set)
//  3. area tokens against household address components
//  4. household poverty status
//  5. minimum citizen points
package eligibility

import (
	"math"
	"strings"
	"time"

	"github.com/quocanhdayyy/QLDChehe/internal/model"
)

// yearHours is the length of a 365.25-day year.
const yearHours = 365.25 * 24

// Result is the outcome of an evaluation. Reason is empty when Eligible.
type Result struct {
	Eligible bool
	Reason   model.Reason
}

func ok() Result                        { return Result{Eligible: true} }
func reject(reason model.Reason) Result { return Result{Reason: reason} }

// Evaluate checks profile against the event's status, window and conditions.
// A nil profile is treated as a citizen with no known attributes.
func Evaluate(profile *model.CitizenProfile, event *model.Event, now time.Time) Result {
	if event.Status != model.EventOpen || !event.InWindow(now) {
		return reject(model.ReasonEventClosedOrOutOfTime)
	}
	if profile == nil {
		profile = &model.CitizenProfile{}
	}

	cond := event.Conditions
	if r := checkAge(profile, cond, now); !r.Eligible {
		return r
	}
	if len(cond.AreaIDs) > 0 && !InArea(profile.Address, cond.AreaIDs, cond.AreaMatch) {
		return reject(model.ReasonNotInArea)
	}
	if cond.PovertyStatus != "" && !strings.EqualFold(strings.TrimSpace(profile.PovertyStatus), cond.PovertyStatus) {
		return reject(model.ReasonPovertyStatusMismatch)
	}
	if cond.MinPoints != nil && profile.Points < *cond.MinPoints {
		return reject(model.ReasonInsufficientPoints)
	}
	return ok()
}

func checkAge(profile *model.CitizenProfile, cond model.Conditions, now time.Time) Result {
	if cond.MinAge == nil && cond.MaxAge == nil {
		return ok()
	}
	if profile.DateOfBirth == nil {
		return reject(model.ReasonAgeInfoMissing)
	}
	age := AgeAt(*profile.DateOfBirth, now)
	if cond.MinAge != nil && age < *cond.MinAge {
		return reject(model.ReasonAgeTooYoung)
	}
	if cond.MaxAge != nil && age > *cond.MaxAge {
		return reject(model.ReasonAgeTooOld)
	}
	return ok()
}

// AgeAt returns the age in whole years at now, using a 365.25-day year.
func AgeAt(dob, now time.Time) int {
	return int(math.Floor(now.Sub(dob).Hours() / yearHours))
}

// InArea reports whether any token matches any address component.
// The zero mode behaves as AreaMatchSubstring.
func InArea(addr model.Address, tokens []string, mode model.AreaMatchMode) bool {
	for _, token := range tokens {
		if token == "" {
			continue
		}
		for _, part := range addr.Components() {
			if part == "" {
				continue
			}
			if mode == model.AreaMatchExact {
				if strings.EqualFold(strings.TrimSpace(part), strings.TrimSpace(token)) {
					return true
				}
				continue
			}
			if strings.Contains(part, token) {
				return true
			}
		}
	}
	return false
}
