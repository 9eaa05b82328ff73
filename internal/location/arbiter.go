package location

import (
	"time"
)

const (
	DefaultStaleAfter = 30 * time.Second
	DefaultLiveWithin = 10 * time.Second
)

// Health is the observability label for the current fix. Control decisions
// key off raw age, never off Health.
type Health string

const (
	HealthNone   Health = "none"
	HealthLive   Health = "live"
	HealthRecent Health = "recent"
	HealthStale  Health = "stale"
	HealthManual Health = "manual"
)

// Arbiter keeps the single current operator fix.
//
// Phone fixes always win. Local-device and manual fixes only replace a phone
// fix once it has gone stale. Arbiter is not safe for concurrent use; the
// owner serializes access.
type Arbiter struct {
	StaleAfter time.Duration
	LiveWithin time.Duration

	current Fix
	// Latest rejected local-device fix, promoted by Reevaluate once the
	// phone stream goes quiet.
	fallback Fix
}

func NewArbiter(staleAfter, liveWithin time.Duration) *Arbiter {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if liveWithin <= 0 {
		liveWithin = DefaultLiveWithin
	}
	return &Arbiter{StaleAfter: staleAfter, LiveWithin: liveWithin}
}

func (a *Arbiter) phoneLive(now time.Time) bool {
	return a.current.Source == SourcePhone && a.current.Age(now) < a.StaleAfter
}

// Update offers a candidate fix and reports whether it became current.
// Candidates with the None source or invalid coordinates are ignored.
func (a *Arbiter) Update(now time.Time, c Fix) bool {
	if c.IsNone() || ValidateCoordinates(c.Lat, c.Lon) != nil {
		return false
	}
	if c.ObservedAt.IsZero() {
		c.ObservedAt = now
	}

	switch c.Source {
	case SourcePhone:
		// Phone is accepted unconditionally and restamped.
		c.ObservedAt = now
		a.current = c
		return true
	case SourceLocalDevice, SourceManualInput:
		if a.phoneLive(now) {
			if c.Source == SourceLocalDevice {
				a.fallback = c
			}
			return false
		}
		a.current = c
		if c.Source == SourceLocalDevice {
			a.fallback = Fix{}
		}
		return true
	default:
		return false
	}
}

// Reevaluate promotes the held local-device fix when the phone fix has gone
// stale. It reports whether the current fix changed.
func (a *Arbiter) Reevaluate(now time.Time) bool {
	if a.fallback.IsNone() || a.phoneLive(now) {
		return false
	}
	if a.current.Source != SourcePhone {
		return false
	}
	if a.fallback.Age(now) >= a.StaleAfter {
		return false
	}
	a.current = a.fallback
	a.fallback = Fix{}
	return true
}

// Read returns the current fix and its health label.
func (a *Arbiter) Read(now time.Time) (Fix, Health) {
	return a.current, a.health(now)
}

func (a *Arbiter) health(now time.Time) Health {
	switch a.current.Source {
	case SourceNone:
		return HealthNone
	case SourceManualInput:
		return HealthManual
	}
	age := a.current.Age(now)
	switch {
	case age < a.LiveWithin:
		return HealthLive
	case age < a.StaleAfter:
		return HealthRecent
	default:
		return HealthStale
	}
}
