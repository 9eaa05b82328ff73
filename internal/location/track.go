package location

import (
	"time"

	"followme/internal/geo"
)

const speedWindow = 50

// Geofence is a circular area around Center.
type Geofence struct {
	Center  geo.Point
	RadiusM float64
}

func (g Geofence) Contains(p geo.Point) bool {
	return geo.Distance(g.Center, p) <= g.RadiusM
}

// TrackStats summarizes how the operator has moved during this process.
type TrackStats struct {
	Fixes          int     `json:"fixes"`
	TotalDistanceM float64 `json:"total_distance_m"`
	LastMoveM      float64 `json:"last_move_m"`
	LastBearingDeg float64 `json:"last_bearing_deg"`
	SpeedMS        float64 `json:"speed_ms"`
	MaxSpeedMS     float64 `json:"max_speed_ms"`
	AvgSpeedMS     float64 `json:"avg_speed_ms"`
	GeofenceActive bool    `json:"geofence_active"`
	InsideGeofence bool    `json:"inside_geofence"`
}

// Track accumulates TrackStats from accepted fixes. Not safe for concurrent
// use.
type Track struct {
	fence *Geofence

	last   Fix
	have   bool
	speeds []float64
	stats  TrackStats
}

func NewTrack(fence *Geofence) *Track {
	t := &Track{fence: fence}
	t.stats.GeofenceActive = fence != nil
	t.stats.InsideGeofence = true
	return t
}

// Observe folds an accepted fix into the statistics. It returns true when
// the fix leaves the geofence (transition from inside to outside).
func (t *Track) Observe(f Fix) (leftFence bool) {
	if f.IsNone() {
		return false
	}
	t.stats.Fixes++

	var moved float64
	if t.have {
		moved = geo.Distance(t.last.Point(), f.Point())
		t.stats.TotalDistanceM += moved
		if moved > 0 {
			t.stats.LastBearingDeg = geo.Bearing(t.last.Point(), f.Point())
		}
	}
	t.stats.LastMoveM = moved

	speed := -1.0
	if f.HasSpeed {
		speed = f.SpeedMS
	} else if t.have {
		if dt := f.ObservedAt.Sub(t.last.ObservedAt); dt > 0 {
			speed = moved / dt.Seconds()
		}
	}
	if speed >= 0 {
		t.addSpeed(speed)
	}

	if t.fence != nil {
		inside := t.fence.Contains(f.Point())
		leftFence = t.stats.InsideGeofence && !inside
		t.stats.InsideGeofence = inside
	}

	t.last = f
	t.have = true
	return leftFence
}

func (t *Track) addSpeed(v float64) {
	t.stats.SpeedMS = v
	if v > t.stats.MaxSpeedMS {
		t.stats.MaxSpeedMS = v
	}
	t.speeds = append(t.speeds, v)
	if len(t.speeds) > speedWindow {
		t.speeds = t.speeds[len(t.speeds)-speedWindow:]
	}
	sum := 0.0
	for _, s := range t.speeds {
		sum += s
	}
	t.stats.AvgSpeedMS = sum / float64(len(t.speeds))
}

func (t *Track) Stats() TrackStats {
	return t.stats
}

// LastSeen returns when the last fix was folded in.
func (t *Track) LastSeen() time.Time {
	return t.last.ObservedAt
}
