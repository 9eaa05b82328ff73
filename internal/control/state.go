// Package control owns the shared follow-me state and the command entry
// points the HTTP layer calls.
package control

import (
	"log"
	"sync"
	"time"

	"followme/internal/follow"
	"followme/internal/geo"
	"followme/internal/location"
	"followme/internal/takeoff"
	"followme/internal/vehicle"
)

var nowFn = time.Now

// State is the single shared aggregate. Every field below mu is guarded by
// it; tasks read multi-field views through one locked call.
type State struct {
	connector *vehicle.Connector

	mu             sync.Mutex
	arbiter        *location.Arbiter
	track          *location.Track
	trackingActive bool
	followMode     bool
	params         follow.Params
	gimbalDeg      float64
	snapshot       vehicle.Snapshot
	lastFollow     *follow.Result
	// link mirrors connector's live handle so multi-field reads see it
	// under mu.
	link vehicle.Link

	notify func()
}

type StateConfig struct {
	StaleAfter time.Duration
	LiveWithin time.Duration
	Geofence   *location.Geofence
}

func NewState(connector *vehicle.Connector, cfg StateConfig) *State {
	s := &State{
		connector: connector,
		arbiter:   location.NewArbiter(cfg.StaleAfter, cfg.LiveWithin),
		track:     location.NewTrack(cfg.Geofence),
		snapshot:  vehicle.Snapshot{Status: vehicle.StatusDisconnected, Battery: vehicle.Battery{Percent: -1}},
	}
	if connector != nil {
		connector.OnLink(s.setLink)
	}
	return s
}

func (s *State) setLink(l vehicle.Link) {
	s.mu.Lock()
	s.link = l
	s.mu.Unlock()
}

// OnChange registers a callback run (outside the lock) after every state
// change that status consumers care about.
func (s *State) OnChange(fn func()) {
	s.mu.Lock()
	s.notify = fn
	s.mu.Unlock()
}

func (s *State) changed() {
	s.mu.Lock()
	fn := s.notify
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Link returns the live vehicle link or nil.
func (s *State) Link() vehicle.Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link
}

// OfferFix hands a candidate fix to the arbiter and reports whether it
// became current.
func (s *State) OfferFix(f location.Fix) bool {
	now := nowFn()
	s.mu.Lock()
	accepted := s.arbiter.Update(now, f)
	var left bool
	var cur location.Fix
	if accepted {
		cur, _ = s.arbiter.Read(now)
		left = s.track.Observe(cur)
	}
	s.mu.Unlock()

	if left {
		log.Printf("control: operator left geofence lat=%.6f lon=%.6f", cur.Lat, cur.Lon)
	}
	if accepted {
		s.changed()
	}
	return accepted
}

// Reevaluate lets a held local-device fix take over from a stale phone fix.
func (s *State) Reevaluate() bool {
	now := nowFn()
	s.mu.Lock()
	promoted := s.arbiter.Reevaluate(now)
	var cur location.Fix
	if promoted {
		cur, _ = s.arbiter.Read(now)
		s.track.Observe(cur)
	}
	s.mu.Unlock()
	if promoted {
		log.Printf("control: phone fix stale, using %s fix lat=%.6f lon=%.6f", cur.Source, cur.Lat, cur.Lon)
		s.changed()
	}
	return promoted
}

func (s *State) Location() (location.Fix, location.Health) {
	now := nowFn()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arbiter.Read(now)
}

func (s *State) TrackingActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trackingActive
}

func (s *State) FollowMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.followMode
}

func (s *State) setTracking(on bool) {
	s.mu.Lock()
	s.trackingActive = on
	if !on {
		s.followMode = false
	}
	s.mu.Unlock()
	s.changed()
}

func (s *State) setFollow(on bool, p *follow.Params) {
	s.mu.Lock()
	s.followMode = on
	if p != nil {
		s.params = *p
	}
	s.mu.Unlock()
	s.changed()
}

func (s *State) setGimbal(deg float64) {
	s.mu.Lock()
	s.gimbalDeg = deg
	s.mu.Unlock()
	s.changed()
}

// PublishSnapshot replaces the telemetry snapshot.
func (s *State) PublishSnapshot(snap vehicle.Snapshot) {
	s.mu.Lock()
	s.snapshot = snap
	s.mu.Unlock()
	s.changed()
}

// MarkSnapshot keeps the last snapshot and downgrades its status.
func (s *State) MarkSnapshot(status vehicle.ConnectionStatus, detail string) {
	s.mu.Lock()
	changed := s.snapshot.Status != status || s.snapshot.Error != detail
	s.snapshot.Status = status
	s.snapshot.Error = detail
	s.mu.Unlock()
	if changed {
		s.changed()
	}
}

func (s *State) Snapshot() vehicle.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// FollowInputs reads location, telemetry and parameters together.
func (s *State) FollowInputs() follow.Inputs {
	now := nowFn()
	s.mu.Lock()
	defer s.mu.Unlock()
	fix, _ := s.arbiter.Read(now)
	return follow.Inputs{
		Active:   s.followMode,
		Operator: fix,
		Vehicle:  s.snapshot,
		Params:   s.params,
		Link:     s.link,
	}
}

func (s *State) RecordFollow(r follow.Result) {
	s.mu.Lock()
	s.gimbalDeg = r.TiltDeg
	s.lastFollow = &r
	s.mu.Unlock()
	s.changed()
}

// Status is the read_status view.
type Status struct {
	Location       *location.Fix       `json:"location"`
	LocationHealth location.Health     `json:"location_source_health"`
	LocationAgeSec float64             `json:"location_age_sec"`
	FollowMode     bool                `json:"follow_mode"`
	TrackingActive bool                `json:"tracking_active"`
	FollowParams   follow.Params       `json:"follow_params"`
	Vehicle        vehicle.Snapshot    `json:"vehicle_snapshot"`
	GimbalAngleDeg float64             `json:"gimbal_angle"`
	TakeoffState   takeoff.State       `json:"takeoff_state"`
	TakeoffError   string              `json:"takeoff_error,omitempty"`
	LastFollow     *follow.Result      `json:"last_follow,omitempty"`
	Track          location.TrackStats `json:"track"`

	HasDroneLocation bool    `json:"has_drone_location"`
	DistanceM        float64 `json:"distance_m"`
	DistanceFt       float64 `json:"distance_ft"`
}

// ReadStatus never blocks on the vehicle; it reports the best-known state.
func (s *State) ReadStatus() Status {
	now := nowFn()
	s.mu.Lock()
	fix, health := s.arbiter.Read(now)
	st := Status{
		LocationHealth: health,
		FollowMode:     s.followMode,
		TrackingActive: s.trackingActive,
		FollowParams:   s.params,
		Vehicle:        s.snapshot,
		GimbalAngleDeg: s.gimbalDeg,
		Track:          s.track.Stats(),
	}
	if s.lastFollow != nil {
		r := *s.lastFollow
		st.LastFollow = &r
	}
	s.mu.Unlock()

	if !fix.IsNone() {
		st.Location = &fix
		st.LocationAgeSec = fix.Age(now).Seconds()
	}
	st.HasDroneLocation = !st.Vehicle.Position.IsZero()
	if st.Location != nil && st.HasDroneLocation {
		st.DistanceM = geo.Distance(fix.Point(), st.Vehicle.Position)
		st.DistanceFt = geo.MetersToFeet(st.DistanceM)
	}
	return st
}
