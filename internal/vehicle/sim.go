package vehicle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"

	"followme/internal/geo"
)

type SimConfig struct {
	Home         geo.Point
	ArmableAfter time.Duration
	ClimbRateMS  float64
	SpeedMS      float64
}

// SimLink is an in-process copter good enough for bench runs: it becomes
// armable after a delay, climbs on takeoff, flies toward goto targets and
// descends then disarms in LAND.
type SimLink struct {
	cfg SimConfig

	mu        sync.Mutex
	created   time.Time
	lastStep  time.Time
	closed    bool
	armed     bool
	mode      string
	pos       geo.Point
	altM      float64
	targetAlt float64
	target    geo.Point
	hasTarget bool
	yawRad    float64
	batteryV  float64
}

var errSimClosed = errors.New("sim link closed")

func NewSimLink(cfg SimConfig) *SimLink {
	if cfg.ArmableAfter < 0 {
		cfg.ArmableAfter = 0
	}
	if cfg.ClimbRateMS <= 0 {
		cfg.ClimbRateMS = 1.5
	}
	if cfg.SpeedMS <= 0 {
		cfg.SpeedMS = 5
	}
	now := nowFn()
	return &SimLink{
		cfg:      cfg,
		created:  now,
		lastStep: now,
		mode:     ModeStabilize,
		pos:      cfg.Home,
		batteryV: 12.6,
	}
}

// DialSim returns a DialFunc producing a fresh SimLink.
func DialSim(cfg SimConfig) DialFunc {
	return func(ctx context.Context) (Link, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return NewSimLink(cfg), nil
	}
}

// stepLocked advances the simulation to now.
func (s *SimLink) stepLocked(now time.Time) {
	dt := now.Sub(s.lastStep).Seconds()
	s.lastStep = now
	if dt <= 0 || !s.armed {
		return
	}
	s.batteryV = math.Max(10.5, s.batteryV-dt*0.001)

	climb := s.cfg.ClimbRateMS * dt
	switch s.mode {
	case ModeLand:
		s.altM = math.Max(0, s.altM-climb)
		if s.altM == 0 {
			s.armed = false
			s.targetAlt = 0
			s.hasTarget = false
		}
		return
	case ModeGuided:
	default:
		return
	}

	if d := s.targetAlt - s.altM; math.Abs(d) <= climb {
		s.altM = s.targetAlt
	} else if d > 0 {
		s.altM += climb
	} else {
		s.altM -= climb
	}

	if !s.hasTarget {
		return
	}
	dist := geo.Distance(s.pos, s.target)
	step := s.cfg.SpeedMS * dt
	if dist <= step || dist == 0 {
		s.pos = s.target
		return
	}
	f := step / dist
	s.yawRad = geo.DegreesToRadians(geo.Bearing(s.pos, s.target))
	s.pos = geo.Point{
		Lat: s.pos.Lat + (s.target.Lat-s.pos.Lat)*f,
		Lon: s.pos.Lon + (s.target.Lon-s.pos.Lon)*f,
	}
}

func (s *SimLink) armableLocked(now time.Time) bool {
	return !s.closed && now.Sub(s.created) >= s.cfg.ArmableAfter
}

func (s *SimLink) IsArmable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armableLocked(nowFn())
}

func (s *SimLink) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stepLocked(nowFn())
	return s.armed
}

func (s *SimLink) Mode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *SimLink) RelativeAltM() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stepLocked(nowFn())
	return s.altM
}

func (s *SimLink) Sample() (Snapshot, error) {
	now := nowFn()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Snapshot{}, errSimClosed
	}
	s.stepLocked(now)
	return Snapshot{
		Status:       StatusConnected,
		Armable:      s.armableLocked(now),
		Armed:        s.armed,
		Mode:         s.mode,
		Position:     s.pos,
		RelativeAltM: s.altM,
		AbsoluteAltM: s.altM,
		Attitude:     Attitude{YawRad: s.yawRad},
		Battery:      Battery{VoltageV: s.batteryV, Percent: int((s.batteryV - 10.5) / 2.1 * 100)},
		GPS:          GPS{FixType: 3, Satellites: 12},
		SampledAt:    now,
	}, nil
}

func (s *SimLink) Diagnostics() Diagnostics {
	now := nowFn()
	s.mu.Lock()
	defer s.mu.Unlock()
	armable := s.armableLocked(now)
	return Diagnostics{
		Armable:      armable,
		Mode:         s.mode,
		SystemStatus: "STANDBY",
		GPSFixType:   3,
		Satellites:   12,
		PrearmOK:     armable,
		SafetyEnable: 0,
	}
}

func (s *SimLink) SetMode(mode string) error {
	mode = strings.ToUpper(mode)
	if _, ok := copterModes[mode]; !ok {
		return fmt.Errorf("unknown flight mode %q", mode)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSimClosed
	}
	s.stepLocked(nowFn())
	s.mode = mode
	return nil
}

func (s *SimLink) Arm(arm bool) error {
	now := nowFn()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSimClosed
	}
	s.stepLocked(now)
	if arm && !s.armableLocked(now) {
		return errors.New("arm rejected: pre-arm checks failing")
	}
	s.armed = arm
	return nil
}

func (s *SimLink) Takeoff(altM float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSimClosed
	}
	if !s.armed || s.mode != ModeGuided {
		return errors.New("takeoff rejected: not armed in GUIDED")
	}
	s.stepLocked(nowFn())
	s.targetAlt = altM
	return nil
}

func (s *SimLink) Goto(lat, lon, altM float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSimClosed
	}
	if !s.armed || s.mode != ModeGuided {
		return errors.New("goto rejected: not armed in GUIDED")
	}
	s.stepLocked(nowFn())
	s.target = geo.Point{Lat: lat, Lon: lon}
	s.hasTarget = true
	s.targetAlt = altM
	return nil
}

// Command accepts mount and other auxiliary commands without effect.
func (s *SimLink) Command(cmd common.MAV_CMD, params [7]float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSimClosed
	}
	return nil
}

func (s *SimLink) Land() error {
	return s.SetMode(ModeLand)
}

func (s *SimLink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
