// Package follow is the periodic follow-me controller: it keeps the vehicle
// at a stand-off position from the operator and points the camera at them.
package follow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"followme/internal/geo"
	"followme/internal/gimbal"
	"followme/internal/location"
	"followme/internal/vehicle"
)

var (
	afterFn = time.After
	nowFn   = time.Now
)

const (
	DefaultPeriod  = 3 * time.Second
	DefaultBackoff = 5 * time.Second

	MinElevationM = 5.0
	MaxElevationM = 100.0
	MinDistanceM  = 5.0
	MaxDistanceM  = 50.0
)

var ErrInvalidParams = errors.New("invalid follow parameters")

// Params are fixed for a follow session unless explicitly changed.
type Params struct {
	ElevationM float64 `json:"elevation_m"`
	DistanceM  float64 `json:"distance_m"`
}

func (p Params) Validate() error {
	if p.ElevationM != p.ElevationM || p.ElevationM < MinElevationM || p.ElevationM > MaxElevationM {
		return fmt.Errorf("%w: elevation %v must be within [%v,%v]", ErrInvalidParams, p.ElevationM, MinElevationM, MaxElevationM)
	}
	if p.DistanceM != p.DistanceM || p.DistanceM < MinDistanceM || p.DistanceM > MaxDistanceM {
		return fmt.Errorf("%w: distance %v must be within [%v,%v]", ErrInvalidParams, p.DistanceM, MinDistanceM, MaxDistanceM)
	}
	return nil
}

// Inputs is one consistent read of the shared state.
type Inputs struct {
	Active   bool
	Operator location.Fix
	Vehicle  vehicle.Snapshot
	Params   Params
	Link     vehicle.Link
}

// Result describes one completed cycle.
type Result struct {
	Target     geo.Point `json:"target"`
	TargetAltM float64   `json:"target_alt_m"`
	BearingDeg float64   `json:"bearing_deg"`
	DistanceM  float64   `json:"distance_m"`
	TiltDeg    float64   `json:"tilt_deg"`
	At         time.Time `json:"at"`
}

type State interface {
	FollowInputs() Inputs
	RecordFollow(r Result)
}

type Config struct {
	Period  time.Duration
	Backoff time.Duration
	TiltMin float64
	TiltMax float64
}

type Loop struct {
	cfg    Config
	state  State
	gimbal gimbal.Output

	// Skip reasons are logged once per transition.
	lastSkip string

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(state State, out gimbal.Output, cfg Config) *Loop {
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.TiltMin == 0 && cfg.TiltMax == 0 {
		cfg.TiltMin, cfg.TiltMax = geo.TiltMinDeg, geo.TiltMaxDeg
	}
	return &Loop{cfg: cfg, state: state, gimbal: out, stopCh: make(chan struct{})}
}

func (l *Loop) Start(ctx context.Context) error {
	if l == nil || l.state == nil {
		return fmt.Errorf("follow: loop is nil")
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.run(ctx)
	}()
	return nil
}

func (l *Loop) Close() {
	if l == nil {
		return
	}
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}

func (l *Loop) run(ctx context.Context) {
	for {
		delay := l.cycle()
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-afterFn(delay):
		}
	}
}

func (l *Loop) skip(reason string) time.Duration {
	if reason != l.lastSkip {
		log.Printf("follow: skipping cycle: %s", reason)
		l.lastSkip = reason
	}
	return l.cfg.Period
}

// cycle runs once and returns the delay before the next cycle.
func (l *Loop) cycle() (next time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("follow: cycle panic: %v", r)
			next = l.cfg.Backoff
		}
	}()

	in := l.state.FollowInputs()
	if !in.Active {
		l.lastSkip = ""
		return l.cfg.Period
	}
	if in.Operator.IsNone() {
		return l.skip("no operator location")
	}
	if in.Link == nil {
		return l.skip("no vehicle link")
	}

	r, err := l.step(in)
	if err != nil {
		log.Printf("follow: cycle failed: %v", err)
		return l.cfg.Backoff
	}
	l.lastSkip = ""
	l.state.RecordFollow(r)
	return l.cfg.Period
}

func (l *Loop) step(in Inputs) (Result, error) {
	op := in.Operator.Point()
	target := geo.StandOff(op, in.Params.DistanceM)
	if err := in.Link.Goto(target.Lat, target.Lon, in.Params.ElevationM); err != nil {
		return Result{}, fmt.Errorf("goto: %w", err)
	}

	drone := in.Vehicle.Position
	bearing := geo.Bearing(drone, op)
	horiz := geo.Distance(drone, op)
	if drone.IsZero() {
		// No vehicle position yet; aim for the commanded geometry.
		horiz = in.Params.DistanceM
	}
	tilt := geo.Clamp(geo.Tilt(heightAboveOperator(in), horiz), l.cfg.TiltMin, l.cfg.TiltMax)

	if l.gimbal != nil {
		if err := l.gimbal.SetAngle(tilt); err != nil {
			log.Printf("follow: gimbal set angle=%.1f failed: %v", tilt, err)
		}
	}

	return Result{
		Target:     target,
		TargetAltM: in.Params.ElevationM,
		BearingDeg: bearing,
		DistanceM:  horiz,
		TiltDeg:    tilt,
		At:         nowFn(),
	}, nil
}

// heightAboveOperator compares MSL altitudes when both ends report one.
// Otherwise the operator is taken to stand at the takeoff point, so the
// relative altitude (or the commanded elevation before telemetry) is used.
func heightAboveOperator(in Inputs) float64 {
	if in.Operator.HasAlt && in.Vehicle.AbsoluteAltM > 0 {
		return in.Vehicle.AbsoluteAltM - in.Operator.AltM
	}
	if in.Vehicle.RelativeAltM > 0 {
		return in.Vehicle.RelativeAltM
	}
	return in.Params.ElevationM
}
