// Package takeoff drives a vehicle link from disconnected to flying in
// GUIDED mode, one bounded wait at a time.
package takeoff

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"followme/internal/vehicle"
)

var (
	ErrInProgress = errors.New("takeoff already in progress")
	ErrNotFlying  = errors.New("vehicle is not flying")
)

var (
	nowFn   = time.Now
	sleepFn = time.Sleep
)

type State int

const (
	Disconnected State = iota
	Connecting
	ArmableWait
	Arming
	GuidedModeWait
	ArmedWait
	TakingOff
	Flying
	Failed
	Landing
	Idle
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case ArmableWait:
		return "armable_wait"
	case Arming:
		return "arming"
	case GuidedModeWait:
		return "guided_mode_wait"
	case ArmedWait:
		return "armed_wait"
	case TakingOff:
		return "taking_off"
	case Flying:
		return "flying"
	case Failed:
		return "failed"
	case Landing:
		return "landing"
	case Idle:
		return "idle"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Reason string

const (
	ReasonConnectTimeout Reason = "connect_timeout"
	ReasonConnectFailed  Reason = "connect_failed"
	ReasonNotArmable     Reason = "not_armable"
	ReasonModeTimeout    Reason = "mode_timeout"
	ReasonArmTimeout     Reason = "arm_timeout"
	ReasonDisarmed       Reason = "disarmed"
	ReasonTakeoffTimeout Reason = "takeoff_timeout"
	ReasonCommandFailed  Reason = "command_failed"
)

// FailedError is the terminal outcome of an attempt.
type FailedError struct {
	Reason Reason
	// State is where the attempt was when it failed.
	State       State
	Diagnostics *vehicle.Diagnostics
	Err         error
}

func (e *FailedError) Error() string {
	msg := fmt.Sprintf("takeoff failed: %s in %s", e.Reason, e.State)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if d := e.Diagnostics; d != nil {
		msg += fmt.Sprintf(" (mode=%s status=%s gps_fix=%d sats=%d prearm_ok=%t safety=%d)",
			d.Mode, d.SystemStatus, d.GPSFixType, d.Satellites, d.PrearmOK, d.SafetyEnable)
	}
	return msg
}

func (e *FailedError) Unwrap() error { return e.Err }

// Timeouts is the single timeout table for an attempt.
type Timeouts struct {
	Poll    time.Duration
	Armable time.Duration
	Mode    time.Duration
	Arm     time.Duration
	Takeoff time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Poll:    500 * time.Millisecond,
		Armable: 30 * time.Second,
		Mode:    10 * time.Second,
		Arm:     15 * time.Second,
		Takeoff: 60 * time.Second,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.Poll <= 0 {
		t.Poll = d.Poll
	}
	if t.Armable <= 0 {
		t.Armable = d.Armable
	}
	if t.Mode <= 0 {
		t.Mode = d.Mode
	}
	if t.Arm <= 0 {
		t.Arm = d.Arm
	}
	if t.Takeoff <= 0 {
		t.Takeoff = d.Takeoff
	}
	return t
}

// ConnectFunc returns the live link, dialing if needed. The connect timeout
// is enforced by the implementation (see vehicle.Connector).
type ConnectFunc func(ctx context.Context) (vehicle.Link, error)

// Machine runs arm/takeoff attempts. An attempt always runs to Flying or
// Failed; there is no cancellation and no automatic retry.
type Machine struct {
	connect  ConnectFunc
	timeouts Timeouts

	mu       sync.Mutex
	state    State
	since    time.Time
	running  bool
	lastFail *FailedError
}

func New(connect ConnectFunc, t Timeouts) *Machine {
	return &Machine{connect: connect, timeouts: t.withDefaults()}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastFailure returns the failure of the most recent attempt, or nil.
func (m *Machine) LastFailure() *FailedError {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastFail
}

func (m *Machine) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	if prev != s {
		m.since = nowFn()
	}
	m.mu.Unlock()
	if prev != s {
		log.Printf("takeoff: %s -> %s", prev, s)
	}
}

func (m *Machine) fail(link vehicle.Link, reason Reason, err error) *FailedError {
	fe := &FailedError{Reason: reason, State: m.State(), Err: err}
	if link != nil {
		d := link.Diagnostics()
		fe.Diagnostics = &d
	}
	m.mu.Lock()
	m.state = Failed
	m.lastFail = fe
	m.mu.Unlock()
	log.Printf("takeoff: %v", fe)
	return fe
}

// waitFor polls cond every Poll until it holds or timeout elapses.
func (m *Machine) waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := nowFn().Add(timeout)
	for {
		if cond() {
			return true
		}
		if !nowFn().Before(deadline) {
			return false
		}
		sleepFn(m.timeouts.Poll)
	}
}

// Run performs one attempt to reach targetAltM in GUIDED. It returns nil on
// Flying, a *FailedError on failure, or ErrInProgress if an attempt is
// already running.
func (m *Machine) Run(targetAltM float64) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrInProgress
	}
	m.running = true
	m.lastFail = nil
	m.state = Disconnected
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	t := m.timeouts
	log.Printf("takeoff: attempt target_alt_m=%.1f", targetAltM)

	m.setState(Connecting)
	link, err := m.connect(context.Background())
	if err != nil {
		if errors.Is(err, vehicle.ErrConnectTimeout) {
			return m.fail(nil, ReasonConnectTimeout, err)
		}
		return m.fail(nil, ReasonConnectFailed, err)
	}

	m.setState(ArmableWait)
	if !m.waitFor(t.Armable, link.IsArmable) {
		return m.fail(link, ReasonNotArmable, fmt.Errorf("not armable after %s", t.Armable))
	}

	m.setState(Arming)
	if err := link.SetMode(vehicle.ModeGuided); err != nil {
		return m.fail(link, ReasonCommandFailed, err)
	}

	m.setState(GuidedModeWait)
	if !m.waitFor(t.Mode, func() bool { return link.Mode() == vehicle.ModeGuided }) {
		return m.fail(link, ReasonModeTimeout, fmt.Errorf("mode=%s after %s", link.Mode(), t.Mode))
	}

	m.setState(ArmedWait)
	if err := link.Arm(true); err != nil {
		return m.fail(link, ReasonCommandFailed, err)
	}
	if !m.waitFor(t.Arm, link.Armed) {
		return m.fail(link, ReasonArmTimeout, fmt.Errorf("not armed after %s", t.Arm))
	}

	m.setState(TakingOff)
	if err := link.Takeoff(targetAltM); err != nil {
		return m.fail(link, ReasonCommandFailed, err)
	}
	threshold := 0.95 * targetAltM
	disarmed := false
	reached := m.waitFor(t.Takeoff, func() bool {
		if !link.Armed() {
			disarmed = true
			return true
		}
		return link.RelativeAltM() >= threshold
	})
	if disarmed {
		return m.fail(link, ReasonDisarmed, errors.New("vehicle disarmed during takeoff"))
	}
	if !reached {
		return m.fail(link, ReasonTakeoffTimeout, fmt.Errorf("alt=%.1fm after %s", link.RelativeAltM(), t.Takeoff))
	}

	m.setState(Flying)
	return nil
}

// Land switches the vehicle to LAND. It is accepted from Flying, or from
// any idle state while the link reports the vehicle armed (flight started
// outside this process).
func (m *Machine) Land() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrInProgress
	}
	state := m.state
	m.mu.Unlock()

	link, err := m.connect(context.Background())
	if err != nil {
		return err
	}
	if state != Flying && !link.Armed() {
		return ErrNotFlying
	}
	if err := link.Land(); err != nil {
		return fmt.Errorf("land: %w", err)
	}
	m.setState(Landing)
	return nil
}

// Observe folds a telemetry sample in. A disarmed vehicle while Landing is
// a touchdown; while Flying it was landed or disarmed outside this process
// (RC, failsafe, crash).
func (m *Machine) Observe(s vehicle.Snapshot) {
	if s.Status != vehicle.StatusConnected || s.Armed {
		return
	}
	m.mu.Lock()
	prev := m.state
	// Samples taken before the current state was entered say nothing
	// about it.
	fresh := s.SampledAt.IsZero() || !s.SampledAt.Before(m.since)
	down := fresh && !m.running && (prev == Landing || prev == Flying)
	m.mu.Unlock()
	if !down {
		return
	}
	if prev == Flying {
		log.Printf("takeoff: vehicle disarmed while flying mode=%s", s.Mode)
	}
	m.setState(Idle)
}
