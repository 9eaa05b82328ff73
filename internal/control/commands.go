package control

import (
	"context"
	"errors"
	"fmt"
	"log"

	"followme/internal/follow"
	"followme/internal/gimbal"
	"followme/internal/location"
	"followme/internal/takeoff"
	"followme/internal/vehicle"
)

var (
	ErrInvalidParameters = errors.New("invalid parameters")
	ErrInvalidLocation   = errors.New("invalid location")
	ErrTakeoffInProgress = takeoff.ErrInProgress
)

const DefaultTakeoffAltM = 1.5

type Config struct {
	// DefaultTakeoffAltM is used by the plain takeoff command.
	DefaultTakeoffAltM float64
}

// Controller validates commands and forwards them to the state machine and
// shared state.
type Controller struct {
	cfg     Config
	state   *State
	machine *takeoff.Machine
	gimbal  gimbal.Output
}

func NewController(state *State, machine *takeoff.Machine, out gimbal.Output, cfg Config) *Controller {
	if cfg.DefaultTakeoffAltM <= 0 {
		cfg.DefaultTakeoffAltM = DefaultTakeoffAltM
	}
	return &Controller{cfg: cfg, state: state, machine: machine, gimbal: out}
}

func (c *Controller) State() *State { return c.state }

func (c *Controller) StartTracking(ctx context.Context) error {
	if _, err := c.state.connector.Connect(ctx); err != nil {
		return err
	}
	c.state.setTracking(true)
	log.Printf("control: tracking started")
	return nil
}

// StopTracking also ends follow mode.
func (c *Controller) StopTracking() {
	c.state.setTracking(false)
	log.Printf("control: tracking stopped")
}

// StartFollow validates p, takes off to p.ElevationM unless already
// flying, then enables follow mode. While follow is active it only swaps
// the parameters.
func (c *Controller) StartFollow(p follow.Params) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	if c.state.FollowMode() {
		c.state.setFollow(true, &p)
		log.Printf("control: follow parameters updated elevation_m=%.1f distance_m=%.1f", p.ElevationM, p.DistanceM)
		return nil
	}

	c.state.setTracking(true)
	if !c.airborne() {
		if err := c.machine.Run(p.ElevationM); err != nil {
			return err
		}
	}
	c.state.setFollow(true, &p)
	log.Printf("control: follow started elevation_m=%.1f distance_m=%.1f", p.ElevationM, p.DistanceM)
	return nil
}

// airborne reports whether a takeoff can be skipped: the machine finished
// one and the link still shows the vehicle armed in GUIDED.
func (c *Controller) airborne() bool {
	if c.machine.State() != takeoff.Flying {
		return false
	}
	link := c.state.Link()
	return link != nil && link.Armed() && link.Mode() == vehicle.ModeGuided
}

func (c *Controller) StopFollow() {
	c.state.setFollow(false, nil)
	log.Printf("control: follow stopped")
}

// Takeoff climbs to the default altitude without enabling follow.
func (c *Controller) Takeoff() error {
	c.state.setTracking(true)
	return c.machine.Run(c.cfg.DefaultTakeoffAltM)
}

// Land clears follow mode and switches the vehicle to LAND.
func (c *Controller) Land() error {
	c.state.setFollow(false, nil)
	return c.machine.Land()
}

func (c *Controller) CenterGimbal() error {
	if c.gimbal != nil {
		if err := c.gimbal.SetAngle(0); err != nil {
			return fmt.Errorf("center gimbal: %w", err)
		}
	}
	c.state.setGimbal(0)
	return nil
}

// UpdateLocation offers a manual fix. It reports whether the arbiter took
// it; a live phone stream always wins.
func (c *Controller) UpdateLocation(lat, lon float64) (bool, error) {
	if err := location.ValidateCoordinates(lat, lon); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidLocation, err)
	}
	accepted := c.state.OfferFix(location.Fix{
		Lat:        lat,
		Lon:        lon,
		Source:     location.SourceManualInput,
		ObservedAt: nowFn(),
	})
	if !accepted {
		log.Printf("control: manual location ignored, phone stream is live")
	}
	return accepted, nil
}

func (c *Controller) ReadStatus() Status {
	st := c.state.ReadStatus()
	st.TakeoffState = c.machine.State()
	if f := c.machine.LastFailure(); f != nil {
		st.TakeoffError = f.Error()
	}
	return st
}
