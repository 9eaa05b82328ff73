// Package gimbal publishes the camera tilt computed by the follow loop.
package gimbal

import (
	"fmt"
	"log"
	"math"
	"sync"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"

	"followme/internal/geo"
	"followme/internal/vehicle"
)

// Output receives tilt angles in degrees (negative is nose down).
type Output interface {
	SetAngle(deg float64) error
}

// LogOutput only records and logs the angle. Used when no mount is wired.
type LogOutput struct {
	mu      sync.Mutex
	last    float64
	hasLast bool
}

func (o *LogOutput) SetAngle(deg float64) error {
	o.mu.Lock()
	changed := !o.hasLast || math.Abs(o.last-deg) >= 0.5
	o.last = deg
	o.hasLast = true
	o.mu.Unlock()
	if changed {
		log.Printf("gimbal: angle=%.1f", deg)
	}
	return nil
}

func (o *LogOutput) Last() (float64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last, o.hasLast
}

// MAVLinkOutput points the autopilot-controlled mount with
// MAV_CMD_DO_MOUNT_CONTROL over the live vehicle link.
type MAVLinkOutput struct {
	Link     func() vehicle.Link
	Min, Max float64
}

func (o MAVLinkOutput) SetAngle(deg float64) error {
	lo, hi := o.Min, o.Max
	if lo == 0 && hi == 0 {
		lo, hi = geo.TiltMinDeg, geo.TiltMaxDeg
	}
	deg = geo.Clamp(deg, lo, hi)

	var l vehicle.Link
	if o.Link != nil {
		l = o.Link()
	}
	if l == nil {
		return vehicle.ErrNotConnected
	}
	c, ok := l.(vehicle.Commander)
	if !ok {
		return fmt.Errorf("gimbal: link %T cannot send mount commands", l)
	}
	return c.Command(common.MAV_CMD_DO_MOUNT_CONTROL, [7]float32{
		0: float32(deg),
		6: float32(common.MAV_MOUNT_MODE_MAVLINK_TARGETING),
	})
}
