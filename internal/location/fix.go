// Package location holds operator position fixes and decides which fix
// source is authoritative at any moment.
package location

import (
	"fmt"
	"time"

	"followme/internal/geo"
)

// Source identifies where a fix came from. The zero value is SourceNone,
// the "no location yet" sentinel.
type Source int

const (
	SourceNone Source = iota
	SourcePhone
	SourceLocalDevice
	SourceManualInput
)

func (s Source) String() string {
	switch s {
	case SourcePhone:
		return "phone"
	case SourceLocalDevice:
		return "local_device"
	case SourceManualInput:
		return "manual"
	default:
		return "none"
	}
}

func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Fix is a single operator position.
//
// Optional fields carry what the producing sentence had; HasSpeed/HasAlt
// distinguish "unknown" from zero.
type Fix struct {
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	Source     Source    `json:"source"`
	ObservedAt time.Time `json:"observed_at"`

	AltM       float64 `json:"alt_m,omitempty"`
	HasAlt     bool    `json:"-"`
	SpeedMS    float64 `json:"speed_ms,omitempty"`
	HasSpeed   bool    `json:"-"`
	CourseDeg  float64 `json:"course_deg,omitempty"`
	Satellites int     `json:"satellites,omitempty"`
	HDOP       float64 `json:"hdop,omitempty"`
}

// IsNone reports whether f is the "no location yet" sentinel. A real fix at
// (0,0) is not None.
func (f Fix) IsNone() bool {
	return f.Source == SourceNone
}

func (f Fix) Point() geo.Point {
	return geo.Point{Lat: f.Lat, Lon: f.Lon}
}

// Age returns how long ago the fix was observed relative to now.
func (f Fix) Age(now time.Time) time.Duration {
	if f.ObservedAt.IsZero() {
		return 0
	}
	d := now.Sub(f.ObservedAt)
	if d < 0 {
		return 0
	}
	return d
}

// ValidateCoordinates rejects latitudes outside [-90,90] and longitudes
// outside [-180,180].
func ValidateCoordinates(lat, lon float64) error {
	if lat != lat || lat < -90 || lat > 90 {
		return fmt.Errorf("latitude %v out of range [-90,90]", lat)
	}
	if lon != lon || lon < -180 || lon > 180 {
		return fmt.Errorf("longitude %v out of range [-180,180]", lon)
	}
	return nil
}
