// Package vehicle is the flight-controller link: arm state, flight mode,
// position and the handful of commands the follow-me core issues.
package vehicle

import (
	"errors"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"

	"followme/internal/geo"
)

var (
	ErrNotConnected   = errors.New("vehicle not connected")
	ErrConnectTimeout = errors.New("vehicle connect timeout")
)

// ArduCopter flight mode names used by the core.
const (
	ModeStabilize = "STABILIZE"
	ModeGuided    = "GUIDED"
	ModeLoiter    = "LOITER"
	ModeRTL       = "RTL"
	ModeLand      = "LAND"
)

type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
)

type Attitude struct {
	PitchRad float64 `json:"pitch_rad"`
	RollRad  float64 `json:"roll_rad"`
	YawRad   float64 `json:"yaw_rad"`
}

type Battery struct {
	VoltageV float64 `json:"voltage_v"`
	CurrentA float64 `json:"current_a"`
	// Percent is -1 when the autopilot does not report it.
	Percent int `json:"percent"`
}

type GPS struct {
	FixType    int `json:"fix_type"`
	Satellites int `json:"satellites"`
}

// Snapshot is one telemetry sample. It is replaced wholesale on every poll.
type Snapshot struct {
	Status ConnectionStatus `json:"connection_status"`
	Error  string           `json:"error,omitempty"`

	Armable      bool      `json:"armable"`
	Armed        bool      `json:"armed"`
	Mode         string    `json:"mode"`
	Position     geo.Point `json:"position"`
	RelativeAltM float64   `json:"relative_alt_m"`
	AbsoluteAltM float64   `json:"absolute_alt_m"`
	Attitude     Attitude  `json:"attitude"`
	Battery      Battery   `json:"battery"`
	GPS          GPS       `json:"gps"`

	HeartbeatAgeSec float64   `json:"heartbeat_age_sec"`
	SampledAt       time.Time `json:"sampled_at"`
}

// Diagnostics explains why a vehicle is not armable.
type Diagnostics struct {
	Armable      bool   `json:"armable"`
	Mode         string `json:"mode"`
	SystemStatus string `json:"system_status"`
	GPSFixType   int    `json:"gps_fix_type"`
	Satellites   int    `json:"satellites"`
	PrearmOK     bool   `json:"prearm_ok"`
	// SafetyEnable is BRD_SAFETYENABLE, or -1 when it could not be read.
	SafetyEnable int `json:"safety_enable"`
}

// Link is a live connection to the flight controller.
//
// Read accessors return the latest state the link has observed and never
// block on the vehicle. Commands return once the autopilot acknowledged them
// or the command timeout expired.
type Link interface {
	IsArmable() bool
	Armed() bool
	Mode() string
	RelativeAltM() float64

	// Sample reads every Snapshot field in one pass. It fails when the link
	// has lost the vehicle.
	Sample() (Snapshot, error)
	Diagnostics() Diagnostics

	SetMode(mode string) error
	Arm(arm bool) error
	Takeoff(altM float64) error
	Goto(lat, lon, altM float64) error
	Land() error

	Close() error
}

// Commander is implemented by MAVLink links for collaborators that share
// the connection, such as the gimbal mount.
type Commander interface {
	Command(cmd common.MAV_CMD, params [7]float32) error
}
