package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Web       WebConfig       `yaml:"web"`
	Phone     PhoneConfig     `yaml:"phone"`
	LocalGPS  LocalGPSConfig  `yaml:"local_gps"`
	Vehicle   VehicleConfig   `yaml:"vehicle"`
	Takeoff   TakeoffConfig   `yaml:"takeoff"`
	Follow    FollowConfig    `yaml:"follow"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Arbiter   ArbiterConfig   `yaml:"arbiter"`
	Gimbal    GimbalConfig    `yaml:"gimbal"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Geofence  GeofenceConfig  `yaml:"geofence"`
	Sim       SimConfig       `yaml:"sim"`
}

type WebConfig struct {
	Listen   string `yaml:"listen"`
	LogLines int    `yaml:"log_lines"`
}

type PhoneConfig struct {
	Listen      string        `yaml:"listen"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	NoDataWarn  time.Duration `yaml:"no_data_warn"`
	// RecordPath, when set, logs every received sentence for later replay.
	RecordPath string `yaml:"record_path"`
}

type LocalGPSConfig struct {
	Enable   bool   `yaml:"enable"`
	Source   string `yaml:"source"`
	Device   string `yaml:"device"`
	Baud     int    `yaml:"baud"`
	GPSDAddr string `yaml:"gpsd_addr"`
}

type VehicleConfig struct {
	Mode             string           `yaml:"mode"`
	Endpoint         string           `yaml:"endpoint"`
	Address          string           `yaml:"address"`
	Baud             int              `yaml:"baud"`
	SystemID         int              `yaml:"system_id"`
	ConnectTimeout   time.Duration    `yaml:"connect_timeout"`
	CommandTimeout   time.Duration    `yaml:"command_timeout"`
	HeartbeatTimeout time.Duration    `yaml:"heartbeat_timeout"`
	Sim              VehicleSimConfig `yaml:"sim"`
}

// VehicleSimConfig drives the in-process simulated vehicle (vehicle.mode: sim).
type VehicleSimConfig struct {
	HomeLat      float64       `yaml:"home_lat"`
	HomeLon      float64       `yaml:"home_lon"`
	ArmableAfter time.Duration `yaml:"armable_after"`
	ClimbRateMS  float64       `yaml:"climb_rate_ms"`
	SpeedMS      float64       `yaml:"speed_ms"`
}

type TakeoffConfig struct {
	Poll           time.Duration `yaml:"poll"`
	ArmableTimeout time.Duration `yaml:"armable_timeout"`
	ModeTimeout    time.Duration `yaml:"mode_timeout"`
	ArmTimeout     time.Duration `yaml:"arm_timeout"`
	TakeoffTimeout time.Duration `yaml:"takeoff_timeout"`
	DefaultAltM    float64       `yaml:"default_alt_m"`
}

type FollowConfig struct {
	Period            time.Duration `yaml:"period"`
	Backoff           time.Duration `yaml:"backoff"`
	DefaultElevationM float64       `yaml:"default_elevation_m"`
	DefaultDistanceM  float64       `yaml:"default_distance_m"`
}

type TelemetryConfig struct {
	Period  time.Duration `yaml:"period"`
	Backoff time.Duration `yaml:"backoff"`
}

type ArbiterConfig struct {
	StaleAfter time.Duration `yaml:"stale_after"`
	LiveWithin time.Duration `yaml:"live_within"`
}

type GimbalConfig struct {
	Output string  `yaml:"output"`
	MinDeg float64 `yaml:"min_deg"`
	MaxDeg float64 `yaml:"max_deg"`
}

type MQTTConfig struct {
	Enable   bool          `yaml:"enable"`
	Broker   string        `yaml:"broker"`
	ClientID string        `yaml:"client_id"`
	Topic    string        `yaml:"topic"`
	Interval time.Duration `yaml:"interval"`
}

type GeofenceConfig struct {
	Enable    bool    `yaml:"enable"`
	CenterLat float64 `yaml:"center_lat"`
	CenterLon float64 `yaml:"center_lon"`
	RadiusM   float64 `yaml:"radius_m"`
}

// SimConfig is the phone simulator: an operator walking around Center that
// streams NMEA to Dest. An empty Dest targets our own phone listener.
type SimConfig struct {
	Enable    bool          `yaml:"enable"`
	CenterLat float64       `yaml:"center_lat"`
	CenterLon float64       `yaml:"center_lon"`
	RadiusM   float64       `yaml:"radius_m"`
	Period    time.Duration `yaml:"period"`
	Interval  time.Duration `yaml:"interval"`
	Dest      string        `yaml:"dest"`

	// ReplayPath plays a recorded phone log instead of the synthetic walk.
	ReplayPath  string  `yaml:"replay_path"`
	ReplaySpeed float64 `yaml:"replay_speed"`
	ReplayLoop  bool    `yaml:"replay_loop"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := Parse(b)
	if err != nil {
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML strictly; unknown keys are an error so typos do not
// silently fall back to defaults.
func Parse(b []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			// Empty file: all defaults.
			return cfg, nil
		}
		var te *yaml.TypeError
		if errors.As(err, &te) {
			var unknown []string
			for _, e := range te.Errors {
				if strings.Contains(e, "not found in type") {
					unknown = append(unknown, e)
				}
			}
			if len(unknown) > 0 {
				return Config{}, fmt.Errorf("config contains unknown fields: %s", strings.Join(unknown, "; "))
			}
		}
		return Config{}, err
	}
	return cfg, nil
}

func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if strings.TrimSpace(cfg.Web.Listen) == "" {
		cfg.Web.Listen = ":8080"
	}
	if cfg.Web.LogLines <= 0 {
		cfg.Web.LogLines = 2000
	}

	if strings.TrimSpace(cfg.Phone.Listen) == "" {
		cfg.Phone.Listen = ":11123"
	}
	if cfg.Phone.ReadTimeout <= 0 {
		cfg.Phone.ReadTimeout = 1 * time.Second
	}
	if cfg.Phone.NoDataWarn <= 0 {
		cfg.Phone.NoDataWarn = 30 * time.Second
	}

	if err := defaultLocalGPS(&cfg.LocalGPS); err != nil {
		return err
	}
	if err := defaultVehicle(&cfg.Vehicle); err != nil {
		return err
	}

	t := &cfg.Takeoff
	if t.Poll <= 0 {
		t.Poll = 500 * time.Millisecond
	}
	if t.ArmableTimeout <= 0 {
		t.ArmableTimeout = 30 * time.Second
	}
	if t.ModeTimeout <= 0 {
		t.ModeTimeout = 10 * time.Second
	}
	if t.ArmTimeout <= 0 {
		t.ArmTimeout = 15 * time.Second
	}
	if t.TakeoffTimeout <= 0 {
		t.TakeoffTimeout = 60 * time.Second
	}
	if t.DefaultAltM == 0 {
		t.DefaultAltM = 1.5
	}
	if t.DefaultAltM < 0 || t.DefaultAltM > 100 {
		return fmt.Errorf("takeoff.default_alt_m must be within (0,100]")
	}

	f := &cfg.Follow
	if f.Period <= 0 {
		f.Period = 3 * time.Second
	}
	if f.Backoff <= 0 {
		f.Backoff = 5 * time.Second
	}
	if f.DefaultElevationM == 0 {
		f.DefaultElevationM = 20
	}
	if f.DefaultDistanceM == 0 {
		f.DefaultDistanceM = 10
	}
	if f.DefaultElevationM < 5 || f.DefaultElevationM > 100 {
		return fmt.Errorf("follow.default_elevation_m must be within [5,100]")
	}
	if f.DefaultDistanceM < 5 || f.DefaultDistanceM > 50 {
		return fmt.Errorf("follow.default_distance_m must be within [5,50]")
	}

	if cfg.Telemetry.Period <= 0 {
		cfg.Telemetry.Period = 2 * time.Second
	}
	if cfg.Telemetry.Backoff <= 0 {
		cfg.Telemetry.Backoff = 5 * time.Second
	}

	a := &cfg.Arbiter
	if a.StaleAfter <= 0 {
		a.StaleAfter = 30 * time.Second
	}
	if a.LiveWithin <= 0 {
		a.LiveWithin = 10 * time.Second
	}
	if a.LiveWithin > a.StaleAfter {
		return fmt.Errorf("arbiter.live_within must not exceed arbiter.stale_after")
	}

	g := &cfg.Gimbal
	g.Output = strings.ToLower(strings.TrimSpace(g.Output))
	if g.Output == "" {
		g.Output = "log"
	}
	if g.Output != "log" && g.Output != "mavlink" {
		return fmt.Errorf("gimbal.output must be 'log' or 'mavlink'")
	}
	if g.MinDeg == 0 && g.MaxDeg == 0 {
		g.MinDeg, g.MaxDeg = -90, 30
	}
	if g.MinDeg >= g.MaxDeg {
		return fmt.Errorf("gimbal.min_deg must be less than gimbal.max_deg")
	}

	if cfg.MQTT.Enable {
		if strings.TrimSpace(cfg.MQTT.Broker) == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt.enable is true")
		}
		if cfg.MQTT.Interval <= 0 {
			cfg.MQTT.Interval = 2 * time.Second
		}
		if strings.TrimSpace(cfg.MQTT.Topic) == "" {
			cfg.MQTT.Topic = "followme/status"
		}
		if strings.TrimSpace(cfg.MQTT.ClientID) == "" {
			cfg.MQTT.ClientID = "followme"
		}
	}

	if cfg.Geofence.Enable {
		if cfg.Geofence.CenterLat == 0 && cfg.Geofence.CenterLon == 0 {
			return fmt.Errorf("geofence.center_lat and geofence.center_lon are required when geofence.enable is true")
		}
		if cfg.Geofence.RadiusM <= 0 {
			cfg.Geofence.RadiusM = 100
		}
	}

	if cfg.Sim.Enable {
		if cfg.Sim.ReplaySpeed == 0 {
			cfg.Sim.ReplaySpeed = 1
		}
		if cfg.Sim.ReplaySpeed < 0 {
			return fmt.Errorf("sim.replay_speed must be > 0")
		}
		if strings.TrimSpace(cfg.Sim.ReplayPath) == "" && cfg.Sim.CenterLat == 0 && cfg.Sim.CenterLon == 0 {
			return fmt.Errorf("sim.center_lat and sim.center_lon are required when sim.enable is true and sim.replay_path is empty")
		}
		if cfg.Sim.RadiusM <= 0 {
			cfg.Sim.RadiusM = 30
		}
		if cfg.Sim.Period <= 0 {
			cfg.Sim.Period = 120 * time.Second
		}
		if cfg.Sim.Interval <= 0 {
			cfg.Sim.Interval = 1 * time.Second
		}
	}

	return nil
}

func defaultLocalGPS(g *LocalGPSConfig) error {
	g.Source = strings.ToLower(strings.TrimSpace(g.Source))
	if g.Source == "" {
		g.Source = "nmea"
	}
	if g.Source != "nmea" && g.Source != "gpsd" {
		return fmt.Errorf("local_gps.source must be 'nmea' or 'gpsd'")
	}
	if g.Baud == 0 {
		g.Baud = 9600
	}
	if g.Baud < 0 {
		return fmt.Errorf("local_gps.baud must be > 0")
	}
	if g.Source == "gpsd" && strings.TrimSpace(g.GPSDAddr) == "" {
		g.GPSDAddr = "127.0.0.1:2947"
	}
	return nil
}

func defaultVehicle(v *VehicleConfig) error {
	v.Mode = strings.ToLower(strings.TrimSpace(v.Mode))
	if v.Mode == "" {
		v.Mode = "mavlink"
	}
	if v.ConnectTimeout <= 0 {
		v.ConnectTimeout = 30 * time.Second
	}

	switch v.Mode {
	case "sim":
		s := &v.Sim
		if s.HomeLat == 0 && s.HomeLon == 0 {
			return fmt.Errorf("vehicle.sim.home_lat and vehicle.sim.home_lon are required when vehicle.mode is 'sim'")
		}
		if s.ArmableAfter < 0 {
			return fmt.Errorf("vehicle.sim.armable_after must be >= 0")
		}
		if s.ClimbRateMS <= 0 {
			s.ClimbRateMS = 1.5
		}
		if s.SpeedMS <= 0 {
			s.SpeedMS = 5
		}
		return nil
	case "mavlink":
	default:
		return fmt.Errorf("vehicle.mode must be 'mavlink' or 'sim'")
	}

	v.Endpoint = strings.ToLower(strings.TrimSpace(v.Endpoint))
	if v.Endpoint == "" {
		v.Endpoint = "udp-server"
	}
	switch v.Endpoint {
	case "udp-server":
		if strings.TrimSpace(v.Address) == "" {
			v.Address = ":14550"
		}
	case "tcp-client":
		if strings.TrimSpace(v.Address) == "" {
			v.Address = "127.0.0.1:5760"
		}
	case "udp-client", "serial":
		if strings.TrimSpace(v.Address) == "" {
			return fmt.Errorf("vehicle.address is required")
		}
		if v.Endpoint == "serial" && v.Baud == 0 {
			v.Baud = 57600
		}
	default:
		return fmt.Errorf("vehicle.endpoint must be one of udp-server, udp-client, tcp-client, serial")
	}
	if v.SystemID == 0 {
		v.SystemID = 255
	}
	if v.SystemID < 1 || v.SystemID > 255 {
		return fmt.Errorf("vehicle.system_id must be within [1,255]")
	}
	if v.CommandTimeout <= 0 {
		v.CommandTimeout = 3 * time.Second
	}
	if v.HeartbeatTimeout <= 0 {
		v.HeartbeatTimeout = 5 * time.Second
	}
	return nil
}
