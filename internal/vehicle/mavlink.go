package vehicle

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"followme/internal/geo"
)

const (
	defaultCommandTimeout   = 3 * time.Second
	defaultHeartbeatTimeout = 5 * time.Second
	paramWait               = 2 * time.Second

	safetyParam = "BRD_SAFETYENABLE"
	// type_mask for SET_POSITION_TARGET_GLOBAL_INT: position only.
	positionOnlyMask = common.POSITION_TARGET_TYPEMASK(0x0FF8)
)

var (
	nowFn   = time.Now
	afterFn = time.After
)

// ArduCopter custom_mode numbers.
var copterModes = map[string]uint32{
	"STABILIZE": 0,
	"ACRO":      1,
	"ALT_HOLD":  2,
	"AUTO":      3,
	"GUIDED":    4,
	"LOITER":    5,
	"RTL":       6,
	"CIRCLE":    7,
	"LAND":      9,
	"POSHOLD":   16,
	"BRAKE":     17,
}

func copterModeName(n uint32) string {
	for name, v := range copterModes {
		if v == n {
			return name
		}
	}
	return fmt.Sprintf("MODE(%d)", n)
}

type MAVLinkConfig struct {
	// Endpoint is one of udp-server, udp-client, tcp-client, serial.
	Endpoint string
	Address  string
	Baud     int
	// SystemID is our own (ground station) system id.
	SystemID int

	CommandTimeout   time.Duration
	HeartbeatTimeout time.Duration
}

func endpointConf(cfg MAVLinkConfig) (gomavlib.EndpointConf, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Endpoint)) {
	case "", "udp-server":
		return gomavlib.EndpointUDPServer{Address: cfg.Address}, nil
	case "udp-client":
		return gomavlib.EndpointUDPClient{Address: cfg.Address}, nil
	case "tcp-client":
		return gomavlib.EndpointTCPClient{Address: cfg.Address}, nil
	case "serial":
		return gomavlib.EndpointSerial{Device: cfg.Address, Baud: cfg.Baud}, nil
	default:
		return nil, fmt.Errorf("unsupported mavlink endpoint %q", cfg.Endpoint)
	}
}

// DialMAVLink opens a gomavlib node and waits for the first autopilot
// heartbeat or ctx expiry.
func DialMAVLink(ctx context.Context, cfg MAVLinkConfig) (Link, error) {
	ep, err := endpointConf(cfg)
	if err != nil {
		return nil, err
	}
	sysID := cfg.SystemID
	if sysID <= 0 || sysID > 255 {
		sysID = 255
	}
	node, err := gomavlib.NewNode(gomavlib.NodeConf{
		Endpoints:           []gomavlib.EndpointConf{ep},
		Dialect:             common.Dialect,
		OutVersion:          gomavlib.V2,
		OutSystemID:         byte(sysID),
		StreamRequestEnable: true,
	})
	if err != nil {
		return nil, fmt.Errorf("mavlink node: %w", err)
	}

	l := newMAVLinkLink(cfg, node.WriteMessageAll)
	l.closeFn = func() error {
		node.Close()
		return nil
	}
	go l.readLoop(node.Events())

	log.Printf("vehicle: waiting for heartbeat endpoint=%s addr=%s", cfg.Endpoint, cfg.Address)
	select {
	case <-l.heartbeatSeen:
		return l, nil
	case <-ctx.Done():
		_ = l.Close()
		return nil, ctx.Err()
	}
}

type mavlinkLink struct {
	write   func(message.Message) error
	closeFn func() error

	cmdTimeout time.Duration
	hbTimeout  time.Duration

	// Serializes command/ack exchanges.
	cmdMu   sync.Mutex
	ackCh   chan *common.MessageCommandAck
	paramCh chan float32

	heartbeatSeen chan struct{}
	hbOnce        sync.Once
	closeOnce     sync.Once

	mu            sync.Mutex
	target        byte
	lastHeartbeat time.Time
	armed         bool
	customMode    uint32
	systemStatus  common.MAV_STATE
	prearmPresent bool
	prearmHealthy bool
	voltageV      float64
	currentA      float64
	batteryPct    int
	fixType       int
	satellites    int
	pos           geo.Point
	relAltM       float64
	absAltM       float64
	att           Attitude
	safetyEnable  int
}

func newMAVLinkLink(cfg MAVLinkConfig, write func(message.Message) error) *mavlinkLink {
	l := &mavlinkLink{
		write:         write,
		cmdTimeout:    cfg.CommandTimeout,
		hbTimeout:     cfg.HeartbeatTimeout,
		ackCh:         make(chan *common.MessageCommandAck, 8),
		paramCh:       make(chan float32, 1),
		heartbeatSeen: make(chan struct{}),
		batteryPct:    -1,
		safetyEnable:  -1,
	}
	if l.cmdTimeout <= 0 {
		l.cmdTimeout = defaultCommandTimeout
	}
	if l.hbTimeout <= 0 {
		l.hbTimeout = defaultHeartbeatTimeout
	}
	return l
}

func (l *mavlinkLink) readLoop(events chan gomavlib.Event) {
	for evt := range events {
		switch e := evt.(type) {
		case *gomavlib.EventFrame:
			l.handleMessage(e.Frame.GetSystemID(), e.Frame.GetMessage())
		case *gomavlib.EventChannelOpen:
			log.Printf("vehicle: mavlink channel open %v", e.Channel)
		case *gomavlib.EventChannelClose:
			log.Printf("vehicle: mavlink channel closed %v", e.Channel)
		}
	}
}

func (l *mavlinkLink) handleMessage(sysID byte, msg message.Message) {
	switch m := msg.(type) {
	case *common.MessageHeartbeat:
		if m.Type == common.MAV_TYPE_GCS {
			return
		}
		l.mu.Lock()
		if l.target == 0 {
			l.target = sysID
		}
		l.lastHeartbeat = nowFn()
		l.armed = m.BaseMode&common.MAV_MODE_FLAG_SAFETY_ARMED != 0
		l.customMode = m.CustomMode
		l.systemStatus = m.SystemStatus
		l.mu.Unlock()
		l.hbOnce.Do(func() { close(l.heartbeatSeen) })

	case *common.MessageSysStatus:
		l.mu.Lock()
		l.voltageV = float64(m.VoltageBattery) / 1000.0
		if m.CurrentBattery >= 0 {
			l.currentA = float64(m.CurrentBattery) / 100.0
		} else {
			l.currentA = 0
		}
		l.batteryPct = int(m.BatteryRemaining)
		l.prearmPresent = m.OnboardControlSensorsPresent&common.MAV_SYS_STATUS_PREARM_CHECK != 0
		l.prearmHealthy = m.OnboardControlSensorsHealth&common.MAV_SYS_STATUS_PREARM_CHECK != 0
		l.mu.Unlock()

	case *common.MessageGpsRawInt:
		l.mu.Lock()
		l.fixType = int(m.FixType)
		if m.SatellitesVisible == 255 {
			l.satellites = 0
		} else {
			l.satellites = int(m.SatellitesVisible)
		}
		l.mu.Unlock()

	case *common.MessageGlobalPositionInt:
		l.mu.Lock()
		l.pos = geo.Point{Lat: float64(m.Lat) / 1e7, Lon: float64(m.Lon) / 1e7}
		l.relAltM = float64(m.RelativeAlt) / 1000.0
		l.absAltM = float64(m.Alt) / 1000.0
		l.mu.Unlock()

	case *common.MessageAttitude:
		l.mu.Lock()
		l.att = Attitude{PitchRad: float64(m.Pitch), RollRad: float64(m.Roll), YawRad: float64(m.Yaw)}
		l.mu.Unlock()

	case *common.MessageCommandAck:
		select {
		case l.ackCh <- m:
		default:
		}

	case *common.MessageParamValue:
		if strings.TrimRight(m.ParamId, "\x00") != safetyParam {
			return
		}
		l.mu.Lock()
		l.safetyEnable = int(m.ParamValue)
		l.mu.Unlock()
		select {
		case l.paramCh <- m.ParamValue:
		default:
		}
	}
}

func (l *mavlinkLink) targetSystem() byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.target == 0 {
		return 1
	}
	return l.target
}

func (l *mavlinkLink) armableLocked() bool {
	if l.lastHeartbeat.IsZero() || nowFn().Sub(l.lastHeartbeat) > l.hbTimeout {
		return false
	}
	switch l.systemStatus {
	case common.MAV_STATE_UNINIT, common.MAV_STATE_BOOT, common.MAV_STATE_CALIBRATING:
		return false
	}
	if l.fixType < int(common.GPS_FIX_TYPE_3D_FIX) {
		return false
	}
	if l.prearmPresent && !l.prearmHealthy {
		return false
	}
	return true
}

func (l *mavlinkLink) IsArmable() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.armableLocked()
}

func (l *mavlinkLink) Armed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.armed
}

func (l *mavlinkLink) Mode() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return copterModeName(l.customMode)
}

func (l *mavlinkLink) RelativeAltM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.relAltM
}

func (l *mavlinkLink) Sample() (Snapshot, error) {
	now := nowFn()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastHeartbeat.IsZero() {
		return Snapshot{}, fmt.Errorf("no heartbeat received")
	}
	age := now.Sub(l.lastHeartbeat)
	if age > l.hbTimeout {
		return Snapshot{}, fmt.Errorf("no heartbeat for %s", age.Round(time.Millisecond))
	}
	return Snapshot{
		Status:          StatusConnected,
		Armable:         l.armableLocked(),
		Armed:           l.armed,
		Mode:            copterModeName(l.customMode),
		Position:        l.pos,
		RelativeAltM:    l.relAltM,
		AbsoluteAltM:    l.absAltM,
		Attitude:        l.att,
		Battery:         Battery{VoltageV: l.voltageV, CurrentA: l.currentA, Percent: l.batteryPct},
		GPS:             GPS{FixType: l.fixType, Satellites: l.satellites},
		HeartbeatAgeSec: age.Seconds(),
		SampledAt:       now,
	}, nil
}

// Diagnostics reads BRD_SAFETYENABLE (bounded wait) and reports the state
// that feeds IsArmable.
func (l *mavlinkLink) Diagnostics() Diagnostics {
	req := &common.MessageParamRequestRead{
		TargetSystem:    l.targetSystem(),
		TargetComponent: 1,
		ParamId:         safetyParam,
		ParamIndex:      -1,
	}
	if err := l.write(req); err != nil {
		log.Printf("vehicle: param request failed param=%s err=%v", safetyParam, err)
	} else {
		select {
		case <-l.paramCh:
		case <-afterFn(paramWait):
			log.Printf("vehicle: param read timed out param=%s", safetyParam)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return Diagnostics{
		Armable:      l.armableLocked(),
		Mode:         copterModeName(l.customMode),
		SystemStatus: l.systemStatus.String(),
		GPSFixType:   l.fixType,
		Satellites:   l.satellites,
		PrearmOK:     !l.prearmPresent || l.prearmHealthy,
		SafetyEnable: l.safetyEnable,
	}
}

func (l *mavlinkLink) sendCommand(cmd common.MAV_CMD, p [7]float32) error {
	l.cmdMu.Lock()
	defer l.cmdMu.Unlock()

	// Drop stale acks from earlier commands.
	for {
		select {
		case <-l.ackCh:
			continue
		default:
		}
		break
	}

	msg := &common.MessageCommandLong{
		TargetSystem:    l.targetSystem(),
		TargetComponent: 1,
		Command:         cmd,
		Param1:          p[0],
		Param2:          p[1],
		Param3:          p[2],
		Param4:          p[3],
		Param5:          p[4],
		Param6:          p[5],
		Param7:          p[6],
	}
	if err := l.write(msg); err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}

	timeout := afterFn(l.cmdTimeout)
	for {
		select {
		case ack := <-l.ackCh:
			if ack.Command != cmd {
				continue
			}
			switch ack.Result {
			case common.MAV_RESULT_ACCEPTED, common.MAV_RESULT_IN_PROGRESS:
				return nil
			default:
				return fmt.Errorf("%s rejected: %s", cmd, ack.Result)
			}
		case <-timeout:
			return fmt.Errorf("%s: no ack within %s", cmd, l.cmdTimeout)
		}
	}
}

func (l *mavlinkLink) SetMode(mode string) error {
	n, ok := copterModes[strings.ToUpper(mode)]
	if !ok {
		return fmt.Errorf("unknown flight mode %q", mode)
	}
	return l.sendCommand(common.MAV_CMD_DO_SET_MODE, [7]float32{
		float32(common.MAV_MODE_FLAG_CUSTOM_MODE_ENABLED), float32(n),
	})
}

func (l *mavlinkLink) Arm(arm bool) error {
	v := float32(0)
	if arm {
		v = 1
	}
	return l.sendCommand(common.MAV_CMD_COMPONENT_ARM_DISARM, [7]float32{v})
}

func (l *mavlinkLink) Takeoff(altM float64) error {
	return l.sendCommand(common.MAV_CMD_NAV_TAKEOFF, [7]float32{6: float32(altM)})
}

// Goto streams a position target; ArduCopter does not ack it.
func (l *mavlinkLink) Goto(lat, lon, altM float64) error {
	msg := &common.MessageSetPositionTargetGlobalInt{
		TargetSystem:    l.targetSystem(),
		TargetComponent: 1,
		CoordinateFrame: common.MAV_FRAME_GLOBAL_RELATIVE_ALT_INT,
		TypeMask:        positionOnlyMask,
		LatInt:          int32(math.Round(lat * 1e7)),
		LonInt:          int32(math.Round(lon * 1e7)),
		Alt:             float32(altM),
	}
	if err := l.write(msg); err != nil {
		return fmt.Errorf("goto: %w", err)
	}
	return nil
}

func (l *mavlinkLink) Land() error {
	return l.SetMode(ModeLand)
}

// Command sends a COMMAND_LONG and waits for its ack.
func (l *mavlinkLink) Command(cmd common.MAV_CMD, params [7]float32) error {
	return l.sendCommand(cmd, params)
}

func (l *mavlinkLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		if l.closeFn != nil {
			err = l.closeFn()
		}
	})
	return err
}
