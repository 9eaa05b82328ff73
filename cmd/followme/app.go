package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"followme/internal/config"
	"followme/internal/control"
	"followme/internal/follow"
	"followme/internal/geo"
	"followme/internal/gimbal"
	"followme/internal/gps"
	"followme/internal/location"
	"followme/internal/publish"
	"followme/internal/replay"
	"followme/internal/sim"
	"followme/internal/takeoff"
	"followme/internal/telemetry"
	"followme/internal/udp"
	"followme/internal/vehicle"
	"followme/internal/web"
)

// app owns every long-lived task. Close stops them in reverse start
// order and drops the vehicle link last.
type app struct {
	cfg     config.Config
	started time.Time

	connector  *vehicle.Connector
	state      *control.State
	machine    *takeoff.Machine
	controller *control.Controller
	status     *web.StatusBroadcaster
	logs       *web.LogBuffer

	listener *gps.Listener
	receiver *gps.Receiver
	poller   *telemetry.Poller
	loop     *follow.Loop
	mqtt     *publish.Publisher
	phone    *sim.Phone
	phoneTx  *udp.Sender
	recorder *replay.Recorder

	closers []func()
}

func dialFor(cfg config.VehicleConfig) vehicle.DialFunc {
	if cfg.Mode == "sim" {
		return vehicle.DialSim(vehicle.SimConfig{
			Home:         geo.Point{Lat: cfg.Sim.HomeLat, Lon: cfg.Sim.HomeLon},
			ArmableAfter: cfg.Sim.ArmableAfter,
			ClimbRateMS:  cfg.Sim.ClimbRateMS,
			SpeedMS:      cfg.Sim.SpeedMS,
		})
	}
	mc := vehicle.MAVLinkConfig{
		Endpoint:         cfg.Endpoint,
		Address:          cfg.Address,
		Baud:             cfg.Baud,
		SystemID:         cfg.SystemID,
		CommandTimeout:   cfg.CommandTimeout,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
	}
	return func(ctx context.Context) (vehicle.Link, error) {
		return vehicle.DialMAVLink(ctx, mc)
	}
}

func newApp(ctx context.Context, cfg config.Config, logs *web.LogBuffer) (*app, error) {
	rt := &app{cfg: cfg, started: time.Now(), logs: logs}

	rt.connector = vehicle.NewConnector(dialFor(cfg.Vehicle), cfg.Vehicle.ConnectTimeout)

	var fence *location.Geofence
	if cfg.Geofence.Enable {
		fence = &location.Geofence{
			Center:  geo.Point{Lat: cfg.Geofence.CenterLat, Lon: cfg.Geofence.CenterLon},
			RadiusM: cfg.Geofence.RadiusM,
		}
		log.Printf("control: geofence center=%.6f,%.6f radius_m=%.0f", fence.Center.Lat, fence.Center.Lon, fence.RadiusM)
	}
	rt.state = control.NewState(rt.connector, control.StateConfig{
		StaleAfter: cfg.Arbiter.StaleAfter,
		LiveWithin: cfg.Arbiter.LiveWithin,
		Geofence:   fence,
	})

	rt.machine = takeoff.New(rt.connector.Connect, takeoff.Timeouts{
		Poll:    cfg.Takeoff.Poll,
		Armable: cfg.Takeoff.ArmableTimeout,
		Mode:    cfg.Takeoff.ModeTimeout,
		Arm:     cfg.Takeoff.ArmTimeout,
		Takeoff: cfg.Takeoff.TakeoffTimeout,
	})

	var out gimbal.Output = &gimbal.LogOutput{}
	if cfg.Gimbal.Output == "mavlink" {
		out = gimbal.MAVLinkOutput{Link: rt.state.Link, Min: cfg.Gimbal.MinDeg, Max: cfg.Gimbal.MaxDeg}
	}
	rt.controller = control.NewController(rt.state, rt.machine, out, control.Config{
		DefaultTakeoffAltM: cfg.Takeoff.DefaultAltM,
	})

	rt.status = web.NewStatusBroadcaster()
	rt.state.OnChange(func() {
		// Skip building the status when nobody is watching.
		if rt.status.Subscribers() > 0 {
			rt.status.Publish(rt.controller.ReadStatus())
		}
	})

	if err := rt.start(ctx, out); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *app) start(ctx context.Context, out gimbal.Output) error {
	cfg := rt.cfg

	lcfg := gps.ListenerConfig{
		Addr:        cfg.Phone.Listen,
		ReadTimeout: cfg.Phone.ReadTimeout,
		NoDataWarn:  cfg.Phone.NoDataWarn,
	}
	if cfg.Phone.RecordPath != "" {
		rec, err := replay.CreateRecorder(cfg.Phone.RecordPath, time.Now())
		if err != nil {
			return fmt.Errorf("phone record: %w", err)
		}
		rt.recorder = rec
		rt.closers = append(rt.closers, func() { _ = rec.Close() })
		log.Printf("gps: recording phone stream path=%s", cfg.Phone.RecordPath)
		var failed bool
		lcfg.Tap = func(now time.Time, b []byte) {
			if err := rec.WriteDatagram(now, b); err != nil && !failed {
				failed = true
				log.Printf("gps: phone record write failed: %v", err)
			}
		}
	}
	rt.listener = gps.NewListener(rt.state, lcfg)
	if err := rt.listener.Start(ctx); err != nil {
		return err
	}
	rt.closers = append(rt.closers, rt.listener.Close)

	rt.receiver = gps.NewReceiver(rt.state, gps.ReceiverConfig{
		Enable:   cfg.LocalGPS.Enable,
		Source:   cfg.LocalGPS.Source,
		GPSDAddr: cfg.LocalGPS.GPSDAddr,
		Device:   cfg.LocalGPS.Device,
		Baud:     cfg.LocalGPS.Baud,
	})
	if err := rt.receiver.Start(ctx); err != nil {
		// A missing ground receiver only removes the fallback source.
		log.Printf("gps: local receiver unavailable: %v", err)
	}
	rt.closers = append(rt.closers, rt.receiver.Close)

	rt.poller = telemetry.New(rt.state, telemetry.Config{
		Period:  cfg.Telemetry.Period,
		Backoff: cfg.Telemetry.Backoff,
		Observe: rt.machine.Observe,
	})
	if err := rt.poller.Start(ctx); err != nil {
		return err
	}
	rt.closers = append(rt.closers, rt.poller.Close)

	rt.loop = follow.New(rt.state, out, follow.Config{
		Period:  cfg.Follow.Period,
		Backoff: cfg.Follow.Backoff,
		TiltMin: cfg.Gimbal.MinDeg,
		TiltMax: cfg.Gimbal.MaxDeg,
	})
	if err := rt.loop.Start(ctx); err != nil {
		return err
	}
	rt.closers = append(rt.closers, rt.loop.Close)

	if cfg.MQTT.Enable {
		rt.mqtt = publish.New(rt.controller, publish.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			Interval: cfg.MQTT.Interval,
		})
		if err := rt.mqtt.Start(ctx); err != nil {
			log.Printf("mqtt: publisher disabled: %v", err)
			rt.mqtt = nil
		} else {
			rt.closers = append(rt.closers, rt.mqtt.Close)
		}
	}

	if cfg.Sim.Enable {
		dest := cfg.Sim.Dest
		if dest == "" {
			dest = loopbackOf(rt.listener.Addr())
		}
		tx, err := udp.NewSender(dest)
		if err != nil {
			return fmt.Errorf("sim: %w", err)
		}
		rt.phoneTx = tx
		rt.closers = append(rt.closers, func() { _ = tx.Close() })

		if cfg.Sim.ReplayPath != "" {
			return rt.startReplay(ctx, tx)
		}

		rt.phone = sim.NewPhone(tx, sim.PhoneConfig{
			Walk: sim.OperatorWalk{
				Center:  geo.Point{Lat: cfg.Sim.CenterLat, Lon: cfg.Sim.CenterLon},
				RadiusM: cfg.Sim.RadiusM,
				Period:  cfg.Sim.Period,
			},
			Interval: cfg.Sim.Interval,
		})
		if err := rt.phone.Start(ctx); err != nil {
			return err
		}
		rt.closers = append(rt.closers, rt.phone.Close)
	}
	return nil
}

// startReplay plays a recorded phone log at the listener instead of the
// synthetic walk.
func (rt *app) startReplay(ctx context.Context, tx *udp.Sender) error {
	recs, err := replay.ReadFile(rt.cfg.Sim.ReplayPath)
	if err != nil {
		return fmt.Errorf("sim replay: %w", err)
	}
	log.Printf("sim: replaying phone log path=%s records=%d speed=%.1f loop=%t",
		rt.cfg.Sim.ReplayPath, len(recs), rt.cfg.Sim.ReplaySpeed, rt.cfg.Sim.ReplayLoop)

	replayCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := replay.Play(replayCtx, recs, rt.cfg.Sim.ReplaySpeed, rt.cfg.Sim.ReplayLoop, func(sentence string) error {
			return tx.Send([]byte(sentence + "\r\n"))
		})
		if err != nil && replayCtx.Err() == nil {
			log.Printf("sim: replay stopped: %v", err)
			return
		}
		log.Printf("sim: replay finished")
	}()
	rt.closers = append(rt.closers, func() {
		cancel()
		<-done
	})
	return nil
}

// loopbackOf turns a wildcard listen address into one we can send to.
func loopbackOf(addr net.Addr) string {
	ua, ok := addr.(*net.UDPAddr)
	if !ok {
		return "127.0.0.1:11123"
	}
	if ua.IP == nil || ua.IP.IsUnspecified() {
		return net.JoinHostPort("127.0.0.1", strconv.Itoa(ua.Port))
	}
	return ua.String()
}

func (rt *app) diagnostics() map[string]any {
	out := map[string]any{
		"phone":      rt.listener.Snapshot(),
		"local_gps":  rt.receiver.Snapshot(),
		"ws_clients": rt.status.Subscribers(),
	}
	if rt.mqtt != nil {
		out["mqtt"] = rt.mqtt.Snapshot()
	}
	if rt.recorder != nil {
		out["phone_record"] = map[string]any{"path": rt.cfg.Phone.RecordPath, "sentences": rt.recorder.Count()}
	}
	if rt.phone != nil {
		out["sim_phone"] = map[string]any{"dest": rt.phoneTx.Dest(), "sent": rt.phone.Sent()}
	}
	return out
}

func (rt *app) Handler() http.Handler {
	setup := map[string]string{
		"vehicle_mode": rt.cfg.Vehicle.Mode,
		"phone_listen": rt.cfg.Phone.Listen,
		"gimbal":       rt.cfg.Gimbal.Output,
	}
	if rt.cfg.Vehicle.Mode == "mavlink" {
		setup["vehicle_endpoint"] = rt.cfg.Vehicle.Endpoint + " " + rt.cfg.Vehicle.Address
	}
	return web.Handler(rt.controller, web.Options{
		Logs:        rt.logs,
		Status:      rt.status,
		Diagnostics: rt.diagnostics,
		FollowDefaults: follow.Params{
			ElevationM: rt.cfg.Follow.DefaultElevationM,
			DistanceM:  rt.cfg.Follow.DefaultDistanceM,
		},
		Started: rt.started,
		Setup:   setup,
	})
}

func (rt *app) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
	rt.connector.Disconnect()
}
