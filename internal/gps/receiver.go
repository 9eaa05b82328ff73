package gps

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gonmea "github.com/adrianmo/go-nmea"

	"followme/internal/location"
)

var (
	openSerialFn = openSerial
	dialGPSDFn   = dialGPSD
)

const knotsToMS = 0.514444

// ReceiverConfig controls the ground-station GNSS receiver.
//
// Device may be empty to auto-detect /dev/ttyACM* and /dev/ttyUSB*.
type ReceiverConfig struct {
	Enable bool

	// Source is "nmea" (serial) or "gpsd". Empty means "nmea".
	Source   string
	GPSDAddr string
	Device   string
	Baud     int
}

type ReceiverSnapshot struct {
	Enabled  bool   `json:"enabled"`
	Source   string `json:"source,omitempty"`
	Device   string `json:"device,omitempty"`
	GPSDAddr string `json:"gpsd_addr,omitempty"`

	Valid      bool      `json:"valid"`
	Lat        float64   `json:"lat,omitempty"`
	Lon        float64   `json:"lon,omitempty"`
	Satellites int       `json:"satellites,omitempty"`
	HDOP       float64   `json:"hdop,omitempty"`
	LastFixAt  time.Time `json:"last_fix_utc,omitempty"`
	Offered    uint64    `json:"offered"`
	LastError  string    `json:"last_error,omitempty"`
}

// Receiver produces LocalDevice fixes. Failures are logged and kept in the
// snapshot; they never stop the process.
type Receiver struct {
	cfg  ReceiverConfig
	sink Sink

	cancel context.CancelFunc
	wg     sync.WaitGroup

	last atomic.Value // ReceiverSnapshot

	mu     sync.Mutex
	closer io.Closer
}

func NewReceiver(sink Sink, cfg ReceiverConfig) *Receiver {
	r := &Receiver{cfg: cfg, sink: sink}
	r.last.Store(ReceiverSnapshot{Enabled: cfg.Enable, Source: r.source(), Device: cfg.Device, GPSDAddr: cfg.GPSDAddr})
	return r
}

func (r *Receiver) source() string {
	src := strings.ToLower(strings.TrimSpace(r.cfg.Source))
	if src == "" {
		src = "nmea"
	}
	return src
}

func (r *Receiver) Start(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("gps: receiver is nil")
	}
	if !r.cfg.Enable {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return nil
	}
	if r.source() == "gpsd" {
		return r.startGPSDLocked(ctx)
	}
	return r.startNMEALocked(ctx)
}

func (r *Receiver) startNMEALocked(ctx context.Context) error {
	device := strings.TrimSpace(r.cfg.Device)
	if device == "" {
		device = autoDetectDevice()
		if device == "" {
			r.setErrorLocked("gps auto-detect failed: no /dev/ttyACM* or /dev/ttyUSB* found")
			return fmt.Errorf("gps auto-detect failed")
		}
	}
	baud := r.cfg.Baud
	if baud == 0 {
		baud = 9600
	}

	port, err := openSerialFn(device, baud)
	if err != nil {
		r.setErrorLocked(fmt.Sprintf("gps open failed device=%s baud=%d: %v", device, baud, err))
		return err
	}
	r.closer = port

	childCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { _ = port.Close() }()
		log.Printf("gps: local receiver device=%s baud=%d", device, baud)
		r.readNMEA(childCtx, port)
	}()

	r.updateLocked(func(s *ReceiverSnapshot) {
		s.Enabled = true
		s.Device = device
	})
	return nil
}

// readNMEA parses the receiver stream with go-nmea until EOF or ctx.
func (r *Receiver) readNMEA(ctx context.Context, rd io.Reader) {
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 0, 256), 4096)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !sc.Scan() {
			err := sc.Err()
			if err == nil {
				err = io.EOF
			}
			r.setError(fmt.Sprintf("gps read stopped: %v", err))
			return
		}
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "$") {
			continue
		}
		if fix, ok := parseReceiverLine(time.Now(), line); ok {
			r.offer(fix)
		}
	}
}

func parseReceiverLine(now time.Time, line string) (location.Fix, bool) {
	s, err := gonmea.Parse(line)
	if err != nil {
		return location.Fix{}, false
	}
	switch s.DataType() {
	case gonmea.TypeRMC:
		m := s.(gonmea.RMC)
		if m.Validity != gonmea.ValidRMC {
			return location.Fix{}, false
		}
		return location.Fix{
			Lat:        m.Latitude,
			Lon:        m.Longitude,
			Source:     location.SourceLocalDevice,
			ObservedAt: now,
			SpeedMS:    m.Speed * knotsToMS,
			HasSpeed:   true,
			CourseDeg:  m.Course,
		}, true
	case gonmea.TypeGGA:
		m := s.(gonmea.GGA)
		if m.FixQuality == gonmea.Invalid || m.FixQuality == "" {
			return location.Fix{}, false
		}
		return location.Fix{
			Lat:        m.Latitude,
			Lon:        m.Longitude,
			Source:     location.SourceLocalDevice,
			ObservedAt: now,
			AltM:       m.Altitude,
			HasAlt:     true,
			Satellites: int(m.NumSatellites),
			HDOP:       m.HDOP,
		}, true
	default:
		return location.Fix{}, false
	}
}

func (r *Receiver) startGPSDLocked(ctx context.Context) error {
	addr := strings.TrimSpace(r.cfg.GPSDAddr)
	if addr == "" {
		addr = gpsdDefaultAddr
	}

	childCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		log.Printf("gps: local receiver source=gpsd addr=%s", addr)
		backoff := 250 * time.Millisecond
		const maxBackoff = 10 * time.Second

		for {
			select {
			case <-childCtx.Done():
				return
			default:
			}

			conn, err := dialGPSDFn(childCtx, addr)
			if err != nil {
				r.setError(fmt.Sprintf("gpsd dial failed addr=%s: %v", addr, err))
				select {
				case <-childCtx.Done():
					return
				case <-time.After(backoff):
				}
				if backoff < maxBackoff {
					backoff *= 2
				}
				continue
			}
			backoff = 250 * time.Millisecond

			r.mu.Lock()
			r.closer = conn
			r.mu.Unlock()

			r.readGPSD(childCtx, conn)
			_ = conn.Close()
		}
	}()

	r.updateLocked(func(s *ReceiverSnapshot) {
		s.Enabled = true
		s.GPSDAddr = addr
	})
	return nil
}

func (r *Receiver) readGPSD(ctx context.Context, conn io.ReadWriter) {
	if err := gpsdWatch(conn); err != nil {
		r.setError(fmt.Sprintf("gpsd watch failed: %v", err))
		return
	}
	st := newGPSDState()
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), 256*1024)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !sc.Scan() {
			err := sc.Err()
			if err == nil {
				err = io.EOF
			}
			r.setError(fmt.Sprintf("gpsd read stopped: %v", err))
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fix, ok, err := st.applyLine(time.Now(), line)
		if err != nil {
			r.setError(err.Error())
			continue
		}
		if ok {
			r.offer(fix)
		}
	}
}

func (r *Receiver) offer(f location.Fix) {
	r.sink.OfferFix(f)
	r.update(func(s *ReceiverSnapshot) {
		s.Valid = true
		s.Lat, s.Lon = f.Lat, f.Lon
		if f.Satellites > 0 {
			s.Satellites = f.Satellites
		}
		if f.HDOP > 0 {
			s.HDOP = f.HDOP
		}
		s.LastFixAt = f.ObservedAt.UTC()
		s.Offered++
	})
}

func (r *Receiver) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	cancel := r.cancel
	closer := r.closer
	r.cancel = nil
	r.closer = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if closer != nil {
		_ = closer.Close()
	}
	r.wg.Wait()
}

func (r *Receiver) Snapshot() ReceiverSnapshot {
	if r == nil {
		return ReceiverSnapshot{}
	}
	v := r.last.Load()
	if v == nil {
		return ReceiverSnapshot{}
	}
	return v.(ReceiverSnapshot)
}

// update serializes snapshot writers; the read side is lock-free.
func (r *Receiver) update(fn func(*ReceiverSnapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateLocked(fn)
}

func (r *Receiver) updateLocked(fn func(*ReceiverSnapshot)) {
	cur := r.Snapshot()
	fn(&cur)
	r.last.Store(cur)
}

func (r *Receiver) setError(msg string) {
	r.update(func(s *ReceiverSnapshot) { s.LastError = msg })
}

func (r *Receiver) setErrorLocked(msg string) {
	r.updateLocked(func(s *ReceiverSnapshot) { s.LastError = msg })
}

func autoDetectDevice() string {
	for _, pattern := range []string{"/dev/ttyACM%d", "/dev/ttyUSB%d"} {
		for i := 0; i < 10; i++ {
			p := fmt.Sprintf(pattern, i)
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
	}
	return ""
}
