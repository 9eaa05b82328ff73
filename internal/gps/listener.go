package gps

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"followme/internal/location"
	"followme/internal/nmea"
)

var listenPacketFn = net.ListenPacket

const (
	DefaultPhoneAddr   = ":11123"
	DefaultReadTimeout = time.Second
	DefaultNoDataWarn  = 30 * time.Second

	// Fix quality warning thresholds.
	MinSatellites = 4
	MaxHDOP       = 5.0
)

// Sink accepts candidate fixes. control.State implements it.
type Sink interface {
	OfferFix(f location.Fix) bool
	Reevaluate() bool
}

type ListenerConfig struct {
	Addr        string
	ReadTimeout time.Duration
	NoDataWarn  time.Duration

	// Tap, if set, sees every NMEA datagram before decoding (phone log
	// recording).
	Tap func(now time.Time, b []byte)
}

type ListenerSnapshot struct {
	Addr         string            `json:"addr"`
	Datagrams    uint64            `json:"datagrams"`
	Fixes        uint64            `json:"fixes"`
	Accepted     uint64            `json:"accepted"`
	Discards     map[string]uint64 `json:"discards,omitempty"`
	LastDataAt   time.Time         `json:"last_data_utc,omitempty"`
	LastSender   string            `json:"last_sender,omitempty"`
	LowQuality   bool              `json:"low_quality"`
	LastError    string            `json:"last_error,omitempty"`
	NoDataWarned bool              `json:"no_data_warned"`
}

// Listener receives phone NMEA over UDP. Reads time out every ReadTimeout so
// staleness is re-evaluated even when no packets arrive.
type Listener struct {
	cfg  ListenerConfig
	sink Sink

	mu   sync.Mutex
	snap ListenerSnapshot
	conn net.PacketConn

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewListener(sink Sink, cfg ListenerConfig) *Listener {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultPhoneAddr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.NoDataWarn <= 0 {
		cfg.NoDataWarn = DefaultNoDataWarn
	}
	return &Listener{
		cfg:    cfg,
		sink:   sink,
		snap:   ListenerSnapshot{Addr: cfg.Addr, Discards: map[string]uint64{}},
		stopCh: make(chan struct{}),
	}
}

func (l *Listener) Start(ctx context.Context) error {
	if l == nil || l.sink == nil {
		return fmt.Errorf("gps: listener is nil")
	}
	conn, err := listenPacketFn("udp", l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gps: listen %s: %w", l.cfg.Addr, err)
	}
	l.mu.Lock()
	l.conn = conn
	l.snap.Addr = conn.LocalAddr().String()
	l.mu.Unlock()
	log.Printf("gps: phone listener addr=%s", conn.LocalAddr())

	started := time.Now()
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() { _ = conn.Close() }()
		l.run(ctx, conn, started)
	}()
	return nil
}

// Addr returns the bound address once started.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

func (l *Listener) Close() {
	if l == nil {
		return
	}
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	l.wg.Wait()
}

func (l *Listener) Snapshot() ListenerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.snap
	out.Discards = make(map[string]uint64, len(l.snap.Discards))
	for k, v := range l.snap.Discards {
		out.Discards[k] = v
	}
	return out
}

func (l *Listener) run(ctx context.Context, conn net.PacketConn, started time.Time) {
	buf := make([]byte, 2048)
	lastReeval := started
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout))
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				lastReeval = time.Now()
				l.idle(lastReeval, started)
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.setError(err.Error())
			continue
		}
		now := time.Now()
		l.HandleDatagram(now, buf[:n], from)
		// A steady stream of no-fix sentences never times out the read.
		if l.reevaluateDue(now, lastReeval) {
			lastReeval = now
		}
	}
}

// reevaluateDue re-runs staleness when ReadTimeout has passed since the
// last re-evaluation, and reports whether it ran.
func (l *Listener) reevaluateDue(now, last time.Time) bool {
	if now.Sub(last) < l.cfg.ReadTimeout {
		return false
	}
	l.sink.Reevaluate()
	return true
}

// idle runs on every read timeout.
func (l *Listener) idle(now, started time.Time) {
	l.sink.Reevaluate()

	l.mu.Lock()
	last := l.snap.LastDataAt
	if last.IsZero() {
		last = started
	}
	warn := !l.snap.NoDataWarned && now.Sub(last) >= l.cfg.NoDataWarn
	if warn {
		l.snap.NoDataWarned = true
	}
	summary := discardSummary(l.snap.Discards)
	l.mu.Unlock()

	if warn {
		log.Printf("gps: no phone data for %s addr=%s discards=%s", l.cfg.NoDataWarn, l.cfg.Addr, summary)
	}
}

// HandleDatagram decodes one UDP payload. Datagrams not starting with '$'
// are ignored; a payload may carry several newline-separated sentences.
func (l *Listener) HandleDatagram(now time.Time, b []byte, from net.Addr) {
	if len(b) == 0 || b[0] != '$' {
		l.countDiscard(nmea.DiscardNotNMEA)
		return
	}

	l.mu.Lock()
	l.snap.Datagrams++
	l.snap.LastDataAt = now.UTC()
	if from != nil {
		l.snap.LastSender = from.String()
	}
	if l.snap.NoDataWarned {
		log.Printf("gps: phone data resumed from=%s", l.snap.LastSender)
		l.snap.NoDataWarned = false
	}
	l.mu.Unlock()

	if l.cfg.Tap != nil {
		l.cfg.Tap(now, b)
	}

	for _, raw := range bytes.Split(b, []byte{'\n'}) {
		line := strings.TrimSpace(string(raw))
		if line == "" {
			continue
		}
		fix, d := nmea.Decode(line, now)
		if d != nmea.DiscardNone {
			l.countDiscard(d)
			continue
		}
		l.checkQuality(fix)
		accepted := l.sink.OfferFix(fix)

		l.mu.Lock()
		l.snap.Fixes++
		if accepted {
			l.snap.Accepted++
		}
		l.mu.Unlock()
	}
}

// checkQuality logs once per transition into and out of a poor fix.
func (l *Listener) checkQuality(f location.Fix) {
	if f.Satellites == 0 && f.HDOP == 0 {
		// RMC carries neither.
		return
	}
	low := (f.Satellites > 0 && f.Satellites < MinSatellites) || f.HDOP > MaxHDOP

	l.mu.Lock()
	prev := l.snap.LowQuality
	l.snap.LowQuality = low
	l.mu.Unlock()

	switch {
	case low && !prev:
		log.Printf("gps: poor phone fix satellites=%d hdop=%.1f", f.Satellites, f.HDOP)
	case !low && prev:
		log.Printf("gps: phone fix quality recovered satellites=%d hdop=%.1f", f.Satellites, f.HDOP)
	}
}

func (l *Listener) countDiscard(d nmea.Discard) {
	l.mu.Lock()
	l.snap.Discards[d.String()]++
	l.mu.Unlock()
}

func (l *Listener) setError(msg string) {
	l.mu.Lock()
	l.snap.LastError = msg
	l.mu.Unlock()
}

func discardSummary(m map[string]uint64) string {
	if len(m) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, m[k]))
	}
	return strings.Join(parts, ",")
}
