package gps

import (
	"context"
	"fmt"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"followme/internal/location"
	"followme/internal/nmea"
)

type fakeSink struct {
	mu      sync.Mutex
	fixes   []location.Fix
	reevals int
	reject  bool
	fixCh   chan location.Fix
}

func (s *fakeSink) OfferFix(f location.Fix) bool {
	s.mu.Lock()
	s.fixes = append(s.fixes, f)
	ch := s.fixCh
	s.mu.Unlock()
	if ch != nil {
		select {
		case ch <- f:
		default:
		}
	}
	return !s.reject
}

func (s *fakeSink) Reevaluate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reevals++
	return false
}

func (s *fakeSink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fixes), s.reevals
}

func nmeaLine(payload string) string {
	return fmt.Sprintf("$%s*%02X", payload, nmea.Checksum(payload))
}

const refGGA = "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47"

func TestHandleDatagram_DecodesAndOffers(t *testing.T) {
	sink := &fakeSink{}
	l := NewListener(sink, ListenerConfig{})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	rmc := nmeaLine("GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W")
	l.HandleDatagram(now, []byte(refGGA+"\r\n"+rmc+"\r\n"), &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5000})

	if len(sink.fixes) != 2 {
		t.Fatalf("fixes=%d want 2", len(sink.fixes))
	}
	f := sink.fixes[0]
	if f.Source != location.SourcePhone || math.Abs(f.Lat-48.1173) > 1e-4 || math.Abs(f.Lon-11.5167) > 1e-4 {
		t.Fatalf("fix=%+v", f)
	}
	snap := l.Snapshot()
	if snap.Datagrams != 1 || snap.Fixes != 2 || snap.Accepted != 2 || snap.LastSender != "10.0.0.2:5000" {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestHandleDatagram_IgnoresNonNMEAAndCountsDiscards(t *testing.T) {
	sink := &fakeSink{}
	l := NewListener(sink, ListenerConfig{})
	now := time.Now()

	l.HandleDatagram(now, []byte("hello "+refGGA), nil)
	l.HandleDatagram(now, []byte("$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*48"), nil)
	l.HandleDatagram(now, []byte(nmeaLine("GPGSA,A,3,04,05,,09,12,,,24,,,,,2.5,1.3,2.1")), nil)

	if len(sink.fixes) != 0 {
		t.Fatalf("unexpected fixes %+v", sink.fixes)
	}
	d := l.Snapshot().Discards
	if d["not_nmea"] != 1 || d["checksum"] != 1 || d["unsupported"] != 1 {
		t.Fatalf("discards=%v", d)
	}
	if l.Snapshot().Datagrams != 2 {
		t.Fatalf("datagrams=%d", l.Snapshot().Datagrams)
	}
}

func TestHandleDatagram_TapSeesNMEAOnly(t *testing.T) {
	var tapped []string
	l := NewListener(&fakeSink{}, ListenerConfig{Tap: func(_ time.Time, b []byte) { tapped = append(tapped, string(b)) }})
	l.HandleDatagram(time.Now(), []byte("junk"), nil)
	l.HandleDatagram(time.Now(), []byte(refGGA), nil)
	if len(tapped) != 1 || tapped[0] != refGGA {
		t.Fatalf("tapped=%q", tapped)
	}
}

func TestCheckQuality_FlagsPoorFix(t *testing.T) {
	l := NewListener(&fakeSink{}, ListenerConfig{})
	now := time.Now()

	l.HandleDatagram(now, []byte(nmeaLine("GPGGA,123519,4807.038,N,01131.000,E,1,03,0.9,545.4,M,46.9,M,,")), nil)
	if !l.Snapshot().LowQuality {
		t.Fatalf("3 satellites should be low quality")
	}
	l.HandleDatagram(now, []byte(refGGA), nil)
	if l.Snapshot().LowQuality {
		t.Fatalf("8 satellites, hdop 0.9 should be fine")
	}
	l.HandleDatagram(now, []byte(nmeaLine("GPGGA,123519,4807.038,N,01131.000,E,1,08,6.5,545.4,M,46.9,M,,")), nil)
	if !l.Snapshot().LowQuality {
		t.Fatalf("hdop 6.5 should be low quality")
	}
}

func TestIdle_ReevaluatesAndWarnsOnce(t *testing.T) {
	sink := &fakeSink{}
	l := NewListener(sink, ListenerConfig{NoDataWarn: 30 * time.Second})
	start := time.Now()

	l.idle(start.Add(10*time.Second), start)
	if l.Snapshot().NoDataWarned {
		t.Fatalf("warned too early")
	}
	l.idle(start.Add(31*time.Second), start)
	if !l.Snapshot().NoDataWarned {
		t.Fatalf("expected no-data warning")
	}
	if _, re := sink.counts(); re != 2 {
		t.Fatalf("reevaluations=%d want 2", re)
	}

	l.HandleDatagram(start.Add(32*time.Second), []byte(refGGA), nil)
	if l.Snapshot().NoDataWarned {
		t.Fatalf("warning not cleared after data resumed")
	}
}

func TestListener_UDPRoundTrip(t *testing.T) {
	sink := &fakeSink{fixCh: make(chan location.Fix, 1)}
	l := NewListener(sink, ListenerConfig{Addr: "127.0.0.1:0", ReadTimeout: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Close()

	conn, err := net.Dial("udp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(refGGA)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case f := <-sink.fixCh:
		if f.Source != location.SourcePhone {
			t.Fatalf("fix=%+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no fix received")
	}

	// Read timeouts keep re-evaluating staleness with no traffic.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, re := sink.counts(); re >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("listener never re-evaluated on timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReevaluateDue(t *testing.T) {
	sink := &fakeSink{}
	l := NewListener(sink, ListenerConfig{ReadTimeout: time.Second})
	t0 := time.Unix(1000, 0)

	if l.reevaluateDue(t0.Add(999*time.Millisecond), t0) {
		t.Fatalf("re-evaluated before ReadTimeout elapsed")
	}
	if !l.reevaluateDue(t0.Add(time.Second), t0) {
		t.Fatalf("not re-evaluated after ReadTimeout")
	}
	if _, re := sink.counts(); re != 1 {
		t.Fatalf("reevals=%d want 1", re)
	}
}

func TestListener_BusyNoFixStreamStillReevaluates(t *testing.T) {
	sink := &fakeSink{}
	l := NewListener(sink, ListenerConfig{Addr: "127.0.0.1:0", ReadTimeout: 50 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Close()

	conn, err := net.Dial("udp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	noFix := []byte(nmeaLine("GPGGA,123519,,,,,0,00,,,M,,M,,"))
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := conn.Write(noFix); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, re := sink.counts(); re >= 3 {
			break
		}
		if time.Now().After(deadline) {
			_, re := sink.counts()
			t.Fatalf("reevals=%d with a steady no-fix stream", re)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if fixes, _ := sink.counts(); fixes != 0 {
		t.Fatalf("no-fix sentences produced %d fixes", fixes)
	}
}
