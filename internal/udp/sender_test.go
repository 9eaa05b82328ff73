package udp

import (
	"errors"
	"net"
	"testing"
	"time"
)

type fakeConn struct {
	writes    [][]byte
	writeErr  error
	closed    bool
	writeHits int
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.writeHits++
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.writes = append(c.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func TestNewSender_DialsResolvedAddr(t *testing.T) {
	var gotNetwork string
	var gotRaddr *net.UDPAddr
	fc := &fakeConn{}

	dial := func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		gotNetwork = network
		gotRaddr = raddr
		return fc, nil
	}

	s, err := newSender("127.0.0.1:11123", net.ResolveUDPAddr, dial)
	if err != nil {
		t.Fatalf("newSender() error: %v", err)
	}
	if gotNetwork != "udp" {
		t.Fatalf("network=%q want udp", gotNetwork)
	}
	if gotRaddr == nil || gotRaddr.Port != 11123 || !gotRaddr.IP.Equal(net.IPv4(127, 0, 0, 1)) {
		t.Fatalf("raddr=%v want 127.0.0.1:11123", gotRaddr)
	}
	if err := s.Close(); err != nil || !fc.closed {
		t.Fatalf("Close err=%v closed=%v", err, fc.closed)
	}
}

func TestNewSender_Failures(t *testing.T) {
	resolveErr := errors.New("nope")
	_, err := newSender("bad:addr", func(string, string) (*net.UDPAddr, error) { return nil, resolveErr }, nil)
	if !errors.Is(err, resolveErr) {
		t.Fatalf("err=%v want %v", err, resolveErr)
	}

	dialErr := errors.New("unreachable")
	_, err = newSender("127.0.0.1:1", net.ResolveUDPAddr, func(string, *net.UDPAddr, *net.UDPAddr) (udpConn, error) {
		return nil, dialErr
	})
	if !errors.Is(err, dialErr) {
		t.Fatalf("err=%v want %v", err, dialErr)
	}
}

func TestSender_Send(t *testing.T) {
	fc := &fakeConn{}
	s := &Sender{dest: "x", conn: fc}

	if err := s.Send(nil); err != nil {
		t.Fatalf("Send(nil) error: %v", err)
	}
	if fc.writeHits != 0 {
		t.Fatalf("empty payload written")
	}
	if err := s.Send([]byte("$GPGGA")); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if len(fc.writes) != 1 || string(fc.writes[0]) != "$GPGGA" {
		t.Fatalf("writes=%q", fc.writes)
	}

	wantErr := errors.New("boom")
	fc.writeErr = wantErr
	if err := s.Send([]byte{1}); !errors.Is(err, wantErr) {
		t.Fatalf("err=%v want %v", err, wantErr)
	}
}

func TestSender_Close_NilConnNoPanic(t *testing.T) {
	if err := (&Sender{}).Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
}

func TestSender_Loopback(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer pc.Close()

	s, err := NewSender(pc.LocalAddr().String())
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	defer s.Close()
	if err := s.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	_ = pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, _, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("got %q", buf[:n])
	}
}
