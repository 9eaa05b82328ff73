package publish

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"followme/internal/control"
)

type fakeToken struct {
	err     error
	pending bool
}

func (t *fakeToken) Wait() bool                     { return !t.pending }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.pending }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if !t.pending {
		close(ch)
	}
	return ch
}

type publishCall struct {
	topic    string
	retained bool
	payload  []byte
}

// fakeClient embeds the interface so only the methods used here need bodies.
type fakeClient struct {
	mqtt.Client

	connectToken *fakeToken
	publishErr   error

	mu           sync.Mutex
	calls        []publishCall
	published    chan struct{}
	disconnected bool
}

func (c *fakeClient) Connect() mqtt.Token { return c.connectToken }

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	c.calls = append(c.calls, publishCall{topic: topic, retained: retained, payload: payload.([]byte)})
	c.mu.Unlock()
	if c.published != nil {
		select {
		case c.published <- struct{}{}:
		default:
		}
	}
	return &fakeToken{err: c.publishErr}
}

func (c *fakeClient) Disconnect(quiesce uint) {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}

type staticSource struct{ st control.Status }

func (s staticSource) ReadStatus() control.Status { return s.st }

func useFakeClient(t *testing.T, fc *fakeClient) *mqtt.ClientOptions {
	t.Helper()
	var captured mqtt.ClientOptions
	old := newClientFn
	newClientFn = func(o *mqtt.ClientOptions) mqtt.Client {
		captured = *o
		return fc
	}
	t.Cleanup(func() { newClientFn = old })
	return &captured
}

func TestPublisher_PublishesRetainedStatus(t *testing.T) {
	fc := &fakeClient{connectToken: &fakeToken{}, published: make(chan struct{}, 4)}
	opts := useFakeClient(t, fc)

	src := staticSource{st: control.Status{TrackingActive: true, FollowMode: true}}
	p := New(src, Config{Broker: "tcp://127.0.0.1:1883", Interval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-fc.published:
	case <-time.After(2 * time.Second):
		t.Fatalf("nothing published")
	}
	p.Close()

	if opts.ClientID != DefaultClientID || len(opts.Servers) != 1 || opts.Servers[0].Host != "127.0.0.1:1883" {
		t.Fatalf("client options=%+v", opts)
	}

	fc.mu.Lock()
	call := fc.calls[0]
	disconnected := fc.disconnected
	fc.mu.Unlock()
	if call.topic != DefaultTopic || !call.retained {
		t.Fatalf("call=%+v", call)
	}
	var got map[string]any
	if err := json.Unmarshal(call.payload, &got); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if got["tracking_active"] != true || got["follow_mode"] != true {
		t.Fatalf("payload=%s", call.payload)
	}
	if !disconnected {
		t.Fatalf("Close did not disconnect")
	}
	if p.Snapshot().Published == 0 {
		t.Fatalf("snapshot=%+v", p.Snapshot())
	}
}

func TestPublisher_ConnectErrorIsReturned(t *testing.T) {
	wantErr := errors.New("not authorized")
	useFakeClient(t, &fakeClient{connectToken: &fakeToken{err: wantErr}})

	p := New(staticSource{}, Config{Broker: "tcp://broker:1883"})
	err := p.Start(context.Background())
	if !errors.Is(err, wantErr) {
		t.Fatalf("err=%v want %v", err, wantErr)
	}
}

func TestPublisher_PendingConnectIsNotFatal(t *testing.T) {
	fc := &fakeClient{connectToken: &fakeToken{pending: true}}
	useFakeClient(t, fc)

	p := New(staticSource{}, Config{Broker: "tcp://broker:1883", Interval: time.Hour})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.Close()
}

func TestPublisher_RequiresBroker(t *testing.T) {
	if err := New(staticSource{}, Config{}).Start(context.Background()); err == nil || !strings.Contains(err.Error(), "broker is required") {
		t.Fatalf("err=%v", err)
	}
}

func TestPublishOnce_ErrorKeptInSnapshot(t *testing.T) {
	fc := &fakeClient{connectToken: &fakeToken{}, publishErr: errors.New("connection lost")}
	p := New(staticSource{}, Config{Broker: "tcp://broker:1883"})
	p.client = fc

	err := p.PublishOnce()
	if err == nil || !strings.Contains(err.Error(), "connection lost") {
		t.Fatalf("err=%v", err)
	}
	p.setError(err)
	if s := p.Snapshot(); s.Published != 0 || !strings.Contains(s.LastError, "connection lost") {
		t.Fatalf("snapshot=%+v", s)
	}
}
