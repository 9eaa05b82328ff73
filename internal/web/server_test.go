package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"followme/internal/control"
	"followme/internal/follow"
	"followme/internal/location"
	"followme/internal/takeoff"
	"followme/internal/vehicle"
)

type fakeCommands struct {
	mu sync.Mutex

	err       error
	status    control.Status
	accepted  bool
	calls     []string
	params    follow.Params
	lat, lon  float64
	ctxErrAtS error
}

func (f *fakeCommands) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.err
}

func (f *fakeCommands) StartTracking(ctx context.Context) error {
	f.mu.Lock()
	f.ctxErrAtS = ctx.Err()
	f.mu.Unlock()
	return f.record("start_tracking")
}
func (f *fakeCommands) StopTracking() { _ = f.record("stop_tracking") }
func (f *fakeCommands) StartFollow(p follow.Params) error {
	f.mu.Lock()
	f.params = p
	f.mu.Unlock()
	return f.record("start_follow")
}
func (f *fakeCommands) StopFollow()         { _ = f.record("stop_follow") }
func (f *fakeCommands) Takeoff() error      { return f.record("takeoff") }
func (f *fakeCommands) Land() error         { return f.record("land") }
func (f *fakeCommands) CenterGimbal() error { return f.record("center_gimbal") }
func (f *fakeCommands) UpdateLocation(lat, lon float64) (bool, error) {
	f.mu.Lock()
	f.lat, f.lon = lat, lon
	f.mu.Unlock()
	if err := location.ValidateCoordinates(lat, lon); err != nil {
		return false, fmt.Errorf("%w: %v", control.ErrInvalidLocation, err)
	}
	return f.accepted, f.record("update_location")
}
func (f *fakeCommands) ReadStatus() control.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeCommands) callNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestServer(t *testing.T, cmds Commands, opts Options) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(Handler(cmds, opts))
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestAPIStatus(t *testing.T) {
	cmds := &fakeCommands{status: control.Status{TrackingActive: true, LocationHealth: location.HealthLive}}
	ts := newTestServer(t, cmds, Options{})

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type=%q", ct)
	}
	var st map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if st["tracking_active"] != true || st["location_source_health"] != "live" {
		t.Fatalf("status=%v", st)
	}

	resp, _ = post(t, ts.URL+"/api/status", "{}")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("POST status code=%d", resp.StatusCode)
	}
}

func TestFollowStart_ParsesBody(t *testing.T) {
	cmds := &fakeCommands{}
	ts := newTestServer(t, cmds, Options{})

	resp, out := post(t, ts.URL+"/api/follow/start", `{"elevation":12.5,"distance":8}`)
	if resp.StatusCode != http.StatusOK || out["ok"] != true {
		t.Fatalf("code=%d body=%v", resp.StatusCode, out)
	}
	if cmds.params != (follow.Params{ElevationM: 12.5, DistanceM: 8}) {
		t.Fatalf("params=%+v", cmds.params)
	}

	resp, _ = post(t, ts.URL+"/api/follow/start", `{"elevation_m":20,"distance_m":10}`)
	if resp.StatusCode != http.StatusOK || cmds.params.ElevationM != 20 {
		t.Fatalf("code=%d params=%+v", resp.StatusCode, cmds.params)
	}
}

func TestFollowStart_MissingFieldsUseDefaults(t *testing.T) {
	cmds := &fakeCommands{}
	ts := newTestServer(t, cmds, Options{FollowDefaults: follow.Params{ElevationM: 20, DistanceM: 10}})

	resp, _ := post(t, ts.URL+"/api/follow/start", `{"distance":15}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("code=%d", resp.StatusCode)
	}
	if cmds.params != (follow.Params{ElevationM: 20, DistanceM: 15}) {
		t.Fatalf("params=%+v", cmds.params)
	}

	resp, _ = post(t, ts.URL+"/api/follow/start", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("empty body code=%d", resp.StatusCode)
	}
	if cmds.params != (follow.Params{ElevationM: 20, DistanceM: 10}) {
		t.Fatalf("empty body params=%+v", cmds.params)
	}
}

func TestFollowStart_MalformedBodyNeverReachesController(t *testing.T) {
	cmds := &fakeCommands{}
	ts := newTestServer(t, cmds, Options{})

	resp, out := post(t, ts.URL+"/api/follow/start", `{"elevation":`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("code=%d", resp.StatusCode)
	}
	if !strings.Contains(fmt.Sprint(out["error"]), "invalid parameters") {
		t.Fatalf("body=%v", out)
	}
	if len(cmds.callNames()) != 0 {
		t.Fatalf("calls=%v", cmds.callNames())
	}
}

func TestCommandErrorMapping(t *testing.T) {
	diag := &vehicle.Diagnostics{Mode: "STABILIZE", SystemStatus: "STANDBY", GPSFixType: 1, SafetyEnable: 1}
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"validation", fmt.Errorf("%w: elevation 150", control.ErrInvalidParameters), http.StatusBadRequest},
		{"in progress", control.ErrTakeoffInProgress, http.StatusConflict},
		{"not flying", takeoff.ErrNotFlying, http.StatusConflict},
		{"failed", &takeoff.FailedError{Reason: takeoff.ReasonNotArmable, State: takeoff.ArmableWait, Diagnostics: diag}, http.StatusConflict},
		{"connect timeout", fmt.Errorf("%w after 30s", vehicle.ErrConnectTimeout), http.StatusBadGateway},
		{"link", errors.New("command 176 rejected"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmds := &fakeCommands{err: tt.err}
			ts := newTestServer(t, cmds, Options{})
			resp, out := post(t, ts.URL+"/api/takeoff", "")
			if resp.StatusCode != tt.code {
				t.Fatalf("code=%d want %d body=%v", resp.StatusCode, tt.code, out)
			}
			if out["error"] != tt.err.Error() {
				t.Fatalf("error=%v want %q", out["error"], tt.err.Error())
			}
		})
	}
}

func TestFailedErrorBodyCarriesDiagnostics(t *testing.T) {
	diag := &vehicle.Diagnostics{Mode: "STABILIZE", GPSFixType: 1, Satellites: 3, SafetyEnable: 1}
	cmds := &fakeCommands{err: &takeoff.FailedError{Reason: takeoff.ReasonNotArmable, State: takeoff.ArmableWait, Diagnostics: diag}}
	ts := newTestServer(t, cmds, Options{})

	resp, out := post(t, ts.URL+"/api/follow/start", `{"elevation":10,"distance":10}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("code=%d", resp.StatusCode)
	}
	if out["reason"] != string(takeoff.ReasonNotArmable) {
		t.Fatalf("reason=%v", out["reason"])
	}
	d, ok := out["diagnostics"].(map[string]any)
	if !ok || d["gps_fix_type"] != float64(1) || d["satellites"] != float64(3) {
		t.Fatalf("diagnostics=%v", out["diagnostics"])
	}
	if out["state"] != takeoff.ArmableWait.String() {
		t.Fatalf("state=%v", out["state"])
	}
}

func TestLocation_PostAcceptsBothShapes(t *testing.T) {
	cmds := &fakeCommands{accepted: true}
	ts := newTestServer(t, cmds, Options{})

	resp, out := post(t, ts.URL+"/api/location", `{"lat":45.5,"lon":-122.6}`)
	if resp.StatusCode != http.StatusOK || out["accepted"] != true {
		t.Fatalf("code=%d body=%v", resp.StatusCode, out)
	}
	if cmds.lat != 45.5 || cmds.lon != -122.6 {
		t.Fatalf("lat/lon=%v,%v", cmds.lat, cmds.lon)
	}

	resp, _ = post(t, ts.URL+"/api/location", `{"latitude":-33.9,"longitude":151.2}`)
	if resp.StatusCode != http.StatusOK || cmds.lat != -33.9 || cmds.lon != 151.2 {
		t.Fatalf("code=%d lat/lon=%v,%v", resp.StatusCode, cmds.lat, cmds.lon)
	}

	for _, body := range []string{`{"lat":45.5}`, `{"lat":95,"lon":0}`, `nope`} {
		resp, _ = post(t, ts.URL+"/api/location", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: code=%d", body, resp.StatusCode)
		}
	}
}

func TestLocation_Get(t *testing.T) {
	fix := location.Fix{Lat: 1, Lon: 2, Source: location.SourceManualInput}
	cmds := &fakeCommands{status: control.Status{Location: &fix, LocationHealth: location.HealthManual}}
	ts := newTestServer(t, cmds, Options{})

	resp, err := http.Get(ts.URL + "/api/location")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if out["health"] != "manual" || out["location"] == nil {
		t.Fatalf("body=%v", out)
	}
}

func TestPostActions(t *testing.T) {
	cmds := &fakeCommands{}
	ts := newTestServer(t, cmds, Options{})

	for _, p := range []string{"/api/tracking/start", "/api/tracking/stop", "/api/follow/stop", "/api/land", "/api/gimbal/center"} {
		resp, out := post(t, ts.URL+p, "")
		if resp.StatusCode != http.StatusOK || out["ok"] != true {
			t.Fatalf("%s: code=%d body=%v", p, resp.StatusCode, out)
		}
	}
	want := []string{"start_tracking", "stop_tracking", "stop_follow", "land", "center_gimbal"}
	if got := cmds.callNames(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("calls=%v want %v", got, want)
	}
	if cmds.ctxErrAtS != nil {
		t.Fatalf("tracking ctx already done: %v", cmds.ctxErrAtS)
	}

	resp, err := http.Get(ts.URL + "/api/land")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET land code=%d", resp.StatusCode)
	}
}

func TestLogsAndClear(t *testing.T) {
	logs := NewLogBuffer(10)
	lg := log.New(logs, "", 0)
	lg.Printf("takeoff: state=arming")
	lg.Printf("follow: goto lat=1 lon=2")
	ts := newTestServer(t, &fakeCommands{}, Options{Logs: logs})

	resp, err := http.Get(ts.URL + "/api/logs?component=takeoff")
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	var out LogsResponse
	_ = json.NewDecoder(resp.Body).Decode(&out)
	resp.Body.Close()
	if len(out.Lines) != 1 || out.Lines[0] != "takeoff: state=arming" {
		t.Fatalf("lines=%v", out.Lines)
	}

	resp, _ = post(t, ts.URL+"/api/logs/clear", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clear code=%d", resp.StatusCode)
	}
	if lines, dropped := logs.Snapshot(0, ""); len(lines) != 0 || dropped != 0 {
		t.Fatalf("after clear lines=%v dropped=%d", lines, dropped)
	}
}

func TestRootAndUnknownAPI(t *testing.T) {
	ts := newTestServer(t, &fakeCommands{}, Options{})

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("root code=%d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/api/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown api code=%d", resp.StatusCode)
	}
}

func TestDiagnosticsAndAbout(t *testing.T) {
	ts := newTestServer(t, &fakeCommands{}, Options{
		Diagnostics: func() map[string]any { return map[string]any{"phone": map[string]any{"datagrams": 3}} },
		Setup:       map[string]string{"vehicle": "sim"},
	})

	resp, err := http.Get(ts.URL + "/api/diagnostics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var diag map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&diag)
	resp.Body.Close()
	if diag["phone"] == nil {
		t.Fatalf("diagnostics=%v", diag)
	}

	resp, err = http.Get(ts.URL + "/api/about")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var about AboutResponse
	_ = json.NewDecoder(resp.Body).Decode(&about)
	resp.Body.Close()
	if about.Service != "followme" || about.Setup["vehicle"] != "sim" {
		t.Fatalf("about=%+v", about)
	}
}

func TestStatusWebsocket(t *testing.T) {
	b := NewStatusBroadcaster()
	cmds := &fakeCommands{status: control.Status{TrackingActive: true}}
	ts := newTestServer(t, cmds, Options{Status: b})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/status/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first map[string]any
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first: %v", err)
	}
	if first["tracking_active"] != true {
		t.Fatalf("first=%+v", first)
	}

	deadline := time.Now().Add(2 * time.Second)
	for b.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no subscriber registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	b.Publish(control.Status{TrackingActive: true, FollowMode: true})

	for {
		var st map[string]any
		if err := conn.ReadJSON(&st); err != nil {
			t.Fatalf("read: %v", err)
		}
		if st["follow_mode"] == true {
			break
		}
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for b.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber not released after close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLogBuffer_SplitWritesAndRing(t *testing.T) {
	b := NewLogBuffer(2)
	_, _ = b.Write([]byte("gps: par"))
	if lines, _ := b.Snapshot(0, ""); len(lines) != 0 {
		t.Fatalf("partial line surfaced: %v", lines)
	}
	_, _ = b.Write([]byte("tial\r\n\nfollow: a\nfollow: b\n"))

	lines, dropped := b.Snapshot(0, "")
	if len(lines) != 2 || lines[0] != "follow: a" || lines[1] != "follow: b" {
		t.Fatalf("lines=%q", lines)
	}
	if dropped != 1 {
		t.Fatalf("dropped=%d want 1", dropped)
	}
}
