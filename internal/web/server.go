// Package web is the HTTP adapter over the control entry points.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"time"

	"followme/internal/control"
	"followme/internal/follow"
	"followme/internal/location"
	"followme/internal/takeoff"
	"followme/internal/vehicle"
)

const maxBodyBytes = 1 << 16

// Commands is implemented by control.Controller.
type Commands interface {
	StartTracking(ctx context.Context) error
	StopTracking()
	StartFollow(p follow.Params) error
	StopFollow()
	Takeoff() error
	Land() error
	CenterGimbal() error
	UpdateLocation(lat, lon float64) (bool, error)
	ReadStatus() control.Status
}

type Options struct {
	Logs   *LogBuffer
	Status *StatusBroadcaster

	// Diagnostics, when set, backs /api/diagnostics with component snapshots
	// (phone listener, local receiver, mqtt).
	Diagnostics func() map[string]any

	// FollowDefaults fills fields missing from a follow start request.
	FollowDefaults follow.Params

	Started time.Time
	Setup   map[string]string
}

func Handler(cmds Commands, opts Options) http.Handler {
	if opts.Started.IsZero() {
		opts.Started = time.Now()
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, http.StatusOK, cmds.ReadStatus())
	})

	if opts.Status != nil {
		mux.Handle("/api/status/ws", statusStreamHandler(cmds, opts.Status))
	}

	mux.HandleFunc("/api/location", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			st := cmds.ReadStatus()
			writeJSON(w, http.StatusOK, locationResponse{
				Location: st.Location,
				Health:   st.LocationHealth,
				AgeSec:   st.LocationAgeSec,
			})
		case http.MethodPost:
			var req locationRequest
			if err := decodeBody(r, &req); err != nil {
				writeError(w, fmt.Errorf("%w: %v", control.ErrInvalidLocation, err))
				return
			}
			lat, lon, err := req.coordinates()
			if err != nil {
				writeError(w, err)
				return
			}
			accepted, err := cmds.UpdateLocation(lat, lon)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "accepted": accepted})
		default:
			w.Header().Set("Allow", "GET, POST")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.Handle("/api/tracking/start", postAction(func(r *http.Request) error {
		// The connect outlives a client that hangs up mid-request.
		return cmds.StartTracking(context.WithoutCancel(r.Context()))
	}))
	mux.Handle("/api/tracking/stop", postAction(func(*http.Request) error {
		cmds.StopTracking()
		return nil
	}))

	mux.HandleFunc("/api/follow/start", func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodPost) {
			return
		}
		var req followRequest
		// An empty body starts follow with the configured defaults.
		if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, fmt.Errorf("%w: %v", control.ErrInvalidParameters, err))
			return
		}
		if err := cmds.StartFollow(req.params(opts.FollowDefaults)); err != nil {
			writeError(w, err)
			return
		}
		writeOK(w)
	})
	mux.Handle("/api/follow/stop", postAction(func(*http.Request) error {
		cmds.StopFollow()
		return nil
	}))

	mux.Handle("/api/takeoff", postAction(func(*http.Request) error { return cmds.Takeoff() }))
	mux.Handle("/api/land", postAction(func(*http.Request) error { return cmds.Land() }))
	mux.Handle("/api/gimbal/center", postAction(func(*http.Request) error { return cmds.CenterGimbal() }))

	if opts.Diagnostics != nil {
		mux.HandleFunc("/api/diagnostics", func(w http.ResponseWriter, r *http.Request) {
			if !allow(w, r, http.MethodGet) {
				return
			}
			writeJSON(w, http.StatusOK, opts.Diagnostics())
		})
	}

	if opts.Logs != nil {
		mux.Handle("/api/logs", opts.Logs.Handler())
		mux.Handle("/api/logs/clear", opts.Logs.ClearHandler())
	}

	mux.Handle("/api/about", AboutHandler(opts.Started, opts.Setup))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodGet) {
			return
		}
		if r.URL.Path != "/" && path.Dir(r.URL.Path) == "/api" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, indexHTML)
	})

	return mux
}

func Serve(ctx context.Context, listenAddr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// No WriteTimeout: takeoff commands answer only after the whole
		// sequence, and the status websocket is long-lived.
		IdleTimeout:    30 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

type locationResponse struct {
	Location *location.Fix   `json:"location"`
	Health   location.Health `json:"health"`
	AgeSec   float64         `json:"age_sec"`
}

// locationRequest accepts {lat,lon} or {latitude,longitude}.
type locationRequest struct {
	Lat       *float64 `json:"lat"`
	Lon       *float64 `json:"lon"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

func (r locationRequest) coordinates() (float64, float64, error) {
	lat, lon := r.Lat, r.Lon
	if lat == nil {
		lat = r.Latitude
	}
	if lon == nil {
		lon = r.Longitude
	}
	if lat == nil || lon == nil {
		return 0, 0, fmt.Errorf("%w: lat and lon are required", control.ErrInvalidLocation)
	}
	return *lat, *lon, nil
}

// followRequest accepts the short names used by the phone app as well as
// the unit-suffixed ones from the status document.
type followRequest struct {
	Elevation  *float64 `json:"elevation"`
	Distance   *float64 `json:"distance"`
	ElevationM *float64 `json:"elevation_m"`
	DistanceM  *float64 `json:"distance_m"`
}

// params fills absent fields from def.
func (r followRequest) params(def follow.Params) follow.Params {
	p := def
	if r.Elevation != nil {
		p.ElevationM = *r.Elevation
	} else if r.ElevationM != nil {
		p.ElevationM = *r.ElevationM
	}
	if r.Distance != nil {
		p.DistanceM = *r.Distance
	} else if r.DistanceM != nil {
		p.DistanceM = *r.DistanceM
	}
	return p
}

type errorResponse struct {
	Error       string               `json:"error"`
	Reason      takeoff.Reason       `json:"reason,omitempty"`
	State       *takeoff.State       `json:"state,omitempty"`
	Diagnostics *vehicle.Diagnostics `json:"diagnostics,omitempty"`
}

// statusForError maps command errors to HTTP codes: validation 400,
// refused or failed sequences 409, link trouble 502.
func statusForError(err error) int {
	var failed *takeoff.FailedError
	switch {
	case errors.Is(err, control.ErrInvalidParameters), errors.Is(err, control.ErrInvalidLocation):
		return http.StatusBadRequest
	case errors.As(err, &failed),
		errors.Is(err, control.ErrTakeoffInProgress),
		errors.Is(err, takeoff.ErrNotFlying):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error()}
	var failed *takeoff.FailedError
	if errors.As(err, &failed) {
		resp.Reason = failed.Reason
		st := failed.State
		resp.State = &st
		resp.Diagnostics = failed.Diagnostics
	}
	writeJSON(w, statusForError(err), resp)
}

func postAction(fn func(r *http.Request) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodPost) {
			return
		}
		if err := fn(r); err != nil {
			writeError(w, err)
			return
		}
		writeOK(w)
	})
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte("{\"ok\":true}\n"))
}

const indexHTML = `<!doctype html>
<html><head><meta charset="utf-8"><title>followme</title></head>
<body>
<h1>followme</h1>
<p>API: <a href="/api/status">/api/status</a>, <a href="/api/logs?format=text">/api/logs</a>, <a href="/api/about">/api/about</a></p>
<pre id="status">connecting...</pre>
<script>
const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/api/status/ws");
ws.onmessage = (ev) => { document.getElementById("status").textContent = JSON.stringify(JSON.parse(ev.data), null, 2); };
ws.onclose = () => { document.getElementById("status").textContent += "\n(disconnected)"; };
</script>
</body></html>
`
