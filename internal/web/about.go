package web

import (
	"net/http"
	"runtime"
	"runtime/debug"
	"time"
)

type AboutResponse struct {
	Service    string            `json:"service"`
	NowUTC     string            `json:"now_utc"`
	StartedUTC string            `json:"started_utc"`
	UptimeSec  float64           `json:"uptime_sec"`
	GoVersion  string            `json:"go_version"`
	ModulePath string            `json:"module_path,omitempty"`
	Version    string            `json:"version,omitempty"`
	Commit     string            `json:"commit,omitempty"`
	Dirty      bool              `json:"dirty,omitempty"`
	Setup      map[string]string `json:"setup,omitempty"`
}

// AboutHandler reports build info plus the static setup (vehicle endpoint,
// phone listen address) chosen at startup.
func AboutHandler(started time.Time, setup map[string]string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		now := time.Now().UTC()
		resp := AboutResponse{
			Service:    "followme",
			NowUTC:     now.Format(time.RFC3339Nano),
			StartedUTC: started.UTC().Format(time.RFC3339),
			UptimeSec:  now.Sub(started).Seconds(),
			GoVersion:  runtime.Version(),
			Setup:      setup,
		}
		if bi, ok := debug.ReadBuildInfo(); ok && bi != nil {
			resp.ModulePath = bi.Main.Path
			resp.Version = bi.Main.Version
			for _, s := range bi.Settings {
				switch s.Key {
				case "vcs.revision":
					resp.Commit = s.Value
				case "vcs.modified":
					resp.Dirty = s.Value == "true"
				}
			}
		}
		writeJSON(w, http.StatusOK, resp)
	})
}
