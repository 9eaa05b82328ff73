package gps

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"followme/internal/location"
)

const gpsdDefaultAddr = "127.0.0.1:2947"

// dialGPSD connects to gpsd over TCP.
func dialGPSD(ctx context.Context, addr string) (net.Conn, error) {
	if strings.TrimSpace(addr) == "" {
		addr = gpsdDefaultAddr
	}
	d := &net.Dialer{Timeout: 2 * time.Second}
	return d.DialContext(ctx, "tcp", addr)
}

// gpsdWatch enables JSON streaming reports.
func gpsdWatch(w io.Writer) error {
	// scaled=true yields SI units (m/s, meters) and degrees.
	_, err := w.Write([]byte("?WATCH={\"enable\":true,\"json\":true,\"scaled\":true}\n"))
	return err
}

type gpsdMsgBase struct {
	Class string `json:"class"`
}

type gpsdTPV struct {
	Mode *int   `json:"mode"`
	Time string `json:"time"`

	Lat     *float64 `json:"lat"`
	Lon     *float64 `json:"lon"`
	Alt     *float64 `json:"alt"`
	AltMSL  *float64 `json:"altMSL"`
	SpeedMS *float64 `json:"speed"`
	Track   *float64 `json:"track"`
}

type gpsdSat struct {
	Used bool `json:"used"`
}

type gpsdSKY struct {
	HDOP       *float64  `json:"hdop"`
	Satellites []gpsdSat `json:"satellites"`
}

// gpsdState carries SKY quality fields into the next TPV fix.
type gpsdState struct {
	satsUsed int
	hdop     float64
}

func newGPSDState() *gpsdState {
	return &gpsdState{}
}

// applyLine returns a fix when the line is a TPV report with at least a 2D
// fix and both coordinates.
func (s *gpsdState) applyLine(now time.Time, line string) (location.Fix, bool, error) {
	var base gpsdMsgBase
	if err := json.Unmarshal([]byte(line), &base); err != nil {
		return location.Fix{}, false, fmt.Errorf("gpsd json parse failed: %v", err)
	}

	switch strings.ToUpper(strings.TrimSpace(base.Class)) {
	case "TPV":
		var tpv gpsdTPV
		if err := json.Unmarshal([]byte(line), &tpv); err != nil {
			return location.Fix{}, false, fmt.Errorf("gpsd tpv parse failed: %v", err)
		}
		f, ok := s.applyTPV(now, tpv)
		return f, ok, nil
	case "SKY":
		var sky gpsdSKY
		if err := json.Unmarshal([]byte(line), &sky); err != nil {
			return location.Fix{}, false, fmt.Errorf("gpsd sky parse failed: %v", err)
		}
		s.applySKY(sky)
		return location.Fix{}, false, nil
	default:
		// VERSION/DEVICES/WATCH and friends.
		return location.Fix{}, false, nil
	}
}

func (s *gpsdState) applyTPV(now time.Time, tpv gpsdTPV) (location.Fix, bool) {
	if tpv.Mode == nil || *tpv.Mode < 2 || tpv.Lat == nil || tpv.Lon == nil {
		return location.Fix{}, false
	}
	f := location.Fix{
		Lat:        *tpv.Lat,
		Lon:        *tpv.Lon,
		Source:     location.SourceLocalDevice,
		ObservedAt: now,
		Satellites: s.satsUsed,
		HDOP:       s.hdop,
	}
	if t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(tpv.Time)); err == nil && !t.After(now) {
		f.ObservedAt = t
	}
	if tpv.SpeedMS != nil {
		f.SpeedMS = *tpv.SpeedMS
		f.HasSpeed = true
	}
	if tpv.Track != nil {
		f.CourseDeg = *tpv.Track
	}
	alt := tpv.AltMSL
	if alt == nil {
		alt = tpv.Alt
	}
	if alt != nil {
		f.AltM = *alt
		f.HasAlt = true
	}
	return f, true
}

func (s *gpsdState) applySKY(sky gpsdSKY) {
	if sky.HDOP != nil {
		s.hdop = *sky.HDOP
	}
	if len(sky.Satellites) > 0 {
		used := 0
		for _, sat := range sky.Satellites {
			if sat.Used {
				used++
			}
		}
		s.satsUsed = used
	}
}
