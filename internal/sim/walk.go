package sim

import (
	"fmt"
	"math"
	"time"

	"followme/internal/geo"
	"followme/internal/nmea"
)

const msToKnots = 1 / 0.514444

// OperatorWalk is a deterministic walking path around Center.
type OperatorWalk struct {
	Center  geo.Point
	RadiusM float64
	Period  time.Duration
}

func (w OperatorWalk) withDefaults() OperatorWalk {
	if w.RadiusM <= 0 {
		w.RadiusM = 30
	}
	if w.Period <= 0 {
		w.Period = 120 * time.Second
	}
	return w
}

// Position returns the operator position, course and ground speed at now.
//
// The path is a figure-eight (x = cos(2πt), y = 0.5·sin(4πt)) so the drone
// has to turn both ways while following.
func (w OperatorWalk) Position(now time.Time) (p geo.Point, courseDeg, speedMS float64) {
	w = w.withDefaults()

	phase := float64(now.UnixNano()%w.Period.Nanoseconds()) / float64(w.Period.Nanoseconds())
	a := 2 * math.Pi * phase
	x := math.Cos(a)
	y := 0.5 * math.Sin(2*a)

	radiusDegLat := w.RadiusM / geo.MetersPerDegreeLat
	p.Lat = w.Center.Lat + radiusDegLat*y
	p.Lon = w.Center.Lon + radiusDegLat*x/math.Cos(geo.DegreesToRadians(w.Center.Lat))

	// d/dt of the unit path, scaled to metres per second.
	scale := w.RadiusM * 2 * math.Pi / w.Period.Seconds()
	ve := -math.Sin(a) * scale
	vn := math.Cos(2*a) * scale
	courseDeg = math.Mod(geo.RadiansToDegrees(math.Atan2(ve, vn))+360, 360)
	speedMS = math.Hypot(ve, vn)
	return p, courseDeg, speedMS
}

// Sentences renders a GGA and an RMC line for now, terminated by CRLF.
func (w OperatorWalk) Sentences(now time.Time) []string {
	p, course, speed := w.Position(now)
	utc := now.UTC()
	hms := fmt.Sprintf("%02d%02d%02d.%02d", utc.Hour(), utc.Minute(), utc.Second(), utc.Nanosecond()/1e7)
	lat, ns := formatLatLon(p.Lat, false)
	lon, ew := formatLatLon(p.Lon, true)

	gga := fmt.Sprintf("GPGGA,%s,%s,%s,%s,%s,1,09,0.9,0.0,M,0.0,M,,", hms, lat, ns, lon, ew)
	rmc := fmt.Sprintf("GPRMC,%s,A,%s,%s,%s,%s,%.2f,%.1f,%s,,,A",
		hms, lat, ns, lon, ew, speed*msToKnots, course, utc.Format("020106"))
	return []string{frame(gga), frame(rmc)}
}

func frame(payload string) string {
	return fmt.Sprintf("$%s*%02X\r\n", payload, nmea.Checksum(payload))
}

// formatLatLon renders decimal degrees as ddmm.mmmmm / dddmm.mmmmm.
func formatLatLon(v float64, isLon bool) (string, string) {
	hemi := "N"
	if isLon {
		hemi = "E"
	}
	if v < 0 {
		v = -v
		if isLon {
			hemi = "W"
		} else {
			hemi = "S"
		}
	}
	deg := math.Floor(v)
	mins := math.Round((v-deg)*60*1e5) / 1e5
	if mins >= 60 {
		deg++
		mins -= 60
	}
	if isLon {
		return fmt.Sprintf("%03d%08.5f", int(deg), mins), hemi
	}
	return fmt.Sprintf("%02d%08.5f", int(deg), mins), hemi
}
