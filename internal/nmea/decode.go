// Package nmea decodes the phone's NMEA-0183 stream into operator fixes.
//
// Only GGA and RMC carry positions we use. Everything else is ignored, and
// corrupt lines are discarded without an error: the transport is UDP and
// partial datagrams are normal.
package nmea

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"followme/internal/location"
)

// maxLineLen bounds per-call work. NMEA allows 82 characters; leave headroom
// for proprietary talkers.
const maxLineLen = 256

const knotsToMS = 0.514444

// Discard explains why Decode produced no fix. DiscardNone means a fix was
// produced.
type Discard int

const (
	DiscardNone Discard = iota
	DiscardNotNMEA
	DiscardChecksum
	DiscardUnsupported
	DiscardNoFix
	DiscardMalformed
)

func (d Discard) String() string {
	switch d {
	case DiscardNone:
		return "none"
	case DiscardNotNMEA:
		return "not_nmea"
	case DiscardChecksum:
		return "checksum"
	case DiscardUnsupported:
		return "unsupported"
	case DiscardNoFix:
		return "no_fix"
	case DiscardMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

type sentence struct {
	Type string
	// Fields is the comma-split payload (excluding $ and checksum).
	Fields []string
}

// Checksum XORs every byte of payload (the text between '$' and '*').
func Checksum(payload string) byte {
	ck := byte(0)
	for i := 0; i < len(payload); i++ {
		ck ^= payload[i]
	}
	return ck
}

func parseSentence(line string) (sentence, Discard) {
	if len(line) > maxLineLen {
		return sentence{}, DiscardMalformed
	}
	if !strings.HasPrefix(line, "$") {
		return sentence{}, DiscardNotNMEA
	}
	parts := strings.Split(line, "*")
	if len(parts) != 2 {
		return sentence{}, DiscardChecksum
	}
	payload := parts[0][1:]
	want := strings.TrimSpace(parts[1])
	if len(want) != 2 {
		return sentence{}, DiscardChecksum
	}
	if !strings.EqualFold(fmt.Sprintf("%02X", Checksum(payload)), want) {
		return sentence{}, DiscardChecksum
	}

	fields := strings.Split(payload, ",")
	t := fields[0]
	if len(t) < 3 {
		return sentence{}, DiscardMalformed
	}
	// Accept GP/GN/GL talkers; normalize to the last three characters.
	t = strings.ToUpper(t[len(t)-3:])
	return sentence{Type: t, Fields: fields}, DiscardNone
}

// Decode turns one line into a phone fix observed at now.
func Decode(line string, now time.Time) (location.Fix, Discard) {
	sent, d := parseSentence(strings.TrimSpace(line))
	if d != DiscardNone {
		return location.Fix{}, d
	}
	switch sent.Type {
	case "GGA":
		return decodeGGA(sent.Fields, now)
	case "RMC":
		return decodeRMC(sent.Fields, now)
	default:
		return location.Fix{}, DiscardUnsupported
	}
}

// GGA fields:
//
//	0: talker+type
//	1: time
//	2: latitude (ddmm.mmmm)
//	3: N/S
//	4: longitude (dddmm.mmmm)
//	5: E/W
//	6: fix quality (0=invalid)
//	7: satellites
//	8: HDOP
//	9: altitude (metres)
func decodeGGA(f []string, now time.Time) (location.Fix, Discard) {
	if len(f) < 7 {
		return location.Fix{}, DiscardMalformed
	}
	q := strings.TrimSpace(f[6])
	if q == "" || q == "0" || strings.TrimSpace(f[2]) == "" || strings.TrimSpace(f[4]) == "" {
		return location.Fix{}, DiscardNoFix
	}
	lat, ok := ParseLatLon(f[2], f[3], false)
	if !ok {
		return location.Fix{}, DiscardMalformed
	}
	lon, ok := ParseLatLon(f[4], f[5], true)
	if !ok {
		return location.Fix{}, DiscardMalformed
	}

	fix := location.Fix{Lat: lat, Lon: lon, Source: location.SourcePhone, ObservedAt: now}
	if len(f) > 7 {
		if n, err := strconv.Atoi(strings.TrimSpace(f[7])); err == nil {
			fix.Satellites = n
		}
	}
	if len(f) > 8 {
		if v, ok := parseFloat(f[8]); ok {
			fix.HDOP = v
		}
	}
	if len(f) > 9 {
		if v, ok := parseFloat(f[9]); ok {
			fix.AltM = v
			fix.HasAlt = true
		}
	}
	return fix, DiscardNone
}

// RMC fields:
//
//	0: talker+type
//	1: time
//	2: status (A=active, V=void)
//	3: latitude
//	4: N/S
//	5: longitude
//	6: E/W
//	7: speed over ground (knots)
//	8: course over ground (deg)
func decodeRMC(f []string, now time.Time) (location.Fix, Discard) {
	if len(f) < 7 {
		return location.Fix{}, DiscardMalformed
	}
	if strings.TrimSpace(f[2]) != "A" {
		return location.Fix{}, DiscardNoFix
	}
	if strings.TrimSpace(f[3]) == "" || strings.TrimSpace(f[5]) == "" {
		return location.Fix{}, DiscardNoFix
	}
	lat, ok := ParseLatLon(f[3], f[4], false)
	if !ok {
		return location.Fix{}, DiscardMalformed
	}
	lon, ok := ParseLatLon(f[5], f[6], true)
	if !ok {
		return location.Fix{}, DiscardMalformed
	}

	fix := location.Fix{Lat: lat, Lon: lon, Source: location.SourcePhone, ObservedAt: now}
	if len(f) > 7 {
		if kt, ok := parseFloat(f[7]); ok {
			fix.SpeedMS = kt * knotsToMS
			fix.HasSpeed = true
		}
	}
	if len(f) > 8 {
		if c, ok := parseFloat(f[8]); ok {
			fix.CourseDeg = c
		}
	}
	return fix, DiscardNone
}

func parseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ParseLatLon converts ddmm.mmmm (latitude) or dddmm.mmmm (longitude) plus a
// hemisphere letter into signed decimal degrees. The last two whole digits
// before the decimal point are minutes; everything ahead of them is degrees.
func ParseLatLon(v, hemi string, isLon bool) (float64, bool) {
	v = strings.TrimSpace(v)
	hemi = strings.ToUpper(strings.TrimSpace(hemi))
	if isLon {
		if hemi != "E" && hemi != "W" {
			return 0, false
		}
	} else if hemi != "N" && hemi != "S" {
		return 0, false
	}
	if len(v) < 4 {
		return 0, false
	}
	dot := strings.IndexByte(v, '.')
	if dot < 3 {
		return 0, false
	}
	if !allDigits(v[:dot]) || !allDigits(v[dot+1:]) {
		return 0, false
	}

	deg, err := strconv.Atoi(v[:dot-2])
	if err != nil {
		return 0, false
	}
	mins, err := strconv.ParseFloat(v[dot-2:], 64)
	if err != nil || mins >= 60 {
		return 0, false
	}

	dec := float64(deg) + mins/60.0
	limit := 90.0
	if isLon {
		limit = 180.0
	}
	if dec > limit {
		return 0, false
	}
	if hemi == "S" || hemi == "W" {
		dec = -dec
	}
	return dec, true
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
