package nmea

import (
	"fmt"
	"math"
	"testing"
	"time"

	"followme/internal/location"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func nmeaLine(payload string) string {
	return fmt.Sprintf("$%s*%02X", payload, Checksum(payload))
}

func TestDecode_ReferenceGGA(t *testing.T) {
	fix, d := Decode("$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47", now)
	if d != DiscardNone {
		t.Fatalf("discard=%v", d)
	}
	if fix.Source != location.SourcePhone {
		t.Fatalf("source=%v", fix.Source)
	}
	if math.Abs(fix.Lat-48.1173) > 1e-4 || math.Abs(fix.Lon-11.5167) > 1e-4 {
		t.Fatalf("lat/lon=%v,%v", fix.Lat, fix.Lon)
	}
	if !fix.ObservedAt.Equal(now) {
		t.Fatalf("observed_at=%v", fix.ObservedAt)
	}
	if fix.Satellites != 8 || math.Abs(fix.HDOP-0.9) > 1e-9 || !fix.HasAlt || fix.AltM != 545.4 {
		t.Fatalf("extras=%+v", fix)
	}
}

func TestDecode_ChecksumCaseInsensitive(t *testing.T) {
	payload := "GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W"
	ck := fmt.Sprintf("%02x", Checksum(payload))
	if _, d := Decode("$"+payload+"*"+ck, now); d != DiscardNone {
		t.Fatalf("lowercase checksum discard=%v", d)
	}
}

func TestDecode_ChecksumMatchesFormattedXOR(t *testing.T) {
	payloads := []string{
		"GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,",
		"GNRMC,001031.00,A,4404.13993,N,12118.86023,W,0.146,,100117,,,A",
		"GPGSV,3,1,11,03,03,111,00,04,15,270,00,06,01,010,00,13,06,292,00",
	}
	for _, p := range payloads {
		line := nmeaLine(p)
		if _, d := parseSentence(line); d != DiscardNone {
			t.Fatalf("%q discard=%v", line, d)
		}
	}
}

func TestDecode_RejectsEverySingleBitFlipInPayload(t *testing.T) {
	line := nmeaLine("GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,")
	star := len(line) - 3
	for i := 1; i < star; i++ {
		for bit := 0; bit < 8; bit++ {
			b := []byte(line)
			b[i] ^= 1 << bit
			if _, d := Decode(string(b), now); d == DiscardNone {
				t.Fatalf("flip byte %d bit %d accepted: %q", i, bit, b)
			}
		}
	}
}

func TestDecode_Discards(t *testing.T) {
	cases := []struct {
		name string
		line string
		want Discard
	}{
		{name: "NotNMEA", line: "hello", want: DiscardNotNMEA},
		{name: "MissingChecksum", line: "$GPGGA,123519,4807.038,N", want: DiscardChecksum},
		{name: "BadChecksum", line: "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*00", want: DiscardChecksum},
		{name: "TwoStars", line: "$GP*GGA*47", want: DiscardChecksum},
		{name: "Unsupported", line: nmeaLine("GPGSA,A,3,04,05,,09,12,,,24,,,,,2.5,1.3,2.1"), want: DiscardUnsupported},
		{name: "GGAQualityZero", line: nmeaLine("GPGGA,123519,4807.038,N,01131.000,E,0,00,,,M,,M,,"), want: DiscardNoFix},
		{name: "GGAEmptyLat", line: nmeaLine("GPGGA,123519,,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,"), want: DiscardNoFix},
		{name: "RMCVoid", line: nmeaLine("GPRMC,123519,V,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W"), want: DiscardNoFix},
		{name: "RMCGarbageLat", line: nmeaLine("GPRMC,123519,A,48x7.038,N,01131.000,E,022.4,084.4,230394,003.1,W"), want: DiscardMalformed},
		{name: "GGANoDecimal", line: nmeaLine("GPGGA,123519,4807,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,"), want: DiscardMalformed},
		{name: "ShortGGA", line: nmeaLine("GPGGA,123519,4807.038"), want: DiscardMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fix, d := Decode(tc.line, now)
			if d != tc.want {
				t.Fatalf("discard=%v want %v", d, tc.want)
			}
			if !fix.IsNone() {
				t.Fatalf("expected no fix, got %+v", fix)
			}
		})
	}
}

func TestDecode_RMCSpeed(t *testing.T) {
	fix, d := Decode(nmeaLine("GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W"), now)
	if d != DiscardNone {
		t.Fatalf("discard=%v", d)
	}
	if !fix.HasSpeed || math.Abs(fix.SpeedMS-22.4*0.514444) > 1e-9 {
		t.Fatalf("speed=%v", fix.SpeedMS)
	}
	if fix.CourseDeg != 84.4 {
		t.Fatalf("course=%v", fix.CourseDeg)
	}
}

func TestParseLatLon(t *testing.T) {
	cases := []struct {
		v, hemi string
		lon     bool
		want    float64
	}{
		{"4916.45", "N", false, 49.274166666},
		{"4916.45", "S", false, -49.274166666},
		{"12311.12", "E", true, 123.185333333},
		{"12311.12", "W", true, -123.185333333},
		{"00000.00", "E", true, 0},
	}
	for _, tc := range cases {
		got, ok := ParseLatLon(tc.v, tc.hemi, tc.lon)
		if !ok {
			t.Fatalf("%s,%s rejected", tc.v, tc.hemi)
		}
		if math.Abs(got-tc.want) > 1e-6 {
			t.Fatalf("%s,%s=%v want %v", tc.v, tc.hemi, got, tc.want)
		}
	}
}

func TestParseLatLon_Malformed(t *testing.T) {
	cases := []struct {
		v, hemi string
		lon     bool
	}{
		{"", "N", false},
		{"49", "N", false},
		{"4916", "N", false},
		{"16.45", "N", false},
		{"-916.45", "N", false},
		{"4916.45", "E", false},
		{"12311.12", "N", true},
		{"4975.00", "N", false},
		{"9130.00", "N", false},
		{"18130.00", "E", true},
	}
	for _, tc := range cases {
		if v, ok := ParseLatLon(tc.v, tc.hemi, tc.lon); ok {
			t.Fatalf("%q,%q accepted as %v", tc.v, tc.hemi, v)
		}
	}
}
