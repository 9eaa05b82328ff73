// Package geo holds the great-circle math used to position the vehicle
// relative to the operator and to aim the camera gimbal.
package geo

import (
	"math"

	"golang.org/x/exp/constraints"
)

// EarthRadiusM is the mean Earth radius used by Distance.
const EarthRadiusM = 6371000.0

// MetersPerDegreeLat is the flat-earth conversion used for the stand-off offset.
const MetersPerDegreeLat = 111000.0

// Gimbal tilt limits in degrees. Negative is nose-down.
const (
	TiltMinDeg = -90.0
	TiltMaxDeg = 30.0
)

const feetPerMeter = 3.280839895013123

func DegreesToRadians[T constraints.Float](deg T) T {
	return deg * T(math.Pi) / 180
}

func RadiansToDegrees[T constraints.Float](rad T) T {
	return rad * 180 / T(math.Pi)
}

// MetersToFeet converts a distance for the status view.
func MetersToFeet(m float64) float64 {
	return m * feetPerMeter
}

// Point is a latitude/longitude pair in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// IsZero reports whether p is the exact (0,0) placeholder.
func (p Point) IsZero() bool {
	return p.Lat == 0 && p.Lon == 0
}

// Distance returns the haversine distance in metres. Either point at exactly
// (0,0) yields 0.
func Distance(a, b Point) float64 {
	if a.IsZero() || b.IsZero() {
		return 0
	}
	lat1 := DegreesToRadians(a.Lat)
	lat2 := DegreesToRadians(b.Lat)
	dLat := DegreesToRadians(b.Lat - a.Lat)
	dLon := DegreesToRadians(b.Lon - a.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusM * c
}

// Bearing returns the initial forward azimuth from a to b in degrees [0,360).
// Either point at exactly (0,0) yields 0.
func Bearing(a, b Point) float64 {
	if a.IsZero() || b.IsZero() {
		return 0
	}
	lat1 := DegreesToRadians(a.Lat)
	lat2 := DegreesToRadians(b.Lat)
	dLon := DegreesToRadians(b.Lon - a.Lon)

	x := math.Sin(dLon) * math.Cos(lat2)
	y := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	deg := RadiansToDegrees(math.Atan2(x, y))
	return math.Mod(deg+360, 360)
}

// StandOff returns the hover target: groundDistanceM due south of the
// operator, same longitude. Operator heading is not considered.
func StandOff(operator Point, groundDistanceM float64) Point {
	return Point{
		Lat: operator.Lat - groundDistanceM/MetersPerDegreeLat,
		Lon: operator.Lon,
	}
}

// Tilt returns the unclamped camera pitch in degrees needed to look from a
// vehicle heightAboveM above the operator at horizontal range horizontalM.
func Tilt(heightAboveM, horizontalM float64) float64 {
	return RadiansToDegrees(math.Atan2(-heightAboveM, horizontalM))
}

// ClampTilt limits a gimbal angle to [TiltMinDeg, TiltMaxDeg].
func ClampTilt(deg float64) float64 {
	return Clamp(deg, TiltMinDeg, TiltMaxDeg)
}

func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
