// Package gps feeds operator fixes into the location arbiter.
//
// Two producers live here:
//   - Listener receives the phone's NMEA stream over UDP (source Phone).
//   - Receiver reads a GNSS receiver attached to the ground station, either
//     raw NMEA over serial or gpsd JSON (source LocalDevice).
package gps
