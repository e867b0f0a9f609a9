package model

import (
	"sort"
	"time"
)

// NotAvailable marks an optional field the upstream message did not carry.
const NotAvailable = "N/A"

// Fallback coordinate used per axis when a message carries no usable position.
const (
	FallbackLatitude  = 40.7128
	FallbackLongitude = -74.006
)

// Position is a WGS84 coordinate pair. Both values are always finite.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// VehicleSample is the canonical record of one vehicle's latest telemetry.
// A sample is replaced whole on every update and never modified after
// construction.
type VehicleSample struct {
	// VehicleID is the primary key; never empty for a stored sample.
	VehicleID string `json:"vehicleId"`

	Position Position `json:"position"`

	// Speed in the unit reported upstream (m/s for the known feeds).
	Speed float64 `json:"speed"`

	// Direction is a cardinal point (N..NW), a degree string, or NotAvailable.
	Direction string `json:"direction"`

	Altitude       string `json:"altitude"`
	Checkpoint     string `json:"checkpoint"`
	NextCheckpoint string `json:"nextCheckpoint"`

	// Timestamp is the ISO-8601 time the sample describes.
	Timestamp string `json:"timestamp"`

	Satellites  string `json:"satellites"`
	Temperature string `json:"temperature"`

	// ReceivedAt is when the sample was ingested.
	ReceivedAt time.Time `json:"receivedAt"`
}

// ParsedTimestamp parses Timestamp, reporting false when it is not RFC 3339.
func (s VehicleSample) ParsedTimestamp() (time.Time, bool) {
	t, err := time.Parse(time.RFC3339Nano, s.Timestamp)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Snapshot is an immutable view of the fleet keyed by VehicleID.
// Holders must not mutate it.
type Snapshot map[string]VehicleSample

// Sorted returns the samples ordered by VehicleID.
func (s Snapshot) Sorted() []VehicleSample {
	out := make([]VehicleSample, 0, len(s))
	for _, v := range s {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VehicleID < out[j].VehicleID })
	return out
}
