package domain

import (
	"time"

	"bustrack/internal/geo"
)

// LiveDevice is one telemetry record from the live map feed, flattened and
// annotated with the derived speed.
type LiveDevice struct {
	ID            string    `json:"id"`
	Lat           *float64  `json:"lat"`
	Lon           *float64  `json:"lon"`
	IsOnline      bool      `json:"isOnline"`
	RouteNumber   string    `json:"routeNumber,omitempty"`
	BusNumber     string    `json:"busNumber,omitempty"`
	BusTurnID     string    `json:"busTurnId,omitempty"`
	RunningSlotID string    `json:"runningSlotId,omitempty"`
	Speed         float64   `json:"speed"`
	TileID        string    `json:"tileId,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Position returns the device coordinate; it is invalid when the feed had no fix.
func (d *LiveDevice) Position() geo.Coordinate {
	return geo.CoordinateFromPtr(d.Lat, d.Lon)
}

// HasPosition reports whether the device can take part in distance matching.
func (d *LiveDevice) HasPosition() bool {
	return d.Position().Valid()
}

// PlateNumber is the bus number when known, otherwise a short device id.
func (d *LiveDevice) PlateNumber() string {
	if d.BusNumber != "" {
		return d.BusNumber
	}
	return ShortDeviceID(d.ID)
}

// ShortDeviceID is the 7-character device prefix shown when no plate is known.
func ShortDeviceID(id string) string {
	if id == "" {
		return "---"
	}
	if len(id) > 7 {
		return id[:7]
	}
	return id
}

// DeltaType indicates whether a device was updated or removed
type DeltaType string

const (
	DeltaUpdate DeltaType = "update"
	DeltaRemove DeltaType = "remove"
)

// DeviceDelta represents a change in device state
type DeviceDelta struct {
	Type   DeltaType   `json:"type"`
	Device *LiveDevice `json:"device,omitempty"`
	ID     string      `json:"id,omitempty"`
	TileID string      `json:"tileId"`
}
