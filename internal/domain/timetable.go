package domain

import "bustrack/internal/geo"

// TurnStatus is the operational state of a bus turn
type TurnStatus string

const (
	StatusPending           TurnStatus = "pending"
	StatusRunning           TurnStatus = "running"
	StatusJoinedToRoute     TurnStatus = "joined_to_route"
	StatusLoadingPassengers TurnStatus = "loading_passengers"
	StatusCompleted         TurnStatus = "completed"
	StatusNotOperated       TurnStatus = "not_operated"
)

// OrPending maps the empty status to pending.
func (s TurnStatus) OrPending() TurnStatus {
	if s == "" {
		return StatusPending
	}
	return s
}

// Active reports whether the turn is out on the road.
func (s TurnStatus) Active() bool {
	return s == StatusRunning || s == StatusJoinedToRoute
}

// BusStop is a named stop position
type BusStop struct {
	ID        string  `json:"id,omitempty"`
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (b BusStop) Coordinate() geo.Coordinate {
	return geo.Coordinate{Lat: b.Latitude, Lon: b.Longitude}
}

// ScheduledStop is one call of a running slot; order is the direction of travel.
type ScheduledStop struct {
	ID          string  `json:"id,omitempty"`
	BusStop     BusStop `json:"busStop"`
	WeekdayTime string  `json:"weekdayTime"` // HHMM
}

// RunningSlot is one scheduled trip instance on a route
type RunningSlot struct {
	ID                  string          `json:"id"`
	DeviceID            string          `json:"deviceId,omitempty"`
	RunningSlotID       string          `json:"runningSlotId,omitempty"`
	BusTurnStatus       TurnStatus      `json:"busTurnStatus"`
	LoadingStartingTime string          `json:"loadingStartingTime"` // HHMM
	ArrivalTime         string          `json:"arrivalTime,omitempty"`
	IsOnline            bool            `json:"isOnline"`
	IsExtra             bool            `json:"isExtra,omitempty"`
	Stops               []ScheduledStop `json:"stops"`
}

// StopCoordinates returns the stop positions in schedule order.
func (s *RunningSlot) StopCoordinates() []geo.Coordinate {
	coords := make([]geo.Coordinate, len(s.Stops))
	for i, st := range s.Stops {
		coords[i] = st.BusStop.Coordinate()
	}
	return coords
}

// RouteMeta describes a route as returned by route search, optionally
// enriched with its drawn path and stop list.
type RouteMeta struct {
	ID                string           `json:"id"`
	RouteNumber       string           `json:"routeNumber"`
	Start             BusStop          `json:"start"`
	End               BusStop          `json:"end"`
	StandardRoutePath []geo.Coordinate `json:"standardRoutePath,omitempty"`
	Stops             []BusStop        `json:"stops,omitempty"`
}

// RoutePath is the geometry part of a route: the drawn path and the union of
// up and down stops.
type RoutePath struct {
	StandardRoutePath []geo.Coordinate `json:"standardRoutePath"`
	Stops             []BusStop        `json:"stops"`
}

// BusSuggestion is one bus-number autocomplete entry
type BusSuggestion struct {
	Value string `json:"value"`
	Label string `json:"label"`
}
