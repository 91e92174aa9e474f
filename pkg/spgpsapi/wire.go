package spgpsapi

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"bustrack/internal/domain"
	"bustrack/internal/geo"
)

// number accepts a JSON number, a numeric string or null. Anything else
// decodes as missing rather than failing the whole payload.
type number struct {
	v  float64
	ok bool
}

func (n *number) UnmarshalJSON(b []byte) error {
	*n = number{}
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			n.v, n.ok = f, true
		}
		return nil
	}
	if f, err := strconv.ParseFloat(string(b), 64); err == nil {
		n.v, n.ok = f, true
	}
	return nil
}

func (n number) ptr() *float64 {
	if !n.ok {
		return nil
	}
	v := n.v
	return &v
}

func (n number) float() float64 {
	return n.v
}

// ident accepts ids sent either as strings or as numbers. Booleans, objects
// and arrays decode as empty.
type ident string

func (id *ident) UnmarshalJSON(b []byte) error {
	*id = ""
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}
	switch c := b[0]; {
	case c == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ident(s)
	case c == '-' || (c >= '0' && c <= '9'):
		*id = ident(b)
	}
	return nil
}

// flag accepts booleans, "true"/"false" strings and 0/1. Anything else is
// false.
type flag bool

func (f *flag) UnmarshalJSON(b []byte) error {
	v, err := strconv.ParseBool(strings.Trim(string(bytes.TrimSpace(b)), `"`))
	*f = flag(err == nil && v)
	return nil
}

type apiDevice struct {
	ID             ident         `json:"id"`
	Lat            number        `json:"lat"`
	Lon            number        `json:"lon"`
	IsOnline       flag          `json:"isOnline"`
	BusTurnID      ident         `json:"busTurnId"`
	RunningSlotID  ident         `json:"runningSlotId"`
	RoutePermitBus *apiPermitBus `json:"routePermitBus"`
}

type apiPermitBus struct {
	BusNumber ident `json:"busNumber"`
	Route     *struct {
		RouteNumber ident `json:"routeNumber"`
	} `json:"route"`
}

func (d apiDevice) toDomain() *domain.LiveDevice {
	out := &domain.LiveDevice{
		ID:            string(d.ID),
		Lat:           d.Lat.ptr(),
		Lon:           d.Lon.ptr(),
		IsOnline:      bool(d.IsOnline),
		BusTurnID:     string(d.BusTurnID),
		RunningSlotID: string(d.RunningSlotID),
	}
	if d.RoutePermitBus != nil {
		out.BusNumber = string(d.RoutePermitBus.BusNumber)
		if d.RoutePermitBus.Route != nil {
			out.RouteNumber = string(d.RoutePermitBus.Route.RouteNumber)
		}
	}
	return out
}

type apiStop struct {
	ID        ident  `json:"id"`
	Name      string `json:"name"`
	Latitude  number `json:"latitude"`
	Longitude number `json:"longitude"`
}

func (s apiStop) toDomain() domain.BusStop {
	return domain.BusStop{
		ID:        string(s.ID),
		Name:      s.Name,
		Latitude:  s.Latitude.float(),
		Longitude: s.Longitude.float(),
	}
}

type apiScheduledStop struct {
	ID          ident   `json:"id"`
	BusStop     apiStop `json:"busStop"`
	WeekdayTime string  `json:"weekdayTime"`
}

type apiSlot struct {
	ID                  ident              `json:"id"`
	DeviceID            ident              `json:"deviceId"`
	RunningSlotID       ident              `json:"runningSlotId"`
	BusTurnStatus       string             `json:"busTurnStatus"`
	LoadingStartingTime string             `json:"loadingStartingTime"`
	ArrivalTime         string             `json:"arrivalTime"`
	IsOnline            bool               `json:"isOnline"`
	Stops               []apiScheduledStop `json:"runningSlotBusStops"`
	RunningSlot         *struct {
		Stops []apiScheduledStop `json:"runningSlotBusStops"`
	} `json:"runningSlot"`
}

func (s apiSlot) toDomain() domain.RunningSlot {
	stops := s.Stops
	if len(stops) == 0 && s.RunningSlot != nil {
		stops = s.RunningSlot.Stops
	}

	out := domain.RunningSlot{
		ID:                  string(s.ID),
		DeviceID:            string(s.DeviceID),
		RunningSlotID:       string(s.RunningSlotID),
		BusTurnStatus:       domain.TurnStatus(s.BusTurnStatus),
		LoadingStartingTime: s.LoadingStartingTime,
		ArrivalTime:         s.ArrivalTime,
		IsOnline:            s.IsOnline,
		Stops:               make([]domain.ScheduledStop, 0, len(stops)),
	}
	for _, st := range stops {
		out.Stops = append(out.Stops, domain.ScheduledStop{
			ID:          string(st.ID),
			BusStop:     st.BusStop.toDomain(),
			WeekdayTime: st.WeekdayTime,
		})
	}
	return out
}

type apiRoute struct {
	ID          ident   `json:"id"`
	RouteNumber string  `json:"routeNumber"`
	Start       apiStop `json:"start"`
	End         apiStop `json:"end"`
}

func (r apiRoute) toDomain() domain.RouteMeta {
	return domain.RouteMeta{
		ID:          string(r.ID),
		RouteNumber: r.RouteNumber,
		Start:       r.Start.toDomain(),
		End:         r.End.toDomain(),
	}
}

type apiPoint struct {
	Latitude  number `json:"latitude"`
	Longitude number `json:"longitude"`
}

type apiWithMeta struct {
	Meta *struct {
		StandardRoutePath []apiPoint `json:"standardRoutePath"`
	} `json:"meta"`
	UpStops   []apiStop `json:"upStops"`
	DownStops []apiStop `json:"downStops"`
}

// toDomain merges up and down stops, up first, dropping down stops whose id
// already appeared.
func (m apiWithMeta) toDomain() *domain.RoutePath {
	out := &domain.RoutePath{
		StandardRoutePath: []geo.Coordinate{},
		Stops:             make([]domain.BusStop, 0, len(m.UpStops)+len(m.DownStops)),
	}
	if m.Meta != nil {
		for _, p := range m.Meta.StandardRoutePath {
			out.StandardRoutePath = append(out.StandardRoutePath, geo.Coordinate{Lat: p.Latitude.float(), Lon: p.Longitude.float()})
		}
	}

	seen := make(map[string]struct{})
	for _, s := range m.UpStops {
		out.Stops = append(out.Stops, s.toDomain())
		if s.ID != "" {
			seen[string(s.ID)] = struct{}{}
		}
	}
	for _, s := range m.DownStops {
		if _, dup := seen[string(s.ID)]; dup && s.ID != "" {
			continue
		}
		out.Stops = append(out.Stops, s.toDomain())
		if s.ID != "" {
			seen[string(s.ID)] = struct{}{}
		}
	}
	return out
}

type apiBusSuggestion struct {
	BusNumber string `json:"busNumber"`
	Label     string `json:"label"`
}

// parseSuggestion handles both bare strings and {busNumber,label} objects.
func parseSuggestion(raw json.RawMessage) (domain.BusSuggestion, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return domain.BusSuggestion{Value: s, Label: s}, s != ""
	}

	var obj apiBusSuggestion
	if err := json.Unmarshal(raw, &obj); err != nil {
		return domain.BusSuggestion{}, false
	}
	value := obj.BusNumber
	if value == "" {
		value = obj.Label
	}
	label := obj.Label
	if label == "" {
		label = obj.BusNumber
	}
	return domain.BusSuggestion{Value: value, Label: label}, value != ""
}
