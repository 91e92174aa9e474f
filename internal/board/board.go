// Package board assembles the per-route departure board and the trip detail
// view from a timetable and the live feed.
package board

import (
	"errors"
	"strings"
	"time"

	"bustrack/internal/config"
	"bustrack/internal/domain"
	"bustrack/internal/geo"
	"bustrack/internal/locator"
	"bustrack/internal/matching"
	"bustrack/internal/schedule"
)

var ErrTripNotFound = errors.New("trip not found")

// Entry is the derived view of one trip on the board.
type Entry struct {
	Slot            *domain.RunningSlot `json:"slot"`
	Device          *domain.LiveDevice  `json:"device,omitempty"`
	MatchedBy       matching.Key        `json:"matchedBy,omitempty"`
	Position        locator.Position    `json:"position"`
	EffectiveStatus domain.TurnStatus   `json:"effectiveStatus"`
	IsOnline        bool                `json:"isOnline"`
	IsHighlighted   bool                `json:"isHighlighted"`
	IsExtra         bool                `json:"isExtra"`
	PlateNumber     string              `json:"plateNumber"`
	Duration        string              `json:"duration"`
	From            string              `json:"from"`
	To              string              `json:"to"`
	Departs         string              `json:"departs"`
	Arrives         string              `json:"arrives"`
}

// Board is the filtered timetable of one route at one instant.
type Board struct {
	RouteID     string    `json:"routeId"`
	RouteNumber string    `json:"routeNumber"`
	CurrentTime string    `json:"currentTime"`
	GeneratedAt time.Time `json:"generatedAt"`
	Entries     []Entry   `json:"entries"`
}

// StopView is one row of the trip timeline.
type StopView struct {
	Name      string  `json:"name"`
	Time      string  `json:"time"`
	Display   string  `json:"display"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Passed    bool    `json:"passed"`
}

// Detail is the timeline of a single trip.
type Detail struct {
	Entry
	RouteID     string     `json:"routeId"`
	Stops       []StopView `json:"stops"`
	Heading     *float64   `json:"heading,omitempty"`
	GeneratedAt time.Time  `json:"generatedAt"`
}

type Builder struct {
	matcher *matching.Matcher
	locator *locator.Locator
	opts    schedule.Options
	loc     *time.Location
}

func NewBuilder(t config.Tuning, loc *time.Location) *Builder {
	if loc == nil {
		loc = time.Local
	}
	return &Builder{
		matcher: matching.New(t.MatchWindow),
		locator: locator.New(t),
		opts:    schedule.Options{NormalizeWrap: t.NormalizeMidnightWrap},
		loc:     loc,
	}
}

// Board filters slots for now and binds devices to them. route supplies the
// route number used to pick extras and the terminals for short stop lists.
func (b *Builder) Board(route domain.RouteMeta, slots []domain.RunningSlot, devices []*domain.LiveDevice, now time.Time) Board {
	local := now.In(b.loc)
	res := schedule.Filter(slots, devices, route.RouteNumber, local, b.matcher, b.opts)

	out := Board{
		RouteID:     route.ID,
		RouteNumber: route.RouteNumber,
		CurrentTime: local.Format("1504"),
		GeneratedAt: now,
		Entries:     make([]Entry, 0, len(res.Entries)),
	}
	for _, e := range res.Entries {
		dev, key := b.deviceFor(e, res.Assignment, devices)
		entry, _ := b.entry(route, e.Slot, dev, key, e.Highlighted)
		out.Entries = append(out.Entries, entry)
	}
	return out
}

// Detail builds the timeline of slotID. Trips that the board filtered out
// are still matched, without the highlight exception.
func (b *Builder) Detail(route domain.RouteMeta, slots []domain.RunningSlot, devices []*domain.LiveDevice, slotID string, now time.Time) (*Detail, error) {
	local := now.In(b.loc)
	res := schedule.Filter(slots, devices, route.RouteNumber, local, b.matcher, b.opts)

	var (
		slot        *domain.RunningSlot
		dev         *domain.LiveDevice
		key         matching.Key
		highlighted bool
	)
	for _, e := range res.Entries {
		if e.Slot.ID == slotID {
			slot, highlighted = e.Slot, e.Highlighted
			dev, key = b.deviceFor(e, res.Assignment, devices)
			break
		}
	}

	if slot == nil {
		slot = findSlot(slots, devices, slotID)
		if slot == nil {
			return nil, ErrTripNotFound
		}
		if slot.IsExtra {
			dev, key = findDevice(devices, slot.DeviceID), matching.KeyDevice
		} else {
			c := matching.Candidate{Slot: slot, Start: schedule.Minutes(slot.LoadingStartingTime)}
			dev, key = b.matcher.MatchSlot(c, devices, res.CurrentMinutes)
		}
	}

	entry, stops := b.entry(route, slot, dev, key, highlighted)
	d := &Detail{
		Entry:       entry,
		RouteID:     route.ID,
		Stops:       make([]StopView, len(stops)),
		GeneratedAt: now,
	}
	for i, st := range stops {
		d.Stops[i] = StopView{
			Name:      st.BusStop.Name,
			Time:      st.WeekdayTime,
			Display:   schedule.FormatHHMM(st.WeekdayTime),
			Latitude:  st.BusStop.Latitude,
			Longitude: st.BusStop.Longitude,
			Passed:    entry.Position.Passed(i),
		}
	}

	idx := entry.Position.NearestIndex
	if dev != nil && dev.HasPosition() && idx >= 0 && idx < len(stops)-1 {
		h := geo.Bearing(dev.Position(), stops[idx+1].BusStop.Coordinate())
		d.Heading = &h
	}
	return d, nil
}

// Retain keeps remembered stop indices only for the given slot ids.
func (b *Builder) Retain(slotIDs map[string]struct{}) int {
	return b.locator.Retain(slotIDs)
}

func (b *Builder) deviceFor(e schedule.Entry, a matching.Assignment, devices []*domain.LiveDevice) (*domain.LiveDevice, matching.Key) {
	if e.Slot.IsExtra {
		return findDevice(devices, e.Slot.DeviceID), matching.KeyDevice
	}
	if bind, ok := a.ForSlot(e.Slot.ID); ok {
		return bind.Device, bind.Key
	}
	return nil, matching.KeyNone
}

func (b *Builder) entry(route domain.RouteMeta, slot *domain.RunningSlot, dev *domain.LiveDevice, key matching.Key, highlighted bool) (Entry, []domain.ScheduledStop) {
	online := slot.IsOnline
	if dev != nil {
		online = dev.IsOnline
	}

	e := Entry{
		Slot:            slot,
		Device:          dev,
		MatchedBy:       key,
		Position:        locator.Position{NearestIndex: -1},
		EffectiveStatus: EffectiveStatus(slot.BusTurnStatus, online),
		IsOnline:        online,
		IsHighlighted:   highlighted,
		IsExtra:         slot.IsExtra,
		PlateNumber:     plateNumber(slot, dev),
	}

	if slot.IsExtra {
		return e, nil
	}

	if n := len(slot.Stops); n > 0 {
		first, last := slot.Stops[0], slot.Stops[n-1]
		e.Duration = schedule.FormatDuration(first.WeekdayTime, last.WeekdayTime)
		e.From, e.To = first.BusStop.Name, last.BusStop.Name
		e.Departs = schedule.FormatHHMM(first.WeekdayTime)
		e.Arrives = schedule.FormatHHMM(last.WeekdayTime)
	} else {
		e.Duration = "---"
	}

	var meta *domain.RouteMeta
	if route.Start.Name != "" || route.End.Name != "" {
		meta = &route
	}
	stops := locator.WithTerminals(slot.Stops, meta)

	if dev != nil && dev.HasPosition() {
		coords := make([]geo.Coordinate, len(stops))
		for i, st := range stops {
			coords[i] = st.BusStop.Coordinate()
		}
		e.Position = b.locator.Track(slot.ID, dev.Position(), online, coords)
	}
	return e, stops
}

// EffectiveStatus shows a pending (or unset) turn as running once its bus
// is online.
func EffectiveStatus(status domain.TurnStatus, online bool) domain.TurnStatus {
	status = status.OrPending()
	if online && status == domain.StatusPending {
		return domain.StatusRunning
	}
	return status
}

func plateNumber(slot *domain.RunningSlot, dev *domain.LiveDevice) string {
	if dev != nil && dev.BusNumber != "" {
		return dev.BusNumber
	}
	return domain.ShortDeviceID(slot.DeviceID)
}

func findDevice(devices []*domain.LiveDevice, id string) *domain.LiveDevice {
	for _, d := range devices {
		if d.ID == id {
			return d
		}
	}
	return nil
}

func findSlot(slots []domain.RunningSlot, devices []*domain.LiveDevice, id string) *domain.RunningSlot {
	for i := range slots {
		if slots[i].ID == id {
			return &slots[i]
		}
	}
	if devID, ok := strings.CutPrefix(id, "extra-"); ok {
		if d := findDevice(devices, devID); d != nil {
			return schedule.ExtraSlot(d)
		}
	}
	return nil
}
