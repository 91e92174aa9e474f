// Package schedule reduces a route timetable to the trips that matter now
// and merges in live buses the timetable does not know about.
package schedule

import (
	"sort"
	"time"

	"bustrack/internal/domain"
	"bustrack/internal/matching"
)

// ExtraStart is the start minute given to untracked live buses. It sorts
// them ahead of every scheduled trip and keeps them from being highlighted.
const ExtraStart = -1

// Options tunes the filter arithmetic.
type Options struct {
	// NormalizeWrap adds a day to a last-stop time earlier than the start,
	// so trips crossing midnight stay en route.
	NormalizeWrap bool
}

// Entry is one row of the filtered board.
type Entry struct {
	Slot        *domain.RunningSlot
	Start       int
	LastStop    int
	Highlighted bool
}

// Result is the filtered and merged board for one instant.
type Result struct {
	CurrentMinutes int
	Entries        []Entry
	Assignment     matching.Assignment
}

// Highlighted returns the "next bus" entry.
func (r Result) Highlighted() (Entry, bool) {
	for _, e := range r.Entries {
		if e.Highlighted {
			return e, true
		}
	}
	return Entry{}, false
}

// Filter keeps trips that are upcoming or still en route at now, binds live
// devices to them and appends devices of routeNumber that match none of
// them as extras. A device that matches a kept trip but loses the binding
// to a stronger key is not an extra. now must already be in the timetable's time zone.
func Filter(slots []domain.RunningSlot, devices []*domain.LiveDevice, routeNumber string,
	now time.Time, m *matching.Matcher, opts Options) Result {

	current := MinutesOfDay(now)

	kept := make([]Entry, 0, len(slots))
	for i := range slots {
		slot := &slots[i]
		if len(slot.Stops) == 0 {
			continue
		}
		start := Minutes(slot.LoadingStartingTime)
		last := Minutes(slot.Stops[len(slot.Stops)-1].WeekdayTime)
		if opts.NormalizeWrap && last < start {
			last += minutesPerDay
		}
		if start >= current || last > current {
			kept = append(kept, Entry{Slot: slot, Start: start, LastStop: last})
		}
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Start < kept[j].Start
	})
	for i := range kept {
		if kept[i].Start >= current {
			kept[i].Highlighted = true
			break
		}
	}

	candidates := make([]matching.Candidate, len(kept))
	for i, e := range kept {
		candidates[i] = matching.Candidate{Slot: e.Slot, Start: e.Start, Highlighted: e.Highlighted}
	}
	assignment := m.Assign(candidates, devices, current)

	var extras []Entry
	for _, d := range devices {
		if routeNumber == "" || d.RouteNumber != routeNumber {
			continue
		}
		if idx, _ := m.MatchDevice(d, candidates, current); idx >= 0 {
			continue
		}
		extras = append(extras, Entry{Slot: ExtraSlot(d), Start: ExtraStart, LastStop: ExtraStart})
	}

	return Result{
		CurrentMinutes: current,
		Entries:        append(extras, kept...),
		Assignment:     assignment,
	}
}

// ExtraSlot is the synthetic slot shown for a live bus missing from the
// timetable.
func ExtraSlot(d *domain.LiveDevice) *domain.RunningSlot {
	return &domain.RunningSlot{
		ID:                  "extra-" + d.ID,
		DeviceID:            d.ID,
		BusTurnStatus:       domain.StatusRunning,
		LoadingStartingTime: "0000",
		IsOnline:            true,
		IsExtra:             true,
		Stops:               []domain.ScheduledStop{},
	}
}
