// Package kinematics derives vehicle speed from consecutive position fixes.
package kinematics

import (
	"math"
	"sync"
	"time"

	"bustrack/internal/config"
	"bustrack/internal/domain"
	"bustrack/internal/geo"
)

// State is the per-device kinematic record.
type State struct {
	Position    geo.Coordinate
	HasPosition bool
	LastMove    time.Time
	Speed       float64
}

// Tracker keeps one State per device id for the lifetime of a polling
// session. Entries are created on first sighting and never evicted; the map
// is bounded by the fleet size.
type Tracker struct {
	mu     sync.Mutex
	states map[string]*State
	tuning config.Tuning
	hint   int
}

// NewTracker creates an empty tracker. sizeHint pre-sizes the state map.
func NewTracker(tuning config.Tuning, sizeHint int) *Tracker {
	return &Tracker{
		states: make(map[string]*State, sizeHint),
		tuning: tuning,
		hint:   sizeHint,
	}
}

// Observe feeds one fix for device id taken at now and returns the smoothed
// speed in km/h.
func (t *Tracker) Observe(id string, pos geo.Coordinate, now time.Time) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[id]
	if !ok {
		t.states[id] = &State{
			Position:    pos,
			HasPosition: pos.Valid(),
			LastMove:    now,
		}
		return 0
	}

	if !pos.Valid() {
		return st.Speed
	}

	if !st.HasPosition {
		st.Position = pos
		st.HasPosition = true
		if now.After(st.LastMove) {
			st.LastMove = now
		}
		return st.Speed
	}

	distance := geo.Between(st.Position, pos)
	if distance > t.tuning.MovementThresholdKm {
		elapsed := now.Sub(st.LastMove).Seconds()
		if elapsed <= 0 {
			return st.Speed
		}

		instant := distance / elapsed * 3600
		w := t.tuning.SmoothingWeight
		speed := math.Round(st.Speed*w + instant*(1-w))
		st.Speed = geo.Clamp(speed, 0, t.tuning.MaxSpeedKmh)
		st.Position = pos
		st.LastMove = now
		return st.Speed
	}

	if now.Sub(st.LastMove) > t.tuning.StationaryTimeout {
		st.Speed = 0
	}
	return st.Speed
}

// Annotate runs Observe for every device and writes the speed back.
func (t *Tracker) Annotate(devices []*domain.LiveDevice, now time.Time) {
	for _, d := range devices {
		d.Speed = t.Observe(d.ID, d.Position(), now)
	}
}

// Get returns a copy of the state for id.
func (t *Tracker) Get(id string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[id]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Len is the number of devices seen since the last Reset.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}

// OverHint reports whether more devices have been seen than the configured
// fleet size.
func (t *Tracker) OverHint() bool {
	return t.hint > 0 && t.Len() > t.hint
}

// Reset drops all kinematic state, as on a polling-loop restart.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states = make(map[string]*State, t.hint)
}
