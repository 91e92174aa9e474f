// Package matching binds live devices to scheduled running slots.
//
// A device can carry up to three identity keys that point at a slot. They are
// tried in a fixed order of confidence and the first one that matches wins.
package matching

import (
	"math"
	"sort"
	"time"

	"bustrack/internal/domain"
)

// Key names the identity that produced a match. Lower Rank is stronger.
type Key string

const (
	KeyNone        Key = ""
	KeyRunningSlot Key = "runningSlotId"
	KeyBusTurn     Key = "busTurnId"
	KeyDevice      Key = "deviceId"
)

// Rank orders keys by confidence, 0 being the strongest.
func (k Key) Rank() int {
	switch k {
	case KeyRunningSlot:
		return 0
	case KeyBusTurn:
		return 1
	case KeyDevice:
		return 2
	default:
		return math.MaxInt
	}
}

// Candidate is a slot together with the schedule facts the matcher needs.
type Candidate struct {
	Slot        *domain.RunningSlot
	Start       int // minutes of day
	Highlighted bool
}

// Strategy tests one identity key.
type Strategy interface {
	Match(c Candidate, d *domain.LiveDevice, currentMinutes int) (Key, bool)
}

// RunningSlotID matches on the running slot id carried by both sides.
type RunningSlotID struct{}

func (RunningSlotID) Match(c Candidate, d *domain.LiveDevice, _ int) (Key, bool) {
	ok := c.Slot.RunningSlotID != "" && c.Slot.RunningSlotID == d.RunningSlotID
	return KeyRunningSlot, ok
}

// BusTurnID matches the device's bus turn against the slot id.
type BusTurnID struct{}

func (BusTurnID) Match(c Candidate, d *domain.LiveDevice, _ int) (Key, bool) {
	ok := c.Slot.ID != "" && c.Slot.ID == d.BusTurnID
	return KeyBusTurn, ok
}

// DeviceID matches on the raw device id. A vehicle serves several slots a
// day, so the match only counts near the slot start and while the turn is on
// the road or is the next one due.
type DeviceID struct {
	Window time.Duration
}

func (s DeviceID) Match(c Candidate, d *domain.LiveDevice, currentMinutes int) (Key, bool) {
	if c.Slot.DeviceID == "" || c.Slot.DeviceID != d.ID {
		return KeyDevice, false
	}
	if math.Abs(float64(currentMinutes-c.Start)) >= s.Window.Minutes() {
		return KeyDevice, false
	}
	return KeyDevice, c.Slot.BusTurnStatus.Active() || c.Highlighted
}

// Matcher composes strategies, first match wins.
type Matcher struct {
	strategies []Strategy
}

// New returns the standard matcher: running slot id, then bus turn id, then
// the time-gated device id.
func New(window time.Duration) *Matcher {
	return NewWith(RunningSlotID{}, BusTurnID{}, DeviceID{Window: window})
}

// NewWith builds a matcher from an explicit strategy order.
func NewWith(strategies ...Strategy) *Matcher {
	return &Matcher{strategies: strategies}
}

// Match reports the first key under which d serves c.
func (m *Matcher) Match(c Candidate, d *domain.LiveDevice, currentMinutes int) (Key, bool) {
	if c.Slot == nil || d == nil {
		return KeyNone, false
	}
	for _, s := range m.strategies {
		if key, ok := s.Match(c, d, currentMinutes); ok {
			return key, true
		}
	}
	return KeyNone, false
}

// MatchSlot picks the device serving c: the strongest key wins, ties go to
// the earlier device.
func (m *Matcher) MatchSlot(c Candidate, devices []*domain.LiveDevice, currentMinutes int) (*domain.LiveDevice, Key) {
	var best *domain.LiveDevice
	bestKey := KeyNone
	for _, d := range devices {
		key, ok := m.Match(c, d, currentMinutes)
		if ok && key.Rank() < bestKey.Rank() {
			best, bestKey = d, key
		}
	}
	return best, bestKey
}

// MatchDevice picks the candidate d serves, or -1.
func (m *Matcher) MatchDevice(d *domain.LiveDevice, candidates []Candidate, currentMinutes int) (int, Key) {
	idx := -1
	bestKey := KeyNone
	for i, c := range candidates {
		key, ok := m.Match(c, d, currentMinutes)
		if ok && key.Rank() < bestKey.Rank() {
			idx, bestKey = i, key
		}
	}
	return idx, bestKey
}

// Binding is one slot-device pair chosen by Assign.
type Binding struct {
	Device *domain.LiveDevice
	Key    Key
}

// Assignment maps slot ids to their device. Every device appears at most once.
type Assignment struct {
	bySlot   map[string]Binding
	byDevice map[string]string
}

// ForSlot returns the binding for a slot id.
func (a Assignment) ForSlot(slotID string) (Binding, bool) {
	b, ok := a.bySlot[slotID]
	return b, ok
}

// SlotOf returns the slot id a device was bound to.
func (a Assignment) SlotOf(deviceID string) (string, bool) {
	s, ok := a.byDevice[deviceID]
	return s, ok
}

// Len is the number of bound pairs.
func (a Assignment) Len() int {
	return len(a.bySlot)
}

type pair struct {
	slot, device int
	key          Key
}

// Assign binds devices to candidates one-to-one. Pairs are taken greedily by
// key strength, then device order, then slot order.
func (m *Matcher) Assign(candidates []Candidate, devices []*domain.LiveDevice, currentMinutes int) Assignment {
	var pairs []pair
	for si, c := range candidates {
		for di, d := range devices {
			if key, ok := m.Match(c, d, currentMinutes); ok {
				pairs = append(pairs, pair{slot: si, device: di, key: key})
			}
		}
	}

	sort.SliceStable(pairs, func(i, j int) bool {
		a, b := pairs[i], pairs[j]
		if a.key.Rank() != b.key.Rank() {
			return a.key.Rank() < b.key.Rank()
		}
		if a.device != b.device {
			return a.device < b.device
		}
		return a.slot < b.slot
	})

	out := Assignment{
		bySlot:   make(map[string]Binding),
		byDevice: make(map[string]string),
	}
	usedSlot := make(map[int]bool)
	usedDevice := make(map[int]bool)
	for _, p := range pairs {
		if usedSlot[p.slot] || usedDevice[p.device] {
			continue
		}
		usedSlot[p.slot] = true
		usedDevice[p.device] = true

		slotID := candidates[p.slot].Slot.ID
		d := devices[p.device]
		out.bySlot[slotID] = Binding{Device: d, Key: p.key}
		out.byDevice[d.ID] = slotID
	}
	return out
}
