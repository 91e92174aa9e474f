package matching

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bustrack/internal/domain"
)

const now = 13*60 + 15

func candidate(slot domain.RunningSlot, start int) Candidate {
	return Candidate{Slot: &slot, Start: start}
}

func TestMatchOrder(t *testing.T) {
	m := New(2 * time.Hour)

	tests := []struct {
		name   string
		slot   domain.RunningSlot
		start  int
		hl     bool
		device domain.LiveDevice
		want   Key
		ok     bool
	}{
		{
			name:   "running slot id",
			slot:   domain.RunningSlot{ID: "t1", RunningSlotID: "rs1", DeviceID: "dev"},
			start:  now,
			device: domain.LiveDevice{ID: "dev", RunningSlotID: "rs1", BusTurnID: "t1"},
			want:   KeyRunningSlot,
			ok:     true,
		},
		{
			name:   "bus turn id",
			slot:   domain.RunningSlot{ID: "t1", DeviceID: "dev"},
			start:  now,
			device: domain.LiveDevice{ID: "dev", BusTurnID: "t1"},
			want:   KeyBusTurn,
			ok:     true,
		},
		{
			name:   "bus turn id ignores time gate",
			slot:   domain.RunningSlot{ID: "t1", BusTurnStatus: domain.StatusPending},
			start:  now + 300,
			device: domain.LiveDevice{ID: "dev", BusTurnID: "t1"},
			want:   KeyBusTurn,
			ok:     true,
		},
		{
			name:   "device id while running",
			slot:   domain.RunningSlot{ID: "t1", DeviceID: "dev", BusTurnStatus: domain.StatusRunning},
			start:  now - 30,
			device: domain.LiveDevice{ID: "dev"},
			want:   KeyDevice,
			ok:     true,
		},
		{
			name:   "device id when joined to route",
			slot:   domain.RunningSlot{ID: "t1", DeviceID: "dev", BusTurnStatus: domain.StatusJoinedToRoute},
			start:  now + 90,
			device: domain.LiveDevice{ID: "dev"},
			want:   KeyDevice,
			ok:     true,
		},
		{
			name:   "device id when highlighted",
			slot:   domain.RunningSlot{ID: "t1", DeviceID: "dev", BusTurnStatus: domain.StatusPending},
			start:  now + 5,
			hl:     true,
			device: domain.LiveDevice{ID: "dev"},
			want:   KeyDevice,
			ok:     true,
		},
		{
			name:   "device id pending not highlighted",
			slot:   domain.RunningSlot{ID: "t1", DeviceID: "dev", BusTurnStatus: domain.StatusPending},
			start:  now + 5,
			device: domain.LiveDevice{ID: "dev"},
		},
		{
			name:   "device id three hours out",
			slot:   domain.RunningSlot{ID: "t1", DeviceID: "dev", BusTurnStatus: domain.StatusPending},
			start:  now + 180,
			device: domain.LiveDevice{ID: "dev"},
		},
		{
			name:   "window is exclusive",
			slot:   domain.RunningSlot{ID: "t1", DeviceID: "dev", BusTurnStatus: domain.StatusRunning},
			start:  now - 120,
			device: domain.LiveDevice{ID: "dev"},
		},
		{
			name:   "empty keys never match",
			slot:   domain.RunningSlot{},
			start:  now,
			device: domain.LiveDevice{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := candidate(tt.slot, tt.start)
			c.Highlighted = tt.hl
			key, ok := m.Match(c, &tt.device, now)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, key)
			}
		})
	}
}

func TestTimeGateRejectsFarPendingSlot(t *testing.T) {
	m := New(2 * time.Hour)
	c := candidate(domain.RunningSlot{ID: "t9", DeviceID: "dev-7", BusTurnStatus: domain.StatusPending}, now+180)

	dev, key := m.MatchSlot(c, []*domain.LiveDevice{{ID: "dev-7"}}, now)
	assert.Nil(t, dev)
	assert.Equal(t, KeyNone, key)
}

func TestMatchSlotPrefersStrongerKey(t *testing.T) {
	m := New(2 * time.Hour)
	c := candidate(domain.RunningSlot{ID: "t1", RunningSlotID: "rs1", DeviceID: "a", BusTurnStatus: domain.StatusRunning}, now)

	devices := []*domain.LiveDevice{
		{ID: "a"},
		{ID: "b", BusTurnID: "t1"},
		{ID: "c", RunningSlotID: "rs1"},
	}
	dev, key := m.MatchSlot(c, devices, now)
	require.NotNil(t, dev)
	assert.Equal(t, "c", dev.ID)
	assert.Equal(t, KeyRunningSlot, key)
}

func TestMatchDevice(t *testing.T) {
	m := New(2 * time.Hour)
	candidates := []Candidate{
		candidate(domain.RunningSlot{ID: "early", DeviceID: "dev", BusTurnStatus: domain.StatusCompleted}, now-60),
		candidate(domain.RunningSlot{ID: "current", DeviceID: "dev", BusTurnStatus: domain.StatusRunning}, now-10),
		candidate(domain.RunningSlot{ID: "turn"}, now+200),
	}

	idx, key := m.MatchDevice(&domain.LiveDevice{ID: "dev"}, candidates, now)
	assert.Equal(t, 1, idx)
	assert.Equal(t, KeyDevice, key)

	idx, key = m.MatchDevice(&domain.LiveDevice{ID: "dev", BusTurnID: "turn"}, candidates, now)
	assert.Equal(t, 2, idx)
	assert.Equal(t, KeyBusTurn, key)

	idx, _ = m.MatchDevice(&domain.LiveDevice{ID: "other"}, candidates, now)
	assert.Equal(t, -1, idx)
}

func TestAssignIsOneToOne(t *testing.T) {
	m := New(2 * time.Hour)
	candidates := []Candidate{
		candidate(domain.RunningSlot{ID: "t1", DeviceID: "dev", BusTurnStatus: domain.StatusRunning}, now-20),
		candidate(domain.RunningSlot{ID: "t2", DeviceID: "dev", BusTurnStatus: domain.StatusJoinedToRoute}, now+10),
		candidate(domain.RunningSlot{ID: "t3", RunningSlotID: "rs3"}, now+30),
	}
	devices := []*domain.LiveDevice{
		{ID: "dev"},
		{ID: "other", RunningSlotID: "rs3"},
		{ID: "idle"},
	}

	a := m.Assign(candidates, devices, now)
	assert.Equal(t, 2, a.Len())

	b, ok := a.ForSlot("t1")
	require.True(t, ok)
	assert.Equal(t, "dev", b.Device.ID)

	_, ok = a.ForSlot("t2")
	assert.False(t, ok, "device already bound to an earlier slot")

	b, ok = a.ForSlot("t3")
	require.True(t, ok)
	assert.Equal(t, KeyRunningSlot, b.Key)

	slot, ok := a.SlotOf("other")
	assert.True(t, ok)
	assert.Equal(t, "t3", slot)

	_, ok = a.SlotOf("idle")
	assert.False(t, ok)
}

func TestAssignStrongKeyBeatsEarlierDevice(t *testing.T) {
	m := New(2 * time.Hour)
	candidates := []Candidate{
		candidate(domain.RunningSlot{ID: "t1", DeviceID: "a", BusTurnStatus: domain.StatusRunning}, now),
	}
	devices := []*domain.LiveDevice{
		{ID: "a"},
		{ID: "b", BusTurnID: "t1"},
	}

	a := m.Assign(candidates, devices, now)
	b, ok := a.ForSlot("t1")
	require.True(t, ok)
	assert.Equal(t, "b", b.Device.ID)
	_, ok = a.SlotOf("a")
	assert.False(t, ok)
}

func TestCustomStrategyOrder(t *testing.T) {
	m := NewWith(BusTurnID{})
	c := candidate(domain.RunningSlot{ID: "t1", RunningSlotID: "rs1"}, now)

	_, ok := m.Match(c, &domain.LiveDevice{ID: "x", RunningSlotID: "rs1"}, now)
	assert.False(t, ok)
}
