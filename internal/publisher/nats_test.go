package publisher

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bustrack/internal/domain"
)

type sent struct {
	subject string
	data    []byte
}

type fakeConn struct {
	msgs []sent
	fail bool
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.fail {
		return errors.New("nats: connection closed")
	}
	f.msgs = append(f.msgs, sent{subject, data})
	return nil
}

type countingMetrics struct {
	published, failed int
}

func (m *countingMetrics) NATSPublishedInc()            { m.published++ }
func (m *countingMetrics) NATSPublishErrInc()           { m.failed++ }
func (m *countingMetrics) PublishObserve(time.Duration) {}
func (m *countingMetrics) NATSSetConnected(bool)        {}

func ptr(v float64) *float64 { return &v }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSubjectToken(t *testing.T) {
	tests := map[string]string{
		"138":       "138",
		" 138 ":     "138",
		"EX 1.2":    "EX_1_2",
		"a>b*c/d":   "a_b_c_d",
		"":          "_",
		"dev-12345": "dev-12345",
	}
	for in, want := range tests {
		assert.Equal(t, want, subjectToken(in), "input %q", in)
	}
}

func TestPublishDevices(t *testing.T) {
	conn := &fakeConn{}
	m := &countingMetrics{}
	p := newPublisher(conn, "bustrack", m, discard())

	now := time.Date(2025, 3, 14, 8, 0, 0, 0, time.UTC)
	err := p.PublishDevices([]*domain.LiveDevice{
		{ID: "dev-1", RouteNumber: "138", BusNumber: "ND-0671", Lat: ptr(6.93), Lon: ptr(79.85), Speed: 24, IsOnline: true, UpdatedAt: now},
		{ID: "dev-2", RouteNumber: "138"},
		{ID: "dev.3", Lat: ptr(6.9), Lon: ptr(79.8)},
	})
	require.NoError(t, err)
	require.Len(t, conn.msgs, 2)

	assert.Equal(t, "bustrack.devices.138.dev-1", conn.msgs[0].subject)
	assert.Equal(t, "bustrack.devices._.dev_3", conn.msgs[1].subject)
	assert.Equal(t, 2, m.published)

	var msg PositionMessage
	require.NoError(t, json.Unmarshal(conn.msgs[0].data, &msg))
	assert.Equal(t, "dev-1", msg.DeviceID)
	assert.Equal(t, 24.0, msg.SpeedKmh)
	assert.Equal(t, 6.93, msg.Lat)
	assert.True(t, msg.Timestamp.Equal(now))
}

func TestPublishErrorsAreCounted(t *testing.T) {
	conn := &fakeConn{fail: true}
	m := &countingMetrics{}
	p := newPublisher(conn, "bt", m, discard())

	err := p.PublishDevices([]*domain.LiveDevice{
		{ID: "a", Lat: ptr(1), Lon: ptr(1)},
		{ID: "b", Lat: ptr(1), Lon: ptr(1)},
	})
	assert.ErrorContains(t, err, "bt.devices._.a")
	assert.Equal(t, 2, m.failed)
	assert.Zero(t, m.published)
}

func TestCloseWithoutConnection(t *testing.T) {
	p := newPublisher(&fakeConn{}, "bt", nil, discard())
	assert.NotPanics(t, p.Close)
}
