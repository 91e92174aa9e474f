package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	c := NewCollector(500 * time.Millisecond)

	c.ObservePoll(10*time.Millisecond, nil)
	c.ObservePoll(10*time.Millisecond, errors.New("boom"))
	c.AddDeltas(3, 1)
	c.SetDevices(42, 40)
	c.BoardPushed("board", 2)
	c.BoardPushed("trip", 0)
	c.TimetableLoaded("cache")
	c.NATSSetConnected(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.PollErrors))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.Deltas.WithLabelValues("update")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Deltas.WithLabelValues("remove")))
	assert.Equal(t, 42.0, testutil.ToFloat64(c.Devices))
	assert.Equal(t, 40.0, testutil.ToFloat64(c.Tracked))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.BoardPushes.WithLabelValues("board")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.BoardPushes.WithLabelValues("trip")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.TimetableLoads.WithLabelValues("cache")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.NATSConnected))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ObservePoll(time.Second, errors.New("x"))
		c.StalePoll()
		c.SetDevices(1, 1)
		c.AddDeltas(1, 1)
		c.BoardPushed("board", 1)
		c.ObserveBoards(time.Second)
		c.TimetableLoaded("memory")
		c.RateLimitHit()
		c.NATSPublishedInc()
		c.NATSPublishErrInc()
		c.PublishObserve(time.Second)
		c.NATSSetConnected(true)
		c.GaugeFunc("x", "y", func() float64 { return 0 })
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector(time.Second)
	c.GaugeFunc("bustrack_ws_clients", "Connected WebSocket clients.", func() float64 { return 7 })
	c.RateLimitHit()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "bustrack_ws_clients 7")
	assert.Contains(t, string(body), "bustrack_rate_limited_total 1")
	assert.Contains(t, string(body), "bustrack_poll_interval_seconds 1")
}
