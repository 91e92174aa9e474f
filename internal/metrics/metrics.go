package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry with the service metrics. A nil
// *Collector is valid and records nothing.
type Collector struct {
	reg *prometheus.Registry

	PollDuration prometheus.Histogram
	PollErrors   prometheus.Counter
	PollsStale   prometheus.Counter
	Devices      prometheus.Gauge
	Tracked      prometheus.Gauge
	Deltas       *prometheus.CounterVec // type label: update|remove

	BoardPushes    *prometheus.CounterVec // kind label: board|trip
	BoardDuration  prometheus.Histogram
	TimetableLoads *prometheus.CounterVec // source label: memory|cache|upstream|stale

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	RateLimited prometheus.Counter
}

func NewCollector(livePoll time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bustrack_poll_duration_seconds",
			Help:    "Duration of one live feed poll including store update.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		PollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrack_poll_errors_total",
			Help: "Live feed polls that failed.",
		}),
		PollsStale: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrack_polls_discarded_total",
			Help: "Poll results discarded because a newer poll was already applied.",
		}),
		Devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustrack_devices",
			Help: "Devices currently held in the live store.",
		}),
		Tracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustrack_tracked_devices",
			Help: "Devices with kinematic state.",
		}),
		Deltas: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bustrack_deltas_total",
			Help: "Device deltas emitted to subscribers.",
		}, []string{"type"}),
		BoardPushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bustrack_board_pushes_total",
			Help: "Boards and trip details pushed to WebSocket clients.",
		}, []string{"kind"}),
		BoardDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bustrack_board_build_seconds",
			Help:    "Duration of rebuilding all watched boards and followed trips.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		TimetableLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bustrack_timetable_loads_total",
			Help: "Timetable lookups by the layer that answered them.",
		}, []string{"source"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrack_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrack_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustrack_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bustrack_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrack_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}),
	}

	pollInterval := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bustrack_poll_interval_seconds",
		Help: "Configured live poll interval.",
	})
	pollInterval.Set(livePoll.Seconds())

	reg.MustRegister(
		c.PollDuration, c.PollErrors, c.PollsStale, c.Devices, c.Tracked, c.Deltas,
		c.BoardPushes, c.BoardDuration, c.TimetableLoads,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.RateLimited, pollInterval,
		collectors.NewGoCollector(),
	)

	return c
}

// GaugeFunc registers a gauge read from fn at scrape time.
func (c *Collector) GaugeFunc(name, help string, fn func() float64) {
	if c == nil {
		return
	}
	c.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

func (c *Collector) ObservePoll(d time.Duration, err error) {
	if c == nil {
		return
	}
	c.PollDuration.Observe(d.Seconds())
	if err != nil {
		c.PollErrors.Inc()
	}
}

func (c *Collector) StalePoll() {
	if c != nil {
		c.PollsStale.Inc()
	}
}

func (c *Collector) SetDevices(stored, tracked int) {
	if c == nil {
		return
	}
	c.Devices.Set(float64(stored))
	c.Tracked.Set(float64(tracked))
}

func (c *Collector) AddDeltas(updates, removes int) {
	if c == nil {
		return
	}
	c.Deltas.WithLabelValues("update").Add(float64(updates))
	c.Deltas.WithLabelValues("remove").Add(float64(removes))
}

func (c *Collector) BoardPushed(kind string, n int) {
	if c != nil && n > 0 {
		c.BoardPushes.WithLabelValues(kind).Add(float64(n))
	}
}

func (c *Collector) ObserveBoards(d time.Duration) {
	if c != nil {
		c.BoardDuration.Observe(d.Seconds())
	}
}

func (c *Collector) TimetableLoaded(source string) {
	if c != nil {
		c.TimetableLoads.WithLabelValues(source).Inc()
	}
}

func (c *Collector) RateLimitHit() {
	if c != nil {
		c.RateLimited.Inc()
	}
}

// The methods below satisfy publisher.Metrics.

func (c *Collector) NATSPublishedInc() {
	if c != nil {
		c.NATSPublished.Inc()
	}
}

func (c *Collector) NATSPublishErrInc() {
	if c != nil {
		c.NATSPublishErrs.Inc()
	}
}

func (c *Collector) PublishObserve(d time.Duration) {
	if c != nil {
		c.PublishDuration.Observe(d.Seconds())
	}
}

func (c *Collector) NATSSetConnected(connected bool) {
	if c == nil {
		return
	}
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}
