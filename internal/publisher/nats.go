// Package publisher forwards device positions to NATS.
package publisher

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"bustrack/internal/domain"
)

// Publisher receives the devices that changed in one poll.
type Publisher interface {
	PublishDevices(devices []*domain.LiveDevice) error
	Close()
}

type Metrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

type conn interface {
	Publish(subject string, data []byte) error
}

type NATSPublisher struct {
	nc      *nats.Conn
	pub     conn
	prefix  string
	metrics Metrics
	logger  *slog.Logger
}

func NewNATSPublisher(url, prefix string, m Metrics, logger *slog.Logger) (*NATSPublisher, error) {
	logger = logger.With("component", "nats_publisher")
	setConnected := func(b bool) {
		if m != nil {
			m.NATSSetConnected(b)
		}
	}

	nc, err := nats.Connect(url,
		nats.Name("bustrack"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			setConnected(false)
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			setConnected(true)
			logger.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			setConnected(false)
			logger.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	setConnected(true)

	p := newPublisher(nc, prefix, m, logger)
	p.nc = nc
	return p, nil
}

func newPublisher(c conn, prefix string, m Metrics, logger *slog.Logger) *NATSPublisher {
	return &NATSPublisher{pub: c, prefix: subjectToken(prefix), metrics: m, logger: logger}
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// PositionMessage is the payload published per device.
type PositionMessage struct {
	DeviceID    string    `json:"deviceId"`
	RouteNumber string    `json:"routeNumber,omitempty"`
	BusNumber   string    `json:"busNumber,omitempty"`
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	SpeedKmh    float64   `json:"speedKmh"`
	IsOnline    bool      `json:"isOnline"`
	Timestamp   time.Time `json:"timestamp"`
}

// Subject is <prefix>.devices.<route>.<deviceId>; devices without a route
// use "_".
func (p *NATSPublisher) Subject(d *domain.LiveDevice) string {
	return fmt.Sprintf("%s.devices.%s.%s", p.prefix, subjectToken(d.RouteNumber), subjectToken(d.ID))
}

// PublishDevices publishes every positioned device and returns the first
// error after trying all of them.
func (p *NATSPublisher) PublishDevices(devices []*domain.LiveDevice) error {
	var firstErr error
	for _, d := range devices {
		if !d.HasPosition() {
			continue
		}
		if err := p.publish(d); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *NATSPublisher) publish(d *domain.LiveDevice) error {
	msg := PositionMessage{
		DeviceID:    d.ID,
		RouteNumber: d.RouteNumber,
		BusNumber:   d.BusNumber,
		Lat:         *d.Lat,
		Lon:         *d.Lon,
		SpeedKmh:    d.Speed,
		IsOnline:    d.IsOnline,
		Timestamp:   d.UpdatedAt,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	subject := p.Subject(d)
	start := time.Now()
	err = p.pub.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	if err != nil {
		p.logger.Debug("publish failed", "subject", subject, "error", err)
		return fmt.Errorf("publishing %s: %w", subject, err)
	}
	return nil
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS tokens cannot contain spaces, '>', '*' or '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
