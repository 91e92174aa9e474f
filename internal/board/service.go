package board

import (
	"context"
	"fmt"
	"time"

	"bustrack/internal/domain"
)

// TimetableSource resolves route metadata and running slots.
type TimetableSource interface {
	Route(ctx context.Context, routeID string) domain.RouteMeta
	Timetable(ctx context.Context, routeID string) ([]domain.RunningSlot, error)
}

// DeviceSource yields the current live feed.
type DeviceSource interface {
	Snapshot() []*domain.LiveDevice
}

// Service builds boards and trip details from the current state.
type Service struct {
	builder    *Builder
	timetables TimetableSource
	devices    DeviceSource
	now        func() time.Time
}

func NewService(b *Builder, timetables TimetableSource, devices DeviceSource) *Service {
	return &Service{
		builder:    b,
		timetables: timetables,
		devices:    devices,
		now:        time.Now,
	}
}

func (s *Service) Board(ctx context.Context, routeID string) (*Board, error) {
	slots, err := s.timetables.Timetable(ctx, routeID)
	if err != nil {
		return nil, fmt.Errorf("loading timetable %s: %w", routeID, err)
	}
	route := s.timetables.Route(ctx, routeID)
	b := s.builder.Board(route, slots, s.devices.Snapshot(), s.now())
	return &b, nil
}

func (s *Service) Trip(ctx context.Context, routeID, slotID string) (*Detail, error) {
	slots, err := s.timetables.Timetable(ctx, routeID)
	if err != nil {
		return nil, fmt.Errorf("loading timetable %s: %w", routeID, err)
	}
	route := s.timetables.Route(ctx, routeID)
	return s.builder.Detail(route, slots, s.devices.Snapshot(), slotID, s.now())
}

// Retain drops tracking state of every trip outside slotIDs.
func (s *Service) Retain(slotIDs map[string]struct{}) int {
	return s.builder.Retain(slotIDs)
}
