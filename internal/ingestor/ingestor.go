package ingestor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"bustrack/internal/board"
	"bustrack/internal/config"
	"bustrack/internal/domain"
	"bustrack/internal/geo"
	"bustrack/internal/hub"
	"bustrack/internal/kinematics"
	"bustrack/internal/metrics"
	"bustrack/internal/publisher"
	"bustrack/internal/store"
)

// LiveSource fetches one snapshot of the live feed.
type LiveSource interface {
	LiveDevices(ctx context.Context) ([]*domain.LiveDevice, error)
}

// Subscriptions is the push side: tile deltas plus watched boards and
// followed trips.
type Subscriptions interface {
	Broadcast(deltas []domain.DeviceDelta)
	WatchedRoutes() []string
	FollowedTrips() []hub.TripKey
	BroadcastBoard(routeID string, board any) int
	BroadcastTrip(key hub.TripKey, detail any) int
}

type BoardSource interface {
	Board(ctx context.Context, routeID string) (*board.Board, error)
	Trip(ctx context.Context, routeID, slotID string) (*board.Detail, error)
	Retain(slotIDs map[string]struct{}) int
}

// Deps are the collaborators of an Ingestor. Boards, Publisher and Metrics
// are optional.
type Deps struct {
	Source    LiveSource
	Tracker   *kinematics.Tracker
	Store     *store.Store
	Hub       Subscriptions
	Boards    BoardSource
	Publisher publisher.Publisher
	Metrics   *metrics.Collector
}

// Ingestor polls the live feed, derives speeds, keeps the store current and
// pushes the results to subscribers.
type Ingestor struct {
	Deps
	config *config.Config
	logger *slog.Logger
	now    func() time.Time

	seq         atomic.Uint64
	applyMu     sync.Mutex
	applied     uint64
	lastApplied time.Time

	warnedHint bool

	ready   bool
	readyMu sync.RWMutex
}

func New(deps Deps, cfg *config.Config, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		Deps:   deps,
		config: cfg,
		logger: logger.With("component", "ingestor"),
		now:    time.Now,
	}
}

func (i *Ingestor) Run(ctx context.Context) {
	ticker := time.NewTicker(i.config.LivePoll)
	defer ticker.Stop()

	clock := time.NewTicker(i.config.ClockInterval)
	defer clock.Stop()

	pruneTicker := time.NewTicker(i.config.LivePoll * 3)
	defer pruneTicker.Stop()

	i.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.poll(ctx)
		case <-clock.C:
			i.pushBoards(ctx)
		case <-pruneTicker.C:
			i.prune()
		}
	}
}

func (i *Ingestor) poll(ctx context.Context) {
	start := time.Now()
	seq := i.seq.Add(1)

	devices, err := i.Source.LiveDevices(ctx)
	i.Metrics.ObservePoll(time.Since(start), err)
	if err != nil {
		if ctx.Err() == nil {
			i.logger.Error("failed to fetch live devices", "error", err)
		}
		return
	}

	if !i.apply(seq, devices) {
		return
	}
	i.pushBoards(ctx)
}

// apply installs one poll result. Results older than the last applied poll
// are dropped and apply returns false.
func (i *Ingestor) apply(seq uint64, devices []*domain.LiveDevice) bool {
	i.applyMu.Lock()
	defer i.applyMu.Unlock()

	if seq <= i.applied {
		i.Metrics.StalePoll()
		i.logger.Debug("discarding out-of-order poll", "seq", seq, "applied", i.applied)
		return false
	}
	i.applied = seq

	now := i.now()
	if gap := now.Sub(i.lastApplied); !i.lastApplied.IsZero() && gap > i.config.VehicleStaleAfter {
		i.logger.Info("live feed resumed after gap", "gap", gap)
		i.resetLocked()
	}
	i.lastApplied = now
	i.Tracker.Annotate(devices, now)
	for _, d := range devices {
		d.TileID = geo.TileID(d.Position(), i.config.TileZoomLevel)
	}

	deltas := i.Store.Update(devices, now)
	if i.Hub != nil {
		i.Hub.Broadcast(deltas)
	}
	i.publish(deltas)

	i.Metrics.AddDeltas(len(deltas), 0)
	i.Metrics.SetDevices(i.Store.Count(), i.Tracker.Len())

	if i.Tracker.OverHint() && !i.warnedHint {
		i.warnedHint = true
		i.logger.Warn("tracked devices exceed fleet size hint",
			"tracked", i.Tracker.Len(),
			"hint", i.config.FleetSizeHint,
		)
	}

	if !i.IsReady() {
		i.setReady(true)
		i.logger.Info("ingestor ready", "devices", len(devices))
	}

	i.logger.Debug("poll completed",
		"seq", seq,
		"devices", len(devices),
		"deltas", len(deltas),
		"total", i.Store.Count(),
	)
	return true
}

func (i *Ingestor) publish(deltas []domain.DeviceDelta) {
	if i.Publisher == nil || len(deltas) == 0 {
		return
	}
	changed := make([]*domain.LiveDevice, 0, len(deltas))
	for _, d := range deltas {
		if d.Type == domain.DeltaUpdate {
			changed = append(changed, d.Device)
		}
	}
	if err := i.Publisher.PublishDevices(changed); err != nil {
		i.logger.Warn("failed to publish devices", "error", err)
	}
}

// pushBoards rebuilds every watched board and followed trip and sends them
// to their subscribers.
func (i *Ingestor) pushBoards(ctx context.Context) {
	if i.Boards == nil || i.Hub == nil {
		return
	}
	start := time.Now()
	active := make(map[string]struct{})

	for _, routeID := range i.Hub.WatchedRoutes() {
		b, err := i.Boards.Board(ctx, routeID)
		if err != nil {
			i.logger.Warn("failed to build board", "route_id", routeID, "error", err)
			continue
		}
		for _, e := range b.Entries {
			if e.Slot != nil {
				active[e.Slot.ID] = struct{}{}
			}
		}
		i.Metrics.BoardPushed("board", i.Hub.BroadcastBoard(routeID, b))
	}

	for _, key := range i.Hub.FollowedTrips() {
		active[key.SlotID] = struct{}{}
		d, err := i.Boards.Trip(ctx, key.RouteID, key.SlotID)
		if err != nil {
			i.logger.Warn("failed to build trip detail", "route_id", key.RouteID, "slot_id", key.SlotID, "error", err)
			continue
		}
		i.Metrics.BoardPushed("trip", i.Hub.BroadcastTrip(key, d))
	}

	if dropped := i.Boards.Retain(active); dropped > 0 {
		i.logger.Debug("dropped stop tracking for inactive trips", "count", dropped)
	}
	i.Metrics.ObserveBoards(time.Since(start))
}

func (i *Ingestor) prune() {
	deltas := i.Store.PruneStale(i.now())
	if len(deltas) == 0 {
		return
	}
	if i.Hub != nil {
		i.Hub.Broadcast(deltas)
	}
	i.Metrics.AddDeltas(0, len(deltas))
	i.logger.Info("pruned stale devices", "count", len(deltas))
}

// Reset drops all kinematic state. Speeds restart from zero on the next
// poll. apply calls it when the feed comes back after a gap longer than the
// stale-vehicle timeout.
func (i *Ingestor) Reset() {
	i.applyMu.Lock()
	defer i.applyMu.Unlock()
	i.resetLocked()
}

func (i *Ingestor) resetLocked() {
	i.Tracker.Reset()
	i.warnedHint = false
	i.logger.Info("kinematic state reset")
}

func (i *Ingestor) IsReady() bool {
	i.readyMu.RLock()
	defer i.readyMu.RUnlock()
	return i.ready
}

func (i *Ingestor) setReady(ready bool) {
	i.readyMu.Lock()
	defer i.readyMu.Unlock()
	i.ready = ready
}
