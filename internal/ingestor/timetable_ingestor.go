package ingestor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"bustrack/internal/cache"
	"bustrack/internal/domain"
	"bustrack/internal/metrics"
	"bustrack/internal/store"
	"bustrack/pkg/spgpsapi"
)

// TimetableLoader resolves timetables, route paths and route metadata
// through memory, Redis and the upstream API, in that order. It also keeps
// the route directory and the watched routes fresh in the background.
type TimetableLoader struct {
	client   *spgpsapi.Client
	store    *store.TimetableStore
	cache    *cache.RedisCache
	cacheTTL time.Duration
	metrics  *metrics.Collector
	logger   *slog.Logger

	refreshInterval time.Duration
	watch           []string
	onUpdate        func(context.Context)
	now             func() time.Time

	ready   bool
	readyMu sync.RWMutex
}

// NewTimetableLoader builds a loader. cache and m may be nil.
func NewTimetableLoader(client *spgpsapi.Client, s *store.TimetableStore, c *cache.RedisCache, cacheTTL, refreshInterval time.Duration, watch []string, m *metrics.Collector, logger *slog.Logger) *TimetableLoader {
	return &TimetableLoader{
		client:          client,
		store:           s,
		cache:           c,
		cacheTTL:        cacheTTL,
		metrics:         m,
		logger:          logger.With("component", "timetable_loader"),
		refreshInterval: refreshInterval,
		watch:           watch,
		now:             time.Now,
	}
}

func (l *TimetableLoader) Start(ctx context.Context) {
	l.Refresh(ctx)

	ticker := time.NewTicker(l.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Refresh(ctx)
		}
	}
}

// Refresh reloads the route directory and every watched timetable from
// upstream, bypassing Redis, and evicts expired entries.
func (l *TimetableLoader) Refresh(ctx context.Context) {
	start := time.Now()

	routes, err := l.searchUpstream(ctx, "")
	if err != nil {
		l.logger.Error("failed to refresh route directory", "error", err)
	}

	loaded := 0
	for _, routeID := range l.watch {
		if _, err := l.reload(ctx, routeID); err != nil {
			l.logger.Error("failed to refresh timetable", "route_id", routeID, "error", err)
			continue
		}
		loaded++
	}

	evicted := l.store.EvictExpired(l.now())

	if err == nil && !l.IsReady() {
		l.setReady(true)
	}

	if l.onUpdate != nil {
		l.onUpdate(ctx)
	}

	l.logger.Info("timetable refresh completed",
		"routes", len(routes),
		"timetables", loaded,
		"evicted", evicted,
		"duration", time.Since(start),
	)
}

// Timetable returns the running slots of a route. When upstream fails a
// stale in-memory copy is served instead of an error.
func (l *TimetableLoader) Timetable(ctx context.Context, routeID string) ([]domain.RunningSlot, error) {
	if slots, ok := l.store.Timetable(routeID, l.now()); ok {
		l.metrics.TimetableLoaded("memory")
		return slots, nil
	}

	if slots, ok := l.cachedTimetable(ctx, routeID); ok {
		l.metrics.TimetableLoaded("cache")
		return slots, nil
	}

	slots, err := l.reload(ctx, routeID)
	if err != nil {
		if stale, ok := l.store.StaleTimetable(routeID); ok {
			l.logger.Warn("serving stale timetable", "route_id", routeID, "error", err)
			l.metrics.TimetableLoaded("stale")
			return stale, nil
		}
		return nil, err
	}
	return slots, nil
}

func (l *TimetableLoader) reload(ctx context.Context, routeID string) ([]domain.RunningSlot, error) {
	slots, err := l.client.Timetable(ctx, routeID)
	if err != nil {
		return nil, fmt.Errorf("fetching timetable: %w", err)
	}
	fetchedAt := l.now()
	l.store.PutTimetable(routeID, slots, fetchedAt)
	l.metrics.TimetableLoaded("upstream")
	l.cachePut(ctx, cache.KeyTimetable(routeID), store.TimetableCopy{Slots: slots, FetchedAt: fetchedAt}, l.store.TTL())
	return slots, nil
}

// cachedTimetable loads a timetable another replica wrote. It is kept with
// its original fetch time and ignored once older than the store ttl.
func (l *TimetableLoader) cachedTimetable(ctx context.Context, routeID string) ([]domain.RunningSlot, bool) {
	if l.cache == nil {
		return nil, false
	}
	var tt store.TimetableCopy
	found, err := l.cache.Load(ctx, cache.KeyTimetable(routeID), &tt)
	if err != nil {
		l.logger.Warn("cache read failed", "route_id", routeID, "error", err)
	}
	if !found || tt.Age(l.now()) > l.store.TTL() {
		return nil, false
	}
	l.store.PutTimetable(routeID, tt.Slots, tt.FetchedAt)
	return tt.Slots, true
}

// Path returns the drawn path and stops of a route.
func (l *TimetableLoader) Path(ctx context.Context, routeID string) (*domain.RoutePath, error) {
	if p, ok := l.store.Path(routeID, l.now()); ok {
		return p, nil
	}

	if l.cache != nil {
		var p domain.RoutePath
		found, err := l.cache.Load(ctx, cache.KeyRoutePath(routeID), &p)
		if err != nil {
			l.logger.Warn("cache read failed", "route_id", routeID, "error", err)
		}
		if found {
			l.store.PutPath(routeID, &p, l.now())
			return &p, nil
		}
	}

	p, err := l.client.RouteWithMeta(ctx, routeID)
	if err != nil {
		return nil, fmt.Errorf("fetching route path: %w", err)
	}
	l.store.PutPath(routeID, p, l.now())
	l.cachePut(ctx, cache.KeyRoutePath(routeID), p, l.cacheTTL)
	return p, nil
}

// SearchRoutes proxies a route search and records the results in the route
// directory.
func (l *TimetableLoader) SearchRoutes(ctx context.Context, query string) ([]domain.RouteMeta, error) {
	query = strings.TrimSpace(query)
	key := cache.KeyRouteSearch(query)

	if l.cache != nil {
		var routes []domain.RouteMeta
		found, err := l.cache.Load(ctx, key, &routes)
		if err != nil {
			l.logger.Warn("cache read failed", "key", key, "error", err)
		}
		if found {
			l.store.PutRoutes(routes)
			return routes, nil
		}
	}

	return l.searchUpstream(ctx, query)
}

// searchUpstream always asks upstream and refreshes the cached result, which
// lives no longer than a timetable.
func (l *TimetableLoader) searchUpstream(ctx context.Context, query string) ([]domain.RouteMeta, error) {
	routes, err := l.client.SearchRoutes(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("searching routes: %w", err)
	}
	l.store.PutRoutes(routes)
	l.cachePut(ctx, cache.KeyRouteSearch(query), routes, l.store.TTL())
	return routes, nil
}

// Route returns the known metadata of a route. Unknown routes yield a
// RouteMeta carrying only the id.
func (l *TimetableLoader) Route(_ context.Context, routeID string) domain.RouteMeta {
	if r, ok := l.store.Route(routeID); ok {
		return r
	}
	return domain.RouteMeta{ID: routeID}
}

// Remember records a route number for a route that no search has returned
// yet. Known routes are left untouched.
func (l *TimetableLoader) Remember(routeID, routeNumber string) {
	if routeID == "" || routeNumber == "" {
		return
	}
	if _, ok := l.store.Route(routeID); ok {
		return
	}
	l.store.PutRoutes([]domain.RouteMeta{{ID: routeID, RouteNumber: routeNumber}})
}

// Reverse finds the opposite direction of routeID, searching by route
// number when the directory does not already hold it.
func (l *TimetableLoader) Reverse(ctx context.Context, routeID string) (domain.RouteMeta, error) {
	if r, ok := l.store.Reverse(routeID); ok {
		return r, nil
	}

	r, ok := l.store.Route(routeID)
	if !ok || r.RouteNumber == "" {
		return domain.RouteMeta{}, store.ErrNotFound
	}
	candidates, err := l.SearchRoutes(ctx, r.RouteNumber)
	if err != nil {
		return domain.RouteMeta{}, err
	}
	if rev, ok := store.ReverseOf(r, candidates); ok {
		return rev, nil
	}
	return domain.RouteMeta{}, store.ErrNotFound
}

func (l *TimetableLoader) cachePut(ctx context.Context, key string, value any, ttl time.Duration) {
	if l.cache == nil {
		return
	}
	if err := l.cache.Put(ctx, key, value, ttl); err != nil {
		l.logger.Warn("cache write failed", "key", key, "error", err)
	}
}

// IsNotFound reports whether err means the route does not exist upstream.
func IsNotFound(err error) bool {
	return errors.Is(err, spgpsapi.ErrNotFound) || errors.Is(err, store.ErrNotFound)
}

func (l *TimetableLoader) IsReady() bool {
	l.readyMu.RLock()
	defer l.readyMu.RUnlock()
	return l.ready
}

func (l *TimetableLoader) setReady(ready bool) {
	l.readyMu.Lock()
	defer l.readyMu.Unlock()
	l.ready = ready
}

// SetOnUpdate registers fn to run after every refresh.
func (l *TimetableLoader) SetOnUpdate(fn func(context.Context)) {
	l.onUpdate = fn
}
