package cache

import (
	"context"
	"log/slog"
	"time"

	"bustrack/internal/store"
)

// CacheWarmer copies the in-memory timetable store into Redis so that other
// replicas and restarts start from warm data.
type CacheWarmer struct {
	cache  *RedisCache
	store  *store.TimetableStore
	ttl    time.Duration
	logger *slog.Logger
}

func NewCacheWarmer(cache *RedisCache, store *store.TimetableStore, ttl time.Duration, logger *slog.Logger) *CacheWarmer {
	return &CacheWarmer{
		cache:  cache,
		store:  store,
		ttl:    ttl,
		logger: logger.With("component", "cache_warmer"),
	}
}

func (w *CacheWarmer) WarmAll(ctx context.Context) error {
	start := time.Now()
	w.logger.Info("starting cache warming")

	if err := w.warmRoutes(ctx); err != nil {
		w.logger.Error("failed to warm routes", "error", err)
	}

	if err := w.warmTimetables(ctx); err != nil {
		w.logger.Error("failed to warm timetables", "error", err)
	}

	if err := w.warmPaths(ctx); err != nil {
		w.logger.Error("failed to warm route paths", "error", err)
	}

	w.logger.Info("cache warming completed", "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (w *CacheWarmer) warmRoutes(ctx context.Context) error {
	routes := w.store.Routes()
	if len(routes) == 0 {
		return nil
	}
	if err := w.cache.Put(ctx, KeyRoutes, routes, w.ttl); err != nil {
		return err
	}
	w.logger.Info("warmed routes", "routes", len(routes))
	return nil
}

// warmTimetables writes each fresh timetable with the lifetime it has left
// in memory, so a replica loading it never extends its freshness.
func (w *CacheWarmer) warmTimetables(ctx context.Context) error {
	start := time.Now()
	timetables := w.store.TimetableSnapshot()

	entries := make(map[string]Item, len(timetables))
	for routeID, tt := range timetables {
		left := w.store.TTL() - tt.Age(start)
		if left <= 0 {
			continue
		}
		entries[KeyTimetable(routeID)] = Item{Value: tt, TTL: left}
	}
	warmed, err := w.cache.PutMany(ctx, entries)

	w.logger.Info("warmed timetables",
		"routes_warmed", warmed,
		"total_routes", len(timetables),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return err
}

func (w *CacheWarmer) warmPaths(ctx context.Context) error {
	paths := w.store.PathSnapshot()

	entries := make(map[string]Item, len(paths))
	for routeID, path := range paths {
		entries[KeyRoutePath(routeID)] = Item{Value: path, TTL: w.ttl}
	}
	warmed, err := w.cache.PutMany(ctx, entries)

	w.logger.Info("warmed route paths", "routes_warmed", warmed)
	return err
}

// ScheduleMidnightRefresh drops cached timetables shortly after midnight in
// loc and runs refresh, which is expected to reload and re-warm them.
func (w *CacheWarmer) ScheduleMidnightRefresh(ctx context.Context, loc *time.Location, refresh func(context.Context)) {
	for {
		now := time.Now().In(loc)
		midnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 5, 0, 0, loc)
		waitDuration := midnight.Sub(now)

		w.logger.Info("scheduled next cache refresh", "at", midnight, "in", waitDuration)

		timer := time.NewTimer(waitDuration)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			w.logger.Info("midnight cache refresh starting")
			dropped, err := w.cache.DropPattern(ctx, KeyTimetable("*"))
			if err != nil {
				w.logger.Error("failed to drop cached timetables", "error", err)
			}
			w.logger.Info("dropped cached timetables", "keys", dropped)
			if refresh != nil {
				refresh(ctx)
			}
			if err := w.WarmAll(ctx); err != nil {
				w.logger.Error("midnight cache refresh failed", "error", err)
			}
		}
	}
}
