package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	_ "time/tzdata"

	"bustrack/internal/board"
	"bustrack/internal/cache"
	"bustrack/internal/config"
	"bustrack/internal/handler"
	"bustrack/internal/hub"
	"bustrack/internal/ingestor"
	"bustrack/internal/kinematics"
	"bustrack/internal/metrics"
	"bustrack/internal/middleware"
	"bustrack/internal/publisher"
	"bustrack/internal/store"
	"bustrack/pkg/spgpsapi"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("starting bustrack server",
		"log_level", cfg.LogLevel.String(),
		"http_addr", cfg.HTTPAddr,
		"api_base_url", cfg.APIBaseURL,
		"live_poll", cfg.LivePoll,
		"timezone", cfg.Location.String(),
		"redis_enabled", cfg.RedisEnabled,
		"nats_enabled", cfg.NATSURL != "",
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var collector *metrics.Collector
	if cfg.MetricsEnabled {
		collector = metrics.NewCollector(cfg.LivePoll)
	}

	vehicleStore := store.New(cfg.VehicleStaleAfter)
	timetableStore := store.NewTimetableStore(cfg.TimetableTTL)
	wsHub := hub.NewHub(logger)
	apiClient := spgpsapi.New(cfg.APIBaseURL, cfg.APITimeout).WithLogger(logger)
	tracker := kinematics.NewTracker(cfg.Tuning, cfg.FleetSizeHint)

	var redisCache *cache.RedisCache
	if cfg.RedisEnabled {
		redisCache, err = cache.NewRedisCache(ctx, cache.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, continuing without cache", "error", err)
			redisCache = nil
		} else {
			defer redisCache.Close()
		}
	}

	loader := ingestor.NewTimetableLoader(apiClient, timetableStore, redisCache, cfg.CacheTTL, cfg.TimetableTTL, cfg.WatchRoutes, collector, logger)

	var (
		cachePinger handler.Pinger
		cacheStats  handler.CacheReporter
	)
	if redisCache != nil {
		cachePinger = redisCache
		cacheStats = redisCache
		warmer := cache.NewCacheWarmer(redisCache, timetableStore, cfg.CacheTTL, logger)
		var skipFirst atomic.Bool
		skipFirst.Store(!cfg.CacheWarmOnStart)
		loader.SetOnUpdate(func(ctx context.Context) {
			if skipFirst.Swap(false) {
				return
			}
			if err := warmer.WarmAll(ctx); err != nil {
				logger.Warn("cache warm failed", "error", err)
			}
		})
		go warmer.ScheduleMidnightRefresh(ctx, cfg.Location, loader.Refresh)
	}

	boards := board.NewService(board.NewBuilder(cfg.Tuning, cfg.Location), loader, vehicleStore)

	deps := ingestor.Deps{
		Source:  apiClient,
		Tracker: tracker,
		Store:   vehicleStore,
		Hub:     wsHub,
		Boards:  boards,
		Metrics: collector,
	}

	if cfg.NATSURL != "" {
		pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, collector, logger)
		if err != nil {
			logger.Warn("nats unavailable, publishing disabled", "error", err)
		} else {
			deps.Publisher = pub
			defer pub.Close()
		}
	}

	ing := ingestor.New(deps, cfg, logger)

	limiter := middleware.NewRateLimiter(cfg.RateLimitPerWindow, cfg.RateLimitWindow, cfg.RateLimitWhitelist, func() {
		handler.ServerStats.IncRateLimitBlocked()
		collector.RateLimitHit()
	}, logger)
	defer limiter.Close()

	httpHandler := handler.NewHTTPHandler(vehicleStore)
	routeHandler := handler.NewRouteHandler(loader, boards, apiClient, logger)
	wsHandler := handler.NewWSHandler(wsHub, vehicleStore, boards, loader, logger)
	healthHandler := handler.NewHealthHandler(ing, loader, cachePinger, vehicleStore)
	statsHandler := handler.NewStatsHandler(vehicleStore, timetableStore, tracker, cacheStats, wsHub.ClientCount)

	api := http.NewServeMux()

	api.HandleFunc("GET /v1/devices", httpHandler.ListDevices)
	api.HandleFunc("GET /v1/devices/{id}", httpHandler.GetDevice)

	api.HandleFunc("GET /v1/routes", routeHandler.SearchRoutes)
	api.HandleFunc("GET /v1/routes/{routeId}/board", routeHandler.GetBoard)
	api.HandleFunc("GET /v1/routes/{routeId}/trips/{slotId}", routeHandler.GetTrip)
	api.HandleFunc("GET /v1/routes/{routeId}/path", routeHandler.GetPath)
	api.HandleFunc("GET /v1/routes/{routeId}/reverse", routeHandler.GetReverse)
	api.HandleFunc("GET /v1/buses", routeHandler.SearchBuses)
	api.HandleFunc("POST /v1/complaints", routeHandler.SubmitComplaint)

	api.HandleFunc("GET /v1/stats", statsHandler.GetStats)

	mux := http.NewServeMux()
	mux.Handle("/", limiter.Middleware(handler.GzipMiddleware(api)))
	mux.HandleFunc("/v1/ws", wsHandler.ServeWS)
	mux.HandleFunc("GET /healthz", healthHandler.Healthz)
	mux.HandleFunc("GET /readyz", healthHandler.Readyz)
	if collector != nil {
		collector.GaugeFunc("bustrack_ws_clients", "Connected WebSocket clients.", func() float64 {
			return float64(wsHub.ClientCount())
		})
		mux.Handle("GET /metrics", collector.Handler())
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler.CORSMiddleware(handler.RequestLogMiddleware(logger)(mux)),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go wsHub.Run(ctx)

	go ing.Run(ctx)

	go loader.Start(ctx)

	go func() {
		logger.Info("starting HTTP server", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
}
