package handler

import (
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"bustrack/internal/cache"
	"bustrack/internal/store"
)

// Version is reported by /v1/stats; set at build time with -ldflags.
var Version = "dev"

// Stats holds process-wide request and websocket counters.
type Stats struct {
	startTime        time.Time
	requestCount     atomic.Int64
	wsConnections    atomic.Int64
	wsMessagesIn     atomic.Int64
	wsMessagesOut    atomic.Int64
	rateLimitBlocked atomic.Int64
}

var ServerStats = &Stats{startTime: time.Now()}

func (s *Stats) IncRequests()         { s.requestCount.Add(1) }
func (s *Stats) IncWSConnections()    { s.wsConnections.Add(1) }
func (s *Stats) DecWSConnections()    { s.wsConnections.Add(-1) }
func (s *Stats) IncWSMessagesIn()     { s.wsMessagesIn.Add(1) }
func (s *Stats) IncWSMessagesOut()    { s.wsMessagesOut.Add(1) }
func (s *Stats) IncRateLimitBlocked() { s.rateLimitBlocked.Add(1) }

func (s *Stats) server() ServerStatsResponse {
	up := time.Since(s.startTime)
	return ServerStatsResponse{
		Uptime:        up.Round(time.Second).String(),
		UptimeSeconds: up.Seconds(),
		StartTime:     s.startTime,
		RequestCount:  s.requestCount.Load(),
		RateLimited:   s.rateLimitBlocked.Load(),
		Version:       Version,
	}
}

func (s *Stats) websocket(clients int) WebSocketStatsResponse {
	return WebSocketStatsResponse{
		Clients:     clients,
		Connections: s.wsConnections.Load(),
		MessagesIn:  s.wsMessagesIn.Load(),
		MessagesOut: s.wsMessagesOut.Load(),
	}
}

// Counter is any component that can report a size.
type Counter interface {
	Len() int
}

type CacheReporter interface {
	Stats() cache.Stats
}

type StatsHandler struct {
	devices    *store.Store
	timetables *store.TimetableStore
	tracker    Counter
	cache      CacheReporter
	hubClients func() int
}

// NewStatsHandler builds the stats endpoint. cacheStats may be nil when Redis is
// disabled.
func NewStatsHandler(devices *store.Store, timetables *store.TimetableStore, tracker Counter, cacheStats CacheReporter, hubClients func() int) *StatsHandler {
	return &StatsHandler{
		devices:    devices,
		timetables: timetables,
		tracker:    tracker,
		cache:      cacheStats,
		hubClients: hubClients,
	}
}

type StatsResponse struct {
	Server     ServerStatsResponse    `json:"server"`
	Devices    DeviceStatsResponse    `json:"devices"`
	Timetables store.TimetableStats   `json:"timetables"`
	Cache      *cache.Stats           `json:"cache,omitempty"`
	WebSocket  WebSocketStatsResponse `json:"websocket"`
	Go         GoStatsResponse        `json:"go"`
}

type ServerStatsResponse struct {
	Uptime        string    `json:"uptime"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	StartTime     time.Time `json:"start_time"`
	RequestCount  int64     `json:"request_count"`
	RateLimited   int64     `json:"rate_limited"`
	Version       string    `json:"version"`
}

type DeviceStatsResponse struct {
	Total      int       `json:"total"`
	Online     int       `json:"online"`
	Routes     int       `json:"routes"`
	Tracked    int       `json:"tracked"`
	LastUpdate time.Time `json:"last_update"`
}

type WebSocketStatsResponse struct {
	Clients     int   `json:"clients"`
	Connections int64 `json:"connections"`
	MessagesIn  int64 `json:"messages_in"`
	MessagesOut int64 `json:"messages_out"`
}

type GoStatsResponse struct {
	Goroutines  int     `json:"goroutines"`
	HeapAlloc   uint64  `json:"heap_alloc_bytes"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	NumGC       uint32  `json:"num_gc"`
	GoVersion   string  `json:"go_version"`
}

func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	clients := 0
	if h.hubClients != nil {
		clients = h.hubClients()
	}

	resp := StatsResponse{
		Server:     ServerStats.server(),
		Devices:    h.deviceStats(),
		Timetables: h.timetables.GetStats(),
		WebSocket:  ServerStats.websocket(clients),
		Go:         runtimeStats(),
	}
	if h.cache != nil {
		cs := h.cache.Stats()
		resp.Cache = &cs
	}

	w.Header().Set("Cache-Control", "no-cache")
	respondJSON(w, http.StatusOK, resp)
}

func (h *StatsHandler) deviceStats() DeviceStatsResponse {
	d := DeviceStatsResponse{
		Total:      h.devices.Count(),
		Online:     len(h.devices.List(store.ListOptions{OnlineOnly: true})),
		Routes:     len(h.devices.Routes()),
		LastUpdate: h.devices.LastUpdate(),
	}
	if h.tracker != nil {
		d.Tracked = h.tracker.Len()
	}
	return d
}

func runtimeStats() GoStatsResponse {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return GoStatsResponse{
		Goroutines:  runtime.NumGoroutine(),
		HeapAlloc:   mem.HeapAlloc,
		HeapAllocMB: float64(mem.HeapAlloc) / (1 << 20),
		NumGC:       mem.NumGC,
		GoVersion:   runtime.Version(),
	}
}
