package handler

import (
	"context"
	"net/http"
	"time"

	"bustrack/internal/store"
)

// Readiness is anything that reports readiness, such as the live ingestor
// or the timetable loader.
type Readiness interface {
	IsReady() bool
}

// Pinger checks an optional backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	live      Readiness
	timetable Readiness
	cache     Pinger
	store     *store.Store
}

// NewHealthHandler wires readiness checks. timetable and cache may be nil.
func NewHealthHandler(live, timetable Readiness, cache Pinger, s *store.Store) *HealthHandler {
	return &HealthHandler{
		live:      live,
		timetable: timetable,
		cache:     cache,
		store:     s,
	}
}

func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type ReadyResponse struct {
	Ready          bool      `json:"ready"`
	LiveReady      bool      `json:"liveReady"`
	TimetableReady bool      `json:"timetableReady"`
	CacheOK        *bool     `json:"cacheOk,omitempty"`
	DeviceCount    int       `json:"deviceCount"`
	LastUpdate     time.Time `json:"lastUpdate"`
	ServerTime     time.Time `json:"serverTime"`
}

// Readyz reports ready once the first live poll has landed. The timetable
// loader and Redis are informative and do not gate readiness, since boards
// fall back to upstream and stale data.
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	resp := ReadyResponse{
		LiveReady:   h.live.IsReady(),
		DeviceCount: h.store.Count(),
		LastUpdate:  h.store.LastUpdate(),
		ServerTime:  time.Now(),
	}
	resp.Ready = resp.LiveReady
	if h.timetable != nil {
		resp.TimetableReady = h.timetable.IsReady()
	}
	if h.cache != nil {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		ok := h.cache.Ping(ctx) == nil
		cancel()
		resp.CacheOK = &ok
	}

	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}
