package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bustrack/internal/domain"
	"bustrack/internal/store"
)

type HTTPHandler struct {
	store *store.Store
}

func NewHTTPHandler(store *store.Store) *HTTPHandler {
	return &HTTPHandler{store: store}
}

type DevicesResponse struct {
	Devices    []*domain.LiveDevice `json:"devices"`
	Count      int                  `json:"count"`
	ServerTime time.Time            `json:"serverTime"`
}

func (h *HTTPHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := store.ListOptions{RouteNumber: strings.TrimSpace(q.Get("route"))}

	if v := q.Get("online"); v != "" {
		online, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid online parameter")
			return
		}
		opts.OnlineOnly = online
	}

	if bboxStr := q.Get("bbox"); bboxStr != "" {
		parts := strings.Split(bboxStr, ",")
		if len(parts) != 4 {
			respondError(w, http.StatusBadRequest, "invalid bbox format: expected minLat,minLon,maxLat,maxLon")
			return
		}
		bbox, err := parseBBox(parts)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid bbox values: "+err.Error())
			return
		}
		opts.BBox = bbox
	}

	devices := h.store.List(opts)

	respondJSON(w, http.StatusOK, DevicesResponse{
		Devices:    devices,
		Count:      len(devices),
		ServerTime: time.Now(),
	})
}

func (h *HTTPHandler) GetDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "missing device id")
		return
	}

	device, err := h.store.Get(id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "device not found")
		return
	}

	respondJSON(w, http.StatusOK, device)
}

func parseBBox(parts []string) (*store.BoundingBox, error) {
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		v[i] = f
	}
	return &store.BoundingBox{
		MinLat: v[0], MinLon: v[1],
		MaxLat: v[2], MaxLon: v[3],
	}, nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}
