package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"bustrack/internal/board"
	"bustrack/internal/domain"
	"bustrack/internal/ingestor"
	"bustrack/pkg/spgpsapi"
)

const (
	maxComplaintBytes = 120 << 20
	minBusQueryLen    = 2
)

// RouteCatalog is the route side of the timetable loader.
type RouteCatalog interface {
	SearchRoutes(ctx context.Context, query string) ([]domain.RouteMeta, error)
	Path(ctx context.Context, routeID string) (*domain.RoutePath, error)
	Reverse(ctx context.Context, routeID string) (domain.RouteMeta, error)
	Remember(routeID, routeNumber string)
}

type Boards interface {
	Board(ctx context.Context, routeID string) (*board.Board, error)
	Trip(ctx context.Context, routeID, slotID string) (*board.Detail, error)
}

// Upstream covers the calls proxied straight to the bus API.
type Upstream interface {
	SearchBuses(ctx context.Context, query string) ([]domain.BusSuggestion, error)
	SubmitComplaint(ctx context.Context, c spgpsapi.Complaint) error
}

type RouteHandler struct {
	routes   RouteCatalog
	boards   Boards
	upstream Upstream
	validate *validator.Validate
	logger   *slog.Logger
}

func NewRouteHandler(routes RouteCatalog, boards Boards, upstream Upstream, logger *slog.Logger) *RouteHandler {
	return &RouteHandler{
		routes:   routes,
		boards:   boards,
		upstream: upstream,
		validate: validator.New(),
		logger:   logger.With("component", "route_handler"),
	}
}

type RoutesResponse struct {
	Routes     []domain.RouteMeta `json:"routes"`
	Count      int                `json:"count"`
	ServerTime time.Time          `json:"serverTime"`
}

func (h *RouteHandler) SearchRoutes(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q := strings.TrimSpace(r.URL.Query().Get("q"))

	routes, err := h.routes.SearchRoutes(r.Context(), q)
	if err != nil {
		h.upstreamError(w, "SearchRoutes", err)
		return
	}

	h.logger.Debug("SearchRoutes response",
		"query", q,
		"routes_count", len(routes),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	respondJSON(w, http.StatusOK, RoutesResponse{
		Routes:     routes,
		Count:      len(routes),
		ServerTime: time.Now(),
	})
}

func (h *RouteHandler) GetBoard(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	routeID := r.PathValue("routeId")
	if routeID == "" {
		respondError(w, http.StatusBadRequest, "missing routeId parameter")
		return
	}
	h.routes.Remember(routeID, strings.TrimSpace(r.URL.Query().Get("routeNumber")))

	b, err := h.boards.Board(r.Context(), routeID)
	if err != nil {
		h.upstreamError(w, "GetBoard", err)
		return
	}

	h.logger.Debug("GetBoard response",
		"route_id", routeID,
		"entries", len(b.Entries),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	w.Header().Set("Cache-Control", "no-cache")
	respondJSON(w, http.StatusOK, b)
}

func (h *RouteHandler) GetTrip(w http.ResponseWriter, r *http.Request) {
	routeID, slotID := r.PathValue("routeId"), r.PathValue("slotId")
	if routeID == "" || slotID == "" {
		respondError(w, http.StatusBadRequest, "missing routeId or slotId parameter")
		return
	}

	d, err := h.boards.Trip(r.Context(), routeID, slotID)
	if errors.Is(err, board.ErrTripNotFound) {
		respondError(w, http.StatusNotFound, "trip not found")
		return
	}
	if err != nil {
		h.upstreamError(w, "GetTrip", err)
		return
	}

	w.Header().Set("Cache-Control", "no-cache")
	respondJSON(w, http.StatusOK, d)
}

func (h *RouteHandler) GetPath(w http.ResponseWriter, r *http.Request) {
	routeID := r.PathValue("routeId")
	if routeID == "" {
		respondError(w, http.StatusBadRequest, "missing routeId parameter")
		return
	}

	p, err := h.routes.Path(r.Context(), routeID)
	if err != nil {
		h.upstreamError(w, "GetPath", err)
		return
	}

	w.Header().Set("Cache-Control", "public, max-age=3600")
	respondJSON(w, http.StatusOK, p)
}

func (h *RouteHandler) GetReverse(w http.ResponseWriter, r *http.Request) {
	routeID := r.PathValue("routeId")
	if routeID == "" {
		respondError(w, http.StatusBadRequest, "missing routeId parameter")
		return
	}

	rev, err := h.routes.Reverse(r.Context(), routeID)
	if err != nil {
		h.upstreamError(w, "GetReverse", err)
		return
	}
	respondJSON(w, http.StatusOK, rev)
}

type BusesResponse struct {
	Buses []domain.BusSuggestion `json:"buses"`
	Count int                    `json:"count"`
}

// SearchBuses answers an empty list for queries shorter than two
// characters.
func (h *RouteHandler) SearchBuses(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if len([]rune(q)) < minBusQueryLen {
		respondJSON(w, http.StatusOK, BusesResponse{Buses: []domain.BusSuggestion{}})
		return
	}

	buses, err := h.upstream.SearchBuses(r.Context(), q)
	if err != nil {
		h.upstreamError(w, "SearchBuses", err)
		return
	}
	respondJSON(w, http.StatusOK, BusesResponse{Buses: buses, Count: len(buses)})
}

// ComplaintForm is the validated text part of a complaint.
type ComplaintForm struct {
	BusNumber string `validate:"required,max=32"`
	Text      string `validate:"required,max=5000"`
}

func (h *RouteHandler) SubmitComplaint(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxComplaintBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "attachments exceed 120 MB")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	form := ComplaintForm{
		BusNumber: strings.TrimSpace(r.FormValue("busNumber")),
		Text:      strings.TrimSpace(r.FormValue("complaint")),
	}
	if err := h.validate.Struct(form); err != nil {
		respondError(w, http.StatusBadRequest, "busNumber and complaint are required")
		return
	}

	complaint := spgpsapi.Complaint{BusNumber: form.BusNumber, Text: form.Text}
	for _, fh := range r.MultipartForm.File["attachments"] {
		ct := fh.Header.Get("Content-Type")
		if !allowedAttachment(ct) {
			respondError(w, http.StatusUnsupportedMediaType, fmt.Sprintf("attachment %s has unsupported type %q", fh.Filename, ct))
			return
		}
		f, err := fh.Open()
		if err != nil {
			respondError(w, http.StatusBadRequest, "unreadable attachment")
			return
		}
		defer f.Close()
		complaint.Attachments = append(complaint.Attachments, spgpsapi.Attachment{
			Name:        fh.Filename,
			ContentType: ct,
			Body:        f,
		})
	}

	if err := h.upstream.SubmitComplaint(r.Context(), complaint); err != nil {
		h.upstreamError(w, "SubmitComplaint", err)
		return
	}

	h.logger.Info("complaint forwarded", "bus_number", form.BusNumber, "attachments", len(complaint.Attachments))
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "submitted"})
}

func allowedAttachment(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mt, "image/") || strings.HasPrefix(mt, "video/") || mt == "application/pdf"
}

func (h *RouteHandler) upstreamError(w http.ResponseWriter, op string, err error) {
	if ingestor.IsNotFound(err) {
		respondError(w, http.StatusNotFound, "not found")
		return
	}
	h.logger.Warn(op+" upstream failure", "error", err)
	respondError(w, http.StatusBadGateway, "upstream unavailable")
}
