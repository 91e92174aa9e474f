package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bustrack/internal/board"
	"bustrack/internal/domain"
	"bustrack/internal/store"
	"bustrack/pkg/spgpsapi"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func ptr(v float64) *float64 { return &v }

func seededStore() *store.Store {
	s := store.New(time.Minute)
	s.Update([]*domain.LiveDevice{
		{ID: "dev-1", Lat: ptr(6.91), Lon: ptr(79.85), IsOnline: true, RouteNumber: "138", TileID: "14/11826/7877"},
		{ID: "dev-2", Lat: ptr(7.29), Lon: ptr(80.63), IsOnline: false, RouteNumber: "1", TileID: "14/11861/7860"},
	}, time.Now())
	return s
}

type fakeCatalog struct {
	routes     []domain.RouteMeta
	path       *domain.RoutePath
	err        error
	mu         sync.Mutex
	remembered map[string]string
}

func (f *fakeCatalog) SearchRoutes(_ context.Context, _ string) ([]domain.RouteMeta, error) {
	return f.routes, f.err
}

func (f *fakeCatalog) Path(_ context.Context, _ string) (*domain.RoutePath, error) {
	return f.path, f.err
}

func (f *fakeCatalog) Reverse(_ context.Context, routeID string) (domain.RouteMeta, error) {
	if f.err != nil {
		return domain.RouteMeta{}, f.err
	}
	if routeID == "r1" {
		return domain.RouteMeta{ID: "r2", RouteNumber: "138"}, nil
	}
	return domain.RouteMeta{}, store.ErrNotFound
}

func (f *fakeCatalog) Remember(routeID, routeNumber string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remembered == nil {
		f.remembered = map[string]string{}
	}
	f.remembered[routeID] = routeNumber
}

func (f *fakeCatalog) rememberedNumber(routeID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remembered[routeID]
}

type fakeBoards struct {
	err error
}

func (f *fakeBoards) Board(_ context.Context, routeID string) (*board.Board, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &board.Board{RouteID: routeID, RouteNumber: "138", CurrentTime: "1315", Entries: []board.Entry{}}, nil
}

func (f *fakeBoards) Trip(_ context.Context, routeID, slotID string) (*board.Detail, error) {
	if f.err != nil {
		return nil, f.err
	}
	if slotID != "t1" {
		return nil, board.ErrTripNotFound
	}
	return &board.Detail{RouteID: routeID, Entry: board.Entry{Slot: &domain.RunningSlot{ID: slotID}}}, nil
}

type fakeUpstream struct {
	buses     []domain.BusSuggestion
	err       error
	submitted []spgpsapi.Complaint
	bodies    []string
}

func (f *fakeUpstream) SearchBuses(_ context.Context, _ string) ([]domain.BusSuggestion, error) {
	return f.buses, f.err
}

func (f *fakeUpstream) SubmitComplaint(_ context.Context, c spgpsapi.Complaint) error {
	if f.err != nil {
		return f.err
	}
	for _, a := range c.Attachments {
		b, _ := io.ReadAll(a.Body)
		f.bodies = append(f.bodies, string(b))
	}
	f.submitted = append(f.submitted, c)
	return nil
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestListDevices(t *testing.T) {
	h := NewHTTPHandler(seededStore())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/devices", h.ListDevices)

	tests := []struct {
		name   string
		query  string
		status int
		count  int
	}{
		{"all", "", http.StatusOK, 2},
		{"route", "?route=138", http.StatusOK, 1},
		{"online", "?online=true", http.StatusOK, 1},
		{"bbox", "?bbox=6.8,79.8,7.0,79.9", http.StatusOK, 1},
		{"bad online", "?online=maybe", http.StatusBadRequest, 0},
		{"short bbox", "?bbox=1,2,3", http.StatusBadRequest, 0},
		{"bad bbox", "?bbox=a,2,3,4", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/devices"+tt.query, nil))
			require.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, tt.count, decode[DevicesResponse](t, rec).Count)
			}
		})
	}
}

func TestGetDevice(t *testing.T) {
	h := NewHTTPHandler(seededStore())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/devices/{id}", h.GetDevice)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/devices/dev-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "138", decode[domain.LiveDevice](t, rec).RouteNumber)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/devices/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func routeMux(h *RouteHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/routes", h.SearchRoutes)
	mux.HandleFunc("GET /v1/routes/{routeId}/board", h.GetBoard)
	mux.HandleFunc("GET /v1/routes/{routeId}/trips/{slotId}", h.GetTrip)
	mux.HandleFunc("GET /v1/routes/{routeId}/path", h.GetPath)
	mux.HandleFunc("GET /v1/routes/{routeId}/reverse", h.GetReverse)
	mux.HandleFunc("GET /v1/buses", h.SearchBuses)
	mux.HandleFunc("POST /v1/complaints", h.SubmitComplaint)
	return mux
}

func get(mux http.Handler, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestRouteEndpoints(t *testing.T) {
	catalog := &fakeCatalog{
		routes: []domain.RouteMeta{{ID: "r1", RouteNumber: "138"}},
		path:   &domain.RoutePath{Stops: []domain.BusStop{{Name: "Pettah"}}},
	}
	mux := routeMux(NewRouteHandler(catalog, &fakeBoards{}, &fakeUpstream{}, testLogger))

	rec := get(mux, "/v1/routes?q=138")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[RoutesResponse](t, rec).Count)

	rec = get(mux, "/v1/routes/r1/board?routeNumber=138")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "r1", decode[board.Board](t, rec).RouteID)
	assert.Equal(t, "138", catalog.rememberedNumber("r1"))

	rec = get(mux, "/v1/routes/r1/trips/t1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "r1", decode[board.Detail](t, rec).RouteID)

	assert.Equal(t, http.StatusNotFound, get(mux, "/v1/routes/r1/trips/t9").Code)

	rec = get(mux, "/v1/routes/r1/path")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "public, max-age=3600", rec.Header().Get("Cache-Control"))

	rec = get(mux, "/v1/routes/r1/reverse")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "r2", decode[domain.RouteMeta](t, rec).ID)

	assert.Equal(t, http.StatusNotFound, get(mux, "/v1/routes/r7/reverse").Code)
}

func TestRouteEndpointsUpstreamDown(t *testing.T) {
	down := errors.New("dial tcp: connection refused")
	mux := routeMux(NewRouteHandler(&fakeCatalog{err: down}, &fakeBoards{err: down}, &fakeUpstream{err: down}, testLogger))

	for _, target := range []string{
		"/v1/routes",
		"/v1/routes/r1/board",
		"/v1/routes/r1/trips/t1",
		"/v1/routes/r1/path",
		"/v1/buses?q=ND",
	} {
		rec := get(mux, target)
		assert.Equal(t, http.StatusBadGateway, rec.Code, target)
		assert.Equal(t, "upstream unavailable", decode[errorResponse](t, rec).Error, target)
	}
}

func TestSearchBuses(t *testing.T) {
	up := &fakeUpstream{buses: []domain.BusSuggestion{{Value: "ND-0671", Label: "ND-0671 (138)"}}}
	mux := routeMux(NewRouteHandler(&fakeCatalog{}, &fakeBoards{}, up, testLogger))

	rec := get(mux, "/v1/buses?q=N")
	require.Equal(t, http.StatusOK, rec.Code)
	short := decode[BusesResponse](t, rec)
	assert.Empty(t, short.Buses)
	assert.NotNil(t, short.Buses)

	rec = get(mux, "/v1/buses?q=ND")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[BusesResponse](t, rec).Count)
}

type part struct {
	name, filename, contentType, body string
}

func multipartRequest(t *testing.T, parts ...part) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, p := range parts {
		if p.filename == "" {
			require.NoError(t, w.WriteField(p.name, p.body))
			continue
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="`+p.name+`"; filename="`+p.filename+`"`)
		h.Set("Content-Type", p.contentType)
		pw, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = pw.Write([]byte(p.body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/complaints", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestSubmitComplaint(t *testing.T) {
	tests := []struct {
		name   string
		parts  []part
		status int
	}{
		{
			name: "accepted with attachments",
			parts: []part{
				{name: "busNumber", body: "ND-0671"},
				{name: "complaint", body: "Driver skipped the Borella stop"},
				{name: "attachments", filename: "photo.jpg", contentType: "image/jpeg", body: "jpeg"},
				{name: "attachments", filename: "ticket.pdf", contentType: "application/pdf", body: "pdf"},
			},
			status: http.StatusAccepted,
		},
		{
			name:   "missing text",
			parts:  []part{{name: "busNumber", body: "ND-0671"}},
			status: http.StatusBadRequest,
		},
		{
			name: "bad attachment type",
			parts: []part{
				{name: "busNumber", body: "ND-0671"},
				{name: "complaint", body: "late"},
				{name: "attachments", filename: "run.sh", contentType: "text/x-shellscript", body: "#!"},
			},
			status: http.StatusUnsupportedMediaType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &fakeUpstream{}
			mux := routeMux(NewRouteHandler(&fakeCatalog{}, &fakeBoards{}, up, testLogger))

			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, multipartRequest(t, tt.parts...))
			require.Equal(t, tt.status, rec.Code)

			if tt.status == http.StatusAccepted {
				require.Len(t, up.submitted, 1)
				assert.Equal(t, "ND-0671", up.submitted[0].BusNumber)
				assert.Len(t, up.submitted[0].Attachments, 2)
				assert.Equal(t, []string{"jpeg", "pdf"}, up.bodies)
			} else {
				assert.Empty(t, up.submitted)
			}
		})
	}
}

func TestSubmitComplaintNotMultipart(t *testing.T) {
	mux := routeMux(NewRouteHandler(&fakeCatalog{}, &fakeBoards{}, &fakeUpstream{}, testLogger))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/complaints", bytes.NewBufferString("{}")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
