// Package spgpsapi is a client for the public bus-tracking API: route
// search, live device telemetry, timetables and complaint intake.
package spgpsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"time"

	"github.com/google/uuid"

	"bustrack/internal/domain"
)

const maxBusSuggestions = 8

var ErrNotFound = errors.New("not found")

// StatusError is returned for any non-2xx upstream response.
type StatusError struct {
	Method string
	URL    string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status code: %d", e.Method, e.URL, e.Code)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Code == http.StatusNotFound
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		logger:  slog.Default(),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// WithLogger sets the logger used for feed warnings.
func (c *Client) WithLogger(logger *slog.Logger) *Client {
	c.logger = logger.With("component", "spgps_client")
	return c
}

// LiveDevices fetches the live map feed. Devices without an id and
// records that cannot be decoded are dropped; the rest of the feed is kept.
func (c *Client) LiveDevices(ctx context.Context) ([]*domain.LiveDevice, error) {
	var raw []json.RawMessage
	if err := c.getJSON(ctx, "/devices-for-live-map", nil, &raw); err != nil {
		return nil, err
	}

	devices := make([]*domain.LiveDevice, 0, len(raw))
	malformed := 0
	for _, r := range raw {
		var d apiDevice
		if err := json.Unmarshal(r, &d); err != nil {
			malformed++
			continue
		}
		if d.ID == "" {
			continue
		}
		devices = append(devices, d.toDomain())
	}
	if malformed > 0 {
		c.logger.Warn("skipped malformed live devices", "count", malformed, "total", len(raw))
	}
	return devices, nil
}

// SearchRoutes looks routes up by number or terminal name. An empty query
// returns the default listing.
func (c *Client) SearchRoutes(ctx context.Context, query string) ([]domain.RouteMeta, error) {
	var resp struct {
		Data []apiRoute `json:"data"`
	}
	params := url.Values{}
	params.Set("searchKey", query)
	if err := c.getJSON(ctx, "/routes", params, &resp); err != nil {
		return nil, err
	}

	routes := make([]domain.RouteMeta, 0, len(resp.Data))
	for _, r := range resp.Data {
		routes = append(routes, r.toDomain())
	}
	return routes, nil
}

// Timetable fetches all running slots of a route.
func (c *Client) Timetable(ctx context.Context, routeID string) ([]domain.RunningSlot, error) {
	var raw []apiSlot
	if err := c.getJSON(ctx, "/timetable/bus-turn-running-slots/"+url.PathEscape(routeID), nil, &raw); err != nil {
		return nil, err
	}

	slots := make([]domain.RunningSlot, 0, len(raw))
	for _, s := range raw {
		slots = append(slots, s.toDomain())
	}
	return slots, nil
}

// RouteWithMeta fetches the drawn path of a route and its stops.
func (c *Client) RouteWithMeta(ctx context.Context, routeID string) (*domain.RoutePath, error) {
	var raw apiWithMeta
	if err := c.getJSON(ctx, "/withMeta/"+url.PathEscape(routeID), nil, &raw); err != nil {
		return nil, err
	}
	return raw.toDomain(), nil
}

// SearchBuses returns at most eight bus-number suggestions.
func (c *Client) SearchBuses(ctx context.Context, query string) ([]domain.BusSuggestion, error) {
	var raw []json.RawMessage
	params := url.Values{}
	params.Set("q", query)
	if err := c.getJSON(ctx, "/buses/search", params, &raw); err != nil {
		return nil, err
	}

	out := make([]domain.BusSuggestion, 0, min(len(raw), maxBusSuggestions))
	for _, r := range raw {
		if s, ok := parseSuggestion(r); ok {
			out = append(out, s)
		}
		if len(out) == maxBusSuggestions {
			break
		}
	}
	return out, nil
}

// Attachment is one file sent with a complaint.
type Attachment struct {
	Name        string
	ContentType string
	Body        io.Reader
}

// Complaint is the complaint form as posted upstream.
type Complaint struct {
	BusNumber   string
	Text        string
	Attachments []Attachment
}

// SubmitComplaint posts the complaint as multipart form data.
func (c *Client) SubmitComplaint(ctx context.Context, complaint Complaint) error {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	if err := w.WriteField("busNumber", complaint.BusNumber); err != nil {
		return fmt.Errorf("writing form: %w", err)
	}
	if err := w.WriteField("complaint", complaint.Text); err != nil {
		return fmt.Errorf("writing form: %w", err)
	}
	for _, a := range complaint.Attachments {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="attachments"; filename=%q`, a.Name))
		h.Set("Content-Type", a.ContentType)
		part, err := w.CreatePart(h)
		if err != nil {
			return fmt.Errorf("creating part: %w", err)
		}
		if _, err := io.Copy(part, a.Body); err != nil {
			return fmt.Errorf("copying %s: %w", a.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing form: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/complaint", nil, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, params url.Values, body io.Reader) (*http.Request, error) {
	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	return req, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, &StatusError{Method: req.Method, URL: req.URL.Path, Code: resp.StatusCode}
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, params, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}
