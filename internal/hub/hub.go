package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"bustrack/internal/domain"
)

// TripKey identifies a followed trip.
type TripKey struct {
	RouteID string `json:"routeId"`
	SlotID  string `json:"slotId"`
}

type Client struct {
	ID   string
	Send chan []byte

	mu     sync.RWMutex
	tiles  map[string]struct{}
	route  string
	trip   TripKey
	closed bool
}

func NewClient(id string, bufferSize int) *Client {
	return &Client{
		ID:    id,
		Send:  make(chan []byte, bufferSize),
		tiles: make(map[string]struct{}),
	}
}

func (c *Client) HasTile(tileID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tiles[tileID]
	return ok
}

func (c *Client) Tiles() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tiles := make([]string, 0, len(c.tiles))
	for id := range c.tiles {
		tiles = append(tiles, id)
	}
	return tiles
}

// Route is the route whose board the client watches, if any.
func (c *Client) Route() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.route
}

func (c *Client) Trip() TripKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.trip
}

// Offer queues data without blocking. It reports false when the buffer is
// full or the client has been closed.
func (c *Client) Offer(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// close closes Send once. The caller must not hold c.mu.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

// Message is the envelope of every frame sent to clients.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Encode marshals a typed message.
func Encode(msgType string, payload any) ([]byte, error) {
	return json.Marshal(Message{Type: msgType, Payload: payload})
}

// Hub fans device deltas out to tile subscribers and pushes route boards and
// trip details to the clients watching them.
type Hub struct {
	mu           sync.RWMutex
	clients      map[*Client]struct{}
	tileClients  map[string]map[*Client]struct{}
	routeClients map[string]map[*Client]struct{}
	tripClients  map[TripKey]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	broadcast  chan []domain.DeviceDelta
	done       chan struct{}

	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:      make(map[*Client]struct{}),
		tileClients:  make(map[string]map[*Client]struct{}),
		routeClients: make(map[string]map[*Client]struct{}),
		tripClients:  make(map[TripKey]map[*Client]struct{}),
		register:     make(chan *Client, 16),
		unregister:   make(chan *Client, 16),
		broadcast:    make(chan []domain.DeviceDelta, 256),
		done:         make(chan struct{}),
		logger:       logger.With("component", "hub"),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client registered", "client_id", client.ID, "total", total)

		case client := <-h.unregister:
			h.removeClient(client)

		case deltas := <-h.broadcast:
			h.fanoutDeltas(deltas)
		}
	}
}

func (h *Hub) Subscribe(client *Client, tileIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.mu.Lock()
	defer client.mu.Unlock()

	for _, tileID := range tileIDs {
		client.tiles[tileID] = struct{}{}
		indexAdd(h.tileClients, tileID, client)
	}
}

func (h *Hub) Unsubscribe(client *Client, tileIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.mu.Lock()
	defer client.mu.Unlock()

	for _, tileID := range tileIDs {
		delete(client.tiles, tileID)
		indexRemove(h.tileClients, tileID, client)
	}
}

// WatchRoute points the client's board subscription at routeID. An empty
// routeID stops watching.
func (h *Hub) WatchRoute(client *Client, routeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.mu.Lock()
	defer client.mu.Unlock()

	if client.route != "" {
		indexRemove(h.routeClients, client.route, client)
	}
	client.route = routeID
	if routeID != "" {
		indexAdd(h.routeClients, routeID, client)
	}
}

// FollowTrip points the client's trip subscription at key. A zero key stops
// following.
func (h *Hub) FollowTrip(client *Client, key TripKey) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.mu.Lock()
	defer client.mu.Unlock()

	if client.trip != (TripKey{}) {
		indexRemove(h.tripClients, client.trip, client)
	}
	client.trip = TripKey{}
	if key.SlotID != "" {
		client.trip = key
		indexAdd(h.tripClients, key, client)
	}
}

// WatchedRoutes lists routes with at least one watching client.
func (h *Hub) WatchedRoutes() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.routeClients))
	for id := range h.routeClients {
		out = append(out, id)
	}
	return out
}

// FollowedTrips lists trips with at least one following client.
func (h *Hub) FollowedTrips() []TripKey {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]TripKey, 0, len(h.tripClients))
	for k := range h.tripClients {
		out = append(out, k)
	}
	return out
}

func (h *Hub) Broadcast(deltas []domain.DeviceDelta) {
	if len(deltas) == 0 {
		return
	}
	select {
	case h.broadcast <- deltas:
	default:
		h.logger.Warn("broadcast channel full, dropping deltas", "count", len(deltas))
	}
}

// BroadcastBoard sends a board frame to every client watching routeID.
func (h *Hub) BroadcastBoard(routeID string, board any) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sendTo(h.routeClients[routeID], "board", board)
}

// BroadcastTrip sends a trip frame to every client following key.
func (h *Hub) BroadcastTrip(key TripKey, detail any) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sendTo(h.tripClients[key], "trip", detail)
}

func (h *Hub) sendTo(clients map[*Client]struct{}, msgType string, payload any) int {
	if len(clients) == 0 {
		return 0
	}
	data, err := Encode(msgType, payload)
	if err != nil {
		h.logger.Error("failed to encode message", "type", msgType, "error", err)
		return 0
	}

	sent := 0
	for client := range clients {
		if client.Offer(data) {
			sent++
		} else {
			h.logger.Debug("client send buffer full", "client_id", client.ID, "type", msgType)
		}
	}
	return sent
}

// Register adds client. After the hub has stopped the client is closed
// straight away.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.close()
	}
}

// Unregister removes client. It never blocks once the hub has stopped.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

type DeltaPayload struct {
	Updates []*domain.LiveDevice `json:"updates,omitempty"`
	Removes []string             `json:"removes,omitempty"`
}

func (h *Hub) fanoutDeltas(deltas []domain.DeviceDelta) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clientDeltas := make(map[*Client][]domain.DeviceDelta)

	for _, d := range deltas {
		for client := range h.tileClients[d.TileID] {
			clientDeltas[client] = append(clientDeltas[client], d)
		}
	}

	for client, ds := range clientDeltas {
		data, err := Encode("delta", buildDeltaPayload(ds))
		if err != nil {
			continue
		}
		if !client.Offer(data) {
			h.logger.Debug("client send buffer full", "client_id", client.ID)
		}
	}
}

func buildDeltaPayload(deltas []domain.DeviceDelta) DeltaPayload {
	var p DeltaPayload
	for _, d := range deltas {
		switch d.Type {
		case domain.DeltaUpdate:
			p.Updates = append(p.Updates, d.Device)
		case domain.DeltaRemove:
			p.Removes = append(p.Removes, d.ID)
		}
	}
	return p
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}

	client.mu.Lock()
	for tileID := range client.tiles {
		indexRemove(h.tileClients, tileID, client)
	}
	if client.route != "" {
		indexRemove(h.routeClients, client.route, client)
	}
	if client.trip != (TripKey{}) {
		indexRemove(h.tripClients, client.trip, client)
	}
	client.mu.Unlock()

	delete(h.clients, client)
	client.close()
	h.logger.Debug("client unregistered", "client_id", client.ID, "total", len(h.clients))
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.close()
	}
	h.clients = make(map[*Client]struct{})
	h.tileClients = make(map[string]map[*Client]struct{})
	h.routeClients = make(map[string]map[*Client]struct{})
	h.tripClients = make(map[TripKey]map[*Client]struct{})
}

func indexAdd[K comparable](index map[K]map[*Client]struct{}, key K, c *Client) {
	if index[key] == nil {
		index[key] = make(map[*Client]struct{})
	}
	index[key][c] = struct{}{}
}

func indexRemove[K comparable](index map[K]map[*Client]struct{}, key K, c *Client) {
	if set := index[key]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(index, key)
		}
	}
}
