package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"bustrack/internal/domain"
	"bustrack/internal/hub"
	"bustrack/internal/store"
)

type WSHandler struct {
	hub    *hub.Hub
	store  *store.Store
	boards Boards
	routes RouteCatalog
	logger *slog.Logger
}

func NewWSHandler(h *hub.Hub, s *store.Store, boards Boards, routes RouteCatalog, logger *slog.Logger) *WSHandler {
	return &WSHandler{
		hub:    h,
		store:  s,
		boards: boards,
		routes: routes,
		logger: logger.With("component", "websocket"),
	}
}

type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type TilesPayload struct {
	TileIDs []string `json:"tileIds"`
}

type WatchRoutePayload struct {
	RouteID     string `json:"routeId"`
	RouteNumber string `json:"routeNumber,omitempty"`
}

type FollowTripPayload struct {
	RouteID string `json:"routeId"`
	SlotID  string `json:"slotId"`
}

type SnapshotPayload struct {
	Devices []*domain.LiveDevice `json:"devices"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "error", err)
		return
	}

	client := hub.NewClient(uuid.NewString(), 256)
	h.hub.Register(client)
	ServerStats.IncWSConnections()
	defer ServerStats.DecWSConnections()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.writeLoop(ctx, conn, client)

	h.readLoop(ctx, conn, client)
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *hub.Client) {
	defer func() {
		h.hub.Unregister(client)
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				h.logger.Debug("websocket read error", "client_id", client.ID, "error", err)
			}
			return
		}

		if msgType != websocket.MessageText {
			continue
		}
		ServerStats.IncWSMessagesIn()

		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("invalid message format", "client_id", client.ID, "error", err)
			continue
		}

		h.dispatch(ctx, client, msg)
	}
}

func (h *WSHandler) dispatch(ctx context.Context, client *hub.Client, msg WSMessage) {
	switch msg.Type {
	case "subscribe":
		var payload TilesPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil || len(payload.TileIDs) == 0 {
			return
		}
		h.hub.Subscribe(client, payload.TileIDs)
		h.send(client, "snapshot", SnapshotPayload{Devices: h.store.SnapshotForTiles(payload.TileIDs)})

	case "unsubscribe":
		var payload TilesPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil || len(payload.TileIDs) == 0 {
			return
		}
		h.hub.Unsubscribe(client, payload.TileIDs)

	case "watch_route":
		var payload WatchRoutePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return
		}
		h.hub.WatchRoute(client, payload.RouteID)
		if payload.RouteID == "" {
			return
		}
		h.routes.Remember(payload.RouteID, payload.RouteNumber)
		b, err := h.boards.Board(ctx, payload.RouteID)
		if err != nil {
			h.logger.Warn("initial board failed", "client_id", client.ID, "route_id", payload.RouteID, "error", err)
			h.send(client, "error", ErrorPayload{Message: "board unavailable"})
			return
		}
		h.send(client, "board", b)

	case "follow_trip":
		var payload FollowTripPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return
		}
		key := hub.TripKey{RouteID: payload.RouteID, SlotID: payload.SlotID}
		h.hub.FollowTrip(client, key)
		if payload.SlotID == "" {
			return
		}
		d, err := h.boards.Trip(ctx, key.RouteID, key.SlotID)
		if err != nil {
			h.send(client, "error", ErrorPayload{Message: "trip unavailable"})
			return
		}
		h.send(client, "trip", d)

	case "ping":
		h.send(client, "pong", nil)
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *hub.Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-client.Send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
			ServerStats.IncWSMessagesOut()

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) send(client *hub.Client, msgType string, payload any) {
	data, err := hub.Encode(msgType, payload)
	if err != nil {
		return
	}
	if !client.Offer(data) {
		h.logger.Debug("failed to send message, buffer full", "client_id", client.ID, "type", msgType)
	}
}
