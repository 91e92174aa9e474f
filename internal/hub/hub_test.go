package hub

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bustrack/internal/domain"
)

func newRunningHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func register(t *testing.T, h *Hub, id string) *Client {
	t.Helper()
	c := NewClient(id, 8)
	want := h.ClientCount() + 1
	h.Register(c)
	require.Eventually(t, func() bool { return h.ClientCount() == want }, time.Second, 5*time.Millisecond)
	return c
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func receive(t *testing.T, c *Client) frame {
	t.Helper()
	select {
	case data := <-c.Send:
		var f frame
		require.NoError(t, json.Unmarshal(data, &f))
		return f
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return frame{}
	}
}

func assertSilent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.Send:
		t.Fatalf("unexpected message: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDeltasReachTileSubscribers(t *testing.T) {
	h := newRunningHub(t)
	a := register(t, h, "a")
	b := register(t, h, "b")

	h.Subscribe(a, []string{"14/100/200"})
	h.Subscribe(b, []string{"14/100/201"})

	lat, lon := 6.93, 79.85
	h.Broadcast([]domain.DeviceDelta{
		{Type: domain.DeltaUpdate, Device: &domain.LiveDevice{ID: "dev-1", Lat: &lat, Lon: &lon}, TileID: "14/100/200"},
		{Type: domain.DeltaRemove, ID: "dev-2", TileID: "14/100/200"},
	})

	f := receive(t, a)
	assert.Equal(t, "delta", f.Type)

	var p DeltaPayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	require.Len(t, p.Updates, 1)
	assert.Equal(t, "dev-1", p.Updates[0].ID)
	assert.Equal(t, []string{"dev-2"}, p.Removes)

	assertSilent(t, b)
}

func TestUnsubscribe(t *testing.T) {
	h := newRunningHub(t)
	a := register(t, h, "a")

	h.Subscribe(a, []string{"t1", "t2"})
	h.Unsubscribe(a, []string{"t1"})
	assert.Equal(t, []string{"t2"}, a.Tiles())
	assert.False(t, a.HasTile("t1"))

	h.Broadcast([]domain.DeviceDelta{{Type: domain.DeltaRemove, ID: "x", TileID: "t1"}})
	assertSilent(t, a)
}

func TestWatchRouteReplacesPrevious(t *testing.T) {
	h := newRunningHub(t)
	a := register(t, h, "a")
	b := register(t, h, "b")

	h.WatchRoute(a, "r1")
	h.WatchRoute(a, "r2")
	h.WatchRoute(b, "r2")
	assert.Equal(t, []string{"r2"}, h.WatchedRoutes())
	assert.Equal(t, "r2", a.Route())

	assert.Equal(t, 0, h.BroadcastBoard("r1", map[string]string{"routeId": "r1"}))
	assert.Equal(t, 2, h.BroadcastBoard("r2", map[string]string{"routeId": "r2"}))

	f := receive(t, a)
	assert.Equal(t, "board", f.Type)
	assert.JSONEq(t, `{"routeId":"r2"}`, string(f.Payload))

	h.WatchRoute(a, "")
	h.WatchRoute(b, "")
	assert.Empty(t, h.WatchedRoutes())
}

func TestFollowTrip(t *testing.T) {
	h := newRunningHub(t)
	a := register(t, h, "a")

	k1 := TripKey{RouteID: "r1", SlotID: "t1"}
	k2 := TripKey{RouteID: "r1", SlotID: "t2"}

	h.FollowTrip(a, k1)
	h.FollowTrip(a, k2)
	assert.Equal(t, []TripKey{k2}, h.FollowedTrips())
	assert.Equal(t, k2, a.Trip())

	assert.Equal(t, 1, h.BroadcastTrip(k2, "detail"))
	assert.Equal(t, "trip", receive(t, a).Type)

	h.FollowTrip(a, TripKey{})
	assert.Empty(t, h.FollowedTrips())
	assert.Equal(t, TripKey{}, a.Trip())
}

func TestUnregisterDropsSubscriptions(t *testing.T) {
	h := newRunningHub(t)
	a := register(t, h, "a")
	b := register(t, h, "b")

	h.Subscribe(a, []string{"t1"})
	h.WatchRoute(a, "r1")
	h.WatchRoute(b, "r2")
	h.FollowTrip(a, TripKey{RouteID: "r1", SlotID: "s1"})

	h.Unregister(a)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"r2"}, h.WatchedRoutes())
	assert.Empty(t, h.FollowedTrips())

	_, open := <-a.Send
	assert.False(t, open)
}

func TestFullBufferDoesNotBlock(t *testing.T) {
	h := newRunningHub(t)
	c := NewClient("slow", 1)
	h.Register(c)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	h.WatchRoute(c, "r1")
	assert.Equal(t, 1, h.BroadcastBoard("r1", 1))
	assert.Equal(t, 0, h.BroadcastBoard("r1", 2))
}

func TestShutdownClosesClients(t *testing.T) {
	h := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	c := register(t, h, "a")
	h.WatchRoute(c, "r1")
	cancel()
	<-done

	_, open := <-c.Send
	assert.False(t, open)
	assert.Zero(t, h.ClientCount())
	assert.Empty(t, h.WatchedRoutes())
}

func TestClientAfterShutdown(t *testing.T) {
	h := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	c := register(t, h, "a")
	cancel()
	<-done

	assert.NotPanics(t, func() {
		assert.False(t, c.Offer([]byte(`{"type":"pong"}`)))
	})

	unregistered := make(chan struct{})
	go func() {
		for range 32 {
			h.Unregister(c)
		}
		close(unregistered)
	}()
	select {
	case <-unregistered:
	case <-time.After(time.Second):
		t.Fatal("Unregister blocked after shutdown")
	}

	late := NewClient("late", 1)
	h.Register(late)
	_, open := <-late.Send
	assert.False(t, open)
}

func TestBuildDeltaPayload(t *testing.T) {
	p := buildDeltaPayload([]domain.DeviceDelta{
		{Type: domain.DeltaRemove, ID: "b"},
		{Type: domain.DeltaRemove, ID: "a"},
	})
	sort.Strings(p.Removes)
	assert.Equal(t, []string{"a", "b"}, p.Removes)
	assert.Nil(t, p.Updates)
}
