package letti

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// eventRecorder collects inbound envelopes and acks anything that asks.
type eventRecorder struct {
	mu   sync.Mutex
	envs []Envelope
}

func (r *eventRecorder) handle(ctx context.Context, conn *websocket.Conn, env Envelope) {
	r.mu.Lock()
	r.envs = append(r.envs, env)
	r.mu.Unlock()
	if env.RequestID != "" {
		writeAck(ctx, conn, env.RequestID, true, nil, nil)
	}
}

func (r *eventRecorder) count(event, room string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, env := range r.envs {
		if env.Event != event {
			continue
		}
		var p JoinRoomPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.Room == room {
			n++
		}
	}
	return n
}

// fence round-trips an ack so every prior envelope has been recorded.
func fence(t *testing.T, sock *Socket) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := sock.EmitAck(ctx, "fence", nil); err != nil {
		t.Fatalf("fence: %v", err)
	}
}

func TestRoomRefcount(t *testing.T) {
	rec := &eventRecorder{}
	srv := startWSServer(t, rec.handle)
	sock := connectedSocket(t, srv, nil)

	room := PropertyRoom("p1")

	h1, err := sock.Rooms().Join(context.Background(), room)
	if err != nil {
		t.Fatalf("Join() error: %v", err)
	}
	h2, err := sock.Rooms().Join(context.Background(), room)
	if err != nil {
		t.Fatalf("Join() error: %v", err)
	}
	fence(t, sock)

	if n := rec.count(EventJoinRoom, room); n != 1 {
		t.Errorf("joinRoom emitted %d times, want 1", n)
	}
	if n := sock.Rooms().Count(room); n != 2 {
		t.Errorf("Count() = %d, want 2", n)
	}

	if err := h1.Leave(context.Background()); err != nil {
		t.Fatalf("Leave() error: %v", err)
	}
	fence(t, sock)
	if n := rec.count(EventLeaveRoom, room); n != 0 {
		t.Errorf("leaveRoom emitted %d times after first leave, want 0", n)
	}

	if err := h2.Leave(context.Background()); err != nil {
		t.Fatalf("Leave() error: %v", err)
	}
	fence(t, sock)
	if n := rec.count(EventLeaveRoom, room); n != 1 {
		t.Errorf("leaveRoom emitted %d times after last leave, want 1", n)
	}
}

func TestRoomHandleLeaveRemovesHandlers(t *testing.T) {
	srv := startWSServer(t, func(ctx context.Context, conn *websocket.Conn, env Envelope) {
		if env.Event == "poke" {
			writeEvent(ctx, conn, EventNewMessage, ChatMessage{ID: "m1", Content: "hi"})
		}
		if env.RequestID != "" {
			writeAck(ctx, conn, env.RequestID, true, nil, nil)
		}
	})
	sock := connectedSocket(t, srv, nil)

	handle, err := sock.Rooms().Join(context.Background(), PropertyRoom("p1"))
	if err != nil {
		t.Fatalf("Join() error: %v", err)
	}

	calls := 0
	handle.On(EventNewMessage, func(string, json.RawMessage) { calls++ })

	if err := handle.Leave(context.Background()); err != nil {
		t.Fatalf("Leave() error: %v", err)
	}
	if err := handle.Leave(context.Background()); err != nil {
		t.Fatalf("second Leave() error: %v", err)
	}

	sock.Emit(context.Background(), "poke", nil)
	fence(t, sock)

	if calls != 0 {
		t.Errorf("handler ran %d times after Leave", calls)
	}
}

func TestRoomJoinWhileDisconnectedRejoinsOnConnect(t *testing.T) {
	rec := &eventRecorder{}
	srv := startWSServer(t, rec.handle)

	sock := NewSocket(srv.URL, nil)
	room := PropertyRoom("p9")

	// Joining while offline records intent without error.
	if _, err := sock.Rooms().Join(context.Background(), room); err != nil {
		t.Fatalf("Join() while disconnected: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sock.Connect(ctx); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	t.Cleanup(func() { sock.Disconnect() })

	fence(t, sock)
	if n := rec.count(EventJoinRoom, room); n != 1 {
		t.Errorf("joinRoom emitted %d times after connect, want 1", n)
	}
}

func TestRoomNames(t *testing.T) {
	cases := []struct{ got, want string }{
		{PropertyRoom("p1"), "property:p1"},
		{UserRoom("u1"), "user:u1"},
		{LandlordRoom("l1"), "landlord:l1"},
		{ReviewRoom("p1"), "reviews:p1"},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("room name = %q, want %q", c.got, c.want)
		}
	}
}
