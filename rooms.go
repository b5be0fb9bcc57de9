package letti

import (
	"context"
	"errors"
	"sync"
)

// ============================================================================
// Room names
// ============================================================================

// Rooms are named server-side channels. These helpers build the canonical
// names used across the marketplace.
func PropertyRoom(propertyID string) string { return "property:" + propertyID }
func UserRoom(userID string) string         { return "user:" + userID }
func LandlordRoom(landlordID string) string { return "landlord:" + landlordID }
func ReviewRoom(propertyID string) string   { return "reviews:" + propertyID }

// AdminRoom is the channel carrying admin console broadcasts.
const AdminRoom = "admin"

// ============================================================================
// Registry
// ============================================================================

// roomRegistry tracks how many live handles reference each room. joinRoom is
// emitted only on the 0 to 1 transition and leaveRoom only on 1 to 0, so two
// views sharing a room never tear down each other's membership.
type roomRegistry struct {
	mu     sync.Mutex
	sock   *Socket
	counts map[string]int
}

func newRoomRegistry(sock *Socket) *roomRegistry {
	return &roomRegistry{sock: sock, counts: make(map[string]int)}
}

func (r *roomRegistry) join(ctx context.Context, room string) error {
	r.mu.Lock()
	r.counts[room]++
	first := r.counts[room] == 1
	r.mu.Unlock()

	if !first {
		return nil
	}
	// Membership is client intent. If the socket is down, the join is
	// replayed by rejoin once the connection is back.
	err := r.sock.Emit(ctx, EventJoinRoom, JoinRoomPayload{Room: room})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (r *roomRegistry) leave(ctx context.Context, room string) error {
	r.mu.Lock()
	n, ok := r.counts[room]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	n--
	if n <= 0 {
		delete(r.counts, room)
	} else {
		r.counts[room] = n
	}
	last := n <= 0
	r.mu.Unlock()

	if !last {
		return nil
	}
	err := r.sock.Emit(ctx, EventLeaveRoom, JoinRoomPayload{Room: room})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// rejoin re-emits joinRoom for every live room. Called on every (re)connect
// before user handlers run, so a reconnect is invisible to mounted views.
func (r *roomRegistry) rejoin(ctx context.Context) {
	r.mu.Lock()
	rooms := make([]string, 0, len(r.counts))
	for room := range r.counts {
		rooms = append(rooms, room)
	}
	r.mu.Unlock()

	for _, room := range rooms {
		r.sock.Emit(ctx, EventJoinRoom, JoinRoomPayload{Room: room})
	}
}

func (r *roomRegistry) count(room string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[room]
}

// ============================================================================
// Public surface
// ============================================================================

// RoomRegistry is the socket's room membership surface.
type RoomRegistry struct {
	reg *roomRegistry
}

// Join acquires a handle on the room, emitting joinRoom if this is the first
// live handle. Handlers registered through the handle are torn down when it
// is left.
func (r *RoomRegistry) Join(ctx context.Context, room string) (*RoomHandle, error) {
	if err := r.reg.join(ctx, room); err != nil {
		return nil, err
	}
	return &RoomHandle{reg: r.reg, room: room}, nil
}

// Count reports the number of live handles on the room.
func (r *RoomRegistry) Count(room string) int {
	return r.reg.count(room)
}

// RoomHandle is one view's claim on a room. Leave releases it.
type RoomHandle struct {
	reg  *roomRegistry
	room string

	mu   sync.Mutex
	subs []*Subscription
	left bool
}

// Room returns the room name.
func (h *RoomHandle) Room() string { return h.room }

// On registers an event handler scoped to this handle's lifetime. The handler
// is removed automatically on Leave.
func (h *RoomHandle) On(event string, fn EventHandler) *Subscription {
	sub := h.reg.sock.On(event, fn)
	h.mu.Lock()
	if h.left {
		h.mu.Unlock()
		sub.Off()
		return sub
	}
	h.subs = append(h.subs, sub)
	h.mu.Unlock()
	return sub
}

// Leave releases the handle: all handlers registered through it are removed,
// and leaveRoom is emitted if this was the last handle on the room. Safe to
// call more than once.
func (h *RoomHandle) Leave(ctx context.Context) error {
	h.mu.Lock()
	if h.left {
		h.mu.Unlock()
		return nil
	}
	h.left = true
	subs := h.subs
	h.subs = nil
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Off()
	}
	return h.reg.leave(ctx, h.room)
}
