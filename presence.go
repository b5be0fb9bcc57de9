package letti

import (
	"sync"
	"time"
)

// ============================================================================
// Presence
// ============================================================================

// PresenceTracker maintains a last-write-wins map of user presence fed by the
// socket's presence stream. There is no sequencing on the wire; a reordered
// pair of updates leaves the later arrival in place. The map is cleared on
// disconnect so stale state cannot survive a reconnect.
type PresenceTracker struct {
	mu       sync.Mutex
	statuses map[string]PresenceStatus
	sub      *Subscription
	discSub  *Subscription
}

// TrackPresence subscribes a tracker to the socket's presence events.
func TrackPresence(sock *Socket) *PresenceTracker {
	t := &PresenceTracker{statuses: make(map[string]PresenceStatus)}
	t.sub = sock.OnPresence(func(p PresencePayload) {
		t.mu.Lock()
		if p.Status == PresenceOffline {
			delete(t.statuses, p.UserID)
		} else {
			t.statuses[p.UserID] = p.Status
		}
		t.mu.Unlock()
	})
	t.discSub = sock.OnDisconnected(func(string) {
		t.mu.Lock()
		t.statuses = make(map[string]PresenceStatus)
		t.mu.Unlock()
	})
	return t
}

// Status returns the user's last known presence, offline when unknown.
func (t *PresenceTracker) Status(userID string) PresenceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.statuses[userID]; ok {
		return s
	}
	return PresenceOffline
}

// Online returns the users currently known to be online.
func (t *PresenceTracker) Online() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var users []string
	for id, s := range t.statuses {
		if s == PresenceOnline {
			users = append(users, id)
		}
	}
	return users
}

// Stop detaches the tracker from the socket.
func (t *PresenceTracker) Stop() {
	t.sub.Off()
	t.discSub.Off()
}

// ============================================================================
// Typing notifier
// ============================================================================

// typingIdleWindow is how long after the last keystroke the typing indicator
// is withdrawn.
const typingIdleWindow = 500 * time.Millisecond

// TypingNotifier debounces local typing activity into at most one
// typing-true per burst and one typing-false when the burst ends. Flush ends
// the burst immediately; sends and room teardown call it so a typing
// indicator never outlives the input it described.
type TypingNotifier struct {
	mu     sync.Mutex
	emit   func(isTyping bool)
	window time.Duration
	timer  *time.Timer
	active bool
	closed bool
}

func newTypingNotifier(emit func(bool)) *TypingNotifier {
	return newTypingNotifierWindow(emit, typingIdleWindow)
}

func newTypingNotifierWindow(emit func(bool), window time.Duration) *TypingNotifier {
	return &TypingNotifier{emit: emit, window: window}
}

// Keystroke registers local input. The first keystroke of a burst emits
// typing true; each one pushes the idle deadline out.
func (t *TypingNotifier) Keystroke() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	first := !t.active
	t.active = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.window, t.Flush)
	t.mu.Unlock()

	if first {
		t.emit(true)
	}
}

// Flush ends the burst, emitting typing false if one was active.
func (t *TypingNotifier) Flush() {
	t.mu.Lock()
	wasActive := t.active
	t.active = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()

	if wasActive {
		t.emit(false)
	}
}

// Close flushes and permanently disables the notifier.
func (t *TypingNotifier) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()
	t.Flush()
}
