package letti

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// emitLog records typing emissions from a notifier under test.
type emitLog struct {
	mu    sync.Mutex
	calls []bool
}

func (l *emitLog) record(isTyping bool) {
	l.mu.Lock()
	l.calls = append(l.calls, isTyping)
	l.mu.Unlock()
}

func (l *emitLog) snapshot() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool{}, l.calls...)
}

func TestTypingNotifierDebounce(t *testing.T) {
	log := &emitLog{}
	n := newTypingNotifierWindow(log.record, 50*time.Millisecond)

	n.Keystroke()
	n.Keystroke()
	n.Keystroke()

	if got := log.snapshot(); len(got) != 1 || !got[0] {
		t.Fatalf("emissions = %v, want single typing-true per burst", got)
	}

	// Idle past the window ends the burst.
	time.Sleep(150 * time.Millisecond)
	if got := log.snapshot(); len(got) != 2 || got[1] {
		t.Fatalf("emissions = %v, want typing-false after idle window", got)
	}

	// A new burst starts over.
	n.Keystroke()
	if got := log.snapshot(); len(got) != 3 || !got[2] {
		t.Fatalf("emissions = %v, want a fresh typing-true", got)
	}
	n.Flush()
	if got := log.snapshot(); len(got) != 4 || got[3] {
		t.Fatalf("emissions = %v, want typing-false from Flush", got)
	}
}

func TestTypingNotifierFlushIdleIsNoop(t *testing.T) {
	log := &emitLog{}
	n := newTypingNotifierWindow(log.record, 50*time.Millisecond)

	n.Flush()
	if got := log.snapshot(); len(got) != 0 {
		t.Errorf("emissions = %v, want none for idle flush", got)
	}
}

func TestTypingNotifierClose(t *testing.T) {
	log := &emitLog{}
	n := newTypingNotifierWindow(log.record, time.Hour)

	n.Keystroke()
	n.Close()

	got := log.snapshot()
	if len(got) != 2 || !got[0] || got[1] {
		t.Fatalf("emissions = %v, want [true false]", got)
	}

	n.Keystroke()
	if got := log.snapshot(); len(got) != 2 {
		t.Errorf("emissions = %v, keystroke after Close must be ignored", got)
	}
}

func TestSendFlushesTyping(t *testing.T) {
	var mu sync.Mutex
	var typingEvents []TypingPayload

	srv := startWSServer(t, func(ctx context.Context, conn *websocket.Conn, env Envelope) {
		switch env.Event {
		case EventTyping:
			var p TypingPayload
			if json.Unmarshal(env.Payload, &p) == nil {
				mu.Lock()
				typingEvents = append(typingEvents, p)
				mu.Unlock()
			}
		case EventSendMessage:
			var p SendMessagePayload
			json.Unmarshal(env.Payload, &p)
			writeAck(ctx, conn, env.RequestID, true, ChatMessage{
				ID:       "srv-1",
				ClientID: p.ClientID,
				Content:  p.Content,
				SentAt:   time.Now().UTC().Format(time.RFC3339),
			}, nil)
		default:
			if env.RequestID != "" {
				writeAck(ctx, conn, env.RequestID, true, nil, nil)
			}
		}
	})
	sock := connectedSocket(t, srv, nil)

	room, err := OpenChatRoom(context.Background(), sock, "p1", ChatOptions{Sender: testSender})
	if err != nil {
		t.Fatalf("OpenChatRoom() error: %v", err)
	}
	defer room.Close(context.Background())

	room.Keystroke()
	if _, err := room.Send(context.Background(), "done typing"); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	fence(t, sock)

	mu.Lock()
	defer mu.Unlock()
	if len(typingEvents) != 2 {
		t.Fatalf("typing events = %+v, want [true false]", typingEvents)
	}
	if !typingEvents[0].IsTyping || typingEvents[1].IsTyping {
		t.Errorf("typing events = %+v, want true then false", typingEvents)
	}
	if typingEvents[0].UserID != testSender.ID || typingEvents[0].PropertyID != "p1" {
		t.Errorf("typing payload = %+v, want sender and property set", typingEvents[0])
	}
}

func TestPresenceTracker(t *testing.T) {
	sock := NewSocket("http://127.0.0.1:0", nil)
	tracker := TrackPresence(sock)

	push := func(userID string, status PresenceStatus) {
		sock.dispatcher.dispatch(Envelope{
			Event:   EventPresence,
			Payload: marshalPayload(PresencePayload{UserID: userID, Status: status}),
		})
	}

	if got := tracker.Status("u2"); got != PresenceOffline {
		t.Errorf("unknown user Status() = %s, want offline", got)
	}

	push("u2", PresenceOnline)
	if got := tracker.Status("u2"); got != PresenceOnline {
		t.Errorf("Status() = %s, want online", got)
	}
	if online := tracker.Online(); len(online) != 1 || online[0] != "u2" {
		t.Errorf("Online() = %v, want [u2]", online)
	}

	// Last write wins.
	push("u2", PresenceOffline)
	if got := tracker.Status("u2"); got != PresenceOffline {
		t.Errorf("Status() after offline = %s, want offline", got)
	}
}

func TestTrackerStopDetachesHandlers(t *testing.T) {
	sock := NewSocket("http://127.0.0.1:0", nil)

	tracker := TrackPresence(sock)
	tracker.Stop()

	if n := handlerCount(sock, EventPresence); n != 0 {
		t.Errorf("%d presence handlers left after Stop, want 0", n)
	}
	if n := handlerCount(sock, metaDisconnected); n != 0 {
		t.Errorf("%d disconnect handlers left after Stop, want 0", n)
	}

	// A stopped tracker no longer follows the stream.
	sock.dispatcher.dispatch(Envelope{
		Event:   EventPresence,
		Payload: marshalPayload(PresencePayload{UserID: "u2", Status: PresenceOnline}),
	})
	if got := tracker.Status("u2"); got != PresenceOffline {
		t.Errorf("Status() = %s after Stop, want offline", got)
	}
}

func TestPresenceClearedOnDisconnect(t *testing.T) {
	srv := startWSServer(t, func(ctx context.Context, conn *websocket.Conn, env Envelope) {
		if env.Event == "push-presence" {
			writeEvent(ctx, conn, EventPresence, PresencePayload{UserID: "u2", Status: PresenceOnline})
		}
		if env.RequestID != "" {
			writeAck(ctx, conn, env.RequestID, true, nil, nil)
		}
	})
	sock := connectedSocket(t, srv, nil)
	tracker := TrackPresence(sock)

	sock.Emit(context.Background(), "push-presence", nil)
	fence(t, sock)
	if got := tracker.Status("u2"); got != PresenceOnline {
		t.Fatalf("Status() = %s, want online", got)
	}

	sock.Disconnect()
	if got := tracker.Status("u2"); got != PresenceOffline {
		t.Errorf("Status() after disconnect = %s, want offline (state cleared)", got)
	}
}
