package letti

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

var testSender = &User{ID: "u1", DisplayName: "Ana"}

func TestSendConfirmedReplacesPending(t *testing.T) {
	srv := startWSServer(t, func(ctx context.Context, conn *websocket.Conn, env Envelope) {
		switch env.Event {
		case EventSendMessage:
			var p SendMessagePayload
			json.Unmarshal(env.Payload, &p)
			// Hold the ack long enough for the pending entry to be observed.
			time.Sleep(200 * time.Millisecond)
			writeAck(ctx, conn, env.RequestID, true, ChatMessage{
				ID:       "srv-1",
				ClientID: p.ClientID,
				Content:  p.Content,
				Sender:   MessageSender{ID: testSender.ID, DisplayName: testSender.DisplayName},
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

	done := make(chan struct{})
	var sent *ChatMessage
	var sendErr error
	go func() {
		sent, sendErr = room.Send(context.Background(), "hello")
		close(done)
	}()

	// The optimistic entry must appear before the ack resolves.
	deadline := time.Now().Add(2 * time.Second)
	for {
		msgs := room.Messages()
		if len(msgs) == 1 {
			if !msgs[0].Pending {
				t.Fatal("entry confirmed before server ack")
			}
			if msgs[0].ClientID == "" {
				t.Fatal("pending entry has no client ID")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("pending entry never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}

	<-done
	if sendErr != nil {
		t.Fatalf("Send() error: %v", sendErr)
	}
	if sent.ID != "srv-1" || sent.Pending {
		t.Errorf("confirmed message = %+v, want srv-1 not pending", sent)
	}

	msgs := room.Messages()
	if len(msgs) != 1 {
		t.Fatalf("transcript has %d entries, want 1", len(msgs))
	}
	if msgs[0].ID != "srv-1" || msgs[0].Pending {
		t.Errorf("entry = %+v, want replaced in place by srv-1", msgs[0])
	}
}

func TestSendRollbackOnRejection(t *testing.T) {
	srv := startWSServer(t, func(ctx context.Context, conn *websocket.Conn, env Envelope) {
		if env.RequestID != "" {
			if env.Event == EventSendMessage {
				writeAck(ctx, conn, env.RequestID, false, nil, &APIError{Code: "BLOCKED", Message: "user is blocked"})
				return
			}
			writeAck(ctx, conn, env.RequestID, true, nil, nil)
		}
	})
	sock := connectedSocket(t, srv, nil)

	var notices []Notice
	var mu sync.Mutex
	room, err := OpenChatRoom(context.Background(), sock, "p1", ChatOptions{
		Sender: testSender,
		Notify: func(n Notice) {
			mu.Lock()
			notices = append(notices, n)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("OpenChatRoom() error: %v", err)
	}
	defer room.Close(context.Background())

	_, err = room.Send(context.Background(), "hello")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "BLOCKED" {
		t.Fatalf("Send() error = %v, want APIError BLOCKED", err)
	}

	if msgs := room.Messages(); len(msgs) != 0 {
		t.Errorf("transcript has %d entries after rollback, want 0", len(msgs))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(notices) == 0 || notices[0].Level != NoticeError {
		t.Errorf("notices = %+v, want one error notice", notices)
	}
}

func TestSendRollbackOnTimeout(t *testing.T) {
	// Server that swallows sendMessage.
	srv := startWSServer(t, func(ctx context.Context, conn *websocket.Conn, env Envelope) {
		if env.Event != EventSendMessage && env.RequestID != "" {
			writeAck(ctx, conn, env.RequestID, true, nil, nil)
		}
	})
	sock := connectedSocket(t, srv, &SocketConfig{AckTimeout: 50 * time.Millisecond})

	room, err := OpenChatRoom(context.Background(), sock, "p1", ChatOptions{Sender: testSender})
	if err != nil {
		t.Fatalf("OpenChatRoom() error: %v", err)
	}
	defer room.Close(context.Background())

	_, err = room.Send(context.Background(), "hello")
	if !errors.Is(err, ErrAckTimeout) {
		t.Fatalf("Send() error = %v, want ErrAckTimeout", err)
	}
	if msgs := room.Messages(); len(msgs) != 0 {
		t.Errorf("transcript has %d entries after timeout rollback, want 0", len(msgs))
	}
}

func TestSendRequiresSender(t *testing.T) {
	rec := &eventRecorder{}
	srv := startWSServer(t, rec.handle)
	sock := connectedSocket(t, srv, nil)

	room, err := OpenChatRoom(context.Background(), sock, "p1", ChatOptions{})
	if err != nil {
		t.Fatalf("OpenChatRoom() error: %v", err)
	}
	defer room.Close(context.Background())

	if _, err := room.Send(context.Background(), "hi"); !errors.Is(err, ErrNoSender) {
		t.Errorf("Send() error = %v, want ErrNoSender", err)
	}
}

func TestSendRequiresConnection(t *testing.T) {
	sock := NewSocket("http://127.0.0.1:0", nil)

	room, err := OpenChatRoom(context.Background(), sock, "p1", ChatOptions{Sender: testSender})
	if err != nil {
		t.Fatalf("OpenChatRoom() error: %v", err)
	}

	if _, err := room.Send(context.Background(), "hi"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
	if msgs := room.Messages(); len(msgs) != 0 {
		t.Errorf("rejected send left %d entries", len(msgs))
	}
}

func TestBroadcastEchoDeduped(t *testing.T) {
	srv := startWSServer(t, func(ctx context.Context, conn *websocket.Conn, env Envelope) {
		switch env.Event {
		case EventSendMessage:
			var p SendMessagePayload
			json.Unmarshal(env.Payload, &p)
			confirmed := ChatMessage{
				ID:       "srv-1",
				ClientID: p.ClientID,
				Content:  p.Content,
				Sender:   MessageSender{ID: testSender.ID, DisplayName: testSender.DisplayName},
				SentAt:   time.Now().UTC().Format(time.RFC3339),
			}
			// Broadcast reaches the sender before the ack does.
			writeEvent(ctx, conn, EventNewMessage, confirmed)
			writeAck(ctx, conn, env.RequestID, true, confirmed, nil)
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

	if _, err := room.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	fence(t, sock)

	msgs := room.Messages()
	if len(msgs) != 1 {
		t.Fatalf("transcript has %d entries, want 1 (echo deduplicated)", len(msgs))
	}
	if msgs[0].ID != "srv-1" || msgs[0].Pending {
		t.Errorf("entry = %+v, want confirmed srv-1", msgs[0])
	}
}

func TestBroadcastBeforeAckTimeoutKeepsMessage(t *testing.T) {
	// The broadcast lands, the ack never does. The confirmed entry must
	// survive the timeout instead of being rolled back.
	srv := startWSServer(t, func(ctx context.Context, conn *websocket.Conn, env Envelope) {
		switch env.Event {
		case EventSendMessage:
			var p SendMessagePayload
			json.Unmarshal(env.Payload, &p)
			writeEvent(ctx, conn, EventNewMessage, ChatMessage{
				ID:       "srv-1",
				ClientID: p.ClientID,
				Content:  p.Content,
				Sender:   MessageSender{ID: testSender.ID, DisplayName: testSender.DisplayName},
				SentAt:   time.Now().UTC().Format(time.RFC3339),
			})
		default:
			if env.RequestID != "" {
				writeAck(ctx, conn, env.RequestID, true, nil, nil)
			}
		}
	})
	sock := connectedSocket(t, srv, &SocketConfig{AckTimeout: 100 * time.Millisecond})

	room, err := OpenChatRoom(context.Background(), sock, "p1", ChatOptions{Sender: testSender})
	if err != nil {
		t.Fatalf("OpenChatRoom() error: %v", err)
	}
	defer room.Close(context.Background())

	sent, err := room.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Send() error = %v, want success via the broadcast", err)
	}
	if sent.ID != "srv-1" || sent.Pending {
		t.Errorf("Send() = %+v, want the broadcast-confirmed srv-1", sent)
	}

	msgs := room.Messages()
	if len(msgs) != 1 {
		t.Fatalf("transcript = %+v, want the confirmed message kept", msgs)
	}
	if msgs[0].ID != "srv-1" || msgs[0].Pending {
		t.Errorf("entry = %+v, want confirmed srv-1", msgs[0])
	}
}

func handlerCount(sock *Socket, event string) int {
	sock.dispatcher.mu.RLock()
	defer sock.dispatcher.mu.RUnlock()
	return len(sock.dispatcher.handlers[event])
}

func TestCloseDetachesMetaHandlers(t *testing.T) {
	rec := &eventRecorder{}
	srv := startWSServer(t, rec.handle)
	sock := connectedSocket(t, srv, nil)

	for i := 0; i < 5; i++ {
		room, err := OpenChatRoom(context.Background(), sock, "p1", ChatOptions{Sender: testSender})
		if err != nil {
			t.Fatalf("OpenChatRoom() error: %v", err)
		}
		if err := room.Close(context.Background()); err != nil {
			t.Fatalf("Close() error: %v", err)
		}
	}

	if n := handlerCount(sock, metaDisconnected); n != 0 {
		t.Errorf("%d disconnect handlers left after close, want 0", n)
	}
	if n := handlerCount(sock, EventNewMessage); n != 0 {
		t.Errorf("%d newMessage handlers left after close, want 0", n)
	}
}

func TestIncomingBroadcasts(t *testing.T) {
	srv := startWSServer(t, func(ctx context.Context, conn *websocket.Conn, env Envelope) {
		switch env.Event {
		case "push-message":
			writeEvent(ctx, conn, EventNewMessage, ChatMessage{
				ID:        "m1",
				Content:   "is it available?",
				Sender:    MessageSender{ID: "u2", DisplayName: "Ben"},
				CreatedAt: "2026-03-01T10:00:00Z",
				SentAt:    "2026-03-01T10:00:00Z",
			})
		case "push-delete":
			writeEvent(ctx, conn, EventMessageDeleted, MessageDeletedPayload{MessageID: "m1"})
		case "push-edit":
			writeEvent(ctx, conn, EventMessageEdited, ChatMessage{
				ID:       "m1",
				Content:  "is it still available?",
				EditedAt: "2026-03-01T10:05:00Z",
			})
		}
		if env.RequestID != "" {
			writeAck(ctx, conn, env.RequestID, true, nil, nil)
		}
	})
	sock := connectedSocket(t, srv, nil)

	room, err := OpenChatRoom(context.Background(), sock, "p1", ChatOptions{Sender: testSender})
	if err != nil {
		t.Fatalf("OpenChatRoom() error: %v", err)
	}
	defer room.Close(context.Background())

	t.Run("new message appended", func(t *testing.T) {
		sock.Emit(context.Background(), "push-message", nil)
		fence(t, sock)

		msgs := room.Messages()
		if len(msgs) != 1 || msgs[0].ID != "m1" {
			t.Fatalf("transcript = %+v, want single m1", msgs)
		}
	})

	t.Run("duplicate dropped", func(t *testing.T) {
		sock.Emit(context.Background(), "push-message", nil)
		fence(t, sock)

		if msgs := room.Messages(); len(msgs) != 1 {
			t.Fatalf("transcript has %d entries after duplicate, want 1", len(msgs))
		}
	})

	t.Run("edit merges in place", func(t *testing.T) {
		sock.Emit(context.Background(), "push-edit", nil)
		fence(t, sock)

		msgs := room.Messages()
		if msgs[0].Content != "is it still available?" {
			t.Errorf("content = %q, want edited content", msgs[0].Content)
		}
		if msgs[0].EditedAt == "" {
			t.Error("EditedAt not set")
		}
	})

	t.Run("delete tombstones in place", func(t *testing.T) {
		sock.Emit(context.Background(), "push-delete", nil)
		fence(t, sock)

		msgs := room.Messages()
		if len(msgs) != 1 {
			t.Fatalf("tombstone removed the entry, want position preserved")
		}
		if !msgs[0].Deleted {
			t.Error("entry not tombstoned")
		}
		if msgs[0].Content != "is it still available?" {
			t.Errorf("content = %q, want retained locally behind the tombstone", msgs[0].Content)
		}
	})
}

func TestTypingIndicator(t *testing.T) {
	srv := startWSServer(t, func(ctx context.Context, conn *websocket.Conn, env Envelope) {
		switch env.Event {
		case "push-typing-on":
			writeEvent(ctx, conn, EventTypingStatus, TypingStatusPayload{UserID: "u2", IsTyping: true})
			writeEvent(ctx, conn, EventTypingStatus, TypingStatusPayload{UserID: testSender.ID, IsTyping: true})
		case "push-typing-off":
			writeEvent(ctx, conn, EventTypingStatus, TypingStatusPayload{UserID: "u2", IsTyping: false})
		}
		if env.RequestID != "" {
			writeAck(ctx, conn, env.RequestID, true, nil, nil)
		}
	})
	sock := connectedSocket(t, srv, nil)

	room, err := OpenChatRoom(context.Background(), sock, "p1", ChatOptions{Sender: testSender})
	if err != nil {
		t.Fatalf("OpenChatRoom() error: %v", err)
	}
	defer room.Close(context.Background())

	sock.Emit(context.Background(), "push-typing-on", nil)
	fence(t, sock)

	typing := room.Typing()
	if len(typing) != 1 || typing[0] != "u2" {
		t.Errorf("Typing() = %v, want [u2] (own typing excluded)", typing)
	}

	sock.Emit(context.Background(), "push-typing-off", nil)
	fence(t, sock)

	if typing := room.Typing(); len(typing) != 0 {
		t.Errorf("Typing() = %v after stop, want empty", typing)
	}
}

func TestTranscriptCache(t *testing.T) {
	rec := &eventRecorder{}
	srv := startWSServer(t, rec.handle)
	sock := connectedSocket(t, srv, nil)

	store := NewMemoryStore()
	cached := []ChatMessage{{
		ID:        "m0",
		Content:   "earlier",
		Sender:    MessageSender{ID: "u2", DisplayName: "Ben"},
		CreatedAt: "2026-02-28T09:00:00Z",
		SentAt:    "2026-02-28T09:00:00Z",
	}}
	if err := store.Save(testSender.ID, PropertyRoom("p1"), cached); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	room, err := OpenChatRoom(context.Background(), sock, "p1", ChatOptions{Sender: testSender, Store: store})
	if err != nil {
		t.Fatalf("OpenChatRoom() error: %v", err)
	}
	defer room.Close(context.Background())

	msgs := room.Messages()
	if len(msgs) != 1 || msgs[0].ID != "m0" {
		t.Fatalf("cached transcript not loaded: %+v", msgs)
	}
}

func TestTimelineDateHeaders(t *testing.T) {
	room := &ChatRoom{index: make(map[string]int)}
	room.messages = []ChatMessage{
		{ID: "m1", Content: "a", SentAt: "2026-03-01T23:59:00Z"},
		{ID: "m2", Content: "b", SentAt: "2026-03-01T23:59:30Z"},
		{ID: "m3", Content: "c", SentAt: "2026-03-02T00:01:00Z"},
	}

	entries := room.Timeline()
	want := []struct {
		header string
		msgID  string
	}{
		{header: "2026-03-01"},
		{msgID: "m1"},
		{msgID: "m2"},
		{header: "2026-03-02"},
		{msgID: "m3"},
	}
	if len(entries) != len(want) {
		t.Fatalf("timeline has %d entries, want %d: %+v", len(entries), len(want), entries)
	}
	for i, w := range want {
		e := entries[i]
		if w.header != "" {
			if e.DateHeader != w.header {
				t.Errorf("entry %d header = %q, want %q", i, e.DateHeader, w.header)
			}
			continue
		}
		if e.Message == nil || e.Message.ID != w.msgID {
			t.Errorf("entry %d = %+v, want message %s", i, e, w.msgID)
		}
	}
}

func TestTimelineHonorsOffsetTimestamps(t *testing.T) {
	// 23:30 at UTC-3 is 02:30 the next day in UTC; the header must follow
	// the UTC day.
	room := &ChatRoom{index: make(map[string]int)}
	room.messages = []ChatMessage{
		{ID: "m1", SentAt: "2026-03-01T10:00:00Z"},
		{ID: "m2", SentAt: "2026-03-01T23:30:00-03:00"},
	}

	entries := room.Timeline()
	var headers []string
	for _, e := range entries {
		if e.DateHeader != "" {
			headers = append(headers, e.DateHeader)
		}
	}
	if len(headers) != 2 || headers[1] != "2026-03-02" {
		t.Errorf("headers = %v, want [2026-03-01 2026-03-02]", headers)
	}
}
