package letti

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// newClientID mints the client-generated identifier that carries a message
// through the pending to confirmed transition.
func newClientID() string {
	return uuid.NewString()
}

// ErrNoSender is returned by Send when the room was opened without a sender
// identity. Such a room is read-only.
var ErrNoSender = errors.New("letti: chat room opened without a sender")

// ChatOptions configures an open chat room.
type ChatOptions struct {
	// Sender is the local user. Nil opens the room read-only.
	Sender *User
	// Store, when set, persists the transcript per (user, room) so the
	// history is visible before the server backfills it.
	Store TranscriptStore
	// Notify receives transient failures (send rollback, persistence
	// errors). Nil drops them.
	Notify Notifier
}

// ChatRoom is the live message store for one property conversation. It holds
// the optimistic transcript: sends appear immediately as pending entries and
// are reconciled in place when the server acknowledges them.
type ChatRoom struct {
	sock       *Socket
	handle     *RoomHandle
	propertyID string
	sender     *User
	store      TranscriptStore
	notify     Notifier
	typer      *TypingNotifier
	discSub    *Subscription

	mu       sync.Mutex
	messages []ChatMessage
	index    map[string]int
	typing   map[string]bool
	closed   bool
}

// OpenChatRoom joins the property's chat room and wires the message, typing
// and presence streams into a ChatRoom. Close releases everything.
func OpenChatRoom(ctx context.Context, sock *Socket, propertyID string, opts ChatOptions) (*ChatRoom, error) {
	handle, err := sock.Rooms().Join(ctx, PropertyRoom(propertyID))
	if err != nil {
		return nil, err
	}

	r := &ChatRoom{
		sock:       sock,
		handle:     handle,
		propertyID: propertyID,
		sender:     opts.Sender,
		store:      opts.Store,
		notify:     opts.Notify,
		index:      make(map[string]int),
		typing:     make(map[string]bool),
	}
	r.typer = newTypingNotifier(func(isTyping bool) {
		r.emitTyping(context.Background(), isTyping)
	})

	if r.store != nil {
		cached, err := r.store.Load(r.storeUser(), handle.Room())
		if err != nil {
			r.notify.notify(NoticeError, "could not load cached messages")
		} else {
			r.mu.Lock()
			r.messages = cached
			r.reindexLocked()
			r.mu.Unlock()
		}
	}

	handle.On(EventNewMessage, func(_ string, payload json.RawMessage) {
		var m ChatMessage
		if json.Unmarshal(payload, &m) == nil {
			r.receive(m)
		}
	})
	handle.On(EventMessageDeleted, func(_ string, payload json.RawMessage) {
		var p MessageDeletedPayload
		if json.Unmarshal(payload, &p) == nil {
			r.markDeleted(p.MessageID)
		}
	})
	handle.On(EventMessageEdited, func(_ string, payload json.RawMessage) {
		var m ChatMessage
		if json.Unmarshal(payload, &m) == nil {
			r.applyEdit(m)
		}
	})
	handle.On(EventTypingStatus, func(_ string, payload json.RawMessage) {
		var p TypingStatusPayload
		if json.Unmarshal(payload, &p) == nil {
			r.setTyping(p.UserID, p.IsTyping)
		}
	})

	// Typing state is ephemeral. A disconnect drops it wholesale rather
	// than letting a stale indicator survive the reconnect.
	r.discSub = sock.OnDisconnected(func(string) {
		r.mu.Lock()
		r.typing = make(map[string]bool)
		r.mu.Unlock()
	})

	return r, nil
}

// PropertyID returns the property this conversation belongs to.
func (r *ChatRoom) PropertyID() string { return r.propertyID }

// Send delivers a message. The message appears in the transcript immediately
// as a pending entry; when the server acknowledges, the entry is replaced in
// place by the canonical message. On failure or ack timeout the entry is
// rolled back and the error is surfaced.
func (r *ChatRoom) Send(ctx context.Context, content string) (*ChatMessage, error) {
	if r.sender == nil {
		return nil, ErrNoSender
	}
	if !r.sock.Ready() {
		return nil, ErrNotConnected
	}

	pending := ChatMessage{
		ClientID:  newClientID(),
		Content:   content,
		Sender:    MessageSender{ID: r.sender.ID, DisplayName: r.sender.DisplayName},
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Pending:   true,
	}

	r.mu.Lock()
	r.messages = append(r.messages, pending)
	r.index[pending.ClientID] = len(r.messages) - 1
	r.mu.Unlock()
	r.persist()

	// A send ends the typing burst.
	r.typer.Flush()

	ack, err := r.sock.EmitAck(ctx, EventSendMessage, SendMessagePayload{
		PropertyID: r.propertyID,
		Content:    content,
		ClientID:   pending.ClientID,
	})
	if err != nil {
		if kept, ok := r.rollback(pending.ClientID); ok {
			return kept, nil
		}
		r.notify.notify(NoticeError, "message could not be sent")
		return nil, err
	}
	if !ack.OK {
		if kept, ok := r.rollback(pending.ClientID); ok {
			return kept, nil
		}
		r.notify.notify(NoticeError, "message could not be sent")
		if ack.Error != nil {
			return nil, ack.Error
		}
		return nil, fmt.Errorf("send rejected")
	}

	confirmed := pending
	if err := ack.Decode(&confirmed); err != nil {
		if kept, ok := r.rollback(pending.ClientID); ok {
			return kept, nil
		}
		return nil, fmt.Errorf("bad ack payload: %w", err)
	}
	confirmed.ClientID = pending.ClientID
	confirmed.Pending = false

	r.replace(pending.ClientID, confirmed)
	r.persist()
	return &confirmed, nil
}

// Delete removes a message. The server confirms via ack; the local entry
// becomes a tombstone so transcript positions are preserved.
func (r *ChatRoom) Delete(ctx context.Context, messageID string) error {
	if !r.sock.Ready() {
		return ErrNotConnected
	}
	ack, err := r.sock.EmitAck(ctx, EventDeleteMessage, DeleteMessagePayload{
		PropertyID: r.propertyID,
		MessageID:  messageID,
	})
	if err != nil {
		return err
	}
	if !ack.OK {
		if ack.Error != nil {
			return ack.Error
		}
		return fmt.Errorf("delete rejected")
	}
	r.markDeleted(messageID)
	return nil
}

// Edit replaces a message's content. The edited message keeps its transcript
// position and gains an edited timestamp.
func (r *ChatRoom) Edit(ctx context.Context, messageID, newContent string) error {
	if !r.sock.Ready() {
		return ErrNotConnected
	}
	ack, err := r.sock.EmitAck(ctx, EventEditMessage, EditMessagePayload{
		PropertyID: r.propertyID,
		MessageID:  messageID,
		NewContent: newContent,
	})
	if err != nil {
		return err
	}
	if !ack.OK {
		if ack.Error != nil {
			return ack.Error
		}
		return fmt.Errorf("edit rejected")
	}
	var edited ChatMessage
	if ack.Decode(&edited) == nil && edited.ID != "" {
		r.applyEdit(edited)
	}
	return nil
}

// Keystroke reports local typing activity. The first call in a burst emits
// typing true; typing false follows automatically after the idle window.
func (r *ChatRoom) Keystroke() {
	r.typer.Keystroke()
}

// Typing returns the users currently typing in the room, excluding the local
// sender.
func (r *ChatRoom) Typing() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var users []string
	for id, on := range r.typing {
		if !on {
			continue
		}
		if r.sender != nil && id == r.sender.ID {
			continue
		}
		users = append(users, id)
	}
	return users
}

// Messages returns a snapshot of the transcript in arrival order, tombstones
// included.
func (r *ChatRoom) Messages() []ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ChatMessage, len(r.messages))
	copy(out, r.messages)
	return out
}

// Close leaves the room, stops the typing notifier and persists the
// transcript. The room must not be used afterwards.
func (r *ChatRoom) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.typer.Close()
	r.discSub.Off()
	r.persist()
	return r.handle.Leave(ctx)
}

// ============================================================================
// Timeline
// ============================================================================

// TimelineEntry is one row of the rendered transcript: either a date header
// or a message, never both.
type TimelineEntry struct {
	DateHeader string
	Message    *ChatMessage
}

// Timeline returns the transcript with a date header inserted before the
// first message of each UTC calendar day.
func (r *ChatRoom) Timeline() []TimelineEntry {
	msgs := r.Messages()
	var out []TimelineEntry
	lastDay := ""
	for i := range msgs {
		day := messageDay(&msgs[i])
		if day != "" && day != lastDay {
			out = append(out, TimelineEntry{DateHeader: day})
			lastDay = day
		}
		out = append(out, TimelineEntry{Message: &msgs[i]})
	}
	return out
}

func messageDay(m *ChatMessage) string {
	ts := m.SentAt
	if ts == "" {
		ts = m.CreatedAt
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ""
	}
	return t.UTC().Format("2006-01-02")
}

// ============================================================================
// Reconciliation
// ============================================================================

// receive folds a broadcast message into the transcript. A broadcast echoing
// one of our own sends is matched by client ID and replaces the pending entry
// in place; an already-confirmed duplicate is dropped.
func (r *ChatRoom) receive(m ChatMessage) {
	r.mu.Lock()
	if m.ClientID != "" {
		if pos, ok := r.index[m.ClientID]; ok {
			m.Pending = false
			r.messages[pos] = m
			r.reindexLocked()
			r.mu.Unlock()
			r.persist()
			return
		}
	}
	if m.ID != "" {
		if _, ok := r.index[m.ID]; ok {
			r.mu.Unlock()
			return
		}
	}
	r.messages = append(r.messages, m)
	r.index[m.Key()] = len(r.messages) - 1
	r.mu.Unlock()
	r.persist()
}

// markDeleted tombstones the message in place. The content stays in the
// local list; renderers hide it behind a placeholder. Unknown IDs are
// ignored; the broadcast may concern a message outside our cached window.
func (r *ChatRoom) markDeleted(messageID string) {
	r.mu.Lock()
	pos, ok := r.index[messageID]
	if ok {
		r.messages[pos].Deleted = true
	}
	r.mu.Unlock()
	if ok {
		r.persist()
	}
}

func (r *ChatRoom) applyEdit(edited ChatMessage) {
	r.mu.Lock()
	pos, ok := r.index[edited.ID]
	if ok {
		r.messages[pos].Content = edited.Content
		r.messages[pos].EditedAt = edited.EditedAt
	}
	r.mu.Unlock()
	if ok {
		r.persist()
	}
}

// replace swaps the pending entry for the confirmed one, keeping its
// transcript position.
func (r *ChatRoom) replace(clientID string, confirmed ChatMessage) {
	r.mu.Lock()
	if pos, ok := r.index[clientID]; ok {
		r.messages[pos] = confirmed
		r.reindexLocked()
	}
	r.mu.Unlock()
}

// rollback removes a pending entry whose send failed. If the canonical
// broadcast already confirmed the entry in place, the message was delivered
// even though the ack never resolved; the entry is kept and returned instead
// of being removed.
func (r *ChatRoom) rollback(clientID string) (*ChatMessage, bool) {
	r.mu.Lock()
	pos, ok := r.index[clientID]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	if !r.messages[pos].Pending {
		kept := r.messages[pos]
		r.mu.Unlock()
		return &kept, true
	}
	r.messages = append(r.messages[:pos], r.messages[pos+1:]...)
	r.reindexLocked()
	r.mu.Unlock()
	r.persist()
	return nil, false
}

// reindexLocked rebuilds the key index. Caller holds r.mu. Confirmed entries
// are reachable by both server ID and client ID so broadcasts and acks can
// race in either order.
func (r *ChatRoom) reindexLocked() {
	r.index = make(map[string]int, len(r.messages))
	for i := range r.messages {
		if r.messages[i].ID != "" {
			r.index[r.messages[i].ID] = i
		}
		if r.messages[i].ClientID != "" {
			r.index[r.messages[i].ClientID] = i
		}
	}
}

func (r *ChatRoom) setTyping(userID string, isTyping bool) {
	r.mu.Lock()
	if isTyping {
		r.typing[userID] = true
	} else {
		delete(r.typing, userID)
	}
	r.mu.Unlock()
}

func (r *ChatRoom) emitTyping(ctx context.Context, isTyping bool) {
	if r.sender == nil {
		return
	}
	r.sock.Emit(ctx, EventTyping, TypingPayload{
		PropertyID: r.propertyID,
		UserID:     r.sender.ID,
		IsTyping:   isTyping,
	})
}

func (r *ChatRoom) storeUser() string {
	if r.sender != nil {
		return r.sender.ID
	}
	return "anonymous"
}

func (r *ChatRoom) persist() {
	if r.store == nil {
		return
	}
	if err := r.store.Save(r.storeUser(), r.handle.Room(), r.Messages()); err != nil {
		r.notify.notify(NoticeError, "could not cache messages")
	}
}
