package letti

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// Envelope is the wire format for all realtime traffic, both directions.
// RequestID is set on commands that expect an acknowledgment; the server
// answers with an "ack" envelope carrying the same RequestID.
type Envelope struct {
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// Ack is the server's acknowledgment of a command.
type Ack struct {
	RequestID string          `json:"requestId"`
	OK        bool            `json:"ok"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the ack's Data field into the provided type.
func (a *Ack) Decode(v interface{}) error {
	if a.Data == nil {
		return nil
	}
	return json.Unmarshal(a.Data, v)
}

// ============================================================================
// Event names
// ============================================================================

// Outbound (client to server).
const (
	EventJoinRoom      = "joinRoom"
	EventLeaveRoom     = "leaveRoom"
	EventSendMessage   = "sendMessage"
	EventDeleteMessage = "deleteMessage"
	EventEditMessage   = "editMessage"
	EventTyping        = "typing"
)

// Inbound (server to client).
const (
	EventNewMessage     = "newMessage"
	EventMessageDeleted = "messageDeleted"
	EventMessageEdited  = "messageEdited"
	EventTypingStatus   = "typingStatus"
	EventPresence       = "presence"

	EventAdminNewUser        = "admin:newUser"
	EventAdminUpdateUser     = "admin:updateUser"
	EventAdminDeleteUser     = "admin:deleteUser"
	EventAdminNewProperty    = "admin:newProperty"
	EventAdminUpdateProperty = "admin:updateProperty"
	EventAdminDeleteProperty = "admin:deleteProperty"
	EventAdminNewReview      = "admin:newReview"
	EventAdminUpdateReview   = "admin:updateReview"
	EventAdminDeleteReview   = "admin:deleteReview"

	EventListingPending  = "listing:pending"
	EventListingApproved = "listing:approved"
	EventListingRejected = "listing:rejected"

	EventNewBooking           = "newBooking"
	EventBookingStatusUpdate  = "bookingStatusUpdate"
	EventPaymentStatusUpdated = "paymentStatusUpdated"
)

// ============================================================================
// Event payload types
// ============================================================================

type JoinRoomPayload struct {
	Room string `json:"room"`
}

type SendMessagePayload struct {
	PropertyID string `json:"propertyId"`
	Content    string `json:"content"`
	ClientID   string `json:"clientId"`
}

type DeleteMessagePayload struct {
	PropertyID string `json:"propertyId"`
	MessageID  string `json:"messageId"`
}

type EditMessagePayload struct {
	PropertyID string `json:"propertyId"`
	MessageID  string `json:"messageId"`
	NewContent string `json:"newContent"`
}

type TypingPayload struct {
	PropertyID string `json:"propertyId"`
	UserID     string `json:"userId"`
	IsTyping   bool   `json:"isTyping"`
}

type MessageDeletedPayload struct {
	MessageID string `json:"messageId"`
}

type TypingStatusPayload struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type PresencePayload struct {
	UserID string         `json:"userId"`
	Status PresenceStatus `json:"status"`
}

type PaymentStatusPayload struct {
	BookingID     string        `json:"bookingId"`
	PaymentStatus PaymentStatus `json:"paymentStatus"`
}

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotConnected is returned when a command is attempted while the
	// socket is not connected. Callers gate their send UI on Ready instead
	// of retrying.
	ErrNotConnected = errors.New("letti: socket not connected")

	// ErrAckTimeout is returned when the server does not acknowledge a
	// command within the configured window.
	ErrAckTimeout = errors.New("letti: acknowledgment timed out")
)

// ============================================================================
// Configuration
// ============================================================================

// SocketConfig configures the realtime socket.
type SocketConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	AckTimeout           time.Duration
	HeartbeatInterval    time.Duration
}

func (c *SocketConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// SocketState represents the connection state.
type SocketState string

const (
	StateDisconnected SocketState = "disconnected"
	StateConnecting   SocketState = "connecting"
	StateConnected    SocketState = "connected"
	StateReconnecting SocketState = "reconnecting"
)

// ============================================================================
// Event dispatcher
// ============================================================================

// EventHandler is the generic event callback type. Handlers run on the read
// loop goroutine, in arrival order; a handler that blocks stalls dispatch.
type EventHandler func(event string, payload json.RawMessage)

// Subscription identifies a registered handler so it can be removed.
type Subscription struct {
	sock  *Socket
	event string
	id    int
}

// Off removes the handler. Safe to call more than once.
func (s *Subscription) Off() {
	if s == nil || s.sock == nil {
		return
	}
	s.sock.off(s.event, s.id)
}

type handlerEntry struct {
	id int
	fn EventHandler
}

type dispatcher struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string][]handlerEntry
}

func newDispatcher() *dispatcher {
	return &dispatcher{handlers: make(map[string][]handlerEntry)}
}

func (d *dispatcher) add(event string, fn EventHandler) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.handlers[event] = append(d.handlers[event], handlerEntry{id: d.nextID, fn: fn})
	return d.nextID
}

func (d *dispatcher) remove(event string, id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := d.handlers[event]
	for i, e := range entries {
		if e.id == id {
			d.handlers[event] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

// dispatch invokes handlers synchronously so transport FIFO order is
// preserved through to the stores. Panics in user callbacks are swallowed.
func (d *dispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	entries := append([]handlerEntry{}, d.handlers[env.Event]...)
	d.mu.RUnlock()
	for _, e := range entries {
		func() {
			defer func() { recover() }()
			e.fn(env.Event, env.Payload)
		}()
	}
}

// Meta events flow through the same dispatcher as wire events so their
// subscriptions are removable. The prefix keeps them out of the wire
// namespace.
const (
	metaConnected    = "$connected"
	metaDisconnected = "$disconnected"
	metaReconnecting = "$reconnecting"
)

type reconnectingPayload struct {
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *SocketConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Socket
// ============================================================================

// Socket is the single bidirectional realtime connection. It is an owned
// object with an explicit lifecycle: Connect, Disconnect, and handler
// registration all happen on the instance, never on package state.
type Socket struct {
	baseURL string
	config  *SocketConfig

	mu               sync.Mutex
	conn             *websocket.Conn
	state            SocketState
	intentionalClose bool
	cancelFn         context.CancelFunc

	dispatcher *dispatcher
	recon      *reconnector
	rooms      *roomRegistry

	pendingMu   sync.Mutex
	pendingAcks map[string]chan *Ack
}

func newSocket(baseURL string, cfg *SocketConfig) *Socket {
	s := &Socket{
		baseURL:     baseURL,
		config:      cfg,
		state:       StateDisconnected,
		dispatcher:  newDispatcher(),
		recon:       newReconnector(cfg),
		pendingAcks: make(map[string]chan *Ack),
	}
	s.rooms = newRoomRegistry(s)
	return s
}

// NewSocket creates a standalone realtime socket for the given API base URL.
func NewSocket(baseURL string, config *SocketConfig) *Socket {
	cfg := SocketConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return newSocket(strings.TrimRight(baseURL, "/"), &cfg)
}

// SetToken updates the credential used for the next Connect. A live
// connection keeps its original credential; reconnecting with a new token
// requires an explicit Disconnect and Connect.
func (s *Socket) SetToken(token string) {
	s.mu.Lock()
	s.config.Token = token
	s.mu.Unlock()
}

// State returns the current connection state.
func (s *Socket) State() SocketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready reports whether commands can be sent. UIs disable their send
// controls while this is false; nothing is queued for replay.
func (s *Socket) Ready() bool {
	return s.State() == StateConnected
}

// Rooms returns the room membership registry.
func (s *Socket) Rooms() *RoomRegistry {
	return &RoomRegistry{reg: s.rooms}
}

// On registers a generic event handler.
func (s *Socket) On(event string, fn EventHandler) *Subscription {
	id := s.dispatcher.add(event, fn)
	return &Subscription{sock: s, event: event, id: id}
}

func (s *Socket) off(event string, id int) {
	s.dispatcher.remove(event, id)
}

// OnConnected registers a handler for the connected meta-event.
func (s *Socket) OnConnected(h func()) *Subscription {
	return s.On(metaConnected, func(string, json.RawMessage) {
		h()
	})
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (s *Socket) OnDisconnected(h func(reason string)) *Subscription {
	return s.On(metaDisconnected, func(_ string, payload json.RawMessage) {
		var reason string
		json.Unmarshal(payload, &reason)
		h(reason)
	})
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (s *Socket) OnReconnecting(h func(attempt int, delay time.Duration)) *Subscription {
	return s.On(metaReconnecting, func(_ string, payload json.RawMessage) {
		var p reconnectingPayload
		if json.Unmarshal(payload, &p) == nil {
			h(p.Attempt, p.Delay)
		}
	})
}

func (s *Socket) emitMeta(event string, payload interface{}) {
	s.dispatcher.dispatch(Envelope{Event: event, Payload: marshalPayload(payload)})
}

// OnNewMessage registers a typed handler for chat broadcasts.
func (s *Socket) OnNewMessage(h func(ChatMessage)) *Subscription {
	return s.On(EventNewMessage, func(_ string, payload json.RawMessage) {
		var m ChatMessage
		if json.Unmarshal(payload, &m) == nil {
			h(m)
		}
	})
}

// OnTypingStatus registers a typed handler for typing indicator events.
func (s *Socket) OnTypingStatus(h func(TypingStatusPayload)) *Subscription {
	return s.On(EventTypingStatus, func(_ string, payload json.RawMessage) {
		var p TypingStatusPayload
		if json.Unmarshal(payload, &p) == nil {
			h(p)
		}
	})
}

// OnPresence registers a typed handler for presence events.
func (s *Socket) OnPresence(h func(PresencePayload)) *Subscription {
	return s.On(EventPresence, func(_ string, payload json.RawMessage) {
		var p PresencePayload
		if json.Unmarshal(payload, &p) == nil {
			h(p)
		}
	})
}

// Connect establishes the websocket connection. It is idempotent: calling it
// while connected or connecting is a no-op.
func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateConnected || s.state == StateConnecting {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.intentionalClose = false
	token := s.config.Token
	s.mu.Unlock()

	wsURL := strings.Replace(s.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateConnected
	s.mu.Unlock()
	s.recon.markConnected()

	connCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancelFn = cancel
	s.mu.Unlock()

	// Restore membership before user handlers observe the connect, so a
	// reconnect is invisible to mounted views.
	s.rooms.rejoin(connCtx)

	s.emitMeta(metaConnected, nil)

	go s.readLoop(connCtx, conn)
	go s.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection and fails pending acks.
func (s *Socket) Disconnect() error {
	s.mu.Lock()
	s.intentionalClose = true
	if s.cancelFn != nil {
		s.cancelFn()
		s.cancelFn = nil
	}
	conn := s.conn
	s.conn = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	s.clearPendingAcks()

	if conn != nil {
		err := conn.Close(websocket.StatusNormalClosure, "client disconnect")
		s.emitMeta(metaDisconnected, "client disconnect")
		return err
	}
	s.emitMeta(metaDisconnected, "client disconnect")
	return nil
}

// Emit sends a fire-and-forget command.
func (s *Socket) Emit(ctx context.Context, event string, payload interface{}) error {
	return s.send(ctx, Envelope{Event: event, Payload: marshalPayload(payload)})
}

// EmitAck sends a command and waits for the server's acknowledgment, up to
// the configured AckTimeout. On timeout the command is considered failed;
// callers roll back any optimistic state.
func (s *Socket) EmitAck(ctx context.Context, event string, payload interface{}) (*Ack, error) {
	requestID := uuid.NewString()

	ch := make(chan *Ack, 1)
	s.pendingMu.Lock()
	s.pendingAcks[requestID] = ch
	s.pendingMu.Unlock()

	err := s.send(ctx, Envelope{Event: event, Payload: marshalPayload(payload), RequestID: requestID})
	if err != nil {
		s.dropPendingAck(requestID)
		return nil, err
	}

	select {
	case ack, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return ack, nil
	case <-time.After(s.config.AckTimeout):
		s.dropPendingAck(requestID)
		return nil, ErrAckTimeout
	case <-ctx.Done():
		s.dropPendingAck(requestID)
		return nil, ctx.Err()
	}
}

func (s *Socket) send(ctx context.Context, env Envelope) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func marshalPayload(payload interface{}) json.RawMessage {
	if payload == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return data
}

func (s *Socket) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			intentional := s.intentionalClose
			if s.conn == conn {
				s.conn = nil
				s.state = StateDisconnected
			}
			s.mu.Unlock()

			if intentional {
				return
			}

			s.clearPendingAcks()
			s.emitMeta(metaDisconnected, err.Error())

			if s.config.AutoReconnect && s.recon.shouldReconnect() {
				go s.scheduleReconnect()
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		if env.Event == "ack" {
			var ack Ack
			if json.Unmarshal(env.Payload, &ack) == nil && ack.RequestID != "" {
				s.pendingMu.Lock()
				ch, ok := s.pendingAcks[ack.RequestID]
				if ok {
					delete(s.pendingAcks, ack.RequestID)
				}
				s.pendingMu.Unlock()
				if ok {
					ch <- &ack
				}
			}
			continue
		}

		s.dispatcher.dispatch(env)
	}
}

func (s *Socket) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.State() != StateConnected {
				return
			}
			if _, err := s.EmitAck(ctx, "ping", nil); err != nil {
				s.mu.Lock()
				conn := s.conn
				s.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (s *Socket) scheduleReconnect() {
	delay := s.recon.nextDelay()
	s.mu.Lock()
	s.state = StateReconnecting
	s.mu.Unlock()

	s.emitMeta(metaReconnecting, reconnectingPayload{Attempt: s.recon.attempt, Delay: delay})

	time.Sleep(delay)

	s.mu.Lock()
	if s.intentionalClose {
		s.mu.Unlock()
		return
	}
	s.state = StateDisconnected
	s.mu.Unlock()

	if err := s.Connect(context.Background()); err != nil {
		if s.config.AutoReconnect && s.recon.shouldReconnect() {
			s.scheduleReconnect()
		} else {
			s.mu.Lock()
			s.state = StateDisconnected
			s.mu.Unlock()
		}
	}
}

func (s *Socket) dropPendingAck(requestID string) {
	s.pendingMu.Lock()
	delete(s.pendingAcks, requestID)
	s.pendingMu.Unlock()
}

func (s *Socket) clearPendingAcks() {
	s.pendingMu.Lock()
	for k, ch := range s.pendingAcks {
		close(ch)
		delete(s.pendingAcks, k)
	}
	s.pendingMu.Unlock()
}
