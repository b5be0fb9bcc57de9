package letti

import "encoding/json"

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a server-reported error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Page holds list pagination parameters.
type Page struct {
	Page  int
	Limit int
}

// ============================================================================
// Users
// ============================================================================

type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
	Role        string `json:"role,omitempty"`
	Verified    bool   `json:"verified,omitempty"`
	CreatedAt   string `json:"createdAt,omitempty"`
}

// ============================================================================
// Properties
// ============================================================================

// ListingStatus is the moderation state of a property listing.
type ListingStatus string

const (
	ListingPending  ListingStatus = "PENDING"
	ListingApproved ListingStatus = "APPROVED"
	ListingRejected ListingStatus = "REJECTED"
)

type Property struct {
	ID            string        `json:"id"`
	Title         string        `json:"title"`
	Description   string        `json:"description,omitempty"`
	City          string        `json:"city,omitempty"`
	Address       string        `json:"address,omitempty"`
	PricePerNight float64       `json:"pricePerNight"`
	Bedrooms      int           `json:"bedrooms,omitempty"`
	LandlordID    string        `json:"landlordId"`
	Status        ListingStatus `json:"status,omitempty"`
	Rating        float64       `json:"rating,omitempty"`
	CreatedAt     string        `json:"createdAt,omitempty"`
}

// PropertyFilter narrows a property search.
type PropertyFilter struct {
	City     string  `json:"city,omitempty"`
	MinPrice float64 `json:"minPrice,omitempty"`
	MaxPrice float64 `json:"maxPrice,omitempty"`
	Bedrooms int     `json:"bedrooms,omitempty"`
}

// ============================================================================
// Bookings
// ============================================================================

// BookingStatus is the reservation lifecycle state.
type BookingStatus string

const (
	BookingPending   BookingStatus = "PENDING"
	BookingConfirmed BookingStatus = "CONFIRMED"
	BookingCancelled BookingStatus = "CANCELLED"
	BookingCompleted BookingStatus = "COMPLETED"
)

// PaymentStatus is reported by the external payment gateway.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING"
	PaymentPaid     PaymentStatus = "PAID"
	PaymentFailed   PaymentStatus = "FAILED"
	PaymentRefunded PaymentStatus = "REFUNDED"
)

type Booking struct {
	ID            string        `json:"id"`
	PropertyID    string        `json:"propertyId"`
	GuestID       string        `json:"guestId"`
	CheckIn       string        `json:"checkIn"`
	CheckOut      string        `json:"checkOut"`
	Guests        int           `json:"guests,omitempty"`
	Total         float64       `json:"total"`
	Status        BookingStatus `json:"status"`
	PaymentStatus PaymentStatus `json:"paymentStatus"`
	CreatedAt     string        `json:"createdAt,omitempty"`
}

type CreateBookingOptions struct {
	PropertyID string `json:"propertyId"`
	CheckIn    string `json:"checkIn"`
	CheckOut   string `json:"checkOut"`
	Guests     int    `json:"guests,omitempty"`
}

// ============================================================================
// Reviews
// ============================================================================

type Review struct {
	ID         string `json:"id"`
	PropertyID string `json:"propertyId"`
	AuthorID   string `json:"authorId"`
	AuthorName string `json:"authorName,omitempty"`
	Rating     int    `json:"rating"`
	Comment    string `json:"comment,omitempty"`
	Hidden     bool   `json:"hidden,omitempty"`
	CreatedAt  string `json:"createdAt,omitempty"`
}

type CreateReviewOptions struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment,omitempty"`
}

// ============================================================================
// Chat
// ============================================================================

// MessageSender identifies the author of a chat message.
type MessageSender struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// ChatMessage is one entry in a room's chat history.
//
// A message is either pending (client-assigned ClientID, not yet confirmed) or
// server-confirmed (server-assigned ID, SentAt set), never both. The ClientID
// survives confirmation so broadcasts of the sender's own message can be
// deduplicated.
type ChatMessage struct {
	ID        string        `json:"id,omitempty"`
	ClientID  string        `json:"clientId,omitempty"`
	Content   string        `json:"content"`
	Sender    MessageSender `json:"sender"`
	CreatedAt string        `json:"createdAt"`
	SentAt    string        `json:"sentAt,omitempty"`
	EditedAt  string        `json:"editedAt,omitempty"`
	Deleted   bool          `json:"deleted,omitempty"`
	Pending   bool          `json:"-"`
}

// Key returns the identifier used for lookups: the server ID once confirmed,
// the client ID while pending.
func (m *ChatMessage) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.ClientID
}

// PresenceStatus is the coarse online state of a user.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

// ============================================================================
// Notifications
// ============================================================================

// NoticeLevel classifies a transient notification.
type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeSuccess NoticeLevel = "success"
	NoticeError   NoticeLevel = "error"
)

// Notice is a transient, non-blocking notification (a toast). No failure in
// this layer is fatal; everything degrades to a Notice.
type Notice struct {
	Level   NoticeLevel
	Message string
}

// Notifier receives transient notifications. A nil Notifier drops them.
type Notifier func(Notice)

func (n Notifier) notify(level NoticeLevel, message string) {
	if n != nil {
		n(Notice{Level: level, Message: message})
	}
}
