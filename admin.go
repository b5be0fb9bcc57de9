package letti

import (
	"context"
	"encoding/json"
	"sync"
)

// ============================================================================
// List views
// ============================================================================

// FetchFunc loads one page of a list.
type FetchFunc[T any] func(ctx context.Context, page Page) ([]T, error)

// ListView is a paginated list slice kept fresh by full refetches. Refetches
// are serialized per view; a failed refetch keeps the previous items and
// records the error.
type ListView[T any] struct {
	fetch FetchFunc[T]

	mu    sync.Mutex
	page  Page
	items []T
	err   error
}

// NewListView creates a view over fetch at the given page. Call Refetch to
// populate it.
func NewListView[T any](fetch FetchFunc[T], page Page) *ListView[T] {
	return &ListView[T]{fetch: fetch, page: page}
}

// Refetch reloads the full current page.
func (v *ListView[T]) Refetch(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	items, err := v.fetch(ctx, v.page)
	if err != nil {
		v.err = err
		return err
	}
	v.items = items
	v.err = nil
	return nil
}

// SetPage changes the page and refetches.
func (v *ListView[T]) SetPage(ctx context.Context, page Page) error {
	v.mu.Lock()
	v.page = page
	v.mu.Unlock()
	return v.Refetch(ctx)
}

// Page returns the current pagination parameters.
func (v *ListView[T]) Page() Page {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.page
}

// Items returns a snapshot of the current page.
func (v *ListView[T]) Items() []T {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]T, len(v.items))
	copy(out, v.items)
	return out
}

// Err returns the error of the last refetch, if any.
func (v *ListView[T]) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}

// Patch applies fn to each item in place, without a refetch. It reports
// whether any call to fn returned true.
func (v *ListView[T]) Patch(fn func(item *T) bool) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	changed := false
	for i := range v.items {
		if fn(&v.items[i]) {
			changed = true
		}
	}
	return changed
}

// ============================================================================
// Live refresher
// ============================================================================

// LiveRefresher wires admin console events to list views: every relevant
// broadcast triggers a full refetch of the bound view at its current page,
// plus a toast. The one exception is payment status, which is patched in
// place on the bookings view.
type LiveRefresher struct {
	sock   *Socket
	notify Notifier
	handle *RoomHandle
}

// NewLiveRefresher joins the admin room and returns a refresher ready for
// Bind calls.
func NewLiveRefresher(ctx context.Context, sock *Socket, notify Notifier) (*LiveRefresher, error) {
	handle, err := sock.Rooms().Join(ctx, AdminRoom)
	if err != nil {
		return nil, err
	}
	return &LiveRefresher{sock: sock, notify: notify, handle: handle}, nil
}

// Close leaves the admin room and removes all bound handlers.
func (l *LiveRefresher) Close(ctx context.Context) error {
	return l.handle.Leave(ctx)
}

// bindRefetch registers events that all map to "refetch the view, toast the
// change". The refetch runs off the dispatch goroutine; the view's own lock
// keeps concurrent refetches from interleaving.
func bindRefetch[T any](l *LiveRefresher, view *ListView[T], toasts map[string]string) {
	for event, message := range toasts {
		msg := message
		l.handle.On(event, func(_ string, payload json.RawMessage) {
			l.notify.notify(NoticeInfo, toastText(msg, payload))
			go view.Refetch(context.Background())
		})
	}
}

// toastText appends the subject's name when the payload carries one. The
// refetch itself never inspects the payload.
func toastText(base string, payload json.RawMessage) string {
	var subject struct {
		DisplayName string `json:"displayName"`
		Title       string `json:"title"`
	}
	if json.Unmarshal(payload, &subject) == nil {
		if subject.DisplayName != "" {
			return base + ": " + subject.DisplayName
		}
		if subject.Title != "" {
			return base + ": " + subject.Title
		}
	}
	return base
}

// BindUsers keeps a user list fresh.
func (l *LiveRefresher) BindUsers(view *ListView[User]) {
	bindRefetch(l, view, map[string]string{
		EventAdminNewUser:    "a user signed up",
		EventAdminUpdateUser: "a user was updated",
		EventAdminDeleteUser: "a user was deleted",
	})
}

// BindProperties keeps a property list fresh, including moderation events.
func (l *LiveRefresher) BindProperties(view *ListView[Property]) {
	bindRefetch(l, view, map[string]string{
		EventAdminNewProperty:    "a property was added",
		EventAdminUpdateProperty: "a property was updated",
		EventAdminDeleteProperty: "a property was deleted",
		EventListingPending:      "a listing is pending review",
		EventListingApproved:     "a listing was approved",
		EventListingRejected:     "a listing was rejected",
	})
}

// BindReviews keeps a review list fresh.
func (l *LiveRefresher) BindReviews(view *ListView[Review]) {
	bindRefetch(l, view, map[string]string{
		EventAdminNewReview:    "a review was posted",
		EventAdminUpdateReview: "a review was updated",
		EventAdminDeleteReview: "a review was deleted",
	})
}

// BindBookings keeps a booking list fresh. Booking lifecycle events refetch;
// payment status updates patch the matching row in place, since the gateway
// can report long after the booking scrolled off the fetch window.
func (l *LiveRefresher) BindBookings(view *ListView[Booking]) {
	bindRefetch(l, view, map[string]string{
		EventNewBooking:          "a booking was created",
		EventBookingStatusUpdate: "a booking status changed",
	})

	l.handle.On(EventPaymentStatusUpdated, func(_ string, payload json.RawMessage) {
		var p PaymentStatusPayload
		if json.Unmarshal(payload, &p) != nil {
			return
		}
		view.Patch(func(b *Booking) bool {
			if b.ID != p.BookingID {
				return false
			}
			b.PaymentStatus = p.PaymentStatus
			return true
		})
		if p.PaymentStatus == PaymentFailed {
			l.notify.notify(NoticeError, "payment failed for booking "+p.BookingID)
		} else {
			l.notify.notify(NoticeInfo, "payment status updated")
		}
	})
}
