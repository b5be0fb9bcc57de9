// Package letti provides the official Go SDK for the Letti rental-marketplace
// API: REST access to properties, bookings, reviews and the admin console,
// plus a realtime client for chat, presence and live list refresh.
//
// Example:
//
//	client := letti.NewClient("letti-token-...")
//
//	// REST
//	props, _ := client.Properties.List(ctx, letti.Page{Page: 1, Limit: 20}, nil)
//
//	// Realtime
//	sock := client.Realtime(&letti.SocketConfig{Token: "letti-token-..."})
//	sock.Connect(ctx)
//	room, _ := letti.OpenChatRoom(ctx, sock, "prop-1", letti.ChatOptions{Sender: me})
//	room.Send(ctx, "Is the apartment still available?")
package letti

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Production Environment = "production"
	Staging    Environment = "staging"
)

var environments = map[Environment]string{
	Production: "https://api.letti.app",
	Staging:    "https://staging.api.letti.app",
}

const (
	DefaultBaseURL = "https://api.letti.app"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the Letti API client. All sub-clients share its auth token and
// HTTP transport.
type Client struct {
	mu         sync.RWMutex
	token      string
	baseURL    string
	httpClient *http.Client

	Properties *PropertiesClient
	Bookings   *BookingsClient
	Reviews    *ReviewsClient
	Users      *UsersClient
	Admin      *AdminClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a new Letti client.
// token may be "" for endpoints that allow anonymous access (public listings).
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Properties = &PropertiesClient{client: c}
	c.Bookings = &BookingsClient{client: c}
	c.Reviews = &ReviewsClient{client: c}
	c.Users = &UsersClient{client: c}
	c.Admin = &AdminClient{client: c}
	return c
}

// SetToken sets or updates the bearer token. The realtime socket picks up a
// new token only on the next explicit Connect.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Realtime creates a realtime socket bound to this client's base URL.
// Call Connect to establish the connection.
func (c *Client) Realtime(config *SocketConfig) *Socket {
	cfg := SocketConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = c.Token()
	}
	cfg.defaults()
	return newSocket(c.baseURL, &cfg)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Result](data)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// decodeList runs a request and decodes Result.Data into a slice of T.
func decodeList[T any](c *Client, ctx context.Context, method, path string, body interface{}, query map[string]string) ([]T, error) {
	result, err := c.do(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		return nil, resultErr(result)
	}
	var items []T
	if err := result.Decode(&items); err != nil {
		return nil, fmt.Errorf("failed to decode list: %w", err)
	}
	return items, nil
}

// decodeOne runs a request and decodes Result.Data into a single T.
func decodeOne[T any](c *Client, ctx context.Context, method, path string, body interface{}, query map[string]string) (*T, error) {
	result, err := c.do(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		return nil, resultErr(result)
	}
	var item T
	if err := result.Decode(&item); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &item, nil
}

func resultErr(r *Result) error {
	if r.Error != nil {
		return r.Error
	}
	return fmt.Errorf("request was not successful")
}

func pageQuery(p Page) map[string]string {
	q := map[string]string{}
	if p.Page > 0 {
		q["page"] = fmt.Sprintf("%d", p.Page)
	}
	if p.Limit > 0 {
		q["limit"] = fmt.Sprintf("%d", p.Limit)
	}
	if len(q) == 0 {
		return nil
	}
	return q
}

// ============================================================================
// Properties
// ============================================================================

// PropertiesClient handles listing search and detail fetches.
type PropertiesClient struct{ client *Client }

func (p *PropertiesClient) List(ctx context.Context, page Page, filter *PropertyFilter) ([]Property, error) {
	q := pageQuery(page)
	if filter != nil {
		if q == nil {
			q = map[string]string{}
		}
		if filter.City != "" {
			q["city"] = filter.City
		}
		if filter.MinPrice > 0 {
			q["minPrice"] = fmt.Sprintf("%g", filter.MinPrice)
		}
		if filter.MaxPrice > 0 {
			q["maxPrice"] = fmt.Sprintf("%g", filter.MaxPrice)
		}
		if filter.Bedrooms > 0 {
			q["bedrooms"] = fmt.Sprintf("%d", filter.Bedrooms)
		}
	}
	return decodeList[Property](p.client, ctx, "GET", "/api/properties", nil, q)
}

func (p *PropertiesClient) Get(ctx context.Context, propertyID string) (*Property, error) {
	return decodeOne[Property](p.client, ctx, "GET", "/api/properties/"+propertyID, nil, nil)
}

func (p *PropertiesClient) ByLandlord(ctx context.Context, landlordID string, page Page) ([]Property, error) {
	return decodeList[Property](p.client, ctx, "GET", "/api/properties/landlord/"+landlordID, nil, pageQuery(page))
}

// ============================================================================
// Bookings
// ============================================================================

// BookingsClient handles reservations for the authenticated user.
type BookingsClient struct{ client *Client }

func (b *BookingsClient) List(ctx context.Context, page Page) ([]Booking, error) {
	return decodeList[Booking](b.client, ctx, "GET", "/api/bookings", nil, pageQuery(page))
}

func (b *BookingsClient) Get(ctx context.Context, bookingID string) (*Booking, error) {
	return decodeOne[Booking](b.client, ctx, "GET", "/api/bookings/"+bookingID, nil, nil)
}

func (b *BookingsClient) Create(ctx context.Context, opts *CreateBookingOptions) (*Booking, error) {
	return decodeOne[Booking](b.client, ctx, "POST", "/api/bookings", opts, nil)
}

func (b *BookingsClient) Cancel(ctx context.Context, bookingID string) (*Booking, error) {
	return decodeOne[Booking](b.client, ctx, "POST", "/api/bookings/"+bookingID+"/cancel", nil, nil)
}

// ByProperty lists reservations for a property the user manages.
func (b *BookingsClient) ByProperty(ctx context.Context, propertyID string, page Page) ([]Booking, error) {
	return decodeList[Booking](b.client, ctx, "GET", "/api/bookings/property/"+propertyID, nil, pageQuery(page))
}

// ============================================================================
// Reviews
// ============================================================================

type ReviewsClient struct{ client *Client }

func (r *ReviewsClient) ByProperty(ctx context.Context, propertyID string, page Page) ([]Review, error) {
	return decodeList[Review](r.client, ctx, "GET", "/api/reviews/property/"+propertyID, nil, pageQuery(page))
}

func (r *ReviewsClient) Create(ctx context.Context, propertyID string, opts *CreateReviewOptions) (*Review, error) {
	return decodeOne[Review](r.client, ctx, "POST", "/api/reviews/property/"+propertyID, opts, nil)
}

// ============================================================================
// Users
// ============================================================================

type UsersClient struct{ client *Client }

// Me returns the authenticated user's profile.
func (u *UsersClient) Me(ctx context.Context) (*User, error) {
	return decodeOne[User](u.client, ctx, "GET", "/api/users/me", nil, nil)
}

func (u *UsersClient) Get(ctx context.Context, userID string) (*User, error) {
	return decodeOne[User](u.client, ctx, "GET", "/api/users/"+userID, nil, nil)
}

// ============================================================================
// Admin
// ============================================================================

// AdminClient handles the admin console list endpoints. All lists are
// paginated and refetched wholesale by the live-refresh dispatcher.
type AdminClient struct{ client *Client }

func (a *AdminClient) Users(ctx context.Context, page Page) ([]User, error) {
	return decodeList[User](a.client, ctx, "GET", "/api/admin/users", nil, pageQuery(page))
}

func (a *AdminClient) Properties(ctx context.Context, page Page) ([]Property, error) {
	return decodeList[Property](a.client, ctx, "GET", "/api/admin/properties", nil, pageQuery(page))
}

func (a *AdminClient) Bookings(ctx context.Context, page Page) ([]Booking, error) {
	return decodeList[Booking](a.client, ctx, "GET", "/api/admin/bookings", nil, pageQuery(page))
}

func (a *AdminClient) Reviews(ctx context.Context, page Page) ([]Review, error) {
	return decodeList[Review](a.client, ctx, "GET", "/api/admin/reviews", nil, pageQuery(page))
}

func (a *AdminClient) SetListingStatus(ctx context.Context, propertyID string, status ListingStatus) (*Property, error) {
	return decodeOne[Property](a.client, ctx, "PATCH", "/api/admin/properties/"+propertyID+"/status",
		map[string]string{"status": string(status)}, nil)
}

func (a *AdminClient) SetReviewHidden(ctx context.Context, reviewID string, hidden bool) (*Review, error) {
	return decodeOne[Review](a.client, ctx, "PATCH", "/api/admin/reviews/"+reviewID+"/visibility",
		map[string]bool{"hidden": hidden}, nil)
}
