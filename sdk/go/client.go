package sdk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"progresskit/core"
)

// Option configures the Client.
type Option func(*Client)

// Client provides typed access to the progression HTTP + WebSocket API.
type Client struct {
	baseURL    string
	wsURL      string
	httpClient *http.Client
	headers    http.Header
}

// NewClient constructs a new SDK client targeting the given baseURL (e.g., http://localhost:8080/api).
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("baseURL is required")
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	c := &Client{
		baseURL:    baseURL,
		wsURL:      deriveWSURL(baseURL),
		httpClient: http.DefaultClient,
		headers:    make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithAuthToken adds an Authorization: Bearer token header to all requests (HTTP + WS).
func WithAuthToken(token string) Option {
	return func(c *Client) {
		if strings.TrimSpace(token) != "" {
			c.headers.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithAPIKey adds an X-API-Key header.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		if strings.TrimSpace(key) != "" {
			c.headers.Set("X-API-Key", key)
		}
	}
}

// WithHeader sets an arbitrary header applied to HTTP and WS calls.
func WithHeader(k, v string) Option {
	return func(c *Client) {
		if k != "" {
			c.headers.Set(k, v)
		}
	}
}

// Record sets the absolute progress value for a player on an item and
// returns the resulting progress. The server keeps the higher of the
// stored and submitted value.
func (c *Client) Record(ctx context.Context, playerID, itemID string, value float64) (Progress, error) {
	return c.record(ctx, playerID, itemID, "value", value)
}

// RecordDelta increments a player's progress on an item.
func (c *Client) RecordDelta(ctx context.Context, playerID, itemID string, delta float64) (Progress, error) {
	return c.record(ctx, playerID, itemID, "delta", delta)
}

func (c *Client) record(ctx context.Context, playerID, itemID, param string, amount float64) (Progress, error) {
	if strings.TrimSpace(playerID) == "" {
		return Progress{}, ErrEmptyPlayerID
	}

	u, err := url.Parse(fmt.Sprintf("%s/players/%s/items/%s/record",
		c.baseURL, url.PathEscape(playerID), url.PathEscape(itemID)))
	if err != nil {
		return Progress{}, err
	}
	q := u.Query()
	q.Set(param, strconv.FormatFloat(amount, 'f', -1, 64))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return Progress{}, err
	}
	c.applyHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Progress{}, err
	}
	defer resp.Body.Close()

	var p Progress
	if err := decodeJSON(resp, &p); err != nil {
		return Progress{}, err
	}
	return p, nil
}

// Claim collects the rewards for an earned tier on a manual-claim item.
func (c *Client) Claim(ctx context.Context, playerID, itemID string, tier int) error {
	if strings.TrimSpace(playerID) == "" {
		return ErrEmptyPlayerID
	}
	u := fmt.Sprintf("%s/players/%s/items/%s/claim?tier=%d",
		c.baseURL, url.PathEscape(playerID), url.PathEscape(itemID), tier)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	c.applyHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var body struct {
		OK bool `json:"ok"`
	}
	if err := decodeJSON(resp, &body); err != nil {
		return err
	}
	if !body.OK {
		return errors.New("claim rejected")
	}
	return nil
}

// GetProgress fetches a player's progress on one item. Returns ok=false
// when the player has not recorded anything yet.
func (c *Client) GetProgress(ctx context.Context, playerID, itemID string) (Progress, bool, error) {
	if strings.TrimSpace(playerID) == "" {
		return Progress{}, false, ErrEmptyPlayerID
	}
	u := fmt.Sprintf("%s/players/%s/items/%s", c.baseURL, url.PathEscape(playerID), url.PathEscape(itemID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Progress{}, false, err
	}
	c.applyHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Progress{}, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Progress{}, false, nil
	}

	var p Progress
	if err := decodeJSON(resp, &p); err != nil {
		return Progress{}, false, err
	}
	return p, true, nil
}

// GetClaimable lists earned but unclaimed tiers across all of a player's items.
func (c *Client) GetClaimable(ctx context.Context, playerID string) ([]Claimable, error) {
	if strings.TrimSpace(playerID) == "" {
		return nil, ErrEmptyPlayerID
	}
	u := fmt.Sprintf("%s/players/%s/claimable", c.baseURL, url.PathEscape(playerID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	c.applyHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var claimable []Claimable
	if err := decodeJSON(resp, &claimable); err != nil {
		return nil, err
	}
	return claimable, nil
}

// GetActiveItems lists the currently active tracked items for a family.
func (c *Client) GetActiveItems(ctx context.Context, family string) ([]core.TrackedItem, error) {
	u := fmt.Sprintf("%s/items?family=%s", c.baseURL, url.QueryEscape(family))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	c.applyHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var items []core.TrackedItem
	if err := decodeJSON(resp, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// Health probes /healthz and returns status + storage check.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	u := c.baseURL + "/healthz"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return HealthStatus{}, err
	}
	c.applyHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return HealthStatus{}, err
	}
	defer resp.Body.Close()

	var hs HealthStatus
	if err := decodeJSON(resp, &hs); err != nil {
		return HealthStatus{}, err
	}
	return hs, nil
}

// SubscribeEvents connects to the WebSocket stream and emits core.Event
// values. Pass a non-empty playerID to receive only that player's events
// plus catalog-wide notices. The returned channel closes when ctx is done
// or the connection drops.
func (c *Client) SubscribeEvents(ctx context.Context, playerID string) (<-chan core.Event, error) {
	if c.wsURL == "" {
		return nil, errors.New("wsURL is not set; ensure baseURL is http/https")
	}
	wsURL := c.wsURL
	if playerID != "" {
		wsURL += "?player=" + url.QueryEscape(playerID)
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, c.headers)
	if err != nil {
		return nil, err
	}

	out := make(chan core.Event, 32)
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			select {
			case <-ctx.Done():
				return
			default:
				var evt core.Event
				if err := conn.ReadJSON(&evt); err != nil {
					return
				}
				select {
				case out <- evt:
				default:
					// drop if consumer is slow
				}
			}
		}
	}()
	return out, nil
}

func (c *Client) applyHeaders(r *http.Request) {
	for k, vals := range c.headers {
		for _, v := range vals {
			r.Header.Add(k, v)
		}
	}
}

func deriveWSURL(httpBase string) string {
	u, err := url.Parse(httpBase)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		// leave as-is for custom schemes
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String()
}
