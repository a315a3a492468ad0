// Package remote implements the backend sync gateway over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"progresskit/core"
)

// Option configures the Gateway.
type Option func(*Gateway)

// Gateway provides typed access to the progression backend HTTP API. It
// satisfies engine.Gateway; transport and server-side failures come back
// wrapped in core.ErrRemoteUnavailable so callers can fall back to cached
// state.
type Gateway struct {
	baseURL    string
	httpClient *http.Client
	headers    http.Header
}

// New constructs a Gateway targeting the given baseURL (e.g., https://api.example.com/progression).
func New(baseURL string, opts ...Option) (*Gateway, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("baseURL is required")
	}
	g := &Gateway{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: http.DefaultClient,
		headers:    make(http.Header),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(g *Gateway) {
		if h != nil {
			g.httpClient = h
		}
	}
}

// WithAuthToken adds an Authorization: Bearer token header to all requests.
func WithAuthToken(token string) Option {
	return func(g *Gateway) {
		if strings.TrimSpace(token) != "" {
			g.headers.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithAPIKey adds an X-API-Key header.
func WithAPIKey(key string) Option {
	return func(g *Gateway) {
		if strings.TrimSpace(key) != "" {
			g.headers.Set("X-API-Key", key)
		}
	}
}

// WithHeader sets an arbitrary header applied to all requests.
func WithHeader(k, v string) Option {
	return func(g *Gateway) {
		if k != "" {
			g.headers.Set(k, v)
		}
	}
}

// FetchItems pulls the current item definitions for a family.
func (g *Gateway) FetchItems(ctx context.Context, family core.Family) ([]core.TrackedItem, error) {
	u := fmt.Sprintf("%s/v1/items?family=%s", g.baseURL, url.QueryEscape(string(family)))
	var items []core.TrackedItem
	if err := g.getJSON(ctx, u, &items); err != nil {
		return nil, fmt.Errorf("fetch items %s: %w", family, err)
	}
	return items, nil
}

// FetchProgress pulls the server-side progress records for a player within
// a family.
func (g *Gateway) FetchProgress(ctx context.Context, player core.PlayerID, family core.Family) ([]core.Progress, error) {
	u := fmt.Sprintf("%s/v1/players/%s/progress?family=%s",
		g.baseURL, url.PathEscape(string(player)), url.QueryEscape(string(family)))
	var records []core.Progress
	if err := g.getJSON(ctx, u, &records); err != nil {
		return nil, fmt.Errorf("fetch progress %s: %w", player, err)
	}
	return records, nil
}

// PushProgress reports a local progress record upstream. The server is
// expected to max-merge it the same way the client does.
func (g *Gateway) PushProgress(ctx context.Context, p core.Progress) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("push progress: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/progress", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("push progress: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	g.applyHeaders(req)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push progress: %v: %w", err, core.ErrRemoteUnavailable)
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return fmt.Errorf("push progress: %w", err)
	}
	return nil
}

func (g *Gateway) getJSON(ctx context.Context, u string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	g.applyHeaders(req)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%v: %w", err, core.ErrRemoteUnavailable)
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode response: %v: %w", err, core.ErrRemoteUnavailable)
	}
	return nil
}

func (g *Gateway) applyHeaders(r *http.Request) {
	for k, vals := range g.headers {
		for _, v := range vals {
			r.Header.Add(k, v)
		}
	}
}

// statusError translates an HTTP status into an error. Server-side and
// throttling failures are retryable, so they wrap core.ErrRemoteUnavailable;
// other 4xx statuses indicate a request bug and come back bare.
func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode < http.StatusBadRequest:
		return nil
	case resp.StatusCode >= http.StatusInternalServerError,
		resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d: %w", resp.StatusCode, core.ErrRemoteUnavailable)
	default:
		return fmt.Errorf("request failed: status %d", resp.StatusCode)
	}
}
