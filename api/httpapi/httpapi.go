package httpapi

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	wsadapter "progresskit/adapters/websocket"
	"progresskit/core"
	"progresskit/engine"
	"progresskit/realtime"
)

// Options configures the HTTP API surface.
type Options struct {
	// PathPrefix, if set, is prepended to all routes (e.g., "/api").
	PathPrefix string
	// AllowCORSOrigin, if non-empty, enables basic CORS with the given origin (use "*" for any).
	AllowCORSOrigin string
	// APIKeys, if non-empty, enables static API key auth via Authorization: Bearer or X-API-Key.
	APIKeys []string
	// RateLimitEnabled toggles rate limiting.
	RateLimitEnabled bool
	// RateLimitRPM is the allowed requests per minute per client key.
	RateLimitRPM int
	// RateLimitBurst defines burst capacity.
	RateLimitBurst int
}

// NewMux builds an http.Handler exposing the progression REST API and
// WebSocket stream.
// Routes:
//   - POST {prefix}/players/{id}/items/{item}/record?value=12.5 | ?delta=1
//   - POST {prefix}/players/{id}/items/{item}/claim?tier=0
//   - GET  {prefix}/players/{id}/items/{item}
//   - GET  {prefix}/players/{id}/claimable
//   - GET  {prefix}/players/{id}/archive
//   - GET  {prefix}/items?family=quest
//   - POST {prefix}/items/{item}/complete
//   - GET  {prefix}/healthz
//   - WS   {prefix}/ws?player=id
func NewMux(tracker *engine.Tracker, hub *realtime.Hub, opts Options) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(withPrefix(opts.PathPrefix, "/healthz"), func(w http.ResponseWriter, r *http.Request) {
		healthCheck(w, r, tracker)
	})

	// WebSocket events
	if hub != nil {
		mux.Handle(withPrefix(opts.PathPrefix, "/ws"), wsadapter.Handler(hub))
	}

	mux.HandleFunc(withPrefix(opts.PathPrefix, "/items"), func(w http.ResponseWriter, r *http.Request) {
		handleItemsRoot(w, r, tracker)
	})
	mux.HandleFunc(withPrefix(opts.PathPrefix, "/items/"), func(w http.ResponseWriter, r *http.Request) {
		handleItems(w, r, tracker, opts.PathPrefix)
	})
	mux.HandleFunc(withPrefix(opts.PathPrefix, "/players/"), func(w http.ResponseWriter, r *http.Request) {
		handlePlayers(w, r, tracker, opts.PathPrefix)
	})

	var handler http.Handler = mux
	if opts.AllowCORSOrigin != "" {
		handler = withCORS(handler, opts.AllowCORSOrigin)
	}
	if len(opts.APIKeys) > 0 {
		handler = withAPIKeyAuth(handler, opts.APIKeys)
	}
	if opts.RateLimitEnabled && opts.RateLimitRPM > 0 && opts.RateLimitBurst > 0 {
		handler = withRateLimit(handler, opts.RateLimitRPM, opts.RateLimitBurst)
	}
	return handler
}

func handleItemsRoot(w http.ResponseWriter, r *http.Request, tracker *engine.Tracker) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", nil)
		return
	}
	family := core.Family(r.URL.Query().Get("family"))
	if !core.ValidFamily(family) {
		writeError(w, http.StatusBadRequest, "invalid_family", "unknown family", nil)
		return
	}
	items := tracker.GetActiveItems(family)
	if items == nil {
		items = []core.TrackedItem{}
	}
	writeJSON(w, items)
}

func handleItems(w http.ResponseWriter, r *http.Request, tracker *engine.Tracker, prefix string) {
	parts := routeParts(r.URL.Path, prefix)
	// items/{item}/complete
	if r.Method == http.MethodPost && len(parts) == 3 && parts[2] == "complete" {
		if err := tracker.Complete(r.Context(), core.ItemID(parts[1])); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, map[string]any{"ok": true})
		return
	}
	writeError(w, http.StatusNotFound, "not_found", "route not found", nil)
}

func handlePlayers(w http.ResponseWriter, r *http.Request, tracker *engine.Tracker, prefix string) {
	parts := routeParts(r.URL.Path, prefix)
	if len(parts) < 2 {
		writeError(w, http.StatusNotFound, "not_found", "route not found", nil)
		return
	}
	player, err := core.NormalizePlayerID(core.PlayerID(parts[1]))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_player", err.Error(), nil)
		return
	}

	switch {
	case r.Method == http.MethodGet && len(parts) == 3 && parts[2] == "claimable":
		claimable, err := tracker.GetClaimable(r.Context(), player)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if claimable == nil {
			claimable = []engine.Claimable{}
		}
		writeJSON(w, claimable)

	case r.Method == http.MethodGet && len(parts) == 3 && parts[2] == "archive":
		archived, err := tracker.GetArchived(r.Context(), player)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if archived == nil {
			archived = []core.Progress{}
		}
		writeJSON(w, archived)

	case r.Method == http.MethodGet && len(parts) == 4 && parts[2] == "items":
		p, ok, err := tracker.GetProgress(r.Context(), player, core.ItemID(parts[3]))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "no_progress", "no progress recorded", nil)
			return
		}
		writeJSON(w, progressView(p))

	case r.Method == http.MethodPost && len(parts) == 5 && parts[2] == "items" && parts[4] == "record":
		item := core.ItemID(parts[3])
		q := r.URL.Query()
		var p core.Progress
		switch {
		case q.Get("value") != "":
			value, perr := strconv.ParseFloat(q.Get("value"), 64)
			if perr != nil {
				writeError(w, http.StatusBadRequest, "invalid_value", "value must be a number", nil)
				return
			}
			p, err = tracker.Record(r.Context(), player, item, value)
		case q.Get("delta") != "":
			delta, perr := strconv.ParseFloat(q.Get("delta"), 64)
			if perr != nil {
				writeError(w, http.StatusBadRequest, "invalid_delta", "delta must be a number", nil)
				return
			}
			p, err = tracker.RecordDelta(r.Context(), player, item, delta)
		default:
			writeError(w, http.StatusBadRequest, "missing_input", "value or delta is required", nil)
			return
		}
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, progressView(p))

	case r.Method == http.MethodPost && len(parts) == 5 && parts[2] == "items" && parts[4] == "claim":
		tier, perr := strconv.Atoi(r.URL.Query().Get("tier"))
		if perr != nil {
			writeError(w, http.StatusBadRequest, "invalid_tier", "tier must be an integer", nil)
			return
		}
		if err := tracker.Claim(r.Context(), player, core.ItemID(parts[3]), tier); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", nil)
	}
}

// progressView flattens claimed tiers into a sorted JSON array.
type progressJSON struct {
	PlayerID     core.PlayerID `json:"player_id"`
	ItemID       core.ItemID   `json:"item_id"`
	CurrentValue float64       `json:"current_value"`
	ClaimedTiers []int         `json:"claimed_tiers"`
	LastUpdated  time.Time     `json:"last_updated"`
}

func progressView(p core.Progress) progressJSON {
	tiers := make([]int, 0, len(p.ClaimedTiers))
	for t := range p.ClaimedTiers {
		tiers = append(tiers, t)
	}
	sort.Ints(tiers)
	return progressJSON{
		PlayerID:     p.PlayerID,
		ItemID:       p.ItemID,
		CurrentValue: p.CurrentValue,
		ClaimedTiers: tiers,
		LastUpdated:  p.LastUpdated,
	}
}

// writeDomainError maps the engine's error taxonomy to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrUnknownItem):
		writeError(w, http.StatusNotFound, "unknown_item", err.Error(), nil)
	case errors.Is(err, core.ErrExpired):
		writeError(w, http.StatusGone, "expired", err.Error(), nil)
	case errors.Is(err, core.ErrAlreadyClaimed):
		writeError(w, http.StatusConflict, "already_claimed", err.Error(), nil)
	case errors.Is(err, core.ErrNotEarned):
		writeError(w, http.StatusConflict, "not_earned", err.Error(), nil)
	case errors.Is(err, core.ErrNegativeDelta):
		writeError(w, http.StatusBadRequest, "negative_delta", err.Error(), nil)
	case errors.Is(err, core.ErrRemoteUnavailable):
		writeError(w, http.StatusServiceUnavailable, "remote_unavailable", err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), nil)
	}
}

// Helpers

// healthCheck verifies the engine's storage path end to end with a probe
// read that never touches real data.
func healthCheck(w http.ResponseWriter, r *http.Request, tracker *engine.Tracker) {
	_, _, err := tracker.GetProgress(r.Context(), "healthcheck_probe", "healthcheck_probe")

	status := map[string]any{
		"status": "healthy",
		"checks": map[string]any{
			"storage": "ok",
		},
	}

	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		status["status"] = "unhealthy"
		status["checks"].(map[string]any)["storage"] = "failed"
	} else {
		w.WriteHeader(http.StatusOK)
	}

	writeJSON(w, status)
}

func withPrefix(prefix, path string) string {
	if prefix == "" || prefix == "/" {
		return path
	}
	if prefix[len(prefix)-1] == '/' {
		return prefix[:len(prefix)-1] + path
	}
	return prefix + path
}

func routeParts(path, prefix string) []string {
	path = strings.TrimPrefix(path, prefix)
	if path == "" || path[0] != '/' {
		path = "/" + path
	}
	return split(path, '/')
}

func split(p string, sep rune) []string {
	var parts []string
	cur := make([]rune, 0, len(p))
	// trim leading '/'
	for len(p) > 0 && p[0] == '/' {
		p = p[1:]
	}
	for _, r := range p {
		if r == sep {
			if len(cur) > 0 {
				parts = append(parts, string(cur))
				cur = cur[:0]
			}
			continue
		}
		cur = append(cur, r)
	}
	if len(cur) > 0 {
		parts = append(parts, string(cur))
	}
	return parts
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{Code: code, Message: msg, Details: details})
}

// withCORS wraps a handler with a minimal CORS policy.
func withCORS(next http.Handler, origin string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Vary", "Origin")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withAPIKeyAuth enforces a shared API key list.
func withAPIKeyAuth(next http.Handler, apiKeys []string) http.Handler {
	allowed := make(map[string]struct{}, len(apiKeys))
	for _, k := range apiKeys {
		k = strings.TrimSpace(k)
		if k != "" {
			allowed[k] = struct{}{}
		}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := extractAPIKey(r)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing API key", nil)
			return
		}
		if _, ok := allowed[key]; !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid API key", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withRateLimit applies a simple token-bucket limiter per client key.
func withRateLimit(next http.Handler, rpm int, burst int) http.Handler {
	limiter := newRateLimiter(rpm, burst)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		if !limiter.allow(key) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return ""
}

// clientKey uses API key if present, otherwise remote IP.
func clientKey(r *http.Request) string {
	if key := extractAPIKey(r); key != "" {
		return key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type rateLimiter struct {
	rpm   float64
	burst float64
	mu    sync.Mutex
	b     map[string]*bucket
}

type bucket struct {
	tokens float64
	last   time.Time
}

func newRateLimiter(rpm, burst int) *rateLimiter {
	return &rateLimiter{
		rpm:   float64(rpm),
		burst: float64(burst),
		b:     make(map[string]*bucket),
	}
}

func (l *rateLimiter) allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.b[key]
	if !ok {
		l.b[key] = &bucket{tokens: l.burst - 1, last: now}
		return true
	}

	elapsed := now.Sub(b.last).Minutes()
	b.tokens += elapsed * l.rpm
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	if b.tokens < 1 {
		b.last = now
		return false
	}
	b.tokens--
	b.last = now
	return true
}
