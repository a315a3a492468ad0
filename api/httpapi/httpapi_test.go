package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	mem "progresskit/adapters/memory"
	"progresskit/core"
	"progresskit/engine"
)

type nopSink struct{}

func (nopSink) ApplyReward(context.Context, core.PlayerID, core.Reward) error { return nil }

func newTestTracker(t *testing.T) *engine.Tracker {
	t.Helper()
	tracker := engine.NewTracker(mem.New(), nopSink{}, engine.NewEventBus(engine.DispatchSync))
	item := core.TrackedItem{
		ID:         "daily_wins",
		Family:     core.FamilyQuest,
		Name:       "Daily Wins",
		Thresholds: []core.Threshold{{Tier: 0, Required: 1}, {Tier: 1, Required: 3}},
		Rewards: map[int][]core.Reward{
			0: {{Kind: core.RewardCurrency, Amount: 50, Ref: "coins"}},
		},
	}
	if err := tracker.Catalog().Upsert(item); err != nil {
		t.Fatal(err)
	}
	manual := core.TrackedItem{
		ID:          "season_pass",
		Family:      core.FamilySeason,
		Thresholds:  []core.Threshold{{Tier: 0, Required: 100}},
		Rewards:     map[int][]core.Reward{0: {{Kind: core.RewardUnlock, Ref: "emote"}}},
		ManualClaim: true,
	}
	if err := tracker.Catalog().Upsert(manual); err != nil {
		t.Fatal(err)
	}
	return tracker
}

func TestRecordDelta(t *testing.T) {
	handler := NewMux(newTestTracker(t), nil, Options{PathPrefix: "/api"})

	req := httptest.NewRequest(http.MethodPost, "/api/players/alice/items/daily_wins/record?delta=2", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp progressJSON
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.CurrentValue != 2 {
		t.Fatalf("expected value 2, got %v", resp.CurrentValue)
	}
	if len(resp.ClaimedTiers) != 1 || resp.ClaimedTiers[0] != 0 {
		t.Fatalf("expected tier 0 claimed, got %v", resp.ClaimedTiers)
	}
}

func TestRecordAbsoluteValue(t *testing.T) {
	handler := NewMux(newTestTracker(t), nil, Options{PathPrefix: "/api"})

	req := httptest.NewRequest(http.MethodPost, "/api/players/alice/items/daily_wins/record?value=5", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	// lower observation cannot roll the value back
	req = httptest.NewRequest(http.MethodPost, "/api/players/alice/items/daily_wins/record?value=1", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	var resp progressJSON
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.CurrentValue != 5 {
		t.Fatalf("expected value 5, got %v", resp.CurrentValue)
	}
}

func TestRecordValidation(t *testing.T) {
	handler := NewMux(newTestTracker(t), nil, Options{PathPrefix: "/api"})

	for _, target := range []string{
		"/api/players/alice/items/daily_wins/record?delta=bad",
		"/api/players/alice/items/daily_wins/record?delta=-1",
		"/api/players/alice/items/daily_wins/record",
	} {
		req := httptest.NewRequest(http.MethodPost, target, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, rec.Code)
		}
	}
}

func TestRecordUnknownItem(t *testing.T) {
	handler := NewMux(newTestTracker(t), nil, Options{PathPrefix: "/api"})

	req := httptest.NewRequest(http.MethodPost, "/api/players/alice/items/nope/record?delta=1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestClaimFlow(t *testing.T) {
	handler := NewMux(newTestTracker(t), nil, Options{PathPrefix: "/api"})

	// not yet earned
	req := httptest.NewRequest(http.MethodPost, "/api/players/alice/items/season_pass/claim?tier=0", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for unearned claim, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/players/alice/items/season_pass/record?value=150", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("record: expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/players/alice/items/season_pass/claim?tier=0", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("claim: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// second claim conflicts
	req = httptest.NewRequest(http.MethodPost, "/api/players/alice/items/season_pass/claim?tier=0", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for repeat claim, got %d", rec.Code)
	}
}

func TestGetProgressNotFound(t *testing.T) {
	handler := NewMux(newTestTracker(t), nil, Options{PathPrefix: "/api"})

	req := httptest.NewRequest(http.MethodGet, "/api/players/alice/items/daily_wins", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestClaimableList(t *testing.T) {
	tracker := newTestTracker(t)
	handler := NewMux(tracker, nil, Options{PathPrefix: "/api"})

	req := httptest.NewRequest(http.MethodPost, "/api/players/alice/items/season_pass/record?value=150", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	req = httptest.NewRequest(http.MethodGet, "/api/players/alice/claimable", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var claimable []engine.Claimable
	_ = json.Unmarshal(rec.Body.Bytes(), &claimable)
	if len(claimable) != 1 || claimable[0].ItemID != "season_pass" {
		t.Fatalf("claimable = %+v", claimable)
	}
}

func TestListActiveItems(t *testing.T) {
	handler := NewMux(newTestTracker(t), nil, Options{PathPrefix: "/api"})

	req := httptest.NewRequest(http.MethodGet, "/api/items?family=quest", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var items []core.TrackedItem
	_ = json.Unmarshal(rec.Body.Bytes(), &items)
	if len(items) != 1 || items[0].ID != "daily_wins" {
		t.Fatalf("items = %+v", items)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/items?family=bogus", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad family, got %d", rec.Code)
	}
}

func TestCompleteItem(t *testing.T) {
	tracker := newTestTracker(t)
	handler := NewMux(tracker, nil, Options{PathPrefix: "/api"})

	req := httptest.NewRequest(http.MethodPost, "/api/items/daily_wins/complete", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	state, _ := tracker.Catalog().StateOf("daily_wins", time.Now().UTC())
	if state != core.StateCompleted {
		t.Fatalf("state = %s, want completed", state)
	}
}

func TestHealthz(t *testing.T) {
	handler := NewMux(newTestTracker(t), nil, Options{PathPrefix: "/api"})

	req := httptest.NewRequest(http.MethodGet, "/api/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	handler := NewMux(newTestTracker(t), nil, Options{PathPrefix: "/api", APIKeys: []string{"k1"}})

	req := httptest.NewRequest(http.MethodGet, "/api/items?family=quest", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/items?family=quest", nil)
	req.Header.Set("X-API-Key", "k1")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	handler := NewMux(newTestTracker(t), nil, Options{
		PathPrefix:       "/api",
		RateLimitEnabled: true,
		RateLimitRPM:     60,
		RateLimitBurst:   2,
	})

	var last int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/items?family=quest", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", last)
	}
}
