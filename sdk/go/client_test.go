package sdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"progresskit/core"
)

func TestClient_RecordClaimGetProgressHealth(t *testing.T) {
	srv := newTestServer()
	defer srv.Close()

	client, err := NewClient(srv.URL+"/api", WithAPIKey("k1"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	ctx := context.Background()

	p, err := client.RecordDelta(ctx, "alice", "daily_wins", 3)
	if err != nil || p.CurrentValue != 3 {
		t.Fatalf("record delta got value=%v err=%v", p.CurrentValue, err)
	}

	if err := client.Claim(ctx, "alice", "daily_wins", 0); err != nil {
		t.Fatalf("claim: %v", err)
	}

	got, ok, err := client.GetProgress(ctx, "alice", "daily_wins")
	if err != nil || !ok {
		t.Fatalf("get progress: ok=%v err=%v", ok, err)
	}
	if got.PlayerID != "alice" || got.CurrentValue != 3 || len(got.ClaimedTiers) != 1 {
		t.Fatalf("unexpected progress: %+v", got)
	}

	if _, ok, err := client.GetProgress(ctx, "alice", "never_touched"); err != nil || ok {
		t.Fatalf("expected no progress, got ok=%v err=%v", ok, err)
	}

	claimable, err := client.GetClaimable(ctx, "alice")
	if err != nil || len(claimable) != 1 || claimable[0].ItemID != "season_pass" {
		t.Fatalf("claimable: %+v err=%v", claimable, err)
	}

	items, err := client.GetActiveItems(ctx, "quest")
	if err != nil || len(items) != 1 || items[0].ID != core.ItemID("daily_wins") {
		t.Fatalf("active items: %+v err=%v", items, err)
	}

	health, err := client.Health(ctx)
	if err != nil || health.Status != "healthy" {
		t.Fatalf("health: %+v err=%v", health, err)
	}
}

func TestClient_SurfacesAPIErrors(t *testing.T) {
	srv := newTestServer()
	defer srv.Close()

	client, err := NewClient(srv.URL + "/api")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	err = client.Claim(context.Background(), "alice", "expired_event", 0)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusGone || apiErr.Code != "expired" {
		t.Fatalf("unexpected API error: %+v", apiErr)
	}
}

func TestClient_SubscribeEvents(t *testing.T) {
	srv := newTestServer()
	defer srv.Close()

	client, err := NewClient(srv.URL + "/api")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	events, err := client.SubscribeEvents(ctx, "alice")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	select {
	case evt := <-events:
		if evt.Type != core.EventTierCrossed {
			t.Fatalf("unexpected event type: %s", evt.Type)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

// test server implementing the minimal API surface expected by the SDK.
func newTestServer() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"healthy","checks":{"storage":"ok"}}`))
	})
	mux.HandleFunc("/api/items", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("family") != "quest" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":"invalid_family","message":"unknown family"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"daily_wins","family":"quest","thresholds":[{"tier":0,"required":3}]}]`))
	})
	mux.HandleFunc("/api/players/", func(w http.ResponseWriter, r *http.Request) {
		// /api/players/{id}/claimable | /api/players/{id}/items/{item}[/record|/claim]
		path := r.URL.Path[len("/api/players/"):]
		parts := strings.Split(path, "/")
		if len(parts) < 2 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		playerID := parts[0]
		w.Header().Set("Content-Type", "application/json")

		switch {
		case len(parts) == 2 && parts[1] == "claimable" && r.Method == http.MethodGet:
			_, _ = w.Write([]byte(`[{"item_id":"season_pass","family":"season","tier":0}]`))

		case len(parts) == 4 && parts[1] == "items" && parts[3] == "record" && r.Method == http.MethodPost:
			_, _ = w.Write([]byte(`{"player_id":"` + playerID + `","item_id":"` + parts[2] + `","current_value":3,"claimed_tiers":[0]}`))

		case len(parts) == 4 && parts[1] == "items" && parts[3] == "claim" && r.Method == http.MethodPost:
			if parts[2] == "expired_event" {
				w.WriteHeader(http.StatusGone)
				_, _ = w.Write([]byte(`{"code":"expired","message":"item has expired"}`))
				return
			}
			_, _ = w.Write([]byte(`{"ok":true}`))

		case len(parts) == 3 && parts[1] == "items" && r.Method == http.MethodGet:
			if parts[2] == "never_touched" {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"code":"no_progress","message":"no progress recorded"}`))
				return
			}
			_, _ = w.Write([]byte(`{"player_id":"` + playerID + `","item_id":"` + parts[2] + `","current_value":3,"claimed_tiers":[0]}`))

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	upgrader := websocket.Upgrader{}
	mux.HandleFunc("/api/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		evt := core.NewTierCrossed("alice", "daily_wins", core.FamilyQuest, 0, 3)
		_ = conn.WriteJSON(evt)
	})

	return httptest.NewServer(mux)
}
