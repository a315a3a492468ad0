package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	ws "progresskit/adapters/websocket"
	"progresskit/core"
	"progresskit/engine"
	"progresskit/progress"
	"progresskit/realtime"
)

func main() {
	// Use readable text logging for development/demo
	textHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	slog.SetDefault(slog.New(textHandler))

	ctx := context.Background()
	hub := realtime.NewHub()
	client := progress.New(
		progress.WithRealtime(hub),
		progress.WithDispatchMode(engine.DispatchAsync),
	)
	defer client.Close()

	if err := seedCatalog(client.Tracker.Catalog()); err != nil {
		slog.Error("failed to seed demo catalog", "error", err)
		os.Exit(1)
	}

	http.Handle("/ws", ws.Handler(hub))
	http.HandleFunc("/players/", func(w http.ResponseWriter, r *http.Request) {
		// routes: POST /players/{id}/items/{item}/record?delta=5
		//         POST /players/{id}/items/{item}/claim?tier=0
		//         GET  /players/{id}/items/{item}
		//         GET  /players/{id}/claimable
		parts := split(r.URL.Path, '/')
		if len(parts) < 3 {
			http.NotFound(w, r)
			return
		}
		player := core.PlayerID(parts[1])

		switch r.Method {
		case http.MethodPost:
			if len(parts) < 5 || parts[2] != "items" {
				http.NotFound(w, r)
				return
			}
			item := core.ItemID(parts[3])
			switch parts[4] {
			case "record":
				delta, _ := strconv.ParseFloat(r.URL.Query().Get("delta"), 64)
				p, err := client.Tracker.RecordDelta(ctx, player, item, delta)
				writeJSON(w, map[string]any{"value": p.CurrentValue, "err": errString(err)})
				return
			case "claim":
				tier, _ := strconv.Atoi(r.URL.Query().Get("tier"))
				err := client.Tracker.Claim(ctx, player, item, tier)
				writeJSON(w, map[string]any{"ok": err == nil, "err": errString(err)})
				return
			}
		case http.MethodGet:
			if parts[2] == "claimable" {
				claimable, err := client.Tracker.GetClaimable(ctx, player)
				if err != nil {
					http.Error(w, err.Error(), 500)
					return
				}
				writeJSON(w, claimable)
				return
			}
			if len(parts) >= 4 && parts[2] == "items" {
				p, ok, err := client.Tracker.GetProgress(ctx, player, core.ItemID(parts[3]))
				if err != nil {
					http.Error(w, err.Error(), 500)
					return
				}
				if !ok {
					http.NotFound(w, r)
					return
				}
				writeJSON(w, p)
				return
			}
		}
		http.NotFound(w, r)
	})

	slog.Info("starting demo server on :8080")

	if err := http.ListenAndServe(":8080", nil); err != nil {
		slog.Error("demo server crashed", "error", err)
		os.Exit(1)
	}
}

// seedCatalog registers a handful of demo ladders: a permanent
// achievement, an auto-granting daily quest and a manual-claim season pass.
func seedCatalog(catalog *engine.Catalog) error {
	seasonEnd := time.Now().Add(30 * 24 * time.Hour)

	items := []core.TrackedItem{
		{
			ID:     "first_blood",
			Family: core.FamilyAchievement,
			Name:   "First Blood",
			Thresholds: []core.Threshold{
				{Tier: 0, Required: 1},
			},
			Rewards: map[int][]core.Reward{
				0: {{Kind: core.RewardXP, Amount: 100}},
			},
		},
		{
			ID:     "daily_wins",
			Family: core.FamilyQuest,
			Name:   "Daily Wins",
			Thresholds: []core.Threshold{
				{Tier: 0, Required: 3},
				{Tier: 1, Required: 10},
			},
			Rewards: map[int][]core.Reward{
				0: {{Kind: core.RewardCurrency, Amount: 50, Ref: "coins"}},
				1: {{Kind: core.RewardCurrency, Amount: 250, Ref: "coins"}},
			},
		},
		{
			ID:          "season_pass",
			Family:      core.FamilySeason,
			Name:        "Season Pass",
			ManualClaim: true,
			Expiry:      &seasonEnd,
			Thresholds: []core.Threshold{
				{Tier: 0, Required: 100},
				{Tier: 1, Required: 500},
			},
			Rewards: map[int][]core.Reward{
				0: {{Kind: core.RewardItem, Amount: 1, Ref: "banner_frame"}},
				1: {{Kind: core.RewardUnlock, Ref: "emote_victory"}},
			},
		},
	}

	for _, it := range items {
		if err := catalog.Upsert(it); err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func errString(err error) any {
	if err == nil {
		return nil
	}
	return err.Error()
}

func split(p string, sep rune) []string {
	var parts []string
	current := make([]rune, 0, len(p))

	for _, r := range p {
		if r == sep {
			if len(current) > 0 {
				parts = append(parts, string(current))
				current = current[:0]
			}
			continue
		}
		current = append(current, r)
	}

	if len(current) > 0 {
		parts = append(parts, string(current))
	}

	return parts
}
