package analytics

import (
	"context"
	"sync"
	"time"

	"progresskit/core"
)

// Summary is a point-in-time rollup of the progression KPIs, keyed by
// the day it covers.
type Summary struct {
	Day       string    `json:"day"`
	CreatedAt time.Time `json:"created_at"`

	ActivePlayers int `json:"active_players"`

	Grants          int64                     `json:"grants"`
	GrantsByFamily  map[core.Family]int64     `json:"grants_by_family"`
	RewardUnits     map[core.RewardKind]int64 `json:"reward_units"`
	ProgressUpdates int64                     `json:"progress_updates"`

	TopItems []itemCount `json:"top_items,omitempty"`
}

// AggregationEngine periodically rolls the live metrics up into daily
// summaries and hands them to the exporters.
type AggregationEngine struct {
	metrics *Metrics
	players *ActivePlayers

	mu        sync.Mutex
	summaries map[string]*Summary

	interval time.Duration
	exporter *ExportManager
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func NewAggregationEngine(metrics *Metrics, players *ActivePlayers, interval time.Duration, exporter *ExportManager) *AggregationEngine {
	return &AggregationEngine{
		metrics:   metrics,
		players:   players,
		summaries: make(map[string]*Summary),
		interval:  interval,
		exporter:  exporter,
		now:       time.Now,
	}
}

// Start launches the rollup loop. Safe to call once.
func (a *AggregationEngine) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})

	go func() {
		defer close(a.done)
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.rollup(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the rollup loop and flushes buffered exports.
func (a *AggregationEngine) Stop(ctx context.Context) {
	if a.cancel != nil {
		a.cancel()
		<-a.done
	}
	if a.exporter != nil {
		_ = a.exporter.Flush(ctx)
	}
}

// Rollup builds the summary for today and exports it. Exposed for
// callers that want an on-demand snapshot.
func (a *AggregationEngine) Rollup(ctx context.Context) *Summary {
	return a.rollup(ctx)
}

func (a *AggregationEngine) rollup(ctx context.Context) *Summary {
	day := dayKey(a.now())

	grantsByFamily := make(map[core.Family]int64)
	var grants int64
	for _, family := range core.Families() {
		n := a.metrics.GrantsForFamily(family)
		if n > 0 {
			grantsByFamily[family] = n
		}
		grants += n
	}

	rewardUnits := make(map[core.RewardKind]int64)
	for _, kind := range []core.RewardKind{core.RewardCurrency, core.RewardItem, core.RewardUnlock, core.RewardXP} {
		if n := a.metrics.RewardUnits(kind); n > 0 {
			rewardUnits[kind] = n
		}
	}

	summary := &Summary{
		Day:             day,
		CreatedAt:       a.now().UTC(),
		ActivePlayers:   a.players.Daily(day),
		Grants:          grants,
		GrantsByFamily:  grantsByFamily,
		RewardUnits:     rewardUnits,
		ProgressUpdates: a.metrics.ProgressUpdates(),
		TopItems:        a.metrics.TopItemsByGrants(10),
	}

	a.mu.Lock()
	a.summaries[day] = summary
	a.mu.Unlock()

	if a.exporter != nil {
		_ = a.exporter.Export(ctx, summary)
	}
	return summary
}

// SummaryFor returns the last rollup for a day key, if one exists.
func (a *AggregationEngine) SummaryFor(day string) (*Summary, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.summaries[day]
	return s, ok
}
