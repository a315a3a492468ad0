// Package progress is the batteries-included entry point: it wires
// storage, the tracker, the scheduler, and an optional realtime hub into
// one client with sane defaults.
package progress

import (
	"context"
	"sync"
	"time"

	mem "progresskit/adapters/memory"
	"progresskit/analytics"
	"progresskit/core"
	"progresskit/engine"
	"progresskit/leaderboard"
	"progresskit/realtime"
)

// Option configures the client builder.
type Option func(*config)

type config struct {
	storage   engine.Storage
	gateway   engine.Gateway
	sink      engine.RewardSink
	notifier  engine.Notifier
	mode      engine.DispatchMode
	hub       *realtime.Hub
	boards    *leaderboard.ItemBoards
	hooks     []analytics.Hook
	schedules []engine.FamilySchedule
	trackerOpts []engine.TrackerOption
}

// WithStorage sets the persistence adapter.
func WithStorage(s engine.Storage) Option { return func(c *config) { c.storage = s } }

// WithGateway sets the remote sync gateway. Without one the client runs
// purely locally.
func WithGateway(g engine.Gateway) Option { return func(c *config) { c.gateway = g } }

// WithRewardSink sets where granted rewards are applied. Defaults to the
// built-in in-memory Wallet.
func WithRewardSink(s engine.RewardSink) Option { return func(c *config) { c.sink = s } }

// WithNotifier sets the local notification sink.
func WithNotifier(n engine.Notifier) Option { return func(c *config) { c.notifier = n } }

// WithDispatchMode selects sync or async event dispatch.
func WithDispatchMode(m engine.DispatchMode) Option { return func(c *config) { c.mode = m } }

// WithRealtime wires a realtime hub to receive all engine events.
func WithRealtime(h *realtime.Hub) Option { return func(c *config) { c.hub = h } }

// WithLeaderboards keeps per-item leaderboards fed from the event bus:
// progress updates rank players, item expiry drops the board.
func WithLeaderboards(b *leaderboard.ItemBoards) Option {
	return func(c *config) { c.boards = b }
}

// WithAnalytics subscribes the given hooks to every engine event.
func WithAnalytics(hooks ...analytics.Hook) Option {
	return func(c *config) { c.hooks = append(c.hooks, hooks...) }
}

// WithSchedules overrides the per-family refresh cadence.
func WithSchedules(s []engine.FamilySchedule) Option { return func(c *config) { c.schedules = s } }

// WithTrackerOptions passes additional low-level tracker options through.
func WithTrackerOptions(opts ...engine.TrackerOption) Option {
	return func(c *config) { c.trackerOpts = append(c.trackerOpts, opts...) }
}

// Client bundles the configured tracker with its scheduler lifecycle.
type Client struct {
	Tracker *engine.Tracker
	Bus     *engine.EventBus
	Wallet  *Wallet // nil when a custom sink was supplied

	scheduler *engine.Scheduler
	detach    []func()
}

// New builds a configured Client. Defaults: in-memory storage, in-memory
// wallet sink, async event dispatch, default refresh schedules.
func New(opts ...Option) *Client {
	cfg := &config{mode: engine.DispatchAsync}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.storage == nil {
		cfg.storage = mem.New()
	}

	c := &Client{}
	if cfg.sink == nil {
		c.Wallet = NewWallet()
		cfg.sink = c.Wallet
	}

	bus := engine.NewEventBus(cfg.mode)
	topts := make([]engine.TrackerOption, 0, len(cfg.trackerOpts)+2)
	if cfg.gateway != nil {
		topts = append(topts, engine.WithGateway(cfg.gateway))
	}
	if cfg.notifier != nil {
		topts = append(topts, engine.WithNotifier(cfg.notifier))
	}
	topts = append(topts, cfg.trackerOpts...)

	c.Bus = bus
	c.Tracker = engine.NewTracker(cfg.storage, cfg.sink, bus, topts...)
	if cfg.hub != nil {
		c.detach = append(c.detach, cfg.hub.Attach(bus))
	}
	if cfg.boards != nil {
		c.detach = append(c.detach, cfg.boards.Attach(bus))
	}
	if len(cfg.hooks) > 0 {
		c.detach = append(c.detach, analytics.NewBridge(cfg.hooks...).Attach(bus))
	}
	if cfg.gateway != nil {
		c.scheduler = engine.NewScheduler(c.Tracker, cfg.schedules)
	}
	return c
}

// Start replays any pending reward grants from a previous run and, when a
// gateway is configured, launches the background refresh loops.
func (c *Client) Start(ctx context.Context) error {
	if _, err := c.Tracker.ReplayPending(ctx); err != nil {
		return err
	}
	if c.scheduler != nil {
		c.scheduler.Start()
	}
	return nil
}

// Close stops background loops and the event workers.
func (c *Client) Close() {
	if c.scheduler != nil {
		c.scheduler.Stop()
	}
	for _, detach := range c.detach {
		detach()
	}
	c.Bus.Close()
}

// Wallet is the default in-memory reward sink: it accumulates currency
// and XP balances and collects unlocked refs per player. Handy for demos
// and for clients that reconcile against the server wallet anyway.
type Wallet struct {
	mu       sync.Mutex
	balances map[core.PlayerID]map[string]int64
	unlocks  map[core.PlayerID]map[string]struct{}
}

func NewWallet() *Wallet {
	return &Wallet{
		balances: map[core.PlayerID]map[string]int64{},
		unlocks:  map[core.PlayerID]map[string]struct{}{},
	}
}

func (w *Wallet) ApplyReward(_ context.Context, player core.PlayerID, r core.Reward) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch r.Kind {
	case core.RewardCurrency, core.RewardXP, core.RewardItem:
		if w.balances[player] == nil {
			w.balances[player] = map[string]int64{}
		}
		w.balances[player][r.Ref] += r.Amount
	case core.RewardUnlock:
		if w.unlocks[player] == nil {
			w.unlocks[player] = map[string]struct{}{}
		}
		w.unlocks[player][r.Ref] = struct{}{}
	}
	return nil
}

// Balance returns the accumulated amount of ref for player.
func (w *Wallet) Balance(player core.PlayerID, ref string) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balances[player][ref]
}

// Unlocked reports whether player has unlocked ref.
func (w *Wallet) Unlocked(player core.PlayerID, ref string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.unlocks[player][ref]
	return ok
}

// WaitFor is a test/demo helper that polls until the player's balance of
// ref reaches at least want or the timeout passes.
func (w *Wallet) WaitFor(player core.PlayerID, ref string, want int64, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if w.Balance(player, ref) >= want {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}
