package analytics

import (
	"context"

	"progresskit/core"
	"progresskit/engine"
)

// BridgeHook bridges an event source to multiple hooks.
type BridgeHook struct{ hooks []Hook }

func NewBridge(hooks ...Hook) *BridgeHook { return &BridgeHook{hooks: hooks} }

func (b *BridgeHook) OnEvent(e core.Event) {
	for _, h := range b.hooks {
		h.OnEvent(e)
	}
}

// Attach subscribes the bridge to every event type on the bus and
// returns a detach function.
func (b *BridgeHook) Attach(bus *engine.EventBus) func() {
	return bus.SubscribeAll(func(_ context.Context, e core.Event) {
		b.OnEvent(e)
	})
}
