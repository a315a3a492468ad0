package core

import "errors"

// Sentinel errors for the expected failure modes. None of these are
// panicked on anywhere in the engine.
var (
	// ErrExpired is returned for operations on a no-longer-active item.
	// Not retried; surfaced to the caller.
	ErrExpired = errors.New("tracked item expired")

	// ErrUnknownItem is returned when an item id is not in the catalog.
	ErrUnknownItem = errors.New("unknown tracked item")

	// ErrAlreadyClaimed marks an idempotent no-op: the tier was rewarded
	// before. Callers typically treat it as success.
	ErrAlreadyClaimed = errors.New("tier already claimed")

	// ErrNotEarned is returned by manual claims for tiers whose threshold
	// has not been reached yet.
	ErrNotEarned = errors.New("tier threshold not reached")

	// ErrRemoteUnavailable marks a transient remote failure. The refresh
	// loops retry on the next tick; stale cache is served meanwhile.
	ErrRemoteUnavailable = errors.New("remote unavailable")

	// ErrPartialGrant means one or more rewards in a tier failed to apply.
	// The whole tier is retried as a unit on the next evaluation pass.
	ErrPartialGrant = errors.New("partial reward grant")

	// ErrGrantAbandoned means a tier grant failed more times than the
	// configured bound and needs operator attention.
	ErrGrantAbandoned = errors.New("reward grant abandoned after max attempts")

	// ErrCorruptPersisted means durable state could not be decoded. The
	// affected key is reset to defaults and a remote resync is forced.
	ErrCorruptPersisted = errors.New("corrupt persisted state")

	// ErrNegativeDelta is an invariant violation: deltas must be >= 0.
	ErrNegativeDelta = errors.New("negative progress delta")
)
