// Package concurrency implements the Concurrency Controller of
// spec.md §4.4: a lease-based slot protocol over internal/store's
// concurrency sorted set, with try-then-check acquisition (no
// distributed lock), periodic renewal capped by lifetime, and
// idempotent release.
package concurrency

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/keystonegw/sentinel/internal/store"
)

// AcquireOutcome is the result of a single Acquire attempt.
type AcquireOutcome int

const (
	Acquired AcquireOutcome = iota
	ExceedsLimit
	Unavailable
)

// Controller wraps the store's concurrency primitives behind the
// lease/renew/release protocol.
type Controller struct {
	store *store.Client
}

// New builds a Controller over a store Client.
func New(s *store.Client) *Controller {
	return &Controller{store: s}
}

// AcquireResult carries everything the caller needs to hold, renew, and
// release a slot.
type AcquireResult struct {
	Outcome   AcquireOutcome
	Slot      *Slot
	LiveCount int64
	Err       error
}

// Acquire runs the try-then-check protocol of spec.md §4.4: insert a
// fresh entry, read back the live count, and accept iff live ≤ limit —
// otherwise best-effort release the entry it just inserted and report
// ExceedsLimit. It never blocks.
func (c *Controller) Acquire(ctx context.Context, keyID string, concurrencyLimit int, leaseSeconds int) AcquireResult {
	if leaseSeconds < 30 {
		leaseSeconds = 30
	}
	requestID := uuid.NewString()
	now := time.Now()
	leaseExpiresAt := now.Add(time.Duration(leaseSeconds) * time.Second)

	live, err := c.store.AcquireSlot(ctx, keyID, requestID, leaseExpiresAt, now)
	if err != nil {
		return AcquireResult{Outcome: Unavailable, Err: fmt.Errorf("concurrency: acquire: %w", err)}
	}

	if int(live) <= concurrencyLimit {
		return AcquireResult{
			Outcome:   Acquired,
			LiveCount: live,
			Slot: &Slot{
				keyID:          keyID,
				requestID:      requestID,
				leaseSeconds:   leaseSeconds,
				leaseExpiresAt: leaseExpiresAt,
				store:          c.store,
			},
		}
	}

	// Overshoot: this racer lost. Best-effort rollback; failure here is
	// logged by the caller and left for lease expiry (spec.md §4.4
	// "Errors").
	_ = c.store.ReleaseSlot(ctx, keyID, requestID)
	return AcquireResult{Outcome: ExceedsLimit, LiveCount: live}
}

// TryAcquire is an alias kept for callers that want to express "try the
// fast path, don't queue on failure" distinctly from Acquire used
// inside a queue poll loop — both share the identical protocol.
func (c *Controller) TryAcquire(ctx context.Context, keyID string, concurrencyLimit int, leaseSeconds int) AcquireResult {
	return c.Acquire(ctx, keyID, concurrencyLimit, leaseSeconds)
}

// Cleanup removes entries whose lease expired more than graceSeconds
// ago for a single key (spec.md §4.4 Reclamation).
func (c *Controller) Cleanup(ctx context.Context, keyID string, graceSeconds int) (int64, error) {
	return c.store.CleanupExpired(ctx, keyID, time.Now(), time.Duration(graceSeconds)*time.Second)
}

// ForceClear is the admin operation that deletes a key's concurrency set
// entirely.
func (c *Controller) ForceClear(ctx context.Context, keyID string) error {
	return c.store.ForceClear(ctx, keyID)
}

// MaxRefreshes computes the hard refresh cap of spec.md §4.4:
// ceil(maxLifetimeMinutes·60·1000 / renewIntervalMs).
func MaxRefreshes(maxLifetimeMinutes int, renewIntervalMs int) int {
	if renewIntervalMs <= 0 {
		return 0
	}
	return int(math.Ceil(float64(maxLifetimeMinutes) * 60 * 1000 / float64(renewIntervalMs)))
}

// ClampRenewInterval enforces renewIntervalSeconds ∈ [15, leaseSeconds−5].
func ClampRenewInterval(renewIntervalSeconds, leaseSeconds int) int {
	max := leaseSeconds - 5
	if max < 15 {
		max = 15
	}
	if renewIntervalSeconds < 15 {
		return 15
	}
	if renewIntervalSeconds > max {
		return max
	}
	return renewIntervalSeconds
}
