package concurrency

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keystonegw/sentinel/internal/store"
)

// Slot is the process-local handle of spec.md §3 "ConcurrencySlot": it
// owns exactly one remote ConcurrencyEntry for the lifetime of one HTTP
// request. Release is safe to call from multiple goroutines/callbacks;
// only the first call has any effect (spec.md §4.6 "single atomic
// test-and-set").
type Slot struct {
	keyID          string
	requestID      string
	leaseSeconds   int
	leaseExpiresAt time.Time
	store          *store.Client

	released uint32 // atomic

	renewMu     sync.Mutex
	renewCancel context.CancelFunc
	renewDone   chan struct{}
}

// KeyID returns the key this slot belongs to.
func (s *Slot) KeyID() string { return s.keyID }

// RequestID returns the UUID identifying this slot's entry.
func (s *Slot) RequestID() string { return s.requestID }

// Released reports whether Release has already run.
func (s *Slot) Released() bool {
	return atomic.LoadUint32(&s.released) == 1
}

// StartRenewal begins the lease-renewal timer described in spec.md §4.4
// and §4.6: ticks at max(renewIntervalSeconds·1000, 15000)ms, stops
// after MaxRefreshes(maxLifetimeMinutes, renewIntervalMs) renewals (then
// force-releases), and is always cancelled by Release. A no-op if
// renewIntervalSeconds ≤ 0.
func (s *Slot) StartRenewal(renewIntervalSeconds, maxLifetimeMinutes int, onExpire func()) {
	if renewIntervalSeconds <= 0 || s.Released() {
		return
	}
	intervalMs := renewIntervalSeconds * 1000
	if intervalMs < 15000 {
		intervalMs = 15000
	}
	maxRefreshes := MaxRefreshes(maxLifetimeMinutes, intervalMs)

	ctx, cancel := context.WithCancel(context.Background())
	s.renewMu.Lock()
	s.renewCancel = cancel
	s.renewDone = make(chan struct{})
	done := s.renewDone
	s.renewMu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
		defer ticker.Stop()

		count := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if s.Released() {
					return
				}
				count++
				if maxRefreshes > 0 && count > maxRefreshes {
					s.Release(context.Background())
					if onExpire != nil {
						onExpire()
					}
					return
				}
				newExpiry := time.Now().Add(time.Duration(s.leaseSeconds) * time.Second)
				ok, err := s.store.RefreshSlot(context.Background(), s.keyID, s.requestID, newExpiry)
				if err == nil && ok {
					s.leaseExpiresAt = newExpiry
				}
				// A failed or missing refresh is left to surface at
				// lease expiry; the renewal loop itself never errors
				// the request (spec.md §4.4 Errors).
			}
		}
	}()
}

// Release removes the remote entry exactly once, cancels any running
// renewal timer, and is idempotent under concurrent callers (L1).
func (s *Slot) Release(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&s.released, 0, 1) {
		return nil
	}

	s.renewMu.Lock()
	cancel := s.renewCancel
	s.renewMu.Unlock()
	if cancel != nil {
		cancel()
	}

	return s.store.ReleaseSlot(ctx, s.keyID, s.requestID)
}
