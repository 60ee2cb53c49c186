package queue

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/keystonegw/sentinel/internal/concurrency"
	"github.com/keystonegw/sentinel/internal/store"
)

// Config is the per-request set of live-tunable queue parameters, read
// from the Config Service at admission time (spec.md §4.5/§4.7).
type Config struct {
	SizeMultiplier    float64
	MinMaxSize        int
	TimeoutMs         int
	PollIntervalMs    int
	BackoffFactor     float64
	JitterRatio       float64
	MaxPollIntervalMs int
	MaxRedisFailCount int
	HealthCheckEnabled bool
	HealthThreshold    float64
}

// MaxQueueSize computes maxQueueSize = max(concurrencyLimit ·
// sizeMultiplier, minMaxSize).
func MaxQueueSize(concurrencyLimit int, cfg Config) int {
	bySize := int(math.Ceil(float64(concurrencyLimit) * cfg.SizeMultiplier))
	if cfg.MinMaxSize > bySize {
		return cfg.MinMaxSize
	}
	return bySize
}

// EnterOutcome is the result of the pre-wait entry check.
type EnterOutcome int

const (
	EnterOK EnterOutcome = iota
	EnterQueueFull
	EnterOverloaded
)

// Outcome is the terminal disposition of a full queue wait.
type Outcome int

const (
	Success Outcome = iota
	Timeout
	Cancelled
	ClientDisconnected
	StoreUnavailable
)

// Manager implements the Queue Manager of spec.md §4.5: bounded entry,
// percentile-driven health fast-fail, and a cooperative polling waiter
// with jittered exponential backoff.
type Manager struct {
	store *store.Client
	conc  *concurrency.Controller
}

// New builds a Manager over the shared store and Concurrency Controller.
func New(s *store.Client, c *concurrency.Controller) *Manager {
	return &Manager{store: s, conc: c}
}

// Enter runs the pre-wait admission check: health fast-fail first (if
// enabled), then the bounded queue-length increment. On EnterOK the
// caller owns a queue slot and MUST follow with Wait, whose every exit
// path decrements the queue-length counter exactly once.
func (m *Manager) Enter(ctx context.Context, keyID string, concurrencyLimit int, cfg Config) (EnterOutcome, int, error) {
	maxSize := MaxQueueSize(concurrencyLimit, cfg)

	if cfg.HealthCheckEnabled {
		overloaded, err := m.isOverloaded(ctx, keyID, maxSize, cfg)
		if err == nil && overloaded {
			if ierr := m.store.IncrStat(ctx, keyID, store.StatRejectedOverload); ierr != nil {
				return EnterOverloaded, 30, fmt.Errorf("queue: stat: %w", ierr)
			}
			return EnterOverloaded, 30, nil
		}
		// Health-check error or sub-threshold state: fall open into
		// normal entry (spec.md §4.5 "fail-open").
	}

	ttlSeconds := int(math.Ceil(float64(cfg.TimeoutMs) / 1000))
	accepted, _, err := m.store.IncrQueueLen(ctx, keyID, maxSize, ttlSeconds)
	if err != nil {
		return EnterQueueFull, 0, fmt.Errorf("queue: incr len: %w", err)
	}
	if !accepted {
		retryAfter := int(math.Ceil(float64(cfg.TimeoutMs) / 1000))
		return EnterQueueFull, retryAfter, nil
	}

	if err := m.store.IncrStat(ctx, keyID, store.StatEntered); err != nil {
		// Statistics failures never block admission (spec.md §7
		// "swallowed with a warning"); the caller logs this.
		return EnterOK, 0, err
	}
	return EnterOK, 0, nil
}

// RecordSocketChanged records the terminal statistic for a slot that was
// acquired but discarded because the socket identity validated after
// Wait no longer matches the one recorded at Enter (spec.md §4.6
// socket-identity protocol).
func (m *Manager) RecordSocketChanged(ctx context.Context, keyID string) error {
	return m.store.IncrStat(ctx, keyID, store.StatSocketChanged)
}

func (m *Manager) isOverloaded(ctx context.Context, keyID string, maxSize int, cfg Config) (bool, error) {
	currentLen, err := m.store.QueueLen(ctx, keyID)
	if err != nil {
		return false, err
	}
	if currentLen <= int64(math.Ceil(float64(maxSize)/2)) {
		return false, nil
	}
	samples, err := m.store.WaitSamples(ctx, keyID)
	if err != nil {
		return false, err
	}
	if len(samples) < 10 {
		return false, nil
	}
	p90 := Percentile(samples, 90)
	threshold := cfg.HealthThreshold
	if threshold <= 0 {
		threshold = 0.8
	}
	return float64(p90) >= float64(cfg.TimeoutMs)*threshold, nil
}

// WaitResult is the outcome of a full polling wait.
type WaitResult struct {
	Outcome Outcome
	Slot    *concurrency.Slot
	WaitMs  int64
}

// Wait runs the polling loop of spec.md §4.5 against a key the caller
// has already Entered. isAlive is consulted before every poll attempt
// and again immediately after a successful Acquire, so a disconnect in
// either window surfaces as ClientDisconnected rather than a granted
// slot nobody uses. Every exit path decrements the queue-length counter
// exactly once.
func (m *Manager) Wait(ctx context.Context, keyID string, concurrencyLimit, leaseSeconds int, cfg Config, isAlive func() bool) WaitResult {
	start := time.Now()
	deadline := start.Add(time.Duration(cfg.TimeoutMs) * time.Millisecond)
	intervalMs := float64(cfg.PollIntervalMs)
	if intervalMs <= 0 {
		intervalMs = 200
	}
	maxIntervalMs := float64(cfg.MaxPollIntervalMs)
	if maxIntervalMs <= 0 {
		maxIntervalMs = 2000
	}
	backoff := cfg.BackoffFactor
	if backoff <= 0 {
		backoff = 1.5
	}
	jitter := cfg.JitterRatio
	maxFails := cfg.MaxRedisFailCount
	if maxFails <= 0 {
		maxFails = 5
	}

	consecutiveFails := 0

	finish := func(outcome Outcome, slot *concurrency.Slot) WaitResult {
		waitMs := time.Since(start).Milliseconds()
		_ = m.store.DecrQueueLen(context.Background(), keyID)
		var kind store.QueueStatKind
		switch outcome {
		case Timeout:
			kind = store.StatTimeout
		case Cancelled, ClientDisconnected:
			kind = store.StatCancelled
		case StoreUnavailable:
			kind = store.StatRedisError
		case Success:
			kind = store.StatSuccess
			_ = m.store.RecordWaitSample(context.Background(), keyID, waitMs)
		}
		if kind != "" {
			_ = m.store.IncrStat(context.Background(), keyID, kind)
		}
		return WaitResult{Outcome: outcome, Slot: slot, WaitMs: waitMs}
	}

	for {
		if ctx.Err() != nil {
			return finish(Cancelled, nil)
		}
		if isAlive != nil && !isAlive() {
			return finish(ClientDisconnected, nil)
		}
		if time.Now().After(deadline) {
			return finish(Timeout, nil)
		}

		res := m.conc.Acquire(ctx, keyID, concurrencyLimit, leaseSeconds)
		switch res.Outcome {
		case concurrency.Acquired:
			// spec.md §4.5: re-verify liveness immediately after acquiring,
			// before the slot is handed to the caller — a client that
			// disconnected in the window since the last poll must not be
			// granted a slot it will never use.
			if isAlive != nil && !isAlive() {
				_ = res.Slot.Release(ctx)
				return finish(ClientDisconnected, nil)
			}
			return finish(Success, res.Slot)
		case concurrency.ExceedsLimit:
			consecutiveFails = 0
		case concurrency.Unavailable:
			consecutiveFails++
			if consecutiveFails >= maxFails {
				return finish(StoreUnavailable, nil)
			}
		}

		sleepMs := nextInterval(intervalMs, backoff, jitter, maxIntervalMs)
		timer := time.NewTimer(time.Duration(sleepMs) * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return finish(Cancelled, nil)
		case <-timer.C:
		}
		intervalMs = sleepMs
	}
}

// nextInterval grows intervalMs by backoff with additive jitter in
// [-jitterRatio, +jitterRatio], clamped to [1, maxIntervalMs].
func nextInterval(currentMs, backoff, jitterRatio, maxIntervalMs float64) float64 {
	next := currentMs * backoff
	if jitterRatio > 0 {
		j := (rand.Float64()*2 - 1) * jitterRatio
		next = next * (1 + j)
	}
	if next < 1 {
		next = 1
	}
	if next > maxIntervalMs {
		next = maxIntervalMs
	}
	return next
}
