// Package ratelimit implements the Rate Limiter of spec.md §4.3: a
// fixed-window counter for requests/tokens/cost layered under two
// calendar-aligned cost caps (daily, weekly-Opus) and a non-resetting
// total cost cap, checked in a fixed precedence order so a
// single Check call reports exactly one deny kind.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/keystonegw/sentinel/internal/store"
)

// DenyKind enumerates the machine-readable deny reasons of spec.md §7.
type DenyKind string

const (
	DenyRequests   DenyKind = "RateLimitExceeded"
	DenyTokens     DenyKind = "RateLimitExceeded"
	DenyDailyCost  DenyKind = "DailyCostLimit"
	DenyTotalCost  DenyKind = "TotalCostLimit"
	DenyWeeklyOpus DenyKind = "WeeklyOpusLimit"
)

// Limits is the subset of a KeyRecord the Rate Limiter needs.
type Limits struct {
	WindowSeconds          int
	RequestLimit           int64
	TokenLimit             int64 // legacy; if >0 it is checked instead of cost
	CostLimitUSD           float64
	DailyCostLimitUSD      float64
	TotalCostLimitUSD      float64
	WeeklyOpusCostLimitUSD float64
}

// Result is the outcome of a Check call.
type Result struct {
	Allowed         bool
	Kind            DenyKind
	Message         string
	ResetAt         time.Time
	RemainingMinutes float64
	CostLimit       float64
	CurrentCost     float64
}

func allow() Result { return Result{Allowed: true} }

// Limiter wraps internal/store's window and cost counters behind the
// ordered precedence spec.md §4.3 requires.
type Limiter struct {
	store *store.Client
}

// New builds a Limiter over a store Client.
func New(s *store.Client) *Limiter {
	return &Limiter{store: s}
}

// Check evaluates every cap in precedence order — requests, then
// tokens-or-cost, then daily-cost, then total-cost, then weekly-Opus —
// returning the first deny encountered, or Allow if none trip. It does
// not mutate any counter; call RecordRequest after an Allow to account
// for this request.
func (l *Limiter) Check(ctx context.Context, keyID string, limits Limits, model string, now time.Time) (Result, error) {
	window := time.Duration(limits.WindowSeconds) * time.Second
	if window <= 0 {
		window = time.Second // degenerate but non-zero: avoid div-by-zero resets
	}

	state, err := l.store.Peek(ctx, keyID, window, now)
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: peek window: %w", err)
	}
	resetAt := state.WindowStart.Add(window)

	if limits.RequestLimit > 0 && state.Requests >= limits.RequestLimit {
		return Result{
			Allowed: false, Kind: DenyRequests,
			Message: "request rate limit exceeded",
			ResetAt: resetAt, RemainingMinutes: minutesUntil(now, resetAt),
		}, nil
	}

	if limits.TokenLimit > 0 {
		if state.Tokens >= limits.TokenLimit {
			return Result{
				Allowed: false, Kind: DenyTokens,
				Message: "token rate limit exceeded",
				ResetAt: resetAt, RemainingMinutes: minutesUntil(now, resetAt),
			}, nil
		}
	} else if limits.CostLimitUSD > 0 && state.CostUSD >= limits.CostLimitUSD {
		return Result{
			Allowed: false, Kind: DenyTokens,
			Message: "cost rate limit exceeded",
			ResetAt: resetAt, RemainingMinutes: minutesUntil(now, resetAt),
			CostLimit: limits.CostLimitUSD, CurrentCost: state.CostUSD,
		}, nil
	}

	if limits.DailyCostLimitUSD > 0 {
		daily, err := l.store.DailyCost(ctx, keyID, now)
		if err != nil {
			return Result{}, fmt.Errorf("ratelimit: daily cost: %w", err)
		}
		if daily >= limits.DailyCostLimitUSD {
			reset := nextLocalMidnight(now)
			return Result{
				Allowed: false, Kind: DenyDailyCost,
				Message: "daily cost limit exceeded",
				ResetAt: reset, RemainingMinutes: minutesUntil(now, reset),
				CostLimit: limits.DailyCostLimitUSD, CurrentCost: daily,
			}, nil
		}
	}

	if limits.TotalCostLimitUSD > 0 {
		total, err := l.store.TotalCost(ctx, keyID)
		if err != nil {
			return Result{}, fmt.Errorf("ratelimit: total cost: %w", err)
		}
		if total >= limits.TotalCostLimitUSD {
			// Non-resetting: ResetAt is the zero value, callers must
			// omit it rather than print a misleading instant.
			return Result{
				Allowed: false, Kind: DenyTotalCost,
				Message:   "total cost limit exceeded",
				CostLimit: limits.TotalCostLimitUSD, CurrentCost: total,
			}, nil
		}
	}

	if limits.WeeklyOpusCostLimitUSD > 0 && strings.Contains(strings.ToLower(model), "claude-opus") {
		weekly, err := l.store.WeeklyOpusCost(ctx, keyID, now)
		if err != nil {
			return Result{}, fmt.Errorf("ratelimit: weekly opus cost: %w", err)
		}
		if weekly >= limits.WeeklyOpusCostLimitUSD {
			reset := nextLocalMonday(now)
			return Result{
				Allowed: false, Kind: DenyWeeklyOpus,
				Message: "weekly Opus cost limit exceeded",
				ResetAt: reset, RemainingMinutes: minutesUntil(now, reset),
				CostLimit: limits.WeeklyOpusCostLimitUSD, CurrentCost: weekly,
			}, nil
		}
	}

	return allow(), nil
}

// RecordRequest increments the request counter of the fixed window. It
// is only called after an Allow decision (spec.md §4.2 step 6).
func (l *Limiter) RecordRequest(ctx context.Context, keyID string, windowSeconds int, now time.Time) error {
	window := time.Duration(windowSeconds) * time.Second
	if window <= 0 {
		window = time.Second
	}
	_, err := l.store.IncrRequests(ctx, keyID, window, now)
	return err
}

// RecordUsage is called by the relay once a response completes, folding
// token/cost deltas into the fixed window and the three cost counters.
func (l *Limiter) RecordUsage(ctx context.Context, keyID string, windowSeconds int, now time.Time, tokens int64, costUSD float64, model string) error {
	window := time.Duration(windowSeconds) * time.Second
	if window <= 0 {
		window = time.Second
	}
	if err := l.store.RecordUsage(ctx, keyID, window, now, tokens, costUSD); err != nil {
		return err
	}
	if costUSD == 0 {
		return nil
	}
	if _, err := l.store.AddDailyCost(ctx, keyID, costUSD, now); err != nil {
		return err
	}
	if _, err := l.store.AddTotalCost(ctx, keyID, costUSD); err != nil {
		return err
	}
	if strings.Contains(strings.ToLower(model), "claude-opus") {
		if _, err := l.store.AddWeeklyOpusCost(ctx, keyID, costUSD, now); err != nil {
			return err
		}
	}
	return nil
}

func minutesUntil(now, target time.Time) float64 {
	d := target.Sub(now)
	if d < 0 {
		return 0
	}
	return d.Minutes()
}

func nextLocalMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
}

func nextLocalMonday(now time.Time) time.Time {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	daysUntilMonday := (int(time.Monday) - int(midnight.Weekday()) + 7) % 7
	if daysUntilMonday == 0 {
		daysUntilMonday = 7
	}
	return midnight.AddDate(0, 0, daysUntilMonday)
}
