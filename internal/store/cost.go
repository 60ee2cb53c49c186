package store

import (
	"context"
	"fmt"
	"time"
)

// Cost counters back the Rate Limiter's daily/total/weekly-Opus caps
// (spec.md §4.3). Unlike the fixed rate window, the daily and weekly-Opus
// counters reset on calendar boundaries rather than relative to first
// use, so the reset is expressed in the Redis key itself: a new calendar
// period is simply a new key, left to expire on its own TTL. The total
// counter has a single key with no TTL and never resets. This is the
// "best-effort counters" the spec's Non-goals call for, not a durable
// billing ledger.

const (
	dailyCostKeyPrefix      = "sentinel:cost:daily:"
	totalCostKeyPrefix      = "sentinel:cost:total:"
	weeklyOpusCostKeyPrefix = "sentinel:cost:weeklyopus:"

	dailyCostTTL      = 48 * time.Hour
	weeklyOpusCostTTL = 9 * 24 * time.Hour
)

func dailyCostKey(keyID string, now time.Time) string {
	return dailyCostKeyPrefix + keyID + ":" + now.Format("2006-01-02")
}

func totalCostKey(keyID string) string {
	return totalCostKeyPrefix + keyID
}

// isoWeekKey returns a stable per-calendar-week identifier that changes
// at local Monday 00:00.
func isoWeekKey(now time.Time) string {
	year, week := now.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

func weeklyOpusCostKey(keyID string, now time.Time) string {
	return weeklyOpusCostKeyPrefix + keyID + ":" + isoWeekKey(now)
}

// AddDailyCost adds deltaUSD to the calendar-day counter for keyID and
// returns the new total for that day.
func (c *Client) AddDailyCost(ctx context.Context, keyID string, deltaUSD float64, now time.Time) (float64, error) {
	return c.addCostCounter(ctx, dailyCostKey(keyID, now), deltaUSD, dailyCostTTL)
}

// DailyCost reads the current calendar-day total without mutating it.
func (c *Client) DailyCost(ctx context.Context, keyID string, now time.Time) (float64, error) {
	return c.readCostCounter(ctx, dailyCostKey(keyID, now))
}

// AddTotalCost adds deltaUSD to the non-resetting lifetime counter.
func (c *Client) AddTotalCost(ctx context.Context, keyID string, deltaUSD float64) (float64, error) {
	return c.addCostCounter(ctx, totalCostKey(keyID), deltaUSD, 0)
}

// TotalCost reads the lifetime total without mutating it.
func (c *Client) TotalCost(ctx context.Context, keyID string) (float64, error) {
	return c.readCostCounter(ctx, totalCostKey(keyID))
}

// AddWeeklyOpusCost adds deltaUSD to the current ISO-week's Opus-model
// counter, resetting implicitly at the next local Monday 00:00.
func (c *Client) AddWeeklyOpusCost(ctx context.Context, keyID string, deltaUSD float64, now time.Time) (float64, error) {
	return c.addCostCounter(ctx, weeklyOpusCostKey(keyID, now), deltaUSD, weeklyOpusCostTTL)
}

// WeeklyOpusCost reads the current ISO-week's Opus-model total.
func (c *Client) WeeklyOpusCost(ctx context.Context, keyID string, now time.Time) (float64, error) {
	return c.readCostCounter(ctx, weeklyOpusCostKey(keyID, now))
}

func (c *Client) addCostCounter(ctx context.Context, key string, deltaUSD float64, ttl time.Duration) (float64, error) {
	micros := costMicros(deltaUSD)
	n, err := c.rdb.IncrBy(ctx, key, micros).Result()
	if err != nil {
		return 0, fmt.Errorf("add cost counter: %w", err)
	}
	if ttl > 0 {
		if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("add cost counter expire: %w", err)
		}
	}
	return float64(n) / 1_000_000, nil
}

func (c *Client) readCostCounter(ctx context.Context, key string) (float64, error) {
	n, err := c.rdb.Get(ctx, key).Int64()
	if err != nil {
		if err.Error() == "redis: nil" {
			return 0, nil
		}
		return 0, fmt.Errorf("read cost counter: %w", err)
	}
	return float64(n) / 1_000_000, nil
}
