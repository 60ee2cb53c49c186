package store

import (
	"context"
	"fmt"
	"time"
)

const rateWindowKeyPrefix = "sentinel:ratewindow:"

func rateWindowKey(keyID string) string {
	return rateWindowKeyPrefix + keyID
}

// RateWindowState mirrors the §3 RateWindow record. CostUSD is stored in
// Redis as integer micro-dollars (costMicros) so the hash field stays an
// integer HINCRBY target; callers only ever see the float.
type RateWindowState struct {
	WindowStart time.Time
	Requests    int64
	Tokens      int64
	CostUSD     float64
}

// costMicros converts a USD delta to the integer micros used on the wire.
func costMicros(usd float64) int64 {
	return int64(usd * 1_000_000)
}

// Peek reads the current window state, resetting it first if its
// duration has elapsed. It does not increment any counter.
func (c *Client) Peek(ctx context.Context, keyID string, windowDuration time.Duration, now time.Time) (RateWindowState, error) {
	return c.applyRateWindow(ctx, keyID, windowDuration, now, "", 0)
}

// IncrRequests atomically resets-if-expired and increments the request
// counter by one, returning the post-increment state.
func (c *Client) IncrRequests(ctx context.Context, keyID string, windowDuration time.Duration, now time.Time) (RateWindowState, error) {
	return c.applyRateWindow(ctx, keyID, windowDuration, now, "requests", 1)
}

// RecordUsage atomically adds token and cost deltas recorded by the
// relay after a response completes. Zero deltas are valid no-ops.
func (c *Client) RecordUsage(ctx context.Context, keyID string, windowDuration time.Duration, now time.Time, tokens int64, costUSD float64) error {
	if tokens != 0 {
		if _, err := c.applyRateWindow(ctx, keyID, windowDuration, now, "tokens", tokens); err != nil {
			return err
		}
	}
	if costUSD != 0 {
		if _, err := c.applyRateWindow(ctx, keyID, windowDuration, now, "cost", costMicros(costUSD)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) applyRateWindow(ctx context.Context, keyID string, windowDuration time.Duration, now time.Time, field string, delta int64) (RateWindowState, error) {
	res, err := rateWindowScript.Run(ctx, c.rdb, []string{rateWindowKey(keyID)},
		now.UnixMilli(), windowDuration.Milliseconds(), field, delta,
	).Result()
	if err != nil {
		return RateWindowState{}, fmt.Errorf("rate window: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 4 {
		return RateWindowState{}, fmt.Errorf("rate window: unexpected script result %#v", res)
	}
	windowStartMs, _ := parseInt(vals[0])
	requests, _ := parseInt(vals[1])
	tokens, _ := parseInt(vals[2])
	costMicros, _ := parseInt(vals[3])
	return RateWindowState{
		WindowStart: time.UnixMilli(windowStartMs),
		Requests:    requests,
		Tokens:      tokens,
		CostUSD:     float64(costMicros) / 1_000_000,
	}, nil
}

func parseInt(v interface{}) (int64, error) {
	switch n := v.(type) {
	case string:
		var out int64
		_, err := fmt.Sscanf(n, "%d", &out)
		return out, err
	case int64:
		return n, nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected numeric type %T", v)
	}
}
