package store

import (
	"context"
	"fmt"
)

const (
	queueLenKeyPrefix     = "sentinel:queue:len:"
	queueSamplesKeyPrefix = "sentinel:queue:samples:"
	queueStatsKeyPrefix   = "sentinel:queue:stats:"
	globalSamplesKey      = "sentinel:queue:samples:__global__"

	// sampleRingSize bounds each wait-time sample ring; spec.md §4.5 asks
	// for at least 100 so P99 is ever reliable.
	sampleRingSize = 200
)

func queueLenKey(keyID string) string     { return queueLenKeyPrefix + keyID }
func queueSamplesKey(keyID string) string { return queueSamplesKeyPrefix + keyID }
func queueStatsKey(keyID string) string   { return queueStatsKeyPrefix + keyID }

// IncrQueueLen atomically increments the queue-length counter, arming its
// TTL on first write, and rejects (rolling back its own increment) once
// maxQueueSize is exceeded. The returned bool reports whether the
// increment was accepted; on rejection newLen is the pre-increment
// length (maxQueueSize), not the script's -1 sentinel.
func (c *Client) IncrQueueLen(ctx context.Context, keyID string, maxQueueSize int, ttlSeconds int) (accepted bool, newLen int64, err error) {
	res, err := queueIncrScript.Run(ctx, c.rdb, []string{queueLenKey(keyID)}, maxQueueSize, ttlSeconds).Result()
	if err != nil {
		return false, 0, fmt.Errorf("incr queue len: %w", err)
	}
	n, err := toInt64(res)
	if err != nil {
		return false, 0, err
	}
	if n == -1 {
		return false, int64(maxQueueSize), nil
	}
	return true, n, nil
}

// DecrQueueLen decrements the queue-length counter, floored at zero.
func (c *Client) DecrQueueLen(ctx context.Context, keyID string) error {
	if _, err := queueDecrScript.Run(ctx, c.rdb, []string{queueLenKey(keyID)}).Result(); err != nil {
		return fmt.Errorf("decr queue len: %w", err)
	}
	return nil
}

// QueueLen reads the current queue length without mutating it.
func (c *Client) QueueLen(ctx context.Context, keyID string) (int64, error) {
	n, err := c.rdb.Get(ctx, queueLenKey(keyID)).Int64()
	if err != nil {
		if err.Error() == "redis: nil" {
			return 0, nil
		}
		return 0, fmt.Errorf("queue len: %w", err)
	}
	return n, nil
}

// RecordWaitSample best-effort appends a wait-time sample (ms) to both
// the per-key and the global ring, each capped to sampleRingSize entries.
func (c *Client) RecordWaitSample(ctx context.Context, keyID string, waitMs int64) error {
	pipe := c.rdb.Pipeline()
	for _, key := range []string{queueSamplesKey(keyID), globalSamplesKey} {
		pipe.LPush(ctx, key, waitMs)
		pipe.LTrim(ctx, key, 0, sampleRingSize-1)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("record wait sample: %w", err)
	}
	return nil
}

// WaitSamples returns the most recent wait-time samples (ms) for a key,
// newest first.
func (c *Client) WaitSamples(ctx context.Context, keyID string) ([]int64, error) {
	return c.readSamples(ctx, queueSamplesKey(keyID))
}

// GlobalWaitSamples returns the cross-key sample ring. It is not used for
// fast-fail decisions and no caller in this repository reads it.
func (c *Client) GlobalWaitSamples(ctx context.Context) ([]int64, error) {
	return c.readSamples(ctx, globalSamplesKey)
}

func (c *Client) readSamples(ctx context.Context, key string) ([]int64, error) {
	raw, err := c.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read samples: %w", err)
	}
	out := make([]int64, 0, len(raw))
	for _, s := range raw {
		var v int64
		if _, err := fmt.Sscanf(s, "%d", &v); err == nil {
			out = append(out, v)
		}
	}
	return out, nil
}

// QueueStatKind enumerates the lifetime aggregate counters of §3
// QueueState.
type QueueStatKind string

const (
	StatEntered         QueueStatKind = "entered"
	StatSuccess         QueueStatKind = "success"
	StatTimeout         QueueStatKind = "timeout"
	StatCancelled       QueueStatKind = "cancelled"
	StatRejectedOverload QueueStatKind = "rejected_overload"
	StatSocketChanged   QueueStatKind = "socket_changed"
	StatRedisError      QueueStatKind = "redis_error"
)

// IncrStat increments one lifetime counter for a key. Best-effort: stats
// failures are swallowed by the caller with a warning (spec.md §7).
func (c *Client) IncrStat(ctx context.Context, keyID string, kind QueueStatKind) error {
	if err := c.rdb.HIncrBy(ctx, queueStatsKey(keyID), string(kind), 1).Err(); err != nil {
		return fmt.Errorf("incr stat %s: %w", kind, err)
	}
	return nil
}

// Stats returns the lifetime aggregate counters for a key.
func (c *Client) Stats(ctx context.Context, keyID string) (map[QueueStatKind]int64, error) {
	raw, err := c.rdb.HGetAll(ctx, queueStatsKey(keyID)).Result()
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	out := make(map[QueueStatKind]int64, len(raw))
	for k, v := range raw {
		var n int64
		fmt.Sscanf(v, "%d", &n)
		out[QueueStatKind(k)] = n
	}
	return out, nil
}
