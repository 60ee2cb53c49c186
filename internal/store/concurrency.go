package store

import (
	"context"
	"fmt"
	"time"
)

// concurrencyKeyPrefix namespaces the per-key sorted sets from other uses
// of the same Redis database.
const concurrencyKeyPrefix = "sentinel:concurrency:"

func concurrencyKey(keyID string) string {
	return concurrencyKeyPrefix + keyID
}

// containerTTLSeconds is the safety-net TTL spec.md §4.4 asks for on the
// whole sorted set, well past any plausible lease lifetime.
const containerTTLSeconds = 3600

// AcquireSlot performs the insert half of the Acquire protocol: it adds
// (requestID, leaseExpiresAt) to the key's concurrency set, reaps
// already-expired entries, and returns the resulting live count.
func (c *Client) AcquireSlot(ctx context.Context, keyID, requestID string, leaseExpiresAt time.Time, now time.Time) (live int64, err error) {
	res, err := acquireScript.Run(ctx, c.rdb, []string{concurrencyKey(keyID)},
		requestID, leaseExpiresAt.UnixMilli(), now.UnixMilli(), containerTTLSeconds,
	).Result()
	if err != nil {
		return 0, fmt.Errorf("acquire slot: %w", err)
	}
	return toInt64(res)
}

// RefreshSlot extends a live entry's lease. Returns false if the entry
// was not found (e.g. already reaped).
func (c *Client) RefreshSlot(ctx context.Context, keyID, requestID string, newExpiresAt time.Time) (bool, error) {
	res, err := refreshScript.Run(ctx, c.rdb, []string{concurrencyKey(keyID)},
		requestID, newExpiresAt.UnixMilli(), containerTTLSeconds,
	).Result()
	if err != nil {
		return false, fmt.Errorf("refresh slot: %w", err)
	}
	n, err := toInt64(res)
	return n == 1, err
}

// ReleaseSlot removes exactly one entry. Idempotent: removing an absent
// member is a no-op.
func (c *Client) ReleaseSlot(ctx context.Context, keyID, requestID string) error {
	if err := c.rdb.ZRem(ctx, concurrencyKey(keyID), requestID).Err(); err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	return nil
}

// CountAlive returns the number of entries with score > now, reaping
// anything at or before now as a side effect (idempotent per spec.md I2).
func (c *Client) CountAlive(ctx context.Context, keyID string, now time.Time) (int64, error) {
	key := concurrencyKey(keyID)
	if _, err := c.rdb.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", now.UnixMilli())).Result(); err != nil {
		return 0, fmt.Errorf("count alive: %w", err)
	}
	n, err := c.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("count alive: %w", err)
	}
	return n, nil
}

// CleanupExpired removes entries whose lease expired more than
// graceSeconds before now — spec.md §4.4 Reclamation.
func (c *Client) CleanupExpired(ctx context.Context, keyID string, now time.Time, grace time.Duration) (int64, error) {
	cutoff := now.Add(-grace).UnixMilli()
	res, err := cleanupScript.Run(ctx, c.rdb, []string{concurrencyKey(keyID)}, cutoff).Result()
	if err != nil {
		return 0, fmt.Errorf("cleanup expired: %w", err)
	}
	return toInt64(res)
}

// ForceClear deletes a key's entire concurrency set (admin operation).
func (c *Client) ForceClear(ctx context.Context, keyID string) error {
	if err := c.rdb.Del(ctx, concurrencyKey(keyID)).Err(); err != nil {
		return fmt.Errorf("force clear: %w", err)
	}
	return nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	default:
		return 0, fmt.Errorf("unexpected script result type %T", v)
	}
}
