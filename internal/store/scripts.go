package store

import "github.com/redis/go-redis/v9"

// acquireScript implements the insert-then-check half of the Acquire
// protocol (spec.md §4.4): it always inserts the candidate entry, reaps
// anything whose lease has already expired, and returns the resulting
// live count. The caller (internal/concurrency) decides whether that
// count respects the key's concurrencyLimit and, if not, issues a
// best-effort Release. No rejection logic lives in the script — that
// would turn "try-then-check" back into a distributed lock.
//
// KEYS[1] = concurrency set key
// ARGV[1] = requestID (member)
// ARGV[2] = leaseExpiresAtMs (score)
// ARGV[3] = nowMs
// ARGV[4] = containerTTLSeconds (safety-net TTL on the whole set)
var acquireScript = redis.NewScript(`
	local key = KEYS[1]
	local member = ARGV[1]
	local score = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])

	redis.call('ZADD', key, score, member)
	redis.call('ZREMRANGEBYSCORE', key, '-inf', now)
	redis.call('EXPIRE', key, ttl)
	return redis.call('ZCARD', key)
`)

// refreshScript extends a live entry's lease. It is a no-op (returns 0)
// if the entry no longer exists, e.g. because it was already reaped.
//
// KEYS[1] = concurrency set key
// ARGV[1] = requestID
// ARGV[2] = newLeaseExpiresAtMs
// ARGV[3] = containerTTLSeconds
var refreshScript = redis.NewScript(`
	local key = KEYS[1]
	local member = ARGV[1]
	local score = tonumber(ARGV[2])
	local ttl = tonumber(ARGV[3])

	if redis.call('ZSCORE', key, member) == false then
		return 0
	end
	redis.call('ZADD', key, score, member)
	redis.call('EXPIRE', key, ttl)
	return 1
`)

// cleanupScript removes entries whose lease expired more than
// graceSeconds ago (spec.md §4.4 Reclamation).
//
// KEYS[1] = concurrency set key
// ARGV[1] = cutoffMs
var cleanupScript = redis.NewScript(`
	return redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
`)

// rateWindowScript implements the fixed-window counter of spec.md §4.3:
// it resets the window atomically if the TTL-equivalent duration has
// elapsed since windowStart, then applies the requested delta (if any)
// to one of requests/tokens/costUSD, and always re-arms the hash's TTL
// to the window duration (TTL-on-write).
//
// KEYS[1] = rate window hash key
// ARGV[1] = nowMs
// ARGV[2] = windowDurationMs
// ARGV[3] = field to increment: "requests" | "tokens" | "cost" | "" (no increment, read-only)
// ARGV[4] = delta (integer for requests/tokens, scaled micros for cost)
var rateWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local duration = tonumber(ARGV[2])
	local field = ARGV[3]
	local delta = tonumber(ARGV[4])

	local windowStart = tonumber(redis.call('HGET', key, 'windowStart'))
	if windowStart == nil or (now - windowStart) >= duration then
		windowStart = now
		redis.call('HSET', key, 'windowStart', windowStart, 'requests', 0, 'tokens', 0, 'costMicros', 0)
	end

	if field ~= '' then
		if field == 'cost' then
			redis.call('HINCRBY', key, 'costMicros', delta)
		else
			redis.call('HINCRBY', key, field, delta)
		end
	end

	redis.call('EXPIRE', key, math.ceil(duration / 1000))

	local vals = redis.call('HMGET', key, 'windowStart', 'requests', 'tokens', 'costMicros')
	return vals
`)

// queueIncrScript atomically increments a bounded queue-length counter
// with TTL-on-first-write, rejecting once maxQueueSize is exceeded. A
// rejection rolls back its own increment and returns -1, a sentinel that
// can never collide with a legitimate at-or-under-capacity length (those
// are always >= 0) — the caller must not mistake it for a length.
//
// KEYS[1] = queue length key
// ARGV[1] = maxQueueSize
// ARGV[2] = ttlSeconds
var queueIncrScript = redis.NewScript(`
	local key = KEYS[1]
	local maxSize = tonumber(ARGV[1])
	local ttl = tonumber(ARGV[2])

	local v = redis.call('INCR', key)
	if v == 1 then
		redis.call('EXPIRE', key, ttl)
	end
	if v > maxSize then
		redis.call('DECR', key)
		return -1
	end
	return v
`)

// queueDecrScript decrements a queue-length counter, floored at zero.
//
// KEYS[1] = queue length key
var queueDecrScript = redis.NewScript(`
	local v = redis.call('DECR', KEYS[1])
	if v < 0 then
		redis.call('SET', KEYS[1], 0)
		return 0
	end
	return v
`)
