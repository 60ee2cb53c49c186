package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return FromRedis(rdb)
}

func TestAcquireRefreshReleaseSlot(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	live, err := c.AcquireSlot(ctx, "key1", "req-1", now.Add(30*time.Second), now)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if live != 1 {
		t.Fatalf("live = %d, want 1", live)
	}

	live, err = c.AcquireSlot(ctx, "key1", "req-2", now.Add(30*time.Second), now)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if live != 2 {
		t.Fatalf("live = %d, want 2", live)
	}

	ok, err := c.RefreshSlot(ctx, "key1", "req-1", now.Add(60*time.Second))
	if err != nil || !ok {
		t.Fatalf("refresh: ok=%v err=%v", ok, err)
	}

	ok, err = c.RefreshSlot(ctx, "key1", "req-missing", now.Add(60*time.Second))
	if err != nil || ok {
		t.Fatalf("refresh missing: ok=%v err=%v", ok, err)
	}

	if err := c.ReleaseSlot(ctx, "key1", "req-2"); err != nil {
		t.Fatalf("release: %v", err)
	}
	alive, err := c.CountAlive(ctx, "key1", now)
	if err != nil {
		t.Fatalf("count alive: %v", err)
	}
	if alive != 1 {
		t.Fatalf("alive = %d, want 1", alive)
	}
}

func TestAcquireSlotReapsExpired(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	if _, err := c.AcquireSlot(ctx, "key1", "req-expired", now.Add(-1*time.Second), now); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	live, err := c.AcquireSlot(ctx, "key1", "req-fresh", now.Add(30*time.Second), now)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if live != 1 {
		t.Fatalf("live = %d, want 1 (expired entry should have been reaped)", live)
	}
}

func TestCleanupExpiredRespectsGrace(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	if _, err := c.AcquireSlot(ctx, "key1", "req-1", now.Add(-5*time.Second), now.Add(-100*time.Second)); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	n, err := c.CleanupExpired(ctx, "key1", now, 30*time.Second)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 0 {
		t.Fatalf("cleanup removed %d entries within grace period, want 0", n)
	}

	n, err = c.CleanupExpired(ctx, "key1", now, 1*time.Second)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("cleanup removed %d, want 1 once past grace", n)
	}
}

func TestForceClear(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	if _, err := c.AcquireSlot(ctx, "key1", "req-1", now.Add(30*time.Second), now); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := c.ForceClear(ctx, "key1"); err != nil {
		t.Fatalf("force clear: %v", err)
	}
	alive, err := c.CountAlive(ctx, "key1", now)
	if err != nil {
		t.Fatalf("count alive: %v", err)
	}
	if alive != 0 {
		t.Fatalf("alive = %d, want 0 after ForceClear", alive)
	}
}

func TestRateWindowResetsOnExpiry(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	window := 60 * time.Second

	st, err := c.IncrRequests(ctx, "key1", window, now)
	if err != nil {
		t.Fatalf("incr: %v", err)
	}
	if st.Requests != 1 {
		t.Fatalf("requests = %d, want 1", st.Requests)
	}

	if err := c.RecordUsage(ctx, "key1", window, now, 500, 0.25); err != nil {
		t.Fatalf("record usage: %v", err)
	}
	st, err = c.Peek(ctx, "key1", window, now)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if st.Tokens != 500 || st.CostUSD != 0.25 {
		t.Fatalf("got tokens=%d cost=%f, want 500/0.25", st.Tokens, st.CostUSD)
	}

	later := now.Add(window + time.Second)
	st, err = c.Peek(ctx, "key1", window, later)
	if err != nil {
		t.Fatalf("peek after reset: %v", err)
	}
	if st.Requests != 0 || st.Tokens != 0 || st.CostUSD != 0 {
		t.Fatalf("window did not reset after expiry: %+v", st)
	}
}

func TestQueueLenBounded(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		accepted, _, err := c.IncrQueueLen(ctx, "key1", 3, 60)
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if !accepted {
			t.Fatalf("entry %d should have been accepted under max 3", i)
		}
	}

	accepted, n, err := c.IncrQueueLen(ctx, "key1", 3, 60)
	if err != nil {
		t.Fatalf("incr: %v", err)
	}
	if accepted {
		t.Fatalf("4th entry should be rejected, n=%d", n)
	}

	if err := c.DecrQueueLen(ctx, "key1"); err != nil {
		t.Fatalf("decr: %v", err)
	}
	n, err = c.QueueLen(ctx, "key1")
	if err != nil {
		t.Fatalf("queue len: %v", err)
	}
	if n != 2 {
		t.Fatalf("queue len = %d, want 2", n)
	}
}

func TestWaitSamplesBoundedRing(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	for i := int64(0); i < int64(sampleRingSize)+10; i++ {
		if err := c.RecordWaitSample(ctx, "key1", i); err != nil {
			t.Fatalf("record sample: %v", err)
		}
	}
	samples, err := c.WaitSamples(ctx, "key1")
	if err != nil {
		t.Fatalf("wait samples: %v", err)
	}
	if len(samples) != sampleRingSize {
		t.Fatalf("len(samples) = %d, want %d", len(samples), sampleRingSize)
	}
	if samples[0] != int64(sampleRingSize)+9 {
		t.Fatalf("newest sample = %d, want %d", samples[0], int64(sampleRingSize)+9)
	}
}

func TestStatsIncrement(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	if err := c.IncrStat(ctx, "key1", StatEntered); err != nil {
		t.Fatalf("incr stat: %v", err)
	}
	if err := c.IncrStat(ctx, "key1", StatEntered); err != nil {
		t.Fatalf("incr stat: %v", err)
	}
	if err := c.IncrStat(ctx, "key1", StatTimeout); err != nil {
		t.Fatalf("incr stat: %v", err)
	}

	stats, err := c.Stats(ctx, "key1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats[StatEntered] != 2 || stats[StatTimeout] != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
