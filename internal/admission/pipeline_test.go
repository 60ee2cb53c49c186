package admission

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/keystonegw/sentinel/internal/concurrency"
	"github.com/keystonegw/sentinel/internal/config"
	"github.com/keystonegw/sentinel/internal/keystore"
	"github.com/keystonegw/sentinel/internal/metrics"
	"github.com/keystonegw/sentinel/internal/queue"
	"github.com/keystonegw/sentinel/internal/ratelimit"
	"github.com/keystonegw/sentinel/internal/relay"
	"github.com/keystonegw/sentinel/internal/store"
)

type fakeSource struct {
	records map[string]*keystore.KeyRecord
}

func (f *fakeSource) Lookup(ctx context.Context, keyID string) (*keystore.KeyRecord, int64, error) {
	if rec, ok := f.records[keyID]; ok {
		return rec, 0, nil
	}
	return nil, 0, keystore.ErrNotFound
}

// testHarness bundles a Pipeline with the live config source behind it,
// so tests can flip PolicyFlags mid-test the way an admin mutation would.
type testHarness struct {
	pipeline  *Pipeline
	flagsSrc  *config.ReadOnlySource
}

func newTestPipeline(t *testing.T, records map[string]*keystore.KeyRecord) *testHarness {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	cl := store.FromRedis(rdb)

	src := &fakeSource{records: records}
	keys := keystore.New(src, time.Minute, time.Second)

	flagsSrc := config.NewReadOnlySource()
	flagsSrc.Set(queueingFlags(true))
	configSvc := config.NewService(flagsSrc, time.Millisecond)

	conc := concurrency.New(cl)
	rl := ratelimit.New(cl)
	qm := queue.New(cl, conc)

	p := &Pipeline{
		Keys:          keys,
		ConfigService: configSvc,
		Static: &config.Config{
			MaxBodyBytes:           1 << 20,
			DefaultLeaseSeconds:    60,
			DefaultRenewInterval:   30,
			MaxLeaseLifetime:       time.Hour,
			QueuePollIntervalMs:    5,
			QueuePollBackoffFactor: 1.2,
			QueuePollJitterRatio:   0,
			QueuePollMaxIntervalMs: 20,
		},
		RateLimiter: rl,
		Concurrency: conc,
		Queue:       qm,
		Relay:       relay.NewNopRelay(),
		Metrics:     metrics.New(),
		Log:         zerolog.Nop(),
	}
	return &testHarness{pipeline: p, flagsSrc: flagsSrc}
}

func queueingFlags(enabled bool) config.PolicyFlags {
	return config.PolicyFlags{
		ConcurrentRequestQueueEnabled:            enabled,
		ConcurrentRequestQueueMaxSize:            5,
		ConcurrentRequestQueueMaxSizeMultiplier:  3,
		ConcurrentRequestQueueTimeoutMs:          200,
		ConcurrentRequestQueueHealthCheckEnabled: false,
		ConcurrentRequestQueueMaxRedisFailCount:  5,
	}
}

func TestServeHTTPMissingKeyReturns401(t *testing.T) {
	h := newTestPipeline(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	rec := httptest.NewRecorder()
	h.pipeline.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), string(KindMissingKey)) {
		t.Fatalf("body = %s, want MissingKey", rec.Body.String())
	}
}

func TestServeHTTPInvalidKeyReturns401(t *testing.T) {
	h := newTestPipeline(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set("x-api-key", "sk-does-not-exist-00000")
	rec := httptest.NewRecorder()
	h.pipeline.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), string(KindInvalidKey)) {
		t.Fatalf("body = %s, want InvalidKey", rec.Body.String())
	}
}

func TestServeHTTPClientDeniedReturns403(t *testing.T) {
	key := "sk-restricted-0000000"
	h := newTestPipeline(t, map[string]*keystore.KeyRecord{
		key: {
			ID:                       key,
			ConcurrencyLimit:         2,
			RateLimitWindowSec:       60,
			RateLimitRequests:        100,
			ClientRestrictionEnabled: true,
			AllowedClients:           []string{"claude_code"},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set("x-api-key", key)
	req.Header.Set("User-Agent", "curl/8.0")
	rec := httptest.NewRecorder()
	h.pipeline.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("code = %d, want 403", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), string(KindClientDenied)) {
		t.Fatalf("body = %s, want ClientDenied", rec.Body.String())
	}
}

func TestServeHTTPEndpointGatedForNonClaudeCodeClient(t *testing.T) {
	key := "sk-gated-000000000000"
	h := newTestPipeline(t, map[string]*keystore.KeyRecord{
		key: {ID: key, ConcurrencyLimit: 2, RateLimitWindowSec: 60, RateLimitRequests: 100},
	})
	flags := queueingFlags(true)
	flags.ClaudeCodeOnlyEnabled = true
	h.flagsSrc.Set(flags)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", nil)
	req.Header.Set("x-api-key", key)
	req.Header.Set("User-Agent", "curl/8.0")
	rec := httptest.NewRecorder()
	h.pipeline.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("code = %d, want 403", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), string(KindEndpointGated)) {
		t.Fatalf("body = %s, want EndpointGated", rec.Body.String())
	}
}

func TestServeHTTPCountTokensBypassesPolicyAndLimits(t *testing.T) {
	key := "sk-bypass-0000000000"
	h := newTestPipeline(t, map[string]*keystore.KeyRecord{
		key: {
			ID: key, ConcurrencyLimit: 1, RateLimitWindowSec: 60, RateLimitRequests: 0,
			ClientRestrictionEnabled: true, AllowedClients: []string{"claude_code"},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/messages/count_tokens", nil)
	req.Header.Set("x-api-key", key)
	req.Header.Set("User-Agent", "curl/8.0")
	rec := httptest.NewRecorder()
	h.pipeline.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200 (count_tokens bypasses client restriction and rate limit)", rec.Code)
	}
}

func TestServeHTTPConcurrencyLimitExceededWithoutQueueing(t *testing.T) {
	key := "sk-conc-00000000000000"
	h := newTestPipeline(t, map[string]*keystore.KeyRecord{
		key: {ID: key, ConcurrencyLimit: 1, RateLimitWindowSec: 60, RateLimitRequests: 100},
	})
	h.flagsSrc.Set(queueingFlags(false))

	held := h.pipeline.Concurrency.Acquire(context.Background(), key, 1, 60)
	if held.Outcome != concurrency.Acquired {
		t.Fatalf("pre-seed acquire failed: %+v", held)
	}
	t.Cleanup(func() { _ = held.Slot.Release(context.Background()) })

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set("x-api-key", key)
	rec := httptest.NewRecorder()
	h.pipeline.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("code = %d, want 429", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), string(KindConcurrencyLimitExceeded)) {
		t.Fatalf("body = %s, want ConcurrencyLimitExceeded", rec.Body.String())
	}
}

func TestServeHTTPRateLimitExceeded(t *testing.T) {
	key := "sk-rate-0000000000000"
	h := newTestPipeline(t, map[string]*keystore.KeyRecord{
		key: {ID: key, ConcurrencyLimit: 5, RateLimitWindowSec: 60, RateLimitRequests: 1},
	})

	req1 := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req1.Header.Set("x-api-key", key)
	rec1 := httptest.NewRecorder()
	h.pipeline.ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusOK {
		t.Fatalf("first request code = %d, want 200", rec1.Code)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req2.Header.Set("x-api-key", key)
	rec2 := httptest.NewRecorder()
	h.pipeline.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request code = %d, want 429", rec2.Code)
	}
	if !strings.Contains(rec2.Body.String(), string(KindRateLimitExceeded)) {
		t.Fatalf("body = %s, want RateLimitExceeded", rec2.Body.String())
	}
}

func TestServeHTTPSuccessAdmitsAndReleasesSlot(t *testing.T) {
	key := "sk-ok-00000000000000"
	h := newTestPipeline(t, map[string]*keystore.KeyRecord{
		key: {ID: key, ConcurrencyLimit: 2, RateLimitWindowSec: 60, RateLimitRequests: 100},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set("x-api-key", key)
	rec := httptest.NewRecorder()
	h.pipeline.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rec.Code)
	}

	live := h.pipeline.Concurrency.Acquire(context.Background(), key, 2, 60)
	if live.Outcome != concurrency.Acquired || live.LiveCount != 1 {
		t.Fatalf("expected exactly one live slot after release, got %+v", live)
	}
	_ = live.Slot.Release(context.Background())
}

func TestServeHTTPQueuesWhenConcurrencyExhaustedAndQueueingEnabled(t *testing.T) {
	key := "sk-queue-0000000000000"
	h := newTestPipeline(t, map[string]*keystore.KeyRecord{
		key: {ID: key, ConcurrencyLimit: 1, RateLimitWindowSec: 60, RateLimitRequests: 100},
	})

	held := h.pipeline.Concurrency.Acquire(context.Background(), key, 1, 60)
	if held.Outcome != concurrency.Acquired {
		t.Fatalf("pre-seed acquire failed: %+v", held)
	}

	released := make(chan struct{})
	go func() {
		<-time.After(20 * time.Millisecond)
		_ = held.Slot.Release(context.Background())
		close(released)
	}()

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set("x-api-key", key)
	rec := httptest.NewRecorder()
	h.pipeline.ServeHTTP(rec, req)

	<-released
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200 once the held slot frees", rec.Code)
	}
	if rec.Header().Get("Connection") != "close" {
		t.Fatalf("Connection header = %q, want close for a queued admission", rec.Header().Get("Connection"))
	}
}
