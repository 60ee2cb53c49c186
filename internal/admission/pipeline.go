// Package admission implements the Request Admission Pipeline of
// spec.md §4.6: the orchestrator that composes the Key Store, Policy
// Evaluator, Rate Limiter, Concurrency Controller, and Queue Manager,
// owns a ConcurrencySlot's lifecycle, and hands the validated request to
// a relay.
package admission

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/keystonegw/sentinel/internal/concurrency"
	"github.com/keystonegw/sentinel/internal/config"
	"github.com/keystonegw/sentinel/internal/keystore"
	"github.com/keystonegw/sentinel/internal/metrics"
	"github.com/keystonegw/sentinel/internal/policy"
	"github.com/keystonegw/sentinel/internal/queue"
	"github.com/keystonegw/sentinel/internal/ratelimit"
	"github.com/keystonegw/sentinel/internal/relay"
)

var errPayloadTooLarge = errors.New("admission: payload exceeds max body size")

// Pipeline wires every admission-plane component into a single
// http.Handler. It is stateless across requests except for the shared
// component handles, matching the teacher's "pass a Runtime" idiom
// (spec.md §9) rather than package-level globals.
type Pipeline struct {
	Keys          *keystore.Store
	ConfigService *config.Service
	Static        *config.Config
	RateLimiter   *ratelimit.Limiter
	Concurrency   *concurrency.Controller
	Queue         *queue.Manager
	Relay         relay.Relay
	Metrics       *metrics.Registry
	Log           zerolog.Logger
}

// ServeHTTP runs the full admission sequence of spec.md §4.6 and, on
// success, hands off to the configured Relay.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set("X-Request-ID", requestID)
	ctx := r.Context()

	raw := keystore.ExtractRawKey(r)
	if raw == "" {
		writeError(w, KindMissingKey, "missing API key", 0, nil)
		return
	}

	rec, err := p.Keys.Lookup(ctx, raw)
	if err != nil {
		switch err {
		case keystore.ErrMalformed:
			writeError(w, KindBadFormat, "malformed API key", 0, nil)
		default:
			writeError(w, KindInvalidKey, "invalid API key", 0, nil)
		}
		return
	}

	normalizedPath := policy.NormalizePath(r.URL.Path)
	bypass := policy.IsCountTokensEndpoint(normalizedPath)

	model, err := extractModel(r, p.Static.MaxBodyBytes)
	if err != nil {
		writeError(w, KindPayloadTooLarge, "request body exceeds the maximum allowed size", 0, nil)
		return
	}

	flags, flagsErr := p.ConfigService.Flags()
	if flagsErr != nil {
		p.Log.Warn().Err(flagsErr).Msg("config service read failed, falling open")
	}

	if !bypass {
		if d := p.evaluatePolicy(r, rec, normalizedPath, flags); d != nil {
			if p.Metrics != nil {
				p.Metrics.PolicyDenyTotal.WithLabelValues(string(d.kind)).Inc()
			}
			writeError(w, d.kind, d.message, 0, map[string]any{"user_agent": d.ua})
			return
		}
	}

	var slot *concurrency.Slot
	if !bypass && rec.ConcurrencyLimit > 0 {
		waitStart := time.Now()
		s, queued, httpErr := p.acquireOrQueue(ctx, rec, flags)
		if p.Metrics != nil && queued {
			p.Metrics.QueueWaitSeconds.Observe(time.Since(waitStart).Seconds())
		}
		if httpErr != nil {
			if p.Metrics != nil {
				p.Metrics.AcquireTotal.WithLabelValues(string(httpErr.kind)).Inc()
			}
			if httpErr.silent {
				return
			}
			httpErr.write(w)
			return
		}
		if p.Metrics != nil {
			p.Metrics.AcquireTotal.WithLabelValues("acquired").Inc()
			p.Metrics.ConcurrencyInUse.WithLabelValues(rec.ID).Inc()
		}
		slot = s
		if queued {
			w.Header().Set("Connection", "close")
		}
	}

	if !bypass {
		limits := ratelimit.Limits{
			WindowSeconds:          rec.RateLimitWindowSec,
			RequestLimit:           rec.RateLimitRequests,
			TokenLimit:             rec.TokenLimit,
			CostLimitUSD:           rec.RateLimitCostUSD,
			DailyCostLimitUSD:      rec.DailyCostLimitUSD,
			TotalCostLimitUSD:      rec.TotalCostLimitUSD,
			WeeklyOpusCostLimitUSD: rec.WeeklyOpusCostLimitUSD,
		}
		res, err := p.RateLimiter.Check(ctx, rec.ID, limits, model, time.Now())
		if err != nil {
			p.releaseSlot(ctx, slot, rec.ID)
			writeError(w, KindStoreUnavailable, "rate limiter unavailable", 0, nil)
			return
		}
		if !res.Allowed {
			p.releaseSlot(ctx, slot, rec.ID)
			if p.Metrics != nil {
				p.Metrics.RateLimitDenyTotal.WithLabelValues(string(res.Kind)).Inc()
			}
			extra := map[string]any{}
			if !res.ResetAt.IsZero() {
				extra["resetAt"] = res.ResetAt.UTC().Format(time.RFC3339)
			}
			if res.CostLimit > 0 {
				extra["costLimit"] = res.CostLimit
				extra["currentCost"] = res.CurrentCost
			}
			if res.RemainingMinutes > 0 {
				extra["remainingMinutes"] = res.RemainingMinutes
			}
			writeError(w, Kind(res.Kind), res.Message, 0, extra)
			return
		}
		if err := p.RateLimiter.RecordRequest(ctx, rec.ID, rec.RateLimitWindowSec, time.Now()); err != nil {
			p.Log.Warn().Err(err).Str("key_id", rec.ID).Msg("record request failed")
		}
	}

	if slot != nil {
		if p.Static.DefaultRenewInterval > 0 {
			renewInterval := concurrency.ClampRenewInterval(p.Static.DefaultRenewInterval, p.Static.DefaultLeaseSeconds)
			maxLifetimeMinutes := int(p.Static.MaxLeaseLifetime.Minutes())
			slot.StartRenewal(renewInterval, maxLifetimeMinutes, func() {
				p.Log.Warn().Str("key_id", rec.ID).Msg("slot hit max refresh lifetime, force-released")
			})
		}
		defer p.releaseSlot(context.Background(), slot, rec.ID)
	}

	admitted := &relay.AdmittedRequest{
		Request:        r,
		Response:       w,
		Principal:      rec.Principal(),
		Model:          model,
		NormalizedPath: normalizedPath,
	}
	usage, err := p.Relay.Handle(ctx, admitted)
	if err != nil {
		p.Log.Error().Err(err).Str("key_id", rec.ID).Msg("relay handoff failed")
		return
	}
	if usage != nil && !bypass {
		if err := p.RateLimiter.RecordUsage(ctx, rec.ID, rec.RateLimitWindowSec, time.Now(), usage.Tokens, usage.CostUSD, model); err != nil {
			p.Log.Warn().Err(err).Str("key_id", rec.ID).Msg("record usage failed")
		}
	}
}

// releaseSlot releases a held concurrency slot, if any, and keeps the
// ConcurrencyInUse gauge in step. It is a no-op on a nil slot so every
// call site can invoke it unconditionally.
func (p *Pipeline) releaseSlot(ctx context.Context, slot *concurrency.Slot, keyID string) {
	if slot == nil {
		return
	}
	_ = slot.Release(ctx)
	if p.Metrics != nil {
		p.Metrics.ConcurrencyInUse.WithLabelValues(keyID).Dec()
	}
}

type denial struct {
	kind    Kind
	message string
	ua      string
}

func (p *Pipeline) evaluatePolicy(r *http.Request, rec *keystore.KeyRecord, normalizedPath string, flags config.PolicyFlags) *denial {
	var allowedClients []string
	if rec.ClientRestrictionEnabled {
		allowedClients = rec.AllowedClients
	}
	if d := policy.EvaluateClient(r, allowedClients); !d.Allowed {
		return &denial{kind: KindClientDenied, message: "client not allowed for this key", ua: d.UA}
	}
	if policy.IsClaudeMessagesEndpoint(normalizedPath) {
		if d := policy.EvaluateClaudeCodeOnly(r, flags, rec.ClientRestrictionEnabled, rec.AllowedClients); !d.Allowed {
			return &denial{kind: KindEndpointGated, message: "this endpoint is restricted to Claude Code", ua: d.UA}
		}
	}
	return nil
}

// httpError is either a JSON error response to write, or silent (no
// response written at all — spec.md §7 ClientDisconnected).
type httpError struct {
	kind       Kind
	message    string
	retryAfter int
	extra      map[string]any
	silent     bool
}

func (e *httpError) write(w http.ResponseWriter) {
	writeError(w, e.kind, e.message, e.retryAfter, e.extra)
}

// acquireOrQueue runs admission step 5: fast-path Acquire, falling back
// to the Queue Manager when the fast path is exhausted and queueing is
// enabled. The bool return reports whether the slot (if any) was
// obtained via the queue, so the caller can set Connection: close.
func (p *Pipeline) acquireOrQueue(ctx context.Context, rec *keystore.KeyRecord, flags config.PolicyFlags) (*concurrency.Slot, bool, *httpError) {
	res := p.Concurrency.Acquire(ctx, rec.ID, rec.ConcurrencyLimit, p.Static.DefaultLeaseSeconds)
	switch res.Outcome {
	case concurrency.Acquired:
		return res.Slot, false, nil
	case concurrency.Unavailable:
		return nil, false, &httpError{kind: KindStoreUnavailable, message: "concurrency store unavailable"}
	}

	if !flags.ConcurrentRequestQueueEnabled {
		return nil, false, &httpError{
			kind: KindConcurrencyLimitExceeded, message: "concurrency limit exceeded", retryAfter: 1,
			extra: map[string]any{"concurrencyLimit": rec.ConcurrencyLimit, "currentConcurrency": res.LiveCount},
		}
	}

	qcfg := queue.Config{
		SizeMultiplier:     flags.ConcurrentRequestQueueMaxSizeMultiplier,
		MinMaxSize:         flags.ConcurrentRequestQueueMaxSize,
		TimeoutMs:          flags.ConcurrentRequestQueueTimeoutMs,
		PollIntervalMs:     p.Static.QueuePollIntervalMs,
		BackoffFactor:      p.Static.QueuePollBackoffFactor,
		JitterRatio:        p.Static.QueuePollJitterRatio,
		MaxPollIntervalMs:  p.Static.QueuePollMaxIntervalMs,
		MaxRedisFailCount:  flags.ConcurrentRequestQueueMaxRedisFailCount,
		HealthCheckEnabled: flags.ConcurrentRequestQueueHealthCheckEnabled,
		HealthThreshold:    flags.ConcurrentRequestQueueHealthThreshold,
	}

	enterOutcome, retryAfter, err := p.Queue.Enter(ctx, rec.ID, rec.ConcurrencyLimit, qcfg)
	if err != nil {
		p.Log.Warn().Err(err).Str("key_id", rec.ID).Msg("queue enter statistics write failed")
	}
	switch enterOutcome {
	case queue.EnterQueueFull:
		return nil, false, &httpError{kind: KindQueueFull, message: "queue is full", retryAfter: retryAfter}
	case queue.EnterOverloaded:
		return nil, false, &httpError{kind: KindOverloaded, message: "queue is overloaded", retryAfter: retryAfter}
	}

	token := queue.NewSocketToken(ConnID(ctx))

	waitResult := p.Queue.Wait(ctx, rec.ID, rec.ConcurrencyLimit, p.Static.DefaultLeaseSeconds, qcfg, func() bool {
		return ctx.Err() == nil
	})

	switch waitResult.Outcome {
	case queue.Success:
		if !token.Matches(token.QueueToken, ConnID(ctx)) {
			_ = waitResult.Slot.Release(ctx)
			if err := p.Queue.RecordSocketChanged(ctx, rec.ID); err != nil {
				p.Log.Warn().Err(err).Str("key_id", rec.ID).Msg("socket_changed stat write failed")
			}
			return nil, false, &httpError{silent: true}
		}
		return waitResult.Slot, true, nil
	case queue.Timeout:
		retry := clamp(ceilHalfSeconds(flags.ConcurrentRequestQueueTimeoutMs), 5, 30)
		return nil, false, &httpError{kind: KindQueueTimeout, message: "queue wait timed out", retryAfter: retry}
	case queue.StoreUnavailable:
		return nil, false, &httpError{kind: KindStoreUnavailable, message: "queue store unavailable"}
	default: // Cancelled, ClientDisconnected: no response written (spec.md §7).
		return nil, false, &httpError{silent: true}
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ceilHalfSeconds computes ceil(timeoutSec/2) from a millisecond timeout.
func ceilHalfSeconds(timeoutMs int) int {
	timeoutSec := (timeoutMs + 999) / 1000
	return (timeoutSec + 1) / 2
}

func extractModel(r *http.Request, maxBytes int64) (string, error) {
	if r.Body == nil || r.Method == http.MethodGet {
		return "", nil
	}
	limited := io.LimitReader(r.Body, maxBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return "", err
	}
	if int64(len(data)) > maxBytes {
		return "", errPayloadTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(data))

	var payload struct {
		Model string `json:"model"`
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, &payload)
	}
	return payload.Model, nil
}
