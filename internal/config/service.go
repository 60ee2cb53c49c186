package config

import (
	"sync"
	"time"
)

// PolicyFlags is the struct returned by the Config Service (§4.7): the set
// of live-tunable options the Policy Evaluator, Queue Manager, and
// Admission Pipeline read on every request.
type PolicyFlags struct {
	ClaudeCodeOnlyEnabled bool

	GlobalSessionBindingEnabled bool
	SessionBindingErrorMessage  string
	SessionBindingTTLDays       int

	UserMessageQueueEnabled    bool
	UserMessageQueueDelayMs    int
	UserMessageQueueTimeoutMs  int

	ConcurrentRequestQueueEnabled          bool
	ConcurrentRequestQueueMaxSize          int
	ConcurrentRequestQueueMaxSizeMultiplier float64
	ConcurrentRequestQueueTimeoutMs        int
	ConcurrentRequestQueueHealthCheckEnabled bool
	ConcurrentRequestQueueHealthThreshold  float64
	ConcurrentRequestQueueMaxRedisFailCount int
}

// defaultPolicyFlags mirrors the defaults and bounds from spec.md §4.7.
func defaultPolicyFlags() PolicyFlags {
	return PolicyFlags{
		ClaudeCodeOnlyEnabled:       false,
		GlobalSessionBindingEnabled: false,
		SessionBindingErrorMessage:  "session binding violation",
		SessionBindingTTLDays:       7,

		UserMessageQueueEnabled:   false,
		UserMessageQueueDelayMs:   0,
		UserMessageQueueTimeoutMs: 30000,

		ConcurrentRequestQueueEnabled:            true,
		ConcurrentRequestQueueMaxSize:            20,
		ConcurrentRequestQueueMaxSizeMultiplier:  3.0,
		ConcurrentRequestQueueTimeoutMs:          60000,
		ConcurrentRequestQueueHealthCheckEnabled: true,
		ConcurrentRequestQueueHealthThreshold:    0.8,
		ConcurrentRequestQueueMaxRedisFailCount:  5,
	}
}

// Source reads policy flags from wherever they are durably stored (a DB,
// an admin API, ...). Sentinel's core does not own that store — see
// SPEC_FULL.md DOMAIN STACK; Source is the seam a real deployment plugs
// into. ReadOnlySource below is the in-process stand-in.
type Source interface {
	Read() (PolicyFlags, error)
}

// ReadOnlySource serves a fixed PolicyFlags value, optionally mutable at
// runtime (e.g. from an admin handler outside this package's scope).
type ReadOnlySource struct {
	mu    sync.RWMutex
	flags PolicyFlags
}

// NewReadOnlySource creates a source seeded with the documented defaults.
func NewReadOnlySource() *ReadOnlySource {
	return &ReadOnlySource{flags: defaultPolicyFlags()}
}

func (s *ReadOnlySource) Read() (PolicyFlags, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags, nil
}

// Set updates the served flags. Safe for concurrent use; in-flight
// waiters observe the new value only on their next read (L3).
func (s *ReadOnlySource) Set(flags PolicyFlags) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags = flags
}

// Service is the live-read Config Service of spec.md §4.7: it re-reads
// from Source at most once per TTL and serves the cached value in
// between, so config-read failures degrade to "stale but present" rather
// than blocking every request on the durable store.
type Service struct {
	source Source
	ttl    time.Duration

	mu        sync.Mutex
	cached    PolicyFlags
	fetchedAt time.Time
	valid     bool
}

// NewService creates a Config Service with the given refresh TTL.
func NewService(source Source, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Service{source: source, ttl: ttl}
}

// Flags returns the current PolicyFlags. On a read failure from the
// underlying Source it serves the last good value (fail-open for
// policy-read errors, per spec.md §4.2) and only returns an error if no
// value has ever been loaded.
func (s *Service) Flags() (PolicyFlags, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.valid && time.Since(s.fetchedAt) < s.ttl {
		return s.cached, nil
	}

	fresh, err := s.source.Read()
	if err != nil {
		if s.valid {
			return s.cached, nil
		}
		return PolicyFlags{}, err
	}

	s.cached = fresh
	s.fetchedAt = time.Now()
	s.valid = true
	return s.cached, nil
}
