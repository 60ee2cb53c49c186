package keystore

import (
	"context"
	"strings"
	"sync"
	"time"
)

// cacheEntry mirrors the teacher's cachedAuth shape: a cached outcome
// (success or the error that made it a negative hit) plus expiry.
type cacheEntry struct {
	rec        *KeyRecord
	err        error
	generation int64
	expiresAt  time.Time
}

// Store is the Key Store of spec.md §4.1: Lookup with an in-process
// positive/negative TTL cache fronting a Source. Concurrency-safe via
// sync.Map, same as the teacher's AuthMiddleware cache.
type Store struct {
	source Source

	positiveTTL time.Duration
	negativeTTL time.Duration

	cache sync.Map // apiKey(trimmed) -> *cacheEntry

	genMu       sync.Mutex
	generations map[string]int64 // keyID -> generation bumped by Invalidate
}

// New builds a Store. positiveTTL/negativeTTL are the configurable
// cache lifetimes for successful and failed lookups respectively.
func New(source Source, positiveTTL, negativeTTL time.Duration) *Store {
	return &Store{
		source:      source,
		positiveTTL: positiveTTL,
		negativeTTL: negativeTTL,
		generations: make(map[string]int64),
	}
}

// Lookup resolves a raw header/query value to a KeyRecord, applying
// trimming, length validation, and the positive/negative cache.
func (s *Store) Lookup(ctx context.Context, rawKey string) (*KeyRecord, error) {
	key := strings.TrimSpace(rawKey)
	if len(key) < 10 || len(key) > 512 {
		return nil, ErrMalformed
	}

	if v, ok := s.cache.Load(key); ok {
		entry := v.(*cacheEntry)
		if time.Now().Before(entry.expiresAt) && s.currentGeneration(entryKeyID(entry)) == entry.generation {
			return entry.rec, entry.err
		}
		s.cache.Delete(key)
	}

	rec, _, err := s.source.Lookup(ctx, key)
	s.store(key, rec, err)
	return rec, err
}

func entryKeyID(e *cacheEntry) string {
	if e.rec == nil {
		return ""
	}
	return e.rec.ID
}

func (s *Store) store(cacheKey string, rec *KeyRecord, err error) {
	ttl := s.positiveTTL
	if err != nil {
		ttl = s.negativeTTL
	}
	gen := int64(0)
	if rec != nil {
		gen = s.currentGeneration(rec.ID)
	}
	s.cache.Store(cacheKey, &cacheEntry{
		rec:        rec,
		err:        err,
		generation: gen,
		expiresAt:  time.Now().Add(ttl),
	})
}

// Invalidate bumps the generation stamp for keyID, causing any cached
// entry for it to be treated as stale on next Lookup regardless of
// remaining TTL (spec.md §4.1 "key-level versioning"). It does not scan
// the cache itself — the version mismatch is checked lazily on read, so
// Invalidate is O(1) even with many cached raw-key variants (e.g. the
// same key seen via different header forms before normalization).
func (s *Store) Invalidate(keyID string) {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	s.generations[keyID]++
}

func (s *Store) currentGeneration(keyID string) int64 {
	if keyID == "" {
		return 0
	}
	s.genMu.Lock()
	defer s.genMu.Unlock()
	return s.generations[keyID]
}
