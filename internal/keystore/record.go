// Package keystore resolves API keys to KeyRecords with an in-process
// positive/negative cache, mirroring the sync.Map-cache-in-front-of-a-
// slow-lookup shape of the teacher's AuthMiddleware.
package keystore

import "errors"

// Sentinel lookup errors per spec.md §4.1.
var (
	ErrNotFound = errors.New("keystore: api key not found")
	ErrDisabled = errors.New("keystore: api key disabled")
	ErrMalformed = errors.New("keystore: api key malformed")
)

// KeyRecord is the immutable-per-lookup identity and limits record for an
// API key (spec.md §3 "KeyRecord").
type KeyRecord struct {
	ID         string
	SecretHash string
	Disabled   bool

	ConcurrencyLimit   int
	RateLimitWindowSec int
	RateLimitRequests  int64
	RateLimitCostUSD   float64
	TokenLimit         int64 // legacy; when >0 it is checked instead of RateLimitCostUSD

	DailyCostLimitUSD      float64
	TotalCostLimitUSD      float64
	WeeklyOpusCostLimitUSD float64

	ClientRestrictionEnabled bool
	AllowedClients           []string
	EnabledModelsRestriction []string

	// UpstreamBindings maps platform name (e.g. "anthropic", "vertex") to
	// the upstream account ID this key is pinned to. Out of scope for
	// admission decisions; carried through for the relay handoff.
	UpstreamBindings map[string]string

	// Counters are read-only snapshots as of lookup time; the
	// authoritative values live in internal/store's cost counters.
	DailyCost    float64
	TotalCost    float64
	WeeklyOpusCost float64

	// version is the Source's per-record generation stamp, carried as
	// read. Store's cache does not consult it; cache invalidation goes
	// through Store.Invalidate's own generation counter.
	version int64
}

// PrincipalContext is the subset of a KeyRecord exposed to downstream
// handlers once admission succeeds (spec.md §3). It is created at
// admission and discarded at response end — never persisted.
type PrincipalContext struct {
	ID                       string
	ConcurrencyLimit         int
	ClientRestrictionEnabled bool
	AllowedClients           []string
	EnabledModelsRestriction []string
	UpstreamBindings         map[string]string
	DailyCost                float64
	TotalCost                float64
	WeeklyOpusCost           float64
}

// Principal projects a KeyRecord down to the fields a relay or handler
// is allowed to see.
func (k KeyRecord) Principal() PrincipalContext {
	return PrincipalContext{
		ID:                       k.ID,
		ConcurrencyLimit:         k.ConcurrencyLimit,
		ClientRestrictionEnabled: k.ClientRestrictionEnabled,
		AllowedClients:           k.AllowedClients,
		EnabledModelsRestriction: k.EnabledModelsRestriction,
		UpstreamBindings:         k.UpstreamBindings,
		DailyCost:                k.DailyCost,
		TotalCost:                k.TotalCost,
		WeeklyOpusCost:           k.WeeklyOpusCost,
	}
}
