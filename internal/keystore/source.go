package keystore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Source is the external collaborator that actually owns KeyRecords.
// Admin CRUD for provisioning keys is explicitly out of scope (spec.md
// §1 OUT OF SCOPE) — Source is the contract the Store uses to reach
// whatever system does own that data.
type Source interface {
	// Lookup returns the record for keyID, or ErrNotFound. version is an
	// opaque monotonically-increasing generation stamp of the record;
	// sources that don't support versioning may always return 0. Store
	// does not use it: its cache is invalidated through Store.Invalidate.
	Lookup(ctx context.Context, keyID string) (rec *KeyRecord, version int64, err error)
}

// redisRecord is the wire shape stored by the (out-of-scope) admin
// system under sentinel:keys:<id>. Field names are explicit rather than
// reusing KeyRecord's json tags so the wire format doesn't silently
// shift if KeyRecord gains process-local-only fields.
type redisRecord struct {
	Disabled                 bool              `json:"disabled"`
	SecretHash               string            `json:"secret_hash"`
	ConcurrencyLimit         int               `json:"concurrency_limit"`
	RateLimitWindowSec       int               `json:"rate_limit_window_sec"`
	RateLimitRequests        int64             `json:"rate_limit_requests"`
	RateLimitCostUSD         float64           `json:"rate_limit_cost_usd"`
	TokenLimit               int64             `json:"token_limit"`
	DailyCostLimitUSD        float64           `json:"daily_cost_limit_usd"`
	TotalCostLimitUSD        float64           `json:"total_cost_limit_usd"`
	WeeklyOpusCostLimitUSD   float64           `json:"weekly_opus_cost_limit_usd"`
	ClientRestrictionEnabled bool              `json:"client_restriction_enabled"`
	AllowedClients           []string          `json:"allowed_clients"`
	EnabledModelsRestriction []string          `json:"enabled_models_restriction"`
	UpstreamBindings         map[string]string `json:"upstream_bindings"`
	DailyCost                float64           `json:"daily_cost"`
	TotalCost                float64           `json:"total_cost"`
	WeeklyOpusCost           float64           `json:"weekly_opus_cost"`
	Version                  int64             `json:"version"`
}

const redisKeyPrefix = "sentinel:keys:"

// RedisSource reads KeyRecords the admin plane has written to Redis as
// JSON strings, one per key ID. It is the default Source wired in
// cmd/sentinel since Redis is already the shared store for every other
// component.
type RedisSource struct {
	rdb *redis.Client
}

// NewRedisSource builds a RedisSource over an existing *redis.Client.
func NewRedisSource(rdb *redis.Client) *RedisSource {
	return &RedisSource{rdb: rdb}
}

func (s *RedisSource) Lookup(ctx context.Context, keyID string) (*KeyRecord, int64, error) {
	raw, err := s.rdb.Get(ctx, redisKeyPrefix+keyID).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("keystore: redis lookup: %w", err)
	}

	var wire redisRecord
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	rec := &KeyRecord{
		ID:                       keyID,
		SecretHash:               wire.SecretHash,
		Disabled:                 wire.Disabled,
		ConcurrencyLimit:         wire.ConcurrencyLimit,
		RateLimitWindowSec:       wire.RateLimitWindowSec,
		RateLimitRequests:        wire.RateLimitRequests,
		RateLimitCostUSD:         wire.RateLimitCostUSD,
		TokenLimit:               wire.TokenLimit,
		DailyCostLimitUSD:        wire.DailyCostLimitUSD,
		TotalCostLimitUSD:        wire.TotalCostLimitUSD,
		WeeklyOpusCostLimitUSD:   wire.WeeklyOpusCostLimitUSD,
		ClientRestrictionEnabled: wire.ClientRestrictionEnabled,
		AllowedClients:           wire.AllowedClients,
		EnabledModelsRestriction: wire.EnabledModelsRestriction,
		UpstreamBindings:         wire.UpstreamBindings,
		DailyCost:                wire.DailyCost,
		TotalCost:                wire.TotalCost,
		WeeklyOpusCost:           wire.WeeklyOpusCost,
		version:                  wire.Version,
	}
	if rec.Disabled {
		return rec, wire.Version, ErrDisabled
	}
	return rec, wire.Version, nil
}
