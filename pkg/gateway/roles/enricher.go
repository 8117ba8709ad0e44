//
//  Copyright © Maatini. All rights reserved.
//

package roles

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/maatini/authgate/pkg/gateway/config"
	"github.com/maatini/authgate/pkg/gateway/model"
	"github.com/maatini/authgate/pkg/gateway/resilience"
)

// cacheSize bounds the (userId, tenant) result cache.
const cacheSize = 4096

// Enricher augments caller contexts with roles and permissions from the
// external service. Lookups are cached per (userId, tenant) with a
// bounded TTL, and the wire call runs under the shared resilience policy:
// per-attempt timeout, retry, circuit breaker, fallback-to-empty.
type Enricher struct {
	cfg    config.RolesServiceConfig
	client *Client
	cache  *expirable.LRU[string, model.RolesResponse]
	policy *resilience.Policy[model.RolesResponse]
}

// NewEnricher creates an Enricher from configuration.
func NewEnricher(cfg config.RolesServiceConfig, client *Client) *Enricher {
	e := &Enricher{
		cfg:    cfg,
		client: client,
		policy: resilience.New[model.RolesResponse](resilience.Options{
			Name:            "roles-service",
			Timeout:         3 * time.Second,
			Retries:         2,
			RetryDelay:      500 * time.Millisecond,
			VolumeThreshold: 10,
			FailureRatio:    0.5,
			OpenDelay:       10 * time.Second,
		}),
	}
	if cfg.CacheEnabled {
		e.cache = expirable.NewLRU[string, model.RolesResponse](cacheSize, nil, cfg.CacheTTL)
	}
	return e
}

// Enrich returns a context augmented with service-side roles and
// permissions. When the roles service is disabled or the caller is
// unauthenticated the input is returned unchanged. Any terminal failure
// degrades to the original context so token-derived roles survive an
// outage.
func (e *Enricher) Enrich(ctx context.Context, ac model.AuthContext) model.AuthContext {
	if !e.cfg.Enabled {
		return ac
	}
	if !ac.IsAuthenticated() {
		return ac
	}

	key := ac.UserID + "\x00" + ac.Tenant
	if e.cache != nil {
		if cached, ok := e.cache.Get(key); ok {
			return ac.Enrich(cached)
		}
	}

	fellBack := false
	resp, err := e.policy.Execute(ctx,
		func(ctx context.Context) (model.RolesResponse, error) {
			return e.client.Fetch(ctx, ac.UserID, ac.Tenant)
		},
		func(err error) (model.RolesResponse, error) {
			logger.Warnf("roles lookup failed for user %s: %v", ac.UserID, err)
			fellBack = true
			return model.EmptyRoles(ac.UserID), nil
		})
	if err != nil {
		// Failures past the breaker recover with the original context
		// rather than an empty one.
		logger.Warnf("roles enrichment unavailable for user %s: %v", ac.UserID, err)
		return ac
	}

	// fallback responses are not cached so recovery is visible promptly
	if e.cache != nil && !fellBack {
		e.cache.Add(key, resp)
	}
	return ac.Enrich(resp)
}
