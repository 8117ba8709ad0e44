//
//  Copyright © Maatini. All rights reserved.
//

package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"

	"github.com/maatini/authgate/pkg/gateway/model"
	"github.com/maatini/authgate/pkg/gateway/resilience"
)

// cacheSize bounds the decision cache.
const cacheSize = 8192

// Service wraps an Evaluator with the cross-cutting behavior shared by
// both backends: decision cache, per-call timeout, retry, circuit
// breaker. Terminal failures fail closed with ReasonUnavailable.
type Service struct {
	enabled bool
	eval    Evaluator
	cache   *expirable.LRU[string, model.PolicyDecision]
	policy  *resilience.Policy[model.PolicyDecision]
}

// NewService creates the guarded decision service. A zero cacheTTL
// disables the decision cache.
func NewService(enabled bool, eval Evaluator, cacheTTL time.Duration) *Service {
	s := &Service{
		enabled: enabled,
		eval:    eval,
		policy: resilience.New[model.PolicyDecision](resilience.Options{
			Name:            "policy-decision",
			Timeout:         3 * time.Second,
			Retries:         2,
			RetryDelay:      200 * time.Millisecond,
			VolumeThreshold: 10,
			FailureRatio:    0.5,
			OpenDelay:       10 * time.Second,
		}),
	}
	if cacheTTL > 0 {
		s.cache = expirable.NewLRU[string, model.PolicyDecision](cacheSize, nil, cacheTTL)
	}
	return s
}

// Ready reports whether the underlying backend can serve decisions.
func (s *Service) Ready() bool {
	return !s.enabled || s.eval.Ready()
}

// Evaluate produces the decision for one request. When policy evaluation
// is disabled every request is allowed. The cache key is the canonical
// input form with volatile fields stripped; fallback denials are never
// cached.
func (s *Service) Evaluate(ctx context.Context, input model.PolicyInput) model.PolicyDecision {
	if !s.enabled {
		return model.Allow()
	}

	key := input.CacheKey()
	if s.cache != nil && key != "" {
		if cached, ok := s.cache.Get(key); ok {
			return cached
		}
	}

	fellBack := false
	decision, err := s.policy.Execute(ctx,
		func(ctx context.Context) (model.PolicyDecision, error) {
			return s.eval.Evaluate(ctx, input)
		},
		func(err error) (model.PolicyDecision, error) {
			fellBack = true
			var se *statusError
			if errors.As(err, &se) {
				return model.Deny(fmt.Sprintf("Decision service returned status %d", se.code)), nil
			}
			d := model.Deny(ReasonUnavailable)
			d.Metadata = map[string]interface{}{MetadataUnavailable: true}
			return d, nil
		})
	if err != nil {
		// unreachable: the fallback never errors; guard anyway
		d := model.Deny(ReasonUnavailable)
		d.Metadata = map[string]interface{}{MetadataUnavailable: true}
		return d
	}

	if s.cache != nil && key != "" && !fellBack {
		s.cache.Add(key, decision)
	}
	return decision
}
