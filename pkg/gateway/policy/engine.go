//
//  Copyright © Maatini. All rights reserved.
//

// Package policy evaluates authorization decisions against a Rego policy
// program. Two interchangeable backends exist: an embedded in-process
// evaluator owning a compiled policy snapshot, and an external decision
// service spoken to over HTTP. Both are wrapped by the same cross-cutting
// behavior (decision cache, retry, timeout, circuit breaker) and the
// subsystem fails closed: when no decision can be obtained the caller is
// denied.
package policy

import (
	"context"
	"fmt"

	"github.com/maatini/authgate/internal/logging"
	"github.com/maatini/authgate/pkg/gateway/model"
)

var logger = logging.GetLogger("policy")

// Deny reasons emitted by the subsystem itself.
const (
	ReasonDeniedByPolicy   = "Access denied by policy"
	ReasonUnexpectedResult = "Unexpected evaluation result"
	ReasonNotInitialized   = "Policy module not initialized"
	ReasonUnavailable      = "Policy subsystem unavailable. Access denied for security."
)

// MetadataUnavailable marks a decision produced by the fail-closed
// fallback rather than by policy evaluation. The pipeline maps such
// denials to 503 instead of 403.
const MetadataUnavailable = "unavailable"

// Evaluator is one decision backend.
type Evaluator interface {
	// Evaluate runs the policy query for the given input. Errors signal
	// subsystem trouble (transport failure, evaluation crash) and feed
	// the circuit breaker; clean policy outcomes, including denials, are
	// decisions.
	Evaluate(ctx context.Context, input model.PolicyInput) (model.PolicyDecision, error)

	// Ready reports whether the backend can serve decisions.
	Ready() bool
}

// statusError marks a non-200 answer from the external decision service.
// It feeds the breaker like any failure, but the fallback surfaces the
// status in the deny reason.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("decision service returned status %d", e.code)
}

// parseResult interprets a decision document produced by either backend:
// a bare boolean, or an object with allow plus optional reason and
// violations. Any other shape denies.
func parseResult(value interface{}) model.PolicyDecision {
	switch v := value.(type) {
	case bool:
		if v {
			return model.Allow()
		}
		return model.Deny(ReasonDeniedByPolicy)
	case map[string]interface{}:
		allowed, ok := v["allow"].(bool)
		if !ok {
			return model.Deny(ReasonUnexpectedResult)
		}
		if allowed {
			return model.Allow()
		}
		reason, _ := v["reason"].(string)
		if reason == "" {
			reason = ReasonDeniedByPolicy
		}
		return model.DenyWithViolations(reason, violations(v["violations"]))
	default:
		return model.Deny(ReasonUnexpectedResult)
	}
}

func violations(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
