//
//  Copyright © Maatini. All rights reserved.
//

// Package ratelimit applies per-caller token-bucket rate limiting. The
// pipeline keys buckets on the client IP ahead of authentication so the
// auth path itself is protected. Bucket state lives in a bounded LRU
// with an idle TTL, so abandoned keys age out and the map can never
// grow past its cap.
package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/maatini/authgate/pkg/gateway/config"
)

// maxBuckets bounds the number of tracked keys.
const maxBuckets = 10000

// idleTTL evicts buckets that have not been touched recently.
const idleTTL = 5 * time.Minute

// Limiter is a keyed token-bucket rate limiter.
type Limiter struct {
	cfg     config.RateLimitConfig
	buckets *expirable.LRU[string, *rate.Limiter]
}

// NewLimiter creates a limiter from configuration.
func NewLimiter(cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		cfg:     cfg,
		buckets: expirable.NewLRU[string, *rate.Limiter](maxBuckets, nil, idleTTL),
	}
}

// Enabled reports whether rate limiting is configured on.
func (l *Limiter) Enabled() bool {
	return l.cfg.Enabled
}

// Allow consumes one token from the bucket for key. When the bucket is
// exhausted it returns false along with the number of whole seconds the
// caller should wait before retrying (at least 1).
func (l *Limiter) Allow(key string) (bool, int) {
	bucket, ok := l.buckets.Get(key)
	if !ok {
		bucket = rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.BurstSize)
	}
	// Add renews the entry's expiry, so the TTL counts from the last use
	l.buckets.Add(key, bucket)

	r := bucket.Reserve()
	if !r.OK() {
		return false, 1
	}
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return false, int(math.Max(1, math.Ceil(delay.Seconds())))
	}
	return true, 0
}

// ClientIP resolves the caller address: first X-Forwarded-For element,
// then X-Real-IP, then the transport remote address, then "unknown".
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return rip
	}
	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host
		}
		return r.RemoteAddr
	}
	return "unknown"
}
