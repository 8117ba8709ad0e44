//
//  Copyright © Maatini. All rights reserved.
//

// Package metrics defines the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	AuthSuccess       prometheus.Counter
	AuthFailure       prometheus.Counter
	AuthzAllow        prometheus.Counter
	AuthzDeny         prometheus.Counter
	ProxyRequests     prometheus.Counter
	ProxyErrors       prometheus.Counter
	ProxyDuration     prometheus.Histogram
	RateLimitExceeded prometheus.Counter
}

// New registers the gateway collectors with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AuthSuccess: factory.NewCounter(prometheus.CounterOpts{
			Name: "authgate_auth_success_total",
			Help: "Successful authentications",
		}),
		AuthFailure: factory.NewCounter(prometheus.CounterOpts{
			Name: "authgate_auth_failure_total",
			Help: "Failed authentications",
		}),
		AuthzAllow: factory.NewCounter(prometheus.CounterOpts{
			Name: "authgate_authz_allow_total",
			Help: "Allowed authorization decisions",
		}),
		AuthzDeny: factory.NewCounter(prometheus.CounterOpts{
			Name: "authgate_authz_deny_total",
			Help: "Denied authorization decisions",
		}),
		ProxyRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "authgate_proxy_requests_total",
			Help: "Total proxied requests",
		}),
		ProxyErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "authgate_proxy_errors_total",
			Help: "Total proxy errors",
		}),
		ProxyDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "authgate_proxy_duration_seconds",
			Help:    "Proxy request duration",
			Buckets: prometheus.DefBuckets,
		}),
		RateLimitExceeded: factory.NewCounter(prometheus.CounterOpts{
			Name: "authgate_rate_limit_exceeded_total",
			Help: "Requests rejected due to rate limiting",
		}),
	}
}
