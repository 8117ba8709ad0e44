//
//  Copyright © Maatini. All rights reserved.
//

// Package server wires the authorization pipeline into an HTTP server.
// Every inbound request flows through a single ordered chain: request-id
// tag, rate limit, tenant resolve, token validate, claim normalize, roles
// enrich, policy evaluate, proxy forward, audit emit. Reserved paths
// (/q/*, /health, /metrics, /ready, /live) are served by the gateway
// itself and bypass the chain.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maatini/authgate/internal/logging"
	"github.com/maatini/authgate/pkg/gateway/audit"
	"github.com/maatini/authgate/pkg/gateway/authn"
	"github.com/maatini/authgate/pkg/gateway/config"
	"github.com/maatini/authgate/pkg/gateway/metrics"
	"github.com/maatini/authgate/pkg/gateway/policy"
	"github.com/maatini/authgate/pkg/gateway/proxy"
	"github.com/maatini/authgate/pkg/gateway/ratelimit"
	"github.com/maatini/authgate/pkg/gateway/roles"
	"github.com/maatini/authgate/pkg/gateway/tenant"
	"github.com/maatini/authgate/pkg/gateway/token"
)

var logger = logging.GetLogger("server")

// Option customizes server construction.
type Option func(*buildOptions)

type buildOptions struct {
	auditFactory audit.Factory
	registry     *prometheus.Registry
}

// WithAuditFactory overrides the audit sink (default: stdout JSON lines).
func WithAuditFactory(f audit.Factory) Option {
	return func(o *buildOptions) { o.auditFactory = f }
}

// WithRegistry overrides the Prometheus registry (default: a fresh one).
func WithRegistry(r *prometheus.Registry) Option {
	return func(o *buildOptions) { o.registry = r }
}

// Server is one gateway instance.
type Server struct {
	cfg  *config.Config
	echo *echo.Echo

	resolver   *tenant.Resolver
	validator  *token.Validator
	normalizer *authn.Normalizer
	enricher   *roles.Enricher
	decisions  *policy.Service
	loader     *policy.Loader
	limiter    *ratelimit.Limiter
	auditLog   *audit.Logger
	forwarder  *proxy.Forwarder
	metrics    *metrics.Metrics

	cancelBackground context.CancelFunc
}

// New assembles a Server from configuration.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	logging.SetLevels(cfg.Log.Level)

	build := &buildOptions{
		auditFactory: audit.NewStdoutFactory(),
		registry:     prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(build)
	}

	auditLog, err := audit.NewLogger(cfg.Audit.Enabled, cfg.Audit.SensitiveHeaders, build.auditFactory)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:        cfg,
		resolver:   tenant.NewResolver(cfg.Auth.Token.HeaderName, cfg.Auth.Token.HeaderPrefix),
		validator:  token.NewValidator(cfg.Auth.Tenants, cfg.Auth.JwksRefresh),
		normalizer: authn.NewNormalizer(),
		enricher: roles.NewEnricher(cfg.Authz.RolesService,
			roles.NewClient(cfg.Authz.RolesService.BaseURL, nil)),
		limiter:   ratelimit.NewLimiter(cfg.RateLimit),
		auditLog:  auditLog,
		forwarder: proxy.NewForwarder(cfg.Proxy),
		metrics:   metrics.New(build.registry),
	}

	switch cfg.Opa.Mode {
	case "external":
		s.decisions = policy.NewService(cfg.Opa.Enabled,
			policy.NewExternal(cfg.Opa.External.URL, cfg.Opa.External.DecisionPath, nil),
			cfg.Opa.CacheTTL)
	default:
		engine := policy.NewEmbedded(cfg.Opa.Package, cfg.Opa.Rule)
		s.loader = policy.NewLoader(cfg.Opa.Embedded.PolicyDirs, cfg.Opa.Embedded.ReloadDebounce, engine)
		s.decisions = policy.NewService(cfg.Opa.Enabled, engine, cfg.Opa.CacheTTL)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(s.recoverPanics)

	e.GET("/live", s.handleLive)
	e.GET("/ready", s.handleReady)
	e.GET("/health", s.handleHealth)
	e.GET("/q/live", s.handleLive)
	e.GET("/q/ready", s.handleReady)
	e.GET("/q/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(build.registry, promhttp.HandlerOpts{})))

	e.Any("/", s.handle)
	e.Any("/*", s.handle)

	s.echo = e
	return s, nil
}

// Initialize performs the startup work that precedes serving: the
// initial policy load, the policy watcher and the JWKS refreshers. In
// embedded mode a failed initial load leaves the engine uninitialized,
// which fails closed on every request.
func (s *Server) Initialize() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelBackground = cancel

	if s.loader != nil {
		if err := s.loader.Load(); err != nil {
			logger.Errorf("initial policy load failed, requests will be denied until a valid policy appears: %v", err)
		}
		// watch whenever a directory was chosen: sources dropped in
		// later (e.g. a late ConfigMap mount) must still be picked up
		if s.loader.Dir() != "" {
			go func() {
				if err := s.loader.Watch(ctx); err != nil {
					logger.Errorf("policy watcher stopped: %v", err)
				}
			}()
		}
	}

	if s.cfg.Auth.Enabled {
		s.validator.Start(ctx)
	}
}

// Start begins serving. It blocks until the listener closes.
func (s *Server) Start() error {
	logger.Infof("gateway listening on :%d, forwarding to %s",
		s.cfg.Server.Port, s.forwarder.Target())
	return s.echo.Start(fmt.Sprintf(":%d", s.cfg.Server.Port))
}

// Stop drains in-flight requests within the ctx deadline, then releases
// background workers, upstream connections and the audit sink.
func (s *Server) Stop(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)
	if s.cancelBackground != nil {
		s.cancelBackground()
	}
	s.forwarder.Close()
	s.auditLog.Close()
	return err
}

// Handler exposes the HTTP handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
