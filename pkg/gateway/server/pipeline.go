//
//  Copyright © Maatini. All rights reserved.
//

package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/maatini/authgate/pkg/common"
	"github.com/maatini/authgate/pkg/gateway/model"
	"github.com/maatini/authgate/pkg/gateway/pathmatch"
	"github.com/maatini/authgate/pkg/gateway/policy"
	"github.com/maatini/authgate/pkg/gateway/ratelimit"
)

const requestIDHeader = "X-Request-ID"

// reserved namespace owned by the gateway itself
const internalPrefix = "/q/"

var internalPaths = map[string]struct{}{
	"/health":  {},
	"/metrics": {},
	"/ready":   {},
	"/live":    {},
}

// handle runs the authorization pipeline for one request. Stages are
// strictly sequential; every stage converts its local failure into an
// immediate response, and exactly one audit record is emitted per
// request.
func (s *Server) handle(c echo.Context) error {
	req := c.Request()
	path := req.URL.Path
	started := time.Now()

	// 1. request id
	requestID := req.Header.Get(requestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Response().Header().Set(requestIDHeader, requestID)

	ac := model.Anonymous()
	defer func() {
		s.auditLog.Emit(requestID, ac.UserID, ac.Email, ac.Tenant, req, c.Response().Status, started)
	}()

	// the gateway-owned namespace is never proxied; reaching the
	// catch-all here means an unregistered path or a bad method
	if _, ok := internalPaths[path]; ok {
		return c.JSON(http.StatusMethodNotAllowed, common.ErrorBody{
			Code:    common.CodeInternalError,
			Message: "method not allowed",
		})
	}
	if strings.HasPrefix(path, internalPrefix) {
		return c.JSON(http.StatusNotFound, common.ErrorBody{
			Code:    common.CodeInternalError,
			Message: "no such gateway endpoint",
		})
	}

	// 2. public-path short-circuit
	if pathmatch.MatchesAny(path, s.cfg.Auth.PublicPaths) {
		return s.forward(c, ac)
	}

	// 3. rate limit, keyed on client IP ahead of authentication so the
	// auth path itself is protected
	if s.limiter.Enabled() {
		if ok, retry := s.limiter.Allow("ip:" + ratelimit.ClientIP(req)); !ok {
			s.metrics.RateLimitExceeded.Inc()
			c.Response().Header().Set("Retry-After", strconv.Itoa(retry))
			return c.JSON(http.StatusTooManyRequests, common.ErrorBody{
				Code:    common.CodeTooManyRequests,
				Message: "Rate limit exceeded. Try again later.",
			})
		}
	}

	// global per-request budget
	ctx, cancel := context.WithTimeout(req.Context(), s.cfg.Server.RequestBudget)
	defer cancel()
	req = req.WithContext(ctx)
	c.SetRequest(req)

	// 4. authenticate
	if s.cfg.Auth.Enabled {
		raw, ok := s.extractToken(c)
		if !ok {
			s.metrics.AuthFailure.Inc()
			return s.unauthorized(c)
		}

		profile := s.resolver.Resolve(req)
		claims, err := s.validator.Validate(ctx, raw, profile)
		if err != nil {
			logger.Debugf("token validation failed (%s %s): %v", req.Method, path, err)
			s.metrics.AuthFailure.Inc()
			return s.unauthorized(c)
		}

		ac = s.normalizer.Normalize(claims)
		if !ac.IsAuthenticated() {
			s.metrics.AuthFailure.Inc()
			return s.unauthorized(c)
		}
		s.metrics.AuthSuccess.Inc()

		// 5. enrich
		ac = s.enricher.Enrich(ctx, ac)
	}

	if err := s.checkBudget(ctx, c); err != nil {
		return err
	}

	// 6. authorize
	if s.cfg.Authz.Enabled {
		input := model.NewPolicyInput(ac, req.Method, path,
			flattenHeaders(req.Header), flattenQuery(req), time.Now().UnixMilli())

		decision := s.decisions.Evaluate(ctx, input)
		if !decision.Allowed {
			if unavailable, _ := decision.Metadata[policy.MetadataUnavailable].(bool); unavailable {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{
					"error": "Service Unavailable: " + decision.Reason,
				})
			}

			logger.Debugf("authorization denied for user %s on %s %s: %s",
				ac.UserID, req.Method, path, decision.Reason)
			s.metrics.AuthzDeny.Inc()

			message := decision.Reason
			if message == "" {
				message = "Access denied"
			}
			return c.JSON(http.StatusForbidden, common.ErrorBody{
				Code:    common.CodeForbidden,
				Message: message,
				Details: decision.Violations,
			})
		}
		s.metrics.AuthzAllow.Inc()
	}

	if err := s.checkBudget(ctx, c); err != nil {
		return err
	}

	// 7. proxy
	return s.forward(c, ac)
}

func (s *Server) forward(c echo.Context, ac model.AuthContext) error {
	started := time.Now()
	s.metrics.ProxyRequests.Inc()

	result := s.forwarder.Forward(c.Response(), c.Request(), ac)

	s.metrics.ProxyDuration.Observe(time.Since(started).Seconds())
	if !result.Upstream {
		s.metrics.ProxyErrors.Inc()
	}
	return nil
}

func (s *Server) unauthorized(c echo.Context) error {
	c.Response().Header().Set("WWW-Authenticate", "Bearer")
	return c.JSON(http.StatusUnauthorized, common.ErrorBody{
		Code:    common.CodeUnauthorized,
		Message: "Authentication required",
	})
}

func (s *Server) checkBudget(ctx context.Context, c echo.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	return c.JSON(http.StatusGatewayTimeout, common.ErrorBody{
		Code:    common.CodeServiceUnavailable,
		Message: "request budget exceeded",
	})
}

// extractToken pulls the bearer token from the configured header, with
// cookie and query-parameter fallbacks.
func (s *Server) extractToken(c echo.Context) (string, bool) {
	cfg := s.cfg.Auth.Token

	header := c.Request().Header.Get(cfg.HeaderName)
	prefix := cfg.HeaderPrefix + " "
	if strings.HasPrefix(header, prefix) && len(header) > len(prefix) {
		return header[len(prefix):], true
	}

	if cfg.CookieName != "" {
		if cookie, err := c.Cookie(cfg.CookieName); err == nil && cookie.Value != "" {
			return cookie.Value, true
		}
	}

	if cfg.QueryParam != "" {
		if v := c.QueryParam(cfg.QueryParam); v != "" {
			return v, true
		}
	}

	return "", false
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) > 0 {
			out[name] = values[0]
		}
	}
	return out
}

func flattenQuery(req *http.Request) map[string]string {
	query := req.URL.Query()
	out := make(map[string]string, len(query))
	for name, values := range query {
		if len(values) > 0 {
			out[name] = values[0]
		}
	}
	return out
}
