//
//  Copyright © Maatini. All rights reserved.
//

package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maatini/authgate/pkg/gateway/audit"
	"github.com/maatini/authgate/pkg/gateway/config"
	"github.com/maatini/authgate/pkg/gateway/model"
)

const gatewayPolicy = `package authz

default allow := false

allow if {
	"superadmin" in input.user.roles
}

allow if {
	startswith(input.request.path, "/api/admin")
	"admin" in input.user.roles
}

allow if {
	not startswith(input.request.path, "/api/admin")
	"user" in input.user.roles
	not foreign_user_resource
}

foreign_user_resource if {
	input.resource.type == "users"
	input.resource.id != input.user.id
}
`

const testIssuer = "https://keycloak.example.com/realms/acme"

type fixture struct {
	t *testing.T

	key *rsa.PrivateKey
	kid string

	jwksHits    atomic.Int32
	backendHits atomic.Int32
	upstream    func(w http.ResponseWriter, r *http.Request)
	rolesReply  func(w http.ResponseWriter, r *http.Request)

	jwks    *httptest.Server
	backend *httptest.Server
	roles   *httptest.Server

	auditBuf bytes.Buffer
	cfg      *config.Config
	server   *Server
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	f := &fixture{t: t, key: key, kid: "gw-test-key"}

	f.jwks = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.jwksHits.Add(1)
		set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key: &f.key.PublicKey, KeyID: f.kid, Algorithm: "RS256", Use: "sig",
		}}}
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(f.jwks.Close)

	f.upstream = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("backend says hi"))
	}
	f.backend = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.backendHits.Add(1)
		f.upstream(w, r)
	}))
	t.Cleanup(f.backend.Close)

	f.rolesReply = func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(model.RolesResponse{
			UserID: "stub", Roles: []string{}, Permissions: []string{},
		})
	}
	f.roles = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.rolesReply(w, r)
	}))
	t.Cleanup(f.roles.Close)

	policyDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(policyDir, "authz.rego"), []byte(gatewayPolicy), 0o644))

	backendURL, err := url.Parse(f.backend.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(backendURL.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg, err := config.FromViper(config.NewViper())
	require.NoError(t, err)

	cfg.Proxy.Target = config.TargetConfig{Host: host, Port: port, Scheme: "http"}
	cfg.Proxy.Timeout = config.TimeoutConfig{Connect: time.Second, Read: 2 * time.Second}
	cfg.Auth.PublicPaths = []string{"/api/public/**"}
	cfg.Auth.Tenants = map[string]config.TenantConfig{
		"default": {
			Issuer:     testIssuer,
			Audiences:  []string{"backend"},
			JwksURL:    f.jwks.URL,
			Algorithms: []string{"RS256"},
		},
	}
	cfg.Authz.RolesService.BaseURL = f.roles.URL
	cfg.Authz.RolesService.CacheEnabled = false
	cfg.Opa.Embedded.PolicyDirs = []string{policyDir}
	cfg.Opa.CacheTTL = 0 // keep hot-reload visible per request

	if mutate != nil {
		mutate(cfg)
	}
	f.cfg = cfg

	server, err := New(cfg, WithAuditFactory(audit.NewIoWriterFactory(&f.auditBuf)))
	require.NoError(t, err)
	server.Initialize()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Stop(ctx)
	})

	f.server = server
	return f
}

func (f *fixture) token(claims jwt.MapClaims) string {
	f.t.Helper()
	base := jwt.MapClaims{
		"iss": testIssuer,
		"aud": "backend",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	for k, v := range claims {
		base[k] = v
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, base)
	tok.Header["kid"] = f.kid
	signed, err := tok.SignedString(f.key)
	require.NoError(f.t, err)
	return signed
}

func (f *fixture) do(method, path, bearer string) *httptest.ResponseRecorder {
	f.t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestSuperadminWildcardAllow(t *testing.T) {
	f := newFixture(t, nil)
	f.upstream = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}

	rec := f.do("DELETE", "/api/super-secret", f.token(jwt.MapClaims{
		"sub": "root",
		"realm_access": map[string]interface{}{
			"roles": []interface{}{"superadmin"},
		},
	}))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, int32(1), f.backendHits.Load())
}

func TestAdminPathDeniedForUser(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do("GET", "/api/admin/settings", f.token(jwt.MapClaims{
		"sub": "u1",
		"realm_access": map[string]interface{}{
			"roles": []interface{}{"user"},
		},
	}))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "forbidden", body["code"])
	assert.Equal(t, "Access denied by policy", body["message"])
	assert.Zero(t, f.backendHits.Load())
}

func TestOwnResourceAccess(t *testing.T) {
	f := newFixture(t, nil)

	tok := f.token(jwt.MapClaims{
		"sub": "12345",
		"realm_access": map[string]interface{}{
			"roles": []interface{}{"user"},
		},
	})

	rec := f.do("GET", "/api/users/12345/profile", tok)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "backend says hi", rec.Body.String())

	rec = f.do("GET", "/api/users/67890/profile", tok)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPublicPathBypassesAuth(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do("GET", "/api/public/info", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(1), f.backendHits.Load())
	// the validator was never consulted: no JWKS traffic occurred
	assert.Zero(t, f.jwksHits.Load())
}

func TestMissingTokenUnauthorized(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do("GET", "/api/things", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unauthorized", body["code"])
	assert.Equal(t, "Authentication required", body["message"])
	assert.Zero(t, f.backendHits.Load())
}

func TestInvalidTokenUnauthorized(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do("GET", "/api/things", "garbage.token.here")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestExpiredTokenUnauthorized(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do("GET", "/api/things", f.token(jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimiterBurst(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Auth.Enabled = false
		cfg.Authz.Enabled = false
		cfg.RateLimit = config.RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 1,
			BurstSize:         2,
		}
	})

	first := f.do("GET", "/api/things", "")
	second := f.do("GET", "/api/things", "")
	third := f.do("GET", "/api/things", "")

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, http.StatusTooManyRequests, third.Code)

	retry, err := strconv.Atoi(third.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retry, 1)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(third.Body.Bytes(), &body))
	assert.Equal(t, "too_many_requests", body["code"])
}

func TestPolicySubsystemOutageFailsClosed(t *testing.T) {
	decisionCalls := int32(0)
	opa := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&decisionCalls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer opa.Close()

	f := newFixture(t, func(cfg *config.Config) {
		cfg.Auth.Enabled = false
		cfg.Opa.Mode = "external"
		cfg.Opa.External.URL = opa.URL
		cfg.Opa.External.DecisionPath = "/v1/data/authz/allow"
	})

	// drive the breaker through its volume window
	for i := 0; i < 10; i++ {
		rec := f.do("GET", "/api/things/"+strconv.Itoa(i), "")
		assert.Equal(t, http.StatusForbidden, rec.Code, "call %d", i)
	}

	before := atomic.LoadInt32(&decisionCalls)
	rec := f.do("GET", "/api/things/after", "")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "Service Unavailable: Policy subsystem unavailable")
	// breaker open: the decision service is no longer called, nor the backend
	assert.Equal(t, before, atomic.LoadInt32(&decisionCalls))
	assert.Zero(t, f.backendHits.Load())
}

func TestRolesServiceOutageDegradesToTokenRoles(t *testing.T) {
	f := newFixture(t, nil)
	f.rolesReply = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}

	rec := f.do("GET", "/api/things", f.token(jwt.MapClaims{
		"sub": "u1",
		"realm_access": map[string]interface{}{
			"roles": []interface{}{"user"},
		},
	}))

	// token roles alone still satisfy the policy; the request completes
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(1), f.backendHits.Load())
}

func TestUpstreamDownReturns503(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Auth.Enabled = false
		cfg.Authz.Enabled = false
	})
	f.backend.Close()

	rec := f.do("GET", "/api/things", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error":"Service Unavailable: `)
}

func TestHotReloadFlipsDecision(t *testing.T) {
	policyDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(policyDir, "authz.rego"),
		[]byte("package authz\n\ndefault allow := false\n"), 0o644))

	f := newFixture(t, func(cfg *config.Config) {
		cfg.Opa.Embedded.PolicyDirs = []string{policyDir}
		cfg.Opa.Embedded.ReloadDebounce = 50 * time.Millisecond
	})

	tok := f.token(jwt.MapClaims{
		"sub": "u1",
		"realm_access": map[string]interface{}{
			"roles": []interface{}{"user"},
		},
	})

	assert.Equal(t, http.StatusForbidden, f.do("GET", "/api/things", tok).Code)

	require.NoError(t, os.WriteFile(filepath.Join(policyDir, "authz.rego"),
		[]byte(gatewayPolicy), 0o644))

	require.Eventually(t, func() bool {
		return f.do("GET", "/api/things", tok).Code == http.StatusOK
	}, 2*time.Second, 100*time.Millisecond)
}

func TestRequestIDPropagation(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Auth.Enabled = false
		cfg.Authz.Enabled = false
	})

	req := httptest.NewRequest("GET", "/api/things", nil)
	req.Header.Set("X-Request-ID", "caller-supplied")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "caller-supplied", rec.Header().Get("X-Request-ID"))

	rec = f.do("GET", "/api/things", "")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestEveryRequestEmitsOneAuditRecord(t *testing.T) {
	f := newFixture(t, nil)

	f.do("GET", "/api/public/info", "")                             // forwarded
	f.do("GET", "/api/things", "")                                  // 401
	f.do("GET", "/api/admin/settings", f.token(jwt.MapClaims{ // 403
		"sub":          "u1",
		"realm_access": map[string]interface{}{"roles": []interface{}{"user"}},
	}))

	lines := strings.Split(strings.TrimSpace(f.auditBuf.String()), "\n")
	require.Len(t, lines, 3)

	var outcomes []string
	for _, line := range lines {
		var record audit.Record
		require.NoError(t, json.Unmarshal([]byte(line), &record))
		outcomes = append(outcomes, string(record.Outcome))
		assert.Equal(t, "request", record.EventType)
		assert.NotEmpty(t, record.RequestID)
	}
	assert.Equal(t, []string{"SUCCESS", "AUTHENTICATION_FAILED", "AUTHORIZATION_DENIED"}, outcomes)
}

func TestAuditRedactsAuthorizationHeader(t *testing.T) {
	f := newFixture(t, nil)

	f.do("GET", "/api/things", f.token(jwt.MapClaims{
		"sub":          "u1",
		"realm_access": map[string]interface{}{"roles": []interface{}{"user"}},
	}))

	var record audit.Record
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(f.auditBuf.String())), &record))
	assert.Equal(t, audit.Redacted, record.Request.Headers["Authorization"])
	assert.Equal(t, "u1", record.User.ID)
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	for _, path := range []string{"/live", "/ready", "/health", "/q/health"} {
		rec := f.do("GET", path, "")
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := f.do("GET", "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	// unknown /q/ paths are gateway-owned, never proxied
	rec = f.do("GET", "/q/anything-else", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, f.backendHits.Load())
}

func TestPanicInPipelineReturns500(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Auth.Enabled = false
		cfg.Authz.Enabled = false
	})

	f.server.echo.GET("/boom", func(c echo.Context) error {
		panic("kaboom: secret internal state")
	})

	rec := f.do("GET", "/boom", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "internal_error", body["code"])
	assert.Equal(t, "Internal server error", body["message"])
	// internal detail never leaks to the caller
	assert.NotContains(t, rec.Body.String(), "kaboom")
}

func TestPolicyAppearingAfterStartupRecovers(t *testing.T) {
	policyDir := t.TempDir()
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Opa.Embedded.PolicyDirs = []string{policyDir}
		cfg.Opa.Embedded.ReloadDebounce = 50 * time.Millisecond
	})

	// empty directory at startup: fail closed, not ready
	assert.Equal(t, http.StatusServiceUnavailable, f.do("GET", "/ready", "").Code)

	tok := f.token(jwt.MapClaims{
		"sub":          "u1",
		"realm_access": map[string]interface{}{"roles": []interface{}{"user"}},
	})
	assert.Equal(t, http.StatusForbidden, f.do("GET", "/api/things", tok).Code)

	// sources arriving later (e.g. a late ConfigMap mount) must bring
	// the gateway up without a restart
	require.NoError(t, os.WriteFile(filepath.Join(policyDir, "authz.rego"),
		[]byte(gatewayPolicy), 0o644))

	require.Eventually(t, func() bool {
		return f.do("GET", "/api/things", tok).Code == http.StatusOK
	}, 2*time.Second, 100*time.Millisecond)
	assert.Equal(t, http.StatusOK, f.do("GET", "/ready", "").Code)
}

func TestReadyReportsDownWithoutPolicy(t *testing.T) {
	emptyDir := t.TempDir()
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Opa.Embedded.PolicyDirs = []string{emptyDir}
	})

	rec := f.do("GET", "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// and traffic fails closed rather than open
	rec = f.do("GET", "/api/things", f.token(jwt.MapClaims{
		"sub":          "u1",
		"realm_access": map[string]interface{}{"roles": []interface{}{"user"}},
	}))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, f.backendHits.Load())
}
