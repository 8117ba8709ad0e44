//
//  Copyright © Maatini. All rights reserved.
//

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := FromViper(NewViper())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.RequestBudget)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownGrace)

	assert.Equal(t, "localhost", cfg.Proxy.Target.Host)
	assert.Equal(t, 8081, cfg.Proxy.Target.Port)
	assert.Equal(t, "http", cfg.Proxy.Target.Scheme)
	assert.Contains(t, cfg.Proxy.PropagateHeaders, "X-Request-ID")
	assert.Contains(t, cfg.Proxy.PropagateHeaders, "X-Forwarded-For")

	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, "Authorization", cfg.Auth.Token.HeaderName)
	assert.Equal(t, "Bearer", cfg.Auth.Token.HeaderPrefix)

	assert.True(t, cfg.Authz.Enabled)
	assert.True(t, cfg.Authz.RolesService.CacheEnabled)
	assert.Equal(t, 300*time.Second, cfg.Authz.RolesService.CacheTTL)

	assert.True(t, cfg.Opa.Enabled)
	assert.Equal(t, "embedded", cfg.Opa.Mode)
	assert.Equal(t, "authz", cfg.Opa.Package)
	assert.Equal(t, "allow", cfg.Opa.Rule)
	assert.Equal(t, 500*time.Millisecond, cfg.Opa.Embedded.ReloadDebounce)

	assert.False(t, cfg.RateLimit.Enabled)
	assert.InDelta(t, 100, cfg.RateLimit.RequestsPerSecond, 0.001)
	assert.Equal(t, 200, cfg.RateLimit.BurstSize)

	assert.True(t, cfg.Audit.Enabled)
	assert.Equal(t, []string{"Authorization", "Cookie", "X-Api-Key"}, cfg.Audit.SensitiveHeaders)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("AUTHGATE_PROXY_TARGET_PORT", "9090")
	t.Setenv("AUTHGATE_AUTH_ENABLED", "false")

	cfg, err := FromViper(NewViper())
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Proxy.Target.Port)
	assert.False(t, cfg.Auth.Enabled)
}

func TestProgrammaticOverride(t *testing.T) {
	v := NewViper()
	v.Set("opa.mode", "external")
	v.Set("opa.external.url", "http://opa:8181")
	v.Set("auth.tenants", map[string]interface{}{
		"default": map[string]interface{}{
			"issuer":     "https://keycloak.example.com/realms/acme",
			"audiences":  []string{"backend"},
			"jwks_url":   "https://keycloak.example.com/realms/acme/protocol/openid-connect/certs",
			"algorithms": []string{"RS256"},
		},
	})

	cfg, err := FromViper(v)
	require.NoError(t, err)

	assert.Equal(t, "external", cfg.Opa.Mode)
	assert.Equal(t, "http://opa:8181", cfg.Opa.External.URL)
	require.Contains(t, cfg.Auth.Tenants, "default")
	assert.Equal(t, []string{"RS256"}, cfg.Auth.Tenants["default"].Algorithms)
}

func TestUnsupportedOpaMode(t *testing.T) {
	v := NewViper()
	v.Set("opa.mode", "sidecar")

	_, err := FromViper(v)
	assert.Error(t, err)
}
