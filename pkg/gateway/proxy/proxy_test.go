//
//  Copyright © Maatini. All rights reserved.
//

package proxy

import (
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maatini/authgate/pkg/gateway/config"
	"github.com/maatini/authgate/pkg/gateway/model"
)

func forwarderFor(t *testing.T, backend *httptest.Server, addHeaders map[string]string) *Forwarder {
	t.Helper()
	u, err := url.Parse(backend.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return NewForwarder(config.ProxyConfig{
		Target: config.TargetConfig{Host: host, Port: port, Scheme: "http"},
		Timeout: config.TimeoutConfig{
			Connect: time.Second,
			Read:    2 * time.Second,
		},
		PropagateHeaders: []string{"X-Request-ID", "X-Correlation-ID", "X-Forwarded-For", "X-Forwarded-Proto"},
		AddHeaders:       addHeaders,
	})
}

func authed() model.AuthContext {
	return model.AuthContext{
		UserID: "u1",
		Email:  "u@x.io",
		Roles:  []string{"user", "editor"},
		Tenant: "acme",
	}
}

func TestForwardPropagatesAndInjects(t *testing.T) {
	var seen http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		assert.Equal(t, "/api/things", r.URL.Path)
		assert.Equal(t, "limit=5", r.URL.RawQuery)
		w.Header().Set("X-Backend", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":1}`))
	}))
	defer backend.Close()

	f := forwarderFor(t, backend, nil)
	defer f.Close()

	req := httptest.NewRequest("POST", "/api/things?limit=5", strings.NewReader(`{"name":"x"}`))
	req.Header.Set("X-Request-ID", "req-1")
	req.Header.Set("X-Forwarded-For", "198.51.100.7")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Secret-Internal", "do-not-forward")

	rec := httptest.NewRecorder()
	result := f.Forward(rec, req, authed())

	assert.Equal(t, http.StatusCreated, result.Status)
	assert.True(t, result.Upstream)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, `{"id":1}`, rec.Body.String())
	assert.Equal(t, "yes", rec.Header().Get("X-Backend"))

	assert.Equal(t, "req-1", seen.Get("X-Request-ID"))
	assert.Equal(t, "198.51.100.7", seen.Get("X-Forwarded-For"))
	assert.Equal(t, "application/json", seen.Get("Content-Type"))
	assert.Empty(t, seen.Get("X-Secret-Internal"))

	assert.Equal(t, "u1", seen.Get("X-Auth-User-Id"))
	assert.Equal(t, "u@x.io", seen.Get("X-Auth-User-Email"))
	assert.Equal(t, "user,editor", seen.Get("X-Auth-User-Roles"))
	assert.Equal(t, "acme", seen.Get("X-Auth-Tenant"))
}

func TestForwardAnonymousHasNoAuthHeaders(t *testing.T) {
	var seen http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	f := forwarderFor(t, backend, nil)
	defer f.Close()

	rec := httptest.NewRecorder()
	f.Forward(rec, httptest.NewRequest("GET", "/api/public/info", nil), model.Anonymous())

	assert.Empty(t, seen.Get("X-Auth-User-Id"))
}

func TestForwardHeaderTemplates(t *testing.T) {
	var seen http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	f := forwarderFor(t, backend, map[string]string{
		"X-Principal":     "${user.id}@${user.tenant}",
		"X-Display-Name":  "${user.name}",
		"X-Granted-Roles": "${user.roles}",
	})
	defer f.Close()

	rec := httptest.NewRecorder()
	f.Forward(rec, httptest.NewRequest("GET", "/x", nil), authed())

	assert.Equal(t, "u1@acme", seen.Get("X-Principal"))
	assert.Equal(t, "user,editor", seen.Get("X-Granted-Roles"))
	// empty substitution suppresses the header entirely
	assert.Empty(t, seen.Get("X-Display-Name"))
	// defaults are not applied when templates are configured
	assert.Empty(t, seen.Get("X-Auth-User-Id"))
}

func TestForwardUpstreamDown(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	backend.Close() // connection refused from here on

	f := forwarderFor(t, backend, nil)

	rec := httptest.NewRecorder()
	result := f.Forward(rec, httptest.NewRequest("GET", "/x", nil), model.Anonymous())

	assert.Equal(t, http.StatusServiceUnavailable, result.Status)
	assert.False(t, result.Upstream)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error":"Service Unavailable: `)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestForwardStripsHopByHopResponseHeaders(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("hello"))
	}))
	defer backend.Close()

	f := forwarderFor(t, backend, nil)
	defer f.Close()

	rec := httptest.NewRecorder()
	f.Forward(rec, httptest.NewRequest("GET", "/x", nil), model.Anonymous())

	assert.Empty(t, rec.Header().Get("Transfer-Encoding"))
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, "hello", rec.Body.String())
}

func TestForwardErrorStatusPassesThrough(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer backend.Close()

	f := forwarderFor(t, backend, nil)
	defer f.Close()

	rec := httptest.NewRecorder()
	result := f.Forward(rec, httptest.NewRequest("GET", "/missing", nil), model.Anonymous())

	// non-2xx from the backend is the backend's answer, not a proxy failure
	assert.Equal(t, http.StatusNotFound, result.Status)
	assert.True(t, result.Upstream)
}
