//
//  Copyright © Maatini. All rights reserved.
//

// Package proxy forwards authorized requests to the loopback backend.
// It propagates the configured header whitelist, injects the
// authenticated principal headers and streams the upstream response back
// after stripping hop-by-hop headers. Upstream failure produces a
// structured 503.
package proxy

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/maatini/authgate/internal/logging"
	"github.com/maatini/authgate/pkg/gateway/config"
	"github.com/maatini/authgate/pkg/gateway/model"
)

var logger = logging.GetLogger("proxy")

// hop-by-hop headers never copied from the upstream response; the
// transport re-derives them.
var hopByHop = map[string]struct{}{
	"Connection":        {},
	"Keep-Alive":        {},
	"Transfer-Encoding": {},
	"Content-Length":    {},
	"Upgrade":           {},
}

// Forwarder sends requests to the backend target.
type Forwarder struct {
	cfg    config.ProxyConfig
	target string
	client *http.Client
}

// NewForwarder creates a Forwarder. The underlying client is shared and
// pooled; the read timeout bounds the whole exchange.
func NewForwarder(cfg config.ProxyConfig) *Forwarder {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.Timeout.Connect,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Forwarder{
		cfg:    cfg,
		target: fmt.Sprintf("%s://%s:%d", cfg.Target.Scheme, cfg.Target.Host, cfg.Target.Port),
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout.Read,
		},
	}
}

// Result carries the outcome of one forward for audit and metrics.
type Result struct {
	Status   int
	Upstream bool // false when the gateway substituted a fallback
}

// Forward proxies the inbound request to the backend and writes the
// upstream response (or the structured fallback) to w. The request body
// streams through unbuffered.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, ac model.AuthContext) Result {
	outbound, err := http.NewRequestWithContext(r.Context(), r.Method, f.target+r.URL.Path, r.Body)
	if err != nil {
		return f.fail(w, err)
	}
	outbound.URL.RawQuery = r.URL.RawQuery
	outbound.ContentLength = r.ContentLength

	f.propagateHeaders(outbound, r)
	f.addAuthHeaders(outbound, ac)

	resp, err := f.client.Do(outbound)
	if err != nil {
		return f.fail(w, err)
	}
	defer func() { _ = resp.Body.Close() }()

	header := w.Header()
	for name, values := range resp.Header {
		if _, skip := hopByHop[http.CanonicalHeaderKey(name)]; skip {
			continue
		}
		for _, v := range values {
			header.Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.Warnf("streaming upstream response failed: %v", err)
	}

	return Result{Status: resp.StatusCode, Upstream: true}
}

func (f *Forwarder) fail(w http.ResponseWriter, err error) Result {
	logger.Errorf("proxy request failed: %v", err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	body := fmt.Sprintf(`{"error":"Service Unavailable: %s"}`, sanitize(err.Error()))
	_, _ = w.Write([]byte(body))

	return Result{Status: http.StatusServiceUnavailable, Upstream: false}
}

func sanitize(s string) string {
	s = strings.ReplaceAll(s, `"`, `'`)
	return strings.ReplaceAll(s, "\n", " ")
}

// propagateHeaders copies the configured whitelist from the inbound
// request, plus Content-Type and Accept when present.
func (f *Forwarder) propagateHeaders(outbound, inbound *http.Request) {
	for _, name := range f.cfg.PropagateHeaders {
		if v := inbound.Header.Get(name); v != "" {
			outbound.Header.Set(name, v)
		}
	}
	for _, name := range []string{"Content-Type", "Accept"} {
		if v := inbound.Header.Get(name); v != "" {
			outbound.Header.Set(name, v)
		}
	}
}

// addAuthHeaders injects the authenticated principal. Configured header
// templates take precedence; otherwise the X-Auth-* defaults apply.
func (f *Forwarder) addAuthHeaders(outbound *http.Request, ac model.AuthContext) {
	if !ac.IsAuthenticated() {
		return
	}

	if len(f.cfg.AddHeaders) > 0 {
		for name, template := range f.cfg.AddHeaders {
			if v := resolvePlaceholders(template, ac); v != "" {
				outbound.Header.Set(name, v)
			}
		}
		return
	}

	outbound.Header.Set("X-Auth-User-Id", ac.UserID)
	if ac.Email != "" {
		outbound.Header.Set("X-Auth-User-Email", ac.Email)
	}
	if len(ac.Roles) > 0 {
		outbound.Header.Set("X-Auth-User-Roles", strings.Join(ac.Roles, ","))
	}
	if ac.Tenant != "" {
		outbound.Header.Set("X-Auth-Tenant", ac.Tenant)
	}
}

// resolvePlaceholders substitutes ${user.*} placeholders in a header
// template. Absent fields substitute to empty.
func resolvePlaceholders(template string, ac model.AuthContext) string {
	r := strings.NewReplacer(
		"${user.id}", ac.UserID,
		"${user.email}", ac.Email,
		"${user.roles}", strings.Join(ac.Roles, ","),
		"${user.tenant}", ac.Tenant,
		"${user.name}", ac.Name,
	)
	return r.Replace(template)
}

// Target returns the backend base URL.
func (f *Forwarder) Target() *url.URL {
	u, _ := url.Parse(f.target)
	return u
}

// Close releases idle upstream connections.
func (f *Forwarder) Close() {
	f.client.CloseIdleConnections()
}
