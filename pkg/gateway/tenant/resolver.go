//
//  Copyright © Maatini. All rights reserved.
//

// Package tenant resolves which IdP verification profile applies to an
// inbound request. Resolution looks at the X-Tenant-ID header first and
// falls back to sniffing the unverified issuer claim of the bearer token.
// The resolver never denies; it only selects a verifier.
package tenant

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/maatini/authgate/internal/logging"
)

var logger = logging.GetLogger("tenant")

// Well-known tenant profile identifiers.
const (
	ProfileDefault = "default"
	ProfileEntra   = "entra"
)

// TenantHeader carries an explicit tenant selection.
const TenantHeader = "X-Tenant-ID"

var entraIssuerMarkers = []string{
	"login.microsoftonline.com",
	"sts.windows.net",
	"login.microsoft.com",
}

var keycloakIssuerMarkers = []string{
	"/realms/",
	"keycloak",
}

// Resolver picks the IdP profile for one request.
type Resolver struct {
	headerName   string
	headerPrefix string
}

// NewResolver creates a resolver that extracts bearer tokens from the
// given header name and prefix (typically "Authorization" / "Bearer").
func NewResolver(headerName, headerPrefix string) *Resolver {
	return &Resolver{headerName: headerName, headerPrefix: headerPrefix}
}

// Resolve returns the tenant profile identifier for the request: the
// lowercased X-Tenant-ID header when present, otherwise a profile derived
// from the token's unverified issuer, otherwise "default". Any parse
// failure resolves to "default".
func (r *Resolver) Resolve(req *http.Request) string {
	if h := req.Header.Get(TenantHeader); h != "" {
		return strings.ToLower(h)
	}

	auth := req.Header.Get(r.headerName)
	prefix := r.headerPrefix + " "
	if strings.HasPrefix(auth, prefix) {
		if iss, ok := ExtractIssuer(auth[len(prefix):]); ok {
			switch {
			case IsEntraIssuer(iss):
				logger.Debugf("tenant resolved from issuer (entra): %s", iss)
				return ProfileEntra
			case IsKeycloakIssuer(iss):
				logger.Debugf("tenant resolved from issuer (keycloak): %s", iss)
				return ProfileDefault
			}
		}
	}

	return ProfileDefault
}

// ExtractIssuer reads the iss claim from a JWT compact form without any
// signature verification. Used only for verifier routing; real validation
// happens later.
func ExtractIssuer(token string) (string, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", false
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", false
	}

	var claims struct {
		Iss string `json:"iss"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Iss == "" {
		return "", false
	}
	return claims.Iss, true
}

// IsEntraIssuer reports whether the issuer belongs to Microsoft Entra ID.
func IsEntraIssuer(issuer string) bool {
	for _, marker := range entraIssuerMarkers {
		if strings.Contains(issuer, marker) {
			return true
		}
	}
	return false
}

// IsKeycloakIssuer reports whether the issuer looks like a Keycloak realm.
func IsKeycloakIssuer(issuer string) bool {
	for _, marker := range keycloakIssuerMarkers {
		if strings.Contains(issuer, marker) {
			return true
		}
	}
	return false
}
