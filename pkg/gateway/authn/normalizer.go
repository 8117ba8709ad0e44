//
//  Copyright © Maatini. All rights reserved.
//

// Package authn turns verified token claims into the normalized caller
// context. It reconciles the two supported IdP dialects: Keycloak-style
// realm tokens (realm_access / resource_access role containers, realm
// derived from the issuer) and Entra-style cloud tokens (oid/tid
// identifiers, roles and groups lists).
package authn

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/maatini/authgate/internal/logging"
	"github.com/maatini/authgate/pkg/gateway/model"
	"github.com/maatini/authgate/pkg/gateway/tenant"
)

var logger = logging.GetLogger("authn")

// Claim names understood by the normalizer.
const (
	claimSub               = "sub"
	claimEmail             = "email"
	claimName              = "name"
	claimPreferredUsername = "preferred_username"
	claimIss               = "iss"
	claimAud               = "aud"
	claimIat               = "iat"
	claimExp               = "exp"
	claimJti               = "jti"

	// Keycloak
	claimRealmAccess    = "realm_access"
	claimResourceAccess = "resource_access"

	// Entra ID
	claimRoles  = "roles"
	claimGroups = "groups"
	claimOid    = "oid"
	claimTid    = "tid"
	claimUpn    = "upn"
)

// Normalizer derives an AuthContext from verified claims.
type Normalizer struct{}

// NewNormalizer creates a Normalizer.
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Normalize builds the caller context from the verified claim map.
// Missing optional claims become empty values and never cause failure; an
// absent subject yields the anonymous context.
func (n *Normalizer) Normalize(claims jwt.MapClaims) model.AuthContext {
	if claims == nil {
		return model.Anonymous()
	}

	issuer := stringClaim(claims, claimIss)
	isEntra := tenant.IsEntraIssuer(issuer)

	userID := extractUserID(claims, isEntra)
	if userID == "" {
		return model.Anonymous()
	}

	var roles []string
	if isEntra {
		roles = union(stringSliceClaim(claims, claimRoles), stringSliceClaim(claims, claimGroups))
	} else {
		roles = union(realmRoles(claims), resourceRoles(claims))
	}

	var tnt string
	if isEntra {
		tnt = stringClaim(claims, claimTid)
	} else {
		tnt = tenantFromIssuer(issuer)
	}

	ctx := model.AuthContext{
		UserID:            userID,
		Email:             stringClaim(claims, claimEmail),
		Name:              stringClaim(claims, claimName),
		PreferredUsername: extractPreferredUsername(claims, isEntra),
		Issuer:            issuer,
		Audience:          audience(claims),
		Roles:             roles,
		Permissions:       []string{}, // filled later by enrichment
		Claims:            map[string]interface{}(claims),
		IssuedAt:          int64Claim(claims, claimIat),
		ExpiresAt:         int64Claim(claims, claimExp),
		TokenID:           stringClaim(claims, claimJti),
		Tenant:            tnt,
	}

	logger.Debugf("normalized auth context for user %s, roles %v, tenant %s",
		userID, roles, tnt)
	return ctx
}

// Entra ID uses oid as the immutable user identifier; everything else
// falls back to sub.
func extractUserID(claims jwt.MapClaims, isEntra bool) string {
	if isEntra {
		if oid := stringClaim(claims, claimOid); oid != "" {
			return oid
		}
	}
	return stringClaim(claims, claimSub)
}

func extractPreferredUsername(claims jwt.MapClaims, isEntra bool) string {
	if u := stringClaim(claims, claimPreferredUsername); u != "" {
		return u
	}
	if isEntra {
		return stringClaim(claims, claimUpn)
	}
	return ""
}

// realmRoles reads Keycloak's realm_access.roles container.
func realmRoles(claims jwt.MapClaims) []string {
	container, ok := claims[claimRealmAccess].(map[string]interface{})
	if !ok {
		return nil
	}
	return anySliceToStrings(container["roles"])
}

// resourceRoles reads Keycloak's resource_access container, prefixing
// each role with its client id ("clientId:role").
func resourceRoles(claims jwt.MapClaims) []string {
	container, ok := claims[claimResourceAccess].(map[string]interface{})
	if !ok {
		return nil
	}

	var roles []string
	for clientID, v := range container {
		client, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		for _, role := range anySliceToStrings(client["roles"]) {
			roles = append(roles, clientID+":"+role)
		}
	}
	return roles
}

func tenantFromIssuer(issuer string) string {
	if idx := strings.LastIndex(issuer, "/realms/"); idx >= 0 {
		return issuer[idx+len("/realms/"):]
	}
	return ""
}

func audience(claims jwt.MapClaims) []string {
	aud, err := claims.GetAudience()
	if err != nil {
		return []string{}
	}
	return []string(aud)
}

func stringClaim(claims jwt.MapClaims, name string) string {
	s, _ := claims[name].(string)
	return s
}

func int64Claim(claims jwt.MapClaims, name string) int64 {
	switch v := claims[name].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

// stringSliceClaim reads a claim holding either a list of strings or a
// single string.
func stringSliceClaim(claims jwt.MapClaims, name string) []string {
	switch v := claims[name].(type) {
	case string:
		return []string{v}
	default:
		return anySliceToStrings(v)
	}
}

func anySliceToStrings(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		if ss, ok := v.([]string); ok {
			return ss
		}
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

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(a, b...) {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
