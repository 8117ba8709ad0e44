//
//  Copyright © Maatini. All rights reserved.
//

// Package token verifies bearer tokens against per-tenant IdP profiles.
// Each profile carries the expected issuer, the audience allowlist, an
// algorithm allowlist and a JWKS-backed key cache. A successful
// validation yields the parsed claim map for normalization.
package token

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/maatini/authgate/internal/logging"
	"github.com/maatini/authgate/pkg/gateway/config"
)

var logger = logging.GetLogger("token")

// Validation failure kinds. Each maps to a 401 at the pipeline edge.
var (
	ErrMalformedToken = errors.New("malformed token")
	ErrUnknownSigner  = errors.New("unknown signer")
	ErrBadSignature   = errors.New("bad signature")
	ErrExpired        = errors.New("token expired or not yet valid")
	ErrWrongIssuer    = errors.New("wrong issuer")
	ErrWrongAudience  = errors.New("wrong audience")
)

// clock skew tolerated on exp/nbf/iat checks
const leeway = 30 * time.Second

type profile struct {
	cfg  config.TenantConfig
	jwks *JWKSCache
}

// Validator verifies bearer tokens under a chosen tenant profile.
type Validator struct {
	profiles map[string]*profile
}

// NewValidator builds a validator from the configured tenant profiles.
func NewValidator(tenants map[string]config.TenantConfig, jwksRefresh time.Duration) *Validator {
	profiles := make(map[string]*profile, len(tenants))
	for name, cfg := range tenants {
		profiles[name] = &profile{
			cfg:  cfg,
			jwks: NewJWKSCache(cfg.JwksURL, jwksRefresh),
		}
	}
	return &Validator{profiles: profiles}
}

// Start launches the background JWKS refreshers for every profile.
func (v *Validator) Start(ctx context.Context) {
	for _, p := range v.profiles {
		p.jwks.Start(ctx)
	}
}

// Validate verifies the compact JWS form under the named tenant profile:
// declared algorithm in the allowlist, signature against the JWKS key
// resolved by kid, exp/nbf/iat with a small skew, issuer equality and
// audience-allowlist membership. On success the parsed claims are
// returned.
func (v *Validator) Validate(ctx context.Context, raw, tenantProfile string) (jwt.MapClaims, error) {
	p, ok := v.profiles[tenantProfile]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownSigner, "no profile %q", tenantProfile)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(p.cfg.Algorithms),
		jwt.WithLeeway(leeway),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)

	claims := jwt.MapClaims{}
	tok, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, ErrUnknownSigner
		}
		key, err := p.jwks.Key(ctx, kid)
		if err != nil {
			return nil, err
		}
		return key.Key, nil
	})
	if err != nil {
		return nil, classify(err)
	}
	if !tok.Valid {
		return nil, ErrBadSignature
	}

	iss, err := claims.GetIssuer()
	if err != nil || iss != p.cfg.Issuer {
		return nil, errors.Wrapf(ErrWrongIssuer, "got %q", iss)
	}

	aud, err := claims.GetAudience()
	if err != nil {
		return nil, ErrWrongAudience
	}
	if !audienceAllowed(aud, p.cfg.Audiences) {
		return nil, errors.Wrapf(ErrWrongAudience, "got %v", []string(aud))
	}

	return claims, nil
}

func audienceAllowed(aud jwt.ClaimStrings, allowed []string) bool {
	for _, a := range aud {
		for _, b := range allowed {
			if a == b {
				return true
			}
		}
	}
	return false
}

// classify maps jwt parser errors onto the validator's failure kinds,
// passing through kinds raised by the keyfunc.
func classify(err error) error {
	switch {
	case errors.Is(err, ErrUnknownSigner):
		return err
	case errors.Is(err, jwt.ErrTokenMalformed):
		return errors.Wrap(ErrMalformedToken, err.Error())
	case errors.Is(err, jwt.ErrTokenExpired),
		errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return errors.Wrap(ErrExpired, err.Error())
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return errors.Wrap(ErrMalformedToken, err.Error())
	default:
		return errors.Wrap(ErrBadSignature, err.Error())
	}
}
