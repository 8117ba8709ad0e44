//
//  Copyright © Maatini. All rights reserved.
//

// Package model defines the immutable per-request data records flowing
// through the authorization pipeline: the caller context, the policy query
// document and the policy decision.
//
// All types in this package are value types. Transforms never mutate the
// receiver; they return a new value.
package model

import (
	"encoding/json"
	"regexp"
	"strings"
)

// AnonymousUserID marks an unauthenticated caller.
const AnonymousUserID = "anonymous"

// AuthContext represents a validated and enriched caller for one request.
type AuthContext struct {
	UserID            string                 `json:"userId"`
	Email             string                 `json:"email,omitempty"`
	Name              string                 `json:"name,omitempty"`
	PreferredUsername string                 `json:"preferredUsername,omitempty"`
	Issuer            string                 `json:"issuer,omitempty"`
	Audience          []string               `json:"audience,omitempty"`
	Roles             []string               `json:"roles"`
	Permissions       []string               `json:"permissions"`
	Claims            map[string]interface{} `json:"claims,omitempty"`
	IssuedAt          int64                  `json:"issuedAt,omitempty"`
	ExpiresAt         int64                  `json:"expiresAt,omitempty"`
	TokenID           string                 `json:"tokenId,omitempty"`
	Tenant            string                 `json:"tenant,omitempty"`
}

// Anonymous returns the context representing an unauthenticated caller.
// Roles, permissions and claims are empty but never nil.
func Anonymous() AuthContext {
	return AuthContext{
		UserID:      AnonymousUserID,
		Roles:       []string{},
		Permissions: []string{},
		Claims:      map[string]interface{}{},
	}
}

// IsAuthenticated reports whether the context belongs to an authenticated
// caller.
func (c AuthContext) IsAuthenticated() bool {
	return c.UserID != "" && c.UserID != AnonymousUserID
}

// HasRole reports whether the caller carries the given role.
func (c AuthContext) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Enrich returns a copy of the context with the roles and permissions from
// the response unioned in. The response tenant, when present, replaces the
// original tenant. All other fields are copied verbatim.
func (c AuthContext) Enrich(resp RolesResponse) AuthContext {
	out := c
	out.Roles = unionStrings(c.Roles, resp.Roles)
	out.Permissions = unionStrings(c.Permissions, resp.Permissions)
	if resp.Tenant != "" {
		out.Tenant = resp.Tenant
	}
	return out
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// RolesResponse is the JSON document returned by the external roles
// service.
type RolesResponse struct {
	UserID      string   `json:"userId"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Tenant      string   `json:"tenant,omitempty"`
}

// EmptyRoles returns a well-formed response with empty sets and no tenant.
func EmptyRoles(userID string) RolesResponse {
	return RolesResponse{
		UserID:      userID,
		Roles:       []string{},
		Permissions: []string{},
	}
}

// PolicyDecision is the outcome of a policy evaluation.
//
// Invariant: Allowed=true implies Violations is empty.
type PolicyDecision struct {
	Allowed    bool                   `json:"allowed"`
	Reason     string                 `json:"reason,omitempty"`
	Violations []string               `json:"violations,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Allow creates an allowing decision.
func Allow() PolicyDecision {
	return PolicyDecision{Allowed: true}
}

// Deny creates a denying decision with the given reason.
func Deny(reason string) PolicyDecision {
	return PolicyDecision{Allowed: false, Reason: reason}
}

// DenyWithViolations creates a denying decision carrying the individual
// rule violations surfaced by the policy.
func DenyWithViolations(reason string, violations []string) PolicyDecision {
	return PolicyDecision{Allowed: false, Reason: reason, Violations: violations}
}

// PolicyInput is the authorization query document given to the policy
// engine.
type PolicyInput struct {
	Request  RequestInfo            `json:"request"`
	User     UserInfo               `json:"user"`
	Resource ResourceInfo           `json:"resource"`
	Context  map[string]interface{} `json:"context"`
}

// RequestInfo describes the inbound HTTP request.
type RequestInfo struct {
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	Headers     map[string]string `json:"headers"`
	QueryParams map[string]string `json:"queryParams"`
}

// UserInfo describes the caller.
type UserInfo struct {
	ID          string   `json:"id"`
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Tenant      string   `json:"tenant,omitempty"`
}

// ResourceInfo is derived from the request path.
type ResourceInfo struct {
	Type   *string `json:"type"`
	ID     *string `json:"id"`
	Action *string `json:"action"`
}

var versionSegment = regexp.MustCompile(`^v\d+$`)

// ResourceFromPath extracts resource type and id from REST paths of the
// form /api[/vN]/{type}[/{id}], skipping empty segments, the literal "api"
// and version segments. Both fields are nil when no such segments exist.
func ResourceFromPath(path string) ResourceInfo {
	if path == "" {
		return ResourceInfo{}
	}

	var typ, id *string
	resourceIndex := -1
	segments := strings.Split(path, "/")
	for i, segment := range segments {
		if segment == "" || segment == "api" || versionSegment.MatchString(segment) {
			continue
		}
		if resourceIndex == -1 {
			s := segment
			typ = &s
			resourceIndex = i
		} else if i == resourceIndex+1 {
			s := segment
			id = &s
			break
		}
	}

	return ResourceInfo{Type: typ, ID: id}
}

// NewPolicyInput assembles the policy query document for one request.
// The timestamp is epoch milliseconds at evaluation time.
func NewPolicyInput(ctx AuthContext, method, path string, headers, queryParams map[string]string, timestampMs int64) PolicyInput {
	if headers == nil {
		headers = map[string]string{}
	}
	if queryParams == nil {
		queryParams = map[string]string{}
	}
	return PolicyInput{
		Request: RequestInfo{
			Method:      method,
			Path:        path,
			Headers:     headers,
			QueryParams: queryParams,
		},
		User: UserInfo{
			ID:          ctx.UserID,
			Email:       ctx.Email,
			Roles:       ctx.Roles,
			Permissions: ctx.Permissions,
			Tenant:      ctx.Tenant,
		},
		Resource: ResourceFromPath(path),
		Context: map[string]interface{}{
			"timestamp": timestampMs,
			"source":    "sidecar",
		},
	}
}

// CacheKey returns the canonical byte form of the input with the volatile
// context section stripped, so that identical queries share a cache entry
// regardless of their evaluation timestamp.
func (in PolicyInput) CacheKey() string {
	stable := PolicyInput{
		Request:  in.Request,
		User:     in.User,
		Resource: in.Resource,
	}
	b, err := json.Marshal(stable)
	if err != nil {
		return ""
	}
	return string(b)
}
