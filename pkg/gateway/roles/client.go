//
//  Copyright © Maatini. All rights reserved.
//

// Package roles enriches an authenticated caller context with roles and
// permissions fetched from the external roles service, with caching and
// fault tolerance in front of the wire call.
package roles

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/pkg/errors"

	"github.com/maatini/authgate/internal/logging"
	"github.com/maatini/authgate/pkg/gateway/model"
)

var logger = logging.GetLogger("roles")

// Client is the HTTP client for the external roles/permissions service.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the given service base URL.
func NewClient(base string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{base: base, http: httpClient}
}

// Fetch retrieves roles and permissions for a user. When tenant is
// non-empty the lookup is scoped via the X-Tenant-ID header.
func (c *Client) Fetch(ctx context.Context, userID, tenant string) (model.RolesResponse, error) {
	endpoint := fmt.Sprintf("%s/api/v1/users/%s/roles", c.base, url.PathEscape(userID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return model.RolesResponse{}, errors.Wrap(err, "building roles request")
	}
	req.Header.Set("Accept", "application/json")
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return model.RolesResponse{}, errors.Wrap(err, "calling roles service")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return model.RolesResponse{}, errors.Errorf("roles service returned status %d", resp.StatusCode)
	}

	var out model.RolesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return model.RolesResponse{}, errors.Wrap(err, "decoding roles response")
	}
	return out, nil
}
