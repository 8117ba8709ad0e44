//
//  Copyright © Maatini. All rights reserved.
//

package token

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// JWKSCache holds the signing keys published by one issuer. The set is
// read-mostly: a background refresher replaces it atomically on an
// interval, and an unknown kid triggers a single-flight refresh so that a
// burst of requests carrying a freshly rotated key costs one fetch.
type JWKSCache struct {
	url     string
	client  *http.Client
	refresh time.Duration

	mu   sync.RWMutex
	keys jose.JSONWebKeySet

	group singleflight.Group
}

// NewJWKSCache creates a cache for the given JWKS endpoint. No fetch
// happens until the first key lookup or Start.
func NewJWKSCache(url string, refresh time.Duration) *JWKSCache {
	return &JWKSCache{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		refresh: refresh,
	}
}

// Key resolves a signing key by kid. On a miss the key set is refreshed
// once (deduplicated across concurrent callers) before giving up.
func (c *JWKSCache) Key(ctx context.Context, kid string) (*jose.JSONWebKey, error) {
	if key := c.lookup(kid); key != nil {
		return key, nil
	}

	if _, err, _ := c.group.Do(kid, func() (interface{}, error) {
		return nil, c.fetch(ctx)
	}); err != nil {
		return nil, errors.Wrap(err, "refreshing JWKS")
	}

	if key := c.lookup(kid); key != nil {
		return key, nil
	}
	return nil, ErrUnknownSigner
}

func (c *JWKSCache) lookup(kid string) *jose.JSONWebKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if matches := c.keys.Key(kid); len(matches) > 0 {
		return &matches[0]
	}
	return nil
}

func (c *JWKSCache) fetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return errors.Wrap(err, "decoding JWKS")
	}

	c.mu.Lock()
	c.keys = set
	c.mu.Unlock()
	return nil
}

// Start launches the background refresher. It stops when ctx is
// cancelled. Fetch failures keep the previous key set active.
func (c *JWKSCache) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.fetch(ctx); err != nil {
					logger.Warnf("JWKS refresh failed for %s: %v", c.url, err)
				}
			}
		}
	}()
}
