// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package keyfetch implements a gomatrixserverlib.KeyDatabase backed by
// patrickmn/go-cache: a server's signing keys are cached until the
// `valid_until_ts` the remote server itself returned, the same contract the
// teacher's sqlite/postgres `keydb` storage gives gomatrixserverlib.KeyRing,
// just traded for an in-memory cache since this module carries no
// federation-server identity store of its own (§4.H step 1).
package keyfetch

import (
	"context"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/patrickmn/go-cache"
)

// Cache is a gomatrixserverlib.KeyDatabase that holds every fetched
// PublicKeyLookupResult until its own ValidUntilTS, after which go-cache
// expires the entry and the next lookup falls through to the KeyRing's
// other configured KeyFetchers (direct query, perspective servers).
type Cache struct {
	c *cache.Cache
}

// New builds an empty Cache. go-cache's own cleanup interval is set to
// twice the shortest realistic key lifetime so expired entries don't
// accumulate between lookups.
func New() *Cache {
	return &Cache{c: cache.New(cache.NoExpiration, 10*time.Minute)}
}

func (*Cache) FetcherName() string { return "keyfetch.Cache" }

// FetchKeys returns whichever of the requested keys are present and not
// expired; per the KeyDatabase contract, keys missing from the result are
// queried from the next configured fetcher and stored back via StoreKeys.
func (k *Cache) FetchKeys(ctx context.Context, requests map[gomatrixserverlib.PublicKeyLookupRequest]gomatrixserverlib.Timestamp) (map[gomatrixserverlib.PublicKeyLookupRequest]gomatrixserverlib.PublicKeyLookupResult, error) {
	results := make(map[gomatrixserverlib.PublicKeyLookupRequest]gomatrixserverlib.PublicKeyLookupResult, len(requests))
	for req, minValidUntil := range requests {
		raw, found := k.c.Get(cacheKey(req))
		if !found {
			continue
		}
		result := raw.(gomatrixserverlib.PublicKeyLookupResult)
		if result.ValidUntilTS < minValidUntil {
			continue
		}
		results[req] = result
	}
	return results, nil
}

// StoreKeys caches each result until its own ValidUntilTS.
func (k *Cache) StoreKeys(ctx context.Context, results map[gomatrixserverlib.PublicKeyLookupRequest]gomatrixserverlib.PublicKeyLookupResult) error {
	now := int64(gomatrixserverlib.AsTimestamp(time.Now()))
	for req, result := range results {
		ttlMillis := int64(result.ValidUntilTS) - now
		if ttlMillis <= 0 {
			continue
		}
		k.c.Set(cacheKey(req), result, time.Duration(ttlMillis)*time.Millisecond)
	}
	return nil
}

func cacheKey(req gomatrixserverlib.PublicKeyLookupRequest) string {
	return string(req.ServerName) + "/" + string(req.KeyID)
}

var _ gomatrixserverlib.KeyDatabase = (*Cache)(nil)
