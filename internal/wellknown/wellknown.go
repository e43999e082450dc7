// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package wellknown resolves a server name to its federation destination
// the way gomatrixserverlib/fclient's resolver does: try
// `.well-known/matrix/server`, then SRV records, then the bare host,
// caching the winning result with patrickmn/go-cache so the outbound queue
// (component J) doesn't redo DNS/HTTP resolution for every retry of a
// backed-off destination.
package wellknown

import (
	"context"
	"time"

	"github.com/matrix-org/gomatrixserverlib/fclient"
	"github.com/patrickmn/go-cache"
)

// DefaultTTL bounds how long a resolved destination is trusted before the
// next send re-resolves it, independent of any HTTP cache-control header
// the .well-known response carried.
const DefaultTTL = 1 * time.Hour

// Resolver caches fclient.ResolutionResult lookups per server name.
type Resolver struct {
	c        *cache.Cache
	resolve  func(ctx context.Context, serverName string) (*fclient.ResolutionResult, error)
}

// New wraps resolve (ordinarily fclient.ResolveServer) with a TTL cache.
func New(resolve func(ctx context.Context, serverName string) (*fclient.ResolutionResult, error)) *Resolver {
	return &Resolver{c: cache.New(DefaultTTL, 10*time.Minute), resolve: resolve}
}

// Resolve returns the cached destination for serverName, resolving and
// caching it on a miss.
func (r *Resolver) Resolve(ctx context.Context, serverName string) (*fclient.ResolutionResult, error) {
	if cached, found := r.c.Get(serverName); found {
		return cached.(*fclient.ResolutionResult), nil
	}
	result, err := r.resolve(ctx, serverName)
	if err != nil {
		return nil, err
	}
	r.c.Set(serverName, result, DefaultTTL)
	return result, nil
}

// Invalidate drops a cached resolution, used after a destination starts
// failing repeatedly (§4.J backoff) in case the failure was caused by a
// stale .well-known delegation rather than the destination itself being
// down.
func (r *Resolver) Invalidate(serverName string) {
	r.c.Delete(serverName)
}
