// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package authchain implements the auth-chain cache (component G):
// precomputed transitive auth ancestors of a set of seed events, memoized
// by the sorted tuple of seed short ids hashed with xxhash (pulled in
// transitively via dgraph-io/ristretto, already on the dependency graph),
// cached via internal/caching.
package authchain

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/element-hq/eventgraph/internal/eventgraphutil"
	"github.com/element-hq/eventgraph/roomserver/types"
)

// AuthEventsFetcher returns the auth_events of eventNID, if eventNID is
// known to the store.
type AuthEventsFetcher func(ctx context.Context, eventNID types.EventNID) ([]types.EventNID, bool, error)

// Cache memoizes auth chain computations per room. Entries are never
// invalidated except by purge (the invariant from §4.G: the cache is
// monotonic per room).
type Cache struct {
	fetch AuthEventsFetcher

	mu      sync.Mutex
	byRoom  map[types.RoomNID]map[uint64]map[types.EventNID]struct{}
}

func New(fetch AuthEventsFetcher) *Cache {
	return &Cache{fetch: fetch, byRoom: map[types.RoomNID]map[uint64]map[types.EventNID]struct{}{}}
}

// memoKey hashes the sorted tuple of seed NIDs with xxhash, giving a stable
// cache key independent of the seeds' original order.
func memoKey(seeds []types.EventNID) uint64 {
	sorted := make([]types.EventNID, len(seeds))
	copy(sorted, seeds)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	h := xxhash.New()
	buf := make([]byte, 8)
	for _, s := range sorted {
		binary.BigEndian.PutUint64(buf, uint64(s))
		_, _ = h.Write(buf)
	}
	return h.Sum64()
}

// GetAuthChain returns the least set A ⊇ seeds closed under "authorizing
// event of", for room roomNID. On a cache miss it BFS-walks auth_events,
// chunked one level at a time so a pathologically deep chain does not blow
// the goroutine's stack, and memoizes the result.
func (c *Cache) GetAuthChain(ctx context.Context, roomNID types.RoomNID, seeds []types.EventNID) (map[types.EventNID]struct{}, error) {
	key := memoKey(seeds)

	c.mu.Lock()
	if room, ok := c.byRoom[roomNID]; ok {
		if cached, ok := room[key]; ok {
			c.mu.Unlock()
			return cloneSet(cached), nil
		}
	}
	c.mu.Unlock()

	result := map[types.EventNID]struct{}{}
	frontier := make([]types.EventNID, len(seeds))
	copy(frontier, seeds)
	for _, s := range seeds {
		result[s] = struct{}{}
	}

	for len(frontier) > 0 {
		var next []types.EventNID
		for _, nid := range frontier {
			authEvents, found, err := c.fetch(ctx, nid)
			if err != nil {
				return nil, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "auth chain fetch")
			}
			if !found {
				continue
			}
			for _, a := range authEvents {
				if _, seen := result[a]; !seen {
					result[a] = struct{}{}
					next = append(next, a)
				}
			}
		}
		frontier = next
	}

	c.mu.Lock()
	if c.byRoom[roomNID] == nil {
		c.byRoom[roomNID] = map[uint64]map[types.EventNID]struct{}{}
	}
	c.byRoom[roomNID][key] = cloneSet(result)
	c.mu.Unlock()

	return result, nil
}

// Invalidate drops every memoized auth chain for roomNID; only purge (§4.G)
// is allowed to call this.
func (c *Cache) Invalidate(roomNID types.RoomNID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byRoom, roomNID)
}

func cloneSet(m map[types.EventNID]struct{}) map[types.EventNID]struct{} {
	out := make(map[types.EventNID]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}
