// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package statesnapshot

import (
	"container/list"
	"sync"

	"github.com/element-hq/eventgraph/roomserver/types"
)

// lruCache is a small fixed-capacity cache of reconstructed snapshots, keyed
// by StateSnapshotNID. It exists alongside internal/caching's
// ristretto-backed partitions because the compressor's cache holds owning
// handles to immutable map values reconstructed by walking a delta chain,
// not arbitrary admission-policy-driven entries (§9's cyclic-reference
// design note): a plain bounded LRU list is the more direct fit here than
// another ristretto partition.
type lruCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[types.StateSnapshotNID]*list.Element
}

type lruEntry struct {
	key   types.StateSnapshotNID
	value map[types.StateKeyTuple]types.EventNID
}

func newLRUCache(capacity int) *lruCache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &lruCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[types.StateSnapshotNID]*list.Element, capacity),
	}
}

func (c *lruCache) get(key types.StateSnapshotNID) (map[types.StateKeyTuple]types.EventNID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*lruEntry).value, true
}

func (c *lruCache) put(key types.StateSnapshotNID, value map[types.StateKeyTuple]types.EventNID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*lruEntry).value = value
		return
	}
	el := c.ll.PushFront(&lruEntry{key: key, value: value})
	c.items[key] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*lruEntry).key)
		}
	}
}

func (c *lruCache) delete(key types.StateSnapshotNID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.ll.Remove(el)
		delete(c.items, key)
	}
}
