// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package statesnapshot implements the state compressor (component C):
// compact, delta-encoded state snapshots keyed by a shortstatehash. A
// snapshot is stored either as a base (a complete (shortstatekey ->
// shorteventid) map) or as a delta against a parent snapshot (an added set
// and a removed set of state keys); reconstructing a snapshot means walking
// its parent chain and replaying the deltas. The chain is capped at
// MaxDepth: exceeding it always materializes a fresh base rather than
// growing the walk unboundedly.
package statesnapshot

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/element-hq/eventgraph/internal/eventgraphutil"
	"github.com/element-hq/eventgraph/roomserver/types"
	"github.com/element-hq/eventgraph/storage/kv"
)

const (
	nsSnapshot = "stsnap" // shortstatehash -> encoded snapshotRow
	counterKey = "counter:statesnapshot"
)

// snapshotRow is the on-disk encoding of one snapshot: either a base (Parent
// == 0) or a delta against Parent.
type snapshotRow struct {
	Parent  types.StateSnapshotNID `json:"parent"`
	Depth   int                    `json:"depth"`
	Added   []types.StateEntry     `json:"added"`
	Removed []types.StateKeyTuple  `json:"removed"`
}

// Compressor stores and reconstructs state snapshots over a KV namespace.
type Compressor struct {
	kv       kv.KeyValueStore
	cache    *lruCache
	maxDepth int
}

// Open constructs a Compressor. maxDepth is the configured
// MaxShortStateSnapshotDepth (default 100); cacheSize bounds the
// materialized-snapshot LRU held in front of the parent-chain walk.
func Open(store kv.KeyValueStore, maxDepth int, cacheSize int) *Compressor {
	if maxDepth <= 0 {
		maxDepth = 100
	}
	return &Compressor{kv: store, cache: newLRUCache(cacheSize), maxDepth: maxDepth}
}

func snapshotKey(nid types.StateSnapshotNID) []byte {
	return []byte(fmt.Sprintf("%s:%020d", nsSnapshot, uint64(nid)))
}

// StoreSnapshot persists a new snapshot as a delta against parent (parent
// may be 0 for a fresh base) and returns its allocated StateSnapshotNID.
// When the parent's chain depth would exceed maxDepth, the new snapshot is
// materialized as a base instead of another delta layer, bounding how many
// deltas LoadSnapshot ever has to replay.
func (c *Compressor) StoreSnapshot(ctx context.Context, parent types.StateSnapshotNID, added []types.StateEntry, removed []types.StateKeyTuple) (types.StateSnapshotNID, error) {
	row := snapshotRow{Parent: parent, Added: added, Removed: removed}

	if parent != 0 {
		parentDepth, err := c.depthOf(ctx, parent)
		if err != nil {
			return 0, err
		}
		if parentDepth+1 > c.maxDepth {
			full, err := c.LoadSnapshot(ctx, parent)
			if err != nil {
				return 0, err
			}
			applyDelta(full, added, removed)
			row = snapshotRow{Parent: 0, Depth: 0, Added: mapToEntries(full)}
		} else {
			row.Depth = parentDepth + 1
		}
	}

	nid, err := c.allocate(ctx)
	if err != nil {
		return 0, err
	}
	if err := c.putRow(ctx, nid, row); err != nil {
		return 0, err
	}
	return nid, nil
}

func mapToEntries(m map[types.StateKeyTuple]types.EventNID) []types.StateEntry {
	out := make([]types.StateEntry, 0, len(m))
	for k, v := range m {
		out = append(out, types.StateEntry{StateKeyTuple: k, EventNID: v})
	}
	return out
}

func (c *Compressor) depthOf(ctx context.Context, nid types.StateSnapshotNID) (int, error) {
	row, err := c.getRow(ctx, nid)
	if err != nil {
		return 0, err
	}
	return row.Depth, nil
}

func (c *Compressor) putRow(ctx context.Context, nid types.StateSnapshotNID, row snapshotRow) error {
	buf, err := json.Marshal(row)
	if err != nil {
		return eventgraphutil.Wrap(eventgraphutil.KindStorageCorrupt, err, "encode snapshot row")
	}
	if err := c.kv.Put(ctx, snapshotKey(nid), buf); err != nil {
		return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "put snapshot row")
	}
	return nil
}

func (c *Compressor) getRow(ctx context.Context, nid types.StateSnapshotNID) (snapshotRow, error) {
	raw, found, err := c.kv.Get(ctx, snapshotKey(nid))
	if err != nil {
		return snapshotRow{}, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "get snapshot row")
	}
	if !found {
		return snapshotRow{}, eventgraphutil.New(eventgraphutil.KindNotFound, fmt.Sprintf("no snapshot %d", nid))
	}
	var row snapshotRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return snapshotRow{}, eventgraphutil.Wrap(eventgraphutil.KindStorageCorrupt, err, "decode snapshot row")
	}
	return row, nil
}

// LoadSnapshot reconstructs the full (shortstatekey -> shorteventid) map for
// nid by walking its parent chain from the nearest base forward, applying
// each delta in order.
func (c *Compressor) LoadSnapshot(ctx context.Context, nid types.StateSnapshotNID) (map[types.StateKeyTuple]types.EventNID, error) {
	if cached, ok := c.cache.get(nid); ok {
		return cloneMap(cached), nil
	}

	var chain []snapshotRow
	cur := nid
	for {
		row, err := c.getRow(ctx, cur)
		if err != nil {
			return nil, err
		}
		chain = append(chain, row)
		if row.Parent == 0 {
			break
		}
		cur = row.Parent
	}

	result := map[types.StateKeyTuple]types.EventNID{}
	for i := len(chain) - 1; i >= 0; i-- {
		applyDelta(result, chain[i].Added, chain[i].Removed)
	}
	c.cache.put(nid, cloneMap(result))
	return result, nil
}

func applyDelta(m map[types.StateKeyTuple]types.EventNID, added []types.StateEntry, removed []types.StateKeyTuple) {
	for _, r := range removed {
		delete(m, r)
	}
	for _, a := range added {
		m[a.StateKeyTuple] = a.EventNID
	}
}

func cloneMap(m map[types.StateKeyTuple]types.EventNID) map[types.StateKeyTuple]types.EventNID {
	out := make(map[types.StateKeyTuple]types.EventNID, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (c *Compressor) allocate(ctx context.Context) (types.StateSnapshotNID, error) {
	raw, found, err := c.kv.Get(ctx, []byte(counterKey))
	if err != nil {
		return 0, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "load snapshot counter")
	}
	var next uint64
	if found {
		next = binary.BigEndian.Uint64(raw)
	}
	next++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	if err := c.kv.Put(ctx, []byte(counterKey), buf); err != nil {
		return 0, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "persist snapshot counter")
	}
	return types.StateSnapshotNID(next), nil
}

// Invalidate drops nid (and nothing else) from the materialized-snapshot
// cache; used by purge, which is the only caller allowed to invalidate.
func (c *Compressor) Invalidate(nid types.StateSnapshotNID) {
	c.cache.delete(nid)
}
