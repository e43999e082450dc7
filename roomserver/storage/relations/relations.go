// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package relations implements the relations half of component I:
// (room, target_event) -> child_event edges keyed so that pagination over
// a target's children, optionally filtered by relation type and child
// event type, is a single prefix scan with decode-time filtering (§4.I).
package relations

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/element-hq/eventgraph/internal/eventgraphutil"
	"github.com/element-hq/eventgraph/roomserver/types"
	"github.com/element-hq/eventgraph/storage/kv"
)

const ns = "rela"

// Edge is one parent -> child relation, as recorded from a PDU whose
// content carries an `m.relates_to` block.
type Edge struct {
	ChildEventID string
	ChildType    string
	RelType      string
	ChildCount   types.PduCount
}

// Index is the relations index over one shared KV store.
type Index struct {
	kv kv.KeyValueStore
}

func Open(store kv.KeyValueStore) *Index {
	return &Index{kv: store}
}

// row is the encoded value stored for every edge: the child's full
// identity, so a paginate call never needs a second lookup to apply its
// rel_type/event_type filter.
type row struct {
	ChildEventID string `json:"child_event_id"`
	ChildType    string `json:"child_type"`
	RelType      string `json:"rel_type"`
}

// sortableCount maps a PduCount onto a zero-padded decimal string that
// byte-lexicographically sorts the same way the count numerically
// compares, matching search.go's identical helper and timeline.go's own
// fixed-width decimal key convention.
func sortableCount(count types.PduCount) string {
	biased := uint64(count) + (1 << 63)
	return fmt.Sprintf("%020d", biased)
}

func parseSortableCount(s string) types.PduCount {
	biased, _ := strconv.ParseUint(s, 10, 64)
	return types.PduCount(biased - (1 << 63))
}

func edgeKey(room types.RoomNID, targetEventID string, childCount types.PduCount) []byte {
	return kv.NewKeyBuilder().
		Append([]byte(ns)).
		Append([]byte(fmt.Sprintf("%020d", uint64(room)))).
		Append([]byte(targetEventID)).
		Append([]byte(sortableCount(childCount))).
		Bytes()
}

func targetPrefix(room types.RoomNID, targetEventID string) []byte {
	return append(kv.NewKeyBuilder().
		Append([]byte(ns)).
		Append([]byte(fmt.Sprintf("%020d", uint64(room)))).
		Append([]byte(targetEventID)).
		Bytes(), kv.Boundary)
}

func roomPrefix(room types.RoomNID) []byte {
	return append(kv.NewKeyBuilder().
		Append([]byte(ns)).
		Append([]byte(fmt.Sprintf("%020d", uint64(room)))).
		Bytes(), kv.Boundary)
}

// AddEdge records that a child event (of childType, at childCount) relates
// to targetEventID via relType. Called by the relations consumer of the
// output stream (§4.M) once per persisted PDU carrying `m.relates_to`.
func (idx *Index) AddEdge(ctx context.Context, room types.RoomNID, targetEventID, childEventID, childType, relType string, childCount types.PduCount) error {
	buf, err := json.Marshal(row{ChildEventID: childEventID, ChildType: childType, RelType: relType})
	if err != nil {
		return eventgraphutil.Wrap(eventgraphutil.KindStorageCorrupt, err, "encode relation edge")
	}
	if err := idx.kv.Put(ctx, edgeKey(room, targetEventID, childCount), buf); err != nil {
		return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "put relation edge")
	}
	return nil
}

// Page is one page of PaginateRelationsWithFilter's result.
type Page struct {
	Edges     []Edge
	NextBatch *types.PduCount
}

type decodedEdge struct {
	count types.PduCount
	edge  Edge
}

// PaginateRelationsWithFilter returns up to limit children of targetEventID
// in room, filtered by relType and childType when non-empty, paging
// strictly older than `from` (exclusive) if from != nil. Per §9's first
// open question, direction is always "older" regardless of any
// caller-supplied direction — see DESIGN.md for why, and for the follow-up
// that would wire a real `dir` parameter through once the caller's request
// type carries one.
func (idx *Index) PaginateRelationsWithFilter(ctx context.Context, room types.RoomNID, targetEventID, relType, childType string, from *types.PduCount, limit int) (Page, error) {
	pairs, err := idx.kv.ScanPrefix(ctx, targetPrefix(room, targetEventID))
	if err != nil {
		return Page{}, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "scan relations")
	}

	all := make([]decodedEdge, 0, len(pairs))
	for _, p := range pairs {
		parts := kv.SplitKey(p.Key)
		count := parseSortableCount(string(parts[len(parts)-1]))
		var r row
		if err := json.Unmarshal(p.Value, &r); err != nil {
			return Page{}, eventgraphutil.Wrap(eventgraphutil.KindStorageCorrupt, err, "decode relation edge")
		}
		all = append(all, decodedEdge{count: count, edge: Edge{ChildEventID: r.ChildEventID, ChildType: r.ChildType, RelType: r.RelType, ChildCount: count}})
	}
	// ScanPrefix returns ascending key order, i.e. ascending PduCount;
	// reverse for newest-first so pagination walks strictly older.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}

	matches := func(d decodedEdge) bool {
		if relType != "" && d.edge.RelType != relType {
			return false
		}
		if childType != "" && d.edge.ChildType != childType {
			return false
		}
		return true
	}

	var out []Edge
	cursor := 0
	for ; cursor < len(all); cursor++ {
		d := all[cursor]
		if from != nil && d.count >= *from {
			continue
		}
		if !matches(d) {
			continue
		}
		out = append(out, d.edge)
		if limit > 0 && len(out) == limit {
			cursor++
			break
		}
	}

	var next *types.PduCount
	if len(out) > 0 {
		for ; cursor < len(all); cursor++ {
			if matches(all[cursor]) {
				v := out[len(out)-1].ChildCount
				next = &v
				break
			}
		}
	}
	return Page{Edges: out, NextBatch: next}, nil
}

// DeleteRoom removes every relation edge for room, part of the purge
// cascade (property 11).
func (idx *Index) DeleteRoom(ctx context.Context, room types.RoomNID) error {
	pairs, err := idx.kv.ScanPrefix(ctx, roomPrefix(room))
	if err != nil {
		return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "scan room relations for purge")
	}
	for _, p := range pairs {
		if err := idx.kv.Delete(ctx, p.Key); err != nil {
			return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "delete relation edge")
		}
	}
	return nil
}
