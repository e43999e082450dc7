// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package roomstate implements the two small indexes from §3's persisted
// state layout that tie an event or a room to its shortstatehash:
// `shorteventid_shortstatehash` (an event's state-before snapshot) and
// `roomid_shortstatehash` (a room's current snapshot). The ingestion
// pipeline (component H) is the only writer; the state accessor
// (component E) and the pipeline itself are the readers.
package roomstate

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/element-hq/eventgraph/internal/eventgraphutil"
	"github.com/element-hq/eventgraph/roomserver/types"
	"github.com/element-hq/eventgraph/storage/kv"
)

const (
	nsEventSnapshot = "evss" // EventNID -> StateSnapshotNID
	nsRoomSnapshot  = "rmss" // RoomNID -> StateSnapshotNID
)

// Index stores the two snapshot-pointer maps over a shared KV store.
type Index struct {
	kv kv.KeyValueStore
}

func Open(store kv.KeyValueStore) *Index {
	return &Index{kv: store}
}

func eventKey(nid types.EventNID) []byte {
	return []byte(fmt.Sprintf("%s:%020d", nsEventSnapshot, uint64(nid)))
}

func roomKey(nid types.RoomNID) []byte {
	return []byte(fmt.Sprintf("%s:%020d", nsRoomSnapshot, uint64(nid)))
}

// EventSnapshot returns the StateSnapshotNID recorded as eventNID's
// state-before, if any has been recorded yet.
func (idx *Index) EventSnapshot(ctx context.Context, eventNID types.EventNID) (types.StateSnapshotNID, bool, error) {
	return idx.get(ctx, eventKey(eventNID))
}

// SetEventSnapshot records eventNID's state-before snapshot. Called once
// per persisted (or soft-failed) event, never overwritten afterward.
func (idx *Index) SetEventSnapshot(ctx context.Context, eventNID types.EventNID, nid types.StateSnapshotNID) error {
	return idx.put(ctx, eventKey(eventNID), nid)
}

// RoomSnapshot returns roomNID's current state snapshot, if the room has
// any state yet.
func (idx *Index) RoomSnapshot(ctx context.Context, roomNID types.RoomNID) (types.StateSnapshotNID, bool, error) {
	return idx.get(ctx, roomKey(roomNID))
}

// SetRoomSnapshot advances roomNID's current state snapshot pointer. Only
// called when a non-soft-failed state event is persisted.
func (idx *Index) SetRoomSnapshot(ctx context.Context, roomNID types.RoomNID, nid types.StateSnapshotNID) error {
	return idx.put(ctx, roomKey(roomNID), nid)
}

func (idx *Index) get(ctx context.Context, key []byte) (types.StateSnapshotNID, bool, error) {
	raw, found, err := idx.kv.Get(ctx, key)
	if err != nil {
		return 0, false, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "get snapshot pointer")
	}
	if !found {
		return 0, false, nil
	}
	return types.StateSnapshotNID(binary.BigEndian.Uint64(raw)), true, nil
}

func (idx *Index) put(ctx context.Context, key []byte, nid types.StateSnapshotNID) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(nid))
	if err := idx.kv.Put(ctx, key, buf); err != nil {
		return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "put snapshot pointer")
	}
	return nil
}

// DeleteRoom removes roomNID's current-snapshot pointer and the
// state-before pointer recorded for every event in eventNIDs, part of the
// purge cascade (property 11). It does not delete the snapshot rows
// themselves, since snapshots may still be shared via the delta chain of
// rooms other than roomNID; the compressor's own cache is invalidated
// separately by the caller.
func (idx *Index) DeleteRoom(ctx context.Context, roomNID types.RoomNID, eventNIDs []types.EventNID) error {
	for _, nid := range eventNIDs {
		if err := idx.kv.Delete(ctx, eventKey(nid)); err != nil {
			return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "delete event snapshot pointer")
		}
	}
	if err := idx.kv.Delete(ctx, roomKey(roomNID)); err != nil {
		return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "delete room snapshot pointer")
	}
	return nil
}
