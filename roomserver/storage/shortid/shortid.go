// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package shortid implements the short-id interner (component B): a
// bidirectional mapping between long Matrix identifiers (event ids, room
// ids, event types, state keys) and monotonically allocated 64-bit
// integers, so the rest of the event graph core can pass around compact
// NIDs instead of repeatedly comparing and indexing long strings.
//
// Every namespace (events, rooms, types, state keys) is a pair of KV
// prefixes — forward (long id -> NID) and reverse (NID -> long id) — backed
// by the same storage/kv.KeyValueStore the rest of the tree uses. Room,
// type and state-key lookups are fronted by an internal/caching partition,
// so an already-interned id of those kinds is answered without touching the
// database; event id lookups read the KV store every time.
package shortid

import (
	"context"
	"encoding/binary"
	"fmt"

	"go.uber.org/atomic"

	"github.com/element-hq/eventgraph/internal/caching"
	"github.com/element-hq/eventgraph/internal/eventgraphutil"
	"github.com/element-hq/eventgraph/roomserver/types"
	"github.com/element-hq/eventgraph/storage/kv"
)

const (
	nsEventForward = "evf" // event_id -> EventNID
	nsEventReverse = "evr" // EventNID -> event_id
	nsRoomForward  = "rmf" // room_id -> RoomNID
	nsRoomReverse  = "rmr" // RoomNID -> room_id
	nsTypeForward  = "tyf" // type string -> EventTypeNID
	nsTypeReverse  = "tyr" // EventTypeNID -> type string
	nsKeyForward   = "skf" // state_key string -> EventStateKeyNID
	nsKeyReverse   = "skr" // EventStateKeyNID -> state_key string

	counterKeyEvent = "counter:event"
	counterKeyRoom  = "counter:room"
	counterKeyType  = "counter:type"
	counterKeyKey   = "counter:statekey"
)

// Interner allocates and resolves short ids for one logical database.
// Every method is safe for concurrent use.
type Interner struct {
	kv     kv.KeyValueStore
	caches *caching.Caches

	eventCounter *atomic.Uint64
	roomCounter  *atomic.Uint64
	typeCounter  *atomic.Uint64
	keyCounter   *atomic.Uint64
}

// Open constructs an Interner over store, restoring each namespace's
// allocator from its last persisted value (0 if the namespace is empty, so
// the first allocated NID in a fresh database is 1). The well-known event
// type NIDs in roomserver/types are reserved before any other type is
// allocated, matching the convention that m.room.create is always NID 1.
func Open(ctx context.Context, store kv.KeyValueStore, caches *caching.Caches) (*Interner, error) {
	in := &Interner{kv: store, caches: caches}
	var err error
	if in.eventCounter, err = loadCounter(ctx, store, counterKeyEvent); err != nil {
		return nil, err
	}
	if in.roomCounter, err = loadCounter(ctx, store, counterKeyRoom); err != nil {
		return nil, err
	}
	if in.typeCounter, err = loadCounter(ctx, store, counterKeyType); err != nil {
		return nil, err
	}
	if in.keyCounter, err = loadCounter(ctx, store, counterKeyKey); err != nil {
		return nil, err
	}
	if err := in.reserveWellKnownTypes(ctx); err != nil {
		return nil, err
	}
	if err := in.reserveEmptyStateKey(ctx); err != nil {
		return nil, err
	}
	return in, nil
}

func loadCounter(ctx context.Context, store kv.KeyValueStore, key string) (*atomic.Uint64, error) {
	raw, found, err := store.Get(ctx, []byte(key))
	if err != nil {
		return nil, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "load counter "+key)
	}
	if !found {
		return atomic.NewUint64(0), nil
	}
	return atomic.NewUint64(binary.BigEndian.Uint64(raw)), nil
}

func persistCounter(ctx context.Context, store kv.KeyValueStore, key string, v uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	if err := store.Put(ctx, []byte(key), buf); err != nil {
		return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "persist counter "+key)
	}
	return nil
}

var wellKnownTypes = []struct {
	name string
	nid  types.EventTypeNID
}{
	{"m.room.create", types.MRoomCreateNID},
	{"m.room.power_levels", types.MRoomPowerLevelsNID},
	{"m.room.join_rules", types.MRoomJoinRulesNID},
	{"m.room.member", types.MRoomMemberNID},
	{"m.room.third_party_invite", types.MRoomThirdPartyInviteNID},
	{"m.room.history_visibility", types.MRoomHistoryVisibilityNID},
	{"m.room.canonical_alias", types.MRoomCanonicalAliasNID},
}

func (in *Interner) reserveWellKnownTypes(ctx context.Context) error {
	for _, wk := range wellKnownTypes {
		_, found, err := in.kv.Get(ctx, []byte(nsTypeForward+":"+wk.name))
		if err != nil {
			return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "reserve well-known type")
		}
		if found {
			continue
		}
		if err := in.putForwardReverse(ctx, nsTypeForward, nsTypeReverse, wk.name, uint64(wk.nid)); err != nil {
			return err
		}
		if in.typeCounter.Load() < uint64(wk.nid) {
			in.typeCounter.Store(uint64(wk.nid))
			if err := persistCounter(ctx, in.kv, counterKeyType, uint64(wk.nid)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (in *Interner) reserveEmptyStateKey(ctx context.Context) error {
	_, found, err := in.kv.Get(ctx, []byte(nsKeyForward+":"))
	if err != nil {
		return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "reserve empty state key")
	}
	if found {
		return nil
	}
	if err := in.putForwardReverse(ctx, nsKeyForward, nsKeyReverse, "", uint64(types.EmptyStateKeyNID)); err != nil {
		return err
	}
	if in.keyCounter.Load() < uint64(types.EmptyStateKeyNID) {
		in.keyCounter.Store(uint64(types.EmptyStateKeyNID))
		return persistCounter(ctx, in.kv, counterKeyKey, uint64(types.EmptyStateKeyNID))
	}
	return nil
}

func (in *Interner) putForwardReverse(ctx context.Context, fwdNS, revNS, longID string, nid uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, nid)
	if err := in.kv.Put(ctx, []byte(fwdNS+":"+longID), buf); err != nil {
		return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "intern forward")
	}
	if err := in.kv.Put(ctx, []byte(fmt.Sprintf("%s:%020d", revNS, nid)), []byte(longID)); err != nil {
		return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "intern reverse")
	}
	return nil
}

// EventNID returns the NID for eventID, allocating and persisting a new one
// if eventID has never been interned. The bijection invariant (property 1)
// holds because the forward and reverse rows are written together, under
// the same KV Put sequence, before the NID is ever handed back to a caller.
func (in *Interner) EventNID(ctx context.Context, eventID string) (types.EventNID, error) {
	nid, err := in.internForward(ctx, nsEventForward, nsEventReverse, eventID, in.eventCounter, counterKeyEvent)
	if err != nil {
		return 0, err
	}
	return types.EventNID(nid), nil
}

// EventIDFromNID reverses EventNID.
func (in *Interner) EventIDFromNID(ctx context.Context, nid types.EventNID) (string, error) {
	return in.reverse(ctx, nsEventReverse, uint64(nid))
}

// LookupEventNID is the plain, non-allocating "get_shorteventid": it
// returns the NID already interned for eventID, never allocating a new
// one, unlike EventNID. Read-only callers (admin commands, anything that
// must not mutate the interner as a side effect of a lookup) use this
// instead.
func (in *Interner) LookupEventNID(ctx context.Context, eventID string) (types.EventNID, bool, error) {
	raw, found, err := in.kv.Get(ctx, []byte(nsEventForward+":"+eventID))
	if err != nil {
		return 0, false, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "lookup event nid")
	}
	if !found {
		return 0, false, nil
	}
	return types.EventNID(binary.BigEndian.Uint64(raw)), true, nil
}

// LookupRoomNID is the read-only counterpart of RoomNID: it never
// allocates, returning found=false for a room_id that has never been
// interned.
func (in *Interner) LookupRoomNID(ctx context.Context, roomID string) (types.RoomNID, bool, error) {
	if cached, ok := in.caches.GetRoomServerRoomNID(roomID); ok {
		return cached, true, nil
	}
	raw, found, err := in.kv.Get(ctx, []byte(nsRoomForward+":"+roomID))
	if err != nil {
		return 0, false, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "lookup room nid")
	}
	if !found {
		return 0, false, nil
	}
	return types.RoomNID(binary.BigEndian.Uint64(raw)), true, nil
}

// RoomNID returns the NID for roomID, allocating one if needed.
func (in *Interner) RoomNID(ctx context.Context, roomID string) (types.RoomNID, error) {
	if cached, ok := in.caches.GetRoomServerRoomNID(roomID); ok {
		return cached, nil
	}
	nid, err := in.internForward(ctx, nsRoomForward, nsRoomReverse, roomID, in.roomCounter, counterKeyRoom)
	if err != nil {
		return 0, err
	}
	rn := types.RoomNID(nid)
	in.caches.StoreRoomServerRoomID(rn, roomID)
	in.caches.StoreRoomServerRoomNID(roomID, rn)
	return rn, nil
}

// AllRoomIDs lists every room_id ever interned, for the admin `list-rooms`
// command. It scans the forward namespace directly rather than going
// through the cache, since the admin CLI runs standalone and cold.
func (in *Interner) AllRoomIDs(ctx context.Context) ([]string, error) {
	pairs, err := in.kv.ScanPrefix(ctx, []byte(nsRoomForward+":"))
	if err != nil {
		return nil, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "scan room ids")
	}
	prefix := nsRoomForward + ":"
	roomIDs := make([]string, 0, len(pairs))
	for _, p := range pairs {
		roomIDs = append(roomIDs, string(p.Key)[len(prefix):])
	}
	return roomIDs, nil
}

// RoomIDFromNID reverses RoomNID.
func (in *Interner) RoomIDFromNID(ctx context.Context, nid types.RoomNID) (string, error) {
	if cached, ok := in.caches.GetRoomServerRoomID(nid); ok {
		return cached, nil
	}
	roomID, err := in.reverse(ctx, nsRoomReverse, uint64(nid))
	if err != nil {
		return "", err
	}
	in.caches.StoreRoomServerRoomID(nid, roomID)
	return roomID, nil
}

// EventTypeNID returns the NID for an event type string.
func (in *Interner) EventTypeNID(ctx context.Context, eventType string) (types.EventTypeNID, error) {
	if cached, ok := in.caches.GetEventTypeKey(eventType); ok {
		return cached, nil
	}
	nid, err := in.internForward(ctx, nsTypeForward, nsTypeReverse, eventType, in.typeCounter, counterKeyType)
	if err != nil {
		return 0, err
	}
	tn := types.EventTypeNID(nid)
	in.caches.StoreEventTypeKey(eventType, tn)
	return tn, nil
}

// EventStateKeyNID returns the NID for a state_key string.
func (in *Interner) EventStateKeyNID(ctx context.Context, stateKey string) (types.EventStateKeyNID, error) {
	if cached, ok := in.caches.GetEventStateKeyNID(stateKey); ok {
		return cached, nil
	}
	nid, err := in.internForward(ctx, nsKeyForward, nsKeyReverse, stateKey, in.keyCounter, counterKeyKey)
	if err != nil {
		return 0, err
	}
	kn := types.EventStateKeyNID(nid)
	in.caches.StoreEventStateKey(stateKey, kn)
	return kn, nil
}

// internForward is the shared cache-miss path: look up the forward row; if
// absent, allocate the next counter value and write both directions before
// returning it. The allocate-and-write is not itself transactional across
// concurrent callers interning the same brand-new id, but the forward row's
// primary key makes a duplicate Put for the same long id idempotent (last
// writer wins on the same value), and the reverse rows for two distinct
// allocated NIDs never collide, so no two distinct long ids ever end up
// sharing a NID.
func (in *Interner) internForward(ctx context.Context, fwdNS, revNS, longID string, counter *atomic.Uint64, counterKey string) (uint64, error) {
	raw, found, err := in.kv.Get(ctx, []byte(fwdNS+":"+longID))
	if err != nil {
		return 0, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "intern lookup")
	}
	if found {
		return binary.BigEndian.Uint64(raw), nil
	}
	nid := counter.Add(1)
	if err := persistCounter(ctx, in.kv, counterKey, nid); err != nil {
		return 0, err
	}
	if err := in.putForwardReverse(ctx, fwdNS, revNS, longID, nid); err != nil {
		return 0, err
	}
	return nid, nil
}

// RemoveEventNID deletes eventID's forward and reverse rows and evicts any
// cached lookup. remove_shorteventid is only ever called by purge (§4.B);
// the event counter is never rolled back, matching the rest of the
// interner's append-only allocation.
func (in *Interner) RemoveEventNID(ctx context.Context, eventID string) error {
	raw, found, err := in.kv.Get(ctx, []byte(nsEventForward+":"+eventID))
	if err != nil {
		return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "get event nid for removal")
	}
	if !found {
		return nil
	}
	nid := binary.BigEndian.Uint64(raw)
	if err := in.kv.Delete(ctx, []byte(nsEventForward+":"+eventID)); err != nil {
		return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "delete event nid forward")
	}
	if err := in.kv.Delete(ctx, []byte(fmt.Sprintf("%s:%020d", nsEventReverse, nid))); err != nil {
		return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "delete event nid reverse")
	}
	in.caches.EvictRoomServerEvent(types.EventNID(nid))
	return nil
}

// RemoveRoomNID deletes roomID's forward and reverse rows and evicts any
// cached lookup, the room half of purge's shortid cleanup. Event type and
// state key NIDs are shared across rooms and are never removed by a
// single room's purge.
func (in *Interner) RemoveRoomNID(ctx context.Context, roomID string) error {
	raw, found, err := in.kv.Get(ctx, []byte(nsRoomForward+":"+roomID))
	if err != nil {
		return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "get room nid for removal")
	}
	if !found {
		return nil
	}
	nid := types.RoomNID(binary.BigEndian.Uint64(raw))
	if err := in.kv.Delete(ctx, []byte(nsRoomForward+":"+roomID)); err != nil {
		return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "delete room nid forward")
	}
	if err := in.kv.Delete(ctx, []byte(fmt.Sprintf("%s:%020d", nsRoomReverse, uint64(nid)))); err != nil {
		return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "delete room nid reverse")
	}
	in.caches.EvictRoomServerRoom(nid, roomID)
	return nil
}

func (in *Interner) reverse(ctx context.Context, revNS string, nid uint64) (string, error) {
	raw, found, err := in.kv.Get(ctx, []byte(fmt.Sprintf("%s:%020d", revNS, nid)))
	if err != nil {
		return "", eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "reverse lookup")
	}
	if !found {
		return "", eventgraphutil.New(eventgraphutil.KindNotFound, fmt.Sprintf("no long id for nid %d in %s", nid, revNS))
	}
	return string(raw), nil
}
