// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package directory persists the two small room-directory indexes named in
// §6's column family list that the event-graph core, not the out-of-scope
// client-API surface, is still responsible for keeping consistent with
// purge: room aliases (`#alias:server` -> room_id) and the public-room
// flag (`publicroomids`). Mirrors Dendrite's
// roomserver/storage/(postgres|sqlite3)/room_aliases_table.go shape, one
// KV namespace per index instead of a dedicated SQL table.
package directory

import (
	"context"

	"github.com/element-hq/eventgraph/internal/eventgraphutil"
	"github.com/element-hq/eventgraph/internal/util"
	"github.com/element-hq/eventgraph/storage/kv"
)

const (
	nsAlias     = "rali" // alias -> room_id
	nsAliasRoom = "rarm" // room_id -> json([]alias), for purge cascade
	nsPublic    = "publ" // room_id -> struct{} marker
	nsDisabled  = "disb" // room_id -> struct{} marker, admin disable-room/enable-room
)

// Index stores room aliases and the public-room flag over a shared KV
// store.
type Index struct {
	kv kv.KeyValueStore
}

func Open(store kv.KeyValueStore) *Index {
	return &Index{kv: store}
}

func aliasKey(alias string) []byte { return []byte(nsAlias + ":" + util.NormalizeRoomAlias(alias)) }
func aliasRoomKey(roomID string) []byte { return []byte(nsAliasRoom + ":" + roomID) }
func publicKey(roomID string) []byte    { return []byte(nsPublic + ":" + roomID) }
func disabledKey(roomID string) []byte  { return []byte(nsDisabled + ":" + roomID) }

// SetRoomAlias creates alias -> roomID, failing with KindConflict if the
// alias already points somewhere else (scenario S2: a second PUT of the
// same alias gets 409 M_UNKNOWN "Alias already exists.").
func (idx *Index) SetRoomAlias(ctx context.Context, alias, roomID string) error {
	alias = util.NormalizeRoomAlias(alias)
	existing, found, err := idx.kv.Get(ctx, aliasKey(alias))
	if err != nil {
		return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "get room alias")
	}
	if found && string(existing) != roomID {
		return eventgraphutil.New(eventgraphutil.KindConflict, "Alias already exists.")
	}
	if found {
		return nil
	}
	if err := idx.kv.Put(ctx, aliasKey(alias), []byte(roomID)); err != nil {
		return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "put room alias")
	}
	aliases, err := idx.aliasesFor(ctx, roomID)
	if err != nil {
		return err
	}
	return idx.putAliasesFor(ctx, roomID, append(aliases, alias))
}

// RoomIDForAlias resolves alias to its current room_id, if any.
func (idx *Index) RoomIDForAlias(ctx context.Context, alias string) (string, bool, error) {
	raw, found, err := idx.kv.Get(ctx, aliasKey(alias))
	if err != nil {
		return "", false, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "get room alias")
	}
	return string(raw), found, nil
}

// RemoveRoomAlias deletes alias if it exists.
func (idx *Index) RemoveRoomAlias(ctx context.Context, alias string) error {
	alias = util.NormalizeRoomAlias(alias)
	raw, found, err := idx.kv.Get(ctx, aliasKey(alias))
	if err != nil {
		return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "get room alias")
	}
	if !found {
		return nil
	}
	roomID := string(raw)
	if err := idx.kv.Delete(ctx, aliasKey(alias)); err != nil {
		return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "delete room alias")
	}
	aliases, err := idx.aliasesFor(ctx, roomID)
	if err != nil {
		return err
	}
	out := aliases[:0]
	for _, a := range aliases {
		if a != alias {
			out = append(out, a)
		}
	}
	return idx.putAliasesFor(ctx, roomID, out)
}

func (idx *Index) aliasesFor(ctx context.Context, roomID string) ([]string, error) {
	raw, found, err := idx.kv.Get(ctx, aliasRoomKey(roomID))
	if err != nil {
		return nil, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "get room aliases")
	}
	if !found {
		return nil, nil
	}
	return decodeStrings(raw), nil
}

func (idx *Index) putAliasesFor(ctx context.Context, roomID string, aliases []string) error {
	if len(aliases) == 0 {
		if err := idx.kv.Delete(ctx, aliasRoomKey(roomID)); err != nil {
			return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "delete room aliases")
		}
		return nil
	}
	if err := idx.kv.Put(ctx, aliasRoomKey(roomID), encodeStrings(aliases)); err != nil {
		return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "put room aliases")
	}
	return nil
}

// AliasesForRoom lists every alias currently pointing at roomID.
func (idx *Index) AliasesForRoom(ctx context.Context, roomID string) ([]string, error) {
	return idx.aliasesFor(ctx, roomID)
}

// SetPublic flips the public-room flag for roomID.
func (idx *Index) SetPublic(ctx context.Context, roomID string, public bool) error {
	if !public {
		if err := idx.kv.Delete(ctx, publicKey(roomID)); err != nil {
			return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "clear public room flag")
		}
		return nil
	}
	if err := idx.kv.Put(ctx, publicKey(roomID), []byte{1}); err != nil {
		return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "set public room flag")
	}
	return nil
}

// IsPublic reports whether roomID is currently flagged public.
func (idx *Index) IsPublic(ctx context.Context, roomID string) (bool, error) {
	_, found, err := idx.kv.Get(ctx, publicKey(roomID))
	if err != nil {
		return false, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "get public room flag")
	}
	return found, nil
}

// SetDisabled flips the admin disabled-room flag for roomID (the `admin
// disable-room`/`enable-room` CLI commands); the ingestion pipeline
// consults it via IsDisabled before authorizing a PDU for the room.
func (idx *Index) SetDisabled(ctx context.Context, roomID string, disabled bool) error {
	if !disabled {
		if err := idx.kv.Delete(ctx, disabledKey(roomID)); err != nil {
			return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "clear disabled room flag")
		}
		return nil
	}
	if err := idx.kv.Put(ctx, disabledKey(roomID), []byte{1}); err != nil {
		return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "set disabled room flag")
	}
	return nil
}

// IsDisabled reports whether roomID is currently disabled by an admin.
func (idx *Index) IsDisabled(ctx context.Context, roomID string) (bool, error) {
	_, found, err := idx.kv.Get(ctx, disabledKey(roomID))
	if err != nil {
		return false, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "get disabled room flag")
	}
	return found, nil
}

// PurgeRoom removes every alias pointing at roomID, its public-room flag,
// and its disabled flag, part of the purge cascade (property 11).
func (idx *Index) PurgeRoom(ctx context.Context, roomID string) error {
	aliases, err := idx.aliasesFor(ctx, roomID)
	if err != nil {
		return err
	}
	for _, a := range aliases {
		if err := idx.kv.Delete(ctx, aliasKey(a)); err != nil {
			return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "delete room alias")
		}
	}
	if err := idx.kv.Delete(ctx, aliasRoomKey(roomID)); err != nil {
		return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "delete room aliases index")
	}
	if err := idx.kv.Delete(ctx, publicKey(roomID)); err != nil {
		return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "delete public room flag")
	}
	if err := idx.kv.Delete(ctx, disabledKey(roomID)); err != nil {
		return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "delete disabled room flag")
	}
	return nil
}

// encodeStrings, used by putAliasesFor, is kept small and dependency-free: a length-prefixed
// join, avoiding a JSON import for a single []string field.
func encodeStrings(ss []string) []byte {
	out := make([]byte, 0, 64)
	for _, s := range ss {
		out = append(out, byte(len(s)>>8), byte(len(s)))
		out = append(out, s...)
	}
	return out
}

func decodeStrings(b []byte) []string {
	var out []string
	for len(b) >= 2 {
		n := int(b[0])<<8 | int(b[1])
		b = b[2:]
		if n > len(b) {
			break
		}
		out = append(out, string(b[:n]))
		b = b[n:]
	}
	return out
}
