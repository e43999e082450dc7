// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package timeline implements the timeline store (component D): the
// append-only per-room PDU log, the forward-extremities set, and the
// outlier pool. Redaction is applied at read time by blanking fields in the
// returned JSON (via tidwall/gjson and tidwall/sjson); the stored PDU bytes
// are never rewritten.
package timeline

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/element-hq/eventgraph/internal/eventgraphutil"
	"github.com/element-hq/eventgraph/roomserver/types"
	"github.com/element-hq/eventgraph/storage/kv"
)

const (
	nsPduByID      = "tlpdu"  // (roomNID, pduCount) -> encoded storedPDU
	nsEventToPduID = "tlev"   // event_id -> (roomNID, pduCount)
	nsExtremities  = "tlfext" // roomNID -> json([]event_id)
	nsOutlier      = "tlout"  // event_id -> encoded storedPDU
	counterKeyFmt  = "counter:pduid:%d"
)

// storedPDU is the on-disk row: the raw canonical event JSON plus the room
// version it was verified under, matching types.HeaderedEvent's shape
// without depending on gomatrixserverlib's own (un)marshaling for storage.
type storedPDU struct {
	EventID     string `json:"event_id"`
	RoomVersion string `json:"room_version"`
	JSON        []byte `json:"json"`
	Redacted    bool   `json:"redacted,omitempty"`
}

// Store is the append-only PDU log for every room sharing one KV namespace.
type Store struct {
	kv kv.KeyValueStore
}

func Open(store kv.KeyValueStore) *Store {
	return &Store{kv: store}
}

func pduIDKey(roomNID types.RoomNID, count types.PduCount) []byte {
	return []byte(fmt.Sprintf("%s:%020d:%020d", nsPduByID, uint64(roomNID), uint64(count)))
}

func eventIndexKey(eventID string) []byte {
	return []byte(nsEventToPduID + ":" + eventID)
}

func outlierKey(eventID string) []byte {
	return []byte(nsOutlier + ":" + eventID)
}

func extremitiesKey(roomNID types.RoomNID) []byte {
	return []byte(fmt.Sprintf("%s:%020d", nsExtremities, uint64(roomNID)))
}

// Append allocates the next PduCount for roomNID, writes the PDU under its
// PduId, and writes the event_id -> PduId reverse index. Property 2
// (timeline monotonicity) follows directly from the counter being a single
// persisted, monotonically increasing value per room: two Appends to the
// same room can never observe the same or a decreasing count.
func (s *Store) Append(ctx context.Context, roomNID types.RoomNID, eventID, roomVersion string, eventJSON []byte) (types.PduId, error) {
	count, err := s.nextCount(ctx, roomNID)
	if err != nil {
		return types.PduId{}, err
	}
	id := types.PduId{RoomNID: roomNID, PduCount: count}

	row := storedPDU{EventID: eventID, RoomVersion: roomVersion, JSON: eventJSON}
	buf, err := json.Marshal(row)
	if err != nil {
		return types.PduId{}, eventgraphutil.Wrap(eventgraphutil.KindStorageCorrupt, err, "encode pdu row")
	}
	if err := s.kv.Put(ctx, pduIDKey(roomNID, count), buf); err != nil {
		return types.PduId{}, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "put pdu")
	}
	idxBuf := make([]byte, 16)
	binary.BigEndian.PutUint64(idxBuf[0:8], uint64(roomNID))
	binary.BigEndian.PutUint64(idxBuf[8:16], uint64(count))
	if err := s.kv.Put(ctx, eventIndexKey(eventID), idxBuf); err != nil {
		return types.PduId{}, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "put event index")
	}
	// An event being promoted from outlier to timeline no longer needs its
	// outlier marker.
	_ = s.kv.Delete(ctx, outlierKey(eventID))
	return id, nil
}

func (s *Store) nextCount(ctx context.Context, roomNID types.RoomNID) (types.PduCount, error) {
	key := []byte(fmt.Sprintf(counterKeyFmt, uint64(roomNID)))
	raw, found, err := s.kv.Get(ctx, key)
	if err != nil {
		return 0, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "load pdu counter")
	}
	var next uint64
	if found {
		next = binary.BigEndian.Uint64(raw)
	}
	next++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	if err := s.kv.Put(ctx, key, buf); err != nil {
		return 0, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "persist pdu counter")
	}
	return types.NewPduCountFromForward(next), nil
}

// StoreOutlier persists a PDU that has not been placed in the timeline
// (pulled only to satisfy an auth or backfill dependency). An outlier has
// no PduId.
func (s *Store) StoreOutlier(ctx context.Context, eventID, roomVersion string, eventJSON []byte) error {
	row := storedPDU{EventID: eventID, RoomVersion: roomVersion, JSON: eventJSON}
	buf, err := json.Marshal(row)
	if err != nil {
		return eventgraphutil.Wrap(eventgraphutil.KindStorageCorrupt, err, "encode outlier row")
	}
	if err := s.kv.Put(ctx, outlierKey(eventID), buf); err != nil {
		return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "put outlier")
	}
	return nil
}

// GetPDU returns the PDU for eventID, checking the timeline first and
// falling back to the outlier pool, with redaction applied.
func (s *Store) GetPDU(ctx context.Context, eventID string) (json.RawMessage, bool, error) {
	idxRaw, found, err := s.kv.Get(ctx, eventIndexKey(eventID))
	if err != nil {
		return nil, false, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "get event index")
	}
	if found {
		roomNID := types.RoomNID(binary.BigEndian.Uint64(idxRaw[0:8]))
		count := types.PduCount(binary.BigEndian.Uint64(idxRaw[8:16]))
		row, found, err := s.getRow(ctx, pduIDKey(roomNID, count))
		if err != nil || !found {
			return nil, found, err
		}
		return redact(row), true, nil
	}
	row, found, err := s.getRow(ctx, outlierKey(eventID))
	if err != nil || !found {
		return nil, found, err
	}
	return redact(row), true, nil
}

// GetPDUByID returns the PDU stored at id.
func (s *Store) GetPDUByID(ctx context.Context, id types.PduId) (json.RawMessage, bool, error) {
	row, found, err := s.getRow(ctx, pduIDKey(id.RoomNID, id.PduCount))
	if err != nil || !found {
		return nil, found, err
	}
	return redact(row), true, nil
}

func (s *Store) getRow(ctx context.Context, key []byte) (storedPDU, bool, error) {
	raw, found, err := s.kv.Get(ctx, key)
	if err != nil {
		return storedPDU{}, false, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "get pdu row")
	}
	if !found {
		return storedPDU{}, false, nil
	}
	var row storedPDU
	if err := json.Unmarshal(raw, &row); err != nil {
		return storedPDU{}, false, eventgraphutil.Wrap(eventgraphutil.KindStorageCorrupt, err, "decode pdu row")
	}
	return row, true, nil
}

// redactionKeepKeys are the top-level event fields a redaction must always
// preserve, per the Matrix redaction algorithm's event-level (as opposed to
// content-level) allow list.
var redactionKeepKeys = []string{
	"event_id", "type", "room_id", "sender", "state_key",
	"content", "hashes", "signatures", "depth", "prev_events",
	"auth_events", "origin_server_ts",
}

// contentKeepKeysByType narrows `content` to the fields specific Matrix
// event types are allowed to retain after redaction; anything else in
// content is dropped.
var contentKeepKeysByType = map[string][]string{
	"m.room.member":          {"membership"},
	"m.room.create":          {"creator"},
	"m.room.join_rules":      {"join_rule"},
	"m.room.power_levels":    {"ban", "events", "events_default", "kick", "redact", "state_default", "users", "users_default"},
	"m.room.history_visibility": {"history_visibility"},
}

// redact returns row.JSON blanked per the Matrix redaction algorithm if
// row.Redacted is set, else row.JSON unchanged. The stored bytes are never
// modified; this runs fresh on every read.
func redact(row storedPDU) json.RawMessage {
	if !row.Redacted {
		return json.RawMessage(row.JSON)
	}
	parsed := gjson.ParseBytes(row.JSON)
	out := "{}"
	for _, key := range redactionKeepKeys {
		if v := parsed.Get(key); v.Exists() {
			var err error
			out, err = sjson.SetRaw(out, key, v.Raw)
			if err != nil {
				return json.RawMessage(row.JSON)
			}
		}
	}
	eventType := parsed.Get("type").String()
	keepContent := contentKeepKeysByType[eventType]
	content := "{}"
	for _, key := range keepContent {
		if v := parsed.Get("content." + key); v.Exists() {
			var err error
			content, err = sjson.SetRaw(content, key, v.Raw)
			if err != nil {
				return json.RawMessage(row.JSON)
			}
		}
	}
	out, err := sjson.SetRaw(out, "content", content)
	if err != nil {
		return json.RawMessage(row.JSON)
	}
	return json.RawMessage(out)
}

// MarkRedacted flags eventID so future reads apply redact(); it does not
// rewrite the stored JSON.
func (s *Store) MarkRedacted(ctx context.Context, eventID string) error {
	idxRaw, found, err := s.kv.Get(ctx, eventIndexKey(eventID))
	if err != nil {
		return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "get event index")
	}
	if !found {
		return eventgraphutil.New(eventgraphutil.KindNotFound, "cannot redact unknown event "+eventID)
	}
	roomNID := types.RoomNID(binary.BigEndian.Uint64(idxRaw[0:8]))
	count := types.PduCount(binary.BigEndian.Uint64(idxRaw[8:16]))
	key := pduIDKey(roomNID, count)
	row, found, err := s.getRow(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return eventgraphutil.New(eventgraphutil.KindNotFound, "cannot redact unknown pdu")
	}
	row.Redacted = true
	buf, err := json.Marshal(row)
	if err != nil {
		return eventgraphutil.Wrap(eventgraphutil.KindStorageCorrupt, err, "encode redacted row")
	}
	if err := s.kv.Put(ctx, key, buf); err != nil {
		return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "put redacted row")
	}
	return nil
}

// PdusUntil returns up to limit PDUs in room roomNID ordered descending,
// strictly before beforeCount (lazy in spirit; here a bounded slice since
// the KV contract's ScanPrefix already materializes a page).
func (s *Store) PdusUntil(ctx context.Context, roomNID types.RoomNID, beforeCount types.PduCount, limit int) ([]json.RawMessage, error) {
	start := pduIDKey(roomNID, beforeCount-1)
	pairs, err := s.kv.IterFrom(ctx, start, true, limit)
	if err != nil {
		return nil, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "pdus until")
	}
	prefix := fmt.Sprintf("%s:%020d:", nsPduByID, uint64(roomNID))
	for i, p := range pairs {
		if len(p.Key) < len(prefix) || string(p.Key[:len(prefix)]) != prefix {
			pairs = pairs[:i]
			break
		}
	}
	return decodeRows(pairs)
}

// PdusAfter returns up to limit PDUs in room roomNID ordered ascending,
// strictly after fromCount.
func (s *Store) PdusAfter(ctx context.Context, roomNID types.RoomNID, fromCount types.PduCount, limit int) ([]json.RawMessage, error) {
	start := pduIDKey(roomNID, fromCount+1)
	pairs, err := s.kv.IterFrom(ctx, start, false, limit)
	if err != nil {
		return nil, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "pdus after")
	}
	prefix := fmt.Sprintf("%s:%020d:", nsPduByID, uint64(roomNID))
	for i, p := range pairs {
		if len(p.Key) < len(prefix) || string(p.Key[:len(prefix)]) != prefix {
			pairs = pairs[:i]
			break
		}
	}
	return decodeRows(pairs)
}

func decodeRows(pairs []kv.Pair) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(pairs))
	for _, p := range pairs {
		var row storedPDU
		if err := json.Unmarshal(p.Value, &row); err != nil {
			return nil, eventgraphutil.Wrap(eventgraphutil.KindStorageCorrupt, err, "decode pdu row")
		}
		out = append(out, redact(row))
	}
	return out, nil
}

// ForwardExtremities returns the current forward-extremities set for
// roomNID.
func (s *Store) ForwardExtremities(ctx context.Context, roomNID types.RoomNID) ([]string, error) {
	raw, found, err := s.kv.Get(ctx, extremitiesKey(roomNID))
	if err != nil {
		return nil, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "get extremities")
	}
	if !found {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, eventgraphutil.Wrap(eventgraphutil.KindStorageCorrupt, err, "decode extremities")
	}
	return ids, nil
}

// SetForwardExtremities replaces roomNID's extremities set wholesale. The
// ingestion pipeline (§4.H) calls this as (old ∪ {e}) \ e.prev_events,
// already computed by the caller under the room-state token (§4.K);
// property 3 is therefore the caller's responsibility to establish, and
// this method's only job is to persist the result atomically.
func (s *Store) SetForwardExtremities(ctx context.Context, roomNID types.RoomNID, extremities []string) error {
	buf, err := json.Marshal(extremities)
	if err != nil {
		return eventgraphutil.Wrap(eventgraphutil.KindStorageCorrupt, err, "encode extremities")
	}
	if err := s.kv.Put(ctx, extremitiesKey(roomNID), buf); err != nil {
		return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "put extremities")
	}
	return nil
}

// DeleteRoom removes every PDU, the event_id index, the pdu counter, and
// the forward-extremities set for roomNID, part of the purge cascade
// (property 11), and returns the event ids it removed so the caller can
// cascade into the short-id interner and the state snapshot index.
// Outliers are keyed only by event_id, not by room, and a purge has no
// reliable way to enumerate which outliers belonged solely to roomNID
// without a second index this store does not keep — see DESIGN.md.
func (s *Store) DeleteRoom(ctx context.Context, roomNID types.RoomNID) ([]string, error) {
	prefix := []byte(fmt.Sprintf("%s:%020d:", nsPduByID, uint64(roomNID)))
	pairs, err := s.kv.ScanPrefix(ctx, prefix)
	if err != nil {
		return nil, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "scan room pdus for purge")
	}
	eventIDs := make([]string, 0, len(pairs))
	for _, p := range pairs {
		var row storedPDU
		if err := json.Unmarshal(p.Value, &row); err != nil {
			return nil, eventgraphutil.Wrap(eventgraphutil.KindStorageCorrupt, err, "decode pdu row for purge")
		}
		if err := s.kv.Delete(ctx, eventIndexKey(row.EventID)); err != nil {
			return nil, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "delete event index")
		}
		if err := s.kv.Delete(ctx, p.Key); err != nil {
			return nil, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "delete pdu row")
		}
		eventIDs = append(eventIDs, row.EventID)
	}
	if err := s.kv.Delete(ctx, []byte(fmt.Sprintf(counterKeyFmt, uint64(roomNID)))); err != nil {
		return nil, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "delete pdu counter")
	}
	if err := s.kv.Delete(ctx, extremitiesKey(roomNID)); err != nil {
		return nil, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "delete extremities")
	}
	return eventIDs, nil
}

// ComputeExtremities applies the extremity invariant: (old ∪ {e}) \
// e.prevEvents. Exported so callers (and tests) share one implementation of
// property 3 instead of each recomputing the set difference themselves.
func ComputeExtremities(old []string, newEvent string, prevEvents []string) []string {
	prevSet := make(map[string]struct{}, len(prevEvents))
	for _, p := range prevEvents {
		prevSet[p] = struct{}{}
	}
	seen := make(map[string]struct{}, len(old)+1)
	out := make([]string, 0, len(old)+1)
	add := func(id string) {
		if _, isPrev := prevSet[id]; isPrev {
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range old {
		add(id)
	}
	add(newEvent)
	return out
}
