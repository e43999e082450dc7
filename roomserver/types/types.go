// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package types holds the short-integer identifiers and small value types
// that the event graph core threads between its storage, state, and
// ingestion packages instead of passing long Matrix identifiers around.
package types

import (
	"sort"

	"github.com/matrix-org/gomatrixserverlib"
)

// EventNID is the "shorteventid": a monotonically allocated 64-bit
// identifier standing in for an event_id once it has been interned.
type EventNID uint64

// EventTypeNID is the short id for a PDU's `type` string.
type EventTypeNID uint64

// EventStateKeyNID is the short id for a PDU's `state_key` string.
type EventStateKeyNID uint64

// RoomNID is the "shortroomid": a short id standing in for a room_id.
type RoomNID uint64

// StateSnapshotNID ("shortstatehash") names an immutable, possibly
// delta-encoded, state snapshot.
type StateSnapshotNID uint64

// StateBlockNID identifies one delta layer in a snapshot's parent chain.
type StateBlockNID uint64

// Well-known event type NIDs. Allocated first and so fixed, mirroring the
// convention that m.room.create is always the first interned type in a
// fresh database.
const (
	MRoomCreateNID EventTypeNID = iota + 1
	MRoomPowerLevelsNID
	MRoomJoinRulesNID
	MRoomMemberNID
	MRoomThirdPartyInviteNID
	MRoomHistoryVisibilityNID
	MRoomCanonicalAliasNID
)

// EmptyStateKeyNID is the short id reserved for the empty state_key ("").
const EmptyStateKeyNID EventStateKeyNID = 1

// PduCount is the locally assigned, monotonically increasing position of a
// timeline event. Backfilled (out-of-order, pulled from federation
// back-pagination) events are assigned counts in a distinct negative
// namespace so they never collide with, or reorder relative to, events
// appended at the front of the timeline.
type PduCount int64

const backfilledThreshold PduCount = 1 << 61

// NewPduCountFromForward builds a forward (locally ordered) PduCount.
func NewPduCountFromForward(v uint64) PduCount { return PduCount(v) }

// NewPduCountFromBackfill builds a PduCount in the reserved backfilled
// namespace so it always sorts before any forward count.
func NewPduCountFromBackfill(v uint64) PduCount { return -PduCount(v) - backfilledThreshold }

// IsBackfilled reports whether this count was assigned by back-pagination
// rather than local forward progress.
func (c PduCount) IsBackfilled() bool { return c < 0 }

// PduId is the primary key of the timeline log: a room-scoped, ordered pair.
type PduId struct {
	RoomNID  RoomNID
	PduCount PduCount
}

// StateKeyTuple is the (type, state_key) pair a state snapshot entry maps
// from, interned to short ids.
type StateKeyTuple struct {
	EventTypeNID     EventTypeNID
	EventStateKeyNID EventStateKeyNID
}

// LessThan gives StateKeyTuple a total order so slices of them can be
// sorted and binary-searched.
func (a StateKeyTuple) LessThan(b StateKeyTuple) bool {
	if a.EventTypeNID != b.EventTypeNID {
		return a.EventTypeNID < b.EventTypeNID
	}
	return a.EventStateKeyNID < b.EventStateKeyNID
}

// StateEntry is one (state key, event) pair inside a resolved state set.
type StateEntry struct {
	StateKeyTuple
	EventNID EventNID
}

// LessThan orders StateEntry first by its state key tuple, then by event.
func (a StateEntry) LessThan(b StateEntry) bool {
	if a.StateKeyTuple != b.StateKeyTuple {
		return a.StateKeyTuple.LessThan(b.StateKeyTuple)
	}
	return a.EventNID < b.EventNID
}

// HeaderedEvent pairs a verified PDU with the room version its bytes were
// parsed under, since auth and hashing rules are room-version-dependent and
// gomatrixserverlib.PDU alone does not retain that context after decoding.
type HeaderedEvent struct {
	gomatrixserverlib.PDU
	RoomVersion gomatrixserverlib.RoomVersion
}

// RoomInfo is the cached, denormalized summary of a room's identity used to
// avoid a join back to the rooms table on every hot-path lookup.
type RoomInfo struct {
	RoomNID          RoomNID
	RoomVersion      gomatrixserverlib.RoomVersion
	StateSnapshotNID StateSnapshotNID
	IsStub           bool
}

// isStub reports whether we have a room_id <-> RoomNID mapping but no
// events have been persisted for it yet (e.g. referenced only as an
// auth-event target).
func (r *RoomInfo) isStub() bool { return r == nil || r.StateSnapshotNID == 0 }

// DeduplicateStateEntries sorts and removes exact duplicates, keeping the
// relative order of distinct entries stable-ish (sort is not required to be
// stable here since entries compare equal only when fully identical).
func DeduplicateStateEntries(entries []StateEntry) []StateEntry {
	if len(entries) == 0 {
		return entries
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].LessThan(entries[j]) })
	out := entries[:1]
	for _, e := range entries[1:] {
		if out[len(out)-1] != e {
			out = append(out, e)
		}
	}
	return out
}

// UniqueStateSnapshotNIDs sorts and deduplicates a slice of snapshot NIDs.
func UniqueStateSnapshotNIDs(nids []StateSnapshotNID) []StateSnapshotNID {
	if len(nids) == 0 {
		return nids
	}
	sort.Slice(nids, func(i, j int) bool { return nids[i] < nids[j] })
	out := nids[:1]
	for _, n := range nids[1:] {
		if out[len(out)-1] != n {
			out = append(out, n)
		}
	}
	return out
}

// Kind distinguishes how a PDU arrived for ingestion purposes.
type Kind int

const (
	// KindNew is a locally created or freshly federated timeline event.
	KindNew Kind = iota + 1
	// KindOutlier is a PDU stored only to satisfy an auth or backfill
	// dependency; it is never given a PduId.
	KindOutlier
	// KindBackfill is a PDU inserted out of order via back-pagination.
	KindBackfill
)
