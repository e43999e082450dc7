// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package state implements the state accessor (component E): given a
// shortstatehash, answer (type, state_key) -> event id and room-visibility
// queries, built directly on the short-id interner and state compressor.
package state

import (
	"context"
	"encoding/json"

	"github.com/element-hq/eventgraph/internal/eventgraphutil"
	"github.com/element-hq/eventgraph/roomserver/storage/shortid"
	"github.com/element-hq/eventgraph/roomserver/storage/statesnapshot"
	"github.com/element-hq/eventgraph/roomserver/storage/timeline"
	"github.com/element-hq/eventgraph/roomserver/types"
)

// Accessor answers state queries against the interner, compressor, and
// timeline. It holds no mutable state of its own beyond what those three
// already own.
type Accessor struct {
	Interner    *shortid.Interner
	Compressor  *statesnapshot.Compressor
	Timeline    *timeline.Store
	eventSnapNID func(ctx context.Context, eventNID types.EventNID) (types.StateSnapshotNID, bool, error)
}

// NewAccessor constructs an Accessor. eventSnapshotOf resolves the
// "state-before" shortstatehash of an already-persisted event (§4.E:
// pdu_shortstatehash), typically backed by a small KV index owned by the
// ingestion pipeline.
func NewAccessor(in *shortid.Interner, comp *statesnapshot.Compressor, tl *timeline.Store, eventSnapshotOf func(ctx context.Context, eventNID types.EventNID) (types.StateSnapshotNID, bool, error)) *Accessor {
	return &Accessor{Interner: in, Compressor: comp, Timeline: tl, eventSnapNID: eventSnapshotOf}
}

// RoomStateGet loads the snapshot snapshotNID given by the caller, resolves
// (eventType, stateKey) in it, and returns the referenced PDU's raw JSON if
// present.
func (a *Accessor) RoomStateGet(ctx context.Context, snapshotNID types.StateSnapshotNID, eventType, stateKey string) (json.RawMessage, bool, error) {
	typeNID, err := a.Interner.EventTypeNID(ctx, eventType)
	if err != nil {
		return nil, false, err
	}
	keyNID, err := a.Interner.EventStateKeyNID(ctx, stateKey)
	if err != nil {
		return nil, false, err
	}
	full, err := a.Compressor.LoadSnapshot(ctx, snapshotNID)
	if err != nil {
		return nil, false, err
	}
	eventNID, ok := full[types.StateKeyTuple{EventTypeNID: typeNID, EventStateKeyNID: keyNID}]
	if !ok {
		return nil, false, nil
	}
	eventID, err := a.Interner.EventIDFromNID(ctx, eventNID)
	if err != nil {
		return nil, false, err
	}
	raw, found, err := a.Timeline.GetPDU(ctx, eventID)
	return raw, found, err
}

// StateFullIDs returns the complete (shortstatekey -> event id) mapping of
// snapshotNID, keyed by the interned StateKeyTuple; the type and state_key
// strings are not looked up.
func (a *Accessor) StateFullIDs(ctx context.Context, snapshotNID types.StateSnapshotNID) (map[types.StateKeyTuple]string, error) {
	full, err := a.Compressor.LoadSnapshot(ctx, snapshotNID)
	if err != nil {
		return nil, err
	}
	out := make(map[types.StateKeyTuple]string, len(full))
	for tuple, eventNID := range full {
		eventID, err := a.Interner.EventIDFromNID(ctx, eventNID)
		if err != nil {
			return nil, err
		}
		out[tuple] = eventID
	}
	return out, nil
}

// PduShortStateHash returns the StateSnapshotNID representing the room
// state immediately before eventNID.
func (a *Accessor) PduShortStateHash(ctx context.Context, eventNID types.EventNID) (types.StateSnapshotNID, error) {
	nid, found, err := a.eventSnapNID(ctx, eventNID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, eventgraphutil.New(eventgraphutil.KindNotFound, "no state snapshot recorded for event")
	}
	return nid, nil
}

// historyVisibility is the subset of `m.room.history_visibility` values the
// accessor needs to decide visibility; unknown/missing values default to
// "shared" per the Matrix spec's fallback rule.
type historyVisibility string

const (
	visibilityWorldReadable historyVisibility = "world_readable"
	visibilityShared        historyVisibility = "shared"
	visibilityInvited       historyVisibility = "invited"
	visibilityJoined        historyVisibility = "joined"
)

// UserCanSeeEvent evaluates history-visibility rules for userID against the
// state snapshot current immediately before eventNID (its
// pdu_shortstatehash), per §4.E.
func (a *Accessor) UserCanSeeEvent(ctx context.Context, userID string, eventNID types.EventNID) (bool, error) {
	snapNID, err := a.PduShortStateHash(ctx, eventNID)
	if err != nil {
		return false, err
	}
	visRaw, found, err := a.RoomStateGet(ctx, snapNID, "m.room.history_visibility", "")
	if err != nil {
		return false, err
	}
	vis := visibilityShared
	if found {
		if v := parseHistoryVisibility(visRaw); v != "" {
			vis = v
		}
	}

	memberRaw, found, err := a.RoomStateGet(ctx, snapNID, "m.room.member", userID)
	if err != nil {
		return false, err
	}
	membership := "leave"
	if found {
		membership = parseMembership(memberRaw)
	}

	switch vis {
	case visibilityWorldReadable:
		return true, nil
	case visibilityInvited:
		return membership == "join" || membership == "invite", nil
	case visibilityJoined:
		return membership == "join", nil
	default: // shared
		return membership == "join" || membership == "invite" || membership == "leave" || membership == "ban", nil
	}
}

func parseHistoryVisibility(raw json.RawMessage) historyVisibility {
	var body struct {
		Content struct {
			HistoryVisibility string `json:"history_visibility"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	return historyVisibility(body.Content.HistoryVisibility)
}

func parseMembership(raw json.RawMessage) string {
	var body struct {
		Content struct {
			Membership string `json:"membership"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return "leave"
	}
	return body.Content.Membership
}
