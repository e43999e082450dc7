// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package api is the narrow call surface an HTTP layer (out of scope for
// this module) uses to reach the ingestion pipeline, mirroring how
// `roomserver/api` is consumed by the rest of a Dendrite-shaped tree.
package api

import (
	"context"

	roomserverinternal "github.com/element-hq/eventgraph/roomserver/internal"
	"github.com/element-hq/eventgraph/roomserver/internal/input"
	"github.com/element-hq/eventgraph/roomserver/storage/directory"
	"github.com/element-hq/eventgraph/roomserver/storage/relations"
	"github.com/element-hq/eventgraph/roomserver/storage/search"
	"github.com/element-hq/eventgraph/roomserver/types"
)

// FederationRoomserverAPI is implemented by the roomserver for consumption
// by the federation side: handing off inbound federation PDUs and invites
// to the ingestion pipeline.
type FederationRoomserverAPI interface {
	// InputRoomEvents hands a received PDU to the ingestion pipeline
	// (component H) for full authorization, state resolution, and
	// persistence.
	InputRoomEvents(ctx context.Context, originServerName string, pduJSON []byte, roomVersion string, kind types.Kind) (*input.Result, error)

	// HandleInvite stores a stripped-state invite event signed by the
	// inviting server. Invites are never full timeline joins, so the event
	// is recorded as an outlier: enough to display and auth-check the
	// invite without requiring the rest of the room's history.
	HandleInvite(ctx context.Context, event *types.HeaderedEvent) error
}

// RoomserverQueryAPI is the read/admin half of the narrow call surface: the
// search and relations index (component I), the alias/public-room
// directory, and the purge cascade, none of which the ingestion pipeline
// itself needs to reach.
type RoomserverQueryAPI interface {
	// SearchRoom returns matching PduCounts newest-first for term in room.
	SearchRoom(ctx context.Context, roomID, term string, limit int) ([]types.PduCount, error)
	// PaginateRelations walks children of targetEventID in room, optionally
	// filtered by relType/childType, strictly older than from.
	PaginateRelations(ctx context.Context, roomID, targetEventID, relType, childType string, from *types.PduCount, limit int) (relations.Page, error)
	// ResolveAlias looks up the room_id a published alias currently points
	// at.
	ResolveAlias(ctx context.Context, alias string) (string, bool, error)
	// SetAlias publishes alias -> roomID, failing with KindConflict if
	// already claimed by a different room (scenario S2).
	SetAlias(ctx context.Context, alias, roomID string) error
	// PurgeRoom removes every index entry for roomID (property 11).
	PurgeRoom(ctx context.Context, roomID string) error
}

// RoomserverInternalAPI is the concrete FederationRoomserverAPI and
// RoomserverQueryAPI backed by the in-process ingestion pipeline; there is
// no RPC boundary here, unlike Dendrite's HTTP-backed implementation,
// since this module is consumed in-process by its caller.
type RoomserverInternalAPI struct {
	Inputer   *input.Inputer
	Search    *search.Index
	Relations *relations.Index
	Directory *directory.Index
	Purger    *roomserverinternal.Purger
}

// NewRoomserverInternalAPI wraps an already-constructed Inputer and its
// companion indexes for external callers.
func NewRoomserverInternalAPI(inputer *input.Inputer, searchIdx *search.Index, relIdx *relations.Index, dir *directory.Index, purger *roomserverinternal.Purger) *RoomserverInternalAPI {
	return &RoomserverInternalAPI{Inputer: inputer, Search: searchIdx, Relations: relIdx, Directory: dir, Purger: purger}
}

func (r *RoomserverInternalAPI) InputRoomEvents(ctx context.Context, originServerName string, pduJSON []byte, roomVersion string, kind types.Kind) (*input.Result, error) {
	return r.Inputer.ProcessRoomEvent(ctx, originServerName, pduJSON, roomVersion, kind)
}

func (r *RoomserverInternalAPI) HandleInvite(ctx context.Context, event *types.HeaderedEvent) error {
	_, err := r.Inputer.ProcessRoomEvent(ctx, "", event.JSON(), string(event.RoomVersion), types.KindOutlier)
	return err
}

func (r *RoomserverInternalAPI) SearchRoom(ctx context.Context, roomID, term string, limit int) ([]types.PduCount, error) {
	roomNID, err := r.Inputer.Interner.RoomNID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return r.Search.Search(ctx, roomNID, term, limit)
}

func (r *RoomserverInternalAPI) PaginateRelations(ctx context.Context, roomID, targetEventID, relType, childType string, from *types.PduCount, limit int) (relations.Page, error) {
	roomNID, err := r.Inputer.Interner.RoomNID(ctx, roomID)
	if err != nil {
		return relations.Page{}, err
	}
	return r.Relations.PaginateRelationsWithFilter(ctx, roomNID, targetEventID, relType, childType, from, limit)
}

func (r *RoomserverInternalAPI) ResolveAlias(ctx context.Context, alias string) (string, bool, error) {
	return r.Directory.RoomIDForAlias(ctx, alias)
}

func (r *RoomserverInternalAPI) SetAlias(ctx context.Context, alias, roomID string) error {
	return r.Directory.SetRoomAlias(ctx, alias, roomID)
}

func (r *RoomserverInternalAPI) PurgeRoom(ctx context.Context, roomID string) error {
	return r.Purger.PurgeRoom(ctx, roomID)
}

var _ FederationRoomserverAPI = (*RoomserverInternalAPI)(nil)
var _ RoomserverQueryAPI = (*RoomserverInternalAPI)(nil)
