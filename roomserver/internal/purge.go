// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package internal's Purger implements the purge cascade: an administrative
// operation (wired to cmd/eventgraph-admin's purge-room command) that
// removes every trace of a room from the event graph core. It runs under
// the room's own lock (component K) so no ingestion for that room can be
// in flight while the cascade removes the state it depends on, exactly as
// the ingestion pipeline's Resolved/Persisted steps already serialize
// against that same lock.
package internal

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/element-hq/eventgraph/roomserver/internal/roomlock"
	"github.com/element-hq/eventgraph/roomserver/state/authchain"
	"github.com/element-hq/eventgraph/roomserver/storage/directory"
	"github.com/element-hq/eventgraph/roomserver/storage/relations"
	"github.com/element-hq/eventgraph/roomserver/storage/roomstate"
	"github.com/element-hq/eventgraph/roomserver/storage/search"
	"github.com/element-hq/eventgraph/roomserver/storage/shortid"
	"github.com/element-hq/eventgraph/roomserver/storage/statesnapshot"
	"github.com/element-hq/eventgraph/roomserver/storage/timeline"
	"github.com/element-hq/eventgraph/roomserver/types"
)

// Purger wires together every index a purge must touch. Unlike Inputer it
// does not need State, Output, or the signature/backfill plumbing: purge
// never reads or resolves state, only deletes it.
type Purger struct {
	Interner     *shortid.Interner
	Compressor   *statesnapshot.Compressor
	Timeline     *timeline.Store
	RoomState    *roomstate.Index
	AuthChains   *authchain.Cache
	RoomLock     *roomlock.Registry
	Search       *search.Index
	Relations    *relations.Index
	Directory    *directory.Index
}

func NewPurger(in *shortid.Interner, comp *statesnapshot.Compressor, tl *timeline.Store, rs *roomstate.Index, ac *authchain.Cache, locks *roomlock.Registry, srch *search.Index, rel *relations.Index, dir *directory.Index) *Purger {
	return &Purger{
		Interner: in, Compressor: comp, Timeline: tl, RoomState: rs, AuthChains: ac,
		RoomLock: locks, Search: srch, Relations: rel, Directory: dir,
	}
}

// PurgeRoom removes every index entry for roomID: aliases, the public-room
// flag, forward extremities, state snapshot pointers, search tokens,
// relation edges, every PDU, and finally the room's own short id and lock
// actor (property 11). It is not safe to call concurrently with any other
// PurgeRoom for the same roomID, but is safe to call for distinct rooms in
// parallel, and is idempotent: purging an already-purged or never-seen
// room succeeds with no effect.
func (p *Purger) PurgeRoom(ctx context.Context, roomID string) error {
	return p.RoomLock.DoErr(roomID, func() error {
		return p.purgeLocked(ctx, roomID)
	})
}

func (p *Purger) purgeLocked(ctx context.Context, roomID string) error {
	roomNID, err := p.Interner.RoomNID(ctx, roomID)
	if err != nil {
		return err
	}

	if err := p.Directory.PurgeRoom(ctx, roomID); err != nil {
		return err
	}

	roomSnapshot, hasSnapshot, err := p.RoomState.RoomSnapshot(ctx, roomNID)
	if err != nil {
		return err
	}

	eventIDs, err := p.Timeline.DeleteRoom(ctx, roomNID)
	if err != nil {
		return err
	}

	eventNIDs := make([]types.EventNID, 0, len(eventIDs))
	for _, eventID := range eventIDs {
		nid, err := p.Interner.EventNID(ctx, eventID)
		if err != nil {
			return err
		}
		eventNIDs = append(eventNIDs, nid)
	}

	if err := p.RoomState.DeleteRoom(ctx, roomNID, eventNIDs); err != nil {
		return err
	}
	if hasSnapshot {
		p.Compressor.Invalidate(roomSnapshot)
	}

	if err := p.Search.DeleteRoom(ctx, roomNID); err != nil {
		return err
	}
	if err := p.Relations.DeleteRoom(ctx, roomNID); err != nil {
		return err
	}

	p.AuthChains.Invalidate(roomNID)

	for _, eventID := range eventIDs {
		if err := p.Interner.RemoveEventNID(ctx, eventID); err != nil {
			return err
		}
	}
	if err := p.Interner.RemoveRoomNID(ctx, roomID); err != nil {
		return err
	}

	logrus.WithField("room_id", roomID).WithField("events_removed", len(eventIDs)).Info("purged room")

	// Dropping the lock actor itself must be the very last step: it runs
	// inside the actor's own Do call, so the delete only takes effect once
	// this closure returns and phony.Block releases it.
	defer p.RoomLock.Purge(roomID)
	return nil
}
