// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package roomlock implements the room-state mutex registry (component K):
// one serialization token per room id. Rather than a bare sync.Mutex map,
// each room gets its own Arceliar/phony.Inbox — the same cooperative
// single-task-per-actor model Dendrite already depends on for Pinecone's
// overlay router, repurposed here so that acquiring a room's token means
// enqueuing a closure on that room's inbox and blocking until it runs,
// instead of spinning on a lock.
package roomlock

import (
	"sync"

	"github.com/Arceliar/phony"
)

// roomActor is a phony.Inbox with nothing else attached; phony.Actor is
// satisfied by embedding phony.Inbox directly.
type roomActor struct {
	phony.Inbox
}

// Registry hands out one roomActor per room id, serializing every state
// mutation submitted for that room while leaving distinct rooms fully
// parallel, per §5.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*roomActor
}

func New() *Registry {
	return &Registry{rooms: map[string]*roomActor{}}
}

func (r *Registry) actorFor(roomID string) *roomActor {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.rooms[roomID]
	if !ok {
		a = &roomActor{}
		r.rooms[roomID] = a
	}
	return a
}

// Do runs fn serialized against every other Do call for the same roomID,
// blocking the caller until fn has completed. Calls for distinct room ids
// never block one another.
func (r *Registry) Do(roomID string, fn func()) {
	actor := r.actorFor(roomID)
	phony.Block(actor, fn)
}

// DoErr is Do for callers whose critical section can fail: fn's error is
// captured and returned to the caller of DoErr once fn has run.
func (r *Registry) DoErr(roomID string, fn func() error) error {
	var err error
	r.Do(roomID, func() { err = fn() })
	return err
}

// Purge drops roomID's actor entirely. Safe to call only once no further
// Do calls for roomID are in flight (Purger.PurgeRoom running the room
// purge inside a DoErr call against roomID satisfies this).
func (r *Registry) Purge(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms, roomID)
}
