// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"github.com/matrix-org/gomatrixserverlib"

	"github.com/element-hq/eventgraph/roomserver/types"
)

// GetRoomVersion/StoreRoomVersion front the room version lookup that the
// short-id interner (§4.B) and state resolution (§4.F) both need on nearly
// every call; room versions never change once a room is created; so there
// is no corresponding Evict.
func (c Caches) GetRoomVersion(roomID string) (gomatrixserverlib.RoomVersion, bool) {
	return c.RoomVersions.Get(roomID)
}

func (c Caches) StoreRoomVersion(roomID string, version gomatrixserverlib.RoomVersion) {
	c.RoomVersions.Set(roomID, version)
}

// GetServerKey/StoreServerKey front remote signing key lookups (§4.H
// signature verification); entries expire on the partition's maxAge rather
// than the key's own validity window, since the TTL cache in
// internal/keyfetch is the source of truth for that.
func (c Caches) GetServerKey(serverName string) (gomatrixserverlib.PublicKeyLookupResult, bool) {
	return c.ServerKeys.Get(serverName)
}

func (c Caches) StoreServerKey(serverName string, key gomatrixserverlib.PublicKeyLookupResult) {
	c.ServerKeys.Set(serverName, key)
}

// GetRoomServerEvent/StoreRoomServerEvent front the timeline's (§4.D)
// event-by-NID lookup, the hottest path in state resolution and the
// federation response builders.
func (c Caches) GetRoomServerEvent(eventNID types.EventNID) (*types.HeaderedEvent, bool) {
	return c.RoomServerEvents.Get(int64(eventNID))
}

func (c Caches) StoreRoomServerEvent(eventNID types.EventNID, event *types.HeaderedEvent) {
	c.RoomServerEvents.Set(int64(eventNID), event)
}

// GetRoomServerRoomID/StoreRoomServerRoomID and their NID-keyed counterpart
// front the room-id <-> RoomNID half of the short-id interner (§4.B).
func (c Caches) GetRoomServerRoomID(roomNID types.RoomNID) (string, bool) {
	return c.RoomServerRoomIDs.Get(roomNID)
}

func (c Caches) StoreRoomServerRoomID(roomNID types.RoomNID, roomID string) {
	c.RoomServerRoomIDs.Set(roomNID, roomID)
}

func (c Caches) GetRoomServerRoomNID(roomID string) (types.RoomNID, bool) {
	return c.RoomServerRoomNIDs.Get(roomID)
}

func (c Caches) StoreRoomServerRoomNID(roomID string, roomNID types.RoomNID) {
	c.RoomServerRoomNIDs.Set(roomID, roomNID)
}

// GetEventTypeKey/StoreEventTypeKey front the `type` string half of the
// short-id interner.
func (c Caches) GetEventTypeKey(eventType string) (types.EventTypeNID, bool) {
	return c.RoomServerEventTypeNIDs.Get(eventType)
}

func (c Caches) StoreEventTypeKey(eventType string, nid types.EventTypeNID) {
	c.RoomServerEventTypeNIDs.Set(eventType, nid)
	c.RoomServerEventTypes.Set(nid, eventType)
}

// GetEventStateKey/StoreEventStateKey front the `state_key` string half of
// the short-id interner.
func (c Caches) GetEventStateKey(stateKey string) (types.EventStateKeyNID, bool) {
	return c.RoomServerStateKeyNIDs.Get(stateKey)
}

func (c Caches) GetEventStateKeyNID(stateKey string) (types.EventStateKeyNID, bool) {
	return c.GetEventStateKey(stateKey)
}

func (c Caches) StoreEventStateKey(stateKey string, nid types.EventStateKeyNID) {
	c.RoomServerStateKeyNIDs.Set(stateKey, nid)
	c.RoomServerStateKeys.Set(nid, stateKey)
}

// EvictRoomServerRoom drops both directions of a room NID mapping from
// cache; called by purge alongside the shortid interner's own KV removal.
func (c Caches) EvictRoomServerRoom(roomNID types.RoomNID, roomID string) {
	c.RoomServerRoomIDs.Unset(roomNID)
	c.RoomServerRoomNIDs.Unset(roomID)
}

// EvictRoomServerEvent drops a cached event lookup; called by purge once
// the underlying PDU row is gone.
func (c Caches) EvictRoomServerEvent(eventNID types.EventNID) {
	c.RoomServerEvents.Unset(int64(eventNID))
}

// StoreFederationQueuedPDU/GetFederationQueuedPDU/EvictFederationQueuedPDU
// front the outbound queue's (§4.J) staged-PDU lookup, keyed by the
// queue_json row id, so a destination queue actor doesn't re-read the
// timeline for every retry of the same transaction.
func (c Caches) StoreFederationQueuedPDU(jsonNID int64, event *types.HeaderedEvent) {
	c.FederationPDUs.Set(jsonNID, event)
}

func (c Caches) GetFederationQueuedPDU(jsonNID int64) (*types.HeaderedEvent, bool) {
	return c.FederationPDUs.Get(jsonNID)
}

func (c Caches) EvictFederationQueuedPDU(jsonNID int64) {
	c.FederationPDUs.Unset(jsonNID)
}

func (c Caches) StoreFederationQueuedEDU(jsonNID int64, edu *gomatrixserverlib.EDU) {
	c.FederationEDUs.Set(jsonNID, edu)
}

func (c Caches) GetFederationQueuedEDU(jsonNID int64) (*gomatrixserverlib.EDU, bool) {
	return c.FederationEDUs.Get(jsonNID)
}

func (c Caches) EvictFederationQueuedEDU(jsonNID int64) {
	c.FederationEDUs.Unset(jsonNID)
}
