// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"fmt"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/stretchr/testify/assert"

	"github.com/element-hq/eventgraph/roomserver/types"
	"github.com/element-hq/eventgraph/setup/config"
)

func createTestCache(maxCost int64, maxAge time.Duration) *Caches {
	return NewRistrettoCache(config.DataUnit(maxCost), maxAge, DisableMetrics)
}

func createDefaultTestCache() *Caches {
	return createTestCache(1<<20, time.Hour)
}

func waitForCacheProcessing() {
	time.Sleep(10 * time.Millisecond)
}

func testHeaderedEvent(t *testing.T, eventID string) *types.HeaderedEvent {
	t.Helper()
	event, err := gomatrixserverlib.MustGetRoomVersion(gomatrixserverlib.RoomVersionV10).NewEventFromTrustedJSON(
		[]byte(fmt.Sprintf(`{
			"type": "m.room.message",
			"room_id": "!test:server",
			"sender": "@user:server",
			"event_id": "%s",
			"origin_server_ts": 1000,
			"content": {"body": "test"}
		}`, eventID)),
		false,
	)
	if err != nil {
		t.Fatalf("failed to create test event: %v", err)
	}
	return &types.HeaderedEvent{PDU: event}
}

func TestRistrettoCachePartition_SetGet(t *testing.T) {
	t.Parallel()
	cache := createDefaultTestCache()

	cache.RoomVersions.Set("!room1:server", gomatrixserverlib.RoomVersionV10)
	waitForCacheProcessing()

	version, ok := cache.RoomVersions.Get("!room1:server")
	assert.True(t, ok)
	assert.Equal(t, gomatrixserverlib.RoomVersionV10, version)
}

func TestRistrettoCachePartition_GetMissing(t *testing.T) {
	t.Parallel()
	cache := createDefaultTestCache()

	_, ok := cache.RoomVersions.Get("!nonexistent:server")
	assert.False(t, ok)
}

func TestRistrettoCachePartition_Unset(t *testing.T) {
	t.Parallel()
	cache := createDefaultTestCache()

	cache.ServerKeys.Set("server1", gomatrixserverlib.PublicKeyLookupResult{})
	waitForCacheProcessing()

	_, ok := cache.ServerKeys.Get("server1")
	assert.True(t, ok)

	cache.ServerKeys.Unset("server1")
	waitForCacheProcessing()

	_, ok = cache.ServerKeys.Get("server1")
	assert.False(t, ok)
}

func TestCaches_RoomServerEvent_StoreAndRetrieve(t *testing.T) {
	t.Parallel()
	cache := createDefaultTestCache()
	event := testHeaderedEvent(t, "$event123")

	cache.StoreRoomServerEvent(types.EventNID(123), event)
	waitForCacheProcessing()

	retrieved, ok := cache.GetRoomServerEvent(types.EventNID(123))
	assert.True(t, ok)
	assert.Equal(t, "$event123", retrieved.EventID())
}

func TestCaches_RoomServerRoomID_StoreAndRetrieve(t *testing.T) {
	t.Parallel()
	cache := createDefaultTestCache()

	cache.StoreRoomServerRoomID(types.RoomNID(42), "!room:server")
	waitForCacheProcessing()

	roomID, ok := cache.GetRoomServerRoomID(types.RoomNID(42))
	assert.True(t, ok)
	assert.Equal(t, "!room:server", roomID)

	roomNID, ok := cache.GetRoomServerRoomNID("!room:server")
	assert.False(t, ok, "forward and reverse mappings are stored independently")
	_ = roomNID
}

func TestCaches_EventTypeKey_StoresBothDirections(t *testing.T) {
	t.Parallel()
	cache := createDefaultTestCache()

	cache.StoreEventTypeKey("m.room.message", types.EventTypeNID(7))
	waitForCacheProcessing()

	nid, ok := cache.GetEventTypeKey("m.room.message")
	assert.True(t, ok)
	assert.Equal(t, types.EventTypeNID(7), nid)

	typ, ok := cache.RoomServerEventTypes.Get(types.EventTypeNID(7))
	assert.True(t, ok)
	assert.Equal(t, "m.room.message", typ)
}

func TestCaches_EventStateKey_StoresBothDirections(t *testing.T) {
	t.Parallel()
	cache := createDefaultTestCache()

	cache.StoreEventStateKey("@alice:server", types.EventStateKeyNID(9))
	waitForCacheProcessing()

	nid, ok := cache.GetEventStateKeyNID("@alice:server")
	assert.True(t, ok)
	assert.Equal(t, types.EventStateKeyNID(9), nid)
}

func TestCaches_FederationQueuedPDU_StoreRetrieveEvict(t *testing.T) {
	t.Parallel()
	cache := createDefaultTestCache()
	event := testHeaderedEvent(t, "$fed_event123")

	cache.StoreFederationQueuedPDU(123, event)
	waitForCacheProcessing()

	retrieved, ok := cache.GetFederationQueuedPDU(123)
	assert.True(t, ok)
	assert.Equal(t, event.EventID(), retrieved.EventID())

	cache.EvictFederationQueuedPDU(123)
	waitForCacheProcessing()

	_, ok = cache.GetFederationQueuedPDU(123)
	assert.False(t, ok)
}

func TestCaches_FederationQueuedEDU_StoreRetrieveEvict(t *testing.T) {
	t.Parallel()
	cache := createDefaultTestCache()
	edu := &gomatrixserverlib.EDU{Type: "m.typing"}

	cache.StoreFederationQueuedEDU(456, edu)
	waitForCacheProcessing()

	retrieved, ok := cache.GetFederationQueuedEDU(456)
	assert.True(t, ok)
	assert.Equal(t, "m.typing", retrieved.Type)

	cache.EvictFederationQueuedEDU(456)
	waitForCacheProcessing()

	_, ok = cache.GetFederationQueuedEDU(456)
	assert.False(t, ok)
}

func TestCaches_RoomHierarchy_StoreAndFailure(t *testing.T) {
	t.Parallel()
	cache := createDefaultTestCache()

	assert.False(t, cache.GetRoomHierarchyFailure("!room:server"))
	cache.StoreRoomHierarchyFailure("!room:server")
	waitForCacheProcessing()
	assert.True(t, cache.GetRoomHierarchyFailure("!room:server"))
}

func TestRistrettoCachePartition_TTLExpiry(t *testing.T) {
	t.Parallel()
	cache := createTestCache(1<<20, 20*time.Millisecond)

	cache.RoomVersions.Set("!room1:server", gomatrixserverlib.RoomVersionV10)
	waitForCacheProcessing()
	_, ok := cache.RoomVersions.Get("!room1:server")
	assert.True(t, ok)

	time.Sleep(100 * time.Millisecond)
	_, ok = cache.RoomVersions.Get("!room1:server")
	assert.False(t, ok)
}
