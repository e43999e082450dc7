// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package caching implements the cross-request caches (§4.L): bounded
// LRU/LFU caches in front of the short-id interner (§4.B), the state
// snapshot compressor (§4.C), and the state accessor's hot paths (§4.E),
// plus the federation queue's in-memory PDU/EDU staging caches (§4.J).
// Every partition is a ristretto.Cache wrapped with a typed Get/Set/Unset
// API, so callers never touch `interface{}` directly.
package caching

import (
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/element-hq/eventgraph/roomserver/types"
	"github.com/element-hq/eventgraph/setup/config"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/fclient"
)

// DisableMetrics is passed to NewRistrettoCache to leave ristretto's
// internal per-partition counters off; no Prometheus collectors are
// registered either way.
const DisableMetrics = false

// EnableMetrics is the counterpart of DisableMetrics, for readability at
// call sites that do want metrics.
const EnableMetrics = true

// Caches bundles every named cache partition this tree uses. It is passed
// around by value; each field is itself a pointer, so copying a Caches is
// cheap and every copy still shares the same underlying ristretto caches.
type Caches struct {
	RoomVersions            *RistrettoCachePartition[string, gomatrixserverlib.RoomVersion]
	ServerKeys              *RistrettoCachePartition[string, gomatrixserverlib.PublicKeyLookupResult]
	RoomServerEvents        *RistrettoCachePartition[int64, *types.HeaderedEvent]
	RoomServerRoomIDs       *RistrettoCachePartition[types.RoomNID, string]
	RoomServerRoomNIDs      *RistrettoCachePartition[string, types.RoomNID]
	RoomServerEventTypeNIDs *RistrettoCachePartition[string, types.EventTypeNID]
	RoomServerEventTypes    *RistrettoCachePartition[types.EventTypeNID, string]
	RoomServerStateKeyNIDs  *RistrettoCachePartition[string, types.EventStateKeyNID]
	RoomServerStateKeys     *RistrettoCachePartition[types.EventStateKeyNID, string]
	FederationPDUs          *RistrettoCachePartition[int64, *types.HeaderedEvent]
	FederationEDUs          *RistrettoCachePartition[int64, *gomatrixserverlib.EDU]
	RoomHierarchies         *RistrettoCachePartition[string, fclient.RoomHierarchyResponse]
	RoomHierarchyFailures   *RistrettoCachePartition[string, struct{}]
}

// ristrettoConfig returns the ristretto.Config shared by every partition.
// NumCounters is sized off maxCost per ristretto's own sizing advice
// (roughly 10x the number of items the cache is expected to hold; we
// approximate that from the byte budget since item sizes vary widely
// across partitions).
func ristrettoConfig(maxCost int64, metrics bool) *ristretto.Config {
	counters := maxCost / 8
	if counters < 1000 {
		counters = 1000
	}
	return &ristretto.Config{
		NumCounters: counters,
		MaxCost:     maxCost,
		BufferItems: 64,
		Metrics:     metrics,
	}
}

func newPartition[K comparable, V any](name string, maxCost int64, maxAge time.Duration, metrics bool) *RistrettoCachePartition[K, V] {
	c, err := ristretto.NewCache(ristrettoConfig(maxCost, metrics))
	if err != nil {
		// Only invalid static config (e.g. zero NumCounters) fails here,
		// and maxCost is normalized by the caller; this is a programming
		// error, not a runtime condition to recover from.
		panic("caching: " + name + ": " + err.Error())
	}
	return &RistrettoCachePartition[K, V]{name: name, cache: c, maxAge: maxAge}
}

// NewRistrettoCache builds a Caches bundle where every partition is capped
// at maxCost cost units and entries expire maxAge after being set. Every
// entry is charged a cost of 1, so the cap counts entries, not bytes.
// enableMetrics sets ristretto's Config.Metrics, which CostAdded reads; with
// DisableMetrics, CostAdded reports 0.
func NewRistrettoCache(maxCost config.DataUnit, maxAge time.Duration, enableMetrics bool) *Caches {
	cost := int64(maxCost)
	if cost <= 0 {
		cost = 64 << 20
	}
	return &Caches{
		RoomVersions:            newPartition[string, gomatrixserverlib.RoomVersion]("room_versions", cost, maxAge, enableMetrics),
		ServerKeys:              newPartition[string, gomatrixserverlib.PublicKeyLookupResult]("server_keys", cost, maxAge, enableMetrics),
		RoomServerEvents:        newPartition[int64, *types.HeaderedEvent]("roomserver_events", cost, maxAge, enableMetrics),
		RoomServerRoomIDs:       newPartition[types.RoomNID, string]("roomserver_room_ids", cost, maxAge, enableMetrics),
		RoomServerRoomNIDs:      newPartition[string, types.RoomNID]("roomserver_room_nids", cost, maxAge, enableMetrics),
		RoomServerEventTypeNIDs: newPartition[string, types.EventTypeNID]("roomserver_event_type_nids", cost, maxAge, enableMetrics),
		RoomServerEventTypes:    newPartition[types.EventTypeNID, string]("roomserver_event_types", cost, maxAge, enableMetrics),
		RoomServerStateKeyNIDs:  newPartition[string, types.EventStateKeyNID]("roomserver_state_key_nids", cost, maxAge, enableMetrics),
		RoomServerStateKeys:     newPartition[types.EventStateKeyNID, string]("roomserver_state_keys", cost, maxAge, enableMetrics),
		FederationPDUs:          newPartition[int64, *types.HeaderedEvent]("federation_pdus", cost, maxAge, enableMetrics),
		FederationEDUs:          newPartition[int64, *gomatrixserverlib.EDU]("federation_edus", cost, maxAge, enableMetrics),
		RoomHierarchies:         newPartition[string, fclient.RoomHierarchyResponse]("room_hierarchies", cost, maxAge, enableMetrics),
		RoomHierarchyFailures:   newPartition[string, struct{}]("room_hierarchy_failures", cost, maxAge, enableMetrics),
	}
}

// Usage is one partition's entry in the admin `memory-usage` report.
type Usage struct {
	Name    string
	Entries int
	Cost    uint64
}

// ClearAll drops every entry in every partition, for the admin
// `clear-service-caches` command.
func (c Caches) ClearAll() {
	c.RoomVersions.Clear()
	c.ServerKeys.Clear()
	c.RoomServerEvents.Clear()
	c.RoomServerRoomIDs.Clear()
	c.RoomServerRoomNIDs.Clear()
	c.RoomServerEventTypeNIDs.Clear()
	c.RoomServerEventTypes.Clear()
	c.RoomServerStateKeyNIDs.Clear()
	c.RoomServerStateKeys.Clear()
	c.FederationPDUs.Clear()
	c.FederationEDUs.Clear()
	c.RoomHierarchies.Clear()
	c.RoomHierarchyFailures.Clear()
}

// Report summarizes every partition's size, for the admin `memory-usage`
// command.
func (c Caches) Report() []Usage {
	return []Usage{
		{"room_versions", c.RoomVersions.Len(), c.RoomVersions.CostAdded()},
		{"server_keys", c.ServerKeys.Len(), c.ServerKeys.CostAdded()},
		{"roomserver_events", c.RoomServerEvents.Len(), c.RoomServerEvents.CostAdded()},
		{"roomserver_room_ids", c.RoomServerRoomIDs.Len(), c.RoomServerRoomIDs.CostAdded()},
		{"roomserver_room_nids", c.RoomServerRoomNIDs.Len(), c.RoomServerRoomNIDs.CostAdded()},
		{"roomserver_event_type_nids", c.RoomServerEventTypeNIDs.Len(), c.RoomServerEventTypeNIDs.CostAdded()},
		{"roomserver_event_types", c.RoomServerEventTypes.Len(), c.RoomServerEventTypes.CostAdded()},
		{"roomserver_state_key_nids", c.RoomServerStateKeyNIDs.Len(), c.RoomServerStateKeyNIDs.CostAdded()},
		{"roomserver_state_keys", c.RoomServerStateKeys.Len(), c.RoomServerStateKeys.CostAdded()},
		{"federation_pdus", c.FederationPDUs.Len(), c.FederationPDUs.CostAdded()},
		{"federation_edus", c.FederationEDUs.Len(), c.FederationEDUs.CostAdded()},
		{"room_hierarchies", c.RoomHierarchies.Len(), c.RoomHierarchies.CostAdded()},
		{"room_hierarchy_failures", c.RoomHierarchyFailures.Len(), c.RoomHierarchyFailures.CostAdded()},
	}
}
