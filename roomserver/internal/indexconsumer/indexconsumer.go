// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package indexconsumer subscribes to the ingestion pipeline's output
// stream (§4.M) and feeds persisted PDUs into the search and relations
// indexes (component I), decoupling indexing from the room-lock-held
// append the way Dendrite's own syncapi/consumers packages decouple
// sync notification from storage writes.
package indexconsumer

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/tidwall/gjson"

	"github.com/element-hq/eventgraph/roomserver/internal/output"
	"github.com/element-hq/eventgraph/roomserver/storage/relations"
	"github.com/element-hq/eventgraph/roomserver/storage/search"
	"github.com/element-hq/eventgraph/roomserver/storage/timeline"
)

const (
	searchDurable    = "eventgraph-search-indexer"
	relationsDurable = "eventgraph-relations-indexer"
)

// Start subscribes one durable consumer per index and returns once both
// subscriptions are registered; indexing itself proceeds asynchronously as
// messages arrive.
func Start(ctx context.Context, js nats.JetStreamContext, tl *timeline.Store, searchIdx *search.Index, relIdx *relations.Index) error {
	if _, err := output.Subscribe(ctx, js, searchDurable, func(ctx context.Context, msg output.RoomEventMessage) error {
		return indexSearch(ctx, tl, searchIdx, msg)
	}); err != nil {
		return err
	}
	if _, err := output.Subscribe(ctx, js, relationsDurable, func(ctx context.Context, msg output.RoomEventMessage) error {
		return indexRelations(ctx, tl, relIdx, msg)
	}); err != nil {
		return err
	}
	return nil
}

func indexSearch(ctx context.Context, tl *timeline.Store, idx *search.Index, msg output.RoomEventMessage) error {
	raw, found, err := tl.GetPDU(ctx, msg.EventID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	parsed := gjson.ParseBytes(raw)
	if parsed.Get("type").String() != "m.room.message" {
		return nil
	}
	body := parsed.Get("content.body").String()
	if body == "" {
		return nil
	}
	return idx.IndexBody(ctx, msg.RoomNID, msg.PduCount, body)
}

func indexRelations(ctx context.Context, tl *timeline.Store, idx *relations.Index, msg output.RoomEventMessage) error {
	raw, found, err := tl.GetPDU(ctx, msg.EventID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	parsed := gjson.ParseBytes(raw)
	relatesTo := parsed.Get("content.m\\.relates_to")
	if !relatesTo.Exists() {
		return nil
	}
	targetEventID := relatesTo.Get("event_id").String()
	if targetEventID == "" {
		return nil
	}
	relType := relatesTo.Get("rel_type").String()
	childType := parsed.Get("type").String()
	return idx.AddEdge(ctx, msg.RoomNID, targetEventID, msg.EventID, childType, relType, msg.PduCount)
}
