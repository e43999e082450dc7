// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package relations

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/eventgraph/internal/sqlutil"
	"github.com/element-hq/eventgraph/roomserver/types"
	"github.com/element-hq/eventgraph/setup/config"
	"github.com/element-hq/eventgraph/storage/kv"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	db, err := sqlutil.Open(&config.DatabaseOptions{ConnectionString: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := kv.Open(db, sqlutil.NewExclusiveWriter(), "t_relations", false)
	require.NoError(t, err)
	return Open(store)
}

// TestRelationsPagination_S6 is end-to-end scenario S6: event $p in room R
// has three m.annotation children; a limit-2 page returns two children and
// a next_batch, and the follow-up call with that token returns the third
// and no next_batch. It is also testable property 8 (successive calls
// return disjoint, strictly older chunks, terminating when next_batch is
// nil).
func TestRelationsPagination_S6(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	room := types.RoomNID(1)
	target := "$p"

	require.NoError(t, idx.AddEdge(ctx, room, target, "$c1", "m.reaction", "m.annotation", types.PduCount(1)))
	require.NoError(t, idx.AddEdge(ctx, room, target, "$c2", "m.reaction", "m.annotation", types.PduCount(2)))
	require.NoError(t, idx.AddEdge(ctx, room, target, "$c3", "m.reaction", "m.annotation", types.PduCount(3)))

	page1, err := idx.PaginateRelationsWithFilter(ctx, room, target, "m.annotation", "", nil, 2)
	require.NoError(t, err)
	require.Len(t, page1.Edges, 2)
	require.NotNil(t, page1.NextBatch)
	assert.Equal(t, []string{"$c3", "$c2"}, []string{page1.Edges[0].ChildEventID, page1.Edges[1].ChildEventID})

	page2, err := idx.PaginateRelationsWithFilter(ctx, room, target, "m.annotation", "", page1.NextBatch, 2)
	require.NoError(t, err)
	require.Len(t, page2.Edges, 1)
	assert.Equal(t, "$c1", page2.Edges[0].ChildEventID)
	assert.Nil(t, page2.NextBatch)
}

func TestRelationsPagination_FiltersByRelTypeAndEventType(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	room := types.RoomNID(1)
	target := "$p"

	require.NoError(t, idx.AddEdge(ctx, room, target, "$c1", "m.room.message", "m.annotation", types.PduCount(1)))
	require.NoError(t, idx.AddEdge(ctx, room, target, "$c2", "m.room.message", "m.thread", types.PduCount(2)))
	require.NoError(t, idx.AddEdge(ctx, room, target, "$c3", "m.reaction", "m.annotation", types.PduCount(3)))

	page, err := idx.PaginateRelationsWithFilter(ctx, room, target, "m.annotation", "", nil, 0)
	require.NoError(t, err)
	require.Len(t, page.Edges, 2)
	assert.Equal(t, "$c3", page.Edges[0].ChildEventID)
	assert.Equal(t, "$c1", page.Edges[1].ChildEventID)

	byType, err := idx.PaginateRelationsWithFilter(ctx, room, target, "", "m.reaction", nil, 0)
	require.NoError(t, err)
	require.Len(t, byType.Edges, 1)
	assert.Equal(t, "$c3", byType.Edges[0].ChildEventID)
}

func TestDeleteRoom_RemovesRelations(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	room := types.RoomNID(1)
	target := "$p"

	require.NoError(t, idx.AddEdge(ctx, room, target, "$c1", "m.room.message", "m.annotation", types.PduCount(1)))
	require.NoError(t, idx.DeleteRoom(ctx, room))

	page, err := idx.PaginateRelationsWithFilter(ctx, room, target, "", "", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, page.Edges)
}
