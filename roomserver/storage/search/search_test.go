// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package search

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
	store, err := kv.Open(db, sqlutil.NewExclusiveWriter(), "t_search", false)
	require.NoError(t, err)
	return Open(store)
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"hello", "world"}, Tokenize("Hello, World!"))
	assert.Equal(t, []string{"a", "b", "c"}, Tokenize("a-b_c"))
	assert.Empty(t, Tokenize("!!! ,,,"))

	long := ""
	for i := 0; i < MaxTokenLength+1; i++ {
		long += "x"
	}
	assert.Empty(t, Tokenize(long))
}

// TestSearchRoundTrip is testable property 7: after indexing a body
// containing token t, search_pdus returns the indexing pduid among its
// results; querying a token never indexed returns none.
func TestSearchRoundTrip(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	room := types.RoomNID(1)

	require.NoError(t, idx.IndexBody(ctx, room, types.PduCount(1), "hello there"))

	results, err := idx.Search(ctx, room, "hello", 0)
	require.NoError(t, err)
	assert.Contains(t, results, types.PduCount(1))

	none, err := idx.Search(ctx, room, "goodbye", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSearch_NewestFirst(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	room := types.RoomNID(1)

	require.NoError(t, idx.IndexBody(ctx, room, types.PduCount(1), "hello world"))
	require.NoError(t, idx.IndexBody(ctx, room, types.PduCount(2), "hello again"))
	require.NoError(t, idx.IndexBody(ctx, room, types.PduCount(3), "hello once more"))

	results, err := idx.Search(ctx, room, "hello", 0)
	require.NoError(t, err)
	require.Equal(t, []types.PduCount{3, 2, 1}, results)
}

func TestSearch_IntersectsMultiToken(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	room := types.RoomNID(1)

	require.NoError(t, idx.IndexBody(ctx, room, types.PduCount(1), "red apple"))
	require.NoError(t, idx.IndexBody(ctx, room, types.PduCount(2), "red banana"))
	require.NoError(t, idx.IndexBody(ctx, room, types.PduCount(3), "red apple pie"))

	results, err := idx.Search(ctx, room, "red apple", 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.PduCount{1, 3}, results)
}

func TestSearch_ScopedPerRoom(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	require.NoError(t, idx.IndexBody(ctx, types.RoomNID(1), types.PduCount(1), "shared token"))
	require.NoError(t, idx.IndexBody(ctx, types.RoomNID(2), types.PduCount(1), "shared token"))

	results, err := idx.Search(ctx, types.RoomNID(1), "shared", 0)
	require.NoError(t, err)
	assert.Equal(t, []types.PduCount{1}, results)
}

func TestSearch_Limit(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	room := types.RoomNID(1)
	for i := 1; i <= 5; i++ {
		require.NoError(t, idx.IndexBody(ctx, room, types.PduCount(i), "token"))
	}
	results, err := idx.Search(ctx, room, "token", 2)
	require.NoError(t, err)
	assert.Equal(t, []types.PduCount{5, 4}, results)
}

func TestDeleteRoom_RemovesTokens(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	room := types.RoomNID(1)

	require.NoError(t, idx.IndexBody(ctx, room, types.PduCount(1), "hello"))
	require.NoError(t, idx.DeleteRoom(ctx, room))

	results, err := idx.Search(ctx, room, "hello", 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}
