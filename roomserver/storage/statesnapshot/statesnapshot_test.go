// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package statesnapshot

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

func newTestCompressor(t *testing.T, maxDepth int) *Compressor {
	t.Helper()
	db, err := sqlutil.Open(&config.DatabaseOptions{ConnectionString: ":memory:"})
	require.NoError(t, err)
	store, err := kv.Open(db, sqlutil.NewExclusiveWriter(), "t_statesnapshot", false)
	require.NoError(t, err)
	return Open(store, maxDepth, 64)
}

func tuple(eventType, stateKey uint64) types.StateKeyTuple {
	return types.StateKeyTuple{EventTypeNID: types.EventTypeNID(eventType), EventStateKeyNID: types.EventStateKeyNID(stateKey)}
}

// Property 4: store_snapshot(p, add, rem) followed by load_snapshot equals
// load_snapshot(p) ∪ add \ rem (key-wise), regardless of chain depth.
func TestStoreSnapshot_Determinism(t *testing.T) {
	ctx := context.Background()
	c := newTestCompressor(t, 100)

	base, err := c.StoreSnapshot(ctx, 0, []types.StateEntry{
		{StateKeyTuple: tuple(1, 1), EventNID: 10},
		{StateKeyTuple: tuple(2, 1), EventNID: 20},
	}, nil)
	require.NoError(t, err)

	child, err := c.StoreSnapshot(ctx, base, []types.StateEntry{
		{StateKeyTuple: tuple(3, 1), EventNID: 30},
	}, []types.StateKeyTuple{tuple(2, 1)})
	require.NoError(t, err)

	parentMap, err := c.LoadSnapshot(ctx, base)
	require.NoError(t, err)
	childMap, err := c.LoadSnapshot(ctx, child)
	require.NoError(t, err)

	expected := cloneMap(parentMap)
	delete(expected, tuple(2, 1))
	expected[tuple(3, 1)] = 30

	assert.Equal(t, expected, childMap)
}

func TestStoreSnapshot_DeepChainMaterializesBase(t *testing.T) {
	ctx := context.Background()
	c := newTestCompressor(t, 3)

	nid, err := c.StoreSnapshot(ctx, 0, []types.StateEntry{{StateKeyTuple: tuple(1, 1), EventNID: 1}}, nil)
	require.NoError(t, err)

	for i := 2; i <= 10; i++ {
		nid, err = c.StoreSnapshot(ctx, nid, []types.StateEntry{{StateKeyTuple: tuple(uint64(i), 1), EventNID: types.EventNID(i)}}, nil)
		require.NoError(t, err)
	}

	row, err := c.getRow(ctx, nid)
	require.NoError(t, err)
	assert.LessOrEqual(t, row.Depth, 3, "chain depth must never exceed maxDepth")

	m, err := c.LoadSnapshot(ctx, nid)
	require.NoError(t, err)
	assert.Len(t, m, 10)
}

func TestLoadSnapshot_UnknownReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	c := newTestCompressor(t, 100)
	_, err := c.LoadSnapshot(ctx, types.StateSnapshotNID(9999))
	assert.Error(t, err)
}
