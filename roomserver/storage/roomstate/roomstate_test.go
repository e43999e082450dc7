// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package roomstate

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
	store, err := kv.Open(db, sqlutil.NewExclusiveWriter(), "t_roomstate", false)
	require.NoError(t, err)
	return Open(store)
}

func TestEventSnapshot_RoundTrip(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	_, found, err := idx.EventSnapshot(ctx, types.EventNID(1))
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, idx.SetEventSnapshot(ctx, types.EventNID(1), types.StateSnapshotNID(42)))
	got, found, err := idx.EventSnapshot(ctx, types.EventNID(1))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, types.StateSnapshotNID(42), got)
}

func TestRoomSnapshot_AdvancesOnOverwrite(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	require.NoError(t, idx.SetRoomSnapshot(ctx, types.RoomNID(1), types.StateSnapshotNID(1)))
	require.NoError(t, idx.SetRoomSnapshot(ctx, types.RoomNID(1), types.StateSnapshotNID(2)))

	got, found, err := idx.RoomSnapshot(ctx, types.RoomNID(1))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, types.StateSnapshotNID(2), got)
}
