// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shortid

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/eventgraph/internal/caching"
	"github.com/element-hq/eventgraph/internal/sqlutil"
	"github.com/element-hq/eventgraph/roomserver/types"
	"github.com/element-hq/eventgraph/setup/config"
	"github.com/element-hq/eventgraph/storage/kv"
)

func newTestInterner(t *testing.T) *Interner {
	t.Helper()
	db, err := sqlutil.Open(&config.DatabaseOptions{ConnectionString: ":memory:"})
	require.NoError(t, err)
	store, err := kv.Open(db, sqlutil.NewExclusiveWriter(), "t_shortid", false)
	require.NoError(t, err)
	caches := caching.NewRistrettoCache(1<<20, time.Hour, caching.DisableMetrics)
	in, err := Open(context.Background(), store, caches)
	require.NoError(t, err)
	return in
}

// Property 1: eventid_from_short(get_shorteventid(e)) == e, for every event
// id ever interned, and the mapping never changes once established.
func TestEventNID_Bijection(t *testing.T) {
	ctx := context.Background()
	in := newTestInterner(t)

	ids := make([]string, 200)
	for i := range ids {
		ids[i] = fmt.Sprintf("$event%d:server", i)
	}

	nids := make(map[string]uint64, len(ids))
	for _, id := range ids {
		nid, err := in.EventNID(ctx, id)
		require.NoError(t, err)
		nids[id] = uint64(nid)
	}

	// Re-interning returns the same NID every time.
	for _, id := range ids {
		nid, err := in.EventNID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, nids[id], uint64(nid))
	}

	// Every NID reverses back to exactly the id it was allocated for.
	for id, nid := range nids {
		back, err := in.EventIDFromNID(ctx, types.EventNID(nid))
		require.NoError(t, err)
		assert.Equal(t, id, back)
	}
}

func TestEventNID_DistinctIDsNeverShareNID(t *testing.T) {
	ctx := context.Background()
	in := newTestInterner(t)

	a, err := in.EventNID(ctx, "$a:server")
	require.NoError(t, err)
	b, err := in.EventNID(ctx, "$b:server")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestRoomNID_Bijection(t *testing.T) {
	ctx := context.Background()
	in := newTestInterner(t)

	nid, err := in.RoomNID(ctx, "!room:server")
	require.NoError(t, err)

	roomID, err := in.RoomIDFromNID(ctx, nid)
	require.NoError(t, err)
	assert.Equal(t, "!room:server", roomID)

	again, err := in.RoomNID(ctx, "!room:server")
	require.NoError(t, err)
	assert.Equal(t, nid, again)
}

func TestEventTypeNID_WellKnownReserved(t *testing.T) {
	ctx := context.Background()
	in := newTestInterner(t)

	nid, err := in.EventTypeNID(ctx, "m.room.create")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), uint64(nid))
}

func TestEventStateKeyNID_EmptyReserved(t *testing.T) {
	ctx := context.Background()
	in := newTestInterner(t)

	nid, err := in.EventStateKeyNID(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), uint64(nid))
}

func TestEventStateKeyNID_ReverseMatches(t *testing.T) {
	ctx := context.Background()
	in := newTestInterner(t)

	nid, err := in.EventStateKeyNID(ctx, "@alice:server")
	require.NoError(t, err)
	again, err := in.EventStateKeyNID(ctx, "@alice:server")
	require.NoError(t, err)
	assert.Equal(t, nid, again)
}
