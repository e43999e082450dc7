// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/eventgraph/internal/caching"
	"github.com/element-hq/eventgraph/internal/sqlutil"
	"github.com/element-hq/eventgraph/roomserver/internal/roomlock"
	"github.com/element-hq/eventgraph/roomserver/state"
	"github.com/element-hq/eventgraph/roomserver/state/authchain"
	"github.com/element-hq/eventgraph/roomserver/storage/roomstate"
	"github.com/element-hq/eventgraph/roomserver/storage/shortid"
	"github.com/element-hq/eventgraph/roomserver/storage/statesnapshot"
	"github.com/element-hq/eventgraph/roomserver/storage/timeline"
	"github.com/element-hq/eventgraph/roomserver/types"
	"github.com/element-hq/eventgraph/setup/config"
	"github.com/element-hq/eventgraph/storage/kv"
)

func newTestInputer(t *testing.T) *Inputer {
	t.Helper()
	ctx := context.Background()

	db, err := sqlutil.Open(&config.DatabaseOptions{ConnectionString: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	writer := sqlutil.NewExclusiveWriter()

	shortidStore, err := kv.Open(db, writer, "t_input_shortid", false)
	require.NoError(t, err)
	snapStore, err := kv.Open(db, writer, "t_input_snapshot", false)
	require.NoError(t, err)
	tlStore, err := kv.Open(db, writer, "t_input_timeline", false)
	require.NoError(t, err)
	rsStore, err := kv.Open(db, writer, "t_input_roomstate", false)
	require.NoError(t, err)

	caches := caching.NewRistrettoCache(8<<20, 0, caching.DisableMetrics)
	interner, err := shortid.Open(ctx, shortidStore, caches)
	require.NoError(t, err)
	compressor := statesnapshot.Open(snapStore, 100, 64)
	tl := timeline.Open(tlStore)
	rs := roomstate.Open(rsStore)
	accessor := state.NewAccessor(interner, compressor, tl, rs.EventSnapshot)
	authChains := authchain.New(func(ctx context.Context, nid types.EventNID) ([]types.EventNID, bool, error) {
		return nil, false, nil
	})
	locks := roomlock.New()

	cfg := &config.RoomServer{}
	cfg.Defaults()

	return New(interner, compressor, tl, accessor, authChains, locks, rs, nil, nil, nil, cfg)
}

func pdu(eventID, roomID, sender, evType, stateKey string, prevEvents, authEvents []string, content string) []byte {
	skField := ""
	if stateKey != "" || evType == "m.room.create" || evType == "m.room.member" || evType == "m.room.join_rules" {
		skField = fmt.Sprintf(`,"state_key":%q`, stateKey)
	}
	return []byte(fmt.Sprintf(
		`{"event_id":%q,"room_id":%q,"sender":%q,"type":%q,"prev_events":%s,"auth_events":%s,"origin_server_ts":1,"content":%s%s}`,
		eventID, roomID, sender, evType, jsonArray(prevEvents), jsonArray(authEvents), content, skField))
}

func jsonArray(ss []string) string {
	out := "["
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%q", s)
	}
	return out + "]"
}

// Property 3: forward extremities after processing event e equal
// (old extremities ∪ {e}) \ e.prev_events.
func TestProcessRoomEvent_ExtremitiesInvariantEndToEnd(t *testing.T) {
	ctx := context.Background()
	in := newTestInputer(t)
	roomID := "!room:server"

	create := pdu("$create:server", roomID, "@alice:server", "m.room.create", "", nil, nil, `{"creator":"@alice:server"}`)
	res, err := in.ProcessRoomEvent(ctx, "server", create, "10", types.KindNew)
	require.NoError(t, err)
	require.Equal(t, StatusPersisted, res.Status)

	join := pdu("$join:server", roomID, "@alice:server", "m.room.member", "@alice:server",
		[]string{"$create:server"}, []string{"$create:server"}, `{"membership":"join"}`)
	res, err = in.ProcessRoomEvent(ctx, "server", join, "10", types.KindNew)
	require.NoError(t, err)
	require.Equal(t, StatusPersisted, res.Status)

	roomNID, err := in.Interner.RoomNID(ctx, roomID)
	require.NoError(t, err)
	ext, err := in.Timeline.ForwardExtremities(ctx, roomNID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"$join:server"}, ext)

	msg1 := pdu("$msg1:server", roomID, "@alice:server", "m.room.message", "",
		[]string{"$join:server"}, []string{"$create:server", "$join:server"}, `{"body":"hi"}`)
	res, err = in.ProcessRoomEvent(ctx, "server", msg1, "10", types.KindNew)
	require.NoError(t, err)
	require.Equal(t, StatusPersisted, res.Status)

	ext, err = in.Timeline.ForwardExtremities(ctx, roomNID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"$msg1:server"}, ext, "new event's own prev_events must be removed from the extremity set")
}

func TestProcessRoomEvent_RejectsWhenNoCreateInAuthState(t *testing.T) {
	ctx := context.Background()
	in := newTestInputer(t)
	roomID := "!room:server"

	msg := pdu("$msg:server", roomID, "@mallory:server", "m.room.message", "", nil, nil, `{"body":"hi"}`)
	res, err := in.ProcessRoomEvent(ctx, "server", msg, "10", types.KindNew)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
}

func TestProcessRoomEvent_OutlierNeverGetsPduID(t *testing.T) {
	ctx := context.Background()
	in := newTestInputer(t)
	roomID := "!room:server"

	ev := pdu("$outlier:server", roomID, "@alice:server", "m.room.message", "", nil, nil, `{"body":"pulled for auth"}`)
	res, err := in.ProcessRoomEvent(ctx, "server", ev, "10", types.KindOutlier)
	require.NoError(t, err)
	assert.Equal(t, StatusOutlier, res.Status)
	assert.Zero(t, res.PduID.PduCount)
}
