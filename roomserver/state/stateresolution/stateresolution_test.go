// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package stateresolution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/eventgraph/roomserver/types"
)

func tuple(t, k uint64) types.StateKeyTuple {
	return types.StateKeyTuple{EventTypeNID: types.EventTypeNID(t), EventStateKeyNID: types.EventStateKeyNID(k)}
}

func noFetch(types.EventNID) (Event, bool) { return Event{}, false }

// Property 5: resolving a single already-resolved state set returns the
// same set.
func TestResolve_Idempotence(t *testing.T) {
	input := map[types.StateKeyTuple]types.EventNID{
		tuple(1, 1): 10,
		tuple(2, 1): 20,
	}
	resolved, err := Resolve([]map[types.StateKeyTuple]types.EventNID{input}, noFetch)
	require.NoError(t, err)
	assert.Equal(t, input, resolved)
}

// The key both inputs agree on is unconflicted and never reaches fetch. A
// key present in only one input is conflicted with a single candidate, so
// fetch must know 20 and 30.
func TestResolve_UnconflictedPassesThrough(t *testing.T) {
	fetch := func(nid types.EventNID) (Event, bool) {
		switch nid {
		case 20, 30:
			return Event{EventNID: nid}, true
		}
		return Event{}, false
	}

	a := map[types.StateKeyTuple]types.EventNID{tuple(1, 1): 10, tuple(2, 1): 20}
	b := map[types.StateKeyTuple]types.EventNID{tuple(1, 1): 10, tuple(3, 1): 30}

	resolved, err := Resolve([]map[types.StateKeyTuple]types.EventNID{a, b}, fetch)
	require.NoError(t, err)
	assert.Equal(t, types.EventNID(10), resolved[tuple(1, 1)])
	assert.Equal(t, types.EventNID(20), resolved[tuple(2, 1)])
	assert.Equal(t, types.EventNID(30), resolved[tuple(3, 1)])
}

func TestResolve_ConflictPicksHigherPower(t *testing.T) {
	fetch := func(nid types.EventNID) (Event, bool) {
		switch nid {
		case 100:
			return Event{EventNID: 100, PowerLevel: 0, OriginServerTS: 1, EventID: "$a"}, true
		case 200:
			return Event{EventNID: 200, PowerLevel: 100, OriginServerTS: 2, EventID: "$b"}, true
		}
		return Event{}, false
	}

	a := map[types.StateKeyTuple]types.EventNID{tuple(6, 1): 100}
	b := map[types.StateKeyTuple]types.EventNID{tuple(6, 1): 200}

	resolved, err := Resolve([]map[types.StateKeyTuple]types.EventNID{a, b}, fetch)
	require.NoError(t, err)
	assert.Equal(t, types.EventNID(200), resolved[tuple(6, 1)])
}

// Deterministic: resolving the same conflicting inputs twice, in either
// order, produces the same winner.
func TestResolve_DeterministicRegardlessOfInputOrder(t *testing.T) {
	fetch := func(nid types.EventNID) (Event, bool) {
		switch nid {
		case 100:
			return Event{EventNID: 100, PowerLevel: 50, OriginServerTS: 5, EventID: "$a"}, true
		case 200:
			return Event{EventNID: 200, PowerLevel: 50, OriginServerTS: 5, EventID: "$b"}, true
		}
		return Event{}, false
	}

	a := map[types.StateKeyTuple]types.EventNID{tuple(6, 1): 100}
	b := map[types.StateKeyTuple]types.EventNID{tuple(6, 1): 200}

	r1, err := Resolve([]map[types.StateKeyTuple]types.EventNID{a, b}, fetch)
	require.NoError(t, err)
	r2, err := Resolve([]map[types.StateKeyTuple]types.EventNID{b, a}, fetch)
	require.NoError(t, err)
	assert.Equal(t, r1, r2)
}

func TestResolve_MissingCandidateFailsWithMissingAuth(t *testing.T) {
	a := map[types.StateKeyTuple]types.EventNID{tuple(6, 1): 100}
	b := map[types.StateKeyTuple]types.EventNID{tuple(6, 1): 200}
	_, err := Resolve([]map[types.StateKeyTuple]types.EventNID{a, b}, noFetch)
	require.Error(t, err)
}
