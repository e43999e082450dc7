// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package stateresolution implements the state resolution component
// (component F): a deterministic merge of conflicting state sets. It
// separates the conflicted and unconflicted subsets, picks one winner per
// conflicted key by ordering that key's candidates by (power level,
// origin_server_ts, event_id), then merges the unconflicted state back in.
// It does not compute the auth difference, does not walk auth chains, does
// not sort events topologically, and does not re-check auth rules
// iteratively. The package is pure: it does no I/O, accepting
// already-fetched events and returning a resolved state map.
package stateresolution

import (
	"sort"

	"github.com/element-hq/eventgraph/internal/eventgraphutil"
	"github.com/element-hq/eventgraph/roomserver/types"
)

// Event is the minimal view of a PDU state resolution needs; callers adapt
// their own event representation (gomatrixserverlib.PDU, in production) to
// this shape so the algorithm itself stays free of parsing concerns.
type Event struct {
	EventNID       types.EventNID
	Type           types.EventTypeNID
	StateKey       types.EventStateKeyNID
	IsState        bool
	AuthEvents     []types.EventNID
	PowerLevel     int64
	OriginServerTS int64
	EventID        string // used only as the final, documented tie-breaker
}

// AuthEventsFetcher returns the full event for nid; Resolve calls it for
// each candidate of a conflicted key.
type AuthEventsFetcher func(nid types.EventNID) (Event, bool)

// Resolve merges the conflicting state sets in snapshots (each a
// StateKeyTuple -> EventNID map representing one branch's view of room
// state) into a single resolved map, using fetch to pull candidate events
// on demand. Unconflicted entries (present in every input with the same
// EventNID) pass through unchanged. Every other key, including one missing
// from some input, is conflicted and goes to resolveConflict, which orders
// its candidates by power level, timestamp and event id.
//
// Resolve is pure and deterministic: identical inputs always produce an
// identical output map, satisfying property 5 (idempotence) as the trivial
// case of resolving a single input against itself.
func Resolve(snapshots []map[types.StateKeyTuple]types.EventNID, fetch AuthEventsFetcher) (map[types.StateKeyTuple]types.EventNID, error) {
	if len(snapshots) == 0 {
		return map[types.StateKeyTuple]types.EventNID{}, nil
	}
	if len(snapshots) == 1 {
		return cloneMap(snapshots[0]), nil
	}

	unconflicted, conflicted := partition(snapshots)

	resolved := cloneMap(unconflicted)
	// Conflicted keys are resolved independently and in a fixed order
	// (sorted by the StateKeyTuple's own total order) so the result does
	// not depend on map iteration order.
	keys := make([]types.StateKeyTuple, 0, len(conflicted))
	for k := range conflicted {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].LessThan(keys[j]) })

	for _, key := range keys {
		winner, err := resolveConflict(conflicted[key], fetch)
		if err != nil {
			return nil, err
		}
		resolved[key] = winner
	}
	return resolved, nil
}

// partition splits the union of snapshots into entries every input agrees
// on (unconflicted) and entries where inputs disagree (conflicted, mapping
// each disputed key to the distinct candidate EventNIDs seen for it).
func partition(snapshots []map[types.StateKeyTuple]types.EventNID) (map[types.StateKeyTuple]types.EventNID, map[types.StateKeyTuple][]types.EventNID) {
	allKeys := map[types.StateKeyTuple]struct{}{}
	for _, snap := range snapshots {
		for k := range snap {
			allKeys[k] = struct{}{}
		}
	}

	unconflicted := map[types.StateKeyTuple]types.EventNID{}
	conflicted := map[types.StateKeyTuple][]types.EventNID{}

	for key := range allKeys {
		seen := map[types.EventNID]struct{}{}
		var candidates []types.EventNID
		agree := true
		var first types.EventNID
		firstSet := false
		for _, snap := range snapshots {
			v, present := snap[key]
			if !present {
				agree = false
			}
			if !firstSet {
				first, firstSet = v, true
			} else if v != first {
				agree = false
			}
			if present {
				if _, dup := seen[v]; !dup {
					seen[v] = struct{}{}
					candidates = append(candidates, v)
				}
			}
		}
		if agree && len(candidates) == 1 {
			unconflicted[key] = candidates[0]
		} else {
			sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })
			conflicted[key] = candidates
		}
	}
	return unconflicted, conflicted
}

// resolveConflict picks the winner among candidates for one disputed key,
// ordering by (power level, origin_server_ts, event_id) descending: highest
// power wins, ties broken by earliest timestamp, final ties broken
// lexicographically by event id, matching §4.F's documented ordering.
func resolveConflict(candidates []types.EventNID, fetch AuthEventsFetcher) (types.EventNID, error) {
	events := make([]Event, 0, len(candidates))
	for _, nid := range candidates {
		ev, ok := fetch(nid)
		if !ok {
			return 0, eventgraphutil.New(eventgraphutil.KindMissingAuth, "state resolution: missing candidate event")
		}
		events = append(events, ev)
	}
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.PowerLevel != b.PowerLevel {
			return a.PowerLevel > b.PowerLevel
		}
		if a.OriginServerTS != b.OriginServerTS {
			return a.OriginServerTS < b.OriginServerTS
		}
		return a.EventID < b.EventID
	})
	return events[0].EventNID, nil
}

func cloneMap(m map[types.StateKeyTuple]types.EventNID) map[types.StateKeyTuple]types.EventNID {
	out := make(map[types.StateKeyTuple]types.EventNID, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
