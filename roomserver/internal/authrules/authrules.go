// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package authrules implements the event-authorization check the ingestion
// pipeline's Authorized and SoftFail steps (§4.H steps 2 and 4) both call:
// given an event and the relevant slice of room state (create, power
// levels, join rules, membership), decide whether the event is allowed. It
// is pure, like roomserver/state/stateresolution, and does not itself
// fetch anything — the caller resolves RelevantState once (from the
// declared auth state, or from current room state for the soft-fail
// recheck) and passes it in.
//
// This is a deliberately simplified rendition of the full per-room-version
// Matrix auth rules: power levels, membership, and join rules are checked,
// but third-party invites, restricted joins, and the per-version
// differences a real library auth-rule evaluator applies are out of
// scope. The only surviving evidence of such an evaluator anywhere in the
// retrieval pack is the old `gomatrixserverlib.Allowed(e, &authUsingState)`
// / `NewAuthEvents`/`AddEvent` call shape in
// other_examples/26cc40b5_sammorley-dendrite__federationapi-routing-send.go.go,
// an early, pre-v2 API from a much older Dendrite/gomatrixserverlib
// pairing than the one pinned in this module's go.mod; no file in the
// pack shows that library's current auth-rule entry point or signature,
// and this codebase is built without running the Go toolchain, so there
// is no way to confirm a call against it would even compile. The checker
// below is hand-rolled directly off the Matrix auth-rules text (power
// levels, membership transitions, join rules) instead. See DESIGN.md
// component G for the full grounding note.
package authrules

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/element-hq/eventgraph/internal/eventgraphutil"
)

// RelevantState is the subset of room state an auth check needs, already
// resolved by the caller to raw `content` JSON.
type RelevantState struct {
	Create      json.RawMessage
	PowerLevels json.RawMessage
	JoinRules   json.RawMessage
	// Members maps user id -> their m.room.member content.
	Members map[string]json.RawMessage
}

// Event is the minimal view of a PDU CheckEvent needs.
type Event struct {
	Sender   string
	Type     string
	StateKey *string
	Content  json.RawMessage
}

const (
	defaultUsersDefault  int64 = 0
	defaultEventsDefault int64 = 0
	defaultStateDefault  int64 = 50
	defaultInvite        int64 = 0
	defaultKick          int64 = 50
	defaultBan           int64 = 50
	defaultRedact        int64 = 50
)

// CheckEvent evaluates ev against state per the Matrix auth rules this
// package implements, returning a *eventgraphutil.Error of kind
// AuthRejected on failure and nil on success.
func CheckEvent(ev Event, state RelevantState) error {
	if ev.Type == "m.room.create" {
		if len(state.Create) > 0 {
			return eventgraphutil.New(eventgraphutil.KindAuthRejected, "room already has a m.room.create event")
		}
		return nil
	}
	if len(state.Create) == 0 {
		return eventgraphutil.New(eventgraphutil.KindAuthRejected, "no m.room.create event in auth state")
	}

	senderMembership := membershipOf(state, ev.Sender)

	if ev.Type == "m.room.member" {
		return checkMembership(ev, state, senderMembership)
	}

	if senderMembership != "join" {
		return eventgraphutil.New(eventgraphutil.KindAuthRejected, "sender is not joined to the room")
	}

	senderPower := powerOf(state.PowerLevels, "users", ev.Sender, defaultUsersDefault)
	required := requiredPower(state.PowerLevels, ev.Type, ev.StateKey != nil)
	if senderPower < required {
		return eventgraphutil.New(eventgraphutil.KindAuthRejected, "sender power level too low for event type "+ev.Type)
	}
	return nil
}

func checkMembership(ev Event, state RelevantState, senderMembership string) error {
	if ev.StateKey == nil {
		return eventgraphutil.New(eventgraphutil.KindAuthRejected, "m.room.member missing state_key")
	}
	target := *ev.StateKey
	membership := gjson.GetBytes(ev.Content, "membership").String()
	targetCurrent := membershipOf(state, target)

	switch membership {
	case "join":
		if ev.Sender != target {
			return eventgraphutil.New(eventgraphutil.KindAuthRejected, "cannot join on behalf of another user")
		}
		if targetCurrent == "ban" {
			return eventgraphutil.New(eventgraphutil.KindAuthRejected, "banned users cannot join")
		}
		// The room creator's own first join is always allowed: it is the
		// event that brings the room's membership state into existence in
		// the first place, so there is no prior join_rules or invite to
		// check it against.
		if len(state.Members) == 0 && gjson.GetBytes(state.Create, "creator").String() == target {
			return nil
		}
		joinRule := gjson.GetBytes(state.JoinRules, "join_rule").String()
		if joinRule != "public" && targetCurrent != "invite" && targetCurrent != "join" {
			return eventgraphutil.New(eventgraphutil.KindAuthRejected, "room is not public and target was not invited")
		}
		return nil
	case "invite":
		if senderMembership != "join" {
			return eventgraphutil.New(eventgraphutil.KindAuthRejected, "only joined members may invite")
		}
		if targetCurrent == "ban" || targetCurrent == "join" {
			return eventgraphutil.New(eventgraphutil.KindAuthRejected, "target cannot be invited in its current membership")
		}
		invitePower := powerOf(state.PowerLevels, "invite", "", defaultInvite)
		if powerOf(state.PowerLevels, "users", ev.Sender, defaultUsersDefault) < invitePower {
			return eventgraphutil.New(eventgraphutil.KindAuthRejected, "sender power level too low to invite")
		}
		return nil
	case "leave":
		if ev.Sender == target {
			return nil
		}
		kickPower := powerOf(state.PowerLevels, "kick", "", defaultKick)
		if powerOf(state.PowerLevels, "users", ev.Sender, defaultUsersDefault) < kickPower {
			return eventgraphutil.New(eventgraphutil.KindAuthRejected, "sender power level too low to kick")
		}
		return nil
	case "ban":
		banPower := powerOf(state.PowerLevels, "ban", "", defaultBan)
		if powerOf(state.PowerLevels, "users", ev.Sender, defaultUsersDefault) < banPower {
			return eventgraphutil.New(eventgraphutil.KindAuthRejected, "sender power level too low to ban")
		}
		return nil
	default:
		return eventgraphutil.New(eventgraphutil.KindAuthRejected, "unrecognised membership value "+membership)
	}
}

func membershipOf(state RelevantState, userID string) string {
	content, ok := state.Members[userID]
	if !ok {
		return "leave"
	}
	m := gjson.GetBytes(content, "membership").String()
	if m == "" {
		return "leave"
	}
	return m
}

// powerOf reads a user's (or a named top-level key's) power level from
// power levels content, falling back to deflt when absent, per the Matrix
// spec's documented default rules.
func powerOf(powerLevels json.RawMessage, section, key string, deflt int64) int64 {
	if len(powerLevels) == 0 {
		if section == "users" {
			return 0 // the room creator default when there is no power_levels event at all
		}
		return deflt
	}
	if section == "users" {
		if v := gjson.GetBytes(powerLevels, "users."+gjsonEscape(key)); v.Exists() {
			return v.Int()
		}
		if v := gjson.GetBytes(powerLevels, "users_default"); v.Exists() {
			return v.Int()
		}
		return defaultUsersDefault
	}
	if v := gjson.GetBytes(powerLevels, section); v.Exists() {
		return v.Int()
	}
	return deflt
}

func requiredPower(powerLevels json.RawMessage, eventType string, isState bool) int64 {
	if v := gjson.GetBytes(powerLevels, "events."+gjsonEscape(eventType)); v.Exists() {
		return v.Int()
	}
	if isState {
		if v := gjson.GetBytes(powerLevels, "state_default"); v.Exists() {
			return v.Int()
		}
		return defaultStateDefault
	}
	if v := gjson.GetBytes(powerLevels, "events_default"); v.Exists() {
		return v.Int()
	}
	return defaultEventsDefault
}

// gjsonEscape escapes path-meaningful characters (gjson treats '.' as a
// path separator) so a literal event type like "m.room.message" can be
// used as a map key lookup.
func gjsonEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '*', '?':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
