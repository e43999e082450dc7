// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package input implements the ingestion pipeline (component H): the
// authorization and ingestion state machine for incoming PDUs
// (`Received -> Validated -> Authorized -> Resolved -> Persisted ->
// Fanned-out`, with error transitions to `SoftFailed` or `Rejected`).
//
// Per the "coroutine control flow" design note, processRoomEvent is one
// straight-line function per PDU: no pipeline stage is its own goroutine.
// The only suspension points are KV calls (through the already-built
// shortid/statesnapshot/timeline/state packages), the injected signature
// verifier (a key-fetch HTTP round trip in production), and the room lock
// acquire (roomserver/internal/roomlock), matching how Dendrite reserves
// goroutines for genuine concurrency (one per destination queue, one per
// room actor) rather than per pipeline stage.
package input

import (
	"context"
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/element-hq/eventgraph/internal/eventgraphutil"
	"github.com/element-hq/eventgraph/internal/tracing"
	"github.com/element-hq/eventgraph/internal/util"
	"github.com/element-hq/eventgraph/roomserver/internal/authrules"
	"github.com/element-hq/eventgraph/roomserver/internal/output"
	"github.com/element-hq/eventgraph/roomserver/internal/roomlock"
	"github.com/element-hq/eventgraph/roomserver/state"
	"github.com/element-hq/eventgraph/roomserver/state/authchain"
	"github.com/element-hq/eventgraph/roomserver/state/stateresolution"
	"github.com/element-hq/eventgraph/roomserver/storage/directory"
	"github.com/element-hq/eventgraph/roomserver/storage/roomstate"
	"github.com/element-hq/eventgraph/roomserver/storage/shortid"
	"github.com/element-hq/eventgraph/roomserver/storage/statesnapshot"
	"github.com/element-hq/eventgraph/roomserver/storage/timeline"
	"github.com/element-hq/eventgraph/roomserver/types"
	"github.com/element-hq/eventgraph/setup/config"
)

// Status is the terminal state processRoomEvent reached for one PDU.
type Status string

const (
	StatusPersisted  Status = "persisted"
	StatusSoftFailed Status = "soft_failed"
	StatusRejected   Status = "rejected"
	StatusOutlier    Status = "outlier"
)

// Result summarizes one processRoomEvent call.
type Result struct {
	Status  Status
	EventID string
	PduID   types.PduId
	Reason  string
}

// SignatureVerifier checks a PDU's signatures and content hash against the
// origin server's published keys (fetched lazily and cached per server with
// TTL, per §4.H step 1 — the concrete implementation, backed by
// internal/keyfetch and gomatrixserverlib, is wired in at construction
// time, so this package never has to assume a particular HTTP or crypto
// API shape).
type SignatureVerifier func(ctx context.Context, originServerName string, pduJSON []byte, roomVersion string) error

// FetchRemoteEvent retrieves a single missing PDU (an auth event or
// prev_event this server has not seen) from the network, used by the
// bounded backfill subroutine (§7's MissingAuth/MissingPrevEvents
// propagation rule). Returns found=false if the remote could not supply
// the event.
type FetchRemoteEvent func(ctx context.Context, originServerName, eventID string) (pduJSON []byte, found bool, err error)

// Inputer wires together every already-built component into the ingestion
// state machine. It holds no per-room mutable state itself; roomlock.Registry
// owns serialization, and everything else is delegated to the
// storage/state packages it embeds.
type Inputer struct {
	Interner   *shortid.Interner
	Compressor *statesnapshot.Compressor
	Timeline   *timeline.Store
	State      *state.Accessor
	AuthChains *authchain.Cache
	RoomLock   *roomlock.Registry
	RoomState  *roomstate.Index
	Output     *output.Producer

	VerifySignatures SignatureVerifier
	FetchRemote      FetchRemoteEvent

	// Directory is consulted for the admin disable-room/enable-room flag;
	// nil (the default when unset) means no room is ever treated as
	// disabled, matching every existing caller that never sets it.
	Directory *directory.Index

	Cfg *config.RoomServer

	sems *serverSemaphores
}

// New constructs an Inputer. Cfg.IngestSemaphoreWeight bounds concurrent
// in-flight PDUs per origin server (§5).
func New(in *shortid.Interner, comp *statesnapshot.Compressor, tl *timeline.Store, st *state.Accessor, ac *authchain.Cache, locks *roomlock.Registry, rs *roomstate.Index, out *output.Producer, verify SignatureVerifier, fetchRemote FetchRemoteEvent, cfg *config.RoomServer) *Inputer {
	return &Inputer{
		Interner: in, Compressor: comp, Timeline: tl, State: st, AuthChains: ac,
		RoomLock: locks, RoomState: rs, Output: out, VerifySignatures: verify, FetchRemote: fetchRemote,
		Cfg: cfg, sems: newServerSemaphores(cfg.IngestSemaphoreWeight),
	}
}

// pduFields is a room-version-agnostic structural view of a PDU, parsed
// directly out of its canonical JSON with gjson rather than through a typed
// gomatrixserverlib.PDU, matching the timeline store's own
// redact-at-read-time approach of treating the wire JSON as the source of
// truth instead of round-tripping through a richer Go type.
type pduFields struct {
	EventID        string
	RoomID         string
	Sender         string
	Type           string
	StateKey       *string
	PrevEvents     []string
	AuthEvents     []string
	OriginServerTS int64
	Content        json.RawMessage
}

func parsePDUFields(raw []byte) (pduFields, error) {
	parsed := gjson.ParseBytes(raw)
	if !parsed.Get("event_id").Exists() || !parsed.Get("room_id").Exists() {
		return pduFields{}, eventgraphutil.New(eventgraphutil.KindBadJSON, "pdu missing event_id or room_id")
	}
	f := pduFields{
		EventID:        parsed.Get("event_id").String(),
		RoomID:         parsed.Get("room_id").String(),
		Sender:         parsed.Get("sender").String(),
		Type:           parsed.Get("type").String(),
		OriginServerTS: parsed.Get("origin_server_ts").Int(),
		Content:        json.RawMessage(parsed.Get("content").Raw),
	}
	if sk := parsed.Get("state_key"); sk.Exists() {
		v := sk.String()
		f.StateKey = &v
	}
	for _, p := range parsed.Get("prev_events").Array() {
		f.PrevEvents = append(f.PrevEvents, p.String())
	}
	for _, a := range parsed.Get("auth_events").Array() {
		f.AuthEvents = append(f.AuthEvents, a.String())
	}
	return f, nil
}

// ProcessRoomEvent runs the full ingestion state machine for one PDU
// arriving from originServerName, blocking until it reaches a terminal
// Status. It acquires the per-origin-server semaphore for backpressure
// (§5) before anything else, and holds the per-room lock (§4.K) from the
// Authorized step onward, around every step that reads or mutates room
// state.
func (in *Inputer) ProcessRoomEvent(ctx context.Context, originServerName string, pduJSON []byte, roomVersion string, kind types.Kind) (*Result, error) {
	// Canonicalize case so that a semaphore slot or a log line never splits
	// across what RFC 1035 considers the same origin.
	originServerName = string(util.NormalizeServerName(spec.ServerName(originServerName)))

	span, ctx := tracing.StartSpan(ctx, "roomserver.ProcessRoomEvent")
	span.SetTag("origin", originServerName)
	defer span.Finish()

	if err := in.sems.acquire(ctx, originServerName); err != nil {
		return nil, eventgraphutil.Wrap(eventgraphutil.KindCancelled, err, "acquire ingestion semaphore")
	}
	defer in.sems.release(originServerName)

	logger := logrus.WithFields(logrus.Fields{"origin": originServerName})

	fields, err := parsePDUFields(pduJSON)
	if err != nil {
		return &Result{Status: StatusRejected, Reason: err.Error()}, nil
	}
	logger = logger.WithFields(logrus.Fields{"event_id": fields.EventID, "room_id": fields.RoomID})
	span.SetTag("room_id", fields.RoomID)
	span.SetTag("event_id", fields.EventID)

	if in.Directory != nil {
		disabled, derr := in.Directory.IsDisabled(ctx, fields.RoomID)
		if derr != nil {
			return nil, derr
		}
		if disabled {
			return &Result{Status: StatusRejected, EventID: fields.EventID, Reason: "room is disabled"}, nil
		}
	}

	// --- Validated ---
	if in.VerifySignatures != nil {
		if err := in.VerifySignatures(ctx, originServerName, pduJSON, roomVersion); err != nil {
			logger.WithError(err).Warn("signature verification failed")
			return &Result{Status: StatusRejected, EventID: fields.EventID, Reason: "signature invalid"}, nil
		}
	}

	if kind == types.KindOutlier {
		if err := in.Timeline.StoreOutlier(ctx, fields.EventID, roomVersion, pduJSON); err != nil {
			return nil, err
		}
		return &Result{Status: StatusOutlier, EventID: fields.EventID}, nil
	}

	roomNID, err := in.Interner.RoomNID(ctx, fields.RoomID)
	if err != nil {
		return nil, err
	}
	eventNID, err := in.Interner.EventNID(ctx, fields.EventID)
	if err != nil {
		return nil, err
	}

	// --- Authorized (step 2): resolve the declared auth state from the
	// auth_events the PDU names, pulling missing ones as outliers via
	// backfill, then check it under those rules. Everything from here
	// through Persisted runs under the room-state token (§4.K).
	var result *Result
	err = in.RoomLock.DoErr(fields.RoomID, func() error {
		r, rerr := in.processUnderLock(ctx, originServerName, roomNID, eventNID, fields, roomVersion, pduJSON, logger)
		result = r
		return rerr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (in *Inputer) processUnderLock(ctx context.Context, originServerName string, roomNID types.RoomNID, eventNID types.EventNID, fields pduFields, roomVersion string, pduJSON []byte, logger *logrus.Entry) (*Result, error) {
	declaredState, err := in.relevantStateFor(ctx, fields.AuthEvents, originServerName, roomVersion)
	if err != nil {
		return nil, err
	}

	authErr := authrules.CheckEvent(authrules.Event{
		Sender: fields.Sender, Type: fields.Type, StateKey: fields.StateKey, Content: fields.Content,
	}, declaredState)
	if authErr != nil {
		logger.WithError(authErr).Info("event rejected at declared auth state")
		return &Result{Status: StatusRejected, EventID: fields.EventID, Reason: authErr.Error()}, nil
	}

	// --- Resolved (step 3): compute the state-before snapshot. If
	// prev_events are exactly the room's current extremities, the current
	// snapshot can be reused directly; otherwise resolve across branches.
	oldExtremities, err := in.Timeline.ForwardExtremities(ctx, roomNID)
	if err != nil {
		return nil, err
	}

	stateBeforeNID, err := in.stateBeforeFor(ctx, roomNID, fields.PrevEvents, oldExtremities)
	if err != nil {
		return nil, err
	}

	// --- SoftFail check (step 4): reauthorize against current room state.
	currentState, err := in.relevantStateForSnapshot(ctx, stateBeforeNID)
	if err != nil {
		return nil, err
	}
	softFailErr := authrules.CheckEvent(authrules.Event{
		Sender: fields.Sender, Type: fields.Type, StateKey: fields.StateKey, Content: fields.Content,
	}, currentState)
	softFailed := softFailErr != nil

	// --- Persisted (step 5) ---
	if err := in.Timeline.StoreOutlier(ctx, fields.EventID, roomVersion, pduJSON); err != nil {
		return nil, err
	}
	pduID, err := in.Timeline.Append(ctx, roomNID, fields.EventID, roomVersion, pduJSON)
	if err != nil {
		return nil, err
	}

	var newExtremities []string
	if softFailed {
		newExtremities = oldExtremities
	} else {
		newExtremities = timeline.ComputeExtremities(oldExtremities, fields.EventID, fields.PrevEvents)
	}
	if err := in.Timeline.SetForwardExtremities(ctx, roomNID, newExtremities); err != nil {
		return nil, err
	}

	isStateEvent := fields.StateKey != nil
	nextStateNID := stateBeforeNID
	if isStateEvent && !softFailed {
		nextStateNID, err = in.advanceState(ctx, stateBeforeNID, fields, eventNID)
		if err != nil {
			return nil, err
		}
	}
	if err := in.recordEventSnapshot(ctx, eventNID, stateBeforeNID); err != nil {
		return nil, err
	}
	if isStateEvent && !softFailed {
		if err := in.recordRoomSnapshot(ctx, roomNID, nextStateNID); err != nil {
			return nil, err
		}
	}

	status := StatusPersisted
	kind := output.KindPersisted
	if softFailed {
		status = StatusSoftFailed
		kind = output.KindSoftFailed
	}

	// --- Fanned-out (step 6) ---
	if in.Output != nil {
		if err := in.Output.PublishRoomEvent(ctx, output.RoomEventMessage{
			Kind: kind, RoomID: fields.RoomID, EventID: fields.EventID,
			RoomNID: roomNID, PduCount: pduID.PduCount, StateNID: nextStateNID, IsStateEvent: isStateEvent,
		}); err != nil {
			logger.WithError(err).Warn("failed to publish output event")
		}
	}

	reason := ""
	if softFailed {
		reason = softFailErr.Error()
	}
	return &Result{Status: status, EventID: fields.EventID, PduID: pduID, Reason: reason}, nil
}

// relevantStateFor resolves the (create, power_levels, join_rules,
// members) view authrules needs from a set of named auth event ids,
// pulling any missing from FetchRemote and storing them as outliers
// (§7's MissingAuth rule: bounded backfill, then retry once).
func (in *Inputer) relevantStateFor(ctx context.Context, authEventIDs []string, originServerName, roomVersion string) (authrules.RelevantState, error) {
	state := authrules.RelevantState{Members: map[string]json.RawMessage{}}
	for _, eventID := range authEventIDs {
		raw, found, err := in.Timeline.GetPDU(ctx, eventID)
		if err != nil {
			return authrules.RelevantState{}, err
		}
		if !found {
			raw, found, err = in.backfillOutlier(ctx, originServerName, eventID, roomVersion)
			if err != nil {
				return authrules.RelevantState{}, err
			}
			if !found {
				return authrules.RelevantState{}, eventgraphutil.New(eventgraphutil.KindMissingAuth, "auth event "+eventID+" unavailable after backfill")
			}
		}
		applyAuthEvent(&state, raw)
	}
	return state, nil
}

func (in *Inputer) backfillOutlier(ctx context.Context, originServerName, eventID, roomVersion string) (json.RawMessage, bool, error) {
	if in.FetchRemote == nil {
		return nil, false, nil
	}
	raw, found, err := in.FetchRemote(ctx, originServerName, eventID)
	if err != nil {
		return nil, false, eventgraphutil.Wrap(eventgraphutil.KindRemoteUnavailable, err, "backfill auth event")
	}
	if !found {
		return nil, false, nil
	}
	if err := in.Timeline.StoreOutlier(ctx, eventID, roomVersion, raw); err != nil {
		return nil, false, err
	}
	return json.RawMessage(raw), true, nil
}

func applyAuthEvent(state *authrules.RelevantState, raw json.RawMessage) {
	parsed := gjson.ParseBytes(raw)
	content := json.RawMessage(parsed.Get("content").Raw)
	switch parsed.Get("type").String() {
	case "m.room.create":
		state.Create = content
	case "m.room.power_levels":
		state.PowerLevels = content
	case "m.room.join_rules":
		state.JoinRules = content
	case "m.room.member":
		if sk := parsed.Get("state_key"); sk.Exists() {
			state.Members[sk.String()] = content
		}
	}
}

// relevantStateForSnapshot rebuilds the same RelevantState view as
// relevantStateFor, but from a resolved state snapshot (the SoftFail
// recheck's "current room state") rather than from a PDU's declared
// auth_events list. It reads type/state_key/content straight back out of
// each referenced event's own stored JSON via applyAuthEvent, so it never
// needs a NID->string reverse path the interner does not otherwise expose.
func (in *Inputer) relevantStateForSnapshot(ctx context.Context, nid types.StateSnapshotNID) (authrules.RelevantState, error) {
	st := authrules.RelevantState{Members: map[string]json.RawMessage{}}
	if nid == 0 {
		return st, nil
	}
	full, err := in.Compressor.LoadSnapshot(ctx, nid)
	if err != nil {
		return authrules.RelevantState{}, err
	}
	for _, eventNID := range full {
		eventID, err := in.Interner.EventIDFromNID(ctx, eventNID)
		if err != nil {
			return authrules.RelevantState{}, err
		}
		raw, found, err := in.Timeline.GetPDU(ctx, eventID)
		if err != nil {
			return authrules.RelevantState{}, err
		}
		if !found {
			continue
		}
		applyAuthEvent(&st, raw)
	}
	return st, nil
}

// stateBeforeFor returns the StateSnapshotNID representing room state
// immediately before the incoming event. If prevEvents exactly match the
// room's current forward extremities, the room's current snapshot is
// reused; otherwise this is a state-resolution join across the branches
// named by prevEvents (§4.F).
func (in *Inputer) stateBeforeFor(ctx context.Context, roomNID types.RoomNID, prevEvents, currentExtremities []string) (types.StateSnapshotNID, error) {
	if sameSet(prevEvents, currentExtremities) {
		return in.currentRoomSnapshot(ctx, roomNID)
	}

	var snapshots []map[types.StateKeyTuple]types.EventNID
	for _, prevEventID := range prevEvents {
		prevNID, err := in.Interner.EventNID(ctx, prevEventID)
		if err != nil {
			return 0, err
		}
		snapNID, err := in.State.PduShortStateHash(ctx, prevNID)
		if err != nil {
			if eventgraphutil.KindOf(err) == eventgraphutil.KindNotFound {
				continue
			}
			return 0, err
		}
		full, err := in.Compressor.LoadSnapshot(ctx, snapNID)
		if err != nil {
			return 0, err
		}
		snapshots = append(snapshots, full)
	}
	if len(snapshots) == 0 {
		return in.currentRoomSnapshot(ctx, roomNID)
	}

	resolved, err := stateresolution.Resolve(snapshots, in.stateResolutionFetcher(ctx))
	if err != nil {
		return 0, err
	}
	return in.Compressor.StoreSnapshot(ctx, 0, types.DeduplicateStateEntries(mapToEntries(resolved)), nil)
}

func (in *Inputer) stateResolutionFetcher(ctx context.Context) stateresolution.AuthEventsFetcher {
	return func(nid types.EventNID) (stateresolution.Event, bool) {
		eventID, err := in.Interner.EventIDFromNID(ctx, nid)
		if err != nil {
			return stateresolution.Event{}, false
		}
		raw, found, err := in.Timeline.GetPDU(ctx, eventID)
		if err != nil || !found {
			return stateresolution.Event{}, false
		}
		parsed := gjson.ParseBytes(raw)
		return stateresolution.Event{
			EventNID:       nid,
			EventID:        eventID,
			OriginServerTS: parsed.Get("origin_server_ts").Int(),
		}, true
	}
}

func mapToEntries(m map[types.StateKeyTuple]types.EventNID) []types.StateEntry {
	out := make([]types.StateEntry, 0, len(m))
	for k, v := range m {
		out = append(out, types.StateEntry{StateKeyTuple: k, EventNID: v})
	}
	return out
}

// advanceState stores a one-entry delta on top of stateBeforeNID adding
// the incoming state event, allocating the event's own interned type/state
// key NIDs as needed.
func (in *Inputer) advanceState(ctx context.Context, base types.StateSnapshotNID, fields pduFields, eventNID types.EventNID) (types.StateSnapshotNID, error) {
	typeNID, err := in.Interner.EventTypeNID(ctx, fields.Type)
	if err != nil {
		return 0, err
	}
	keyNID, err := in.Interner.EventStateKeyNID(ctx, *fields.StateKey)
	if err != nil {
		return 0, err
	}
	entry := types.StateEntry{StateKeyTuple: types.StateKeyTuple{EventTypeNID: typeNID, EventStateKeyNID: keyNID}, EventNID: eventNID}
	return in.Compressor.StoreSnapshot(ctx, base, []types.StateEntry{entry}, nil)
}

// currentRoomSnapshot returns roomNID's current state snapshot, or 0 if the
// room has no state recorded yet (a brand new room whose first event, the
// m.room.create, is still being processed).
func (in *Inputer) currentRoomSnapshot(ctx context.Context, roomNID types.RoomNID) (types.StateSnapshotNID, error) {
	nid, found, err := in.RoomState.RoomSnapshot(ctx, roomNID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	return nid, nil
}

func (in *Inputer) recordRoomSnapshot(ctx context.Context, roomNID types.RoomNID, nid types.StateSnapshotNID) error {
	return in.RoomState.SetRoomSnapshot(ctx, roomNID, nid)
}

func (in *Inputer) recordEventSnapshot(ctx context.Context, eventNID types.EventNID, nid types.StateSnapshotNID) error {
	return in.RoomState.SetEventSnapshot(ctx, eventNID, nid)
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, x := range a {
		seen[x] = struct{}{}
	}
	for _, y := range b {
		if _, ok := seen[y]; !ok {
			return false
		}
	}
	return true
}
