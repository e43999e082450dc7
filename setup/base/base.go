// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package base is the composition root: it owns the single
// config/logging/cache/storage/JetStream singleton every other package is
// handed an explicit pointer to, the way Dendrite's own setup/base.BaseDendrite
// is built once in main() and threaded through every component constructor
// rather than reached for as ambient global state (§9 "Global mutable
// state" design note).
package base

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/element-hq/eventgraph/internal/caching"
	"github.com/element-hq/eventgraph/internal/logging"
	"github.com/element-hq/eventgraph/internal/sqlutil"
	"github.com/element-hq/eventgraph/internal/tracing"
	"github.com/element-hq/eventgraph/roomserver/internal"
	roomserverapi "github.com/element-hq/eventgraph/roomserver/api"
	"github.com/element-hq/eventgraph/roomserver/internal/indexconsumer"
	"github.com/element-hq/eventgraph/roomserver/internal/input"
	"github.com/element-hq/eventgraph/roomserver/internal/output"
	"github.com/element-hq/eventgraph/roomserver/internal/roomlock"
	"github.com/element-hq/eventgraph/roomserver/state"
	"github.com/element-hq/eventgraph/roomserver/state/authchain"
	"github.com/element-hq/eventgraph/roomserver/storage/directory"
	"github.com/element-hq/eventgraph/roomserver/storage/relations"
	"github.com/element-hq/eventgraph/roomserver/storage/roomstate"
	"github.com/element-hq/eventgraph/roomserver/storage/search"
	"github.com/element-hq/eventgraph/roomserver/storage/shortid"
	"github.com/element-hq/eventgraph/roomserver/storage/statesnapshot"
	"github.com/element-hq/eventgraph/roomserver/storage/timeline"
	"github.com/element-hq/eventgraph/roomserver/types"
	"github.com/element-hq/eventgraph/setup/config"
	"github.com/element-hq/eventgraph/storage/kv"

	"github.com/element-hq/eventgraph/federationapi/internal/backoff"
	"github.com/element-hq/eventgraph/federationapi/queue"
	federationstorage "github.com/element-hq/eventgraph/federationapi/storage"
)

// EventGraph holds every long-lived handle the event-graph core needs,
// assembled once from a config.EventGraph and handed to the HTTP/CLI layers
// (out of scope for this module) as a single explicit value.
type EventGraph struct {
	Cfg    *config.EventGraph
	Caches *caching.Caches

	Interner   *shortid.Interner
	Compressor *statesnapshot.Compressor
	Timeline   *timeline.Store
	RoomState  *roomstate.Index
	State      *state.Accessor
	AuthChains *authchain.Cache
	RoomLock   *roomlock.Registry
	Search     *search.Index
	Relations  *relations.Index
	Directory  *directory.Index

	JetStream *output.Embedded
	Output    *output.Producer

	Inputer *input.Inputer
	Purger  *internal.Purger

	Federation *queue.OutgoingQueues

	API *roomserverapi.RoomserverInternalAPI

	tracerCloser interface{ Close() error }
}

// NewEventGraph opens the configured database, builds every storage/index
// partition inside it, starts (or connects to) the output stream's
// JetStream instance, and wires the ingestion pipeline and purge cascade
// together. verify, fetchRemote, send and destinationsForRoom are injected
// since the concrete signature-verification, federation-fetch, outbound
// transport, and room-membership-to-server resolution all belong to the
// HTTP/federation layer this module doesn't build (mirroring
// roomserver/internal/input.Inputer's own injected-function boundary).
func NewEventGraph(ctx context.Context, cfg *config.EventGraph, verify input.SignatureVerifier, fetchRemote input.FetchRemoteEvent, send queue.Sender, destinationsForRoom queue.DestinationsForRoom) (*EventGraph, error) {
	logging.SetupStdLogging()
	logging.SetupHookLogging(cfg.Global.Logging)
	if err := logging.SetupSentry(cfg.Global.Sentry, cfg.Global.ServerName, "eventgraph"); err != nil {
		return nil, fmt.Errorf("setup sentry: %w", err)
	}
	closer, err := tracing.Init("eventgraph", cfg.Global.Tracing)
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}

	db, err := sqlutil.Open(&cfg.RoomServer.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	writer := sqlutil.NewExclusiveWriter()
	if cfg.RoomServer.Database.ConnectionString.IsPostgres() {
		writer = sqlutil.NewPassthroughWriter()
	}

	open := func(name string) (kv.KeyValueStore, error) {
		return kv.Open(db, writer, name, cfg.RoomServer.Database.ConnectionString.IsPostgres())
	}
	shortidStore, err := open("shortid")
	if err != nil {
		return nil, err
	}
	snapStore, err := open("statesnapshot")
	if err != nil {
		return nil, err
	}
	tlStore, err := open("timeline")
	if err != nil {
		return nil, err
	}
	rsStore, err := open("roomstate")
	if err != nil {
		return nil, err
	}
	searchStore, err := open("search")
	if err != nil {
		return nil, err
	}
	relStore, err := open("relations")
	if err != nil {
		return nil, err
	}
	dirStore, err := open("directory")
	if err != nil {
		return nil, err
	}

	caches := caching.NewRistrettoCache(cfg.Global.Cache.MaxSize, cfg.Global.Cache.MaxAge, caching.EnableMetrics)

	interner, err := shortid.Open(ctx, shortidStore, caches)
	if err != nil {
		return nil, fmt.Errorf("open shortid interner: %w", err)
	}
	compressor := statesnapshot.Open(snapStore, cfg.RoomServer.MaxShortStateSnapshotDepth, 4096)
	tl := timeline.Open(tlStore)
	rs := roomstate.Open(rsStore)
	accessor := state.NewAccessor(interner, compressor, tl, rs.EventSnapshot)
	authChains := authchain.New(authEventsFetcher(interner, tl))
	locks := roomlock.New()
	searchIdx := search.Open(searchStore)
	relIdx := relations.Open(relStore)
	dirIdx := directory.Open(dirStore)

	embedded, err := output.StartEmbedded(cfg.Global.JetStream)
	if err != nil {
		return nil, fmt.Errorf("start output stream: %w", err)
	}
	producer := output.NewProducer(embedded.JS)

	inputer := input.New(interner, compressor, tl, accessor, authChains, locks, rs, producer, verify, fetchRemote, &cfg.RoomServer)
	inputer.Directory = dirIdx
	purger := internal.NewPurger(interner, compressor, tl, rs, authChains, locks, searchIdx, relIdx, dirIdx)

	if err := indexconsumer.Start(ctx, embedded.JS, tl, searchIdx, relIdx); err != nil {
		return nil, fmt.Errorf("start index consumers: %w", err)
	}

	fedDB, err := sqlutil.Open(&cfg.FederationAPI.Database)
	if err != nil {
		return nil, fmt.Errorf("open federationapi database: %w", err)
	}
	fedWriter := sqlutil.NewExclusiveWriter()
	if cfg.FederationAPI.Database.ConnectionString.IsPostgres() {
		fedWriter = sqlutil.NewPassthroughWriter()
	}
	fedStore, err := kv.Open(fedDB, fedWriter, "federationqueue", cfg.FederationAPI.Database.ConnectionString.IsPostgres())
	if err != nil {
		return nil, fmt.Errorf("open federationapi storage: %w", err)
	}
	fedIdx := federationstorage.Open(fedStore)
	backoffSvc := backoff.New(cfg.FederationAPI, fedStore)
	outgoing := queue.NewOutgoingQueues(cfg.FederationAPI, fedIdx, backoffSvc, send, eventSourceFor(tl), destinationsForRoom)
	if err := outgoing.Start(ctx); err != nil {
		return nil, fmt.Errorf("start federation queue: %w", err)
	}
	if _, err := output.Subscribe(ctx, embedded.JS, "eventgraph-federation-queue", outgoing.HandleRoomEvent); err != nil {
		return nil, fmt.Errorf("subscribe federation queue: %w", err)
	}

	eg := &EventGraph{
		Cfg: cfg, Caches: caches,
		Interner: interner, Compressor: compressor, Timeline: tl, RoomState: rs,
		State: accessor, AuthChains: authChains, RoomLock: locks,
		Search: searchIdx, Relations: relIdx, Directory: dirIdx,
		JetStream: embedded, Output: producer,
		Inputer: inputer, Purger: purger,
		Federation:   outgoing,
		tracerCloser: closer,
	}
	eg.API = roomserverapi.NewRoomserverInternalAPI(inputer, searchIdx, relIdx, dirIdx, purger)
	return eg, nil
}

// authEventsFetcher adapts the persisted timeline into the
// authchain.AuthEventsFetcher shape: read the stored PDU JSON for eventNID
// and resolve its auth_events array back to NIDs, matching how
// roomserver/internal/input reads pduFields out of raw JSON with gjson
// rather than a typed event struct.
func authEventsFetcher(in *shortid.Interner, tl *timeline.Store) authchain.AuthEventsFetcher {
	return func(ctx context.Context, eventNID types.EventNID) ([]types.EventNID, bool, error) {
		eventID, err := in.EventIDFromNID(ctx, eventNID)
		if err != nil {
			return nil, false, nil
		}
		pduJSON, found, err := tl.GetPDU(ctx, eventID)
		if err != nil {
			return nil, false, err
		}
		if !found {
			return nil, false, nil
		}
		authEventIDs := gjson.GetBytes(pduJSON, "auth_events").Array()
		nids := make([]types.EventNID, 0, len(authEventIDs))
		for _, v := range authEventIDs {
			nid, err := in.EventNID(ctx, v.String())
			if err != nil {
				return nil, false, err
			}
			nids = append(nids, nid)
		}
		return nids, true, nil
	}
}

// eventSourceFor adapts the timeline store into the queue.EventSource shape
// the federation sender uses to re-read a PDU's JSON by event_id when
// batching it for a destination.
func eventSourceFor(tl *timeline.Store) queue.EventSource {
	return func(ctx context.Context, eventID string) ([]byte, bool, error) {
		return tl.GetPDU(ctx, eventID)
	}
}

// Close shuts down the output stream connection and flushes the tracer.
func (eg *EventGraph) Close() {
	if eg.JetStream != nil {
		eg.JetStream.Close()
	}
	if eg.tracerCloser != nil {
		_ = eg.tracerCloser.Close()
	}
	logrus.Info("eventgraph shut down")
}
