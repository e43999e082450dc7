// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package queue implements the outbound federation queue (component J): a
// destinationQueue actor per destination, each owning up to one in-flight
// batch, backed by federationapi/storage for the queued/active split and
// federationapi/internal/backoff for the collapsing failure counter. This
// mirrors Dendrite's own federationapi/queue shape (one goroutine per
// destination rather than a shared worker pool), so a single
// backed-off destination never head-of-line blocks any other.
package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/eventgraph/federationapi/api"
	"github.com/element-hq/eventgraph/federationapi/internal/backoff"
	"github.com/element-hq/eventgraph/federationapi/storage"
	"github.com/element-hq/eventgraph/internal/eventgraphutil"
	"github.com/element-hq/eventgraph/internal/tracing"
	"github.com/element-hq/eventgraph/roomserver/internal/output"
	"github.com/element-hq/eventgraph/setup/config"
)

var _ api.FederationInternalAPI = (*OutgoingQueues)(nil)

// Sender delivers one transaction's worth of PDUs to destination over a
// signed federation PUT /send request. The concrete HTTP client, txn id
// generation, and X-Matrix request signing are injected at construction
// time, mirroring how roomserver/internal/input.Inputer takes a
// SignatureVerifier function rather than assuming a transport.
type Sender func(ctx context.Context, destination string, pdus []json.RawMessage) error

// EventSource resolves a persisted PDU's JSON by event id, turning an
// output.RoomEventMessage (identifying metadata only) into the bytes a
// transaction actually sends.
type EventSource func(ctx context.Context, eventID string) (pduJSON json.RawMessage, found bool, err error)

// DestinationsForRoom resolves which remote servers a persisted event in
// roomID must be delivered to. The concrete implementation (reading joined
// member servers out of the resolved room state) belongs to the HTTP layer
// this module hands events to, not to the queue itself.
type DestinationsForRoom func(ctx context.Context, roomID, eventID string) ([]string, error)

// OutgoingQueues owns one destinationQueue per destination it has ever sent
// to or revived at startup.
type OutgoingQueues struct {
	cfg          config.FederationAPI
	store        *storage.Index
	backoff      *backoff.Service
	send         Sender
	fetchEvent   EventSource
	destinations DestinationsForRoom
	log          *logrus.Entry

	mu     sync.Mutex
	queues map[string]*destinationQueue
}

// NewOutgoingQueues wires the transmitter together. send, fetchEvent, and
// destinations are injected so this package assumes nothing about the HTTP
// client, the timeline store, or how room membership is resolved.
func NewOutgoingQueues(cfg config.FederationAPI, store *storage.Index, bk *backoff.Service, send Sender, fetchEvent EventSource, destinations DestinationsForRoom) *OutgoingQueues {
	return &OutgoingQueues{
		cfg:          cfg,
		store:        store,
		backoff:      bk,
		send:         send,
		fetchEvent:   fetchEvent,
		destinations: destinations,
		log:          logrus.WithField("component", "federationapi/queue"),
		queues:       map[string]*destinationQueue{},
	}
}

func (q *OutgoingQueues) queueFor(destination string) *destinationQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	dq, ok := q.queues[destination]
	if !ok {
		dq = newDestinationQueue(q, destination)
		q.queues[destination] = dq
		go dq.run()
	}
	return dq
}

// SendEvent enqueues pduJSON under pduID for each of destinations and wakes
// (or starts) their destinationQueue actors.
func (q *OutgoingQueues) SendEvent(ctx context.Context, pduID string, pduJSON json.RawMessage, destinations []string) error {
	for _, dest := range destinations {
		if err := q.store.Enqueue(ctx, dest, pduID, pduJSON); err != nil {
			return err
		}
		observeSendQueueDepth(1)
		q.queueFor(dest).wake()
	}
	return nil
}

// Start revives every destination with queued or active work left over
// from before a restart (§4.J: "at startup, active entries are revived").
func (q *OutgoingQueues) Start(ctx context.Context) error {
	active, err := q.store.ListActiveDestinations(ctx)
	if err != nil {
		return err
	}
	queued, err := q.store.ListQueuedDestinations(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(active)+len(queued))
	for _, dest := range append(active, queued...) {
		if _, ok := seen[dest]; ok {
			continue
		}
		seen[dest] = struct{}{}
		q.queueFor(dest).wake()
	}
	return nil
}

// HandleRoomEvent is the output.Subscribe handler the federation queue
// registers at startup: it resolves the persisted event's destinations and
// hands it to SendEvent. Soft-failed events are published to the stream as
// well; the KindPersisted check below skips them, so only persisted events
// are federated.
func (q *OutgoingQueues) HandleRoomEvent(ctx context.Context, msg output.RoomEventMessage) error {
	if msg.Kind != output.KindPersisted {
		return nil
	}
	pduJSON, found, err := q.fetchEvent(ctx, msg.EventID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	destinations, err := q.destinations(ctx, msg.RoomID, msg.EventID)
	if err != nil {
		return err
	}
	if len(destinations) == 0 {
		return nil
	}
	return q.SendEvent(ctx, msg.EventID, pduJSON, destinations)
}

// destinationQueue is the actor owning up to one in-flight batch for one
// destination, per §4.J. wakeCh is buffered to one slot: a queue that is
// already draining does not need a second wake-up queued behind it, since
// drain loops until the destination's backlog is empty anyway.
type destinationQueue struct {
	owner       *OutgoingQueues
	destination string
	wakeCh      chan struct{}
	log         *logrus.Entry
}

func newDestinationQueue(owner *OutgoingQueues, destination string) *destinationQueue {
	return &destinationQueue{
		owner:       owner,
		destination: destination,
		wakeCh:      make(chan struct{}, 1),
		log:         owner.log.WithField("destination", destination),
	}
}

func (dq *destinationQueue) wake() {
	select {
	case dq.wakeCh <- struct{}{}:
	default:
	}
}

func (dq *destinationQueue) run() {
	ctx := context.Background()
	for range dq.wakeCh {
		dq.drain(ctx)
	}
}

// drain sends batches until the destination's backlog is empty or it enters
// backoff, in which case a timer rewakes the actor once the backoff has
// elapsed.
func (dq *destinationQueue) drain(ctx context.Context) {
	for {
		inEffect, wait, err := dq.owner.backoff.InEffect(ctx, dq.destination)
		if err != nil {
			dq.log.WithError(err).Error("checking backoff state")
			return
		}
		if inEffect {
			time.AfterFunc(wait, dq.wake)
			return
		}

		batch, err := dq.claimBatch(ctx)
		if err != nil {
			dq.log.WithError(err).Error("claiming batch")
			return
		}
		if len(batch) == 0 {
			return
		}

		dq.sendBatch(ctx, batch)
	}
}

// claimBatch returns a revived in-flight batch if one is outstanding from
// before a restart, otherwise claims a fresh batch up to MaxBatchSize from
// the queued set.
func (dq *destinationQueue) claimBatch(ctx context.Context) ([]storage.QueuedEvent, error) {
	active, err := dq.owner.store.ListActive(ctx, dq.destination)
	if err != nil {
		return nil, err
	}
	if len(active) > 0 {
		return active, nil
	}

	queued, err := dq.owner.store.ListQueued(ctx, dq.destination, dq.owner.cfg.MaxBatchSize)
	if err != nil {
		return nil, err
	}
	if len(queued) == 0 {
		return nil, nil
	}
	if err := dq.owner.store.ClaimActive(ctx, dq.destination, queued); err != nil {
		return nil, err
	}
	return queued, nil
}

func (dq *destinationQueue) sendBatch(ctx context.Context, batch []storage.QueuedEvent) {
	// batchID correlates this attempt across the span, the log lines below,
	// and (for Sender implementations that log on their end too) the actual
	// HTTP round trip, the way a request id threads through a normal server.
	// It never reaches the wire: the Matrix federation transaction id is the
	// HTTP layer's concern, not this package's.
	batchID := uuid.NewString()

	span, ctx := tracing.StartSpan(ctx, "federationapi.sendBatch")
	span.SetTag("destination", dq.destination)
	span.SetTag("batch_size", len(batch))
	span.SetTag("batch_id", batchID)
	defer span.Finish()

	log := dq.log.WithField("batch_id", batchID)

	guard, err := dq.owner.backoff.Guard(ctx, dq.destination)
	if err != nil {
		log.WithError(err).Error("reading backoff guard")
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, dq.owner.cfg.SendTimeout)
	defer cancel()

	pdus := make([]json.RawMessage, len(batch))
	ids := make([]string, len(batch))
	for i, ev := range batch {
		pdus[i] = ev.PDUJSON
		ids[i] = ev.PDUID
	}

	sendErr := dq.owner.send(sendCtx, dq.destination, pdus)
	switch {
	case sendErr == nil:
		if err := dq.owner.store.CompleteActive(ctx, dq.destination, ids); err != nil {
			log.WithError(err).Error("completing active batch")
		}
		observeSendQueueDepth(-int64(len(batch)))
		if err := dq.owner.backoff.Success(ctx, dq.destination); err != nil {
			log.WithError(err).Error("resetting backoff state")
		}

	case isPermanentFailure(sendErr):
		// Auth rejection or a bad request after signature verification: the
		// batch can never succeed by resending the same bytes, so drop it.
		log.WithError(sendErr).Warn("dropping batch after permanent failure")
		if err := dq.owner.store.CompleteActive(ctx, dq.destination, ids); err != nil {
			log.WithError(err).Error("completing dropped batch")
		}
		observeSendQueueDepth(-int64(len(batch)))

	case ctx.Err() != nil:
		// Cancellation is not a failure (§5): leave the batch active and do
		// not bump backoff.

	default:
		if _, err := dq.owner.backoff.HardFailure(ctx, dq.destination, guard); err != nil {
			log.WithError(err).Error("recording hard failure")
		}
	}
}

// isPermanentFailure reports whether err should drop its batch outright
// rather than retry under backoff: signature/auth rejections and malformed
// requests can never succeed by resending the same bytes.
func isPermanentFailure(err error) bool {
	switch eventgraphutil.KindOf(err) {
	case eventgraphutil.KindSignatureInvalid, eventgraphutil.KindAuthRejected, eventgraphutil.KindForbidden, eventgraphutil.KindBadJSON:
		return true
	default:
		return false
	}
}
