// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package output implements the ingestion pipeline's "Fanned-out" step
// (§4.H step 6, §4.M): rather than the room-lock-held Persisted step
// calling directly into the search indexer, the relations indexer, and the
// federation sender, it publishes one OutputRoomEvent message per persisted
// PDU onto a nats.go JetStream stream, consumed independently and
// durably by each of those three downstream components. This is the same
// decoupling Dendrite's syncapi/consumers package performs for the sync
// API, reused here so indexing and federation fan-out never hold up
// 4.D's append.
package output

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/element-hq/eventgraph/internal/eventgraphutil"
	"github.com/element-hq/eventgraph/roomserver/types"
)

// StreamName is the JetStream stream every Producer publishes to and every
// consumer subscribes against.
const StreamName = "EVENTGRAPH_OUTPUT"

// Subject is the single subject used within StreamName; downstream
// consumers all durable-subscribe to the same subject with distinct
// consumer names so each sees every message independently.
const Subject = StreamName + ".room_event"

// EventKind distinguishes why a message was published, mirroring the
// ingestion pipeline's state machine outcomes.
type EventKind string

const (
	// KindPersisted is a PDU that completed Persisted and became (or
	// remained) a forward extremity.
	KindPersisted EventKind = "persisted"
	// KindSoftFailed is a PDU that was stored but did not advance forward
	// progress (§4.H step 4).
	KindSoftFailed EventKind = "soft_failed"
)

// RoomEventMessage is the wire payload of one OutputRoomEvent message.
type RoomEventMessage struct {
	Kind        EventKind      `json:"kind"`
	RoomID      string         `json:"room_id"`
	EventID     string         `json:"event_id"`
	RoomNID     types.RoomNID  `json:"room_nid"`
	PduCount    types.PduCount `json:"pdu_count"`
	StateNID    types.StateSnapshotNID `json:"state_nid,omitempty"`
	IsStateEvent bool          `json:"is_state_event,omitempty"`
}

// Producer publishes RoomEventMessages onto the output stream. It holds no
// state beyond the JetStream context, matching Dendrite's own thin
// producer wrappers (syncapi/consumers' companion producers).
type Producer struct {
	js nats.JetStreamContext
}

// NewProducer wraps an already-connected JetStreamContext. EnsureStream
// should be called once at startup before any Publish.
func NewProducer(js nats.JetStreamContext) *Producer {
	return &Producer{js: js}
}

// EnsureStream creates StreamName if it does not already exist, matching
// the pattern Dendrite uses when wiring up each of its own internal
// streams at startup.
func EnsureStream(js nats.JetStreamContext) error {
	_, err := js.StreamInfo(StreamName)
	if err == nil {
		return nil
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{Subject},
		Storage:  nats.FileStorage,
	})
	if err != nil {
		return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "create output stream")
	}
	return nil
}

// PublishRoomEvent publishes one message, blocking until JetStream has
// acknowledged the write (at-least-once delivery to every durable
// consumer).
func (p *Producer) PublishRoomEvent(ctx context.Context, msg RoomEventMessage) error {
	buf, err := json.Marshal(msg)
	if err != nil {
		return eventgraphutil.Wrap(eventgraphutil.KindStorageCorrupt, err, "encode output message")
	}
	if _, err := p.js.Publish(Subject, buf, nats.Context(ctx)); err != nil {
		return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, fmt.Sprintf("publish output message for %s", msg.EventID))
	}
	return nil
}

// Subscribe starts a durable push consumer named durableName and invokes
// handle for every message, acking only once handle returns nil. Each of
// search, relations, and the federation queue calls this once with its own
// durableName so JetStream tracks an independent delivery cursor per
// consumer.
func Subscribe(ctx context.Context, js nats.JetStreamContext, durableName string, handle func(context.Context, RoomEventMessage) error) (*nats.Subscription, error) {
	sub, err := js.Subscribe(Subject, func(m *nats.Msg) {
		var msg RoomEventMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			_ = m.Term()
			return
		}
		if err := handle(ctx, msg); err != nil {
			_ = m.Nak()
			return
		}
		_ = m.Ack()
	}, nats.Durable(durableName), nats.ManualAck(), nats.DeliverAll())
	if err != nil {
		return nil, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "subscribe "+durableName)
	}
	return sub, nil
}
