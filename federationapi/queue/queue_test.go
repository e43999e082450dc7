// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/eventgraph/federationapi/internal/backoff"
	"github.com/element-hq/eventgraph/federationapi/storage"
	"github.com/element-hq/eventgraph/internal/eventgraphutil"
	"github.com/element-hq/eventgraph/internal/sqlutil"
	"github.com/element-hq/eventgraph/roomserver/internal/output"
	"github.com/element-hq/eventgraph/setup/config"
	"github.com/element-hq/eventgraph/storage/kv"
)

func testConfig(t *testing.T) config.FederationAPI {
	t.Helper()
	cfg := config.FederationAPI{}
	cfg.Defaults()
	cfg.MaxBatchSize = 50
	cfg.SendTimeout = time.Second
	return cfg
}

func newTestQueues(t *testing.T, send Sender) (*OutgoingQueues, *storage.Index) {
	t.Helper()
	db, err := sqlutil.Open(&config.DatabaseOptions{ConnectionString: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	kvStore, err := kv.Open(db, sqlutil.NewExclusiveWriter(), "t_queue", false)
	require.NoError(t, err)

	idx := storage.Open(kvStore)
	bk := backoff.New(testConfig(t), kvStore)

	fetchEvent := func(_ context.Context, eventID string) (json.RawMessage, bool, error) {
		return json.RawMessage(`{"event_id":"` + eventID + `"}`), true, nil
	}
	destinations := func(_ context.Context, _, _ string) ([]string, error) {
		return []string{"remote.example"}, nil
	}

	return NewOutgoingQueues(testConfig(t), idx, bk, send, fetchEvent, destinations), idx
}

// recordingSender records every batch it is handed and replies according to
// a caller-supplied result function, so tests can simulate success,
// transient failure, or permanent rejection without a real HTTP round trip.
type recordingSender struct {
	mu      sync.Mutex
	batches [][]json.RawMessage
	result  func(destination string, batch []json.RawMessage) error
}

func (s *recordingSender) send(ctx context.Context, destination string, pdus []json.RawMessage) error {
	s.mu.Lock()
	s.batches = append(s.batches, pdus)
	s.mu.Unlock()
	return s.result(destination, pdus)
}

func (s *recordingSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestSendEvent_SuccessCompletesActiveBatch(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{result: func(string, []json.RawMessage) error { return nil }}
	queues, idx := newTestQueues(t, sender.send)

	ctx := context.Background()
	err := queues.SendEvent(ctx, "1~abc", json.RawMessage(`{"event_id":"$abc"}`), []string{"remote.example"})
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool { return sender.callCount() >= 1 })

	waitFor(t, time.Second, func() bool {
		active, err := idx.ListActive(ctx, "remote.example")
		return err == nil && len(active) == 0
	})

	queued, err := idx.ListQueued(ctx, "remote.example", 0)
	require.NoError(t, err)
	assert.Empty(t, queued, "completed batch should not remain queued")
}

func TestSendEvent_PermanentFailureDropsBatch(t *testing.T) {
	t.Parallel()

	permanentErr := eventgraphutil.New(eventgraphutil.KindAuthRejected, "rejected")
	sender := &recordingSender{result: func(string, []json.RawMessage) error { return permanentErr }}
	queues, idx := newTestQueues(t, sender.send)

	ctx := context.Background()
	require.NoError(t, queues.SendEvent(ctx, "1~abc", json.RawMessage(`{}`), []string{"remote.example"}))

	waitFor(t, time.Second, func() bool {
		active, err := idx.ListActive(ctx, "remote.example")
		return err == nil && len(active) == 0
	})

	assert.Equal(t, 1, sender.callCount(), "a permanently failed batch must not be retried")
}

func TestSendEvent_TransientFailureLeavesBatchActive(t *testing.T) {
	t.Parallel()

	transientErr := eventgraphutil.New(eventgraphutil.KindRemoteUnavailable, "connection refused")
	sender := &recordingSender{result: func(string, []json.RawMessage) error { return transientErr }}
	queues, idx := newTestQueues(t, sender.send)

	ctx := context.Background()
	require.NoError(t, queues.SendEvent(ctx, "1~abc", json.RawMessage(`{}`), []string{"remote.example"}))

	waitFor(t, time.Second, func() bool { return sender.callCount() >= 1 })

	active, err := idx.ListActive(ctx, "remote.example")
	require.NoError(t, err)
	assert.Len(t, active, 1, "a transiently failed batch stays active for backoff retry")
}

func TestHandleRoomEvent_IgnoresSoftFailed(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{result: func(string, []json.RawMessage) error { return nil }}
	queues, _ := newTestQueues(t, sender.send)

	err := queues.HandleRoomEvent(context.Background(), output.RoomEventMessage{
		Kind:    output.KindSoftFailed,
		RoomID:  "!room:example",
		EventID: "$abc",
	})
	require.NoError(t, err)
	assert.Zero(t, sender.callCount(), "soft-failed events never reach the federation queue")
}

func TestIsPermanentFailure(t *testing.T) {
	t.Parallel()

	assert.True(t, isPermanentFailure(eventgraphutil.New(eventgraphutil.KindSignatureInvalid, "bad sig")))
	assert.True(t, isPermanentFailure(eventgraphutil.New(eventgraphutil.KindAuthRejected, "rejected")))
	assert.False(t, isPermanentFailure(eventgraphutil.New(eventgraphutil.KindRemoteUnavailable, "down")))
	assert.False(t, isPermanentFailure(eventgraphutil.New(eventgraphutil.KindStorageIO, "io")))
}
