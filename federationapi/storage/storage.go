// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package storage persists the outbound federation queue's per-destination
// event lists (§6's `servercurrentevent_data`/`servernameevent_data` column
// families): events not yet sent to a destination ("queued"), and the batch
// the transmitter currently has in flight for it ("active"), so a restart
// can revive in-flight batches per §4.J rather than losing them. It follows
// the same single-KV-namespace-per-index shape as roomserver/storage/roomstate
// rather than Dendrite's dedicated postgres/sqlite table pair, since every
// other index in this tree is built the same way over storage/kv.
package storage

import (
	"context"
	"encoding/binary"

	"github.com/element-hq/eventgraph/storage/kv"
)

// QueuedEvent is one PDU pending delivery to a destination.
type QueuedEvent struct {
	PDUID   string
	PDUJSON []byte
}

const (
	nsQueued = "sevd" // servernameevent_data: queued, not yet claimed by a batch
	nsActive = "scev" // servercurrentevent_data: claimed by the in-flight batch
)

// Index is the outbound queue's persisted per-destination event store.
type Index struct {
	kv kv.KeyValueStore
}

func Open(store kv.KeyValueStore) *Index {
	return &Index{kv: store}
}

func eventKey(ns, destination, pduID string) []byte {
	return kv.NewKeyBuilder().Append([]byte(ns)).Append([]byte(destination)).Append([]byte(pduID)).Bytes()
}

// destinationPrefix returns the common prefix of every key under
// destination, including the trailing boundary byte that would otherwise
// separate it from a pduid component: without it, ScanPrefix("ns|matrix.org")
// would also match keys belonging to a destination like "matrix.org2".
func destinationPrefix(ns, destination string) []byte {
	return append(kv.NewKeyBuilder().Append([]byte(ns)).Append([]byte(destination)).Bytes(), kv.Boundary)
}

// Enqueue records pduJSON as queued for destination.
func (idx *Index) Enqueue(ctx context.Context, destination, pduID string, pduJSON []byte) error {
	return idx.kv.Put(ctx, eventKey(nsQueued, destination, pduID), pduJSON)
}

// ListQueued returns up to limit queued events for destination, oldest
// first by pduid (byte-lexicographic, matching the global total order
// next_count imposes). limit <= 0 means unbounded.
func (idx *Index) ListQueued(ctx context.Context, destination string, limit int) ([]QueuedEvent, error) {
	pairs, err := idx.kv.ScanPrefix(ctx, destinationPrefix(nsQueued, destination))
	if err != nil {
		return nil, err
	}
	return toEvents(pairs, limit), nil
}

// ClaimActive moves ids from queued to active for destination: the
// transmitter calls this once it has picked a batch to send, so a restart
// mid-send can find the same batch under active and resume it rather than
// silently dropping or duplicating work beyond what retrying the batch
// already implies.
func (idx *Index) ClaimActive(ctx context.Context, destination string, events []QueuedEvent) error {
	for _, ev := range events {
		if err := idx.kv.Put(ctx, eventKey(nsActive, destination, ev.PDUID), ev.PDUJSON); err != nil {
			return err
		}
		if err := idx.kv.Delete(ctx, eventKey(nsQueued, destination, ev.PDUID)); err != nil {
			return err
		}
	}
	return nil
}

// ListActive returns destination's in-flight batch, if any (populated at
// startup from whatever ClaimActive left behind before a crash or restart).
func (idx *Index) ListActive(ctx context.Context, destination string) ([]QueuedEvent, error) {
	pairs, err := idx.kv.ScanPrefix(ctx, destinationPrefix(nsActive, destination))
	if err != nil {
		return nil, err
	}
	return toEvents(pairs, 0), nil
}

// CompleteActive deletes ids from active for destination after a 2xx
// response (§4.J: "on 2xx, delete active entries").
func (idx *Index) CompleteActive(ctx context.Context, destination string, ids []string) error {
	for _, id := range ids {
		if err := idx.kv.Delete(ctx, eventKey(nsActive, destination, id)); err != nil {
			return err
		}
	}
	return nil
}

// ListActiveDestinations returns every destination with a non-empty active
// batch, for startup revival.
func (idx *Index) ListActiveDestinations(ctx context.Context) ([]string, error) {
	pairs, err := idx.kv.ScanPrefix(ctx, []byte(nsActive))
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var out []string
	for _, p := range pairs {
		parts := kv.SplitKey(p.Key)
		if len(parts) < 2 {
			continue
		}
		destination := string(parts[1])
		if _, ok := seen[destination]; !ok {
			seen[destination] = struct{}{}
			out = append(out, destination)
		}
	}
	return out, nil
}

// ListQueuedDestinations returns every destination with at least one queued
// event, for startup revival of destinations that never got an active batch
// claimed before a crash.
func (idx *Index) ListQueuedDestinations(ctx context.Context) ([]string, error) {
	pairs, err := idx.kv.ScanPrefix(ctx, []byte(nsQueued))
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var out []string
	for _, p := range pairs {
		parts := kv.SplitKey(p.Key)
		if len(parts) < 2 {
			continue
		}
		destination := string(parts[1])
		if _, ok := seen[destination]; !ok {
			seen[destination] = struct{}{}
			out = append(out, destination)
		}
	}
	return out, nil
}

func toEvents(pairs []kv.Pair, limit int) []QueuedEvent {
	kv.SortPairs(pairs)
	out := make([]QueuedEvent, 0, len(pairs))
	for _, p := range pairs {
		parts := splitLastComponent(p.Key)
		out = append(out, QueuedEvent{PDUID: parts, PDUJSON: p.Value})
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func splitLastComponent(key []byte) string {
	parts := kv.SplitKey(key)
	if len(parts) == 0 {
		return ""
	}
	return string(parts[len(parts)-1])
}

// educount below tracks the per-destination ephemeral-event counter
// (`servername_educount`); not otherwise wired into the queue yet, since
// this core carries no typing/presence EDU source, but kept as a thin
// persisted counter so a future EDU producer has somewhere to record it
// without a storage-layer change.
const nsEDUCount = "edct"

func (idx *Index) EDUCount(ctx context.Context, destination string) (uint64, error) {
	value, found, err := idx.kv.Get(ctx, []byte(nsEDUCount+destination))
	if err != nil || !found {
		return 0, err
	}
	return binary.BigEndian.Uint64(value), nil
}

func (idx *Index) SetEDUCount(ctx context.Context, destination string, count uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, count)
	return idx.kv.Put(ctx, []byte(nsEDUCount+destination), buf)
}
