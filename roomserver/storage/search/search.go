// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package search implements the inverted word index half of component I:
// tokenize message bodies by splitting on non-alphanumeric characters,
// lowercase, discard tokens over 50 characters, and write
// (shortroomid, token, pduid) keys with an empty value (the `tokenids`
// column family from §6). Query intersects the per-token pduid streams so
// results come back newest-first, matching Dendrite's own
// `syncapi/storage` search implementation shape (one row per occurrence, no
// scoring) rather than delegating to a scored full-text engine — see
// DESIGN.md for why `blevesearch/bleve` was dropped in favor of this.
package search

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/element-hq/eventgraph/internal/eventgraphutil"
	"github.com/element-hq/eventgraph/roomserver/types"
	"github.com/element-hq/eventgraph/storage/kv"
)

// MaxTokenLength discards tokens longer than this many runes, per §4.I.
const MaxTokenLength = 50

const ns = "toki" // tokenids

// Index is the search inverted index over one shared KV store.
type Index struct {
	kv kv.KeyValueStore
}

func Open(store kv.KeyValueStore) *Index {
	return &Index{kv: store}
}

// Tokenize splits body on non-alphanumeric characters, lowercases each
// piece, and drops empty pieces and anything over MaxTokenLength runes.
func Tokenize(body string) []string {
	fields := strings.FieldsFunc(body, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ToLower(f)
		if len(f) == 0 || len([]rune(f)) > MaxTokenLength {
			continue
		}
		out = append(out, f)
	}
	return out
}

// sortableCount maps a PduCount onto a zero-padded decimal string that
// byte-lexicographically sorts the same way the count numerically compares,
// including the backfilled negative namespace, by biasing into an unsigned
// range before formatting (mirroring how timeline.go's own pduIDKey already
// relies on fixed-width decimal rather than raw binary, so no key component
// here can ever collide with the reserved 0xFF boundary byte).
func sortableCount(count types.PduCount) string {
	biased := uint64(count) + (1 << 63)
	return fmt.Sprintf("%020d", biased)
}

func parseSortableCount(s string) types.PduCount {
	biased, _ := strconv.ParseUint(s, 10, 64)
	return types.PduCount(biased - (1 << 63))
}

func tokenKey(room types.RoomNID, token string, count types.PduCount) []byte {
	return kv.NewKeyBuilder().
		Append([]byte(ns)).
		Append([]byte(fmt.Sprintf("%020d", uint64(room)))).
		Append([]byte(token)).
		Append([]byte(sortableCount(count))).
		Bytes()
}

func tokenPrefix(room types.RoomNID, token string) []byte {
	return append(kv.NewKeyBuilder().
		Append([]byte(ns)).
		Append([]byte(fmt.Sprintf("%020d", uint64(room)))).
		Append([]byte(token)).
		Bytes(), kv.Boundary)
}

func roomPrefix(room types.RoomNID) []byte {
	return append(kv.NewKeyBuilder().
		Append([]byte(ns)).
		Append([]byte(fmt.Sprintf("%020d", uint64(room)))).
		Bytes(), kv.Boundary)
}

// IndexBody tokenizes body and writes one (room, token, pduid) key per
// distinct token occurrence. Called by the search consumer of the output
// stream (§4.M) once per persisted m.room.message-shaped PDU.
func (idx *Index) IndexBody(ctx context.Context, room types.RoomNID, count types.PduCount, body string) error {
	tokens := Tokenize(body)
	if len(tokens) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tokens))
	pairs := make([]kv.Pair, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		pairs = append(pairs, kv.Pair{Key: tokenKey(room, t, count), Value: []byte{}})
	}
	if err := idx.kv.BatchInsert(ctx, pairs); err != nil {
		return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "index search tokens")
	}
	return nil
}

// Search tokenizes term identically to IndexBody, then intersects the
// per-token pduid streams in room, returning matching PduCounts newest
// (highest count) first. A term that tokenizes to nothing returns no
// results. limit <= 0 means unbounded.
func (idx *Index) Search(ctx context.Context, room types.RoomNID, term string, limit int) ([]types.PduCount, error) {
	tokens := Tokenize(term)
	if len(tokens) == 0 {
		return nil, nil
	}

	streams := make([]map[types.PduCount]struct{}, len(tokens))
	var first []types.PduCount
	for i, t := range tokens {
		pairs, err := idx.kv.ScanPrefix(ctx, tokenPrefix(room, t))
		if err != nil {
			return nil, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "scan search token")
		}
		set := make(map[types.PduCount]struct{}, len(pairs))
		for _, p := range pairs {
			parts := kv.SplitKey(p.Key)
			count := parseSortableCount(string(parts[len(parts)-1]))
			set[count] = struct{}{}
			if i == 0 {
				first = append(first, count)
			}
		}
		streams[i] = set
	}

	var result []types.PduCount
	for _, c := range first {
		inAll := true
		for _, set := range streams[1:] {
			if _, ok := set[c]; !ok {
				inAll = false
				break
			}
		}
		if inAll {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] > result[j] })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// DeleteRoom removes every indexed token for room, part of the purge
// cascade (property 11).
func (idx *Index) DeleteRoom(ctx context.Context, room types.RoomNID) error {
	pairs, err := idx.kv.ScanPrefix(ctx, roomPrefix(room))
	if err != nil {
		return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "scan room tokens for purge")
	}
	for _, p := range pairs {
		if err := idx.kv.Delete(ctx, p.Key); err != nil {
			return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "delete search token")
		}
	}
	return nil
}
