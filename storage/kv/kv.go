// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package kv implements the KV store abstraction (component A): an ordered,
// byte-keyed map with prefix scan, batch insert, and point get/put/delete,
// backed by a single SQL table. Every higher-level index in this tree
// (short-id interner, state snapshots, timeline, search, relations,
// outbound queue) is a typed wrapper constructed over one KeyValueStore
// rather than embedding a bespoke storage engine, per the design note in
// SPEC_FULL.md §9 that the backend is chosen once at process start, not
// per call site.
package kv

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/element-hq/eventgraph/internal/eventgraphutil"
	"github.com/element-hq/eventgraph/internal/sqlutil"
)

// Boundary is the reserved separator byte composite keys are joined with.
// No individual key component may contain it unescaped; KeyBuilder enforces
// this at encode time.
const Boundary byte = 0xFF

// Pair is one key/value row returned from a scan.
type Pair struct {
	Key   []byte
	Value []byte
}

// KeyValueStore is the ordered byte-keyed map contract every index in this
// tree is built on.
type KeyValueStore interface {
	Get(ctx context.Context, key []byte) (value []byte, found bool, err error)
	Put(ctx context.Context, key, value []byte) error
	Delete(ctx context.Context, key []byte) error
	// ScanPrefix returns every pair whose key has the given prefix, in
	// ascending key order.
	ScanPrefix(ctx context.Context, prefix []byte) ([]Pair, error)
	// IterFrom returns pairs starting at (and including) key, ascending if
	// reverse is false, else descending starting at (and including) key.
	IterFrom(ctx context.Context, key []byte, reverse bool, limit int) ([]Pair, error)
	BatchInsert(ctx context.Context, pairs []Pair) error
}

// table is the SQL-backed implementation shared by the Postgres and SQLite
// constructors below; the two differ only in DDL column types.
type table struct {
	db       *sql.DB
	writer   sqlutil.Writer
	name     string
	postgres bool

	getStmt    *sql.Stmt
	deleteStmt *sql.Stmt
}

// Open creates (if needed) and returns the named KV namespace ("column
// family" in LMDB/RocksDB terms) within db.
func Open(db *sql.DB, writer sqlutil.Writer, name string, isPostgres bool) (KeyValueStore, error) {
	t := &table{db: db, writer: writer, name: name, postgres: isPostgres}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (kv_key BYTEA PRIMARY KEY, kv_value BYTEA NOT NULL)`, name)
	if !isPostgres {
		ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (kv_key BLOB PRIMARY KEY, kv_value BLOB NOT NULL)`, name)
	}
	if _, err := db.Exec(ddl); err != nil {
		return nil, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "create kv table "+name)
	}
	var err error
	if t.getStmt, err = db.Prepare(fmt.Sprintf(`SELECT kv_value FROM %s WHERE kv_key = $1`, name)); err != nil {
		return nil, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "prepare get")
	}
	if t.deleteStmt, err = db.Prepare(fmt.Sprintf(`DELETE FROM %s WHERE kv_key = $1`, name)); err != nil {
		return nil, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "prepare delete")
	}
	return t, nil
}

func (t *table) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	var value []byte
	err := t.getStmt.QueryRowContext(ctx, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "get")
	}
	return value, true, nil
}

func (t *table) upsertSQL() string {
	if t.postgres {
		return fmt.Sprintf(`INSERT INTO %s (kv_key, kv_value) VALUES ($1, $2) ON CONFLICT (kv_key) DO UPDATE SET kv_value = $2`, t.name)
	}
	return fmt.Sprintf(`INSERT INTO %s (kv_key, kv_value) VALUES ($1, $2) ON CONFLICT (kv_key) DO UPDATE SET kv_value = $2`, t.name)
}

func (t *table) Put(ctx context.Context, key, value []byte) error {
	return t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		_, err := txn.ExecContext(ctx, t.upsertSQL(), key, value)
		if err != nil {
			return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "put")
		}
		return nil
	})
}

func (t *table) Delete(ctx context.Context, key []byte) error {
	return t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		_, err := sqlutil.TxStmt(txn, t.deleteStmt).ExecContext(ctx, key)
		if err != nil {
			return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "delete")
		}
		return nil
	})
}

// ScanPrefix exploits byte-lexicographic key ordering: all keys with a
// given prefix are exactly those in [prefix, prefix+0xff...]. We fetch with
// a simple LIKE-free range bound instead, since appending 0xFF bytes is
// awkward across drivers; both backends store kv_key as raw bytes compared
// byte-for-byte, so a BETWEEN on the prefix and its "upper bound" (prefix
// with the last byte incremented, or unbounded if the prefix is all 0xff)
// is equivalent and portable.
func (t *table) ScanPrefix(ctx context.Context, prefix []byte) ([]Pair, error) {
	upper, unbounded := prefixUpperBound(prefix)
	var rows *sql.Rows
	var err error
	if unbounded {
		rows, err = t.db.QueryContext(ctx, fmt.Sprintf(`SELECT kv_key, kv_value FROM %s WHERE kv_key >= $1 ORDER BY kv_key ASC`, t.name), prefix)
	} else {
		rows, err = t.db.QueryContext(ctx, fmt.Sprintf(`SELECT kv_key, kv_value FROM %s WHERE kv_key >= $1 AND kv_key < $2 ORDER BY kv_key ASC`, t.name), prefix, upper)
	}
	if err != nil {
		return nil, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "scan prefix")
	}
	defer rows.Close() // nolint:errcheck
	var out []Pair
	for rows.Next() {
		var p Pair
		if err := rows.Scan(&p.Key, &p.Value); err != nil {
			return nil, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "scan prefix row")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *table) IterFrom(ctx context.Context, key []byte, reverse bool, limit int) ([]Pair, error) {
	op, order := ">=", "ASC"
	if reverse {
		op, order = "<=", "DESC"
	}
	q := fmt.Sprintf(`SELECT kv_key, kv_value FROM %s WHERE kv_key %s $1 ORDER BY kv_key %s`, t.name, op, order)
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := t.db.QueryContext(ctx, q, key)
	if err != nil {
		return nil, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "iter from")
	}
	defer rows.Close() // nolint:errcheck
	var out []Pair
	for rows.Next() {
		var p Pair
		if err := rows.Scan(&p.Key, &p.Value); err != nil {
			return nil, eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "iter from row")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *table) BatchInsert(ctx context.Context, pairs []Pair) error {
	if len(pairs) == 0 {
		return nil
	}
	return t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		stmt, err := txn.PrepareContext(ctx, t.upsertSQL())
		if err != nil {
			return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "prepare batch insert")
		}
		defer stmt.Close() // nolint:errcheck
		for _, p := range pairs {
			if _, err := stmt.ExecContext(ctx, p.Key, p.Value); err != nil {
				return eventgraphutil.Wrap(eventgraphutil.KindStorageIO, err, "batch insert")
			}
		}
		return nil
	})
}

// prefixUpperBound returns the smallest key strictly greater than every key
// with the given prefix, by incrementing the last non-0xFF byte and
// truncating the rest. unbounded is true when prefix is all 0xFF bytes (or
// empty), in which case there is no finite upper bound.
func prefixUpperBound(prefix []byte) (upper []byte, unbounded bool) {
	idx := len(prefix) - 1
	for idx >= 0 && prefix[idx] == 0xFF {
		idx--
	}
	if idx < 0 {
		return nil, true
	}
	upper = make([]byte, idx+1)
	copy(upper, prefix[:idx+1])
	upper[idx]++
	return upper, false
}

// KeyBuilder composes identifier parts into a single ordered byte key
// separated by Boundary, enforcing that no part contains the boundary byte
// unescaped (§9's "binary key layout" design note).
type KeyBuilder struct {
	buf bytes.Buffer
}

func NewKeyBuilder() *KeyBuilder { return &KeyBuilder{} }

// Append adds one raw component. It panics on a component containing
// Boundary: that is a programming error in a caller's encoding, not a
// runtime condition to recover from.
func (k *KeyBuilder) Append(component []byte) *KeyBuilder {
	if bytes.IndexByte(component, Boundary) != -1 {
		panic(fmt.Sprintf("kv: key component contains reserved boundary byte: %x", component))
	}
	if k.buf.Len() > 0 {
		k.buf.WriteByte(Boundary)
	}
	k.buf.Write(component)
	return k
}

func (k *KeyBuilder) Bytes() []byte { return k.buf.Bytes() }

// SplitKey reverses KeyBuilder, returning the components in order.
func SplitKey(key []byte) [][]byte {
	return bytes.Split(key, []byte{Boundary})
}

// SortPairs orders pairs by raw byte key, matching the guarantee ScanPrefix
// and IterFrom already provide at the SQL layer; exported for in-memory
// callers (tests, caches) that assemble pairs outside the store.
func SortPairs(pairs []Pair) {
	sort.Slice(pairs, func(i, j int) bool { return bytes.Compare(pairs[i].Key, pairs[j].Key) < 0 })
}
