// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package sqlutil holds the small amount of database/sql plumbing every
// storage backend in this tree shares: connection management, prepared
// statement lists, a single-writer serializer for SQLite, and migrations.
// It is the KV store abstraction's (§4.A) concrete substrate — every index
// (shortid, state snapshot, timeline, search, relations, outbound queue)
// is a typed wrapper over a `*sql.DB` opened here.
package sqlutil

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/element-hq/eventgraph/setup/config"
)

// DatabaseOptions is an alias of setup/config's type: sqlutil is the only
// package that needs to turn it into an actual driver/DSN pair.
type DatabaseOptions = config.DatabaseOptions

func driverAndDSN(d DatabaseOptions) (driver, dsn string) {
	cs := string(d.ConnectionString)
	if d.ConnectionString.IsPostgres() {
		return "postgres", cs
	}
	return "sqlite3", strings.TrimPrefix(cs, "file:")
}

// Writer serializes write transactions. Postgres tolerates concurrent
// writers and so passes straight through; SQLite allows only one writer at
// a time and so serializes every write behind a single mutex, mirroring
// how Dendrite's sqlite3 storage backends avoid SQLITE_BUSY.
type Writer interface {
	Do(db *sql.DB, txn *sql.Tx, fn func(txn *sql.Tx) error) error
}

// passthroughWriter runs fn directly; used for Postgres, which handles its
// own write concurrency.
type passthroughWriter struct{}

func NewPassthroughWriter() Writer { return &passthroughWriter{} }

func (passthroughWriter) Do(db *sql.DB, txn *sql.Tx, fn func(txn *sql.Tx) error) error {
	if txn != nil {
		return fn(txn)
	}
	return WithTransaction(db, fn)
}

// exclusiveWriter serializes all writes behind a mutex, for SQLite.
type exclusiveWriter struct {
	mu sync.Mutex
}

func NewExclusiveWriter() Writer { return &exclusiveWriter{} }

func (w *exclusiveWriter) Do(db *sql.DB, txn *sql.Tx, fn func(txn *sql.Tx) error) error {
	if txn != nil {
		return fn(txn)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return WithTransaction(db, fn)
}

// WithTransaction begins a transaction, runs fn, and commits or rolls back
// depending on whether fn returned an error.
func WithTransaction(db *sql.DB, fn func(txn *sql.Tx) error) (err error) {
	txn, err := db.Begin()
	if err != nil {
		return err
	}
	succeeded := false
	defer EndTransactionWithCheck(txn, &succeeded, &err)
	if err = fn(txn); err != nil {
		return err
	}
	succeeded = true
	return nil
}

// transaction is the subset of *sql.Tx that EndTransactionWithCheck needs,
// so it can also be used to close out a RoomUpdater-style long-lived
// transaction without importing database/sql's concrete type there.
type transaction interface {
	Commit() error
	Rollback() error
}

// EndTransactionWithCheck commits txn if *succeeded is true by the time the
// deferred call runs, otherwise rolls back. On rollback, if *err was nil
// (the caller returned successfully but then something else set succeeded
// to false) the rollback error, if any, becomes *err.
func EndTransactionWithCheck(txn transaction, succeeded *bool, err *error) {
	if *succeeded {
		if cerr := txn.Commit(); cerr != nil && *err == nil {
			*err = cerr
		}
		return
	}
	if rerr := txn.Rollback(); rerr != nil && *err == nil {
		*err = rerr
	}
}

// TxStmt returns stmt bound to txn if txn is non-nil, otherwise stmt
// unmodified. Every table's read methods take an optional *sql.Tx this way
// so they can run standalone or as part of a writer's transaction.
func TxStmt(txn *sql.Tx, stmt *sql.Stmt) *sql.Stmt {
	if txn == nil {
		return stmt
	}
	return txn.Stmt(stmt)
}

// Statement pairs a **sql.Stmt destination with the SQL to prepare into it.
type Statement struct {
	Statement **sql.Stmt
	SQL       string
}

// StatementList is prepared in one pass so a table's constructor can write
// `return s, sqlutil.StatementList{...}.Prepare(db)`.
type StatementList []Statement

func (s StatementList) Prepare(db *sql.DB) error {
	for _, entry := range s {
		stmt, err := db.Prepare(entry.SQL)
		if err != nil {
			return fmt.Errorf("prepare %q: %w", entry.SQL, err)
		}
		*entry.Statement = stmt
	}
	return nil
}

// QueryVariadicOffset returns a parenthesized, comma-separated list of
// `$1, $2, ...` (or `?, ?, ...` style callers substitute themselves)
// placeholders for `count` values starting at parameter index `offset+1`.
// Used where an IN (...) clause's arity is only known at call time.
func QueryVariadicOffset(count, offset int) string {
	params := make([]string, count)
	for i := range params {
		params[i] = "$" + strconv.Itoa(offset+i+1)
	}
	return "(" + strings.Join(params, ", ") + ")"
}

// Connections caches one *sql.DB (and matching Writer) per distinct
// connection string so every table in the same logical database shares a
// pool instead of each opening its own.
type Connections struct {
	mu    sync.Mutex
	conns map[string]*openConn
	ctx   context.Context
}

type openConn struct {
	db     *sql.DB
	writer Writer
}

// NewConnectionManager builds a Connections cache. ctx is stored on the
// returned value but not read by it; a nil ctx is replaced with
// context.Background().
func NewConnectionManager(ctx context.Context) *Connections {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Connections{conns: map[string]*openConn{}, ctx: ctx}
}

// Connection opens (or returns the cached) *sql.DB and Writer for opts.
func (c *Connections) Connection(opts *DatabaseOptions) (*sql.DB, Writer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := string(opts.ConnectionString)
	if existing, ok := c.conns[key]; ok {
		return existing.db, existing.writer, nil
	}
	db, err := Open(opts)
	if err != nil {
		return nil, nil, err
	}
	var writer Writer
	if opts.ConnectionString.IsPostgres() {
		writer = NewPassthroughWriter()
	} else {
		writer = NewExclusiveWriter()
	}
	c.conns[key] = &openConn{db: db, writer: writer}
	return db, writer, nil
}

// Open opens a *sql.DB for opts without caching it, applying pool-size
// defaults sized for the workload (Postgres tolerates many connections;
// SQLite's single-writer model means more than one open connection just
// contends on the same file lock).
func Open(opts *DatabaseOptions) (*sql.DB, error) {
	driver, dsn := driverAndDSN(*opts)
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	maxOpen := opts.MaxOpenConns
	if maxOpen == 0 {
		if driver == "postgres" {
			maxOpen = 90
		} else {
			maxOpen = 1
		}
	}
	db.SetMaxOpenConns(maxOpen)
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	return db, nil
}
