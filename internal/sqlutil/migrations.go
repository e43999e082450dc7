// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"context"
	"database/sql"
	"fmt"
)

const migrationsSchema = `
CREATE TABLE IF NOT EXISTS eventgraph_migrations (
	version TEXT PRIMARY KEY,
	applied_at BIGINT NOT NULL
);
`

// Migration is one forward/backward schema delta, identified by a unique
// human-readable version string (by convention "<package>: <what changed>",
// matching Dendrite's delta file naming).
type Migration struct {
	Version string
	Up      func(ctx context.Context, tx *sql.Tx) error
	Down    func(ctx context.Context, tx *sql.Tx) error
}

// Migrator applies pending migrations in registration order, recording
// each applied version so restarts don't re-run them.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
}

func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

func (m *Migrator) AddMigrations(migrations ...Migration) {
	m.migrations = append(m.migrations, migrations...)
}

// Up applies every migration not already recorded as applied, each inside
// its own transaction so a failure midway leaves earlier migrations intact.
func (m *Migrator) Up(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, migrationsSchema); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}
	for _, mig := range m.migrations {
		var applied int
		err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM eventgraph_migrations WHERE version = $1`, mig.Version).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", mig.Version, err)
		}
		if applied > 0 {
			continue
		}
		if err := WithTransaction(m.db, func(tx *sql.Tx) error {
			if err := mig.Up(ctx, tx); err != nil {
				return fmt.Errorf("migration %s up: %w", mig.Version, err)
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO eventgraph_migrations (version, applied_at) VALUES ($1, 0)`, mig.Version)
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}
