// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package migrate runs versioned SQL schema migrations against one tagsql
// database, tracking the applied version in a table.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"sort"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/private/dbutil/txutil"
	"storj.io/private/tagsql"
)

// Error is the default error class for the migrate package.
var Error = errs.Class("migrate")

// Migration is an ordered list of schema steps plus the table that records
// the applied version.
type Migration struct {
	Table string
	Steps []*Step
}

// Step is one migration step. Versions start at 0 and must be strictly
// increasing.
type Step struct {
	Description string
	Version     int
	Action      Action
}

// Action is what a step does inside its transaction.
type Action interface {
	Run(ctx context.Context, log *zap.Logger, tx tagsql.Tx) error
}

// SQL is an Action made of plain statements.
type SQL []string

// Run executes the statements in order.
func (sqls SQL) Run(ctx context.Context, log *zap.Logger, tx tagsql.Tx) error {
	for _, statement := range sqls {
		if _, err := tx.ExecContext(ctx, statement); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// Func is an Action implemented in code, for steps SQL cannot express.
type Func func(ctx context.Context, log *zap.Logger, tx tagsql.Tx) error

// Run calls fn.
func (fn Func) Run(ctx context.Context, log *zap.Logger, tx tagsql.Tx) error {
	return fn(ctx, log, tx)
}

var validTableName = regexp.MustCompile(`^[a-z_]+$`)

// Validate checks the migration table name and step ordering.
func (migration *Migration) Validate() error {
	if !validTableName.MatchString(migration.Table) {
		return Error.New("invalid table name %q", migration.Table)
	}
	sorted := sort.SliceIsSorted(migration.Steps, func(i, j int) bool {
		return migration.Steps[i].Version < migration.Steps[j].Version
	})
	if !sorted {
		return Error.New("steps have incorrect order")
	}
	for i := 1; i < len(migration.Steps); i++ {
		if migration.Steps[i].Version == migration.Steps[i-1].Version {
			return Error.New("duplicate step version %d", migration.Steps[i].Version)
		}
	}
	return nil
}

// Run applies every step past the current database version, each in its own
// transaction together with the version bump.
func (migration *Migration) Run(ctx context.Context, log *zap.Logger, db tagsql.DB) error {
	if err := migration.Validate(); err != nil {
		return err
	}
	if err := migration.ensureVersionTable(ctx, db); err != nil {
		return err
	}
	current, err := migration.CurrentVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, step := range migration.Steps {
		if step.Version <= current {
			continue
		}
		step := step
		err := txutil.WithTx(ctx, db, nil, func(ctx context.Context, tx tagsql.Tx) error {
			if err := step.Action.Run(ctx, log, tx); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO `+migration.Table+` (version) VALUES ($1)`, step.Version)
			return Error.Wrap(err)
		})
		if err != nil {
			return Error.New("step %d (%s) failed: %w", step.Version, step.Description, err)
		}
		log.Info("migration step applied",
			zap.Int("version", step.Version),
			zap.String("description", step.Description))
	}
	return nil
}

// CurrentVersion returns the highest applied step version, or -1 when none
// has been applied.
func (migration *Migration) CurrentVersion(ctx context.Context, db tagsql.DB) (int, error) {
	var version sql.NullInt64
	err := db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM `+migration.Table).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return -1, nil
		}
		return -1, Error.Wrap(err)
	}
	if !version.Valid {
		return -1, nil
	}
	return int(version.Int64), nil
}

func (migration *Migration) ensureVersionTable(ctx context.Context, db tagsql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+migration.Table+` (
			version integer NOT NULL,
			applied_at timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY ( version )
		)`)
	return Error.Wrap(err)
}
