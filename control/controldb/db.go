// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package controldb implements the control store on PostgreSQL.
package controldb

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers pgx as a tagsql driver.
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/private/dbutil"
	"storj.io/private/dbutil/pgutil"
	"storj.io/private/dbutil/txutil"
	"storj.io/private/tagsql"
	"storj.io/sluice/loader"
)

var (
	// Error is the default error class for the controldb package.
	Error = errs.Class("controldb")

	mon = monkit.Package()
)

// DB is the tagsql-backed control store.
type DB struct {
	log     *zap.Logger
	db      tagsql.DB
	impl    dbutil.Implementation
	connstr string
}

var _ loader.DB = (*DB)(nil)

// Open connects to the control database.
func Open(ctx context.Context, log *zap.Logger, databaseURL string) (*DB, error) {
	_, source, impl, err := dbutil.SplitConnStr(databaseURL)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if impl != dbutil.Postgres && impl != dbutil.Cockroach {
		return nil, Error.New("unsupported database implementation: %s", impl)
	}

	source, err = pgutil.CheckApplicationName(source, "sluice")
	if err != nil {
		return nil, Error.Wrap(err)
	}

	rawdb, err := tagsql.Open(ctx, "pgx", source)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	dbutil.Configure(ctx, rawdb, "controldb", mon)

	log.Debug("connected", zap.String("db source", source))
	return &DB{
		log:     log,
		db:      rawdb,
		impl:    impl,
		connstr: source,
	}, nil
}

// Implementation returns the database implementation.
func (db *DB) Implementation() dbutil.Implementation { return db.impl }

// Ping checks whether the connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return Error.Wrap(db.db.PingContext(ctx))
}

// Close closes the connection.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

// Versions implements loader.DB.
func (db *DB) Versions() loader.Versions { return &versionsDB{db: db.db} }

// Claims implements loader.DB.
func (db *DB) Claims() loader.Claims { return &claimsDB{db: db.db} }

// Signals implements loader.DB.
func (db *DB) Signals() loader.Signals { return &signalsDB{db: db.db} }

// Archive implements loader.DB.
func (db *DB) Archive() loader.Archive { return &archiveDB{db: db.db} }

// Executions implements loader.DB.
func (db *DB) Executions() loader.Executions { return &executionsDB{db: db.db} }

// Sources implements loader.DB.
func (db *DB) Sources() loader.Sources { return &sourcesDB{db: db.db} }

// WithTx runs fn inside one database transaction.
func (db *DB) WithTx(ctx context.Context, fn func(ctx context.Context, tx loader.Tx) error) (err error) {
	defer mon.Task()(&ctx)(&err)
	return txutil.WithTx(ctx, db.db, nil, func(ctx context.Context, tx tagsql.Tx) error {
		return fn(ctx, &dbTx{tx: tx})
	})
}

// dbTx exposes the transactional stores over one tagsql.Tx.
type dbTx struct {
	tx tagsql.Tx
}

func (tx *dbTx) Versions() loader.Versions { return &versionsDB{db: tx.tx} }
func (tx *dbTx) Archive() loader.Archive   { return &archiveDB{db: tx.tx} }

// queryer is the subset of tagsql.DB and tagsql.Tx the stores run on.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (tagsql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// uniqueViolation reports whether err is a unique or exclusion constraint
// violation.
func uniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "23505" || pgErr.Code == "23P01")
}
