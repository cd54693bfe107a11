// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package sourcepool maintains one pooled, read-only database handle set per
// configured source database.
package sourcepool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib" // registers pgx as a database/sql driver.
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/sluice/loader"
)

var (
	// Error is the default error class for the sourcepool package.
	Error = errs.Class("sourcepool")

	// ErrSourceUnavailable means the source could not be reached.
	ErrSourceUnavailable = errs.Class("source unavailable")
	// ErrAuthFailure means the source rejected the configured credentials.
	ErrAuthFailure = errs.Class("source authentication failure")
	// ErrAcquireTimeout means no connection became available in time.
	ErrAcquireTimeout = errs.Class("connection acquire timeout")
	// ErrUnknownSource means no source with that code is configured.
	ErrUnknownSource = errs.Class("unknown source")

	mon = monkit.Package()
)

// Config contains configurable values for source pools.
type Config struct {
	AcquireTimeout  time.Duration `help:"time limit for borrowing a connection from a source pool" default:"10s"`
	MaxOpenConns    int           `help:"maximum open connections per source database" default:"4"`
	MaxIdleConns    int           `help:"maximum idle connections per source database" default:"2"`
	ConnMaxLifetime time.Duration `help:"maximum lifetime of a source connection" default:"30m0s"`
}

// Pool keeps one logical pool per source code. Pools open lazily from the
// source store and are shared by every loader referencing the source.
type Pool struct {
	log    *zap.Logger
	config Config

	sources loader.Sources
	cipher  loader.Cipher

	mu        sync.Mutex
	pools     map[string]*sql.DB
	listeners []func()
}

// New creates a Pool backed by the given source store.
func New(log *zap.Logger, config Config, sources loader.Sources, cipher loader.Cipher) *Pool {
	return &Pool{
		log:     log,
		config:  config,
		sources: sources,
		cipher:  cipher,
		pools:   make(map[string]*sql.DB),
	}
}

// Handle is one borrowed source connection. Release returns it to the pool.
type Handle struct {
	conn    *sql.Conn
	dialect loader.Dialect
}

// Dialect returns the SQL dialect of the underlying source.
func (h *Handle) Dialect() loader.Dialect { return h.dialect }

// Release returns the connection to its pool.
func (h *Handle) Release() {
	_ = h.conn.Close()
}

// Borrow acquires one exclusive connection for the source, honoring the
// configured acquire timeout. A borrow failure never advances any watermark;
// callers treat it as a failed run.
func (pool *Pool) Borrow(ctx context.Context, sourceCode string) (_ *Handle, err error) {
	defer mon.Task()(&ctx)(&err)

	db, source, err := pool.open(ctx, sourceCode)
	if err != nil {
		return nil, err
	}

	acquireCtx, cancel := context.WithTimeout(ctx, pool.config.AcquireTimeout)
	defer cancel()

	conn, err := db.Conn(acquireCtx)
	if err != nil {
		return nil, classifyConnError(sourceCode, err)
	}
	if err := conn.PingContext(acquireCtx); err != nil {
		_ = conn.Close()
		return nil, classifyConnError(sourceCode, err)
	}
	return &Handle{
		conn:    conn,
		dialect: source.Dialect,
	}, nil
}

// open returns the pool for sourceCode, creating it from the source store on
// first use.
func (pool *Pool) open(ctx context.Context, sourceCode string) (*sql.DB, *loader.SourceDatabase, error) {
	source, err := pool.sources.Get(ctx, sourceCode)
	if err != nil {
		if loader.ErrNotFound.Has(err) {
			return nil, nil, ErrUnknownSource.New("%q", sourceCode)
		}
		return nil, nil, Error.Wrap(err)
	}

	pool.mu.Lock()
	defer pool.mu.Unlock()

	if db, ok := pool.pools[sourceCode]; ok {
		return db, source, nil
	}

	password, err := pool.cipher.Decrypt(ctx, source.EncryptedPassword)
	if err != nil {
		return nil, nil, ErrAuthFailure.New("source %q: %v", sourceCode, err)
	}

	driver, dsn, err := buildDSN(source, string(password))
	if err != nil {
		return nil, nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, nil, ErrSourceUnavailable.New("source %q: %v", sourceCode, err)
	}
	db.SetMaxOpenConns(pool.config.MaxOpenConns)
	db.SetMaxIdleConns(pool.config.MaxIdleConns)
	db.SetConnMaxLifetime(pool.config.ConnMaxLifetime)

	pool.pools[sourceCode] = db
	pool.log.Info("source pool opened",
		zap.String("source", sourceCode),
		zap.String("dialect", string(source.Dialect)))
	return db, source, nil
}

// buildDSN assembles the driver connection string for a source.
func buildDSN(source *loader.SourceDatabase, password string) (driver, dsn string, err error) {
	switch source.Dialect {
	case loader.DialectPostgres:
		return "pgx", fmt.Sprintf(
			"postgres://%s:%s@%s/%s?default_transaction_read_only=on",
			source.Username, password,
			net.JoinHostPort(source.Host, fmt.Sprint(source.Port)),
			source.DBName,
		), nil
	case loader.DialectMySQL:
		cfg := mysqldriver.NewConfig()
		cfg.User = source.Username
		cfg.Passwd = password
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(source.Host, fmt.Sprint(source.Port))
		cfg.DBName = source.DBName
		cfg.ParseTime = true
		cfg.Loc = time.UTC
		return "mysql", cfg.FormatDSN(), nil
	default:
		return "", "", Error.New("unsupported dialect %q for source %q", source.Dialect, source.SourceCode)
	}
}

// OnReload registers fn to run after every ReloadAll, so listeners can
// invalidate per-source caches.
func (pool *Pool) OnReload(fn func()) {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	pool.listeners = append(pool.listeners, fn)
}

// ReloadAll closes every pool so the next borrow reopens it with fresh
// source definitions, then notifies listeners.
func (pool *Pool) ReloadAll(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	pool.mu.Lock()
	var group errs.Group
	for code, db := range pool.pools {
		group.Add(db.Close())
		delete(pool.pools, code)
	}
	listeners := append([]func(){}, pool.listeners...)
	pool.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
	pool.log.Info("source pools reloaded")
	return Error.Wrap(group.Err())
}

// Close closes every open pool.
func (pool *Pool) Close() error {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	var group errs.Group
	for code, db := range pool.pools {
		group.Add(db.Close())
		delete(pool.pools, code)
	}
	return Error.Wrap(group.Err())
}

// classifyConnError maps driver errors onto the pool error taxonomy.
func classifyConnError(sourceCode string, err error) error {
	switch {
	case err == nil:
		return nil
	case isTimeout(err):
		return ErrAcquireTimeout.New("source %q: %v", sourceCode, err)
	case isAuthError(err):
		return ErrAuthFailure.New("source %q: %v", sourceCode, err)
	default:
		return ErrSourceUnavailable.New("source %q: %v", sourceCode, err)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isAuthError(err error) bool {
	var mysqlErr *mysqldriver.MySQLError
	if errors.As(err, &mysqlErr) {
		// ER_ACCESS_DENIED_ERROR and ER_DBACCESS_DENIED_ERROR
		return mysqlErr.Number == 1045 || mysqlErr.Number == 1044
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "password authentication failed") ||
		strings.Contains(msg, "28p01") ||
		strings.Contains(msg, "access denied")
}
