// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package executor runs one query for one claimed loader: it computes the
// next time range, streams rows from the source, aggregates them per
// segment, commits the signals and advances the watermark.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/uuid"
	"storj.io/sluice/loader"
	"storj.io/sluice/loader/sourcepool"
)

var (
	// Error is the default error class for the executor package.
	Error = errs.Class("executor")

	mon = monkit.Package()
)

// Error kinds recorded on execution records and surfaced through the API.
const (
	KindTransientSource = "transient_source"
	KindPermanentSource = "permanent_source"
	KindSinkConflict    = "sink_conflict"
	KindInternal        = "internal"
)

// Source is one borrowed source handle.
type Source interface {
	QueryRange(ctx context.Context, query string, rng loader.TimeRange, offsetHours int) (sourcepool.RowStream, error)
	Release()
}

// SourcePool is the executor's view of the source connection pools.
type SourcePool interface {
	Borrow(ctx context.Context, sourceCode string) (Source, error)
}

// PoolAdapter exposes a *sourcepool.Pool as a SourcePool.
func PoolAdapter(pool *sourcepool.Pool) SourcePool { return poolAdapter{pool} }

type poolAdapter struct{ pool *sourcepool.Pool }

func (a poolAdapter) Borrow(ctx context.Context, sourceCode string) (Source, error) {
	return a.pool.Borrow(ctx, sourceCode)
}

// Config contains configurable values for the executor.
type Config struct {
	RunTimeout time.Duration `help:"wall-clock ceiling for a single loader run" default:"15m0s"`
}

// Executor runs single loader executions. It mutates only the runtime fields
// of the claimed row, through the Claims store.
type Executor struct {
	log    *zap.Logger
	config Config
	db     loader.DB
	pool   SourcePool
	cipher loader.Cipher
	nowFn  func() time.Time
}

// New creates an Executor.
func New(log *zap.Logger, config Config, db loader.DB, pool SourcePool, cipher loader.Cipher) *Executor {
	return &Executor{
		log:    log,
		config: config,
		db:     db,
		pool:   pool,
		cipher: cipher,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the clock, for tests.
func (exec *Executor) SetNowFunc(now func() time.Time) { exec.nowFn = now }

// Run executes one claimed loader. The row must be in state RUNNING and
// owned by this replica. On success the watermark advances and the row
// returns to IDLE; on failure the row moves to FAILED with the watermark
// untouched. Retry is the scheduler's job, not Run's.
func (exec *Executor) Run(ctx context.Context, claimed *loader.Loader) (rec loader.ExecutionRecord, err error) {
	defer mon.Task()(&ctx)(&err)

	if exec.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, exec.config.RunTimeout)
		defer cancel()
	}

	correlationID, err := uuid.New()
	if err != nil {
		return rec, Error.Wrap(err)
	}

	now := exec.nowFn()
	rng := loader.NextRange(claimed, now)

	rec = loader.ExecutionRecord{
		EntityCode:    claimed.EntityCode,
		VersionNumber: claimed.VersionNumber,
		CorrelationID: correlationID,
		RangeFrom:     rng.From,
		RangeTo:       rng.To,
		StartedAt:     now,
	}

	log := exec.log.With(
		zap.String("entity", claimed.EntityCode),
		zap.Int("version", claimed.VersionNumber),
		zap.Stringer("correlation", correlationID),
		zap.Time("from", rng.From),
		zap.Time("to", rng.To),
	)
	log.Info("run start")

	if rng.IsEmpty() {
		return exec.complete(ctx, log, claimed, rec, rng.From, 0)
	}

	rowCount, batch, maxObserved, err := exec.collect(ctx, claimed, rng)
	if err != nil {
		return exec.fail(ctx, log, claimed, rec, err)
	}
	rec.RowCount = rowCount
	rec.SignalCount = len(batch)

	stats, err := exec.db.Signals().Commit(ctx, claimed.EntityCode, claimed.PurgeStrategy, rng, batch)
	if err != nil {
		return exec.fail(ctx, log, claimed, rec, err)
	}
	if stats.Skipped > 0 {
		mon.Counter("executor_skipped_duplicates").Inc(stats.Skipped)
	}

	watermark := rng.To
	if rowCount > 0 {
		watermark = maxObserved
		if watermark.Before(rng.From) {
			watermark = rng.From
		}
	}
	return exec.complete(ctx, log, claimed, rec, watermark, rowCount)
}

// collect streams the source rows for the range, discarding rows stamped at
// or past the range end and accepting late rows from before the range start.
func (exec *Executor) collect(ctx context.Context, claimed *loader.Loader, rng loader.TimeRange) (rowCount int64, batch []loader.Signal, maxObserved time.Time, err error) {
	sqlText, err := exec.cipher.Decrypt(ctx, claimed.SQLText)
	if err != nil {
		return 0, nil, maxObserved, loader.ErrPermanentSource.New("decrypt sql_text: %v", err)
	}
	if err := loader.ValidateReadOnlySQL(string(sqlText)); err != nil {
		return 0, nil, maxObserved, loader.ErrPermanentSource.Wrap(err)
	}

	source, err := exec.pool.Borrow(ctx, claimed.SourceDBRef)
	if err != nil {
		return 0, nil, maxObserved, err
	}
	defer source.Release()

	rows, err := source.QueryRange(ctx, string(sqlText), rng, claimed.SourceTimezoneOffsetHours)
	if err != nil {
		return 0, nil, maxObserved, err
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	agg := loader.NewAggregator(claimed.EntityCode)
	for {
		row, done, err := rows.Next(ctx)
		if err != nil {
			return 0, nil, maxObserved, err
		}
		if done {
			break
		}
		if !row.Timestamp.Before(rng.To) {
			continue
		}
		rowCount++
		agg.Add(row.Segment, row.Timestamp, row.Value)
		if row.Timestamp.After(maxObserved) {
			maxObserved = row.Timestamp
		}
	}
	batch = agg.Signals()
	for i := range batch {
		// A segment fed only by late rows would stamp its tuple before the
		// range start, outside the window a re-run purges. Every committed
		// tuple lands inside [from, to).
		if batch[i].LoadTimestamp.Before(rng.From) {
			batch[i].LoadTimestamp = rng.From
		}
	}
	return rowCount, batch, maxObserved, nil
}

// complete finishes a successful run.
func (exec *Executor) complete(ctx context.Context, log *zap.Logger, claimed *loader.Loader, rec loader.ExecutionRecord, watermark time.Time, rowCount int64) (loader.ExecutionRecord, error) {
	finished := exec.nowFn()
	zero := rowCount == 0

	if err := exec.db.Claims().CompleteRun(ctx, claimed.ID, watermark, finished, zero); err != nil {
		return exec.fail(ctx, log, claimed, rec, Error.Wrap(err))
	}

	rec.RowCount = rowCount
	rec.FinishedAt = finished
	rec.Success = true
	exec.record(ctx, log, rec)

	mon.Meter("executor_runs_success").Mark(1)
	log.Info("run end",
		zap.Int64("rows", rowCount),
		zap.Int("signals", rec.SignalCount),
		zap.Time("watermark", watermark),
		zap.Duration("elapsed", finished.Sub(rec.StartedAt)))
	return rec, nil
}

// fail marks the run failed, leaving the watermark untouched.
func (exec *Executor) fail(ctx context.Context, log *zap.Logger, claimed *loader.Loader, rec loader.ExecutionRecord, runErr error) (loader.ExecutionRecord, error) {
	// A canceled run context means the process is shutting down, not that
	// the loader is broken. The row stays RUNNING so the shutdown release
	// returns it to IDLE; marking it FAILED here would park it until
	// auto-recovery. The run's own deadline still counts as a failure.
	if errors.Is(ctx.Err(), context.Canceled) {
		rec.FinishedAt = exec.nowFn()
		rec.ErrorKind = KindTransientSource
		rec.ErrorMessage = runErr.Error()
		log.Info("run interrupted by shutdown", zap.Error(runErr))
		return rec, runErr
	}

	// The run context may already be past its deadline; state updates go
	// through a fresh context so the failure is never lost.
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	finished := exec.nowFn()
	rec.FinishedAt = finished
	rec.Success = false
	rec.ErrorKind = ClassifyError(runErr)
	rec.ErrorMessage = runErr.Error()

	if err := exec.db.Claims().FailRun(failCtx, claimed.ID, finished); err != nil {
		log.Error("failed to mark loader FAILED", zap.Error(err))
	}
	exec.record(failCtx, log, rec)

	mon.Meter("executor_runs_failed").Mark(1)
	log.Warn("run failed",
		zap.String("kind", rec.ErrorKind),
		zap.Error(runErr))
	return rec, runErr
}

// record persists the structured execution record; failures here are logged
// but do not change the run outcome.
func (exec *Executor) record(ctx context.Context, log *zap.Logger, rec loader.ExecutionRecord) {
	if err := exec.db.Executions().Record(ctx, rec); err != nil {
		log.Error("failed to record execution", zap.Error(err))
	}
}

// ClassifyError maps an execution error to its stable machine-readable kind.
func ClassifyError(err error) string {
	switch {
	case loader.ErrSinkConflict.Has(err):
		return KindSinkConflict
	case loader.ErrPermanentSource.Has(err),
		sourcepool.ErrAuthFailure.Has(err),
		sourcepool.ErrUnknownSource.Has(err):
		return KindPermanentSource
	case loader.ErrTransientSource.Has(err),
		sourcepool.ErrAcquireTimeout.Has(err),
		sourcepool.ErrSourceUnavailable.Has(err),
		errors.Is(err, context.DeadlineExceeded):
		return KindTransientSource
	default:
		return KindInternal
	}
}
