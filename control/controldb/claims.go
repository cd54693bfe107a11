// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package controldb

import (
	"context"
	"time"

	"github.com/zeebo/errs"

	"storj.io/private/dbutil/pgutil"
	"storj.io/sluice/loader"
)

// claimsDB implements loader.Claims.
type claimsDB struct {
	db queryer
}

// ClaimEligible claims up to limit eligible loaders in a single locked
// statement. Concurrent replicas skip rows another sweep already locked, so
// every claimed row transitions IDLE to RUNNING exactly once.
func (store *claimsDB) ClaimEligible(ctx context.Context, now time.Time, limit int) (_ []*loader.Loader, err error) {
	defer mon.Task()(&ctx)(&err)
	if limit <= 0 {
		return nil, nil
	}

	rows, err := store.db.QueryContext(ctx, `
		WITH due AS (
			SELECT id AS due_id FROM loaders
			WHERE enabled
				AND version_status = 'ACTIVE'
				AND load_status = 'IDLE'
				AND (
					last_success_timestamp IS NULL
					OR (
						last_success_timestamp <= $1::timestamptz - make_interval(secs => min_interval_seconds)
						AND (
							last_success_timestamp <= $1::timestamptz - make_interval(secs => max_interval_seconds)
							OR run_requested_at IS NOT NULL
						)
					)
				)
				AND (
					SELECT count(*) FROM loaders running
					WHERE running.entity_code = loaders.entity_code
						AND running.load_status = 'RUNNING'
				) < max_parallel_executions
			ORDER BY last_success_timestamp NULLS FIRST
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE loaders
		SET load_status = 'RUNNING',
			run_requested_at = NULL
		FROM due
		WHERE id = due_id
		RETURNING `+loaderColumns,
		now, limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errs.Combine(err, rows.Close())) }()

	var claimed []*loader.Loader
	for rows.Next() {
		l, err := scanLoader(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		claimed = append(claimed, l)
	}
	return claimed, Error.Wrap(rows.Err())
}

// RecoverFailed returns FAILED rows whose failure predates cutoff to IDLE.
func (store *claimsDB) RecoverFailed(ctx context.Context, cutoff time.Time) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)
	result, err := store.db.ExecContext(ctx, `
		UPDATE loaders
		SET load_status = 'IDLE',
			failed_since = NULL
		WHERE load_status = 'FAILED'
			AND failed_since IS NOT NULL
			AND failed_since <= $1
	`, cutoff)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	recovered, err := result.RowsAffected()
	return recovered, Error.Wrap(err)
}

// CompleteRun records a successful run. The watermark only moves forward.
func (store *claimsDB) CompleteRun(ctx context.Context, id int64, watermark, successAt time.Time, zeroRecords bool) (err error) {
	defer mon.Task()(&ctx)(&err)
	result, err := store.db.ExecContext(ctx, `
		UPDATE loaders
		SET last_load_timestamp = GREATEST(COALESCE(last_load_timestamp, $2::timestamptz), $2::timestamptz),
			last_success_timestamp = $3,
			failed_since = NULL,
			load_status = 'IDLE',
			consecutive_zero_record_runs = CASE WHEN $4 THEN consecutive_zero_record_runs + 1 ELSE 0 END
		WHERE id = $1
	`, id, watermark, successAt, zeroRecords)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return loader.ErrNotFound.New("no version with id %d", id)
	}
	return nil
}

// FailRun marks the run failed. The watermark stays where it was so the next
// run retries the same range.
func (store *claimsDB) FailRun(ctx context.Context, id int64, failedAt time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)
	result, err := store.db.ExecContext(ctx, `
		UPDATE loaders
		SET load_status = 'FAILED',
			failed_since = $2
		WHERE id = $1
	`, id, failedAt)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return loader.ErrNotFound.New("no version with id %d", id)
	}
	return nil
}

// Release returns still-RUNNING claims to IDLE on shutdown.
func (store *claimsDB) Release(ctx context.Context, ids []int64) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)
	if len(ids) == 0 {
		return 0, nil
	}
	result, err := store.db.ExecContext(ctx, `
		UPDATE loaders
		SET load_status = 'IDLE'
		WHERE id = ANY($1)
			AND load_status = 'RUNNING'
	`, pgutil.Int8Array(ids))
	if err != nil {
		return 0, Error.Wrap(err)
	}
	released, err := result.RowsAffected()
	return released, Error.Wrap(err)
}
