// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package controldb

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/zeebo/errs"

	"storj.io/sluice/loader"
)

// versionsDB implements loader.Versions.
type versionsDB struct {
	db queryer
}

const loaderColumns = `
	id, entity_code, version_number, version_status, parent_version_id,
	source_db_ref, sql_text,
	min_interval_seconds, max_interval_seconds, max_query_period_seconds,
	max_parallel_executions, source_timezone_offset_hours,
	load_status, last_load_timestamp, last_success_timestamp, failed_since,
	consecutive_zero_record_runs, run_requested_at,
	purge_strategy, enabled,
	created_by, created_at, modified_by, modified_at,
	approved_by, approved_at, rejected_by, rejected_at, rejection_reason,
	change_type, change_summary, import_label`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLoader(row rowScanner) (*loader.Loader, error) {
	var l loader.Loader
	var minSeconds, maxSeconds, periodSeconds int64
	err := row.Scan(
		&l.ID, &l.EntityCode, &l.VersionNumber, &l.VersionStatus, &l.ParentVersionID,
		&l.SourceDBRef, &l.SQLText,
		&minSeconds, &maxSeconds, &periodSeconds,
		&l.MaxParallel, &l.SourceTimezoneOffsetHours,
		&l.LoadStatus, &l.LastLoadTimestamp, &l.LastSuccessTimestamp, &l.FailedSince,
		&l.ZeroRecordRuns, &l.RunRequestedAt,
		&l.PurgeStrategy, &l.Enabled,
		&l.CreatedBy, &l.CreatedAt, &l.ModifiedBy, &l.ModifiedAt,
		&l.ApprovedBy, &l.ApprovedAt, &l.RejectedBy, &l.RejectedAt, &l.RejectionReason,
		&l.ChangeType, &l.ChangeSummary, &l.ImportLabel,
	)
	if err != nil {
		return nil, err
	}
	l.MinInterval = time.Duration(minSeconds) * time.Second
	l.MaxInterval = time.Duration(maxSeconds) * time.Second
	l.MaxQueryPeriod = time.Duration(periodSeconds) * time.Second
	return &l, nil
}

func (store *versionsDB) FindActive(ctx context.Context, entityCode string) (_ *loader.Loader, err error) {
	defer mon.Task()(&ctx)(&err)
	row := store.db.QueryRowContext(ctx, `
		SELECT `+loaderColumns+`
		FROM loaders
		WHERE entity_code = $1 AND version_status = 'ACTIVE'
	`, entityCode)
	l, err := scanLoader(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, loader.ErrNotFound.New("no active version for %q", entityCode)
	}
	return l, Error.Wrap(err)
}

func (store *versionsDB) FindDraft(ctx context.Context, entityCode string) (_ *loader.Loader, err error) {
	defer mon.Task()(&ctx)(&err)
	row := store.db.QueryRowContext(ctx, `
		SELECT `+loaderColumns+`
		FROM loaders
		WHERE entity_code = $1 AND version_status IN ('DRAFT', 'PENDING_APPROVAL')
	`, entityCode)
	l, err := scanLoader(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, loader.ErrNotFound.New("no draft for %q", entityCode)
	}
	return l, Error.Wrap(err)
}

func (store *versionsDB) Get(ctx context.Context, id int64) (_ *loader.Loader, err error) {
	defer mon.Task()(&ctx)(&err)
	row := store.db.QueryRowContext(ctx, `
		SELECT `+loaderColumns+`
		FROM loaders
		WHERE id = $1
	`, id)
	l, err := scanLoader(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, loader.ErrNotFound.New("no version with id %d", id)
	}
	return l, Error.Wrap(err)
}

func (store *versionsDB) List(ctx context.Context, filter loader.ListFilter) (_ []*loader.Loader, err error) {
	defer mon.Task()(&ctx)(&err)

	query := `SELECT ` + loaderColumns + ` FROM loaders WHERE true`
	var args []interface{}
	if filter.VersionStatus != "" {
		args = append(args, filter.VersionStatus)
		query += ` AND version_status = ` + placeholderFor(len(args))
	}
	if filter.Enabled != nil {
		args = append(args, *filter.Enabled)
		query += ` AND enabled = ` + placeholderFor(len(args))
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		query += ` AND entity_code ILIKE ` + placeholderFor(len(args))
	}
	query += ` ORDER BY entity_code, version_number`

	rows, err := store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errs.Combine(err, rows.Close())) }()

	var out []*loader.Loader
	for rows.Next() {
		l, err := scanLoader(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, l)
	}
	return out, Error.Wrap(rows.Err())
}

func (store *versionsDB) Create(ctx context.Context, l *loader.Loader) (_ *loader.Loader, err error) {
	defer mon.Task()(&ctx)(&err)
	row := store.db.QueryRowContext(ctx, `
		INSERT INTO loaders (
			entity_code, version_number, version_status, parent_version_id,
			source_db_ref, sql_text,
			min_interval_seconds, max_interval_seconds, max_query_period_seconds,
			max_parallel_executions, source_timezone_offset_hours,
			load_status, purge_strategy, enabled,
			created_by, created_at, modified_by, modified_at,
			change_type, change_summary, import_label
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, $19, $20, $21
		)
		RETURNING ` + loaderColumns,
		l.EntityCode, l.VersionNumber, l.VersionStatus, l.ParentVersionID,
		l.SourceDBRef, l.SQLText,
		int64(l.MinInterval.Seconds()), int64(l.MaxInterval.Seconds()), int64(l.MaxQueryPeriod.Seconds()),
		l.MaxParallel, l.SourceTimezoneOffsetHours,
		l.LoadStatus, l.PurgeStrategy, l.Enabled,
		l.CreatedBy, l.CreatedAt, l.ModifiedBy, l.ModifiedAt,
		l.ChangeType, l.ChangeSummary, l.ImportLabel,
	)
	created, err := scanLoader(row)
	if err != nil {
		if uniqueViolation(err) {
			return nil, loader.ErrIntegrity.New("version conflict for %q: %v", l.EntityCode, err)
		}
		return nil, Error.Wrap(err)
	}
	return created, nil
}

func (store *versionsDB) Update(ctx context.Context, l *loader.Loader) (err error) {
	defer mon.Task()(&ctx)(&err)
	result, err := store.db.ExecContext(ctx, `
		UPDATE loaders SET
			version_status = $2,
			source_db_ref = $3,
			sql_text = $4,
			min_interval_seconds = $5,
			max_interval_seconds = $6,
			max_query_period_seconds = $7,
			max_parallel_executions = $8,
			source_timezone_offset_hours = $9,
			load_status = $10,
			last_load_timestamp = $11,
			last_success_timestamp = $12,
			failed_since = $13,
			consecutive_zero_record_runs = $14,
			purge_strategy = $15,
			enabled = $16,
			modified_by = $17,
			modified_at = $18,
			approved_by = $19,
			approved_at = $20,
			rejected_by = $21,
			rejected_at = $22,
			rejection_reason = $23,
			change_type = $24,
			change_summary = $25,
			import_label = $26
		WHERE id = $1
	`,
		l.ID,
		l.VersionStatus,
		l.SourceDBRef,
		l.SQLText,
		int64(l.MinInterval.Seconds()),
		int64(l.MaxInterval.Seconds()),
		int64(l.MaxQueryPeriod.Seconds()),
		l.MaxParallel,
		l.SourceTimezoneOffsetHours,
		l.LoadStatus,
		l.LastLoadTimestamp,
		l.LastSuccessTimestamp,
		l.FailedSince,
		l.ZeroRecordRuns,
		l.PurgeStrategy,
		l.Enabled,
		l.ModifiedBy,
		l.ModifiedAt,
		l.ApprovedBy,
		l.ApprovedAt,
		l.RejectedBy,
		l.RejectedAt,
		l.RejectionReason,
		l.ChangeType,
		l.ChangeSummary,
		l.ImportLabel,
	)
	if err != nil {
		if uniqueViolation(err) {
			return loader.ErrIntegrity.New("version conflict for %q: %v", l.EntityCode, err)
		}
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return loader.ErrNotFound.New("no version with id %d", l.ID)
	}
	return nil
}

func (store *versionsDB) Delete(ctx context.Context, id int64) (err error) {
	defer mon.Task()(&ctx)(&err)
	result, err := store.db.ExecContext(ctx, `DELETE FROM loaders WHERE id = $1`, id)
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

func (store *versionsDB) NextVersionNumber(ctx context.Context, entityCode string) (_ int, err error) {
	defer mon.Task()(&ctx)(&err)
	var next int
	err = store.db.QueryRowContext(ctx, `
		SELECT COALESCE(GREATEST(
			(SELECT MAX(version_number) FROM loaders WHERE entity_code = $1),
			(SELECT MAX(version_number) FROM loader_archive WHERE entity_code = $1)
		), 0) + 1
	`, entityCode).Scan(&next)
	return next, Error.Wrap(err)
}

func (store *versionsDB) SetEnabled(ctx context.Context, entityCode string, enabled bool) (err error) {
	defer mon.Task()(&ctx)(&err)
	result, err := store.db.ExecContext(ctx, `
		UPDATE loaders SET enabled = $2, modified_at = now()
		WHERE entity_code = $1 AND version_status = 'ACTIVE'
	`, entityCode, enabled)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return loader.ErrNotFound.New("no active version for %q", entityCode)
	}
	return nil
}

func (store *versionsDB) RequestRun(ctx context.Context, entityCode string) (err error) {
	defer mon.Task()(&ctx)(&err)
	result, err := store.db.ExecContext(ctx, `
		UPDATE loaders SET run_requested_at = now()
		WHERE entity_code = $1 AND version_status = 'ACTIVE'
	`, entityCode)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return loader.ErrNotFound.New("no active version for %q", entityCode)
	}
	return nil
}

func placeholderFor(n int) string {
	return "$" + strconv.Itoa(n)
}
