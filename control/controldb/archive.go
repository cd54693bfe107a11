// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package controldb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/zeebo/errs"

	"storj.io/sluice/loader"
)

// archiveDB implements loader.Archive.
type archiveDB struct {
	db queryer
}

const archiveColumns = `
	id, entity_code, version_number, version_status, parent_version_id,
	source_db_ref, sql_text,
	min_interval_seconds, max_interval_seconds, max_query_period_seconds,
	max_parallel_executions, source_timezone_offset_hours,
	last_load_timestamp, purge_strategy,
	created_by, created_at,
	approved_by, approved_at, rejected_by, rejected_at, rejection_reason,
	change_type, change_summary, import_label,
	archived_by, archived_at, archive_reason`

func scanArchiveEntry(row rowScanner) (*loader.ArchiveEntry, error) {
	var entry loader.ArchiveEntry
	var minSeconds, maxSeconds, periodSeconds int64
	err := row.Scan(
		&entry.ID, &entry.Loader.EntityCode, &entry.Loader.VersionNumber,
		&entry.Loader.VersionStatus, &entry.Loader.ParentVersionID,
		&entry.Loader.SourceDBRef, &entry.Loader.SQLText,
		&minSeconds, &maxSeconds, &periodSeconds,
		&entry.Loader.MaxParallel, &entry.Loader.SourceTimezoneOffsetHours,
		&entry.Loader.LastLoadTimestamp, &entry.Loader.PurgeStrategy,
		&entry.Loader.CreatedBy, &entry.Loader.CreatedAt,
		&entry.Loader.ApprovedBy, &entry.Loader.ApprovedAt,
		&entry.Loader.RejectedBy, &entry.Loader.RejectedAt, &entry.Loader.RejectionReason,
		&entry.Loader.ChangeType, &entry.Loader.ChangeSummary, &entry.Loader.ImportLabel,
		&entry.ArchivedBy, &entry.ArchivedAt, &entry.ArchiveReason,
	)
	if err != nil {
		return nil, err
	}
	entry.Loader.MinInterval = time.Duration(minSeconds) * time.Second
	entry.Loader.MaxInterval = time.Duration(maxSeconds) * time.Second
	entry.Loader.MaxQueryPeriod = time.Duration(periodSeconds) * time.Second
	return &entry, nil
}

// Archive stores the snapshot, or returns the id of the snapshot already
// stored under the same (entity_code, version_number).
func (store *archiveDB) Archive(ctx context.Context, entry loader.ArchiveEntry) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	l := entry.Loader
	var id int64
	err = store.db.QueryRowContext(ctx, `
		INSERT INTO loader_archive (
			entity_code, version_number, version_status, parent_version_id,
			source_db_ref, sql_text,
			min_interval_seconds, max_interval_seconds, max_query_period_seconds,
			max_parallel_executions, source_timezone_offset_hours,
			last_load_timestamp, purge_strategy,
			created_by, created_at,
			approved_by, approved_at, rejected_by, rejected_at, rejection_reason,
			change_type, change_summary, import_label,
			archived_by, archived_at, archive_reason
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26
		)
		ON CONFLICT ( entity_code, version_number ) DO NOTHING
		RETURNING id
	`,
		l.EntityCode, l.VersionNumber, l.VersionStatus, l.ParentVersionID,
		l.SourceDBRef, l.SQLText,
		int64(l.MinInterval.Seconds()), int64(l.MaxInterval.Seconds()), int64(l.MaxQueryPeriod.Seconds()),
		l.MaxParallel, l.SourceTimezoneOffsetHours,
		l.LastLoadTimestamp, l.PurgeStrategy,
		l.CreatedBy, l.CreatedAt,
		l.ApprovedBy, l.ApprovedAt, l.RejectedBy, l.RejectedAt, l.RejectionReason,
		l.ChangeType, l.ChangeSummary, l.ImportLabel,
		entry.ArchivedBy, entry.ArchivedAt, entry.ArchiveReason,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, Error.Wrap(err)
	}

	// Conflict: the snapshot is already archived.
	err = store.db.QueryRowContext(ctx, `
		SELECT id FROM loader_archive
		WHERE entity_code = $1 AND version_number = $2
	`, l.EntityCode, l.VersionNumber).Scan(&id)
	return id, Error.Wrap(err)
}

func (store *archiveDB) ListByEntityCode(ctx context.Context, entityCode string) (_ []loader.ArchiveEntry, err error) {
	defer mon.Task()(&ctx)(&err)
	return store.list(ctx, `
		SELECT `+archiveColumns+`
		FROM loader_archive
		WHERE entity_code = $1
		ORDER BY version_number DESC
	`, entityCode)
}

func (store *archiveDB) Get(ctx context.Context, entityCode string, versionNumber int) (_ *loader.ArchiveEntry, err error) {
	defer mon.Task()(&ctx)(&err)
	row := store.db.QueryRowContext(ctx, `
		SELECT `+archiveColumns+`
		FROM loader_archive
		WHERE entity_code = $1 AND version_number = $2
	`, entityCode, versionNumber)
	entry, err := scanArchiveEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, loader.ErrNotFound.New("no archived version %d for %q", versionNumber, entityCode)
	}
	return entry, Error.Wrap(err)
}

func (store *archiveDB) Count(ctx context.Context, entityCode string) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)
	var count int64
	err = store.db.QueryRowContext(ctx, `
		SELECT count(*) FROM loader_archive WHERE entity_code = $1
	`, entityCode).Scan(&count)
	return count, Error.Wrap(err)
}

func (store *archiveDB) Exists(ctx context.Context, entityCode string, versionNumber int) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)
	var exists bool
	err = store.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM loader_archive
			WHERE entity_code = $1 AND version_number = $2
		)
	`, entityCode, versionNumber).Scan(&exists)
	return exists, Error.Wrap(err)
}

func (store *archiveDB) ListRejected(ctx context.Context, entityCode string) (_ []loader.ArchiveEntry, err error) {
	defer mon.Task()(&ctx)(&err)
	return store.list(ctx, `
		SELECT `+archiveColumns+`
		FROM loader_archive
		WHERE entity_code = $1 AND rejected_at IS NOT NULL
		ORDER BY version_number DESC
	`, entityCode)
}

func (store *archiveDB) list(ctx context.Context, query string, args ...interface{}) (_ []loader.ArchiveEntry, err error) {
	rows, err := store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errs.Combine(err, rows.Close())) }()

	var entries []loader.ArchiveEntry
	for rows.Next() {
		entry, err := scanArchiveEntry(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		entries = append(entries, *entry)
	}
	return entries, Error.Wrap(rows.Err())
}
