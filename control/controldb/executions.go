// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package controldb

import (
	"context"

	"github.com/zeebo/errs"

	"storj.io/sluice/loader"
)

// executionsDB implements loader.Executions.
type executionsDB struct {
	db queryer
}

func (store *executionsDB) Record(ctx context.Context, record loader.ExecutionRecord) (err error) {
	defer mon.Task()(&ctx)(&err)
	_, err = store.db.ExecContext(ctx, `
		INSERT INTO loader_executions (
			entity_code, version_number, correlation_id,
			range_from, range_to, started_at, finished_at,
			row_count, signal_count, success, error_kind, error_message
		) VALUES ( $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12 )
	`,
		record.EntityCode, record.VersionNumber, record.CorrelationID,
		record.RangeFrom, record.RangeTo, record.StartedAt, record.FinishedAt,
		record.RowCount, record.SignalCount, record.Success, record.ErrorKind, record.ErrorMessage,
	)
	return Error.Wrap(err)
}

func (store *executionsDB) ListByEntityCode(ctx context.Context, entityCode string, limit int) (_ []loader.ExecutionRecord, err error) {
	defer mon.Task()(&ctx)(&err)
	if limit <= 0 {
		limit = 50
	}
	rows, err := store.db.QueryContext(ctx, `
		SELECT id, entity_code, version_number, correlation_id,
			range_from, range_to, started_at, finished_at,
			row_count, signal_count, success, error_kind, error_message
		FROM loader_executions
		WHERE entity_code = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, entityCode, limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errs.Combine(err, rows.Close())) }()

	var records []loader.ExecutionRecord
	for rows.Next() {
		var record loader.ExecutionRecord
		err := rows.Scan(
			&record.ID, &record.EntityCode, &record.VersionNumber, &record.CorrelationID,
			&record.RangeFrom, &record.RangeTo, &record.StartedAt, &record.FinishedAt,
			&record.RowCount, &record.SignalCount, &record.Success, &record.ErrorKind, &record.ErrorMessage,
		)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		records = append(records, record)
	}
	return records, Error.Wrap(rows.Err())
}
