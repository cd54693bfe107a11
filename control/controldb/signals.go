// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package controldb

import (
	"context"
	"fmt"
	"time"

	"github.com/zeebo/errs"

	"storj.io/private/dbutil/pgutil"
	"storj.io/private/dbutil/txutil"
	"storj.io/private/tagsql"
	"storj.io/sluice/loader"
)

// signalsDB implements loader.Signals on the partitioned signals_history
// table.
type signalsDB struct {
	db tagsql.DB
}

// Commit persists one batch atomically under the loader's purge strategy.
// Partitions for the months the batch touches are created inside the same
// transaction, so the default partition stays empty in normal operation.
func (store *signalsDB) Commit(ctx context.Context, loaderCode string, strategy loader.PurgeStrategy, rng loader.TimeRange, batch []loader.Signal) (stats loader.SinkStats, err error) {
	defer mon.Task()(&ctx)(&err)

	err = txutil.WithTx(ctx, store.db, nil, func(ctx context.Context, tx tagsql.Tx) error {
		if strategy == loader.PurgeAndReload {
			_, err := tx.ExecContext(ctx, `
				DELETE FROM signals_history
				WHERE loader_code = $1
					AND load_timestamp_utc >= $2
					AND load_timestamp_utc < $3
			`, loaderCode, rng.From, rng.To)
			if err != nil {
				return Error.Wrap(err)
			}
		}

		if len(batch) == 0 {
			return nil
		}

		if err := ensurePartitions(ctx, tx, batch); err != nil {
			return err
		}

		timestamps := make([]time.Time, len(batch))
		segments := make([]string, len(batch))
		counts := make([]int64, len(batch))
		mins := make([]float64, len(batch))
		avgs := make([]float64, len(batch))
		maxs := make([]float64, len(batch))
		sums := make([]float64, len(batch))
		for i, signal := range batch {
			timestamps[i] = signal.LoadTimestamp
			segments[i] = signal.SegmentCode
			counts[i] = signal.RecCount
			mins[i] = signal.MinVal
			avgs[i] = signal.AvgVal
			maxs[i] = signal.MaxVal
			sums[i] = signal.SumVal
		}

		query := `
			INSERT INTO signals_history (
				loader_code, load_timestamp_utc, segment_code,
				rec_count, min_val, avg_val, max_val, sum_val
			)
			SELECT $1, u.ts, u.segment, u.recs, u.minv, u.avgv, u.maxv, u.sumv
			FROM unnest(
				$2::timestamptz[], $3::text[], $4::int8[],
				$5::float8[], $6::float8[], $7::float8[], $8::float8[]
			) AS u ( ts, segment, recs, minv, avgv, maxv, sumv )`
		if strategy == loader.SkipDuplicates {
			query += `
			ON CONFLICT ( loader_code, load_timestamp_utc, segment_code ) DO NOTHING`
		}

		result, err := tx.ExecContext(ctx, query,
			loaderCode,
			pgutil.TimestampTZArray(timestamps),
			pgutil.TextArray(segments),
			pgutil.Int8Array(counts),
			pgutil.Float8Array(mins),
			pgutil.Float8Array(avgs),
			pgutil.Float8Array(maxs),
			pgutil.Float8Array(sums),
		)
		if err != nil {
			if uniqueViolation(err) {
				return loader.ErrSinkConflict.New("duplicate signal for %q: %v", loaderCode, err)
			}
			return Error.Wrap(err)
		}

		inserted, err := result.RowsAffected()
		if err != nil {
			return Error.Wrap(err)
		}
		stats.Inserted = inserted
		stats.Skipped = int64(len(batch)) - inserted
		return nil
	})
	if err != nil {
		return loader.SinkStats{}, err
	}
	return stats, nil
}

// ensurePartitions creates the monthly range partitions the batch needs.
func ensurePartitions(ctx context.Context, tx tagsql.Tx, batch []loader.Signal) error {
	months := make(map[time.Time]struct{})
	for _, signal := range batch {
		ts := signal.LoadTimestamp.UTC()
		months[time.Date(ts.Year(), ts.Month(), 1, 0, 0, 0, 0, time.UTC)] = struct{}{}
	}
	for month := range months {
		next := month.AddDate(0, 1, 0)
		name := fmt.Sprintf("signals_history_p%04d%02d", month.Year(), month.Month())
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s
				PARTITION OF signals_history
				FOR VALUES FROM ('%s') TO ('%s')
		`, name, month.Format(time.RFC3339), next.Format(time.RFC3339)))
		if err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// List returns persisted signals for a loader within the range, oldest first.
func (store *signalsDB) List(ctx context.Context, loaderCode string, rng loader.TimeRange) (_ []loader.Signal, err error) {
	defer mon.Task()(&ctx)(&err)
	rows, err := store.db.QueryContext(ctx, `
		SELECT loader_code, load_timestamp_utc, segment_code,
			rec_count, min_val, avg_val, max_val, sum_val
		FROM signals_history
		WHERE loader_code = $1
			AND load_timestamp_utc >= $2
			AND load_timestamp_utc < $3
		ORDER BY load_timestamp_utc, segment_code
	`, loaderCode, rng.From, rng.To)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errs.Combine(err, rows.Close())) }()

	var signals []loader.Signal
	for rows.Next() {
		var signal loader.Signal
		err := rows.Scan(
			&signal.LoaderCode, &signal.LoadTimestamp, &signal.SegmentCode,
			&signal.RecCount, &signal.MinVal, &signal.AvgVal, &signal.MaxVal, &signal.SumVal,
		)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		signals = append(signals, signal)
	}
	return signals, Error.Wrap(rows.Err())
}
