// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package sourcepool

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"storj.io/sluice/loader"
)

// Row is one normalized source row: the designated timestamp column, the
// segment (DefaultSegment when the query projects none), and the aggregated
// value (0 when the query projects none).
type Row struct {
	Timestamp time.Time
	Segment   string
	Value     float64
}

// RowStream is a forward-only stream of normalized source rows.
type RowStream interface {
	Next(ctx context.Context) (row Row, done bool, err error)
	Close() error
}

// Rows streams normalized rows out of a source query result.
type Rows struct {
	rows        *sql.Rows
	offsetHours int

	scan       []interface{}
	tsIdx      int
	segmentIdx int
	valueIdx   int
}

var segmentColumnNames = map[string]bool{
	"segment":      true,
	"segment_code": true,
}

// QueryRange binds the :from / :to parameters of query to the source-local
// bounds of rng and streams the result. Column 0 of the projection is the
// row timestamp; a column named segment or segment_code supplies the
// segment; the first remaining column supplies the value.
func (h *Handle) QueryRange(ctx context.Context, query string, rng loader.TimeRange, offsetHours int) (_ RowStream, err error) {
	defer mon.Task()(&ctx)(&err)

	bounds := loader.SourceBounds(rng, offsetHours)

	placeholder := func(n int) string { return "?" }
	if h.dialect == loader.DialectPostgres {
		placeholder = func(n int) string { return "$" + strconv.Itoa(n) }
	}
	rewritten, order := loader.BindRangeParams(query, placeholder)

	args := make([]interface{}, 0, len(order))
	for _, name := range order {
		switch name {
		case "from":
			args = append(args, bounds.From)
		case "to":
			args = append(args, bounds.To)
		}
	}

	rows, err := h.conn.QueryContext(ctx, rewritten, args...)
	if err != nil {
		return nil, classifyQueryError(err)
	}

	columns, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		return nil, Error.Wrap(err)
	}
	if len(columns) == 0 {
		_ = rows.Close()
		return nil, loader.ErrPermanentSource.New("query projects no columns")
	}

	result := &Rows{
		rows:        rows,
		offsetHours: offsetHours,
		scan:        make([]interface{}, len(columns)),
		tsIdx:       0,
		segmentIdx:  -1,
		valueIdx:    -1,
	}
	for i, name := range columns {
		if i == 0 {
			continue
		}
		if segmentColumnNames[strings.ToLower(name)] && result.segmentIdx < 0 {
			result.segmentIdx = i
		} else if result.valueIdx < 0 {
			result.valueIdx = i
		}
	}
	return result, nil
}

// Next reads the next row. done is true once the stream is exhausted.
func (r *Rows) Next(ctx context.Context) (row Row, done bool, err error) {
	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			return Row{}, true, classifyQueryError(err)
		}
		return Row{}, true, nil
	}

	var ts time.Time
	var segment sql.NullString
	var value sql.NullFloat64
	var discard interface{}

	for i := range r.scan {
		switch i {
		case r.tsIdx:
			r.scan[i] = &ts
		case r.segmentIdx:
			r.scan[i] = &segment
		case r.valueIdx:
			r.scan[i] = &value
		default:
			r.scan[i] = &discard
		}
	}
	if err := r.rows.Scan(r.scan...); err != nil {
		return Row{}, true, loader.ErrPermanentSource.New("scan: %v", err)
	}

	row.Timestamp = loader.NormalizeSourceTimestamp(ts, r.offsetHours)
	row.Segment = loader.DefaultSegment
	if segment.Valid && segment.String != "" {
		row.Segment = segment.String
	}
	if value.Valid {
		row.Value = value.Float64
	}
	return row, false, nil
}

// Close releases the underlying result set.
func (r *Rows) Close() error {
	return Error.Wrap(r.rows.Close())
}

// classifyQueryError maps source-side query errors onto the loader taxonomy.
func classifyQueryError(err error) error {
	if err == nil {
		return nil
	}
	if isTimeout(err) {
		return loader.ErrTransientSource.Wrap(err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "syntax"),
		strings.Contains(msg, "does not exist"),
		strings.Contains(msg, "unknown column"),
		strings.Contains(msg, "read-only"),
		strings.Contains(msg, "permission denied"):
		return loader.ErrPermanentSource.Wrap(err)
	default:
		return loader.ErrTransientSource.Wrap(err)
	}
}
