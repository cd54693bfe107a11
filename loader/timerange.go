// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package loader

import "time"

// WatermarkSentinel is what a NULL watermark reads as: the first run of a
// fresh loader walks forward from here in max-query-period chunks instead of
// issuing one unbounded query.
var WatermarkSentinel = time.Unix(0, 0).UTC()

// TimeRange is a half-open UTC interval [From, To).
type TimeRange struct {
	From time.Time
	To   time.Time
}

// IsEmpty reports whether the range selects nothing.
func (r TimeRange) IsEmpty() bool { return !r.To.After(r.From) }

// Duration returns To - From, or zero for empty ranges.
func (r TimeRange) Duration() time.Duration {
	if r.IsEmpty() {
		return 0
	}
	return r.To.Sub(r.From)
}

// Contains reports whether ts falls inside the half-open range.
func (r TimeRange) Contains(ts time.Time) bool {
	return !ts.Before(r.From) && ts.Before(r.To)
}

// Shift moves both bounds by d.
func (r TimeRange) Shift(d time.Duration) TimeRange {
	return TimeRange{From: r.From.Add(d), To: r.To.Add(d)}
}

// NextRange computes the range the next run of l should process:
// from the watermark (or the sentinel) up to now, capped at the loader's
// maximum query period. The result may be empty, in which case the run is a
// no-op.
func NextRange(l *Loader, now time.Time) TimeRange {
	from := WatermarkSentinel
	if l.LastLoadTimestamp != nil {
		from = l.LastLoadTimestamp.UTC()
	}

	to := now.UTC()
	if l.MaxQueryPeriod > 0 {
		if capped := from.Add(l.MaxQueryPeriod); capped.Before(to) {
			to = capped
		}
	}
	if to.Before(from) {
		to = from
	}
	return TimeRange{From: from, To: to}
}

// SourceBounds converts the UTC range into the bounds sent to the source
// database: each bound is shifted by -offset so that the comparison happens
// in source-local time.
func SourceBounds(rng TimeRange, offsetHours int) TimeRange {
	if offsetHours == 0 {
		return rng
	}
	return rng.Shift(-time.Duration(offsetHours) * time.Hour)
}

// NormalizeSourceTimestamp converts a source-local timestamp back to UTC,
// undoing the SourceBounds shift.
func NormalizeSourceTimestamp(ts time.Time, offsetHours int) time.Time {
	return ts.Add(time.Duration(offsetHours) * time.Hour).UTC()
}
