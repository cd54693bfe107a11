// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package loader

import (
	"sort"
	"time"
)

// DefaultSegment is used when a query does not project a segment column.
const DefaultSegment = "_all_"

// Aggregator accumulates per-segment running aggregates over one run.
type Aggregator struct {
	loaderCode string
	segments   map[string]*segmentAgg
}

type segmentAgg struct {
	count int64
	min   float64
	max   float64
	sum   float64
	maxTS time.Time
}

// NewAggregator creates an aggregator for one loader run.
func NewAggregator(loaderCode string) *Aggregator {
	return &Aggregator{
		loaderCode: loaderCode,
		segments:   make(map[string]*segmentAgg),
	}
}

// Add folds one source row into the running aggregates.
func (a *Aggregator) Add(segment string, ts time.Time, value float64) {
	if segment == "" {
		segment = DefaultSegment
	}
	agg, ok := a.segments[segment]
	if !ok {
		agg = &segmentAgg{min: value, max: value}
		a.segments[segment] = agg
	}
	agg.count++
	if value < agg.min {
		agg.min = value
	}
	if value > agg.max {
		agg.max = value
	}
	agg.sum += value
	if ts.After(agg.maxTS) {
		agg.maxTS = ts
	}
}

// Signals returns one tuple per segment, stamped with the segment's maximum
// observed timestamp, ordered by segment code for deterministic batches.
func (a *Aggregator) Signals() []Signal {
	if len(a.segments) == 0 {
		return nil
	}
	out := make([]Signal, 0, len(a.segments))
	for segment, agg := range a.segments {
		out = append(out, Signal{
			LoaderCode:    a.loaderCode,
			LoadTimestamp: agg.maxTS,
			SegmentCode:   segment,
			RecCount:      agg.count,
			MinVal:        agg.min,
			AvgVal:        agg.sum / float64(agg.count),
			MaxVal:        agg.max,
			SumVal:        agg.sum,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SegmentCode < out[j].SegmentCode })
	return out
}
