// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package loader_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storj.io/sluice/loader"
)

func TestAggregator_SingleSegment(t *testing.T) {
	base := time.Date(2024, 6, 1, 10, 15, 0, 0, time.UTC)
	agg := loader.NewAggregator("orders")
	agg.Add("", base, 10)
	agg.Add("", base.Add(20*time.Minute), 30)
	agg.Add("", base.Add(43*time.Minute), 20)

	signals := agg.Signals()
	require.Len(t, signals, 1)

	signal := signals[0]
	require.Equal(t, "orders", signal.LoaderCode)
	require.Equal(t, loader.DefaultSegment, signal.SegmentCode)
	require.Equal(t, base.Add(43*time.Minute), signal.LoadTimestamp)
	require.EqualValues(t, 3, signal.RecCount)
	require.Equal(t, 10.0, signal.MinVal)
	require.Equal(t, 20.0, signal.AvgVal)
	require.Equal(t, 30.0, signal.MaxVal)
	require.Equal(t, 60.0, signal.SumVal)
}

func TestAggregator_PerSegment(t *testing.T) {
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	agg := loader.NewAggregator("orders")
	agg.Add("eu", base.Add(time.Minute), 5)
	agg.Add("us", base.Add(2*time.Minute), 7)
	agg.Add("eu", base.Add(3*time.Minute), -1)

	signals := agg.Signals()
	require.Len(t, signals, 2)

	// Ordered by segment code for deterministic batches.
	require.Equal(t, "eu", signals[0].SegmentCode)
	require.Equal(t, "us", signals[1].SegmentCode)

	require.EqualValues(t, 2, signals[0].RecCount)
	require.Equal(t, -1.0, signals[0].MinVal)
	require.Equal(t, 5.0, signals[0].MaxVal)
	require.Equal(t, 4.0, signals[0].SumVal)
	require.Equal(t, base.Add(3*time.Minute), signals[0].LoadTimestamp)

	require.EqualValues(t, 1, signals[1].RecCount)
	require.Equal(t, 7.0, signals[1].AvgVal)
	require.Equal(t, base.Add(2*time.Minute), signals[1].LoadTimestamp)
}

func TestAggregator_Empty(t *testing.T) {
	require.Nil(t, loader.NewAggregator("orders").Signals())
}
