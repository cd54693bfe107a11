// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package loader_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storj.io/sluice/loader"
)

func TestNextRange_FreshLoader(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	l := &loader.Loader{MaxQueryPeriod: 24 * time.Hour}

	rng := loader.NextRange(l, now)
	require.Equal(t, loader.WatermarkSentinel, rng.From)
	require.Equal(t, loader.WatermarkSentinel.Add(24*time.Hour), rng.To)
	require.False(t, rng.IsEmpty())
}

func TestNextRange_CapsAtMaxQueryPeriod(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	watermark := now.Add(-10 * time.Hour)
	l := &loader.Loader{
		LastLoadTimestamp: &watermark,
		MaxQueryPeriod:    4 * time.Hour,
	}

	rng := loader.NextRange(l, now)
	require.Equal(t, watermark, rng.From)
	require.Equal(t, watermark.Add(4*time.Hour), rng.To)

	// A loader that is nearly caught up gets the remainder only.
	watermark = now.Add(-time.Hour)
	rng = loader.NextRange(l, now)
	require.Equal(t, watermark, rng.From)
	require.Equal(t, now, rng.To)
}

func TestNextRange_EmptyWhenCaughtUp(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	l := &loader.Loader{
		LastLoadTimestamp: &now,
		MaxQueryPeriod:    4 * time.Hour,
	}

	rng := loader.NextRange(l, now)
	require.True(t, rng.IsEmpty())
	require.Zero(t, rng.Duration())

	// The watermark never produces a range reaching into the past.
	future := now.Add(time.Hour)
	l.LastLoadTimestamp = &future
	rng = loader.NextRange(l, now)
	require.True(t, rng.IsEmpty())
}

func TestTimeRange_HalfOpen(t *testing.T) {
	from := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	to := from.Add(time.Hour)
	rng := loader.TimeRange{From: from, To: to}

	require.True(t, rng.Contains(from))
	require.True(t, rng.Contains(to.Add(-time.Nanosecond)))
	require.False(t, rng.Contains(to))
	require.False(t, rng.Contains(from.Add(-time.Nanosecond)))
}

func TestSourceBounds_RoundTrip(t *testing.T) {
	from := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	rng := loader.TimeRange{From: from, To: from.Add(time.Hour)}

	// A source whose clocks run five hours behind UTC stores 10:00Z as
	// 05:00 local, so the bounds move back with it.
	shifted := loader.SourceBounds(rng, 5)
	require.Equal(t, from.Add(-5*time.Hour), shifted.From)
	require.Equal(t, from.Add(-4*time.Hour), shifted.To)

	local := time.Date(2024, 6, 1, 5, 30, 0, 0, time.UTC)
	require.Equal(t, local.Add(5*time.Hour), loader.NormalizeSourceTimestamp(local, 5))

	require.Equal(t, rng, loader.SourceBounds(rng, 0))
}
