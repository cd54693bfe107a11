// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package loadertest_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storj.io/common/testcontext"
	"storj.io/sluice/loader"
	"storj.io/sluice/loader/loadertest"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func activeLoader(entityCode string) *loader.Loader {
	return &loader.Loader{
		EntityCode:     entityCode,
		VersionNumber:  1,
		VersionStatus:  loader.VersionActive,
		SourceDBRef:    "erp",
		SQLText:        []byte("SELECT 1"),
		MinInterval:    5 * time.Minute,
		MaxInterval:    time.Hour,
		MaxQueryPeriod: 24 * time.Hour,
		MaxParallel:    1,
		LoadStatus:     loader.LoadIdle,
		PurgeStrategy:  loader.SkipDuplicates,
		Enabled:        true,
	}
}

func TestVersions_Invariants(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := loadertest.New()

	_, err := db.Versions().Create(ctx, activeLoader("orders"))
	require.NoError(t, err)

	// Second ACTIVE for the same entity code is an integrity violation.
	second := activeLoader("orders")
	second.VersionNumber = 2
	_, err = db.Versions().Create(ctx, second)
	require.True(t, loader.ErrIntegrity.Has(err))

	// One draft-like row per entity code.
	draft := activeLoader("orders")
	draft.VersionNumber = 2
	draft.VersionStatus = loader.VersionDraft
	_, err = db.Versions().Create(ctx, draft)
	require.NoError(t, err)

	pending := activeLoader("orders")
	pending.VersionNumber = 3
	pending.VersionStatus = loader.VersionPendingApproval
	_, err = db.Versions().Create(ctx, pending)
	require.True(t, loader.ErrIntegrity.Has(err))

	// Version numbers are never reused, even against the archive.
	_, err = db.Archive().Archive(ctx, loader.ArchiveEntry{
		Loader: loader.Loader{EntityCode: "legacy", VersionNumber: 7},
	})
	require.NoError(t, err)
	reused := activeLoader("legacy")
	reused.VersionNumber = 7
	_, err = db.Versions().Create(ctx, reused)
	require.True(t, loader.ErrIntegrity.Has(err))

	next, err := db.Versions().NextVersionNumber(ctx, "legacy")
	require.NoError(t, err)
	require.Equal(t, 8, next)
}

func TestClaims_Eligibility(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := loadertest.New()

	row, err := db.Versions().Create(ctx, activeLoader("orders"))
	require.NoError(t, err)

	// Never-run loaders are claimed immediately.
	claimed, err := db.Claims().ClaimEligible(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, row.ID, claimed[0].ID)

	// A RUNNING row cannot be claimed again.
	claimed, err = db.Claims().ClaimEligible(ctx, now, 10)
	require.NoError(t, err)
	require.Empty(t, claimed)

	require.NoError(t, db.Claims().CompleteRun(ctx, row.ID, now, now, false))

	// Inside the minimum cooldown nothing is eligible, not even on request.
	require.NoError(t, db.Versions().RequestRun(ctx, "orders"))
	claimed, err = db.Claims().ClaimEligible(ctx, now.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Empty(t, claimed)

	// Past the minimum but inside the maximum, the pending request lets the
	// row through and is consumed by the claim.
	claimed, err = db.Claims().ClaimEligible(ctx, now.Add(10*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Nil(t, claimed[0].RunRequestedAt)

	_, err = db.Claims().Release(ctx, []int64{row.ID})
	require.NoError(t, err)

	// Without a request the row waits for the maximum interval.
	claimed, err = db.Claims().ClaimEligible(ctx, now.Add(30*time.Minute), 10)
	require.NoError(t, err)
	require.Empty(t, claimed)

	claimed, err = db.Claims().ClaimEligible(ctx, now.Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
}

func TestClaims_DisabledAndDraftExcluded(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := loadertest.New()

	paused := activeLoader("paused")
	paused.Enabled = false
	_, err := db.Versions().Create(ctx, paused)
	require.NoError(t, err)

	draft := activeLoader("draft-only")
	draft.VersionStatus = loader.VersionDraft
	_, err = db.Versions().Create(ctx, draft)
	require.NoError(t, err)

	claimed, err := db.Claims().ClaimEligible(ctx, now, 10)
	require.NoError(t, err)
	require.Empty(t, claimed)
}

func TestClaims_WatermarkMonotonic(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := loadertest.New()

	row, err := db.Versions().Create(ctx, activeLoader("orders"))
	require.NoError(t, err)

	require.NoError(t, db.Claims().CompleteRun(ctx, row.ID, now, now, false))
	// An earlier watermark never wins.
	require.NoError(t, db.Claims().CompleteRun(ctx, row.ID, now.Add(-time.Hour), now, false))

	got, err := db.Versions().Get(ctx, row.ID)
	require.NoError(t, err)
	require.Equal(t, now, *got.LastLoadTimestamp)
}

func TestClaims_ZeroRecordStreak(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := loadertest.New()

	row, err := db.Versions().Create(ctx, activeLoader("orders"))
	require.NoError(t, err)

	require.NoError(t, db.Claims().CompleteRun(ctx, row.ID, now, now, true))
	require.NoError(t, db.Claims().CompleteRun(ctx, row.ID, now, now, true))
	got, err := db.Versions().Get(ctx, row.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.ZeroRecordRuns)

	// One real row resets the streak.
	require.NoError(t, db.Claims().CompleteRun(ctx, row.ID, now, now, false))
	got, err = db.Versions().Get(ctx, row.ID)
	require.NoError(t, err)
	require.Equal(t, 0, got.ZeroRecordRuns)
}

func TestSignals_PurgeStrategies(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := loadertest.New()

	rng := loader.TimeRange{From: now.Add(-time.Hour), To: now}
	ts := now.Add(-30 * time.Minute)
	batch := []loader.Signal{{
		LoaderCode:    "orders",
		LoadTimestamp: ts,
		SegmentCode:   loader.DefaultSegment,
		RecCount:      3,
		MinVal:        10, AvgVal: 20, MaxVal: 30, SumVal: 60,
	}}

	stats, err := db.Signals().Commit(ctx, "orders", loader.FailOnDuplicate, rng, batch)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Inserted)

	// FAIL_ON_DUPLICATE refuses the whole batch on collision.
	_, err = db.Signals().Commit(ctx, "orders", loader.FailOnDuplicate, rng, batch)
	require.True(t, loader.ErrSinkConflict.Has(err))

	// SKIP_DUPLICATES keeps the existing tuple.
	stats, err = db.Signals().Commit(ctx, "orders", loader.SkipDuplicates, rng, batch)
	require.NoError(t, err)
	require.EqualValues(t, 0, stats.Inserted)
	require.EqualValues(t, 1, stats.Skipped)

	// PURGE_AND_RELOAD replaces everything in the range.
	replacement := []loader.Signal{{
		LoaderCode:    "orders",
		LoadTimestamp: ts,
		SegmentCode:   loader.DefaultSegment,
		RecCount:      5,
		MinVal:        1, AvgVal: 2, MaxVal: 3, SumVal: 10,
	}}
	stats, err = db.Signals().Commit(ctx, "orders", loader.PurgeAndReload, rng, replacement)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Inserted)

	signals, err := db.Signals().List(ctx, "orders", rng)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	require.EqualValues(t, 5, signals[0].RecCount)

	// The purge window is half-open: a tuple exactly at To survives.
	edge := []loader.Signal{{
		LoaderCode:    "orders",
		LoadTimestamp: now,
		SegmentCode:   loader.DefaultSegment,
		RecCount:      1,
	}}
	_, err = db.Signals().Commit(ctx, "orders", loader.FailOnDuplicate,
		loader.TimeRange{From: now, To: now.Add(time.Second)}, edge)
	require.NoError(t, err)

	_, err = db.Signals().Commit(ctx, "orders", loader.PurgeAndReload, rng, nil)
	require.NoError(t, err)
	survivors, err := db.Signals().List(ctx, "orders", loader.TimeRange{From: now, To: now.Add(time.Second)})
	require.NoError(t, err)
	require.Len(t, survivors, 1)
}
