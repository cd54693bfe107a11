// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package executor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/sluice/loader"
	"storj.io/sluice/loader/executor"
	"storj.io/sluice/loader/loadertest"
	"storj.io/sluice/loader/sourcepool"
)

type fakeStream struct {
	rows []sourcepool.Row
	next int
	err  error
}

func (s *fakeStream) Next(ctx context.Context) (sourcepool.Row, bool, error) {
	if s.err != nil {
		return sourcepool.Row{}, false, s.err
	}
	if s.next >= len(s.rows) {
		return sourcepool.Row{}, true, nil
	}
	row := s.rows[s.next]
	s.next++
	return row, false, nil
}

func (s *fakeStream) Close() error { return nil }

type fakeSource struct {
	stream   sourcepool.RowStream
	queryErr error
	released bool
}

func (s *fakeSource) QueryRange(ctx context.Context, query string, rng loader.TimeRange, offsetHours int) (sourcepool.RowStream, error) {
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	return s.stream, nil
}

func (s *fakeSource) Release() { s.released = true }

type fakePool struct {
	source    *fakeSource
	borrowErr error
}

func (p *fakePool) Borrow(ctx context.Context, sourceCode string) (executor.Source, error) {
	if p.borrowErr != nil {
		return nil, p.borrowErr
	}
	return p.source, nil
}

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T, pool executor.SourcePool) (*executor.Executor, *loadertest.DB, *loader.Loader) {
	db := loadertest.New()
	exec := executor.New(zaptest.NewLogger(t), executor.Config{RunTimeout: time.Minute}, db, pool, loader.NoopCipher{})
	exec.SetNowFunc(func() time.Time { return testNow })

	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	watermark := testNow.Add(-2 * time.Hour)
	claimed, err := db.Versions().Create(ctx, &loader.Loader{
		EntityCode:        "orders",
		VersionNumber:     1,
		VersionStatus:     loader.VersionActive,
		SourceDBRef:       "erp",
		SQLText:           []byte("SELECT ts, val FROM metrics WHERE ts >= :from AND ts < :to"),
		MaxQueryPeriod:    24 * time.Hour,
		MaxParallel:       1,
		LoadStatus:        loader.LoadRunning,
		LastLoadTimestamp: &watermark,
		PurgeStrategy:     loader.SkipDuplicates,
		Enabled:           true,
	})
	require.NoError(t, err)
	return exec, db, claimed
}

func TestRun_Success(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	maxTS := testNow.Add(-10 * time.Minute)
	source := &fakeSource{stream: &fakeStream{rows: []sourcepool.Row{
		{Timestamp: testNow.Add(-90 * time.Minute), Segment: "eu", Value: 10},
		{Timestamp: maxTS, Segment: "eu", Value: 30},
		{Timestamp: testNow.Add(-30 * time.Minute), Segment: "us", Value: 7},
	}}}
	exec, db, claimed := setup(t, &fakePool{source: source})

	rec, err := exec.Run(ctx, claimed)
	require.NoError(t, err)
	require.True(t, rec.Success)
	require.EqualValues(t, 3, rec.RowCount)
	require.Equal(t, 2, rec.SignalCount)
	require.True(t, source.released)

	// The watermark lands on the max observed timestamp and the row returns
	// to IDLE.
	row, err := db.Versions().Get(ctx, claimed.ID)
	require.NoError(t, err)
	require.Equal(t, loader.LoadIdle, row.LoadStatus)
	require.NotNil(t, row.LastLoadTimestamp)
	require.Equal(t, maxTS, *row.LastLoadTimestamp)
	require.Equal(t, 0, row.ZeroRecordRuns)

	signals, err := db.Signals().List(ctx, "orders", loader.TimeRange{From: testNow.Add(-2 * time.Hour), To: testNow})
	require.NoError(t, err)
	require.Len(t, signals, 2)

	records, err := db.Executions().ListByEntityCode(ctx, "orders", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.True(t, records[0].Success)
	require.False(t, records[0].CorrelationID.IsZero())
}

func TestRun_DiscardsRowsPastRangeEnd(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	source := &fakeSource{stream: &fakeStream{rows: []sourcepool.Row{
		{Timestamp: testNow.Add(-30 * time.Minute), Value: 1},
		{Timestamp: testNow, Value: 2},                       // at To: discarded
		{Timestamp: testNow.Add(time.Minute), Value: 3},      // past To: discarded
		{Timestamp: testNow.Add(-3 * time.Hour), Value: 4},   // before From: accepted
	}}}
	exec, db, claimed := setup(t, &fakePool{source: source})

	rec, err := exec.Run(ctx, claimed)
	require.NoError(t, err)
	require.EqualValues(t, 2, rec.RowCount)

	// A late row from before the range start never drags the watermark back.
	row, err := db.Versions().Get(ctx, claimed.ID)
	require.NoError(t, err)
	require.Equal(t, testNow.Add(-30*time.Minute), *row.LastLoadTimestamp)
}

func TestRun_EmptyResultAdvancesWatermark(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	source := &fakeSource{stream: &fakeStream{}}
	exec, db, claimed := setup(t, &fakePool{source: source})

	rec, err := exec.Run(ctx, claimed)
	require.NoError(t, err)
	require.True(t, rec.Success)
	require.Zero(t, rec.RowCount)

	// Nothing to load still advances the watermark to the range end, and the
	// zero-record streak grows.
	row, err := db.Versions().Get(ctx, claimed.ID)
	require.NoError(t, err)
	require.Equal(t, testNow, *row.LastLoadTimestamp)
	require.Equal(t, 1, row.ZeroRecordRuns)
}

func TestRun_SourceFailureLeavesWatermark(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	exec, db, claimed := setup(t, &fakePool{
		borrowErr: sourcepool.ErrSourceUnavailable.New("connection refused"),
	})
	before := *claimed.LastLoadTimestamp

	rec, err := exec.Run(ctx, claimed)
	require.Error(t, err)
	require.False(t, rec.Success)
	require.Equal(t, executor.KindTransientSource, rec.ErrorKind)

	row, err := db.Versions().Get(ctx, claimed.ID)
	require.NoError(t, err)
	require.Equal(t, loader.LoadFailed, row.LoadStatus)
	require.NotNil(t, row.FailedSince)
	require.Equal(t, before, *row.LastLoadTimestamp)

	records, err := db.Executions().ListByEntityCode(ctx, "orders", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.False(t, records[0].Success)
	require.Equal(t, executor.KindTransientSource, records[0].ErrorKind)
}

func TestRun_RejectsUnsafeSQL(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	exec, db, claimed := setup(t, &fakePool{source: &fakeSource{stream: &fakeStream{}}})
	claimed.SQLText = []byte("DELETE FROM metrics")
	require.NoError(t, db.Versions().Update(ctx, claimed))

	rec, err := exec.Run(ctx, claimed)
	require.Error(t, err)
	require.Equal(t, executor.KindPermanentSource, rec.ErrorKind)
}

// blockingStream parks in Next until the run context is canceled.
type blockingStream struct {
	started chan struct{}
	once    sync.Once
}

func (s *blockingStream) Next(ctx context.Context) (sourcepool.Row, bool, error) {
	s.once.Do(func() { close(s.started) })
	<-ctx.Done()
	return sourcepool.Row{}, false, ctx.Err()
}

func (s *blockingStream) Close() error { return nil }

func TestRun_ShutdownLeavesClaimReleasable(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	stream := &blockingStream{started: make(chan struct{})}
	exec, db, claimed := setup(t, &fakePool{source: &fakeSource{stream: stream}})

	runCtx, cancel := context.WithCancel(ctx)
	errc := make(chan error, 1)
	go func() {
		_, err := exec.Run(runCtx, claimed)
		errc <- err
	}()
	<-stream.started
	cancel()
	require.Error(t, <-errc)

	// Cancellation is shutdown, not a loader failure: the row stays RUNNING
	// so the release pass can return it to IDLE immediately instead of
	// parking it FAILED until auto-recovery.
	row, err := db.Versions().Get(ctx, claimed.ID)
	require.NoError(t, err)
	require.Equal(t, loader.LoadRunning, row.LoadStatus)
	require.Nil(t, row.FailedSince)

	released, err := db.Claims().Release(ctx, []int64{claimed.ID})
	require.NoError(t, err)
	require.EqualValues(t, 1, released)

	row, err = db.Versions().Get(ctx, claimed.ID)
	require.NoError(t, err)
	require.Equal(t, loader.LoadIdle, row.LoadStatus)
}

func TestRun_LateOnlySignalsStampIntoRange(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	// Every accepted row predates the range start.
	source := &fakeSource{stream: &fakeStream{rows: []sourcepool.Row{
		{Timestamp: testNow.Add(-3 * time.Hour), Segment: "eu", Value: 5},
	}}}
	exec, db, claimed := setup(t, &fakePool{source: source})

	rangeFrom := testNow.Add(-2 * time.Hour)
	_, err := exec.Run(ctx, claimed)
	require.NoError(t, err)

	// The committed tuple lands inside the run range, where a
	// PURGE_AND_RELOAD re-run of the same range can purge it.
	signals, err := db.Signals().List(ctx, "orders", loader.TimeRange{From: rangeFrom, To: testNow})
	require.NoError(t, err)
	require.Len(t, signals, 1)
	require.Equal(t, rangeFrom, signals[0].LoadTimestamp)
}

func TestRun_SinkConflict(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	ts := testNow.Add(-30 * time.Minute)
	source := &fakeSource{stream: &fakeStream{rows: []sourcepool.Row{
		{Timestamp: ts, Value: 1},
	}}}
	exec, db, claimed := setup(t, &fakePool{source: source})

	// Force FAIL_ON_DUPLICATE against a pre-existing tuple.
	claimed.PurgeStrategy = loader.FailOnDuplicate
	require.NoError(t, db.Versions().Update(ctx, claimed))
	_, err := db.Signals().Commit(ctx, "orders", loader.FailOnDuplicate,
		loader.TimeRange{From: ts, To: ts.Add(time.Second)},
		[]loader.Signal{{LoaderCode: "orders", LoadTimestamp: ts, SegmentCode: loader.DefaultSegment, RecCount: 1}})
	require.NoError(t, err)

	rec, err := exec.Run(ctx, claimed)
	require.Error(t, err)
	require.Equal(t, executor.KindSinkConflict, rec.ErrorKind)
}

func TestClassifyError(t *testing.T) {
	require.Equal(t, executor.KindSinkConflict, executor.ClassifyError(loader.ErrSinkConflict.New("dup")))
	require.Equal(t, executor.KindPermanentSource, executor.ClassifyError(loader.ErrPermanentSource.New("syntax")))
	require.Equal(t, executor.KindPermanentSource, executor.ClassifyError(sourcepool.ErrAuthFailure.New("denied")))
	require.Equal(t, executor.KindTransientSource, executor.ClassifyError(sourcepool.ErrAcquireTimeout.New("busy")))
	require.Equal(t, executor.KindTransientSource, executor.ClassifyError(context.DeadlineExceeded))
	require.Equal(t, executor.KindInternal, executor.ClassifyError(loader.Error.New("boom")))
}
