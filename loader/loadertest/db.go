// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package loadertest provides an in-memory control store for tests. It
// enforces the same invariants as the SQL implementation: one ACTIVE and one
// draft-like row per entity code, no version number reuse across main and
// archive, idempotent archival.
package loadertest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"storj.io/sluice/loader"
)

// DB is an in-memory loader.DB.
type DB struct {
	mu sync.Mutex

	nextID        int64
	nextArchiveID int64
	loaders       map[int64]*loader.Loader
	archive       []loader.ArchiveEntry
	signals       map[signalKey]loader.Signal
	executions    []loader.ExecutionRecord
	sources       map[string]loader.SourceDatabase
}

type signalKey struct {
	loaderCode string
	ts         time.Time
	segment    string
}

// New creates an empty in-memory DB.
func New() *DB {
	return &DB{
		loaders: make(map[int64]*loader.Loader),
		signals: make(map[signalKey]loader.Signal),
		sources: make(map[string]loader.SourceDatabase),
	}
}

// Versions implements loader.DB.
func (db *DB) Versions() loader.Versions { return (*versions)(db) }

// Claims implements loader.DB.
func (db *DB) Claims() loader.Claims { return (*claims)(db) }

// Signals implements loader.DB.
func (db *DB) Signals() loader.Signals { return (*signals)(db) }

// Archive implements loader.DB.
func (db *DB) Archive() loader.Archive { return (*archive)(db) }

// Executions implements loader.DB.
func (db *DB) Executions() loader.Executions { return (*executions)(db) }

// Sources implements loader.DB.
func (db *DB) Sources() loader.Sources { return (*sources)(db) }

// WithTx runs fn against the same store. The in-memory implementation does
// not roll back partial writes; tests that need rollback run against SQL.
func (db *DB) WithTx(ctx context.Context, fn func(ctx context.Context, tx loader.Tx) error) error {
	return fn(ctx, db)
}

type versions DB

func (db *versions) FindActive(ctx context.Context, entityCode string) (*loader.Loader, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, row := range db.loaders {
		if row.EntityCode == entityCode && row.VersionStatus == loader.VersionActive {
			return clone(row), nil
		}
	}
	return nil, loader.ErrNotFound.New("no active version for %q", entityCode)
}

func (db *versions) FindDraft(ctx context.Context, entityCode string) (*loader.Loader, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, row := range db.loaders {
		if row.EntityCode == entityCode && row.IsDraftLike() {
			return clone(row), nil
		}
	}
	return nil, loader.ErrNotFound.New("no draft for %q", entityCode)
}

func (db *versions) Get(ctx context.Context, id int64) (*loader.Loader, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	row, ok := db.loaders[id]
	if !ok {
		return nil, loader.ErrNotFound.New("no version with id %d", id)
	}
	return clone(row), nil
}

func (db *versions) List(ctx context.Context, filter loader.ListFilter) ([]*loader.Loader, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []*loader.Loader
	for _, row := range db.loaders {
		if filter.VersionStatus != "" && row.VersionStatus != filter.VersionStatus {
			continue
		}
		if filter.Enabled != nil && row.Enabled != *filter.Enabled {
			continue
		}
		if filter.Search != "" && !strings.Contains(strings.ToLower(row.EntityCode), strings.ToLower(filter.Search)) {
			continue
		}
		out = append(out, clone(row))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityCode != out[j].EntityCode {
			return out[i].EntityCode < out[j].EntityCode
		}
		return out[i].VersionNumber < out[j].VersionNumber
	})
	return out, nil
}

func (db *versions) Create(ctx context.Context, row *loader.Loader) (*loader.Loader, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := (*DB)(db).checkInvariants(row, 0); err != nil {
		return nil, err
	}
	db.nextID++
	stored := clone(row)
	stored.ID = db.nextID
	db.loaders[stored.ID] = stored
	return clone(stored), nil
}

func (db *versions) Update(ctx context.Context, row *loader.Loader) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.loaders[row.ID]; !ok {
		return loader.ErrNotFound.New("no version with id %d", row.ID)
	}
	if err := (*DB)(db).checkInvariants(row, row.ID); err != nil {
		return err
	}
	db.loaders[row.ID] = clone(row)
	return nil
}

func (db *versions) Delete(ctx context.Context, id int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.loaders[id]; !ok {
		return loader.ErrNotFound.New("no version with id %d", id)
	}
	delete(db.loaders, id)
	return nil
}

func (db *versions) NextVersionNumber(ctx context.Context, entityCode string) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	max := 0
	for _, row := range db.loaders {
		if row.EntityCode == entityCode && row.VersionNumber > max {
			max = row.VersionNumber
		}
	}
	for _, entry := range db.archive {
		if entry.Loader.EntityCode == entityCode && entry.Loader.VersionNumber > max {
			max = entry.Loader.VersionNumber
		}
	}
	return max + 1, nil
}

func (db *versions) SetEnabled(ctx context.Context, entityCode string, enabled bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, row := range db.loaders {
		if row.EntityCode == entityCode && row.VersionStatus == loader.VersionActive {
			row.Enabled = enabled
			return nil
		}
	}
	return loader.ErrNotFound.New("no active version for %q", entityCode)
}

func (db *versions) RequestRun(ctx context.Context, entityCode string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, row := range db.loaders {
		if row.EntityCode == entityCode && row.VersionStatus == loader.VersionActive {
			now := time.Now().UTC()
			row.RunRequestedAt = &now
			return nil
		}
	}
	return loader.ErrNotFound.New("no active version for %q", entityCode)
}

// checkInvariants mirrors the partial unique indexes of the SQL store.
func (db *DB) checkInvariants(candidate *loader.Loader, selfID int64) error {
	for id, row := range db.loaders {
		if id == selfID || row.EntityCode != candidate.EntityCode {
			continue
		}
		if candidate.VersionStatus == loader.VersionActive && row.VersionStatus == loader.VersionActive {
			return loader.ErrIntegrity.New("second ACTIVE version for %q", candidate.EntityCode)
		}
		if candidate.IsDraftLike() && row.IsDraftLike() {
			return loader.ErrIntegrity.New("second draft for %q", candidate.EntityCode)
		}
		if row.VersionNumber == candidate.VersionNumber {
			return loader.ErrIntegrity.New("version %d reused for %q", candidate.VersionNumber, candidate.EntityCode)
		}
	}
	for _, entry := range db.archive {
		if entry.Loader.EntityCode == candidate.EntityCode && entry.Loader.VersionNumber == candidate.VersionNumber {
			return loader.ErrIntegrity.New("version %d already archived for %q", candidate.VersionNumber, candidate.EntityCode)
		}
	}
	return nil
}

type claims DB

func (db *claims) ClaimEligible(ctx context.Context, now time.Time, limit int) ([]*loader.Loader, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var eligible []*loader.Loader
	for _, row := range db.loaders {
		if len(eligible) >= limit {
			break
		}
		if !row.Enabled || row.VersionStatus != loader.VersionActive || row.LoadStatus != loader.LoadIdle {
			continue
		}
		if row.LastSuccessTimestamp != nil {
			since := now.Sub(*row.LastSuccessTimestamp)
			if since < row.MinInterval {
				continue
			}
			if since < row.MaxInterval && row.RunRequestedAt == nil {
				continue
			}
		}
		running := 0
		for _, other := range db.loaders {
			if other.EntityCode == row.EntityCode && other.LoadStatus == loader.LoadRunning {
				running++
			}
		}
		if running >= row.MaxParallel {
			continue
		}
		row.LoadStatus = loader.LoadRunning
		row.RunRequestedAt = nil
		eligible = append(eligible, clone(row))
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].EntityCode < eligible[j].EntityCode })
	return eligible, nil
}

func (db *claims) RecoverFailed(ctx context.Context, cutoff time.Time) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var recovered int64
	for _, row := range db.loaders {
		if row.LoadStatus == loader.LoadFailed && row.FailedSince != nil && !row.FailedSince.After(cutoff) {
			row.LoadStatus = loader.LoadIdle
			row.FailedSince = nil
			recovered++
		}
	}
	return recovered, nil
}

func (db *claims) CompleteRun(ctx context.Context, id int64, watermark, successAt time.Time, zeroRecords bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	row, ok := db.loaders[id]
	if !ok {
		return loader.ErrNotFound.New("no version with id %d", id)
	}
	if row.LastLoadTimestamp == nil || watermark.After(*row.LastLoadTimestamp) {
		wm := watermark
		row.LastLoadTimestamp = &wm
	}
	at := successAt
	row.LastSuccessTimestamp = &at
	row.FailedSince = nil
	row.LoadStatus = loader.LoadIdle
	if zeroRecords {
		row.ZeroRecordRuns++
	} else {
		row.ZeroRecordRuns = 0
	}
	return nil
}

func (db *claims) FailRun(ctx context.Context, id int64, failedAt time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	row, ok := db.loaders[id]
	if !ok {
		return loader.ErrNotFound.New("no version with id %d", id)
	}
	row.LoadStatus = loader.LoadFailed
	at := failedAt
	row.FailedSince = &at
	return nil
}

func (db *claims) Release(ctx context.Context, ids []int64) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var released int64
	for _, id := range ids {
		if row, ok := db.loaders[id]; ok && row.LoadStatus == loader.LoadRunning {
			row.LoadStatus = loader.LoadIdle
			released++
		}
	}
	return released, nil
}

type signals DB

func (db *signals) Commit(ctx context.Context, loaderCode string, strategy loader.PurgeStrategy, rng loader.TimeRange, batch []loader.Signal) (loader.SinkStats, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var stats loader.SinkStats

	if strategy == loader.PurgeAndReload {
		for key := range db.signals {
			if key.loaderCode == loaderCode && rng.Contains(key.ts) {
				delete(db.signals, key)
			}
		}
	}

	// Validate the whole batch before writing so a conflict leaves the store
	// unchanged, matching the transactional SQL sink.
	if strategy == loader.FailOnDuplicate {
		for _, signal := range batch {
			key := signalKey{loaderCode, signal.LoadTimestamp, signal.SegmentCode}
			if _, exists := db.signals[key]; exists {
				return loader.SinkStats{}, loader.ErrSinkConflict.New(
					"duplicate signal (%s, %s, %s)", loaderCode, signal.LoadTimestamp, signal.SegmentCode)
			}
		}
	}

	for _, signal := range batch {
		key := signalKey{loaderCode, signal.LoadTimestamp, signal.SegmentCode}
		if _, exists := db.signals[key]; exists {
			stats.Skipped++
			continue
		}
		db.signals[key] = signal
		stats.Inserted++
	}
	return stats, nil
}

func (db *signals) List(ctx context.Context, loaderCode string, rng loader.TimeRange) ([]loader.Signal, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []loader.Signal
	for key, signal := range db.signals {
		if key.loaderCode == loaderCode && rng.Contains(key.ts) {
			out = append(out, signal)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LoadTimestamp.Equal(out[j].LoadTimestamp) {
			return out[i].LoadTimestamp.Before(out[j].LoadTimestamp)
		}
		return out[i].SegmentCode < out[j].SegmentCode
	})
	return out, nil
}

type archive DB

func (db *archive) Archive(ctx context.Context, entry loader.ArchiveEntry) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, existing := range db.archive {
		if existing.Loader.EntityCode == entry.Loader.EntityCode &&
			existing.Loader.VersionNumber == entry.Loader.VersionNumber {
			return existing.ID, nil
		}
	}
	db.nextArchiveID++
	entry.ID = db.nextArchiveID
	db.archive = append(db.archive, entry)
	return entry.ID, nil
}

func (db *archive) ListByEntityCode(ctx context.Context, entityCode string) ([]loader.ArchiveEntry, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []loader.ArchiveEntry
	for _, entry := range db.archive {
		if entry.Loader.EntityCode == entityCode {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Loader.VersionNumber > out[j].Loader.VersionNumber
	})
	return out, nil
}

func (db *archive) Get(ctx context.Context, entityCode string, versionNumber int) (*loader.ArchiveEntry, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, entry := range db.archive {
		if entry.Loader.EntityCode == entityCode && entry.Loader.VersionNumber == versionNumber {
			found := entry
			return &found, nil
		}
	}
	return nil, loader.ErrNotFound.New("no archive entry (%s, %d)", entityCode, versionNumber)
}

func (db *archive) Count(ctx context.Context, entityCode string) (int64, error) {
	entries, err := db.ListByEntityCode(ctx, entityCode)
	return int64(len(entries)), err
}

func (db *archive) Exists(ctx context.Context, entityCode string, versionNumber int) (bool, error) {
	_, err := db.Get(ctx, entityCode, versionNumber)
	if loader.ErrNotFound.Has(err) {
		return false, nil
	}
	return err == nil, err
}

func (db *archive) ListRejected(ctx context.Context, entityCode string) ([]loader.ArchiveEntry, error) {
	entries, err := db.ListByEntityCode(ctx, entityCode)
	if err != nil {
		return nil, err
	}
	var out []loader.ArchiveEntry
	for _, entry := range entries {
		if entry.Loader.RejectedAt != nil {
			out = append(out, entry)
		}
	}
	return out, nil
}

type executions DB

func (db *executions) Record(ctx context.Context, record loader.ExecutionRecord) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	record.ID = int64(len(db.executions) + 1)
	db.executions = append(db.executions, record)
	return nil
}

func (db *executions) ListByEntityCode(ctx context.Context, entityCode string, limit int) ([]loader.ExecutionRecord, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []loader.ExecutionRecord
	for i := len(db.executions) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if db.executions[i].EntityCode == entityCode {
			out = append(out, db.executions[i])
		}
	}
	return out, nil
}

type sources DB

func (db *sources) Get(ctx context.Context, sourceCode string) (*loader.SourceDatabase, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	source, ok := db.sources[sourceCode]
	if !ok {
		return nil, loader.ErrNotFound.New("no source %q", sourceCode)
	}
	return &source, nil
}

func (db *sources) List(ctx context.Context) ([]loader.SourceDatabase, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]loader.SourceDatabase, 0, len(db.sources))
	for _, source := range db.sources {
		out = append(out, source)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceCode < out[j].SourceCode })
	return out, nil
}

func (db *sources) Upsert(ctx context.Context, source *loader.SourceDatabase) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.sources[source.SourceCode] = *source
	return nil
}

func (db *sources) SetReadOnlyVerified(ctx context.Context, sourceCode string, verified bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	source, ok := db.sources[sourceCode]
	if !ok {
		return loader.ErrNotFound.New("no source %q", sourceCode)
	}
	source.ReadOnlyVerified = verified
	db.sources[sourceCode] = source
	return nil
}

func clone(row *loader.Loader) *loader.Loader {
	dup := *row
	dup.SQLText = append([]byte(nil), row.SQLText...)
	return &dup
}
