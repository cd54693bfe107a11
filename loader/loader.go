// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package loader defines the versioned loader entity and the stores it
// lives in. A loader describes one recurring extraction: a read-only query
// against a named source database, executed over bounded time ranges, whose
// rows are aggregated into per-segment signal tuples.
package loader

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"storj.io/common/uuid"
)

var (
	// Error is the default error class for the loader package.
	Error = errs.Class("loader")

	// ErrNotFound is returned when an entity code or version id does not exist.
	ErrNotFound = errs.Class("loader not found")
	// ErrInvalidTransition is returned for version workflow operations applied
	// to a row in the wrong state.
	ErrInvalidTransition = errs.Class("invalid transition")
	// ErrIntegrity is returned when a write would violate the one-ACTIVE or
	// one-draft invariant, or reuse a version number.
	ErrIntegrity = errs.Class("integrity violation")
	// ErrSinkConflict is returned when a FAIL_ON_DUPLICATE insert hits an
	// existing signal tuple.
	ErrSinkConflict = errs.Class("sink conflict")
	// ErrTransientSource covers borrow timeouts, dropped connections and
	// query deadlines; auto-recovery is expected to help.
	ErrTransientSource = errs.Class("transient source failure")
	// ErrPermanentSource covers auth failures, read-only violations and
	// broken sql_text; operator intervention is expected.
	ErrPermanentSource = errs.Class("permanent source failure")

	mon = monkit.Package()
)

// VersionStatus is the workflow state of a loader row.
type VersionStatus string

const (
	// VersionActive marks the unique currently-scheduled row per entity code.
	VersionActive VersionStatus = "ACTIVE"
	// VersionDraft marks a mutable proposed successor version.
	VersionDraft VersionStatus = "DRAFT"
	// VersionPendingApproval marks a draft submitted for review.
	VersionPendingApproval VersionStatus = "PENDING_APPROVAL"
)

// LoadStatus is the runtime execution state of an ACTIVE row.
type LoadStatus string

const (
	// LoadIdle means the loader is not executing and may be claimed.
	LoadIdle LoadStatus = "IDLE"
	// LoadRunning means a replica has claimed the row.
	LoadRunning LoadStatus = "RUNNING"
	// LoadFailed means the last run failed; auto-recovery returns the row to
	// IDLE after the configured age.
	LoadFailed LoadStatus = "FAILED"
)

// PurgeStrategy selects how pre-existing signal rows in the run range are
// handled.
type PurgeStrategy string

const (
	// FailOnDuplicate aborts the run on a uniqueness violation.
	FailOnDuplicate PurgeStrategy = "FAIL_ON_DUPLICATE"
	// PurgeAndReload deletes the run range before inserting.
	PurgeAndReload PurgeStrategy = "PURGE_AND_RELOAD"
	// SkipDuplicates suppresses conflicting rows and counts them.
	SkipDuplicates PurgeStrategy = "SKIP_DUPLICATES"
)

// MaxEntityCodeLen bounds the business key length.
const MaxEntityCodeLen = 50

// Loader is one version-scoped row of a loader definition.
type Loader struct {
	ID              int64
	EntityCode      string
	VersionNumber   int
	VersionStatus   VersionStatus
	ParentVersionID *int64

	SourceDBRef string
	// SQLText is stored encrypted at rest and is opaque to the engine until
	// decrypted through the configured cipher.
	SQLText []byte

	MinInterval    time.Duration
	MaxInterval    time.Duration
	MaxQueryPeriod time.Duration
	MaxParallel    int

	SourceTimezoneOffsetHours int

	LoadStatus           LoadStatus
	LastLoadTimestamp    *time.Time
	LastSuccessTimestamp *time.Time
	FailedSince          *time.Time
	ZeroRecordRuns       int
	RunRequestedAt       *time.Time

	PurgeStrategy PurgeStrategy
	Enabled       bool

	CreatedBy       string
	CreatedAt       time.Time
	ModifiedBy      string
	ModifiedAt      time.Time
	ApprovedBy      string
	ApprovedAt      *time.Time
	RejectedBy      string
	RejectedAt      *time.Time
	RejectionReason string
	ChangeType      string
	ChangeSummary   string
	ImportLabel     string
}

// IsDraftLike reports whether the row occupies the one-draft slot.
func (l *Loader) IsDraftLike() bool {
	return l.VersionStatus == VersionDraft || l.VersionStatus == VersionPendingApproval
}

// Signal is one aggregated tuple for (loader, timestamp, segment).
type Signal struct {
	LoaderCode    string
	LoadTimestamp time.Time
	SegmentCode   string
	RecCount      int64
	MinVal        float64
	AvgVal        float64
	MaxVal        float64
	SumVal        float64
}

// SinkStats reports what a signal commit did.
type SinkStats struct {
	Inserted int64
	Skipped  int64
}

// ArchiveEntry is an immutable snapshot of a superseded or rejected version.
type ArchiveEntry struct {
	ID            int64
	Loader        Loader
	ArchivedBy    string
	ArchivedAt    time.Time
	ArchiveReason string
}

// ExecutionRecord is the structured per-run log row.
type ExecutionRecord struct {
	ID            int64
	EntityCode    string
	VersionNumber int
	CorrelationID uuid.UUID
	RangeFrom     time.Time
	RangeTo       time.Time
	StartedAt     time.Time
	FinishedAt    time.Time
	RowCount      int64
	SignalCount   int
	Success       bool
	ErrorKind     string
	ErrorMessage  string
}

// SourceDatabase describes one read-only source.
type SourceDatabase struct {
	SourceCode        string
	Host              string
	Port              int
	DBName            string
	Dialect           Dialect
	Username          string
	EncryptedPassword []byte
	ReadOnlyVerified  bool
}

// Dialect identifies the SQL dialect of a source database.
type Dialect string

const (
	// DialectPostgres is a PostgreSQL source.
	DialectPostgres Dialect = "postgres"
	// DialectMySQL is a MySQL source.
	DialectMySQL Dialect = "mysql"
)

// ListFilter narrows List results.
type ListFilter struct {
	VersionStatus VersionStatus
	Enabled       *bool
	Search        string
}

// Versions is the version store (C6). It exclusively owns loader rows; the
// one-ACTIVE and one-draft invariants are enforced by partial unique indexes
// in the backing store.
type Versions interface {
	FindActive(ctx context.Context, entityCode string) (*Loader, error)
	FindDraft(ctx context.Context, entityCode string) (*Loader, error)
	Get(ctx context.Context, id int64) (*Loader, error)
	List(ctx context.Context, filter ListFilter) ([]*Loader, error)
	Create(ctx context.Context, loader *Loader) (*Loader, error)
	Update(ctx context.Context, loader *Loader) error
	Delete(ctx context.Context, id int64) error
	// NextVersionNumber returns max(version_number)+1 across the main table
	// and the archive for the entity code, or 1.
	NextVersionNumber(ctx context.Context, entityCode string) (int, error)
	SetEnabled(ctx context.Context, entityCode string, enabled bool) error
	// RequestRun asks the scheduler to claim the ACTIVE row on the next sweep
	// regardless of the max-interval clause.
	RequestRun(ctx context.Context, entityCode string) error
}

// Claims is the scheduler's view of the store (C5). Implementations must
// select with row-level pessimistic locks and skip-locked semantics so that
// at most one replica claims a given loader per sweep.
type Claims interface {
	// ClaimEligible transitions up to limit eligible ACTIVE rows from IDLE to
	// RUNNING inside one locked transaction and returns them. The parallelism
	// cap per entity code is checked inside the same transaction.
	ClaimEligible(ctx context.Context, now time.Time, limit int) ([]*Loader, error)
	// RecoverFailed returns FAILED rows whose failure is older than cutoff to
	// IDLE and reports how many were recovered.
	RecoverFailed(ctx context.Context, cutoff time.Time) (int64, error)
	// CompleteRun finishes a successful run: watermark advances monotonically,
	// failure state clears, the zero-record streak updates.
	CompleteRun(ctx context.Context, id int64, watermark, successAt time.Time, zeroRecords bool) error
	// FailRun marks the run failed and leaves the watermark untouched.
	FailRun(ctx context.Context, id int64, failedAt time.Time) error
	// Release returns still-RUNNING rows claimed by this replica to IDLE, for
	// cooperative shutdown.
	Release(ctx context.Context, ids []int64) (int64, error)
}

// Signals is the signal sink (C3). Commit is atomic: either the full batch
// is persisted under the purge strategy, or nothing is.
type Signals interface {
	Commit(ctx context.Context, loaderCode string, strategy PurgeStrategy, rng TimeRange, batch []Signal) (SinkStats, error)
	// List returns persisted tuples for a loader within a range, oldest first.
	List(ctx context.Context, loaderCode string, rng TimeRange) ([]Signal, error)
}

// Archive is the append-only history of superseded and rejected versions
// (C8), keyed by (entity_code, version_number).
type Archive interface {
	// Archive stores a snapshot and returns its archive id. Re-archiving the
	// same (entity_code, version_number) returns the existing id.
	Archive(ctx context.Context, entry ArchiveEntry) (int64, error)
	ListByEntityCode(ctx context.Context, entityCode string) ([]ArchiveEntry, error)
	Get(ctx context.Context, entityCode string, versionNumber int) (*ArchiveEntry, error)
	Count(ctx context.Context, entityCode string) (int64, error)
	Exists(ctx context.Context, entityCode string, versionNumber int) (bool, error)
	ListRejected(ctx context.Context, entityCode string) ([]ArchiveEntry, error)
}

// Executions records the per-run structured log.
type Executions interface {
	Record(ctx context.Context, record ExecutionRecord) error
	ListByEntityCode(ctx context.Context, entityCode string, limit int) ([]ExecutionRecord, error)
}

// Sources stores source database definitions.
type Sources interface {
	Get(ctx context.Context, sourceCode string) (*SourceDatabase, error)
	List(ctx context.Context) ([]SourceDatabase, error)
	Upsert(ctx context.Context, source *SourceDatabase) error
	SetReadOnlyVerified(ctx context.Context, sourceCode string, verified bool) error
}

// Tx exposes the stores that participate in multi-row transactions.
type Tx interface {
	Versions() Versions
	Archive() Archive
}

// DB is the control store.
type DB interface {
	Versions() Versions
	Claims() Claims
	Signals() Signals
	Archive() Archive
	Executions() Executions
	Sources() Sources

	// WithTx runs fn inside one control-store transaction.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
