// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package approval implements the draft/submit/approve/reject workflow over
// the version store. Approve installs the new ACTIVE and archives the prior
// one in a single control-store transaction, so the scheduler can never
// observe zero or two ACTIVE rows for an entity code.
package approval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/sluice/loader"
)

var (
	// Error is the default error class for the approval package.
	Error = errs.Class("approval")

	mon = monkit.Package()
)

// Service is the approval state machine. It mutates only DRAFT and
// PENDING_APPROVAL rows, plus the single transactional promotion to ACTIVE.
type Service struct {
	log    *zap.Logger
	db     loader.DB
	cipher loader.Cipher
	nowFn  func() time.Time
}

// New creates an approval Service.
func New(log *zap.Logger, db loader.DB, cipher loader.Cipher) *Service {
	return &Service{
		log:    log,
		db:     db,
		cipher: cipher,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the clock, for tests.
func (service *Service) SetNowFunc(now func() time.Time) { service.nowFn = now }

// DraftParams carries the operator-editable definition of a loader version.
type DraftParams struct {
	EntityCode                string
	SourceDBRef               string
	SQLText                   string
	MinInterval               time.Duration
	MaxInterval               time.Duration
	MaxQueryPeriod            time.Duration
	MaxParallel               int
	SourceTimezoneOffsetHours int
	PurgeStrategy             loader.PurgeStrategy
	ChangeType                string
	ChangeSummary             string
	ImportLabel               string
}

// Validate rejects structurally invalid draft parameters.
func (params DraftParams) Validate() error {
	switch {
	case params.EntityCode == "":
		return Error.New("entity code is required")
	case len(params.EntityCode) > loader.MaxEntityCodeLen:
		return Error.New("entity code exceeds %d characters", loader.MaxEntityCodeLen)
	case params.SourceDBRef == "":
		return Error.New("source database reference is required")
	case params.MinInterval < 0 || params.MaxInterval <= 0 || params.MaxQueryPeriod <= 0:
		return Error.New("intervals must be positive")
	case params.MinInterval > params.MaxInterval:
		return Error.New("min interval exceeds max interval")
	case params.MaxParallel < 1:
		return Error.New("max parallel executions must be at least 1")
	}
	switch params.PurgeStrategy {
	case loader.FailOnDuplicate, loader.PurgeAndReload, loader.SkipDuplicates:
	default:
		return Error.New("unknown purge strategy %q", params.PurgeStrategy)
	}
	return Error.Wrap(loader.ValidateReadOnlySQL(params.SQLText))
}

// CreateDraft creates the draft successor version for an entity code, or
// overwrites the existing draft in place; drafts are cumulative, one per
// entity code at a time.
func (service *Service) CreateDraft(ctx context.Context, params DraftParams, user string) (_ *loader.Loader, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := params.Validate(); err != nil {
		return nil, err
	}
	sqlText, err := service.cipher.Encrypt(ctx, []byte(params.SQLText))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	now := service.nowFn()

	var result *loader.Loader
	err = service.db.WithTx(ctx, func(ctx context.Context, tx loader.Tx) error {
		existing, err := tx.Versions().FindDraft(ctx, params.EntityCode)
		if err != nil && !loader.ErrNotFound.Has(err) {
			return err
		}

		if existing != nil {
			if existing.VersionStatus != loader.VersionDraft {
				return loader.ErrInvalidTransition.New(
					"entity %q already has a version pending approval", params.EntityCode)
			}
			applyParams(existing, params, sqlText)
			existing.ModifiedBy = user
			existing.ModifiedAt = now
			if err := tx.Versions().Update(ctx, existing); err != nil {
				return err
			}
			result = existing
			return nil
		}

		number, err := tx.Versions().NextVersionNumber(ctx, params.EntityCode)
		if err != nil {
			return err
		}
		draft := &loader.Loader{
			EntityCode:    params.EntityCode,
			VersionNumber: number,
			VersionStatus: loader.VersionDraft,
			LoadStatus:    loader.LoadIdle,
			Enabled:       true,
			CreatedBy:     user,
			CreatedAt:     now,
			ModifiedBy:    user,
			ModifiedAt:    now,
		}
		applyParams(draft, params, sqlText)

		active, err := tx.Versions().FindActive(ctx, params.EntityCode)
		if err != nil && !loader.ErrNotFound.Has(err) {
			return err
		}
		if active != nil {
			draft.ParentVersionID = &active.ID
		}

		result, err = tx.Versions().Create(ctx, draft)
		return err
	})
	if err != nil {
		return nil, err
	}

	service.log.Info("draft saved",
		zap.String("entity", result.EntityCode),
		zap.Int("version", result.VersionNumber),
		zap.String("user", user))
	return result, nil
}

// UpdateDraft edits an existing draft. Legal only while the row is DRAFT.
func (service *Service) UpdateDraft(ctx context.Context, draftID int64, params DraftParams, user string) (_ *loader.Loader, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := params.Validate(); err != nil {
		return nil, err
	}
	sqlText, err := service.cipher.Encrypt(ctx, []byte(params.SQLText))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	now := service.nowFn()

	var result *loader.Loader
	err = service.db.WithTx(ctx, func(ctx context.Context, tx loader.Tx) error {
		draft, err := tx.Versions().Get(ctx, draftID)
		if err != nil {
			return err
		}
		if draft.VersionStatus != loader.VersionDraft {
			return loader.ErrInvalidTransition.New(
				"cannot update version in status %s", draft.VersionStatus)
		}
		if draft.EntityCode != params.EntityCode {
			return Error.New("entity code is immutable")
		}
		applyParams(draft, params, sqlText)
		draft.ModifiedBy = user
		draft.ModifiedAt = now
		if err := tx.Versions().Update(ctx, draft); err != nil {
			return err
		}
		result = draft
		return nil
	})
	return result, err
}

// Submit moves a draft to PENDING_APPROVAL.
func (service *Service) Submit(ctx context.Context, draftID int64, user string) (_ *loader.Loader, err error) {
	defer mon.Task()(&ctx)(&err)

	now := service.nowFn()
	var result *loader.Loader
	err = service.db.WithTx(ctx, func(ctx context.Context, tx loader.Tx) error {
		draft, err := tx.Versions().Get(ctx, draftID)
		if err != nil {
			return err
		}
		if draft.VersionStatus != loader.VersionDraft {
			return loader.ErrInvalidTransition.New(
				"cannot submit version in status %s", draft.VersionStatus)
		}
		draft.VersionStatus = loader.VersionPendingApproval
		draft.ModifiedBy = user
		draft.ModifiedAt = now
		if err := tx.Versions().Update(ctx, draft); err != nil {
			return err
		}
		result = draft
		return nil
	})
	if err != nil {
		return nil, err
	}
	service.log.Info("draft submitted",
		zap.String("entity", result.EntityCode),
		zap.Int("version", result.VersionNumber),
		zap.String("user", user))
	return result, nil
}

// Approve promotes a pending draft to ACTIVE. In one transaction the prior
// ACTIVE (if any) is archived with reason "Replaced by version N" and
// deleted, and the draft becomes the new ACTIVE with the watermark carried
// forward from its predecessor.
func (service *Service) Approve(ctx context.Context, draftID int64, admin, comments string) (_ *loader.Loader, err error) {
	defer mon.Task()(&ctx)(&err)

	now := service.nowFn()
	var result *loader.Loader
	err = service.db.WithTx(ctx, func(ctx context.Context, tx loader.Tx) error {
		draft, err := tx.Versions().Get(ctx, draftID)
		if err != nil {
			return err
		}
		if draft.VersionStatus != loader.VersionPendingApproval {
			return loader.ErrInvalidTransition.New(
				"cannot approve version in status %s", draft.VersionStatus)
		}

		prior, err := tx.Versions().FindActive(ctx, draft.EntityCode)
		if err != nil && !loader.ErrNotFound.Has(err) {
			return err
		}
		if prior != nil {
			_, err = tx.Archive().Archive(ctx, loader.ArchiveEntry{
				Loader:        *prior,
				ArchivedBy:    admin,
				ArchivedAt:    now,
				ArchiveReason: fmt.Sprintf("Replaced by version %d", draft.VersionNumber),
			})
			if err != nil {
				return err
			}
			if err := tx.Versions().Delete(ctx, prior.ID); err != nil {
				return err
			}
		}

		draft.VersionStatus = loader.VersionActive
		draft.ApprovedBy = admin
		draft.ApprovedAt = &now
		draft.ModifiedBy = admin
		draft.ModifiedAt = now
		if comments != "" {
			draft.ChangeSummary = appendComment(draft.ChangeSummary, comments)
		}

		draft.LoadStatus = loader.LoadIdle
		draft.FailedSince = nil
		draft.LastLoadTimestamp = nil
		draft.LastSuccessTimestamp = nil
		if prior != nil {
			// The watermark carries forward: the new version resumes where
			// its predecessor stopped instead of re-ingesting history.
			draft.LastLoadTimestamp = prior.LastLoadTimestamp
			draft.LastSuccessTimestamp = prior.LastSuccessTimestamp
			draft.ZeroRecordRuns = prior.ZeroRecordRuns
		}

		if err := tx.Versions().Update(ctx, draft); err != nil {
			return err
		}
		result = draft
		return nil
	})
	if err != nil {
		return nil, err
	}

	mon.Meter("approval_approved").Mark(1)
	service.log.Info("version approved",
		zap.String("entity", result.EntityCode),
		zap.Int("version", result.VersionNumber),
		zap.String("admin", admin))
	return result, nil
}

// Reject archives a pending draft with the rejection reason and removes it
// from the main store. Rejected drafts cannot be re-submitted.
func (service *Service) Reject(ctx context.Context, draftID int64, admin, reason string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if strings.TrimSpace(reason) == "" {
		return Error.New("rejection reason is required")
	}
	now := service.nowFn()

	var entity string
	var version int
	err = service.db.WithTx(ctx, func(ctx context.Context, tx loader.Tx) error {
		draft, err := tx.Versions().Get(ctx, draftID)
		if err != nil {
			return err
		}
		if draft.VersionStatus != loader.VersionPendingApproval {
			return loader.ErrInvalidTransition.New(
				"cannot reject version in status %s", draft.VersionStatus)
		}

		draft.RejectedBy = admin
		draft.RejectedAt = &now
		draft.RejectionReason = reason

		_, err = tx.Archive().Archive(ctx, loader.ArchiveEntry{
			Loader:        *draft,
			ArchivedBy:    admin,
			ArchivedAt:    now,
			ArchiveReason: fmt.Sprintf("Rejected by %s: %s", admin, reason),
		})
		if err != nil {
			return err
		}
		if err := tx.Versions().Delete(ctx, draft.ID); err != nil {
			return err
		}
		entity, version = draft.EntityCode, draft.VersionNumber
		return nil
	})
	if err != nil {
		return err
	}

	mon.Meter("approval_rejected").Mark(1)
	service.log.Info("version rejected",
		zap.String("entity", entity),
		zap.Int("version", version),
		zap.String("admin", admin),
		zap.String("reason", reason))
	return nil
}

func applyParams(row *loader.Loader, params DraftParams, encryptedSQL []byte) {
	row.SourceDBRef = params.SourceDBRef
	row.SQLText = encryptedSQL
	row.MinInterval = params.MinInterval
	row.MaxInterval = params.MaxInterval
	row.MaxQueryPeriod = params.MaxQueryPeriod
	row.MaxParallel = params.MaxParallel
	row.SourceTimezoneOffsetHours = params.SourceTimezoneOffsetHours
	row.PurgeStrategy = params.PurgeStrategy
	row.ChangeType = params.ChangeType
	row.ChangeSummary = params.ChangeSummary
	row.ImportLabel = params.ImportLabel
}

func appendComment(summary, comment string) string {
	if summary == "" {
		return comment
	}
	return summary + "\n" + comment
}
