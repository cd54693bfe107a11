// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package scheduler runs the per-replica sweep loop. Replicas coordinate
// only through the control store: eligible rows are claimed with row-level
// pessimistic locks and skip-locked semantics, so at most one replica owns a
// loader at a time.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/errs2"
	"storj.io/common/sync2"
	"storj.io/sluice/loader"
)

var (
	// Error is the default error class for the scheduler package.
	Error = errs.Class("scheduler")

	mon = monkit.Package()
)

// Config contains configurable values for the scheduler.
type Config struct {
	SweepInterval       time.Duration `help:"how frequently each replica sweeps for eligible loaders" default:"30s"`
	PoolSize            int           `help:"maximum loader runs executing concurrently on this replica" default:"8"`
	AutoRecoveryAge     time.Duration `help:"age after which a FAILED loader returns to IDLE" default:"20m0s"`
	ZeroRecordThreshold int           `help:"consecutive zero-record runs before a quiet-source warning" default:"100"`
}

// Runner executes one claimed loader.
type Runner interface {
	Run(ctx context.Context, claimed *loader.Loader) (loader.ExecutionRecord, error)
}

// Service is the per-replica scheduler: a single-threaded sweeper plus a
// bounded pool of executor slots.
//
// architecture: Chore
type Service struct {
	log    *zap.Logger
	config Config
	claims loader.Claims
	runner Runner

	Loop    *sync2.Cycle
	limiter *sync2.Limiter
	nowFn   func() time.Time

	mu       sync.Mutex
	inFlight map[int64]struct{}
}

// New creates a scheduler Service.
func New(log *zap.Logger, config Config, claims loader.Claims, runner Runner) *Service {
	return &Service{
		log:      log,
		config:   config,
		claims:   claims,
		runner:   runner,
		Loop:     sync2.NewCycle(config.SweepInterval),
		limiter:  sync2.NewLimiter(config.PoolSize),
		nowFn:    func() time.Time { return time.Now().UTC() },
		inFlight: make(map[int64]struct{}),
	}
}

// SetNowFunc overrides the clock, for tests.
func (service *Service) SetNowFunc(now func() time.Time) { service.nowFn = now }

// Run runs the sweep loop until ctx is canceled, then waits for in-flight
// executions and releases any rows this replica still holds.
func (service *Service) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	err = service.Loop.Run(ctx, func(ctx context.Context) error {
		if err := service.sweep(ctx); err != nil {
			service.log.Error("sweep failed", zap.Error(Error.Wrap(err)))
		}
		return nil
	})

	service.limiter.Wait()
	service.releaseClaims()
	return errs2.IgnoreCanceled(err)
}

// Close stops the sweep loop.
func (service *Service) Close() error {
	service.Loop.Close()
	return nil
}

// sweep is one scheduler pass: recover stale failures, then claim and
// dispatch eligible loaders until either the store runs dry or every
// executor slot is busy.
func (service *Service) sweep(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	now := service.nowFn()

	recovered, err := service.claims.RecoverFailed(ctx, now.Add(-service.config.AutoRecoveryAge))
	if err != nil {
		return Error.Wrap(err)
	}
	if recovered > 0 {
		mon.Counter("scheduler_auto_recovered").Inc(recovered)
		service.log.Info("auto-recovered failed loaders", zap.Int64("count", recovered))
	}

	free := service.freeSlots()
	if free <= 0 {
		return nil
	}

	claimed, err := service.claims.ClaimEligible(ctx, now, free)
	if err != nil {
		return Error.Wrap(err)
	}
	mon.IntVal("scheduler_claimed_per_sweep").Observe(int64(len(claimed)))

	for _, row := range claimed {
		row := row
		service.track(row.ID)
		service.log.Info("claimed loader",
			zap.String("entity", row.EntityCode),
			zap.Int("version", row.VersionNumber))

		started := service.limiter.Go(ctx, func() {
			defer service.untrack(row.ID)
			service.execute(ctx, row)
		})
		if !started {
			// Shutting down: hand the row back so another replica can claim it.
			service.untrack(row.ID)
			if _, err := service.claims.Release(context.WithoutCancel(ctx), []int64{row.ID}); err != nil {
				service.log.Error("failed to release claim", zap.Int64("id", row.ID), zap.Error(err))
			}
		}
	}
	return nil
}

// execute runs one claimed loader on an executor slot.
func (service *Service) execute(ctx context.Context, row *loader.Loader) {
	rec, err := service.runner.Run(ctx, row)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			// Shutdown interrupted the run and left the row RUNNING; hand it
			// back to IDLE so any replica can claim it on the next sweep.
			if _, err := service.claims.Release(context.WithoutCancel(ctx), []int64{row.ID}); err != nil {
				service.log.Error("failed to release interrupted claim",
					zap.Int64("id", row.ID), zap.Error(err))
			}
			return
		}
		// Run already moved the row to FAILED and recorded the error.
		return
	}
	if rec.RowCount == 0 && service.config.ZeroRecordThreshold > 0 {
		streak := row.ZeroRecordRuns + 1
		if streak >= service.config.ZeroRecordThreshold {
			mon.Meter("scheduler_quiet_source").Mark(1)
			service.log.Warn("source has been quiet for many runs",
				zap.String("entity", row.EntityCode),
				zap.Int("consecutive_zero_record_runs", streak))
		}
	}
}

func (service *Service) freeSlots() int {
	service.mu.Lock()
	defer service.mu.Unlock()
	return service.config.PoolSize - len(service.inFlight)
}

func (service *Service) track(id int64) {
	service.mu.Lock()
	defer service.mu.Unlock()
	service.inFlight[id] = struct{}{}
}

func (service *Service) untrack(id int64) {
	service.mu.Lock()
	defer service.mu.Unlock()
	delete(service.inFlight, id)
}

// releaseClaims resets rows this replica still holds back to IDLE. If the
// process dies before this runs, auto-recovery picks the rows up instead.
func (service *Service) releaseClaims() {
	service.mu.Lock()
	ids := make([]int64, 0, len(service.inFlight))
	for id := range service.inFlight {
		ids = append(ids, id)
	}
	service.mu.Unlock()

	if len(ids) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	released, err := service.claims.Release(ctx, ids)
	if err != nil {
		service.log.Error("failed to release claims on shutdown", zap.Error(err))
		return
	}
	service.log.Info("released claims on shutdown", zap.Int64("count", released))
}
