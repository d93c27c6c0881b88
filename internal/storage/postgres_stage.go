package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gitlab.com/timkado/api/daisi-contest-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/model"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/observer"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/tenant"
	"gitlab.com/timkado/api/daisi-contest-engine/pkg/logger"
	"gitlab.com/timkado/api/daisi-contest-engine/pkg/utils"
)

// --- Receipt Pipeline Ledger Methods ---

// SaveStageResult upserts one (entry, stage, attempt) ledger row. Upsert
// because a redelivered job may legitimately re-run a stage it already
// recorded.
func (r *PostgresRepo) SaveStageResult(ctx context.Context, result *model.StageResult) error {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to get tenant ID from context: %w", apperrors.ErrUnauthorized, err)
	}
	result.TenantID = companyID

	operation := func() error {
		res := r.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "entry_id"}, {Name: "stage"}, {Name: "attempt"}},
				DoUpdates: clause.AssignmentColumns([]string{"status", "output", "error"}),
			}).
			Create(result)
		if res.Error != nil {
			return checkConstraintViolation(res.Error)
		}
		return nil
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "SaveStageResult", commitRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("save", "stage_result", companyID, time.Since(startTime), opErr)
	if opErr != nil {
		logger.FromContext(ctx).Error("Failed to save stage result",
			zap.Int64("entry_id", result.EntryID),
			zap.String("stage", result.Stage),
			zap.Error(opErr))
		return opErr
	}
	return nil
}

// GetCompletedStageResult returns the most recent completed run of a stage
// for an entry, or ErrNotFound if the stage never completed. The pipeline
// consults this before re-running a stage on redelivery.
func (r *PostgresRepo) GetCompletedStageResult(ctx context.Context, entryID int64, stage string) (*model.StageResult, error) {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get tenant ID from context: %w", apperrors.ErrUnauthorized, err)
	}

	var result model.StageResult
	operation := func() error {
		res := r.db.WithContext(ctx).
			Where("entry_id = ? AND stage = ? AND status = ?", entryID, stage, model.StageStatusCompleted).
			Order("attempt DESC").
			First(&result)
		if res.Error != nil {
			if errors.Is(res.Error, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: completed %s stage for entry %d: %w", apperrors.ErrNotFound, stage, entryID, res.Error)
			}
			return fmt.Errorf("%w: failed to find stage result: %w", apperrors.ErrDatabase, res.Error)
		}
		return nil
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "GetCompletedStageResult", readRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("find", "stage_result", companyID, time.Since(startTime), opErr)
	if opErr != nil {
		return nil, opErr
	}
	return &result, nil
}

// SaveExhaustedJob parks a pipeline job that ran out of retries.
func (r *PostgresRepo) SaveExhaustedJob(ctx context.Context, job *model.ExhaustedJob) error {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		logger.FromContext(ctx).Warn("Failed to get tenant ID for exhausted job", zap.Error(err))
		companyID = "unknown"
	}
	job.TenantID = companyID
	if job.FailedAt.IsZero() {
		job.FailedAt = utils.Now()
	}

	operation := func() error {
		if createErr := r.db.WithContext(ctx).Create(job).Error; createErr != nil {
			return checkConstraintViolation(createErr)
		}
		return nil
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "SaveExhaustedJob", commitRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("save", "exhausted_job", companyID, time.Since(startTime), opErr)
	if opErr != nil {
		logger.FromContext(ctx).Error("Failed to save exhausted job",
			zap.Int64("entry_id", job.EntryID),
			zap.String("stage", job.Stage),
			zap.Error(opErr))
		return opErr
	}
	logger.FromContext(ctx).Info("Parked exhausted pipeline job",
		zap.Int64("entry_id", job.EntryID),
		zap.String("stage", job.Stage))
	return nil
}

// ListUnresolvedExhaustedJobs returns parked jobs awaiting operator attention,
// oldest first.
func (r *PostgresRepo) ListUnresolvedExhaustedJobs(ctx context.Context, limit int) ([]model.ExhaustedJob, error) {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get tenant ID from context: %w", apperrors.ErrUnauthorized, err)
	}

	var jobs []model.ExhaustedJob
	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("resolved = ?", false).
			Order("failed_at ASC").
			Limit(limit).
			Find(&jobs)
		if result.Error != nil {
			return fmt.Errorf("%w: failed to list exhausted jobs: %w", apperrors.ErrDatabase, result.Error)
		}
		return nil
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "ListUnresolvedExhaustedJobs", readRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("list", "exhausted_job", companyID, time.Since(startTime), opErr)
	if opErr != nil {
		return nil, opErr
	}
	return jobs, nil
}

// ResolveExhaustedJobs marks every parked job of an entry resolved, used when
// an operator reopens or adjudicates the entry manually.
func (r *PostgresRepo) ResolveExhaustedJobs(ctx context.Context, entryID int64) error {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to get tenant ID from context: %w", apperrors.ErrUnauthorized, err)
	}

	operation := func() error {
		result := r.db.WithContext(ctx).Model(&model.ExhaustedJob{}).
			Where("entry_id = ? AND resolved = ?", entryID, false).
			Updates(map[string]interface{}{
				"resolved":    true,
				"resolved_at": utils.Now(),
			})
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "ResolveExhaustedJobs", commitRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("update", "exhausted_job", companyID, time.Since(startTime), opErr)
	if opErr != nil {
		logger.FromContext(ctx).Error("Failed to resolve exhausted jobs", zap.Int64("entry_id", entryID), zap.Error(opErr))
		return opErr
	}
	return nil
}
