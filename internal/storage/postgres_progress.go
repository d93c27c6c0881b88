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

// --- Conversation Progress Repository Methods ---

// CreateProgress opens a conversation progress for a (customer, contest) pair.
func (r *PostgresRepo) CreateProgress(ctx context.Context, progress *model.UserConversationProgress) error {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to get tenant ID from context: %w", apperrors.ErrUnauthorized, err)
	}
	progress.TenantID = companyID
	if progress.StartedAt.IsZero() {
		progress.StartedAt = utils.Now()
	}
	if progress.LastInteractionAt.IsZero() {
		progress.LastInteractionAt = progress.StartedAt
	}

	operation := func() error {
		if createErr := r.db.WithContext(ctx).Create(progress).Error; createErr != nil {
			return checkConstraintViolation(createErr)
		}
		return nil
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "CreateProgress", commitRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("create", "progress", companyID, time.Since(startTime), opErr)
	if opErr != nil {
		logger.FromContext(ctx).Error("Failed to create conversation progress",
			zap.String("customer_id", progress.CustomerID),
			zap.String("contest_id", progress.ContestID),
			zap.Error(opErr))
		return opErr
	}
	return nil
}

// GetOpenProgress fetches the open (not completed) progress of a
// (customer, contest) pair, locking it FOR UPDATE when called inside a
// transaction.
func (r *PostgresRepo) GetOpenProgress(ctx context.Context, customerID, contestID string) (*model.UserConversationProgress, error) {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get tenant ID from context: %w", apperrors.ErrUnauthorized, err)
	}

	var progress model.UserConversationProgress
	operation := func() error {
		q := r.db.WithContext(ctx)
		if r.inTx {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		result := q.
			Where("customer_id = ? AND contest_id = ? AND completed = ?", customerID, contestID, false).
			First(&progress)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: open progress for customer %s contest %s: %w", apperrors.ErrNotFound, customerID, contestID, result.Error)
			}
			return fmt.Errorf("%w: failed to find open progress: %w", apperrors.ErrDatabase, result.Error)
		}
		return nil
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "GetOpenProgress", readRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("find", "progress", companyID, time.Since(startTime), opErr)
	if opErr != nil {
		return nil, opErr
	}
	return &progress, nil
}

// ListOpenProgresses returns every open progress of a customer, most recently
// touched first. The router prefers the freshest continuation when a customer
// is mid-conversation in several contests.
func (r *PostgresRepo) ListOpenProgresses(ctx context.Context, customerID string) ([]model.UserConversationProgress, error) {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get tenant ID from context: %w", apperrors.ErrUnauthorized, err)
	}

	var progresses []model.UserConversationProgress
	operation := func() error {
		q := r.db.WithContext(ctx)
		if r.inTx {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		result := q.
			Where("customer_id = ? AND completed = ?", customerID, false).
			Order("last_interaction_at DESC").
			Find(&progresses)
		if result.Error != nil {
			return fmt.Errorf("%w: failed to list open progresses: %w", apperrors.ErrDatabase, result.Error)
		}
		return nil
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "ListOpenProgresses", readRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("list", "progress", companyID, time.Since(startTime), opErr)
	if opErr != nil {
		return nil, opErr
	}
	return progresses, nil
}

// AdvanceProgress moves the script pointer forward with an optimistic version
// check. A zero-row update means the row changed underneath the caller and
// surfaces as ErrStaleProgress.
func (r *PostgresRepo) AdvanceProgress(ctx context.Context, progressID int64, nextStepID *int64, version int) error {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to get tenant ID from context: %w", apperrors.ErrUnauthorized, err)
	}

	operation := func() error {
		result := r.db.WithContext(ctx).Model(&model.UserConversationProgress{}).
			Where("id = ? AND version = ? AND completed = ?", progressID, version, false).
			Updates(map[string]interface{}{
				"current_step_id":     nextStepID,
				"last_interaction_at": utils.Now(),
				"version":             version + 1,
				"updated_at":          utils.Now(),
			})
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: progress %d at version %d", apperrors.ErrStaleProgress, progressID, version)
		}
		return nil
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "AdvanceProgress", commitRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("update", "progress", companyID, time.Since(startTime), opErr)
	if opErr != nil {
		if !apperrors.IsStaleProgressError(opErr) {
			logger.FromContext(ctx).Error("Failed to advance conversation progress",
				zap.Int64("progress_id", progressID),
				zap.Error(opErr))
		}
		return opErr
	}
	return nil
}

// CompleteProgress closes a conversation progress, also guarded by the
// optimistic version check.
func (r *PostgresRepo) CompleteProgress(ctx context.Context, progressID int64, version int) error {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to get tenant ID from context: %w", apperrors.ErrUnauthorized, err)
	}

	now := utils.Now()
	operation := func() error {
		result := r.db.WithContext(ctx).Model(&model.UserConversationProgress{}).
			Where("id = ? AND version = ? AND completed = ?", progressID, version, false).
			Updates(map[string]interface{}{
				"completed":           true,
				"completed_at":        now,
				"last_interaction_at": now,
				"version":             version + 1,
				"updated_at":          now,
			})
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: progress %d at version %d", apperrors.ErrStaleProgress, progressID, version)
		}
		return nil
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "CompleteProgress", commitRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("update", "progress", companyID, time.Since(startTime), opErr)
	if opErr != nil {
		if !apperrors.IsStaleProgressError(opErr) {
			logger.FromContext(ctx).Error("Failed to complete conversation progress",
				zap.Int64("progress_id", progressID),
				zap.Error(opErr))
		}
		return opErr
	}
	return nil
}
