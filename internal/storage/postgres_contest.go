package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"gitlab.com/timkado/api/daisi-contest-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/model"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/observer"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/tenant"
	"gitlab.com/timkado/api/daisi-contest-engine/pkg/logger"
	"gitlab.com/timkado/api/daisi-contest-engine/pkg/utils"
)

// --- Contest Repository Methods ---

// CreateContest persists a contest together with its conversation script in
// one transaction. Step order is reassigned sequentially from 1.
func (r *PostgresRepo) CreateContest(ctx context.Context, contest *model.Contest, steps []model.ConversationStep) error {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to get tenant ID from context: %w", apperrors.ErrUnauthorized, err)
	}
	contest.TenantID = companyID

	operation := func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if createErr := tx.Create(contest).Error; createErr != nil {
				return checkConstraintViolation(createErr)
			}
			for i := range steps {
				steps[i].ContestID = contest.ID
				steps[i].StepOrder = i + 1
				if createErr := tx.Create(&steps[i]).Error; createErr != nil {
					return checkConstraintViolation(createErr)
				}
			}
			return nil
		})
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "CreateContest", commitRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("create", "contest", companyID, time.Since(startTime), opErr)
	if opErr != nil {
		logger.FromContext(ctx).Error("Failed to create contest", zap.String("contest_id", contest.ID), zap.Error(opErr))
		return opErr
	}
	logger.FromContext(ctx).Info("Created contest", zap.String("contest_id", contest.ID), zap.Int("steps", len(steps)))
	return nil
}

// GetContest fetches a contest by id.
func (r *PostgresRepo) GetContest(ctx context.Context, id string) (*model.Contest, error) {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get tenant ID from context: %w", apperrors.ErrUnauthorized, err)
	}

	var contest model.Contest
	operation := func() error {
		result := r.db.WithContext(ctx).Where("id = ?", id).First(&contest)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: contest %s: %w", apperrors.ErrNotFound, id, result.Error)
			}
			return fmt.Errorf("%w: failed to find contest: %w", apperrors.ErrDatabase, result.Error)
		}
		return nil
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "GetContest", readRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("find", "contest", companyID, time.Since(startTime), opErr)
	if opErr != nil {
		return nil, opErr
	}
	return &contest, nil
}

// UpdateContestStatus moves a contest through its lifecycle
// (draft, active, paused, closed).
func (r *PostgresRepo) UpdateContestStatus(ctx context.Context, id string, status string) error {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to get tenant ID from context: %w", apperrors.ErrUnauthorized, err)
	}

	operation := func() error {
		result := r.db.WithContext(ctx).Model(&model.Contest{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"status":     status,
				"updated_at": utils.Now(),
			})
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: contest %s", apperrors.ErrNotFound, id)
		}
		return nil
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "UpdateContestStatus", commitRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("update", "contest", companyID, time.Since(startTime), opErr)
	if opErr != nil {
		logger.FromContext(ctx).Error("Failed to update contest status", zap.String("contest_id", id), zap.String("status", status), zap.Error(opErr))
		return opErr
	}
	return nil
}

// ListActiveContests returns contests accepting entries at the given instant,
// ordered by routing precedence: auto_reply_priority descending, then most
// recently created first.
func (r *PostgresRepo) ListActiveContests(ctx context.Context, at time.Time) ([]model.Contest, error) {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get tenant ID from context: %w", apperrors.ErrUnauthorized, err)
	}

	var contests []model.Contest
	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("status = ?", model.ContestStatusActive).
			Where("(starts_at IS NULL OR starts_at <= ?)", at).
			Where("(ends_at IS NULL OR ends_at >= ?)", at).
			Order("auto_reply_priority DESC, created_at DESC").
			Find(&contests)
		if result.Error != nil {
			return fmt.Errorf("%w: failed to list active contests: %w", apperrors.ErrDatabase, result.Error)
		}
		return nil
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "ListActiveContests", readRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("list", "contest", companyID, time.Since(startTime), opErr)
	if opErr != nil {
		return nil, opErr
	}
	return contests, nil
}

// ListContestSteps returns the full conversation script of a contest in step order.
func (r *PostgresRepo) ListContestSteps(ctx context.Context, contestID string) ([]model.ConversationStep, error) {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get tenant ID from context: %w", apperrors.ErrUnauthorized, err)
	}

	var steps []model.ConversationStep
	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("contest_id = ?", contestID).
			Order("step_order ASC").
			Find(&steps)
		if result.Error != nil {
			return fmt.Errorf("%w: failed to list contest steps: %w", apperrors.ErrDatabase, result.Error)
		}
		return nil
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "ListContestSteps", readRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("list", "conversation_step", companyID, time.Since(startTime), opErr)
	if opErr != nil {
		return nil, opErr
	}
	return steps, nil
}

// GetStep fetches a single conversation step by id.
func (r *PostgresRepo) GetStep(ctx context.Context, stepID int64) (*model.ConversationStep, error) {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get tenant ID from context: %w", apperrors.ErrUnauthorized, err)
	}

	var step model.ConversationStep
	operation := func() error {
		result := r.db.WithContext(ctx).Where("id = ?", stepID).First(&step)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: step %d: %w", apperrors.ErrNotFound, stepID, result.Error)
			}
			return fmt.Errorf("%w: failed to find step: %w", apperrors.ErrDatabase, result.Error)
		}
		return nil
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "GetStep", readRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("find", "conversation_step", companyID, time.Since(startTime), opErr)
	if opErr != nil {
		return nil, opErr
	}
	return &step, nil
}
