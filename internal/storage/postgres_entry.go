package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gitlab.com/timkado/api/daisi-contest-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/model"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/observer"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/tenant"
	"gitlab.com/timkado/api/daisi-contest-engine/pkg/logger"
	"gitlab.com/timkado/api/daisi-contest-engine/pkg/utils"
)

// --- Contest Entry Repository Methods ---

// lockEntry fetches an entry FOR UPDATE. Must run inside a transaction to be
// meaningful; outside one the lock is released immediately.
func (r *PostgresRepo) lockEntry(ctx context.Context, entryID int64) (*model.ContestEntry, error) {
	var entry model.ContestEntry
	result := r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", entryID).
		First(&entry)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: entry %d: %w", apperrors.ErrNotFound, entryID, result.Error)
		}
		return nil, fmt.Errorf("%w: failed to lock entry row: %w", apperrors.ErrDatabase, result.Error)
	}
	return &entry, nil
}

// CreateEntry records a new submission attempt.
func (r *PostgresRepo) CreateEntry(ctx context.Context, entry *model.ContestEntry) error {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to get tenant ID from context: %w", apperrors.ErrUnauthorized, err)
	}
	entry.TenantID = companyID
	if entry.Status == "" {
		entry.Status = model.EntryStatusPending
	}
	if entry.Attempt == 0 {
		entry.Attempt = 1
	}

	operation := func() error {
		if createErr := r.db.WithContext(ctx).Create(entry).Error; createErr != nil {
			return checkConstraintViolation(createErr)
		}
		return nil
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "CreateEntry", commitRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("create", "entry", companyID, time.Since(startTime), opErr)
	if opErr != nil {
		logger.FromContext(ctx).Error("Failed to create contest entry",
			zap.String("customer_id", entry.CustomerID),
			zap.String("contest_id", entry.ContestID),
			zap.Error(opErr))
		return opErr
	}
	return nil
}

// GetEntry fetches an entry by primary key.
func (r *PostgresRepo) GetEntry(ctx context.Context, id int64) (*model.ContestEntry, error) {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get tenant ID from context: %w", apperrors.ErrUnauthorized, err)
	}

	var entry model.ContestEntry
	operation := func() error {
		result := r.db.WithContext(ctx).Where("id = ?", id).First(&entry)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: entry %d: %w", apperrors.ErrNotFound, id, result.Error)
			}
			return fmt.Errorf("%w: failed to find entry: %w", apperrors.ErrDatabase, result.Error)
		}
		return nil
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "GetEntry", readRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("find", "entry", companyID, time.Since(startTime), opErr)
	if opErr != nil {
		return nil, opErr
	}
	return &entry, nil
}

// GetOpenEntry fetches the most recent non-terminal entry of a
// (customer, contest) pair.
func (r *PostgresRepo) GetOpenEntry(ctx context.Context, customerID, contestID string) (*model.ContestEntry, error) {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get tenant ID from context: %w", apperrors.ErrUnauthorized, err)
	}

	var entry model.ContestEntry
	operation := func() error {
		q := r.db.WithContext(ctx)
		if r.inTx {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		result := q.
			Where("customer_id = ? AND contest_id = ?", customerID, contestID).
			Where("status NOT IN ?", []string{model.EntryStatusNotifiedApproved, model.EntryStatusNotifiedRejected}).
			Order("created_at DESC").
			First(&entry)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: open entry for customer %s contest %s: %w", apperrors.ErrNotFound, customerID, contestID, result.Error)
			}
			return fmt.Errorf("%w: failed to find open entry: %w", apperrors.ErrDatabase, result.Error)
		}
		return nil
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "GetOpenEntry", readRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("find", "entry", companyID, time.Since(startTime), opErr)
	if opErr != nil {
		return nil, opErr
	}
	return &entry, nil
}

// CountEntries counts all submission attempts of a (customer, contest) pair,
// used to number the next attempt.
func (r *PostgresRepo) CountEntries(ctx context.Context, customerID, contestID string) (int64, error) {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to get tenant ID from context: %w", apperrors.ErrUnauthorized, err)
	}

	var count int64
	operation := func() error {
		result := r.db.WithContext(ctx).Model(&model.ContestEntry{}).
			Where("customer_id = ? AND contest_id = ?", customerID, contestID).
			Count(&count)
		if result.Error != nil {
			return fmt.Errorf("%w: failed to count entries: %w", apperrors.ErrDatabase, result.Error)
		}
		return nil
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "CountEntries", readRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("count", "entry", companyID, time.Since(startTime), opErr)
	if opErr != nil {
		return 0, opErr
	}
	return count, nil
}

// SetEntryReceipt attaches the uploaded receipt image and moves the entry to
// under_review with the OCR flag raised. Requires the entry to be waiting for
// its receipt.
func (r *PostgresRepo) SetEntryReceipt(ctx context.Context, entryID int64, imageURL string) error {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to get tenant ID from context: %w", apperrors.ErrUnauthorized, err)
	}

	operation := func() error {
		entry, lockErr := r.lockEntry(ctx, entryID)
		if lockErr != nil {
			return lockErr
		}
		if !model.EntryTransitionAllowed(entry.Status, model.EntryStatusUnderReview) {
			return fmt.Errorf("%w: %s -> %s for entry %d", apperrors.ErrInvalidEntryTransition, entry.Status, model.EntryStatusUnderReview, entryID)
		}
		result := r.db.WithContext(ctx).Model(&model.ContestEntry{}).
			Where("id = ?", entryID).
			Updates(map[string]interface{}{
				"receipt_image_url": imageURL,
				"status":            model.EntryStatusUnderReview,
				"ocr_pending":       true,
				"updated_at":        utils.Now(),
			})
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "SetEntryReceipt", commitRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("update", "entry", companyID, time.Since(startTime), opErr)
	if opErr != nil {
		logger.FromContext(ctx).Error("Failed to attach receipt to entry", zap.Int64("entry_id", entryID), zap.Error(opErr))
		return opErr
	}
	return nil
}

// UpdateEntryReceiptURL rewrites the receipt image location without touching
// entry status. Used when the pipeline rehosts a gateway-hosted image into
// durable object storage.
func (r *PostgresRepo) UpdateEntryReceiptURL(ctx context.Context, entryID int64, imageURL string) error {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to get tenant ID from context: %w", apperrors.ErrUnauthorized, err)
	}

	operation := func() error {
		result := r.db.WithContext(ctx).Model(&model.ContestEntry{}).
			Where("id = ?", entryID).
			Updates(map[string]interface{}{
				"receipt_image_url": imageURL,
				"updated_at":        utils.Now(),
			})
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: entry %d", apperrors.ErrNotFound, entryID)
		}
		return nil
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "UpdateEntryReceiptURL", commitRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("update", "entry", companyID, time.Since(startTime), opErr)
	return opErr
}

// SetEntryFreeText stores the accumulated free-text answers of an entry.
func (r *PostgresRepo) SetEntryFreeText(ctx context.Context, entryID int64, answers datatypes.JSON) error {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to get tenant ID from context: %w", apperrors.ErrUnauthorized, err)
	}

	operation := func() error {
		result := r.db.WithContext(ctx).Model(&model.ContestEntry{}).
			Where("id = ?", entryID).
			Updates(map[string]interface{}{
				"free_text_answers": answers,
				"updated_at":        utils.Now(),
			})
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: entry %d", apperrors.ErrNotFound, entryID)
		}
		return nil
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "SetEntryFreeText", commitRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("update", "entry", companyID, time.Since(startTime), opErr)
	if opErr != nil {
		logger.FromContext(ctx).Error("Failed to store free text answers", zap.Int64("entry_id", entryID), zap.Error(opErr))
		return opErr
	}
	return nil
}

// SetEntryOCR stores the parsed receipt fields produced by the pipeline and
// updates the pending flag.
func (r *PostgresRepo) SetEntryOCR(ctx context.Context, entryID int64, result datatypes.JSON, pending bool) error {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to get tenant ID from context: %w", apperrors.ErrUnauthorized, err)
	}

	operation := func() error {
		res := r.db.WithContext(ctx).Model(&model.ContestEntry{}).
			Where("id = ?", entryID).
			Updates(map[string]interface{}{
				"ocr_result":  result,
				"ocr_pending": pending,
				"updated_at":  utils.Now(),
			})
		if res.Error != nil {
			return checkConstraintViolation(res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: entry %d", apperrors.ErrNotFound, entryID)
		}
		return nil
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "SetEntryOCR", commitRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("update", "entry", companyID, time.Since(startTime), opErr)
	if opErr != nil {
		logger.FromContext(ctx).Error("Failed to store OCR result", zap.Int64("entry_id", entryID), zap.Error(opErr))
		return opErr
	}
	return nil
}

// MarkEntryPipelineFailure flags an entry whose receipt pipeline ran out of
// retries. The entry stays in under_review for operator attention; only the
// pending flag and the failure marker change.
func (r *PostgresRepo) MarkEntryPipelineFailure(ctx context.Context, entryID int64) error {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to get tenant ID from context: %w", apperrors.ErrUnauthorized, err)
	}

	operation := func() error {
		res := r.db.WithContext(ctx).Model(&model.ContestEntry{}).
			Where("id = ?", entryID).
			Where("status = ?", model.EntryStatusUnderReview).
			Updates(map[string]interface{}{
				"ocr_pending":      false,
				"rejection_reason": model.RejectionReasonPipelineFailure,
				"updated_at":       utils.Now(),
			})
		if res.Error != nil {
			return checkConstraintViolation(res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: entry %d not in review", apperrors.ErrNotFound, entryID)
		}
		return nil
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "MarkEntryPipelineFailure", commitRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("update", "entry", companyID, time.Since(startTime), opErr)
	if opErr != nil {
		logger.FromContext(ctx).Error("Failed to mark pipeline failure", zap.Int64("entry_id", entryID), zap.Error(opErr))
		return opErr
	}
	return nil
}

// SetEntryStatus moves an entry through the state machine, rejecting
// transitions the machine does not allow. The rejection reason is recorded on
// any move and cleared by the empty string.
func (r *PostgresRepo) SetEntryStatus(ctx context.Context, entryID int64, toStatus, reason string) error {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to get tenant ID from context: %w", apperrors.ErrUnauthorized, err)
	}

	operation := func() error {
		entry, lockErr := r.lockEntry(ctx, entryID)
		if lockErr != nil {
			return lockErr
		}
		if !model.EntryTransitionAllowed(entry.Status, toStatus) {
			return fmt.Errorf("%w: %s -> %s for entry %d", apperrors.ErrInvalidEntryTransition, entry.Status, toStatus, entryID)
		}
		updates := map[string]interface{}{
			"status":           toStatus,
			"rejection_reason": reason,
			"updated_at":       utils.Now(),
		}
		result := r.db.WithContext(ctx).Model(&model.ContestEntry{}).
			Where("id = ?", entryID).
			Updates(updates)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "SetEntryStatus", commitRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("update", "entry", companyID, time.Since(startTime), opErr)
	if opErr != nil {
		if !apperrors.IsInvalidEntryTransitionError(opErr) {
			logger.FromContext(ctx).Error("Failed to set entry status",
				zap.Int64("entry_id", entryID),
				zap.String("to_status", toStatus),
				zap.Error(opErr))
		}
		return opErr
	}
	logger.FromContext(ctx).Info("Entry status changed",
		zap.Int64("entry_id", entryID),
		zap.String("status", toStatus))
	return nil
}

// ReopenEntry puts an adjudicated entry back under review. This is the only
// backward move in the state machine and is reserved for operators. Reopening
// a notified entry clears the notification columns so the next verdict is
// delivered to the customer again.
func (r *PostgresRepo) ReopenEntry(ctx context.Context, entryID int64) error {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to get tenant ID from context: %w", apperrors.ErrUnauthorized, err)
	}

	operation := func() error {
		entry, lockErr := r.lockEntry(ctx, entryID)
		if lockErr != nil {
			return lockErr
		}
		if !model.EntryStatusAdjudicated(entry.Status) {
			return fmt.Errorf("%w: %s -> %s for entry %d", apperrors.ErrInvalidEntryTransition, entry.Status, model.EntryStatusUnderReview, entryID)
		}
		result := r.db.WithContext(ctx).Model(&model.ContestEntry{}).
			Where("id = ?", entryID).
			Updates(map[string]interface{}{
				"status":                            model.EntryStatusUnderReview,
				"rejection_reason":                  "",
				"last_customer_notification_status": "",
				"last_customer_notification_at":     nil,
				"updated_at":                        utils.Now(),
			})
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "ReopenEntry", commitRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("update", "entry", companyID, time.Since(startTime), opErr)
	if opErr != nil {
		if !apperrors.IsInvalidEntryTransitionError(opErr) {
			logger.FromContext(ctx).Error("Failed to reopen entry", zap.Int64("entry_id", entryID), zap.Error(opErr))
		}
		return opErr
	}
	logger.FromContext(ctx).Info("Entry reopened for review", zap.Int64("entry_id", entryID))
	return nil
}

// MarkEntryNotified records that the adjudication notification went out and
// moves the entry to its terminal notified state.
func (r *PostgresRepo) MarkEntryNotified(ctx context.Context, entryID int64, status string, at time.Time) error {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to get tenant ID from context: %w", apperrors.ErrUnauthorized, err)
	}

	var terminal string
	switch status {
	case model.EntryStatusApproved:
		terminal = model.EntryStatusNotifiedApproved
	case model.EntryStatusRejected:
		terminal = model.EntryStatusNotifiedRejected
	default:
		return fmt.Errorf("%w: cannot notify for status %s", apperrors.ErrInvalidEntryTransition, status)
	}

	operation := func() error {
		entry, lockErr := r.lockEntry(ctx, entryID)
		if lockErr != nil {
			return lockErr
		}
		if !model.EntryTransitionAllowed(entry.Status, terminal) {
			return fmt.Errorf("%w: %s -> %s for entry %d", apperrors.ErrInvalidEntryTransition, entry.Status, terminal, entryID)
		}
		result := r.db.WithContext(ctx).Model(&model.ContestEntry{}).
			Where("id = ?", entryID).
			Updates(map[string]interface{}{
				"status":                            terminal,
				"last_customer_notification_status": status,
				"last_customer_notification_at":     at,
				"updated_at":                        utils.Now(),
			})
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "MarkEntryNotified", commitRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("update", "entry", companyID, time.Since(startTime), opErr)
	if opErr != nil {
		if !apperrors.IsInvalidEntryTransitionError(opErr) {
			logger.FromContext(ctx).Error("Failed to mark entry notified", zap.Int64("entry_id", entryID), zap.Error(opErr))
		}
		return opErr
	}
	return nil
}

// ListEntriesAwaitingNotification returns adjudicated entries whose customers
// have not been told the outcome yet. Entries still waiting on the receipt
// pipeline are excluded.
func (r *PostgresRepo) ListEntriesAwaitingNotification(ctx context.Context, limit int) ([]model.ContestEntry, error) {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get tenant ID from context: %w", apperrors.ErrUnauthorized, err)
	}

	var entries []model.ContestEntry
	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("status IN ?", []string{model.EntryStatusApproved, model.EntryStatusRejected}).
			Where("ocr_pending = ?", false).
			Order("updated_at ASC").
			Limit(limit).
			Find(&entries)
		if result.Error != nil {
			return fmt.Errorf("%w: failed to list entries awaiting notification: %w", apperrors.ErrDatabase, result.Error)
		}
		return nil
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "ListEntriesAwaitingNotification", readRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("list", "entry", companyID, time.Since(startTime), opErr)
	if opErr != nil {
		return nil, opErr
	}
	return entries, nil
}

// ListEntriesPendingOCR returns entries stuck in review with the pipeline
// flag still set. The job fetcher sweeps these to re-enqueue work lost to a
// publish failure; olderThan keeps freshly enqueued entries out of the sweep.
func (r *PostgresRepo) ListEntriesPendingOCR(ctx context.Context, olderThan time.Time, limit int) ([]model.ContestEntry, error) {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get tenant ID from context: %w", apperrors.ErrUnauthorized, err)
	}

	var entries []model.ContestEntry
	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("status = ?", model.EntryStatusUnderReview).
			Where("ocr_pending = ?", true).
			Where("updated_at < ?", olderThan).
			Order("updated_at ASC").
			Limit(limit).
			Find(&entries)
		if result.Error != nil {
			return fmt.Errorf("%w: failed to list entries pending OCR: %w", apperrors.ErrDatabase, result.Error)
		}
		return nil
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "ListEntriesPendingOCR", readRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("list", "entry", companyID, time.Since(startTime), opErr)
	if opErr != nil {
		return nil, opErr
	}
	return entries, nil
}

// ListEntriesByStatus pages through the entries of a contest in one status,
// newest first. The admin review endpoints use this.
func (r *PostgresRepo) ListEntriesByStatus(ctx context.Context, contestID, status string, limit, offset int) ([]model.ContestEntry, error) {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get tenant ID from context: %w", apperrors.ErrUnauthorized, err)
	}

	var entries []model.ContestEntry
	operation := func() error {
		q := r.db.WithContext(ctx).Where("contest_id = ?", contestID)
		if status != "" {
			q = q.Where("status = ?", status)
		}
		result := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&entries)
		if result.Error != nil {
			return fmt.Errorf("%w: failed to list entries: %w", apperrors.ErrDatabase, result.Error)
		}
		return nil
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "ListEntriesByStatus", readRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("list", "entry", companyID, time.Since(startTime), opErr)
	if opErr != nil {
		return nil, opErr
	}
	return entries, nil
}
