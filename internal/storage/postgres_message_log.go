package storage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm/clause"

	"gitlab.com/timkado/api/daisi-contest-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/model"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/observer"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/tenant"
	"gitlab.com/timkado/api/daisi-contest-engine/pkg/logger"
	"gitlab.com/timkado/api/daisi-contest-engine/pkg/utils"
)

// --- Message Log Repository Methods ---

// RecordInbound inserts an inbound message log row, ignoring the insert when
// the external message id was already recorded. The returned bool is false
// for such redeliveries; the caller must then skip all side effects.
func (r *PostgresRepo) RecordInbound(ctx context.Context, entry *model.MessageLog) (bool, error) {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: failed to get tenant ID from context: %w", apperrors.ErrUnauthorized, err)
	}
	entry.TenantID = companyID
	entry.Direction = model.MessageDirectionIn

	var created bool
	operation := func() error {
		result := r.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "external_message_id"}},
				DoNothing: true,
			}).
			Create(entry)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		created = result.RowsAffected > 0
		return nil
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "RecordInbound", commitRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("create", "message_log", companyID, time.Since(startTime), opErr)
	if opErr != nil {
		logger.FromContext(ctx).Error("Failed to record inbound message",
			zap.String("external_message_id", entry.ExternalMessageID),
			zap.Error(opErr))
		return false, opErr
	}
	if !created {
		logger.FromContext(ctx).Info("Suppressed duplicate inbound message",
			zap.String("external_message_id", entry.ExternalMessageID))
	}
	return created, nil
}

// AttributeInbound stamps the customer id on an inbound message log row. The
// engine records the inbound before it resolves the sender, so attribution is
// a second write inside the same transaction.
func (r *PostgresRepo) AttributeInbound(ctx context.Context, id int64, customerID string) error {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to get tenant ID from context: %w", apperrors.ErrUnauthorized, err)
	}

	operation := func() error {
		result := r.db.WithContext(ctx).Model(&model.MessageLog{}).
			Where("id = ?", id).
			Update("customer_id", customerID)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: message log %d", apperrors.ErrNotFound, id)
		}
		return nil
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "AttributeInbound", commitRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("update", "message_log", companyID, time.Since(startTime), opErr)
	if opErr != nil {
		logger.FromContext(ctx).Error("Failed to attribute inbound message",
			zap.Int64("message_log_id", id),
			zap.String("customer_id", customerID),
			zap.Error(opErr))
		return opErr
	}
	return nil
}

// RecordOutbound appends an outbound message log row.
func (r *PostgresRepo) RecordOutbound(ctx context.Context, entry *model.MessageLog) error {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to get tenant ID from context: %w", apperrors.ErrUnauthorized, err)
	}
	entry.TenantID = companyID
	entry.Direction = model.MessageDirectionOut

	operation := func() error {
		if createErr := r.db.WithContext(ctx).Create(entry).Error; createErr != nil {
			return checkConstraintViolation(createErr)
		}
		return nil
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "RecordOutbound", commitRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("create", "message_log", companyID, time.Since(startTime), opErr)
	if opErr != nil {
		logger.FromContext(ctx).Error("Failed to record outbound message",
			zap.String("customer_id", entry.CustomerID),
			zap.Error(opErr))
		return opErr
	}
	return nil
}

// SetMessageDeliveryStatus updates the delivery outcome of an outbound
// message after the gateway send completes.
func (r *PostgresRepo) SetMessageDeliveryStatus(ctx context.Context, id int64, gatewayMessageID, status string) error {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to get tenant ID from context: %w", apperrors.ErrUnauthorized, err)
	}

	operation := func() error {
		result := r.db.WithContext(ctx).Model(&model.MessageLog{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"gateway_message_id": gatewayMessageID,
				"delivery_status":    status,
			})
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: message log %d", apperrors.ErrNotFound, id)
		}
		return nil
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "SetMessageDeliveryStatus", commitRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("update", "message_log", companyID, time.Since(startTime), opErr)
	if opErr != nil {
		logger.FromContext(ctx).Error("Failed to set message delivery status",
			zap.Int64("message_log_id", id),
			zap.Error(opErr))
		return opErr
	}
	return nil
}

// ListMessageLogs pages through a customer's message history, newest first.
func (r *PostgresRepo) ListMessageLogs(ctx context.Context, customerID string, limit, offset int) ([]model.MessageLog, error) {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get tenant ID from context: %w", apperrors.ErrUnauthorized, err)
	}

	var logs []model.MessageLog
	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("customer_id = ?", customerID).
			Order("created_at DESC").
			Limit(limit).
			Offset(offset).
			Find(&logs)
		if result.Error != nil {
			return fmt.Errorf("%w: failed to list message logs: %w", apperrors.ErrDatabase, result.Error)
		}
		return nil
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "ListMessageLogs", readRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("list", "message_log", companyID, time.Since(startTime), opErr)
	if opErr != nil {
		return nil, opErr
	}
	return logs, nil
}
