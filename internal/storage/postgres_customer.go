package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
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

// --- Customer Repository Methods ---

// FindOrCreateCustomer looks a customer up by normalized phone number,
// creating the record on first contact. The row is locked FOR UPDATE so a
// concurrent delivery for the same phone serializes here.
func (r *PostgresRepo) FindOrCreateCustomer(ctx context.Context, phoneNumber string) (*model.Customer, error) {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get tenant ID from context: %w", apperrors.ErrUnauthorized, err)
	}

	var customer model.Customer
	operation := func() error {
		result := r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("phone_number = ?", phoneNumber).
			First(&customer)
		findErr := result.Error

		if findErr == nil {
			return nil
		}
		if !errors.Is(findErr, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: failed to lock customer row: %w", apperrors.ErrDatabase, findErr)
		}

		customer = model.Customer{
			ID:          uuid.NewString(),
			TenantID:    companyID,
			PhoneNumber: phoneNumber,
		}
		if createErr := r.db.WithContext(ctx).Create(&customer).Error; createErr != nil {
			// A concurrent transaction may have created the row between the
			// lock attempt and the insert. The whole event transaction rolls
			// back and the gateway redelivery finds the row on the next pass.
			checked := checkConstraintViolation(createErr)
			if apperrors.IsDuplicateError(checked) {
				return fmt.Errorf("%w: concurrent customer creation: %w", apperrors.ErrDatabase, createErr)
			}
			return checked
		}
		return nil
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "FindOrCreateCustomer", commitRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("find_or_create", "customer", companyID, time.Since(startTime), opErr)
	if opErr != nil {
		logger.FromContext(ctx).Error("Failed to find or create customer", zap.Error(opErr))
		return nil, opErr
	}
	return &customer, nil
}

// FindCustomerByID fetches a customer by primary key.
func (r *PostgresRepo) FindCustomerByID(ctx context.Context, id string) (*model.Customer, error) {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get tenant ID from context: %w", apperrors.ErrUnauthorized, err)
	}

	var customer model.Customer
	operation := func() error {
		result := r.db.WithContext(ctx).Where("id = ?", id).First(&customer)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: customer %s: %w", apperrors.ErrNotFound, id, result.Error)
			}
			return fmt.Errorf("%w: failed to find customer: %w", apperrors.ErrDatabase, result.Error)
		}
		return nil
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "FindCustomerByID", readRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("find", "customer", companyID, time.Since(startTime), opErr)
	if opErr != nil {
		return nil, opErr
	}
	return &customer, nil
}

// UpdateCustomer persists detail-capture fields (name, NRIC, address) on an
// existing customer record.
func (r *PostgresRepo) UpdateCustomer(ctx context.Context, customer *model.Customer) error {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to get tenant ID from context: %w", apperrors.ErrUnauthorized, err)
	}
	customer.UpdatedAt = utils.Now()

	operation := func() error {
		result := r.db.WithContext(ctx).Model(&model.Customer{}).
			Where("id = ?", customer.ID).
			Updates(map[string]interface{}{
				"name":       customer.Name,
				"nric":       customer.NRIC,
				"address":    customer.Address,
				"updated_at": customer.UpdatedAt,
			})
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: customer %s", apperrors.ErrNotFound, customer.ID)
		}
		return nil
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "UpdateCustomer", commitRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("update", "customer", companyID, time.Since(startTime), opErr)
	if opErr != nil {
		logger.FromContext(ctx).Error("Failed to update customer", zap.String("customer_id", customer.ID), zap.Error(opErr))
		return opErr
	}
	return nil
}

// SetCustomerConsent records the customer's PDPA decision and when it was made.
func (r *PostgresRepo) SetCustomerConsent(ctx context.Context, customerID string, consent bool, at time.Time) error {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to get tenant ID from context: %w", apperrors.ErrUnauthorized, err)
	}

	operation := func() error {
		result := r.db.WithContext(ctx).Model(&model.Customer{}).
			Where("id = ?", customerID).
			Updates(map[string]interface{}{
				"pdpa_consent": consent,
				"pdpa_at":      at,
				"updated_at":   utils.Now(),
			})
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: customer %s", apperrors.ErrNotFound, customerID)
		}
		return nil
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "SetCustomerConsent", commitRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("update", "customer", companyID, time.Since(startTime), opErr)
	if opErr != nil {
		logger.FromContext(ctx).Error("Failed to set customer consent", zap.String("customer_id", customerID), zap.Error(opErr))
		return opErr
	}
	return nil
}

// SetCustomerOptOut flips the opt-out flag. An opted-out customer gets no
// further automated messages until they opt back in.
func (r *PostgresRepo) SetCustomerOptOut(ctx context.Context, customerID string, optedOut bool) error {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to get tenant ID from context: %w", apperrors.ErrUnauthorized, err)
	}

	operation := func() error {
		result := r.db.WithContext(ctx).Model(&model.Customer{}).
			Where("id = ?", customerID).
			Updates(map[string]interface{}{
				"opted_out":  optedOut,
				"updated_at": utils.Now(),
			})
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: customer %s", apperrors.ErrNotFound, customerID)
		}
		return nil
	}

	startTime := utils.Now()
	opErr := r.run(ctx, "SetCustomerOptOut", commitRetryMaxElapsedTime, operation)
	observer.ObserveDbOperationDuration("update", "customer", companyID, time.Since(startTime), opErr)
	if opErr != nil {
		logger.FromContext(ctx).Error("Failed to set customer opt-out", zap.String("customer_id", customerID), zap.Error(opErr))
		return opErr
	}
	return nil
}
