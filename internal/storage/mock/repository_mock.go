package mock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
	"gorm.io/datatypes"

	"gitlab.com/timkado/api/daisi-contest-engine/internal/model"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/storage"
)

// StoreMock mocks the storage.Store interface.
type StoreMock struct {
	mock.Mock
}

var _ storage.Store = (*StoreMock)(nil)

// InTransaction mocks transactional execution. Unless the expectation stubs
// an error, the callback runs against the same mock so per-operation
// expectations inside the transaction still apply.
func (m *StoreMock) InTransaction(ctx context.Context, fn func(tx storage.Store) error) error {
	args := m.Called(ctx, fn)
	if err := args.Error(0); err != nil {
		return err
	}
	return fn(m)
}

// AcquireConversationLock mocks the advisory lock call.
func (m *StoreMock) AcquireConversationLock(ctx context.Context, customerID string) error {
	args := m.Called(ctx, customerID)
	return args.Error(0)
}

// --- Customers ---

func (m *StoreMock) FindOrCreateCustomer(ctx context.Context, phoneNumber string) (*model.Customer, error) {
	args := m.Called(ctx, phoneNumber)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Customer), args.Error(1)
}

func (m *StoreMock) FindCustomerByID(ctx context.Context, id string) (*model.Customer, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Customer), args.Error(1)
}

func (m *StoreMock) UpdateCustomer(ctx context.Context, customer *model.Customer) error {
	args := m.Called(ctx, customer)
	return args.Error(0)
}

func (m *StoreMock) SetCustomerConsent(ctx context.Context, customerID string, consent bool, at time.Time) error {
	args := m.Called(ctx, customerID, consent, at)
	return args.Error(0)
}

func (m *StoreMock) SetCustomerOptOut(ctx context.Context, customerID string, optedOut bool) error {
	args := m.Called(ctx, customerID, optedOut)
	return args.Error(0)
}

// --- Contests ---

func (m *StoreMock) CreateContest(ctx context.Context, contest *model.Contest, steps []model.ConversationStep) error {
	args := m.Called(ctx, contest, steps)
	return args.Error(0)
}

func (m *StoreMock) GetContest(ctx context.Context, id string) (*model.Contest, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Contest), args.Error(1)
}

func (m *StoreMock) UpdateContestStatus(ctx context.Context, id string, status string) error {
	args := m.Called(ctx, id, status)
	return args.Error(0)
}

func (m *StoreMock) ListActiveContests(ctx context.Context, at time.Time) ([]model.Contest, error) {
	args := m.Called(ctx, at)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Contest), args.Error(1)
}

func (m *StoreMock) ListContestSteps(ctx context.Context, contestID string) ([]model.ConversationStep, error) {
	args := m.Called(ctx, contestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ConversationStep), args.Error(1)
}

func (m *StoreMock) GetStep(ctx context.Context, stepID int64) (*model.ConversationStep, error) {
	args := m.Called(ctx, stepID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ConversationStep), args.Error(1)
}

// --- Conversation progress ---

func (m *StoreMock) CreateProgress(ctx context.Context, progress *model.UserConversationProgress) error {
	args := m.Called(ctx, progress)
	return args.Error(0)
}

func (m *StoreMock) GetOpenProgress(ctx context.Context, customerID, contestID string) (*model.UserConversationProgress, error) {
	args := m.Called(ctx, customerID, contestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.UserConversationProgress), args.Error(1)
}

func (m *StoreMock) ListOpenProgresses(ctx context.Context, customerID string) ([]model.UserConversationProgress, error) {
	args := m.Called(ctx, customerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.UserConversationProgress), args.Error(1)
}

func (m *StoreMock) AdvanceProgress(ctx context.Context, progressID int64, nextStepID *int64, version int) error {
	args := m.Called(ctx, progressID, nextStepID, version)
	return args.Error(0)
}

func (m *StoreMock) CompleteProgress(ctx context.Context, progressID int64, version int) error {
	args := m.Called(ctx, progressID, version)
	return args.Error(0)
}

// --- Contest entries ---

func (m *StoreMock) CreateEntry(ctx context.Context, entry *model.ContestEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *StoreMock) GetEntry(ctx context.Context, id int64) (*model.ContestEntry, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ContestEntry), args.Error(1)
}

func (m *StoreMock) GetOpenEntry(ctx context.Context, customerID, contestID string) (*model.ContestEntry, error) {
	args := m.Called(ctx, customerID, contestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ContestEntry), args.Error(1)
}

func (m *StoreMock) CountEntries(ctx context.Context, customerID, contestID string) (int64, error) {
	args := m.Called(ctx, customerID, contestID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *StoreMock) SetEntryReceipt(ctx context.Context, entryID int64, imageURL string) error {
	args := m.Called(ctx, entryID, imageURL)
	return args.Error(0)
}

func (m *StoreMock) UpdateEntryReceiptURL(ctx context.Context, entryID int64, imageURL string) error {
	args := m.Called(ctx, entryID, imageURL)
	return args.Error(0)
}

func (m *StoreMock) SetEntryFreeText(ctx context.Context, entryID int64, answers datatypes.JSON) error {
	args := m.Called(ctx, entryID, answers)
	return args.Error(0)
}

func (m *StoreMock) SetEntryOCR(ctx context.Context, entryID int64, result datatypes.JSON, pending bool) error {
	args := m.Called(ctx, entryID, result, pending)
	return args.Error(0)
}

func (m *StoreMock) MarkEntryPipelineFailure(ctx context.Context, entryID int64) error {
	args := m.Called(ctx, entryID)
	return args.Error(0)
}

func (m *StoreMock) SetEntryStatus(ctx context.Context, entryID int64, toStatus, reason string) error {
	args := m.Called(ctx, entryID, toStatus, reason)
	return args.Error(0)
}

func (m *StoreMock) ReopenEntry(ctx context.Context, entryID int64) error {
	args := m.Called(ctx, entryID)
	return args.Error(0)
}

func (m *StoreMock) MarkEntryNotified(ctx context.Context, entryID int64, status string, at time.Time) error {
	args := m.Called(ctx, entryID, status, at)
	return args.Error(0)
}

func (m *StoreMock) ListEntriesAwaitingNotification(ctx context.Context, limit int) ([]model.ContestEntry, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ContestEntry), args.Error(1)
}

func (m *StoreMock) ListEntriesPendingOCR(ctx context.Context, olderThan time.Time, limit int) ([]model.ContestEntry, error) {
	args := m.Called(ctx, olderThan, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ContestEntry), args.Error(1)
}

func (m *StoreMock) ListEntriesByStatus(ctx context.Context, contestID, status string, limit, offset int) ([]model.ContestEntry, error) {
	args := m.Called(ctx, contestID, status, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ContestEntry), args.Error(1)
}

// --- Message log ---

func (m *StoreMock) RecordInbound(ctx context.Context, entry *model.MessageLog) (bool, error) {
	args := m.Called(ctx, entry)
	return args.Bool(0), args.Error(1)
}

func (m *StoreMock) AttributeInbound(ctx context.Context, id int64, customerID string) error {
	args := m.Called(ctx, id, customerID)
	return args.Error(0)
}

func (m *StoreMock) RecordOutbound(ctx context.Context, entry *model.MessageLog) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *StoreMock) SetMessageDeliveryStatus(ctx context.Context, id int64, gatewayMessageID, status string) error {
	args := m.Called(ctx, id, gatewayMessageID, status)
	return args.Error(0)
}

func (m *StoreMock) ListMessageLogs(ctx context.Context, customerID string, limit, offset int) ([]model.MessageLog, error) {
	args := m.Called(ctx, customerID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.MessageLog), args.Error(1)
}

// --- Receipt pipeline ledger ---

func (m *StoreMock) SaveStageResult(ctx context.Context, result *model.StageResult) error {
	args := m.Called(ctx, result)
	return args.Error(0)
}

func (m *StoreMock) GetCompletedStageResult(ctx context.Context, entryID int64, stage string) (*model.StageResult, error) {
	args := m.Called(ctx, entryID, stage)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.StageResult), args.Error(1)
}

func (m *StoreMock) SaveExhaustedJob(ctx context.Context, job *model.ExhaustedJob) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

func (m *StoreMock) ListUnresolvedExhaustedJobs(ctx context.Context, limit int) ([]model.ExhaustedJob, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ExhaustedJob), args.Error(1)
}

func (m *StoreMock) ResolveExhaustedJobs(ctx context.Context, entryID int64) error {
	args := m.Called(ctx, entryID)
	return args.Error(0)
}

// Close mocks the Close method.
func (m *StoreMock) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
