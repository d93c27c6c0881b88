package storage

import (
	"context"
	"time"

	"gorm.io/datatypes"

	"gitlab.com/timkado/api/daisi-contest-engine/internal/model"
)

// Store defines the storage operations of the contest engine. A single flat
// interface (rather than one interface per entity) because the engine mutates
// several entities inside one transaction and receives the transactional
// store via InTransaction.
type Store interface {
	// InTransaction runs fn inside a database transaction. The Store passed
	// to fn executes against that transaction; nested calls reuse it.
	InTransaction(ctx context.Context, fn func(tx Store) error) error
	// AcquireConversationLock serializes concurrent webhook deliveries for
	// one customer. The lock is released when the surrounding transaction
	// ends, so it must be called inside InTransaction.
	AcquireConversationLock(ctx context.Context, customerID string) error

	// Customers
	FindOrCreateCustomer(ctx context.Context, phoneNumber string) (*model.Customer, error)
	FindCustomerByID(ctx context.Context, id string) (*model.Customer, error)
	UpdateCustomer(ctx context.Context, customer *model.Customer) error
	SetCustomerConsent(ctx context.Context, customerID string, consent bool, at time.Time) error
	SetCustomerOptOut(ctx context.Context, customerID string, optedOut bool) error

	// Contests and scripts
	CreateContest(ctx context.Context, contest *model.Contest, steps []model.ConversationStep) error
	GetContest(ctx context.Context, id string) (*model.Contest, error)
	UpdateContestStatus(ctx context.Context, id string, status string) error
	ListActiveContests(ctx context.Context, at time.Time) ([]model.Contest, error)
	ListContestSteps(ctx context.Context, contestID string) ([]model.ConversationStep, error)
	GetStep(ctx context.Context, stepID int64) (*model.ConversationStep, error)

	// Conversation progress
	CreateProgress(ctx context.Context, progress *model.UserConversationProgress) error
	GetOpenProgress(ctx context.Context, customerID, contestID string) (*model.UserConversationProgress, error)
	ListOpenProgresses(ctx context.Context, customerID string) ([]model.UserConversationProgress, error)
	AdvanceProgress(ctx context.Context, progressID int64, nextStepID *int64, version int) error
	CompleteProgress(ctx context.Context, progressID int64, version int) error

	// Contest entries
	CreateEntry(ctx context.Context, entry *model.ContestEntry) error
	GetEntry(ctx context.Context, id int64) (*model.ContestEntry, error)
	GetOpenEntry(ctx context.Context, customerID, contestID string) (*model.ContestEntry, error)
	CountEntries(ctx context.Context, customerID, contestID string) (int64, error)
	SetEntryReceipt(ctx context.Context, entryID int64, imageURL string) error
	UpdateEntryReceiptURL(ctx context.Context, entryID int64, imageURL string) error
	SetEntryFreeText(ctx context.Context, entryID int64, answers datatypes.JSON) error
	SetEntryOCR(ctx context.Context, entryID int64, result datatypes.JSON, pending bool) error
	MarkEntryPipelineFailure(ctx context.Context, entryID int64) error
	SetEntryStatus(ctx context.Context, entryID int64, toStatus, reason string) error
	ReopenEntry(ctx context.Context, entryID int64) error
	MarkEntryNotified(ctx context.Context, entryID int64, status string, at time.Time) error
	ListEntriesAwaitingNotification(ctx context.Context, limit int) ([]model.ContestEntry, error)
	ListEntriesPendingOCR(ctx context.Context, olderThan time.Time, limit int) ([]model.ContestEntry, error)
	ListEntriesByStatus(ctx context.Context, contestID, status string, limit, offset int) ([]model.ContestEntry, error)

	// Message log
	RecordInbound(ctx context.Context, entry *model.MessageLog) (bool, error)
	AttributeInbound(ctx context.Context, id int64, customerID string) error
	RecordOutbound(ctx context.Context, entry *model.MessageLog) error
	SetMessageDeliveryStatus(ctx context.Context, id int64, gatewayMessageID, status string) error
	ListMessageLogs(ctx context.Context, customerID string, limit, offset int) ([]model.MessageLog, error)

	// Receipt pipeline ledger
	SaveStageResult(ctx context.Context, result *model.StageResult) error
	GetCompletedStageResult(ctx context.Context, entryID int64, stage string) (*model.StageResult, error)
	SaveExhaustedJob(ctx context.Context, job *model.ExhaustedJob) error
	ListUnresolvedExhaustedJobs(ctx context.Context, limit int) ([]model.ExhaustedJob, error)
	ResolveExhaustedJobs(ctx context.Context, entryID int64) error

	Close(ctx context.Context) error
}
