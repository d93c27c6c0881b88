package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/daisi-contest-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/model"
	storagemock "gitlab.com/timkado/api/daisi-contest-engine/internal/storage/mock"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/tenant"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/transport"
	"gitlab.com/timkado/api/daisi-contest-engine/pkg/logger"
)

const testTenantID = "tenant-test-1"

type senderMock struct {
	mock.Mock
}

func (s *senderMock) SendText(ctx context.Context, toPhone, body string) (*transport.SendResult, error) {
	args := s.Called(ctx, toPhone, body)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*transport.SendResult), args.Error(1)
}

func (s *senderMock) SendMedia(ctx context.Context, toPhone, body, mediaURL string) (*transport.SendResult, error) {
	args := s.Called(ctx, toPhone, body, mediaURL)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*transport.SendResult), args.Error(1)
}

type queueMock struct {
	mock.Mock
}

func (q *queueMock) EnqueueReceiptJob(ctx context.Context, job model.ReceiptJob) error {
	args := q.Called(ctx, job)
	return args.Error(0)
}

func newTestEngine(t *testing.T) (*Engine, *storagemock.StoreMock, *senderMock, *queueMock) {
	t.Helper()
	logger.Log = zaptest.NewLogger(t)

	st := new(storagemock.StoreMock)
	sender := new(senderMock)
	queue := new(queueMock)
	eng := NewEngine(st, sender, queue, "+60111222333", "60")
	return eng, st, sender, queue
}

func testCtx() context.Context {
	return tenant.WithCompanyID(context.Background(), testTenantID)
}

func inboundEvent(externalID, from, body, mediaURL string) *model.InboundEvent {
	return &model.InboundEvent{
		ExternalID: externalID,
		FromPhone:  from,
		Body:       body,
		MediaURL:   mediaURL,
		ReceivedAt: time.Now(),
	}
}

func pdpaReceiptScript(contestID string) []model.ConversationStep {
	return []model.ConversationStep{
		{
			ID: 11, ContestID: contestID, StepOrder: 1, StepName: "pdpa",
			StepKind: model.StepKindPdpa, AutoReplyMessage: "Do you consent, {customer_name}?",
			WaitForResponse: true,
		},
		{
			ID: 12, ContestID: contestID, StepOrder: 2, StepName: "receipt",
			StepKind: model.StepKindReceipt, AutoReplyMessage: "Please send your receipt",
			WaitForResponse: true,
		},
	}
}

func TestHandleInboundDuplicateIsNoOp(t *testing.T) {
	eng, st, sender, queue := newTestEngine(t)

	st.On("InTransaction", mock.Anything, mock.Anything).Return(nil)
	st.On("RecordInbound", mock.Anything, mock.Anything).Return(false, nil).Once()

	err := eng.HandleInbound(testCtx(), inboundEvent("wamid-dup", "60123456789", "JOIN", ""))
	require.NoError(t, err)

	st.AssertExpectations(t)
	sender.AssertNotCalled(t, "SendText", mock.Anything, mock.Anything, mock.Anything)
	queue.AssertNotCalled(t, "EnqueueReceiptJob", mock.Anything, mock.Anything)
}

func TestHandleInboundDropsSelfMessages(t *testing.T) {
	eng, st, _, _ := newTestEngine(t)

	// Tenant number normalizes to 60111222333; no store calls expected.
	err := eng.HandleInbound(testCtx(), inboundEvent("wamid-self", "60111222333", "hello", ""))
	require.NoError(t, err)
	st.AssertNotCalled(t, "InTransaction", mock.Anything, mock.Anything)
}

func TestHandleInboundOptOut(t *testing.T) {
	eng, st, sender, _ := newTestEngine(t)
	customer := &model.Customer{ID: "cust-1", PhoneNumber: "60123456789"}

	st.On("InTransaction", mock.Anything, mock.Anything).Return(nil)
	st.On("RecordInbound", mock.Anything, mock.Anything).Return(true, nil).Once()
	st.On("FindOrCreateCustomer", mock.Anything, "60123456789").Return(customer, nil).Once()
	st.On("AttributeInbound", mock.Anything, mock.Anything, "cust-1").Return(nil).Once()
	st.On("AcquireConversationLock", mock.Anything, "cust-1").Return(nil).Once()
	st.On("SetCustomerOptOut", mock.Anything, "cust-1", true).Return(nil).Once()

	err := eng.HandleInbound(testCtx(), inboundEvent("wamid-1", "60123456789", "STOP", ""))
	require.NoError(t, err)

	st.AssertExpectations(t)
	sender.AssertNotCalled(t, "SendText", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleInboundStartContest(t *testing.T) {
	eng, st, sender, _ := newTestEngine(t)
	customer := &model.Customer{ID: "cust-1", PhoneNumber: "60123456789", Name: "Aida"}
	contest := model.Contest{
		ID: "contest-1", Name: "Mega Sale", Status: model.ContestStatusActive,
		Keywords:            model.EncodeTokenList([]string{"join"}),
		IntroductionMessage: "Welcome to {contest_name}!",
	}
	steps := pdpaReceiptScript("contest-1")

	st.On("InTransaction", mock.Anything, mock.Anything).Return(nil)
	st.On("RecordInbound", mock.Anything, mock.Anything).Return(true, nil).Once()
	st.On("FindOrCreateCustomer", mock.Anything, "60123456789").Return(customer, nil).Once()
	st.On("AttributeInbound", mock.Anything, mock.Anything, "cust-1").Return(nil).Once()
	st.On("AcquireConversationLock", mock.Anything, "cust-1").Return(nil).Once()
	st.On("ListOpenProgresses", mock.Anything, "cust-1").Return([]model.UserConversationProgress{}, nil).Once()
	st.On("ListActiveContests", mock.Anything, mock.Anything).Return([]model.Contest{contest}, nil).Once()
	st.On("ListContestSteps", mock.Anything, "contest-1").Return(steps, nil).Once()
	st.On("GetOpenProgress", mock.Anything, "cust-1", "contest-1").Return(nil, apperrors.ErrNotFound).Once()
	st.On("CreateProgress", mock.Anything, mock.MatchedBy(func(p *model.UserConversationProgress) bool {
		return p.CustomerID == "cust-1" && p.ContestID == "contest-1" &&
			p.CurrentStepID != nil && *p.CurrentStepID == 11
	})).Return(nil).Once()

	// Post-commit: introduction plus the first step reply.
	sender.On("SendText", mock.Anything, "60123456789", "Welcome to Mega Sale!").
		Return(&transport.SendResult{GatewayMessageID: "gw-1"}, nil).Once()
	sender.On("SendText", mock.Anything, "60123456789", "Do you consent, Aida?").
		Return(&transport.SendResult{GatewayMessageID: "gw-2"}, nil).Once()
	st.On("RecordOutbound", mock.Anything, mock.MatchedBy(func(m *model.MessageLog) bool {
		return m.Direction == model.MessageDirectionOut && m.DeliveryStatus == model.MessageDeliverySent
	})).Return(nil).Twice()

	err := eng.HandleInbound(testCtx(), inboundEvent("wamid-2", "60123456789", "JOIN please", ""))
	require.NoError(t, err)

	st.AssertExpectations(t)
	sender.AssertExpectations(t)
}

func TestHandleInboundPdpaYesCreatesEntry(t *testing.T) {
	eng, st, sender, _ := newTestEngine(t)
	customer := &model.Customer{ID: "cust-1", PhoneNumber: "60123456789", Name: "Aida"}
	contest := model.Contest{ID: "contest-1", Name: "Mega Sale", Status: model.ContestStatusActive}
	steps := pdpaReceiptScript("contest-1")
	stepID := int64(11)
	progress := model.UserConversationProgress{
		ID: 7, CustomerID: "cust-1", ContestID: "contest-1",
		CurrentStepID: &stepID, LastInteractionAt: time.Now(), Version: 2,
	}

	st.On("InTransaction", mock.Anything, mock.Anything).Return(nil)
	st.On("RecordInbound", mock.Anything, mock.Anything).Return(true, nil).Once()
	st.On("FindOrCreateCustomer", mock.Anything, "60123456789").Return(customer, nil).Once()
	st.On("AttributeInbound", mock.Anything, mock.Anything, "cust-1").Return(nil).Once()
	st.On("AcquireConversationLock", mock.Anything, "cust-1").Return(nil).Once()
	st.On("ListOpenProgresses", mock.Anything, "cust-1").Return([]model.UserConversationProgress{progress}, nil).Once()
	st.On("GetContest", mock.Anything, "contest-1").Return(&contest, nil).Once()
	st.On("ListContestSteps", mock.Anything, "contest-1").Return(steps, nil).Once()
	st.On("ListActiveContests", mock.Anything, mock.Anything).Return([]model.Contest{}, nil).Once()

	st.On("SetCustomerConsent", mock.Anything, "cust-1", true, mock.Anything).Return(nil).Once()
	st.On("AdvanceProgress", mock.Anything, int64(7), mock.MatchedBy(func(id *int64) bool {
		return id != nil && *id == 12
	}), 2).Return(nil).Once()

	// Arrival at the receipt step opens the entry in awaiting_receipt.
	st.On("GetOpenEntry", mock.Anything, "cust-1", "contest-1").Return(nil, apperrors.ErrNotFound).Once()
	st.On("CountEntries", mock.Anything, "cust-1", "contest-1").Return(int64(0), nil).Once()
	st.On("CreateEntry", mock.Anything, mock.MatchedBy(func(e *model.ContestEntry) bool {
		return e.Status == model.EntryStatusPending && e.Attempt == 1
	})).Run(func(args mock.Arguments) {
		args.Get(1).(*model.ContestEntry).ID = 42
	}).Return(nil).Once()
	st.On("SetEntryStatus", mock.Anything, int64(42), model.EntryStatusAwaitingReceipt, "").Return(nil).Once()

	sender.On("SendText", mock.Anything, "60123456789", "Please send your receipt").
		Return(&transport.SendResult{GatewayMessageID: "gw-3"}, nil).Once()
	st.On("RecordOutbound", mock.Anything, mock.Anything).Return(nil).Once()

	err := eng.HandleInbound(testCtx(), inboundEvent("wamid-3", "60123456789", "YES", ""))
	require.NoError(t, err)

	st.AssertExpectations(t)
	sender.AssertExpectations(t)
}

func TestHandleInboundPdpaNoClosesConversation(t *testing.T) {
	eng, st, sender, _ := newTestEngine(t)
	customer := &model.Customer{ID: "cust-1", PhoneNumber: "60123456789"}
	contest := model.Contest{ID: "contest-1", Name: "Mega Sale"}
	steps := pdpaReceiptScript("contest-1")
	stepID := int64(11)
	progress := model.UserConversationProgress{
		ID: 7, CustomerID: "cust-1", ContestID: "contest-1",
		CurrentStepID: &stepID, LastInteractionAt: time.Now(), Version: 1,
	}

	st.On("InTransaction", mock.Anything, mock.Anything).Return(nil)
	st.On("RecordInbound", mock.Anything, mock.Anything).Return(true, nil).Once()
	st.On("FindOrCreateCustomer", mock.Anything, "60123456789").Return(customer, nil).Once()
	st.On("AttributeInbound", mock.Anything, mock.Anything, "cust-1").Return(nil).Once()
	st.On("AcquireConversationLock", mock.Anything, "cust-1").Return(nil).Once()
	st.On("ListOpenProgresses", mock.Anything, "cust-1").Return([]model.UserConversationProgress{progress}, nil).Once()
	st.On("GetContest", mock.Anything, "contest-1").Return(&contest, nil).Once()
	st.On("ListContestSteps", mock.Anything, "contest-1").Return(steps, nil).Once()
	st.On("ListActiveContests", mock.Anything, mock.Anything).Return([]model.Contest{}, nil).Once()

	st.On("SetCustomerConsent", mock.Anything, "cust-1", false, mock.Anything).Return(nil).Once()
	st.On("CompleteProgress", mock.Anything, int64(7), 1).Return(nil).Once()

	err := eng.HandleInbound(testCtx(), inboundEvent("wamid-4", "60123456789", "tidak", ""))
	require.NoError(t, err)

	st.AssertExpectations(t)
	sender.AssertNotCalled(t, "SendText", mock.Anything, mock.Anything, mock.Anything)
	st.AssertNotCalled(t, "CreateEntry", mock.Anything, mock.Anything)
}

func TestHandleInboundMediaOnlyAttachesReceipt(t *testing.T) {
	eng, st, _, queue := newTestEngine(t)
	customer := &model.Customer{ID: "cust-1", PhoneNumber: "60123456789"}
	contest := model.Contest{ID: "contest-1", Name: "Mega Sale"}
	steps := pdpaReceiptScript("contest-1")
	stepID := int64(12) // receipt step, last in the script
	progress := model.UserConversationProgress{
		ID: 7, CustomerID: "cust-1", ContestID: "contest-1",
		CurrentStepID: &stepID, LastInteractionAt: time.Now(), Version: 3,
	}
	entry := &model.ContestEntry{ID: 42, CustomerID: "cust-1", ContestID: "contest-1", Status: model.EntryStatusAwaitingReceipt}

	st.On("InTransaction", mock.Anything, mock.Anything).Return(nil)
	st.On("RecordInbound", mock.Anything, mock.Anything).Return(true, nil).Once()
	st.On("FindOrCreateCustomer", mock.Anything, "60123456789").Return(customer, nil).Once()
	st.On("AttributeInbound", mock.Anything, mock.Anything, "cust-1").Return(nil).Once()
	st.On("AcquireConversationLock", mock.Anything, "cust-1").Return(nil).Once()
	st.On("ListOpenProgresses", mock.Anything, "cust-1").Return([]model.UserConversationProgress{progress}, nil).Once()
	st.On("GetContest", mock.Anything, "contest-1").Return(&contest, nil).Once()
	st.On("ListContestSteps", mock.Anything, "contest-1").Return(steps, nil).Once()

	st.On("GetOpenEntry", mock.Anything, "cust-1", "contest-1").Return(entry, nil).Once()
	st.On("SetEntryReceipt", mock.Anything, int64(42), "https://media.example/r.jpg").Return(nil).Once()
	st.On("CompleteProgress", mock.Anything, int64(7), 3).Return(nil).Once()

	queue.On("EnqueueReceiptJob", mock.Anything, mock.MatchedBy(func(j model.ReceiptJob) bool {
		return j.EntryID == 42 && j.TenantID == testTenantID && j.ImageURL == "https://media.example/r.jpg"
	})).Return(nil).Once()

	err := eng.HandleInbound(testCtx(), inboundEvent("wamid-5", "60123456789", "", "https://media.example/r.jpg"))
	require.NoError(t, err)

	st.AssertExpectations(t)
	queue.AssertExpectations(t)
}

func TestHandleInboundFreeFormDetailsCapture(t *testing.T) {
	eng, st, sender, _ := newTestEngine(t)
	customer := &model.Customer{ID: "cust-1", PhoneNumber: "60123456789", Name: "Aida"}
	contest := model.Contest{ID: "contest-1", Name: "Mega Sale"}
	steps := []model.ConversationStep{
		{ID: 11, ContestID: "contest-1", StepOrder: 1, StepName: "pdpa", StepKind: model.StepKindPdpa, WaitForResponse: true},
		{ID: 12, ContestID: "contest-1", StepOrder: 2, StepName: "details", StepKind: model.StepKindDetails, WaitForResponse: true},
		{ID: 13, ContestID: "contest-1", StepOrder: 3, StepName: "receipt", StepKind: model.StepKindReceipt, AutoReplyMessage: "Please send your receipt", WaitForResponse: true},
	}
	stepID := int64(12)
	progress := model.UserConversationProgress{
		ID: 7, CustomerID: "cust-1", ContestID: "contest-1",
		CurrentStepID: &stepID, LastInteractionAt: time.Now(), Version: 4,
	}
	created := &model.ContestEntry{ID: 42, CustomerID: "cust-1", ContestID: "contest-1", Status: model.EntryStatusPending}

	st.On("InTransaction", mock.Anything, mock.Anything).Return(nil)
	st.On("RecordInbound", mock.Anything, mock.Anything).Return(true, nil).Once()
	st.On("FindOrCreateCustomer", mock.Anything, "60123456789").Return(customer, nil).Once()
	st.On("AttributeInbound", mock.Anything, mock.Anything, "cust-1").Return(nil).Once()
	st.On("AcquireConversationLock", mock.Anything, "cust-1").Return(nil).Once()
	st.On("ListOpenProgresses", mock.Anything, "cust-1").Return([]model.UserConversationProgress{progress}, nil).Once()
	st.On("GetContest", mock.Anything, "contest-1").Return(&contest, nil).Once()
	st.On("ListContestSteps", mock.Anything, "contest-1").Return(steps, nil).Once()
	st.On("ListActiveContests", mock.Anything, mock.Anything).Return([]model.Contest{}, nil).Once()

	// The answer opens the entry and is stashed under the step name.
	st.On("GetOpenEntry", mock.Anything, "cust-1", "contest-1").Return(nil, apperrors.ErrNotFound).Once()
	st.On("CountEntries", mock.Anything, "cust-1", "contest-1").Return(int64(0), nil).Once()
	st.On("CreateEntry", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		args.Get(1).(*model.ContestEntry).ID = 42
	}).Return(nil).Once()
	st.On("SetEntryFreeText", mock.Anything, int64(42), mock.Anything).Return(nil).Once()
	st.On("UpdateCustomer", mock.Anything, mock.MatchedBy(func(c *model.Customer) bool {
		return c.NRIC == "S1234567A" && c.Address == "12 Jalan Bukit"
	})).Return(nil).Once()

	st.On("AdvanceProgress", mock.Anything, int64(7), mock.MatchedBy(func(id *int64) bool {
		return id != nil && *id == 13
	}), 4).Return(nil).Once()

	// Arrival at the receipt step moves the entry forward.
	st.On("GetOpenEntry", mock.Anything, "cust-1", "contest-1").Return(created, nil).Once()
	st.On("SetEntryStatus", mock.Anything, int64(42), model.EntryStatusAwaitingReceipt, "").Return(nil).Once()

	sender.On("SendText", mock.Anything, "60123456789", "Please send your receipt").
		Return(&transport.SendResult{GatewayMessageID: "gw-9"}, nil).Once()
	st.On("RecordOutbound", mock.Anything, mock.Anything).Return(nil).Once()

	err := eng.HandleInbound(testCtx(), inboundEvent("wamid-8", "60123456789", "S1234567A 12 Jalan Bukit", ""))
	require.NoError(t, err)

	st.AssertExpectations(t)
	sender.AssertExpectations(t)
}

func TestHandleInboundSendFailureDoesNotFailEvent(t *testing.T) {
	eng, st, sender, _ := newTestEngine(t)
	customer := &model.Customer{ID: "cust-1", PhoneNumber: "60123456789"}
	contest := model.Contest{
		ID: "contest-1", Name: "Mega Sale", Status: model.ContestStatusActive,
		Keywords: model.EncodeTokenList([]string{"join"}),
	}
	steps := pdpaReceiptScript("contest-1")

	st.On("InTransaction", mock.Anything, mock.Anything).Return(nil)
	st.On("RecordInbound", mock.Anything, mock.Anything).Return(true, nil).Once()
	st.On("FindOrCreateCustomer", mock.Anything, "60123456789").Return(customer, nil).Once()
	st.On("AttributeInbound", mock.Anything, mock.Anything, "cust-1").Return(nil).Once()
	st.On("AcquireConversationLock", mock.Anything, "cust-1").Return(nil).Once()
	st.On("ListOpenProgresses", mock.Anything, "cust-1").Return([]model.UserConversationProgress{}, nil).Once()
	st.On("ListActiveContests", mock.Anything, mock.Anything).Return([]model.Contest{contest}, nil).Once()
	st.On("ListContestSteps", mock.Anything, "contest-1").Return(steps, nil).Once()
	st.On("GetOpenProgress", mock.Anything, "cust-1", "contest-1").Return(nil, apperrors.ErrNotFound).Once()
	st.On("CreateProgress", mock.Anything, mock.Anything).Return(nil).Once()

	sender.On("SendText", mock.Anything, "60123456789", mock.Anything).
		Return(nil, apperrors.ErrTransportUnavailable).Once()
	st.On("RecordOutbound", mock.Anything, mock.MatchedBy(func(m *model.MessageLog) bool {
		return m.DeliveryStatus == model.MessageDeliveryFailed
	})).Return(nil).Once()

	err := eng.HandleInbound(testCtx(), inboundEvent("wamid-6", "60123456789", "join", ""))
	require.NoError(t, err)

	st.AssertExpectations(t)
	sender.AssertExpectations(t)
}

func TestHandleInboundRollsBackOnStoreError(t *testing.T) {
	eng, st, sender, _ := newTestEngine(t)
	dbErr := errors.New("connection reset")

	st.On("InTransaction", mock.Anything, mock.Anything).Return(nil)
	st.On("RecordInbound", mock.Anything, mock.Anything).Return(false, dbErr).Once()

	err := eng.HandleInbound(testCtx(), inboundEvent("wamid-7", "60123456789", "join", ""))
	require.Error(t, err)
	assert.ErrorIs(t, err, dbErr)
	sender.AssertNotCalled(t, "SendText", mock.Anything, mock.Anything, mock.Anything)
}

func TestRender(t *testing.T) {
	out := Render("Hi {customer_name}, welcome to {contest_name}!", templateVars("Aida", "Mega Sale"))
	assert.Equal(t, "Hi Aida, welcome to Mega Sale!", out)

	// Unknown placeholders pass through untouched.
	out = Render("Code: {promo_code}", templateVars("Aida", "Mega Sale"))
	assert.Equal(t, "Code: {promo_code}", out)

	assert.Equal(t, "", Render("", templateVars("a", "b")))
}

func TestHandleInboundRetriesOnceOnStaleProgress(t *testing.T) {
	eng, st, _, _ := newTestEngine(t)

	st.On("InTransaction", mock.Anything, mock.Anything).
		Return(fmt.Errorf("%w: progress 7", apperrors.ErrStaleProgress)).Once()
	st.On("InTransaction", mock.Anything, mock.Anything).Return(nil).Once()
	st.On("RecordInbound", mock.Anything, mock.Anything).Return(false, nil).Once()

	err := eng.HandleInbound(testCtx(), inboundEvent("wamid-stale", "60123456789", "JOIN", ""))
	require.NoError(t, err)
	st.AssertExpectations(t)
}

func TestHandleInboundStaleProgressTwiceRollsBack(t *testing.T) {
	eng, st, _, _ := newTestEngine(t)

	staleErr := fmt.Errorf("%w: progress 7", apperrors.ErrStaleProgress)
	st.On("InTransaction", mock.Anything, mock.Anything).Return(staleErr).Twice()

	err := eng.HandleInbound(testCtx(), inboundEvent("wamid-stale-2", "60123456789", "JOIN", ""))
	require.ErrorIs(t, err, apperrors.ErrStaleProgress)
	st.AssertExpectations(t)
}
