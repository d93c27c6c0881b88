package webhook

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/daisi-contest-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/model"
)

func TestAdminApproveEntry(t *testing.T) {
	srv, _, st := newTestServer(t)

	st.On("SetEntryStatus", mock.Anything, int64(42), model.EntryStatusApproved, "").Return(nil)

	w := doRequest(srv, http.MethodPost, "/admin/entries/42/approve", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	st.AssertExpectations(t)
}

func TestAdminRejectEntryRequiresReason(t *testing.T) {
	srv, _, st := newTestServer(t)

	w := doRequest(srv, http.MethodPost, "/admin/entries/42/reject", []byte(`{}`))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	st.AssertNotCalled(t, "SetEntryStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestAdminRejectEntry(t *testing.T) {
	srv, _, st := newTestServer(t)

	st.On("SetEntryStatus", mock.Anything, int64(42), model.EntryStatusRejected, "blurry receipt").Return(nil)

	w := doRequest(srv, http.MethodPost, "/admin/entries/42/reject", []byte(`{"reason":"blurry receipt"}`))

	assert.Equal(t, http.StatusOK, w.Code)
	st.AssertExpectations(t)
}

func TestAdminApproveInvalidTransition(t *testing.T) {
	srv, _, st := newTestServer(t)

	st.On("SetEntryStatus", mock.Anything, int64(42), model.EntryStatusApproved, "").
		Return(fmt.Errorf("%w: pending -> approved", apperrors.ErrInvalidEntryTransition))

	w := doRequest(srv, http.MethodPost, "/admin/entries/42/approve", nil)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAdminEntryNotFound(t *testing.T) {
	srv, _, st := newTestServer(t)

	st.On("SetEntryStatus", mock.Anything, int64(99), model.EntryStatusApproved, "").
		Return(apperrors.ErrNotFound)

	w := doRequest(srv, http.MethodPost, "/admin/entries/99/approve", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminReopenEntryClearsExhaustedJobs(t *testing.T) {
	srv, _, st := newTestServer(t)

	st.On("ReopenEntry", mock.Anything, int64(42)).Return(nil)
	st.On("ResolveExhaustedJobs", mock.Anything, int64(42)).Return(nil)

	w := doRequest(srv, http.MethodPost, "/admin/entries/42/reopen", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	st.AssertExpectations(t)
}

func TestAdminListEntriesRequiresContest(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := doRequest(srv, http.MethodGet, "/admin/entries", nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminListEntries(t *testing.T) {
	srv, _, st := newTestServer(t)

	st.On("ListEntriesByStatus", mock.Anything, "contest-1", model.EntryStatusUnderReview, 50, 0).
		Return([]model.ContestEntry{{ID: 42, ContestID: "contest-1"}}, nil)

	w := doRequest(srv, http.MethodGet, "/admin/entries?contest_id=contest-1", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Entries []model.ContestEntry `json:"entries"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Entries, 1)
}

func TestAdminCreateContest(t *testing.T) {
	srv, _, st := newTestServer(t)

	var created *model.Contest
	st.On("CreateContest", mock.Anything, mock.Anything, mock.MatchedBy(func(steps []model.ConversationStep) bool {
		return len(steps) == 2 && steps[0].StepOrder == 1 && steps[1].StepOrder == 2
	})).Run(func(args mock.Arguments) {
		created = args.Get(1).(*model.Contest)
	}).Return(nil)

	body := []byte(`{
		"name": "Mega Sale",
		"keywords": ["JOIN", "sale"],
		"introduction_message": "Welcome {customer_name}!",
		"min_purchase_amount": 30,
		"steps": [
			{"step_name": "consent", "step_kind": "pdpa", "wait_for_response": true},
			{"step_name": "receipt", "step_kind": "receipt", "wait_for_response": true}
		]
	}`)
	w := doRequest(srv, http.MethodPost, "/admin/contests", body)

	assert.Equal(t, http.StatusCreated, w.Code)
	if assert.NotNil(t, created) {
		assert.Equal(t, model.ContestStatusDraft, created.Status)
		assert.Equal(t, "tenant-test-1", created.TenantID)
		assert.Equal(t, []string{"join", "sale"}, created.KeywordList())
	}
}

func TestAdminCreateContestRejectsBadStepKind(t *testing.T) {
	srv, _, st := newTestServer(t)

	body := []byte(`{
		"name": "Mega Sale",
		"keywords": ["join"],
		"steps": [{"step_name": "x", "step_kind": "quiz"}]
	}`)
	w := doRequest(srv, http.MethodPost, "/admin/contests", body)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	st.AssertNotCalled(t, "CreateContest", mock.Anything, mock.Anything, mock.Anything)
}

func TestAdminUpdateContestStatus(t *testing.T) {
	srv, _, st := newTestServer(t)

	st.On("UpdateContestStatus", mock.Anything, "contest-1", model.ContestStatusClosed).Return(nil)

	w := doRequest(srv, http.MethodPut, "/admin/contests/contest-1/status", []byte(`{"status":"closed"}`))

	assert.Equal(t, http.StatusOK, w.Code)
	st.AssertExpectations(t)
}

func TestAdminListMessages(t *testing.T) {
	srv, _, st := newTestServer(t)

	st.On("ListMessageLogs", mock.Anything, "cust-1", 50, 0).
		Return([]model.MessageLog{{ID: 1, CustomerID: "cust-1"}}, nil)

	w := doRequest(srv, http.MethodGet, "/admin/customers/cust-1/messages", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	st.AssertExpectations(t)
}
