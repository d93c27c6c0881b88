package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/datatypes"

	"gitlab.com/timkado/api/daisi-contest-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/model"
	storagemock "gitlab.com/timkado/api/daisi-contest-engine/internal/storage/mock"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/tenant"
	"gitlab.com/timkado/api/daisi-contest-engine/pkg/logger"
)

type cropperFunc func(ctx context.Context, imageURL string) (string, error)

func (f cropperFunc) Crop(ctx context.Context, imageURL string) (string, error) {
	return f(ctx, imageURL)
}

type recognizerFunc func(ctx context.Context, imageURL string) (string, error)

func (f recognizerFunc) Recognize(ctx context.Context, imageURL string) (string, error) {
	return f(ctx, imageURL)
}

type parserFunc func(ctx context.Context, ocrText, imageURL string) ([]byte, error)

func (f parserFunc) Parse(ctx context.Context, ocrText, imageURL string) ([]byte, error) {
	return f(ctx, ocrText, imageURL)
}

func testJob() model.ReceiptJob {
	return model.ReceiptJob{
		EntryID:    42,
		ContestID:  "contest-1",
		CustomerID: "cust-1",
		TenantID:   "tenant-test-1",
		ImageURL:   "https://media.example/r.jpg",
		EnqueuedAt: time.Now(),
	}
}

func reviewEntry() *model.ContestEntry {
	return &model.ContestEntry{
		ID: 42, CustomerID: "cust-1", ContestID: "contest-1",
		Status: model.EntryStatusUnderReview, OcrPending: true,
		ReceiptImageURL: "https://media.example/r.jpg",
	}
}

func newRunnerTest(t *testing.T, cropper Cropper, recognizer Recognizer, parser Parser) (*Runner, *storagemock.StoreMock, context.Context) {
	t.Helper()
	logger.Log = zaptest.NewLogger(t)
	st := new(storagemock.StoreMock)
	r := NewRunner(st, nil, cropper, recognizer, parser)
	r.retryDelay = 0
	return r, st, tenant.WithCompanyID(context.Background(), "tenant-test-1")
}

func TestProcessJobHappyPath(t *testing.T) {
	fields := model.ReceiptFields{
		StoreName:   "99 Speedmart",
		AmountSpent: "RM 45.90",
		Items:       []model.ReceiptItem{{Name: "Milo 1KG", Qty: 2}},
	}
	rawFields, _ := json.Marshal(fields)

	r, st, ctx := newRunnerTest(t,
		cropperFunc(func(ctx context.Context, imageURL string) (string, error) {
			return "https://media.example/r-cropped.jpg", nil
		}),
		recognizerFunc(func(ctx context.Context, imageURL string) (string, error) {
			assert.Equal(t, "https://media.example/r-cropped.jpg", imageURL)
			return "- Milo 1KG RM 12.90\nTHANK YOU\nTotal RM 45.90", nil
		}),
		parserFunc(func(ctx context.Context, ocrText, imageURL string) ([]byte, error) {
			assert.Contains(t, ocrText, "Milo 1KG RM 12.90")
			assert.NotContains(t, ocrText, "THANK YOU")
			return rawFields, nil
		}),
	)
	contest := &model.Contest{
		ID: "contest-1", Status: model.ContestStatusActive,
		MinPurchaseAmount: 30, RequiredProducts: model.EncodeTokenList([]string{"milo"}),
	}

	st.On("GetEntry", mock.Anything, int64(42)).Return(reviewEntry(), nil).Once()
	st.On("GetContest", mock.Anything, "contest-1").Return(contest, nil).Once()
	st.On("GetCompletedStageResult", mock.Anything, int64(42), mock.Anything).Return(nil, apperrors.ErrNotFound).Times(3)
	st.On("SaveStageResult", mock.Anything, mock.MatchedBy(func(res *model.StageResult) bool {
		return res.EntryID == 42 && res.Status == model.StageStatusCompleted && res.Attempt == 1
	})).Return(nil).Times(4)
	st.On("SetEntryOCR", mock.Anything, int64(42), mock.Anything, false).Return(nil).Once()
	st.On("SetEntryStatus", mock.Anything, int64(42), model.EntryStatusApproved, "").Return(nil).Once()

	err := r.ProcessJob(ctx, testJob())
	require.NoError(t, err)
	st.AssertExpectations(t)
}

func TestProcessJobDropsSettledEntry(t *testing.T) {
	r, st, ctx := newRunnerTest(t, nil, nil, nil)
	entry := reviewEntry()
	entry.Status = model.EntryStatusApproved
	entry.OcrPending = false

	st.On("GetEntry", mock.Anything, int64(42)).Return(entry, nil).Once()

	err := r.ProcessJob(ctx, testJob())
	require.NoError(t, err)
	st.AssertExpectations(t)
	st.AssertNotCalled(t, "GetContest", mock.Anything, mock.Anything)
}

func TestProcessJobCancelsForClosedContest(t *testing.T) {
	r, st, ctx := newRunnerTest(t, nil, nil, nil)
	entry := reviewEntry()
	entry.OCRResult = datatypes.JSON(`{"store_name":"partial"}`)

	st.On("GetEntry", mock.Anything, int64(42)).Return(entry, nil).Once()
	st.On("GetContest", mock.Anything, "contest-1").
		Return(&model.Contest{ID: "contest-1", Status: model.ContestStatusClosed}, nil).Once()
	st.On("SetEntryOCR", mock.Anything, int64(42), entry.OCRResult, false).Return(nil).Once()

	err := r.ProcessJob(ctx, testJob())
	require.NoError(t, err)
	st.AssertExpectations(t)
	st.AssertNotCalled(t, "SetEntryStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessJobExhaustsAfterOCRBudget(t *testing.T) {
	ocrCalls := 0
	r, st, ctx := newRunnerTest(t,
		cropperFunc(func(ctx context.Context, imageURL string) (string, error) {
			return "https://media.example/r-cropped.jpg", nil
		}),
		recognizerFunc(func(ctx context.Context, imageURL string) (string, error) {
			ocrCalls++
			return "", errors.New("ocr service down")
		}),
		nil,
	)

	st.On("GetEntry", mock.Anything, int64(42)).Return(reviewEntry(), nil).Once()
	st.On("GetContest", mock.Anything, "contest-1").
		Return(&model.Contest{ID: "contest-1", Status: model.ContestStatusActive}, nil).Once()
	st.On("GetCompletedStageResult", mock.Anything, int64(42), mock.Anything).Return(nil, apperrors.ErrNotFound).Twice()
	st.On("SaveStageResult", mock.Anything, mock.MatchedBy(func(res *model.StageResult) bool {
		return res.Stage == model.StageCrop && res.Status == model.StageStatusCompleted
	})).Return(nil).Once()
	st.On("SaveStageResult", mock.Anything, mock.MatchedBy(func(res *model.StageResult) bool {
		return res.Stage == model.StageOCR && res.Status == model.StageStatusFailed
	})).Return(nil).Times(3)
	st.On("SaveExhaustedJob", mock.Anything, mock.MatchedBy(func(job *model.ExhaustedJob) bool {
		return job.EntryID == 42 && job.Stage == model.StageOCR
	})).Return(nil).Once()
	st.On("MarkEntryPipelineFailure", mock.Anything, int64(42)).Return(nil).Once()

	err := r.ProcessJob(ctx, testJob())
	require.NoError(t, err)
	assert.Equal(t, 3, ocrCalls) // initial attempt plus the retry budget
	st.AssertExpectations(t)
	st.AssertNotCalled(t, "SetEntryStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessJobCropFailureFallsBackToOriginal(t *testing.T) {
	var ocrImage string
	fields := model.ReceiptFields{AmountSpent: "RM 45.90"}
	rawFields, _ := json.Marshal(fields)

	r, st, ctx := newRunnerTest(t,
		cropperFunc(func(ctx context.Context, imageURL string) (string, error) {
			return "", errors.New("no region detected")
		}),
		recognizerFunc(func(ctx context.Context, imageURL string) (string, error) {
			ocrImage = imageURL
			return "Total RM 45.90", nil
		}),
		parserFunc(func(ctx context.Context, ocrText, imageURL string) ([]byte, error) {
			return rawFields, nil
		}),
	)

	st.On("GetEntry", mock.Anything, int64(42)).Return(reviewEntry(), nil).Once()
	st.On("GetContest", mock.Anything, "contest-1").
		Return(&model.Contest{ID: "contest-1", Status: model.ContestStatusActive}, nil).Once()
	st.On("GetCompletedStageResult", mock.Anything, int64(42), mock.Anything).Return(nil, apperrors.ErrNotFound).Times(3)
	st.On("SaveStageResult", mock.Anything, mock.Anything).Return(nil)
	st.On("SetEntryOCR", mock.Anything, int64(42), mock.Anything, false).Return(nil).Once()
	st.On("SetEntryStatus", mock.Anything, int64(42), model.EntryStatusApproved, "").Return(nil).Once()

	err := r.ProcessJob(ctx, testJob())
	require.NoError(t, err)
	assert.Equal(t, "https://media.example/r.jpg", ocrImage)
	st.AssertExpectations(t)
}

func TestProcessJobReusesCompletedStage(t *testing.T) {
	cropCalls := 0
	fields := model.ReceiptFields{AmountSpent: "RM 45.90"}
	rawFields, _ := json.Marshal(fields)

	r, st, ctx := newRunnerTest(t,
		cropperFunc(func(ctx context.Context, imageURL string) (string, error) {
			cropCalls++
			return "should-not-run", nil
		}),
		recognizerFunc(func(ctx context.Context, imageURL string) (string, error) {
			assert.Equal(t, "https://media.example/prior-crop.jpg", imageURL)
			return "Total RM 45.90", nil
		}),
		parserFunc(func(ctx context.Context, ocrText, imageURL string) ([]byte, error) {
			return rawFields, nil
		}),
	)
	priorOutput, _ := json.Marshal(stageOutput{ImageURL: "https://media.example/prior-crop.jpg"})

	st.On("GetEntry", mock.Anything, int64(42)).Return(reviewEntry(), nil).Once()
	st.On("GetContest", mock.Anything, "contest-1").
		Return(&model.Contest{ID: "contest-1", Status: model.ContestStatusActive}, nil).Once()
	st.On("GetCompletedStageResult", mock.Anything, int64(42), model.StageCrop).
		Return(&model.StageResult{EntryID: 42, Stage: model.StageCrop, Attempt: 1, Status: model.StageStatusCompleted, Output: priorOutput}, nil).Once()
	st.On("GetCompletedStageResult", mock.Anything, int64(42), mock.Anything).Return(nil, apperrors.ErrNotFound).Twice()
	st.On("SaveStageResult", mock.Anything, mock.Anything).Return(nil)
	st.On("SetEntryOCR", mock.Anything, int64(42), mock.Anything, false).Return(nil).Once()
	st.On("SetEntryStatus", mock.Anything, int64(42), model.EntryStatusApproved, "").Return(nil).Once()

	err := r.ProcessJob(ctx, testJob())
	require.NoError(t, err)
	assert.Zero(t, cropCalls)
	st.AssertExpectations(t)
}

type mediaMock struct {
	mock.Mock
}

func (m *mediaMock) FetchMedia(ctx context.Context, mediaURL string) ([]byte, error) {
	args := m.Called(ctx, mediaURL)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *mediaMock) UploadReceipt(ctx context.Context, data []byte, filename string) (string, error) {
	args := m.Called(ctx, data, filename)
	return args.String(0), args.Error(1)
}

func TestProcessJobRehostsReceiptImage(t *testing.T) {
	var cropImage string
	fields := model.ReceiptFields{AmountSpent: "RM 45.90"}
	rawFields, _ := json.Marshal(fields)

	r, st, ctx := newRunnerTest(t,
		cropperFunc(func(ctx context.Context, imageURL string) (string, error) {
			cropImage = imageURL
			return imageURL, nil
		}),
		recognizerFunc(func(ctx context.Context, imageURL string) (string, error) {
			return "Total RM 45.90", nil
		}),
		parserFunc(func(ctx context.Context, ocrText, imageURL string) ([]byte, error) {
			return rawFields, nil
		}),
	)
	media := new(mediaMock)
	r.media = media

	media.On("FetchMedia", mock.Anything, "https://media.example/r.jpg").
		Return([]byte("image-bytes"), nil).Once()
	media.On("UploadReceipt", mock.Anything, []byte("image-bytes"), mock.Anything).
		Return("https://objects.example/receipts/entry-42-0.jpg", nil).Once()

	st.On("GetEntry", mock.Anything, int64(42)).Return(reviewEntry(), nil).Once()
	st.On("GetContest", mock.Anything, "contest-1").
		Return(&model.Contest{ID: "contest-1", Status: model.ContestStatusActive}, nil).Once()
	st.On("UpdateEntryReceiptURL", mock.Anything, int64(42), "https://objects.example/receipts/entry-42-0.jpg").
		Return(nil).Once()
	st.On("GetCompletedStageResult", mock.Anything, int64(42), mock.Anything).Return(nil, apperrors.ErrNotFound).Times(3)
	st.On("SaveStageResult", mock.Anything, mock.Anything).Return(nil)
	st.On("SetEntryOCR", mock.Anything, int64(42), mock.Anything, false).Return(nil).Once()
	st.On("SetEntryStatus", mock.Anything, int64(42), model.EntryStatusApproved, "").Return(nil).Once()

	err := r.ProcessJob(ctx, testJob())
	require.NoError(t, err)
	assert.Equal(t, "https://objects.example/receipts/entry-42-0.jpg", cropImage)
	media.AssertExpectations(t)
	st.AssertExpectations(t)
}

func TestProcessJobSkipsRehostWhenAlreadyDurable(t *testing.T) {
	fields := model.ReceiptFields{AmountSpent: "RM 45.90"}
	rawFields, _ := json.Marshal(fields)

	r, st, ctx := newRunnerTest(t,
		cropperFunc(func(ctx context.Context, imageURL string) (string, error) {
			assert.Equal(t, "https://objects.example/receipts/entry-42-0.jpg", imageURL)
			return imageURL, nil
		}),
		recognizerFunc(func(ctx context.Context, imageURL string) (string, error) {
			return "Total RM 45.90", nil
		}),
		parserFunc(func(ctx context.Context, ocrText, imageURL string) ([]byte, error) {
			return rawFields, nil
		}),
	)
	media := new(mediaMock)
	r.media = media

	entry := reviewEntry()
	entry.ReceiptImageURL = "https://objects.example/receipts/entry-42-0.jpg"

	st.On("GetEntry", mock.Anything, int64(42)).Return(entry, nil).Once()
	st.On("GetContest", mock.Anything, "contest-1").
		Return(&model.Contest{ID: "contest-1", Status: model.ContestStatusActive}, nil).Once()
	st.On("GetCompletedStageResult", mock.Anything, int64(42), mock.Anything).Return(nil, apperrors.ErrNotFound).Times(3)
	st.On("SaveStageResult", mock.Anything, mock.Anything).Return(nil)
	st.On("SetEntryOCR", mock.Anything, int64(42), mock.Anything, false).Return(nil).Once()
	st.On("SetEntryStatus", mock.Anything, int64(42), model.EntryStatusApproved, "").Return(nil).Once()

	err := r.ProcessJob(ctx, testJob())
	require.NoError(t, err)
	media.AssertNotCalled(t, "FetchMedia", mock.Anything, mock.Anything)
	st.AssertExpectations(t)
}
