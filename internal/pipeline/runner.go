package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"gitlab.com/timkado/api/daisi-contest-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/model"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/observer"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/storage"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/transport"
	"gitlab.com/timkado/api/daisi-contest-engine/pkg/logger"
	"gitlab.com/timkado/api/daisi-contest-engine/pkg/utils"
)

const (
	// stageRetryBudget retries per stage beyond the first attempt.
	stageRetryBudget = 2
	// stageRetryDelay between stage attempts.
	stageRetryDelay = 30 * time.Second
)

// stageOutput is the JSON shape persisted in the stage ledger.
type stageOutput struct {
	ImageURL string          `json:"image_url,omitempty"`
	Lines    []string        `json:"lines,omitempty"`
	Fields   json.RawMessage `json:"fields,omitempty"`
	Verdict  string          `json:"verdict,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

// Runner executes one receipt job through crop, OCR, parse and validate.
// Stage results are recorded per (entry, stage, attempt); completed stages
// are reused on redelivery so a restart never repeats model calls.
type Runner struct {
	store      storage.Store
	media      transport.ReceiptStore
	cropper    Cropper
	recognizer Recognizer
	parser     Parser

	retryBudget int
	retryDelay  time.Duration
}

// NewRunner builds a runner. media may be nil, in which case receipt images
// are processed from the gateway URL directly instead of being rehosted.
func NewRunner(store storage.Store, media transport.ReceiptStore, cropper Cropper, recognizer Recognizer, parser Parser) *Runner {
	return &Runner{
		store:       store,
		media:       media,
		cropper:     cropper,
		recognizer:  recognizer,
		parser:      parser,
		retryBudget: stageRetryBudget,
		retryDelay:  stageRetryDelay,
	}
}

// WithRetryPolicy overrides the per-stage retry budget and delay.
func (r *Runner) WithRetryPolicy(budget int, delay time.Duration) *Runner {
	if budget >= 0 {
		r.retryBudget = budget
	}
	if delay > 0 {
		r.retryDelay = delay
	}
	return r
}

// ProcessJob runs the job to a terminal outcome. A nil return means the job
// is settled (adjudicated, cancelled, or recorded as exhausted) and the
// message can be acked; an error means transient trouble worth a redelivery.
func (r *Runner) ProcessJob(ctx context.Context, job model.ReceiptJob) error {
	log := logger.FromContext(ctx).With(zap.Int64("entry_id", job.EntryID))
	ctx = logger.WithLogger(ctx, log)
	start := utils.Now()
	defer func() {
		observer.ObservePipelineProcessingDuration(job.TenantID, time.Since(start))
	}()

	entry, err := r.store.GetEntry(ctx, job.EntryID)
	if err != nil {
		if apperrors.IsNotFoundError(err) {
			log.Warn("Receipt job references a missing entry, dropping")
			return nil
		}
		return fmt.Errorf("load entry: %w", err)
	}
	if entry.Status != model.EntryStatusUnderReview || !entry.OcrPending {
		log.Info("Entry no longer awaiting pipeline, dropping job",
			zap.String("status", entry.Status))
		return nil
	}

	contest, err := r.store.GetContest(ctx, job.ContestID)
	if err != nil {
		if apperrors.IsNotFoundError(err) {
			log.Warn("Receipt job references a missing contest, dropping")
			return nil
		}
		return fmt.Errorf("load contest: %w", err)
	}
	if contest.Status == model.ContestStatusClosed {
		// Partial results stay in the stage ledger; the entry keeps its
		// review status but stops waiting on the pipeline.
		log.Info("Contest closed, cancelling receipt job")
		return r.store.SetEntryOCR(ctx, job.EntryID, entry.OCRResult, false)
	}

	job.ImageURL = r.rehost(ctx, job, entry)

	croppedURL, err := r.cropStage(ctx, job)
	if err != nil {
		return r.exhaust(ctx, job, model.StageCrop, err)
	}

	lines, err := r.ocrStage(ctx, job, croppedURL)
	if err != nil {
		return r.exhaust(ctx, job, model.StageOCR, err)
	}

	fields, rawFields, err := r.parseStage(ctx, job, lines, croppedURL)
	if err != nil {
		return r.exhaust(ctx, job, model.StageParse, err)
	}

	verdict := Adjudicate(contest, fields)
	if err := r.recordStage(ctx, job, model.StageValidate, 1, stageOutput{
		Verdict: verdict.Status,
		Reason:  verdict.Reason,
	}, nil); err != nil {
		return err
	}

	if err := r.store.SetEntryOCR(ctx, job.EntryID, datatypes.JSON(rawFields), false); err != nil {
		return fmt.Errorf("store parsed fields: %w", err)
	}
	if err := r.store.SetEntryStatus(ctx, job.EntryID, verdict.Status, verdict.Reason); err != nil {
		return fmt.Errorf("adjudicate entry: %w", err)
	}

	observer.IncPipelineVerdict(job.TenantID, verdict.Status)
	log.Info("Receipt adjudicated",
		zap.String("verdict", verdict.Status),
		zap.String("reason", verdict.Reason),
	)
	return nil
}

// rehost copies the gateway-hosted receipt into object storage; gateway media
// URLs are pre-signed and expire, the durable copy is what operators and
// redeliveries read. Best effort: on failure the original URL is used.
func (r *Runner) rehost(ctx context.Context, job model.ReceiptJob, entry *model.ContestEntry) string {
	if entry.ReceiptImageURL != "" && entry.ReceiptImageURL != job.ImageURL {
		// A previous delivery already rehosted this image.
		return entry.ReceiptImageURL
	}
	if r.media == nil {
		return job.ImageURL
	}
	log := logger.FromContext(ctx)

	data, err := r.media.FetchMedia(ctx, job.ImageURL)
	if err != nil {
		log.Warn("Failed to fetch receipt media, processing gateway URL", zap.Error(err))
		return job.ImageURL
	}
	durable, err := r.media.UploadReceipt(ctx, data, fmt.Sprintf("entry-%d-%d.jpg", job.EntryID, entry.Attempt))
	if err != nil {
		log.Warn("Failed to upload receipt to object storage, processing gateway URL", zap.Error(err))
		return job.ImageURL
	}
	if err := r.store.UpdateEntryReceiptURL(ctx, job.EntryID, durable); err != nil {
		log.Warn("Failed to persist rehosted receipt URL", zap.Error(err))
	}
	return durable
}

// cropStage returns the image the OCR stage should read. Detection failure
// falls back to the original upload after the retry budget; only the other
// stages can exhaust the job.
func (r *Runner) cropStage(ctx context.Context, job model.ReceiptJob) (string, error) {
	out, err := r.runStage(ctx, job, model.StageCrop, func(attemptCtx context.Context) (stageOutput, error) {
		cropped, cropErr := r.cropper.Crop(attemptCtx, job.ImageURL)
		if cropErr != nil {
			return stageOutput{}, cropErr
		}
		return stageOutput{ImageURL: cropped}, nil
	})
	if err != nil {
		logger.FromContext(ctx).Warn("Crop stage failed, using original image", zap.Error(err))
		return job.ImageURL, nil
	}
	return out.ImageURL, nil
}

func (r *Runner) ocrStage(ctx context.Context, job model.ReceiptJob, imageURL string) ([]string, error) {
	out, err := r.runStage(ctx, job, model.StageOCR, func(attemptCtx context.Context) (stageOutput, error) {
		text, ocrErr := r.recognizer.Recognize(attemptCtx, imageURL)
		if ocrErr != nil {
			return stageOutput{}, ocrErr
		}
		return stageOutput{Lines: CleanOCRText(text)}, nil
	})
	if err != nil {
		return nil, err
	}
	return out.Lines, nil
}

func (r *Runner) parseStage(ctx context.Context, job model.ReceiptJob, lines []string, imageURL string) (model.ReceiptFields, []byte, error) {
	out, err := r.runStage(ctx, job, model.StageParse, func(attemptCtx context.Context) (stageOutput, error) {
		raw, parseErr := r.parser.Parse(attemptCtx, strings.Join(lines, "\n"), imageURL)
		if parseErr != nil {
			return stageOutput{}, parseErr
		}
		fields := model.DecodeReceiptFields(raw)
		encoded, _ := json.Marshal(fields)
		return stageOutput{Fields: encoded}, nil
	})
	if err != nil {
		return model.ReceiptFields{}, nil, err
	}
	return model.DecodeReceiptFields(out.Fields), out.Fields, nil
}

// runStage reuses a completed ledger row when one exists, otherwise attempts
// the stage up to 1 + retryBudget times with a fixed delay, recording every
// attempt.
func (r *Runner) runStage(ctx context.Context, job model.ReceiptJob, stage string, attempt func(context.Context) (stageOutput, error)) (stageOutput, error) {
	log := logger.FromContext(ctx)

	if prior, err := r.store.GetCompletedStageResult(ctx, job.EntryID, stage); err == nil && prior != nil {
		var out stageOutput
		if decErr := json.Unmarshal(prior.Output, &out); decErr == nil {
			log.Debug("Reusing completed stage result",
				zap.String("stage", stage), zap.Int("attempt", prior.Attempt))
			return out, nil
		}
	} else if err != nil && !apperrors.IsNotFoundError(err) {
		return stageOutput{}, fmt.Errorf("lookup stage ledger: %w", err)
	}

	var lastErr error
	for n := 1; n <= 1+r.retryBudget; n++ {
		if n > 1 {
			observer.IncPipelineStageRetry(job.TenantID, stage)
			select {
			case <-ctx.Done():
				return stageOutput{}, ctx.Err()
			case <-time.After(r.retryDelay):
			}
		}

		out, err := attempt(ctx)
		if err == nil {
			if recErr := r.recordStage(ctx, job, stage, n, out, nil); recErr != nil {
				return stageOutput{}, recErr
			}
			return out, nil
		}
		lastErr = err
		log.Warn("Pipeline stage attempt failed",
			zap.String("stage", stage), zap.Int("attempt", n), zap.Error(err))
		if recErr := r.recordStage(ctx, job, stage, n, stageOutput{}, err); recErr != nil {
			return stageOutput{}, recErr
		}
	}

	observer.IncPipelineStageFailure(job.TenantID, stage)
	return stageOutput{}, fmt.Errorf("%w: stage %s: %w", apperrors.ErrPipelineFailure, stage, lastErr)
}

// recordStage writes one ledger row.
func (r *Runner) recordStage(ctx context.Context, job model.ReceiptJob, stage string, attempt int, out stageOutput, stageErr error) error {
	encoded, _ := json.Marshal(out)
	result := &model.StageResult{
		EntryID: job.EntryID,
		Stage:   stage,
		Attempt: attempt,
		Status:  model.StageStatusCompleted,
		Output:  encoded,
	}
	if stageErr != nil {
		result.Status = model.StageStatusFailed
		result.Error = stageErr.Error()
		result.Output = nil
	}
	if err := r.store.SaveStageResult(ctx, result); err != nil {
		return fmt.Errorf("record stage %s attempt %d: %w", stage, attempt, err)
	}
	return nil
}

// exhaust settles a job whose stage ran out of retries: the entry stays in
// review with the pipeline marker set and an exhausted-job row is written.
// The customer is not notified; an operator resolves these by hand.
func (r *Runner) exhaust(ctx context.Context, job model.ReceiptJob, stage string, cause error) error {
	log := logger.FromContext(ctx)
	payload, _ := json.Marshal(job)

	if err := r.store.SaveExhaustedJob(ctx, &model.ExhaustedJob{
		EntryID:   job.EntryID,
		Stage:     stage,
		Payload:   payload,
		LastError: cause.Error(),
		FailedAt:  utils.Now(),
	}); err != nil {
		return fmt.Errorf("save exhausted job: %w", err)
	}
	if err := r.store.MarkEntryPipelineFailure(ctx, job.EntryID); err != nil {
		return fmt.Errorf("mark pipeline failure: %w", err)
	}

	observer.IncPipelineJobsExhausted(job.TenantID)
	log.Error("Receipt pipeline exhausted",
		zap.String("stage", stage), zap.Error(cause))
	return nil
}
