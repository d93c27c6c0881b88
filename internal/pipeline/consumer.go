package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	internal_js "gitlab.com/timkado/api/daisi-contest-engine/internal/jetstream"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/model"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/observer"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/storage"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/tenant"
	"gitlab.com/timkado/api/daisi-contest-engine/pkg/logger"
	"gitlab.com/timkado/api/daisi-contest-engine/pkg/utils"
)

const (
	defaultJobChanCap = 100
	fetchBatchSize    = 10
	fetchMaxWait      = 5 * time.Second

	// jobMaxDeliver caps JetStream redeliveries of one job message; past it
	// the job is settled as exhausted even if no single stage ran dry.
	jobMaxDeliver = 5
	jobNakDelay   = 30 * time.Second

	sweepInterval = 5 * time.Minute
	// sweepMinAge keeps freshly enqueued entries out of the sweep so the
	// sweeper only re-publishes work lost to a publish failure.
	sweepMinAge   = 10 * time.Minute
	sweepBatch    = 50
)

// Config carries the queue topology and pool sizing for the receipt pipeline.
type Config struct {
	Stream    string
	Subject   string
	AckWait   time.Duration
	Workers   int
	MaxAge    time.Duration
	CompanyID string
}

// Publisher enqueues receipt jobs onto the pipeline stream. It implements
// engine.JobQueue.
type Publisher struct {
	js      internal_js.ClientInterface
	subject string
}

func NewPublisher(js internal_js.ClientInterface, subject string) *Publisher {
	return &Publisher{js: js, subject: subject}
}

// EnqueueReceiptJob publishes one job, partitioned by tenant in the subject.
func (p *Publisher) EnqueueReceiptJob(ctx context.Context, job model.ReceiptJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode receipt job: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", p.subject, job.TenantID)
	if err := p.js.Publish(subject, data, map[string]string{
		"entry_id": fmt.Sprintf("%d", job.EntryID),
	}); err != nil {
		return fmt.Errorf("publish receipt job: %w", err)
	}
	observer.IncPipelineJobsSubmitted(job.TenantID)
	logger.FromContext(ctx).Debug("Receipt job published",
		zap.Int64("entry_id", job.EntryID), zap.String("subject", subject))
	return nil
}

// Consumer pulls receipt jobs off the stream and runs them on a worker pool.
// The shape follows a pull subscription feeding a channel, with a dispatcher
// submitting to ants and a sweeper re-publishing entries whose job got lost.
type Consumer struct {
	cfg       Config
	logger    *zap.Logger
	js        internal_js.ClientInterface
	store     storage.Store
	runner    *Runner
	publisher *Publisher
	pool      *ants.Pool
	jobCh     chan *nats.Msg
	stopWg    sync.WaitGroup
	cancel    context.CancelFunc
}

// NewConsumer creates the consumer and provisions the stream and durable
// consumer on JetStream.
func NewConsumer(cfg Config, baseLogger *zap.Logger, js internal_js.ClientInterface, store storage.Store, runner *Runner, publisher *Publisher) (*Consumer, error) {
	pool, err := ants.NewPool(cfg.Workers,
		ants.WithPanicHandler(func(p interface{}) {
			baseLogger.Error("Panic recovered in pipeline worker", zap.Any("panic", p), zap.Stack("stack"))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline worker pool: %w", err)
	}

	setupCtx := context.Background()
	subjectPattern := cfg.Subject + ".>"
	if err := js.SetupStream(setupCtx, &nats.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{subjectPattern},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    cfg.MaxAge,
	}); err != nil {
		pool.Release()
		return nil, fmt.Errorf("failed to setup pipeline stream '%s': %w", cfg.Stream, err)
	}

	durable := durableName(cfg.Subject)
	if err := js.SetupConsumer(setupCtx, cfg.Stream, &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subjectPattern,
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    jobMaxDeliver,
		AckWait:       cfg.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
		ReplayPolicy:  nats.ReplayInstantPolicy,
	}); err != nil {
		pool.Release()
		return nil, fmt.Errorf("failed to setup pipeline consumer '%s': %w", durable, err)
	}

	return &Consumer{
		cfg:       cfg,
		logger:    baseLogger.Named("receipt_pipeline"),
		js:        js,
		store:     store,
		runner:    runner,
		publisher: publisher,
		pool:      pool,
		jobCh:     make(chan *nats.Msg, defaultJobChanCap),
	}, nil
}

func durableName(subject string) string {
	return strings.ReplaceAll(subject, ".", "_") + "_worker"
}

// Start runs the fetcher, dispatcher and sweeper until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	derivedCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	sub, err := c.js.SubscribePull(c.cfg.Stream, c.cfg.Subject+".>", durableName(c.cfg.Subject))
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create pipeline pull subscription: %w", err)
	}

	c.stopWg.Add(1)
	go c.fetchJobs(derivedCtx, sub)

	c.stopWg.Add(1)
	go c.dispatchJobs(derivedCtx)

	c.stopWg.Add(1)
	go c.sweepPending(derivedCtx)

	c.logger.Info("Receipt pipeline consumer started", zap.Int("workers", c.cfg.Workers))

	<-derivedCtx.Done()
	return nil
}

// Stop drains the loops and releases the pool.
func (c *Consumer) Stop() {
	c.logger.Info("Stopping receipt pipeline consumer...")
	if c.cancel != nil {
		c.cancel()
	}
	c.stopWg.Wait()
	close(c.jobCh)
	c.pool.Release()
	c.logger.Info("Receipt pipeline consumer stopped")
}

func (c *Consumer) fetchJobs(ctx context.Context, sub *nats.Subscription) {
	defer c.stopWg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			observer.IncPipelineFetchRequest()
			msgs, err := sub.Fetch(fetchBatchSize, nats.MaxWait(fetchMaxWait))
			if err != nil {
				if err == context.Canceled || err == nats.ErrTimeout || err == nats.ErrConnectionClosed {
					if ctx.Err() != nil {
						return
					}
					continue
				}
				observer.IncPipelineFetchError()
				c.logger.Error("Fetcher failed to pull receipt jobs", zap.Error(err))
				time.Sleep(1 * time.Second)
				continue
			}
			for _, msg := range msgs {
				select {
				case c.jobCh <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (c *Consumer) dispatchJobs(ctx context.Context) {
	defer c.stopWg.Done()

	for {
		observer.SetPipelineWorkersActive(c.pool.Running())

		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.jobCh:
			if !ok {
				return
			}
			currentMsg := msg
			if err := c.pool.Submit(func() {
				taskCtx, taskCancel := context.WithTimeout(context.Background(), 5*time.Minute)
				defer taskCancel()
				c.handleJob(taskCtx, currentMsg)
			}); err != nil {
				c.logger.Error("Failed to submit receipt job to pool", zap.Error(err))
				if nakErr := currentMsg.NakWithDelay(jobNakDelay); nakErr != nil {
					c.logger.Error("Failed to NAK receipt job", zap.Error(nakErr))
				}
			}
		}
	}
}

// handleJob settles one message: ack on a terminal outcome, delayed NAK on a
// transient error, exhaustion past the redelivery cap.
func (c *Consumer) handleJob(ctx context.Context, msg *nats.Msg) {
	meta, err := msg.Metadata()
	if err != nil {
		c.logger.Error("Failed to read job metadata, terminating message", zap.Error(err))
		if termErr := msg.Term(); termErr != nil {
			c.logger.Error("Failed to terminate malformed job", zap.Error(termErr))
		}
		return
	}

	var job model.ReceiptJob
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		c.logger.Error("Failed to decode receipt job, terminating message",
			zap.Error(err), zap.ByteString("data", msg.Data))
		if termErr := msg.Term(); termErr != nil {
			c.logger.Error("Failed to terminate malformed job", zap.Error(termErr))
		}
		return
	}

	jobCtx := tenant.WithCompanyID(ctx, job.TenantID)
	jobCtx = logger.WithLogger(jobCtx, c.logger.With(
		zap.Int64("entry_id", job.EntryID),
		zap.String("company_id", job.TenantID),
	))

	processErr := c.runner.ProcessJob(jobCtx, job)
	if processErr == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			c.logger.Error("Failed to ACK settled receipt job", zap.Error(ackErr))
		}
		return
	}

	if meta.NumDelivered >= jobMaxDeliver {
		c.logger.Warn("Receipt job redelivery cap reached, recording exhaustion",
			zap.Int64("entry_id", job.EntryID),
			zap.Uint64("num_delivered", meta.NumDelivered),
			zap.Error(processErr),
		)
		if exErr := c.runner.exhaust(jobCtx, job, "delivery", processErr); exErr != nil {
			c.logger.Error("Failed to record exhausted job", zap.Error(exErr))
		}
		if termErr := msg.Term(); termErr != nil {
			c.logger.Error("Failed to terminate exhausted job", zap.Error(termErr))
		}
		return
	}

	c.logger.Warn("Receipt job failed, scheduling redelivery",
		zap.Int64("entry_id", job.EntryID),
		zap.Uint64("num_delivered", meta.NumDelivered),
		zap.Error(processErr),
	)
	if nakErr := msg.NakWithDelay(jobNakDelay); nakErr != nil {
		c.logger.Error("Failed to NAK receipt job", zap.Error(nakErr))
	}
}

// sweepPending re-publishes jobs for entries stuck with ocr_pending set,
// which happens when the post-commit publish failed.
func (c *Consumer) sweepPending(ctx context.Context) {
	defer c.stopWg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepOnce(ctx)
		}
	}
}

func (c *Consumer) sweepOnce(ctx context.Context) {
	ctx = tenant.WithCompanyID(ctx, c.cfg.CompanyID)
	entries, err := c.store.ListEntriesPendingOCR(ctx, utils.Now().Add(-sweepMinAge), sweepBatch)
	if err != nil {
		c.logger.Error("Sweep failed to list pending entries", zap.Error(err))
		return
	}
	for _, entry := range entries {
		if entry.ReceiptImageURL == "" {
			continue
		}
		job := model.ReceiptJob{
			EntryID:    entry.ID,
			ContestID:  entry.ContestID,
			CustomerID: entry.CustomerID,
			TenantID:   entry.TenantID,
			ImageURL:   entry.ReceiptImageURL,
			EnqueuedAt: utils.Now(),
		}
		if err := c.publisher.EnqueueReceiptJob(ctx, job); err != nil {
			c.logger.Error("Sweep failed to re-publish receipt job",
				zap.Int64("entry_id", entry.ID), zap.Error(err))
			continue
		}
		c.logger.Info("Re-published receipt job for stuck entry", zap.Int64("entry_id", entry.ID))
	}
}
