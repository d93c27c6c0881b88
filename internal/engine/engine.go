package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"gitlab.com/timkado/api/daisi-contest-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/model"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/observer"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/router"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/storage"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/tenant"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/transport"
	"gitlab.com/timkado/api/daisi-contest-engine/pkg/logger"
	"gitlab.com/timkado/api/daisi-contest-engine/pkg/utils"
)

const (
	// handleTimeout bounds one inbound event end to end, transaction plus
	// outbound sends. The gateway acknowledgement deadline is 10s; the
	// handler acks before HandleInbound runs, so this only caps our own work.
	handleTimeout = 15 * time.Second

	// maxAutoAdvances caps consecutive no-wait steps per event so a
	// misconfigured script cannot loop.
	maxAutoAdvances = 3
)

// JobQueue enqueues receipt pipeline jobs. Implemented by pipeline.Publisher.
type JobQueue interface {
	EnqueueReceiptJob(ctx context.Context, job model.ReceiptJob) error
}

// Engine advances conversations in response to normalized inbound events.
// All state mutation happens inside a single store transaction; outbound
// sends and job enqueues run after commit so a transport failure never rolls
// the conversation back.
type Engine struct {
	store       storage.Store
	sender      transport.Sender
	jobs        JobQueue
	tenantPhone string
}

// NewEngine wires the conversation engine. tenantPhone is the tenant's own
// WhatsApp number before normalization; inbound events from it are dropped.
func NewEngine(store storage.Store, sender transport.Sender, jobs JobQueue, tenantPhone, defaultCountryCode string) *Engine {
	normalized, err := transport.NormalizePhone(tenantPhone, defaultCountryCode)
	if err != nil {
		// An unparseable tenant number disables self-message filtering only.
		logger.Log.Warn("Tenant phone number did not normalize, self-message filtering disabled",
			zap.String("tenant_phone", tenantPhone), zap.Error(err))
		normalized = ""
	}
	return &Engine{
		store:       store,
		sender:      sender,
		jobs:        jobs,
		tenantPhone: normalized,
	}
}

// reply is an outbound message decided inside the transaction and delivered
// after commit.
type reply struct {
	toPhone    string
	body       string
	mediaURL   string
	customerID string
	contestID  string
	stepID     *int64
}

// outcome accumulates the post-commit work of one event.
type outcome struct {
	duplicate bool
	replies   []reply
	jobs      []model.ReceiptJob
}

// HandleInbound processes one normalized inbound event. Returning an error
// means the transaction rolled back and the gateway may redeliver; the
// inbound dedup record rolls back with it.
func (e *Engine) HandleInbound(ctx context.Context, event *model.InboundEvent) error {
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	log := logger.FromContext(ctx).With(zap.String("external_id", event.ExternalID))
	ctx = logger.WithLogger(ctx, log)
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return apperrors.NewFatal(err, "failed to get tenant ID from context")
	}
	start := utils.Now()
	observer.IncWebhooksReceived(companyID)

	if e.tenantPhone != "" && event.FromPhone == e.tenantPhone {
		log.Debug("Dropping self message")
		return nil
	}

	var out outcome
	run := func() error {
		return e.store.InTransaction(ctx, func(tx storage.Store) error {
			out = outcome{}
			return e.process(ctx, tx, event, &out)
		})
	}
	err = run()
	if apperrors.IsStaleProgressError(err) {
		// An admin mutation raced us; one fresh read usually resolves it.
		log.Warn("Conversation progress changed underneath, retrying once", zap.Error(err))
		err = run()
	}
	if err != nil {
		observer.IncWebhooksFailed(companyID)
		log.Error("Inbound event processing failed, transaction rolled back", zap.Error(err))
		return err
	}
	if out.duplicate {
		observer.IncWebhooksDuplicate(companyID)
		return nil
	}

	e.deliver(ctx, out.replies)
	e.enqueue(ctx, out.jobs)

	observer.IncWebhooksProcessed(companyID)
	observer.ObserveInboundProcessingDuration(companyID, time.Since(start))
	return nil
}

// process is the transactional half of HandleInbound.
func (e *Engine) process(ctx context.Context, tx storage.Store, event *model.InboundEvent, out *outcome) error {
	log := logger.FromContext(ctx)

	inbound := &model.MessageLog{
		ExternalMessageID: event.ExternalID,
		Body:              event.Body,
		MediaURL:          event.MediaURL,
	}
	created, err := tx.RecordInbound(ctx, inbound)
	if err != nil {
		return fmt.Errorf("record inbound: %w", err)
	}
	if !created {
		out.duplicate = true
		return nil
	}

	customer, err := tx.FindOrCreateCustomer(ctx, event.FromPhone)
	if err != nil {
		return fmt.Errorf("find or create customer: %w", err)
	}
	// The inbound row predates customer resolution; stamp the sender on it so
	// the per-customer message history includes both directions.
	if err := tx.AttributeInbound(ctx, inbound.ID, customer.ID); err != nil {
		return fmt.Errorf("attribute inbound: %w", err)
	}
	if err := tx.AcquireConversationLock(ctx, customer.ID); err != nil {
		return fmt.Errorf("acquire conversation lock: %w", err)
	}

	token := router.FirstToken(event.Body)
	if router.IsOptOutToken(token) {
		log.Info("Customer opted out", zap.String("customer_id", customer.ID))
		return tx.SetCustomerOptOut(ctx, customer.ID, true)
	}
	if customer.OptedOut {
		log.Debug("Dropping inbound from opted-out customer", zap.String("customer_id", customer.ID))
		return nil
	}

	if event.MediaOnly() {
		return e.attachReceiptMedia(ctx, tx, customer, event, out)
	}

	progresses, err := e.loadProgressContexts(ctx, tx, customer.ID)
	if err != nil {
		return err
	}
	active, err := tx.ListActiveContests(ctx, event.ReceivedAt)
	if err != nil {
		return fmt.Errorf("list active contests: %w", err)
	}

	decision := router.Decide(router.RouteInput{
		Body:           event.Body,
		OpenProgresses: progresses,
		ActiveContests: active,
	})
	companyID, _ := tenant.FromContext(ctx)
	observer.IncRoutingDecision(string(decision.Kind), companyID)

	switch decision.Kind {
	case router.KindStart:
		return e.startContest(ctx, tx, customer, decision.Contest, out)
	case router.KindContinue:
		return e.continueProgress(ctx, tx, customer, decision, event, out)
	case router.KindFreeForm:
		return e.handleFreeForm(ctx, tx, customer, decision.Progress, event, out)
	default:
		log.Debug("Ignoring inbound with no route", zap.String("customer_id", customer.ID))
		return nil
	}
}

// loadProgressContexts assembles the router's view of every open progress.
// Rows come back locked because ListOpenProgresses runs FOR UPDATE in a
// transaction.
func (e *Engine) loadProgressContexts(ctx context.Context, tx storage.Store, customerID string) ([]router.ProgressContext, error) {
	progresses, err := tx.ListOpenProgresses(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("list open progresses: %w", err)
	}
	contexts := make([]router.ProgressContext, 0, len(progresses))
	for _, p := range progresses {
		contest, err := tx.GetContest(ctx, p.ContestID)
		if err != nil {
			if apperrors.IsNotFoundError(err) {
				continue
			}
			return nil, fmt.Errorf("load contest %s: %w", p.ContestID, err)
		}
		steps, err := tx.ListContestSteps(ctx, p.ContestID)
		if err != nil {
			return nil, fmt.Errorf("load steps for contest %s: %w", p.ContestID, err)
		}
		contexts = append(contexts, router.ProgressContext{
			Progress: p,
			Contest:  *contest,
			Steps:    steps,
		})
	}
	return contexts, nil
}

// startContest opens a progress at the first script step and queues the
// introduction plus the first step reply.
func (e *Engine) startContest(ctx context.Context, tx storage.Store, customer *model.Customer, contest *model.Contest, out *outcome) error {
	log := logger.FromContext(ctx)

	steps, err := tx.ListContestSteps(ctx, contest.ID)
	if err != nil {
		return fmt.Errorf("load steps for contest %s: %w", contest.ID, err)
	}
	if len(steps) == 0 {
		log.Warn("Contest matched but has no conversation steps", zap.String("contest_id", contest.ID))
		return nil
	}

	if existing, err := tx.GetOpenProgress(ctx, customer.ID, contest.ID); err == nil && existing != nil {
		// Re-triggering the keyword resends the current step instead of
		// forking a second progress.
		pc := router.ProgressContext{Progress: *existing, Contest: *contest, Steps: steps}
		if cur := pc.CurrentStep(); cur != nil {
			e.queueStepReply(customer, contest, cur, out)
		}
		return nil
	} else if err != nil && !apperrors.IsNotFoundError(err) {
		return fmt.Errorf("lookup open progress: %w", err)
	}

	first := steps[0]
	progress := &model.UserConversationProgress{
		CustomerID:    customer.ID,
		ContestID:     contest.ID,
		CurrentStepID: &first.ID,
	}
	if err := tx.CreateProgress(ctx, progress); err != nil {
		return fmt.Errorf("create progress: %w", err)
	}
	log.Info("Started contest conversation",
		zap.String("customer_id", customer.ID),
		zap.String("contest_id", contest.ID),
	)

	if contest.IntroductionMessage != "" {
		out.replies = append(out.replies, reply{
			toPhone:    customer.PhoneNumber,
			body:       Render(contest.IntroductionMessage, templateVars(customer.Name, contest.Name)),
			customerID: customer.ID,
			contestID:  contest.ID,
		})
	}
	e.queueStepReply(customer, contest, &first, out)
	if err := e.arrivalEffects(ctx, tx, customer, contest, &first, out); err != nil {
		return err
	}
	return e.autoAdvance(ctx, tx, customer, contest, steps, progress, &first, out)
}

// continueProgress applies the matched step transition: side effects of the
// step being answered, then advance and reply.
func (e *Engine) continueProgress(ctx context.Context, tx storage.Store, customer *model.Customer, decision router.Decision, event *model.InboundEvent, out *outcome) error {
	log := logger.FromContext(ctx)
	pc := decision.Progress
	cur := pc.CurrentStep()
	contest := &pc.Contest

	if decision.Consent != nil {
		if err := tx.SetCustomerConsent(ctx, customer.ID, *decision.Consent, event.ReceivedAt); err != nil {
			return fmt.Errorf("record consent: %w", err)
		}
		if !*decision.Consent {
			// Declining consent ends the conversation; no entry is created.
			log.Info("Customer declined consent, closing conversation",
				zap.String("customer_id", customer.ID),
				zap.String("contest_id", contest.ID),
			)
			return tx.CompleteProgress(ctx, pc.Progress.ID, pc.Progress.Version)
		}
	}

	if cur != nil && cur.StepKind == model.StepKindDetails {
		if err := e.captureDetails(ctx, tx, customer, event.Body); err != nil {
			return err
		}
	}
	if cur != nil && cur.StepKind == model.StepKindReceipt && event.HasMedia() {
		if err := e.attachReceiptToEntry(ctx, tx, customer, contest, event.MediaURL, out); err != nil {
			return err
		}
	}

	next := decision.NextStep
	if next == nil {
		return tx.CompleteProgress(ctx, pc.Progress.ID, pc.Progress.Version)
	}
	if err := tx.AdvanceProgress(ctx, pc.Progress.ID, &next.ID, pc.Progress.Version); err != nil {
		return fmt.Errorf("advance progress: %w", err)
	}
	pc.Progress.Version++

	e.queueStepReply(customer, contest, next, out)
	if err := e.arrivalEffects(ctx, tx, customer, contest, next, out); err != nil {
		return err
	}
	return e.autoAdvance(ctx, tx, customer, contest, pc.Steps, &pc.Progress, next, out)
}

// handleFreeForm stashes unmatched text as the answer to the current step.
// A detail-capture step accepts any text as its answer, so it also advances.
func (e *Engine) handleFreeForm(ctx context.Context, tx storage.Store, customer *model.Customer, pc *router.ProgressContext, event *model.InboundEvent, out *outcome) error {
	cur := pc.CurrentStep()
	if cur == nil {
		return nil
	}
	contest := &pc.Contest

	if cur.StepKind != model.StepKindDetails || !cur.WaitForResponse {
		// Outside detail capture, free text is only kept when an entry is
		// already open; it never opens one.
		entry, err := tx.GetOpenEntry(ctx, customer.ID, contest.ID)
		if err != nil {
			if apperrors.IsNotFoundError(err) {
				return nil
			}
			return fmt.Errorf("lookup open entry: %w", err)
		}
		return e.stashAnswer(ctx, tx, entry, cur.StepName, event.Body)
	}

	entry, err := e.ensureEntry(ctx, tx, customer, contest, model.EntryStatusPending)
	if err != nil {
		return err
	}
	if entry != nil {
		if err := e.stashAnswer(ctx, tx, entry, cur.StepName, event.Body); err != nil {
			return err
		}
	}
	if err := e.captureDetails(ctx, tx, customer, event.Body); err != nil {
		return err
	}

	next := pc.NextStep()
	if next == nil {
		return tx.CompleteProgress(ctx, pc.Progress.ID, pc.Progress.Version)
	}
	if err := tx.AdvanceProgress(ctx, pc.Progress.ID, &next.ID, pc.Progress.Version); err != nil {
		return fmt.Errorf("advance progress: %w", err)
	}
	pc.Progress.Version++

	e.queueStepReply(customer, contest, next, out)
	if err := e.arrivalEffects(ctx, tx, customer, contest, next, out); err != nil {
		return err
	}
	return e.autoAdvance(ctx, tx, customer, contest, pc.Steps, &pc.Progress, next, out)
}

// attachReceiptMedia handles a media-only inbound, which bypasses the router:
// the image lands in the receipt slot of the most recent entry awaiting one.
func (e *Engine) attachReceiptMedia(ctx context.Context, tx storage.Store, customer *model.Customer, event *model.InboundEvent, out *outcome) error {
	log := logger.FromContext(ctx)

	progresses, err := e.loadProgressContexts(ctx, tx, customer.ID)
	if err != nil {
		return err
	}
	for i := range progresses {
		pc := &progresses[i]
		cur := pc.CurrentStep()
		if cur == nil || cur.StepKind != model.StepKindReceipt {
			continue
		}
		if err := e.attachReceiptToEntry(ctx, tx, customer, &pc.Contest, event.MediaURL, out); err != nil {
			return err
		}

		next := pc.NextStep()
		if next == nil {
			return tx.CompleteProgress(ctx, pc.Progress.ID, pc.Progress.Version)
		}
		if err := tx.AdvanceProgress(ctx, pc.Progress.ID, &next.ID, pc.Progress.Version); err != nil {
			return fmt.Errorf("advance progress: %w", err)
		}
		pc.Progress.Version++
		e.queueStepReply(customer, &pc.Contest, next, out)
		if err := e.arrivalEffects(ctx, tx, customer, &pc.Contest, next, out); err != nil {
			return err
		}
		return e.autoAdvance(ctx, tx, customer, &pc.Contest, pc.Steps, &pc.Progress, next, out)
	}

	log.Debug("Media inbound with no entry awaiting a receipt, dropping",
		zap.String("customer_id", customer.ID))
	return nil
}

// attachReceiptToEntry moves the open entry to under_review with the image
// attached and queues the pipeline job.
func (e *Engine) attachReceiptToEntry(ctx context.Context, tx storage.Store, customer *model.Customer, contest *model.Contest, mediaURL string, out *outcome) error {
	entry, err := e.ensureEntry(ctx, tx, customer, contest, model.EntryStatusAwaitingReceipt)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}
	if err := tx.SetEntryReceipt(ctx, entry.ID, mediaURL); err != nil {
		return fmt.Errorf("attach receipt to entry %d: %w", entry.ID, err)
	}
	companyID, _ := tenant.FromContext(ctx)
	out.jobs = append(out.jobs, model.ReceiptJob{
		EntryID:    entry.ID,
		ContestID:  contest.ID,
		CustomerID: customer.ID,
		TenantID:   companyID,
		ImageURL:   mediaURL,
		EnqueuedAt: utils.Now(),
	})
	return nil
}

// arrivalEffects runs the side effects of landing on a step: detail-capture
// and receipt steps need an open entry to write into.
func (e *Engine) arrivalEffects(ctx context.Context, tx storage.Store, customer *model.Customer, contest *model.Contest, step *model.ConversationStep, out *outcome) error {
	switch step.StepKind {
	case model.StepKindDetails:
		_, err := e.ensureEntry(ctx, tx, customer, contest, model.EntryStatusPending)
		return err
	case model.StepKindReceipt:
		_, err := e.ensureEntry(ctx, tx, customer, contest, model.EntryStatusAwaitingReceipt)
		return err
	}
	return nil
}

// ensureEntry finds the open entry for (customer, contest), creating one when
// none exists, and walks its status forward to wantStatus if the machine
// allows it. Returns nil without error when the open entry is already past
// wantStatus.
func (e *Engine) ensureEntry(ctx context.Context, tx storage.Store, customer *model.Customer, contest *model.Contest, wantStatus string) (*model.ContestEntry, error) {
	entry, err := tx.GetOpenEntry(ctx, customer.ID, contest.ID)
	if err != nil {
		if !apperrors.IsNotFoundError(err) {
			return nil, fmt.Errorf("lookup open entry: %w", err)
		}
		count, err := tx.CountEntries(ctx, customer.ID, contest.ID)
		if err != nil {
			return nil, fmt.Errorf("count entries: %w", err)
		}
		entry = &model.ContestEntry{
			CustomerID: customer.ID,
			ContestID:  contest.ID,
			Attempt:    int(count) + 1,
			Status:     model.EntryStatusPending,
		}
		if err := tx.CreateEntry(ctx, entry); err != nil {
			return nil, fmt.Errorf("create entry: %w", err)
		}
	}
	if entry.Status == wantStatus {
		return entry, nil
	}
	if model.EntryTransitionAllowed(entry.Status, wantStatus) {
		if err := tx.SetEntryStatus(ctx, entry.ID, wantStatus, ""); err != nil {
			return nil, fmt.Errorf("move entry %d to %s: %w", entry.ID, wantStatus, err)
		}
		entry.Status = wantStatus
		return entry, nil
	}
	return entry, nil
}

// nricPattern matches Singapore NRIC/FIN style identifiers.
var nricPattern = regexp.MustCompile(`(?i)\b[STFGM]\d{7}[A-Z]\b`)

// captureDetails extracts an NRIC from the detail-capture answer and stores
// the remainder as the customer's address. The raw text is also stashed on
// the entry, so nothing is lost if the extraction guesses wrong.
func (e *Engine) captureDetails(ctx context.Context, tx storage.Store, customer *model.Customer, body string) error {
	nric := nricPattern.FindString(body)
	rest := strings.TrimSpace(nricPattern.ReplaceAllString(body, ""))

	changed := false
	if nric != "" && customer.NRIC == "" {
		customer.NRIC = strings.ToUpper(nric)
		changed = true
	}
	if rest != "" && customer.Address == "" {
		customer.Address = rest
		changed = true
	}
	if !changed {
		return nil
	}
	if err := tx.UpdateCustomer(ctx, customer); err != nil {
		return fmt.Errorf("update customer details: %w", err)
	}
	return nil
}

// stashAnswer merges one free-text answer into the entry, keyed by step name.
func (e *Engine) stashAnswer(ctx context.Context, tx storage.Store, entry *model.ContestEntry, stepName, body string) error {
	answers := map[string]string{}
	if len(entry.FreeTextAnswers) > 0 {
		// A corrupt blob is replaced rather than failing the conversation.
		_ = utils.UnmarshalJSON(entry.FreeTextAnswers, &answers)
	}
	answers[stepName] = body
	entry.FreeTextAnswers = datatypes.JSON(utils.MustMarshalJSON(answers))
	if err := tx.SetEntryFreeText(ctx, entry.ID, entry.FreeTextAnswers); err != nil {
		return fmt.Errorf("stash free-text answer: %w", err)
	}
	return nil
}

// queueStepReply renders the step's auto-reply for post-commit delivery.
func (e *Engine) queueStepReply(customer *model.Customer, contest *model.Contest, step *model.ConversationStep, out *outcome) {
	if step.AutoReplyMessage == "" && step.AutoReplyMedia == "" {
		return
	}
	out.replies = append(out.replies, reply{
		toPhone:    customer.PhoneNumber,
		body:       Render(step.AutoReplyMessage, templateVars(customer.Name, contest.Name)),
		mediaURL:   step.AutoReplyMedia,
		customerID: customer.ID,
		contestID:  contest.ID,
		stepID:     &step.ID,
	})
}

// autoAdvance walks consecutive no-wait steps after landing on cur, bounded
// by maxAutoAdvances per event.
func (e *Engine) autoAdvance(ctx context.Context, tx storage.Store, customer *model.Customer, contest *model.Contest, steps []model.ConversationStep, progress *model.UserConversationProgress, cur *model.ConversationStep, out *outcome) error {
	for i := 0; i < maxAutoAdvances; i++ {
		if !cur.AutoAdvance || cur.WaitForResponse {
			return nil
		}
		var next *model.ConversationStep
		for j := range steps {
			if steps[j].StepOrder == cur.StepOrder+1 {
				next = &steps[j]
				break
			}
		}
		if next == nil {
			return tx.CompleteProgress(ctx, progress.ID, progress.Version)
		}
		if err := tx.AdvanceProgress(ctx, progress.ID, &next.ID, progress.Version); err != nil {
			return fmt.Errorf("auto-advance progress: %w", err)
		}
		progress.Version++
		e.queueStepReply(customer, contest, next, out)
		if err := e.arrivalEffects(ctx, tx, customer, contest, next, out); err != nil {
			return err
		}
		cur = next
	}
	return nil
}

// deliver sends the queued replies and records each in the message log.
// Failures are logged and counted, never propagated; the conversation has
// already moved forward.
func (e *Engine) deliver(ctx context.Context, replies []reply) {
	log := logger.FromContext(ctx)

	for _, r := range replies {
		var res *transport.SendResult
		var err error
		if r.mediaURL != "" {
			res, err = e.sender.SendMedia(ctx, r.toPhone, r.body, r.mediaURL)
		} else {
			res, err = e.sender.SendText(ctx, r.toPhone, r.body)
		}

		entry := &model.MessageLog{
			Direction:      model.MessageDirectionOut,
			CustomerID:     r.customerID,
			ContestID:      &r.contestID,
			StepID:         r.stepID,
			Body:           r.body,
			MediaURL:       r.mediaURL,
			DeliveryStatus: model.MessageDeliverySent,
		}
		if err != nil {
			entry.DeliveryStatus = model.MessageDeliveryFailed
			log.Error("Outbound send failed after retries",
				zap.String("customer_id", r.customerID),
				zap.Error(err),
			)
		} else if res != nil {
			entry.GatewayMessageID = res.GatewayMessageID
		}
		if logErr := e.store.RecordOutbound(ctx, entry); logErr != nil {
			log.Error("Failed to record outbound message", zap.Error(logErr))
		}
	}
}

// enqueue publishes the pipeline jobs decided in the transaction. A publish
// failure leaves the entry in under_review with ocr_pending set; the job
// fetcher re-derives pending work from that flag on the next sweep.
func (e *Engine) enqueue(ctx context.Context, jobs []model.ReceiptJob) {
	log := logger.FromContext(ctx)
	for _, job := range jobs {
		if err := e.jobs.EnqueueReceiptJob(ctx, job); err != nil {
			log.Error("Failed to enqueue receipt pipeline job",
				zap.Int64("entry_id", job.EntryID),
				zap.Error(err),
			)
		}
	}
}
