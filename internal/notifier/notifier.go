package notifier

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-contest-engine/internal/engine"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/model"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/observer"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/storage"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/tenant"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/transport"
	"gitlab.com/timkado/api/daisi-contest-engine/pkg/logger"
	"gitlab.com/timkado/api/daisi-contest-engine/pkg/utils"
)

const (
	defaultPollInterval = 30 * time.Second
	batchSize           = 50

	// defaultDedupWindow suppresses a second notification for the same
	// outcome, which otherwise happens when an operator re-saves an entry.
	defaultDedupWindow = 24 * time.Hour
)

// Notifier tells customers the outcome of their entries. It polls for
// adjudicated entries whose customers have not heard the result yet.
type Notifier struct {
	store       storage.Store
	sender      transport.Sender
	companyID   string
	interval    time.Duration
	dedupWindow time.Duration
	logger      *zap.Logger

	stopWg sync.WaitGroup
	cancel context.CancelFunc
}

func New(store storage.Store, sender transport.Sender, companyID string, interval time.Duration, baseLogger *zap.Logger) *Notifier {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Notifier{
		store:       store,
		sender:      sender,
		companyID:   companyID,
		interval:    interval,
		dedupWindow: defaultDedupWindow,
		logger:      baseLogger.Named("notifier"),
	}
}

// WithDedupWindow overrides how long a repeated outcome stays suppressed.
func (n *Notifier) WithDedupWindow(window time.Duration) *Notifier {
	if window > 0 {
		n.dedupWindow = window
	}
	return n
}

// Start polls until ctx is cancelled.
func (n *Notifier) Start(ctx context.Context) {
	derivedCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.stopWg.Add(1)
	go func() {
		defer n.stopWg.Done()
		ticker := time.NewTicker(n.interval)
		defer ticker.Stop()

		n.logger.Info("Notifier started", zap.Duration("interval", n.interval))
		for {
			select {
			case <-derivedCtx.Done():
				return
			case <-ticker.C:
				n.RunOnce(derivedCtx)
			}
		}
	}()
}

// Stop halts the polling loop.
func (n *Notifier) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.stopWg.Wait()
	n.logger.Info("Notifier stopped")
}

// RunOnce processes one batch of entries awaiting notification.
func (n *Notifier) RunOnce(ctx context.Context) {
	ctx = tenant.WithCompanyID(ctx, n.companyID)
	ctx = logger.WithLogger(ctx, n.logger)

	entries, err := n.store.ListEntriesAwaitingNotification(ctx, batchSize)
	if err != nil {
		n.logger.Error("Failed to list entries awaiting notification", zap.Error(err))
		return
	}
	for i := range entries {
		if err := n.notify(ctx, &entries[i]); err != nil {
			n.logger.Error("Failed to notify entry outcome",
				zap.Int64("entry_id", entries[i].ID), zap.Error(err))
		}
	}
}

// notify sends the outcome template for one entry and marks it terminal.
func (n *Notifier) notify(ctx context.Context, entry *model.ContestEntry) error {
	now := utils.Now()

	if n.suppressed(entry, now) {
		// Already told within the window; finish the transition quietly,
		// keeping the original notification timestamp.
		observer.IncNotificationsSuppressed(n.companyID, entry.Status)
		return n.store.MarkEntryNotified(ctx, entry.ID, entry.Status, *entry.LastCustomerNotificationAt)
	}

	contest, err := n.store.GetContest(ctx, entry.ContestID)
	if err != nil {
		return err
	}
	customer, err := n.store.FindCustomerByID(ctx, entry.CustomerID)
	if err != nil {
		return err
	}
	if customer.OptedOut {
		observer.IncNotificationsSuppressed(n.companyID, entry.Status)
		return n.store.MarkEntryNotified(ctx, entry.ID, entry.Status, now)
	}

	body := n.renderOutcome(entry, contest, customer)
	if body == "" {
		n.logger.Warn("Contest has no outcome template, marking without send",
			zap.String("contest_id", contest.ID), zap.String("status", entry.Status))
		return n.store.MarkEntryNotified(ctx, entry.ID, entry.Status, now)
	}

	res, err := n.sender.SendText(ctx, customer.PhoneNumber, body)
	if err != nil {
		// Leave the entry for the next poll.
		return err
	}

	outbound := &model.MessageLog{
		Direction:        model.MessageDirectionOut,
		CustomerID:       customer.ID,
		ContestID:        &entry.ContestID,
		Body:             body,
		DeliveryStatus:   model.MessageDeliverySent,
		GatewayMessageID: res.GatewayMessageID,
	}
	if err := n.store.RecordOutbound(ctx, outbound); err != nil {
		n.logger.Error("Failed to record outcome notification", zap.Error(err))
	}

	if err := n.store.MarkEntryNotified(ctx, entry.ID, entry.Status, now); err != nil {
		return err
	}
	observer.IncNotificationsSent(n.companyID, entry.Status)
	return nil
}

func (n *Notifier) suppressed(entry *model.ContestEntry, now time.Time) bool {
	return entry.LastCustomerNotificationStatus == entry.Status &&
		entry.LastCustomerNotificationAt != nil &&
		now.Sub(*entry.LastCustomerNotificationAt) < n.dedupWindow
}

func (n *Notifier) renderOutcome(entry *model.ContestEntry, contest *model.Contest, customer *model.Customer) string {
	vars := map[string]string{
		"customer_name": customer.Name,
		"contest_name":  contest.Name,
	}
	switch entry.Status {
	case model.EntryStatusApproved:
		return engine.Render(contest.ApprovalTemplate, vars)
	case model.EntryStatusRejected:
		vars["rejection_reason"] = entry.RejectionReason
		return engine.Render(contest.RejectionTemplate, vars)
	}
	return ""
}
