package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm/schema"
)

// Entry status values. The notified states are terminal for the
// conversation; only an operator reopen moves past them.
const (
	EntryStatusPending           = "pending"
	EntryStatusAwaitingReceipt   = "awaiting_receipt"
	EntryStatusUnderReview       = "under_review"
	EntryStatusApproved          = "approved"
	EntryStatusRejected          = "rejected"
	EntryStatusNotifiedApproved  = "notified_approved"
	EntryStatusNotifiedRejected  = "notified_rejected"
)

// entryTransitions enumerates the permitted forward transitions. Admin reopen
// (adjudicated -> under_review) is a separate, explicit store operation and is
// deliberately absent here.
var entryTransitions = map[string][]string{
	EntryStatusPending:         {EntryStatusAwaitingReceipt},
	EntryStatusAwaitingReceipt: {EntryStatusUnderReview},
	EntryStatusUnderReview:     {EntryStatusApproved, EntryStatusRejected},
	EntryStatusApproved:        {EntryStatusNotifiedApproved},
	EntryStatusRejected:        {EntryStatusNotifiedRejected},
}

// EntryTransitionAllowed reports whether status may move from -> to.
func EntryTransitionAllowed(from, to string) bool {
	for _, next := range entryTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// EntryStatusTerminal reports whether no further transition is possible.
func EntryStatusTerminal(status string) bool {
	return status == EntryStatusNotifiedApproved || status == EntryStatusNotifiedRejected
}

// EntryStatusAdjudicated reports whether the entry has a verdict, notified or
// not. Adjudicated entries are the ones an operator may reopen.
func EntryStatusAdjudicated(status string) bool {
	switch status {
	case EntryStatusApproved, EntryStatusRejected,
		EntryStatusNotifiedApproved, EntryStatusNotifiedRejected:
		return true
	}
	return false
}

// RejectionReasonPipelineFailure marks entries whose receipt pipeline ran out
// of retries and which need manual operator review.
const RejectionReasonPipelineFailure = "pipeline_failure"

// ContestEntry records one submission attempt, from purchase-detail capture
// through adjudication. One open (non-terminal) entry per (customer, contest).
type ContestEntry struct {
	ID              int64          `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	TenantID        string         `json:"tenant_id,omitempty" gorm:"column:tenant_id"`
	CustomerID      string         `json:"customer_id" gorm:"column:customer_id;index"`
	ContestID       string         `json:"contest_id" gorm:"column:contest_id;index"`
	Attempt         int            `json:"attempt" gorm:"column:attempt;default:1"`
	Status          string         `json:"status" gorm:"column:status;index"`
	ReceiptImageURL string         `json:"receipt_image_url,omitempty" gorm:"column:receipt_image_url"`
	OCRResult       datatypes.JSON `json:"ocr_result,omitempty" gorm:"type:jsonb;column:ocr_result"`
	FreeTextAnswers datatypes.JSON `json:"free_text_answers,omitempty" gorm:"type:jsonb;column:free_text_answers"`
	RejectionReason string         `json:"rejection_reason,omitempty" gorm:"column:rejection_reason"`
	OcrPending      bool           `json:"ocr_pending,omitempty" gorm:"column:ocr_pending;default:false"`

	LastCustomerNotificationStatus string     `json:"last_customer_notification_status,omitempty" gorm:"column:last_customer_notification_status"`
	LastCustomerNotificationAt     *time.Time `json:"last_customer_notification_at,omitempty" gorm:"column:last_customer_notification_at"`

	CreatedAt time.Time `json:"created_at,omitempty" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at,omitempty" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the base table name for GORM, respecting the Namer.
func (ContestEntry) TableName(namer schema.Namer) string {
	return namer.TableName("contest_entries")
}

// Open reports whether the entry still accepts conversation side effects.
func (e *ContestEntry) Open() bool {
	return !EntryStatusTerminal(e.Status)
}
