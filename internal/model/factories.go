package model

import (
	"encoding/json"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"gorm.io/datatypes"

	"gitlab.com/timkado/api/daisi-contest-engine/pkg/utils"
)

// RandomJSONBMap generates JSON data from a map for testing.
func RandomJSONBMap(data map[string]interface{}) datatypes.JSON {
	bytes, _ := json.Marshal(data)
	return datatypes.JSON(bytes)
}

// init ensures gofakeit is seeded.
func init() {
	gofakeit.Seed(time.Now().UnixNano())
}

func timePtr(t time.Time) *time.Time {
	return &t
}

// NewCustomer creates a new Customer instance with default fake data.
func NewCustomer(overrideDefaults ...*Customer) *Customer {
	base := &Customer{
		ID:          gofakeit.UUID(),
		TenantID:    "tenant_" + gofakeit.LetterN(10),
		PhoneNumber: "60" + gofakeit.DigitN(9),
		Name:        gofakeit.Name(),
		CreatedAt:   utils.Now().Add(-time.Duration(gofakeit.Number(1, 100)) * time.Hour),
		UpdatedAt:   utils.Now(),
	}

	if len(overrideDefaults) > 0 && overrideDefaults[0] != nil {
		ovr := overrideDefaults[0]
		if ovr.ID != "" {
			base.ID = ovr.ID
		}
		if ovr.TenantID != "" {
			base.TenantID = ovr.TenantID
		}
		if ovr.PhoneNumber != "" {
			base.PhoneNumber = ovr.PhoneNumber
		}
		if ovr.Name != "" {
			base.Name = ovr.Name
		}
		if ovr.NRIC != "" {
			base.NRIC = ovr.NRIC
		}
		if ovr.Address != "" {
			base.Address = ovr.Address
		}
		if ovr.PdpaConsent != nil {
			base.PdpaConsent = ovr.PdpaConsent
			base.PdpaAt = ovr.PdpaAt
		}
		if ovr.OptedOut {
			base.OptedOut = true
		}
	}
	return base
}

// NewContest creates a new active Contest instance with default fake data.
func NewContest(overrideDefaults ...*Contest) *Contest {
	base := &Contest{
		ID:                  gofakeit.UUID(),
		TenantID:            "tenant_" + gofakeit.LetterN(10),
		Name:                gofakeit.ProductName(),
		Status:              ContestStatusActive,
		Keywords:            EncodeTokenList([]string{gofakeit.Word()}),
		IntroductionMessage: gofakeit.Sentence(8),
		PdpaMessage:         gofakeit.Sentence(12),
		ApprovalTemplate:    "Congratulations {customer_name}!",
		RejectionTemplate:   "Sorry {customer_name}, your entry was not accepted.",
		MinPurchaseAmount:   float64(gofakeit.Number(10, 100)),
		StartsAt:            timePtr(utils.Now().Add(-24 * time.Hour)),
		EndsAt:              timePtr(utils.Now().Add(24 * time.Hour)),
		CreatedAt:           utils.Now().Add(-48 * time.Hour),
		UpdatedAt:           utils.Now(),
	}

	if len(overrideDefaults) > 0 && overrideDefaults[0] != nil {
		ovr := overrideDefaults[0]
		if ovr.ID != "" {
			base.ID = ovr.ID
		}
		if ovr.TenantID != "" {
			base.TenantID = ovr.TenantID
		}
		if ovr.Name != "" {
			base.Name = ovr.Name
		}
		if ovr.Status != "" {
			base.Status = ovr.Status
		}
		if len(ovr.Keywords) > 0 {
			base.Keywords = ovr.Keywords
		}
		if ovr.IntroductionMessage != "" {
			base.IntroductionMessage = ovr.IntroductionMessage
		}
		if ovr.PdpaMessage != "" {
			base.PdpaMessage = ovr.PdpaMessage
		}
		if ovr.ApprovalTemplate != "" {
			base.ApprovalTemplate = ovr.ApprovalTemplate
		}
		if ovr.RejectionTemplate != "" {
			base.RejectionTemplate = ovr.RejectionTemplate
		}
		if ovr.AutoReplyPriority != 0 {
			base.AutoReplyPriority = ovr.AutoReplyPriority
		}
		if ovr.MinPurchaseAmount != 0 {
			base.MinPurchaseAmount = ovr.MinPurchaseAmount
		}
		if len(ovr.RequiredProducts) > 0 {
			base.RequiredProducts = ovr.RequiredProducts
		}
		if ovr.StartsAt != nil {
			base.StartsAt = ovr.StartsAt
		}
		if ovr.EndsAt != nil {
			base.EndsAt = ovr.EndsAt
		}
		if !ovr.CreatedAt.IsZero() {
			base.CreatedAt = ovr.CreatedAt
		}
	}
	return base
}

// NewConversationStep creates a new ConversationStep with default fake data.
func NewConversationStep(overrideDefaults ...*ConversationStep) *ConversationStep {
	base := &ConversationStep{
		ID:               int64(gofakeit.Number(1, 100000)),
		ContestID:        gofakeit.UUID(),
		StepOrder:        1,
		StepName:         gofakeit.Word(),
		StepKind:         StepKindMessage,
		AutoReplyMessage: gofakeit.Sentence(6),
		WaitForResponse:  true,
		CreatedAt:        utils.Now(),
	}

	if len(overrideDefaults) > 0 && overrideDefaults[0] != nil {
		ovr := overrideDefaults[0]
		if ovr.ID != 0 {
			base.ID = ovr.ID
		}
		if ovr.ContestID != "" {
			base.ContestID = ovr.ContestID
		}
		if ovr.StepOrder != 0 {
			base.StepOrder = ovr.StepOrder
		}
		if ovr.StepName != "" {
			base.StepName = ovr.StepName
		}
		if ovr.StepKind != "" {
			base.StepKind = ovr.StepKind
		}
		if len(ovr.Keywords) > 0 {
			base.Keywords = ovr.Keywords
		}
		if ovr.AutoReplyMessage != "" {
			base.AutoReplyMessage = ovr.AutoReplyMessage
		}
		if ovr.AutoReplyMedia != "" {
			base.AutoReplyMedia = ovr.AutoReplyMedia
		}
		if ovr.AutoAdvance {
			base.AutoAdvance = true
			base.WaitForResponse = false
		}
	}
	return base
}

// NewContestEntry creates a new ContestEntry with default fake data.
func NewContestEntry(overrideDefaults ...*ContestEntry) *ContestEntry {
	base := &ContestEntry{
		ID:         int64(gofakeit.Number(1, 100000)),
		TenantID:   "tenant_" + gofakeit.LetterN(10),
		CustomerID: gofakeit.UUID(),
		ContestID:  gofakeit.UUID(),
		Attempt:    1,
		Status:     EntryStatusPending,
		CreatedAt:  utils.Now(),
		UpdatedAt:  utils.Now(),
	}

	if len(overrideDefaults) > 0 && overrideDefaults[0] != nil {
		ovr := overrideDefaults[0]
		if ovr.ID != 0 {
			base.ID = ovr.ID
		}
		if ovr.TenantID != "" {
			base.TenantID = ovr.TenantID
		}
		if ovr.CustomerID != "" {
			base.CustomerID = ovr.CustomerID
		}
		if ovr.ContestID != "" {
			base.ContestID = ovr.ContestID
		}
		if ovr.Attempt != 0 {
			base.Attempt = ovr.Attempt
		}
		if ovr.Status != "" {
			base.Status = ovr.Status
		}
		if ovr.ReceiptImageURL != "" {
			base.ReceiptImageURL = ovr.ReceiptImageURL
		}
		if len(ovr.OCRResult) > 0 {
			base.OCRResult = ovr.OCRResult
		}
		if len(ovr.FreeTextAnswers) > 0 {
			base.FreeTextAnswers = ovr.FreeTextAnswers
		}
		if ovr.RejectionReason != "" {
			base.RejectionReason = ovr.RejectionReason
		}
		if ovr.OcrPending {
			base.OcrPending = true
		}
	}
	return base
}

// NewProgress creates a new open UserConversationProgress with default fake data.
func NewProgress(overrideDefaults ...*UserConversationProgress) *UserConversationProgress {
	base := &UserConversationProgress{
		ID:                int64(gofakeit.Number(1, 100000)),
		TenantID:          "tenant_" + gofakeit.LetterN(10),
		CustomerID:        gofakeit.UUID(),
		ContestID:         gofakeit.UUID(),
		StartedAt:         utils.Now().Add(-time.Hour),
		LastInteractionAt: utils.Now(),
		CreatedAt:         utils.Now().Add(-time.Hour),
		UpdatedAt:         utils.Now(),
	}

	if len(overrideDefaults) > 0 && overrideDefaults[0] != nil {
		ovr := overrideDefaults[0]
		if ovr.ID != 0 {
			base.ID = ovr.ID
		}
		if ovr.TenantID != "" {
			base.TenantID = ovr.TenantID
		}
		if ovr.CustomerID != "" {
			base.CustomerID = ovr.CustomerID
		}
		if ovr.ContestID != "" {
			base.ContestID = ovr.ContestID
		}
		if ovr.CurrentStepID != nil {
			base.CurrentStepID = ovr.CurrentStepID
		}
		if ovr.Completed {
			base.Completed = true
			base.CompletedAt = ovr.CompletedAt
		}
		if ovr.Version != 0 {
			base.Version = ovr.Version
		}
	}
	return base
}
