package model

import (
	"encoding/json"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm/schema"
)

// Contest status values.
const (
	ContestStatusDraft  = "draft"
	ContestStatusActive = "active"
	ContestStatusPaused = "paused"
	ContestStatusClosed = "closed"
)

// Step kinds drive the engine's side effects when a customer arrives at a step.
const (
	StepKindMessage = "message"
	StepKindPdpa    = "pdpa"
	StepKindDetails = "details"
	StepKindReceipt = "receipt"
)

// Contest is a keyword-triggered marketing contest owned by a tenant.
// Keywords and RequiredProducts are JSON arrays of case-folded tokens.
type Contest struct {
	ID                  string         `json:"id" gorm:"column:id;primaryKey"`
	TenantID            string         `json:"tenant_id,omitempty" gorm:"column:tenant_id"`
	Name                string         `json:"name" gorm:"column:name"`
	Status              string         `json:"status" gorm:"column:status;index"`
	Keywords            datatypes.JSON `json:"keywords,omitempty" gorm:"type:jsonb;column:keywords"`
	IntroductionMessage string         `json:"introduction_message,omitempty" gorm:"column:introduction_message"`
	PdpaMessage         string         `json:"pdpa_message,omitempty" gorm:"column:pdpa_message"`
	ApprovalTemplate    string         `json:"approval_template,omitempty" gorm:"column:approval_template"`
	RejectionTemplate   string         `json:"rejection_template,omitempty" gorm:"column:rejection_template"`
	AutoReplyPriority   int            `json:"auto_reply_priority,omitempty" gorm:"column:auto_reply_priority;default:0"`
	MinPurchaseAmount   float64        `json:"min_purchase_amount,omitempty" gorm:"column:min_purchase_amount"`
	RequiredProducts    datatypes.JSON `json:"required_products,omitempty" gorm:"type:jsonb;column:required_products"`
	StartsAt            *time.Time     `json:"starts_at,omitempty" gorm:"column:starts_at"`
	EndsAt              *time.Time     `json:"ends_at,omitempty" gorm:"column:ends_at"`
	CreatedAt           time.Time      `json:"created_at,omitempty" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time      `json:"updated_at,omitempty" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the base table name for GORM, respecting the Namer.
func (Contest) TableName(namer schema.Namer) string {
	return namer.TableName("contests")
}

// KeywordList decodes the contest keyword set. Tokens are stored case-folded.
func (c *Contest) KeywordList() []string {
	return decodeTokenList(c.Keywords)
}

// RequiredProductList decodes the purchase-rule product substrings.
func (c *Contest) RequiredProductList() []string {
	return decodeTokenList(c.RequiredProducts)
}

// MatchesKeyword reports whether the case-folded token is in the contest keyword set.
func (c *Contest) MatchesKeyword(token string) bool {
	folded := strings.ToLower(strings.TrimSpace(token))
	for _, kw := range c.KeywordList() {
		if kw == folded {
			return true
		}
	}
	return false
}

// ActiveAt reports whether the contest accepts entries at the given instant.
// A nil bound is unbounded on that side.
func (c *Contest) ActiveAt(t time.Time) bool {
	if c.Status != ContestStatusActive {
		return false
	}
	if c.StartsAt != nil && t.Before(*c.StartsAt) {
		return false
	}
	if c.EndsAt != nil && t.After(*c.EndsAt) {
		return false
	}
	return true
}

// ConversationStep is one ordered entry of a contest's scripted conversation.
// (ContestID, StepOrder) is unique; StepOrder starts at 1 and is contiguous.
type ConversationStep struct {
	ID               int64          `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	ContestID        string         `json:"contest_id" gorm:"column:contest_id;index:idx_steps_contest_order,unique"`
	StepOrder        int            `json:"step_order" gorm:"column:step_order;index:idx_steps_contest_order,unique"`
	StepName         string         `json:"step_name" gorm:"column:step_name"`
	StepKind         string         `json:"step_kind" gorm:"column:step_kind"`
	Keywords         datatypes.JSON `json:"keywords,omitempty" gorm:"type:jsonb;column:keywords"`
	AutoReplyMessage string         `json:"auto_reply_message,omitempty" gorm:"column:auto_reply_message"`
	AutoReplyMedia   string         `json:"auto_reply_media,omitempty" gorm:"column:auto_reply_media"`
	AutoAdvance      bool           `json:"auto_advance,omitempty" gorm:"column:auto_advance;default:false"`
	WaitForResponse  bool           `json:"wait_for_response,omitempty" gorm:"column:wait_for_response;default:true"`
	CreatedAt        time.Time      `json:"created_at,omitempty" gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the base table name for GORM, respecting the Namer.
func (ConversationStep) TableName(namer schema.Namer) string {
	return namer.TableName("conversation_steps")
}

// KeywordList decodes the step keyword set.
func (s *ConversationStep) KeywordList() []string {
	return decodeTokenList(s.Keywords)
}

// MatchesKeyword reports whether the case-folded token is in the step keyword set.
func (s *ConversationStep) MatchesKeyword(token string) bool {
	folded := strings.ToLower(strings.TrimSpace(token))
	for _, kw := range s.KeywordList() {
		if kw == folded {
			return true
		}
	}
	return false
}

func decodeTokenList(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return nil
	}
	var tokens []string
	if err := json.Unmarshal(raw, &tokens); err != nil {
		return nil
	}
	for i := range tokens {
		tokens[i] = strings.ToLower(strings.TrimSpace(tokens[i]))
	}
	return tokens
}

// EncodeTokenList case-folds and marshals a keyword list for storage.
func EncodeTokenList(tokens []string) datatypes.JSON {
	folded := make([]string, 0, len(tokens))
	for _, t := range tokens {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			folded = append(folded, t)
		}
	}
	data, err := json.Marshal(folded)
	if err != nil {
		return nil
	}
	return datatypes.JSON(data)
}
