package model

import (
	"time"

	"gorm.io/gorm/schema"
)

// UserConversationProgress is the per-(customer, contest) pointer into the
// conversation script. At most one open progress exists per pair; a completed
// progress is terminal. Version backs the optimistic update in the store.
type UserConversationProgress struct {
	ID                int64      `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	TenantID          string     `json:"tenant_id,omitempty" gorm:"column:tenant_id"`
	CustomerID        string     `json:"customer_id" gorm:"column:customer_id;index"`
	ContestID         string     `json:"contest_id" gorm:"column:contest_id;index"`
	CurrentStepID     *int64     `json:"current_step_id,omitempty" gorm:"column:current_step_id"`
	StartedAt         time.Time  `json:"started_at" gorm:"column:started_at"`
	LastInteractionAt time.Time  `json:"last_interaction_at" gorm:"column:last_interaction_at;index"`
	Completed         bool       `json:"completed,omitempty" gorm:"column:completed;default:false;index"`
	CompletedAt       *time.Time `json:"completed_at,omitempty" gorm:"column:completed_at"`
	Version           int        `json:"version" gorm:"column:version;default:0"`
	CreatedAt         time.Time  `json:"created_at,omitempty" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time  `json:"updated_at,omitempty" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the base table name for GORM, respecting the Namer.
func (UserConversationProgress) TableName(namer schema.Namer) string {
	return namer.TableName("user_conversation_progress")
}
