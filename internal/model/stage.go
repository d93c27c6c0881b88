package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm/schema"
)

// Pipeline stage names, in execution order.
const (
	StageCrop     = "crop"
	StageOCR      = "ocr"
	StageParse    = "parse"
	StageValidate = "validate"
)

// Stage result statuses.
const (
	StageStatusCompleted = "completed"
	StageStatusFailed    = "failed"
)

// PipelineStages returns stage names in execution order.
func PipelineStages() []string {
	return []string{StageCrop, StageOCR, StageParse, StageValidate}
}

// StageResult is the pipeline's idempotency ledger: one row per
// (entry, stage, attempt). Completed stages are not re-run on restart.
type StageResult struct {
	ID        int64          `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	TenantID  string         `json:"tenant_id,omitempty" gorm:"column:tenant_id"`
	EntryID   int64          `json:"entry_id" gorm:"column:entry_id;index:idx_stage_entry_stage_attempt,unique"`
	Stage     string         `json:"stage" gorm:"column:stage;index:idx_stage_entry_stage_attempt,unique"`
	Attempt   int            `json:"attempt" gorm:"column:attempt;index:idx_stage_entry_stage_attempt,unique"`
	Status    string         `json:"status" gorm:"column:status"`
	Output    datatypes.JSON `json:"output,omitempty" gorm:"type:jsonb;column:output"`
	Error     string         `json:"error,omitempty" gorm:"column:error"`
	CreatedAt time.Time      `json:"created_at,omitempty" gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the base table name for GORM, respecting the Namer.
func (StageResult) TableName(namer schema.Namer) string {
	return namer.TableName("receipt_stage_results")
}

// ExhaustedJob records a pipeline job that ran out of retries, for operator
// attention alongside the pipeline_failure marker on the entry itself.
type ExhaustedJob struct {
	ID           int64          `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	TenantID     string         `json:"tenant_id,omitempty" gorm:"column:tenant_id"`
	EntryID      int64          `json:"entry_id" gorm:"column:entry_id;index"`
	Stage        string         `json:"stage" gorm:"column:stage"`
	Payload      datatypes.JSON `json:"payload,omitempty" gorm:"type:jsonb;column:payload"`
	LastError    string         `json:"last_error,omitempty" gorm:"column:last_error"`
	FailedAt     time.Time      `json:"failed_at" gorm:"column:failed_at"`
	Resolved     bool           `json:"resolved,omitempty" gorm:"column:resolved;default:false"`
	ResolvedAt   *time.Time     `json:"resolved_at,omitempty" gorm:"column:resolved_at"`
	CreatedAt    time.Time      `json:"created_at,omitempty" gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the base table name for GORM, respecting the Namer.
func (ExhaustedJob) TableName(namer schema.Namer) string {
	return namer.TableName("exhausted_jobs")
}
