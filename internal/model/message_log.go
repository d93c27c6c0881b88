package model

import (
	"time"

	"gorm.io/gorm/schema"
)

// Message directions.
const (
	MessageDirectionIn  = "in"
	MessageDirectionOut = "out"
)

// Delivery statuses for outbound messages.
const (
	MessageDeliverySent   = "sent"
	MessageDeliveryFailed = "failed"
)

// MessageLog is the append-only record of every inbound and outbound message.
// The unique index on external_message_id is the engine's idempotency anchor:
// insert-or-ignore on it dedups gateway webhook redeliveries.
type MessageLog struct {
	ID                int64     `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	TenantID          string    `json:"tenant_id,omitempty" gorm:"column:tenant_id"`
	ExternalMessageID string    `json:"external_message_id" gorm:"column:external_message_id;uniqueIndex"`
	Direction         string    `json:"direction" gorm:"column:direction"`
	CustomerID        string    `json:"customer_id,omitempty" gorm:"column:customer_id;index"`
	ContestID         *string   `json:"contest_id,omitempty" gorm:"column:contest_id;index"`
	StepID            *int64    `json:"step_id,omitempty" gorm:"column:step_id"`
	Body              string    `json:"body,omitempty" gorm:"column:body"`
	MediaURL          string    `json:"media_url,omitempty" gorm:"column:media_url"`
	GatewayMessageID  string    `json:"gateway_message_id,omitempty" gorm:"column:gateway_message_id"`
	DeliveryStatus    string    `json:"delivery_status,omitempty" gorm:"column:delivery_status"`
	CreatedAt         time.Time `json:"created_at,omitempty" gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the base table name for GORM, respecting the Namer.
func (MessageLog) TableName(namer schema.Namer) string {
	return namer.TableName("message_logs")
}
