package model

import (
	"time"

	"gorm.io/gorm/schema"
)

// Customer represents a consumer identified by their WhatsApp phone number.
// Created on first inbound contact; opt-out marks it inactive but never deletes.
type Customer struct {
	ID          string     `json:"id" gorm:"column:id;primaryKey"`
	TenantID    string     `json:"tenant_id,omitempty" gorm:"column:tenant_id"`
	PhoneNumber string     `json:"phone_number" gorm:"column:phone_number;uniqueIndex"`
	Name        string     `json:"name,omitempty" gorm:"column:name"`
	NRIC        string     `json:"nric,omitempty" gorm:"column:nric"`
	Address     string     `json:"address,omitempty" gorm:"column:address"`
	PdpaConsent *bool      `json:"pdpa_consent,omitempty" gorm:"column:pdpa_consent"`
	PdpaAt      *time.Time `json:"pdpa_at,omitempty" gorm:"column:pdpa_at"`
	OptedOut    bool       `json:"opted_out,omitempty" gorm:"column:opted_out;default:false"`
	CreatedAt   time.Time  `json:"created_at,omitempty" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time  `json:"updated_at,omitempty" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the base table name for GORM, respecting the Namer.
func (Customer) TableName(namer schema.Namer) string {
	return namer.TableName("customers")
}
