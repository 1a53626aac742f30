package models

import "time"

type IdempotencyStatus string

const (
	IdempotencyStatusStarted   IdempotencyStatus = "STARTED"
	IdempotencyStatusSucceeded IdempotencyStatus = "SUCCEEDED"
	IdempotencyStatusFailed    IdempotencyStatus = "FAILED"
)

// IdempotencyKey guards retried batch operations.
// Unique constraint: (scope, key).
type IdempotencyKey struct {
	ID        int               `gorm:"primary_key" json:"id"`
	Scope     string            `gorm:"size:100;not null;index:uniq_idem,unique" json:"scope"`
	Key       string            `gorm:"column:idempotency_key;size:255;not null;index:uniq_idem,unique" json:"key"`
	Status    IdempotencyStatus `gorm:"size:20;not null;index" json:"status"`
	Result    *string           `gorm:"type:text" json:"result"`
	LastError *string           `gorm:"type:text" json:"last_error"`
	Attempt   int               `gorm:"not null;default:0" json:"attempt"`
	CreatedAt time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}
