package models

import "time"

type IdempotencyStatus string

const (
	IdempotencyStatusStarted   IdempotencyStatus = "STARTED"
	IdempotencyStatusSucceeded IdempotencyStatus = "SUCCEEDED"
	IdempotencyStatusFailed    IdempotencyStatus = "FAILED"
)

// IdempotencyKey records one client-keyed call per (plant, handler, message).
// RequestHash is a digest of the request the key was first used with;
// ResultRef names what the successful call produced.
type IdempotencyKey struct {
	ID          int               `gorm:"primary_key" json:"id"`
	PlantId     string            `gorm:"size:36;not null;uniqueIndex:uniq_idem" json:"plant_id"`
	HandlerName string            `gorm:"size:100;not null;uniqueIndex:uniq_idem" json:"handler_name"`
	MessageId   string            `gorm:"size:255;not null;uniqueIndex:uniq_idem" json:"message_id"`
	RequestHash *string           `gorm:"size:64" json:"-"`
	Status      IdempotencyStatus `gorm:"size:20;not null;index" json:"status"`
	ResultRef   *string           `gorm:"size:255" json:"result_ref"`
	LastError   *string           `gorm:"type:text" json:"last_error"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}
