package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/tc_backend/models"
	"bitbucket.org/mmdatafocus/tc_backend/utils"
	"gorm.io/gorm"
)

var (
	ErrIdempotencyInProgress = errors.New("idempotency in progress")
	// ErrIdempotencyKeyReused means the key was first used for a different request.
	ErrIdempotencyKeyReused = errors.New("idempotency key reused with a different request")
)

// A STARTED row older than this belongs to a crashed attempt and is taken over.
const idempotencyStaleAfter = 5 * time.Minute

// idempotencyClaim identifies one client-keyed call: the plant, the operation
// and the caller's key. Fingerprint summarizes the request so a key cannot be
// replayed against different input.
type idempotencyClaim struct {
	PlantId     string
	Handler     string
	MessageId   string
	Fingerprint string
}

func (c idempotencyClaim) hash() string {
	sum := sha256.Sum256([]byte(c.Fingerprint))
	return hex.EncodeToString(sum[:])
}

func (c idempotencyClaim) scope(tx *gorm.DB) *gorm.DB {
	return tx.Model(&models.IdempotencyKey{}).
		Where("plant_id = ? AND handler_name = ? AND message_id = ?", c.PlantId, c.Handler, c.MessageId)
}

// begin records a STARTED attempt. done is true when an earlier call with the
// same key succeeded; ref is then what that call produced.
func (c idempotencyClaim) begin(tx *gorm.DB) (done bool, ref string, err error) {
	hash := c.hash()
	row := models.IdempotencyKey{
		PlantId:     c.PlantId,
		HandlerName: c.Handler,
		MessageId:   c.MessageId,
		RequestHash: &hash,
		Status:      models.IdempotencyStatusStarted,
	}
	err = tx.Create(&row).Error
	if err == nil {
		return false, "", nil
	}
	if !models.IsDuplicateKeyErr(err) {
		return false, "", err
	}

	var existing models.IdempotencyKey
	if err := c.scope(tx).First(&existing).Error; err != nil {
		return false, "", err
	}
	if existing.RequestHash != nil && *existing.RequestHash != hash {
		return false, "", ErrIdempotencyKeyReused
	}
	switch existing.Status {
	case models.IdempotencyStatusSucceeded:
		return true, utils.DereferencePtr(existing.ResultRef, ""), nil
	case models.IdempotencyStatusStarted:
		if time.Since(existing.UpdatedAt) < idempotencyStaleAfter {
			return false, "", ErrIdempotencyInProgress
		}
	}
	return false, "", tx.Model(&models.IdempotencyKey{}).Where("id = ?", existing.ID).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusStarted, "last_error": nil}).Error
}

func (c idempotencyClaim) succeed(tx *gorm.DB, ref string) error {
	return c.scope(tx).Updates(map[string]interface{}{
		"status":     models.IdempotencyStatusSucceeded,
		"result_ref": &ref,
		"last_error": nil,
	}).Error
}

// fail frees the key for a retry and keeps the cause for operators.
func (c idempotencyClaim) fail(tx *gorm.DB, cause error) error {
	var msg *string
	if cause != nil {
		s := cause.Error()
		msg = &s
	}
	return c.scope(tx).Updates(map[string]interface{}{
		"status":     models.IdempotencyStatusFailed,
		"last_error": msg,
	}).Error
}
