package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/tc_backend/config"
	"bitbucket.org/mmdatafocus/tc_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// CertificateOutboxRecord is the transactional outbox of certificate events.
// Rows are written in the issuing transaction and published after commit by
// the dispatcher.
type CertificateOutboxRecord struct {
	ID                int             `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	PlantId           string          `gorm:"size:36;not null;index" json:"plant_id"`
	EventType         OutboxEventType `gorm:"size:50;not null" json:"event_type"`
	CertificateId     int             `gorm:"not null;index" json:"certificate_id"`
	WorkOrderId       int             `gorm:"not null" json:"work_order_id"`
	CertificateNumber string          `gorm:"size:120;not null" json:"certificate_number"`
	VersionNumber     int             `gorm:"not null" json:"version_number"`
	DocumentUrl       string          `gorm:"type:text" json:"document_url"`
	OccurredAt        time.Time       `gorm:"not null" json:"occurred_at"`
	PublishStatus     string          `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	PublishedAt       *time.Time      `gorm:"index" json:"published_at"`
	PubSubMessageId   *string         `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts   int             `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt     *time.Time      `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt          *time.Time      `gorm:"index" json:"locked_at"`
	LockedBy          *string         `gorm:"size:100" json:"locked_by"`
	LastPublishError  *string         `gorm:"type:text" json:"last_publish_error"`
	CorrelationId     string          `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// EnqueueCertificateEvent inserts a pending certificate.issued record inside tx.
func EnqueueCertificateEvent(tx *gorm.DB, cert *TestCertificate, version *TestCertificateVersion, certificateNumber, correlationId string) error {
	now := time.Now().UTC()
	record := CertificateOutboxRecord{
		PlantId:           cert.PlantId,
		EventType:         OutboxEventCertificateIssued,
		CertificateId:     cert.ID,
		WorkOrderId:       cert.WorkOrderId,
		CertificateNumber: certificateNumber,
		VersionNumber:     version.VersionNumber,
		DocumentUrl:       version.DocumentUrl,
		OccurredAt:        now,
		PublishStatus:     OutboxPublishStatusPending,
		NextAttemptAt:     &now,
		CorrelationId:     correlationId,
	}
	return tx.Create(&record).Error
}

// ReplayCertificateEvent re-queues a FAILED or DEAD record of the caller's
// plant for immediate publishing and returns its next attempt time. Attempts
// restart from zero.
func ReplayCertificateEvent(ctx context.Context, recordId int) (*time.Time, error) {
	plantId, _, err := utils.GetActorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if recordId <= 0 {
		return nil, utils.NewValidationError("record_id is required")
	}

	now := time.Now().UTC()
	res := config.GetDB().WithContext(ctx).
		Model(&CertificateOutboxRecord{}).
		Where("id = ? AND plant_id = ? AND publish_status IN ?", recordId, plantId,
			[]string{OutboxPublishStatusFailed, OutboxPublishStatusDead}).
		Updates(map[string]interface{}{
			"publish_status":     OutboxPublishStatusFailed,
			"publish_attempts":   0,
			"next_attempt_at":    &now,
			"locked_at":          nil,
			"locked_by":          nil,
			"last_publish_error": nil,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, utils.NewNotFoundError("dead or failed outbox record")
	}
	config.RequestLogger(ctx, logrus.Fields{"outbox_id": recordId}).Info("certificate event re-queued")
	return &now, nil
}

func ConvertToCertificateEvent(record CertificateOutboxRecord) config.CertificateEventMessage {
	return config.CertificateEventMessage{
		ID:                record.ID,
		PlantId:           record.PlantId,
		EventType:         string(record.EventType),
		CertificateId:     record.CertificateId,
		WorkOrderId:       record.WorkOrderId,
		CertificateNumber: record.CertificateNumber,
		VersionNumber:     record.VersionNumber,
		DocumentUrl:       record.DocumentUrl,
		OccurredAt:        record.OccurredAt,
		CorrelationId:     record.CorrelationId,
	}
}
