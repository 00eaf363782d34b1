package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/tc_backend/config"
	"bitbucket.org/mmdatafocus/tc_backend/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PublishFunc sends one certificate event and returns the broker message id.
type PublishFunc func(ctx context.Context, msg config.CertificateEventMessage) (string, error)

// OutboxDispatcher publishes committed certificate events. Rows are claimed
// with SKIP LOCKED so several dispatchers can run side by side. A version is
// only claimed once every earlier version of its certificate is SENT or DEAD,
// so subscribers see versions in order.
type OutboxDispatcher struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	DispatcherID string
	Publish      PublishFunc

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
}

var unsentStatuses = []string{
	models.OutboxPublishStatusPending,
	models.OutboxPublishStatusProcessing,
	models.OutboxPublishStatusFailed,
}

func NewOutboxDispatcher(db *gorm.DB, logger *logrus.Logger) *OutboxDispatcher {
	return &OutboxDispatcher{
		DB:             db,
		Logger:         logger,
		DispatcherID:   "tc-outbox-" + uuid.NewString(),
		Publish:        config.PublishCertificateEventWithResult,
		BatchSize:      50,
		PollInterval:   500 * time.Millisecond,
		LockTimeout:    30 * time.Second,
		MaxAttempts:    20,
		InitialBackoff: 5 * time.Second,
	}
}

// Run polls until ctx is cancelled. A full batch is followed immediately by
// the next one.
func (d *OutboxDispatcher) Run(ctx context.Context) {
	for {
		sent := d.DispatchOnce(ctx)
		wait := d.PollInterval
		if d.BatchSize > 0 && sent >= d.BatchSize {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// DispatchOnce claims one batch and publishes it. It returns the number of
// rows published successfully.
func (d *OutboxDispatcher) DispatchOnce(ctx context.Context) int {
	if d.DB == nil || d.Publish == nil || ctx.Err() != nil {
		return 0
	}
	claimed, err := d.claimBatch(ctx, time.Now().UTC())
	if err != nil {
		d.logError("claim batch", err)
		return 0
	}

	sent := 0
	for i := range claimed {
		rec := &claimed[i]
		pubID, err := d.Publish(ctx, models.ConvertToCertificateEvent(*rec))
		if err != nil {
			d.markPublishFailed(ctx, rec, err)
			continue
		}
		d.markPublishSent(ctx, rec, pubID)
		sent++
	}
	return sent
}

// claimBatch locks due rows and moves them to PROCESSING. Rows already at the
// attempt limit go straight to DEAD and are not returned.
func (d *OutboxDispatcher) claimBatch(ctx context.Context, now time.Time) ([]models.CertificateOutboxRecord, error) {
	staleBefore := now.Add(-d.LockTimeout)
	var claimed []models.CertificateOutboxRecord
	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var due []models.CertificateOutboxRecord
		err := tx.
			Where("((publish_status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)) OR (publish_status = ? AND locked_at <= ?))",
				[]string{models.OutboxPublishStatusPending, models.OutboxPublishStatusFailed}, now,
				models.OutboxPublishStatusProcessing, staleBefore).
			Where(`NOT EXISTS (
				SELECT 1 FROM certificate_outbox_records earlier
				WHERE earlier.certificate_id = certificate_outbox_records.certificate_id
				AND earlier.id < certificate_outbox_records.id
				AND earlier.publish_status IN ?)`, unsentStatuses).
			Order("id ASC").
			Limit(d.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Find(&due).Error
		if err != nil {
			return err
		}
		for _, rec := range due {
			if d.MaxAttempts > 0 && rec.PublishAttempts >= d.MaxAttempts {
				msg := fmt.Sprintf("max publish attempts exceeded (%d)", d.MaxAttempts)
				if err := d.update(tx, rec.ID, models.OutboxPublishStatusDead, map[string]interface{}{"last_publish_error": &msg}); err != nil {
					return err
				}
				continue
			}
			if err := d.update(tx, rec.ID, models.OutboxPublishStatusProcessing, map[string]interface{}{
				"locked_at":          &now,
				"locked_by":          &d.DispatcherID,
				"publish_attempts":   gorm.Expr("publish_attempts + 1"),
				"last_publish_error": nil,
			}); err != nil {
				return err
			}
			rec.PublishAttempts++
			claimed = append(claimed, rec)
		}
		return nil
	})
	return claimed, err
}

// update sets publish_status plus extra columns. Locks and the retry time are
// cleared unless extra sets them.
func (d *OutboxDispatcher) update(db *gorm.DB, id int, status string, extra map[string]interface{}) error {
	cols := map[string]interface{}{
		"publish_status":  status,
		"locked_at":       nil,
		"locked_by":       nil,
		"next_attempt_at": nil,
	}
	for k, v := range extra {
		cols[k] = v
	}
	return db.Model(&models.CertificateOutboxRecord{}).Where("id = ?", id).Updates(cols).Error
}

func (d *OutboxDispatcher) markPublishSent(ctx context.Context, rec *models.CertificateOutboxRecord, pubsubMsgID string) {
	now := time.Now().UTC()
	err := d.update(d.DB.WithContext(ctx), rec.ID, models.OutboxPublishStatusSent, map[string]interface{}{
		"published_at":       &now,
		"pub_sub_message_id": &pubsubMsgID,
	})
	if err != nil {
		// the event is out; a later claim would publish it twice
		d.logError("mark sent", err)
	}
}

// publishBackoff doubles the initial delay per attempt, capped at ten minutes.
func publishBackoff(initial time.Duration, attempt int) time.Duration {
	backoff := initial
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > time.Minute*10 {
			return time.Minute * 10
		}
	}
	return backoff
}

func (d *OutboxDispatcher) markPublishFailed(ctx context.Context, rec *models.CertificateOutboxRecord, cause error) {
	db := d.DB.WithContext(ctx)
	msg := cause.Error()
	fields := logrus.Fields{
		"field":          "OutboxDispatcher",
		"plant_id":       rec.PlantId,
		"record_id":      rec.ID,
		"certificate_id": rec.CertificateId,
		"version":        rec.VersionNumber,
		"attempt":        rec.PublishAttempts,
	}

	if d.MaxAttempts > 0 && rec.PublishAttempts >= d.MaxAttempts {
		if err := d.update(db, rec.ID, models.OutboxPublishStatusDead, map[string]interface{}{"last_publish_error": &msg}); err != nil {
			d.logError("mark dead", err)
		}
		if d.Logger != nil {
			d.Logger.WithFields(fields).Error("certificate event moved to DEAD after max attempts: " + msg)
		}
		return
	}

	next := time.Now().UTC().Add(publishBackoff(d.InitialBackoff, rec.PublishAttempts))
	if err := d.update(db, rec.ID, models.OutboxPublishStatusFailed, map[string]interface{}{
		"last_publish_error": &msg,
		"next_attempt_at":    &next,
	}); err != nil {
		d.logError("mark failed", err)
	}
	if d.Logger != nil {
		fields["next_attempt_at"] = next.Format(time.RFC3339Nano)
		d.Logger.WithFields(fields).Warn("certificate event publish failed: " + msg)
	}
}

func (d *OutboxDispatcher) logError(step string, err error) {
	if d.Logger != nil {
		config.LogError(d.Logger, "OutboxDispatcher", "DispatchOnce", step, d.DispatcherID, err)
	}
}
