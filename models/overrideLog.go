package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/tc_backend/config"
	"bitbucket.org/mmdatafocus/tc_backend/utils"
	"gorm.io/gorm"
)

const (
	OverrideTableLabResultParameters = "lab_result_parameters"
	OverrideTableInventoryMovements  = "inventory_movements"
)

var errImmutableRecord = errors.New("record is append-only")

// OverrideLog is the append-only audit trail of manual exceptions.
type OverrideLog struct {
	ID          int       `gorm:"primary_key" json:"id"`
	PlantId     string    `gorm:"size:36;not null;index:idx_override_record,priority:1" json:"plant_id"`
	RecordTable string    `gorm:"column:table_name;size:100;not null;index:idx_override_record,priority:2" json:"table_name"`
	RecordId    int       `gorm:"not null;index:idx_override_record,priority:3" json:"record_id"`
	Reason      string    `gorm:"type:text;not null" json:"reason"`
	PerformedBy int       `gorm:"not null;index" json:"performed_by"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// appendOverrideLog writes one entry inside tx; actor and plant come from the statement context.
func appendOverrideLog(tx *gorm.DB, table string, recordId int, reason string) error {
	plantId, userId, err := utils.GetActorFromContext(tx.Statement.Context)
	if err != nil {
		return err
	}
	entry := OverrideLog{
		PlantId:     plantId,
		RecordTable: table,
		RecordId:    recordId,
		Reason:      reason,
		PerformedBy: userId,
	}
	return tx.Create(&entry).Error
}

func ListOverrideLogs(ctx context.Context, table string, recordId int) ([]*OverrideLog, error) {
	plantId, ok := utils.GetPlantIdFromContext(ctx)
	if !ok || plantId == "" {
		return nil, utils.NewAuthorizationError("plant id is required")
	}
	var results []*OverrideLog
	err := config.GetDB().WithContext(ctx).
		Where("plant_id = ? AND table_name = ? AND record_id = ?", plantId, table, recordId).
		Order("id").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
