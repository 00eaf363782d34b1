package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/tc_backend/config"
	"bitbucket.org/mmdatafocus/tc_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/plugin/soft_delete"
)

// LabResult is the single lab record of a work order.
type LabResult struct {
	ID               int                   `gorm:"primary_key" json:"id"`
	PlantId          string                `gorm:"size:36;not null;index" json:"plant_id"`
	WorkOrderId      int                   `gorm:"not null;uniqueIndex" json:"work_order_id"`
	StandardId       int                   `gorm:"not null;index" json:"standard_id"`
	ValidationStatus ValidationStatus      `gorm:"type:enum('pending','passed','failed','override');not null;default:pending" json:"validation_status"`
	TestedBy         int                   `json:"tested_by"`
	TestedAt         *time.Time            `json:"tested_at"`
	Parameters       []*LabResultParameter `gorm:"foreignKey:LabResultId" json:"parameters"`
	CreatedBy        int                   `json:"created_by"`
	UpdatedBy        int                   `json:"updated_by"`
	CreatedAt        time.Time             `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time             `gorm:"autoUpdateTime" json:"updated_at"`
	IsDeleted        soft_delete.DeletedAt `gorm:"softDelete:flag;not null;default:0" json:"-"`
}

type LabResultParameter struct {
	ID               int                   `gorm:"primary_key" json:"id"`
	PlantId          string                `gorm:"size:36;not null;index" json:"plant_id"`
	LabResultId      int                   `gorm:"not null;uniqueIndex:uniq_lab_param,priority:1" json:"lab_result_id"`
	ParameterId      int                   `gorm:"not null;uniqueIndex:uniq_lab_param,priority:2" json:"parameter_id"`
	ObservedValue    decimal.Decimal       `gorm:"type:decimal(20,6);not null" json:"observed_value"`
	ValidationStatus ValidationStatus      `gorm:"type:enum('pending','passed','failed','override');not null;default:pending" json:"validation_status"`
	OverrideFlag     bool                  `gorm:"not null;default:false" json:"override_flag"`
	OverrideReason   *string               `gorm:"type:text" json:"override_reason"`
	ValidatedAt      *time.Time            `json:"validated_at"`
	CreatedBy        int                   `json:"created_by"`
	UpdatedBy        int                   `json:"updated_by"`
	CreatedAt        time.Time             `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time             `gorm:"autoUpdateTime" json:"updated_at"`
	IsDeleted        soft_delete.DeletedAt `gorm:"softDelete:flag;not null;default:0" json:"-"`
}

type LabParameterUpdate struct {
	ParameterId int             `json:"parameter_id" validate:"required"`
	Value       decimal.Decimal `json:"value"`
}

// RollupValidationStatus derives the header status from its parameters.
func RollupValidationStatus(statuses []ValidationStatus) ValidationStatus {
	var pending, override bool
	for _, s := range statuses {
		switch s {
		case ValidationStatusFailed:
			return ValidationStatusFailed
		case ValidationStatusPending:
			pending = true
		case ValidationStatusOverride:
			override = true
		}
	}
	switch {
	case len(statuses) == 0 || pending:
		return ValidationStatusPending
	case override:
		return ValidationStatusOverride
	default:
		return ValidationStatusPassed
	}
}

// InitializeLabResult creates the lab record of a work order with one pending
// row per parameter of the governing standard. An existing record is returned
// as is.
func InitializeLabResult(ctx context.Context, workOrderId int) (int, error) {
	plantId, userId, err := utils.GetActorFromContext(ctx)
	if err != nil {
		return 0, err
	}
	db := config.GetDB().WithContext(ctx)

	if id, err := existingLabResultId(db, plantId, workOrderId); err != nil || id > 0 {
		return id, err
	}

	wo, err := GetWorkOrder(ctx, workOrderId)
	if err != nil {
		return 0, err
	}
	standardId, err := GoverningStandardId(ctx, wo)
	if err != nil {
		return 0, err
	}
	standard, err := GetStandardWithParameters(ctx, standardId)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return 0, utils.NewAppError(utils.ErrorKindNoStandardDefined, "governing standard not found", itoa(standardId))
		}
		return 0, err
	}
	if len(standard.Parameters) == 0 {
		return 0, utils.NewAppError(utils.ErrorKindNoStandardDefined, "standard has no parameters", standard.Name)
	}

	now := time.Now().UTC()
	header := LabResult{
		PlantId:          plantId,
		WorkOrderId:      wo.ID,
		StandardId:       standard.ID,
		ValidationStatus: ValidationStatusPending,
		TestedBy:         userId,
		TestedAt:         &now,
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(&header).Error; err != nil {
			return err
		}
		rows := make([]*LabResultParameter, 0, len(standard.Parameters))
		for _, p := range standard.Parameters {
			rows = append(rows, &LabResultParameter{
				PlantId:          plantId,
				LabResultId:      header.ID,
				ParameterId:      p.ID,
				ObservedValue:    decimal.Zero,
				ValidationStatus: ValidationStatusPending,
			})
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		if isDuplicateKeyErr(err) {
			// lost the race to a concurrent initializer
			return existingLabResultId(db, plantId, workOrderId)
		}
		config.LogError(config.GetLogger(), "LabResult", "InitializeLabResult", "create lab result", workOrderId, err)
		return 0, err
	}
	return header.ID, nil
}

func existingLabResultId(db *gorm.DB, plantId string, workOrderId int) (int, error) {
	var existing LabResult
	err := db.Select("id").Where("plant_id = ? AND work_order_id = ?", plantId, workOrderId).Take(&existing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return existing.ID, nil
}

func GetLabResult(ctx context.Context, labResultId int) (*LabResult, error) {
	plantId, ok := utils.GetPlantIdFromContext(ctx)
	if !ok || plantId == "" {
		return nil, utils.NewAuthorizationError("plant id is required")
	}
	result, err := utils.FetchModel[LabResult](ctx, plantId, labResultId, "Parameters")
	if err != nil {
		return nil, notFound(err, "lab result")
	}
	return result, nil
}

// GetLabResultForWorkOrder returns nil, nil when no lab record exists.
func GetLabResultForWorkOrder(ctx context.Context, workOrderId int) (*LabResult, error) {
	plantId, ok := utils.GetPlantIdFromContext(ctx)
	if !ok || plantId == "" {
		return nil, utils.NewAuthorizationError("plant id is required")
	}
	var result LabResult
	err := config.GetDB().WithContext(ctx).
		Preload("Parameters", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Where("plant_id = ? AND work_order_id = ?", plantId, workOrderId).
		Take(&result).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &result, nil
}

// SubmitLabResults applies each observed value independently and re-derives
// its status from the tolerance band, clearing any earlier override. Updates
// that fail are named in a PartialFailure error; the rest stay applied.
func SubmitLabResults(ctx context.Context, labResultId int, updates []*LabParameterUpdate) error {
	plantId, userId, err := utils.GetActorFromContext(ctx)
	if err != nil {
		return err
	}
	if len(updates) == 0 {
		return utils.NewValidationError("no parameter values submitted")
	}
	for _, u := range updates {
		if u == nil {
			return utils.NewValidationError("empty parameter update")
		}
		if err := utils.ValidateInput(u); err != nil {
			return err
		}
	}

	db := config.GetDB().WithContext(ctx)
	var header LabResult
	if err := db.Where("plant_id = ?", plantId).First(&header, labResultId).Error; err != nil {
		return notFound(err, "lab result")
	}
	standard, err := GetStandardWithParameters(ctx, header.StandardId)
	if err != nil {
		return err
	}
	bands := make(map[int]*StandardParameter, len(standard.Parameters))
	for _, p := range standard.Parameters {
		bands[p.ID] = p
	}

	logger := config.GetLogger()
	var failedIds []string
	var firstErr error
	for _, u := range updates {
		if err := submitLabParameter(db, plantId, header.ID, bands, u); err != nil {
			failedIds = append(failedIds, itoa(u.ParameterId))
			if firstErr == nil {
				firstErr = err
			}
			config.RequestLogger(ctx, logrus.Fields{
				"lab_result_id": header.ID,
				"parameter_id":  u.ParameterId,
			}).Warn("lab parameter update failed: " + err.Error())
		}
	}

	now := time.Now().UTC()
	if err := refreshLabResultStatus(db, header.ID, map[string]interface{}{"tested_by": userId, "tested_at": &now}); err != nil {
		config.LogError(logger, "LabResult", "SubmitLabResults", "refresh status", header.ID, err)
		if len(failedIds) == 0 {
			return utils.NewPartialFailureError("parameter values saved but lab status not refreshed", len(updates), nil, err)
		}
	}

	if len(failedIds) > 0 {
		return utils.NewPartialFailureError("some parameter values were not saved", len(updates)-len(failedIds), failedIds, firstErr)
	}
	return nil
}

func submitLabParameter(db *gorm.DB, plantId string, labResultId int, bands map[int]*StandardParameter, u *LabParameterUpdate) error {
	var row LabResultParameter
	if err := db.Where("plant_id = ? AND lab_result_id = ?", plantId, labResultId).First(&row, u.ParameterId).Error; err != nil {
		return notFound(err, "lab parameter")
	}
	band, ok := bands[row.ParameterId]
	if !ok {
		return utils.NewNotFoundError("standard parameter")
	}
	now := time.Now().UTC()
	return db.Model(&LabResultParameter{}).
		Where("id = ? AND plant_id = ?", row.ID, plantId).
		Updates(map[string]interface{}{
			"observed_value":    u.Value,
			"validation_status": band.Evaluate(u.Value),
			"validated_at":      &now,
			"override_flag":     false,
			"override_reason":   nil,
		}).Error
}

// OverrideLabParameter waives a failed parameter and records the reason in
// the override log, in one transaction.
func OverrideLabParameter(ctx context.Context, parameterId int, reason string) (*LabResultParameter, error) {
	plantId, _, err := utils.GetActorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if len(reason) < MinReasonLength {
		return nil, utils.NewValidationError("override reason must be at least %d characters", MinReasonLength)
	}

	var row LabResultParameter
	err = config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("plant_id = ?", plantId).
			First(&row, parameterId).Error; err != nil {
			return notFound(err, "lab parameter")
		}
		if row.ValidationStatus != ValidationStatusFailed {
			return utils.NewValidationError("only failed parameters can be overridden (status is %s)", row.ValidationStatus)
		}
		if err := tx.Model(&LabResultParameter{}).
			Where("id = ? AND plant_id = ?", row.ID, plantId).
			Updates(map[string]interface{}{
				"validation_status": ValidationStatusOverride,
				"override_flag":     true,
				"override_reason":   reason,
			}).Error; err != nil {
			return err
		}
		if err := appendOverrideLog(tx, OverrideTableLabResultParameters, row.ID, reason); err != nil {
			return err
		}
		return refreshLabResultStatus(tx, row.LabResultId, nil)
	})
	if err != nil {
		if utils.KindOf(err) == "" {
			config.LogError(config.GetLogger(), "LabResult", "OverrideLabParameter", "override", parameterId, err)
		}
		return nil, err
	}

	row.ValidationStatus = ValidationStatusOverride
	row.OverrideFlag = true
	row.OverrideReason = &reason
	return &row, nil
}

func refreshLabResultStatus(db *gorm.DB, labResultId int, extra map[string]interface{}) error {
	var statuses []ValidationStatus
	if err := db.Model(&LabResultParameter{}).Where("lab_result_id = ?", labResultId).Pluck("validation_status", &statuses).Error; err != nil {
		return err
	}
	updates := map[string]interface{}{"validation_status": RollupValidationStatus(statuses)}
	for k, v := range extra {
		updates[k] = v
	}
	return db.Model(&LabResult{}).Where("id = ?", labResultId).Updates(updates).Error
}
