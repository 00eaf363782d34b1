package models

import (
	"context"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/tc_backend/config"
	"bitbucket.org/mmdatafocus/tc_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/plugin/soft_delete"
)

type Standard struct {
	ID          int                   `gorm:"primary_key" json:"id"`
	Name        string                `gorm:"size:200;not null;uniqueIndex" json:"name"`
	Description string                `gorm:"type:text" json:"description"`
	Parameters  []*StandardParameter  `gorm:"foreignKey:StandardId" json:"parameters"`
	CreatedAt   time.Time             `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time             `gorm:"autoUpdateTime" json:"updated_at"`
	IsDeleted   soft_delete.DeletedAt `gorm:"softDelete:flag;not null;default:0" json:"-"`
}

// StandardParameter is one tolerance band. A nil bound is unbounded; both
// bounds are inclusive.
type StandardParameter struct {
	ID            int                   `gorm:"primary_key" json:"id"`
	StandardId    int                   `gorm:"not null;index" json:"standard_id"`
	ParameterName string                `gorm:"size:100;not null" json:"parameter_name"`
	Category      ParameterCategory     `gorm:"type:enum('chemical','mechanical','dimensional');not null" json:"category"`
	Unit          string                `gorm:"size:20" json:"unit"`
	MinValue      *decimal.Decimal      `gorm:"type:decimal(20,6)" json:"min_value"`
	MaxValue      *decimal.Decimal      `gorm:"type:decimal(20,6)" json:"max_value"`
	SortOrder     int                   `gorm:"not null;default:0" json:"sort_order"`
	CreatedAt     time.Time             `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time             `gorm:"autoUpdateTime" json:"updated_at"`
	IsDeleted     soft_delete.DeletedAt `gorm:"softDelete:flag;not null;default:0" json:"-"`
}

// EvaluateTolerance returns passed when min <= value <= max, failed otherwise.
func EvaluateTolerance(value decimal.Decimal, min, max *decimal.Decimal) ValidationStatus {
	if min != nil && value.LessThan(*min) {
		return ValidationStatusFailed
	}
	if max != nil && value.GreaterThan(*max) {
		return ValidationStatusFailed
	}
	return ValidationStatusPassed
}

// Evaluate applies the parameter's band to value.
func (p *StandardParameter) Evaluate(value decimal.Decimal) ValidationStatus {
	return EvaluateTolerance(value, p.MinValue, p.MaxValue)
}

// SortStandardParameters orders by category (chemical, mechanical,
// dimensional), then sort order, then id.
func SortStandardParameters(params []*StandardParameter) {
	sort.SliceStable(params, func(i, j int) bool {
		a, b := params[i], params[j]
		if a.Category.rank() != b.Category.rank() {
			return a.Category.rank() < b.Category.rank()
		}
		if a.SortOrder != b.SortOrder {
			return a.SortOrder < b.SortOrder
		}
		return a.ID < b.ID
	})
}

// GetStandardWithParameters loads a standard and its ordered parameter list.
func GetStandardWithParameters(ctx context.Context, standardId int) (*Standard, error) {
	cached, err := utils.RetrieveRedis[Standard](ctx, standardId)
	if err != nil {
		config.LogError(config.GetLogger(), "Standard", "GetStandardWithParameters", "read cache", standardId, err)
	}
	if cached != nil {
		return cached, nil
	}

	var standard Standard
	err = config.GetDB().WithContext(ctx).
		Preload("Parameters", func(db *gorm.DB) *gorm.DB {
			return db.Order("sort_order, id")
		}).
		First(&standard, standardId).Error
	if err != nil {
		return nil, notFound(err, "standard")
	}
	SortStandardParameters(standard.Parameters)

	if err := utils.StoreRedis(ctx, &standard, standardId); err != nil {
		config.LogError(config.GetLogger(), "Standard", "GetStandardWithParameters", "write cache", standardId, err)
	}
	return &standard, nil
}

// GoverningStandardId resolves the standard that governs a work order's item.
func GoverningStandardId(ctx context.Context, wo *WorkOrder) (int, error) {
	if wo.ItemId == nil {
		return 0, utils.NewAppError(utils.ErrorKindNoStandardDefined, "work order has no item", wo.WoNumber)
	}
	item, err := GetItem(ctx, *wo.ItemId)
	if err != nil {
		return 0, err
	}
	if item.StandardId == nil || *item.StandardId == 0 {
		return 0, utils.NewAppError(utils.ErrorKindNoStandardDefined, "no standard defined for item", item.ItemCode)
	}
	return *item.StandardId, nil
}
