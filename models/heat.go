package models

import (
	"context"
	"fmt"
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

// Heat is a traceable batch of raw material. 0 <= AvailableQuantity <= InitialQuantity.
type Heat struct {
	ID                int                   `gorm:"primary_key" json:"id"`
	PlantId           string                `gorm:"size:36;not null;index;uniqueIndex:uniq_heat_number,priority:1" json:"plant_id"`
	HeatNumber        string                `gorm:"size:100;not null;uniqueIndex:uniq_heat_number,priority:2" json:"heat_number"`
	SupplierName      string                `gorm:"size:200" json:"supplier_name"`
	MaterialGrade     string                `gorm:"size:100" json:"material_grade"`
	ReceivedDate      *time.Time            `json:"received_date"`
	InitialQuantity   decimal.Decimal       `gorm:"type:decimal(20,6);not null" json:"initial_quantity"`
	AvailableQuantity decimal.Decimal       `gorm:"type:decimal(20,6);not null" json:"available_quantity"`
	CreatedBy         int                   `json:"created_by"`
	UpdatedBy         int                   `json:"updated_by"`
	CreatedAt         time.Time             `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt         time.Time             `gorm:"autoUpdateTime" json:"updated_at"`
	IsDeleted         soft_delete.DeletedAt `gorm:"softDelete:flag;not null;default:0" json:"-"`
}

// InventoryMovement is one ledger line against a heat. Allocations store the
// positive quantity drawn; adjustments are signed (negative returns stock), so
// the sum over a heat equals initial - available.
type InventoryMovement struct {
	ID                 int                   `gorm:"primary_key" json:"id"`
	PlantId            string                `gorm:"size:36;not null;index" json:"plant_id"`
	HeatId             int                   `gorm:"not null;index" json:"heat_id"`
	WorkOrderId        *int                  `gorm:"index" json:"work_order_id"`
	MovementType       MovementType          `gorm:"type:enum('allocation','adjustment');not null;index" json:"movement_type"`
	Quantity           decimal.Decimal       `gorm:"type:decimal(20,6);not null" json:"quantity"`
	MovementDate       time.Time             `gorm:"not null" json:"movement_date"`
	ReversesMovementId *int                  `gorm:"uniqueIndex" json:"reverses_movement_id"`
	Reason             string                `gorm:"size:500" json:"reason"`
	CorrelationId      string                `gorm:"size:64;index" json:"correlation_id"`
	CreatedBy          int                   `json:"created_by"`
	UpdatedBy          int                   `json:"updated_by"`
	CreatedAt          time.Time             `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time             `gorm:"autoUpdateTime" json:"updated_at"`
	IsDeleted          soft_delete.DeletedAt `gorm:"softDelete:flag;not null;default:0" json:"-"`
}

type NewHeat struct {
	HeatNumber      string          `json:"heat_number" validate:"required,max=100"`
	SupplierName    string          `json:"supplier_name" validate:"max=200"`
	MaterialGrade   string          `json:"material_grade" validate:"max=100"`
	ReceivedDate    *time.Time      `json:"received_date"`
	InitialQuantity decimal.Decimal `json:"initial_quantity"`
}

func (input *NewHeat) validate(ctx context.Context, plantId string) error {
	input.HeatNumber = strings.TrimSpace(input.HeatNumber)
	if err := utils.ValidateInput(input); err != nil {
		return err
	}
	if !input.InitialQuantity.IsPositive() {
		return utils.NewValidationError("initial quantity must be greater than zero")
	}
	return utils.ValidateUnique[Heat](ctx, plantId, "heat_number", input.HeatNumber, 0)
}

// RegisterHeat records a received heat in the actor's plant with available = initial.
func RegisterHeat(ctx context.Context, input *NewHeat) (*Heat, error) {
	plantId, _, err := utils.GetActorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if err := input.validate(ctx, plantId); err != nil {
		return nil, err
	}

	heat := Heat{
		PlantId:           plantId,
		HeatNumber:        input.HeatNumber,
		SupplierName:      strings.TrimSpace(input.SupplierName),
		MaterialGrade:     strings.TrimSpace(input.MaterialGrade),
		ReceivedDate:      input.ReceivedDate,
		InitialQuantity:   input.InitialQuantity,
		AvailableQuantity: input.InitialQuantity,
	}
	if err := config.GetDB().WithContext(ctx).Create(&heat).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return nil, utils.NewValidationError("heat number %s already exists", input.HeatNumber)
		}
		config.LogError(config.GetLogger(), "Heat", "RegisterHeat", "create heat", input, err)
		return nil, err
	}
	return &heat, nil
}

// AllocateHeat draws qty from a heat for a work order. The sufficiency check
// and the decrement are one conditional UPDATE; the movement insert shares
// its transaction.
func AllocateHeat(ctx context.Context, heatId int, workOrderId int, qty decimal.Decimal) (*InventoryMovement, error) {
	plantId, _, err := utils.GetActorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if !qty.IsPositive() {
		return nil, utils.NewValidationError("allocation quantity must be greater than zero")
	}

	logger := config.GetLogger()
	movement := InventoryMovement{
		PlantId:       plantId,
		HeatId:        heatId,
		WorkOrderId:   &workOrderId,
		MovementType:  MovementTypeAllocation,
		Quantity:      qty,
		MovementDate:  time.Now().UTC(),
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}

	bodyDone := false
	err = config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var woCount int64
		if err := tx.Model(&WorkOrder{}).Where("id = ? AND plant_id = ?", workOrderId, plantId).Count(&woCount).Error; err != nil {
			return err
		}
		if woCount == 0 {
			return utils.NewNotFoundError("work order")
		}

		res := tx.Model(&Heat{}).
			Where("id = ? AND plant_id = ? AND available_quantity >= ?", heatId, plantId, qty).
			Updates(map[string]interface{}{
				"available_quantity": gorm.Expr("available_quantity - ?", qty),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var heat Heat
			if err := tx.Where("id = ? AND plant_id = ?", heatId, plantId).First(&heat).Error; err != nil {
				return notFound(err, "heat")
			}
			return &utils.AppError{
				Kind:    utils.ErrorKindInsufficientInventory,
				Message: fmt.Sprintf("requested %s, available %s", qty.String(), heat.AvailableQuantity.String()),
				Items:   []string{heat.HeatNumber},
			}
		}

		if err := tx.Create(&movement).Error; err != nil {
			return err
		}
		bodyDone = true
		return nil
	})
	if err != nil {
		if utils.KindOf(err) != "" {
			return nil, err
		}
		config.LogError(logger, "Heat", "AllocateHeat", "allocate", map[string]interface{}{"heat_id": heatId, "work_order_id": workOrderId, "qty": qty.String()}, err)
		if bodyDone {
			// commit outcome unknown
			return nil, utils.NewReconciliationError("allocation commit failed", err, "heat:"+itoa(heatId))
		}
		return nil, err
	}

	config.RequestLogger(ctx, logrus.Fields{
		"heat_id":       heatId,
		"work_order_id": workOrderId,
		"quantity":      qty.String(),
	}).Info("heat allocated")
	return &movement, nil
}

// ReverseAllocation returns an allocation's quantity to its heat through a
// compensating adjustment and records the reason in the override log.
func ReverseAllocation(ctx context.Context, movementId int, reason string) (*InventoryMovement, error) {
	plantId, _, err := utils.GetActorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if len(reason) < MinReasonLength {
		return nil, utils.NewValidationError("reason must be at least %d characters", MinReasonLength)
	}

	var reversal InventoryMovement
	err = config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var original InventoryMovement
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND plant_id = ?", movementId, plantId).
			First(&original).Error; err != nil {
			return notFound(err, "movement")
		}
		if original.MovementType != MovementTypeAllocation {
			return utils.NewValidationError("only allocations can be reversed")
		}
		var reversed int64
		if err := tx.Model(&InventoryMovement{}).Where("reverses_movement_id = ?", original.ID).Count(&reversed).Error; err != nil {
			return err
		}
		if reversed > 0 {
			return utils.NewValidationError("movement %d is already reversed", original.ID)
		}

		res := tx.Model(&Heat{}).
			Where("id = ? AND plant_id = ? AND available_quantity + ? <= initial_quantity", original.HeatId, plantId, original.Quantity).
			Updates(map[string]interface{}{
				"available_quantity": gorm.Expr("available_quantity + ?", original.Quantity),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return utils.NewAppError(utils.ErrorKindConflict, "reversal would exceed the heat's initial quantity", itoa(original.HeatId))
		}

		reversal = InventoryMovement{
			PlantId:            plantId,
			HeatId:             original.HeatId,
			WorkOrderId:        original.WorkOrderId,
			MovementType:       MovementTypeAdjustment,
			Quantity:           original.Quantity.Neg(),
			MovementDate:       time.Now().UTC(),
			ReversesMovementId: &original.ID,
			Reason:             reason,
			CorrelationId:      correlationIdFromContextOrNew(ctx),
		}
		if err := tx.Create(&reversal).Error; err != nil {
			if isDuplicateKeyErr(err) {
				return utils.NewValidationError("movement %d is already reversed", original.ID)
			}
			return err
		}
		return appendOverrideLog(tx, OverrideTableInventoryMovements, original.ID, reason)
	})
	if err != nil {
		if utils.KindOf(err) == "" {
			config.LogError(config.GetLogger(), "Heat", "ReverseAllocation", "reverse", movementId, err)
		}
		return nil, err
	}
	return &reversal, nil
}

func GetHeat(ctx context.Context, heatId int) (*Heat, error) {
	plantId, ok := utils.GetPlantIdFromContext(ctx)
	if !ok || plantId == "" {
		return nil, utils.NewAuthorizationError("plant id is required")
	}
	heat, err := utils.FetchModel[Heat](ctx, plantId, heatId)
	if err != nil {
		return nil, notFound(err, "heat")
	}
	return heat, nil
}

// GetHeatsForPlant lists the actor plant's heats, newest first.
func GetHeatsForPlant(ctx context.Context) ([]*Heat, error) {
	plantId, ok := utils.GetPlantIdFromContext(ctx)
	if !ok || plantId == "" {
		return nil, utils.NewAuthorizationError("plant id is required")
	}
	return utils.FetchAllModels[Heat](ctx, plantId, "created_at DESC, id DESC")
}

func GetHeatMovements(ctx context.Context, heatId int) ([]*InventoryMovement, error) {
	heat, err := GetHeat(ctx, heatId)
	if err != nil {
		return nil, err
	}
	var results []*InventoryMovement
	err = config.GetDB().WithContext(ctx).
		Where("plant_id = ? AND heat_id = ?", heat.PlantId, heat.ID).
		Order("movement_date, id").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

type HeatLedgerRow struct {
	HeatId            int
	HeatNumber        string
	InitialQuantity   decimal.Decimal
	AvailableQuantity decimal.Decimal
	MovementTotal     decimal.Decimal
}

type HeatLedgerMismatch struct {
	HeatId     int      `json:"heat_id"`
	HeatNumber string   `json:"heat_number"`
	Problems   []string `json:"problems"`
}

// CheckHeatLedgerRow returns the invariant violations of one heat.
func CheckHeatLedgerRow(row HeatLedgerRow) []string {
	var problems []string
	if row.AvailableQuantity.IsNegative() {
		problems = append(problems, fmt.Sprintf("available %s is negative", row.AvailableQuantity))
	}
	if row.AvailableQuantity.GreaterThan(row.InitialQuantity) {
		problems = append(problems, fmt.Sprintf("available %s exceeds initial %s", row.AvailableQuantity, row.InitialQuantity))
	}
	drawn := row.InitialQuantity.Sub(row.AvailableQuantity)
	if !row.MovementTotal.Equal(drawn) {
		problems = append(problems, fmt.Sprintf("movements total %s but initial-available is %s", row.MovementTotal, drawn))
	}
	return problems
}

// VerifyHeatLedger checks quantity bounds and movement conservation for every
// heat of a plant.
func VerifyHeatLedger(ctx context.Context, plantId string) ([]*HeatLedgerMismatch, error) {
	var rows []HeatLedgerRow
	err := config.GetDB().WithContext(ctx).Raw(`
		SELECT h.id AS heat_id, h.heat_number, h.initial_quantity, h.available_quantity,
			COALESCE(SUM(m.quantity), 0) AS movement_total
		FROM heats h
		LEFT JOIN inventory_movements m ON m.heat_id = h.id AND m.plant_id = h.plant_id AND m.is_deleted = 0
		WHERE h.plant_id = ? AND h.is_deleted = 0
		GROUP BY h.id, h.heat_number, h.initial_quantity, h.available_quantity
		ORDER BY h.id`, plantId).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	var mismatches []*HeatLedgerMismatch
	for _, row := range rows {
		if problems := CheckHeatLedgerRow(row); len(problems) > 0 {
			mismatches = append(mismatches, &HeatLedgerMismatch{HeatId: row.HeatId, HeatNumber: row.HeatNumber, Problems: problems})
		}
	}
	return mismatches, nil
}

// GetActiveAllocations returns a work order's allocation movements that have
// not been reversed, oldest first.
func GetActiveAllocations(ctx context.Context, workOrderId int) ([]*InventoryMovement, error) {
	plantId, ok := utils.GetPlantIdFromContext(ctx)
	if !ok || plantId == "" {
		return nil, utils.NewAuthorizationError("plant id is required")
	}
	var results []*InventoryMovement
	err := config.GetDB().WithContext(ctx).
		Where("plant_id = ? AND work_order_id = ? AND movement_type = ?", plantId, workOrderId, MovementTypeAllocation).
		Where("NOT EXISTS (SELECT 1 FROM inventory_movements r WHERE r.reverses_movement_id = inventory_movements.id AND r.is_deleted = 0)").
		Order("movement_date, id").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
