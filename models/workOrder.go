package models

import (
	"context"
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

type WorkOrder struct {
	ID               int                   `gorm:"primary_key" json:"id"`
	PlantId          string                `gorm:"size:36;not null;index;uniqueIndex:uniq_wo_number,priority:1" json:"plant_id"`
	WoNumber         string                `gorm:"size:100;not null;uniqueIndex:uniq_wo_number,priority:2" json:"wo_number"`
	PoId             *int                  `gorm:"index" json:"po_id"`
	ItemId           *int                  `gorm:"index" json:"item_id"`
	Quantity         decimal.Decimal       `gorm:"type:decimal(20,6);not null" json:"quantity"`
	ProducedQuantity decimal.Decimal       `gorm:"type:decimal(20,6);not null;default:0" json:"produced_quantity"`
	RejectedQuantity decimal.Decimal       `gorm:"type:decimal(20,6);not null;default:0" json:"rejected_quantity"`
	Status           WorkOrderStatus       `gorm:"type:enum('draft','approved','in_production','lab_pending','completed','on_hold','reopened','rejected','closed');not null;default:draft;index" json:"status"`
	CreatedBy        int                   `json:"created_by"`
	UpdatedBy        int                   `json:"updated_by"`
	CreatedAt        time.Time             `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt        time.Time             `gorm:"autoUpdateTime" json:"updated_at"`
	IsDeleted        soft_delete.DeletedAt `gorm:"softDelete:flag;not null;default:0" json:"-"`
}

type NewWorkOrder struct {
	WoNumber string          `json:"wo_number" validate:"required,max=100"`
	PoId     *int            `json:"po_id"`
	ItemId   *int            `json:"item_id"`
	Quantity decimal.Decimal `json:"quantity"`
}

// ProductionEntry carries cumulative produced / rejected totals for one work order.
type ProductionEntry struct {
	WorkOrderId int             `json:"work_order_id" validate:"required"`
	Produced    decimal.Decimal `json:"produced_quantity"`
	Rejected    decimal.Decimal `json:"rejected_quantity"`
}

func (e *ProductionEntry) validate() error {
	if e.Produced.IsNegative() || e.Rejected.IsNegative() {
		return utils.NewValidationError("quantities cannot be negative (work order %d)", e.WorkOrderId)
	}
	return nil
}

// NextProductionStatus applies the production rule: reaching target moves to
// lab_pending, first output moves draft to in_production. Statuses past
// in_production and the side states are never moved by production entry.
func NextProductionStatus(current WorkOrderStatus, produced, target decimal.Decimal) WorkOrderStatus {
	switch current {
	case WorkOrderStatusLabPending, WorkOrderStatusCompleted, WorkOrderStatusClosed,
		WorkOrderStatusOnHold, WorkOrderStatusRejected:
		return current
	}
	if target.IsPositive() && produced.GreaterThanOrEqual(target) {
		return WorkOrderStatusLabPending
	}
	if produced.IsPositive() && current == WorkOrderStatusDraft {
		return WorkOrderStatusInProduction
	}
	return current
}

// operator transitions; production-driven moves go through NextProductionStatus
var workOrderTransitions = map[WorkOrderStatus][]WorkOrderStatus{
	WorkOrderStatusDraft:        {WorkOrderStatusApproved, WorkOrderStatusOnHold, WorkOrderStatusRejected},
	WorkOrderStatusApproved:     {WorkOrderStatusInProduction, WorkOrderStatusOnHold, WorkOrderStatusRejected},
	WorkOrderStatusInProduction: {WorkOrderStatusLabPending, WorkOrderStatusOnHold, WorkOrderStatusRejected},
	WorkOrderStatusLabPending:   {WorkOrderStatusCompleted, WorkOrderStatusOnHold, WorkOrderStatusRejected},
	WorkOrderStatusCompleted:    {WorkOrderStatusReopened, WorkOrderStatusClosed},
	WorkOrderStatusOnHold:       {WorkOrderStatusDraft, WorkOrderStatusApproved, WorkOrderStatusInProduction, WorkOrderStatusLabPending, WorkOrderStatusRejected},
	WorkOrderStatusReopened:     {WorkOrderStatusInProduction, WorkOrderStatusLabPending, WorkOrderStatusCompleted, WorkOrderStatusOnHold},
	WorkOrderStatusRejected:     {WorkOrderStatusReopened, WorkOrderStatusClosed},
	WorkOrderStatusClosed:       {},
}

func CanTransitionWorkOrder(from, to WorkOrderStatus) bool {
	for _, s := range workOrderTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CreateWorkOrder opens a draft work order in the actor's plant.
func CreateWorkOrder(ctx context.Context, input *NewWorkOrder) (*WorkOrder, error) {
	plantId, _, err := utils.GetActorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	input.WoNumber = strings.TrimSpace(input.WoNumber)
	if err := utils.ValidateInput(input); err != nil {
		return nil, err
	}
	if !input.Quantity.IsPositive() {
		return nil, utils.NewValidationError("target quantity must be greater than zero")
	}
	if input.ItemId != nil {
		if _, err := GetItem(ctx, *input.ItemId); err != nil {
			return nil, err
		}
	}
	if input.PoId != nil {
		if _, err := GetPurchaseOrder(ctx, *input.PoId); err != nil {
			return nil, err
		}
	}

	wo := WorkOrder{
		PlantId:          plantId,
		WoNumber:         input.WoNumber,
		PoId:             input.PoId,
		ItemId:           input.ItemId,
		Quantity:         input.Quantity,
		ProducedQuantity: decimal.Zero,
		RejectedQuantity: decimal.Zero,
		Status:           WorkOrderStatusDraft,
	}
	if err := config.GetDB().WithContext(ctx).Create(&wo).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return nil, utils.NewValidationError("work order number %s already exists", input.WoNumber)
		}
		config.LogError(config.GetLogger(), "WorkOrder", "CreateWorkOrder", "create", input, err)
		return nil, err
	}
	return &wo, nil
}

func GetWorkOrder(ctx context.Context, workOrderId int) (*WorkOrder, error) {
	plantId, ok := utils.GetPlantIdFromContext(ctx)
	if !ok || plantId == "" {
		return nil, utils.NewAuthorizationError("plant id is required")
	}
	wo, err := utils.FetchModel[WorkOrder](ctx, plantId, workOrderId)
	if err != nil {
		return nil, notFound(err, "work order")
	}
	return wo, nil
}

// RecordProduction sets the produced / rejected totals of a work order and
// advances its status.
func RecordProduction(ctx context.Context, workOrderId int, produced, rejected decimal.Decimal) (*WorkOrder, error) {
	entry := ProductionEntry{WorkOrderId: workOrderId, Produced: produced, Rejected: rejected}
	if err := entry.validate(); err != nil {
		return nil, err
	}
	plantId, _, err := utils.GetActorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	return recordProduction(ctx, plantId, &entry)
}

func recordProduction(ctx context.Context, plantId string, entry *ProductionEntry) (*WorkOrder, error) {
	var wo WorkOrder
	err := config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND plant_id = ?", entry.WorkOrderId, plantId).
			First(&wo).Error; err != nil {
			return notFound(err, "work order")
		}
		prev := wo.Status
		next := NextProductionStatus(prev, entry.Produced, wo.Quantity)
		if err := tx.Model(&wo).Updates(map[string]interface{}{
			"produced_quantity": entry.Produced,
			"rejected_quantity": entry.Rejected,
			"status":            next,
		}).Error; err != nil {
			return err
		}
		if next != prev {
			config.RequestLogger(ctx, logrus.Fields{
				"work_order_id": wo.ID,
				"from":          prev,
				"to":            next,
			}).Info("work order status advanced by production")
		}
		wo.ProducedQuantity = entry.Produced
		wo.RejectedQuantity = entry.Rejected
		wo.Status = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &wo, nil
}

// RecordProductionBatch validates every entry before writing, then applies
// each one independently. Failing work orders are named in a PartialFailure.
func RecordProductionBatch(ctx context.Context, entries []*ProductionEntry) error {
	plantId, _, err := utils.GetActorFromContext(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return utils.NewValidationError("no production entries")
	}
	for _, e := range entries {
		if e == nil {
			return utils.NewValidationError("empty production entry")
		}
		if err := utils.ValidateInput(e); err != nil {
			return err
		}
		if err := e.validate(); err != nil {
			return err
		}
	}

	var failedIds []string
	var firstErr error
	for _, e := range entries {
		if _, err := recordProduction(ctx, plantId, e); err != nil {
			failedIds = append(failedIds, itoa(e.WorkOrderId))
			if firstErr == nil {
				firstErr = err
			}
			if utils.KindOf(err) == "" {
				config.LogError(config.GetLogger(), "WorkOrder", "RecordProductionBatch", "record production", e, err)
			}
		}
	}
	if len(failedIds) > 0 {
		return utils.NewPartialFailureError("some production updates failed", len(entries)-len(failedIds), failedIds, firstErr)
	}
	return nil
}

// TransitionWorkOrder applies an operator status change allowed by the
// transition table.
func TransitionWorkOrder(ctx context.Context, workOrderId int, to WorkOrderStatus) (*WorkOrder, error) {
	plantId, _, err := utils.GetActorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if !to.IsValid() {
		return nil, utils.NewValidationError("invalid work order status %s", to)
	}

	var wo WorkOrder
	err = config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND plant_id = ?", workOrderId, plantId).
			First(&wo).Error; err != nil {
			return notFound(err, "work order")
		}
		if !CanTransitionWorkOrder(wo.Status, to) {
			return utils.NewValidationError("work order cannot move from %s to %s", wo.Status, to)
		}
		if err := tx.Model(&wo).Update("status", to).Error; err != nil {
			return err
		}
		wo.Status = to
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &wo, nil
}

// ListProductionWorkOrders returns the plant's work orders still open for
// production entry, newest first.
func ListProductionWorkOrders(ctx context.Context) ([]*WorkOrder, error) {
	plantId, ok := utils.GetPlantIdFromContext(ctx)
	if !ok || plantId == "" {
		return nil, utils.NewAuthorizationError("plant id is required")
	}
	var results []*WorkOrder
	err := config.GetDB().WithContext(ctx).
		Where("plant_id = ? AND status IN ?", plantId, []WorkOrderStatus{
			WorkOrderStatusDraft, WorkOrderStatusApproved, WorkOrderStatusInProduction, WorkOrderStatusReopened,
		}).
		Order("created_at DESC, id DESC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

// CompletedWorkOrder is a certificate candidate row.
type CompletedWorkOrder struct {
	ID               int             `json:"id"`
	WoNumber         string          `json:"wo_number"`
	Quantity         decimal.Decimal `json:"quantity"`
	ProducedQuantity decimal.Decimal `json:"produced_quantity"`
	ItemCode         *string         `json:"item_code"`
	PoNumber         *string         `json:"po_number"`
	CustomerName     *string         `json:"customer_name"`
	CertificateId    *int            `json:"certificate_id"`
	CurrentVersion   *int            `json:"current_version"`
	CreatedAt        time.Time       `json:"created_at"`
}

func ListCompletedWorkOrders(ctx context.Context) ([]*CompletedWorkOrder, error) {
	plantId, ok := utils.GetPlantIdFromContext(ctx)
	if !ok || plantId == "" {
		return nil, utils.NewAuthorizationError("plant id is required")
	}
	var results []*CompletedWorkOrder
	err := config.GetDB().WithContext(ctx).Raw(`
		SELECT wo.id, wo.wo_number, wo.quantity, wo.produced_quantity, wo.created_at,
			i.item_code, po.po_number, c.name AS customer_name,
			tc.id AS certificate_id, tc.current_version
		FROM work_orders wo
		LEFT JOIN items i ON i.id = wo.item_id
		LEFT JOIN purchase_orders po ON po.id = wo.po_id AND po.plant_id = wo.plant_id
		LEFT JOIN customers c ON c.id = po.customer_id
		LEFT JOIN test_certificates tc ON tc.work_order_id = wo.id AND tc.plant_id = wo.plant_id AND tc.is_deleted = 0
		WHERE wo.plant_id = ? AND wo.status = ? AND wo.is_deleted = 0
		ORDER BY wo.created_at DESC, wo.id DESC`, plantId, WorkOrderStatusCompleted).Scan(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
