package workflow

import (
	"context"
	"strconv"

	"bitbucket.org/mmdatafocus/tc_backend/models"
	"bitbucket.org/mmdatafocus/tc_backend/utils"
	"github.com/shopspring/decimal"
)

// HeatAllocation is one heat drawn for a work order with its net quantity.
type HeatAllocation struct {
	Heat     *models.Heat
	Quantity decimal.Decimal
}

// EligibilityFacts is everything the eligibility check loaded, reused by the
// snapshot so nothing is queried twice.
type EligibilityFacts struct {
	WorkOrder   *models.WorkOrder
	LabResult   *models.LabResult
	Standard    *models.Standard
	Allocations []*HeatAllocation
	Plant       *models.Plant
}

// StandardParameter returns the band a lab row was measured against.
func (f *EligibilityFacts) StandardParameter(parameterId int) *models.StandardParameter {
	if f.Standard == nil {
		return nil
	}
	for _, p := range f.Standard.Parameters {
		if p.ID == parameterId {
			return p
		}
	}
	return nil
}

// AllocatedQuantity is the net quantity drawn across all heats.
func (f *EligibilityFacts) AllocatedQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, a := range f.Allocations {
		total = total.Add(a.Quantity)
	}
	return total
}

// EvaluateEligibility decides whether a certificate may be produced for a
// work order. Checks run in a fixed order and the first failing one is
// reported.
func EvaluateEligibility(ctx context.Context, workOrderId int) (*EligibilityFacts, error) {
	wo, err := models.GetWorkOrder(ctx, workOrderId)
	if err != nil {
		return nil, err
	}
	facts := &EligibilityFacts{WorkOrder: wo}

	if wo.Status != models.WorkOrderStatusCompleted {
		return nil, utils.NewAppError(utils.ErrorKindWorkOrderNotReady,
			"work order is "+string(wo.Status)+", not completed", wo.WoNumber)
	}

	lab, err := models.GetLabResultForWorkOrder(ctx, wo.ID)
	if err != nil {
		return nil, err
	}
	if lab == nil || len(lab.Parameters) == 0 {
		return nil, utils.NewAppError(utils.ErrorKindMissingLabData, "no lab results recorded", wo.WoNumber)
	}
	facts.LabResult = lab

	standard, err := models.GetStandardWithParameters(ctx, lab.StandardId)
	if err != nil {
		return nil, err
	}
	facts.Standard = standard

	if err := checkLabParameters(facts); err != nil {
		return nil, err
	}

	allocations, err := loadAllocations(ctx, wo.ID)
	if err != nil {
		return nil, err
	}
	if len(allocations) == 0 {
		return nil, utils.NewAppError(utils.ErrorKindMissingTraceability, "no heat allocated to work order", wo.WoNumber)
	}
	facts.Allocations = allocations

	plant, err := models.GetPlant(ctx, wo.PlantId)
	if err != nil {
		return nil, err
	}
	facts.Plant = plant
	return facts, nil
}

// checkLabParameters reports failed parameters first, then pending ones.
func checkLabParameters(facts *EligibilityFacts) error {
	var failed, pending []string
	for _, p := range facts.LabResult.Parameters {
		name := strconv.Itoa(p.ParameterId)
		if sp := facts.StandardParameter(p.ParameterId); sp != nil {
			name = sp.ParameterName
		}
		switch p.ValidationStatus {
		case models.ValidationStatusFailed:
			failed = append(failed, name)
		case models.ValidationStatusPending:
			pending = append(pending, name)
		}
	}
	if len(failed) > 0 {
		return utils.NewAppError(utils.ErrorKindFailedParameters, "lab results contain failed parameters", failed...)
	}
	if len(pending) > 0 {
		return utils.NewAppError(utils.ErrorKindMissingLabData, "lab parameters not yet tested", pending...)
	}
	return nil
}

// loadAllocations groups the unreversed allocations of a work order by heat,
// in the order heats were first drawn.
func loadAllocations(ctx context.Context, workOrderId int) ([]*HeatAllocation, error) {
	movements, err := models.GetActiveAllocations(ctx, workOrderId)
	if err != nil {
		return nil, err
	}
	byHeat := map[int]*HeatAllocation{}
	var ordered []*HeatAllocation
	for _, m := range movements {
		if a, ok := byHeat[m.HeatId]; ok {
			a.Quantity = a.Quantity.Add(m.Quantity)
			continue
		}
		heat, err := models.GetHeat(ctx, m.HeatId)
		if err != nil {
			return nil, err
		}
		a := &HeatAllocation{Heat: heat, Quantity: m.Quantity}
		byHeat[m.HeatId] = a
		ordered = append(ordered, a)
	}
	return ordered, nil
}
