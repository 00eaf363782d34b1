package workflow

import (
	"context"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/tc_backend/config"
	"bitbucket.org/mmdatafocus/tc_backend/models"
	"bitbucket.org/mmdatafocus/tc_backend/utils"
	"github.com/shopspring/decimal"
)

// CertificateData is the immutable snapshot a certificate version is rendered from.
type CertificateData struct {
	CertificateNumber string                 `json:"tc_number"`
	Version           int                    `json:"version"`
	TcType            models.CertificateType `json:"tc_type"`
	IssueDate         time.Time              `json:"issue_date"`
	PlantName         string                 `json:"plant_name"`
	PlantLocation     string                 `json:"plant_location"`
	CustomerName      string                 `json:"customer_name"`
	CustomerAddress   string                 `json:"customer_address"`
	PoNumber          string                 `json:"po_number"`
	PoDate            *time.Time             `json:"po_date"`
	WoNumber          string                 `json:"wo_number"`
	ItemCode          string                 `json:"item_code"`
	ItemDescription   string                 `json:"item_description"`
	Unit              string                 `json:"unit"`
	Quantity          decimal.Decimal        `json:"quantity"`
	ProducedQuantity  decimal.Decimal        `json:"produced_quantity"`
	StandardName      string                 `json:"standard_name"`
	Heats             []CertificateHeat      `json:"heats"`
	AllocatedQuantity decimal.Decimal        `json:"allocated_quantity"`
	Parameters        []CertificateParameter `json:"parameters"`
	PreparedByName    string                 `json:"prepared_by_name"`
	ApprovedByName    string                 `json:"approved_by_name"`
	TestedAt          *time.Time             `json:"tested_at"`
}

type CertificateHeat struct {
	HeatNumber        string          `json:"heat_number"`
	SupplierName      string          `json:"supplier_name"`
	MaterialGrade     string          `json:"material_grade"`
	ReceivedDate      *time.Time      `json:"received_date"`
	AllocatedQuantity decimal.Decimal `json:"allocated_quantity"`
}

type CertificateParameter struct {
	ParameterName    string                   `json:"parameter_name"`
	Category         models.ParameterCategory `json:"category"`
	Unit             string                   `json:"unit"`
	MinValue         *decimal.Decimal         `json:"min_value"`
	MaxValue         *decimal.Decimal         `json:"max_value"`
	ObservedValue    decimal.Decimal          `json:"observed_value"`
	ValidationStatus models.ValidationStatus  `json:"validation_status"`
	OverrideReason   string                   `json:"override_reason,omitempty"`
}

// PrimaryHeat is the first heat drawn, printed in the certificate header.
func (d *CertificateData) PrimaryHeat() CertificateHeat {
	if len(d.Heats) == 0 {
		return CertificateHeat{}
	}
	return d.Heats[0]
}

// resolveCertificateType falls back to the configured default when empty.
func resolveCertificateType(raw string) (models.CertificateType, error) {
	if strings.TrimSpace(raw) == "" {
		raw = config.DefaultCertificateType()
	}
	t, err := models.ParseCertificateType(raw)
	if err != nil {
		return "", utils.NewValidationError("certificate type must be one of 2.1, 2.2, 3.1, 3.2")
	}
	return t, nil
}

// GenerateCertificateData checks eligibility and snapshots the data of the
// next certificate version. The acting user is printed as approver.
func GenerateCertificateData(ctx context.Context, workOrderId int, tcType string) (*CertificateData, *EligibilityFacts, error) {
	t, err := resolveCertificateType(tcType)
	if err != nil {
		return nil, nil, err
	}
	facts, err := EvaluateEligibility(ctx, workOrderId)
	if err != nil {
		return nil, nil, err
	}
	cert, err := models.GetCertificateForWorkOrder(ctx, facts.WorkOrder.ID)
	if err != nil {
		return nil, nil, err
	}
	userId, _ := utils.GetUserIdFromContext(ctx)
	data, err := snapshotCertificate(ctx, facts, t, models.NextVersionNumber(cert), userId)
	if err != nil {
		return nil, nil, err
	}
	return data, facts, nil
}

// snapshotCertificate resolves master data around the facts and assembles the snapshot.
func snapshotCertificate(ctx context.Context, facts *EligibilityFacts, t models.CertificateType, version int, approverId int) (*CertificateData, error) {
	wo := facts.WorkOrder
	refs := certificateRefs{}

	if wo.ItemId != nil {
		item, err := models.GetItem(ctx, *wo.ItemId)
		if err != nil {
			return nil, err
		}
		refs.item = item
	}
	if wo.PoId != nil {
		po, err := models.GetPurchaseOrder(ctx, *wo.PoId)
		if err != nil {
			return nil, err
		}
		refs.po = po
		if po.CustomerId != nil {
			customer, err := models.GetCustomer(ctx, *po.CustomerId)
			if err != nil {
				return nil, err
			}
			refs.customer = customer
		}
	}
	if facts.LabResult.TestedBy > 0 {
		if tester, err := models.GetUser(ctx, facts.LabResult.TestedBy); err == nil {
			refs.tester = tester
		}
	}
	if approverId > 0 {
		if approver, err := models.GetUser(ctx, approverId); err == nil {
			refs.approver = approver
		}
	}
	return buildCertificateData(facts, refs, t, version, time.Now().UTC()), nil
}

type certificateRefs struct {
	item     *models.Item
	po       *models.PurchaseOrder
	customer *models.Customer
	tester   *models.User
	approver *models.User
}

func buildCertificateData(facts *EligibilityFacts, refs certificateRefs, t models.CertificateType, version int, issuedAt time.Time) *CertificateData {
	wo := facts.WorkOrder
	data := &CertificateData{
		CertificateNumber: models.CertificateNumberFor(wo.WoNumber),
		Version:           version,
		TcType:            t,
		IssueDate:         issuedAt,
		WoNumber:          wo.WoNumber,
		Quantity:          wo.Quantity,
		ProducedQuantity:  wo.ProducedQuantity,
		AllocatedQuantity: facts.AllocatedQuantity(),
		PreparedByName:    refs.tester.DisplayName(),
		ApprovedByName:    refs.approver.DisplayName(),
		TestedAt:          facts.LabResult.TestedAt,
	}
	if facts.Plant != nil {
		data.PlantName = facts.Plant.Name
		data.PlantLocation = facts.Plant.Location
	}
	if refs.item != nil {
		data.ItemCode = refs.item.ItemCode
		data.ItemDescription = refs.item.Description
		data.Unit = refs.item.Unit
	}
	if refs.po != nil {
		data.PoNumber = refs.po.PoNumber
		data.PoDate = refs.po.OrderDate
	}
	if refs.customer != nil {
		data.CustomerName = refs.customer.Name
		data.CustomerAddress = refs.customer.Address
	}
	if facts.Standard != nil {
		data.StandardName = facts.Standard.Name
	}

	for _, a := range facts.Allocations {
		data.Heats = append(data.Heats, CertificateHeat{
			HeatNumber:        a.Heat.HeatNumber,
			SupplierName:      a.Heat.SupplierName,
			MaterialGrade:     a.Heat.MaterialGrade,
			ReceivedDate:      a.Heat.ReceivedDate,
			AllocatedQuantity: a.Quantity,
		})
	}

	// rows follow the standard's category / sort order
	rows := make(map[int]*models.LabResultParameter, len(facts.LabResult.Parameters))
	for _, p := range facts.LabResult.Parameters {
		rows[p.ParameterId] = p
	}
	var ordered []*models.StandardParameter
	if facts.Standard != nil {
		ordered = append(ordered, facts.Standard.Parameters...)
	}
	models.SortStandardParameters(ordered)
	for _, sp := range ordered {
		row, ok := rows[sp.ID]
		if !ok {
			continue
		}
		data.Parameters = append(data.Parameters, CertificateParameter{
			ParameterName:    sp.ParameterName,
			Category:         sp.Category,
			Unit:             sp.Unit,
			MinValue:         sp.MinValue,
			MaxValue:         sp.MaxValue,
			ObservedValue:    row.ObservedValue,
			ValidationStatus: row.ValidationStatus,
			OverrideReason:   utils.DereferencePtr(row.OverrideReason),
		})
	}
	return data
}
