package models

import (
	"context"
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/tc_backend/utils"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func actorCtx() context.Context {
	ctx := utils.SetPlantIdInContext(context.Background(), "plant-a")
	return utils.SetUserIdInContext(ctx, 7)
}

func TestEvaluateTolerance(t *testing.T) {
	cases := []struct {
		name  string
		value string
		min   *decimal.Decimal
		max   *decimal.Decimal
		want  ValidationStatus
	}{
		{"inside band", "0.3", decPtr("0.1"), decPtr("0.5"), ValidationStatusPassed},
		{"above max", "0.8", decPtr("0.1"), decPtr("0.5"), ValidationStatusFailed},
		{"below min", "0.05", decPtr("0.1"), decPtr("0.5"), ValidationStatusFailed},
		{"equal min is inclusive", "0.1", decPtr("0.1"), decPtr("0.5"), ValidationStatusPassed},
		{"equal max is inclusive", "0.5", decPtr("0.1"), decPtr("0.5"), ValidationStatusPassed},
		{"no min", "-1000", nil, decPtr("0.5"), ValidationStatusPassed},
		{"no max", "99999", decPtr("0.1"), nil, ValidationStatusPassed},
		{"unbounded", "42", nil, nil, ValidationStatusPassed},
		{"decimal precision", "0.500001", decPtr("0.1"), decPtr("0.5"), ValidationStatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := EvaluateTolerance(dec(tc.value), tc.min, tc.max)
			if got != tc.want {
				t.Fatalf("EvaluateTolerance(%s) = %s, want %s", tc.value, got, tc.want)
			}
		})
	}
}

func TestNextProductionStatus(t *testing.T) {
	cases := []struct {
		current  WorkOrderStatus
		produced string
		target   string
		want     WorkOrderStatus
	}{
		{WorkOrderStatusDraft, "100", "100", WorkOrderStatusLabPending},
		{WorkOrderStatusDraft, "120", "100", WorkOrderStatusLabPending},
		{WorkOrderStatusDraft, "10", "100", WorkOrderStatusInProduction},
		{WorkOrderStatusDraft, "0", "100", WorkOrderStatusDraft},
		{WorkOrderStatusInProduction, "50", "100", WorkOrderStatusInProduction},
		{WorkOrderStatusInProduction, "100", "100", WorkOrderStatusLabPending},
		{WorkOrderStatusApproved, "10", "100", WorkOrderStatusApproved},
		{WorkOrderStatusApproved, "100", "100", WorkOrderStatusLabPending},
		{WorkOrderStatusReopened, "100", "100", WorkOrderStatusLabPending},
		{WorkOrderStatusLabPending, "10", "100", WorkOrderStatusLabPending},
		{WorkOrderStatusCompleted, "0", "100", WorkOrderStatusCompleted},
		{WorkOrderStatusCompleted, "200", "100", WorkOrderStatusCompleted},
		{WorkOrderStatusClosed, "100", "100", WorkOrderStatusClosed},
		{WorkOrderStatusOnHold, "100", "100", WorkOrderStatusOnHold},
		{WorkOrderStatusRejected, "100", "100", WorkOrderStatusRejected},
		{WorkOrderStatusDraft, "5", "0", WorkOrderStatusInProduction},
	}
	for _, tc := range cases {
		got := NextProductionStatus(tc.current, dec(tc.produced), dec(tc.target))
		if got != tc.want {
			t.Errorf("NextProductionStatus(%s, %s, %s) = %s, want %s", tc.current, tc.produced, tc.target, got, tc.want)
		}
	}
}

func TestCanTransitionWorkOrder(t *testing.T) {
	allowed := [][2]WorkOrderStatus{
		{WorkOrderStatusLabPending, WorkOrderStatusCompleted},
		{WorkOrderStatusCompleted, WorkOrderStatusReopened},
		{WorkOrderStatusInProduction, WorkOrderStatusOnHold},
		{WorkOrderStatusOnHold, WorkOrderStatusInProduction},
	}
	for _, p := range allowed {
		if !CanTransitionWorkOrder(p[0], p[1]) {
			t.Errorf("expected %s -> %s to be allowed", p[0], p[1])
		}
	}
	denied := [][2]WorkOrderStatus{
		{WorkOrderStatusCompleted, WorkOrderStatusDraft},
		{WorkOrderStatusClosed, WorkOrderStatusReopened},
		{WorkOrderStatusDraft, WorkOrderStatusCompleted},
		{WorkOrderStatusLabPending, WorkOrderStatusInProduction},
	}
	for _, p := range denied {
		if CanTransitionWorkOrder(p[0], p[1]) {
			t.Errorf("expected %s -> %s to be denied", p[0], p[1])
		}
	}
}

func TestRollupValidationStatus(t *testing.T) {
	cases := []struct {
		in   []ValidationStatus
		want ValidationStatus
	}{
		{nil, ValidationStatusPending},
		{[]ValidationStatus{ValidationStatusPassed, ValidationStatusPassed}, ValidationStatusPassed},
		{[]ValidationStatus{ValidationStatusPassed, ValidationStatusOverride}, ValidationStatusOverride},
		{[]ValidationStatus{ValidationStatusOverride, ValidationStatusPending}, ValidationStatusPending},
		{[]ValidationStatus{ValidationStatusPending, ValidationStatusFailed, ValidationStatusPassed}, ValidationStatusFailed},
	}
	for _, tc := range cases {
		if got := RollupValidationStatus(tc.in); got != tc.want {
			t.Errorf("RollupValidationStatus(%v) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestCheckHeatLedgerRow(t *testing.T) {
	ok := HeatLedgerRow{HeatId: 1, InitialQuantity: dec("1000"), AvailableQuantity: dec("400"), MovementTotal: dec("600")}
	if problems := CheckHeatLedgerRow(ok); len(problems) != 0 {
		t.Fatalf("expected consistent row, got %v", problems)
	}

	drift := HeatLedgerRow{HeatId: 2, InitialQuantity: dec("1000"), AvailableQuantity: dec("400"), MovementTotal: dec("500")}
	if problems := CheckHeatLedgerRow(drift); len(problems) != 1 {
		t.Fatalf("expected one conservation problem, got %v", problems)
	}

	over := HeatLedgerRow{HeatId: 3, InitialQuantity: dec("10"), AvailableQuantity: dec("12"), MovementTotal: dec("-2")}
	if problems := CheckHeatLedgerRow(over); len(problems) != 1 {
		t.Fatalf("expected bound problem only, got %v", problems)
	}

	negative := HeatLedgerRow{HeatId: 4, InitialQuantity: dec("10"), AvailableQuantity: dec("-1"), MovementTotal: dec("11")}
	if problems := CheckHeatLedgerRow(negative); len(problems) != 1 {
		t.Fatalf("expected negative problem only, got %v", problems)
	}
}

func TestCertificateNaming(t *testing.T) {
	if got := CertificateNumberFor(" WO-001 "); got != "TC-WO-001" {
		t.Fatalf("CertificateNumberFor = %q", got)
	}
	if got := CertificateObjectKey("p1", "TC-WO-001", 2, "xlsx"); got != "p1/tc-TC-WO-001-v2.xlsx" {
		t.Fatalf("CertificateObjectKey = %q", got)
	}
	if got := CertificateObjectKey("p1", "TC-WO-001", 1, ".pdf"); got != "p1/tc-TC-WO-001-v1.pdf" {
		t.Fatalf("CertificateObjectKey = %q", got)
	}
	if got := NextVersionNumber(nil); got != 1 {
		t.Fatalf("NextVersionNumber(nil) = %d", got)
	}
	if got := NextVersionNumber(&TestCertificate{CurrentVersion: 3}); got != 4 {
		t.Fatalf("NextVersionNumber(3) = %d", got)
	}
}

func TestParseCertificateType(t *testing.T) {
	for in, want := range map[string]CertificateType{
		"3.1":          CertificateType31,
		" 2.2 ":        CertificateType22,
		"EN 10204 3.2": CertificateType32,
		"type 2.1":     CertificateType21,
	} {
		got, err := ParseCertificateType(in)
		if err != nil || got != want {
			t.Errorf("ParseCertificateType(%q) = %q, %v", in, got, err)
		}
	}
	for _, in := range []string{"", "3.3", "4"} {
		if _, err := ParseCertificateType(in); err == nil {
			t.Errorf("ParseCertificateType(%q) expected error", in)
		}
	}
}

func TestSortStandardParameters(t *testing.T) {
	params := []*StandardParameter{
		{ID: 1, ParameterName: "Length", Category: ParameterCategoryDimensional, SortOrder: 0},
		{ID: 2, ParameterName: "Tensile", Category: ParameterCategoryMechanical, SortOrder: 2},
		{ID: 3, ParameterName: "Yield", Category: ParameterCategoryMechanical, SortOrder: 1},
		{ID: 4, ParameterName: "Carbon", Category: ParameterCategoryChemical, SortOrder: 5},
		{ID: 5, ParameterName: "Sulfur", Category: ParameterCategoryChemical, SortOrder: 5},
	}
	SortStandardParameters(params)
	want := []string{"Carbon", "Sulfur", "Yield", "Tensile", "Length"}
	for i, p := range params {
		if p.ParameterName != want[i] {
			t.Fatalf("position %d = %s, want %s", i, p.ParameterName, want[i])
		}
	}
}

func TestWritesRejectInvalidInputBeforeTouchingTheDatabase(t *testing.T) {
	ctx := actorCtx()

	if _, err := RecordProduction(ctx, 1, dec("-1"), dec("0")); !errors.Is(err, utils.ErrValidation) {
		t.Fatalf("RecordProduction negative produced: %v", err)
	}
	if _, err := RecordProduction(ctx, 1, dec("5"), dec("-2")); !errors.Is(err, utils.ErrValidation) {
		t.Fatalf("RecordProduction negative rejected: %v", err)
	}
	err := RecordProductionBatch(ctx, []*ProductionEntry{
		{WorkOrderId: 1, Produced: dec("10")},
		{WorkOrderId: 2, Produced: dec("-1")},
	})
	if !errors.Is(err, utils.ErrValidation) {
		t.Fatalf("RecordProductionBatch with one negative entry: %v", err)
	}
	if _, err := AllocateHeat(ctx, 1, 1, dec("0")); !errors.Is(err, utils.ErrValidation) {
		t.Fatalf("AllocateHeat zero qty: %v", err)
	}
	if _, err := ReverseAllocation(ctx, 1, "  "); !errors.Is(err, utils.ErrValidation) {
		t.Fatalf("ReverseAllocation blank reason: %v", err)
	}
	if _, err := OverrideLabParameter(ctx, 1, ""); !errors.Is(err, utils.ErrValidation) {
		t.Fatalf("OverrideLabParameter empty reason: %v", err)
	}
	if _, err := OverrideLabParameter(ctx, 1, " ok "); !errors.Is(err, utils.ErrValidation) {
		t.Fatalf("OverrideLabParameter short reason: %v", err)
	}
	if err := SubmitLabResults(ctx, 1, nil); !errors.Is(err, utils.ErrValidation) {
		t.Fatalf("SubmitLabResults empty batch: %v", err)
	}
	if _, err := ReplayCertificateEvent(ctx, 0); !errors.Is(err, utils.ErrValidation) {
		t.Fatalf("ReplayCertificateEvent without record: %v", err)
	}
}

func TestWritesRequireAnActor(t *testing.T) {
	ctx := context.Background()
	if _, err := AllocateHeat(ctx, 1, 1, dec("1")); !errors.Is(err, utils.ErrAuthorization) {
		t.Fatalf("AllocateHeat without actor: %v", err)
	}
	if _, err := RegisterHeat(ctx, &NewHeat{HeatNumber: "H1", InitialQuantity: dec("1")}); !errors.Is(err, utils.ErrAuthorization) {
		t.Fatalf("RegisterHeat without actor: %v", err)
	}
	if _, err := InitializeLabResult(ctx, 1); !errors.Is(err, utils.ErrAuthorization) {
		t.Fatalf("InitializeLabResult without actor: %v", err)
	}
}
