package models

import (
	"errors"
	"strings"
)

type RoleName string

const (
	RoleNameAdmin RoleName = "admin"
	RoleNameQA    RoleName = "qa"
	RoleNameStore RoleName = "store"
)

func (r RoleName) IsValid() bool {
	switch r {
	case RoleNameAdmin, RoleNameQA, RoleNameStore:
		return true
	}
	return false
}

// CanIssueCertificate reports whether the role may issue test certificates.
func (r RoleName) CanIssueCertificate() bool {
	return r == RoleNameQA || r == RoleNameAdmin
}

type MovementType string

const (
	MovementTypeAllocation MovementType = "allocation"
	MovementTypeAdjustment MovementType = "adjustment"
)

type WorkOrderStatus string

const (
	WorkOrderStatusDraft        WorkOrderStatus = "draft"
	WorkOrderStatusApproved     WorkOrderStatus = "approved"
	WorkOrderStatusInProduction WorkOrderStatus = "in_production"
	WorkOrderStatusLabPending   WorkOrderStatus = "lab_pending"
	WorkOrderStatusCompleted    WorkOrderStatus = "completed"
	WorkOrderStatusOnHold       WorkOrderStatus = "on_hold"
	WorkOrderStatusReopened     WorkOrderStatus = "reopened"
	WorkOrderStatusRejected     WorkOrderStatus = "rejected"
	WorkOrderStatusClosed       WorkOrderStatus = "closed"
)

func (s WorkOrderStatus) IsValid() bool {
	switch s {
	case WorkOrderStatusDraft, WorkOrderStatusApproved, WorkOrderStatusInProduction,
		WorkOrderStatusLabPending, WorkOrderStatusCompleted, WorkOrderStatusOnHold,
		WorkOrderStatusReopened, WorkOrderStatusRejected, WorkOrderStatusClosed:
		return true
	}
	return false
}

func ParseWorkOrderStatus(s string) (WorkOrderStatus, error) {
	status := WorkOrderStatus(strings.ToLower(strings.TrimSpace(s)))
	if !status.IsValid() {
		return "", errors.New("invalid work order status")
	}
	return status, nil
}

type ParameterCategory string

const (
	ParameterCategoryChemical    ParameterCategory = "chemical"
	ParameterCategoryMechanical  ParameterCategory = "mechanical"
	ParameterCategoryDimensional ParameterCategory = "dimensional"
)

// rank orders categories on the certificate
func (c ParameterCategory) rank() int {
	switch c {
	case ParameterCategoryChemical:
		return 0
	case ParameterCategoryMechanical:
		return 1
	case ParameterCategoryDimensional:
		return 2
	}
	return 3
}

func (c ParameterCategory) IsValid() bool {
	return c.rank() < 3
}

type ValidationStatus string

const (
	ValidationStatusPending  ValidationStatus = "pending"
	ValidationStatusPassed   ValidationStatus = "passed"
	ValidationStatusFailed   ValidationStatus = "failed"
	ValidationStatusOverride ValidationStatus = "override"
)

// Acceptable reports whether a parameter in this state clears certificate eligibility.
func (s ValidationStatus) Acceptable() bool {
	return s == ValidationStatusPassed || s == ValidationStatusOverride
}

type CertificateStatus string

const (
	CertificateStatusPrepared CertificateStatus = "prepared"
	CertificateStatusApproved CertificateStatus = "approved"
	CertificateStatusIssued   CertificateStatus = "issued"
)

// CertificateType is the EN 10204 inspection document type.
type CertificateType string

const (
	CertificateType21 CertificateType = "2.1"
	CertificateType22 CertificateType = "2.2"
	CertificateType31 CertificateType = "3.1"
	CertificateType32 CertificateType = "3.2"
)

func (t CertificateType) IsValid() bool {
	switch t {
	case CertificateType21, CertificateType22, CertificateType31, CertificateType32:
		return true
	}
	return false
}

// ParseCertificateType accepts "3.1" as well as "EN 10204 3.1" / "type 3.1".
func ParseCertificateType(s string) (CertificateType, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.TrimPrefix(v, "en 10204")
	v = strings.TrimPrefix(strings.TrimSpace(v), "type")
	t := CertificateType(strings.TrimSpace(v))
	if !t.IsValid() {
		return "", errors.New("invalid certificate type " + s)
	}
	return t, nil
}

type OutboxEventType string

const (
	OutboxEventCertificateIssued OutboxEventType = "certificate.issued"
)

// Outbox publish statuses for CertificateOutboxRecord.PublishStatus.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)
