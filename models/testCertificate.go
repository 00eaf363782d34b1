package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/tc_backend/config"
	"bitbucket.org/mmdatafocus/tc_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/plugin/soft_delete"
)

// TestCertificate is the per-work-order certificate header. CurrentVersion is
// 0 until the first version commits.
type TestCertificate struct {
	ID             int                       `gorm:"primary_key" json:"id"`
	PlantId        string                    `gorm:"size:36;not null;index" json:"plant_id"`
	WorkOrderId    int                       `gorm:"not null;uniqueIndex" json:"work_order_id"`
	CurrentVersion int                       `gorm:"not null;default:0" json:"current_version"`
	TcType         CertificateType           `gorm:"size:10;not null;default:'3.1'" json:"tc_type"`
	Status         CertificateStatus         `gorm:"type:enum('prepared','approved','issued');not null;default:prepared" json:"status"`
	Versions       []*TestCertificateVersion `gorm:"foreignKey:CertificateId" json:"versions,omitempty"`
	CreatedBy      int                       `json:"created_by"`
	UpdatedBy      int                       `json:"updated_by"`
	CreatedAt      time.Time                 `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt      time.Time                 `gorm:"autoUpdateTime" json:"updated_at"`
	IsDeleted      soft_delete.DeletedAt     `gorm:"softDelete:flag;not null;default:0" json:"-"`
}

// TestCertificateVersion is one issued rendition. Rows are never updated.
type TestCertificateVersion struct {
	ID             int               `gorm:"primary_key" json:"id"`
	PlantId        string            `gorm:"size:36;not null;index" json:"plant_id"`
	CertificateId  int               `gorm:"not null;uniqueIndex:uniq_tc_version,priority:1" json:"certificate_id"`
	VersionNumber  int               `gorm:"not null;uniqueIndex:uniq_tc_version,priority:2" json:"version_number"`
	DocumentUrl    string            `gorm:"type:text;not null" json:"document_url"`
	ObjectKey      string            `gorm:"size:500;not null" json:"object_key"`
	ContentType    string            `gorm:"size:100" json:"content_type"`
	GeneratedBy    int               `gorm:"not null" json:"generated_by"`
	GeneratedAt    time.Time         `gorm:"not null" json:"generated_at"`
	ApprovalStatus CertificateStatus `gorm:"type:enum('prepared','approved','issued');not null" json:"approval_status"`
	ApprovedBy     *int              `json:"approved_by"`
	ApprovedAt     *time.Time        `json:"approved_at"`
	CreatedBy      int               `json:"created_by"`
	UpdatedBy      int               `json:"updated_by"`
	CreatedAt      time.Time         `gorm:"autoCreateTime" json:"created_at"`
}

// CertificateNumberFor derives the certificate number from the work order number.
func CertificateNumberFor(woNumber string) string {
	return "TC-" + strings.TrimSpace(woNumber)
}

// NextVersionNumber returns the version a new issue of c would get.
func NextVersionNumber(c *TestCertificate) int {
	if c == nil || c.CurrentVersion < 0 {
		return 1
	}
	return c.CurrentVersion + 1
}

// CertificateObjectKey is the blob path of a certificate version.
func CertificateObjectKey(plantId, certificateNumber string, version int, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return fmt.Sprintf("%s/tc-%s-v%d%s", plantId, certificateNumber, version, ext)
}

// GetCertificateForWorkOrder returns nil, nil when the work order has no certificate yet.
func GetCertificateForWorkOrder(ctx context.Context, workOrderId int) (*TestCertificate, error) {
	plantId, ok := utils.GetPlantIdFromContext(ctx)
	if !ok || plantId == "" {
		return nil, utils.NewAuthorizationError("plant id is required")
	}
	var cert TestCertificate
	err := config.GetDB().WithContext(ctx).
		Where("plant_id = ? AND work_order_id = ?", plantId, workOrderId).
		Take(&cert).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &cert, nil
}

func GetCertificate(ctx context.Context, certificateId int) (*TestCertificate, error) {
	plantId, ok := utils.GetPlantIdFromContext(ctx)
	if !ok || plantId == "" {
		return nil, utils.NewAuthorizationError("plant id is required")
	}
	cert, err := utils.FetchModel[TestCertificate](ctx, plantId, certificateId)
	if err != nil {
		return nil, notFound(err, "certificate")
	}
	return cert, nil
}

func GetCertificateVersion(ctx context.Context, certificateId int, version int) (*TestCertificateVersion, error) {
	cert, err := GetCertificate(ctx, certificateId)
	if err != nil {
		return nil, err
	}
	var v TestCertificateVersion
	err = config.GetDB().WithContext(ctx).
		Where("plant_id = ? AND certificate_id = ? AND version_number = ?", cert.PlantId, cert.ID, version).
		Take(&v).Error
	if err != nil {
		return nil, notFound(err, "certificate version")
	}
	return &v, nil
}

func ListCertificateVersions(ctx context.Context, certificateId int) ([]*TestCertificateVersion, error) {
	cert, err := GetCertificate(ctx, certificateId)
	if err != nil {
		return nil, err
	}
	var results []*TestCertificateVersion
	err = config.GetDB().WithContext(ctx).
		Where("plant_id = ? AND certificate_id = ?", cert.PlantId, cert.ID).
		Order("version_number").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

// CertificateListing is one row of the plant's certificate register.
type CertificateListing struct {
	ID                int             `json:"id"`
	WorkOrderId       int             `json:"work_order_id"`
	WoNumber          string          `json:"wo_number"`
	CertificateNumber string          `json:"certificate_number" gorm:"-"`
	ItemCode          *string         `json:"item_code"`
	CustomerName      *string         `json:"customer_name"`
	PoNumber          *string         `json:"po_number"`
	TcType            CertificateType `json:"tc_type"`
	Status            string          `json:"status"`
	CurrentVersion    int             `json:"current_version"`
	DocumentUrl       *string         `json:"document_url"`
	GeneratedAt       *time.Time      `json:"generated_at"`
	CreatedAt         time.Time       `json:"created_at"`
}

// ListCertificates returns the plant's certificates, newest first, with the
// latest version's document.
func ListCertificates(ctx context.Context) ([]*CertificateListing, error) {
	plantId, ok := utils.GetPlantIdFromContext(ctx)
	if !ok || plantId == "" {
		return nil, utils.NewAuthorizationError("plant id is required")
	}
	var results []*CertificateListing
	err := config.GetDB().WithContext(ctx).Raw(`
		SELECT tc.id, tc.work_order_id, wo.wo_number, i.item_code, c.name AS customer_name, po.po_number,
			tc.tc_type, tc.status, tc.current_version, v.document_url, v.generated_at, tc.created_at
		FROM test_certificates tc
		JOIN work_orders wo ON wo.id = tc.work_order_id AND wo.plant_id = tc.plant_id
		LEFT JOIN items i ON i.id = wo.item_id
		LEFT JOIN purchase_orders po ON po.id = wo.po_id AND po.plant_id = wo.plant_id
		LEFT JOIN customers c ON c.id = po.customer_id
		LEFT JOIN test_certificate_versions v ON v.certificate_id = tc.id AND v.version_number = tc.current_version
		WHERE tc.plant_id = ? AND tc.is_deleted = 0
		ORDER BY tc.created_at DESC, tc.id DESC`, plantId).Scan(&results).Error
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		r.CertificateNumber = CertificateNumberFor(r.WoNumber)
	}
	return results, nil
}

// IssuedVersion is what CommitIssuedVersion persists.
type IssuedVersion struct {
	PlantId           string
	WorkOrderId       int
	CertificateNumber string
	TcType            CertificateType
	VersionNumber     int
	DocumentUrl       string
	ObjectKey         string
	ContentType       string
	GeneratedBy       int
	GeneratedAt       time.Time
	CorrelationId     string
}

// CommitIssuedVersion writes the version row, advances the header and
// enqueues the issued event inside tx. The header row is locked and its
// current version must be exactly one behind; anything else is a conflict and
// nothing is written.
func CommitIssuedVersion(tx *gorm.DB, input *IssuedVersion) (*TestCertificate, *TestCertificateVersion, error) {
	if input.VersionNumber < 1 {
		return nil, nil, utils.NewValidationError("version number must start at 1")
	}

	header := TestCertificate{
		PlantId:     input.PlantId,
		WorkOrderId: input.WorkOrderId,
		TcType:      input.TcType,
		Status:      CertificateStatusPrepared,
	}
	// ensure a header row exists to lock; a concurrent creator wins harmlessly
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&header).Error; err != nil {
		return nil, nil, err
	}

	var cert TestCertificate
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("plant_id = ? AND work_order_id = ?", input.PlantId, input.WorkOrderId).
		Take(&cert).Error; err != nil {
		return nil, nil, err
	}
	if cert.CurrentVersion != input.VersionNumber-1 {
		return nil, nil, utils.NewAppError(utils.ErrorKindConflict,
			fmt.Sprintf("certificate is at version %d, cannot issue version %d", cert.CurrentVersion, input.VersionNumber),
			input.CertificateNumber)
	}

	now := time.Now().UTC()
	version := TestCertificateVersion{
		PlantId:        input.PlantId,
		CertificateId:  cert.ID,
		VersionNumber:  input.VersionNumber,
		DocumentUrl:    input.DocumentUrl,
		ObjectKey:      input.ObjectKey,
		ContentType:    input.ContentType,
		GeneratedBy:    input.GeneratedBy,
		GeneratedAt:    input.GeneratedAt,
		ApprovalStatus: CertificateStatusIssued,
		ApprovedBy:     &input.GeneratedBy,
		ApprovedAt:     &now,
	}
	if err := tx.Create(&version).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return nil, nil, utils.NewAppError(utils.ErrorKindConflict, "certificate version already exists", input.CertificateNumber)
		}
		return nil, nil, err
	}

	if err := tx.Model(&TestCertificate{}).
		Where("id = ? AND plant_id = ?", cert.ID, input.PlantId).
		Updates(map[string]interface{}{
			"current_version": input.VersionNumber,
			"status":          CertificateStatusIssued,
			"tc_type":         input.TcType,
		}).Error; err != nil {
		return nil, nil, err
	}
	cert.CurrentVersion = input.VersionNumber
	cert.Status = CertificateStatusIssued
	cert.TcType = input.TcType

	if err := EnqueueCertificateEvent(tx, &cert, &version, input.CertificateNumber, input.CorrelationId); err != nil {
		return nil, nil, err
	}

	config.GetLogger().WithFields(logrus.Fields{
		"plant_id":       input.PlantId,
		"work_order_id":  input.WorkOrderId,
		"certificate_id": cert.ID,
		"version":        input.VersionNumber,
		"correlation_id": input.CorrelationId,
	}).Info("certificate version committed")
	return &cert, &version, nil
}
