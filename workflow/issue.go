package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/tc_backend/config"
	"bitbucket.org/mmdatafocus/tc_backend/models"
	"bitbucket.org/mmdatafocus/tc_backend/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("tc_backend/workflow")

const (
	issueHandlerName = "IssueCertificate"
	issueLockTTL     = 2 * time.Minute
	downloadURLTTL   = 15 * time.Minute
)

// CertificateIssuer renders, stores and records certificate versions.
type CertificateIssuer struct {
	Store    utils.BlobStore
	Renderer Renderer
}

func NewCertificateIssuer(store utils.BlobStore, renderer Renderer) *CertificateIssuer {
	if renderer == nil {
		renderer = SpreadsheetRenderer{}
	}
	return &CertificateIssuer{Store: store, Renderer: renderer}
}

// IssueRequest names exactly one target. A work order id issues its next
// version; a certificate id reissues that certificate with its stored type.
type IssueRequest struct {
	WorkOrderId    int    `json:"work_order_id" validate:"gte=0"`
	CertificateId  int    `json:"certificate_id" validate:"gte=0"`
	TcType         string `json:"tc_type"`
	IdempotencyKey string `json:"-"`
}

type IssueResult struct {
	CertificateId     int                    `json:"certificate_id"`
	WorkOrderId       int                    `json:"work_order_id"`
	CertificateNumber string                 `json:"certificate_number"`
	VersionNumber     int                    `json:"version_number"`
	TcType            models.CertificateType `json:"tc_type"`
	DocumentUrl       string                 `json:"document_url"`
	ObjectKey         string                 `json:"object_key"`
	Replayed          bool                   `json:"replayed"`
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// requireIssuer returns the actor when their role may issue certificates.
func requireIssuer(ctx context.Context) (string, int, error) {
	plantId, userId, err := utils.GetActorFromContext(ctx)
	if err != nil {
		return "", 0, err
	}
	role, _ := utils.GetRoleFromContext(ctx)
	if !models.RoleName(role).CanIssueCertificate() {
		return "", 0, utils.NewAuthorizationError("only qa or admin can issue test certificates")
	}
	return plantId, userId, nil
}

// IssueCertificate issues the next version of a work order's certificate.
// Nothing is written unless the actor may issue and the work order is
// eligible. Once the artifact is stored, any later failure is reported as
// reconciliation required with the object key.
func (s *CertificateIssuer) IssueCertificate(ctx context.Context, req *IssueRequest) (result *IssueResult, err error) {
	ctx, span := tracer.Start(ctx, "IssueCertificate")
	defer func() { finishSpan(span, err) }()

	plantId, userId, err := requireIssuer(ctx)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, utils.NewValidationError("issue request is required")
	}
	if err := utils.ValidateInput(req); err != nil {
		return nil, err
	}
	if (req.WorkOrderId > 0) == (req.CertificateId > 0) {
		return nil, utils.NewValidationError("exactly one of work_order_id or certificate_id is required")
	}
	if s.Store == nil || s.Renderer == nil {
		return nil, errors.New("certificate issuer is not configured")
	}

	workOrderId, tcType, err := resolveIssueTarget(ctx, req)
	if err != nil {
		return nil, err
	}
	t, err := resolveCertificateType(tcType)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("plant_id", plantId), attribute.Int("work_order_id", workOrderId))

	release, locked, err := utils.ObtainRedisLock(ctx, issuanceLockName(plantId, workOrderId), issueLockTTL, "CertificateIssuer", "IssueCertificate")
	if err != nil {
		return nil, err
	}
	defer release()
	if !locked && config.IssueRequiresRedisLock() {
		return nil, utils.NewAppError(utils.ErrorKindConflict, "issuance lock is unavailable", issuanceLockName(plantId, workOrderId))
	}

	err = config.GetDB().WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := AcquireIssuanceLock(conn, plantId, workOrderId); err != nil {
			return err
		}
		defer ReleaseIssuanceLock(ctx, conn, plantId, workOrderId)

		r, err := s.issueLocked(ctx, conn, plantId, userId, workOrderId, t, strings.TrimSpace(req.IdempotencyKey))
		result = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// resolveIssueTarget returns the work order to issue for. A certificate's
// stored type overrides the requested one.
func resolveIssueTarget(ctx context.Context, req *IssueRequest) (int, string, error) {
	if req.CertificateId == 0 {
		wo, err := models.GetWorkOrder(ctx, req.WorkOrderId)
		if err != nil {
			return 0, "", err
		}
		return wo.ID, req.TcType, nil
	}
	cert, err := models.GetCertificate(ctx, req.CertificateId)
	if err != nil {
		return 0, "", err
	}
	tcType := req.TcType
	if cert.TcType != "" {
		tcType = string(cert.TcType)
	}
	return cert.WorkOrderId, tcType, nil
}

func (s *CertificateIssuer) issueLocked(ctx context.Context, conn *gorm.DB, plantId string, userId int, workOrderId int, t models.CertificateType, idemKey string) (*IssueResult, error) {
	logger := config.GetLogger()
	correlationId, ok := utils.GetCorrelationIdFromContext(ctx)
	if !ok || correlationId == "" {
		correlationId = uuid.NewString()
		ctx = utils.SetCorrelationIdInContext(ctx, correlationId)
	}
	fields := logrus.Fields{
		"plant_id":       plantId,
		"work_order_id":  workOrderId,
		"correlation_id": correlationId,
	}

	var claim *idempotencyClaim
	if idemKey != "" {
		claim = &idempotencyClaim{
			PlantId:     plantId,
			Handler:     issueHandlerName,
			MessageId:   fmt.Sprintf("%d:%s", workOrderId, idemKey),
			Fingerprint: string(t),
		}
		done, ref, err := claim.begin(conn)
		switch {
		case errors.Is(err, ErrIdempotencyInProgress):
			return nil, utils.NewAppError(utils.ErrorKindConflict, "an issue with this idempotency key is in progress", idemKey)
		case errors.Is(err, ErrIdempotencyKeyReused):
			return nil, utils.NewAppError(utils.ErrorKindConflict, "idempotency key was used for a different certificate type", idemKey)
		case err != nil:
			return nil, err
		case done:
			return replayIssue(ctx, ref)
		}
	}
	fail := func(err error) (*IssueResult, error) {
		if claim != nil {
			if markErr := claim.fail(conn, err); markErr != nil {
				config.LogError(logger, "CertificateIssuer", "issueLocked", "mark idempotency failed", claim.MessageId, markErr)
			}
		}
		return nil, err
	}

	_, snapSpan := tracer.Start(ctx, "GenerateCertificateData")
	data, _, err := GenerateCertificateData(ctx, workOrderId, string(t))
	finishSpan(snapSpan, err)
	if err != nil {
		return fail(err)
	}

	_, renderSpan := tracer.Start(ctx, "RenderCertificate")
	doc, err := s.Renderer.Render(data)
	finishSpan(renderSpan, err)
	if err != nil {
		config.LogError(logger, "CertificateIssuer", "issueLocked", "render", fields, err)
		return fail(err)
	}

	objectKey := models.CertificateObjectKey(plantId, data.CertificateNumber, data.Version, doc.Extension)
	putCtx, putSpan := tracer.Start(ctx, "StoreCertificate")
	url, err := s.Store.Put(putCtx, objectKey, doc.Data, doc.ContentType)
	finishSpan(putSpan, err)
	if err != nil {
		config.LogError(logger, "CertificateIssuer", "issueLocked", "store artifact", objectKey, err)
		return fail(err)
	}

	// the artifact now exists; every failure below leaves it orphaned
	var cert *models.TestCertificate
	var version *models.TestCertificateVersion
	err = conn.Transaction(func(tx *gorm.DB) error {
		var err error
		cert, version, err = models.CommitIssuedVersion(tx, &models.IssuedVersion{
			PlantId:           plantId,
			WorkOrderId:       workOrderId,
			CertificateNumber: data.CertificateNumber,
			TcType:            t,
			VersionNumber:     data.Version,
			DocumentUrl:       url,
			ObjectKey:         objectKey,
			ContentType:       doc.ContentType,
			GeneratedBy:       userId,
			GeneratedAt:       data.IssueDate,
			CorrelationId:     correlationId,
		})
		if err != nil {
			return err
		}
		if claim != nil {
			return claim.succeed(tx, issueResultRef(cert.ID, version.VersionNumber))
		}
		return nil
	})
	if err != nil {
		config.LogError(logger, "CertificateIssuer", "issueLocked", "commit version", fields, err)
		return fail(utils.NewReconciliationError("certificate artifact stored but version not recorded", err, objectKey))
	}

	config.RequestLogger(ctx, logrus.Fields{"work_order_id": workOrderId, "version": version.VersionNumber}).Info("certificate issued")
	return &IssueResult{
		CertificateId:     cert.ID,
		WorkOrderId:       workOrderId,
		CertificateNumber: data.CertificateNumber,
		VersionNumber:     version.VersionNumber,
		TcType:            t,
		DocumentUrl:       url,
		ObjectKey:         objectKey,
	}, nil
}

func issueResultRef(certificateId, version int) string {
	return strconv.Itoa(certificateId) + ":" + strconv.Itoa(version)
}

// replayIssue rebuilds the result of an already successful keyed issue.
func replayIssue(ctx context.Context, ref string) (*IssueResult, error) {
	parts := strings.SplitN(ref, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed idempotency result %q", ref)
	}
	certificateId, err1 := strconv.Atoi(parts[0])
	version, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return nil, fmt.Errorf("malformed idempotency result %q", ref)
	}
	cert, err := models.GetCertificate(ctx, certificateId)
	if err != nil {
		return nil, err
	}
	v, err := models.GetCertificateVersion(ctx, certificateId, version)
	if err != nil {
		return nil, err
	}
	wo, err := models.GetWorkOrder(ctx, cert.WorkOrderId)
	if err != nil {
		return nil, err
	}
	return &IssueResult{
		CertificateId:     cert.ID,
		WorkOrderId:       cert.WorkOrderId,
		CertificateNumber: models.CertificateNumberFor(wo.WoNumber),
		VersionNumber:     v.VersionNumber,
		TcType:            cert.TcType,
		DocumentUrl:       v.DocumentUrl,
		ObjectKey:         v.ObjectKey,
		Replayed:          true,
	}, nil
}

// PreviewCertificate renders the next version without storing or recording it.
func (s *CertificateIssuer) PreviewCertificate(ctx context.Context, workOrderId int, tcType string) (*RenderedDocument, *CertificateData, error) {
	ctx, span := tracer.Start(ctx, "PreviewCertificate")
	data, _, err := GenerateCertificateData(ctx, workOrderId, tcType)
	if err != nil {
		finishSpan(span, err)
		return nil, nil, err
	}
	doc, err := s.Renderer.Render(data)
	finishSpan(span, err)
	if err != nil {
		return nil, nil, err
	}
	return doc, data, nil
}

// VersionDocument is a stored certificate version with a link to download it.
type VersionDocument struct {
	Version     *models.TestCertificateVersion `json:"version"`
	DownloadUrl string                         `json:"download_url"`
	Document    *RenderedDocument              `json:"-"`
}

// GetCertificateVersionDocument returns a version's artifact link. With
// rerender the document is rebuilt from current data, keeping the version's
// number, approver and issue date.
func (s *CertificateIssuer) GetCertificateVersionDocument(ctx context.Context, certificateId int, versionNumber int, rerender bool) (*VersionDocument, error) {
	cert, err := models.GetCertificate(ctx, certificateId)
	if err != nil {
		return nil, err
	}
	v, err := models.GetCertificateVersion(ctx, certificateId, versionNumber)
	if err != nil {
		return nil, err
	}
	out := &VersionDocument{Version: v, DownloadUrl: v.DocumentUrl}
	if signer, ok := s.Store.(utils.DownloadSigner); ok && v.ObjectKey != "" {
		signed, err := signer.SignedDownloadURL(ctx, v.ObjectKey, downloadURLTTL)
		if err != nil {
			config.LogError(config.GetLogger(), "CertificateIssuer", "GetCertificateVersionDocument", "sign url", v.ObjectKey, err)
		} else {
			out.DownloadUrl = signed
		}
	}
	if !rerender {
		return out, nil
	}

	facts, err := EvaluateEligibility(ctx, cert.WorkOrderId)
	if err != nil {
		return nil, err
	}
	approverId := v.GeneratedBy
	if v.ApprovedBy != nil {
		approverId = *v.ApprovedBy
	}
	data, err := snapshotCertificate(ctx, facts, cert.TcType, v.VersionNumber, approverId)
	if err != nil {
		return nil, err
	}
	data.IssueDate = v.GeneratedAt
	doc, err := s.Renderer.Render(data)
	if err != nil {
		return nil, err
	}
	out.Document = doc
	return out, nil
}
