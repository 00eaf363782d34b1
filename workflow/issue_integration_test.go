package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"bitbucket.org/mmdatafocus/tc_backend/config"
	"bitbucket.org/mmdatafocus/tc_backend/internal/dockertest"
	"bitbucket.org/mmdatafocus/tc_backend/models"
	"bitbucket.org/mmdatafocus/tc_backend/utils"
	"bitbucket.org/mmdatafocus/tc_backend/workflow"
	"github.com/shopspring/decimal"
)

func TestCertificateIssuance(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := setupIssuanceDatabase(t)
	db := config.GetDB()
	item := seedIssuanceMasterData(t, ctx)
	store := utils.NewMemoryBlobStore()
	issuer := workflow.NewCertificateIssuer(store, nil)

	var earlyId int
	t.Run("work order in production is not eligible", func(t *testing.T) {
		wo := prepareWorkOrder(t, ctx, item, "WO-EARLY", false)
		earlyId = wo.ID
		_, err := issuer.IssueCertificate(ctx, &workflow.IssueRequest{WorkOrderId: wo.ID, TcType: "3.1"})
		if !errors.Is(err, utils.ErrWorkOrderNotReady) {
			t.Fatalf("IssueCertificate = %v, want work order not ready", err)
		}
		var n int64
		db.Model(&models.TestCertificate{}).Where("work_order_id = ?", wo.ID).Count(&n)
		if n != 0 {
			t.Fatalf("certificate rows = %d, want 0", n)
		}
		if keys := store.Keys(); len(keys) != 0 {
			t.Fatalf("artifacts stored: %v", keys)
		}
	})

	var certId int
	t.Run("versions increase by one per issue", func(t *testing.T) {
		wo := prepareWorkOrder(t, ctx, item, "WO-ISSUE", true)
		for want := 1; want <= 3; want++ {
			res, err := issuer.IssueCertificate(ctx, &workflow.IssueRequest{WorkOrderId: wo.ID, TcType: "3.1"})
			if err != nil {
				t.Fatalf("issue %d: %v", want, err)
			}
			if res.VersionNumber != want || res.CertificateNumber != "TC-WO-ISSUE" {
				t.Fatalf("issue %d = %s v%d", want, res.CertificateNumber, res.VersionNumber)
			}
			if _, ok := store.Get(res.ObjectKey); !ok {
				t.Fatalf("artifact %s not stored", res.ObjectKey)
			}
			certId = res.CertificateId
		}
		versions, err := models.ListCertificateVersions(ctx, certId)
		if err != nil || len(versions) != 3 {
			t.Fatalf("versions = %d, %v", len(versions), err)
		}
		cert, err := models.GetCertificate(ctx, certId)
		if err != nil || cert.CurrentVersion != 3 || cert.Status != models.CertificateStatusIssued {
			t.Fatalf("certificate = %+v, %v", cert, err)
		}

		// a certificate id reissues with its stored type
		res, err := issuer.IssueCertificate(ctx, &workflow.IssueRequest{CertificateId: certId})
		if err != nil || res.VersionNumber != 4 || res.TcType != models.CertificateType31 || res.WorkOrderId != wo.ID {
			t.Fatalf("reissue by certificate id = %+v, %v", res, err)
		}

		var events int64
		db.Model(&models.CertificateOutboxRecord{}).Where("certificate_id = ?", certId).Count(&events)
		if events != 4 {
			t.Fatalf("outbox events = %d, want 4", events)
		}
	})

	t.Run("certificate ids never resolve to work orders", func(t *testing.T) {
		if certId == 0 || earlyId == 0 {
			t.Skip("no certificate issued")
		}
		// both sequences start at 1 in a fresh schema
		if certId != earlyId {
			t.Fatalf("certificate id %d and WO-EARLY id %d do not collide", certId, earlyId)
		}
		_, err := issuer.IssueCertificate(ctx, &workflow.IssueRequest{WorkOrderId: earlyId})
		if !errors.Is(err, utils.ErrWorkOrderNotReady) {
			t.Fatalf("issue for WO-EARLY = %v, want work order not ready", err)
		}
		res, err := issuer.IssueCertificate(ctx, &workflow.IssueRequest{CertificateId: certId})
		if err != nil || res.CertificateId != certId || res.VersionNumber != 5 || res.CertificateNumber != "TC-WO-ISSUE" {
			t.Fatalf("reissue of certificate %d = %+v, %v", certId, res, err)
		}
		cert, err := models.GetCertificateForWorkOrder(ctx, earlyId)
		if err != nil || cert != nil {
			t.Fatalf("WO-EARLY certificate = %+v, %v", cert, err)
		}
	})

	t.Run("dispatcher publishes versions in order after a failure", func(t *testing.T) {
		if certId == 0 {
			t.Skip("no certificate issued")
		}
		var published []int
		failed := false
		d := workflow.NewOutboxDispatcher(db, config.GetLogger())
		d.InitialBackoff = 0
		d.Publish = func(_ context.Context, msg config.CertificateEventMessage) (string, error) {
			if msg.CertificateId != certId {
				return "other", nil
			}
			if msg.VersionNumber == 2 && !failed {
				failed = true
				return "", errors.New("broker unavailable")
			}
			published = append(published, msg.VersionNumber)
			return fmt.Sprintf("msg-%d", msg.ID), nil
		}
		for i := 0; i < 6; i++ {
			d.DispatchOnce(context.Background())
		}
		if fmt.Sprint(published) != "[1 2 3 4 5]" {
			t.Fatalf("published versions = %v, want [1 2 3 4 5]", published)
		}
		var sent int64
		db.Model(&models.CertificateOutboxRecord{}).
			Where("certificate_id = ? AND publish_status = ?", certId, models.OutboxPublishStatusSent).
			Count(&sent)
		if sent != 5 {
			t.Fatalf("sent rows = %d, want 5", sent)
		}
	})

	t.Run("dead events can be replayed", func(t *testing.T) {
		if certId == 0 {
			t.Skip("no certificate issued")
		}
		var record models.CertificateOutboxRecord
		if err := db.Where("certificate_id = ?", certId).Order("id").First(&record).Error; err != nil {
			t.Fatalf("load outbox record: %v", err)
		}
		if _, err := models.ReplayCertificateEvent(ctx, record.ID); !errors.Is(err, utils.ErrNotFound) {
			t.Fatalf("replay of a sent record = %v, want not found", err)
		}

		db.Model(&record).Updates(map[string]interface{}{
			"publish_status":     models.OutboxPublishStatusDead,
			"publish_attempts":   10,
			"last_publish_error": "broker unavailable",
		})
		if _, err := models.ReplayCertificateEvent(ctx, record.ID); err != nil {
			t.Fatalf("ReplayCertificateEvent: %v", err)
		}
		var got models.CertificateOutboxRecord
		db.First(&got, record.ID)
		if got.PublishStatus != models.OutboxPublishStatusFailed || got.PublishAttempts != 0 || got.LastPublishError != nil || got.NextAttemptAt == nil {
			t.Fatalf("replayed record = %+v", got)
		}

		otherPlant := utils.SetPlantIdInContext(ctx, "another-plant")
		if _, err := models.ReplayCertificateEvent(otherPlant, record.ID); !errors.Is(err, utils.ErrNotFound) {
			t.Fatalf("cross-plant replay = %v, want not found", err)
		}
	})

	t.Run("idempotency key replays the first result", func(t *testing.T) {
		wo := prepareWorkOrder(t, ctx, item, "WO-IDEM", true)
		req := &workflow.IssueRequest{WorkOrderId: wo.ID, TcType: "2.2", IdempotencyKey: "req-1"}
		first, err := issuer.IssueCertificate(ctx, req)
		if err != nil {
			t.Fatalf("first issue: %v", err)
		}
		second, err := issuer.IssueCertificate(ctx, req)
		if err != nil {
			t.Fatalf("replayed issue: %v", err)
		}
		if !second.Replayed || second.VersionNumber != first.VersionNumber || second.ObjectKey != first.ObjectKey {
			t.Fatalf("replay = %+v, first = %+v", second, first)
		}

		_, err = issuer.IssueCertificate(ctx, &workflow.IssueRequest{WorkOrderId: wo.ID, TcType: "3.1", IdempotencyKey: "req-1"})
		if utils.KindOf(err) != utils.ErrorKindConflict {
			t.Fatalf("key reused for another type = %v, want conflict", err)
		}
	})

	t.Run("failed upload records nothing", func(t *testing.T) {
		wo := prepareWorkOrder(t, ctx, item, "WO-UPLOAD", true)
		failing := utils.NewMemoryBlobStore()
		failing.FailPut = errors.New("bucket unavailable")
		_, err := workflow.NewCertificateIssuer(failing, nil).IssueCertificate(ctx, &workflow.IssueRequest{WorkOrderId: wo.ID})
		if err == nil || errors.Is(err, utils.ErrReconciliationRequired) {
			t.Fatalf("IssueCertificate = %v, want plain upload error", err)
		}
		cert, err := models.GetCertificateForWorkOrder(ctx, wo.ID)
		if err != nil || cert != nil {
			t.Fatalf("certificate after failed upload = %+v, %v", cert, err)
		}
	})

	t.Run("cancelled request releases the database lock", func(t *testing.T) {
		wo := prepareWorkOrder(t, ctx, item, "WO-CANCEL", true)
		cctx, cancel := context.WithCancel(ctx)
		defer cancel()
		_, err := workflow.NewCertificateIssuer(store, cancellingRenderer{cancel: cancel}).
			IssueCertificate(cctx, &workflow.IssueRequest{WorkOrderId: wo.ID})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("IssueCertificate = %v, want context canceled", err)
		}

		plantId, _ := utils.GetPlantIdFromContext(ctx)
		var holder int64
		err = db.Raw("SELECT COALESCE(IS_USED_LOCK(?), 0)", fmt.Sprintf("tc-issue:%s:%d", plantId, wo.ID)).Scan(&holder).Error
		if err != nil || holder != 0 {
			t.Fatalf("lock holder = %d, %v; want released", holder, err)
		}
		res, err := issuer.IssueCertificate(ctx, &workflow.IssueRequest{WorkOrderId: wo.ID})
		if err != nil || res.VersionNumber != 1 {
			t.Fatalf("issue after cancel = %+v, %v", res, err)
		}
	})

	t.Run("concurrent issues never share a version", func(t *testing.T) {
		wo := prepareWorkOrder(t, ctx, item, "WO-RACE", true)
		const workers = 4
		var wg sync.WaitGroup
		results := make([]*workflow.IssueResult, workers)
		errs := make([]error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = issuer.IssueCertificate(ctx, &workflow.IssueRequest{WorkOrderId: wo.ID, TcType: "3.1"})
			}(i)
		}
		wg.Wait()

		seen := map[int]bool{}
		for i := 0; i < workers; i++ {
			if errs[i] != nil {
				if utils.KindOf(errs[i]) != utils.ErrorKindConflict {
					t.Fatalf("worker %d: %v", i, errs[i])
				}
				continue
			}
			if seen[results[i].VersionNumber] {
				t.Fatalf("version %d issued twice", results[i].VersionNumber)
			}
			seen[results[i].VersionNumber] = true
		}
		if len(seen) == 0 {
			t.Fatal("no issue succeeded")
		}
		cert, err := models.GetCertificateForWorkOrder(ctx, wo.ID)
		if err != nil || cert == nil {
			t.Fatalf("certificate = %+v, %v", cert, err)
		}
		versions, err := models.ListCertificateVersions(ctx, cert.ID)
		if err != nil || len(versions) != len(seen) || cert.CurrentVersion != len(seen) {
			t.Fatalf("versions = %d current %d, %v; want %d", len(versions), cert.CurrentVersion, err, len(seen))
		}
	})

	t.Run("eligibility requires heat traceability", func(t *testing.T) {
		wo, err := models.CreateWorkOrder(ctx, &models.NewWorkOrder{WoNumber: "WO-NOHEAT", ItemId: &item.ID, Quantity: decimal.NewFromInt(10)})
		if err != nil {
			t.Fatalf("CreateWorkOrder: %v", err)
		}
		passLab(t, ctx, wo.ID, "0.3")
		completeWorkOrder(t, ctx, wo.ID)

		_, err = workflow.EvaluateEligibility(ctx, wo.ID)
		if !errors.Is(err, utils.ErrMissingTraceability) {
			t.Fatalf("EvaluateEligibility = %v, want missing traceability", err)
		}
		if items := utils.ItemsOf(err); len(items) != 1 || items[0] != "WO-NOHEAT" {
			t.Fatalf("items = %v", items)
		}
	})

	t.Run("overridden parameters do not block eligibility", func(t *testing.T) {
		db := config.GetDB().WithContext(ctx)
		lo := decimal.RequireFromString("0.1")
		hi := decimal.RequireFromString("0.5")
		standard := models.Standard{
			Name: "ASTM-TWO",
			Parameters: []*models.StandardParameter{
				{ParameterName: "Carbon", Category: models.ParameterCategoryChemical, Unit: "%", MinValue: &lo, MaxValue: &hi},
				{ParameterName: "Sulfur", Category: models.ParameterCategoryChemical, Unit: "%", MinValue: &lo, MaxValue: &hi},
			},
		}
		if err := db.Create(&standard).Error; err != nil {
			t.Fatalf("create standard: %v", err)
		}
		twoItem := models.Item{ItemCode: "BAR-20", Description: "20mm bar", Unit: "kg", StandardId: &standard.ID}
		if err := db.Create(&twoItem).Error; err != nil {
			t.Fatalf("create item: %v", err)
		}
		wo, err := models.CreateWorkOrder(ctx, &models.NewWorkOrder{WoNumber: "WO-WAIVER", ItemId: &twoItem.ID, Quantity: decimal.NewFromInt(10)})
		if err != nil {
			t.Fatalf("CreateWorkOrder: %v", err)
		}
		heat, err := models.RegisterHeat(ctx, &models.NewHeat{HeatNumber: "H-WAIVER", InitialQuantity: decimal.NewFromInt(20)})
		if err != nil {
			t.Fatalf("RegisterHeat: %v", err)
		}
		if _, err := models.AllocateHeat(ctx, heat.ID, wo.ID, decimal.NewFromInt(10)); err != nil {
			t.Fatalf("AllocateHeat: %v", err)
		}
		labId := passLab(t, ctx, wo.ID, "0.8")
		completeWorkOrder(t, ctx, wo.ID)

		rowByName := map[string]int{}
		lab, err := models.GetLabResult(ctx, labId)
		if err != nil {
			t.Fatalf("GetLabResult: %v", err)
		}
		for _, row := range lab.Parameters {
			for _, sp := range standard.Parameters {
				if sp.ID == row.ParameterId {
					rowByName[sp.ParameterName] = row.ID
				}
			}
		}
		if _, err := models.OverrideLabParameter(ctx, rowByName["Sulfur"], "customer waiver"); err != nil {
			t.Fatalf("OverrideLabParameter(Sulfur): %v", err)
		}

		_, err = workflow.EvaluateEligibility(ctx, wo.ID)
		if !errors.Is(err, utils.ErrFailedParameters) {
			t.Fatalf("EvaluateEligibility = %v, want failed parameters", err)
		}
		if items := utils.ItemsOf(err); len(items) != 1 || items[0] != "Carbon" {
			t.Fatalf("failed items = %v, want [Carbon]", items)
		}

		if _, err := models.OverrideLabParameter(ctx, rowByName["Carbon"], "customer waiver"); err != nil {
			t.Fatalf("OverrideLabParameter(Carbon): %v", err)
		}
		facts, err := workflow.EvaluateEligibility(ctx, wo.ID)
		if err != nil || len(facts.Allocations) != 1 {
			t.Fatalf("EvaluateEligibility after overrides = %+v, %v", facts, err)
		}
	})

	t.Run("preview persists nothing", func(t *testing.T) {
		wo := prepareWorkOrder(t, ctx, item, "WO-PREVIEW", true)
		doc, data, err := issuer.PreviewCertificate(ctx, wo.ID, "")
		if err != nil {
			t.Fatalf("PreviewCertificate: %v", err)
		}
		if len(doc.Data) == 0 || data.Version != 1 || data.ApprovedByName != "QA Lead" {
			t.Fatalf("preview = v%d approver %q", data.Version, data.ApprovedByName)
		}
		cert, _ := models.GetCertificateForWorkOrder(ctx, wo.ID)
		if cert != nil {
			t.Fatalf("preview created certificate %d", cert.ID)
		}
	})
}

func setupIssuanceDatabase(t *testing.T) context.Context {
	t.Helper()
	ctx := context.Background()

	redisPort := dockertest.StartRedis(t)
	mysqlPort := dockertest.StartMySQL(t, "tc_issue_test")

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", dockertest.MySQLRootPassword)
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "tc_issue_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	plant, user, err := models.SeedPlantAdmin(ctx, &models.NewPlantAdmin{
		PlantName: "Plant A",
		Email:     "qa@plant-a.test",
		FullName:  "QA Lead",
	})
	if err != nil {
		t.Fatalf("SeedPlantAdmin: %v", err)
	}
	ctx = utils.SetPlantIdInContext(ctx, plant.ID)
	ctx = utils.SetUserIdInContext(ctx, user.ID)
	ctx = utils.SetUserNameInContext(ctx, user.FullName)
	ctx = utils.SetRoleInContext(ctx, string(models.RoleNameQA))
	return ctx
}

func seedIssuanceMasterData(t *testing.T, ctx context.Context) *models.Item {
	t.Helper()
	db := config.GetDB().WithContext(ctx)
	lo := decimal.RequireFromString("0.1")
	hi := decimal.RequireFromString("0.5")
	standard := models.Standard{
		Name: "ASTM-ISSUE",
		Parameters: []*models.StandardParameter{
			{ParameterName: "Carbon", Category: models.ParameterCategoryChemical, Unit: "%", MinValue: &lo, MaxValue: &hi},
		},
	}
	if err := db.Create(&standard).Error; err != nil {
		t.Fatalf("create standard: %v", err)
	}
	item := models.Item{ItemCode: "BAR-16", Description: "16mm bar", Unit: "kg", StandardId: &standard.ID}
	if err := db.Create(&item).Error; err != nil {
		t.Fatalf("create item: %v", err)
	}
	return &item
}

// prepareWorkOrder creates a work order with a heat allocated and lab results
// passed. When complete is set it is produced in full and marked completed.
func prepareWorkOrder(t *testing.T, ctx context.Context, item *models.Item, number string, complete bool) *models.WorkOrder {
	t.Helper()
	wo, err := models.CreateWorkOrder(ctx, &models.NewWorkOrder{WoNumber: number, ItemId: &item.ID, Quantity: decimal.NewFromInt(10)})
	if err != nil {
		t.Fatalf("CreateWorkOrder: %v", err)
	}
	heat, err := models.RegisterHeat(ctx, &models.NewHeat{HeatNumber: "H-" + number, InitialQuantity: decimal.NewFromInt(100)})
	if err != nil {
		t.Fatalf("RegisterHeat: %v", err)
	}
	if _, err := models.AllocateHeat(ctx, heat.ID, wo.ID, decimal.NewFromInt(10)); err != nil {
		t.Fatalf("AllocateHeat: %v", err)
	}
	passLab(t, ctx, wo.ID, "0.3")

	if !complete {
		wo, err = models.RecordProduction(ctx, wo.ID, decimal.NewFromInt(4), decimal.Zero)
		if err != nil {
			t.Fatalf("RecordProduction: %v", err)
		}
		return wo
	}
	completeWorkOrder(t, ctx, wo.ID)
	wo, err = models.GetWorkOrder(ctx, wo.ID)
	if err != nil {
		t.Fatalf("GetWorkOrder: %v", err)
	}
	return wo
}

// cancellingRenderer cancels the request while rendering, so the upload that
// follows sees a cancelled context.
type cancellingRenderer struct {
	cancel context.CancelFunc
}

func (r cancellingRenderer) Render(data *workflow.CertificateData) (*workflow.RenderedDocument, error) {
	r.cancel()
	return workflow.SpreadsheetRenderer{}.Render(data)
}

// passLab initializes the work order's lab result and submits value for
// every parameter.
func passLab(t *testing.T, ctx context.Context, workOrderId int, value string) int {
	t.Helper()
	labId, err := models.InitializeLabResult(ctx, workOrderId)
	if err != nil {
		t.Fatalf("InitializeLabResult: %v", err)
	}
	lab, err := models.GetLabResult(ctx, labId)
	if err != nil {
		t.Fatalf("GetLabResult: %v", err)
	}
	updates := make([]*models.LabParameterUpdate, 0, len(lab.Parameters))
	for _, row := range lab.Parameters {
		updates = append(updates, &models.LabParameterUpdate{ParameterId: row.ID, Value: decimal.RequireFromString(value)})
	}
	if err := models.SubmitLabResults(ctx, labId, updates); err != nil {
		t.Fatalf("SubmitLabResults: %v", err)
	}
	return labId
}

func completeWorkOrder(t *testing.T, ctx context.Context, workOrderId int) {
	t.Helper()
	if _, err := models.RecordProduction(ctx, workOrderId, decimal.NewFromInt(10), decimal.Zero); err != nil {
		t.Fatalf("RecordProduction: %v", err)
	}
	if _, err := models.TransitionWorkOrder(ctx, workOrderId, models.WorkOrderStatusCompleted); err != nil {
		t.Fatalf("TransitionWorkOrder: %v", err)
	}
}
