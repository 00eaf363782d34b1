package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/tc_backend/config"
	"bitbucket.org/mmdatafocus/tc_backend/internal/dockertest"
	"bitbucket.org/mmdatafocus/tc_backend/models"
	"bitbucket.org/mmdatafocus/tc_backend/utils"
	"github.com/shopspring/decimal"
)

func TestTCCoreScenarios(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := setupCoreDatabase(t)
	db := config.GetDB()

	standard, item := seedCarbonStandard(t, ctx)

	newWO := func(t *testing.T, number string, target int64) *models.WorkOrder {
		t.Helper()
		wo, err := models.CreateWorkOrder(ctx, &models.NewWorkOrder{
			WoNumber: number,
			ItemId:   &item.ID,
			Quantity: decimal.NewFromInt(target),
		})
		if err != nil {
			t.Fatalf("CreateWorkOrder(%s): %v", number, err)
		}
		return wo
	}

	t.Run("allocation cannot overdraw a heat", func(t *testing.T) {
		wo := newWO(t, "WO-ALLOC", 100)
		heat, err := models.RegisterHeat(ctx, &models.NewHeat{HeatNumber: "H-1000", InitialQuantity: decimal.NewFromInt(1000)})
		if err != nil {
			t.Fatalf("RegisterHeat: %v", err)
		}
		if _, err := models.AllocateHeat(ctx, heat.ID, wo.ID, decimal.NewFromInt(600)); err != nil {
			t.Fatalf("AllocateHeat(600): %v", err)
		}
		_, err = models.AllocateHeat(ctx, heat.ID, wo.ID, decimal.NewFromInt(500))
		if !errors.Is(err, utils.ErrInsufficientInventory) {
			t.Fatalf("AllocateHeat(500) = %v, want insufficient inventory", err)
		}
		if items := utils.ItemsOf(err); len(items) != 1 || items[0] != "H-1000" {
			t.Fatalf("insufficient inventory items = %v", items)
		}
		got, err := models.GetHeat(ctx, heat.ID)
		if err != nil {
			t.Fatalf("GetHeat: %v", err)
		}
		if !got.AvailableQuantity.Equal(decimal.NewFromInt(400)) {
			t.Fatalf("available = %s, want 400", got.AvailableQuantity)
		}

		if _, err := models.RegisterHeat(ctx, &models.NewHeat{HeatNumber: "H-1000", InitialQuantity: decimal.NewFromInt(5)}); !errors.Is(err, utils.ErrValidation) {
			t.Fatalf("duplicate heat number: %v", err)
		}
	})

	t.Run("concurrent allocations never overdraw a heat", func(t *testing.T) {
		first := newWO(t, "WO-RACE-1", 100)
		second := newWO(t, "WO-RACE-2", 100)
		heat, err := models.RegisterHeat(ctx, &models.NewHeat{HeatNumber: "H-RACE", InitialQuantity: decimal.NewFromInt(100)})
		if err != nil {
			t.Fatalf("RegisterHeat: %v", err)
		}

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i, woId := range []int{first.ID, second.ID} {
			wg.Add(1)
			go func(i, woId int) {
				defer wg.Done()
				_, errs[i] = models.AllocateHeat(ctx, heat.ID, woId, decimal.NewFromInt(60))
			}(i, woId)
		}
		wg.Wait()

		succeeded := 0
		for i, err := range errs {
			switch {
			case err == nil:
				succeeded++
			case !errors.Is(err, utils.ErrInsufficientInventory):
				t.Fatalf("allocation %d: %v", i, err)
			}
		}
		if succeeded != 1 {
			t.Fatalf("succeeded allocations = %d, want 1 (errors %v)", succeeded, errs)
		}
		got, _ := models.GetHeat(ctx, heat.ID)
		if !got.AvailableQuantity.Equal(decimal.NewFromInt(40)) {
			t.Fatalf("available = %s, want 40", got.AvailableQuantity)
		}
		plantId, _ := utils.GetPlantIdFromContext(ctx)
		mismatches, err := models.VerifyHeatLedger(ctx, plantId)
		if err != nil || len(mismatches) != 0 {
			t.Fatalf("VerifyHeatLedger = %d mismatches, %v", len(mismatches), err)
		}
	})

	t.Run("reversal restores quantity and keeps the ledger balanced", func(t *testing.T) {
		wo := newWO(t, "WO-REV", 100)
		heat, err := models.RegisterHeat(ctx, &models.NewHeat{HeatNumber: "H-REV", InitialQuantity: decimal.NewFromInt(50)})
		if err != nil {
			t.Fatalf("RegisterHeat: %v", err)
		}
		mv, err := models.AllocateHeat(ctx, heat.ID, wo.ID, decimal.NewFromInt(30))
		if err != nil {
			t.Fatalf("AllocateHeat: %v", err)
		}
		if _, err := models.ReverseAllocation(ctx, mv.ID, "wrong heat picked"); err != nil {
			t.Fatalf("ReverseAllocation: %v", err)
		}
		if _, err := models.ReverseAllocation(ctx, mv.ID, "wrong heat picked"); !errors.Is(err, utils.ErrValidation) {
			t.Fatalf("second reversal = %v, want validation error", err)
		}
		got, _ := models.GetHeat(ctx, heat.ID)
		if !got.AvailableQuantity.Equal(decimal.NewFromInt(50)) {
			t.Fatalf("available after reversal = %s, want 50", got.AvailableQuantity)
		}
		plantId, _ := utils.GetPlantIdFromContext(ctx)
		mismatches, err := models.VerifyHeatLedger(ctx, plantId)
		if err != nil {
			t.Fatalf("VerifyHeatLedger: %v", err)
		}
		if len(mismatches) != 0 {
			t.Fatalf("ledger mismatches: %+v", mismatches[0])
		}
		logs, err := models.ListOverrideLogs(ctx, models.OverrideTableInventoryMovements, mv.ID)
		if err != nil || len(logs) != 1 {
			t.Fatalf("override logs = %d, %v", len(logs), err)
		}
	})

	t.Run("lab parameter pass, fail, override, resubmit", func(t *testing.T) {
		wo := newWO(t, "WO-LAB", 100)
		labId, err := models.InitializeLabResult(ctx, wo.ID)
		if err != nil {
			t.Fatalf("InitializeLabResult: %v", err)
		}
		again, err := models.InitializeLabResult(ctx, wo.ID)
		if err != nil || again != labId {
			t.Fatalf("second InitializeLabResult = %d, %v; want %d", again, err, labId)
		}
		lab, err := models.GetLabResult(ctx, labId)
		if err != nil {
			t.Fatalf("GetLabResult: %v", err)
		}
		if lab.StandardId != standard.ID || len(lab.Parameters) != 1 {
			t.Fatalf("lab result = standard %d, %d params", lab.StandardId, len(lab.Parameters))
		}
		rowId := lab.Parameters[0].ID

		status := func() (models.ValidationStatus, *models.LabResultParameter) {
			var row models.LabResultParameter
			if err := db.WithContext(ctx).First(&row, rowId).Error; err != nil {
				t.Fatalf("load parameter: %v", err)
			}
			return row.ValidationStatus, &row
		}

		submit := func(v string) {
			err := models.SubmitLabResults(ctx, labId, []*models.LabParameterUpdate{{ParameterId: rowId, Value: decimal.RequireFromString(v)}})
			if err != nil {
				t.Fatalf("SubmitLabResults(%s): %v", v, err)
			}
		}

		submit("0.3")
		if s, _ := status(); s != models.ValidationStatusPassed {
			t.Fatalf("after 0.3 status = %s", s)
		}
		submit("0.8")
		if s, _ := status(); s != models.ValidationStatusFailed {
			t.Fatalf("after 0.8 status = %s", s)
		}
		if _, err := models.OverrideLabParameter(ctx, rowId, "customer waiver"); err != nil {
			t.Fatalf("OverrideLabParameter: %v", err)
		}
		s, row := status()
		if s != models.ValidationStatusOverride || !row.OverrideFlag || row.OverrideReason == nil || *row.OverrideReason != "customer waiver" {
			t.Fatalf("after override = %s flag=%v", s, row.OverrideFlag)
		}
		logs, err := models.ListOverrideLogs(ctx, models.OverrideTableLabResultParameters, rowId)
		if err != nil || len(logs) != 1 {
			t.Fatalf("override logs = %d, %v", len(logs), err)
		}

		submit("0.3")
		s, row = status()
		if s != models.ValidationStatusPassed || row.OverrideFlag {
			t.Fatalf("resubmission after override = %s flag=%v", s, row.OverrideFlag)
		}
		if _, err := models.OverrideLabParameter(ctx, rowId, "customer waiver"); !errors.Is(err, utils.ErrValidation) {
			t.Fatalf("override of a passed parameter = %v", err)
		}

		err = models.SubmitLabResults(ctx, labId, []*models.LabParameterUpdate{
			{ParameterId: rowId, Value: decimal.RequireFromString("0.2")},
			{ParameterId: 999999, Value: decimal.RequireFromString("0.2")},
		})
		if !errors.Is(err, utils.ErrPartialFailure) {
			t.Fatalf("partial submit = %v", err)
		}
		if items := utils.ItemsOf(err); len(items) != 1 || items[0] != "999999" {
			t.Fatalf("partial submit items = %v", items)
		}
		if s, _ := status(); s != models.ValidationStatusPassed {
			t.Fatalf("good update in partial batch not applied: %s", s)
		}
	})

	t.Run("production meeting target skips in_production", func(t *testing.T) {
		wo := newWO(t, "WO-PROD", 100)
		got, err := models.RecordProduction(ctx, wo.ID, decimal.NewFromInt(100), decimal.Zero)
		if err != nil {
			t.Fatalf("RecordProduction: %v", err)
		}
		if got.Status != models.WorkOrderStatusLabPending {
			t.Fatalf("status = %s, want lab_pending", got.Status)
		}

		other := newWO(t, "WO-PROD-2", 100)
		err = models.RecordProductionBatch(ctx, []*models.ProductionEntry{
			{WorkOrderId: other.ID, Produced: decimal.NewFromInt(10)},
			{WorkOrderId: 999999, Produced: decimal.NewFromInt(10)},
		})
		if !errors.Is(err, utils.ErrPartialFailure) {
			t.Fatalf("RecordProductionBatch = %v, want partial failure", err)
		}
		if utils.Outcome(err) != utils.OutcomePartial {
			t.Fatalf("outcome = %s, want partial", utils.Outcome(err))
		}
		reloaded, _ := models.GetWorkOrder(ctx, other.ID)
		if reloaded.Status != models.WorkOrderStatusInProduction {
			t.Fatalf("batch entry status = %s, want in_production", reloaded.Status)
		}

		err = models.RecordProductionBatch(ctx, []*models.ProductionEntry{
			{WorkOrderId: 999998, Produced: decimal.NewFromInt(10)},
			{WorkOrderId: 999999, Produced: decimal.NewFromInt(10)},
		})
		if !errors.Is(err, utils.ErrPartialFailure) || utils.Outcome(err) != utils.OutcomeNone {
			t.Fatalf("all-failed batch = %v outcome %s, want outcome none", err, utils.Outcome(err))
		}
	})

	t.Run("cached actors expire so deactivation takes effect", func(t *testing.T) {
		t.Setenv("ACTOR_CACHE_SECONDS", "1")
		userId, _ := utils.GetUserIdFromContext(ctx)
		if err := utils.RemoveRedisItem[models.ActorRole](ctx, userId); err != nil {
			t.Fatalf("evict actor: %v", err)
		}
		actor, err := models.ResolveActor(ctx, userId)
		if err != nil || actor.Role != models.RoleNameAdmin {
			t.Fatalf("ResolveActor = %+v, %v", actor, err)
		}
		ttl, err := config.GetRedisDB().TTL(ctx, fmt.Sprintf("ActorRole:%d", userId)).Result()
		if err != nil || ttl <= 0 || ttl > time.Second {
			t.Fatalf("actor cache ttl = %v, %v", ttl, err)
		}

		if err := db.Model(&models.User{}).Where("id = ?", userId).Update("is_active", false).Error; err != nil {
			t.Fatalf("deactivate: %v", err)
		}
		t.Cleanup(func() {
			db.Model(&models.User{}).Where("id = ?", userId).Update("is_active", true)
		})
		time.Sleep(1500 * time.Millisecond)
		if _, err := models.ResolveActor(ctx, userId); utils.KindOf(err) != utils.ErrorKindAuthorization {
			t.Fatalf("ResolveActor after deactivation = %v, want authorization error", err)
		}
	})

	t.Run("other plants cannot see this plant's heats", func(t *testing.T) {
		heat, err := models.RegisterHeat(ctx, &models.NewHeat{HeatNumber: "H-ISO", InitialQuantity: decimal.NewFromInt(1)})
		if err != nil {
			t.Fatalf("RegisterHeat: %v", err)
		}
		otherCtx := utils.SetPlantIdInContext(ctx, "another-plant")
		if _, err := models.GetHeat(otherCtx, heat.ID); !errors.Is(err, utils.ErrNotFound) {
			t.Fatalf("cross-plant GetHeat = %v", err)
		}
	})
}

// setupCoreDatabase starts MySQL and Redis, migrates, seeds a plant with an
// admin and returns a context acting as that admin.
func setupCoreDatabase(t *testing.T) context.Context {
	t.Helper()
	ctx := context.Background()

	redisPort := dockertest.StartRedis(t)
	mysqlPort := dockertest.StartMySQL(t, "tc_test")

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", dockertest.MySQLRootPassword)
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "tc_test")

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
	ctx = utils.SetRoleInContext(ctx, string(models.RoleNameAdmin))
	return ctx
}

func seedCarbonStandard(t *testing.T, ctx context.Context) (*models.Standard, *models.Item) {
	t.Helper()
	db := config.GetDB().WithContext(ctx)
	lo := decimal.RequireFromString("0.1")
	hi := decimal.RequireFromString("0.5")
	standard := models.Standard{
		Name: "ASTM-X",
		Parameters: []*models.StandardParameter{
			{ParameterName: "Carbon", Category: models.ParameterCategoryChemical, Unit: "%", MinValue: &lo, MaxValue: &hi},
		},
	}
	if err := db.Create(&standard).Error; err != nil {
		t.Fatalf("create standard: %v", err)
	}
	item := models.Item{ItemCode: "BAR-12", Description: "12mm bar", Unit: "kg", StandardId: &standard.ID}
	if err := db.Create(&item).Error; err != nil {
		t.Fatalf("create item: %v", err)
	}
	return &standard, &item
}
