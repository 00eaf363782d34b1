package main

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/tc_backend/middlewares"
	"bitbucket.org/mmdatafocus/tc_backend/models"
	"bitbucket.org/mmdatafocus/tc_backend/utils"
	"bitbucket.org/mmdatafocus/tc_backend/workflow"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

const headerIdempotencyKey = "Idempotency-Key"

func registerRoutes(api *gin.RouterGroup, issuer *workflow.CertificateIssuer) {
	api.POST("/heats", registerHeatHandler())
	api.GET("/heats", listHeatsHandler())
	api.GET("/heats/ledger-check", middlewares.AuthMiddleware(models.RoleNameAdmin), verifyHeatLedgerHandler())
	api.GET("/heats/:id/movements", heatMovementsHandler())
	api.POST("/heats/:id/allocations", allocateHeatHandler())
	api.POST("/movements/:id/reverse", reverseAllocationHandler())

	api.POST("/work-orders", createWorkOrderHandler())
	api.GET("/work-orders/production", listProductionWorkOrdersHandler())
	api.GET("/work-orders/completed", listCompletedWorkOrdersHandler())
	api.POST("/work-orders/:id/lab-result", initializeLabResultHandler())
	api.POST("/work-orders/:id/production", recordProductionHandler())
	api.POST("/work-orders/:id/status", transitionWorkOrderHandler())
	api.GET("/work-orders/:id/eligibility", eligibilityHandler())
	api.GET("/work-orders/:id/tc-preview", previewCertificateHandler(issuer))
	api.POST("/production", recordProductionBatchHandler())

	api.GET("/lab-results/:id", getLabResultHandler())
	api.POST("/lab-results/:id/submit", submitLabResultsHandler())
	api.POST("/lab-parameters/:id/override", overrideLabParameterHandler())
	api.GET("/override-logs", listOverrideLogsHandler())

	api.POST("/tc/issue", issueCertificateHandler(issuer))
	api.POST("/tc/:id/reissue", reissueCertificateHandler(issuer))
	api.GET("/tc", listCertificatesHandler())
	api.GET("/tc/export", exportCertificatesHandler())
	api.GET("/tc/:id/versions", listCertificateVersionsHandler())
	api.GET("/tc/:id/versions/:version", certificateVersionHandler(issuer))
}

// pathId parses a positive integer path parameter.
func pathId(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		writeError(c, utils.NewValidationError("invalid %s", name))
		return 0, false
	}
	return id, true
}

func bindJSON(c *gin.Context, dest any) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		writeError(c, utils.NewValidationError("invalid request: %s", err.Error()))
		return false
	}
	return true
}

func sendFile(c *gin.Context, fileName, contentType string, data []byte) {
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	c.Data(http.StatusOK, contentType, data)
}

func registerHeatHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewHeat
		if !bindJSON(c, &input) {
			return
		}
		heat, err := models.RegisterHeat(c.Request.Context(), &input)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, heat)
	}
}

func listHeatsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		heats, err := models.GetHeatsForPlant(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, heats)
	}
}

func verifyHeatLedgerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		plantId, _, err := utils.GetActorFromContext(ctx)
		if err != nil {
			writeError(c, err)
			return
		}
		mismatches, err := models.VerifyHeatLedger(ctx, plantId)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"balanced": len(mismatches) == 0, "mismatches": mismatches})
	}
}

func heatMovementsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		movements, err := models.GetHeatMovements(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, movements)
	}
}

type allocateHeatRequest struct {
	WorkOrderId int             `json:"work_order_id"`
	Quantity    decimal.Decimal `json:"quantity"`
}

func allocateHeatHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var req allocateHeatRequest
		if !bindJSON(c, &req) {
			return
		}
		movement, err := models.AllocateHeat(c.Request.Context(), id, req.WorkOrderId, req.Quantity)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, movement)
	}
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func reverseAllocationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var req reasonRequest
		if !bindJSON(c, &req) {
			return
		}
		reversal, err := models.ReverseAllocation(c.Request.Context(), id, req.Reason)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, reversal)
	}
}

func createWorkOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewWorkOrder
		if !bindJSON(c, &input) {
			return
		}
		wo, err := models.CreateWorkOrder(c.Request.Context(), &input)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, wo)
	}
}

func listProductionWorkOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		results, err := models.ListProductionWorkOrders(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, results)
	}
}

func listCompletedWorkOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		results, err := models.ListCompletedWorkOrders(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, results)
	}
}

func initializeLabResultHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		labResultId, err := models.InitializeLabResult(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"lab_result_id": labResultId})
	}
}

type productionRequest struct {
	Produced decimal.Decimal `json:"produced_quantity"`
	Rejected decimal.Decimal `json:"rejected_quantity"`
}

func recordProductionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var req productionRequest
		if !bindJSON(c, &req) {
			return
		}
		wo, err := models.RecordProduction(c.Request.Context(), id, req.Produced, req.Rejected)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, wo)
	}
}

type productionBatchRequest struct {
	Entries []*models.ProductionEntry `json:"entries"`
}

func recordProductionBatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req productionBatchRequest
		if !bindJSON(c, &req) {
			return
		}
		if err := models.RecordProductionBatch(c.Request.Context(), req.Entries); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"applied": len(req.Entries)})
	}
}

type transitionRequest struct {
	Status models.WorkOrderStatus `json:"status"`
}

func transitionWorkOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var req transitionRequest
		if !bindJSON(c, &req) {
			return
		}
		wo, err := models.TransitionWorkOrder(c.Request.Context(), id, req.Status)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, wo)
	}
}

// eligibilityKinds are reported as an ineligible result rather than a failed request.
var eligibilityKinds = map[utils.ErrorKind]bool{
	utils.ErrorKindWorkOrderNotReady:   true,
	utils.ErrorKindMissingLabData:      true,
	utils.ErrorKindFailedParameters:    true,
	utils.ErrorKindMissingTraceability: true,
	utils.ErrorKindPlantNotFound:       true,
	utils.ErrorKindNoStandardDefined:   true,
}

func eligibilityHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		facts, err := workflow.EvaluateEligibility(c.Request.Context(), id)
		if err != nil {
			if eligibilityKinds[utils.KindOf(err)] {
				c.JSON(http.StatusOK, gin.H{
					"eligible": false,
					"kind":     utils.KindOf(err),
					"reason":   err.Error(),
					"items":    utils.ItemsOf(err),
				})
				return
			}
			writeError(c, err)
			return
		}
		heats := make([]string, 0, len(facts.Allocations))
		for _, a := range facts.Allocations {
			heats = append(heats, a.Heat.HeatNumber)
		}
		c.JSON(http.StatusOK, gin.H{
			"eligible":           true,
			"heats":              heats,
			"allocated_quantity": facts.AllocatedQuantity(),
		})
	}
}

func previewCertificateHandler(issuer *workflow.CertificateIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		doc, data, err := issuer.PreviewCertificate(c.Request.Context(), id, c.Query("tc_type"))
		if err != nil {
			writeError(c, err)
			return
		}
		if c.Query("format") == "json" {
			c.JSON(http.StatusOK, data)
			return
		}
		sendFile(c, fmt.Sprintf("%s-v%d-preview%s", data.CertificateNumber, data.Version, doc.Extension), doc.ContentType, doc.Data)
	}
}

func getLabResultHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		lab, err := models.GetLabResult(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, lab)
	}
}

type submitLabResultsRequest struct {
	Parameters []*models.LabParameterUpdate `json:"parameters"`
}

func submitLabResultsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var req submitLabResultsRequest
		if !bindJSON(c, &req) {
			return
		}
		ctx := c.Request.Context()
		if err := models.SubmitLabResults(ctx, id, req.Parameters); err != nil {
			writeError(c, err)
			return
		}
		lab, err := models.GetLabResult(ctx, id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, lab)
	}
}

func overrideLabParameterHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var req reasonRequest
		if !bindJSON(c, &req) {
			return
		}
		param, err := models.OverrideLabParameter(c.Request.Context(), id, req.Reason)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, param)
	}
}

func listOverrideLogsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		table := strings.TrimSpace(c.Query("table"))
		recordId, err := strconv.Atoi(c.Query("record_id"))
		if table == "" || err != nil || recordId <= 0 {
			writeError(c, utils.NewValidationError("table and record_id are required"))
			return
		}
		logs, err := models.ListOverrideLogs(c.Request.Context(), table, recordId)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, logs)
	}
}

func issueCertificateHandler(issuer *workflow.CertificateIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req workflow.IssueRequest
		if !bindJSON(c, &req) {
			return
		}
		issue(c, issuer, &req)
	}
}

// reissueCertificateHandler issues the next version of an existing
// certificate, keeping its stored type.
func reissueCertificateHandler(issuer *workflow.CertificateIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		issue(c, issuer, &workflow.IssueRequest{CertificateId: id})
	}
}

func issue(c *gin.Context, issuer *workflow.CertificateIssuer, req *workflow.IssueRequest) {
	req.IdempotencyKey = c.GetHeader(headerIdempotencyKey)
	result, err := issuer.IssueCertificate(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

func listCertificatesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		results, err := models.ListCertificates(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, results)
	}
}

func exportCertificatesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		data, err := workflow.ExportCertificateRegister(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		sendFile(c, "certificates-"+time.Now().UTC().Format("20060102")+".xlsx", workflow.ContentTypeXLSX, data)
	}
}

func listCertificateVersionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		ctx := c.Request.Context()
		// scopes the lookup to the caller's plant
		if _, err := models.GetCertificate(ctx, id); err != nil {
			writeError(c, err)
			return
		}
		versions, err := models.ListCertificateVersions(ctx, id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, versions)
	}
}

func certificateVersionHandler(issuer *workflow.CertificateIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		version, ok := pathId(c, "version")
		if !ok {
			return
		}
		rerender, _ := strconv.ParseBool(c.DefaultQuery("rerender", "false"))
		doc, err := issuer.GetCertificateVersionDocument(c.Request.Context(), id, version, rerender)
		if err != nil {
			writeError(c, err)
			return
		}
		if doc.Document != nil {
			sendFile(c, fmt.Sprintf("tc-%d-v%d%s", id, version, doc.Document.Extension), doc.Document.ContentType, doc.Document.Data)
			return
		}
		c.JSON(http.StatusOK, doc)
	}
}

type outboxReplayRequest struct {
	RecordId int `json:"record_id"`
}

// outboxReplayHandler re-queues a dead or failed certificate event of the
// caller's plant for immediate publishing.
func outboxReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req outboxReplayRequest
		if !bindJSON(c, &req) {
			return
		}
		next, err := models.ReplayCertificateEvent(c.Request.Context(), req.RecordId)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"record_id":       req.RecordId,
			"publish_status":  models.OutboxPublishStatusFailed,
			"next_attempt_at": next.Format(time.RFC3339Nano),
		})
	}
}
