package main

import (
	"net/http"

	"bitbucket.org/mmdatafocus/tc_backend/config"
	"bitbucket.org/mmdatafocus/tc_backend/utils"
	"github.com/gin-gonic/gin"
)

var statusByKind = map[utils.ErrorKind]int{
	utils.ErrorKindValidation:             http.StatusBadRequest,
	utils.ErrorKindAuthorization:          http.StatusForbidden,
	utils.ErrorKindNotFound:               http.StatusNotFound,
	utils.ErrorKindInsufficientInventory:  http.StatusConflict,
	utils.ErrorKindConflict:               http.StatusConflict,
	utils.ErrorKindWorkOrderNotReady:      http.StatusUnprocessableEntity,
	utils.ErrorKindMissingLabData:         http.StatusUnprocessableEntity,
	utils.ErrorKindFailedParameters:       http.StatusUnprocessableEntity,
	utils.ErrorKindMissingTraceability:    http.StatusUnprocessableEntity,
	utils.ErrorKindPlantNotFound:          http.StatusUnprocessableEntity,
	utils.ErrorKindNoStandardDefined:      http.StatusUnprocessableEntity,
	utils.ErrorKindPartialFailure:         http.StatusMultiStatus,
	utils.ErrorKindReconciliationRequired: http.StatusInternalServerError,
}

func statusForError(err error) int {
	if status, ok := statusByKind[utils.KindOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// writeError renders err as {error, kind, items, outcome}. Errors outside the
// taxonomy are logged and hidden from the caller.
func writeError(c *gin.Context, err error) {
	kind := utils.KindOf(err)
	message := err.Error()
	if kind == "" {
		config.LogError(config.GetLogger(), "server.go", c.FullPath(), c.Request.Method, nil, err)
		message = "internal error"
	}
	c.JSON(statusForError(err), gin.H{
		"error":   message,
		"kind":    kind,
		"items":   utils.ItemsOf(err),
		"outcome": utils.Outcome(err),
	})
}
