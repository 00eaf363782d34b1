package workflow

import (
	"context"
	"fmt"

	"bitbucket.org/mmdatafocus/tc_backend/config"
	"bitbucket.org/mmdatafocus/tc_backend/utils"
	"gorm.io/gorm"
)

func issuanceLockName(plantId string, workOrderId int) string {
	return fmt.Sprintf("tc-issue:%s:%d", plantId, workOrderId)
}

// AcquireIssuanceLock serializes certificate issuance per work order across instances using MySQL advisory locks.
// NOTE: GET_LOCK is connection-scoped; acquire and release on the same pinned connection.
func AcquireIssuanceLock(conn *gorm.DB, plantId string, workOrderId int) error {
	lockName := issuanceLockName(plantId, workOrderId)
	var ok int
	if err := conn.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return utils.NewAppError(utils.ErrorKindConflict, "certificate issuance already in progress", lockName)
	}
	return nil
}

// ReleaseIssuanceLock runs even when ctx is already cancelled; otherwise the
// pooled connection would go back to the pool still holding the lock.
func ReleaseIssuanceLock(ctx context.Context, conn *gorm.DB, plantId string, workOrderId int) {
	lockName := issuanceLockName(plantId, workOrderId)
	var released int
	err := conn.WithContext(context.WithoutCancel(ctx)).Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&released).Error
	if err != nil {
		config.LogError(config.GetLogger(), "CertificateIssuer", "ReleaseIssuanceLock", "release lock", lockName, err)
	}
}
