package models

import (
	"context"
	"errors"
	"strconv"

	"bitbucket.org/mmdatafocus/tc_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// minimum length of an override / reversal reason after trimming
const MinReasonLength = 3

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// IsDuplicateKeyErr reports a MySQL unique-index violation.
func IsDuplicateKeyErr(err error) bool {
	return isDuplicateKeyErr(err)
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

// stamp created_by / updated_by from the acting user
func stampCreate(tx *gorm.DB) {
	if userId, ok := utils.GetUserIdFromContext(tx.Statement.Context); ok && userId > 0 {
		tx.Statement.SetColumn("CreatedBy", userId, true)
		tx.Statement.SetColumn("UpdatedBy", userId, true)
	}
}

func stampUpdate(tx *gorm.DB) {
	if userId, ok := utils.GetUserIdFromContext(tx.Statement.Context); ok && userId > 0 {
		tx.Statement.SetColumn("UpdatedBy", userId, true)
	}
}

// notFound maps gorm's missing-row error to the typed NotFound error for entity.
func notFound(err error, entity string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, utils.ErrorRecordNotFound) {
		return utils.NewNotFoundError(entity)
	}
	return err
}

func itoa(id int) string {
	return strconv.Itoa(id)
}
