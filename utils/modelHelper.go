package utils

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/tc_backend/config"
	"gorm.io/gorm"
)

func withPreloads(q *gorm.DB, associations []string) *gorm.DB {
	for _, a := range associations {
		q = q.Preload(a)
	}
	return q
}

// FetchSingleModel loads T by primary key without a plant filter. Use it for
// shared master data only.
func FetchSingleModel[T any](ctx context.Context, id int, associations ...string) (*T, error) {
	var result T
	err := withPreloads(config.GetDB().WithContext(ctx), associations).First(&result, id).Error
	if err != nil {
		return nil, notFoundOr(err)
	}
	return &result, nil
}

// FetchModel loads T by id within plantId. A row in another plant reads as
// ErrorRecordNotFound.
func FetchModel[T any](ctx context.Context, plantId string, id int, associations ...string) (*T, error) {
	var result T
	q := config.GetDB().WithContext(ctx).Where("plant_id = ?", plantId)
	if err := withPreloads(q, associations).First(&result, id).Error; err != nil {
		return nil, notFoundOr(err)
	}
	return &result, nil
}

func FetchAllModels[T any](ctx context.Context, plantId string, order string, associations ...string) ([]*T, error) {
	q := withPreloads(config.GetDB().WithContext(ctx).Where("plant_id = ?", plantId), associations)
	if order != "" {
		q = q.Order(order)
	}
	var results []*T
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func notFoundOr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrorRecordNotFound
	}
	return err
}
