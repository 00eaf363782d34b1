package utils

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"strings"

	"bitbucket.org/mmdatafocus/tc_backend/config"
	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// newValidator reports fields by their JSON name so clients see the keys they sent.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// ValidateInput checks struct tags. Failures become one ValidationError whose
// items read "field(tag)", sorted.
func ValidateInput(input any) error {
	err := validate.Struct(input)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return NewValidationError("%s", err.Error())
	}
	items := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		items = append(items, fe.Field()+"("+fe.Tag()+")")
	}
	sort.Strings(items)
	return &AppError{Kind: ErrorKindValidation, Message: "invalid input", Items: items}
}

// ValidateUnique fails when another row of T in the plant already holds value
// in column. exceptId > 0 skips that row so updates can keep their own value.
func ValidateUnique[T any](ctx context.Context, plantId string, column string, value any, exceptId int) error {
	cond, args := column+" = ?", []any{value}
	if exceptId > 0 {
		cond += " AND id <> ?"
		args = append(args, exceptId)
	}
	count, err := CountInPlant[T](ctx, plantId, cond, args...)
	if err != nil {
		return err
	}
	if count > 0 {
		return NewValidationError("%s %v already exists", column, value)
	}
	return nil
}

// CountInPlant counts rows of T matching cond. An empty plantId counts across
// plants.
func CountInPlant[T any](ctx context.Context, plantId string, cond string, args ...any) (int64, error) {
	var model T
	q := config.GetDB().WithContext(ctx).Model(&model)
	if plantId != "" {
		q = q.Where("plant_id = ?", plantId)
	}
	var count int64
	err := q.Where(cond, args...).Count(&count).Error
	return count, err
}
