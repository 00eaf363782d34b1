package config

import (
	"context"
	"reflect"
	"strings"

	"bitbucket.org/mmdatafocus/tc_backend/appctx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

// TenantGuardPlugin enforces plant isolation. Queries, updates and deletes on
// models with a plant_id column are scoped to the request's plant, and creates
// with an empty plant_id are stamped with it.
//
// NOTE:
// - Raw SQL is not scoped. Those queries must filter on plant_id themselves.
// - Operator tools bypass it with appctx.KeySkipTenantScope.
type TenantGuardPlugin struct{}

func NewTenantGuardPlugin() *TenantGuardPlugin { return &TenantGuardPlugin{} }

func (p *TenantGuardPlugin) Name() string { return "tenant_guard" }

func (p *TenantGuardPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	if err := cb.Query().Before("gorm:query").Register("tenant_guard:query", tenantGuardCallback); err != nil {
		return err
	}
	if err := cb.Row().Before("gorm:row").Register("tenant_guard:row", tenantGuardCallback); err != nil {
		return err
	}
	if err := cb.Update().Before("gorm:update").Register("tenant_guard:update", tenantGuardCallback); err != nil {
		return err
	}
	if err := cb.Delete().Before("gorm:delete").Register("tenant_guard:delete", tenantGuardCallback); err != nil {
		return err
	}
	return cb.Create().Before("gorm:create").Register("tenant_guard:create", tenantStampCallback)
}

// guardedPlant returns the plant to enforce and the model's plant_id field,
// or "" when the statement is out of scope.
func guardedPlant(db *gorm.DB) (string, *schema.Field) {
	if db == nil || db.Statement == nil || db.Statement.Context == nil || db.Statement.Schema == nil {
		return "", nil
	}
	ctx := db.Statement.Context
	if shouldBypassTenantScope(ctx) {
		return "", nil
	}
	plantID := plantIdFromContext(ctx)
	if plantID == "" {
		return "", nil
	}
	field := db.Statement.Schema.LookUpField("plant_id")
	if field == nil {
		return "", nil
	}
	return plantID, field
}

// tenantStampCallback fills an empty plant_id on created rows.
func tenantStampCallback(db *gorm.DB) {
	plantID, field := guardedPlant(db)
	if plantID == "" {
		return
	}
	ctx := db.Statement.Context
	stamp := func(rv reflect.Value) {
		if _, zero := field.ValueOf(ctx, rv); zero {
			if err := field.Set(ctx, rv, plantID); err != nil {
				db.AddError(err)
			}
		}
	}
	rv := db.Statement.ReflectValue
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			stamp(reflect.Indirect(rv.Index(i)))
		}
	case reflect.Struct:
		stamp(rv)
	}
}

func tenantGuardCallback(db *gorm.DB) {
	plantID, _ := guardedPlant(db)
	if plantID == "" {
		return
	}

	// Don't duplicate an explicit plant filter.
	if whereHasPlantID(db.Statement.Clauses["WHERE"]) {
		return
	}

	db.Statement.AddClause(clause.Where{
		Exprs: []clause.Expression{
			clause.Eq{
				Column: clause.Column{Table: db.Statement.Table, Name: "plant_id"},
				Value:  plantID,
			},
		},
	})
}

func plantIdFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(appctx.KeyPlantId).(string); ok && v != "" {
		return v
	}
	return ""
}

func shouldBypassTenantScope(ctx context.Context) bool {
	v, ok := ctx.Value(appctx.KeySkipTenantScope).(bool)
	return ok && v
}

func whereHasPlantID(c clause.Clause) bool {
	if c.Expression == nil {
		return false
	}
	w, ok := c.Expression.(clause.Where)
	if !ok {
		return false
	}
	for _, e := range w.Exprs {
		if exprHasPlantID(e) {
			return true
		}
	}
	return false
}

func exprHasPlantID(e clause.Expression) bool {
	switch v := e.(type) {
	case clause.Eq:
		return colIsPlantID(v.Column)
	case clause.Neq:
		return colIsPlantID(v.Column)
	case clause.Gt:
		return colIsPlantID(v.Column)
	case clause.Gte:
		return colIsPlantID(v.Column)
	case clause.Lt:
		return colIsPlantID(v.Column)
	case clause.Lte:
		return colIsPlantID(v.Column)
	case clause.IN:
		return colIsPlantID(v.Column)
	case clause.AndConditions:
		for _, x := range v.Exprs {
			if exprHasPlantID(x) {
				return true
			}
		}
		return false
	case clause.OrConditions:
		for _, x := range v.Exprs {
			if exprHasPlantID(x) {
				return true
			}
		}
		return false
	case clause.Expr:
		// Best-effort for raw expressions.
		return strings.Contains(strings.ToLower(v.SQL), "plant_id")
	default:
		return false
	}
}

func colIsPlantID(col any) bool {
	switch c := col.(type) {
	case string:
		return strings.EqualFold(c, "plant_id")
	case clause.Column:
		return strings.EqualFold(c.Name, "plant_id")
	default:
		return false
	}
}
