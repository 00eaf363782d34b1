// Package appctx holds the request-scoped values shared by config, utils and
// the HTTP layer. It imports nothing from this module so that config and utils
// can both depend on it.
package appctx

import "context"

type ContextKey string

func (c ContextKey) String() string { return "tc." + string(c) }

const (
	KeyPlantId       ContextKey = "plant_id"
	KeyUserId        ContextKey = "user_id"
	KeyUserName      ContextKey = "user_name"
	KeyRole          ContextKey = "role"
	KeyCorrelationId ContextKey = "correlation_id"

	// KeySkipTenantScope turns off plant scoping in the gorm tenant guard.
	// Only operator tools set it.
	KeySkipTenantScope ContextKey = "skip_tenant_scope"
)

// Actor is the resolved caller of a request.
type Actor struct {
	PlantId  string
	UserId   int
	UserName string
	Role     string
}

// WithActor stores every actor field under its own key.
func WithActor(ctx context.Context, a Actor) context.Context {
	ctx = context.WithValue(ctx, KeyPlantId, a.PlantId)
	ctx = context.WithValue(ctx, KeyUserId, a.UserId)
	ctx = context.WithValue(ctx, KeyUserName, a.UserName)
	return context.WithValue(ctx, KeyRole, a.Role)
}

// Value returns the value under key when it has type T.
func Value[T any](ctx context.Context, key ContextKey) (T, bool) {
	v, ok := ctx.Value(key).(T)
	return v, ok
}

func Set(ctx context.Context, key ContextKey, value any) context.Context {
	return context.WithValue(ctx, key, value)
}
