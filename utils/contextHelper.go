package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/tc_backend/appctx"
)

func GetPlantIdFromContext(ctx context.Context) (string, bool) {
	return appctx.Value[string](ctx, appctx.KeyPlantId)
}

func GetUserIdFromContext(ctx context.Context) (int, bool) {
	return appctx.Value[int](ctx, appctx.KeyUserId)
}

func GetUserNameFromContext(ctx context.Context) (string, bool) {
	return appctx.Value[string](ctx, appctx.KeyUserName)
}

func GetRoleFromContext(ctx context.Context) (string, bool) {
	return appctx.Value[string](ctx, appctx.KeyRole)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.Value[string](ctx, appctx.KeyCorrelationId)
}

func GetSkipTenantScopeFromContext(ctx context.Context) (bool, bool) {
	return appctx.Value[bool](ctx, appctx.KeySkipTenantScope)
}

func SetPlantIdInContext(ctx context.Context, plantId string) context.Context {
	return appctx.Set(ctx, appctx.KeyPlantId, plantId)
}

func SetUserIdInContext(ctx context.Context, userId int) context.Context {
	return appctx.Set(ctx, appctx.KeyUserId, userId)
}

func SetUserNameInContext(ctx context.Context, userName string) context.Context {
	return appctx.Set(ctx, appctx.KeyUserName, userName)
}

func SetRoleInContext(ctx context.Context, role string) context.Context {
	return appctx.Set(ctx, appctx.KeyRole, role)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, appctx.KeyCorrelationId, correlationId)
}

func SetSkipTenantScopeInContext(ctx context.Context, skip bool) context.Context {
	return appctx.Set(ctx, appctx.KeySkipTenantScope, skip)
}

// SetActorInContext stamps the resolved caller on ctx.
func SetActorInContext(ctx context.Context, plantId string, userId int, userName, role string) context.Context {
	return appctx.WithActor(ctx, appctx.Actor{PlantId: plantId, UserId: userId, UserName: userName, Role: role})
}

// GetActorFromContext returns the plant and user stamped by the session
// middleware. Mutations must use this plant, never one supplied by the client.
func GetActorFromContext(ctx context.Context) (plantId string, userId int, err error) {
	plantId, ok := GetPlantIdFromContext(ctx)
	if !ok || plantId == "" {
		return "", 0, NewAuthorizationError("plant id is required")
	}
	userId, ok = GetUserIdFromContext(ctx)
	if !ok || userId == 0 {
		return "", 0, NewAuthorizationError("user id is required")
	}
	return plantId, userId, nil
}
