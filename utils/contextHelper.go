package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/stockaudit_backend/appctx"
)

var (
	ContextKeyUserId         = appctx.ContextKeyUserId
	ContextKeyStoreCode      = appctx.ContextKeyStoreCode
	ContextKeyCorrelationId  = appctx.ContextKeyCorrelationId
	ContextKeySkipStoreScope = appctx.ContextKeySkipStoreScope
)

func GetUserIdFromContext(ctx context.Context) (int, bool) {
	return appctx.GetInt(ctx, ContextKeyUserId)
}

func SetUserIdInContext(ctx context.Context, userId int) context.Context {
	return appctx.Set(ctx, ContextKeyUserId, userId)
}

func GetStoreCodeFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyStoreCode)
}

func SetStoreCodeInContext(ctx context.Context, storeCode string) context.Context {
	return appctx.Set(ctx, ContextKeyStoreCode, storeCode)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func SetSkipStoreScopeInContext(ctx context.Context, skip bool) context.Context {
	return appctx.Set(ctx, ContextKeySkipStoreScope, skip)
}
