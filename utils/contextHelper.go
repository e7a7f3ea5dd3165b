package utils

import (
	"context"

	"bitbucket.org/ampergames/gamecash_backend/appctx"
)

var (
	ContextKeyToken         = appctx.ContextKeyToken
	ContextKeyVenueId       = appctx.ContextKeyVenueId
	ContextKeyActorId       = appctx.ContextKeyActorId
	ContextKeyActorEmail    = appctx.ContextKeyActorEmail
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId

	ContextKeyIsAdmin        = appctx.ContextKeyIsAdmin
	ContextKeySkipVenueScope = appctx.ContextKeySkipVenueScope
)

func GetTokenFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyToken)
}

func GetVenueIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyVenueId)
}

func GetActorIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyActorId)
}

func GetActorEmailFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyActorEmail)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetTokenInContext(ctx context.Context, token string) context.Context {
	return appctx.Set(ctx, ContextKeyToken, token)
}

func SetVenueIdInContext(ctx context.Context, venueId string) context.Context {
	return appctx.Set(ctx, ContextKeyVenueId, venueId)
}

func SetActorIdInContext(ctx context.Context, actorId string) context.Context {
	return appctx.Set(ctx, ContextKeyActorId, actorId)
}

func SetActorEmailInContext(ctx context.Context, actorEmail string) context.Context {
	return appctx.Set(ctx, ContextKeyActorEmail, actorEmail)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func GetIsAdminFromContext(ctx context.Context) (bool, bool) {
	return appctx.GetBool(ctx, ContextKeyIsAdmin)
}

func SetIsAdminInContext(ctx context.Context, isAdmin bool) context.Context {
	return appctx.Set(ctx, ContextKeyIsAdmin, isAdmin)
}

func GetSkipVenueScopeFromContext(ctx context.Context) (bool, bool) {
	return appctx.GetBool(ctx, ContextKeySkipVenueScope)
}

func SetSkipVenueScopeInContext(ctx context.Context, skip bool) context.Context {
	return appctx.Set(ctx, ContextKeySkipVenueScope, skip)
}
