package utils

import "context"

type contextKey string

// Request-scoped values set by the auth and correlation middlewares.
const (
	contextKeyUserId        contextKey = "UserId"
	contextKeyUserName      contextKey = "UserName"
	contextKeyCorrelationId contextKey = "CorrelationId"
	contextKeyIsAdmin       contextKey = "IsAdmin"
)

func stringFromContext(ctx context.Context, key contextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	return v, ok && v != ""
}

// GetUserIdFromContext returns the acting user; ok is false for anonymous requests.
func GetUserIdFromContext(ctx context.Context) (string, bool) {
	return stringFromContext(ctx, contextKeyUserId)
}

func GetUserNameFromContext(ctx context.Context) (string, bool) {
	return stringFromContext(ctx, contextKeyUserName)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return stringFromContext(ctx, contextKeyCorrelationId)
}

func GetIsAdminFromContext(ctx context.Context) (bool, bool) {
	v, ok := ctx.Value(contextKeyIsAdmin).(bool)
	return v, ok
}

func SetUserIdInContext(ctx context.Context, userId string) context.Context {
	return context.WithValue(ctx, contextKeyUserId, userId)
}

func SetUserNameInContext(ctx context.Context, userName string) context.Context {
	return context.WithValue(ctx, contextKeyUserName, userName)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return context.WithValue(ctx, contextKeyCorrelationId, correlationId)
}

func SetIsAdminInContext(ctx context.Context, isAdmin bool) context.Context {
	return context.WithValue(ctx, contextKeyIsAdmin, isAdmin)
}
